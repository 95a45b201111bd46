// Package guard implements an advisory safety layer on top of the Tool
// Dispatcher's (C6) hard capability gate (spec.md §4.2.1). Capability
// gating decides whether a plugin may touch a service at all; the guard
// decides, for plugins that declared shell/fs:write, whether a *specific*
// call looks dangerous enough to block or require confirmation, and keeps
// an audit trail of every checked call.
//
// Adapted from the teacher's ToolGuard (pkg/goclaw/copilot/tool_guard.go),
// narrowed to the two trust tiers spec.md's data model actually carries —
// main-folder vs. non-main (§3's "tools behave differently in main vs.
// non-main contexts") — in place of the teacher's owner/admin/user ladder.
package guard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls the guard's behavior. Mirrors the shape of the teacher's
// ToolGuardConfig, trimmed to the fields that still apply once permission
// tiers collapse to isMain/non-main.
type Config struct {
	Enabled             bool     `yaml:"enabled"`
	AuditLogPath        string   `yaml:"audit_log"`
	AllowDestructive    bool     `yaml:"allow_destructive"`
	AllowSudo           bool     `yaml:"allow_sudo"`
	AllowReboot         bool     `yaml:"allow_reboot"`
	DangerousCommands   []string `yaml:"dangerous_commands"`
	ProtectedPaths      []string `yaml:"protected_paths"`
	RequireConfirmation []string `yaml:"require_confirmation"`
	AutoApprove         []string `yaml:"auto_approve"`
}

// DefaultConfig returns safe defaults matching the teacher's baseline
// posture: sudo commands and protected paths are blocked outside the main
// chat, and destructive and reboot commands are blocked in every chat,
// main included.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		AuditLogPath: "./data/audit.log",
	}
}

// CheckResult is the outcome of a single Check call.
type CheckResult struct {
	Allowed              bool
	Reason               string
	RequiresConfirmation bool
}

// Guard enforces command-safety and protected-path policy for plugins that
// declared shell/fs:write capabilities, and records every checked call to
// an append-only audit log.
type Guard struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	auditFile *os.File

	dangerousPatterns []*regexp.Regexp
	protectedPaths    []string
}

// New builds a Guard and opens its audit log, if configured.
func New(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{cfg: cfg, logger: logger.With("component", "guard")}
	g.compileDangerousPatterns()
	g.initProtectedPaths()

	if cfg.AuditLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditLogPath), 0o755); err == nil {
			f, err := os.OpenFile(cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				logger.Warn("guard: cannot open audit log", "path", cfg.AuditLogPath, "error", err)
			} else {
				g.auditFile = f
			}
		}
	}
	return g
}

// Close closes the audit log file.
func (g *Guard) Close() {
	if g.auditFile != nil {
		g.auditFile.Close()
	}
}

// Check evaluates whether toolName's call (with args) is permitted for a
// caller whose chat is main (isMain) or not. shellCapable/fsWriteCapable
// reflect whether the invoking plugin declared the shell/fs:write
// capabilities — the guard only second-guesses calls that capability
// gating already let through.
func (g *Guard) Check(toolName string, isMain bool, shellCapable, fsWriteCapable bool, args map[string]any) CheckResult {
	if !g.cfg.Enabled {
		return CheckResult{Allowed: true}
	}
	for _, name := range g.cfg.AutoApprove {
		if name == toolName {
			return CheckResult{Allowed: true}
		}
	}

	requiresConfirmation := false
	for _, name := range g.cfg.RequireConfirmation {
		if name == toolName {
			requiresConfirmation = true
			break
		}
	}

	if shellCapable && (toolName == "bash" || toolName == "shell" || toolName == "exec") {
		command, _ := args["command"].(string)
		if result := g.checkCommandSafety(command, isMain); !result.Allowed {
			return result
		}
	}

	if fsWriteCapable && (toolName == "write_file" || toolName == "edit_file" || toolName == "delete_file") {
		path, _ := args["path"].(string)
		if result := g.checkPathSafety(path, isMain); !result.Allowed {
			return result
		}
	}

	return CheckResult{Allowed: true, RequiresConfirmation: requiresConfirmation}
}

// Audit records a checked tool call to the audit log.
func (g *Guard) Audit(toolName, jid string, isMain bool, allowed bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := fmt.Sprintf("[%s] tool=%s jid=%s main=%v allowed=%v",
		time.Now().Format("2006-01-02 15:04:05"), toolName, jid, isMain, allowed)
	if !allowed {
		entry += fmt.Sprintf(" reason=%s", reason)
	}

	g.logger.Info("guard: tool call checked", "entry", entry)
	if g.auditFile != nil {
		_, _ = g.auditFile.WriteString(entry + "\n")
	}
}

func (g *Guard) checkCommandSafety(command string, isMain bool) CheckResult {
	if command == "" {
		return CheckResult{Allowed: true}
	}

	isSudo := strings.Contains(command, "sudo ") || strings.HasPrefix(command, "sudo")
	if isSudo && !g.cfg.AllowSudo && !isMain {
		return CheckResult{Allowed: false, Reason: "sudo commands require the main chat (allow_sudo: false in config)"}
	}

	for _, kw := range []string{"shutdown", "reboot", "poweroff", "halt"} {
		if strings.Contains(command, kw) {
			if !g.cfg.AllowReboot {
				return CheckResult{Allowed: false, Reason: fmt.Sprintf("'%s' is blocked (allow_reboot: false in config)", kw)}
			}
			if !isMain {
				return CheckResult{Allowed: false, Reason: fmt.Sprintf("'%s' requires the main chat", kw)}
			}
		}
	}

	for _, pat := range g.dangerousPatterns {
		if pat.MatchString(command) {
			if g.cfg.AllowDestructive && isMain {
				g.logger.Warn("guard: destructive command allowed via config", "command", command, "pattern", pat.String())
				continue
			}
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("command blocked by safety rule %q (set allow_destructive: true and use the main chat to override)", pat.String()),
			}
		}
	}

	return CheckResult{Allowed: true}
}

func (g *Guard) checkPathSafety(path string, isMain bool) CheckResult {
	if path == "" || isMain {
		return CheckResult{Allowed: true}
	}

	absPath := path
	if !filepath.IsAbs(path) {
		absPath, _ = filepath.Abs(path)
	}

	for _, protected := range g.protectedPaths {
		if absPath == protected || strings.HasPrefix(absPath, protected+"/") {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("path %q is protected and requires the main chat", path)}
		}
		if matched, _ := filepath.Match(protected, absPath); matched {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("path %q matches protected pattern %q", path, protected)}
		}
	}
	return CheckResult{Allowed: true}
}

func (g *Guard) compileDangerousPatterns() {
	defaults := []string{
		`\brm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+)?/`,
		`\bmkfs\b`,
		`\bdd\s+.*of=/dev/`,
		`>\s*/dev/sd`,
		`\bchmod\s+(-R\s+)?777\s+/`,
		`\bchown\s+(-R\s+)?.*\s+/`,
		`:\(\)\{\s*:\|:&\s*\};:`,
		`\biptables\s+-F`,
		`DROP\s+DATABASE`,
		`DROP\s+TABLE`,
	}
	for _, p := range defaults {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		g.dangerousPatterns = append(g.dangerousPatterns, re)
	}
	for _, p := range g.cfg.DangerousCommands {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			g.logger.Warn("guard: invalid custom dangerous pattern", "pattern", p, "error", err)
			continue
		}
		g.dangerousPatterns = append(g.dangerousPatterns, re)
	}
}

func (g *Guard) initProtectedPaths() {
	g.protectedPaths = g.cfg.ProtectedPaths
	if len(g.protectedPaths) == 0 {
		home, _ := os.UserHomeDir()
		g.protectedPaths = []string{
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".gnupg"),
			".env",
			"/etc/shadow",
			"/etc/sudoers",
			filepath.Join(home, ".aws/credentials"),
			filepath.Join(home, ".kube/config"),
		}
	}
}

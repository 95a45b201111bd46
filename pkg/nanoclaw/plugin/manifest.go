// Package plugin implements discovery, dependency-ordered loading, and
// capability-gated context construction for NanoClaw plugins.
//
// Dynamic module import (the teacher's source-language pattern) is replaced
// per spec.md §9's design note: plugins register themselves against a
// static, pre-linked constructor registry keyed by manifest name, rather
// than being imported from a file path at runtime.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Target values for Manifest.Target.
const (
	TargetHost      = "host"
	TargetContainer = "container"
	TargetBoth      = "both"
)

// Capability names, from spec.md §3.
const (
	CapIPCRead        = "ipc:read"
	CapIPCWrite       = "ipc:write"
	CapFSRead         = "fs:read"
	CapFSWrite        = "fs:write"
	CapNetwork        = "network"
	CapShell          = "shell"
	CapMessagesRead   = "messages:read"
	CapMessagesWrite  = "messages:write"
	CapTasksManage    = "tasks:manage"
	CapGroupsManage   = "groups:manage"
)

var nameRE = regexp.MustCompile(`^[a-z0-9-]+$`)

// Manifest describes a plugin as declared in its plugin.json.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Target       string   `json:"target"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	MainEntry    string   `json:"mainEntry"`

	// dir is the directory the manifest was loaded from; used for the
	// path-containment check on MainEntry.
	dir string
}

// Validate checks the manifest schema: required fields, name format, and
// applies documented defaults for optional fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin: manifest missing name")
	}
	if !nameRE.MatchString(m.Name) {
		return fmt.Errorf("plugin %q: name must match ^[a-z0-9-]+$", m.Name)
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if m.MainEntry == "" {
		m.MainEntry = "index.ts"
	}
	switch m.Target {
	case "":
		m.Target = TargetBoth
	case TargetHost, TargetContainer, TargetBoth:
	default:
		return fmt.Errorf("plugin %q: invalid target %q", m.Name, m.Target)
	}
	return nil
}

// HasCapability reports whether the manifest declares cap.
func (m *Manifest) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Discover scans dirs for subdirectories containing a plugin.json, parses
// and validates each, and returns the manifests whose Target matches
// runtime ("host" or "container"). Invalid manifests are skipped with a
// warning via onWarn rather than aborting discovery.
func Discover(dirs []string, runtime string, onWarn func(dir string, err error)) ([]Manifest, error) {
	var out []Manifest
	seen := map[string]bool{}

	for _, root := range dirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue // a configured-but-absent plugin dir is not fatal
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			pluginDir := filepath.Join(root, e.Name())
			manifestPath := filepath.Join(pluginDir, "plugin.json")
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				continue // no plugin.json: not a candidate
			}

			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				if onWarn != nil {
					onWarn(pluginDir, fmt.Errorf("invalid manifest json: %w", err))
				}
				continue
			}
			if err := m.Validate(); err != nil {
				if onWarn != nil {
					onWarn(pluginDir, err)
				}
				continue
			}
			m.dir = pluginDir

			if m.Target != TargetBoth && m.Target != runtime {
				continue
			}

			if seen[m.Name] {
				if onWarn != nil {
					onWarn(pluginDir, fmt.Errorf("duplicate plugin name %q, skipping later copy", m.Name))
				}
				continue
			}
			seen[m.Name] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// ResolvedEntryPath validates that the manifest's MainEntry, once resolved
// against its directory, stays inside that directory (path-traversal
// guard), and that the file exists.
func (m *Manifest) ResolvedEntryPath() (string, error) {
	joined := filepath.Join(m.dir, m.MainEntry)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("plugin %q: resolving entry path: %w", m.Name, err)
	}
	dirAbs, err := filepath.Abs(m.dir)
	if err != nil {
		return "", fmt.Errorf("plugin %q: resolving dir: %w", m.Name, err)
	}
	if abs != dirAbs && filepath.Dir(abs) != dirAbs && !isWithin(abs, dirAbs) {
		return "", fmt.Errorf("plugin %q: entry path %q escapes plugin directory", m.Name, m.MainEntry)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("plugin %q: entry file missing: %w", m.Name, err)
	}
	return abs, nil
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && len(rel) > 0 && rel[0] != '.'
}

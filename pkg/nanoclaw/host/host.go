// Package host wires every other nanoclaw package into the single
// long-running process described in spec.md: the Event Bus, the Plugin
// Registry, the per-chat Queue and its backing Agent Runner, the Scheduled
// Task Engine, the Channel Router, and the local Store.
//
// Grounded on the teacher's top-level Assistant
// (pkg/goclaw/copilot/assistant.go): a single struct owning every
// subsystem's lifecycle, constructed once in cmd/copilot/commands/serve.go
// and driven by Start/Stop across a cancellable context, generalized here
// from one fixed channel set to the Router's dynamic channel registration.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/agentrun"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/bus"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/guard"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/queue"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/router"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

// historyLimit bounds the in-memory per-JID message history backing
// Host.Recent, the messages:read operation offered to host-target plugins
// (spec.md has no persisted
// message-history store, only session/task state, so this is kept
// in-process rather than in the SQLite schema).
const historyLimit = 50

// Host owns every subsystem's lifecycle for one running nanoclaw process.
type Host struct {
	log *slog.Logger
	cfg *config.Config

	Bus       *bus.Bus
	Store     *store.Store
	Guard     *guard.Guard
	Registry  *plugin.Registry
	Router    *router.Router
	Queue     *queue.Queue
	Runner    *agentrun.Runner
	Scheduler *scheduler.Scheduler

	histMu  sync.Mutex
	history map[string][]string
}

// New wires every subsystem. The caller is responsible for registering
// channels on h.Router and calling Start.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (*Host, error) {
	if err := ensureDataDirs(cfg); err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "nanoclaw.db"))
	if err != nil {
		return nil, fmt.Errorf("host: opening store: %w", err)
	}

	h := &Host{
		log:     log.With("component", "host"),
		cfg:     cfg,
		Bus:     bus.New(log),
		Store:   st,
		Guard:   guard.New(cfg.Guard, log),
		history: map[string][]string{},
	}

	h.Router = router.New(log, h.handleInbound, h.handleMetadata)

	h.Runner = agentrun.New(log, agentrun.Config{
		Command:     cfg.Agent.Command,
		WorkDirRoot: filepath.Join(cfg.DataDir, "chats"),
		IPCRoot:     filepath.Join(cfg.DataDir, "ipc"),
		KillGrace:   cfg.Agent.KillGrace,
		Env:         h.agentEnv(),
		PluginDirs:  cfg.Plugins.Dirs,
		Guard:       cfg.Guard,
	}, h.onSessionPersisted, h.onAgentOutboxMessage, h.resolveSession)
	h.Runner.SetTaskSnapshot(h.taskSnapshot)

	h.Queue = queue.New(log, h.Runner, cfg.Agent.IdleTimeout, cfg.Queue.TaskIdleTimeout)
	h.Queue.SetOutputHandler(h.onQueueOutput)

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		loc = time.UTC
	}
	h.Scheduler = scheduler.New(log, st, h.Queue, h.notifyChat, loc, cfg.Scheduler.PollInterval)

	h.Registry = plugin.NewRegistry(log)
	svc := plugin.Services{
		IPC:      func(string) plugin.IPCService { return nil },
		Messages: h,
		Tasks:    h,
	}
	if err := h.Registry.LoadAll(ctx, cfg.Plugins.Dirs, plugin.TargetHost, svc); err != nil {
		return nil, fmt.Errorf("host: loading host-target plugins: %w", err)
	}

	return h, nil
}

func ensureDataDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.DataDir, filepath.Join(cfg.DataDir, "chats"), filepath.Join(cfg.DataDir, "ipc")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("host: creating data directory %s: %w", dir, err)
		}
	}
	return nil
}

// Start begins the scheduler's due-scan loop. Channel connection is the
// caller's responsibility (via h.Router.Register) since channel set varies
// by deployment and by config.
func (h *Host) Start(ctx context.Context) {
	go h.Scheduler.Run(ctx)
	h.log.Info("host: started")
}

// Stop disconnects every channel, unloads every plugin, and closes the
// store. Does not cancel ctx — the caller owns that.
func (h *Host) Stop(ctx context.Context) {
	h.Router.DisconnectAll(ctx)
	h.Registry.UnloadAll(ctx)
	h.Guard.Close()
	if err := h.Store.Close(); err != nil {
		h.log.Warn("host: error closing store", "error", err)
	}
	h.log.Info("host: stopped")
}

// agentEnv builds the extra environment variables every spawned agent
// subprocess receives: resolved provider credentials, never the raw config
// value, per the keyring → env → config priority chain in
// pkg/nanoclaw/secret.
func (h *Host) agentEnv() []string {
	return []string{
		"NANOCLAW_PROVIDER=" + h.cfg.Agent.Provider,
		"NANOCLAW_MODEL=" + h.cfg.Agent.Model,
		"NANOCLAW_PROVIDER_API_KEY=" + h.cfg.ResolveProviderAPIKey(),
		"NANOCLAW_PROVIDER_BASE_URL=" + h.cfg.ResolveBaseURL(),
	}
}

// resolveSession decides which session id a turn should resume, per
// spec.md §4.7 point 3: KindMessage and "group" KindTask items reuse the
// folder's persisted session; "isolated" KindTask items start fresh.
func (h *Host) resolveSession(folder string, item queue.Item) string {
	if item.Kind == queue.KindTask && item.SessionMode == store.ContextIsolated {
		return ""
	}
	sessionID, err := h.Store.GetSession(folder)
	if err != nil {
		h.log.Warn("host: reading session failed", "folder", folder, "error", err)
		return ""
	}
	return sessionID
}

// onSessionPersisted is the agentrun.Runner's onSessionID callback: persist
// a newly minted session id the moment the agent reports one.
func (h *Host) onSessionPersisted(folder, sessionID string) {
	if err := h.Store.SetSession(folder, sessionID); err != nil {
		h.log.Error("host: persisting session id failed", "folder", folder, "error", err)
	}
}

// onQueueOutput forwards every streamed turn result to the chat's owning
// channel via the router, and appends it to the in-memory message history.
func (h *Host) onQueueOutput(jid, folder string, item queue.Item, chunk string) {
	h.appendHistory(jid, chunk)
	if err := h.Router.Send(context.Background(), jid, chunk); err != nil {
		h.log.Error("host: delivering agent output failed", "jid", jid, "error", err)
	}
}

// notifyChat is the scheduler's Notifier: task lifecycle notices go through
// the same router send path as turn output.
func (h *Host) notifyChat(ctx context.Context, jid, text string) error {
	h.appendHistory(jid, text)
	return h.Router.Send(ctx, jid, text)
}

func (h *Host) appendHistory(jid, text string) {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	hist := append(h.history[jid], text)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	h.history[jid] = hist
}

// onAgentOutboxMessage handles every IPC file an agent drops into its
// outbox while running: an immediate message, schedule_task,
// pause/resume/cancel_task, and register_group (spec.md §6's outbox
// message shapes). The "message" case is how a container-target plugin's
// messages:write capability (spec.md §4.6: "tools that must reach the
// host ... do so by writing IPC files into the agent's outbox") reaches
// the owning channel, mirroring host.Send for host-target plugins.
func (h *Host) onAgentOutboxMessage(jid string, msg ipc.Message) {
	ctx := context.Background()
	var err error
	switch msg.Type {
	case ipc.TypeMessage:
		err = h.handleOutboxMessage(ctx, msg.Raw)
	case ipc.TypeVoiceMessage:
		err = h.handleOutboxVoice(ctx, msg.Raw)
	case ipc.TypeScheduleTask:
		err = h.handleScheduleTask(msg.Raw)
	case ipc.TypePauseTask:
		err = h.handleTaskControl(msg.Raw, store.StatusPaused)
	case ipc.TypeResumeTask:
		err = h.handleTaskControl(msg.Raw, store.StatusActive)
	case ipc.TypeCancelTask:
		err = h.handleCancelTask(msg.Raw)
	case ipc.TypeRegisterGroup:
		err = h.handleRegisterGroup(msg.Raw)
	default:
		return
	}
	if err != nil {
		h.log.Error("host: processing outbox message failed", "jid", jid, "type", msg.Type, "error", err)
	}
}

// handleInbound is the router's InboundHandler: resolve (or auto-register)
// the chat, then enqueue the turn unless a requiresTrigger group chat's
// message doesn't match its trigger pattern.
func (h *Host) handleInbound(ctx context.Context, jid string, msg router.InboundMessage) {
	h.appendHistory(jid, msg.Content)
	h.Bus.Emit(ctx, bus.MessageInbound, msg)

	chat, err := h.Store.GetChat(jid)
	if err != nil {
		if err != store.ErrNotFound {
			h.log.Error("host: looking up chat failed", "jid", jid, "error", err)
			return
		}
		chat, err = h.autoRegister(jid, msg)
		if err != nil {
			h.log.Error("host: auto-registering chat failed", "jid", jid, "error", err)
			return
		}
	}

	if chat.RequiresTrigger && !h.Queue.Active(jid) && !matchesTrigger(msg.Content, chat.TriggerPattern) {
		return
	}

	h.Queue.Enqueue(jid, chat.Folder, queue.Item{
		Kind:    queue.KindMessage,
		Prompt:  msg.Content,
		Augment: h.Queue.Active(jid),
		IsMain:  chat.IsMain,
	})
}

// handleMetadata is the router's MetadataHandler, fired on first contact
// from channels that discover chat identity out of band (e.g. a DM).
func (h *Host) handleMetadata(ctx context.Context, jid string, seenAt time.Time, displayName string) {
	if _, err := h.Store.GetChat(jid); err == nil {
		return
	}
	_, err := h.autoRegister(jid, router.InboundMessage{JID: jid, SenderName: displayName, Timestamp: seenAt})
	if err != nil {
		h.log.Error("host: metadata auto-registration failed", "jid", jid, "error", err)
	}
}

// autoRegister creates a Registered Chat the first time a JID is seen,
// per spec.md's end-to-end scenario 1 ("channel auto-registers the DM").
// The very first chat ever registered becomes the main folder.
func (h *Host) autoRegister(jid string, msg router.InboundMessage) (*store.RegisteredChat, error) {
	folder := folderFor(jid)
	isMain := false
	if _, err := h.Store.MainChat(); err == store.ErrNotFound {
		isMain = true
	}

	chat := store.RegisteredChat{
		JID:         jid,
		DisplayName: displayNameOr(msg.SenderName, jid),
		Folder:      folder,
		IsMain:      isMain,
		AddedAt:     time.Now(),
	}
	if err := h.Store.RegisterChat(chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func folderFor(jid string) string {
	folder := strings.ReplaceAll(jid, ":", "-")
	folder = strings.ReplaceAll(folder, "/", "-")
	folder = strings.ReplaceAll(folder, "@", "-at-")
	return folder
}

func displayNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// matchesTrigger reports whether text contains pattern as a
// case-insensitive substring. An empty pattern never matches, keeping a
// misconfigured requiresTrigger chat silent rather than always-on.
func matchesTrigger(text, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
}


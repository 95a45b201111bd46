// loop.go drives the agent-side multi-turn conversation described in
// spec.md §4.4: one LLM-plus-tools turn per emitted frame, then a wait on
// the IPC inbox for either a follow-up user message or the "_close"
// sentinel, adapted from the teacher's AgentRun.Run (pkg/goclaw/copilot/
// agent.go) with the in-memory interrupt channel replaced by IPC polling
// across the host/agent process boundary.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/guard"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

// Output framing markers, matching spec.md §4.4/§6.
const (
	outputStart = "---NANOCLAW_OUTPUT_START---"
	outputEnd   = "---NANOCLAW_OUTPUT_END---"
)

// ProcessInput is the JSON blob this process reads from stdin, matching
// agentrun.AgentInput's wire shape (spec.md §6), including the host's
// operational extensions (IPC directories, plugin search path, guard
// policy) beyond the literal spec.md field list.
type ProcessInput struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	SenderIDs       []string          `json:"senderIds,omitempty"`
	TrustConfig     map[string]any    `json:"trustConfig,omitempty"`
	IPCInboxDir     string            `json:"ipcInboxDir"`
	IPCOutboxDir    string            `json:"ipcOutboxDir"`
	PluginDirs      []string          `json:"pluginDirs,omitempty"`
	Guard           guard.Config      `json:"guard,omitempty"`

	// TasksSnapshotPath points at the read-only task-set snapshot the host
	// writes before a scheduled run, for an agent-side task-listing tool.
	TasksSnapshotPath string `json:"tasksSnapshotPath,omitempty"`
}

// Frame is one framed stdout payload (spec.md §4.4).
type Frame struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunTimeout bounds a single agent turn, mirroring the teacher's
// DefaultRunTimeout (pkg/goclaw/copilot/agent.go).
const RunTimeout = 600 * time.Second

// Loop owns one agent process's lifetime once its stdin input has been
// read and parsed by the caller: running successive LLM-plus-tools turns,
// and waiting between them on the IPC inbox for the next user message or
// the close sentinel.
type Loop struct {
	log          *slog.Logger
	llm          *LLMClient
	dispatcher   *Dispatcher
	systemPrompt string
	out          io.Writer
}

// NewLoop constructs a Loop. out is normally os.Stdout.
func NewLoop(log *slog.Logger, llm *LLMClient, dispatcher *Dispatcher, systemPrompt string, out io.Writer) *Loop {
	return &Loop{log: log.With("component", "agentproc"), llm: llm, dispatcher: dispatcher, systemPrompt: systemPrompt, out: out}
}

// Run executes the full multi-turn session for input: the first turn using
// input.Prompt, then successive turns fed by inbox messages, until a
// "_close" sentinel is observed or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, input ProcessInput) error {
	inbox, err := ipc.NewDir(input.IPCInboxDir)
	if err != nil {
		return fmt.Errorf("agentproc: opening inbox: %w", err)
	}

	messages := []ChatMessage{}
	if l.systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: l.systemPrompt})
	}

	sessionID := input.SessionID
	nextPrompt := input.Prompt

	for {
		messages = append(messages, ChatMessage{Role: "user", Content: nextPrompt})

		inv := Invocation{JID: input.ChatJID, Folder: input.GroupFolder, IsMain: input.IsMain}
		result, newMessages, err := l.runTurn(ctx, messages, inv)
		messages = newMessages
		if err != nil {
			l.emit(Frame{Status: "error", Error: err.Error()})
			return err
		}

		if sessionID == "" {
			sessionID = newSessionID()
		}
		l.emit(Frame{Status: "success", Result: result, NewSessionID: sessionID})

		prompt, closed, err := l.awaitNextTurn(ctx, inbox)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
		nextPrompt = prompt
	}
}

// runTurn executes one LLM-plus-tools turn: call the model, execute any
// requested tool calls, repeat until the model responds with no tool
// calls. Mirrors the teacher's AgentRun loop structure without its context
// overflow/compaction machinery (out of scope for the reference loop).
func (l *Loop) runTurn(ctx context.Context, messages []ChatMessage, inv Invocation) (string, []ChatMessage, error) {
	turnCtx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()

	tools := l.dispatcher.ToolDefinitions()

	for {
		resp, err := l.llm.Complete(turnCtx, messages, tools)
		if err != nil {
			return "", messages, fmt.Errorf("agentproc: llm call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, messages, nil
		}

		messages = append(messages, *resp)
		for _, tc := range resp.ToolCalls {
			result := l.dispatcher.Invoke(turnCtx, inv, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
			text := ""
			for _, block := range result.Content {
				text += block.Text
			}
			messages = append(messages, ChatMessage{Role: "tool", Content: text, ToolCallID: tc.ID})
		}
	}
}

// awaitNextTurn polls the inbox until a message file or the close sentinel
// appears, or ctx is cancelled.
func (l *Loop) awaitNextTurn(ctx context.Context, inbox *ipc.Dir) (prompt string, closed bool, err error) {
	ticker := time.NewTicker(ipc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
			msgs, derr := inbox.Drain(func(name string, e error) {
				l.log.Warn("agentproc: inbox parse error", "file", name, "error", e)
			})
			if derr != nil {
				l.log.Warn("agentproc: inbox drain error", "error", derr)
				continue
			}
			for _, m := range msgs {
				if m.Closed {
					return "", true, nil
				}
				if m.Type != ipc.TypeMessage {
					continue
				}
				var mf ipc.MessageFile
				if err := json.Unmarshal(m.Raw, &mf); err != nil {
					l.log.Warn("agentproc: malformed message file", "error", err)
					continue
				}
				return mf.Text, false, nil
			}
		}
	}
}

func (l *Loop) emit(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		l.log.Error("agentproc: failed to marshal output frame", "error", err)
		return
	}
	w := bufio.NewWriter(l.out)
	fmt.Fprintln(w, outputStart)
	w.Write(data)
	fmt.Fprintln(w)
	fmt.Fprintln(w, outputEnd)
	w.Flush()
}

// newSessionID mints a resumable session id for a folder's first turn.
// Defined separately so callers needing determinism in tests can shadow
// it; production uses a real UUID via sessionIDFunc.
var sessionIDFunc = defaultSessionID

func newSessionID() string { return sessionIDFunc() }

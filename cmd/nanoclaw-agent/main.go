// Command nanoclaw-agent is the per-chat subprocess the host (nanoclawd)
// spawns through pkg/nanoclaw/agentrun: it reads its turn configuration as
// one JSON blob on stdin (spec.md §6's agent-input shape), loads
// container-target plugins through the same Registry the host uses for
// host-target ones, and drives the multi-turn LLM-plus-tools loop
// described in spec.md §4.4, framing every streamed result for the host to
// scan from stdout.
//
// Grounded on the teacher's own split between a daemon entrypoint
// (cmd/copilot) and the loop it drives (pkg/goclaw/copilot/agent.go); here
// that loop runs in its own process instead of in-process, per spec.md's
// "isolated per-chat agent subprocess" design.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/agentproc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/guard"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"

	// Blank-imported so their init() registers a constructor in the
	// static, pre-linked plugin registry (spec.md §9's replacement for
	// dynamic module import) before LoadAll runs below.
	_ "github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugins/echo"
	_ "github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugins/notify"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("nanoclaw-agent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	var input agentproc.ProcessInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("parsing process input: %w", err)
	}
	logger = logger.With("jid", input.ChatJID, "folder", input.GroupFolder)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	outbox, err := ipc.NewDir(input.IPCOutboxDir)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}

	dispatcher, err := buildDispatcher(ctx, logger, input, outbox)
	if err != nil {
		return fmt.Errorf("building tool dispatcher: %w", err)
	}

	llm := agentproc.NewLLMClient(
		os.Getenv("NANOCLAW_PROVIDER_BASE_URL"),
		os.Getenv("NANOCLAW_PROVIDER_API_KEY"),
		os.Getenv("NANOCLAW_MODEL"),
		logger,
	)

	loop := agentproc.NewLoop(logger, llm, dispatcher, systemPrompt(input), os.Stdout)
	return loop.Run(ctx, input)
}

// buildDispatcher loads every container-target plugin visible from
// input.PluginDirs, wiring its capability-gated services onto this agent's
// own outbox (spec.md §4.6: tool side effects that must reach the host
// travel as outbox IPC files, never direct network I/O).
func buildDispatcher(ctx context.Context, logger *slog.Logger, input agentproc.ProcessInput, outbox *ipc.Dir) (*agentproc.Dispatcher, error) {
	registry := plugin.NewRegistry(logger)

	svc := plugin.Services{
		IPC:      func(string) plugin.IPCService { return outbox },
		Messages: agentproc.OutboxMessages{Outbox: outbox, Folder: input.GroupFolder},
		Tasks:    agentproc.OutboxTasks{Outbox: outbox, Folder: input.GroupFolder},
	}

	dirs := input.PluginDirs
	if len(dirs) == 0 {
		dirs = []string{"./plugins"}
	}
	if err := registry.LoadAll(ctx, dirs, plugin.TargetContainer, svc); err != nil {
		return nil, err
	}

	var g *guard.Guard
	if input.Guard.Enabled {
		g = guard.New(input.Guard, logger)
	}
	return agentproc.NewDispatcher(logger, registry, g), nil
}

// systemPrompt builds the minimal system message every turn starts with.
// spec.md's Non-goals exclude language generation from the core's scope;
// this reference loop needs just enough framing for the model to know
// which chat it's answering in and whether it's the main, cross-chat
// administrative folder.
func systemPrompt(input agentproc.ProcessInput) string {
	role := "a regular chat"
	if input.IsMain {
		role = "the main, cross-chat administrative chat"
	}
	return fmt.Sprintf(
		"You are NanoClaw, an assistant replying in %s (folder %q, jid %q). "+
			"Use the available tools when they help answer the user.",
		role, input.GroupFolder, input.ChatJID,
	)
}

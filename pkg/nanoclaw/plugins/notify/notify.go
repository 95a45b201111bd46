// Package notify is a sample NanoClaw plugin exercising the messages and
// tasks capability gates (spec.md §3): it declares messages:write
// and tasks:manage, and exposes tools to send a message to a chat right
// away or schedule one for later via the Scheduled Task Engine (C7).
//
// Grounded on the plugin.Plugin contract in pkg/nanoclaw/plugin/registry.go
// and the ToolContext shape in pkg/nanoclaw/plugin/context.go.
package notify

import (
	"context"
	"fmt"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"
)

func init() {
	plugin.Register("notify", New)
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	pctx *plugin.Context
}

// New constructs an unconfigured notify plugin.
func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Init(_ context.Context, pctx *plugin.Context) error {
	p.pctx = pctx
	return nil
}

func (p *Plugin) Shutdown(_ context.Context) error { return nil }

func (p *Plugin) Tools() []plugin.ToolSpec {
	return []plugin.ToolSpec{
		{
			Name:        "notify_send",
			Description: "Sends a message to a chat immediately.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"jid":  map[string]any{"type": "string", "description": "Target chat JID."},
					"text": map[string]any{"type": "string", "description": "Message body."},
				},
				"required": []any{"jid", "text"},
			},
		},
		{
			Name:        "notify_schedule",
			Description: "Schedules a message to be sent later, as a one-shot or recurring task.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"jid":            map[string]any{"type": "string", "description": "Target chat JID."},
					"prompt":         map[string]any{"type": "string", "description": "Prompt the agent runs at the scheduled time."},
					"schedule_type":  map[string]any{"type": "string", "description": "\"once\", \"interval\", or \"cron\"."},
					"schedule_value": map[string]any{"type": "string", "description": "RFC3339 time, interval in milliseconds, or cron expression, matching schedule_type."},
				},
				"required": []any{"jid", "prompt", "schedule_type", "schedule_value"},
			},
		},
	}
}

func (p *Plugin) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	switch toolName {
	case "notify_send":
		jid, _ := args["jid"].(string)
		text, _ := args["text"].(string)
		if jid == "" || text == "" {
			return nil, fmt.Errorf("notify_send: jid and text are required")
		}
		if err := p.pctx.Messages.Send(ctx, jid, text); err != nil {
			return nil, fmt.Errorf("notify_send: %w", err)
		}
		return "sent", nil

	case "notify_schedule":
		jid, _ := args["jid"].(string)
		prompt, _ := args["prompt"].(string)
		scheduleType, _ := args["schedule_type"].(string)
		scheduleValue, _ := args["schedule_value"].(string)
		if jid == "" || prompt == "" || scheduleType == "" || scheduleValue == "" {
			return nil, fmt.Errorf("notify_schedule: jid, prompt, schedule_type, and schedule_value are required")
		}
		taskID, err := p.pctx.Tasks.Schedule(ctx, jid, prompt, scheduleType, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("notify_schedule: %w", err)
		}
		return map[string]any{"task_id": taskID}, nil

	default:
		return nil, fmt.Errorf("notify: unknown tool %q", toolName)
	}
}

// Package echo is a sample NanoClaw plugin: it declares no capabilities and
// exposes one tool, "echo", that returns its input unchanged. It exists to
// exercise the Tool Dispatcher (C6) and plugin loading path end to end
// without depending on any gated service.
//
// Grounded on the plugin.Plugin contract in pkg/nanoclaw/plugin/registry.go;
// registers itself the way spec.md §9's static constructor registry
// requires, in place of the teacher's dynamically-imported module.
package echo

import (
	"context"
	"fmt"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"
)

func init() {
	plugin.Register("echo", New)
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	pctx *plugin.Context
}

// New constructs an unconfigured echo plugin.
func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Init(_ context.Context, pctx *plugin.Context) error {
	p.pctx = pctx
	return nil
}

func (p *Plugin) Shutdown(_ context.Context) error { return nil }

func (p *Plugin) Tools() []plugin.ToolSpec {
	return []plugin.ToolSpec{
		{
			Name:        "echo",
			Description: "Returns the given text unchanged. Useful for verifying the tool pipeline is wired correctly.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to echo back."},
				},
				"required": []any{"text"},
			},
		},
	}
}

func (p *Plugin) Invoke(_ context.Context, toolName string, args map[string]any) (any, error) {
	if toolName != "echo" {
		return nil, fmt.Errorf("echo: unknown tool %q", toolName)
	}
	text, _ := args["text"].(string)
	return text, nil
}

// dispatch.go implements the in-agent Tool Dispatcher (spec.md's C6): it
// takes a Registry (the same type used on the host side) into which the
// agent binary has already loaded the container-target plugins, advertises
// their tools to the LLM loop, and on each tool call
// builds a capability-gated, per-invocation ToolContext before invoking the
// plugin handler.
//
// Adapted from the teacher's MCP tool-call handling (pkg/devclaw/mcp/
// server.go's ToolCallResult/ContentBlock shapes) wired to the
// capability-gated Plugin Context from pkg/nanoclaw/plugin instead of an
// unrestricted MCP tool registry.
package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/guard"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"
)

// ContentBlock mirrors the teacher's MCP content block shape, reused here
// as the tool-result payload folded back into the conversation.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the structured result every tool handler returns —
// spec.md §9's replacement for exception-based control flow.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Dispatcher exposes every tool-contributing plugin's tools to the LLM
// loop and routes invocations back through the capability-gated registry.
type Dispatcher struct {
	log      *slog.Logger
	registry *plugin.Registry
	guard    *guard.Guard

	// owner for each registered tool name, so Invoke can route without a
	// linear scan.
	toolOwner map[string]string
	toolSpecs map[string]plugin.ToolSpec
}

// NewDispatcher builds a Dispatcher over an already-loaded Registry. g may
// be nil, in which case the advisory safety layer is skipped entirely and
// only capability gating (the hard boundary) applies.
func NewDispatcher(log *slog.Logger, registry *plugin.Registry, g *guard.Guard) *Dispatcher {
	d := &Dispatcher{
		log:       log.With("component", "dispatch"),
		registry:  registry,
		guard:     g,
		toolOwner: map[string]string{},
		toolSpecs: map[string]plugin.ToolSpec{},
	}
	for name, p := range registry.GetToolPlugins() {
		for _, spec := range p.Tools() {
			if existing, ok := d.toolOwner[spec.Name]; ok {
				d.log.Warn("dispatch: duplicate tool name, keeping first owner",
					"tool", spec.Name, "owner", existing, "skipped", name)
				continue
			}
			d.toolOwner[spec.Name] = name
			d.toolSpecs[spec.Name] = spec
		}
	}
	return d
}

// ToolDefinitions returns every registered tool as an LLM-facing
// ToolDefinition, for inclusion in a chat-completions request.
func (d *Dispatcher) ToolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(d.toolSpecs))
	for _, spec := range d.toolSpecs {
		var def ToolDefinition
		def.Type = "function"
		def.Function.Name = spec.Name
		def.Function.Description = spec.Description
		def.Function.Parameters = spec.InputSchema
		defs = append(defs, def)
	}
	return defs
}

// Invocation carries the per-call routing facts spec.md's ToolContext
// needs beyond the plugin's own capability-gated Context.
type Invocation struct {
	JID    string
	Folder string
	IsMain bool
}

// Invoke validates args against the tool's declared schema (presence of
// required top-level keys only — a minimal check, since full JSON Schema
// validation is out of scope), constructs a ToolContext, and calls the
// owning plugin's Invoke. Errors are folded into the structured result
// rather than propagated, per spec.md §9's exceptions-for-control-flow
// replacement.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation, toolName string, rawArgs json.RawMessage) ToolCallResult {
	owner, ok := d.toolOwner[toolName]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", toolName))
	}
	p, ok := d.registry.Get(owner)
	if !ok {
		return errorResult(fmt.Sprintf("tool %q's owning plugin %q is not loaded", toolName, owner))
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments for %q: %v", toolName, err))
		}
	}
	if err := validateRequired(d.toolSpecs[toolName], args); err != nil {
		return errorResult(err.Error())
	}

	if d.guard != nil {
		m, _ := d.registry.ManifestFor(owner)
		shellCapable := m.HasCapability(plugin.CapShell)
		fsWriteCapable := m.HasCapability(plugin.CapFSWrite)
		check := d.guard.Check(toolName, inv.IsMain, shellCapable, fsWriteCapable, args)
		d.guard.Audit(toolName, inv.JID, inv.IsMain, check.Allowed, check.Reason)
		if !check.Allowed {
			return errorResult(fmt.Sprintf("blocked by safety guard: %s", check.Reason))
		}
	}

	pctx, _ := d.registry.ContextFor(owner)
	tc := &plugin.ToolContext{Context: pctx, JID: inv.JID, Folder: inv.Folder, IsMain: inv.IsMain}
	invokeCtx := plugin.WithToolContext(ctx, tc)

	result, err := p.Invoke(invokeCtx, toolName, args)
	if err != nil {
		d.log.Warn("dispatch: tool invocation failed", "tool", toolName, "error", err)
		return errorResult(err.Error())
	}

	text, err := resultToText(result)
	if err != nil {
		return errorResult(err.Error())
	}
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(msg string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

func validateRequired(spec plugin.ToolSpec, args map[string]any) error {
	required, _ := spec.InputSchema["required"].([]any)
	for _, r := range required {
		name, _ := r.(string)
		if name == "" {
			continue
		}
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}

func resultToText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling tool result: %w", err)
	}
	return string(b), nil
}

package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

// ErrCapabilityDenied is returned (wrapped with the capability name) when a
// plugin calls a service it did not declare in its manifest.
var ErrCapabilityDenied = errors.New("plugin: capability denied")

func deniedf(cap string) error {
	return fmt.Errorf("%w: %s", ErrCapabilityDenied, cap)
}

// IPCService is the subset of the IPC transport a plugin may use, gated
// per-operation on the ipc:read / ipc:write capabilities.
type IPCService interface {
	Write(payload any) (string, error)
	Drain(onParseError func(name string, err error)) ([]ipc.Message, error)
}

// MessagesService lets a plugin read or send chat messages. Like IPC, it
// is gated per operation: Recent needs messages:read and Send needs
// messages:write (see gatedMessages).
type MessagesService interface {
	Send(ctx context.Context, jid, text string) error
	Recent(ctx context.Context, jid string, limit int) ([]string, error)
}

// TasksService lets a plugin create or manage scheduled tasks. Gated as a
// whole object: a plugin either gets a working service or a stub that
// always denies.
type TasksService interface {
	Schedule(ctx context.Context, jid, prompt, scheduleType, scheduleValue string) (string, error)
	Cancel(ctx context.Context, taskID string) error
}

// Context is what a plugin's entry point receives at invocation time. Every
// field is either a live, working service or a denying stub, decided once
// at construction from the plugin's declared capabilities.
type Context struct {
	PluginName string
	IPC        IPCService
	Messages   MessagesService
	Tasks      TasksService
}

type deniedIPC struct{}

func (deniedIPC) Write(any) (string, error) { return "", deniedf(CapIPCWrite) }
func (deniedIPC) Drain(func(string, error)) ([]ipc.Message, error) { return nil, deniedf(CapIPCRead) }

type deniedMessages struct{}

func (deniedMessages) Send(context.Context, string, string) error { return deniedf(CapMessagesWrite) }
func (deniedMessages) Recent(context.Context, string, int) ([]string, error) {
	return nil, deniedf(CapMessagesRead)
}

type deniedTasks struct{}

func (deniedTasks) Schedule(context.Context, string, string, string, string) (string, error) {
	return "", deniedf(CapTasksManage)
}
func (deniedTasks) Cancel(context.Context, string) error { return deniedf(CapTasksManage) }

// gatedIPC enforces the read/write split at the call site: a plugin with
// only ipc:read can Drain but not Write, and vice versa.
type gatedIPC struct {
	inner    IPCService
	canRead  bool
	canWrite bool
}

func (g gatedIPC) Write(payload any) (string, error) {
	if !g.canWrite {
		return "", deniedf(CapIPCWrite)
	}
	return g.inner.Write(payload)
}

func (g gatedIPC) Drain(onParseError func(string, error)) ([]ipc.Message, error) {
	if !g.canRead {
		return nil, deniedf(CapIPCRead)
	}
	return g.inner.Drain(onParseError)
}

// gatedMessages enforces the same per-operation split for Messages that
// gatedIPC enforces for IPC: messages:read and messages:write are distinct
// capabilities (spec.md §3/§4.2.1), so a plugin declaring only one of them
// must not get the other's method for free.
type gatedMessages struct {
	inner    MessagesService
	canRead  bool
	canWrite bool
}

func (g gatedMessages) Send(ctx context.Context, jid, text string) error {
	if !g.canWrite {
		return deniedf(CapMessagesWrite)
	}
	return g.inner.Send(ctx, jid, text)
}

func (g gatedMessages) Recent(ctx context.Context, jid string, limit int) ([]string, error) {
	if !g.canRead {
		return nil, deniedf(CapMessagesRead)
	}
	return g.inner.Recent(ctx, jid, limit)
}

// ToolContext extends a plugin's Context with the per-invocation routing
// facts a tool call needs (spec.md §3: "Tool Context = Plugin Context +
// {jid, folder, isMain}"). It travels on the Go context.Context for a
// single Invoke call, since plugin.Plugin.Invoke is already ctx-shaped.
type ToolContext struct {
	*Context
	JID    string
	Folder string
	IsMain bool
}

type toolContextKey struct{}

// WithToolContext attaches tc to ctx for the duration of one tool
// invocation.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext retrieves the ToolContext a plugin's Invoke was
// called with, if any.
func ToolContextFromContext(ctx context.Context) (*ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(*ToolContext)
	return tc, ok
}

// NewContext builds a Context for manifest m, wiring real services for
// declared capabilities and denying stubs for everything else.
func NewContext(m *Manifest, ipcSvc IPCService, messagesSvc MessagesService, tasksSvc TasksService) *Context {
	c := &Context{PluginName: m.Name}

	canRead := m.HasCapability(CapIPCRead)
	canWrite := m.HasCapability(CapIPCWrite)
	if (canRead || canWrite) && ipcSvc != nil {
		c.IPC = gatedIPC{inner: ipcSvc, canRead: canRead, canWrite: canWrite}
	} else {
		c.IPC = deniedIPC{}
	}

	canReadMsgs := m.HasCapability(CapMessagesRead)
	canWriteMsgs := m.HasCapability(CapMessagesWrite)
	if (canReadMsgs || canWriteMsgs) && messagesSvc != nil {
		c.Messages = gatedMessages{inner: messagesSvc, canRead: canReadMsgs, canWrite: canWriteMsgs}
	} else {
		c.Messages = deniedMessages{}
	}

	if m.HasCapability(CapTasksManage) {
		if tasksSvc != nil {
			c.Tasks = tasksSvc
		} else {
			c.Tasks = deniedTasks{}
		}
	} else {
		c.Tasks = deniedTasks{}
	}

	return c
}

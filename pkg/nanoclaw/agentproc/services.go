// services.go implements the agent-subprocess-side plugin.MessagesService
// and plugin.TasksService: a container-target plugin's messages:write or
// tasks:manage capability is satisfied by writing the same IPC outbox
// shapes spec.md §6 defines, rather than by a host RPC. The host drains
// these the same way it drains schedule_task/task-control/register_group
// (pkg/nanoclaw/host/services.go's handleOutboxMessage and friends).
package agentproc

import (
	"context"
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

// OutboxMessages implements plugin.MessagesService by dropping "message"
// IPC files into the agent's outbox.
type OutboxMessages struct {
	Outbox *ipc.Dir
	Folder string
}

// Send writes a "message" outbox file; the host's onAgentOutboxMessage
// delivers it through the router on its own schedule (spec.md §4.6: tools
// that must reach the host never do direct network I/O).
func (m OutboxMessages) Send(_ context.Context, jid, text string) error {
	_, err := m.Outbox.Write(ipc.MessageFile{
		Type:        ipc.TypeMessage,
		ChatJID:     jid,
		Text:        text,
		GroupFolder: m.Folder,
		Timestamp:   time.Now().UnixMilli(),
	})
	return err
}

// Recent has no synchronous round-trip in the outbox-only IPC protocol: a
// container-target plugin can ask the host to do things, but nothing
// drains the agent's own inbox for a reply to a read request mid-turn.
// messages:read is therefore only meaningfully servable by a host-target
// plugin (see host.Host.Recent); a container-target plugin that declares
// it gets a clear, permanent error rather than a call that hangs forever.
func (m OutboxMessages) Recent(_ context.Context, _ string, _ int) ([]string, error) {
	return nil, fmt.Errorf("agentproc: messages:read has no synchronous channel back from the host in the agent process; only host-target plugins can read recent messages")
}

// OutboxTasks implements plugin.TasksService by dropping schedule_task /
// cancel_task IPC files into the agent's outbox.
type OutboxTasks struct {
	Outbox *ipc.Dir
	Folder string
}

// Schedule writes a schedule_task outbox file. The host mints the real
// task id asynchronously (store.CreateTask's uuid), so the id returned
// here is a provisional handle (the outbox filename) a caller can use only
// to correlate logs, not to address the task via Cancel — spec.md's wire
// shape for schedule_task carries no response channel for the agent to
// learn the assigned id.
func (t OutboxTasks) Schedule(_ context.Context, jid, prompt, scheduleType, scheduleValue string) (string, error) {
	name, err := t.Outbox.Write(ipc.ScheduleTaskFile{
		Type:          ipc.TypeScheduleTask,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   "group",
		TargetJID:     jid,
		CreatedBy:     t.Folder,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Cancel writes a cancel_task outbox file.
func (t OutboxTasks) Cancel(_ context.Context, taskID string) error {
	_, err := t.Outbox.Write(ipc.TaskControlFile{
		Type:        ipc.TypeCancelTask,
		TaskID:      taskID,
		GroupFolder: t.Folder,
		Timestamp:   time.Now().UnixMilli(),
	})
	return err
}

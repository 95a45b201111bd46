package agentproc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

func newTestOutbox(t *testing.T) *ipc.Dir {
	t.Helper()
	dir, err := ipc.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return dir
}

func drainOne(t *testing.T, dir *ipc.Dir) ipc.Message {
	t.Helper()
	msgs, err := dir.Drain(func(name string, err error) {
		t.Fatalf("unexpected parse error for %s: %v", name, err)
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one outbox file, got %d", len(msgs))
	}
	return msgs[0]
}

func TestOutboxMessagesSendWritesMessageFile(t *testing.T) {
	outbox := newTestOutbox(t)
	m := OutboxMessages{Outbox: outbox, Folder: "owner-dm"}

	if err := m.Send(context.Background(), "discord:123", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := drainOne(t, outbox)
	if msg.Type != ipc.TypeMessage {
		t.Fatalf("expected type %q, got %q", ipc.TypeMessage, msg.Type)
	}
	var f ipc.MessageFile
	if err := json.Unmarshal(msg.Raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.ChatJID != "discord:123" || f.Text != "hello" || f.GroupFolder != "owner-dm" {
		t.Fatalf("unexpected message file: %+v", f)
	}
}

func TestOutboxMessagesRecentIsUnsupported(t *testing.T) {
	m := OutboxMessages{Outbox: newTestOutbox(t), Folder: "owner-dm"}
	if _, err := m.Recent(context.Background(), "discord:123", 10); err == nil {
		t.Fatal("expected Recent to fail: the outbox protocol has no reply channel")
	}
}

func TestOutboxTasksScheduleWritesScheduleTaskFile(t *testing.T) {
	outbox := newTestOutbox(t)
	tasks := OutboxTasks{Outbox: outbox, Folder: "owner-dm"}

	id, err := tasks.Schedule(context.Background(), "discord:123", "say hi", "interval", "1h")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty provisional handle")
	}

	msg := drainOne(t, outbox)
	if msg.Type != ipc.TypeScheduleTask {
		t.Fatalf("expected type %q, got %q", ipc.TypeScheduleTask, msg.Type)
	}
	var f ipc.ScheduleTaskFile
	if err := json.Unmarshal(msg.Raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.TargetJID != "discord:123" || f.Prompt != "say hi" || f.ScheduleType != "interval" || f.ScheduleValue != "1h" {
		t.Fatalf("unexpected schedule_task file: %+v", f)
	}
}

func TestOutboxTasksCancelWritesCancelTaskFile(t *testing.T) {
	outbox := newTestOutbox(t)
	tasks := OutboxTasks{Outbox: outbox, Folder: "owner-dm"}

	if err := tasks.Cancel(context.Background(), "task-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	msg := drainOne(t, outbox)
	if msg.Type != ipc.TypeCancelTask {
		t.Fatalf("expected type %q, got %q", ipc.TypeCancelTask, msg.Type)
	}
	var f ipc.TaskControlFile
	if err := json.Unmarshal(msg.Raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.TaskID != "task-1" || f.GroupFolder != "owner-dm" {
		t.Fatalf("unexpected cancel_task file: %+v", f)
	}
}

// TestOutboxWritesStayUnderRoot guards against a future regression where a
// caller-controlled folder name could be mistaken for a path component;
// OutboxMessages/OutboxTasks never interpolate Folder into the file path
// (only into the JSON body), so this always passes by construction, but it
// documents the invariant IPC path containment depends on.
func TestOutboxWritesStayUnderRoot(t *testing.T) {
	outbox := newTestOutbox(t)
	tasks := OutboxTasks{Outbox: outbox, Folder: "../../etc"}
	if err := tasks.Cancel(context.Background(), "x"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	entries, err := os.ReadDir(outbox.Path)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Dir(filepath.Join(outbox.Path, e.Name())) != outbox.Path {
			t.Fatalf("file escaped outbox root: %s", e.Name())
		}
	}
}

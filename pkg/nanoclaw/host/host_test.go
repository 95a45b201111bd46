package host

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/router"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string { return "fake" }
func (f *fakeChannel) Connect(context.Context) error { return nil }
func (f *fakeChannel) Disconnect(context.Context) error { return nil }
func (f *fakeChannel) OwnsJID(jid string) bool { return true }
func (f *fakeChannel) SendMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func newTestHost(t *testing.T) (*Host, *fakeChannel) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := &fakeChannel{}
	h := &Host{
		log:     log,
		history: map[string][]string{},
	}
	h.Router = router.New(log, func(context.Context, string, router.InboundMessage) {}, func(context.Context, string, time.Time, string) {})
	h.Router.Register(context.Background(), ch)
	return h, ch
}

// TestOnAgentOutboxMessageDeliversMessageType covers the gap fixed this
// session: a container-target plugin's messages:write capability reaches
// the host as an outbox "message" IPC file (agentproc.OutboxMessages),
// which onAgentOutboxMessage must drain the same way it already drained
// schedule_task/task-control/register_group files.
func TestOnAgentOutboxMessageDeliversMessageType(t *testing.T) {
	h, ch := newTestHost(t)

	raw, err := json.Marshal(ipc.MessageFile{
		Type:        ipc.TypeMessage,
		ChatJID:     "discord:123",
		Text:        "hello from a plugin",
		GroupFolder: "owner-dm",
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	h.onAgentOutboxMessage("discord:123", ipc.Message{Type: ipc.TypeMessage, Raw: raw})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 || ch.sent[0] != "hello from a plugin" {
		t.Fatalf("expected one delivered message, got %v", ch.sent)
	}
}

func TestOnAgentOutboxMessageIgnoresUnknownType(t *testing.T) {
	h, ch := newTestHost(t)
	h.onAgentOutboxMessage("discord:123", ipc.Message{Type: "something_else", Raw: []byte(`{}`)})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 0 {
		t.Fatalf("expected no delivery for an unknown type, got %v", ch.sent)
	}
}

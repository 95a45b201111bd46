package agentrun

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunning(t *testing.T) *running {
	t.Helper()
	inbox, err := ipc.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return &running{inbox: inbox, exited: make(chan struct{})}
}

// TestWatchIdleClosesOnExpiry covers the fix for a bug where an idle agent
// parked mid-session (no streamed output, subprocess still alive) was
// never sent the close sentinel: watchIdle must fire on its own, without
// waiting for the subprocess to exit or for a new queue item to arrive.
func TestWatchIdleClosesOnExpiry(t *testing.T) {
	r := &Runner{log: testLogger(), cfg: Config{KillGrace: 50 * time.Millisecond}}
	rn := newTestRunning(t)
	reset := make(chan struct{}, 1)

	stop := r.watchIdle("jid1", rn, 20*time.Millisecond, reset)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hasCloseSentinel(t, rn.inbox.Path) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected close sentinel to be written after idle expiry")
}

// TestWatchIdleResetPostponesExpiry covers the "every streamed result
// resets it" half of spec.md §4.5 point 3: a reset signal delivered before
// the deadline must push expiry out, not just restart from zero silently
// missing a close.
func TestWatchIdleResetPostponesExpiry(t *testing.T) {
	r := &Runner{log: testLogger(), cfg: Config{KillGrace: 50 * time.Millisecond}}
	rn := newTestRunning(t)
	reset := make(chan struct{}, 1)

	stop := r.watchIdle("jid1", rn, 40*time.Millisecond, reset)
	defer stop()

	time.Sleep(25 * time.Millisecond)
	reset <- struct{}{}
	time.Sleep(25 * time.Millisecond)

	if hasCloseSentinel(t, rn.inbox.Path) {
		t.Fatal("expected reset to postpone the close past the original deadline")
	}
}

// TestWatchIdleStopsWithoutClosingOnExit covers the case where the
// subprocess exits on its own before the idle deadline: watchIdle must
// not write a spurious close sentinel once stopped.
func TestWatchIdleStopsWithoutClosingOnExit(t *testing.T) {
	r := &Runner{log: testLogger(), cfg: Config{KillGrace: 50 * time.Millisecond}}
	rn := newTestRunning(t)
	reset := make(chan struct{}, 1)

	stop := r.watchIdle("jid1", rn, time.Hour, reset)
	close(rn.exited)
	stop()

	if hasCloseSentinel(t, rn.inbox.Path) {
		t.Fatal("expected no close sentinel once the subprocess already exited")
	}
}

func hasCloseSentinel(t *testing.T, dir string) bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() == ipc.CloseSentinel {
			return true
		}
	}
	return false
}

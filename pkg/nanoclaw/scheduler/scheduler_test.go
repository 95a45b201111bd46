package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/queue"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nanoclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeRunner lets the test control exactly when a queued turn succeeds or
// fails, and with what streamed output.
type fakeRunner struct {
	mu      sync.Mutex
	outcome func(item queue.Item) (result string, err error)
}

func (f *fakeRunner) Start(ctx context.Context, jid, folder string, item queue.Item, idleTimeout time.Duration, onOutput func(string)) error {
	result, err := f.outcome(item)
	if result != "" {
		onOutput(result)
	}
	return err
}
func (f *fakeRunner) Augment(jid, message string) bool { return false }
func (f *fakeRunner) CloseStdin(jid string) bool { return false }
func (f *fakeRunner) Kill(jid string) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSchedulerSuccessAdvancesIntervalTask(t *testing.T) {
	st := openTestStore(t)
	if err := st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	task := store.Task{
		ID: "t1", Folder: "f1", JID: "discord:1", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: store.ContextGroup, Status: store.StatusActive,
		MaxRetries: 3, CreatedAt: time.Now(),
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{outcome: func(item queue.Item) (string, error) { return "done", nil }}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.handleTaskDone("discord:1", "f1", queue.Item{Kind: queue.KindTask, TaskID: "t1"}, "done", nil, 5*time.Millisecond)

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}
	if got.NextRun == nil {
		t.Fatal("expected a next run to be scheduled")
	}
	if got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("expected retry bookkeeping cleared, got %+v", got)
	}

	runs, err := st.RecentRuns("t1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "success" || runs[0].Result != "done" {
		t.Fatalf("unexpected run log: %+v", runs)
	}
}

func TestSchedulerOnceTaskCompletesAfterSuccess(t *testing.T) {
	st := openTestStore(t)
	st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()})
	st.CreateTask(store.Task{
		ID: "once1", Folder: "f1", JID: "discord:1", Prompt: "ping",
		ScheduleType: store.ScheduleOnce, ContextMode: store.ContextIsolated,
		Status: store.StatusActive, MaxRetries: 3, CreatedAt: time.Now(),
	})

	runner := &fakeRunner{outcome: func(item queue.Item) (string, error) { return "ok", nil }}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.handleTaskDone("discord:1", "f1", queue.Item{Kind: queue.KindTask, TaskID: "once1"}, "ok", nil, time.Millisecond)

	got, err := st.GetTask("once1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted || got.NextRun != nil {
		t.Fatalf("expected completed with no next run, got %+v", got)
	}
}

func TestSchedulerOrphanedFailureDeactivatesAndNotifies(t *testing.T) {
	st := openTestStore(t)
	// Deliberately do not register the chat: GetChatByFolder will fail.
	st.CreateTask(store.Task{
		ID: "orphan1", Folder: "gone", JID: "discord:9", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextGroup, Status: store.StatusActive,
		MaxRetries: 3, NextRun: timePtr(time.Now().Add(-time.Second)), CreatedAt: time.Now(),
	})

	var notified []string
	notify := func(ctx context.Context, jid, text string) error {
		notified = append(notified, fmt.Sprintf("%s:%s", jid, text))
		return nil
	}

	runner := &fakeRunner{outcome: func(item queue.Item) (string, error) { return "", nil }}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, notify, time.UTC, time.Hour)

	sched.scanOnce(context.Background())

	got, err := st.GetTask("orphan1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected orphaned task deactivated, got %s", got.Status)
	}
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %v", notified)
	}
}

func TestSchedulerPersistentFailurePauses(t *testing.T) {
	st := openTestStore(t)
	st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()})
	st.CreateTask(store.Task{
		ID: "p1", Folder: "f1", JID: "discord:1", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextGroup, Status: store.StatusActive,
		MaxRetries: 5, CreatedAt: time.Now(),
	})
	for i := 0; i < 2; i++ {
		st.AppendRun(store.TaskRun{TaskID: "p1", RunAt: time.Now(), Status: "error", Error: "connection refused on port 5432"})
	}

	runner := &fakeRunner{}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.handleTaskDone("discord:1", "f1", queue.Item{Kind: queue.KindTask, TaskID: "p1"}, "",
		errors.New("connection refused on port 5433"), time.Millisecond)

	got, err := st.GetTask("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusPaused {
		t.Fatalf("expected paused after repeated identical failures, got %s", got.Status)
	}
}

// TestSchedulerSingleRepeatDoesNotPause pins the prior-runs-only diagnosis
// rule: one earlier identical failure plus the current one is a retry, not
// a pause — pausing takes two prior identical runs before the current one.
func TestSchedulerSingleRepeatDoesNotPause(t *testing.T) {
	st := openTestStore(t)
	st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()})
	st.CreateTask(store.Task{
		ID: "p2", Folder: "f1", JID: "discord:1", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextGroup, Status: store.StatusActive,
		MaxRetries: 5, CreatedAt: time.Now(),
	})
	st.AppendRun(store.TaskRun{TaskID: "p2", RunAt: time.Now(), Status: "error", Error: "connection refused on port 5432"})

	runner := &fakeRunner{}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.handleTaskDone("discord:1", "f1", queue.Item{Kind: queue.KindTask, TaskID: "p2"}, "",
		errors.New("connection refused on port 5433"), time.Millisecond)

	got, err := st.GetTask("p2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusActive {
		t.Fatalf("expected a retry to stay active, got %s", got.Status)
	}
	if got.NextRun == nil || got.RetryCount != 1 {
		t.Fatalf("expected retry bookkeeping, got %+v", got)
	}
}

func TestSchedulerRetryExhaustionDisablesTask(t *testing.T) {
	st := openTestStore(t)
	st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()})
	st.CreateTask(store.Task{
		ID: "r1", Folder: "f1", JID: "discord:1", Prompt: "ping",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextGroup, Status: store.StatusActive,
		MaxRetries: 1, RetryCount: 1, CreatedAt: time.Now(),
	})

	runner := &fakeRunner{}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.handleTaskDone("discord:1", "f1", queue.Item{Kind: queue.KindTask, TaskID: "r1"}, "",
		errors.New("weird one-off glitch"), time.Millisecond)

	got, err := st.GetTask("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusError {
		t.Fatalf("expected disabled after exhausting retries, got %s", got.Status)
	}
}

func TestSchedulerDueScanEnqueuesAcrossJIDsInParallel(t *testing.T) {
	st := openTestStore(t)
	st.RegisterChat(store.RegisteredChat{JID: "discord:1", Folder: "f1", AddedAt: time.Now()})
	st.RegisterChat(store.RegisteredChat{JID: "discord:2", Folder: "f2", AddedAt: time.Now()})
	past := timePtr(time.Now().Add(-time.Second))
	st.CreateTask(store.Task{ID: "a", Folder: "f1", JID: "discord:1", Prompt: "x", ScheduleType: store.ScheduleOnce, Status: store.StatusActive, NextRun: past, CreatedAt: time.Now()})
	st.CreateTask(store.Task{ID: "b", Folder: "f2", JID: "discord:2", Prompt: "y", ScheduleType: store.ScheduleOnce, Status: store.StatusActive, NextRun: past, CreatedAt: time.Now()})

	var mu sync.Mutex
	var started []string
	runner := &fakeRunner{outcome: func(item queue.Item) (string, error) {
		mu.Lock()
		started = append(started, item.TaskID)
		mu.Unlock()
		return "ok", nil
	}}
	q := queue.New(testLogger(), runner, time.Hour, time.Hour)
	sched := New(testLogger(), st, q, nil, time.UTC, time.Hour)

	sched.scanOnce(context.Background())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 2
	})
}

func TestDiagnoseClassification(t *testing.T) {
	cases := []struct {
		name   string
		err    string
		recent []store.TaskRun
		want   diagnosis
	}{
		{"orphaned", "group not found for folder x", nil, diagnosisOrphaned},
		{"rate limited", "429 too many requests", nil, diagnosisRateLimited},
		{"timeout", "context deadline exceeded: timed out", nil, diagnosisTimeout},
		{"unknown single", "something broke", nil, diagnosisUnknown},
		{
			"transient", "network blip",
			[]store.TaskRun{{Status: "error", Error: "totally different"}, {Status: "error", Error: "also different"}},
			diagnosisTransient,
		},
		{
			"persistent", "connection refused on port 5432",
			[]store.TaskRun{{Status: "error", Error: "connection refused on port 5431"}, {Status: "error", Error: "connection refused on port 5430"}},
			diagnosisPersistent,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := diagnose(c.err, c.recent); got != c.want {
				t.Fatalf("diagnose(%q) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestBackoffForRateLimitedAlwaysMaxRung(t *testing.T) {
	max := backoffLadder[len(backoffLadder)-1]
	if got := backoffFor(diagnosisRateLimited, 1); got != max {
		t.Fatalf("expected max rung %v, got %v", max, got)
	}
	if got := backoffFor(diagnosisRateLimited, 10); got != max {
		t.Fatalf("expected max rung %v, got %v", max, got)
	}
}

func TestBackoffForLadderProgression(t *testing.T) {
	if got := backoffFor(diagnosisUnknown, 1); got != backoffLadder[0] {
		t.Fatalf("retry 1 = %v, want %v", got, backoffLadder[0])
	}
	if got := backoffFor(diagnosisUnknown, 2); got != backoffLadder[1] {
		t.Fatalf("retry 2 = %v, want %v", got, backoffLadder[1])
	}
	if got := backoffFor(diagnosisUnknown, 99); got != backoffLadder[len(backoffLadder)-1] {
		t.Fatalf("retry 99 = %v, want clamped max rung", got)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

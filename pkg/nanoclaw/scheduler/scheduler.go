// Package scheduler implements the Scheduled Task Engine (spec.md's C7): a
// due-scan loop over the persistent task store, failure diagnosis, retry
// backoff, and next-run computation, submitting runs through the per-chat
// Queue (C5) rather than running agents directly.
//
// Grounded on the teacher pack's cron-lane dispatch
// (vanducng-goclaw/cmd/gateway_cron.go submits a cron job through the
// scheduler's own concurrency lane so it can't run concurrently with other
// work for the same session); here that lane is the Queue itself, and the
// task-completion bookkeeping below plays the role the teacher's
// store.CronJobResult handling plays for its cron jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cronparser "github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/queue"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

// Defaults, per spec.md §4.7.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxRetries   = 3
)

// backoffLadder is the fixed retry schedule: 30s, 2min, 10min.
var backoffLadder = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Notifier delivers a task lifecycle notice (deactivated/paused/disabled)
// to jid's channel, independent of the streamed turn results that flow
// through the queue's own output handler.
type Notifier func(ctx context.Context, jid, text string) error

// Scheduler owns the due-scan loop and every piece of per-task bookkeeping
// described in spec.md §4.7: re-reading before submit, failure diagnosis,
// retry backoff, and next-run computation.
type Scheduler struct {
	log      *slog.Logger
	store    *store.Store
	q        *queue.Queue
	notify   Notifier
	location *time.Location

	pollInterval time.Duration
	parser       cronparser.Parser

	mu          sync.Mutex
	retryTimers map[string]*time.Timer
}

// New constructs a Scheduler and wires its task-completion handler onto q.
// location is used to evaluate cron expressions; nil defaults to
// time.Local. pollInterval <= 0 defaults to DefaultPollInterval.
func New(log *slog.Logger, st *store.Store, q *queue.Queue, notify Notifier, location *time.Location, pollInterval time.Duration) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s := &Scheduler{
		log:          log.With("component", "scheduler"),
		store:        st,
		q:            q,
		notify:       notify,
		location:     location,
		pollInterval: pollInterval,
		parser:       cronparser.NewParser(cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow),
		retryTimers:  map[string]*time.Timer{},
	}
	q.SetTaskDoneHandler(s.handleTaskDone)
	return s
}

// Run drives the due-scan loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce finds every task whose nextRun has arrived and tries to submit
// each, in discovery order (spec.md §4.7's "Due scan").
func (s *Scheduler) scanOnce(ctx context.Context) {
	due, err := s.store.DueTasks(time.Now())
	if err != nil {
		s.log.Error("scheduler: due-scan query failed", "error", err)
		return
	}
	for _, t := range due {
		s.trySubmit(ctx, t.ID)
	}
}

// trySubmit re-reads a task by id (it may have been paused or cancelled
// since the scan found it) and, if still active, resolves its registered
// group and enqueues a run. Used by both the due-scan loop and fired retry
// timers.
func (s *Scheduler) trySubmit(ctx context.Context, taskID string) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("scheduler: re-reading due task failed", "task", taskID, "error", err)
		}
		return
	}
	if t.Status != store.StatusActive {
		return
	}

	chat, err := s.store.GetChatByFolder(t.Folder)
	if err != nil {
		s.failOrphaned(ctx, *t, "group not found")
		return
	}

	s.q.Enqueue(t.JID, t.Folder, queue.Item{
		Kind:        queue.KindTask,
		Prompt:      t.Prompt,
		SessionMode: t.ContextMode,
		TaskID:      t.ID,
		IsMain:      chat.IsMain,
	})
}

// handleTaskDone is the queue's onTaskDone callback: it records the run log
// entry and then applies success or failure bookkeeping (spec.md §4.7
// points 4-5).
func (s *Scheduler) handleTaskDone(jid, folder string, item queue.Item, lastResult string, runErr error, dur time.Duration) {
	ctx := context.Background()
	t, err := s.store.GetTask(item.TaskID)
	if err != nil {
		s.log.Error("scheduler: task vanished before completion bookkeeping", "task", item.TaskID, "error", err)
		return
	}
	if t.Status == store.StatusCompleted {
		s.log.Warn("scheduler: task completed during run, not logging the run", "task", t.ID)
		return
	}

	now := time.Now()
	runStatus := "success"
	errMsg := ""
	var priorRuns []store.TaskRun
	if runErr != nil {
		runStatus = "error"
		errMsg = runErr.Error()
		// Snapshot the log before appending this run: the persistent-failure
		// rule counts *prior* identical errors against the current one, so
		// the run being recorded must not count toward its own diagnosis.
		priorRuns, err = s.store.RecentRuns(t.ID, 5)
		if err != nil {
			s.log.Warn("scheduler: fetching recent runs for diagnosis failed", "task", t.ID, "error", err)
		}
	}
	if err := s.store.AppendRun(store.TaskRun{
		TaskID: t.ID, RunAt: now, DurationMs: dur.Milliseconds(),
		Status: runStatus, Result: lastResult, Error: errMsg,
	}); err != nil {
		s.log.Error("scheduler: appending run log failed", "task", t.ID, "error", err)
	}

	if runErr == nil {
		s.recordSuccess(*t, lastResult, now)
		return
	}
	s.recordFailure(ctx, *t, errMsg, priorRuns, now)
}

func (s *Scheduler) recordSuccess(t store.Task, result string, now time.Time) {
	next, status := s.nextRun(t, now)
	if err := s.store.RecordSuccess(t.ID, now, result, next, status); err != nil {
		s.log.Error("scheduler: recording success failed", "task", t.ID, "error", err)
	}
}

// nextRun computes the next firing time and resulting status for a
// completed run, per spec.md §4.7's "Next-run computation".
func (s *Scheduler) nextRun(t store.Task, now time.Time) (*time.Time, string) {
	switch t.ScheduleType {
	case store.ScheduleOnce:
		return nil, store.StatusCompleted
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(t.ScheduleValue, 10, 64)
		if err != nil {
			s.log.Error("scheduler: invalid interval value", "task", t.ID, "value", t.ScheduleValue, "error", err)
			return nil, store.StatusError
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, store.StatusActive
	case store.ScheduleCron:
		sched, err := s.parser.Parse(t.ScheduleValue)
		if err != nil {
			s.log.Error("scheduler: invalid cron expression", "task", t.ID, "expr", t.ScheduleValue, "error", err)
			return nil, store.StatusError
		}
		next := sched.Next(now.In(s.location))
		return &next, store.StatusActive
	default:
		s.log.Error("scheduler: unknown schedule type", "task", t.ID, "type", t.ScheduleType)
		return nil, store.StatusError
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, t store.Task, errMsg string, priorRuns []store.TaskRun, now time.Time) {
	diag := diagnose(errMsg, priorRuns)

	switch diag {
	case diagnosisOrphaned:
		s.failOrphaned(ctx, t, errMsg)
	case diagnosisPersistent:
		if err := s.store.RecordFailure(t.ID, now, errMsg, t.RetryCount, store.StatusPaused, nil); err != nil {
			s.log.Error("scheduler: pausing persistent task failed", "task", t.ID, "error", err)
		}
		s.notifyTask(ctx, t, fmt.Sprintf("Task %s paused after repeated identical failures: %s", t.ID, errMsg))
	default:
		s.retry(ctx, t, errMsg, diag, now)
	}
}

// failOrphaned deactivates a task whose registered group has disappeared
// (spec.md §4.7's "orphaned" diagnosis).
func (s *Scheduler) failOrphaned(ctx context.Context, t store.Task, reason string) {
	if err := s.store.SetStatus(t.ID, store.StatusCompleted, nil); err != nil {
		s.log.Error("scheduler: deactivating orphaned task failed", "task", t.ID, "error", err)
	}
	s.notifyTask(ctx, t, fmt.Sprintf("Task %s deactivated: %s", t.ID, reason))
}

// retry applies the backoff ladder, or disables the task if maxRetries has
// been exceeded.
func (s *Scheduler) retry(ctx context.Context, t store.Task, errMsg string, diag diagnosis, now time.Time) {
	retryCount := t.RetryCount + 1
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if retryCount > maxRetries {
		if err := s.store.RecordFailure(t.ID, now, errMsg, retryCount, store.StatusError, nil); err != nil {
			s.log.Error("scheduler: recording exhausted-retries failure failed", "task", t.ID, "error", err)
		}
		s.notifyTask(ctx, t, fmt.Sprintf("Task %s disabled after %d failed retries: %s", t.ID, maxRetries, errMsg))
		return
	}

	delay := backoffFor(diag, retryCount)
	next := now.Add(delay)
	if err := s.store.RecordFailure(t.ID, now, errMsg, retryCount, store.StatusActive, &next); err != nil {
		s.log.Error("scheduler: recording retry failure failed", "task", t.ID, "error", err)
		return
	}
	s.scheduleRetryTimer(t.ID, delay)
}

// scheduleRetryTimer fires a one-shot re-check at delay, in addition to the
// poll loop eventually picking the task back up once its nextRun arrives;
// this lets a retry fire on time rather than waiting out the rest of the
// current poll interval.
func (s *Scheduler) scheduleRetryTimer(taskID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.retryTimers[taskID]; ok {
		existing.Stop()
	}
	s.retryTimers[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retryTimers, taskID)
		s.mu.Unlock()
		s.trySubmit(context.Background(), taskID)
	})
}

// Cancel removes a task and drops any pending retry timer (spec.md §5's
// "dropped retry timer on next check").
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	if t, ok := s.retryTimers[taskID]; ok {
		t.Stop()
		delete(s.retryTimers, taskID)
	}
	s.mu.Unlock()
	return s.store.CancelTask(taskID)
}

func (s *Scheduler) notifyTask(ctx context.Context, t store.Task, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, t.JID, text); err != nil {
		s.log.Warn("scheduler: notification delivery failed", "task", t.ID, "jid", t.JID, "error", err)
	}
}

// diagnosis classifies a task failure per spec.md §4.7's table.
type diagnosis int

const (
	diagnosisOrphaned diagnosis = iota
	diagnosisRateLimited
	diagnosisTimeout
	diagnosisPersistent
	diagnosisTransient
	diagnosisUnknown
)

func diagnose(errMsg string, recent []store.TaskRun) diagnosis {
	lower := strings.ToLower(errMsg)
	switch {
	case containsAny(lower, "group not found", "chat not found"):
		return diagnosisOrphaned
	case containsAny(lower, "rate limit", "429", "too many requests", "api error"):
		return diagnosisRateLimited
	case containsAny(lower, "timeout", "timed out", "idle timeout"):
		return diagnosisTimeout
	}

	normalized := normalizeError(lower)
	recentErrors, identical := 0, 0
	for _, r := range recent {
		if r.Status != "error" {
			continue
		}
		recentErrors++
		if normalizeError(strings.ToLower(r.Error)) == normalized {
			identical++
		}
	}
	switch {
	case recentErrors >= 2 && identical >= 2:
		return diagnosisPersistent
	case recentErrors >= 2:
		return diagnosisTransient
	default:
		return diagnosisUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// normalizeError collapses digit runs to a single marker so errors that
// differ only by an embedded number (a port, a request id) still compare
// equal, per spec.md §4.7's "prefix-normalized identical error".
func normalizeError(s string) string {
	var b strings.Builder
	prevDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			if !prevDigit {
				b.WriteByte('#')
			}
			prevDigit = true
			continue
		}
		prevDigit = false
		b.WriteRune(r)
	}
	return b.String()
}

// backoffFor picks the retry delay: rate-limited failures always use the
// largest rung regardless of retry count (spec.md §4.7's "Retry policy").
func backoffFor(diag diagnosis, retryCount int) time.Duration {
	if diag == diagnosisRateLimited {
		return backoffLadder[len(backoffLadder)-1]
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	return backoffLadder[idx]
}

// Package queue implements the per-chat serialization layer (spec.md's
// "Per-Chat Queue", component C5): exactly one agent subprocess runs per
// JID at a time, with a FIFO of pending work items behind it and a
// live-injection path that pipes follow-up messages into an already
// running turn instead of waiting for it to finish.
//
// Grounded on the teacher's debounced MessageQueue (pkg/goclaw/copilot/
// message_queue.go), generalized from a single debounce-and-combine queue
// into a true per-JID worker with two lanes: interactive messages and
// scheduled-task runs, each with its own idle timeout.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Item is one unit of work destined for a chat's agent subprocess.
type Item struct {
	Kind    Kind
	Prompt  string
	Augment bool // true: pipe into a running turn instead of queueing after it

	// SessionMode selects which session a KindTask item runs with
	// ("group" reuses the folder's session, "isolated" starts fresh),
	// per spec.md §4.7's run procedure. Ignored for KindMessage, which
	// always uses the folder's ongoing session.
	SessionMode string

	// TaskID identifies the scheduled task a KindTask item runs, so the
	// Runner can route streamed results and run-log bookkeeping.
	TaskID string

	// IsMain marks work originating from the main folder's chat, forwarded
	// to the agent subprocess so cross-chat administrative tools know they
	// are permitted (spec.md §3's main-folder rule).
	IsMain bool
}

// Kind distinguishes interactive chat turns from scheduled-task runs,
// since each lane carries its own idle timeout (spec.md §4.5).
type Kind int

const (
	KindMessage Kind = iota
	KindTask
)

// Defaults for the two idle-timeout lanes.
const (
	DefaultInteractiveIdleTimeout = 10 * time.Minute
	DefaultTaskIdleTimeout        = 30 * time.Minute
)

// Runner is implemented by the agent host (C4): it owns the actual
// subprocess and knows how to start one, pipe a follow-up into a running
// one, and kill one.
type Runner interface {
	// Start launches a fresh agent subprocess for jid/folder to run item
	// and streams output via onOutput until the turn completes. idleTimeout
	// is the lane's idle deadline (spec.md §4.5 point 3): Start must reset
	// it on every streamed result and close the agent's inbox on expiry
	// itself, since the subprocess may stay alive across many turns long
	// after this single item's work is done.
	Start(ctx context.Context, jid, folder string, item Item, idleTimeout time.Duration, onOutput func(string)) error
	// Augment pipes an additional message into the currently running
	// subprocess for jid, if one exists. Returns false if none is running.
	Augment(jid, message string) bool
	// CloseStdin writes the close sentinel to the running subprocess's
	// inbox without force-killing it: the agent finishes its current turn
	// and exits on its own. Returns false if none is running.
	CloseStdin(jid string) bool
	// Kill force-stops the running subprocess for jid, if any.
	Kill(jid string)
}

// chatWorker owns the single-flight FIFO for one JID.
type chatWorker struct {
	jid    string
	folder string
	items  chan Item
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue is the per-chat dispatcher: a map of jid -> chatWorker, each
// draining its own channel through exactly one subprocess turn at a time.
type Queue struct {
	log    *slog.Logger
	runner Runner

	interactiveIdle time.Duration
	taskIdle        time.Duration

	// onOutput, if set, is called for every streamed chunk of every turn
	// (interactive or task), so the host can forward it to the owning
	// channel. onTaskDone, if set, is called once a KindTask turn's
	// subprocess has exited, so the scheduler (C7) can record the run log
	// and apply its retry/next-run policy (spec.md §4.7 points 4-5).
	onOutput   func(jid, folder string, item Item, chunk string)
	onTaskDone func(jid, folder string, item Item, lastResult string, runErr error, dur time.Duration)

	mu      sync.Mutex
	workers map[string]*chatWorker
}

// SetOutputHandler registers the callback invoked for every streamed output
// chunk. Not safe to call concurrently with Enqueue.
func (q *Queue) SetOutputHandler(fn func(jid, folder string, item Item, chunk string)) {
	q.onOutput = fn
}

// SetTaskDoneHandler registers the callback invoked when a KindTask item's
// subprocess exits. Not safe to call concurrently with Enqueue.
func (q *Queue) SetTaskDoneHandler(fn func(jid, folder string, item Item, lastResult string, runErr error, dur time.Duration)) {
	q.onTaskDone = fn
}

// New constructs a Queue. idleInteractive/idleTask of zero use the
// package defaults.
func New(log *slog.Logger, runner Runner, idleInteractive, idleTask time.Duration) *Queue {
	if idleInteractive <= 0 {
		idleInteractive = DefaultInteractiveIdleTimeout
	}
	if idleTask <= 0 {
		idleTask = DefaultTaskIdleTimeout
	}
	return &Queue{
		log:             log.With("component", "queue"),
		runner:          runner,
		interactiveIdle: idleInteractive,
		taskIdle:        idleTask,
		workers:         map[string]*chatWorker{},
	}
}

// Enqueue submits a work item for jid/folder. If the item is an augment
// and a turn is already running for jid, it's piped directly into that
// turn via Runner.Augment rather than queued behind it (spec.md §4.5's
// "live interrupt" behavior). Otherwise it joins the FIFO, starting a
// worker goroutine if this is the first item for jid.
func (q *Queue) Enqueue(jid, folder string, item Item) {
	if item.Augment {
		if q.runner.Augment(jid, item.Prompt) {
			q.log.Debug("queue: augmented running turn", "jid", jid)
			return
		}
	}

	q.mu.Lock()
	w, ok := q.workers[jid]
	if !ok {
		w = q.spawnWorker(jid, folder)
		q.workers[jid] = w
	}
	q.mu.Unlock()

	select {
	case w.items <- item:
	case <-w.done:
		// Worker exited (idle timeout race); retry once via a fresh worker.
		q.mu.Lock()
		delete(q.workers, jid)
		w2 := q.spawnWorker(jid, folder)
		q.workers[jid] = w2
		q.mu.Unlock()
		w2.items <- item
	}
}

func (q *Queue) spawnWorker(jid, folder string) *chatWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &chatWorker{
		jid:    jid,
		folder: folder,
		items:  make(chan Item, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run(ctx, w)
	return w
}

func (q *Queue) run(ctx context.Context, w *chatWorker) {
	defer close(w.done)
	defer func() {
		q.mu.Lock()
		if q.workers[w.jid] == w {
			delete(q.workers, w.jid)
		}
		q.mu.Unlock()
	}()

	// lastKind tracks which lane's idle timeout governs this worker
	// goroutine's own wait for the *next* item once it has none queued.
	// This is distinct from the per-turn idle watch Runner.Start performs
	// while a subprocess is alive and parked between turns (spec.md §4.5
	// point 3): that one resets on every streamed result and closes the
	// agent's inbox on expiry; this one just decides how long an empty
	// worker goroutine hangs around before giving up its channel, after
	// Start has already returned. Both lanes carry independent idle
	// durations (spec.md §4.5 point 4).
	lastKind := KindMessage

	for {
		idle := q.interactiveIdle
		if lastKind == KindTask {
			idle = q.taskIdle
		}
		timer := time.NewTimer(idle)

		select {
		case item, ok := <-w.items:
			timer.Stop()
			if !ok {
				return
			}
			lastKind = item.Kind
			q.process(ctx, w, item)

		case <-timer.C:
			q.log.Debug("queue: worker idle timeout, exiting", "jid", w.jid)
			return

		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, w *chatWorker, item Item) {
	idle := q.interactiveIdle
	if item.Kind == KindTask {
		idle = q.taskIdle
	}

	start := time.Now()
	var lastResult string
	err := q.runner.Start(ctx, w.jid, w.folder, item, idle, func(chunk string) {
		lastResult = chunk
		q.log.Debug("queue: agent output", "jid", w.jid, "bytes", len(chunk))
		if q.onOutput != nil {
			q.onOutput(w.jid, w.folder, item, chunk)
		}
	})
	if err != nil {
		q.log.Error("queue: agent run failed", "jid", w.jid, "error", err)
	}
	if item.Kind == KindTask && q.onTaskDone != nil {
		q.onTaskDone(w.jid, w.folder, item, lastResult, err, time.Since(start))
	}
}

// CloseStdin gracefully ends jid's running agent session: the close
// sentinel is written to the agent's inbox and the agent finishes its
// in-flight turn before exiting. Queued items are kept — the next one
// spawns a fresh subprocess. No-op when nothing is running.
func (q *Queue) CloseStdin(jid string) {
	if q.runner.CloseStdin(jid) {
		q.log.Debug("queue: close sentinel written", "jid", jid)
	}
}

// Cancel drops all queued-but-not-started items for jid and kills any
// running subprocess, logging an error for each dropped item (spec.md §8
// cancellation semantics).
func (q *Queue) Cancel(jid string) {
	q.mu.Lock()
	w, ok := q.workers[jid]
	if ok {
		delete(q.workers, jid)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	q.runner.Kill(jid)

drain:
	for {
		select {
		case item, ok := <-w.items:
			if !ok {
				break drain
			}
			q.log.Error("queue: dropped queued item on cancel", "jid", jid, "kind", fmt.Sprint(item.Kind))
		default:
			break drain
		}
	}
}

// Active reports whether a worker currently exists for jid.
func (q *Queue) Active(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.workers[jid]
	return ok
}

package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/bus"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

// Host implements plugin.MessagesService and plugin.TasksService directly,
// so host-target plugins (see pkg/nanoclaw/plugins/notify) operate on the
// same router/scheduler the rest of the process uses, rather than a
// separate code path.

// Send implements plugin.MessagesService.
func (h *Host) Send(ctx context.Context, jid, text string) error {
	h.appendHistory(jid, text)
	return h.Router.Send(ctx, jid, text)
}

// Recent implements plugin.MessagesService. There is no persisted message
// history table (spec.md defines none), so this reads the in-memory ring
// buffer populated by handleInbound and onQueueOutput.
func (h *Host) Recent(ctx context.Context, jid string, limit int) ([]string, error) {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	hist := h.history[jid]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]string, limit)
	copy(out, hist[len(hist)-limit:])
	return out, nil
}

// Schedule implements plugin.TasksService, mirroring the schedule_task IPC
// outbox message an agent subprocess can drop instead.
func (h *Host) Schedule(ctx context.Context, jid, prompt, scheduleType, scheduleValue string) (string, error) {
	return h.scheduleTask(jid, prompt, scheduleType, scheduleValue, store.ContextGroup)
}

// Cancel implements plugin.TasksService. The scheduler both drops any
// pending retry timer and removes the stored task.
func (h *Host) Cancel(ctx context.Context, taskID string) error {
	return h.Scheduler.Cancel(taskID)
}

func (h *Host) scheduleTask(jid, prompt, scheduleType, scheduleValue, contextMode string) (string, error) {
	chat, err := h.Store.GetChat(jid)
	if err != nil {
		return "", fmt.Errorf("host: scheduling task: unknown chat %q: %w", jid, err)
	}

	nextRun, err := firstRun(scheduleType, scheduleValue)
	if err != nil {
		return "", fmt.Errorf("host: scheduling task: %w", err)
	}

	id := uuid.NewString()
	task := store.Task{
		ID:            id,
		Folder:        chat.Folder,
		JID:           jid,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   contextMode,
		Status:        store.StatusActive,
		NextRun:       nextRun,
		MaxRetries:    3,
		CreatedAt:     time.Now(),
	}
	if err := h.Store.CreateTask(task); err != nil {
		return "", fmt.Errorf("host: scheduling task: %w", err)
	}
	h.Bus.Emit(context.Background(), bus.TaskCreated, task)
	return id, nil
}

// firstRun computes a task's initial NextRun (spec.md §3's three schedule
// types): the given timestamp, now plus the interval, or now for cron.
func firstRun(scheduleType, scheduleValue string) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parsing one-shot schedule_value as RFC3339: %w", err)
		}
		return &t, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing interval schedule_value as milliseconds: %w", err)
		}
		t := time.Now().Add(time.Duration(ms) * time.Millisecond)
		return &t, nil
	case store.ScheduleCron:
		// Due immediately: the next due-scan pass runs the task once, and
		// the scheduler computes the cron-derived NextRun after that run
		// rather than waiting a full period.
		t := time.Now()
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown schedule_type %q", scheduleType)
	}
}

// handleOutboxMessage processes a "message" IPC outbox message: a
// container-target plugin's agentproc.OutboxMessages.Send reaching the
// host the same way host-target plugins reach it via Host.Send directly.
func (h *Host) handleOutboxMessage(ctx context.Context, raw json.RawMessage) error {
	var f ipc.MessageFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling message: %w", err)
	}
	h.appendHistory(f.ChatJID, f.Text)
	return h.Router.Send(ctx, f.ChatJID, f.Text)
}

// handleOutboxVoice processes a "voice_message" IPC outbox message,
// routing the referenced audio file to the owning channel if it supports
// voice notes.
func (h *Host) handleOutboxVoice(ctx context.Context, raw json.RawMessage) error {
	var f ipc.VoiceMessageFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling voice_message: %w", err)
	}
	return h.Router.SendVoice(ctx, f.ChatJID, f.AudioPath)
}

// taskSnapshot is the agentrun.Runner's snapshot callback: the read-only
// view of a folder's task set written into the agent's IPC before each
// scheduled run (spec.md §4.7's run procedure).
func (h *Host) taskSnapshot(folder string) ([]byte, error) {
	tasks, err := h.Store.TasksByFolder(folder)
	if err != nil {
		return nil, err
	}
	type entry struct {
		ID            string     `json:"id"`
		Prompt        string     `json:"prompt"`
		ScheduleType  string     `json:"scheduleType"`
		ScheduleValue string     `json:"scheduleValue"`
		ContextMode   string     `json:"contextMode"`
		Status        string     `json:"status"`
		NextRun       *time.Time `json:"nextRun,omitempty"`
		LastRun       *time.Time `json:"lastRun,omitempty"`
	}
	out := make([]entry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, entry{
			ID: t.ID, Prompt: t.Prompt,
			ScheduleType: t.ScheduleType, ScheduleValue: t.ScheduleValue,
			ContextMode: t.ContextMode, Status: t.Status,
			NextRun: t.NextRun, LastRun: t.LastRun,
		})
	}
	return json.Marshal(out)
}

// handleScheduleTask processes a schedule_task IPC outbox message, the
// agent-subprocess-side equivalent of the notify plugin's Tasks.Schedule.
func (h *Host) handleScheduleTask(raw json.RawMessage) error {
	var f ipc.ScheduleTaskFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling schedule_task: %w", err)
	}
	contextMode := f.ContextMode
	if contextMode == "" {
		contextMode = store.ContextGroup
	}
	_, err := h.scheduleTask(f.TargetJID, f.Prompt, f.ScheduleType, f.ScheduleValue, contextMode)
	return err
}

// handleTaskControl processes pause_task / resume_task IPC outbox messages.
func (h *Host) handleTaskControl(raw json.RawMessage, status string) error {
	var f ipc.TaskControlFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling task control message: %w", err)
	}
	var nextRun *time.Time
	if status == store.StatusActive {
		if t, err := h.Store.GetTask(f.TaskID); err == nil {
			nextRun = t.NextRun
		}
	}
	return h.Store.SetStatus(f.TaskID, status, nextRun)
}

// handleCancelTask processes a cancel_task IPC outbox message.
func (h *Host) handleCancelTask(raw json.RawMessage) error {
	var f ipc.TaskControlFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling cancel_task: %w", err)
	}
	return h.Scheduler.Cancel(f.TaskID)
}

// handleRegisterGroup processes a register_group IPC outbox message: an
// agent can register a new chat folder directly, same as auto-registration
// on first inbound contact, but with an explicit trigger pattern.
func (h *Host) handleRegisterGroup(raw json.RawMessage) error {
	var f ipc.RegisterGroupFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshaling register_group: %w", err)
	}
	chat := store.RegisteredChat{
		JID:             f.JID,
		DisplayName:     f.Name,
		Folder:          f.Folder,
		TriggerPattern:  f.Trigger,
		RequiresTrigger: f.Trigger != "",
		AddedAt:         time.Now(),
	}
	return h.Store.RegisterChat(chat)
}

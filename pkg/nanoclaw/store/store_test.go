package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nanoclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndLookupChat(t *testing.T) {
	s := openTestStore(t)
	c := RegisteredChat{JID: "discord:123", DisplayName: "Owner DM", Folder: "owner-dm", IsMain: true, AddedAt: time.Now()}
	if err := s.RegisterChat(c); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetChat("discord:123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Folder != "owner-dm" || !got.IsMain {
		t.Fatalf("unexpected chat: %+v", got)
	}
	if _, err := s.GetChatByFolder("owner-dm"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if sid, err := s.GetSession("owner-dm"); err != nil || sid != "" {
		t.Fatalf("expected empty session, got %q err %v", sid, err)
	}
	if err := s.SetSession("owner-dm", "sess-1"); err != nil {
		t.Fatal(err)
	}
	sid, err := s.GetSession("owner-dm")
	if err != nil || sid != "sess-1" {
		t.Fatalf("expected sess-1, got %q err %v", sid, err)
	}
}

func TestDueTasksOnlyReturnsActiveDue(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mustCreate(t, s, Task{ID: "due", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusActive, NextRun: &past, MaxRetries: 3, CreatedAt: now})
	mustCreate(t, s, Task{ID: "future", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusActive, NextRun: &future, MaxRetries: 3, CreatedAt: now})
	mustCreate(t, s, Task{ID: "paused", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusPaused, NextRun: &past, MaxRetries: 3, CreatedAt: now})

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only 'due' task, got %+v", due)
	}
}

func TestListChatsOrdersByFolder(t *testing.T) {
	s := openTestStore(t)
	mustRegister(t, s, RegisteredChat{JID: "discord:2", Folder: "b-folder", DisplayName: "B", AddedAt: time.Now()})
	mustRegister(t, s, RegisteredChat{JID: "discord:1", Folder: "a-folder", DisplayName: "A", AddedAt: time.Now()})

	chats, err := s.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].Folder != "a-folder" || chats[1].Folder != "b-folder" {
		t.Fatalf("unexpected chat order: %+v", chats)
	}
}

func TestListSessionsReportsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	before := time.Now()
	if err := s.SetSession("owner-dm", "sess-1"); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Folder != "owner-dm" || sessions[0].SessionID != "sess-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].UpdatedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("expected updated_at near now, got %v", sessions[0].UpdatedAt)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	mustCreate(t, s, Task{ID: "a", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusActive, MaxRetries: 3, CreatedAt: now})
	mustCreate(t, s, Task{ID: "p", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusPaused, MaxRetries: 3, CreatedAt: now})
	mustCreate(t, s, Task{ID: "e1", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusError, MaxRetries: 3, CreatedAt: now})
	mustCreate(t, s, Task{ID: "e2", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusError, MaxRetries: 3, CreatedAt: now})

	counts, err := s.CountTasksByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusActive] != 1 || counts[StatusPaused] != 1 || counts[StatusError] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func mustRegister(t *testing.T, s *Store, c RegisteredChat) {
	t.Helper()
	if err := s.RegisterChat(c); err != nil {
		t.Fatal(err)
	}
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, Task{ID: "t1", Folder: "f", JID: "j", ScheduleType: ScheduleOnce, Status: StatusActive, MaxRetries: 3, CreatedAt: time.Now()})
	if err := s.CancelTask("t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelTask("t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelTask("does-not-exist"); err != nil {
		t.Fatal(err)
	}
}

func mustCreate(t *testing.T, s *Store, task Task) {
	t.Helper()
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}
}

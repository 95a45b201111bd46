package ipc

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWriteIsAtomicAndReadableAfterRename(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name, err := dir.Write(MessageFile{Type: TypeMessage, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(name) != ".json" {
		t.Fatalf("expected .json filename, got %s", name)
	}
	msgs, err := dir.Drain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypeMessage {
		t.Fatalf("unexpected drain result: %+v", msgs)
	}
}

func TestRoundTripPreservesOrderAcrossInterleavedWrites(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c", "d"}
	for _, text := range want {
		if _, err := dir.Write(MessageFile{Type: TypeMessage, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := dir.Drain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		var mf MessageFile
		if err := json.Unmarshal(m.Raw, &mf); err != nil {
			t.Fatal(err)
		}
		if mf.Text != want[i] {
			t.Fatalf("out of order at %d: got %s want %s", i, mf.Text, want[i])
		}
	}
}

func TestDrainUnlinksFiles(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Write(MessageFile{Type: TypeMessage, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Drain(nil); err != nil {
		t.Fatal(err)
	}
	msgs, err := dir.Drain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected drained files to be removed, still have %d", len(msgs))
	}
}

func TestCloseSentinelDetectedAndUnlinked(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.WriteClose(); err != nil {
		t.Fatal(err)
	}
	msgs, err := dir.Drain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].Closed {
		t.Fatalf("expected a single closed message, got %+v", msgs)
	}
	msgs, err = dir.Drain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatal("sentinel should have been unlinked")
	}
}

func TestParseFailureUnlinksAndReportsWithoutBlockingOthers(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Write a malformed file directly (bypassing Write's marshaling).
	badPath := filepath.Join(dir.Path, "0000000000000-aaaaaa.json")
	if err := WriteAtomic(badPath, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Write(MessageFile{Type: TypeMessage, Text: "ok"}); err != nil {
		t.Fatal(err)
	}

	var failed []string
	msgs, err := dir.Drain(func(name string, err error) { failed = append(failed, name) })
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 parse failure, got %d", len(failed))
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 successful message, got %d", len(msgs))
	}
}

func TestWriteRejectsPathEscape(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dir.resolve("../../etc/passwd"); err == nil {
		t.Fatal("expected path escape error")
	} else if _, ok := err.(*PathEscapeError); !ok {
		t.Fatalf("expected PathEscapeError, got %T", err)
	}
}

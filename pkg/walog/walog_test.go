package walog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.walog")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := []string{"a", "b", "c"}
	for _, s := range want {
		if err := l.Append(map[string]any{"value": s}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []string
	err = Replay(path, func(fields map[string]any) error {
		got = append(got, fields["value"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReplayMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	err := Replay(filepath.Join(dir, "nonexistent.walog"), func(map[string]any) error {
		t.Fatal("fn should not be called")
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
}

func TestReplayStopsAtTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.walog")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Append(map[string]any{"value": "whole"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-write by appending a partial length-prefixed
	// record directly.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 99}); err != nil { // claims a 99-byte payload that never arrives
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	var got []string
	err = Replay(path, func(fields map[string]any) error {
		got = append(got, fields["value"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("replay should tolerate a truncated trailing record, got %v", err)
	}
	if len(got) != 1 || got[0] != "whole" {
		t.Fatalf("expected only the whole record to replay, got %v", got)
	}
}

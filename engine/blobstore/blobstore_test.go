package blobstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := []byte("a menu PDF, pretending")
	if err := s.Save("p1", "menu.pdf", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, sourceName, err := s.Load(context.Background(), "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("blob mismatch: got %q want %q", got, want)
	}
	if sourceName != "menu.pdf" {
		t.Fatalf("source name mismatch: got %q", sourceName)
	}
}

func TestLoadMissingProcessFails(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := s.Load(context.Background(), "no-such-process"); err == nil {
		t.Fatal("expected error loading a process that was never saved")
	}
}

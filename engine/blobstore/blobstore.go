// Package blobstore persists accepted document bytes to local disk, keyed
// by process_id, so the orchestrator can re-read a document's content at
// any pipeline step (including after a crash) without the Accept API
// holding it in memory.
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a directory of <process_id>.blob + <process_id>.meta.json pairs.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

type meta struct {
	SourceName string `json:"source_name"`
}

// Save writes blob and its source_name for processID, fsync'ing both files
// before returning so an accepted document is never lost to a crash
// between Accept returning 200 and the orchestrator's first read.
func (s *Store) Save(processID, sourceName string, blob []byte) error {
	if err := writeFsync(s.blobPath(processID), blob); err != nil {
		return fmt.Errorf("blobstore: save blob: %w", err)
	}
	m, err := json.Marshal(meta{SourceName: sourceName})
	if err != nil {
		return fmt.Errorf("blobstore: marshal meta: %w", err)
	}
	if err := writeFsync(s.metaPath(processID), m); err != nil {
		return fmt.Errorf("blobstore: save meta: %w", err)
	}
	return nil
}

// Load satisfies orchestrator.Blobs.
func (s *Store) Load(ctx context.Context, processID string) ([]byte, string, error) {
	blob, err := os.ReadFile(s.blobPath(processID))
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: load blob %s: %w", processID, err)
	}
	raw, err := os.ReadFile(s.metaPath(processID))
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: load meta %s: %w", processID, err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("blobstore: parse meta %s: %w", processID, err)
	}
	return blob, m.SourceName, nil
}

func (s *Store) blobPath(processID string) string { return filepath.Join(s.dir, processID+".blob") }
func (s *Store) metaPath(processID string) string { return filepath.Join(s.dir, processID+".meta.json") }

func writeFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

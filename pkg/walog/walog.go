// Package walog is a small append-only, checksummed log shared by the dead
// letter queue and the process registry. Both need the same shape: durable
// ordered records that survive a crash and can be replayed into an
// in-memory index at startup. Records are encoded with
// google.golang.org/protobuf's structpb.Struct, reusing the protobuf
// runtime already required by the Qdrant client stack instead of adding a
// second serialization dependency or hand-rolling a binary format.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Log is a single append-only file of length-prefixed, checksummed,
// protobuf-encoded records. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if necessary) the log file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	return &Log{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes fields as a new record and flushes it to stable storage
// before returning, so a caller that has received a nil error may treat the
// record as durable.
func (l *Log) Append(fields map[string]any) error {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("walog: encode fields: %w", err)
	}
	payload, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("walog: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	checksum := crc32.ChecksumIEEE(payload)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := l.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("walog: write length: %w", err)
	}
	if _, err := l.w.Write(payload); err != nil {
		return fmt.Errorf("walog: write payload: %w", err)
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], checksum)
	if _, err := l.w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("walog: write checksum: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("walog: flush: %w", err)
	}
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Replay reads every well-formed record from path in order, calling fn for
// each. A truncated final record (a crash mid-write) is skipped rather than
// treated as an error — the log is append-only and the caller cannot have
// observed that record as durable, per Append's guarantee.
func Replay(path string, fn func(fields map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("walog: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil // clean EOF or truncated length prefix: stop replaying
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil // truncated payload
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return nil // truncated checksum
		}
		want := binary.BigEndian.Uint32(crcBuf[:])
		if got := crc32.ChecksumIEEE(payload); got != want {
			return fmt.Errorf("walog: checksum mismatch in %s, refusing to replay past this point", path)
		}

		var s structpb.Struct
		if err := proto.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("walog: corrupt record in %s: %w", path, err)
		}
		if err := fn(s.AsMap()); err != nil {
			return err
		}
	}
}

package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// chainedEvent is the on-disk form: each line carries the hash of the
// previous line so that truncation or edits are detectable.
type chainedEvent struct {
	*Event
	PreviousHash string `json:"previous_hash,omitempty"`
	EventHash    string `json:"event_hash"`
}

// Sink appends journal events as hash-chained JSON lines.
type Sink struct {
	mu       sync.Mutex
	w        *bufio.Writer
	file     *os.File
	lastHash string
}

// OpenSink opens (or creates) path for appending. The chain continues from
// the last entry already in the file.
func OpenSink(path string) (*Sink, error) {
	last, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Sink{w: bufio.NewWriter(f), file: f, lastHash: last}, nil
}

// NewWriterSink writes to w without syncing; used for tests and stdout.
func NewWriterSink(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

// Write appends e and flushes it to the operating system. File-backed sinks
// also fsync, since the journal is read after a node was fenced.
func (s *Sink) Write(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce := chainedEvent{Event: e, PreviousHash: s.lastHash}
	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	sum := sha256.Sum256(data)
	ce.EventHash = hex.EncodeToString(sum[:])

	if data, err = json.Marshal(ce); err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	s.lastHash = ce.EventHash
	return nil
}

// Close flushes and closes a file-backed sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
	}
	return err
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ce chainedEvent
		if json.Unmarshal(sc.Bytes(), &ce) == nil && ce.EventHash != "" {
			last = ce.EventHash
		}
	}
	return last, sc.Err()
}

// Verify reads a journal stream and checks every hash link.
func Verify(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	prev := ""
	n := 0
	for sc.Scan() {
		n++
		var ce chainedEvent
		if err := json.Unmarshal(sc.Bytes(), &ce); err != nil {
			return n, fmt.Errorf("line %d: %w", n, err)
		}
		if ce.PreviousHash != prev {
			return n, fmt.Errorf("line %d: chain broken", n)
		}
		want := ce.EventHash
		ce.EventHash = ""
		data, err := json.Marshal(ce)
		if err != nil {
			return n, err
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return n, fmt.Errorf("line %d: hash mismatch", n)
		}
		prev = want
	}
	return n, sc.Err()
}

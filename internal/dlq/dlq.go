// Package dlq keeps session records that a sink failed to accept, so they
// can be delivered once the sink is reachable again.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.json"

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir     string
	MaxSize int           // Maximum number of entries across all sinks
	MaxAge  time.Duration // Entries older than this are discarded
	Now     func() time.Time
}

// DeadLetterQueue stores failed exports on disk. Every change is written
// through; sessions close rarely enough that batching buys nothing.
type DeadLetterQueue struct {
	config DLQConfig

	mu      sync.Mutex
	entries []*DLQEntry
	closed  bool

	enqueued uint64
	replayed uint64
	dropped  uint64
}

// DLQEntry is one undelivered session
type DLQEntry struct {
	Sink      string             `json:"sink"`
	Session   types.SessionStats `json:"session"`
	Error     string             `json:"error"`
	Timestamp time.Time          `json:"timestamp"`
	Retries   int                `json:"retries"`
}

// NewDeadLetterQueue opens the queue stored in config.Dir, discarding
// entries past MaxAge.
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 1000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{config: config}
	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	if dlq.expire() > 0 {
		if err := dlq.flush(); err != nil {
			return nil, err
		}
	}
	return dlq, nil
}

// Enqueue stores a session the named sink rejected
func (dlq *DeadLetterQueue) Enqueue(sink string, s types.SessionStats, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.expire()
	if len(dlq.entries) >= dlq.config.MaxSize {
		dlq.dropped++
		return ErrDLQFull
	}

	entry := &DLQEntry{
		Sink:      sink,
		Session:   s,
		Timestamp: dlq.config.Now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	dlq.entries = append(dlq.entries, entry)
	dlq.enqueued++
	return dlq.flush()
}

// Replay hands the sink's entries to deliver, oldest first. Delivered
// entries are removed; replay stops at the first failure, which is
// returned along with the number delivered.
func (dlq *DeadLetterQueue) Replay(sink string, deliver func(types.SessionStats) error) (int, error) {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return 0, ErrDLQClosed
	}
	var pending []*DLQEntry
	for _, e := range dlq.entries {
		if e.Sink == sink {
			pending = append(pending, e)
		}
	}
	dlq.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	done := make(map[*DLQEntry]bool)
	var replayErr error
	for _, e := range pending {
		if err := deliver(e.Session); err != nil {
			replayErr = err
			break
		}
		done[e] = true
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	remaining := dlq.entries[:0]
	for _, e := range dlq.entries {
		switch {
		case done[e]:
			dlq.replayed++
		case replayErr != nil && e.Sink == sink:
			e.Retries++
			remaining = append(remaining, e)
		default:
			remaining = append(remaining, e)
		}
	}
	dlq.entries = remaining

	if err := dlq.flush(); err != nil {
		return len(done), err
	}
	return len(done), replayErr
}

// Entries returns a copy of the queued entries
func (dlq *DeadLetterQueue) Entries() []DLQEntry {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	out := make([]DLQEntry, len(dlq.entries))
	for i, e := range dlq.entries {
		out[i] = *e
	}
	return out
}

// Size returns the number of entries, optionally only those of one sink
func (dlq *DeadLetterQueue) Size(sink ...string) int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if len(sink) == 0 {
		return len(dlq.entries)
	}
	n := 0
	for _, e := range dlq.entries {
		if e.Sink == sink[0] {
			n++
		}
	}
	return n
}

// Close flushes and closes the queue
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}
	dlq.closed = true
	return dlq.flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return DLQMetrics{
		Enqueued:    dlq.enqueued,
		Replayed:    dlq.replayed,
		Dropped:     dlq.dropped,
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

// expire drops entries older than MaxAge (must be called with lock held)
func (dlq *DeadLetterQueue) expire() int {
	cutoff := dlq.config.Now().Add(-dlq.config.MaxAge)
	remaining := dlq.entries[:0]
	for _, e := range dlq.entries {
		if e.Timestamp.After(cutoff) {
			remaining = append(remaining, e)
		}
	}
	n := len(dlq.entries) - len(remaining)
	dlq.entries = remaining
	dlq.dropped += uint64(n)
	return n
}

// flush persists entries to disk (must be called with lock held)
func (dlq *DeadLetterQueue) flush() error {
	filename := filepath.Join(dlq.config.Dir, fileName)

	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (dlq *DeadLetterQueue) load() error {
	file, err := os.Open(filepath.Join(dlq.config.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry DLQEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.entries = append(dlq.entries, &entry)
	}
	return nil
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64
	Replayed    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}

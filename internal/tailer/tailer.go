package tailer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// Default markers written by the game client
const (
	DefaultDisconnectMarker = "[FG_UnityInternetNetworkManager] FG_NetworkManager shutdown completed!"
	DefaultConnectMarker    = "[StateConnectToGame] We're connected to the server!"
)

// EventKind distinguishes the two lifecycle markers
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one marker found in the log, in file order
type Event struct {
	Kind       EventKind
	Connection types.ConnectionDetails
	Offset     int64 // offset of the line start
}

// PollResult is everything one Poll observed
type PollResult struct {
	Present   bool // the log file exists
	Read      bool // new bytes were scanned
	Rotated   bool // the offset was reset before reading
	Events    []Event
	BytesRead int64
	ModTime   time.Time
}

// Config holds tailer configuration
type Config struct {
	LogPath          string
	PreviousLogPath  string
	ConnectMarker    string
	DisconnectMarker string
}

// Tailer incrementally reads the game log. It is not safe for concurrent
// use; the poll loop is its only caller.
type Tailer struct {
	cfg    Config
	pos    types.LogPosition
	logger *logging.Logger

	// markerSeen is set once the previous-session log has been checked, so
	// that a marker appearing after startup counts as a rotation.
	markerSeen bool
}

// New creates a new Tailer instance
func New(cfg Config, logger *logging.Logger) (*Tailer, error) {
	if cfg.LogPath == "" {
		return nil, errors.New("log path is required")
	}
	if cfg.ConnectMarker == "" {
		cfg.ConnectMarker = DefaultConnectMarker
	}
	if cfg.DisconnectMarker == "" {
		cfg.DisconnectMarker = DefaultDisconnectMarker
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Tailer{
		cfg:    cfg,
		logger: logger.WithComponent("tailer"),
	}, nil
}

// Position returns the current position bookkeeping
func (t *Tailer) Position() types.LogPosition {
	return t.pos
}

// Restore resumes from a checkpointed position when it still describes the
// current log incarnation. It reports whether the position was accepted.
func (t *Tailer) Restore(pos types.LogPosition) bool {
	stat, err := os.Stat(t.cfg.LogPath)
	if err != nil || stat.Size() < pos.Offset {
		return false
	}
	if !modTime(t.cfg.PreviousLogPath).Equal(pos.RotationMarkerModTime) {
		return false
	}

	t.pos = pos
	t.markerSeen = true
	t.logger.Info().
		Int64("offset", pos.Offset).
		Str("path", t.cfg.LogPath).
		Msg("Resuming from checkpoint")
	return true
}

// Poll reads whatever was appended since the last call.
func (t *Tailer) Poll() PollResult {
	stat, err := os.Stat(t.cfg.LogPath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Debug().Err(err).Str("path", t.cfg.LogPath).Msg("Failed to stat log")
		}
		return PollResult{}
	}

	result := PollResult{Present: true, ModTime: stat.ModTime()}
	if stat.ModTime().Equal(t.pos.LogModTime) {
		return result
	}

	if t.rotated(stat.Size()) {
		t.pos.Offset = 0
		result.Rotated = true
		t.logger.Info().Str("path", t.cfg.LogPath).Msg("Log rotation detected")
	}

	events, newOffset, err := t.scan(t.pos.Offset)
	if err != nil {
		// Leave LogModTime untouched so the next poll retries the read.
		t.logger.Warn().Err(err).Str("path", t.cfg.LogPath).Msg("Failed to read log")
		return result
	}

	result.Read = true
	result.Events = events
	result.BytesRead = newOffset - t.pos.Offset
	t.pos.Offset = newOffset
	t.pos.LogModTime = stat.ModTime()
	return result
}

// rotated checks the previous-session log and the current size. A missing
// previous log is not a rotation and keeps the last recorded mtime.
func (t *Tailer) rotated(size int64) bool {
	prev := modTime(t.cfg.PreviousLogPath)
	changed := t.markerSeen && !prev.IsZero() && !prev.Equal(t.pos.RotationMarkerModTime)
	if !prev.IsZero() {
		t.pos.RotationMarkerModTime = prev
	}
	t.markerSeen = true

	return changed || size < t.pos.Offset
}

// scan reads complete lines from offset to EOF and returns the offset just
// past the last complete line.
func (t *Tailer) scan(offset int64) ([]Event, int64, error) {
	file, err := os.Open(t.cfg.LogPath)
	if err != nil {
		return nil, offset, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("failed to seek log: %w", err)
	}

	var events []Event
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			if ev, ok := t.match(line); ok {
				ev.Offset = offset
				events = append(events, ev)
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			return events, offset, nil
		}
		if err != nil {
			return nil, offset, fmt.Errorf("failed to read log: %w", err)
		}
	}
}

func (t *Tailer) match(raw []byte) (Event, bool) {
	line := strings.ToValidUTF8(string(bytes.TrimRight(raw, "\r\n")), "")

	switch {
	case strings.Contains(line, t.cfg.DisconnectMarker):
		return Event{Kind: EventDisconnect, Connection: types.NoConnection}, true
	case strings.Contains(line, t.cfg.ConnectMarker):
		conn, ok := ParseEndpoint(line)
		if !ok {
			t.logger.Warn().Str("line", line).Msg("Connect marker without address")
			return Event{}, false
		}
		return Event{Kind: EventConnect, Connection: conn}, true
	}
	return Event{}, false
}

// ParseEndpoint extracts the trailing address:port token of a line
func ParseEndpoint(line string) (types.ConnectionDetails, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return types.ConnectionDetails{}, false
	}
	token := fields[len(fields)-1]

	host, port, err := net.SplitHostPort(token)
	if err != nil || host == "" || port == "" {
		return types.ConnectionDetails{}, false
	}
	return types.ConnectionDetails{Address: host, Port: port}, true
}

func modTime(path string) time.Time {
	if path == "" {
		return time.Time{}
	}
	stat, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return stat.ModTime()
}

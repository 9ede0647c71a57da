// Package connection derives a stable connected / not-connected signal from
// the markers the tailer finds in the game log.
package connection

import (
	"context"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tailer"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// SessionCloser ends the latency session of a connection
type SessionCloser interface {
	EndSession(ctx context.Context, conn types.ConnectionDetails)
}

// Transition describes what one Apply changed
type Transition struct {
	From     types.ServerState
	To       types.ServerState
	Previous types.ConnectionDetails
	Current  types.ConnectionDetails
	Ended    bool // a session for Previous was closed
	Started  bool // Current is a new connection
}

// Changed reports whether state or connection moved
func (t Transition) Changed() bool {
	return t.From != t.To || t.Previous != t.Current
}

// Machine holds the single current connection
type Machine struct {
	state   types.ServerState
	current types.ConnectionDetails
	closer  SessionCloser
	logger  *logging.Logger
}

// NewMachine starts in NotConnected
func NewMachine(closer SessionCloser, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Machine{
		state:   types.StateNotConnected,
		current: types.NoConnection,
		closer:  closer,
		logger:  logger.WithComponent("connection"),
	}
}

// State returns the current state
func (m *Machine) State() types.ServerState {
	return m.state
}

// Current returns the current connection, NoConnection unless Connected
func (m *Machine) Current() types.ConnectionDetails {
	return m.current
}

// Restore seeds the machine from a checkpoint without opening a session
func (m *Machine) Restore(conn types.ConnectionDetails) {
	if conn.IsNone() {
		m.state, m.current = types.StateNotConnected, types.NoConnection
		return
	}
	m.state, m.current = types.StateConnected, conn
}

// Apply folds one poll result into the state. The last marker in a read
// wins.
func (m *Machine) Apply(ctx context.Context, res tailer.PollResult) Transition {
	nextState, next := m.state, m.current

	switch {
	case !res.Present:
		nextState, next = types.StateGameStarting, types.NoConnection

	case len(res.Events) > 0:
		last := res.Events[len(res.Events)-1]
		if last.Kind == tailer.EventConnect {
			nextState, next = types.StateConnected, last.Connection
		} else {
			nextState, next = types.StateNotConnected, types.NoConnection
		}

	case res.Rotated:
		nextState, next = types.StateGameStarting, types.NoConnection

	case res.Read && m.state == types.StateGameStarting:
		nextState = types.StateNotConnected
	}

	return m.move(ctx, nextState, next)
}

func (m *Machine) move(ctx context.Context, nextState types.ServerState, next types.ConnectionDetails) Transition {
	tr := Transition{
		From:     m.state,
		To:       nextState,
		Previous: m.current,
		Current:  next,
	}

	if next != m.current {
		if !m.current.IsNone() {
			tr.Ended = true
			if m.closer != nil {
				m.closer.EndSession(ctx, m.current)
			}
		}
		tr.Started = !next.IsNone()
	}

	if tr.Changed() {
		m.logger.Info().
			Str("from", tr.From.String()).
			Str("to", tr.To.String()).
			Str("connection", next.String()).
			Msg("Connection state changed")
	}

	m.state, m.current = nextState, next
	return tr
}

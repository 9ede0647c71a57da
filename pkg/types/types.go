package types

import (
	"net"
	"time"
)

// LogPosition tracks how far the game log has been consumed
type LogPosition struct {
	Offset                int64     `json:"offset"`
	LogModTime            time.Time `json:"log_mod_time"`
	RotationMarkerModTime time.Time `json:"rotation_marker_mod_time"`
}

// ConnectionDetails identifies one game server connection
type ConnectionDetails struct {
	Address string `json:"address"`
	Port    string `json:"port"`
}

// NoConnection is the sentinel used when no server connection is known
var NoConnection = ConnectionDetails{Address: "0.0.0.0", Port: "0"}

// IsNone reports whether c is the sentinel (or the zero value)
func (c ConnectionDetails) IsNone() bool {
	return c == NoConnection || c == ConnectionDetails{}
}

// String renders the connection as host:port
func (c ConnectionDetails) String() string {
	return net.JoinHostPort(c.Address, c.Port)
}

// ServerState is the derived connection state
type ServerState int

const (
	StateNotConnected ServerState = iota
	StateConnected
	StateGameStarting
)

func (s ServerState) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnected:
		return "connected"
	case StateGameStarting:
		return "game_starting"
	default:
		return "unknown"
	}
}

// SessionStats is the aggregate record written when a connection ends.
// P75 and P90 are nil when the session has fewer than two samples.
type SessionStats struct {
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Connection ConnectionDetails `json:"connection"`
	Count      int               `json:"count"`
	Min        int               `json:"min"`
	Max        int               `json:"max"`
	Median     float64           `json:"median"`
	Mean       float64           `json:"mean"`
	P75        *float64          `json:"p75,omitempty"`
	P90        *float64          `json:"p90,omitempty"`
}

// Location is what the resolvers report for a server address
type Location struct {
	Region   string `json:"region"`
	Place    string `json:"place"`
	Provider string `json:"provider"`
}

// UnknownLocation is returned when no resolver could place an address
var UnknownLocation = Location{}

// IsUnknown reports whether l is the UnknownLocation sentinel
func (l Location) IsUnknown() bool {
	return l == UnknownLocation
}

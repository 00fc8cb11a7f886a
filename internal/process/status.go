package process

import "time"

// Status is a point-in-time view of a supervisor.
type Status struct {
	Name      string    `json:"name"`
	Binary    string    `json:"binary"`
	Running   bool      `json:"running"`
	Ready     bool      `json:"ready"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Detector  string    `json:"detector"`
}

type EventKind string

const (
	Started EventKind = "started"
	Stopped EventKind = "stopped"
)

// Event is a lifecycle notification emitted by a Supervisor.
type Event struct {
	Process string
	Kind    EventKind
	PID     int
	ExitErr error
	At      time.Time
}

package client

import "time"

// Status mirrors GET /status.
type Status struct {
	State        string        `json:"state"`
	Running      bool          `json:"running"`
	DefaultModel string        `json:"default_model"`
	BackendURL   string        `json:"backend_url"`
	Backend      ProcessStatus `json:"backend"`
	AppServer    ProcessStatus `json:"app_server"`
}

// ProcessStatus represents the status of one supervised service
type ProcessStatus struct {
	Name      string    `json:"name"`
	Binary    string    `json:"binary"`
	Running   bool      `json:"running"`
	Ready     bool      `json:"ready"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Detector  string    `json:"detector"`
}

// Options holds service options keyed by their snake_case names. Empty values
// are omitted by the daemon.
type Options struct {
	Backend   map[string]string `json:"backend,omitempty"`
	AppServer map[string]string `json:"app_server,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Process   string    `json:"process"`
	Message   string    `json:"message"`
}

// Event is one lifecycle notification from GET /events.
type Event struct {
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Model    string    `json:"model,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

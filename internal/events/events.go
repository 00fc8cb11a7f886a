// Package events carries orchestrator lifecycle events to any number of
// subscribers.
package events

import "time"

type Kind string

const (
	StartingBackend   Kind = "starting_backend"
	BackendStarted    Kind = "backend_started"
	BackendStartError Kind = "backend_start_error"

	PullingModelStart    Kind = "pulling_model_start"
	PullingModelProgress Kind = "pulling_model_progress"
	PullingModelDone     Kind = "pulling_model_done"
	PullingModelError    Kind = "pulling_model_error"

	CreatingModelStart    Kind = "creating_model_start"
	CreatingModelProgress Kind = "creating_model_progress"
	CreatingModelDone     Kind = "creating_model_done"
	CreatingModelError    Kind = "creating_model_error"

	StartingAppServer   Kind = "starting_app_server"
	AppServerStarted    Kind = "app_server_started"
	AppServerStartError Kind = "app_server_start_error"

	StoppingAppServer Kind = "stopping_app_server"
	AppServerStopped  Kind = "app_server_stopped"
	StoppingBackend   Kind = "stopping_backend"
	BackendStopped    Kind = "backend_stopped"
)

// Kinds lists every event kind in lifecycle order.
var Kinds = []Kind{
	StartingBackend, BackendStarted, BackendStartError,
	PullingModelStart, PullingModelProgress, PullingModelDone, PullingModelError,
	CreatingModelStart, CreatingModelProgress, CreatingModelDone, CreatingModelError,
	StartingAppServer, AppServerStarted, AppServerStartError,
	StoppingAppServer, AppServerStopped, StoppingBackend, BackendStopped,
}

func (k Kind) IsError() bool {
	switch k {
	case BackendStartError, PullingModelError, CreatingModelError, AppServerStartError:
		return true
	}
	return false
}

// Event is an immutable lifecycle record. Model is set for pull and create
// events, Progress (percent) for their progress events, Error for error kinds.
type Event struct {
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	Model    string    `json:"model,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func New(k Kind) Event { return Event{Kind: k, Time: time.Now()} }

func ForModel(k Kind, model string) Event {
	e := New(k)
	e.Model = model
	return e
}

func Progress(k Kind, model string, percent float64) Event {
	e := ForModel(k, model)
	e.Progress = percent
	return e
}

func Failed(k Kind, model string, err error) Event {
	e := ForModel(k, model)
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Noop discards every event.
var Noop Publisher = noopPublisher{}

// Package history journals orchestrator events to external stores.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/nodevisor/internal/events"
)

const (
	Table       = "nodevisor_events"
	SendTimeout = 5 * time.Second
)

// Sink is a destination for journaled events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Journaled reports whether e is written to sinks. Progress events are
// transient and skipped.
func Journaled(e events.Event) bool {
	switch e.Kind {
	case events.PullingModelProgress, events.CreatingModelProgress:
		return false
	}
	return true
}

// NullableError maps an empty error text to nil for SQL inserts.
func NullableError(e events.Event) any {
	if e.Error == "" {
		return nil
	}
	return e.Error
}

// Forward subscribes to bus and sends every journaled event to each sink
// until ctx is done or the bus is closed. Sink errors are logged.
func Forward(ctx context.Context, bus *events.Bus, log *slog.Logger, sinks ...Sink) {
	Drain(ctx, bus.Subscribe(), log, sinks...)
}

// Drain journals events from sub until ctx is done or sub is closed. Events
// still buffered when the bus closes are sent before it returns.
func Drain(ctx context.Context, sub *events.Subscription, log *slog.Logger, sinks ...Sink) {
	if log == nil {
		log = slog.Default()
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if !Journaled(e) {
				continue
			}
			for _, s := range sinks {
				sctx, cancel := context.WithTimeout(ctx, SendTimeout)
				if err := s.Send(sctx, e); err != nil {
					log.Warn("history sink send failed", "kind", e.Kind, "err", err)
				}
				cancel()
			}
		}
	}
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

package telemetry

import (
	"context"
	"errors"

	"dispatch-admin/console/internal/telemetry/domain"
)

// EventEmitter emits session events (e.g. to Kafka or OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.SessionEvent) error
}

// Multi fans an event out to every non-nil emitter and joins their errors.
// It returns nil when no emitters remain.
func Multi(emitters ...EventEmitter) EventEmitter {
	var out multi
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type multi []EventEmitter

func (m multi) Emit(ctx context.Context, event *domain.SessionEvent) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Emit(ctx, event))
	}
	return errors.Join(errs...)
}

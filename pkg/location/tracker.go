package location

import (
	"context"
	"fmt"
	"time"

	"github.com/benmeehan/motion-tracker/pkg/permission"
	"github.com/rs/zerolog"
)

// Tracker gives the application a one-shot reading and a standing subscription
// on top of a Provider, refusing both while location access is not granted.
type Tracker struct {
	provider       Provider
	gate           permission.Gate
	acquireTimeout time.Duration
	logger         zerolog.Logger
}

// NewTracker creates a Tracker. acquireTimeout bounds how long Acquire waits for a first fix.
func NewTracker(provider Provider, gate permission.Gate, acquireTimeout time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		provider:       provider,
		gate:           gate,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

// Acquire returns the last known location. It fails with ErrNotAuthorized when access
// is not granted and with ErrNoFix when the provider has nothing to report.
func (t *Tracker) Acquire(ctx context.Context) (Location, error) {
	if err := t.authorized(); err != nil {
		return Location{}, err
	}

	if t.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.acquireTimeout)
		defer cancel()
	}

	loc, err := t.provider.LastKnown(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to acquire location")
		return Location{}, err
	}

	t.logger.Debug().
		Float64("latitude", loc.Latitude).
		Float64("longitude", loc.Longitude).
		Msg("Location acquired")
	return loc, nil
}

// OnUpdate opens a standing subscription delivering every new fix to handler.
func (t *Tracker) OnUpdate(ctx context.Context, handler Handler) (Subscription, error) {
	if err := t.authorized(); err != nil {
		return nil, err
	}

	sub, err := t.provider.Subscribe(ctx, handler)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to subscribe to location updates")
		return nil, err
	}
	return sub, nil
}

// Close releases the underlying provider.
func (t *Tracker) Close() error {
	return t.provider.Close()
}

func (t *Tracker) authorized() error {
	if state := t.gate.Check(); state != permission.Granted {
		return fmt.Errorf("%w: permission %s", ErrNotAuthorized, state)
	}
	return nil
}

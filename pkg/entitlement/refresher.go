package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Refresher re-validates on a timer so a long-running process notices plan
// changes and expiry without user interaction.
type Refresher struct {
	validator *Validator

	// OnResult, when set, receives every periodic result.
	OnResult func(ValidationResult)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRefresher creates a stopped refresher for v.
func NewRefresher(v *Validator) *Refresher {
	return &Refresher{validator: v}
}

// Start begins periodic validation. The interval is re-read from the
// validator's options before every wait, so option reloads apply to the
// next cycle. Calling Start on a running refresher is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(ctx, r.done)
}

// Stop halts the refresher and waits for an in-flight validation to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the refresher loop is active.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		interval := r.validator.Options().OnlineCheckInterval
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result := r.validator.Validate(ctx)
		log.Debug().
			Str("mode", string(result.Mode)).
			Bool("valid", result.Valid).
			Dur("next_in", r.validator.Options().OnlineCheckInterval).
			Msg("Periodic entitlement validation complete")
		if r.OnResult != nil {
			r.OnResult(result)
		}
	}
}

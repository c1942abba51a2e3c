// Package lockdown drives the once-per-second countdown. Only the room's
// admin runs it; everyone else just renders the timer they are sent.
package lockdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
)

const Interval = time.Second

type Dispatcher interface {
	Dispatch(ctx context.Context, a engine.Action) error
}

type Ticker struct {
	d     Dispatcher
	clock clockwork.Clock
	log   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(d Dispatcher, clock clockwork.Clock, log *zap.Logger) *Ticker {
	return &Ticker{d: d, clock: clock, log: log}
}

// Observe starts or stops the countdown for a new snapshot. It runs while
// selfID is the admin and the room is locked down with time left.
func (t *Ticker) Observe(st engine.RoomState, selfID string) {
	if engine.IsAdmin(st, selfID) && st.IsLockdown && st.LockdownTimer > 0 {
		t.start()
		return
	}
	t.Stop()
}

func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Ticker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels the countdown. It does not wait for the loop, so it is safe
// to call from a callback the loop itself triggered.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Ticker) run(ctx context.Context) {
	ticker := t.clock.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			if err := t.d.Dispatch(ctx, engine.Action{Type: engine.ActTickLockdown}); err != nil {
				t.log.Warn("lockdown tick failed", zap.Error(err))
			}
		}
	}
}

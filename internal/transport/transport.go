// Package transport defines the contract every room synchronization
// strategy implements, plus the presence bookkeeping they share.
package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/notify"
)

type Kind string

const (
	KindRelay   Kind = "relay"
	KindKVStore Kind = "kvstore"
	KindLocal   Kind = "local"
)

var (
	// ErrUnavailable wraps every connect failure. Callers fall back instead
	// of surfacing it.
	ErrUnavailable = errors.New("transport unavailable")
	ErrClosed      = errors.New("transport closed")
	ErrNotJoined   = errors.New("transport not joined to a room")
)

// Transport synchronizes one client's view of one room.
type Transport interface {
	Kind() Kind
	// Connect joins the room as user and returns the first snapshot.
	Connect(ctx context.Context, roomCode string, user engine.Player) (engine.RoomState, error)
	// Dispatch is fire-and-forget; the result arrives through Subscribe.
	Dispatch(ctx context.Context, a engine.Action) error
	Subscribe(fn func(engine.RoomState)) (unsubscribe func())
	SubscribePresence(onJoin func(engine.Player), onLeave func(playerID string)) (unsubscribe func())
	// State is the last snapshot seen.
	State() engine.RoomState
	// Done is closed once the transport can no longer deliver updates.
	Done() <-chan struct{}
	// Close leaves the room and releases sockets and timers.
	Close() error
}

// Budgeted is implemented by transports whose Connect runs its own retry
// schedule. Callers should not cut Connect off before ConnectBudget elapses.
type Budgeted interface {
	ConnectBudget() time.Duration
}

// Factory builds a fresh, unconnected transport.
type Factory func() Transport

// DiffPlayers lists players present in next but not prev, and ids present in
// prev but not next. Order follows the input slices.
func DiffPlayers(prev, next []engine.Player) (joined []engine.Player, left []string) {
	for _, p := range next {
		if !slices.ContainsFunc(prev, func(q engine.Player) bool { return q.ID == p.ID }) {
			joined = append(joined, p)
		}
	}
	for _, p := range prev {
		if !slices.ContainsFunc(next, func(q engine.Player) bool { return q.ID == p.ID }) {
			left = append(left, p.ID)
		}
	}
	return joined, left
}

// Listeners holds a transport's subscribers and its last snapshot.
type Listeners struct {
	states notify.Set[engine.RoomState]
	joins  notify.Set[engine.Player]
	leaves notify.Set[string]

	mu   sync.Mutex
	last engine.RoomState
}

func (l *Listeners) Subscribe(fn func(engine.RoomState)) func() { return l.states.Add(fn) }

func (l *Listeners) SubscribePresence(onJoin func(engine.Player), onLeave func(string)) func() {
	removers := make([]func(), 0, 2)
	if onJoin != nil {
		removers = append(removers, l.joins.Add(onJoin))
	}
	if onLeave != nil {
		removers = append(removers, l.leaves.Add(onLeave))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

func (l *Listeners) State() engine.RoomState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return engine.Clone(l.last)
}

// Reset records a baseline snapshot without notifying anyone.
func (l *Listeners) Reset(s engine.RoomState) {
	l.mu.Lock()
	l.last = engine.Clone(s)
	l.mu.Unlock()
}

// Publish stores s, emits presence changes against the previous snapshot,
// then notifies state subscribers.
func (l *Listeners) Publish(s engine.RoomState) {
	l.mu.Lock()
	prev := l.last
	l.last = engine.Clone(s)
	l.mu.Unlock()

	joined, left := DiffPlayers(prev.Players, s.Players)
	for _, p := range joined {
		l.joins.Notify(p)
	}
	for _, id := range left {
		l.leaves.Notify(id)
	}
	l.states.Notify(engine.Clone(s))
}

// Joined and Left notify presence directly, for transports that receive
// explicit presence events.
func (l *Listeners) Joined(p engine.Player) { l.joins.Notify(p) }
func (l *Listeners) Left(id string)         { l.leaves.Notify(id) }

// Store updates the snapshot and notifies state subscribers only.
func (l *Listeners) Store(s engine.RoomState) {
	l.mu.Lock()
	l.last = engine.Clone(s)
	l.mu.Unlock()
	l.states.Notify(engine.Clone(s))
}

func (l *Listeners) Clear() {
	l.states.Clear()
	l.joins.Clear()
	l.leaves.Clear()
}

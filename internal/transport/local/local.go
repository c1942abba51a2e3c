// Package local synchronizes rooms through a Storage shared by every client
// in the process. It is the fallback that always works.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/transport"
)

func Key(roomCode string) string { return "buzzer-room-" + roomCode }

type Transport struct {
	transport.Listeners

	store *Storage
	clock clockwork.Clock
	log   *zap.Logger

	mu      sync.Mutex
	key     string
	user    engine.Player
	rev     uint64
	unwatch func()

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func New(store *Storage, clock clockwork.Clock, log *zap.Logger) *Transport {
	return &Transport{
		store: store,
		clock: clock,
		log:   log.With(zap.String("transport", string(transport.KindLocal))),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindLocal }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Connect(ctx context.Context, roomCode string, user engine.Player) (engine.RoomState, error) {
	if err := ctx.Err(); err != nil {
		return engine.RoomState{}, err
	}
	key := Key(roomCode)
	user.LastSeen = t.clock.Now().UnixMilli()

	var joined engine.RoomState
	err := t.store.Update(key, func(old []byte, ok bool) ([]byte, bool, error) {
		st := engine.NewRoomState(roomCode)
		if ok {
			if err := json.Unmarshal(old, &st); err != nil {
				t.log.Warn("discarding unreadable room", zap.String("room", roomCode), zap.Error(err))
				st = engine.NewRoomState(roomCode)
			}
		}
		if !engine.HasPlayer(st, user.ID) {
			st = engine.WithPlayer(st, user)
		}
		joined = st
		raw, err := json.Marshal(st)
		return raw, true, err
	})
	if err != nil {
		return engine.RoomState{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	_, rev, _ := t.store.Get(key)
	t.mu.Lock()
	t.key = key
	t.user = user
	t.rev = rev
	t.mu.Unlock()
	t.Reset(joined)

	unwatch := t.store.Watch(key, func(string) { t.poke() })
	t.mu.Lock()
	t.unwatch = unwatch
	t.mu.Unlock()
	go t.run()
	t.poke() // pick up writes made before the watch was in place

	t.log.Debug("joined room", zap.String("room", roomCode), zap.String("player_id", user.ID))
	return t.State(), nil
}

// run serializes refreshes so snapshots are published in revision order.
func (t *Transport) run() {
	for {
		select {
		case <-t.done:
			return
		case <-t.kick:
			t.refresh()
		}
	}
}

func (t *Transport) poke() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// refresh publishes the stored snapshot if it is newer than the last one seen.
func (t *Transport) refresh() {
	t.mu.Lock()
	key := t.key
	raw, rev, ok := t.store.Get(key)
	if key == "" || !ok || rev <= t.rev {
		t.mu.Unlock()
		return
	}
	t.rev = rev
	t.mu.Unlock()

	var st engine.RoomState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.log.Warn("bad room snapshot", zap.Error(err))
		return
	}
	t.Publish(st)
}

func (t *Transport) Dispatch(ctx context.Context, a engine.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	key := t.key
	t.mu.Unlock()
	if key == "" {
		return transport.ErrNotJoined
	}

	return t.store.Update(key, func(old []byte, ok bool) ([]byte, bool, error) {
		if !ok {
			return nil, false, transport.ErrNotJoined
		}
		var st engine.RoomState
		if err := json.Unmarshal(old, &st); err != nil {
			return nil, false, err
		}
		raw, err := json.Marshal(engine.Reduce(st, a))
		return raw, true, err
	})
}

// Close removes this player and deletes the room key once nobody is left.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		key, user, unwatch := t.key, t.user, t.unwatch
		t.key = ""
		t.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		t.Clear()
		close(t.done)
		if key == "" {
			return
		}

		err = t.store.Update(key, func(old []byte, ok bool) ([]byte, bool, error) {
			if !ok {
				return nil, false, nil
			}
			var st engine.RoomState
			if err := json.Unmarshal(old, &st); err != nil {
				return nil, false, nil
			}
			st, _ = engine.WithoutPlayer(st, user.ID)
			if len(st.Players) == 0 {
				return nil, false, nil
			}
			raw, err := json.Marshal(st)
			return raw, true, err
		})
	})
	return err
}

// Package kvstore synchronizes a room through Redis.
//
// Layout:
//
//	rooms/{code}                 full RoomState snapshot (JSON)
//	rooms/{code}/players/{id}    one Player record, expires unless refreshed
//	rooms/{code}/changes         pub/sub channel carrying every new snapshot
//
// Writes are read-reduce-write without a lock. Two clients writing at the
// same moment race and the last SET wins; the losing update is dropped.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/transport"
)

const maxHeartbeatFailures = 3

func RoomKey(code string) string             { return "rooms/" + code }
func PlayerKey(code, playerID string) string { return "rooms/" + code + "/players/" + playerID }
func Channel(code string) string             { return "rooms/" + code + "/changes" }

type Options struct {
	PresenceTTL time.Duration
}

type Transport struct {
	transport.Listeners

	rdb   *redis.Client
	clock clockwork.Clock
	log   *zap.Logger
	ttl   time.Duration

	mu     sync.Mutex
	room   string
	user   engine.Player
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
	closed   sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func New(rdb *redis.Client, clock clockwork.Clock, log *zap.Logger, opts Options) *Transport {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 15 * time.Second
	}
	return &Transport{
		rdb:   rdb,
		clock: clock,
		log:   log.With(zap.String("transport", string(transport.KindKVStore))),
		ttl:   opts.PresenceTTL,
		done:  make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindKVStore }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Connect(ctx context.Context, roomCode string, user engine.Player) (engine.RoomState, error) {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return engine.RoomState{}, fmt.Errorf("%w: ping: %v", transport.ErrUnavailable, err)
	}

	pubsub := t.rdb.Subscribe(ctx, Channel(roomCode))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return engine.RoomState{}, fmt.Errorf("%w: subscribe: %v", transport.ErrUnavailable, err)
	}

	user.LastSeen = t.clock.Now().UnixMilli()
	st, err := t.join(ctx, roomCode, user, engine.NewRoomState(roomCode))
	if err != nil {
		_ = pubsub.Close()
		return engine.RoomState{}, fmt.Errorf("%w: join: %v", transport.ErrUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.room = roomCode
	t.user = user
	t.pubsub = pubsub
	t.cancel = cancel
	t.mu.Unlock()
	t.Reset(st)

	t.wg.Add(2)
	go t.listen(loopCtx, pubsub)
	go t.heartbeat(loopCtx, roomCode, user)

	t.log.Debug("joined room", zap.String("room", roomCode), zap.String("player_id", user.ID))
	return st, nil
}

// join writes the player record, creates the room from seed when it does not
// exist and adds user to it.
func (t *Transport) join(ctx context.Context, code string, user engine.Player, seed engine.RoomState) (engine.RoomState, error) {
	raw, err := json.Marshal(user)
	if err != nil {
		return engine.RoomState{}, err
	}
	if err := t.rdb.Set(ctx, PlayerKey(code, user.ID), raw, t.ttl).Err(); err != nil {
		return engine.RoomState{}, err
	}

	initial, err := json.Marshal(seed)
	if err != nil {
		return engine.RoomState{}, err
	}
	if err := t.rdb.SetNX(ctx, RoomKey(code), initial, 0).Err(); err != nil {
		return engine.RoomState{}, err
	}

	return t.update(ctx, code, func(st engine.RoomState) (engine.RoomState, bool) {
		if engine.HasPlayer(st, user.ID) {
			return st, false
		}
		return engine.WithPlayer(st, user), true
	})
}

// update reads the snapshot, applies fn and writes the result back when fn
// reports a change. An emptied room is deleted instead of written.
func (t *Transport) update(ctx context.Context, code string, fn func(engine.RoomState) (engine.RoomState, bool)) (engine.RoomState, error) {
	st, err := t.load(ctx, code)
	if err != nil {
		return engine.RoomState{}, err
	}
	next, changed := fn(st)
	if !changed {
		return next, nil
	}
	if len(next.Players) == 0 {
		return next, t.rdb.Del(ctx, RoomKey(code)).Err()
	}
	return next, t.store(ctx, code, next)
}

func (t *Transport) load(ctx context.Context, code string) (engine.RoomState, error) {
	raw, err := t.rdb.Get(ctx, RoomKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.NewRoomState(code), nil
	}
	if err != nil {
		return engine.RoomState{}, err
	}
	var st engine.RoomState
	if err := json.Unmarshal(raw, &st); err != nil {
		return engine.RoomState{}, fmt.Errorf("decode %s: %w", RoomKey(code), err)
	}
	return st, nil
}

func (t *Transport) store(ctx context.Context, code string, st engine.RoomState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, RoomKey(code), raw, 0)
		p.Publish(ctx, Channel(code), raw)
		return nil
	})
	return err
}

func (t *Transport) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer t.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				t.lose("subscription closed")
				return
			}
			var st engine.RoomState
			if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
				t.log.Warn("bad snapshot on channel", zap.Error(err))
				continue
			}
			t.Publish(st)
		}
	}
}

// heartbeat keeps this player's record alive and removes players whose
// records have expired. If our own record is already gone (a pause or outage
// longer than the TTL) we join again before sweeping.
func (t *Transport) heartbeat(ctx context.Context, code string, user engine.Player) {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			alive, err := t.rdb.Expire(ctx, PlayerKey(code, user.ID), t.ttl).Result()
			if err == nil && !alive {
				err = t.rejoin(ctx, code, user)
			}
			if err == nil {
				err = t.sweep(ctx, code)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				t.log.Warn("heartbeat failed", zap.Int("failures", failures), zap.Error(err))
				if failures >= maxHeartbeatFailures {
					t.lose("heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// rejoin restores our record and membership. A room deleted in the meantime
// is recreated from the last snapshot we saw.
func (t *Transport) rejoin(ctx context.Context, code string, user engine.Player) error {
	t.log.Warn("presence record expired, joining again", zap.String("room", code), zap.String("player_id", user.ID))
	seed := engine.WithPlayer(t.State(), user)
	seed.RoomCode = code
	user.LastSeen = t.clock.Now().UnixMilli()
	_, err := t.join(ctx, code, user, seed)
	return err
}

func (t *Transport) sweep(ctx context.Context, code string) error {
	st, err := t.load(ctx, code)
	if err != nil || len(st.Players) == 0 {
		return err
	}

	cmds := make([]*redis.IntCmd, len(st.Players))
	_, err = t.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, pl := range st.Players {
			cmds[i] = p.Exists(ctx, PlayerKey(code, pl.ID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	var dead []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			dead = append(dead, st.Players[i].ID)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	t.log.Debug("removing expired players", zap.Strings("player_ids", dead))
	_, err = t.update(ctx, code, func(st engine.RoomState) (engine.RoomState, bool) {
		changed := false
		for _, id := range dead {
			var ok bool
			if st, ok = engine.WithoutPlayer(st, id); ok {
				changed = true
			}
		}
		return st, changed
	})
	return err
}

// lose marks the transport unusable without leaving the room; Close still
// cleans up.
func (t *Transport) lose(reason string) {
	t.doneOnce.Do(func() {
		t.log.Warn("connection lost", zap.String("reason", reason))
		close(t.done)
	})
}

func (t *Transport) Dispatch(ctx context.Context, a engine.Action) error {
	t.mu.Lock()
	code, user := t.room, t.user
	t.mu.Unlock()
	if code == "" {
		return transport.ErrNotJoined
	}
	_, err := t.update(ctx, code, func(st engine.RoomState) (engine.RoomState, bool) {
		// swept while our record had lapsed; the next heartbeat restores it
		if !engine.HasPlayer(st, user.ID) {
			st = engine.WithPlayer(st, user)
		}
		return engine.Reduce(st, a), true
	})
	return err
}

func (t *Transport) Close() error {
	var err error
	t.closed.Do(func() {
		t.mu.Lock()
		code, user, pubsub, cancel := t.room, t.user, t.pubsub, t.cancel
		t.room = ""
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		t.Clear()
		if code != "" {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			err = multierr.Append(err, t.rdb.Del(ctx, PlayerKey(code, user.ID)).Err())
			_, uerr := t.update(ctx, code, func(st engine.RoomState) (engine.RoomState, bool) {
				return engine.WithoutPlayer(st, user.ID)
			})
			err = multierr.Append(err, uerr)
		}
		if pubsub != nil {
			err = multierr.Append(err, pubsub.Close())
		}
		t.wg.Wait()
		t.doneOnce.Do(func() { close(t.done) })
	})
	return err
}

package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/transport"
)

const ttl = 10 * time.Second

type events struct {
	mu     sync.Mutex
	last   engine.RoomState
	joins  []string
	leaves []string
}

func watch(tr transport.Transport) *events {
	e := &events{}
	tr.Subscribe(func(s engine.RoomState) {
		e.mu.Lock()
		e.last = s
		e.mu.Unlock()
	})
	tr.SubscribePresence(
		func(p engine.Player) {
			e.mu.Lock()
			e.joins = append(e.joins, p.ID)
			e.mu.Unlock()
		},
		func(id string) {
			e.mu.Lock()
			e.leaves = append(e.leaves, id)
			e.mu.Unlock()
		},
	)
	return e
}

func (e *events) snapshot() (engine.RoomState, []string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, append([]string(nil), e.joins...), append([]string(nil), e.leaves...)
}

func newClient(t *testing.T, addr string, clock clockwork.Clock) *Transport {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	tr := New(rdb, clock, zap.NewNop(), Options{PresenceTTL: ttl})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestKV_ConnectWritesLayout(t *testing.T) {
	srv := miniredis.RunT(t)
	tr := newClient(t, srv.Addr(), clockwork.NewFakeClock())

	st, err := tr.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	assert.True(t, engine.IsAdmin(st, "p1"))

	raw, err := srv.Get(RoomKey("ABCDE"))
	require.NoError(t, err)
	var stored engine.RoomState
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "ABCDE", stored.RoomCode)
	assert.Len(t, stored.Players, 1)

	assert.True(t, srv.Exists(PlayerKey("ABCDE", "p1")))
	assert.Equal(t, ttl, srv.TTL(PlayerKey("ABCDE", "p1")))
}

func TestKV_TwoClientsShareRoom(t *testing.T) {
	srv := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	a := newClient(t, srv.Addr(), clock)
	b := newClient(t, srv.Addr(), clock)

	_, err := a.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	seen := watch(a)

	st, err := b.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p2", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "p1", engine.AdminID(st))

	require.Eventually(t, func() bool {
		_, joins, _ := seen.snapshot()
		return len(joins) == 1 && joins[0] == "p2"
	}, 2*time.Second, 10*time.Millisecond)

	cfg := engine.GameConfig{Mode: engine.ModeSingleBuzz, LockdownPeriod: 10, DesignatedPlayerID: "p2"}
	require.NoError(t, a.Dispatch(ctxT(t), engine.Action{Type: engine.ActStartGame, Config: &cfg}))
	p2 := engine.Player{ID: "p2", Name: "Bob"}
	require.NoError(t, b.Dispatch(ctxT(t), engine.Action{Type: engine.ActPressBuzzer, Player: &p2}))

	require.Eventually(t, func() bool {
		last, _, _ := seen.snapshot()
		return last.BuzzerWinner != nil && last.BuzzerWinner.ID == "p2"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, _, leaves := seen.snapshot()
		return len(leaves) == 1 && leaves[0] == "p2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, srv.Exists(PlayerKey("ABCDE", "p2")))

	require.NoError(t, a.Close())
	assert.False(t, srv.Exists(RoomKey("ABCDE")), "empty room is deleted")
}

func TestKV_HeartbeatSweepsExpiredPlayers(t *testing.T) {
	srv := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	a := newClient(t, srv.Addr(), clock)

	_, err := a.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	seen := watch(a)

	// a player whose record is gone, as after a crash
	ghost := []engine.Player{{ID: "p1", Name: "Alice"}, {ID: "ghost", Name: "Gone"}}
	require.NoError(t, a.Dispatch(ctxT(t), engine.Action{Type: engine.ActSetState, Patch: &engine.StatePatch{Players: &ghost}}))
	require.Eventually(t, func() bool {
		last, _, _ := seen.snapshot()
		return len(last.Players) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctxT(t), 1))
	clock.Advance(ttl / 2)

	require.Eventually(t, func() bool {
		last, _, leaves := seen.snapshot()
		return len(leaves) == 1 && leaves[0] == "ghost" && len(last.Players) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ttl, srv.TTL(PlayerKey("ABCDE", "p1")))
}

func storedRoom(t *testing.T, srv *miniredis.Miniredis, code string) (engine.RoomState, bool) {
	t.Helper()
	raw, err := srv.Get(RoomKey(code))
	if err != nil {
		return engine.RoomState{}, false
	}
	var st engine.RoomState
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	return st, true
}

func TestKV_HeartbeatRejoinsAfterOwnRecordExpired(t *testing.T) {
	srv := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	a := newClient(t, srv.Addr(), clock)

	_, err := a.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	seen := watch(a)

	cfg := engine.GameConfig{Mode: engine.ModeSingleBuzz, LockdownPeriod: 5, DesignatedPlayerID: "p1"}
	require.NoError(t, a.Dispatch(ctxT(t), engine.Action{Type: engine.ActStartGame, Config: &cfg}))
	require.Eventually(t, func() bool {
		last, _, _ := seen.snapshot()
		return last.Phase == engine.PhaseGame
	}, 2*time.Second, 10*time.Millisecond)

	// a pause longer than the ttl: our record lapsed and someone swept the room
	srv.FastForward(ttl + time.Second)
	require.False(t, srv.Exists(PlayerKey("ABCDE", "p1")))
	srv.Del(RoomKey("ABCDE"))

	require.NoError(t, clock.BlockUntilContext(ctxT(t), 1))
	clock.Advance(ttl / 2)

	require.Eventually(t, func() bool {
		return srv.Exists(PlayerKey("ABCDE", "p1")) && srv.Exists(RoomKey("ABCDE"))
	}, 2*time.Second, 10*time.Millisecond)
	st, ok := storedRoom(t, srv, "ABCDE")
	require.True(t, ok)
	assert.True(t, engine.IsAdmin(st, "p1"))
	assert.Equal(t, engine.PhaseGame, st.Phase, "room restored from the last snapshot")
	assert.Equal(t, ttl, srv.TTL(PlayerKey("ABCDE", "p1")))

	select {
	case <-a.Done():
		t.Fatal("transport reported lost")
	default:
	}

	p1 := engine.Player{ID: "p1", Name: "Alice"}
	require.NoError(t, a.Dispatch(ctxT(t), engine.Action{Type: engine.ActPressBuzzer, Player: &p1}))
	st, ok = storedRoom(t, srv, "ABCDE")
	require.True(t, ok)
	require.NotNil(t, st.BuzzerWinner)
	assert.Equal(t, "p1", st.BuzzerWinner.ID)
}

func TestKV_DispatchRestoresSweptPlayer(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newClient(t, srv.Addr(), clockwork.NewFakeClock())

	_, err := a.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	srv.Del(RoomKey("ABCDE"))

	require.NoError(t, a.Dispatch(ctxT(t), engine.Action{Type: engine.ActEndGame}))
	st, ok := storedRoom(t, srv, "ABCDE")
	require.True(t, ok, "room is not deleted by the write")
	assert.True(t, engine.HasPlayer(st, "p1"))
}

func TestKV_UnreachableIsUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	tr := newClient(t, addr, clockwork.NewFakeClock())
	_, err := tr.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestKV_LostServerClosesDone(t *testing.T) {
	srv := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	tr := newClient(t, srv.Addr(), clock)

	_, err := tr.Connect(ctxT(t), "ABCDE", engine.Player{ID: "p1", Name: "Alice"})
	require.NoError(t, err)
	require.NoError(t, clock.BlockUntilContext(ctxT(t), 1))

	srv.Close()
	require.Eventually(t, func() bool {
		select {
		case <-tr.Done():
			return true
		default:
			clock.Advance(ttl / 2)
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestKV_DispatchBeforeConnect(t *testing.T) {
	srv := miniredis.RunT(t)
	tr := newClient(t, srv.Addr(), clockwork.NewFakeClock())
	assert.ErrorIs(t, tr.Dispatch(ctxT(t), engine.Action{Type: engine.ActEndGame}), transport.ErrNotJoined)
}

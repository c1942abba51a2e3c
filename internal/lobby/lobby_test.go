package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
)

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "client outbox closed unexpectedly")
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{} // unreachable
	}
}

// recvKind skips events until one of the wanted kind shows up.
func recvKind(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		ev := recvEvent(t, ch, time.Second)
		if ev.Kind == kind {
			return ev
		}
	}
}

func recvNoEvent(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no event within %v, but got: %+v", within, ev)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, l *Lobby) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func newTestLobby(t *testing.T) (*Lobby, *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clock := clockwork.NewFakeClock()
	return NewLobby(ctx, engine.NewRoomState("ABCDE"), clock, zap.NewNop()), clock
}

func TestLobby_JoinSendsSnapshotAndNotifiesOthers(t *testing.T) {
	l, clock := newTestLobby(t)

	alice := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: alice}

	first := recvEvent(t, alice, time.Second)
	assert.Equal(t, EventRoomState, first.Kind)
	require.Len(t, first.State.Players, 1)
	assert.Equal(t, clock.Now().UnixMilli(), first.State.Players[0].LastSeen)

	bob := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c2", Player: engine.Player{ID: "p2", Name: "Bob"}, Outbox: bob}

	joined := recvEvent(t, alice, time.Second)
	assert.Equal(t, EventPlayerJoined, joined.Kind)
	assert.Equal(t, "p2", joined.Player.ID)
	update := recvEvent(t, alice, time.Second)
	assert.Equal(t, EventRoomState, update.Kind)
	assert.Len(t, update.State.Players, 2)

	snap := recvEvent(t, bob, time.Second)
	assert.Equal(t, EventRoomState, snap.Kind)
	assert.Equal(t, "p1", engine.AdminID(snap.State))
}

func TestLobby_RejoinIsIdempotent(t *testing.T) {
	l, _ := newTestLobby(t)

	first := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: first}
	recvEvent(t, first, time.Second)

	second := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c2", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: second}
	snap := recvEvent(t, second, time.Second)
	assert.Len(t, snap.State.Players, 1)
	recvNoEvent(t, first, 50*time.Millisecond)
}

func TestLobby_ActionBroadcastsStateAndEchoesToOthers(t *testing.T) {
	l, _ := newTestLobby(t)

	alice := make(chan Event, 8)
	bob := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: alice}
	l.Inbox() <- Join{ClientID: "c2", Player: engine.Player{ID: "p2", Name: "Bob"}, Outbox: bob}
	recvEvent(t, bob, time.Second)

	cfg := engine.GameConfig{Mode: engine.ModeFFA, LockdownPeriod: 3}
	reply := make(chan engine.RoomState, 1)
	l.Inbox() <- FromClient{ClientID: "c1", Action: engine.Action{Type: engine.ActStartGame, Config: &cfg}, Reply: reply}

	st := <-reply
	assert.Equal(t, engine.PhaseGame, st.Phase)
	assert.Equal(t, 3, st.LockdownTimer)

	ev := recvKind(t, bob, EventRoomState)
	assert.Equal(t, st, ev.State)
	echo := recvEvent(t, bob, time.Second)
	assert.Equal(t, EventGameAction, echo.Kind)
	assert.Equal(t, engine.ActStartGame, echo.Action.Type)

	got := recvKind(t, alice, EventRoomState)
	for got.State.Phase != engine.PhaseGame {
		got = recvKind(t, alice, EventRoomState)
	}
	recvNoEvent(t, alice, 50*time.Millisecond) // sender gets no echo
}

func TestLobby_LeaveRepliesRemainingCount(t *testing.T) {
	l, _ := newTestLobby(t)

	alice := make(chan Event, 8)
	bob := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: alice}
	l.Inbox() <- Join{ClientID: "c2", Player: engine.Player{ID: "p2", Name: "Bob"}, Outbox: bob}
	recvEvent(t, bob, time.Second)

	reply := make(chan int, 1)
	l.Inbox() <- Leave{ClientID: "c1", PlayerID: "p1", Reply: reply}
	assert.Equal(t, 1, <-reply)

	left := recvKind(t, bob, EventPlayerLeft)
	assert.Equal(t, "p1", left.PlayerID)
	st := recvKind(t, bob, EventRoomState)
	assert.Equal(t, "p2", engine.AdminID(st.State))

	v := recvView(t, l)
	assert.Equal(t, 1, v.NumClients)
}

func TestLobby_ActivityUpdatesLastSeenQuietly(t *testing.T) {
	l, clock := newTestLobby(t)

	alice := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: alice}
	recvEvent(t, alice, time.Second)

	clock.Advance(5 * time.Second)
	l.Inbox() <- Activity{PlayerID: "p1"}

	v := recvView(t, l)
	assert.Equal(t, clock.Now().UnixMilli(), v.State.Players[0].LastSeen)
	recvNoEvent(t, alice, 50*time.Millisecond)
}

func TestLobby_SlowClientIsDropped(t *testing.T) {
	l, _ := newTestLobby(t)

	slow := make(chan Event) // unbuffered, never read
	fast := make(chan Event, 32)
	l.Inbox() <- Join{ClientID: "slow", Player: engine.Player{ID: "p1", Name: "Slow"}, Outbox: slow}
	l.Inbox() <- Join{ClientID: "fast", Player: engine.Player{ID: "p2", Name: "Fast"}, Outbox: fast}
	recvEvent(t, fast, time.Second)

	v := recvView(t, l)
	assert.Equal(t, 1, v.NumClients)

	_, ok := <-slow
	assert.False(t, ok, "slow client outbox must be closed")
}

func TestLobby_ShutdownClosesOutboxes(t *testing.T) {
	l, _ := newTestLobby(t)

	out := make(chan Event, 8)
	l.Inbox() <- Join{ClientID: "c1", Player: engine.Player{ID: "p1", Name: "Alice"}, Outbox: out}
	recvEvent(t, out, time.Second)

	l.Inbox() <- Shutdown{}
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("lobby did not stop")
	}
	_, ok := <-out
	assert.False(t, ok)
	assert.False(t, l.Send(context.Background(), GetState{Reply: make(chan View, 1)}))
}

// Package relay synchronizes a room through the relay server's websocket.
// The server owns the state; this side only sends actions and mirrors
// the snapshots it broadcasts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/notify"
	"github.com/DoyleJ11/buzzer/internal/transport"
	"github.com/DoyleJ11/buzzer/internal/types"
)

type Options struct {
	URLs             []string
	MaxAttempts      int
	ConnectTimeout   time.Duration
	ActivityInterval time.Duration
	WriteTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ActivityInterval <= 0 {
		o.ActivityInterval = 7500 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	return o
}

type Transport struct {
	transport.Listeners
	actions notify.Set[engine.Action]

	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	room   string
	user   engine.Player
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	closed   sync.Once
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Budgeted  = (*Transport)(nil)
)

func New(clock clockwork.Clock, log *zap.Logger, opts Options) *Transport {
	return &Transport{
		opts:  opts.withDefaults(),
		clock: clock,
		log:   log.With(zap.String("transport", string(transport.KindRelay))),
		done:  make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindRelay }

func (t *Transport) Done() <-chan struct{} { return t.done }

// SubscribeActions observes the raw actions other clients dispatch.
func (t *Transport) SubscribeActions(fn func(engine.Action)) func() { return t.actions.Add(fn) }

// WebsocketURL maps a server base URL to its relay endpoint.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// ConnectBudget is the longest Connect can take when every dial times out:
// each URL per round, plus the waits between rounds.
func (t *Transport) ConnectBudget() time.Duration {
	perRound := t.opts.ConnectTimeout * time.Duration(len(t.opts.URLs))
	budget := perRound * time.Duration(t.opts.MaxAttempts)
	for attempt := 1; attempt < t.opts.MaxAttempts; attempt++ {
		budget += time.Duration(attempt) * time.Second
	}
	return budget
}

// Connect tries every server URL in order, MaxAttempts rounds, waiting one
// second longer after each failed round.
func (t *Transport) Connect(ctx context.Context, roomCode string, user engine.Player) (engine.RoomState, error) {
	if len(t.opts.URLs) == 0 {
		return engine.RoomState{}, fmt.Errorf("%w: no server urls", transport.ErrUnavailable)
	}

	var errs error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		for _, base := range t.opts.URLs {
			st, err := t.connectOnce(ctx, base, roomCode, user)
			if err == nil {
				return st, nil
			}
			errs = multierr.Append(errs, err)
			t.log.Debug("connect attempt failed",
				zap.String("url", base), zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return engine.RoomState{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, errs)
			}
		}
		if attempt == t.opts.MaxAttempts {
			break
		}
		select {
		case <-t.clock.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return engine.RoomState{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
		}
	}
	return engine.RoomState{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, errs)
}

func (t *Transport) connectOnce(ctx context.Context, base, roomCode string, user engine.Player) (engine.RoomState, error) {
	wsURL, err := WebsocketURL(base)
	if err != nil {
		return engine.RoomState{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		return engine.RoomState{}, err
	}
	if err := write(cctx, conn, types.EvJoinRoom, types.JoinRoom{RoomCode: roomCode, User: user}); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return engine.RoomState{}, err
	}

	// the server answers a join with the room snapshot, or an error
	for {
		_, data, err := conn.Read(cctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "join failed")
			return engine.RoomState{}, err
		}
		env, err := types.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		switch env.Event {
		case types.EvRoomState:
			st, err := types.Decode[engine.RoomState](env)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "bad state")
				return engine.RoomState{}, err
			}
			t.start(conn, roomCode, user, st)
			t.log.Debug("joined room", zap.String("url", wsURL), zap.String("room", roomCode), zap.String("player_id", user.ID))
			return st, nil
		case types.EvError:
			msg, _ := types.Decode[types.Error](env)
			conn.Close(websocket.StatusNormalClosure, "join rejected")
			return engine.RoomState{}, fmt.Errorf("join rejected: %s", msg.Message)
		}
	}
}

func (t *Transport) start(conn *websocket.Conn, roomCode string, user engine.Player, st engine.RoomState) {
	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.room = roomCode
	t.user = user
	t.cancel = cancel
	t.mu.Unlock()
	t.Reset(st)

	t.wg.Add(2)
	go t.read(loopCtx, conn)
	go t.activity(loopCtx, conn, roomCode, user.ID)
}

func (t *Transport) read(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !t.closing.Load() {
				t.lose(err)
			}
			return
		}
		env, err := types.DecodeEnvelope(data)
		if err != nil {
			t.log.Warn("bad frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case types.EvRoomState:
			if st, err := types.Decode[engine.RoomState](env); err == nil {
				t.Store(st)
			}
		case types.EvPlayerJoined:
			if msg, err := types.Decode[types.PlayerJoined](env); err == nil {
				t.Joined(msg.User)
			}
		case types.EvPlayerLeft:
			if msg, err := types.Decode[types.PlayerLeft](env); err == nil {
				t.Left(msg.PlayerID)
			}
		case types.EvGameAction:
			if msg, err := types.Decode[types.GameAction](env); err == nil {
				t.actions.Notify(msg.Action)
			}
		case types.EvError:
			msg, _ := types.Decode[types.Error](env)
			t.log.Warn("server error", zap.String("message", msg.Message))
		}
	}
}

func (t *Transport) activity(ctx context.Context, conn *websocket.Conn, roomCode, userID string) {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(t.opts.ActivityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
			err := write(wctx, conn, types.EvPlayerActivity, types.PlayerActivity{RoomCode: roomCode, UserID: userID})
			cancel()
			if err != nil && ctx.Err() == nil {
				t.log.Debug("activity failed", zap.Error(err))
			}
		}
	}
}

func (t *Transport) lose(err error) {
	t.doneOnce.Do(func() {
		t.log.Warn("connection lost", zap.Error(err))
		close(t.done)
	})
}

func (t *Transport) Dispatch(ctx context.Context, a engine.Action) error {
	t.mu.Lock()
	conn, room, user := t.conn, t.room, t.user
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotJoined
	}
	select {
	case <-t.done:
		return transport.ErrClosed
	default:
	}

	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	return write(wctx, conn, types.EvGameAction, types.GameAction{RoomCode: room, Action: a, UserID: user.ID})
}

// Close sends leave-room, then closes the socket.
func (t *Transport) Close() error {
	var err error
	t.closed.Do(func() {
		t.closing.Store(true)
		t.mu.Lock()
		conn, room, user, cancel := t.conn, t.room, t.user, t.cancel
		t.conn = nil
		t.mu.Unlock()

		t.Clear()
		if conn != nil {
			ctx, done := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
			err = multierr.Append(err, ignoreClosed(write(ctx, conn, types.EvLeaveRoom, types.LeaveRoom{RoomCode: room, UserID: user.ID})))
			done()
			err = multierr.Append(err, ignoreClosed(conn.Close(websocket.StatusNormalClosure, "bye")))
			cancel()
		}
		t.wg.Wait()
		t.doneOnce.Do(func() { close(t.done) })
	})
	return err
}

// ignoreClosed drops errors that only say the socket is already gone.
func ignoreClosed(err error) error {
	if err == nil || websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func write(ctx context.Context, conn *websocket.Conn, ev types.Event, data any) error {
	frame, err := types.Encode(ev, data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

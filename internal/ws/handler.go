package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/hub"
	"github.com/DoyleJ11/buzzer/internal/lobby"
	"github.com/DoyleJ11/buzzer/internal/types"
)

type Options struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	OriginPatterns []string
}

// Relay is the websocket endpoint. It tracks live connections so the admin
// surface can count and drop them.
type Relay struct {
	hub  *hub.Hub
	log  *zap.Logger
	opts Options

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewRelay(h *hub.Hub, log *zap.Logger, opts Options) *Relay {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	return &Relay{hub: h, log: log, opts: opts, conns: make(map[string]*websocket.Conn)}
}

func (r *Relay) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DisconnectAll closes every tracked connection and returns how many there were.
func (r *Relay) DisconnectAll() int {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		go c.Close(websocket.StatusGoingAway, "cleanup")
	}
	return len(conns)
}

func (r *Relay) track(id string, c *websocket.Conn) func() {
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
	}
}

// membership is the room this connection currently plays in.
type membership struct {
	room     string
	playerID string
	stop     context.CancelFunc
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.opts.OriginPatterns})
	if err != nil {
		r.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	connID := uuid.NewString()
	defer r.track(connID, conn)()
	log := r.log.With(zap.String("client_id", connID))
	log.Debug("client connected")

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	var cur *membership
	leave := func() {
		if cur == nil {
			return
		}
		cur.stop()
		lctx, lcancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		defer lcancel()
		if _, err := r.hub.RemovePlayer(lctx, cur.room, connID, cur.playerID); err != nil {
			log.Warn("remove player failed", zap.String("room", cur.room), zap.Error(err))
		}
		cur = nil
	}
	defer leave()

	// Reader loop
	for {
		rctx, rcancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
		_, data, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("client closed")
			default:
				log.Debug("read ended", zap.Error(err))
			}
			return
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			r.writeError(ctx, conn, "bad json")
			continue
		}

		switch env.Event {
		case types.EvJoinRoom:
			msg, err := types.Decode[types.JoinRoom](env)
			if err != nil {
				r.writeError(ctx, conn, err.Error())
				continue
			}
			code, err := engine.NormalizeRoomCode(msg.RoomCode)
			if err != nil {
				r.writeError(ctx, conn, err.Error())
				continue
			}
			prev := cur
			if prev != nil && (prev.room != code || prev.playerID != msg.User.ID) {
				leave()
				prev = nil
			}
			m, err := r.join(ctx, conn, connID, msg, log)
			if err != nil {
				r.writeError(ctx, conn, err.Error())
				continue
			}
			if prev != nil {
				prev.stop()
			}
			cur = m

		case types.EvGameAction:
			msg, err := types.Decode[types.GameAction](env)
			if err != nil {
				r.writeError(ctx, conn, err.Error())
				continue
			}
			room := msg.RoomCode
			if room == "" && cur != nil {
				room = cur.room
			}
			if err := r.applyAction(ctx, connID, room, msg.Action); err != nil {
				switch {
				case errors.Is(err, hub.ErrRoomNotFound), errors.Is(err, engine.ErrInvalidRoomCode):
					log.Debug("action ignored", zap.String("room", room), zap.Error(err))
				case errors.Is(err, engine.ErrInvalidConfig):
					r.writeError(ctx, conn, err.Error())
				default:
					log.Warn("apply action failed", zap.String("room", room), zap.Error(err))
				}
			}

		case types.EvPlayerActivity:
			msg, err := types.Decode[types.PlayerActivity](env)
			if err != nil {
				continue
			}
			if code, err := engine.NormalizeRoomCode(msg.RoomCode); err == nil {
				_ = r.hub.Touch(ctx, code, msg.UserID)
			}

		case types.EvLeaveRoom:
			if _, err := types.Decode[types.LeaveRoom](env); err != nil {
				continue
			}
			leave()

		default:
			r.writeError(ctx, conn, "unknown event")
		}
	}
}

func (r *Relay) join(ctx context.Context, conn *websocket.Conn, connID string, msg types.JoinRoom, log *zap.Logger) (*membership, error) {
	code, err := engine.NormalizeRoomCode(msg.RoomCode)
	if err != nil {
		return nil, err
	}
	if msg.User.ID == "" {
		return nil, errors.New("missing user id")
	}
	name, err := engine.ValidateNickname(msg.User.Name)
	if err != nil {
		return nil, err
	}
	user := engine.Player{ID: msg.User.ID, Name: name}

	out := make(chan lobby.Event, 32)
	pumpCtx, stop := context.WithCancel(ctx)
	go r.pump(pumpCtx, conn, out, log)

	if err := r.hub.AddPlayer(ctx, code, connID, user, out); err != nil {
		stop()
		return nil, err
	}
	log.Info("player joined", zap.String("room", code), zap.String("player_id", user.ID))
	return &membership{room: code, playerID: user.ID, stop: stop}, nil
}

func (r *Relay) applyAction(ctx context.Context, connID, room string, a engine.Action) error {
	code, err := engine.NormalizeRoomCode(room)
	if err != nil {
		return err
	}
	if a.Type == engine.ActStartGame {
		st, err := r.hub.Lookup(ctx, code)
		if err != nil {
			return err
		}
		if a.Config == nil {
			return engine.ErrInvalidConfig
		}
		if err := engine.ValidateConfigFor(st, *a.Config); err != nil {
			return err
		}
	}
	_, err = r.hub.ApplyAction(ctx, code, connID, a)
	return err
}

// pump writes lobby events to the socket. A closed outbox means the room
// dropped this client, so the connection is closed too.
func (r *Relay) pump(ctx context.Context, conn *websocket.Conn, out <-chan lobby.Event, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "room closed")
				}
				return
			}
			if err := r.writeEvent(ctx, conn, ev); err != nil {
				log.Debug("write failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) writeEvent(ctx context.Context, conn *websocket.Conn, ev lobby.Event) error {
	switch ev.Kind {
	case lobby.EventRoomState:
		return r.write(ctx, conn, types.EvRoomState, ev.State)
	case lobby.EventPlayerJoined:
		return r.write(ctx, conn, types.EvPlayerJoined, types.PlayerJoined{User: ev.Player})
	case lobby.EventPlayerLeft:
		return r.write(ctx, conn, types.EvPlayerLeft, types.PlayerLeft{PlayerID: ev.PlayerID})
	case lobby.EventGameAction:
		return r.write(ctx, conn, types.EvGameAction, types.GameAction{Action: ev.Action})
	}
	return nil
}

func (r *Relay) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	_ = r.write(ctx, conn, types.EvError, types.Error{Message: msg})
}

func (r *Relay) write(ctx context.Context, conn *websocket.Conn, ev types.Event, data any) error {
	payload, err := types.Encode(ev, data)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

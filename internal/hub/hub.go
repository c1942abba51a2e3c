package hub

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/lobby"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrClosed       = errors.New("hub closed")
)

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the room's lobby, creating a fresh one if needed.
type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// AddPlayer creates the room if needed and joins the client to it.
type AddPlayer struct {
	Code     string
	ClientID string
	Player   engine.Player
	Outbox   chan lobby.Event
	Reply    chan *lobby.Lobby
}

// RemovePlayer replies true when the room was deleted because it emptied.
type RemovePlayer struct {
	Code     string
	ClientID string
	PlayerID string
	Reply    chan bool
}

// Forward passes Msg to an existing room in arrival order. Reply gets nil
// when the room is absent.
type Forward struct {
	Code  string
	Msg   lobby.Msg
	Reply chan *lobby.Lobby
}

type CountLobbies struct {
	Reply chan int
}

// ClearAll shuts every room down and replies how many were removed.
type ClearAll struct {
	Reply chan int
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()     {}
func (EnsureLobby) isHubMsg()  {}
func (AddPlayer) isHubMsg()    {}
func (RemovePlayer) isHubMsg() {}
func (Forward) isHubMsg()      {}
func (CountLobbies) isHubMsg() {}
func (ClearAll) isHubMsg()     {}
func (ShutdownHub) isHubMsg()  {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	clock   clockwork.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, clock clockwork.Clock, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		clock:   clock,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case EnsureLobby:
				msg.Reply <- h.ensure(msg.Code)

			case AddPlayer:
				lb := h.ensure(msg.Code)
				lb.Send(h.ctx, lobby.Join{ClientID: msg.ClientID, Player: msg.Player, Outbox: msg.Outbox})
				msg.Reply <- lb

			case RemovePlayer:
				msg.Reply <- h.removePlayer(msg)

			case Forward:
				lb := h.lobbies[msg.Code]
				if lb != nil && !lb.Send(h.ctx, msg.Msg) {
					lb = nil
				}
				msg.Reply <- lb

			case CountLobbies:
				msg.Reply <- len(h.lobbies)

			case ClearAll:
				n := len(h.lobbies)
				h.clear()
				msg.Reply <- n

			case ShutdownHub:
				h.clear()
				h.cancel()
			}
		}
	}
}

func (h *Hub) ensure(code string) *lobby.Lobby {
	if lb := h.lobbies[code]; lb != nil {
		return lb
	}
	lb := lobby.NewLobby(h.ctx, engine.NewRoomState(code), h.clock, h.log)
	h.lobbies[code] = lb
	h.log.Debug("room created", zap.String("room", code))
	return lb
}

func (h *Hub) removePlayer(msg RemovePlayer) bool {
	lb := h.lobbies[msg.Code]
	if lb == nil {
		return false
	}
	reply := make(chan int, 1)
	if !lb.Send(h.ctx, lobby.Leave{ClientID: msg.ClientID, PlayerID: msg.PlayerID, Reply: reply}) {
		delete(h.lobbies, msg.Code)
		return true
	}

	var remaining int
	select {
	case remaining = <-reply:
	case <-lb.Done():
	case <-h.ctx.Done():
		return false
	}
	if remaining > 0 {
		return false
	}

	lb.Send(h.ctx, lobby.Shutdown{})
	delete(h.lobbies, msg.Code)
	h.log.Debug("room deleted (empty)", zap.String("room", msg.Code))
	return true
}

func (h *Hub) clear() {
	for _, lb := range h.lobbies {
		lb.Send(h.ctx, lobby.Shutdown{})
	}
	clear(h.lobbies)
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv[T any](ctx context.Context, h *Hub, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-h.ctx.Done():
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// GetOrCreate returns the room's current state, creating an empty lobby-phase
// room with the default config when it does not exist.
func (h *Hub) GetOrCreate(ctx context.Context, code string) (engine.RoomState, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, EnsureLobby{Code: code, Reply: reply}); err != nil {
		return engine.RoomState{}, err
	}
	lb, err := recv(ctx, h, reply)
	if err != nil {
		return engine.RoomState{}, err
	}
	return h.stateOf(ctx, lb)
}

// Lookup reports ErrRoomNotFound for rooms absent from the registry.
func (h *Hub) Lookup(ctx context.Context, code string) (engine.RoomState, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, GetLobby{Code: code, Reply: reply}); err != nil {
		return engine.RoomState{}, err
	}
	lb, err := recv(ctx, h, reply)
	if err != nil {
		return engine.RoomState{}, err
	}
	if lb == nil {
		return engine.RoomState{}, ErrRoomNotFound
	}
	return h.stateOf(ctx, lb)
}

func (h *Hub) Exists(ctx context.Context, code string) (bool, error) {
	_, err := h.Lookup(ctx, code)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (h *Hub) stateOf(ctx context.Context, lb *lobby.Lobby) (engine.RoomState, error) {
	reply := make(chan lobby.View, 1)
	if !lb.Send(ctx, lobby.GetState{Reply: reply}) {
		return engine.RoomState{}, ErrRoomNotFound
	}
	select {
	case v := <-reply:
		return v.State, nil
	case <-lb.Done():
		return engine.RoomState{}, ErrRoomNotFound
	case <-ctx.Done():
		return engine.RoomState{}, ctx.Err()
	}
}

// AddPlayer joins a client connection to the room, creating the room on
// first join. Joining twice with the same player id keeps one entry.
func (h *Hub) AddPlayer(ctx context.Context, code, clientID string, p engine.Player, out chan lobby.Event) error {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, AddPlayer{Code: code, ClientID: clientID, Player: p, Outbox: out, Reply: reply}); err != nil {
		return err
	}
	_, err := recv(ctx, h, reply)
	return err
}

// RemovePlayer reports whether the room was deleted because it emptied.
func (h *Hub) RemovePlayer(ctx context.Context, code, clientID, playerID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.send(ctx, RemovePlayer{Code: code, ClientID: clientID, PlayerID: playerID, Reply: reply}); err != nil {
		return false, err
	}
	return recv(ctx, h, reply)
}

// ApplyAction runs the reducer inside the room's loop. Actions are applied in
// the order the hub receives them.
func (h *Hub) ApplyAction(ctx context.Context, code, clientID string, a engine.Action) (engine.RoomState, error) {
	result := make(chan engine.RoomState, 1)
	lb, err := h.forward(ctx, code, lobby.FromClient{ClientID: clientID, Action: a, Reply: result})
	if err != nil {
		return engine.RoomState{}, err
	}
	select {
	case st := <-result:
		return st, nil
	case <-lb.Done():
		return engine.RoomState{}, ErrRoomNotFound
	case <-ctx.Done():
		return engine.RoomState{}, ctx.Err()
	}
}

// Touch records player activity.
func (h *Hub) Touch(ctx context.Context, code, playerID string) error {
	_, err := h.forward(ctx, code, lobby.Activity{PlayerID: playerID})
	return err
}

func (h *Hub) forward(ctx context.Context, code string, m lobby.Msg) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, Forward{Code: code, Msg: m, Reply: reply}); err != nil {
		return nil, err
	}
	lb, err := recv(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	if lb == nil {
		return nil, ErrRoomNotFound
	}
	return lb, nil
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, CountLobbies{Reply: reply}); err != nil {
		return 0, err
	}
	return recv(ctx, h, reply)
}

// Cleanup removes every room. Client outboxes are closed, which ends their
// connections.
func (h *Hub) Cleanup(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, ClearAll{Reply: reply}); err != nil {
		return 0, err
	}
	return recv(ctx, h, reply)
}

func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

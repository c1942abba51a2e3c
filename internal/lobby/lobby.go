package lobby

import (
	"context"
	"slices"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
)

type Msg interface{ isLobbyMsg() }

// Join attaches a client connection and adds its player if the id is new.
type Join struct {
	ClientID string
	Player   engine.Player
	Outbox   chan Event // where this client wants to receive events
}

func (Join) isLobbyMsg() {}

// Leave detaches a client and removes its player. Reply gets the number of
// players left in the room.
type Leave struct {
	ClientID string
	PlayerID string
	Reply    chan int
}

func (Leave) isLobbyMsg() {}

type FromClient struct {
	ClientID string
	Action   engine.Action
	Reply    chan engine.RoomState // optional
}

func (FromClient) isLobbyMsg() {}

// Activity refreshes a player's lastSeen. Nothing is broadcast.
type Activity struct {
	PlayerID string
}

func (Activity) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type EventKind string

const (
	EventRoomState    EventKind = "room-state"
	EventPlayerJoined EventKind = "player-joined"
	EventPlayerLeft   EventKind = "player-left"
	EventGameAction   EventKind = "game-action"
)

// Event is what a client outbox receives. Only the field matching Kind is set.
type Event struct {
	Kind     EventKind
	Version  int
	State    engine.RoomState
	Player   engine.Player
	PlayerID string
	Action   engine.Action
}

type View struct {
	Version    int
	NumClients int
	State      engine.RoomState
}

type client struct {
	playerID string
	out      chan Event
}

type Lobby struct {
	inbox   chan Msg
	state   engine.RoomState
	version int
	clients map[string]client
	clock   clockwork.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewLobby(parent context.Context, initial engine.RoomState, clock clockwork.Clock, log *zap.Logger) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		inbox:   make(chan Msg, 64),
		state:   engine.Clone(initial),
		clients: make(map[string]client),
		clock:   clock,
		log:     log.With(zap.String("room", initial.RoomCode)),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.join(msg)

			case Leave:
				delete(l.clients, msg.ClientID)
				if next, ok := engine.WithoutPlayer(l.state, msg.PlayerID); ok {
					l.state = next
					l.version++
					l.log.Debug("player left", zap.String("player_id", msg.PlayerID))
					l.broadcast(Event{Kind: EventPlayerLeft, PlayerID: msg.PlayerID}, "")
					l.broadcastState()
				}
				if msg.Reply != nil {
					msg.Reply <- len(l.state.Players)
				}

			case FromClient:
				l.state = engine.Reduce(l.state, msg.Action)
				l.version++
				l.log.Debug("action applied",
					zap.String("client_id", msg.ClientID),
					zap.String("event", string(msg.Action.Type)))
				l.broadcastState()
				l.broadcast(Event{Kind: EventGameAction, Action: msg.Action}, msg.ClientID)
				if msg.Reply != nil {
					msg.Reply <- engine.Clone(l.state)
				}

			case Activity:
				i := slices.IndexFunc(l.state.Players, func(p engine.Player) bool { return p.ID == msg.PlayerID })
				if i >= 0 {
					players := slices.Clone(l.state.Players)
					players[i].LastSeen = l.clock.Now().UnixMilli()
					l.state.Players = players
				}

			case GetState:
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					State:      engine.Clone(l.state),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) join(msg Join) {
	l.clients[msg.ClientID] = client{playerID: msg.Player.ID, out: msg.Outbox}

	if !engine.HasPlayer(l.state, msg.Player.ID) {
		p := msg.Player
		p.LastSeen = l.clock.Now().UnixMilli()
		l.state = engine.WithPlayer(l.state, p)
		l.version++
		l.log.Debug("player joined", zap.String("player_id", p.ID), zap.String("client_id", msg.ClientID))
		l.broadcast(Event{Kind: EventPlayerJoined, Player: p}, msg.ClientID)
		l.broadcast(l.stateEvent(), msg.ClientID)
	}

	// the joiner always gets the current snapshot
	l.send(msg.ClientID, l.stateEvent())
}

func (l *Lobby) shutdown() {
	for id, c := range l.clients {
		close(c.out) // no more events for this client
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) stateEvent() Event {
	return Event{Kind: EventRoomState, Version: l.version, State: engine.Clone(l.state)}
}

func (l *Lobby) broadcastState() { l.broadcast(l.stateEvent(), "") }

// broadcast sends ev to every client except skip.
func (l *Lobby) broadcast(ev Event, skip string) {
	for id := range l.clients {
		if id == skip {
			continue
		}
		l.send(id, ev)
	}
}

func (l *Lobby) send(id string, ev Event) {
	c, ok := l.clients[id]
	if !ok {
		return
	}
	select {
	case c.out <- ev:
	default:
		// Client is slow/full - drop them.
		l.log.Warn("dropping slow client", zap.String("client_id", id), zap.String("player_id", c.playerID))
		close(c.out)
		delete(l.clients, id)
	}
}

// Send delivers m unless the lobby has stopped or ctx ends first.
func (l *Lobby) Send(ctx context.Context, m Msg) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.inbox <- m:
		return true
	case <-l.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Done is closed once the lobby loop has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Expose the inbox so tests or the hub can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

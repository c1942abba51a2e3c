package types

import (
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/buzzer/internal/engine"
)

type Event string

// Client -> Server
const (
	EvJoinRoom       Event = "join-room"
	EvGameAction     Event = "game-action"
	EvPlayerActivity Event = "player-activity"
	EvLeaveRoom      Event = "leave-room"
)

// Server -> Client
const (
	EvRoomState    Event = "room-state"
	EvPlayerJoined Event = "player-joined"
	EvPlayerLeft   Event = "player-left"
	EvError        Event = "error"
)

// Envelope is one websocket text frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomCode string        `json:"roomCode"`
	User     engine.Player `json:"user"`
}

type GameAction struct {
	RoomCode string        `json:"roomCode,omitempty"`
	Action   engine.Action `json:"action"`
	UserID   string        `json:"userId,omitempty"`
}

type PlayerActivity struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

type LeaveRoom struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

type PlayerJoined struct {
	User engine.Player `json:"user"`
}

type PlayerLeft struct {
	PlayerID string `json:"playerId"`
}

type Error struct {
	Message string `json:"message"`
}

func Encode(ev Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev, err)
	}
	return json.Marshal(Envelope{Event: ev, Data: raw})
}

func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// Decode unpacks an envelope's data into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("decode %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return v, nil
}

package engine

import (
	"encoding/json"
	"fmt"
)

// Wire form of an action: {"type": "...", "payload": {...}}.
type wireAction struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startGamePayload struct {
	Config GameConfig `json:"config"`
}

type pressBuzzerPayload struct {
	Player Player `json:"player"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{Type: a.Type}
	var payload any
	switch a.Type {
	case ActSetState:
		if a.Patch != nil {
			payload = a.Patch
		}
	case ActStartGame:
		if a.Config != nil {
			payload = startGamePayload{Config: *a.Config}
		}
	case ActPressBuzzer:
		if a.Player != nil {
			payload = pressBuzzerPayload{Player: *a.Player}
		}
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts any type string; unknown types decode without a
// payload and are no-ops for Reduce.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{Type: w.Type}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}

	switch w.Type {
	case ActSetState:
		var p StatePatch
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		a.Patch = &p
	case ActStartGame:
		var p startGamePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		a.Config = &p.Config
	case ActPressBuzzer:
		var p pressBuzzerPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		a.Player = &p.Player
	}
	return nil
}

func (p StatePatch) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if p.RoomCode != nil {
		out["roomCode"] = *p.RoomCode
	}
	if p.Players != nil {
		out["players"] = *p.Players
	}
	if p.Phase != nil {
		out["phase"] = *p.Phase
	}
	if p.Config != nil {
		out["config"] = *p.Config
	}
	if p.BuzzerActive != nil {
		out["buzzerActive"] = *p.BuzzerActive
	}
	if p.BuzzerWinner != nil {
		out["buzzerWinner"] = *p.BuzzerWinner
	}
	if p.LockdownTimer != nil {
		out["lockdownTimer"] = *p.LockdownTimer
	}
	if p.IsLockdown != nil {
		out["isLockdown"] = *p.IsLockdown
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps "absent" and "null" apart for buzzerWinner so a patch
// can clear the winner explicitly.
func (p *StatePatch) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = StatePatch{}

	for key, raw := range fields {
		var err error
		switch key {
		case "roomCode":
			p.RoomCode = new(string)
			err = json.Unmarshal(raw, p.RoomCode)
		case "players":
			p.Players = new([]Player)
			err = json.Unmarshal(raw, p.Players)
		case "phase":
			p.Phase = new(Phase)
			err = json.Unmarshal(raw, p.Phase)
		case "config":
			p.Config = new(GameConfig)
			err = json.Unmarshal(raw, p.Config)
		case "buzzerActive":
			p.BuzzerActive = new(bool)
			err = json.Unmarshal(raw, p.BuzzerActive)
		case "buzzerWinner":
			p.BuzzerWinner = new(*Player)
			err = json.Unmarshal(raw, p.BuzzerWinner)
		case "lockdownTimer":
			p.LockdownTimer = new(int)
			err = json.Unmarshal(raw, p.LockdownTimer)
		case "isLockdown":
			p.IsLockdown = new(bool)
			err = json.Unmarshal(raw, p.IsLockdown)
		}
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
	}
	return nil
}

// SnapshotPatch turns a full state into a SET_STATE patch touching every field.
func SnapshotPatch(s RoomState) *StatePatch {
	players := clonePlayers(s.Players)
	winner := clonePlayer(s.BuzzerWinner)
	return &StatePatch{
		RoomCode:      &s.RoomCode,
		Players:       &players,
		Phase:         &s.Phase,
		Config:        &s.Config,
		BuzzerActive:  &s.BuzzerActive,
		BuzzerWinner:  &winner,
		LockdownTimer: &s.LockdownTimer,
		IsLockdown:    &s.IsLockdown,
	}
}

package engine

import "errors"

var ErrInvalidConfig = errors.New("invalid game config")
var ErrInvalidRoomCode = errors.New("invalid room code")
var ErrInvalidNickname = errors.New("invalid nickname")

type Mode string

const (
	ModeFFA        Mode = "ffa"
	ModeSingleBuzz Mode = "single_buzz"
)

type Phase string

const (
	PhaseLobby Phase = "lobby"
	PhaseGame  Phase = "game"
)

const (
	DefaultLockdownSec = 5
	MinLockdownSec     = 1
	MaxLockdownSec     = 60
)

type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix millis
}

type GameConfig struct {
	Mode               Mode   `json:"mode"`
	LockdownPeriod     int    `json:"lockdownPeriod"`
	DesignatedPlayerID string `json:"designatedPlayerId,omitempty"`
}

type RoomState struct {
	RoomCode      string     `json:"roomCode"`
	Players       []Player   `json:"players"`
	Phase         Phase      `json:"phase"`
	Config        GameConfig `json:"config"`
	BuzzerActive  bool       `json:"buzzerActive"`
	BuzzerWinner  *Player    `json:"buzzerWinner"`
	LockdownTimer int        `json:"lockdownTimer"`
	IsLockdown    bool       `json:"isLockdown"`
}

type ActionType string

const (
	ActSetState     ActionType = "SET_STATE"
	ActStartGame    ActionType = "START_GAME"
	ActPressBuzzer  ActionType = "PRESS_BUZZER"
	ActResetRound   ActionType = "RESET_ROUND"
	ActEndGame      ActionType = "END_GAME"
	ActTickLockdown ActionType = "TICK_LOCKDOWN"
)

// Action is one reducer input. Only the field matching Type is read:
// Patch for SET_STATE, Config for START_GAME, Player for PRESS_BUZZER.
type Action struct {
	Type   ActionType
	Patch  *StatePatch
	Config *GameConfig
	Player *Player
}

// StatePatch is a partial RoomState. Nil fields are left untouched by SET_STATE.
type StatePatch struct {
	RoomCode      *string
	Players       *[]Player
	Phase         *Phase
	Config        *GameConfig
	BuzzerActive  *bool
	BuzzerWinner  **Player // pointer to a nil *Player clears the winner
	LockdownTimer *int
	IsLockdown    *bool
}

/*
	SET_STATE      -> shallow merge, no invariant checks
	START_GAME     -> phase=game, buzzer armed, lockdown from config
	PRESS_BUZZER   -> first eligible press wins
	RESET_ROUND    -> START_GAME formula against the current config
	END_GAME       -> back to lobby, config and players kept
	TICK_LOCKDOWN  -> countdown by one second, never touches buzzerActive
*/

// Reduce computes the next room state. It is total: unknown action types and
// rejected presses return s unchanged.
func Reduce(s RoomState, a Action) RoomState {
	switch a.Type {
	case ActSetState:
		if a.Patch == nil {
			return s
		}
		return a.Patch.apply(s)

	case ActStartGame:
		if a.Config == nil {
			return s
		}
		next := s
		next.Config = *a.Config
		next.Phase = PhaseGame
		next.BuzzerActive = true
		next.BuzzerWinner = nil
		next.IsLockdown, next.LockdownTimer = lockdownFor(next.Config)
		return next

	case ActPressBuzzer:
		if a.Player == nil || !s.BuzzerActive || s.BuzzerWinner != nil {
			return s
		}
		if !canBuzz(s, a.Player.ID) {
			return s
		}
		winner := *a.Player
		next := s
		next.BuzzerActive = false
		next.BuzzerWinner = &winner
		next.IsLockdown = false
		next.LockdownTimer = 0
		return next

	case ActResetRound:
		next := s
		next.Phase = PhaseGame
		next.BuzzerActive = true
		next.BuzzerWinner = nil
		next.IsLockdown, next.LockdownTimer = lockdownFor(next.Config)
		return next

	case ActEndGame:
		next := s
		next.Phase = PhaseLobby
		next.BuzzerActive = false
		next.BuzzerWinner = nil
		return next

	case ActTickLockdown:
		next := s
		if !s.IsLockdown || s.LockdownTimer <= 0 {
			next.IsLockdown = false
			next.LockdownTimer = 0
			return next
		}
		next.LockdownTimer = s.LockdownTimer - 1
		next.IsLockdown = next.LockdownTimer > 0
		return next

	default:
		return s
	}
}

func lockdownFor(cfg GameConfig) (bool, int) {
	isFFA := cfg.Mode == ModeFFA
	isSingleBuzz := cfg.Mode == ModeSingleBuzz && cfg.DesignatedPlayerID != ""
	if !isFFA && !isSingleBuzz {
		return false, 0
	}
	period := cfg.LockdownPeriod
	if period <= 0 {
		period = DefaultLockdownSec
	}
	return true, period
}

// canBuzz is the fairness rule: while a lockdown is running only the
// designated player may press.
func canBuzz(s RoomState, playerID string) bool {
	lockdownActive := s.IsLockdown && s.LockdownTimer > 0
	if !lockdownActive {
		return true
	}
	return s.Config.DesignatedPlayerID != "" && s.Config.DesignatedPlayerID == playerID
}

func (p *StatePatch) apply(s RoomState) RoomState {
	next := s
	if p.RoomCode != nil {
		next.RoomCode = *p.RoomCode
	}
	if p.Players != nil {
		next.Players = *p.Players
	}
	if p.Phase != nil {
		next.Phase = *p.Phase
	}
	if p.Config != nil {
		next.Config = *p.Config
	}
	if p.BuzzerActive != nil {
		next.BuzzerActive = *p.BuzzerActive
	}
	if p.BuzzerWinner != nil {
		next.BuzzerWinner = *p.BuzzerWinner
	}
	if p.LockdownTimer != nil {
		next.LockdownTimer = *p.LockdownTimer
	}
	if p.IsLockdown != nil {
		next.IsLockdown = *p.IsLockdown
	}
	return next
}

package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	RoomCodeLength = 5
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	MinNicknameLen = 2
	MaxNicknameLen = 20
)

func DefaultConfig() GameConfig {
	return GameConfig{Mode: ModeFFA, LockdownPeriod: DefaultLockdownSec}
}

func NewRoomState(code string) RoomState {
	return RoomState{
		RoomCode: code,
		Players:  []Player{},
		Phase:    PhaseLobby,
		Config:   DefaultConfig(),
	}
}

// ValidateConfig checks a config on its own: known mode, lockdown in range,
// and a designated player for single buzz.
func ValidateConfig(cfg GameConfig) error {
	switch cfg.Mode {
	case ModeFFA, ModeSingleBuzz:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.LockdownPeriod < MinLockdownSec || cfg.LockdownPeriod > MaxLockdownSec {
		return fmt.Errorf("%w: lockdown period %d outside %d..%d",
			ErrInvalidConfig, cfg.LockdownPeriod, MinLockdownSec, MaxLockdownSec)
	}
	if cfg.Mode == ModeSingleBuzz && cfg.DesignatedPlayerID == "" {
		return fmt.Errorf("%w: single buzz needs a designated player", ErrInvalidConfig)
	}
	return nil
}

// ValidateConfigFor also requires the designated player to be in the room.
func ValidateConfigFor(s RoomState, cfg GameConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if cfg.Mode == ModeSingleBuzz && !HasPlayer(s, cfg.DesignatedPlayerID) {
		return fmt.Errorf("%w: designated player %q not in room", ErrInvalidConfig, cfg.DesignatedPlayerID)
	}
	return nil
}

func NormalizeRoomCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != RoomCodeLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, raw)
	}
	for _, r := range code {
		if !strings.ContainsRune(roomCodeChars, r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidRoomCode, raw)
		}
	}
	return code, nil
}

func GenerateRoomCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(roomCodeChars)))
	for i := 0; i < RoomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(roomCodeChars[n.Int64()])
	}
	return b.String(), nil
}

func ValidateNickname(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(name)
	if n < MinNicknameLen || n > MaxNicknameLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidNickname, n)
	}
	return name, nil
}

// AdminID is the oldest player in the room, or "" when it is empty.
func AdminID(s RoomState) string {
	if len(s.Players) == 0 {
		return ""
	}
	return s.Players[0].ID
}

func IsAdmin(s RoomState, playerID string) bool {
	return playerID != "" && AdminID(s) == playerID
}

func HasPlayer(s RoomState, playerID string) bool {
	return slices.ContainsFunc(s.Players, func(p Player) bool { return p.ID == playerID })
}

// WithPlayer appends p, or refreshes the entry if the id is already present.
// The input slice is never mutated.
func WithPlayer(s RoomState, p Player) RoomState {
	next := s
	next.Players = clonePlayers(s.Players)
	if i := slices.IndexFunc(next.Players, func(q Player) bool { return q.ID == p.ID }); i >= 0 {
		next.Players[i] = p
		return next
	}
	next.Players = append(next.Players, p)
	return next
}

func WithoutPlayer(s RoomState, playerID string) (RoomState, bool) {
	i := slices.IndexFunc(s.Players, func(p Player) bool { return p.ID == playerID })
	if i < 0 {
		return s, false
	}
	next := s
	next.Players = slices.Delete(clonePlayers(s.Players), i, i+1)
	return next, true
}

// Clone deep-copies the players slice and the winner.
func Clone(s RoomState) RoomState {
	next := s
	next.Players = clonePlayers(s.Players)
	next.BuzzerWinner = clonePlayer(s.BuzzerWinner)
	return next
}

func clonePlayers(ps []Player) []Player {
	if ps == nil {
		return []Player{}
	}
	return slices.Clone(ps)
}

func clonePlayer(p *Player) *Player {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

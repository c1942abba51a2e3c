package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/buzzer/internal/engine"
)

func TestParseStart(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want engine.GameConfig
	}{
		{"ffa default period", []string{"ffa"}, engine.GameConfig{Mode: engine.ModeFFA, LockdownPeriod: 5}},
		{"ffa with period", []string{"ffa", "10"}, engine.GameConfig{Mode: engine.ModeFFA, LockdownPeriod: 10}},
		{"single", []string{"single", "p2", "3"}, engine.GameConfig{Mode: engine.ModeSingleBuzz, LockdownPeriod: 3, DesignatedPlayerID: "p2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStart(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStartRejects(t *testing.T) {
	for _, args := range [][]string{nil, {"race"}, {"single"}, {"ffa", "soon"}} {
		_, err := parseStart(args)
		assert.ErrorIs(t, err, engine.ErrInvalidConfig, "%v", args)
	}
}

func TestRoomCode(t *testing.T) {
	code, err := roomCode(" abcde ")
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", code)

	code, err = roomCode("")
	require.NoError(t, err)
	assert.Len(t, code, engine.RoomCodeLength)
}

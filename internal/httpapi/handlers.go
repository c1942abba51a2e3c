package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/hub"
)

const (
	ServerName    = "Buzzer Éclair Game Server"
	ServerVersion = "1.0.0"

	// JavaScript's Date.toISOString layout.
	isoMillis = "2006-01-02T15:04:05.000Z"
)

// Connections is the live socket set the admin surface reports on and clears.
type Connections interface {
	ActiveConnections() int
	DisconnectAll() int
}

type API struct {
	Hub        *hub.Hub
	Conns      Connections
	AdminToken string
	Clock      clockwork.Clock
	Log        *zap.Logger
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.Hub.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		Rooms     int    `json:"rooms"`
		RoomCount int    `json:"roomCount"`
		Timestamp string `json:"timestamp"`
	}{"ok", rooms, rooms, a.Clock.Now().UTC().Format(isoMillis)})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.Hub.Count(r.Context())
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Name              string `json:"name"`
		Version           string `json:"version"`
		Rooms             int    `json:"rooms"`
		RoomCount         int    `json:"roomCount"`
		ActiveConnections int    `json:"activeConnections"`
	}{ServerName, ServerVersion, rooms, rooms, a.Conns.ActiveConnections()})
}

// Cleanup drops every client and room. The token must match exactly; an
// empty server token never matches.
func (a *API) Cleanup(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if a.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminToken)) != 1 {
		a.Log.Warn("cleanup rejected", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Unauthorized"})
		return
	}

	rooms, err := a.Hub.Cleanup(r.Context())
	if err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	conns := a.Conns.DisconnectAll()
	a.Log.Info("cleanup done", zap.Int("rooms", rooms), zap.Int("connections", conns))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleanup done"})
}

// CreateRoom hands out a code no live room uses. The room itself is created
// by the first join.
func (a *API) CreateRoom(w http.ResponseWriter, r *http.Request) {
	for {
		code, err := engine.GenerateRoomCode()
		if err != nil {
			http.Error(w, "failed to generate code", http.StatusInternalServerError)
			return
		}
		taken, err := a.Hub.Exists(r.Context(), code)
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		if taken {
			a.Log.Debug("collision on code, regenerating", zap.String("room", code))
			continue
		}

		writeJSON(w, http.StatusCreated, struct {
			Code string `json:"code"`
		}{Code: code})
		return
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

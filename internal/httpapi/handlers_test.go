package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/hub"
	"github.com/DoyleJ11/buzzer/internal/lobby"
)

type fakeConns struct {
	active       int
	disconnected int
}

func (f *fakeConns) ActiveConnections() int { return f.active }

func (f *fakeConns) DisconnectAll() int {
	f.disconnected = f.active
	f.active = 0
	return f.disconnected
}

func newTestAPI(t *testing.T, token string) (http.Handler, *API, *fakeConns) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	conns := &fakeConns{active: 3}
	a := &API{
		Hub:        hub.NewHub(ctx, clock, zap.NewNop()),
		Conns:      conns,
		AdminToken: token,
		Clock:      clock,
		Log:        zap.NewNop(),
	}
	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	return SetupRoutes(a, relay, []string{"*"}), a, conns
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func addRoom(t *testing.T, a *API, code string) {
	t.Helper()
	err := a.Hub.AddPlayer(context.Background(), code, "c-"+code, engine.Player{ID: "p-" + code, Name: "Host"}, make(chan lobby.Event, 8))
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	h, a, _ := newTestAPI(t, "")
	addRoom(t, a, "ABCDE")

	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["rooms"])
	assert.EqualValues(t, 1, body["roomCount"])
	assert.Equal(t, "2024-03-01T12:00:00.000Z", body["timestamp"])
}

func TestInfo(t *testing.T) {
	h, _, _ := newTestAPI(t, "")

	rec, body := do(t, h, http.MethodGet, "/info")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ServerName, body["name"])
	assert.Equal(t, ServerVersion, body["version"])
	assert.EqualValues(t, 0, body["rooms"])
	assert.EqualValues(t, 0, body["roomCount"])
	assert.EqualValues(t, 3, body["activeConnections"])
}

func TestCleanup(t *testing.T) {
	cases := []struct {
		name       string
		serverTok  string
		query      string
		wantStatus int
		wantRooms  int
	}{
		{"missing token", "s3cret", "", http.StatusForbidden, 2},
		{"wrong token", "s3cret", "?token=nope", http.StatusForbidden, 2},
		{"no server token", "", "?token=", http.StatusForbidden, 2},
		{"match", "s3cret", "?token=s3cret", http.StatusOK, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, a, conns := newTestAPI(t, tc.serverTok)
			addRoom(t, a, "ROOM1")
			addRoom(t, a, "ROOM2")

			rec, body := do(t, h, http.MethodPost, "/admin/cleanup"+tc.query)
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusForbidden {
				assert.Equal(t, "Unauthorized", body["error"])
				assert.Zero(t, conns.disconnected)
			} else {
				assert.Equal(t, "cleanup done", body["status"])
				assert.Equal(t, 3, conns.disconnected)
			}

			n, err := a.Hub.Count(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wantRooms, n)
		})
	}
}

func TestCreateRoomReturnsFreeCode(t *testing.T) {
	h, a, _ := newTestAPI(t, "")

	rec, body := do(t, h, http.MethodPost, "/rooms")
	require.Equal(t, http.StatusCreated, rec.Code)
	code, _ := body["code"].(string)
	norm, err := engine.NormalizeRoomCode(code)
	require.NoError(t, err)
	assert.Equal(t, code, norm)

	ok, err := a.Hub.Exists(context.Background(), code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWebsocketRouteIsMounted(t *testing.T) {
	h, _, _ := newTestAPI(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

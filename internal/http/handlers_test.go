package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

type fakeHolder struct{ calls int }

func (f *fakeHolder) Hold(context.Context, float64, string, string) (string, error) {
	f.calls++
	return "pi_test", nil
}

type apiFixture struct {
	srv      *httptest.Server
	store    *storage.MemoryStore
	presence *presence.Memory
	engine   *dispatch.Engine
	tokens   *auth.Manager
	holder   *fakeHolder
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	reg := presence.NewMemory()
	hub := transport.NewHub(presence.Tracker{Registry: reg, Logger: logger}, logger, transport.HubOptions{MessagesPerSecond: 50, Burst: 50})
	engine := dispatch.NewEngine(store, reg, hub, dispatch.Policy{
		MaxRounds:           2,
		PerCandidateTimeout: 2 * time.Second,
		InterRoundDelay:     10 * time.Millisecond,
		SessionDeadline:     5 * time.Second,
		Strategy:            dispatch.Broadcast,
		EmptyRound:          dispatch.FailFast,
	}, logger)
	tokens, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	holder := &fakeHolder{}

	s := NewServer(Deps{Engine: engine, Store: store, Presence: reg, Hub: hub, Auth: tokens, Payments: holder, Logger: logger})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		hub.Close()
		srv.Close()
	})
	return &apiFixture{srv: srv, store: store, presence: reg, engine: engine, tokens: tokens, holder: holder}
}

func (a *apiFixture) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := a.tokens.Issue(subject, role)
	require.NoError(t, err)
	return tok
}

func (a *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func rideBody() map[string]any {
	return map[string]any{
		"trip_details": map[string]any{
			"origin":      map[string]any{"coord": map[string]float64{"lat": 12.97, "lon": 77.59}, "label": "MG Road"},
			"destination": map[string]any{"coord": map[string]float64{"lat": 12.93, "lon": 77.62}, "label": "Koramangala"},
		},
		"service_details": map[string]any{"vehicle_class": "auto", "price": 140},
	}
}

func (a *apiFixture) connectRider(t *testing.T, riderID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws/riders/" + riderID + "?access_token=" + a.token(t, riderID, auth.RoleRider)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "sync", "vehicle_class": "auto"}))
	require.Eventually(t, func() bool {
		r, err := a.presence.Get(context.Background(), riderID)
		return err == nil && r.Availability == models.Online && r.Handle != ""
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, ws.ReadJSON(&m))
		if m["type"] == typ {
			return m
		}
	}
}

func (a *apiFixture) waitStatus(t *testing.T, rideID string, want models.RideStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := a.store.GetRide(context.Background(), rideID)
		return err == nil && r.Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCreateRideRequiresToken(t *testing.T) {
	a := newAPI(t)
	resp, _ := a.do(t, http.MethodPost, "/api/v1/rides", "", rideBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/rides", a.token(t, "r1", auth.RoleRider), rideBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateRideValidates(t *testing.T) {
	a := newAPI(t)
	body := rideBody()
	body["service_details"] = map[string]any{"price": 10}
	resp, out := a.do(t, http.MethodPost, "/api/v1/rides", a.token(t, "u1", auth.RoleUser), body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "vehicle_class")
}

func TestCreateRideWithoutRidersEndsUnmatched(t *testing.T) {
	a := newAPI(t)
	user := a.token(t, "u1", auth.RoleUser)
	resp, out := a.do(t, http.MethodPost, "/api/v1/rides", user, rideBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ride := out["ride"].(map[string]any)
	rideID := ride["id"].(string)
	assert.Len(t, ride["otp"], 4)
	assert.Equal(t, "u1", ride["user_id"])
	assert.Equal(t, 1, a.holder.calls)

	a.waitStatus(t, rideID, models.RideUnmatched)
	resp, out = a.do(t, http.MethodGet, "/api/v1/rides/"+rideID, user, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UNMATCHED", out["status"])

	resp, _ = a.do(t, http.MethodGet, "/api/v1/rides/"+rideID, a.token(t, "u2", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/dispatch", user, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRiderAcceptsOverWebsocket(t *testing.T) {
	a := newAPI(t)
	ws := a.connectRider(t, "r1")
	user := a.token(t, "u1", auth.RoleUser)

	resp, out := a.do(t, http.MethodPost, "/api/v1/rides", user, rideBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rideID := out["ride"].(map[string]any)["id"].(string)

	offer := readUntil(t, ws, "ride:offer")
	assert.Equal(t, rideID, offer["ride_id"])

	require.Eventually(t, func() bool {
		resp, out := a.do(t, http.MethodGet, "/api/v1/rides/"+rideID+"/dispatch", user, nil)
		return resp.StatusCode == http.StatusOK && out["state"] == "WAITING"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ride:accept", "ride_id": rideID}))
	confirmed := readUntil(t, ws, "ride:confirmed")
	assert.Equal(t, rideID, confirmed["ride_id"])
	a.waitStatus(t, rideID, models.RideAssigned)

	resp, out = a.do(t, http.MethodGet, "/api/v1/rides/"+rideID, a.token(t, "r1", auth.RoleRider), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", out["assigned_rider_id"])

	// user cancels after assignment; the rider is told and freed
	resp, out = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/cancel", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", out["status"])
	readUntil(t, ws, "ride:cancelled")
	rider, err := a.presence.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Online, rider.Availability)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/cancel", user, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRiderBailOutRestartsDispatch(t *testing.T) {
	a := newAPI(t)
	ws := a.connectRider(t, "r1")
	user := a.token(t, "u1", auth.RoleUser)

	_, out := a.do(t, http.MethodPost, "/api/v1/rides", user, rideBody())
	rideID := out["ride"].(map[string]any)["id"].(string)
	readUntil(t, ws, "ride:offer")
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ride:accept", "ride_id": rideID}))
	readUntil(t, ws, "ride:confirmed")
	a.waitStatus(t, rideID, models.RideAssigned)

	resp, _ := a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/bail", a.token(t, "r2", auth.RoleRider), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, out = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/bail", a.token(t, "r1", auth.RoleRider), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "released", out["status"])

	// r1 went offline and nobody else is around
	a.waitStatus(t, rideID, models.RideUnmatched)
	rider, err := a.presence.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Offline, rider.Availability)
}

func TestRiderOnRideKeepsRideUntilComplete(t *testing.T) {
	a := newAPI(t)
	ws := a.connectRider(t, "r1")
	user := a.token(t, "u1", auth.RoleUser)
	rider := a.token(t, "r1", auth.RoleRider)

	_, out := a.do(t, http.MethodPost, "/api/v1/rides", user, rideBody())
	rideID := out["ride"].(map[string]any)["id"].(string)
	readUntil(t, ws, "ride:offer")
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ride:accept", "ride_id": rideID}))
	readUntil(t, ws, "ride:confirmed")
	a.waitStatus(t, rideID, models.RideAssigned)

	resp, _ := a.do(t, http.MethodPost, "/api/v1/riders/r1/availability", rider, map[string]string{"availability": "ONLINE"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "status", "availability": "OFFLINE"}))
	refused := readUntil(t, ws, "ride:error")
	assert.Contains(t, refused["message"], "already on a ride")

	resp, _ = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", a.token(t, "r2", auth.RoleRider), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, out = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", rider, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", out["status"])
	freed, err := a.presence.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Online, freed.Availability)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/rides/"+rideID+"/complete", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAvailabilityEndpoint(t *testing.T) {
	a := newAPI(t)
	rider := a.token(t, "r1", auth.RoleRider)

	resp, out := a.do(t, http.MethodPost, "/api/v1/riders/r1/availability", rider, map[string]string{"availability": "INACTIVE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "INACTIVE", out["availability"])

	resp, _ = a.do(t, http.MethodPost, "/api/v1/riders/r1/availability", rider, map[string]string{"availability": "ON_RIDE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/riders/r2/availability", rider, map[string]string{"availability": "ONLINE"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDispatchStatusWithoutSession(t *testing.T) {
	a := newAPI(t)
	require.NoError(t, a.store.SaveRide(context.Background(), &models.Ride{ID: "ride1", UserID: "u1", Status: models.RideCompleted}))
	resp, out := a.do(t, http.MethodGet, "/api/v1/rides/ride1/dispatch", a.token(t, "op", auth.RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "COMPLETED", out["status"])

	resp, _ = a.do(t, http.MethodGet, "/api/v1/rides/missing", a.token(t, "op", auth.RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRiderSocketRejectsOtherRidersToken(t *testing.T) {
	a := newAPI(t)
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws/riders/r1?access_token=" + a.token(t, "r2", auth.RoleRider)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	a := newAPI(t)
	resp, out := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(dispatch.ErrNotSearching))
	assert.Equal(t, http.StatusConflict, statusFor(presence.ErrRiderBusy))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(dispatch.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

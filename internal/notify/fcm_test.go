package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type captured struct {
	auth    string
	message fcmMessage
}

func fcmServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]fcmMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, captured{auth: r.Header.Get("Authorization"), message: body["message"]})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestPushAssignedReachesUserAndRider(t *testing.T) {
	srv, got := fcmServer(t, http.StatusOK)
	p := NewFCMPusher(srv.URL, "secret")

	ride := models.Ride{ID: "ride1", UserID: "u1", Status: models.RideAssigned, AssignedRiderID: "r1", OTP: "1234"}
	require.NoError(t, p.RideChanged(context.Background(), ride, "accepted"))

	msgs := got()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Bearer secret", msgs[0].auth)
	assert.Equal(t, "user-u1", msgs[0].message.Topic)
	assert.Contains(t, msgs[0].message.Notification.Body, "1234")
	assert.Equal(t, "rider-r1", msgs[1].message.Topic)
	assert.Equal(t, "r1", msgs[1].message.Data["rider_id"])
}

func TestPushSkipsSearching(t *testing.T) {
	srv, got := fcmServer(t, http.StatusOK)
	p := NewFCMPusher(srv.URL, "")
	require.NoError(t, p.RideChanged(context.Background(), models.Ride{ID: "ride1", Status: models.RideSearching}, "created"))
	assert.Empty(t, got())
}

func TestPushReportsServerErrors(t *testing.T) {
	srv, got := fcmServer(t, http.StatusInternalServerError)
	p := NewFCMPusher(srv.URL, "")
	err := p.RideChanged(context.Background(), models.Ride{ID: "ride1", UserID: "u1", Status: models.RideUnmatched}, "rounds_exhausted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	require.Len(t, got(), 1)
	assert.Equal(t, "UNMATCHED", got()[0].message.Data["status"])
}

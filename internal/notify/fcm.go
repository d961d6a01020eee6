// Package notify pushes ride outcomes to users and riders who may not be
// connected right now. Delivery is best effort.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FCMPusher posts JSON to an FCM HTTP v1 style endpoint. Messages are
// addressed to per-account topics ("user-<id>", "rider-<id>").
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmMessage struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

// RideChanged pushes ASSIGNED, CANCELLED and UNMATCHED transitions; other
// statuses are ignored.
func (f *FCMPusher) RideChanged(ctx context.Context, ride models.Ride, reason string) error {
	data := map[string]string{"ride_id": ride.ID, "status": string(ride.Status), "reason": reason}
	switch ride.Status {
	case models.RideAssigned:
		data["rider_id"] = ride.AssignedRiderID
		if err := f.push(ctx, "user-"+ride.UserID, fcmNotification{"Driver found", "Your driver is on the way. Share OTP " + ride.OTP + " to start the trip."}, data); err != nil {
			return err
		}
		return f.push(ctx, "rider-"+ride.AssignedRiderID, fcmNotification{"Ride confirmed", "Head to " + ride.Trip.Origin.Label}, data)
	case models.RideCancelled:
		return f.push(ctx, "user-"+ride.UserID, fcmNotification{"Ride cancelled", "Your ride was cancelled."}, data)
	case models.RideUnmatched:
		return f.push(ctx, "user-"+ride.UserID, fcmNotification{"No driver found", "No driver accepted your ride. Please try again."}, data)
	}
	return nil
}

func (f *FCMPusher) push(ctx context.Context, topic string, n fcmNotification, data map[string]string) error {
	b, err := json.Marshal(map[string]fcmMessage{"message": {Topic: topic, Notification: n, Data: data}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm push %s: %w", topic, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push %s: status %d", topic, resp.StatusCode)
	}
	return nil
}

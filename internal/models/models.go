package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a labelled point such as a pickup or drop address.
type Place struct {
	Coord Coord  `json:"coord"`
	Label string `json:"label"`
}

type TripDetails struct {
	Origin      Place `json:"origin"`
	Destination Place `json:"destination"`
}

type ServiceDetails struct {
	VehicleClass    string  `json:"vehicle_class"`
	Price           float64 `json:"price"`
	Currency        string  `json:"currency,omitempty"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
}

type RideStatus string

const (
	RideSearching RideStatus = "SEARCHING"
	RideAssigned  RideStatus = "ASSIGNED"
	RideCancelled RideStatus = "CANCELLED"
	RideCompleted RideStatus = "COMPLETED"
	RideUnmatched RideStatus = "UNMATCHED"
)

// Terminal reports whether no further dispatch transition is possible.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCancelled, RideCompleted, RideUnmatched:
		return true
	}
	return false
}

// Ride is the durable record the dispatcher matches to a rider.
// AssignedRiderID is non-empty iff Status is ASSIGNED.
type Ride struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Trip            TripDetails    `json:"trip_details"`
	Service         ServiceDetails `json:"service_details"`
	Status          RideStatus     `json:"status"`
	AssignedRiderID string         `json:"assigned_rider_id,omitempty"`
	OTP             string         `json:"otp,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type Availability string

const (
	Online   Availability = "ONLINE"
	Offline  Availability = "OFFLINE"
	OnRide   Availability = "ON_RIDE"
	Inactive Availability = "INACTIVE"
)

func (a Availability) Valid() bool {
	switch a {
	case Online, Offline, OnRide, Inactive:
		return true
	}
	return false
}

// Rider is a driver as seen by the presence registry. Handle identifies the
// live connection and is empty while the rider is disconnected.
type Rider struct {
	ID           string       `json:"id"`
	Handle       string       `json:"handle,omitempty"`
	Availability Availability `json:"availability"`
	VehicleClass string       `json:"vehicle_class"`
	RideID       string       `json:"ride_id,omitempty"`
	OnlineSince  time.Time    `json:"online_since,omitempty"`
	Updated      time.Time    `json:"updated"`
}

// Offer is what a candidate sees when the dispatcher proposes a ride.
type Offer struct {
	RideID    string         `json:"ride_id"`
	Trip      TripDetails    `json:"trip_details"`
	Service   ServiceDetails `json:"service_details"`
	Round     int            `json:"round"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Decision is a rider's answer to an offer, correlated by (RiderID, RideID).
type Decision struct {
	RiderID  string    `json:"rider_id"`
	RideID   string    `json:"ride_id"`
	Accepted bool      `json:"accepted"`
	At       time.Time `json:"at"`
}

type Outcome int

const (
	OutcomeTimedOut Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "timed_out"
	}
}

type NoticeType string

const (
	NoticeOffer       NoticeType = "ride:offer"
	NoticeConfirmed   NoticeType = "ride:confirmed"
	NoticeUnavailable NoticeType = "ride:unavailable"
	NoticeCancelled   NoticeType = "ride:cancelled"
	NoticeError       NoticeType = "ride:error"
)

// Notice is an outbound message to a single rider that is not an offer.
type Notice struct {
	Type    NoticeType `json:"type"`
	RideID  string     `json:"ride_id"`
	Message string     `json:"message,omitempty"`
	Ride    *Ride      `json:"ride,omitempty"`
}

// RideRequest is the body accepted by the ride creation endpoint.
type RideRequest struct {
	UserID  string         `json:"user_id"`
	Trip    TripDetails    `json:"trip_details"`
	Service ServiceDetails `json:"service_details"`
}

// RideEvent is published whenever a ride changes status.
type RideEvent struct {
	RideID   string     `json:"ride_id"`
	UserID   string     `json:"user_id"`
	Status   RideStatus `json:"status"`
	RiderID  string     `json:"rider_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Occurred time.Time  `json:"occurred"`
}

// PresenceEvent is consumed from the presence topic by cmd/consumer.
type PresenceEvent struct {
	RiderID      string       `json:"rider_id"`
	Availability Availability `json:"availability"`
	VehicleClass string       `json:"vehicle_class"`
	Handle       string       `json:"handle"`
}

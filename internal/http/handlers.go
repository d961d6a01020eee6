package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

// PaymentHolder places a card hold for a new ride.
type PaymentHolder interface {
	Hold(ctx context.Context, price float64, currency, customerID string) (string, error)
}

// Deps are the collaborators the API serves. Auth and Payments are optional;
// without Auth every caller is treated as an operator.
type Deps struct {
	Engine   *dispatch.Engine
	Store    storage.RideStore
	Presence presence.Registry
	Hub      *transport.Hub
	Auth     *auth.Manager
	Payments PaymentHolder
	Logger   *slog.Logger
}

type Server struct {
	engine   *dispatch.Engine
	store    storage.RideStore
	presence presence.Registry
	hub      *transport.Hub
	auth     *auth.Manager
	payments PaymentHolder
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:   d.Engine,
		store:    d.Store,
		presence: d.Presence,
		hub:      d.Hub,
		auth:     d.Auth,
		payments: d.Payments,
		logger:   d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.authed(s.handleCreateRide, auth.RoleUser, auth.RoleOperator)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.authed(s.handleGetRide, auth.RoleUser, auth.RoleRider, auth.RoleOperator)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.authed(s.handleBeginDispatch, auth.RoleUser, auth.RoleOperator)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/dispatch", s.authed(s.handleDispatchStatus, auth.RoleUser, auth.RoleOperator)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.authed(s.handleCancel, auth.RoleUser, auth.RoleOperator)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/bail", s.authed(s.handleBail, auth.RoleRider)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.authed(s.handleComplete, auth.RoleRider, auth.RoleOperator)).Methods(http.MethodPost)
	api.HandleFunc("/riders/{id}/availability", s.authed(s.handleAvailability, auth.RoleRider, auth.RoleOperator)).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/riders/{rider_id}", s.authed(s.handleRiderSocket, auth.RoleRider)).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.engine.Active()})
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideResponse struct {
	Ride     *models.Ride      `json:"ride"`
	Dispatch dispatch.Snapshot `json:"dispatch"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if id.Role == auth.RoleUser {
		rr.UserID = id.Subject
	}
	if msg := validateRideRequest(rr); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	otp, err := newOTP()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ride := &models.Ride{
		ID:      uuid.NewString(),
		UserID:  rr.UserID,
		Trip:    rr.Trip,
		Service: rr.Service,
		OTP:     otp,
	}
	ride.CreatedAt = time.Now().UTC()
	ride.UpdatedAt = ride.CreatedAt
	ride.Service.PaymentIntentID = ""
	if s.payments != nil && ride.Service.Price > 0 {
		piID, err := s.payments.Hold(r.Context(), ride.Service.Price, ride.Service.Currency, "")
		if err != nil {
			s.logger.Warn("payment_hold_failed", "user_id", ride.UserID, "err", err)
			writeError(w, http.StatusPaymentRequired, "could not place payment hold")
			return
		}
		ride.Service.PaymentIntentID = piID
	}

	snap, err := s.engine.CreateRide(r.Context(), ride)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("ride_created", "ride_id", ride.ID, "user_id", ride.UserID, "vehicle_class", ride.Service.VehicleClass)
	writeJSON(w, http.StatusCreated, createRideResponse{Ride: ride, Dispatch: snap})
}

func validateRideRequest(rr models.RideRequest) string {
	switch {
	case strings.TrimSpace(rr.UserID) == "":
		return "user_id is required"
	case strings.TrimSpace(rr.Service.VehicleClass) == "":
		return "service_details.vehicle_class is required"
	case rr.Service.Price < 0:
		return "service_details.price must not be negative"
	case !validCoord(rr.Trip.Origin.Coord) || !validCoord(rr.Trip.Destination.Coord):
		return "trip_details coordinates out of range"
	}
	return ""
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	id := identity(r)
	if id.Role == auth.RoleRider && ride.AssignedRiderID != id.Subject {
		writeError(w, http.StatusForbidden, "ride not assigned to you")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleBeginDispatch(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.BeginDispatch(r.Context(), ride.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	snap, live := s.engine.Snapshot(ride.ID)
	if !live {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no live dispatch session", "status": ride.Status})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.loadRide(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), ride.ID, dispatch.UserCancelled, ""); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeRide(w, r, ride.ID)
}

func (s *Server) handleBail(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	id := identity(r)
	if err := s.engine.Cancel(r.Context(), rideID, dispatch.RiderBailedOut, id.Subject); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ride_id": rideID, "status": "released"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	riderID := ""
	if id := identity(r); id.Role == auth.RoleRider {
		riderID = id.Subject
	}
	if err := s.engine.Complete(r.Context(), rideID, riderID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeRide(w, r, rideID)
}

type availabilityRequest struct {
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["id"]
	id := identity(r)
	if id.Role == auth.RoleRider && id.Subject != riderID {
		writeError(w, http.StatusForbidden, "cannot change another rider")
		return
	}
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.presence.SetAvailability(r.Context(), riderID, req.Availability); err != nil {
		s.fail(w, r, err)
		return
	}
	rider, err := s.presence.Get(r.Context(), riderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

func (s *Server) handleRiderSocket(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	if id := identity(r); id.Role == auth.RoleRider && id.Subject != riderID {
		writeError(w, http.StatusForbidden, "token does not belong to this rider")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "rider_id", riderID, "err", err)
		return
	}
	s.hub.Serve(r.Context(), riderID, conn)
}

// loadRide fetches the {id} ride and checks that a user caller owns it.
func (s *Server) loadRide(w http.ResponseWriter, r *http.Request) (*models.Ride, bool) {
	ride, err := s.store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if id := identity(r); id.Role == auth.RoleUser && ride.UserID != id.Subject {
		writeError(w, http.StatusForbidden, "ride belongs to another user")
		return nil, false
	}
	return ride, true
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, rideID string) {
	ride, err := s.store.GetRide(r.Context(), rideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, presence.ErrUnknownRider):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, dispatch.ErrNotSearching), errors.Is(err, presence.ErrRiderBusy):
		return http.StatusConflict
	case errors.Is(err, presence.ErrInvalidAvailability), errors.Is(err, dispatch.ErrInvalidActor):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

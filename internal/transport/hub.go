package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrNoSession = errors.New("transport: rider not connected")
	// ErrSlowConsumer means the rider's outbound buffer is full.
	ErrSlowConsumer = errors.New("transport: rider send buffer full")
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
	maxFrameSize = 1 << 16
)

// Inbound receives connection lifecycle signals from rider sockets.
type Inbound interface {
	Sync(ctx context.Context, riderID, handle, vehicleClass string) error
	SetStatus(ctx context.Context, riderID string, a models.Availability) error
	Disconnected(ctx context.Context, riderID, handle string)
}

// HubOptions tunes per-connection limits.
type HubOptions struct {
	MessagesPerSecond float64
	Burst             int
}

// Hub holds one websocket session per rider and correlates their decisions.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	corr    *Correlator
	inbound Inbound
	logger  *slog.Logger
	opts    HubOptions
}

func NewHub(inbound Inbound, logger *slog.Logger, opts HubOptions) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Hub{
		conns:   make(map[string]*Conn),
		corr:    NewCorrelator(),
		inbound: inbound,
		logger:  logger,
		opts:    opts,
	}
}

// Conn is a connected rider client.
type Conn struct {
	riderID string
	handle  string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrNoSession
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSlowConsumer
	}
}

type inboundMessage struct {
	Type         string              `json:"type"`
	RideID       string              `json:"ride_id"`
	VehicleClass string              `json:"vehicle_class"`
	Availability models.Availability `json:"availability"`
}

type offerMessage struct {
	Type   models.NoticeType `json:"type"`
	RideID string            `json:"ride_id"`
	Offer  models.Offer      `json:"offer"`
}

// Serve owns ws until the client goes away. A newer connection for the same
// rider replaces and closes an older one.
func (h *Hub) Serve(ctx context.Context, riderID string, ws *websocket.Conn) {
	c := &Conn{
		riderID: riderID,
		handle:  uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst),
	}
	h.mu.Lock()
	old := h.conns[riderID]
	h.conns[riderID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	} else {
		observability.RidersOnline.Inc()
	}
	h.logger.Info("rider_connected", "rider_id", riderID, "handle", c.handle)

	go h.writePump(c)
	h.readPump(ctx, c)

	c.close()
	h.mu.Lock()
	current := h.conns[riderID] == c
	if current {
		delete(h.conns, riderID)
	}
	h.mu.Unlock()
	if current {
		observability.RidersOnline.Dec()
	}
	h.inbound.Disconnected(context.WithoutCancel(ctx), riderID, c.handle)
	h.logger.Info("rider_disconnected", "rider_id", riderID, "handle", c.handle)
}

func (h *Hub) readPump(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws_read_failed", "rider_id", c.riderID, "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			h.logger.Warn("ws_rate_limited", "rider_id", c.riderID)
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("ws_bad_frame", "rider_id", c.riderID, "err", err)
			continue
		}
		h.handle(ctx, c, msg)
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, msg inboundMessage) {
	switch msg.Type {
	case "sync":
		if err := h.inbound.Sync(ctx, c.riderID, c.handle, msg.VehicleClass); err != nil {
			h.logger.Error("rider_sync_failed", "rider_id", c.riderID, "err", err)
		}
	case "status":
		if err := h.inbound.SetStatus(ctx, c.riderID, msg.Availability); err != nil {
			h.logger.Warn("rider_status_failed", "rider_id", c.riderID, "availability", msg.Availability, "err", err)
			_ = c.enqueue(noticeFrame(models.Notice{Type: models.NoticeError, Message: err.Error()}))
		}
	case "ride:accept", "ride:reject":
		h.Decide(ctx, models.Decision{
			RiderID:  c.riderID,
			RideID:   msg.RideID,
			Accepted: msg.Type == "ride:accept",
			At:       time.Now(),
		})
	default:
		h.logger.Warn("ws_unknown_type", "rider_id", c.riderID, "type", msg.Type)
	}
}

// Decide routes a rider decision to the waiting session. A stale acceptance
// is answered with ride:unavailable and otherwise ignored.
func (h *Hub) Decide(ctx context.Context, d models.Decision) bool {
	if h.corr.Deliver(d) {
		return true
	}
	observability.StaleDecisions.Inc()
	h.logger.Debug("stale_decision", "rider_id", d.RiderID, "ride_id", d.RideID, "accepted", d.Accepted)
	if d.Accepted {
		_ = h.Notify(ctx, d.RiderID, models.Notice{Type: models.NoticeUnavailable, RideID: d.RideID, Message: "ride no longer available"})
	}
	return false
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Warn("ws_send_error", "rider_id", c.riderID, "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func noticeFrame(n models.Notice) []byte {
	b, _ := json.Marshal(n)
	return b
}

func (h *Hub) conn(riderID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[riderID]
	return c, ok
}

// Offer queues an offer for the rider's current connection. It fails when
// the handle the registry knows is not the live one.
func (h *Hub) Offer(_ context.Context, rider models.Rider, offer models.Offer) error {
	c, ok := h.conn(rider.ID)
	if !ok || (rider.Handle != "" && c.handle != rider.Handle) {
		return ErrNoSession
	}
	b, err := json.Marshal(offerMessage{Type: models.NoticeOffer, RideID: offer.RideID, Offer: offer})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (h *Hub) Notify(_ context.Context, riderID string, n models.Notice) error {
	c, ok := h.conn(riderID)
	if !ok {
		return ErrNoSession
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (h *Hub) Expect(riderID, rideID string, ch chan<- models.Decision) func() {
	return h.corr.Expect(riderID, rideID, ch)
}

func (h *Hub) Connected(riderID string) bool {
	_, ok := h.conn(riderID)
	return ok
}

// Close drops every rider connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

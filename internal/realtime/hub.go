// Package realtime streams committed reputation awards over WebSocket.
//
// Clients connect to /ws and receive an award event for every committed
// award, plus a level_up event when an award moves a member into a new
// level. New food listings are announced with a notification event. A
// client can narrow the feed to specific members with ?user_id= or by
// sending a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shareandsave/marketplace/internal/metrics"
	"github.com/shareandsave/marketplace/internal/reputation"
)

// EventType for real-time events
type EventType string

const (
	EventAward        EventType = "award"
	EventLevelUp      EventType = "level_up"
	EventNotification EventType = "notification"
)

// Event is one message on the feed. Award events carry Data, notification
// events carry Notice.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Award    `json:"data,omitempty"`
	Notice    *Notice   `json:"notice,omitempty"`
}

// subject is the member an event is about.
func (ev *Event) subject() (int64, bool) {
	switch {
	case ev.Data != nil:
		return ev.Data.UserID, true
	case ev.Notice != nil:
		return ev.Notice.ActorID, true
	}
	return 0, false
}

// Award is the payload of award and level_up events
type Award struct {
	UserID          int64                 `json:"user_id"`
	Action          reputation.ActionKind `json:"action"`
	Points          int                   `json:"points"`
	Description     string                `json:"description"`
	RelatedItemID   *int64                `json:"related_item_id,omitempty"`
	RelatedItemType *string               `json:"related_item_type,omitempty"`
	TotalPoints     int                   `json:"reputation_points"`
	Level           string                `json:"reputation_level"`
	PreviousLevel   string                `json:"previous_level,omitempty"`
}

// Notice is the payload of notification events. ActorID is the member
// whose action produced it.
type Notice struct {
	ActorID       int64  `json:"actor_id"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	RelatedItemID *int64 `json:"related_item_id,omitempty"`
	Recipients    int    `json:"recipients"`
}

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	AllEvents  bool        `json:"all_events"`
	EventTypes []EventType `json:"event_types"`
	UserIDs    []int64     `json:"user_ids"`
}

// Matches reports whether ev passes the filter.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.UserIDs) > 0 {
		id, ok := ev.subject()
		return ok && slices.Contains(s.UserIDs, id)
	}
	return true
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// broadcastBuffer bounds events queued ahead of the hub loop.
const broadcastBuffer = 256

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
	TotalClients     int64 `json:"total_clients"`
	PeakClients      int64 `json:"peak_clients"`
}

// Hub fans events out to connected clients. All membership changes go
// through the Run loop.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	broadcast chan *Event
	joins     chan *Client
	leaves    chan *Client
	done      chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}

	running       atomic.Bool
	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		broadcast:  make(chan *Event, broadcastBuffer),
		joins:      make(chan *Client),
		leaves:     make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.joins:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.leaves:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// drop removes c and closes its send channel. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// deliver encodes ev once and queues it for every matching client. Clients
// whose queue is full are disconnected.
func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	h.mu.Unlock()
	h.logger.Warn("disconnected slow websocket clients", "count", len(slow))
}

// join hands c to the loop. It returns false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.joins <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave asks the loop to forget c. It never blocks after the hub stopped.
func (h *Hub) leave(c *Client) {
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

// Running reports whether the hub loop is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Broadcast queues an event. Events are dropped when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", ev.Type)
	}
}

// BroadcastAward publishes a committed award, and a level_up event when
// the award changed the member's level.
func (h *Hub) BroadcastAward(entry reputation.Entry, state reputation.State) {
	data := &Award{
		UserID:          entry.UserID,
		Action:          entry.Action,
		Points:          entry.PointsEarned,
		Description:     entry.Description,
		RelatedItemID:   entry.RelatedItemID,
		RelatedItemType: entry.RelatedItemType,
		TotalPoints:     state.ReputationPoints,
		Level:           reputation.Level(state.ReputationPoints),
	}
	h.Broadcast(&Event{Type: EventAward, Timestamp: entry.CreatedAt, Data: data})

	if prev := reputation.Level(state.ReputationPoints - entry.PointsEarned); prev != data.Level {
		up := *data
		up.PreviousLevel = prev
		h.Broadcast(&Event{Type: EventLevelUp, Timestamp: entry.CreatedAt, Data: &up})
	}
}

// BroadcastNotice publishes a notification fan-out.
func (h *Hub) BroadcastNotice(n Notice, at time.Time) {
	h.Broadcast(&Event{Type: EventNotification, Timestamp: at, Notice: &n})
}

// Listener adapts the hub to the award engine's committed-award hook.
func (h *Hub) Listener() reputation.Listener {
	return func(_ context.Context, entry reputation.Entry, state reputation.State) {
		h.BroadcastAward(entry, state)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// Package realtime pushes new-message events to connected agent dashboards
// over websockets.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one realtime notification.
type Event struct {
	Type           string    `json:"type"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Payload        any       `json:"payload,omitempty"`
}

// Event type constants.
const (
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"
)

// Hub fans events out to tenant-scoped subscribers. Publishing never
// blocks: a subscriber that cannot keep up is disconnected.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	hub      *Hub
	tenantID uuid.UUID
	conn     *websocket.Conn
	send     chan Event
	done     chan struct{}
	once     sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Subscribe attaches a websocket connection to a tenant's event feed and
// services it until the connection drops. Blocks; call from the connection's
// handler goroutine.
func (h *Hub) Subscribe(tenantID uuid.UUID, conn *websocket.Conn) {
	sub := &subscriber{
		hub:      h,
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan Event, sendBuffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	if h.subscribers[tenantID] == nil {
		h.subscribers[tenantID] = make(map[*subscriber]struct{})
	}
	h.subscribers[tenantID][sub] = struct{}{}
	h.mu.Unlock()

	go sub.writePump()
	sub.readPump()
}

// Publish delivers an event to every subscriber of the tenant.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[event.TenantID]))
	for sub := range h.subscribers[event.TenantID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.send <- event:
		default:
			if h.logger != nil {
				h.logger.Warn("dropping slow realtime subscriber",
					slog.String("tenant_id", event.TenantID.String()))
			}
			sub.close()
		}
	}
}

// SubscriberCount reports the live subscribers of one tenant.
func (h *Hub) SubscriberCount(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subscribers[s.tenantID], s)
		if len(s.hub.subscribers[s.tenantID]) == 0 {
			delete(s.hub.subscribers, s.tenantID)
		}
		s.hub.mu.Unlock()
		// send stays open; writePump exits via done so a concurrent
		// Publish can never hit a closed channel.
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscriber) readPump() {
	defer s.close()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		// Clients only read; any inbound frame other than control frames
		// is discarded.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case event := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

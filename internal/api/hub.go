package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"
)

// SecurityEvent is pushed to connected admin dashboards whenever the
// pipeline blocks a client, escalates a captcha or detects an attack.
type SecurityEvent struct {
	Type      string      `json:"type"`
	ClientID  string      `json:"client_id,omitempty"`
	Score     int         `json:"threat_score,omitempty"`
	Action    string      `json:"action,omitempty"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	EventBlocked        = "client_blocked"
	EventUnblocked      = "client_unblocked"
	EventAttackDetected = "attack_detected"
	EventCaptchaIssued  = "captcha_issued"
	EventLedgerDegraded = "ledger_degraded"
)

// Hub maintains the set of active websocket clients and fans events
// out to them. One goroutine owns the maps via Run.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			zlog.Debug().Int("clients", count).Msg("Websocket client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			zlog.Debug().Int("clients", count).Msg("Websocket client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastEvent serializes the event and queues it for delivery.
// Drops the event if the broadcast buffer is full so the decision
// path never blocks on slow dashboard consumers.
func (h *Hub) BroadcastEvent(event SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to marshal security event")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		zlog.Warn().Str("type", event.Type).Msg("Dropping security event, broadcast buffer full")
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

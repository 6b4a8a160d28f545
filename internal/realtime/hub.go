package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
	sendBuffer     = 32
)

// Event is the envelope written to websocket clients.
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Payload   any    `json:"payload"`
}

// Topic names the channel for one project's events.
func Topic(projectID string) string {
	return "project:" + projectID
}

// Hub tracks local subscribers per topic and relays broker traffic to them.
type Hub struct {
	logger   zerolog.Logger
	broker   Broker
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewHub(logger zerolog.Logger, broker Broker, allowedOrigin string) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "realtime_hub").Logger(),
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Start attaches the hub to its broker until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliver)
}

// Publish sends an event to every subscriber of the project's topic, on this
// instance and on any other instance sharing the broker.
func (h *Hub) Publish(ctx context.Context, projectID, eventType string, payload any) error {
	body, err := json.Marshal(Event{Type: eventType, ProjectID: projectID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return h.broker.Publish(ctx, Topic(projectID), body)
}

// Subscription receives the raw event payloads of one topic.
type Subscription struct {
	hub   *Hub
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *Subscription) C() <-chan []byte { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		subs := s.hub.topics[s.topic]
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.topics, s.topic)
		}
		close(s.ch)
	})
}

func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{hub: h, topic: topic, ch: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Subscription]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	return sub
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
			h.logger.Warn().Str("topic", topic).Msg("subscriber buffer full, dropping event")
		}
	}
}

// ServeWS upgrades the request and streams the project's events until the
// client disconnects. Callers authorize the request first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := h.Subscribe(Topic(projectID))
	defer sub.Close()
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxInboundSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package network exposes the engine to operators: a WebSocket stream of
// coordination snapshots and engine events that also accepts control
// commands, and a small REST surface for the same controls.
package network

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/platform/metrics"
)

// Message types sent to clients.
const (
	MsgTypeSnapshot = "SNAPSHOT"
	MsgTypeEvent    = "EVENT"
	MsgTypeAck      = "ACK"
	MsgTypeError    = "ERROR"
)

// Message is the envelope for everything written to a client.
type Message struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Ref       string `json:"ref,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
	closed     bool
	logger     *logger.Logger
	metrics    *metrics.Collector
	control    Controller
	sendBuffer int
	dropped    atomic.Uint64
	closeOnce  sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubMetrics records connection and message counts.
func WithHubMetrics(c *metrics.Collector) HubOption {
	return func(h *Hub) { h.metrics = c }
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithBroadcastBuffer sets the hub's inbound broadcast queue length.
func WithBroadcastBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.broadcast = make(chan []byte, n)
		}
	}
}

// NewHub initializes a new WebSocket Hub. control executes client commands.
func NewHub(control Controller, log *logger.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan []byte, 256),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     log,
		control:    control,
		sendBuffer: 64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run handles registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub shutting down", zap.Int("clients", h.ClientCount()))
			return nil
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.recordConnection(-1)
				h.logger.Info("websocket client disconnected", zap.String("client", client.id))
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
					h.recordOutgoing()
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
					h.recordConnection(-1)
					h.logger.Warn("dropping slow websocket client", zap.String("client", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		h.recordConnection(-1)
	}
}

// add registers a client synchronously so replies to its first command are
// never lost.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.recordConnection(1)
	h.logger.Info("websocket client connected", zap.String("client", c.id))
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were discarded because the hub's
// queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast queues msg for every client. It never blocks; a full queue
// drops the message.
func (h *Hub) Broadcast(msg Message) bool {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to serialize websocket message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	select {
	case h.broadcast <- payload:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// PublishEvent broadcasts an engine event. It has the events.Listener
// signature and is safe to call from loop goroutines.
func (h *Hub) PublishEvent(e events.Event) {
	h.Broadcast(Message{Type: MsgTypeEvent, Timestamp: e.Timestamp.UnixMilli(), Payload: e})
}

// RunSnapshots broadcasts the coordination snapshot every period, skipping
// ticks that produced no new snapshot.
func (h *Hub) RunSnapshots(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := h.control.GetSnapshot()
			if snap.Tick == 0 || snap.Tick == last {
				continue
			}
			last = snap.Tick
			h.Broadcast(Message{Type: MsgTypeSnapshot, Payload: snap})
		}
	}
}

// sendTo queues a direct reply for one client if it is still registered.
func (h *Hub) sendTo(c *Client, msg Message) bool {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- payload:
		h.recordOutgoing()
		return true
	default:
		return false
	}
}

func (h *Hub) recordConnection(delta int64) {
	if h.metrics != nil {
		h.metrics.RecordWSConnection(delta)
	}
}

func (h *Hub) recordOutgoing() {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(false)
	}
}

func (h *Hub) recordIncoming() {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(true)
	}
}

func (h *Hub) recordError() {
	if h.metrics != nil {
		h.metrics.RecordWSError()
	}
}

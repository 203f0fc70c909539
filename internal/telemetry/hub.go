package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event types published on the hub.
const (
	EventPeer    = "peer"
	EventCommand = "command"
	EventMode    = "mode"
	EventFault   = "fault"
)

// Event is one node event.
type Event struct {
	ID   int64                  `json:"id"`
	Type string                 `json:"type"`
	TS   time.Time              `json:"ts"`
	Data map[string]interface{} `json:"data"`
}

// Client is one hub subscriber.
type Client struct {
	ID     string
	Events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// Done is closed when the client is unsubscribed or the hub stops.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// HubConfig configures the hub.
type HubConfig struct {
	BufferSize        int           // events kept for resume
	ClientQueue       int           // per-client channel capacity
	HeartbeatInterval time.Duration // websocket ping interval
	WriteTimeout      time.Duration
}

// Hub distributes node events with a bounded replay buffer.
//
// Publish never blocks: a client whose queue is full misses the event and the drop is
// counted. Event IDs are monotonic per hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  *EventBuffer
	cfg     HubConfig
	logger  zerolog.Logger

	nextID  atomic.Int64
	dropped atomic.Uint64

	upgrader websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a new hub.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  NewEventBuffer(cfg.BufferSize),
		cfg:     cfg,
		logger:  logger.With().Str("component", "telemetry_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
}

// Publish assigns an ID, buffers the event and delivers it to every client.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	event.ID = h.nextID.Add(1)
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	h.buffer.AddEvent(event)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.ctx.Done():
			continue
		case client.Events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a client and returns the buffered events with ID > since.
func (h *Hub) Subscribe(ctx context.Context, since int64) (*Client, []Event) {
	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:     uuid.NewString(),
		Events: make(chan Event, h.cfg.ClientQueue),
		ctx:    clientCtx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	var replay []Event
	if since >= 0 {
		replay = h.buffer.GetEventsAfter(since)
	}
	return client, replay
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, exists := h.clients[clientID]; exists {
		client.cancel()
		delete(h.clients, clientID)
	}
}

// ClientCount returns the number of subscribed clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of client deliveries dropped on full queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Recent returns the buffered events with ID > since.
func (h *Hub) Recent(since int64) []Event {
	return h.buffer.GetEventsAfter(since)
}

// ServeWS upgrades the request to a websocket and streams events until the peer goes
// away or the hub stops. The "since" query parameter resumes after that event ID;
// without it only live events are sent.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if s := r.URL.Query().Get("since"); s != "" {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil && id >= 0 {
			since = id
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client, replay := h.Subscribe(r.Context(), since)
	h.wg.Add(1)
	defer h.wg.Done()
	defer h.Unsubscribe(client.ID)
	defer conn.Close()

	log := h.logger.With().Str("client", client.ID).Logger()
	log.Debug().Int("replay", len(replay)).Msg("websocket client connected")

	// Reader: only needed to process control frames and notice the close.
	go func() {
		defer client.cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range replay {
		if err := h.writeEvent(conn, event); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.ctx.Done():
			return
		case <-h.done:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), deadline)
			return
		case event := <-client.Events:
			if err := h.writeEvent(conn, event); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeEvent(conn *websocket.Conn, event Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

// Stop stops the hub, disconnects every client and waits for websocket handlers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for id, client := range h.clients {
			client.cancel()
			delete(h.clients, id)
		}
		h.mu.Unlock()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			h.logger.Warn().Msg("websocket handlers still running after stop")
		}
	})
}

// EventBuffer maintains a circular buffer of events.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	next     int
	full     bool
}

// NewEventBuffer creates a new event buffer with the specified capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// AddEvent adds an event, overwriting the oldest one when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = event
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
}

// GetEventsAfter returns events with ID > lastID, oldest first.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	start, n := 0, b.next
	if b.full {
		start, n = b.next, b.capacity
	}
	for i := 0; i < n; i++ {
		event := b.events[(start+i)%b.capacity]
		if event.ID > lastID {
			result = append(result, event)
		}
	}
	return result
}

// GetCapacity returns the buffer capacity.
func (b *EventBuffer) GetCapacity() int {
	return b.capacity
}

// GetSize returns the current buffer size.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.capacity
	}
	return b.next
}

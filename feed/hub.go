package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
	"github.com/c360/clpr/pkg/buffer"
)

// Event types
const (
	EventSendAttempt    = "send_attempt"
	EventResponse       = "response"
	EventMessageHandled = "message_handled"
)

const (
	defaultBufferSize   = 100
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxClientFrame      = 512
)

// Event is one frame sent to clients.
type Event struct {
	Type   string        `json:"type"`
	Ledger clpr.LedgerID `json:"ledger_id"`
	Time   time.Time     `json:"time"`
	Data   any           `json:"data"`
}

// Hub fans middleware events out to websocket clients.
type Hub struct {
	name     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	registry *metric.MetricsRegistry
	metrics  *hubMetrics

	bufferSize   int
	writeTimeout time.Duration
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type client struct {
	conn        *websocket.Conn
	out         *buffer.Ring[[]byte]
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

// Option configures a Hub.
type Option func(*Hub) error

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) error {
		if logger != nil {
			h.logger = logger
		}
		return nil
	}
}

// WithBufferSize sets how many undelivered events a client may hold.
func WithBufferSize(n int) Option {
	return func(h *Hub) error {
		if n <= 0 {
			return fmt.Errorf("%w: buffer size must be positive, got %d", errors.ErrInvalidConfig, n)
		}
		h.bufferSize = n
		return nil
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) error {
		if d <= 0 {
			return fmt.Errorf("%w: write timeout must be positive, got %v", errors.ErrInvalidConfig, d)
		}
		h.writeTimeout = d
		return nil
	}
}

// WithPingInterval sets the keepalive period. Clients silent for twice the
// interval are dropped.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) error {
		if d <= 0 {
			return fmt.Errorf("%w: ping interval must be positive, got %v", errors.ErrInvalidConfig, d)
		}
		h.pingInterval = d
		return nil
	}
}

// WithMetrics registers feed metrics under "feed.<name>".
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(h *Hub) error {
		h.registry = reg
		return nil
	}
}

// NewHub creates a hub. name labels its metrics and logs.
func NewHub(name string, opts ...Option) (*Hub, error) {
	if name == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: hub name is required", errors.ErrMissingConfig),
			"Hub", "NewHub", "check name")
	}
	h := &Hub{
		name:         name,
		logger:       slog.Default(),
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		clients:      make(map[*client]struct{}),
		done:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, errors.WrapFatal(err, "Hub", "NewHub", "apply option")
		}
	}

	m, err := newHubMetrics(h.registry, name)
	if err != nil {
		return nil, errors.WrapFatal(err, "Hub", "NewHub", "register metrics")
	}
	h.metrics = m
	h.logger = h.logger.With("component", "feed", "feed", name)
	return h, nil
}

// ServeHTTP upgrades the request and streams events until the client leaves
// or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, errors.ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		h.metrics.recordError("upgrade")
		return
	}

	out, err := buffer.NewRing[[]byte](h.bufferSize, buffer.DropOldest)
	if err != nil {
		_ = conn.Close()
		h.metrics.recordError("buffer")
		return
	}
	c := &client{conn: conn, out: out, done: make(chan struct{}), connectedAt: time.Now()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.setClients(count)
	h.logger.Debug("Feed client connected", "remote_addr", r.RemoteAddr, "clients", count)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client frames and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	pongWait := 2 * h.pingInterval
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on the connection.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-h.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-c.out.Ready():
			for _, frame := range c.out.Drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					h.metrics.recordError("write")
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeClient(c *client) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		count := len(h.clients)
		h.mu.Unlock()

		close(c.done)
		c.out.Close()
		_ = c.conn.Close()

		h.metrics.setClients(count)
		if dropped := c.out.Dropped(); dropped > 0 {
			h.logger.Info("Feed client left with dropped events", "dropped", dropped)
		}
	})
}

// Publish sends e to every connected client.
func (h *Hub) Publish(e Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("Failed to encode feed event", "type", e.Type, "error", err)
		h.metrics.recordError("encode")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for c := range h.clients {
		dropped, err := c.out.Push(frame)
		if err != nil {
			continue
		}
		if dropped {
			h.metrics.recordDrop()
		}
	}
	h.metrics.recordEvent(e.Type)
}

func (h *Hub) SendAttempted(_ context.Context, e clpr.SendAttemptEvent) {
	h.Publish(Event{Type: EventSendAttempt, Ledger: e.Ledger, Time: e.Time, Data: e})
}

func (h *Hub) ResponseReceived(_ context.Context, e clpr.ResponseEvent) {
	h.Publish(Event{Type: EventResponse, Ledger: e.Ledger, Time: e.Time, Data: e})
}

func (h *Hub) MessageHandled(_ context.Context, e clpr.MessageHandledEvent) {
	h.Publish(Event{Type: EventMessageHandled, Ledger: e.Ledger, Time: e.Time, Data: e})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines. It is safe
// to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
	})
	h.wg.Wait()
}

var _ clpr.Observer = (*Hub)(nil)

type hubMetrics struct {
	clients prometheus.Gauge
	events  *prometheus.CounterVec
	dropped prometheus.Counter
	errors  *prometheus.CounterVec
}

func newHubMetrics(reg *metric.MetricsRegistry, name string) (*hubMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"feed": name}
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clpr", Subsystem: "feed", Name: "clients",
			Help:        "Connected feed clients",
			ConstLabels: labels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Subsystem: "feed", Name: "events_total",
			Help:        "Events published to the feed, by type",
			ConstLabels: labels,
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clpr", Subsystem: "feed", Name: "dropped_total",
			Help:        "Events dropped because a client buffer was full",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Subsystem: "feed", Name: "errors_total",
			Help:        "Feed errors by stage",
			ConstLabels: labels,
		}, []string{"stage"}),
	}

	service := "feed." + name
	registrations := []func() error{
		func() error { return reg.RegisterGauge(service, "clients", m.clients) },
		func() error { return reg.RegisterCounterVec(service, "events", m.events) },
		func() error { return reg.RegisterCounter(service, "dropped", m.dropped) },
		func() error { return reg.RegisterCounterVec(service, "errors", m.errors) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *hubMetrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *hubMetrics) recordEvent(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *hubMetrics) recordDrop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *hubMetrics) recordError(stage string) {
	if m != nil {
		m.errors.WithLabelValues(stage).Inc()
	}
}

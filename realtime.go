package pulseboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// MetricUpdate is a live metrics sample pushed on the metrics channel.
// Numeric fields are nullable: agents without a given sensor omit the reading.
type MetricUpdate struct {
	Type           string   `json:"type"`
	ServerID       int64    `json:"server_id"`
	Hostname       string   `json:"hostname"`
	CPUUsage       *float64 `json:"cpu_usage"`
	MemoryPercent  *float64 `json:"memory_percent"`
	DiskPercent    *float64 `json:"disk_percent"`
	GPUUtilization *float64 `json:"gpu_utilization"`
	GPUTemperature *float64 `json:"gpu_temperature"`
	Timestamp      string   `json:"timestamp"`
}

// Alert is a rule-match notification pushed on the alerts channel.
type Alert struct {
	Type      string `json:"type"`
	ServerID  int64  `json:"server_id,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SyncEvent is an upload lifecycle update pushed on the sync channel. The
// SyncTracker surfaces the same shape synthetically when it falls back to
// polling.
type SyncEvent struct {
	Event            string `json:"event"`
	UploadID         string `json:"upload_id,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
	RecordsProcessed int    `json:"records_processed,omitempty"`
	RecordsInserted  int    `json:"records_inserted,omitempty"`
	RecordsDuplicate int    `json:"records_duplicate,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Inbound message discriminators. The metrics and alerts channels tag
// messages with "type"; the sync channel tags with "event".
const (
	KindMetric = "metric"
	KindAlert  = "alert"

	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventSyncFailed    = "sync_failed"
	EventStatus        = "status"
	EventHeartbeat     = "heartbeat"
)

const (
	actionSubscribe = "subscribe"
	actionPing      = "ping"
)

// subscribeCommand is the client-to-server subscription control message,
// sent after each successful open and on Resubscribe.
type subscribeCommand struct {
	Action    string  `json:"action"`
	ServerIDs []int64 `json:"server_ids"`
}

type pingCommand struct {
	Action string `json:"action"`
}

// ============================================================================
// Transport
// ============================================================================

// Transport is a full-duplex message connection. The production
// implementation wraps a WebSocket; tests substitute fakes.
type Transport interface {
	// Read blocks until the next message or a terminal error. A returned
	// error means the transport is dead.
	Read(ctx context.Context) ([]byte, error)
	// Write sends a single message.
	Write(ctx context.Context, data []byte) error
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport to the given endpoint.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a realtime Channel.
type ChannelConfig struct {
	// Subscription is the initial set of server IDs to subscribe to,
	// replayed after every successful open. Empty means subscribe to
	// nothing until Resubscribe is called.
	Subscription []int64

	// ReconnectDelay is the fixed delay between reconnection attempts.
	// Defaults to 5 seconds.
	ReconnectDelay time.Duration

	// HeartbeatInterval is how often a keepalive ping is written while
	// connected. Zero disables the heartbeat.
	HeartbeatInterval time.Duration

	// DisableReconnect turns off automatic reconnection after a close or
	// open failure.
	DisableReconnect bool

	// Dialer overrides the transport dialer. Nil uses DialWebSocket.
	Dialer Dialer
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = DialWebSocket
	}
}

// State represents the connection state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ChannelStatus is a snapshot of a Channel's liveness.
type ChannelStatus struct {
	Connected bool
	LastError string
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// MessageHandler is the generic inbound message callback type.
type MessageHandler func(kind string, payload json.RawMessage)

type channelDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]MessageHandler
	onMetric       []func(MetricUpdate)
	onAlert        []func(Alert)
	onSync         []func(SyncEvent)
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(time.Duration)
}

func newChannelDispatcher() *channelDispatcher {
	return &channelDispatcher{
		generic: make(map[string][]MessageHandler),
	}
}

// dispatch parses one inbound frame and invokes the matching handlers.
// Malformed or unrecognized frames are dropped without side effects.
// Handlers run synchronously so delivery order matches transport order.
func (d *channelDispatcher) dispatch(data []byte) {
	var probe struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return
	}
	kind := probe.Type
	if kind == "" {
		kind = probe.Event
	}
	if kind == "" {
		return
	}

	d.mu.RLock()
	onMetric := append([]func(MetricUpdate){}, d.onMetric...)
	onAlert := append([]func(Alert){}, d.onAlert...)
	onSync := append([]func(SyncEvent){}, d.onSync...)
	generic := append([]MessageHandler{}, d.generic[kind]...)
	d.mu.RUnlock()

	switch kind {
	case KindMetric:
		var m MetricUpdate
		if json.Unmarshal(data, &m) == nil {
			for _, h := range onMetric {
				h(m)
			}
		}
	case KindAlert:
		var a Alert
		if json.Unmarshal(data, &a) == nil {
			for _, h := range onAlert {
				h(a)
			}
		}
	case EventSyncStarted, EventSyncCompleted, EventSyncFailed, EventStatus, EventHeartbeat:
		var ev SyncEvent
		if json.Unmarshal(data, &ev) == nil {
			for _, h := range onSync {
				h(ev)
			}
		}
	}

	for _, h := range generic {
		h(kind, json.RawMessage(data))
	}
}

func (d *channelDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *channelDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *channelDispatcher) emitReconnecting(delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(delay)
	}
}

// ============================================================================
// Channel
// ============================================================================

// Channel maintains one best-effort live connection to a single realtime
// endpoint. It reconnects on a fixed delay after any close or open failure,
// replays the current subscription after each open, and delivers parsed
// inbound messages to registered handlers in transport order.
//
// A Channel serves exactly one endpoint path; use one instance per feature
// (metrics, alerts, sync).
type Channel struct {
	url        string
	config     *ChannelConfig
	dispatcher *channelDispatcher

	mu             sync.Mutex
	state          State
	conn           Transport
	cancelFn       context.CancelFunc
	reconnectTimer *time.Timer
	subscription   []int64
	lastError      error

	// gen identifies the current connection attempt. Stop and every Start
	// bump it; a dial or read loop whose gen no longer matches is stale
	// and must discard its transport instead of installing or tearing
	// down shared state.
	gen uint64
}

// NewChannel creates a Channel for the given endpoint. No I/O happens until
// Start is called.
func NewChannel(url string, config *ChannelConfig) *Channel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Channel{
		url:          url,
		config:       &cfg,
		dispatcher:   newChannelDispatcher(),
		state:        StateDisconnected,
		subscription: append([]int64(nil), cfg.Subscription...),
	}
}

// OnMetric registers a handler for metric updates.
func (c *Channel) OnMetric(h func(MetricUpdate)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMetric = append(c.dispatcher.onMetric, h)
	c.dispatcher.mu.Unlock()
}

// OnAlert registers a handler for alerts.
func (c *Channel) OnAlert(h func(Alert)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onAlert = append(c.dispatcher.onAlert, h)
	c.dispatcher.mu.Unlock()
}

// OnSyncEvent registers a handler for upload lifecycle events.
func (c *Channel) OnSyncEvent(h func(SyncEvent)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onSync = append(c.dispatcher.onSync, h)
	c.dispatcher.mu.Unlock()
}

// On registers a generic handler for a message kind. The raw frame is passed
// through unparsed.
func (c *Channel) On(kind string, h MessageHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.generic[kind] = append(c.dispatcher.generic[kind], h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler invoked after each successful open.
func (c *Channel) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler invoked when a live transport dies.
func (c *Channel) OnDisconnected(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler invoked when a reconnect is scheduled.
func (c *Channel) OnReconnecting(h func(delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently has a live transport.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Status returns a snapshot of the channel's liveness.
func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ChannelStatus{Connected: c.state == StateConnected}
	if c.lastError != nil {
		s.LastError = c.lastError.Error()
	}
	return s
}

// Start opens the transport. If an attempt is already in flight or the
// channel is connected, Start is a no-op: at most one live transport exists
// per channel. On open failure a reconnect is scheduled after the fixed
// delay (unless reconnection is disabled) and the dial error is returned.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.config.Dialer(ctx, c.url)

	c.mu.Lock()
	if gen != c.gen {
		// Stop, or a Stop followed by a fresh Start, raced the dial.
		// Whatever this attempt produced belongs to a dead generation.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = StateDisconnected
		c.lastError = err
		c.mu.Unlock()
		c.scheduleReconnect(ctx, gen)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.conn = conn
	c.state = StateConnected
	c.lastError = nil
	c.cancelFn = cancel
	sub := append([]int64(nil), c.subscription...)
	c.mu.Unlock()

	if len(sub) > 0 {
		if data, err := json.Marshal(subscribeCommand{Action: actionSubscribe, ServerIDs: sub}); err == nil {
			// A write failure here surfaces on the read loop.
			conn.Write(connCtx, data)
		}
	}

	c.dispatcher.emitConnected()

	go c.readLoop(ctx, connCtx, conn, gen)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, conn)
	}

	return nil
}

// Stop closes the live transport, cancels any pending reconnect, and resets
// the status to disconnected. Stop is idempotent.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Resubscribe replaces the channel's subscription set. The new set is
// persisted for replay on every future open; it is transmitted immediately
// only while the channel is open, otherwise the send is skipped.
func (c *Channel) Resubscribe(ctx context.Context, serverIDs []int64) error {
	ids := append([]int64(nil), serverIDs...)

	c.mu.Lock()
	c.subscription = ids
	conn := c.conn
	open := c.state == StateConnected
	c.mu.Unlock()

	if !open || conn == nil {
		return nil
	}
	data, err := json.Marshal(subscribeCommand{Action: actionSubscribe, ServerIDs: ids})
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Channel) readLoop(baseCtx, ctx context.Context, conn Transport, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || c.conn != conn {
				// Stopped, or a newer generation owns the channel.
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.state = StateDisconnected
			c.lastError = err
			if c.cancelFn != nil {
				c.cancelFn()
				c.cancelFn = nil
			}
			c.mu.Unlock()

			c.dispatcher.emitDisconnected(err)
			c.scheduleReconnect(baseCtx, gen)
			return
		}
		c.dispatcher.dispatch(data)
	}
}

// scheduleReconnect arms a single fixed-delay retry for the given
// generation. A pending timer is never doubled, so a transport error
// followed by its close still produces exactly one attempt, and a timer
// armed before Stop finds its generation gone when it fires.
func (c *Channel) scheduleReconnect(ctx context.Context, gen uint64) {
	if c.config.DisableReconnect || ctx.Err() != nil {
		return
	}
	delay := c.config.ReconnectDelay

	c.mu.Lock()
	if gen != c.gen || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		stale := gen != c.gen
		c.mu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}
		c.Start(ctx)
	})
	c.mu.Unlock()

	c.dispatcher.emitReconnecting(delay)
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn Transport) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(pingCommand{Action: actionPing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ping); err != nil {
				// Let the read loop observe the dead transport.
				conn.Close()
				return
			}
		}
	}
}

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Wire Frames
// ============================================================================

// envelope is the wire format for every push frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is a client-to-server frame.
type command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type authenticatedPayload struct {
	UserID   FlexID `json:"userId"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

type newMessagePayload struct {
	RoomID  FlexID      `json:"roomId"`
	Message WireMessage `json:"message"`
	TempID  string      `json:"tempId,omitempty"`
}

type statusPayload struct {
	RoomID FlexID         `json:"roomId"`
	UserID FlexID         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	frameAuthenticated = "authenticated"
	frameNewMessage    = "new_message"
	frameStatusChange  = "user_status_change"
	frameError         = "error"
	framePong          = "pong"

	cmdJoinRoom    = "join_room"
	cmdSendMessage = "send_message"
	cmdTypingStart = "typing_start"
	cmdTypingStop  = "typing_stop"
	cmdPing        = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionState is the push connection state shared by all rooms.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

func (s ConnectionState) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	}
	return 0
}

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	URL         string
	Credentials Credentials
	Transport   Transport

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectJitter    float64
	// DegradedAfter is the number of consecutive failed attempts after
	// which push is reported degraded.
	DegradedAfter     int
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
	// Rand returns values in [0, 1) for jitter. Defaults to math/rand.
	Rand func() float64
}

func (c *ConnectionConfig) defaults() {
	if c.Transport == nil {
		c.Transport = WebSocketTransport{}
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.2
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes backoff delays: base doubled per attempt, capped,
// with symmetric jitter. The attempt count resets once a connection has
// stayed up for stableAfter.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	rand        func() float64
	stableAfter time.Duration

	attempt     int
	connectedAt time.Time
}

func newReconnector(c *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay:   c.ReconnectBaseDelay,
		maxDelay:    c.ReconnectMaxDelay,
		jitter:      c.ReconnectJitter,
		rand:        c.Rand,
		stableAfter: 60 * time.Second,
	}
}

func (r *reconnector) markConnected(now time.Time) {
	r.connectedAt = now
}

func (r *reconnector) nextDelay(now time.Time) time.Duration {
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}

	d := math.Min(float64(r.baseDelay)*math.Pow(2, float64(r.attempt)), float64(r.maxDelay))
	d *= 1 + r.jitter*(2*r.rand()-1)
	d = math.Min(d, float64(r.maxDelay))
	r.attempt++
	return time.Duration(d)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the push connection: it dials, re-dials with
// backoff, re-joins subscribed rooms on every new connection and
// publishes a typed event stream.
type ConnectionManager struct {
	cfg     ConnectionConfig
	logger  *zap.Logger
	metrics *Metrics
	recon   *reconnector
	bus     *eventBus

	mu            sync.Mutex
	state         ConnectionState
	conn          Conn
	generation    uint64
	sessions      uint64
	subscriptions map[string]struct{}
	joined        map[string]bool
	degraded      bool
	failures      int
	identity      Identity
	cancel        context.CancelFunc
	done          chan struct{}
	closed        bool
	requestSeq    atomic.Uint64
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnectionConfig) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:           cfg,
		logger:        cfg.Logger.Named("connection"),
		metrics:       cfg.Metrics,
		recon:         newReconnector(&cfg),
		bus:           newEventBus(),
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
		joined:        make(map[string]bool),
	}
}

// Events subscribes to the event stream.
func (m *ConnectionManager) Events(buffer int) *Subscription {
	return m.bus.subscribe(buffer)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Degraded reports whether push delivery is currently considered
// unreliable.
func (m *ConnectionManager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Identity returns the identity the server reported during the handshake.
func (m *ConnectionManager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Joined reports whether roomID has been joined on the current connection.
func (m *ConnectionManager) Joined(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.joined[roomID]
}

// Session returns the number of connections established so far. Each
// reconnect starts a new session.
func (m *ConnectionManager) Session() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Subscriptions returns the subscribed room ids, sorted.
func (m *ConnectionManager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subscriptions))
	for id := range m.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect dials the push channel. Credential problems are returned as
// *AuthError and never retried. Any other failure is retried in the
// background; the caller observes it only through state events.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if err := m.cfg.Credentials.Check(time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.transition(gen, StateConnecting, nil)

	conn, ident, err := m.dial(ctx)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			cancel()
			close(done)
			m.transition(gen, StateDisconnected, err)
			return err
		}
		m.logger.Warn("initial connect failed, retrying", zap.Error(err))
		m.recordFailure(gen)
		go m.run(runCtx, gen, done, nil)
		return nil
	}
	m.attach(runCtx, gen, conn, ident)
	go m.run(runCtx, gen, done, conn)
	return nil
}

// Disconnect closes the connection and stops retrying. It is terminal:
// a disconnected manager cannot connect again.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation++
	gen := m.generation
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.joined = make(map[string]bool)
	done := m.done
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	if done != nil {
		<-done
	}
	m.transition(gen, StateDisconnected, nil)
	return err
}

// Subscribe adds roomID to the rooms joined on every connection. When
// connected, join_room is sent at most once per connection.
func (m *ConnectionManager) Subscribe(ctx context.Context, roomID string) error {
	m.mu.Lock()
	m.subscriptions[roomID] = struct{}{}
	if m.state != StateConnected || m.conn == nil || m.joined[roomID] {
		m.mu.Unlock()
		return nil
	}
	m.joined[roomID] = true
	gen, session, conn := m.generation, m.sessions, m.conn
	m.mu.Unlock()

	return m.join(ctx, gen, session, conn, roomID)
}

// Unsubscribe stops re-joining roomID. The protocol has no leave event, so
// the server-side membership of the current connection is unchanged.
func (m *ConnectionManager) Unsubscribe(roomID string) {
	m.mu.Lock()
	delete(m.subscriptions, roomID)
	delete(m.joined, roomID)
	m.mu.Unlock()
}

// SendMessage sends a chat message over the push channel.
func (m *ConnectionManager) SendMessage(ctx context.Context, roomID, text string, typ MessageType, tempID string) error {
	return m.send(ctx, &command{
		Type: cmdSendMessage,
		Payload: map[string]string{
			"roomId": roomID,
			"text":   text,
			"type":   string(typ),
			"tempId": tempID,
		},
		RequestID: tempID,
	})
}

// StartTyping sends a typing start indicator.
func (m *ConnectionManager) StartTyping(ctx context.Context, roomID string) error {
	return m.send(ctx, &command{Type: cmdTypingStart, Payload: map[string]string{"roomId": roomID}})
}

// StopTyping sends a typing stop indicator.
func (m *ConnectionManager) StopTyping(ctx context.Context, roomID string) error {
	return m.send(ctx, &command{Type: cmdTypingStop, Payload: map[string]string{"roomId": roomID}})
}

func (m *ConnectionManager) send(ctx context.Context, cmd *command) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	return writeCommand(ctx, conn, cmd)
}

func writeCommand(ctx context.Context, conn Conn, cmd *command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return &NetworkError{Op: "push " + cmd.Type, Err: err}
	}
	return nil
}

func (m *ConnectionManager) join(ctx context.Context, gen, session uint64, conn Conn, roomID string) error {
	err := writeCommand(ctx, conn, &command{Type: cmdJoinRoom, Payload: map[string]string{"roomId": roomID}})
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			delete(m.joined, roomID)
		}
		m.mu.Unlock()
		m.logger.Warn("join failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	m.logger.Debug("joined room", zap.String("room_id", roomID))
	m.publish(gen, Event{Kind: EventRoomSubscribed, RoomID: roomID, Session: session})
	return nil
}

// dial opens a connection and waits for the authenticated frame.
func (m *ConnectionManager) dial(ctx context.Context) (Conn, Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.cfg.Transport.Dial(ctx, m.cfg.URL, m.cfg.Credentials.Token)
	if err != nil {
		return nil, Identity{}, err
	}
	data, err := conn.Read(ctx)
	if err != nil {
		conn.Close("handshake failed")
		return nil, Identity{}, &NetworkError{Op: "read handshake", Err: err}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close("handshake failed")
		return nil, Identity{}, &NetworkError{Op: "decode handshake", Err: err}
	}
	switch env.Type {
	case frameAuthenticated:
		var p authenticatedPayload
		json.Unmarshal(env.Payload, &p)
		return conn, Identity{UserID: string(p.UserID), Username: p.Username, FullName: p.FullName}, nil
	case frameError:
		conn.Close("handshake failed")
		var p errorPayload
		json.Unmarshal(env.Payload, &p)
		if p.Code == "unauthorized" {
			return nil, Identity{}, &AuthError{Reason: p.Message}
		}
		return nil, Identity{}, &NetworkError{Op: "handshake", Err: &APIError{Code: p.Code, Message: p.Message}}
	}
	conn.Close("handshake failed")
	return nil, Identity{}, &NetworkError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", frameAuthenticated, env.Type)}
}

// attach installs a fresh connection and re-joins every subscribed room
// exactly once.
func (m *ConnectionManager) attach(ctx context.Context, gen uint64, conn Conn, ident Identity) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		conn.Close("superseded")
		return
	}
	m.conn = conn
	m.sessions++
	session := m.sessions
	m.state = StateConnected
	m.identity = ident
	m.failures = 0
	wasDegraded := m.degraded
	m.degraded = false
	m.joined = make(map[string]bool, len(m.subscriptions))
	rooms := make([]string, 0, len(m.subscriptions))
	for id := range m.subscriptions {
		m.joined[id] = true
		rooms = append(rooms, id)
	}
	m.recon.markConnected(time.Now())
	m.mu.Unlock()

	sort.Strings(rooms)
	m.metrics.ConnectionState.Set(StateConnected.gauge())
	m.logger.Info("connected", zap.Uint64("generation", gen), zap.Int("rooms", len(rooms)))
	m.publish(gen, Event{Kind: EventConnectionStateChanged, State: StateConnected, Session: session})
	if wasDegraded {
		m.metrics.Degraded.Set(0)
		m.publish(gen, Event{Kind: EventDegradedChanged, Degraded: false})
	}
	for _, id := range rooms {
		m.join(ctx, gen, session, conn, id)
	}
}

func (m *ConnectionManager) run(ctx context.Context, gen uint64, done chan struct{}, conn Conn) {
	defer close(done)
	for {
		if conn != nil {
			err := m.serve(ctx, gen, conn)
			conn.Close("connection lost")
			if ctx.Err() != nil {
				return
			}
			var ae *AuthError
			if errors.As(err, &ae) {
				m.detach(gen)
				m.transition(gen, StateDisconnected, err)
				return
			}
			m.logger.Warn("connection lost", zap.Error(err))
			m.detach(gen)
			conn = nil
		}

		m.mu.Lock()
		delay := m.recon.nextDelay(time.Now())
		attempt := m.recon.attempt
		m.mu.Unlock()

		m.transitionRetry(gen, attempt, delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		m.metrics.ReconnectAttempts.Inc()
		c, ident, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ae *AuthError
			if errors.As(err, &ae) {
				m.transition(gen, StateDisconnected, err)
				return
			}
			m.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			m.recordFailure(gen)
			continue
		}
		m.attach(ctx, gen, c, ident)
		conn = c
	}
}

// serve reads frames until the connection fails.
func (m *ConnectionManager) serve(ctx context.Context, gen uint64, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())
	go m.heartbeat(ctx, conn, &lastSeen)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		lastSeen.Store(time.Now().UnixNano())

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := m.handleFrame(gen, env); err != nil {
			return err
		}
	}
}

func (m *ConnectionManager) handleFrame(gen uint64, env envelope) error {
	switch env.Type {
	case frameNewMessage:
		var p newMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("bad new_message frame", zap.Error(err))
			return nil
		}
		roomID := string(p.RoomID)
		msg, err := p.Message.ToMessage(roomID)
		if err != nil {
			m.logger.Warn("bad message in new_message frame", zap.String("room_id", roomID), zap.Error(err))
			m.metrics.DroppedMessages.WithLabelValues("push").Inc()
			return nil
		}
		m.publish(gen, Event{Kind: EventMessageReceived, RoomID: roomID, Message: msg, TempID: p.TempID})
	case frameStatusChange:
		var p statusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("bad user_status_change frame", zap.Error(err))
			return nil
		}
		m.publish(gen, Event{Kind: EventPresenceChanged, RoomID: string(p.RoomID), Presence: PresenceEvent{
			RoomID:    string(p.RoomID),
			UserID:    string(p.UserID),
			Status:    p.Status,
			Timestamp: time.Now(),
		}})
	case frameError:
		var p errorPayload
		json.Unmarshal(env.Payload, &p)
		if p.Code == "unauthorized" {
			return &AuthError{Reason: p.Message}
		}
		m.logger.Warn("server error frame", zap.String("code", p.Code), zap.String("message", p.Message))
	case framePong, frameAuthenticated:
	default:
		m.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
	return nil
}

// heartbeat pings on every interval and closes the connection when
// nothing has been read for two intervals.
func (m *ConnectionManager) heartbeat(ctx context.Context, conn Conn, lastSeen *atomic.Int64) {
	interval := m.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > 2*interval {
				m.logger.Warn("heartbeat timeout")
				conn.Close("heartbeat timeout")
				return
			}
			id := "ping-" + strconv.FormatUint(m.requestSeq.Add(1), 10)
			if err := writeCommand(ctx, conn, &command{Type: cmdPing, Payload: map[string]string{"requestId": id}, RequestID: id}); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (m *ConnectionManager) detach(gen uint64) {
	m.mu.Lock()
	if m.generation == gen {
		m.conn = nil
		m.joined = make(map[string]bool)
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) recordFailure(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.failures++
	raise := !m.degraded && m.failures >= m.cfg.DegradedAfter
	if raise {
		m.degraded = true
	}
	failures := m.failures
	m.mu.Unlock()

	if raise {
		m.metrics.Degraded.Set(1)
		m.logger.Warn("push degraded", zap.Int("consecutive_failures", failures))
		m.publish(gen, Event{Kind: EventDegradedChanged, Degraded: true})
	}
}

func (m *ConnectionManager) transition(gen uint64, state ConnectionState, cause error) {
	m.mu.Lock()
	if m.generation != gen || (m.state == state && cause == nil) {
		m.mu.Unlock()
		return
	}
	m.state = state
	if state == StateDisconnected && m.cancel != nil && cause != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.metrics.ConnectionState.Set(state.gauge())
	m.logger.Info("connection state", zap.String("state", string(state)), zap.Error(cause))
	m.bus.publish(Event{Kind: EventConnectionStateChanged, Generation: gen, State: state, Err: cause})
}

func (m *ConnectionManager) transitionRetry(gen uint64, attempt int, delay time.Duration) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	m.metrics.ConnectionState.Set(StateReconnecting.gauge())
	m.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.bus.publish(Event{Kind: EventConnectionStateChanged, Generation: gen, State: StateReconnecting, Attempt: attempt, Delay: delay})
}

// publish drops events from a superseded connection handle.
func (m *ConnectionManager) publish(gen uint64, ev Event) {
	m.mu.Lock()
	current := m.generation == gen
	m.mu.Unlock()
	if !current {
		return
	}
	ev.Generation = gen
	m.bus.publish(ev)
}

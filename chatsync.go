// Package chatsync keeps per-room chat timelines consistent across a push
// connection, an HTTP polling fallback, optimistic local sends and a local
// snapshot cache.
//
// Example:
//
//	client := chatsync.NewClient(token,
//		chatsync.WithBaseURL("https://api.example.com"),
//		chatsync.WithWSURL("wss://api.example.com/ws"),
//	)
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//		// only credential problems surface here
//	}
//	room, _ := client.Open(ctx, counselorID)
//	f, _ := room.Send(ctx, "hello")
//	msg, err := f.Wait(ctx)
package chatsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SaraQosja/diploma-project-sub001/kvstore"
)

const DefaultTimeout = 30 * time.Second

// tempCounter numbers optimistic sends for the whole process, so temp ids
// are never reused, not even across clients sharing an instance id.
var tempCounter atomic.Uint64

// ============================================================================
// Client
// ============================================================================

// Client owns one push connection, the polling fallback, the presence
// tracker, the snapshot cache and every open room.
type Client struct {
	baseURL    string
	wsURL      string
	token      string
	httpClient *http.Client
	transport  Transport
	identity   Identity
	instanceID string
	logger     *zap.Logger
	metrics    *Metrics
	store      kvstore.Store

	reconcileTimeout time.Duration
	matchWindow      time.Duration
	pollInterval     time.Duration
	pollTimeout      time.Duration
	persistDebounce  time.Duration
	cacheLoadWait    time.Duration
	snapshotKey      []byte
	typingTTL        time.Duration
	sendOverPush     bool
	pageSize         int
	backoffBase      time.Duration
	backoffMax       time.Duration
	backoffJitter    float64
	degradedAfter    int
	heartbeat        time.Duration

	rest     *restClient
	conn     *ConnectionManager
	poller   *Poller
	presence *PresenceTracker
	cache    *SnapshotCache
	group    singleflight.Group
	events   *Subscription
	routed   chan struct{}

	mu      sync.Mutex
	roomIDs map[string]string
	rooms   map[string]*RoomSession
	closed  bool
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithWSURL sets the push endpoint. Without one the client runs on
// polling alone.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithIdentity sets the local participant. Otherwise the identity comes
// from the handshake, then from the token's claims.
func WithIdentity(id Identity) Option {
	return func(c *Client) { c.identity = id }
}

// WithInstanceID sets the prefix of generated temp ids.
func WithInstanceID(id string) Option {
	return func(c *Client) { c.instanceID = id }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStore sets the snapshot backend. The caller keeps ownership.
func WithStore(s kvstore.Store) Option {
	return func(c *Client) { c.store = s }
}

func WithReconcileTimeout(d time.Duration) Option {
	return func(c *Client) { c.reconcileTimeout = d }
}

func WithMatchWindow(d time.Duration) Option {
	return func(c *Client) { c.matchWindow = d }
}

func WithPolling(interval, timeout time.Duration) Option {
	return func(c *Client) { c.pollInterval, c.pollTimeout = interval, timeout }
}

func WithBackoff(base, max time.Duration, jitter float64) Option {
	return func(c *Client) { c.backoffBase, c.backoffMax, c.backoffJitter = base, max, jitter }
}

func WithDegradedAfter(n int) Option {
	return func(c *Client) { c.degradedAfter = n }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

func WithTypingTTL(d time.Duration) Option {
	return func(c *Client) { c.typingTTL = d }
}

// WithSendOverPush sends messages as send_message push events while
// connected instead of over REST.
func WithSendOverPush(on bool) Option {
	return func(c *Client) { c.sendOverPush = on }
}

func WithHistoryPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

func WithPersistDebounce(d time.Duration) Option {
	return func(c *Client) { c.persistDebounce = d }
}

func WithCacheLoadWait(d time.Duration) Option {
	return func(c *Client) { c.cacheLoadWait = d }
}

// WithSnapshotKey signs cached snapshots with HMAC-SHA256.
func WithSnapshotKey(key []byte) Option {
	return func(c *Client) { c.snapshotKey = key }
}

// NewClient creates a client authenticated with token. Nothing is dialed
// until Connect.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		roomIDs:    make(map[string]string),
		rooms:      make(map[string]*RoomSession),
		routed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.store == nil {
		c.store = kvstore.NewMemory()
	}
	if c.instanceID == "" {
		c.instanceID = uuid.NewString()
	}
	if c.transport == nil {
		// The websocket dialer rejects clients with a Timeout set.
		c.transport = WebSocketTransport{}
	}

	c.rest = &restClient{
		baseURL:    c.baseURL,
		token:      token,
		httpClient: c.httpClient,
		logger:     c.logger.Named("rest"),
		metrics:    c.metrics,
	}
	c.cache = NewSnapshotCache(c.store, CacheOptions{
		Debounce: c.persistDebounce,
		LoadWait: c.cacheLoadWait,
		Key:      c.snapshotKey,
		Logger:   c.logger.Named("cache"),
		Metrics:  c.metrics,
	})
	c.presence = NewPresenceTracker(c.typingTTL, c.logger)
	c.poller = NewPoller(PollerConfig{
		Interval: c.pollInterval,
		Timeout:  c.pollTimeout,
		Fetch: func(ctx context.Context, roomID string, after int64) ([]Message, error) {
			return c.rest.FetchMessages(ctx, roomID, after, c.pageSize)
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	c.conn = NewConnectionManager(ConnectionConfig{
		URL:                c.wsURL,
		Credentials:        Credentials{Token: token},
		Transport:          c.transport,
		ReconnectBaseDelay: c.backoffBase,
		ReconnectMaxDelay:  c.backoffMax,
		ReconnectJitter:    c.backoffJitter,
		DegradedAfter:      c.degradedAfter,
		HeartbeatInterval:  c.heartbeat,
		Logger:             c.logger,
		Metrics:            c.metrics,
	})
	if c.wsURL == "" {
		c.poller.SetDegraded(true)
	}

	c.events = c.conn.Events(64)
	go c.route()
	return c
}

// InstanceID returns the prefix of this client's temp ids.
func (c *Client) InstanceID() string { return c.instanceID }

func (c *Client) nextTempID() string {
	return c.instanceID + ":" + strconv.FormatUint(tempCounter.Add(1), 10)
}

// Self returns the local participant identity.
func (c *Client) Self() Identity {
	if c.identity.UserID != "" {
		return c.identity
	}
	if id := c.conn.Identity(); id.UserID != "" {
		return id
	}
	return Credentials{Token: c.token}.Identity()
}

// Connect opens the push connection. Only credential problems are
// returned; network failures are retried in the background and reported
// through State, Degraded and Events. A client without a push endpoint
// returns nil and polls.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c.wsURL == "" {
		if err := (Credentials{Token: c.token}).Check(time.Now()); err != nil {
			return err
		}
		return nil
	}
	return c.conn.Connect(ctx)
}

// State returns the push connection state.
func (c *Client) State() ConnectionState { return c.conn.State() }

// Degraded reports whether rooms currently rely on polling.
func (c *Client) Degraded() bool { return c.wsURL == "" || c.conn.Degraded() }

// Events subscribes to the raw connection event stream.
func (c *Client) Events(buffer int) *Subscription { return c.conn.Events(buffer) }

// Presence returns the shared presence tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Metrics returns the client's collectors.
func (c *Client) Metrics() *Metrics { return c.metrics }

// route forwards connection events to rooms, the presence tracker and the
// poller.
func (c *Client) route() {
	defer close(c.routed)
	for {
		select {
		case <-c.events.Done():
			return
		case ev := <-c.events.C:
			c.dispatch(ev)
		}
	}
}

func (c *Client) dispatch(ev Event) {
	switch ev.Kind {
	case EventMessageReceived:
		if room, ok := c.Room(ev.RoomID); ok {
			room.AppendIncoming(ev.Message, ev.TempID)
		}
	case EventPresenceChanged:
		c.presence.Apply(ev.Presence)
	case EventDegradedChanged:
		c.poller.SetDegraded(ev.Degraded)
	case EventRoomSubscribed:
		c.poller.MarkSubscribed(ev.RoomID)
		if room, ok := c.Room(ev.RoomID); ok && room.claimSession(ev.Session) {
			room.startCatchUp()
		}
	case EventConnectionStateChanged:
		if ev.State == StateDisconnected && ev.Err != nil {
			c.logger.Error("push connection stopped", zap.Error(ev.Err))
			c.poller.SetDegraded(true)
		}
	}
}

// ============================================================================
// Rooms
// ============================================================================

// CreateOrGetRoom returns the id of the room shared with counselorID.
// Results are memoized and concurrent calls share one request.
func (c *Client) CreateOrGetRoom(ctx context.Context, counselorID string) (string, error) {
	c.mu.Lock()
	id, ok := c.roomIDs[counselorID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do("create:"+counselorID, func() (interface{}, error) {
		id, err := c.rest.CreateRoom(ctx, counselorID)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.roomIDs[counselorID] = id
		c.mu.Unlock()
		c.logger.Debug("room resolved", zap.String("counselor_id", counselorID), zap.String("room_id", id))
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Open resolves the room shared with counselorID and opens it.
func (c *Client) Open(ctx context.Context, counselorID string) (*RoomSession, error) {
	id, err := c.CreateOrGetRoom(ctx, counselorID)
	if err != nil {
		return nil, err
	}
	return c.OpenRoom(ctx, id)
}

// Room returns an open room.
func (c *Client) Room(roomID string) (*RoomSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

// OpenRoom hydrates roomID from the snapshot cache, subscribes to its push
// events and starts catching up from the network. Opening an open room
// returns the existing session.
func (c *Client) OpenRoom(ctx context.Context, roomID string) (*RoomSession, error) {
	if roomID == "" {
		return nil, errors.New("chatsync: empty room id")
	}
	v, err, _ := c.group.Do("open:"+roomID, func() (interface{}, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if r, ok := c.rooms[roomID]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		r := newRoomSession(ctx, roomConfig{
			roomID:           roomID,
			self:             c.Self,
			nextTempID:       c.nextTempID,
			api:              c.rest,
			push:             c.pushSender(),
			cache:            c.cache,
			poller:           c.poller,
			presence:         c.presence,
			reconcileTimeout: c.reconcileTimeout,
			matchWindow:      c.matchWindow,
			typingTTL:        c.typingTTL,
			sendOverPush:     c.sendOverPush,
			pageSize:         c.pageSize,
			logger:           c.logger.Named("room"),
			metrics:          c.metrics,
			onClose:          c.forget,
		})

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			r.Close()
			return nil, ErrClosed
		}
		c.rooms[roomID] = r
		c.mu.Unlock()

		if c.wsURL != "" {
			if err := c.conn.Subscribe(ctx, roomID); err != nil {
				c.logger.Warn("subscribe failed", zap.String("room_id", roomID), zap.Error(err))
			}
			// The catch-up below covers joins on sessions up to this one.
			r.claimSession(c.conn.Session())
		}
		r.startCatchUp()
		c.logger.Info("room opened", zap.String("room_id", roomID), zap.Int("hydrated", r.rec.Len()))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RoomSession), nil
}

func (c *Client) pushSender() pushSender {
	if c.wsURL == "" {
		return nil
	}
	return c.conn
}

func (c *Client) forget(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	c.conn.Unsubscribe(roomID)
	c.presence.Forget(roomID)
}

// Close closes every room, the connection, the poller and the cache. It
// does not close a store given with WithStore.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rooms := make([]*RoomSession, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	err := c.conn.Disconnect()
	c.events.Close()
	<-c.routed

	for _, r := range rooms {
		r.Close()
	}
	c.poller.Close()
	c.presence.Close()
	c.cache.Close()
	return err
}

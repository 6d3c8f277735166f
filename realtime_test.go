package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Scripted transport
// ============================================================================

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frame queues a server frame for the client to read.
func (c *fakeConn) frame(t *testing.T, typ string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(envelope{Type: typ, Payload: p})
	require.NoError(t, err)
	c.in <- data
}

// commands returns the payloads of written commands of type typ.
func (c *fakeConn) commands(typ string) []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]string
	for _, data := range c.written {
		var cmd struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) == nil && cmd.Type == typ {
			out = append(out, cmd.Payload)
		}
	}
	return out
}

func (c *fakeConn) joins(roomID string) int {
	n := 0
	for _, p := range c.commands(cmdJoinRoom) {
		if p["roomId"] == roomID {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	t     *testing.T
	fail  atomic.Bool
	dials atomic.Int32
	conns chan *fakeConn

	mu        sync.Mutex
	errs      []error
	handshake func(c *fakeConn)
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{t: t, conns: make(chan *fakeConn, 32)}
}

func (f *fakeTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	f.dials.Add(1)
	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	handshake := f.handshake
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f.fail.Load() {
		return nil, &NetworkError{Op: "websocket dial", Err: errors.New("connection refused")}
	}

	c := newFakeConn()
	if handshake != nil {
		handshake(c)
	} else {
		c.frame(f.t, frameAuthenticated, map[string]any{"userId": 7, "username": "ana", "fullName": "Ana Student"})
	}
	f.conns <- c
	return c, nil
}

func (f *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func newTestManager(t *testing.T, tr *fakeTransport, mod ...func(*ConnectionConfig)) *ConnectionManager {
	t.Helper()
	cfg := ConnectionConfig{
		URL:                "ws://chat.test/ws",
		Credentials:        Credentials{Token: "opaque-token"},
		Transport:          tr,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		DegradedAfter:      3,
		HeartbeatInterval:  time.Hour,
		HandshakeTimeout:   time.Second,
		Rand:               func() float64 { return 0.5 },
	}
	for _, f := range mod {
		f(&cfg)
	}
	m := NewConnectionManager(cfg)
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func waitEvent(t *testing.T, sub *Subscription, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("event not published")
			return Event{}
		}
	}
}

func stateIs(s ConnectionState) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == EventConnectionStateChanged && ev.State == s }
}

// ============================================================================
// Tests
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := ConnectionConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectJitter:    0.2,
		Rand:               func() float64 { return 0.5 },
	}

	t.Run("doubles up to the cap", func(t *testing.T) {
		r := newReconnector(&cfg)
		now := time.Now()
		var got []time.Duration
		for i := 0; i < 7; i++ {
			got = append(got, r.nextDelay(now))
		}
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 30 * time.Second, 30 * time.Second,
		}, got)
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		for _, v := range []float64{0, 0.25, 0.75, 0.9999} {
			c := cfg
			c.Rand = func() float64 { return v }
			r := newReconnector(&c)
			now := time.Now()
			for i := 0; i < 10; i++ {
				want := time.Duration(1<<uint(i)) * time.Second
				if want > c.ReconnectMaxDelay {
					want = c.ReconnectMaxDelay
				}
				d := r.nextDelay(now)
				assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8)-time.Millisecond)
				assert.LessOrEqual(t, d, c.ReconnectMaxDelay)
			}
		}
	})

	t.Run("resets after a stable connection", func(t *testing.T) {
		r := newReconnector(&cfg)
		now := time.Now()
		r.nextDelay(now)
		r.nextDelay(now)
		r.markConnected(now)
		assert.Equal(t, time.Second, r.nextDelay(now.Add(61*time.Second)))

		r.nextDelay(now)
		r.markConnected(now)
		assert.Equal(t, 4*time.Second, r.nextDelay(now.Add(time.Second)), "short-lived connection keeps the attempt count")
	})
}

func TestConnectionManagerConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("handshake reports identity", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr)
		sub := m.Events(64)
		defer sub.Close()

		require.NoError(t, m.Connect(ctx))
		waitEvent(t, sub, stateIs(StateConnected))
		assert.Equal(t, StateConnected, m.State())
		assert.Equal(t, Identity{UserID: "7", Username: "ana", FullName: "Ana Student"}, m.Identity())
		assert.False(t, m.Degraded())
	})

	t.Run("missing token is an auth error", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr, func(c *ConnectionConfig) { c.Credentials = Credentials{} })
		err := m.Connect(ctx)
		assert.True(t, IsAuthError(err))
		assert.Zero(t, tr.dials.Load())
	})

	t.Run("expired token is rejected before dialing", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"userId": "7",
			"exp":    time.Now().Add(-time.Minute).Unix(),
		}).SignedString([]byte("secret"))
		require.NoError(t, err)

		tr := newFakeTransport(t)
		m := newTestManager(t, tr, func(c *ConnectionConfig) { c.Credentials = Credentials{Token: token} })
		assert.True(t, IsAuthError(m.Connect(ctx)))
		assert.Zero(t, tr.dials.Load())
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("handshake rejection is not retried", func(t *testing.T) {
		tr := newFakeTransport(t)
		tr.handshake = func(c *fakeConn) {
			c.frame(t, frameError, errorPayload{Code: "unauthorized", Message: "invalid token"})
		}
		m := newTestManager(t, tr)

		err := m.Connect(ctx)
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "invalid token", ae.Reason)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), tr.dials.Load())
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("dial auth failure is not retried", func(t *testing.T) {
		tr := newFakeTransport(t)
		tr.errs = []error{&AuthError{Reason: "handshake rejected"}}
		m := newTestManager(t, tr)

		assert.True(t, IsAuthError(m.Connect(ctx)))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), tr.dials.Load())
	})

	t.Run("network failures retry in the background", func(t *testing.T) {
		tr := newFakeTransport(t)
		netErr := &NetworkError{Op: "websocket dial", Err: errors.New("connection refused")}
		tr.errs = []error{netErr, netErr}
		m := newTestManager(t, tr)
		sub := m.Events(64)
		defer sub.Close()

		require.NoError(t, m.Connect(ctx))
		ev := waitEvent(t, sub, stateIs(StateReconnecting))
		assert.Positive(t, ev.Attempt)
		assert.Positive(t, ev.Delay)
		waitEvent(t, sub, stateIs(StateConnected))
		assert.Equal(t, int32(3), tr.dials.Load())
	})
}

func TestConnectionManagerDisconnect(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(t)
	m := newTestManager(t, tr)

	require.NoError(t, m.Connect(ctx))
	c := tr.next(t)
	require.NoError(t, m.Disconnect())
	assert.True(t, c.isClosed())
	assert.Equal(t, StateDisconnected, m.State())

	assert.ErrorIs(t, m.Connect(ctx), ErrClosed)
	assert.ErrorIs(t, m.SendMessage(ctx, "r1", "hi", MessageText, "t1"), ErrNotConnected)
	assert.NoError(t, m.Disconnect())
}

func TestConnectionManagerResubscribe(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(t)
	m := newTestManager(t, tr)
	sub := m.Events(64)
	defer sub.Close()

	require.NoError(t, m.Subscribe(ctx, "r1"))
	require.NoError(t, m.Subscribe(ctx, "r2"))
	assert.Equal(t, []string{"r1", "r2"}, m.Subscriptions())

	require.NoError(t, m.Connect(ctx))
	first := tr.next(t)
	assert.Equal(t, 1, first.joins("r1"))
	assert.Equal(t, 1, first.joins("r2"))
	assert.True(t, m.Joined("r1"))

	require.NoError(t, m.Subscribe(ctx, "r1"))
	assert.Equal(t, 1, first.joins("r1"), "already joined on this connection")

	require.NoError(t, m.Subscribe(ctx, "r3"))
	assert.Equal(t, 1, first.joins("r3"))
	ev := waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventRoomSubscribed && ev.RoomID == "r3" })
	assert.Equal(t, uint64(1), ev.Session)

	m.Unsubscribe("r2")
	first.Close("drop")
	waitEvent(t, sub, stateIs(StateReconnecting))

	second := tr.next(t)
	ev = waitEvent(t, sub, stateIs(StateConnected))
	assert.Equal(t, uint64(2), ev.Session)
	ev = waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventRoomSubscribed && ev.RoomID == "r1" })
	assert.Equal(t, uint64(2), ev.Session, "rejoin carries the new session")
	assert.Equal(t, uint64(2), m.Session())
	require.Eventually(t, func() bool { return second.joins("r3") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, second.joins("r1"))
	assert.Zero(t, second.joins("r2"))
	assert.Equal(t, 1, first.joins("r1"), "old connection is not reused")
}

func TestConnectionManagerBacksOffWhileFlapping(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(t)
	m := newTestManager(t, tr)
	sub := m.Events(256)
	defer sub.Close()

	require.NoError(t, m.Connect(ctx))
	var delays []time.Duration
	for len(delays) < 3 {
		tr.next(t).Close("drop")
		ev := waitEvent(t, sub, stateIs(StateReconnecting))
		delays = append(delays, ev.Delay)
	}
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, delays,
		"connections that drop right after the handshake keep backing off")
}

func TestConnectionManagerDegraded(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(t)
	tr.fail.Store(true)
	m := newTestManager(t, tr)
	sub := m.Events(256)
	defer sub.Close()

	require.NoError(t, m.Connect(ctx))
	waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventDegradedChanged && ev.Degraded })
	assert.True(t, m.Degraded())
	assert.GreaterOrEqual(t, tr.dials.Load(), int32(3))

	tr.fail.Store(false)
	waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventDegradedChanged && !ev.Degraded })
	assert.False(t, m.Degraded())
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectionManagerFrames(t *testing.T) {
	ctx := context.Background()

	t.Run("messages and presence become events", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr)
		sub := m.Events(64)
		defer sub.Close()
		require.NoError(t, m.Connect(ctx))
		c := tr.next(t)

		c.frame(t, frameNewMessage, map[string]any{
			"roomId": 12,
			"tempId": "inst:1",
			"message": map[string]any{
				"messageId": 99,
				"text":      "hello",
				"sender":    map[string]any{"userId": 7, "username": "ana"},
				"sentAt":    "2026-03-02T09:00:00Z",
			},
		})
		ev := waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventMessageReceived })
		assert.Equal(t, "12", ev.RoomID)
		assert.Equal(t, "inst:1", ev.TempID)
		assert.Equal(t, int64(99), ev.Message.ServerID)
		assert.Equal(t, "ana", ev.Message.SenderName)
		assert.Equal(t, Confirmed, ev.Message.AckState)

		c.frame(t, frameStatusChange, map[string]any{"roomId": "12", "userId": 8, "status": "typing"})
		ev = waitEvent(t, sub, func(ev Event) bool { return ev.Kind == EventPresenceChanged })
		assert.Equal(t, "8", ev.Presence.UserID)
		assert.Equal(t, StatusTyping, ev.Presence.Status)
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr)
		sub := m.Events(64)
		defer sub.Close()
		require.NoError(t, m.Connect(ctx))
		c := tr.next(t)

		c.in <- []byte("not json")
		c.frame(t, frameNewMessage, map[string]any{"roomId": 1, "message": map[string]any{"messageId": "x"}})
		c.frame(t, frameStatusChange, map[string]any{"roomId": "1", "userId": "2", "status": "online"})
		ev := waitEvent(t, sub, func(ev Event) bool {
			return ev.Kind == EventPresenceChanged || ev.Kind == EventMessageReceived
		})
		assert.Equal(t, EventPresenceChanged, ev.Kind)
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("unauthorized frame ends the session", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr)
		sub := m.Events(64)
		defer sub.Close()
		require.NoError(t, m.Connect(ctx))
		c := tr.next(t)

		c.frame(t, frameError, errorPayload{Code: "unauthorized", Message: "token revoked"})
		ev := waitEvent(t, sub, stateIs(StateDisconnected))
		assert.True(t, IsAuthError(ev.Err))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), tr.dials.Load())
	})

	t.Run("commands carry the room", func(t *testing.T) {
		tr := newFakeTransport(t)
		m := newTestManager(t, tr)
		require.NoError(t, m.Connect(ctx))
		c := tr.next(t)

		require.NoError(t, m.SendMessage(ctx, "12", "hi", MessageText, "inst:5"))
		require.NoError(t, m.StartTyping(ctx, "12"))
		require.NoError(t, m.StopTyping(ctx, "12"))

		sent := c.commands(cmdSendMessage)
		require.Len(t, sent, 1)
		assert.Equal(t, map[string]string{"roomId": "12", "text": "hi", "type": "text", "tempId": "inst:5"}, sent[0])
		assert.Len(t, c.commands(cmdTypingStart), 1)
		assert.Len(t, c.commands(cmdTypingStop), 1)
	})
}

func TestConnectionManagerHeartbeat(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(t)
	m := newTestManager(t, tr, func(c *ConnectionConfig) { c.HeartbeatInterval = 20 * time.Millisecond })

	require.NoError(t, m.Connect(ctx))
	first := tr.next(t)

	require.Eventually(t, func() bool { return len(first.commands(cmdPing)) > 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond, "silent connection not closed")

	second := tr.next(t)
	assert.False(t, second.isClosed())
}

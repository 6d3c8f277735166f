package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollRecorder struct {
	mu      sync.Mutex
	hwm     int64
	batches [][]Message
}

func (s *pollRecorder) HighWaterMark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwm
}

func (s *pollRecorder) ApplyPolled(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, msgs)
	for _, m := range msgs {
		if m.ServerID > s.hwm {
			s.hwm = m.ServerID
		}
	}
}

func (s *pollRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// countingFetch serves one new message per call and tracks concurrency.
type countingFetch struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	afters   chan int64
}

func (f *countingFetch) fetch(ctx context.Context, roomID string, after int64) ([]Message, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.calls.Add(1)
	if f.afters != nil {
		select {
		case f.afters <- after:
		default:
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []Message{serverMsg(after+1, "u2", "polled", time.Now())}, nil
}

func TestPoller(t *testing.T) {
	t.Run("timeout is clamped below the interval", func(t *testing.T) {
		p := NewPoller(PollerConfig{Interval: time.Second, Timeout: 5 * time.Second})
		defer p.Close()
		assert.Equal(t, 800*time.Millisecond, p.timeout)

		p = NewPoller(PollerConfig{Interval: time.Second, Timeout: 100 * time.Millisecond})
		defer p.Close()
		assert.Equal(t, 100*time.Millisecond, p.timeout)

		p = NewPoller(PollerConfig{})
		defer p.Close()
		assert.Equal(t, DefaultPollInterval, p.interval)
		assert.Equal(t, DefaultPollInterval*4/5, p.timeout)
	})

	t.Run("polls only visible degraded rooms", func(t *testing.T) {
		f := &countingFetch{}
		p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond, Fetch: f.fetch})
		defer p.Close()
		sink := &pollRecorder{}

		p.Track("r1", sink)
		assert.False(t, p.Active("r1"))

		p.SetDegraded(true)
		assert.True(t, p.Active("r1"))
		require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)

		p.SetVisible("r1", false)
		assert.False(t, p.Active("r1"))
		p.SetVisible("r1", true)
		assert.True(t, p.Active("r1"))

		p.MarkSubscribed("r1")
		assert.False(t, p.Active("r1"))
	})

	t.Run("fetches resume from the high-water mark", func(t *testing.T) {
		f := &countingFetch{afters: make(chan int64, 8)}
		p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond, Fetch: f.fetch})
		defer p.Close()
		sink := &pollRecorder{hwm: 41}

		p.SetDegraded(true)
		p.Track("r1", sink)
		assert.Equal(t, int64(41), <-f.afters)
		assert.Equal(t, int64(42), <-f.afters)
	})

	t.Run("clearing degraded leaves tracked rooms polling", func(t *testing.T) {
		f := &countingFetch{}
		p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond, Fetch: f.fetch})
		defer p.Close()

		p.SetDegraded(true)
		p.Track("r1", &pollRecorder{})
		p.SetDegraded(false)
		assert.True(t, p.Active("r1"), "a room stops polling once it is resubscribed")

		p.Track("r2", &pollRecorder{})
		assert.False(t, p.Active("r2"))
	})

	t.Run("fetches never overlap", func(t *testing.T) {
		f := &countingFetch{delay: 15 * time.Millisecond}
		p := NewPoller(PollerConfig{Interval: 20 * time.Millisecond, Timeout: 18 * time.Millisecond, Fetch: f.fetch})
		defer p.Close()

		p.SetDegraded(true)
		p.Track("r1", &pollRecorder{})
		for i := 0; i < 5; i++ {
			p.SetVisible("r1", false)
			p.SetVisible("r1", true)
			time.Sleep(7 * time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		assert.False(t, f.overlap.Load())
		assert.Positive(t, f.calls.Load())
	})

	t.Run("slow fetch times out", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		f := &countingFetch{delay: time.Hour}
		p := NewPoller(PollerConfig{Interval: 50 * time.Millisecond, Fetch: f.fetch, Metrics: NewMetrics(reg)})
		defer p.Close()

		p.SetDegraded(true)
		p.Track("r1", &pollRecorder{})
		require.Eventually(t, func() bool {
			return metricValue(t, reg, "chatsync_poll_fetches_total", "result", "timeout") >= 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("errors are counted and polling continues", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		var calls atomic.Int32
		fetch := func(ctx context.Context, roomID string, after int64) ([]Message, error) {
			calls.Add(1)
			return nil, &NetworkError{Op: "fetch messages", Err: errors.New("502 bad gateway")}
		}
		p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond, Fetch: fetch, Metrics: NewMetrics(reg)})
		defer p.Close()

		p.SetDegraded(true)
		p.Track("r1", &pollRecorder{})
		require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		assert.GreaterOrEqual(t, metricValue(t, reg, "chatsync_poll_fetches_total", "result", "error"), 2.0)
	})

	t.Run("untrack waits for the fetch", func(t *testing.T) {
		f := &countingFetch{delay: time.Hour}
		p := NewPoller(PollerConfig{Interval: time.Second, Fetch: f.fetch})
		defer p.Close()

		p.SetDegraded(true)
		p.Track("r1", &pollRecorder{})
		require.Eventually(t, func() bool { return f.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)
		p.Untrack("r1")
		assert.Zero(t, f.inFlight.Load())
		assert.False(t, p.Active("r1"))
	})

	t.Run("closed poller ignores new rooms", func(t *testing.T) {
		p := NewPoller(PollerConfig{Interval: 10 * time.Millisecond})
		p.SetDegraded(true)
		p.Close()
		p.Track("r1", &pollRecorder{})
		assert.False(t, p.Active("r1"))
	})
}

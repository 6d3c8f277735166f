package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 3 * time.Second

// FetchFunc fetches messages of roomID with a server id above after.
type FetchFunc func(ctx context.Context, roomID string, after int64) ([]Message, error)

// PollSink receives poll batches for one room.
type PollSink interface {
	HighWaterMark() int64
	ApplyPolled(msgs []Message)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	// Timeout bounds each fetch. It is clamped to 80% of Interval so a
	// fetch always ends before the next one is due.
	Timeout time.Duration
	Fetch   FetchFunc
	Logger  *zap.Logger
	Metrics *Metrics
}

// Poller runs the HTTP fallback. A tracked room is polled while it is
// visible and push-degraded; fetches for one room never overlap.
type Poller struct {
	interval time.Duration
	timeout  time.Duration
	fetch    FetchFunc
	logger   *zap.Logger
	metrics  *Metrics

	mu       sync.Mutex
	rooms    map[string]*polledRoom
	degraded bool
	closed   bool
}

type polledRoom struct {
	id       string
	sink     PollSink
	visible  bool
	degraded bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPoller creates a Poller with no tracked rooms.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if max := cfg.Interval * 4 / 5; cfg.Timeout <= 0 || cfg.Timeout > max {
		cfg.Timeout = max
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Poller{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		fetch:    cfg.Fetch,
		logger:   cfg.Logger.Named("poller"),
		metrics:  cfg.Metrics,
		rooms:    make(map[string]*polledRoom),
	}
}

// Track starts managing roomID. The room starts visible and inherits the
// current degraded flag.
func (p *Poller) Track(roomID string, sink PollSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.rooms[roomID] != nil {
		return
	}
	r := &polledRoom{id: roomID, sink: sink, visible: true, degraded: p.degraded}
	p.rooms[roomID] = r
	p.update(r)
}

// Untrack stops polling roomID and waits for its in-flight fetch to end.
func (p *Poller) Untrack(roomID string) {
	p.mu.Lock()
	r := p.rooms[roomID]
	if r == nil {
		p.mu.Unlock()
		return
	}
	delete(p.rooms, roomID)
	done := p.stop(r)
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SetVisible records whether roomID is on screen.
func (p *Poller) SetVisible(roomID string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.rooms[roomID]; r != nil && r.visible != visible {
		r.visible = visible
		p.update(r)
	}
}

// SetDegraded follows the connection's degraded flag. Raising it marks
// every tracked room push-degraded. Clearing it only affects rooms tracked
// later: a room leaves degraded mode through MarkSubscribed.
func (p *Poller) SetDegraded(degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = degraded
	if !degraded {
		return
	}
	for _, r := range p.rooms {
		if !r.degraded {
			r.degraded = true
			p.update(r)
		}
	}
}

// MarkSubscribed records a successful push resubscription for roomID and
// stops its polling.
func (p *Poller) MarkSubscribed(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.rooms[roomID]; r != nil && r.degraded {
		r.degraded = false
		p.update(r)
	}
}

// Active reports whether roomID is being polled.
func (p *Poller) Active(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.rooms[roomID]
	return r != nil && r.cancel != nil
}

// Close stops every room and waits for in-flight fetches.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	var waits []chan struct{}
	for id, r := range p.rooms {
		if done := p.stop(r); done != nil {
			waits = append(waits, done)
		}
		delete(p.rooms, id)
	}
	p.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

// update starts or stops r's loop. Callers hold p.mu.
func (p *Poller) update(r *polledRoom) {
	active := !p.closed && r.visible && r.degraded
	switch {
	case active && r.cancel == nil:
		ctx, cancel := context.WithCancel(context.Background())
		prev := r.done
		done := make(chan struct{})
		r.cancel, r.done = cancel, done
		p.logger.Debug("polling started", zap.String("room_id", r.id))
		go p.loop(ctx, r, prev, done)
	case !active && r.cancel != nil:
		p.stop(r)
		p.logger.Debug("polling stopped", zap.String("room_id", r.id))
	}
}

func (p *Poller) stop(r *polledRoom) chan struct{} {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.cancel = nil
	return r.done
}

func (p *Poller) loop(ctx context.Context, r *polledRoom, prev, done chan struct{}) {
	defer close(done)
	// A restarted loop waits for the previous one so fetches never overlap.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx, r)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, r *polledRoom) {
	if p.fetch == nil {
		return
	}
	after := r.sink.HighWaterMark()
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	msgs, err := p.fetch(fctx, r.id, after)
	cancel()

	switch {
	case ctx.Err() != nil:
		p.metrics.PollFetches.WithLabelValues("canceled").Inc()
		return
	case errors.Is(err, context.DeadlineExceeded):
		p.metrics.PollFetches.WithLabelValues("timeout").Inc()
		p.logger.Warn("poll fetch timed out", zap.String("room_id", r.id), zap.Duration("timeout", p.timeout))
		return
	case err != nil:
		p.metrics.PollFetches.WithLabelValues("error").Inc()
		p.logger.Warn("poll fetch failed", zap.String("room_id", r.id), zap.Error(err))
		return
	}
	p.metrics.PollFetches.WithLabelValues("ok").Inc()
	if len(msgs) > 0 {
		r.sink.ApplyPolled(msgs)
	}
}

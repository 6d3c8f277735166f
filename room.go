package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultReconcileTimeout is how long an optimistic send may stay unconfirmed.
const DefaultReconcileTimeout = 8 * time.Second

// DefaultHistoryPageSize is the page size used when none is given.
const DefaultHistoryPageSize = 50

// messageAPI is the REST surface a room needs.
type messageAPI interface {
	FetchMessages(ctx context.Context, roomID string, after int64, limit int) ([]Message, error)
	PostMessage(ctx context.Context, roomID, text string, typ MessageType, tempID string) (Message, string, error)
}

// pushSender is the push surface a room needs.
type pushSender interface {
	State() ConnectionState
	SendMessage(ctx context.Context, roomID, text string, typ MessageType, tempID string) error
	StartTyping(ctx context.Context, roomID string) error
	StopTyping(ctx context.Context, roomID string) error
}

type roomConfig struct {
	roomID     string
	self       func() Identity
	nextTempID func() string
	api        messageAPI
	push       pushSender
	cache      *SnapshotCache
	poller     *Poller
	presence   *PresenceTracker

	reconcileTimeout time.Duration
	matchWindow      time.Duration
	typingTTL        time.Duration
	sendOverPush     bool
	pageSize         int

	logger  *zap.Logger
	metrics *Metrics
	onClose func(roomID string)
}

// Participant is a member of a room's roster.
type Participant struct {
	UserID   string
	Name     string
	Presence Presence
}

// RoomSession owns one conversation's live state. Every timeline change
// goes through its Reconciler.
type RoomSession struct {
	id     string
	cfg    roomConfig
	rec    *Reconciler
	logger *zap.Logger
	notify *notifier

	ctx     context.Context
	cancel  context.CancelFunc
	version atomic.Uint64
	tasks   sync.WaitGroup

	mu          sync.Mutex
	epoch       uint64
	closed      bool
	session     uint64
	futures     map[string]*SendFuture
	posting     map[string]bool
	timers      map[string]*time.Timer
	typing      bool
	typingTimer *time.Timer
}

func newRoomSession(ctx context.Context, cfg roomConfig) *RoomSession {
	if cfg.reconcileTimeout <= 0 {
		cfg.reconcileTimeout = DefaultReconcileTimeout
	}
	if cfg.typingTTL <= 0 {
		cfg.typingTTL = DefaultTypingTTL
	}
	if cfg.pageSize <= 0 {
		cfg.pageSize = DefaultHistoryPageSize
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}
	if cfg.self == nil {
		cfg.self = func() Identity { return Identity{} }
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &RoomSession{
		id:      cfg.roomID,
		cfg:     cfg,
		rec:     NewReconciler(cfg.roomID, cfg.matchWindow),
		logger:  cfg.logger.With(zap.String("room_id", cfg.roomID)),
		notify:  newNotifier(),
		ctx:     rctx,
		cancel:  cancel,
		futures: make(map[string]*SendFuture),
		posting: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}

	if cfg.cache != nil {
		if n := r.rec.Hydrate(cfg.cache.Load(ctx, r.id, CategoryMessages)); n > 0 {
			r.logger.Debug("hydrated from snapshot", zap.Int("messages", n))
			r.version.Add(1)
		}
	}
	if cfg.poller != nil {
		cfg.poller.Track(r.id, r)
	}
	return r
}

// ID returns the room id.
func (r *RoomSession) ID() string { return r.id }

// Timeline returns the ordered timeline.
func (r *RoomSession) Timeline() []Message { return r.rec.Snapshot() }

// HighWaterMark returns the highest server id seen from the network.
func (r *RoomSession) HighWaterMark() int64 { return r.rec.HighWaterMark() }

// Updates returns a watch signalled with the room version after every
// timeline change.
func (r *RoomSession) Updates() *Watch { return r.notify.watch() }

// Version is bumped on every timeline change.
func (r *RoomSession) Version() uint64 { return r.version.Load() }

// Participants returns the roster: message senders and users with a known
// presence, sorted by user id.
func (r *RoomSession) Participants() []Participant {
	byID := make(map[string]*Participant)
	for _, m := range r.rec.Snapshot() {
		if m.SenderID == "" || m.Type == MessageSystem {
			continue
		}
		p := byID[m.SenderID]
		if p == nil {
			p = &Participant{UserID: m.SenderID}
			byID[m.SenderID] = p
		}
		if m.SenderName != "" {
			p.Name = m.SenderName
		}
	}
	if r.cfg.presence != nil {
		for id, st := range r.cfg.presence.Room(r.id) {
			p := byID[id]
			if p == nil {
				p = &Participant{UserID: id, Name: id}
				byID[id] = p
			}
			p.Presence = st
		}
	}
	out := make([]Participant, 0, len(byID))
	for _, p := range byID {
		if p.Name == "" {
			p.Name = p.UserID
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ============================================================================
// Sending
// ============================================================================

// SendFuture resolves when an optimistic send is confirmed, rejected, or
// times out.
type SendFuture struct {
	tempID string
	done   chan struct{}
	once   sync.Once
	msg    Message
	err    error
}

func newSendFuture(tempID string) *SendFuture {
	return &SendFuture{tempID: tempID, done: make(chan struct{})}
}

// TempID returns the provisional id of the message.
func (f *SendFuture) TempID() string { return f.tempID }

// Done is closed once the future is resolved.
func (f *SendFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the send resolves or ctx ends.
func (f *SendFuture) Wait(ctx context.Context) (Message, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (f *SendFuture) resolve(m Message, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.msg, f.err = m, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Send inserts a Pending text message and delivers it in the background.
func (r *RoomSession) Send(ctx context.Context, text string) (*SendFuture, error) {
	return r.send(ctx, text, MessageText)
}

// SendSystem is Send for a system notice.
func (r *RoomSession) SendSystem(ctx context.Context, text string) (*SendFuture, error) {
	return r.send(ctx, text, MessageSystem)
}

func (r *RoomSession) send(ctx context.Context, text string, typ MessageType) (*SendFuture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	self := r.cfg.self()
	pending := Message{
		TempID:     r.cfg.nextTempID(),
		SenderID:   self.UserID,
		SenderName: self.DisplayName(),
		Text:       text,
		Type:       typ,
		SentAt:     time.Now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	m, ok := r.rec.AddPending(pending)
	if !ok {
		r.mu.Unlock()
		return nil, errors.New("chatsync: duplicate temp id " + pending.TempID)
	}
	f := newSendFuture(m.TempID)
	r.futures[m.TempID] = f
	epoch := r.epoch
	r.timers[m.TempID] = time.AfterFunc(r.cfg.reconcileTimeout, func() { r.expire(epoch, m.TempID) })
	r.tasks.Add(1)
	r.mu.Unlock()

	r.logger.Debug("pending send", zap.String("temp_id", m.TempID))
	r.changed()
	go r.deliver(m)
	return f, nil
}

// deliver sends m over push when configured and connected, else over REST.
func (r *RoomSession) deliver(m Message) {
	defer r.tasks.Done()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.reconcileTimeout)
	defer cancel()

	if r.cfg.sendOverPush && r.cfg.push != nil && r.cfg.push.State() == StateConnected {
		err := r.cfg.push.SendMessage(ctx, r.id, m.Text, m.Type, m.TempID)
		if err == nil {
			return
		}
		r.logger.Debug("push send failed, using REST", zap.String("temp_id", m.TempID), zap.Error(err))
	}

	// A heuristic match does not settle the future while the post is in
	// flight.
	r.mu.Lock()
	r.posting[m.TempID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.posting, m.TempID)
		r.mu.Unlock()
		r.settle()
	}()

	delay := 250 * time.Millisecond
	for {
		confirmed, echo, err := r.cfg.api.PostMessage(ctx, r.id, m.Text, m.Type, m.TempID)
		if err == nil {
			if echo == "" {
				echo = m.TempID
			}
			r.apply(confirmed, echo, "rest")
			return
		}
		var ne *NetworkError
		if !errors.As(err, &ne) || ctx.Err() != nil {
			if ctx.Err() == nil {
				r.failSend(m.TempID, err)
			}
			return
		}
		r.logger.Warn("send failed, retrying", zap.String("temp_id", m.TempID), zap.Error(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay *= 2; delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}

func (r *RoomSession) expire(epoch uint64, tempID string) {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	delete(r.timers, tempID)
	r.mu.Unlock()
	r.failSend(tempID, &ReconciliationTimeout{TempID: tempID, After: r.cfg.reconcileTimeout})
}

func (r *RoomSession) failSend(tempID string, cause error) {
	reason := failReason(cause)
	if !r.rec.Fail(tempID, reason) {
		return
	}
	r.cfg.metrics.Sends.WithLabelValues(reason).Inc()
	r.logger.Warn("send failed", zap.String("temp_id", tempID), zap.String("reason", reason), zap.Error(cause))
	m, _ := r.rec.Get(tempID)

	r.mu.Lock()
	f := r.futures[tempID]
	delete(r.futures, tempID)
	if t := r.timers[tempID]; t != nil {
		t.Stop()
		delete(r.timers, tempID)
	}
	r.mu.Unlock()

	if f != nil {
		f.resolve(m, cause)
	}
	r.changed()
}

// Retry re-sends the text of a Failed entry as a new Pending entry. The
// failed entry stays until dismissed.
func (r *RoomSession) Retry(ctx context.Context, tempID string) (*SendFuture, error) {
	m, ok := r.rec.Get(tempID)
	if !ok {
		return nil, ErrUnknownTemp
	}
	if m.AckState != Failed {
		return nil, ErrNotFailed
	}
	return r.send(ctx, m.Text, m.Type)
}

// Dismiss removes a Failed entry from the timeline.
func (r *RoomSession) Dismiss(tempID string) error {
	if r.rec.Remove(tempID) {
		r.changed()
		return nil
	}
	if _, ok := r.rec.Get(tempID); !ok {
		return ErrUnknownTemp
	}
	return ErrNotFailed
}

// ============================================================================
// Incoming
// ============================================================================

// AppendIncoming merges a confirmed message from push. echoTempID is the
// echoed client temp id, or "".
func (r *RoomSession) AppendIncoming(m Message, echoTempID string) Outcome {
	if r.isClosed() {
		return Ignored
	}
	return r.apply(m, echoTempID, "push")
}

// ApplyPolled merges a poll batch.
func (r *RoomSession) ApplyPolled(msgs []Message) {
	r.applyBatch(msgs, "poll")
}

func (r *RoomSession) applyBatch(msgs []Message, source string) BatchResult {
	if r.isClosed() {
		return BatchResult{}
	}
	res := r.rec.ApplyBatch(msgs)
	m := r.cfg.metrics.Reconciled
	m.WithLabelValues(source, Inserted.String()).Add(float64(res.Inserted))
	m.WithLabelValues(source, Promoted.String()).Add(float64(res.Promoted))
	m.WithLabelValues(source, Duplicate.String()).Add(float64(res.Duplicates))
	if res.Changed() {
		r.logger.Debug("batch reconciled", zap.String("source", source),
			zap.Int("inserted", res.Inserted), zap.Int("promoted", res.Promoted), zap.Int("duplicates", res.Duplicates))
		r.settle()
		r.changed()
	}
	return res
}

func (r *RoomSession) apply(m Message, echo, source string) Outcome {
	out := r.rec.Apply(m, echo)
	r.cfg.metrics.Reconciled.WithLabelValues(source, out.String()).Inc()
	r.logger.Debug("message reconciled", zap.String("source", source),
		zap.Int64("server_id", m.ServerID), zap.String("outcome", out.String()))
	if out == Inserted || out == Promoted {
		r.settle()
		r.changed()
	}
	return out
}

// settle resolves futures whose entries are now confirmed.
func (r *RoomSession) settle() {
	r.mu.Lock()
	var done []*SendFuture
	var msgs []Message
	for id, f := range r.futures {
		m, ok := r.rec.Get(id)
		if !ok || m.AckState != Confirmed {
			continue
		}
		if r.posting[id] && r.rec.Guessed(id) {
			continue
		}
		if t := r.timers[id]; t != nil {
			t.Stop()
			delete(r.timers, id)
		}
		delete(r.futures, id)
		done = append(done, f)
		msgs = append(msgs, m)
	}
	// A heuristic match undone by an echo puts its entry back to Pending;
	// give it a fresh timeout.
	if !r.closed {
		for _, id := range r.rec.PendingTempIDs() {
			if r.timers[id] == nil {
				epoch, tempID := r.epoch, id
				r.timers[id] = time.AfterFunc(r.cfg.reconcileTimeout, func() { r.expire(epoch, tempID) })
			}
		}
	}
	r.mu.Unlock()

	for i, f := range done {
		if f.resolve(msgs[i], nil) {
			r.cfg.metrics.Sends.WithLabelValues("confirmed").Inc()
		}
	}
}

// changed bumps the version, signals watchers and schedules a snapshot.
func (r *RoomSession) changed() {
	v := r.version.Add(1)
	r.notify.notify(v)
	if r.cfg.cache != nil {
		r.cfg.cache.Schedule(r.id, CategoryMessages, r.rec.Snapshot)
	}
}

// ============================================================================
// Visibility and typing
// ============================================================================

// SetVisible tells the poller whether the room is on screen.
func (r *RoomSession) SetVisible(visible bool) {
	if r.cfg.poller != nil {
		r.cfg.poller.SetVisible(r.id, visible)
	}
}

// Typing sends typing_start once per burst; typing_stop follows after the
// typing TTL without another call.
func (r *RoomSession) Typing(ctx context.Context) error {
	if r.cfg.push == nil {
		return ErrNotConnected
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	start := !r.typing
	r.typing = true
	if r.typingTimer != nil {
		r.typingTimer.Stop()
	}
	epoch := r.epoch
	r.typingTimer = time.AfterFunc(r.cfg.typingTTL, func() { r.typingIdle(epoch) })
	r.mu.Unlock()

	if start {
		if err := r.cfg.push.StartTyping(ctx, r.id); err != nil {
			r.mu.Lock()
			r.typing = false
			r.mu.Unlock()
			return err
		}
	}
	return nil
}

// StopTyping sends typing_stop if a typing burst is active.
func (r *RoomSession) StopTyping(ctx context.Context) error {
	if r.cfg.push == nil {
		return ErrNotConnected
	}
	r.mu.Lock()
	active := r.typing
	r.typing = false
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	r.mu.Unlock()
	if !active {
		return nil
	}
	return r.cfg.push.StopTyping(ctx, r.id)
}

func (r *RoomSession) typingIdle(epoch uint64) {
	r.mu.Lock()
	if r.epoch != epoch || !r.typing {
		r.mu.Unlock()
		return
	}
	r.typing = false
	r.typingTimer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()
	if err := r.cfg.push.StopTyping(ctx, r.id); err != nil {
		r.logger.Debug("typing_stop failed", zap.Error(err))
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func (r *RoomSession) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close cancels history loads, polling and timers, fails unconfirmed
// sends, and flushes the snapshot. Later callbacks are no-ops.
func (r *RoomSession) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.epoch++
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	futures := r.futures
	r.futures = make(map[string]*SendFuture)
	r.mu.Unlock()

	r.cancel()
	if r.cfg.poller != nil {
		r.cfg.poller.Untrack(r.id)
	}
	r.tasks.Wait()

	for id, f := range futures {
		r.rec.Fail(id, "closed")
		m, _ := r.rec.Get(id)
		if m.AckState == Confirmed {
			if f.resolve(m, nil) {
				r.cfg.metrics.Sends.WithLabelValues("confirmed").Inc()
			}
			continue
		}
		if f.resolve(m, ErrClosed) {
			r.cfg.metrics.Sends.WithLabelValues("closed").Inc()
		}
	}
	if r.cfg.cache != nil {
		if len(futures) > 0 {
			r.cfg.cache.Schedule(r.id, CategoryMessages, r.rec.Snapshot)
		}
		r.cfg.cache.Flush(r.id, CategoryMessages)
	}
	if r.cfg.onClose != nil {
		r.cfg.onClose(r.id)
	}
	r.logger.Debug("room closed")
}

package chatsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTypingTTL is how long a typing status lasts without a refresh.
const DefaultTypingTTL = 5 * time.Second

// Presence is one participant's last known status.
type Presence struct {
	Status    PresenceStatus
	UpdatedAt time.Time
}

type presenceEntry struct {
	Presence
	version uint64
	timer   *time.Timer
}

// PresenceTracker keeps per-room participant status. Updates are
// last-write-wins by timestamp. A typing status falls back to online once
// the typing TTL passes without a newer update.
type PresenceTracker struct {
	typingTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
	notify    *notifier

	mu      sync.Mutex
	rooms   map[string]map[string]*presenceEntry
	version uint64
	closed  bool
}

// NewPresenceTracker creates a tracker. A non-positive ttl selects
// DefaultTypingTTL.
func NewPresenceTracker(typingTTL time.Duration, logger *zap.Logger) *PresenceTracker {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceTracker{
		typingTTL: typingTTL,
		logger:    logger.Named("presence"),
		now:       time.Now,
		notify:    newNotifier(),
		rooms:     make(map[string]map[string]*presenceEntry),
	}
}

// Apply records ev. It reports false when ev is older than the status
// already held for the user.
func (p *PresenceTracker) Apply(ev PresenceEvent) bool {
	if ev.RoomID == "" || ev.UserID == "" {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	users := p.rooms[ev.RoomID]
	if users == nil {
		users = make(map[string]*presenceEntry)
		p.rooms[ev.RoomID] = users
	}
	e := users[ev.UserID]
	if e != nil && ev.Timestamp.Before(e.UpdatedAt) {
		p.mu.Unlock()
		p.logger.Debug("stale presence dropped",
			zap.String("room_id", ev.RoomID), zap.String("user_id", ev.UserID))
		return false
	}
	if e == nil {
		e = &presenceEntry{}
		users[ev.UserID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	p.version++
	e.version = p.version
	e.Status = ev.Status
	e.UpdatedAt = ev.Timestamp
	if ev.Status == StatusTyping {
		roomID, userID, version := ev.RoomID, ev.UserID, e.version
		e.timer = time.AfterFunc(p.typingTTL, func() { p.expire(roomID, userID, version) })
	}
	gen := p.version
	p.mu.Unlock()

	p.notify.notify(gen)
	return true
}

func (p *PresenceTracker) expire(roomID, userID string, version uint64) {
	p.mu.Lock()
	e := p.rooms[roomID][userID]
	if p.closed || e == nil || e.version != version {
		p.mu.Unlock()
		return
	}
	p.version++
	e.version = p.version
	e.Status = StatusOnline
	e.timer = nil
	gen := p.version
	p.mu.Unlock()

	p.logger.Debug("typing expired", zap.String("room_id", roomID), zap.String("user_id", userID))
	p.notify.notify(gen)
}

// Status returns the status of userID in roomID.
func (p *PresenceTracker) Status(roomID, userID string) (Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.rooms[roomID][userID]
	if e == nil {
		return Presence{}, false
	}
	return e.Presence, true
}

// Room returns a copy of every known status in roomID.
func (p *PresenceTracker) Room(roomID string) map[string]Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Presence, len(p.rooms[roomID]))
	for id, e := range p.rooms[roomID] {
		out[id] = e.Presence
	}
	return out
}

// Forget drops everything known about roomID.
func (p *PresenceTracker) Forget(roomID string) {
	p.mu.Lock()
	for _, e := range p.rooms[roomID] {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	delete(p.rooms, roomID)
	p.mu.Unlock()
}

// Updates returns a watch signalled on every applied change.
func (p *PresenceTracker) Updates() *Watch {
	return p.notify.watch()
}

// Close stops all typing timers.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, users := range p.rooms {
		for _, e := range users {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
}

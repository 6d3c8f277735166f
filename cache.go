package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SaraQosja/diploma-project-sub001/kvstore"
)

// CategoryMessages is the snapshot category holding a room's timeline.
const CategoryMessages = "messages"

const (
	DefaultPersistDebounce = 250 * time.Millisecond
	DefaultCacheLoadWait   = 200 * time.Millisecond
	cacheWriteTimeout      = 2 * time.Second
)

// CacheOptions configures a SnapshotCache.
type CacheOptions struct {
	// Debounce is the minimum spacing of writes per key.
	Debounce time.Duration
	// LoadWait bounds how long Load waits for the store.
	LoadWait time.Duration
	// Key signs snapshots with HMAC-SHA256. Empty uses a plain digest.
	Key     []byte
	Logger  *zap.Logger
	Metrics *Metrics
}

// SnapshotCache is the write-through, best-effort local copy of room
// timelines. Failures are logged and counted, never returned.
type SnapshotCache struct {
	store    kvstore.Store
	seal     sealer
	debounce time.Duration
	loadWait time.Duration
	logger   *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	pending map[string]*scheduledWrite
	closed  bool
	writes  sync.WaitGroup
}

type scheduledWrite struct {
	roomID   string
	category string
	timer    *time.Timer
	source   func() []Message
}

// NewSnapshotCache wraps store.
func NewSnapshotCache(store kvstore.Store, opts CacheOptions) *SnapshotCache {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultPersistDebounce
	}
	if opts.LoadWait <= 0 {
		opts.LoadWait = DefaultCacheLoadWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &SnapshotCache{
		store:    store,
		seal:     sealer{key: opts.Key},
		debounce: opts.Debounce,
		loadWait: opts.LoadWait,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		pending:  make(map[string]*scheduledWrite),
	}
}

func snapshotKey(roomID, category string) string {
	return "chatsync:" + roomID + ":" + category
}

// Load reads a snapshot, waiting at most the configured load window. A
// missing or unreadable snapshot yields an empty timeline.
func (c *SnapshotCache) Load(ctx context.Context, roomID, category string) []Message {
	ctx, cancel := context.WithTimeout(ctx, c.loadWait)
	defer cancel()

	key := snapshotKey(roomID, category)
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.fail(&PersistenceError{Key: key, Op: "read", Err: err})
		return nil
	}
	msgs, err := c.seal.open(data, roomID, category)
	if err != nil {
		c.fail(&PersistenceError{Key: key, Op: "decode", Err: err})
		return nil
	}
	return msgs
}

// Schedule queues a write of source's result. Writes for the same key are
// coalesced so that at most one happens per debounce window; the latest
// source wins.
func (c *SnapshotCache) Schedule(roomID, category string, source func() []Message) {
	key := snapshotKey(roomID, category)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if w, ok := c.pending[key]; ok {
		w.source = source
		return
	}
	w := &scheduledWrite{roomID: roomID, category: category, source: source}
	w.timer = time.AfterFunc(c.debounce, func() { c.fire(key, w) })
	c.pending[key] = w
}

func (c *SnapshotCache) fire(key string, w *scheduledWrite) {
	c.mu.Lock()
	if c.pending[key] != w {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.writes.Add(1)
	c.mu.Unlock()

	defer c.writes.Done()
	c.write(key, w)
}

// Flush performs a queued write for the key now, if one is queued.
func (c *SnapshotCache) Flush(roomID, category string) {
	key := snapshotKey(roomID, category)

	c.mu.Lock()
	w, ok := c.pending[key]
	if ok {
		w.timer.Stop()
		delete(c.pending, key)
		c.writes.Add(1)
	}
	c.mu.Unlock()

	if ok {
		defer c.writes.Done()
		c.write(key, w)
	}
}

// Delete removes a stored snapshot.
func (c *SnapshotCache) Delete(ctx context.Context, roomID, category string) {
	key := snapshotKey(roomID, category)
	if err := c.store.Delete(ctx, key); err != nil {
		c.fail(&PersistenceError{Key: key, Op: "delete", Err: err})
	}
}

func (c *SnapshotCache) write(key string, w *scheduledWrite) {
	data, err := c.seal.seal(w.roomID, w.category, w.source(), time.Now())
	if err != nil {
		c.fail(&PersistenceError{Key: key, Op: "encode", Err: err})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, data); err != nil {
		c.fail(&PersistenceError{Key: key, Op: "write", Err: err})
		return
	}
	c.logger.Debug("snapshot written", zap.String("key", key), zap.Int("bytes", len(data)))
}

func (c *SnapshotCache) fail(err *PersistenceError) {
	c.metrics.PersistenceErrors.WithLabelValues(err.Op).Inc()
	c.logger.Warn("snapshot cache failure", zap.String("key", err.Key), zap.String("op", err.Op), zap.Error(err.Err))
}

// Close flushes every queued write and stops accepting new ones. The
// store itself is not closed.
func (c *SnapshotCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queued := make(map[string]*scheduledWrite, len(c.pending))
	for k, w := range c.pending {
		w.timer.Stop()
		queued[k] = w
	}
	c.pending = make(map[string]*scheduledWrite)
	c.mu.Unlock()

	for k, w := range queued {
		c.write(k, w)
	}
	c.writes.Wait()
}

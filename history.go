package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// HistoryPager walks a room's history oldest first, one page per Next.
// Every page is merged into the room timeline before it is returned.
type HistoryPager struct {
	room  *RoomSession
	limit int

	mu     sync.Mutex
	cursor int64
	done   bool
}

// LoadHistory returns a pager starting after the cursor server id. Zero
// starts at the beginning; a non-positive limit selects the configured
// page size. A pager can be restarted by creating another from Cursor().
func (r *RoomSession) LoadHistory(cursor int64, limit int) *HistoryPager {
	if limit <= 0 {
		limit = r.cfg.pageSize
	}
	return &HistoryPager{room: r, cursor: cursor, limit: limit}
}

// More reports whether Next may return further messages.
func (p *HistoryPager) More() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done
}

// Cursor returns the server id of the last message returned.
func (p *HistoryPager) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Next fetches the next page. It fails with ErrClosed once the room is
// closed; closing the room also cancels a fetch in progress. Pages are
// fetched one at a time per pager.
func (p *HistoryPager) Next(ctx context.Context) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.room
	if r.isClosed() {
		return nil, ErrClosed
	}
	if p.done {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	page, err := r.cfg.api.FetchMessages(ctx, r.id, p.cursor, p.limit)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	if len(page) < p.limit {
		p.done = true
	}
	for _, m := range page {
		if m.ServerID > p.cursor {
			p.cursor = m.ServerID
		}
	}
	if len(page) == 0 {
		p.done = true
		return nil, nil
	}
	r.applyBatch(page, "history")
	return page, nil
}

// claimSession records that the room was joined on push connection
// session. It reports whether session is newer than any seen before, in
// which case the room needs a catch-up for what it missed unjoined.
func (r *RoomSession) claimSession(session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || session <= r.session {
		return false
	}
	r.session = session
	return true
}

// startCatchUp runs catchUp in the background, tied to the room lifetime.
func (r *RoomSession) startCatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.tasks.Add(1)
	go r.catchUp()
}

// catchUp pages from the high-water mark until the server has nothing
// newer. It runs when the room opens and after each rejoin on a new push
// connection.
func (r *RoomSession) catchUp() {
	defer r.tasks.Done()
	p := r.LoadHistory(r.rec.HighWaterMark(), 0)
	for p.More() {
		if _, err := p.Next(r.ctx); err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("catch-up failed", zap.Error(err))
			}
			return
		}
	}
}

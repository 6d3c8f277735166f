package chatsync

import (
	"sort"
	"sync"
	"time"
)

// DefaultMatchWindow bounds how far apart a pending message and an
// unechoed server copy may be for the heuristic match.
const DefaultMatchWindow = 8 * time.Second

// Outcome describes what applying one message did to the timeline.
type Outcome int

const (
	Ignored Outcome = iota
	Inserted
	Promoted
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Promoted:
		return "promoted"
	case Duplicate:
		return "duplicate"
	}
	return "ignored"
}

// BatchResult counts the outcomes of ApplyBatch.
type BatchResult struct {
	Inserted   int
	Promoted   int
	Duplicates int
}

// Changed reports whether the batch altered the timeline.
func (b BatchResult) Changed() bool { return b.Inserted+b.Promoted > 0 }

type entry struct {
	msg       Message
	seq       uint64
	heuristic bool
	// orig is the pending entry a heuristic promotion replaced.
	orig *entry
}

// Reconciler merges local sends, push events, poll batches and hydrated
// snapshots into one ordered, deduplicated timeline for a room. All
// methods are safe for concurrent use and are applied one at a time.
//
// Order is ascending SentAt, then ServerID. Entries without a ServerID
// follow every confirmed entry with an earlier or equal SentAt and keep
// their local insertion order among themselves.
type Reconciler struct {
	mu          sync.Mutex
	roomID      string
	matchWindow time.Duration

	confirmed   map[int64]*entry
	byTemp      map[string]*entry
	unconfirmed map[string]*entry
	timeline    []*entry
	seq         uint64
	hwm         int64
}

// NewReconciler returns an empty timeline for roomID. A non-positive
// window selects DefaultMatchWindow.
func NewReconciler(roomID string, window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Reconciler{
		roomID:      roomID,
		matchWindow: window,
		confirmed:   make(map[int64]*entry),
		byTemp:      make(map[string]*entry),
		unconfirmed: make(map[string]*entry),
	}
}

// AddPending appends an optimistic local message. The message must carry a
// TempID that has not been used before.
func (r *Reconciler) AddPending(m Message) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.TempID == "" || r.byTemp[m.TempID] != nil {
		return Message{}, false
	}
	m.RoomID = r.roomID
	m.ServerID = 0
	m.AckState = Pending
	m.FailReason = ""
	if m.Type == "" {
		m.Type = MessageText
	}
	e := r.newEntry(m)
	r.byTemp[m.TempID] = e
	r.unconfirmed[m.TempID] = e
	r.place(e)
	return e.msg, true
}

// Apply merges one confirmed message. echoTempID is the client temp id the
// backend echoed back, or "" when the protocol carried none.
func (r *Reconciler) Apply(m Message, echoTempID string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(m, echoTempID)
}

// ApplyBatch merges a poll batch. Messages at or below the high-water
// mark that are already present are skipped without further work.
func (r *Reconciler) ApplyBatch(msgs []Message) BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res BatchResult
	for _, m := range msgs {
		if m.ServerID > 0 && m.ServerID <= r.hwm && r.confirmed[m.ServerID] != nil {
			res.Duplicates++
			continue
		}
		switch r.apply(m, "") {
		case Inserted:
			res.Inserted++
		case Promoted:
			res.Promoted++
		case Duplicate:
			res.Duplicates++
		}
	}
	return res
}

func (r *Reconciler) apply(m Message, echo string) Outcome {
	if m.ServerID <= 0 {
		return Ignored
	}
	m.RoomID = r.roomID
	m.AckState = Confirmed
	m.FailReason = ""
	m.TempID = ""
	if m.Type == "" {
		m.Type = MessageText
	}
	if m.ServerID > r.hwm {
		r.hwm = m.ServerID
	}

	existing := r.confirmed[m.ServerID]
	var te *entry
	if echo != "" {
		te = r.byTemp[echo]
	}

	if existing != nil {
		if te == existing {
			// The echo confirms the heuristic guess.
			existing.heuristic = false
			existing.orig = nil
			return Duplicate
		}
		if te == nil {
			return Duplicate
		}
		// The echo is authoritative. A heuristic guess that gave this
		// server message to another temp id is undone first.
		if existing.heuristic && existing.msg.TempID != "" && existing.msg.TempID != echo {
			r.restore(existing)
		}
		if te.msg.ServerID == 0 {
			r.unplace(te)
			delete(r.unconfirmed, echo)
		} else {
			// te keeps the server message it was wrongly matched to.
			te.msg.TempID = ""
			te.heuristic = false
			te.orig = nil
		}
		existing.msg.TempID = echo
		existing.heuristic = false
		existing.orig = nil
		r.byTemp[echo] = existing
		return Promoted
	}

	if te != nil {
		if te.msg.ServerID == 0 {
			r.promote(te, m, false)
			return Promoted
		}
		displaced := te.msg
		delete(r.confirmed, displaced.ServerID)
		r.unplace(te)
		r.merge(te, m, false)
		r.confirmed[m.ServerID] = te
		r.place(te)

		te.orig = nil
		displaced.TempID = ""
		d := r.newEntry(displaced)
		r.confirmed[displaced.ServerID] = d
		r.place(d)
		return Promoted
	}

	if echo == "" {
		if h := r.heuristicMatch(m); h != nil {
			r.promote(h, m, true)
			return Promoted
		}
	}

	e := r.newEntry(m)
	r.confirmed[m.ServerID] = e
	r.place(e)
	return Inserted
}

// heuristicMatch finds the oldest still-pending entry by the same sender
// with identical text sent within the match window. Best effort: two
// identical messages inside the window can pair with the wrong copies.
func (r *Reconciler) heuristicMatch(m Message) *entry {
	var best *entry
	for _, e := range r.unconfirmed {
		if e.msg.AckState != Pending || e.msg.SenderID != m.SenderID || e.msg.Text != m.Text {
			continue
		}
		d := m.SentAt.Sub(e.msg.SentAt)
		if d < 0 {
			d = -d
		}
		if d > r.matchWindow {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	return best
}

func (r *Reconciler) promote(e *entry, m Message, heuristic bool) {
	if heuristic {
		e.orig = &entry{msg: e.msg, seq: e.seq}
	}
	r.unplace(e)
	delete(r.unconfirmed, e.msg.TempID)
	r.merge(e, m, heuristic)
	r.confirmed[m.ServerID] = e
	r.place(e)
}

func (r *Reconciler) merge(e *entry, m Message, heuristic bool) {
	tempID := e.msg.TempID
	if m.SenderName == "" {
		m.SenderName = e.msg.SenderName
	}
	if m.SenderID == "" {
		m.SenderID = e.msg.SenderID
	}
	if m.SentAt.IsZero() {
		m.SentAt = e.msg.SentAt
	}
	m.TempID = tempID
	e.msg = m
	e.heuristic = heuristic
}

// restore puts back the pending entry that a heuristic promotion of e
// consumed.
func (r *Reconciler) restore(e *entry) {
	p := e.orig
	e.orig = nil
	if p == nil {
		return
	}
	id := p.msg.TempID
	r.byTemp[id] = p
	r.unconfirmed[id] = p
	r.place(p)
}

// Fail marks a pending entry Failed. Entries that were already confirmed
// or failed are left alone.
func (r *Reconciler) Fail(tempID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.unconfirmed[tempID]
	if e == nil || e.msg.AckState != Pending {
		return false
	}
	e.msg.AckState = Failed
	e.msg.FailReason = reason
	return true
}

// Remove drops a Failed entry from the timeline.
func (r *Reconciler) Remove(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.unconfirmed[tempID]
	if e == nil || e.msg.AckState != Failed {
		return false
	}
	r.unplace(e)
	delete(r.unconfirmed, tempID)
	delete(r.byTemp, tempID)
	return true
}

// Hydrate loads snapshot entries. It does not advance the high-water
// mark, so the next network fetch still covers the snapshot's range.
// Unconfirmed entries come back Failed: their send did not survive.
func (r *Reconciler) Hydrate(msgs []Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range msgs {
		m.RoomID = r.roomID
		if m.ServerID > 0 {
			if r.confirmed[m.ServerID] != nil {
				continue
			}
			m.AckState = Confirmed
			m.FailReason = ""
			e := r.newEntry(m)
			r.confirmed[m.ServerID] = e
			if m.TempID != "" && r.byTemp[m.TempID] == nil {
				r.byTemp[m.TempID] = e
			}
			r.place(e)
			n++
			continue
		}
		if m.TempID == "" || r.byTemp[m.TempID] != nil {
			continue
		}
		if m.AckState != Failed {
			m.AckState = Failed
			m.FailReason = "interrupted"
		}
		e := r.newEntry(m)
		r.byTemp[m.TempID] = e
		r.unconfirmed[m.TempID] = e
		r.place(e)
		n++
	}
	return n
}

// PendingTempIDs returns the temp ids of entries still Pending.
func (r *Reconciler) PendingTempIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.unconfirmed {
		if e.msg.AckState == Pending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns the entry holding tempID, confirmed or not.
func (r *Reconciler) Get(tempID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byTemp[tempID]
	if e == nil {
		return Message{}, false
	}
	return e.msg, true
}

// Guessed reports whether tempID's entry was confirmed only by the
// heuristic match, with no echo to back it.
func (r *Reconciler) Guessed(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byTemp[tempID]
	return e != nil && e.heuristic && e.msg.TempID == tempID
}

// Snapshot returns the ordered timeline.
func (r *Reconciler) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.timeline))
	for i, e := range r.timeline {
		out[i] = e.msg
	}
	return out
}

// HighWaterMark returns the highest server id seen from the network.
func (r *Reconciler) HighWaterMark() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hwm
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeline)
}

func (r *Reconciler) newEntry(m Message) *entry {
	r.seq++
	return &entry{msg: m, seq: r.seq}
}

func (r *Reconciler) place(e *entry) {
	i := sort.Search(len(r.timeline), func(i int) bool {
		return entryLess(e, r.timeline[i])
	})
	r.timeline = append(r.timeline, nil)
	copy(r.timeline[i+1:], r.timeline[i:])
	r.timeline[i] = e
}

func (r *Reconciler) unplace(e *entry) {
	for i, x := range r.timeline {
		if x == e {
			r.timeline = append(r.timeline[:i], r.timeline[i+1:]...)
			return
		}
	}
}

func entryLess(a, b *entry) bool {
	if !a.msg.SentAt.Equal(b.msg.SentAt) {
		return a.msg.SentAt.Before(b.msg.SentAt)
	}
	ac, bc := a.msg.ServerID != 0, b.msg.ServerID != 0
	switch {
	case ac && bc:
		return a.msg.ServerID < b.msg.ServerID
	case ac != bc:
		return ac
	}
	return a.seq < b.seq
}

package matching

import (
	"container/list"
	"sync"
	"time"

	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/store"
)

// Entry is a user's state in the matching queue. Entries are values; the
// seq field identifies one particular enqueue so that a scan can tell a
// replaced entry from the one it observed.
type Entry struct {
	UserID     string
	Handle     session.Handle
	Filter     Filter
	EnqueuedAt time.Time
	User       *store.User // snapshot taken at enqueue time
	seq        uint64
}

// Wait returns how long the entry has been queued at now.
func (e Entry) Wait(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Queue is the in-process matching queue, keyed by user id and iterated in
// insertion order. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	order *list.List               // of Entry, oldest first
	index map[string]*list.Element // user id -> element in order
	seq   uint64
	now   func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Enqueue inserts the user, or replaces and moves to the back an existing
// entry for the same id. It returns the stored entry.
func (q *Queue) Enqueue(userID string, h session.Handle, f Filter, u *store.User) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.index[userID]; ok {
		q.order.Remove(el)
	}
	q.seq++
	e := Entry{
		UserID:     userID,
		Handle:     h,
		Filter:     f,
		EnqueuedAt: q.now(),
		User:       u,
		seq:        q.seq,
	}
	q.index[userID] = q.order.PushBack(e)
	return e
}

// Dequeue removes the user's entry. It reports whether one was present.
func (q *Queue) Dequeue(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[userID]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, userID)
	return true
}

// Get returns the current entry for userID.
func (q *Queue) Get(userID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[userID]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(Entry), true
}

// Holds reports whether e is still the current entry for its user.
func (q *Queue) Holds(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holdsLocked(e)
}

func (q *Queue) holdsLocked(e Entry) bool {
	el, ok := q.index[e.UserID]
	return ok && el.Value.(Entry).seq == e.seq
}

// Snapshot returns every entry except excludeUserID, oldest first.
func (q *Queue) Snapshot(excludeUserID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(Entry)
		if e.UserID == excludeUserID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClaimPair removes a and b together, but only if both are still the
// current entries for their users. This is the single compare-and-remove
// step that keeps one user from being paired twice.
func (q *Queue) ClaimPair(a, b Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if a.UserID == b.UserID || !q.holdsLocked(a) || !q.holdsLocked(b) {
		return false
	}
	for _, id := range []string{a.UserID, b.UserID} {
		q.order.Remove(q.index[id])
		delete(q.index, id)
	}
	return true
}

// Restore puts previously claimed entries back at the end of the queue,
// keeping their original enqueue time. Users that re-enqueued in the
// meantime keep their newer entry.
func (q *Queue) Restore(entries ...Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		if _, ok := q.index[e.UserID]; ok {
			continue
		}
		q.index[e.UserID] = q.order.PushBack(e)
	}
}

// Sweep removes every entry older than maxAge and returns the evicted ids.
func (q *Queue) Sweep(maxAge time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var removed []string
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(Entry)
		if now.Sub(e.EnqueuedAt) > maxAge {
			q.order.Remove(el)
			delete(q.index, e.UserID)
			removed = append(removed, e.UserID)
		}
		el = next
	}
	return removed
}

// Len returns the number of queued users.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

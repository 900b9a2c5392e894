// Package matching pairs waiting users. Requests are filtered by each
// side's preferences, ranked by a deterministic score and claimed from the
// queue atomically before a room is created for the pair.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/store"
)

const genderFilterReason = "gender filter matching"

// Config holds matcher tuning parameters.
type Config struct {
	FilterTimeout    time.Duration // queue residency after which filters may be bypassed
	RetrySlack       time.Duration // added to FilterTimeout before the automatic retry fires
	GenderFilterCost int           // points charged for a gender preference
	QueueMaxAge      time.Duration // janitor evicts entries older than this
	SweepInterval    time.Duration // how often the janitor runs
	OpTimeout        time.Duration // bound on store calls made from timers
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FilterTimeout:    30 * time.Second,
		RetrySlack:       time.Second,
		GenderFilterCost: 10,
		QueueMaxAge:      5 * time.Minute,
		SweepInterval:    5 * time.Minute,
		OpTimeout:        5 * time.Second,
	}
}

// RoomLookup reports a user's current room binding.
type RoomLookup interface {
	RoomOf(userID string) (string, bool)
}

// Notifier delivers pairings produced by the automatic retry.
type Notifier interface {
	NotifyMatch(ctx context.Context, p *Pairing)
}

// Outcome of a match attempt.
type Outcome int

const (
	// Waiting means no compatible partner was found; the user stays queued.
	Waiting Outcome = iota
	// Matched means a room was created for the user and a partner.
	Matched
	// Taken means a concurrent attempt by another user paired this user
	// first; that attempt is responsible for notification.
	Taken
)

// Result is returned by Start.
type Result struct {
	Outcome Outcome
	Pairing *Pairing      // set when Outcome == Matched
	RetryIn time.Duration // set when Outcome == Waiting
}

// Pairing describes a successful match. Self is the user whose attempt
// produced it.
type Pairing struct {
	Room           *store.Room
	Self           Entry
	Partner        Entry
	InterestMatch  InterestMatch
	Score          float64
	FilterBypassed bool
}

type candidate struct {
	entry     Entry
	score     float64
	interests InterestMatch
	bypassed  bool
}

type retry struct {
	timer *time.Timer
	seq   uint64
}

// Matcher owns the queue and the per-user retry timers.
type Matcher struct {
	cfg      Config
	queue    *Queue
	users    store.Users
	rooms    store.Rooms
	bindings RoomLookup
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	retries map[string]*retry
}

// NewMatcher creates a Matcher over queue.
func NewMatcher(cfg Config, queue *Queue, users store.Users, rooms store.Rooms, logger *slog.Logger) *Matcher {
	return &Matcher{
		cfg:     cfg,
		queue:   queue,
		users:   users,
		rooms:   rooms,
		logger:  logger.With("component", "matcher"),
		retries: make(map[string]*retry),
	}
}

// SetBindings lets the matcher refuse users that are already in a room.
func (m *Matcher) SetBindings(b RoomLookup) {
	m.bindings = b
}

// SetNotifier registers the receiver of retry pairings. It supports the
// wiring order where the notifier is built after the matcher.
func (m *Matcher) SetNotifier(n Notifier) {
	m.notifier = n
}

// Queue returns the underlying queue.
func (m *Matcher) Queue() *Queue {
	return m.queue
}

// Start runs a match attempt for userID. Policy refusals are returned as
// *Rejection; a missing user wraps store.ErrNotFound.
func (m *Matcher) Start(ctx context.Context, userID string, h session.Handle, f Filter) (*Result, error) {
	user, err := m.users.FindUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("matching: find user %s: %w", userID, err)
	}

	if r := m.check(userID, user); r != nil {
		metrics.MatchRejections.WithLabelValues(r.Code).Inc()
		m.logger.Info("match rejected", "user_id", userID, "code", r.Code)
		return nil, r
	}

	if f.WantsGender() {
		if _, err := m.users.DebitPoints(ctx, userID, m.cfg.GenderFilterCost, genderFilterReason); err != nil {
			if errors.Is(err, store.ErrInsufficientPoints) {
				r := &Rejection{
					Code:        CodeInsufficientPoints,
					Message:     fmt.Sprintf("gender filter requires %d points", m.cfg.GenderFilterCost),
					NeedsPoints: true,
				}
				metrics.MatchRejections.WithLabelValues(r.Code).Inc()
				return nil, r
			}
			return nil, fmt.Errorf("matching: charge gender filter for %s: %w", userID, err)
		}
	}

	entry := m.queue.Enqueue(userID, h, f, user)
	m.updateQueueSize()
	m.logger.Info("enqueued", "user_id", userID, "queue_size", m.queue.Len())

	res := m.attempt(ctx, entry, false)
	if res.Outcome == Waiting {
		m.armRetry(entry)
		res.RetryIn = m.retryDelay()
	}
	return res, nil
}

// Cancel removes userID from the queue and stops its retry. It reports
// whether the user was queued.
func (m *Matcher) Cancel(userID string) bool {
	removed := m.queue.Dequeue(userID)
	m.stopRetry(userID)
	if removed {
		m.updateQueueSize()
		m.logger.Info("dequeued", "user_id", userID)
	}
	return removed
}

// Sweep evicts entries older than maxAge and stops their retries.
func (m *Matcher) Sweep(maxAge time.Duration) []string {
	removed := m.queue.Sweep(maxAge)
	for _, id := range removed {
		m.stopRetry(id)
	}
	if len(removed) > 0 {
		m.updateQueueSize()
	}
	return removed
}

// Stop cancels every pending retry.
func (m *Matcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.retries {
		r.timer.Stop()
		delete(m.retries, id)
	}
}

func (m *Matcher) check(userID string, u *store.User) *Rejection {
	if u.Banned {
		return &Rejection{Code: CodeBanned, Message: "account is banned"}
	}
	if u.Suspended(m.queue.now()) {
		return &Rejection{
			Code:    CodeSuspended,
			Message: "account is suspended until " + u.SuspendedUntil.UTC().Format(time.RFC3339),
		}
	}
	if m.bindings != nil {
		if roomID, ok := m.bindings.RoomOf(userID); ok {
			return &Rejection{Code: CodeInRoom, Message: "already in room " + roomID}
		}
	}
	return nil
}

// attempt scans the queue for self and tries to claim the best candidate.
// Losing a claim race moves on to the next-ranked candidate.
func (m *Matcher) attempt(ctx context.Context, self Entry, retry bool) *Result {
	now := m.queue.now()

	for _, c := range m.rank(self, now) {
		if !m.queue.ClaimPair(self, c.entry) {
			if !m.queue.Holds(self) {
				return &Result{Outcome: Taken}
			}
			continue
		}

		room, err := m.rooms.CreateRoom(ctx, []string{self.UserID, c.entry.UserID})
		if err != nil {
			m.queue.Restore(self, c.entry)
			m.logger.Error("create room failed, pair restored",
				"user_id", self.UserID, "partner_id", c.entry.UserID, "error", err)
			return &Result{Outcome: Waiting}
		}

		m.stopRetry(self.UserID)
		m.stopRetry(c.entry.UserID)
		m.updateQueueSize()

		p := &Pairing{
			Room:           room,
			Self:           self,
			Partner:        c.entry,
			InterestMatch:  c.interests,
			Score:          c.score,
			FilterBypassed: c.bypassed || retry,
		}
		metrics.MatchDuration.Observe(self.Wait(now).Seconds())
		metrics.MatchDuration.Observe(c.entry.Wait(now).Seconds())
		metrics.MatchesTotal.WithLabelValues(fmt.Sprint(p.FilterBypassed)).Inc()
		metrics.ActiveRooms.Inc()

		m.logger.Info("matched",
			"room_id", room.ID,
			"user_id", self.UserID,
			"partner_id", c.entry.UserID,
			"score", c.score,
			"filter_bypassed", p.FilterBypassed,
			"retry", retry)
		return &Result{Outcome: Matched, Pairing: p}
	}
	return &Result{Outcome: Waiting}
}

// rank returns the eligible candidates for self, best first. Equal scores
// keep queue order.
func (m *Matcher) rank(self Entry, now time.Time) []candidate {
	selfExpired := self.Wait(now) > m.cfg.FilterTimeout

	var out []candidate
	for _, e := range m.queue.Snapshot(self.UserID) {
		if self.User.Blocks(e.UserID) || e.User.Blocks(self.UserID) {
			continue
		}
		if e.User.Banned || e.User.Suspended(now) {
			continue
		}

		// Filters are skipped only when both sides are past the timeout.
		bypass := selfExpired && e.Wait(now) > m.cfg.FilterTimeout
		if !bypass && !compatible(self, e) {
			continue
		}

		out = append(out, candidate{
			entry:     e,
			score:     Score(self.User, e.User, e.Wait(now)),
			interests: InterestOverlap(self.User.Interests, e.User.Interests),
			bypassed:  bypass,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (m *Matcher) retryDelay() time.Duration {
	return m.cfg.FilterTimeout + m.cfg.RetrySlack
}

func (m *Matcher) armRetry(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.retries[e.UserID]; ok {
		r.timer.Stop()
	}
	userID, seq := e.UserID, e.seq
	m.retries[userID] = &retry{
		seq:   seq,
		timer: time.AfterFunc(m.retryDelay(), func() { m.fireRetry(userID, seq) }),
	}
}

func (m *Matcher) stopRetry(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.retries[userID]; ok {
		r.timer.Stop()
		delete(m.retries, userID)
	}
}

// fireRetry reruns the attempt for a user still holding the same queue
// entry the timer was armed for.
func (m *Matcher) fireRetry(userID string, seq uint64) {
	m.mu.Lock()
	r, ok := m.retries[userID]
	if !ok || r.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(m.retries, userID)
	m.mu.Unlock()

	entry, ok := m.queue.Get(userID)
	if !ok || entry.seq != seq {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	res := m.attempt(ctx, entry, true)
	if res.Outcome != Matched {
		m.logger.Info("retry found no partner", "user_id", userID)
		return
	}
	if m.notifier != nil {
		m.notifier.NotifyMatch(ctx, res.Pairing)
	}
}

func (m *Matcher) updateQueueSize() {
	metrics.MatchQueueSize.Set(float64(m.queue.Len()))
}

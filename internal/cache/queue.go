package cache

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RevalidationOutcome is the result of one attempt to refresh a record.
type RevalidationOutcome int

const (
	// OutcomeSuccess means fresh data was fetched.
	OutcomeSuccess RevalidationOutcome = iota
	// OutcomeNotFound means the backend reports the record no longer exists.
	OutcomeNotFound
	// OutcomeError means a transient failure occurred; retry later.
	OutcomeError
)

// Action is what the caller should do to the snapshot after ApplyOutcome.
type Action int

const (
	// ActionNone means no snapshot change is needed.
	ActionNone Action = iota
	// ActionUpdateSnapshot means the caller should apply the fetched record.
	ActionUpdateSnapshot
	// ActionRemoveFromSnapshot means the record was confirmed deleted.
	ActionRemoveFromSnapshot
)

// Item is the per-record revalidation schedule and failure-tracking state.
type Item struct {
	Name             string
	NextDueAt        time.Time
	ConsecFailures   uint8
	ConsecNotFound   uint8
	LastAttemptAt    time.Time
	LastSuccessAt    time.Time
}

func newItem(name string, initialDelay time.Duration) Item {
	return Item{Name: name, NextDueAt: time.Now().Add(initialDelay)}
}

// Stats summarizes the queue's current state.
type Stats struct {
	Total     int
	Due       int
	Failing   int
	NotFound  int
	InFlight  int
}

// Queue holds one revalidation Item per known record and gates concurrent
// job execution behind a semaphore of maxConcurrency permits. The
// semaphore's capacity is fixed; the adaptive shaping controller (C5) limits
// work through the batch size passed to SelectDue.
//
// Grounded on original_source/src/cache/revalidation.rs's RevalidationQueue;
// the semaphore uses golang.org/x/sync/semaphore, the idiomatic Go analog of
// tokio::sync::Semaphore already reachable via the teacher's golang.org/x/sync
// (singleflight) dependency.
type Queue struct {
	mu      sync.Mutex
	items   map[string]Item
	baseTTL time.Duration

	sem            *semaphore.Weighted
	maxConcurrency int64

	accepting bool
	inFlight  int
}

// NewQueue creates an empty revalidation queue.
func NewQueue(baseTTL time.Duration, maxConcurrency int) *Queue {
	return &Queue{
		items:          make(map[string]Item),
		baseTTL:        baseTTL,
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		maxConcurrency: int64(maxConcurrency),
		accepting:      true,
	}
}

// Add inserts name with a randomized initial delay in [0, base_ttl) if it
// isn't already present. Concurrent adds of the same name are idempotent.
func (q *Queue) Add(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(name)
}

// AddMany bulk-adds names, each with independent jitter.
func (q *Queue) AddMany(names []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, name := range names {
		q.addLocked(name)
	}
}

func (q *Queue) addLocked(name string) {
	if _, ok := q.items[name]; ok {
		return
	}
	ttlSecs := int64(q.baseTTL.Seconds())
	if ttlSecs < 1 {
		ttlSecs = 1
	}
	jitter := time.Duration(rand.Int63n(ttlSecs)) * time.Second
	q.items[name] = newItem(name, jitter)
}

// SelectDue returns up to max items whose deadline has passed, chosen by
// random shuffle so head-of-line bias doesn't favor any particular record
// when many share a deadline. Returns nil if the queue has stopped
// accepting work (shutdown in progress).
func (q *Queue) SelectDue(max int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting {
		return nil
	}

	now := time.Now()
	due := make([]string, 0)
	for name, item := range q.items {
		if !item.NextDueAt.After(now) {
			due = append(due, name)
		}
	}
	if len(due) == 0 {
		return nil
	}

	rand.Shuffle(len(due), func(i, j int) { due[i], due[j] = due[j], due[i] })

	if len(due) > max {
		due = due[:max]
	}
	return due
}

// DueCount reports how many items are currently past their deadline.
func (q *Queue) DueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	n := 0
	for _, item := range q.items {
		if !item.NextDueAt.After(now) {
			n++
		}
	}
	return n
}

// Len reports the total number of items in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// AcquirePermit attempts a non-blocking acquire of one concurrency permit.
// It returns a release function and true on success, or a nil function and
// false if no permit is available or the queue has stopped accepting work.
func (q *Queue) AcquirePermit(ctx context.Context) (release func(), ok bool) {
	q.mu.Lock()
	accepting := q.accepting
	q.mu.Unlock()
	if !accepting {
		return nil, false
	}

	if !q.sem.TryAcquire(1) {
		return nil, false
	}

	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.sem.Release(1)
			q.mu.Lock()
			q.inFlight--
			q.mu.Unlock()
		})
	}, true
}

// MarkAttempt records that a revalidation attempt started now.
func (q *Queue) MarkAttempt(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[name]
	if !ok {
		return
	}
	item.LastAttemptAt = time.Now()
	q.items[name] = item
}

// ApplyOutcome implements the §4.4 policy and reports the resulting Action.
func (q *Queue) ApplyOutcome(name string, outcome RevalidationOutcome) Action {
	q.mu.Lock()

	item, ok := q.items[name]
	if !ok {
		q.mu.Unlock()
		return ActionNone
	}

	switch outcome {
	case OutcomeSuccess:
		item.ConsecFailures = 0
		item.ConsecNotFound = 0
		item.LastSuccessAt = time.Now()
		item.NextDueAt = time.Now().Add(jitterBetween(q.baseTTL, 0.6, 0.9))
		q.items[name] = item
		q.mu.Unlock()
		return ActionUpdateSnapshot

	case OutcomeNotFound:
		item.ConsecNotFound++
		if item.ConsecNotFound >= 3 {
			delete(q.items, name)
			q.mu.Unlock()
			return ActionRemoveFromSnapshot
		}
		item.NextDueAt = time.Now().Add(5 * time.Minute)
		q.items[name] = item
		q.mu.Unlock()
		return ActionNone

	default: // OutcomeError
		item.ConsecFailures++
		var delay time.Duration
		switch item.ConsecFailures {
		case 1:
			delay = randBetweenSecs(30, 60)
		case 2:
			delay = randBetweenSecs(60, 120)
		default:
			ttlSecs := int64(q.baseTTL.Seconds())
			if ttlSecs < 2 {
				ttlSecs = 2
			}
			delay = randBetweenSecs(ttlSecs/2, ttlSecs)
		}
		item.NextDueAt = time.Now().Add(delay)
		q.items[name] = item
		q.mu.Unlock()
		return ActionNone
	}
}

func jitterBetween(base time.Duration, lowFrac, highFrac float64) time.Duration {
	secs := base.Seconds()
	lo := int64(secs * lowFrac)
	hi := int64(secs * highFrac)
	if lo < 1 {
		lo = 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return randBetweenSecs(lo, hi)
}

func randBetweenSecs(lo, hi int64) time.Duration {
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}
	return time.Duration(lo+rand.Int63n(hi-lo)) * time.Second
}

// Remove deletes an item from the queue unconditionally.
func (q *Queue) Remove(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, name)
}

// Expedite makes name immediately due.
func (q *Queue) Expedite(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[name]
	if !ok {
		return
	}
	item.NextDueAt = time.Now()
	q.items[name] = item
}

// StopAccepting stops the queue from selecting or permitting new work,
// used during graceful shutdown.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepting = false
}

// InFlightCount reports the number of jobs currently holding a permit.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// GetItem returns a copy of the item state for name, if present.
func (q *Queue) GetItem(name string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[name]
	return item, ok
}

// AllNames returns every name currently tracked by the queue.
func (q *Queue) AllNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for name := range q.items {
		out = append(out, name)
	}
	return out
}

// Stats computes summary counters over the current queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var s Stats
	s.Total = len(q.items)
	s.InFlight = q.inFlight
	for _, item := range q.items {
		if !item.NextDueAt.After(now) {
			s.Due++
		}
		if item.ConsecFailures > 0 {
			s.Failing++
		}
		if item.ConsecNotFound > 0 {
			s.NotFound++
		}
	}
	return s
}

// Package purgatory holds operations that cannot complete immediately:
// produce waiting for replication, fetch waiting for data, delete-records
// waiting for low-watermark propagation, elect-leader waiting for the
// controller. Operations complete when an external signal satisfies their
// predicate or when their deadline elapses, whichever happens first.
package purgatory

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// Operation is a delayed operation. Concrete kinds (produce, fetch,
// delete-records, elect-leader) implement it with a typed predicate rather
// than ad-hoc closures.
type Operation interface {
	// Deadline is the absolute time at which the operation expires
	Deadline() time.Time

	// TryComplete re-evaluates the predicate against visible state and
	// reports whether the operation is now satisfied. It must be safe to
	// call from any goroutine and must not block.
	TryComplete() bool

	// Complete invokes the completion callback. Called at most once, and
	// never after Expire.
	Complete()

	// Expire invokes the callback on the timeout path with whatever partial
	// state the operation has recorded. Called at most once, and never
	// after Complete.
	Expire()
}

// watched wraps an operation with its exactly-once completion state
type watched struct {
	op   Operation
	done atomic.Bool

	// heap bookkeeping
	index int
}

// tryComplete evaluates the predicate and, if satisfied, claims completion.
// Predicate panics are treated as unsatisfied; the operation stays watched
// until its deadline.
func (w *watched) tryComplete() (completed bool) {
	if w.done.Load() {
		return false
	}
	satisfied := func() (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		return w.op.TryComplete()
	}()
	if !satisfied {
		return false
	}
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	w.op.Complete()
	return true
}

// expire claims the timeout path
func (w *watched) expire() bool {
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	w.op.Expire()
	return true
}

// expiryQueue is a min-heap of watched operations ordered by deadline
type expiryQueue []*watched

func (q expiryQueue) Len() int            { return len(q) }
func (q expiryQueue) Less(i, j int) bool  { return q[i].op.Deadline().Before(q[j].op.Deadline()) }
func (q expiryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *expiryQueue) Push(x interface{}) { w := x.(*watched); w.index = len(*q); *q = append(*q, w) }
func (q *expiryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// Purgatory is a timer-indexed map of pending operations keyed by partition
type Purgatory struct {
	name string

	mu       sync.Mutex
	watchers map[types.TopicPartition][]*watched
	expiry   expiryQueue

	// completedSincePurge counts tombstones left in watcher lists; a purge
	// sweep runs once it exceeds purgeInterval
	completedSincePurge int
	purgeInterval       int

	wakeCh chan struct{}
	doneCh chan struct{}
	closed bool

	log *zap.Logger
}

// New creates a purgatory. purgeInterval is the tombstone count that
// triggers a purge sweep of the watcher lists.
func New(name string, purgeInterval int) *Purgatory {
	p := &Purgatory{
		name:          name,
		watchers:      make(map[types.TopicPartition][]*watched),
		purgeInterval: purgeInterval,
		wakeCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		log:           logger.Named("purgatory").With(zap.String("purgatory", name)),
	}
	go p.expirationLoop()
	return p
}

// TryCompleteElseWatch attempts completion once synchronously; if the
// operation is unsatisfied it is registered under each key and armed on the
// expiration timer. Returns true if the operation completed immediately.
func (p *Purgatory) TryCompleteElseWatch(op Operation, keys []types.TopicPartition) bool {
	w := &watched{op: op}
	if w.tryComplete() {
		return true
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.expire()
		return false
	}
	for _, key := range keys {
		p.watchers[key] = append(p.watchers[key], w)
	}
	heap.Push(&p.expiry, w)
	earliest := p.expiry[0] == w
	p.mu.Unlock()

	// A second attempt covers the race where the trigger fired between the
	// first attempt and registration
	if w.tryComplete() {
		p.noteCompleted(1)
		return true
	}
	if earliest {
		p.wake()
	}
	return false
}

// CheckAndComplete re-evaluates every operation watching key and completes
// those whose predicate is now satisfied. Returns the number completed.
func (p *Purgatory) CheckAndComplete(key types.TopicPartition) int {
	p.mu.Lock()
	ops := append([]*watched(nil), p.watchers[key]...)
	p.mu.Unlock()

	completed := 0
	for _, w := range ops {
		if w.tryComplete() {
			completed++
		}
	}
	if completed > 0 {
		p.noteCompleted(completed)
	}
	return completed
}

// WatchedCount returns the number of live entries across watcher lists,
// tombstones included until the next purge
func (p *Purgatory) WatchedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, ops := range p.watchers {
		n += len(ops)
	}
	return n
}

// PendingCount returns the number of operations not yet completed or expired
func (p *Purgatory) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.expiry)
}

// Close expires every pending operation and stops the timer
func (p *Purgatory) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := append([]*watched(nil), p.expiry...)
	p.expiry = nil
	p.watchers = make(map[types.TopicPartition][]*watched)
	p.mu.Unlock()

	close(p.doneCh)
	for _, w := range pending {
		w.expire()
	}
}

func (p *Purgatory) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Purgatory) noteCompleted(n int) {
	p.mu.Lock()
	p.completedSincePurge += n
	purge := p.completedSincePurge > p.purgeInterval
	if purge {
		p.completedSincePurge = 0
	}
	p.mu.Unlock()

	if purge {
		p.purgeCompleted()
	}
}

// purgeCompleted removes tombstones from watcher lists and the timer
func (p *Purgatory) purgeCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, ops := range p.watchers {
		kept := ops[:0]
		for _, w := range ops {
			if !w.done.Load() {
				kept = append(kept, w)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(p.watchers, key)
		} else {
			p.watchers[key] = kept
		}
	}

	kept := p.expiry[:0]
	for _, w := range p.expiry {
		if !w.done.Load() {
			kept = append(kept, w)
		}
	}
	p.expiry = kept
	heap.Init(&p.expiry)

	if removed > 0 {
		p.log.Debug("purged completed operations", zap.Int("removed", removed))
	}
}

// expirationLoop fires operations whose deadline has passed
func (p *Purgatory) expirationLoop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var wait time.Duration
		if len(p.expiry) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(p.expiry[0].op.Deadline())
		}
		p.mu.Unlock()

		if wait <= 0 {
			p.expireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-p.doneCh:
			return
		case <-p.wakeCh:
		case <-timer.C:
			p.expireDue()
		}
	}
}

// expireDue pops and expires every operation whose deadline has passed
func (p *Purgatory) expireDue() {
	now := time.Now()

	var due []*watched
	p.mu.Lock()
	for len(p.expiry) > 0 {
		w := p.expiry[0]
		if w.done.Load() {
			heap.Pop(&p.expiry)
			continue
		}
		if w.op.Deadline().After(now) {
			break
		}
		heap.Pop(&p.expiry)
		due = append(due, w)
	}
	p.mu.Unlock()

	for _, w := range due {
		if w.expire() {
			p.log.Debug("operation expired")
		}
	}
}

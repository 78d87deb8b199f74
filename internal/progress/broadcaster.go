// Package progress fans out per-run progress snapshots to live subscribers,
// independent of persistence.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sevigo/review-council/internal/core"
)

// subscriberBuffer bounds each subscriber channel. A slow subscriber loses
// the oldest snapshot instead of blocking the producer.
const subscriberBuffer = 16

type subscriber struct {
	ch chan core.ProgressStatus
}

type entry struct {
	current core.ProgressStatus
	subs    map[*subscriber]struct{}
}

// Broadcaster is a concurrency-safe registry of per-run progress state with
// pub/sub fan-out. Entries are inserted explicitly when a run starts and
// removed explicitly after the run reaches a terminal state plus a grace
// period; memory is never left to garbage collection of forgotten runs.
type Broadcaster struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	logger  *slog.Logger
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Track registers a run and publishes its initial snapshot.
func (b *Broadcaster) Track(status core.ProgressStatus) {
	b.Publish(status)
}

// Publish stores the snapshot as the run's current state and fans it out to
// every subscriber. It never blocks: a full subscriber buffer drops the
// oldest snapshot to make room.
func (b *Broadcaster) Publish(status core.ProgressStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	e, ok := b.entries[status.RunID]
	if !ok {
		e = &entry{subs: make(map[*subscriber]struct{})}
		b.entries[status.RunID] = e
	}
	e.current = status.Clone()

	for sub := range e.subs {
		send(sub.ch, e.current.Clone())
	}
}

// send delivers without blocking, dropping the oldest buffered snapshot when
// the channel is full.
func send(ch chan core.ProgressStatus, status core.ProgressStatus) {
	for {
		select {
		case ch <- status:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Get returns the current snapshot for a run, if it is being tracked.
func (b *Broadcaster) Get(runID string) (core.ProgressStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[runID]
	if !ok {
		return core.ProgressStatus{}, false
	}
	return e.current.Clone(), true
}

// Subscribe attaches to a run's progress stream. The current snapshot (if
// any) is delivered first, then every subsequent one until the returned
// cancel function is called or the run's entry is removed. The channel is
// closed on detach.
func (b *Broadcaster) Subscribe(runID string) (<-chan core.ProgressStatus, func()) {
	sub := &subscriber{ch: make(chan core.ProgressStatus, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	e, ok := b.entries[runID]
	if !ok {
		e = &entry{subs: make(map[*subscriber]struct{})}
		b.entries[runID] = e
	}
	e.subs[sub] = struct{}{}
	if e.current.RunID != "" {
		send(sub.ch, e.current.Clone())
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if e, ok := b.entries[runID]; ok {
				if _, attached := e.subs[sub]; attached {
					delete(e.subs, sub)
					close(sub.ch)
				}
			}
		})
	}
	return sub.ch, cancel
}

// Remove drops a run's tracking entry and closes all of its subscribers.
func (b *Broadcaster) Remove(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[runID]
	if !ok {
		return
	}
	for sub := range e.subs {
		close(sub.ch)
	}
	delete(b.entries, runID)
}

// RemoveAfter schedules removal once subscribers have had a grace period to
// observe the terminal snapshot.
func (b *Broadcaster) RemoveAfter(runID string, grace time.Duration) {
	time.AfterFunc(grace, func() {
		b.Remove(runID)
	})
}

// CloseAll tears down every entry and rejects further publishes. Called on
// server shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for runID, e := range b.entries {
		for sub := range e.subs {
			close(sub.ch)
		}
		delete(b.entries, runID)
	}
	b.logger.Debug("progress broadcaster closed")
}

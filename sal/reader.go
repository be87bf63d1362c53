package sal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// QueueLen is the number of unread samples a Reader keeps before it
// starts dropping the oldest
const QueueLen = 100

// Reader holds the samples received on one topic.
// Transports call Push; scripts call Get, Aget, Next and Flush.
type Reader struct {
	name string

	mu        sync.Mutex
	latest    Sample
	hasLatest bool
	queue     []Sample
	// wake is closed and replaced on every Push
	wake chan struct{}
}

// NewReader returns an empty reader for the named topic
func NewReader(name string) *Reader {
	return &Reader{name: name, wake: make(chan struct{})}
}

// Name is the topic name
func (r *Reader) Name() string { return r.name }

// Push records a new sample and wakes any waiters
func (r *Reader) Push(s Sample) {
	r.mu.Lock()
	r.latest = s
	r.hasLatest = true
	if len(r.queue) >= QueueLen {
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, s)
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

// Get returns the most recent sample, if any has been seen
func (r *Reader) Get() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.hasLatest
}

// Flush discards unread samples.  The latest value is kept.
func (r *Reader) Flush() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
}

// Aget returns the most recent sample, waiting up to timeout for the
// first one if none has been seen yet
func (r *Reader) Aget(ctx context.Context, timeout time.Duration) (Sample, error) {
	return r.wait(ctx, timeout, func() (Sample, bool) {
		return r.latest, r.hasLatest
	})
}

// Next returns the oldest unread sample, waiting up to timeout for one
// to arrive.  If flush is true the unread queue is discarded first, so
// only samples pushed after the call are returned.
func (r *Reader) Next(ctx context.Context, flush bool, timeout time.Duration) (Sample, error) {
	if flush {
		r.Flush()
	}
	return r.wait(ctx, timeout, func() (Sample, bool) {
		if len(r.queue) == 0 {
			return nil, false
		}
		s := r.queue[0]
		r.queue = r.queue[1:]
		return s, true
	})
}

// wait calls take with the lock held until it yields a sample
func (r *Reader) wait(ctx context.Context, timeout time.Duration, take func() (Sample, bool)) (Sample, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		s, ok := take()
		wake := r.wake
		r.mu.Unlock()
		if ok {
			return s, nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, r.name, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

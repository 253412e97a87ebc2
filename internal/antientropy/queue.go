// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package antientropy

import (
	"sync"
	"time"
)

// ServiceKey identifies one service whose checksum diverged from a peer's
// report, queued for the pull worker (spec.md §4.6).
type ServiceKey struct {
	NamespaceID    string
	ServiceName    string
	PeerAddr       string
	RemoteChecksum string
}

// boundedDeque is the bounded, blocking-take queue spec.md §4.6/§5
// describes: Enqueue tries an offer with a short timeout; on timeout it
// drops the oldest element and retries with an unconditional add. The
// whole drop-then-add sequence is atomic under a single lock, matching
// spec.md §5's "guarded by a single lock on the enqueue side".
type boundedDeque struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []ServiceKey
	capacity int
	closed   bool
}

func newBoundedDeque(capacity int) *boundedDeque {
	d := &boundedDeque{items: make([]ServiceKey, 0, 64), capacity: capacity}
	d.notEmpty = sync.NewCond(&d.mu)
	return d
}

// Enqueue implements the offer(5ms)-then-drop-oldest-and-add fallback.
func (d *boundedDeque) Enqueue(item ServiceKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(d.items) >= d.capacity {
		// Offer: give consumers the timeout to make room, without
		// holding the lock while waiting.
		const offerTimeout = 5 * time.Millisecond
		d.mu.Unlock()
		time.Sleep(offerTimeout)
		d.mu.Lock()
		if d.closed {
			return
		}
	}
	if len(d.items) < d.capacity {
		d.items = append(d.items, item)
		d.notEmpty.Signal()
		return
	}

	// The offer timed out with the queue still at capacity: drop the
	// oldest entry and add unconditionally, trading staleness for
	// liveness (spec.md §5 Back-pressure).
	d.items = append(d.items[1:], item)
	d.notEmpty.Signal()
}

// Take blocks until an item is available or the deque is closed, in which
// case ok is false.
func (d *boundedDeque) Take() (ServiceKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.items) == 0 && !d.closed {
		d.notEmpty.Wait()
	}
	if len(d.items) == 0 {
		return ServiceKey{}, false
	}
	item := d.items[0]
	d.items = d.items[1:]
	return item, true
}

// Len reports the current queue depth, for tests/metrics.
func (d *boundedDeque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Close unblocks any pending Take calls.
func (d *boundedDeque) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.notEmpty.Broadcast()
}

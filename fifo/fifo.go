/*
NAME
  fifo.go

DESCRIPTION
  fifo.go implements the sender's bounded, free-list-backed intrusive
  doubly-linked queue of NAL unit descriptors (spec §4.2).

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package fifo implements the sender's NAL unit descriptor queue: a
// fixed-capacity, free-list-backed doubly-linked list over a
// preallocated slot array, guarded by a single mutex and condition
// variable.
package fifo

import (
	"sync"

	"github.com/ausocean/nalstream/errs"
)

// Descriptor is a sender-side queue element describing one submitted
// NAL unit. NALBuffer is non-owning: the FIFO and sender read it but
// never free it; the producer guarantees it remains live until both
// the NAL and (if applicable) AU callbacks have been observed.
type Descriptor struct {
	NALBuffer []byte // externally-owned NAL payload.
	Length    int
	AUTs      int64 // access-unit timestamp, microseconds. Must be > 0.
	SubmitTs  int64 // wall-clock arrival time, microseconds, set at Submit.
	LastInAU  bool
	AUTag     interface{}
	NALTag    interface{}

	// ForcedDiscontinuity requests that the packetizer jump the
	// sequence number forward before emitting this NAL, signalling a
	// deliberate restart rather than real loss (spec §9 supplement).
	ForcedDiscontinuity bool

	// Drop is set by the bitrate governor to pre-flag this descriptor
	// for drop before the packetizer reaches it.
	Drop bool
}

type slot struct {
	d          Descriptor
	used       bool
	prev, next int // -1 is the sentinel.
}

const sentinel = -1

// FIFO is a bounded queue of Descriptors backed by a fixed slot array.
type FIFO struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []slot
	free  []int // stack of free slot indices.
	head  int   // oldest (sentinel -1 if empty).
	tail  int   // newest (sentinel -1 if empty).

	stopped bool
}

// New returns a FIFO with the given fixed capacity.
func New(capacity int) *FIFO {
	if capacity <= 0 {
		capacity = 1024
	}
	f := &FIFO{
		slots: make([]slot, capacity),
		free:  make([]int, capacity),
		head:  sentinel,
		tail:  sentinel,
	}
	for i := 0; i < capacity; i++ {
		f.free[i] = capacity - 1 - i
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue copies d into a free slot and links it at the tail, waking any
// goroutine blocked in Dequeue. It returns errs.ErrQueueFull if no slot
// is free.
func (f *FIFO) Enqueue(d Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.free) == 0 {
		return errs.ErrQueueFull
	}
	i := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]

	f.slots[i] = slot{d: d, used: true, prev: f.tail, next: sentinel}
	if f.tail != sentinel {
		f.slots[f.tail].next = i
	} else {
		f.head = i
	}
	f.tail = i

	f.cond.Signal()
	return nil
}

// EnqueueBatch enqueues every descriptor in ds, or none, returning
// errs.ErrQueueFull if there is not room for all of them.
func (f *FIFO) EnqueueBatch(ds []Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.free) < len(ds) {
		return errs.ErrQueueFull
	}
	for _, d := range ds {
		i := f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
		f.slots[i] = slot{d: d, used: true, prev: f.tail, next: sentinel}
		if f.tail != sentinel {
			f.slots[f.tail].next = i
		} else {
			f.head = i
		}
		f.tail = i
	}
	f.cond.Signal()
	return nil
}

// Dequeue blocks until a descriptor is available or Stop is called, in
// which case it returns false.
func (f *FIFO) Dequeue() (Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.head == sentinel && !f.stopped {
		f.cond.Wait()
	}
	if f.head == sentinel {
		return Descriptor{}, false
	}

	i := f.head
	d := f.slots[i].d
	f.unlink(i)
	return d, true
}

// unlink removes slot i from the list and returns it to the free stack.
// Caller holds f.mu.
func (f *FIFO) unlink(i int) {
	s := f.slots[i]
	if s.prev != sentinel {
		f.slots[s.prev].next = s.next
	} else {
		f.head = s.next
	}
	if s.next != sentinel {
		f.slots[s.next].prev = s.prev
	} else {
		f.tail = s.prev
	}
	f.slots[i] = slot{}
	f.free = append(f.free, i)
}

// Flush drains every queued descriptor, invoking nalCancel for each one
// and auCancel once per distinct AU timestamp that differs from
// lastSignalledAUTs.
func (f *FIFO) Flush(lastSignalledAUTs int64, nalCancel func(Descriptor), auCancel func(Descriptor)) {
	f.mu.Lock()
	var drained []Descriptor
	for f.head != sentinel {
		i := f.head
		drained = append(drained, f.slots[i].d)
		f.unlink(i)
	}
	f.mu.Unlock()

	last := lastSignalledAUTs
	for _, d := range drained {
		nalCancel(d)
		if d.AUTs != last {
			auCancel(d)
			last = d.AUTs
		}
	}
}

// Stop signals any goroutine blocked in Dequeue to wake and return.
// After Stop, Dequeue no longer blocks: it returns any descriptors
// still queued and then false. There is no un-stop.
func (f *FIFO) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Len returns the number of descriptors currently queued.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := f.head; i != sentinel; i = f.slots[i].next {
		n++
	}
	return n
}

// Snapshot returns a copy of every queued descriptor in FIFO order,
// without removing them.
func (f *FIFO) Snapshot() []Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Descriptor
	for i := f.head; i != sentinel; i = f.slots[i].next {
		out = append(out, f.slots[i].d)
	}
	return out
}

// MarkDropFromTail walks the queue from the tail (newest) toward the
// head, setting Drop on descriptors whose NRI (as derived by nri) is
// exactly priority, until total undropped bytes is at or below target.
// It returns the total undropped bytes remaining.
func (f *FIFO) MarkDropFromTail(priority uint8, nri func(Descriptor) uint8, target int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for i := f.head; i != sentinel; i = f.slots[i].next {
		if !f.slots[i].d.Drop {
			total += f.slots[i].d.Length
		}
	}
	if total <= target {
		return total
	}
	for i := f.tail; i != sentinel && total > target; i = f.slots[i].prev {
		d := &f.slots[i].d
		if d.Drop {
			continue
		}
		if nri(*d) != priority {
			continue
		}
		d.Drop = true
		total -= d.Length
	}
	return total
}

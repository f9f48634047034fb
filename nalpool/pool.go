/*
NAME
  pool.go

DESCRIPTION
  pool.go implements the reference-counted, size-class-growing NAL
  buffer pool shared between a receiver and its resenders.

  The source's pointer-and-use-count soup (see original ARSTREAM_Buffers.c)
  is replaced here with an explicit arena of owned byte slices keyed by
  stable handles; resenders hold handles, never raw pointers, and the
  reference count lives in the arena entry (see DESIGN.md).

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package nalpool provides a reference-counted, size-class-growing pool
// of NAL unit buffers, used to fan a receiver's reassembled stream out
// to its resenders without per-NAL allocation.
package nalpool

import "sync"

// Granule is the allocation granularity entries are rounded up to.
const Granule = 4096

// DefaultMaxEntries is the default maximum number of entries the pool
// will grow to.
const DefaultMaxEntries = 64

// Handle identifies a pool entry. A negative Handle is never valid.
type Handle int

const invalidHandle Handle = -1

type entry struct {
	buf      []byte
	useCount int

	length  int
	auTs    int64
	isLast  bool
}

// Pool is a reference-counted, size-class-growing arena of NAL buffers.
// The zero value is not usable; construct with New.
type Pool struct {
	mu         sync.Mutex
	entries    []entry
	maxEntries int
}

// New returns a Pool that grows up to maxEntries entries. A maxEntries
// of zero selects DefaultMaxEntries.
func New(maxEntries int) *Pool {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Pool{maxEntries: maxEntries}
}

// roundUp rounds n up to the next multiple of Granule.
func roundUp(n int) int {
	return (n + Granule - 1) / Granule * Granule
}

// Acquire returns a handle to an entry with capacity at least minSize,
// copies payload into it, and records the AU timestamp and last-in-AU
// flag. It returns false if the pool is at its maximum and every entry
// is in use.
//
// The returned entry starts with a use count of zero; callers that fan
// the entry out to resenders must call Retain once per resender and
// Release once the corresponding send completes.
func (p *Pool) Acquire(payload []byte, auTs int64, isLast bool) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minSize := len(payload)

	// First fit among idle entries with sufficient capacity.
	for i := range p.entries {
		e := &p.entries[i]
		if e.useCount <= 0 && cap(e.buf) >= minSize {
			p.fill(i, payload, auTs, isLast)
			return Handle(i), true
		}
	}

	// No entry fits; grow the first idle entry if one exists.
	for i := range p.entries {
		e := &p.entries[i]
		if e.useCount <= 0 {
			e.buf = make([]byte, 0, roundUp(minSize))
			p.fill(i, payload, auTs, isLast)
			return Handle(i), true
		}
	}

	// No idle entry; append a new one if the pool has room to grow.
	if len(p.entries) < p.maxEntries {
		p.entries = append(p.entries, entry{buf: make([]byte, 0, roundUp(minSize))})
		i := len(p.entries) - 1
		p.fill(i, payload, auTs, isLast)
		return Handle(i), true
	}

	return invalidHandle, false
}

// fill copies payload into entry i and sets its metadata. Caller holds
// p.mu.
func (p *Pool) fill(i int, payload []byte, auTs int64, isLast bool) {
	e := &p.entries[i]
	e.buf = e.buf[:0]
	e.buf = append(e.buf, payload...)
	e.length = len(payload)
	e.auTs = auTs
	e.isLast = isLast
	e.useCount = 0
}

// Retain increments the use count of h, typically once per resender the
// entry is being submitted to.
func (p *Pool) Retain(h Handle) {
	p.mu.Lock()
	p.entries[h].useCount++
	p.mu.Unlock()
}

// Release decrements the use count of h. An entry becomes eligible for
// reuse by Acquire once its use count reaches zero.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	if p.entries[h].useCount > 0 {
		p.entries[h].useCount--
	}
	p.mu.Unlock()
}

// Bytes returns the payload currently held by h. The returned slice is
// only valid until the entry is reused; callers holding a reference via
// Retain are guaranteed it will not be reused until they Release it.
func (p *Pool) Bytes(h Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[h].buf
}

// Meta returns the AU timestamp and last-in-AU flag most recently
// written into h.
func (p *Pool) Meta(h Handle) (auTs int64, isLast bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[h]
	return e.auTs, e.isLast
}

// UseCount returns the current reference count of h, for tests and
// diagnostics.
func (p *Pool) UseCount(h Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[h].useCount
}

// Len returns the number of entries the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

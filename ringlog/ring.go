/*
NAME
  ring.go

DESCRIPTION
  ring.go implements the fixed-capacity monitoring ring shared by sender
  and receiver instances: a circular log of per-packet events, queryable
  over a caller-supplied time window for jitter, bitrate, packet-size
  distribution, and loss estimation.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package ringlog provides the fixed-capacity monitoring ring used by
// sender and receiver instances to record and aggregate per-packet
// events.
package ringlog

import (
	"math"
	"sync"
)

// Event is a single packet event: a send or receive, or a drop.
type Event struct {
	// Time is the wall-clock time the event was recorded, in
	// microseconds.
	Time int64

	// AUTs is the access-unit timestamp associated with the packet, in
	// microseconds.
	AUTs int64

	// Seq is the packet's sequence number.
	Seq uint16

	// Marker is the packet's marker bit.
	Marker bool

	// Bytes is the number of bytes sent or received. Zero encodes a
	// drop event on the sender side; BytesDropped is then populated
	// instead.
	Bytes int

	// BytesDropped holds the size the packet would have had, for drop
	// events only.
	BytesDropped int

	// LatencyUs is the packet's latency metric. The sender records
	// submit-to-network time (wall time minus submit time); the receiver
	// records zero.
	LatencyUs int64

	// Missing is the number of packets inferred lost immediately before
	// this one (receiver side only).
	Missing int
}

// isDrop reports whether e represents a dropped NAL rather than a sent
// or received packet.
func (e Event) isDrop() bool { return e.Bytes == 0 && e.BytesDropped > 0 }

// Stats is the aggregate produced by Query.
type Stats struct {
	// IntervalUs is the interval actually covered, which is shorter
	// than the requested window when the ring does not reach that far
	// back.
	IntervalUs int64

	PacketsSent  int
	NALsDropped  int
	BytesSent    int64
	BytesDropped int64
	PacketsMissed int

	MeanPacketSize float64
	MeanLatencyUs  float64

	PacketSizeStdDev float64
	JitterStdDev     float64
}

// Ring is a fixed-capacity circular log of packet events. The zero value
// is not usable; construct with New.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int // index the next Record will write to.
	count  int // number of valid entries, saturating at capacity.
}

// New returns a Ring with the given fixed capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Ring{events: make([]Event, capacity)}
}

// Record appends e to the ring, overwriting the oldest entry in FIFO
// order once the ring is full.
func (r *Ring) Record(e Event) {
	r.mu.Lock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
	r.mu.Unlock()
}

// Query aggregates the events recorded no earlier than startTime-windowUs
// and no later than startTime, walking backward from the newest entry
// whose time is at or before startTime. If startTime is zero, the walk
// starts from the newest entry recorded.
func (r *Ring) Query(startTime, windowUs int64) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Stats{}
	}

	// idx(k) walks backward from the most recently written slot: k=0 is
	// the newest, k=count-1 the oldest still retained.
	idx := func(k int) int {
		return (r.next - 1 - k + len(r.events)*2) % len(r.events)
	}

	// Find the newest entry at or before startTime (skip forward past
	// anything recorded after it, which can happen if callers query with
	// a startTime older than "now").
	start := 0
	if startTime != 0 {
		for start < r.count && r.events[idx(start)].Time > startTime {
			start++
		}
	}
	if start >= r.count {
		return Stats{}
	}

	cutoff := startTime - windowUs
	if startTime == 0 {
		cutoff = r.events[idx(start)].Time - windowUs
	}

	// First pass: sums, counts, means.
	var (
		n             int
		oldestTime    int64
		newestTime    int64
		sumSize       float64
		sumLatency    float64
		latencyCount  int
		bytesSent     int64
		bytesDropped  int64
		packetsSent   int
		nalsDropped   int
		packetsMissed int
	)
	for k := start; k < r.count; k++ {
		e := r.events[idx(k)]
		if e.Time < cutoff {
			break
		}
		if n == 0 {
			newestTime = e.Time
		}
		oldestTime = e.Time
		n++

		if e.isDrop() {
			bytesDropped += int64(e.BytesDropped)
			nalsDropped++
			continue
		}
		bytesSent += int64(e.Bytes)
		packetsSent++
		packetsMissed += e.Missing
		sumSize += float64(e.Bytes)
		if e.LatencyUs != 0 {
			sumLatency += float64(e.LatencyUs)
			latencyCount++
		}
	}

	stats := Stats{
		PacketsSent:   packetsSent,
		NALsDropped:   nalsDropped,
		BytesSent:     bytesSent,
		BytesDropped:  bytesDropped,
		PacketsMissed: packetsMissed,
	}
	if n > 0 {
		stats.IntervalUs = newestTime - oldestTime
	}
	if packetsSent > 0 {
		stats.MeanPacketSize = sumSize / float64(packetsSent)
	}
	if latencyCount > 0 {
		stats.MeanLatencyUs = sumLatency / float64(latencyCount)
	}

	// Second pass: population standard deviations, now that the means
	// are known. Deltas are gathered in arrival order (oldest to
	// newest) so jitter reflects the spread of consecutive
	// inter-arrival deltas, per the original ARSTREAM_Reader2.c jitter
	// definition (see SPEC_FULL §5), not of absolute arrival time.
	if packetsSent > 1 {
		var sizeVar float64
		var prevTime int64
		havePrev := false
		deltas := make([]float64, 0, packetsSent)
		for k := r.count - 1; k >= start; k-- {
			e := r.events[idx(k)]
			if e.Time < cutoff || e.isDrop() {
				continue
			}
			d := float64(e.Bytes) - stats.MeanPacketSize
			sizeVar += d * d

			if havePrev {
				deltas = append(deltas, float64(e.Time-prevTime))
			}
			prevTime = e.Time
			havePrev = true
		}
		stats.PacketSizeStdDev = math.Sqrt(sizeVar / float64(packetsSent))
		stats.JitterStdDev = stdDev(deltas)
	}

	return stats
}

// stdDev returns the population standard deviation of vs.
func stdDev(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))

	var variance float64
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vs))

	return math.Sqrt(variance)
}

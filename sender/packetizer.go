/*
NAME
  packetizer.go

DESCRIPTION
  packetizer.go implements the sender's single consumer goroutine: for
  every descriptor dequeued from the FIFO it applies the bitrate/latency
  governor, picks single-NAL, FU-A fragmentation, or STAP-A aggregation
  framing, writes packets to the socket, records the outcome in the
  monitoring ring, and fires the NAL/AU callbacks (spec §4.3).

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sender

import (
	"time"

	"github.com/ausocean/nalstream/config"
	"github.com/ausocean/nalstream/fifo"
	"github.com/ausocean/nalstream/ringlog"
	"github.com/ausocean/nalstream/wire"
)

// aggregate tracks an in-progress STAP-A packet being built across
// successive small NALs that share an access unit.
type aggregate struct {
	active    bool
	auTs      int64
	maxNRI    uint8
	size      int // projected wire size if flushed now: header + stapHeader + entries.
	members   [][]byte
	lastTag   []interface{} // NALTag per member, in order, for per-member callbacks.
	submitTs  []int64
	last      bool // true if the most recently added member was last-in-AU.
}

func newAggregate() aggregate {
	return aggregate{size: wire.HeaderSize + 1}
}

func (a *aggregate) reset() { *a = newAggregate() }

func (a *aggregate) add(nal []byte, nri uint8, auTs int64, tag interface{}, submitTs int64, last bool) {
	if !a.active {
		a.active = true
		a.auTs = auTs
	}
	if nri > a.maxNRI {
		a.maxNRI = nri
	}
	a.size += 2 + len(nal)
	a.members = append(a.members, nal)
	a.lastTag = append(a.lastTag, tag)
	a.submitTs = append(a.submitTs, submitTs)
	a.last = last
}

// run is the packetizer's single consumer goroutine: it dequeues
// descriptors until the FIFO is stopped.
func (s *Sender) run() {
	defer s.wg.Done()

	var prev *fifo.Descriptor
	for {
		d, ok := s.fifo.Dequeue()
		if !ok {
			if prev != nil {
				s.closeOutAU(*prev, config.StatusSent)
			}
			return
		}
		dd := d
		s.processDescriptor(dd, prev)
		prev = &dd
	}
}

// closeOutAU invokes the AU callback for d's access unit with status,
// unless it has already been signalled.
func (s *Sender) closeOutAU(d fifo.Descriptor, status config.Status) {
	if s.haveLastAUCallbackTs && s.lastAUCallbackTs == d.AUTs {
		return
	}
	s.haveLastAUCallbackTs = true
	s.lastAUCallbackTs = d.AUTs
	if s.cfg.AUCallback != nil {
		s.cfg.AUCallback(status, d.AUTag)
	}
}

// processDescriptor implements one iteration of the loop in spec §4.3:
// AU-boundary bookkeeping, the drop predicate, packetization, and the
// resulting callbacks.
func (s *Sender) processDescriptor(d fifo.Descriptor, prev *fifo.Descriptor) {
	if !s.haveFirstAUTs {
		s.haveFirstAUTs = true
		s.firstAUTs = d.AUTs
	}

	// Step 2/3: an AU boundary crossing flushes any in-progress
	// aggregate and retroactively closes out the previous AU if its
	// last-in-AU NAL never arrived (a producer quirk, not modelled as
	// an error).
	if prev != nil && prev.AUTs != d.AUTs {
		if s.agg.active {
			s.flushAggregate()
		}
		s.closeOutAU(*prev, config.StatusSent)
	}

	now := nowUs()
	drop := d.Drop || s.missesLatencyBudget(d, now)

	if drop {
		s.sendDrop(d, now)
	} else {
		s.packetize(d, now)
	}

	if d.LastInAU {
		status := config.StatusSent
		if drop {
			status = config.StatusCancelled
		}
		s.closeOutAU(d, status)
	}
}

// missesLatencyBudget implements the total- and network-latency drop
// rules of spec §4.3 step 4: effective budgets are the configured
// maxLatencyMs/maxNetworkLatencyMs less the time the socket buffer
// itself can hold data, since that time is unavoidable queuing delay.
func (s *Sender) missesLatencyBudget(d fifo.Descriptor, now int64) bool {
	maxBitrate, maxLatencyMs, maxNetworkLatencyMs := s.params.get()
	drainUs := int64(0)
	if maxBitrate > 0 {
		sockBuf := sockBufferBytes(maxBitrate, maxNetworkLatencyMs)
		drainUs = int64(sockBuf) * 8 * 1_000_000 / int64(maxBitrate)
	}

	if maxNetworkLatencyMs > 0 {
		budget := int64(maxNetworkLatencyMs)*1000 - drainUs
		if budget > 0 && now-d.SubmitTs > budget {
			return true
		}
	}
	if maxLatencyMs > 0 {
		budget := int64(maxLatencyMs)*1000 - drainUs
		if budget > 0 && now-d.AUTs > budget {
			return true
		}
	}
	return false
}

// sendDrop records a drop event and fires the NAL callback as
// cancelled. The sequence number still advances on a drop, exactly as
// it would on a send, so the receiver can observe the loss as a gap.
func (s *Sender) sendDrop(d fifo.Descriptor, now int64) {
	s.seq++
	s.ring.Record(ringlog.Event{
		Time:         now,
		AUTs:         d.AUTs,
		BytesDropped: d.Length,
	})
	if s.cfg.NALCallback != nil {
		s.cfg.NALCallback(config.StatusCancelled, d.NALTag)
	}
}

// packetize chooses between fragmentation, aggregation, and single-NAL
// framing per spec §4.3 step 5, writes the resulting packet(s), and
// fires the NAL callback.
func (s *Sender) packetize(d fifo.Descriptor, now int64) {
	if d.ForcedDiscontinuity {
		s.seq += 64
	}

	nal := d.NALBuffer
	nalHeader := nal[0]
	nri := wire.NRI(nalHeader)

	needsFragment := d.Length > s.cfg.MaxPacketSize || ceilDiv(d.Length, s.cfg.TargetPacketSize) > 1

	if needsFragment {
		if s.agg.active {
			s.flushAggregate()
		}
		err := s.sendFragmented(nal, nri, d.AUTs, d.LastInAU)
		status := config.StatusSent
		if err != nil {
			status = config.StatusCancelled
			s.cfg.Logger.Warning("send failed", "error", err.Error())
		}
		if s.cfg.NALCallback != nil {
			s.cfg.NALCallback(status, d.NALTag)
		}
		s.recordSent(d, now, err)
		return
	}

	// Aggregation path: the NAL's own callback fires when the aggregate
	// it joins is flushed (immediately below, or by a later descriptor),
	// never here directly — see flushAggregate.
	candidate := 2 + d.Length
	limit := s.cfg.TargetPacketSize
	if s.cfg.MaxPacketSize < limit {
		limit = s.cfg.MaxPacketSize
	}
	if s.agg.active && (s.agg.auTs != d.AUTs || s.agg.size+candidate > limit) {
		s.flushAggregate()
	}
	s.agg.add(nal, nri, d.AUTs, d.NALTag, d.SubmitTs, d.LastInAU)
	if d.LastInAU {
		s.flushAggregate()
	}
}

// recordSent logs a send (or failed send) to the monitoring ring.
func (s *Sender) recordSent(d fifo.Descriptor, now int64, sendErr error) {
	if sendErr != nil {
		s.ring.Record(ringlog.Event{Time: now, AUTs: d.AUTs, BytesDropped: d.Length})
		return
	}
	s.ring.Record(ringlog.Event{
		Time:      now,
		AUTs:      d.AUTs,
		Seq:       s.seq - 1,
		Bytes:     d.Length,
		LatencyUs: now - d.SubmitTs,
	})
}

// flushAggregate ships the in-progress STAP-A aggregate as either a
// single-NAL packet (one member: the STAP-A wrapper would only add
// overhead) or a STAP-A packet (multiple members), firing the NAL
// callback for every member it contains.
func (s *Sender) flushAggregate() error {
	if !s.agg.active {
		return nil
	}
	members := s.agg.members
	tags := s.agg.lastTag
	submitTs := s.agg.submitTs
	auTs := s.agg.auTs
	last := s.agg.last
	s.agg.reset()

	var err error
	now := nowUs()
	if len(members) == 1 {
		err = s.sendSingle(members[0], auTs, last)
	} else {
		err = s.sendSTAPA(members, auTs, last)
	}

	status := config.StatusSent
	if err != nil {
		status = config.StatusCancelled
	}
	for i, tag := range tags {
		if s.cfg.NALCallback != nil {
			s.cfg.NALCallback(status, tag)
		}
		ev := ringlog.Event{Time: now, AUTs: auTs}
		if err != nil {
			ev.BytesDropped = len(members[i])
		} else {
			ev.Bytes = len(members[i])
			ev.LatencyUs = now - submitTs[i]
		}
		s.ring.Record(ev)
	}
	return err
}

// sendSingle writes one NAL as a single wire packet.
func (s *Sender) sendSingle(nal []byte, auTs int64, marker bool) error {
	buf := make([]byte, wire.HeaderSize+len(nal))
	s.encodeHeader(buf, auTs, marker)
	copy(buf[wire.HeaderSize:], nal)
	s.seq++
	return s.write(buf)
}

// sendSTAPA writes members as one STAP-A aggregation packet.
func (s *Sender) sendSTAPA(members [][]byte, auTs int64, marker bool) error {
	var maxNRI uint8
	for _, m := range members {
		if nri := wire.NRI(m[0]); nri > maxNRI {
			maxNRI = nri
		}
	}
	buf := make([]byte, wire.HeaderSize, wire.HeaderSize+1)
	s.encodeHeader(buf[:wire.HeaderSize], auTs, marker)
	buf = append(buf, wire.STAPAHeader(maxNRI))
	for _, m := range members {
		buf = wire.AppendSTAPAEntry(buf, m)
	}
	s.seq++
	return s.write(buf)
}

// sendFragmented writes nal as a run of FU-A packets. The original NAL
// header byte is not sent; the receiver rebuilds it from the FU
// indicator and FU header.
func (s *Sender) sendFragmented(nal []byte, nri uint8, auTs int64, last bool) error {
	originalType := wire.NALType(nal[0])
	body := nal[1:]
	sizes := fragmentSizes(len(body), s.cfg.TargetPacketSize, s.cfg.MaxPacketSize)

	offset := 0
	for i, sz := range sizes {
		start := i == 0
		end := i == len(sizes)-1
		buf := make([]byte, wire.HeaderSize+2+sz)
		s.encodeHeader(buf, auTs, end && last)
		buf[wire.HeaderSize] = wire.FUIndicator(nri)
		buf[wire.HeaderSize+1] = wire.FUHeader(start, end, originalType)
		copy(buf[wire.HeaderSize+2:], body[offset:offset+sz])
		offset += sz
		s.seq++
		if err := s.write(buf); err != nil {
			return err
		}
	}
	return nil
}

// encodeHeader writes the wire header for a packet carrying auTs into
// the front of buf.
func (s *Sender) encodeHeader(buf []byte, auTs int64, marker bool) {
	h := wire.Header{
		Marker: marker,
		Seq:    s.seq,
		Ts:     wire.RTPTimestamp(auTs, s.firstAUTs),
		SSRC:   s.ssrc,
	}
	h.Encode(buf)
}

// write sends buf, bounding the attempt to the current network latency
// budget. On a transient EAGAIN-style timeout it runs the bitrate
// governor against the FIFO before polling and retrying exactly once,
// per spec §4.3 step 6.
func (s *Sender) write(buf []byte) error {
	_, maxLatencyMs, maxNetworkLatencyMs := s.params.get()
	deadline := latencyDeadline(maxLatencyMs, maxNetworkLatencyMs)
	_ = s.sock.WriteDeadline(deadline)

	_, err := s.sock.Write(buf)
	if isTimeout(err) {
		s.runBitrateGovernor()
		_ = s.sock.WriteDeadline(deadline.Add(retryWindow))
		_, err = s.sock.Write(buf)
	}
	return err
}

// runBitrateGovernor implements spec §4.3 step 6's EAGAIN response:
// for NRI values 0..3 in that order, mark FIFO descriptors for drop
// from the tail (newest first) until the queued undropped bytes fit
// under the socket-buffer target, shedding lowest-priority data first.
func (s *Sender) runBitrateGovernor() {
	maxBitrate, _, maxNetworkLatencyMs := s.params.get()
	target := sockBufferBytes(maxBitrate, maxNetworkLatencyMs)
	for priority := uint8(0); priority <= 3; priority++ {
		if s.fifo.MarkDropFromTail(priority, descriptorNRI, target) <= target {
			break
		}
	}
}

// descriptorNRI extracts the NAL reference priority from a queued
// descriptor's NAL header byte, for use as fifo.MarkDropFromTail's
// priority key.
func descriptorNRI(d fifo.Descriptor) uint8 {
	if len(d.NALBuffer) == 0 {
		return 0
	}
	return wire.NRI(d.NALBuffer[0])
}

// retryWindow bounds the single retry attempt after a transient write
// timeout.
const retryWindow = 5 * time.Millisecond

// latencyDeadline derives a write deadline from the tighter of the two
// configured latency budgets, falling back to retryWindow if neither is
// set.
func latencyDeadline(maxLatencyMs, maxNetworkLatencyMs int) time.Time {
	ms := maxNetworkLatencyMs
	if maxLatencyMs > 0 && (ms == 0 || maxLatencyMs < ms) {
		ms = maxLatencyMs
	}
	if ms <= 0 {
		return time.Now().Add(retryWindow)
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

// fragmentSizes splits a length-byte NAL into FU-A fragment sizes per
// spec §4.3 step 5: fragmentCount = ceil(length/target), sized evenly
// around meanFragmentSize, each capped to what maxPacketSize allows
// once the 12-byte wire header and 2-byte FU-A header are accounted
// for.
func fragmentSizes(length, target, maxPacketSize int) []int {
	maxPayload := maxPacketSize - wire.HeaderSize - 2
	if maxPayload < 1 {
		maxPayload = 1
	}
	fragCount := ceilDiv(length, target)
	if fragCount < 1 {
		fragCount = 1
	}
	mean := (length + fragCount/2) / fragCount
	if mean < 1 {
		mean = 1
	}
	if mean > maxPayload {
		mean = maxPayload
	}

	var sizes []int
	remaining := length
	for remaining > 0 {
		sz := mean
		if sz > remaining {
			sz = remaining
		}
		if sz > maxPayload {
			sz = maxPayload
		}
		sizes = append(sizes, sz)
		remaining -= sz
	}
	return sizes
}

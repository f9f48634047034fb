/*
NAME
  depacketizer.go

DESCRIPTION
  depacketizer.go implements the receiver's reassembly state machine:
  sequence-gap detection, FU-A/STAP-A/single-NAL dispatch, and the
  pull-based buffer handoff into the consumer's NALCallback (spec
  §4.4.1).

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"github.com/ausocean/nalstream/config"
	"github.com/ausocean/nalstream/ringlog"
	"github.com/ausocean/nalstream/wire"
)

// annexBStartCode is the 4-byte Annex-B start code optionally prepended
// to every reassembled NAL unit.
var annexBStartCode = [4]byte{0, 0, 0, 1}

// fuState tracks an in-progress FU-A reassembly.
type fuState struct {
	active       bool
	originalType uint8
	nri          uint8
	auTs         int64
}

// depacketizer owns the reassembly state machine and the current
// consumer-supplied destination buffer. It is not safe for concurrent
// use; the receive loop owns it exclusively.
type depacketizer struct {
	cfg config.Receiver
	ssrc uint32
	haveSSRC bool

	haveSeq   bool
	expectSeq uint16

	haveDeliveredAUTs bool
	lastDeliveredAUTs int64

	// uncertainAUChange is set after a sequence gap spanning an unknown
	// number of access units; the next successfully parsed packet
	// resolves it rather than guessing, per spec §4.4.1.
	uncertainAUChange bool
	missingSince      int

	curBuf []byte
	curLen int

	fu fuState

	ring *ringlog.Ring

	// onComplete, if set, is invoked with every reassembled NAL before
	// the consumer's own callback takes it, feeding any attached
	// resenders.
	onComplete func(nal []byte, auTs int64, isFirst, isLast bool)
}

func newDepacketizer(cfg config.Receiver, ring *ringlog.Ring) *depacketizer {
	d := &depacketizer{cfg: cfg, ring: ring}
	d.curBuf = d.callback(config.CauseBufferTooSmall, nil, 0, false, false, 0)
	return d
}

// callback invokes the consumer's NALCallback and returns the buffer it
// hands back, never nil-panicking if the consumer declines (returns
// nil): callers must check.
func (d *depacketizer) callback(cause config.Cause, buf []byte, auTs int64, isFirst, isLast bool, missing int) []byte {
	if d.cfg.NALCallback == nil {
		return nil
	}
	return d.cfg.NALCallback(cause, buf, auTs, isFirst, isLast, missing)
}

// handlePacket processes one wire packet arriving at recvTime
// (microseconds), given its decoded header and payload.
func (d *depacketizer) handlePacket(h wire.Header, payload []byte, recvTime int64) {
	if !d.haveSSRC {
		d.haveSSRC = true
		d.ssrc = h.SSRC
	} else if h.SSRC != d.ssrc {
		// A new source restarting the stream; resynchronize rather than
		// mixing sequence spaces.
		d.haveSeq = false
		d.ssrc = h.SSRC
	}

	missing := 0
	if d.haveSeq {
		delta := int32(int16(h.Seq - d.expectSeq))
		switch {
		case delta == 0:
			// In order; nothing to do.
		case delta > 0:
			missing = int(delta)
			d.uncertainAUChange = true
		default:
			// Arrived behind the expected sequence: no reordering buffer
			// is kept, so it is simply dropped (spec §4.4.1, scenario 6).
			d.ring.Record(ringlog.Event{Time: recvTime, BytesDropped: len(payload)})
			return
		}
	}
	d.haveSeq = true
	d.expectSeq = h.Seq + 1
	d.missingSince += missing

	if len(payload) == 0 {
		return
	}
	nalType := wire.NALType(payload[0])
	switch nalType {
	case wire.NALTypeFUA:
		d.handleFUA(h, payload, recvTime)
	case wire.NALTypeSTAPA:
		d.handleSTAPA(h, payload, recvTime)
	default:
		d.deliverComplete(payload, h.Ts, h.Marker, recvTime)
	}
}

// handleSTAPA dispatches every aggregated NAL as its own complete unit.
func (d *depacketizer) handleSTAPA(h wire.Header, payload []byte, recvTime int64) {
	rest := payload[1:]
	for len(rest) > 0 {
		nal, n, err := wire.STAPAEntry(rest)
		if err != nil {
			return
		}
		rest = rest[n:]
		// Only the packet's own marker bit signals the AU's true last
		// NAL; interior aggregate members are never last-in-AU.
		last := len(rest) == 0 && h.Marker
		d.deliverComplete(nal, h.Ts, last, recvTime)
	}
}

// handleFUA accumulates one fragment of an FU-A reassembly, completing
// and delivering it on the End fragment.
func (d *depacketizer) handleFUA(h wire.Header, payload []byte, recvTime int64) {
	if len(payload) < 2 {
		return
	}
	nri := wire.NRI(payload[0])
	start, end, originalType := wire.ParseFUHeader(payload[1])
	frag := payload[2:]

	if start {
		if d.fu.active {
			// A Start without a preceding End: the previous fragmentation
			// run was abandoned (loss or a producer restart). Cancel it.
			d.cancelInProgress()
		}
		d.fu = fuState{active: true, originalType: originalType, nri: nri}
		d.beginNAL()
		d.writeReassembled([]byte{(nri&0x03)<<5 | originalType&0x1f})
	}
	if !d.fu.active {
		// An End or middle fragment with no known Start: drop silently,
		// nothing sane to reassemble.
		return
	}
	d.writeReassembled(frag)

	if end {
		d.fu.active = false
		d.finishReassembled(h.Ts, h.Marker, recvTime)
	}
}

// cancelInProgress discards whatever has been written for the current
// NAL, handing the consumer a Cancel callback.
func (d *depacketizer) cancelInProgress() {
	if d.curLen == 0 {
		return
	}
	next := d.callback(config.CauseCancel, d.curBuf[:d.curLen], 0, false, false, 0)
	d.curBuf = next
	d.curLen = 0
}

// writeReassembled copies b into the current destination buffer,
// growing (BufferTooSmall) or rolling over to a fresh buffer
// (CopyComplete) as needed, per the pull-based handoff of spec §4.4.1.
func (d *depacketizer) writeReassembled(b []byte) {
	for len(b) > 0 {
		if d.curBuf == nil {
			return
		}
		room := len(d.curBuf) - d.curLen
		if room <= 0 {
			if d.curLen == len(d.curBuf) && len(d.curBuf) > 0 {
				next := d.callback(config.CauseCopyComplete, d.curBuf[:d.curLen], 0, false, false, 0)
				d.curBuf = next
				d.curLen = 0
				continue
			}
			next := d.callback(config.CauseBufferTooSmall, d.curBuf[:d.curLen], 0, false, false, 0)
			if next == nil {
				d.curBuf = nil
				return
			}
			copy(next, d.curBuf[:d.curLen])
			d.curBuf = next
			continue
		}
		n := room
		if n > len(b) {
			n = len(b)
		}
		copy(d.curBuf[d.curLen:], b[:n])
		d.curLen += n
		b = b[n:]
	}
}

// beginNAL resets the write cursor for a new NAL and, if configured,
// writes the leading Annex-B start code.
func (d *depacketizer) beginNAL() {
	d.curLen = 0
	if d.cfg.InsertStartCodes {
		d.writeReassembled(annexBStartCode[:])
	}
}

// deliverComplete reassembles a single-NAL or STAP-A-member NAL in one
// shot: these always arrive whole, so the whole NAL is written and
// delivered in a single call.
func (d *depacketizer) deliverComplete(nal []byte, ts uint32, marker bool, recvTime int64) {
	d.beginNAL()
	d.writeReassembled(nal)
	d.finishReassembled(ts, marker, recvTime)
}

// finishReassembled hands the completed NAL to the consumer and records
// its arrival, resolving isFirst/missing bookkeeping.
func (d *depacketizer) finishReassembled(ts uint32, marker bool, recvTime int64) {
	if d.curBuf == nil {
		d.missingSince = 0
		d.uncertainAUChange = false
		return
	}

	// The wire timestamp counts 90 kHz ticks since the sender's first
	// access unit; deliver it in microseconds.
	auTs := (int64(ts)*1000 + 45) / 90
	// A sequence gap of unknown AU-span leaves the true first-in-AU
	// boundary unknowable; isFirst is suppressed rather than guessed
	// from the AU timestamp alone (spec §4.4.1, Open Question 4).
	isFirst := !d.uncertainAUChange && (!d.haveDeliveredAUTs || d.lastDeliveredAUTs != auTs)
	d.haveDeliveredAUTs = true
	d.lastDeliveredAUTs = auTs

	missing := d.missingSince
	d.missingSince = 0
	d.uncertainAUChange = false

	total := d.curLen
	out := d.curBuf[:total]

	if d.onComplete != nil {
		d.onComplete(out, auTs, isFirst, marker)
	}

	next := d.callback(config.CauseComplete, out, auTs, isFirst, marker, missing)
	d.curBuf = next
	d.curLen = 0

	d.ring.Record(ringlog.Event{
		Time:      recvTime,
		AUTs:      auTs,
		Marker:    marker,
		Bytes:     total,
		LatencyUs: 0,
		Missing:   missing,
	})
}

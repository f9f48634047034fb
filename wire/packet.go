/*
NAME
  packet.go

DESCRIPTION
  packet.go implements the fixed 12-byte wire header used between a
  sender and receiver, and the FU-A/STAP-A framing rules used to
  fragment and aggregate H.264 NAL units across it.

  See https://tools.ietf.org/html/rfc6184 for the H.264 NAL unit
  fragmentation/aggregation formats this package implements.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package wire provides the on-the-wire packet header and H.264
// fragmentation/aggregation framing shared by the sender and receiver
// engines.
package wire

import (
	"encoding/binary"
	"errors"
)

// Header size and payload type, per the wire format in spec §3/§4.1.
const (
	HeaderSize  = 12
	PayloadType = 96 // Fixed payload type carried in the low 7 bits of byte 1.

	// NAL unit types that carry special framing, per RFC 6184.
	NALTypeFUA   = 28
	NALTypeSTAPA = 24
)

var errShortHeader = errors.New("wire: packet shorter than header size")

// Header is the fixed 12-byte packet header: a flags field (marker bit),
// a sequence number, a 90kHz RTP-style timestamp, and a synchronization
// source identifier.
type Header struct {
	Marker bool
	Seq    uint16
	Ts     uint32
	SSRC   uint32
}

// Encode writes h into the first HeaderSize bytes of buf, which must be
// at least HeaderSize bytes long.
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1] // bounds check hint.
	buf[0] = 0x80
	buf[1] = PayloadType & 0x7f
	if h.Marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Ts)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
}

// DecodeHeader parses the fixed header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errShortHeader
	}
	return Header{
		Marker: buf[1]&0x80 != 0,
		Seq:    binary.BigEndian.Uint16(buf[2:4]),
		Ts:     binary.BigEndian.Uint32(buf[4:8]),
		SSRC:   binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// NRI returns the nal_ref_idc priority (0-3, 3 highest) from a NAL unit's
// first header byte.
func NRI(naluHeader byte) uint8 { return (naluHeader >> 5) & 0x03 }

// NALType returns the nal_unit_type from a NAL unit's first header byte.
func NALType(naluHeader byte) uint8 { return naluHeader & 0x1f }

// FUIndicator builds the first of the two FU-A header bytes: NRI copied
// from the original NAL, type fixed at NALTypeFUA.
func FUIndicator(nri uint8) byte { return (nri&0x03)<<5 | NALTypeFUA }

// FUHeader builds the second of the two FU-A header bytes: S/E/R bits
// plus the original NAL unit type.
func FUHeader(start, end bool, originalType uint8) byte {
	var b byte
	if start {
		b |= 0x80
	}
	if end {
		b |= 0x40
	}
	// R bit (bit 5) is reserved and always zero.
	b |= originalType & 0x1f
	return b
}

// ParseFUHeader decodes the S/E/R bits and original NAL type from the
// second FU-A header byte.
func ParseFUHeader(b byte) (start, end bool, originalType uint8) {
	return b&0x80 != 0, b&0x40 != 0, b & 0x1f
}

// STAPAHeader builds the single STAP-A header byte: NRI is the maximum
// NRI of the aggregated NAL units, type fixed at NALTypeSTAPA.
func STAPAHeader(maxNRI uint8) byte { return (maxNRI&0x03)<<5 | NALTypeSTAPA }

// AppendSTAPAEntry appends one [u16 length][NAL bytes] tuple to buf, as
// used by the STAP-A aggregation format.
func AppendSTAPAEntry(buf []byte, nal []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(nal)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, nal...)
	return buf
}

// STAPAEntry reads one [u16 length][NAL bytes] tuple from the front of
// buf, returning the NAL bytes and the number of bytes consumed.
func STAPAEntry(buf []byte) (nal []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, errors.New("wire: short STAP-A entry length")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, 0, errors.New("wire: short STAP-A entry payload")
	}
	return buf[2 : 2+n], 2 + n, nil
}

// RTPTimestamp derives the wrapping 90kHz RTP-style timestamp from an
// access-unit timestamp and the first observed access-unit timestamp,
// both in microseconds, per spec §4.3.
func RTPTimestamp(auTs, firstAuTs int64) uint32 {
	return uint32(((auTs - firstAuTs) * 90 + 500) / 1000)
}

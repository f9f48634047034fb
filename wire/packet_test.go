/*
NAME
  packet_test.go

DESCRIPTION
  packet_test.go tests header encode/decode and FU-A/STAP-A framing.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Marker: true, Seq: 42, Ts: 123456, SSRC: 0xdeadbeef}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderMarkerBit(t *testing.T) {
	buf := make([]byte, HeaderSize)
	Header{Marker: false, Seq: 1, Ts: 1, SSRC: 1}.Encode(buf)
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.False(t, got.Marker)

	Header{Marker: true, Seq: 1, Ts: 1, SSRC: 1}.Encode(buf)
	got, err = DecodeHeader(buf)
	require.NoError(t, err)
	assert.True(t, got.Marker)
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestNRIAndNALType(t *testing.T) {
	// nri=3, type=5 (IDR slice).
	b := byte(3<<5 | 5)
	assert.Equal(t, uint8(3), NRI(b))
	assert.Equal(t, uint8(5), NALType(b))
}

func TestFUHeaderRoundTrip(t *testing.T) {
	b := FUHeader(true, false, 5)
	start, end, typ := ParseFUHeader(b)
	assert.True(t, start)
	assert.False(t, end)
	assert.Equal(t, uint8(5), typ)

	b = FUHeader(false, true, 7)
	start, end, typ = ParseFUHeader(b)
	assert.False(t, start)
	assert.True(t, end)
	assert.Equal(t, uint8(7), typ)
}

func TestFUIndicator(t *testing.T) {
	b := FUIndicator(2)
	assert.Equal(t, uint8(2), NRI(b))
	assert.Equal(t, uint8(NALTypeFUA), NALType(b))
}

func TestSTAPAHeader(t *testing.T) {
	b := STAPAHeader(3)
	assert.Equal(t, uint8(3), NRI(b))
	assert.Equal(t, uint8(NALTypeSTAPA), NALType(b))
}

func TestSTAPAEntryRoundTrip(t *testing.T) {
	nal1 := []byte{0x65, 1, 2, 3}
	nal2 := []byte{0x41, 4, 5}

	var buf []byte
	buf = AppendSTAPAEntry(buf, nal1)
	buf = AppendSTAPAEntry(buf, nal2)

	got1, n1, err := STAPAEntry(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(nal1, got1); diff != "" {
		t.Errorf("entry 1 mismatch (-want +got):\n%s", diff)
	}

	got2, n2, err := STAPAEntry(buf[n1:])
	require.NoError(t, err)
	if diff := cmp.Diff(nal2, got2); diff != "" {
		t.Errorf("entry 2 mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, len(buf), n1+n2)
}

func TestSTAPAEntryShort(t *testing.T) {
	_, _, err := STAPAEntry([]byte{0x00})
	assert.Error(t, err)

	_, _, err = STAPAEntry([]byte{0x00, 0x05, 1, 2})
	assert.Error(t, err)
}

func TestRTPTimestamp(t *testing.T) {
	// Zero offset gives a zero timestamp.
	assert.Equal(t, uint32(0), RTPTimestamp(1_000_000, 1_000_000))

	// One millisecond of AU offset maps to 90kHz scaling:
	// (1000*90+500)/1000 = 90 (rounded).
	assert.Equal(t, uint32(90), RTPTimestamp(1_001_000, 1_000_000))
}

/*
NAME
  packetizer_test.go

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/nalstream/fifo"
	"github.com/ausocean/nalstream/ringlog"
)

func TestFragmentSizesSumsToLength(t *testing.T) {
	sizes := fragmentSizes(4000, 1200, 1400)
	sum := 0
	for _, sz := range sizes {
		sum += sz
		assert.LessOrEqual(t, sz, 1400-12-2)
	}
	assert.Equal(t, 4000, sum)
}

func TestFragmentSizesSingleFragmentBelowTarget(t *testing.T) {
	sizes := fragmentSizes(500, 1200, 1400)
	assert.Len(t, sizes, 1)
	assert.Equal(t, 500, sizes[0])
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 1, ceilDiv(500, 1200))
	assert.Equal(t, 2, ceilDiv(1201, 1200))
	assert.Equal(t, 0, ceilDiv(0, 1200))
}

func TestMissesLatencyBudgetNetwork(t *testing.T) {
	s := &Sender{}
	s.params.set(1_000_000, 0, 50)
	now := int64(1_000_000)
	d := fifo.Descriptor{SubmitTs: now - 60_000}
	assert.True(t, s.missesLatencyBudget(d, now))
}

func TestMissesLatencyBudgetWithinLimits(t *testing.T) {
	s := &Sender{}
	s.params.set(1_000_000, 0, 50)
	now := int64(1_000_000)
	d := fifo.Descriptor{SubmitTs: now - 1000}
	assert.False(t, s.missesLatencyBudget(d, now))
}

func TestAggregateAddTracksMaxNRIAndSize(t *testing.T) {
	var agg aggregate
	agg = newAggregate()
	agg.add([]byte{0x65, 1, 2}, 2, 1000, "a", 0, false)
	agg.add([]byte{0x25, 3, 4, 5}, 1, 1000, "b", 0, true)

	assert.True(t, agg.active)
	assert.EqualValues(t, 2, agg.maxNRI)
	assert.True(t, agg.last)
	assert.Len(t, agg.members, 2)
	// Wire header + STAP-A header + two [u16 length][NAL] entries.
	assert.Equal(t, 12+1+(2+3)+(2+4), agg.size)
}

func TestSendDropAdvancesSequenceNumber(t *testing.T) {
	s := &Sender{ring: ringlog.New(16)}
	s.seq = 41

	s.sendDrop(fifo.Descriptor{AUTs: 1000, Length: 10}, 2000)

	assert.EqualValues(t, 42, s.seq)
}

func TestRunBitrateGovernorMarksLowestNRIFromTail(t *testing.T) {
	s := &Sender{fifo: fifo.New(8)}
	s.params.set(64_000, 0, 100)

	// Three 2000-byte NALs, NRI 0, 1, and 3 respectively; the socket
	// buffer target at this bitrate/latency is small, so the lowest-NRI
	// entries should be marked for drop first.
	require.NoError(t, s.fifo.Enqueue(fifo.Descriptor{NALBuffer: []byte{0x01, 1}, Length: 2000, AUTs: 1}))
	require.NoError(t, s.fifo.Enqueue(fifo.Descriptor{NALBuffer: []byte{0x21, 1}, Length: 2000, AUTs: 2}))
	require.NoError(t, s.fifo.Enqueue(fifo.Descriptor{NALBuffer: []byte{0x61, 1}, Length: 2000, AUTs: 3}))

	s.runBitrateGovernor()

	snap := s.fifo.Snapshot()
	require.Len(t, snap, 3)
	assert.True(t, snap[0].Drop, "lowest-NRI entry should be marked for drop")
	target := sockBufferBytes(64_000, 100)
	undropped := 0
	for _, d := range snap {
		if !d.Drop {
			undropped += d.Length
		}
	}
	assert.LessOrEqual(t, undropped, target)
}

func TestDescriptorNRI(t *testing.T) {
	assert.EqualValues(t, 3, descriptorNRI(fifo.Descriptor{NALBuffer: []byte{0x65, 1, 2}}))
	assert.EqualValues(t, 0, descriptorNRI(fifo.Descriptor{}))
}

func TestSockBufferBytes(t *testing.T) {
	// 1 Mbps, 100ms network latency budget: half of that window's bytes.
	got := sockBufferBytes(1_000_000, 100)
	assert.Equal(t, 1_000_000*100/1000/8/2, got)
}

/*
NAME
  ring_test.go

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package ringlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryEmpty(t *testing.T) {
	r := New(8)
	assert.Equal(t, Stats{}, r.Query(0, 1000))
}

func TestQuerySumsAndCounts(t *testing.T) {
	r := New(8)
	r.Record(Event{Time: 100, Bytes: 500})
	r.Record(Event{Time: 200, Bytes: 500})
	r.Record(Event{Time: 300, BytesDropped: 500})

	s := r.Query(0, 1000)
	assert.Equal(t, 2, s.PacketsSent)
	assert.Equal(t, 1, s.NALsDropped)
	assert.EqualValues(t, 1000, s.BytesSent)
	assert.EqualValues(t, 500, s.BytesDropped)
	assert.Equal(t, float64(500), s.MeanPacketSize)
}

func TestQueryWindowExcludesOldEvents(t *testing.T) {
	r := New(8)
	r.Record(Event{Time: 0, Bytes: 100})
	r.Record(Event{Time: 1_000_000, Bytes: 200})

	// Querying with a 500ms window from the latest time should only see
	// the second event.
	s := r.Query(1_000_000, 500_000)
	assert.Equal(t, 1, s.PacketsSent)
	assert.EqualValues(t, 200, s.BytesSent)
}

func TestQueryOverwritesInFIFOOrder(t *testing.T) {
	r := New(2)
	r.Record(Event{Time: 1, Bytes: 1})
	r.Record(Event{Time: 2, Bytes: 2})
	r.Record(Event{Time: 3, Bytes: 3}) // overwrites the Time:1 event.

	s := r.Query(0, 1000)
	assert.Equal(t, 2, s.PacketsSent)
	assert.EqualValues(t, 5, s.BytesSent)
}

func TestQueryPacketsMissed(t *testing.T) {
	r := New(8)
	r.Record(Event{Time: 1, Bytes: 100, Missing: 0})
	r.Record(Event{Time: 2, Bytes: 100, Missing: 1})

	s := r.Query(0, 1000)
	assert.Equal(t, 1, s.PacketsMissed)
}

func TestQueryStdDev(t *testing.T) {
	r := New(8)
	r.Record(Event{Time: 0, Bytes: 100})
	r.Record(Event{Time: 10, Bytes: 200})
	r.Record(Event{Time: 30, Bytes: 100})

	s := r.Query(0, 1000)
	assert.Greater(t, s.PacketSizeStdDev, 0.0)
	assert.Greater(t, s.JitterStdDev, 0.0)
}

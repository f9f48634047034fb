/*
NAME
  fifo_test.go

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package fifo

import (
	"testing"
	"time"

	"github.com/ausocean/nalstream/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	f := New(4)
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 1, Length: 1}))
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 2, Length: 1}))

	d1, ok := f.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 1, d1.AUTs)

	d2, ok := f.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 2, d2.AUTs)
}

func TestEnqueueFullReturnsQueueFull(t *testing.T) {
	f := New(1)
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 1, Length: 1}))
	err := f.Enqueue(Descriptor{AUTs: 2, Length: 1})
	assert.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestEnqueueBatchAllOrNone(t *testing.T) {
	f := New(2)
	err := f.EnqueueBatch([]Descriptor{{AUTs: 1, Length: 1}, {AUTs: 2, Length: 1}, {AUTs: 3, Length: 1}})
	assert.ErrorIs(t, err, errs.ErrQueueFull)
	assert.Equal(t, 0, f.Len())

	err = f.EnqueueBatch([]Descriptor{{AUTs: 1, Length: 1}, {AUTs: 2, Length: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	f := New(4)
	done := make(chan Descriptor, 1)
	go func() {
		d, ok := f.Dequeue()
		if ok {
			done <- d
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 9, Length: 1}))

	select {
	case d := <-done:
		assert.EqualValues(t, 9, d.AUTs)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Enqueue")
	}
}

func TestStopWakesDequeue(t *testing.T) {
	f := New(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	f.Stop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Stop")
	}
}

func TestFlushInvokesCallbacksPerNALAndAU(t *testing.T) {
	f := New(4)
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 1, Length: 1}))
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 1, Length: 1}))
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 2, Length: 1}))

	var nalCalls, auCalls []int64
	f.Flush(0, func(d Descriptor) {
		nalCalls = append(nalCalls, d.AUTs)
	}, func(d Descriptor) {
		auCalls = append(auCalls, d.AUTs)
	})

	assert.Equal(t, []int64{1, 1, 2}, nalCalls)
	assert.Equal(t, []int64{1, 2}, auCalls)
	assert.Equal(t, 0, f.Len())
}

func TestMarkDropFromTailShedsLowestPriorityNewestFirst(t *testing.T) {
	f := New(4)
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 1, Length: 100}))
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 2, Length: 100}))
	require.NoError(t, f.Enqueue(Descriptor{AUTs: 3, Length: 100}))

	nri := func(d Descriptor) uint8 { return 0 } // all same priority for this test.
	remaining := f.MarkDropFromTail(0, nri, 150)

	assert.LessOrEqual(t, remaining, 150)

	snap := f.Snapshot()
	// The newest (AUTs:3) should be the one marked for drop first.
	assert.True(t, snap[2].Drop)
	assert.False(t, snap[0].Drop)
}

/*
NAME
  pool_test.go

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package nalpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireCopiesPayload(t *testing.T) {
	p := New(4)
	h, ok := p.Acquire([]byte("hello"), 1000, true)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), p.Bytes(h))

	auTs, isLast := p.Meta(h)
	assert.EqualValues(t, 1000, auTs)
	assert.True(t, isLast)
}

func TestAcquireGrowsUpToMax(t *testing.T) {
	p := New(2)
	h1, ok := p.Acquire([]byte("a"), 1, false)
	require.True(t, ok)
	p.Retain(h1)

	h2, ok := p.Acquire([]byte("b"), 2, false)
	require.True(t, ok)
	p.Retain(h2)

	assert.Equal(t, 2, p.Len())

	// Pool is at max and both entries are in use.
	_, ok = p.Acquire([]byte("c"), 3, false)
	assert.False(t, ok)
}

func TestReleaseAllowsReuse(t *testing.T) {
	p := New(1)
	h, ok := p.Acquire([]byte("a"), 1, false)
	require.True(t, ok)
	p.Retain(h)
	assert.Equal(t, 1, p.UseCount(h))

	p.Release(h)
	assert.Equal(t, 0, p.UseCount(h))

	h2, ok := p.Acquire([]byte("b"), 2, false)
	require.True(t, ok)
	assert.Equal(t, h, h2)
	assert.Equal(t, []byte("b"), p.Bytes(h2))
}

func TestUseCountNeverNegative(t *testing.T) {
	p := New(1)
	h, ok := p.Acquire([]byte("a"), 1, false)
	require.True(t, ok)
	p.Release(h)
	assert.Equal(t, 0, p.UseCount(h))
}

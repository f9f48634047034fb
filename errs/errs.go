/*
NAME
  errs.go

DESCRIPTION
  errs.go defines the sentinel errors returned across the sender, receiver,
  pool, and FIFO packages.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package errs provides the sentinel errors shared by the nalstream
// sender and receiver engines.
package errs

import "errors"

// Sentinel errors returned by sender and receiver operations. Callers
// should use errors.Is to test for these, since they may be wrapped with
// additional context.
var (
	// ErrBadParameters is returned for programmer errors: nil pointers,
	// zero sizes, invalid addresses, out-of-range ports, or reconfiguring
	// a stopped instance. It never mutates state.
	ErrBadParameters = errors.New("bad parameters")

	// ErrAllocFailed is returned when resource allocation (FIFO slots,
	// pool entries, sockets) fails during construction.
	ErrAllocFailed = errors.New("allocation failed")

	// ErrBusy is returned by Delete when a thread flag still shows
	// started; the caller must complete Stop and join first.
	ErrBusy = errors.New("busy")

	// ErrQueueFull is returned by Submit/SubmitBatch when the FIFO has no
	// free slot.
	ErrQueueFull = errors.New("queue full")

	// ErrFrameTooLarge reports a NAL unit too large to fit. No nalstream
	// operation returns it: an exhausted NAL buffer pool is reported by
	// nalpool.Pool.Acquire returning false.
	ErrFrameTooLarge = errors.New("frame too large")
)

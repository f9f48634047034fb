/*
NAME
  config.go

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config contains the configuration settings for nalstream sender,
// receiver, and resender instances.
package config

import "github.com/ausocean/utils/logging"

// Default values, per spec §6.
const (
	DefaultSendPort    = 5004
	DefaultControlPort = 5005
	DefaultRecvPort    = 55004
	DefaultRecvControl = 55005

	DefaultFIFOSize        = 1024
	DefaultMaxPacketSize   = 1400
	DefaultMonitorCapacity = 2048
)

// Sender holds the parameters for a sender instance. A Sender config
// must not be mutated concurrently with a running sender; use
// Sender.SetBitrateAndLatency on the running instance instead.
type Sender struct {
	// Logger receives all diagnostic output. Must not be nil.
	Logger logging.Logger

	// SendAddr is the destination address (unicast or multicast) that
	// packets are sent to.
	SendAddr string

	// IfaceAddr is the local interface address used for the outbound
	// socket when SendAddr is a multicast address. Ignored for unicast.
	IfaceAddr string

	// SendPort is the destination UDP port for the stream.
	SendPort int

	// FIFOSize is the number of NAL descriptor slots in the sender FIFO.
	FIFOSize int

	// MaxPacketSize is the maximum wire packet size in bytes, including
	// the 12-byte header (MTU-like, pre-header per the design's
	// resolution of the ambiguous source behaviour).
	MaxPacketSize int

	// TargetPacketSize is the packet size the packetizer aims for when
	// choosing to fragment or aggregate.
	TargetPacketSize int

	// MaxBitrate is the target average bitrate in bits/second, used to
	// size the socket send buffer and drive the bitrate governor.
	MaxBitrate int

	// MaxLatencyMs is the maximum acceptable total latency in
	// milliseconds (acquisition to network send). Zero disables the
	// total-latency drop rule.
	MaxLatencyMs int

	// MaxNetworkLatencyMs is the maximum acceptable network latency in
	// milliseconds (submit to network send).
	MaxNetworkLatencyMs int

	// AUCallback is invoked once per access unit once every NAL of that
	// AU has been sent or cancelled. May be nil.
	AUCallback func(status Status, auTag interface{})

	// NALCallback is invoked once per NAL unit once it has been sent or
	// cancelled. May be nil.
	NALCallback func(status Status, naluTag interface{})
}

// Status is the outcome reported to a sender callback.
type Status int

// Callback statuses, per spec §6.
const (
	StatusSent Status = iota
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Receiver holds the parameters for a receiver instance.
type Receiver struct {
	// Logger receives all diagnostic output. Must not be nil.
	Logger logging.Logger

	// RecvAddr is the address to receive on: a multicast group address,
	// or empty for a unicast bind on RecvPort.
	RecvAddr string

	// IfaceAddr is the local interface address to bind/join on.
	IfaceAddr string

	// RecvPort is the UDP port to receive the stream on.
	RecvPort int

	// MaxPacketSize is the maximum expected wire packet size in bytes.
	MaxPacketSize int

	// InsertStartCodes, when true, prepends the 4-byte Annex-B start
	// code 00 00 00 01 to every NAL unit copied into the consumer's
	// buffer.
	InsertStartCodes bool

	// NALCallback receives reassembled NAL units, and must return the
	// buffer to write the next one into. See the NALCallback type.
	NALCallback NALCallback
}

// Cause identifies why a receiver NAL callback was invoked.
type Cause int

// Receiver callback causes, per spec §6.
const (
	CauseComplete Cause = iota
	CauseBufferTooSmall
	CauseCopyComplete
	CauseCancel
)

// NALCallback is the consumer-provided pull-based buffer stream: given
// the cause for the call and the details of the event, it returns the
// buffer the receiver should write the next (or continuing) NAL unit
// into. The length of the returned slice is taken as its capacity.
type NALCallback func(cause Cause, buf []byte, auTs int64, isFirst, isLast bool, missingBefore int) (newBuf []byte)

// Resender holds the parameters for a resender instance: the union of
// the sender fields needed to re-fan a reassembled stream to a further
// destination. A resender has no NAL/AU callbacks of its own; it is fed
// directly by the receiver's reassembly output.
type Resender struct {
	Logger logging.Logger

	SendAddr         string
	IfaceAddr        string
	SendPort         int
	MaxPacketSize    int
	TargetPacketSize int
	MaxLatencyMs     int
	MaxNetworkLatencyMs int
}

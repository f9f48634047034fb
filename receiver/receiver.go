/*
NAME
  receiver.go

DESCRIPTION
  receiver.go provides the Receiver instance: construction, the receive
  loop goroutine, monitoring queries, and resender attachment (spec
  §4.4).

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package receiver implements the UDP receive socket and H.264
// reassembly state machine that make up the nalstream receiver engine.
package receiver

import (
	"fmt"
	"sync"
	"time"

	"github.com/ausocean/nalstream/config"
	"github.com/ausocean/nalstream/errs"
	"github.com/ausocean/nalstream/resend"
	"github.com/ausocean/nalstream/ringlog"
	"github.com/ausocean/nalstream/wire"
)

// pollInterval bounds how long the receive loop blocks in a single read
// before checking for a stop request, per spec §4.4's poll-with-timeout
// receive loop.
const pollInterval = 500 * time.Millisecond

// Receiver reassembles an incoming H.264-over-UDP stream and delivers
// complete NAL units to a consumer-supplied pull-based callback.
type Receiver struct {
	cfg  config.Receiver
	ring *ringlog.Ring
	sock *recvSocket

	dp *depacketizer

	streamMu sync.Mutex
	running  bool
	started  bool
	wg       sync.WaitGroup

	hub *resend.Hub
}

// New allocates a Receiver for cfg. The returned Receiver is not yet
// running; call Start.
func New(cfg config.Receiver) (*Receiver, error) {
	if cfg.Logger == nil || cfg.RecvPort <= 0 {
		return nil, fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = config.DefaultMaxPacketSize
	}

	sock, err := newRecvSocket(cfg.RecvAddr, cfg.RecvPort, cfg.IfaceAddr)
	if err != nil {
		return nil, fmt.Errorf("nalstream: %w", errs.ErrAllocFailed)
	}

	r := &Receiver{
		cfg:  cfg,
		ring: ringlog.New(config.DefaultMonitorCapacity),
		sock: sock,
		hub:  resend.NewHub(0),
	}
	r.dp = newDepacketizer(cfg, r.ring)
	r.dp.onComplete = r.hub.Forward

	cfg.Logger.Debug("receiver allocated", "recvAddr", cfg.RecvAddr, "recvPort", cfg.RecvPort)
	return r, nil
}

// Start launches the receive loop goroutine. Calling Start more than
// once has no effect.
func (r *Receiver) Start() error {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.running = true
	r.wg.Add(1)
	go r.run()
	r.cfg.Logger.Info("receiver started")
	return nil
}

func (r *Receiver) run() {
	defer r.wg.Done()
	buf := make([]byte, r.cfg.MaxPacketSize)
	for {
		r.streamMu.Lock()
		running := r.running
		r.streamMu.Unlock()
		if !running {
			return
		}

		n, err := r.sock.ReadDeadline(buf, time.Now().Add(pollInterval))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			r.cfg.Logger.Warning("receive error", "error", err.Error())
			continue
		}
		r.handle(buf[:n])
	}
}

func (r *Receiver) handle(pkt []byte) {
	h, err := wire.DecodeHeader(pkt)
	if err != nil {
		return
	}
	recvTime := time.Now().UnixMicro()
	r.dp.handlePacket(h, pkt[wire.HeaderSize:], recvTime)
}

// InvalidateBuffer discards whatever NAL is currently being reassembled
// and requests a fresh destination buffer from the consumer.
func (r *Receiver) InvalidateBuffer() {
	r.dp.cancelInProgress()
}

// GetMonitoring aggregates the monitoring ring over the window
// [startTime-windowUs, startTime]; startTime of zero anchors the window
// at the newest recorded event.
func (r *Receiver) GetMonitoring(startTime, windowUs int64) ringlog.Stats {
	return r.ring.Query(startTime, windowUs)
}

// AddResender attaches a further fan-out destination fed by every
// reassembled NAL unit, returning a handle for later RemoveResender
// calls.
func (r *Receiver) AddResender(cfg config.Resender) (int, error) {
	return r.hub.Add(cfg)
}

// RemoveResender detaches and closes the resender identified by handle.
func (r *Receiver) RemoveResender(handle int) error {
	return r.hub.Remove(handle)
}

// Stop signals the receive loop to exit and waits for it to do so.
func (r *Receiver) Stop() {
	r.streamMu.Lock()
	if !r.running {
		r.streamMu.Unlock()
		return
	}
	r.running = false
	r.streamMu.Unlock()

	r.wg.Wait()
	r.cfg.Logger.Info("receiver stopped")
}

// Delete releases the receiver's socket. It fails with errs.ErrBusy if
// the receive loop is still running.
func (r *Receiver) Delete() error {
	r.streamMu.Lock()
	running := r.running
	r.streamMu.Unlock()
	if running {
		return errs.ErrBusy
	}
	_ = r.hub.Close()
	return r.sock.Close()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

/*
NAME
  sender.go

DESCRIPTION
  sender.go provides the Sender instance: construction, the public
  Submit/SubmitBatch/Flush/GetMonitoring/SetBitrateAndLatency/Stop/Delete
  surface, and the state shared with the packetizer loop in
  packetizer.go.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package sender implements the fragmentation/aggregation packetizer and
// bitrate/latency governor that make up the nalstream sender engine,
// draining a fifo.FIFO of NAL-unit descriptors (spec §4.2, §4.3).
package sender

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/ausocean/nalstream/config"
	"github.com/ausocean/nalstream/errs"
	"github.com/ausocean/nalstream/fifo"
	"github.com/ausocean/nalstream/ringlog"
)

// ipUDPOverhead is the assumed per-packet IP+UDP overhead. Nothing in
// the sender uses it: fragment counts and sizes use the NAL length, the
// 12-byte wire header and the 2-byte FU-A header only, and monitoring
// byte counts are NAL lengths. See spec §9's open question on
// targetPacketSize and DESIGN.md.
const ipUDPOverhead = 28

// params holds the runtime-reconfigurable bitrate/latency governor
// settings, guarded independently of the stream mutex so
// SetBitrateAndLatency can be called concurrently with the packetizer
// loop.
type params struct {
	mu                  sync.RWMutex
	maxBitrate          int
	maxLatencyMs        int
	maxNetworkLatencyMs int
}

func (p *params) get() (maxBitrate, maxLatencyMs, maxNetworkLatencyMs int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxBitrate, p.maxLatencyMs, p.maxNetworkLatencyMs
}

func (p *params) set(maxBitrate, maxLatencyMs, maxNetworkLatencyMs int) {
	p.mu.Lock()
	p.maxBitrate = maxBitrate
	p.maxLatencyMs = maxLatencyMs
	p.maxNetworkLatencyMs = maxNetworkLatencyMs
	p.mu.Unlock()
}

// Sender streams NAL units to a single UDP destination under a bounded
// latency budget, dropping older data rather than violating it.
type Sender struct {
	cfg  config.Sender
	fifo *fifo.FIFO
	ring *ringlog.Ring
	sock *socket
	ssrc uint32

	params params

	// streamMu guards the lifecycle flags, per spec §5's one
	// stream-mutex-per-instance rule.
	streamMu sync.Mutex
	running  bool
	started  bool
	wg       sync.WaitGroup

	// packetizer-owned state: only ever touched by the single packetizer
	// goroutine, so unguarded.
	seq                  uint16
	haveFirstAUTs        bool
	firstAUTs            int64
	haveLastAUCallbackTs bool
	lastAUCallbackTs     int64
	agg                  aggregate
}

// New allocates a Sender for cfg. The returned Sender is not yet
// running; call Start.
func New(cfg config.Sender) (*Sender, error) {
	if cfg.Logger == nil || cfg.SendAddr == "" || cfg.SendPort <= 0 {
		return nil, fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = config.DefaultMaxPacketSize
	}
	if cfg.TargetPacketSize <= 0 || cfg.TargetPacketSize > cfg.MaxPacketSize {
		cfg.TargetPacketSize = cfg.MaxPacketSize
	}
	if cfg.FIFOSize <= 0 {
		cfg.FIFOSize = config.DefaultFIFOSize
	}
	if cfg.MaxBitrate <= 0 {
		return nil, fmt.Errorf("nalstream: maxBitrate must be positive: %w", errs.ErrBadParameters)
	}
	if cfg.MaxNetworkLatencyMs <= 0 {
		return nil, fmt.Errorf("nalstream: maxNetworkLatencyMs must be positive: %w", errs.ErrBadParameters)
	}

	ssrc, err := randutil.NewMathRandomGenerator().Uint32()
	if err != nil {
		return nil, fmt.Errorf("nalstream: could not generate ssrc: %w", err)
	}

	s := &Sender{
		cfg:  cfg,
		fifo: fifo.New(cfg.FIFOSize),
		ring: ringlog.New(config.DefaultMonitorCapacity),
		ssrc: ssrc,
	}
	s.params.set(cfg.MaxBitrate, cfg.MaxLatencyMs, cfg.MaxNetworkLatencyMs)

	sockBuf := sockBufferBytes(cfg.MaxBitrate, cfg.MaxNetworkLatencyMs)
	sock, err := newSocket(cfg.SendAddr, cfg.SendPort, cfg.IfaceAddr, sockBuf)
	if err != nil {
		return nil, fmt.Errorf("nalstream: %w", errs.ErrAllocFailed)
	}
	s.sock = sock

	cfg.Logger.Debug("sender allocated", "sendAddr", cfg.SendAddr, "sendPort", cfg.SendPort)
	return s, nil
}

// sockBufferBytes implements spec §4.3: the socket send buffer (and,
// identically, the FIFO bitrate-governor target) is half the bytes a
// full maxNetworkLatencyMs window could hold at maxBitrate; the other
// half is left to the application FIFO.
func sockBufferBytes(maxBitrate, maxNetworkLatencyMs int) int {
	return maxBitrate * maxNetworkLatencyMs / 1000 / 8 / 2
}

// Start launches the packetizer goroutine. Calling Start more than once
// has no effect.
func (s *Sender) Start() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.running = true
	s.wg.Add(1)
	go s.run()
	s.cfg.Logger.Info("sender started")
	return nil
}

// Submit enqueues one NAL descriptor. The caller's NAL buffer must
// remain valid until the NAL (and, if isLastInAU, AU) callback fires.
func (s *Sender) Submit(d fifo.Descriptor) error {
	if len(d.NALBuffer) == 0 || d.AUTs <= 0 {
		return fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}
	d.Length = len(d.NALBuffer)
	d.SubmitTs = nowUs()
	if err := s.fifo.Enqueue(d); err != nil {
		return err
	}
	return nil
}

// SubmitBatch atomically enqueues every descriptor in ds, or none.
func (s *Sender) SubmitBatch(ds []fifo.Descriptor) error {
	now := nowUs()
	for i := range ds {
		if len(ds[i].NALBuffer) == 0 || ds[i].AUTs <= 0 {
			return fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
		}
		ds[i].Length = len(ds[i].NALBuffer)
		ds[i].SubmitTs = now
	}
	return s.fifo.EnqueueBatch(ds)
}

// Flush cancels every queued NAL via the NAL and AU callbacks, without
// sending any packets.
func (s *Sender) Flush() {
	s.fifo.Flush(s.lastAUCallbackTs, func(d fifo.Descriptor) {
		if s.cfg.NALCallback != nil {
			s.cfg.NALCallback(config.StatusCancelled, d.NALTag)
		}
	}, func(d fifo.Descriptor) {
		if s.cfg.AUCallback != nil {
			s.cfg.AUCallback(config.StatusCancelled, d.AUTag)
		}
	})
}

// GetMonitoring aggregates the monitoring ring over the window
// [startTime-windowUs, startTime]; startTime of zero anchors the window
// at the newest recorded event.
func (s *Sender) GetMonitoring(startTime, windowUs int64) ringlog.Stats {
	return s.ring.Query(startTime, windowUs)
}

// SetBitrateAndLatency reconfigures the bitrate governor at runtime. It
// returns errs.ErrBadParameters, changing nothing, for a non-positive
// bitrate or network latency, or once the sender has been stopped.
func (s *Sender) SetBitrateAndLatency(maxBitrate, maxLatencyMs, maxNetworkLatencyMs int) error {
	s.streamMu.Lock()
	stopped := s.started && !s.running
	s.streamMu.Unlock()
	if stopped || maxBitrate <= 0 || maxNetworkLatencyMs <= 0 {
		return fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}
	s.params.set(maxBitrate, maxLatencyMs, maxNetworkLatencyMs)
	return nil
}

// Stop signals the packetizer to exit and waits for it to do so.
func (s *Sender) Stop() {
	s.streamMu.Lock()
	if !s.running {
		s.streamMu.Unlock()
		return
	}
	s.running = false
	s.streamMu.Unlock()

	s.fifo.Stop()
	s.wg.Wait()
	s.cfg.Logger.Info("sender stopped")
}

// Delete releases the sender's socket. It fails with errs.ErrBusy if
// the packetizer is still running.
func (s *Sender) Delete() error {
	s.streamMu.Lock()
	running := s.running
	s.streamMu.Unlock()
	if running {
		return errs.ErrBusy
	}
	return s.sock.Close()
}

// Config returns a copy of the configuration the sender was built with.
func (s *Sender) Config() config.Sender { return s.cfg }

// nowUs returns the current wall-clock time in microseconds, nalstream's
// stand-in for the monotonic microsecond clock the core assumes (spec
// §1). UnixMicro reads the wall clock, not the monotonic reading, so a
// step of the system clock moves it too.
func nowUs() int64 { return time.Now().UnixMicro() }

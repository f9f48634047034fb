/*
NAME
  resend.go

DESCRIPTION
  resend.go binds a receiver's reassembled NAL output to one or more
  further sender instances, fanning a reassembled stream out to
  additional destinations (spec §4.5). A Hub owns the shared,
  reference-counted NAL buffer pool: each Forward call acquires one
  pool entry and retains it once per attached leg, so every leg reads
  the same underlying bytes rather than taking its own copy; each leg's
  own sender releases its retain once the NAL has been sent or
  cancelled.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package resend fans a receiver's reassembled NAL stream out to
// further sender destinations, sharing NAL payload storage across
// destinations via a reference-counted pool instead of copying once per
// fan-out leg.
package resend

import (
	"fmt"
	"sync"

	"github.com/ausocean/nalstream/config"
	"github.com/ausocean/nalstream/errs"
	"github.com/ausocean/nalstream/fifo"
	"github.com/ausocean/nalstream/nalpool"
	"github.com/ausocean/nalstream/sender"
)

// poolHandle is the NALTag carried through a leg's sender so its NAL
// callback can Release the shared pool entry once sent or cancelled.
type poolHandle struct {
	pool *nalpool.Pool
	h    nalpool.Handle
}

// leg is one fan-out destination: its own sender, fed from the Hub's
// shared pool.
type leg struct {
	snd *sender.Sender
}

// Hub fans a single reassembled stream out to any number of attached
// legs, sharing storage for each NAL across every leg via pool.
type Hub struct {
	pool *nalpool.Pool

	mu         sync.Mutex
	legs       map[int]*leg
	nextHandle int
}

// NewHub returns a Hub backed by a pool of up to maxPoolEntries NAL
// buffers (nalpool.DefaultMaxEntries if zero).
func NewHub(maxPoolEntries int) *Hub {
	return &Hub{
		pool: nalpool.New(maxPoolEntries),
		legs: make(map[int]*leg),
	}
}

// Add starts a new fan-out leg for cfg and returns a handle for later
// Remove calls.
func (hub *Hub) Add(cfg config.Resender) (int, error) {
	if cfg.Logger == nil || cfg.SendAddr == "" || cfg.SendPort <= 0 {
		return 0, fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}

	l := &leg{}
	sendCfg := config.Sender{
		Logger:              cfg.Logger,
		SendAddr:            cfg.SendAddr,
		IfaceAddr:           cfg.IfaceAddr,
		SendPort:            cfg.SendPort,
		FIFOSize:            config.DefaultFIFOSize,
		MaxPacketSize:       cfg.MaxPacketSize,
		TargetPacketSize:    cfg.TargetPacketSize,
		MaxBitrate:          defaultResendBitrate,
		MaxLatencyMs:        cfg.MaxLatencyMs,
		MaxNetworkLatencyMs: cfg.MaxNetworkLatencyMs,
		NALCallback:         hub.releaseTag,
	}
	snd, err := sender.New(sendCfg)
	if err != nil {
		return 0, err
	}
	if err := snd.Start(); err != nil {
		return 0, err
	}
	l.snd = snd

	hub.mu.Lock()
	defer hub.mu.Unlock()
	h := hub.nextHandle
	hub.nextHandle++
	hub.legs[h] = l
	return h, nil
}

// defaultResendBitrate sizes a leg's socket send buffer when the caller
// has no capture-side bitrate of its own to report.
const defaultResendBitrate = 4_000_000

// releaseTag releases the shared pool entry once a leg's sender has
// finished with a NAL, regardless of outcome.
func (hub *Hub) releaseTag(_ config.Status, tag interface{}) {
	ph, ok := tag.(poolHandle)
	if !ok {
		return
	}
	ph.pool.Release(ph.h)
}

// Remove stops and closes the leg identified by handle.
func (hub *Hub) Remove(handle int) error {
	hub.mu.Lock()
	l, ok := hub.legs[handle]
	delete(hub.legs, handle)
	hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("nalstream: %w", errs.ErrBadParameters)
	}
	l.snd.Stop()
	return l.snd.Delete()
}

// Forward submits nal to every currently attached leg, acquiring a
// single shared pool entry and retaining it once per leg so the bytes
// are read, not copied, by each leg's packetizer.
func (hub *Hub) Forward(nal []byte, auTs int64, isFirst, isLast bool) {
	hub.mu.Lock()
	legs := make([]*leg, 0, len(hub.legs))
	for _, l := range hub.legs {
		legs = append(legs, l)
	}
	hub.mu.Unlock()
	if len(legs) == 0 {
		return
	}

	h, ok := hub.pool.Acquire(nal, auTs, isLast)
	if !ok {
		return
	}
	buf := hub.pool.Bytes(h)

	for _, l := range legs {
		hub.pool.Retain(h)
		d := fifo.Descriptor{
			NALBuffer: buf,
			AUTs:      auTs,
			LastInAU:  isLast,
			NALTag:    poolHandle{pool: hub.pool, h: h},
		}
		if err := l.snd.Submit(d); err != nil {
			hub.pool.Release(h)
		}
	}
}

// Close stops and releases every attached leg.
func (hub *Hub) Close() error {
	hub.mu.Lock()
	legs := hub.legs
	hub.legs = make(map[int]*leg)
	hub.mu.Unlock()

	var firstErr error
	for _, l := range legs {
		l.snd.Stop()
		if err := l.snd.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package nack implements the NackModule: it tracks gaps in a stream's
// received sequence numbers and schedules bounded-retry retransmission
// requests, grounded in
// original_source/modules/video_coding/nack_module.{h,cc} and rebuilt
// atop this repo's unwrapped-sequence-number convention from
// media/rtp_sequencer.go's RTPExtendedSequenceNumber.
package nack

import (
	"math"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/media"
)

const (
	maxRetries  = 10
	maxListSize = 1000
)

// TickInterval is the periodic NACK batch cadence.
var TickInterval = clock.FromMillis(20)

// reorderQuantile50 is the default reorder_quantile(0.5) used to delay the
// first NACK send until reordering has had a chance to resolve the gap on
// its own. Expressed directly in sequence numbers rather than a
// jitter-derived formula, following "ceil(reorder_quantile(0.5))".
const reorderQuantile50 = 1.0

type nackEntry struct {
	createdAt clock.Timestamp
	sendAtSeq uint64
	sentAt    clock.Timestamp
	haveSent  bool
	retries   int
}

// Module is the NackModule: one instance per received stream.
type Module struct {
	lastSeen    uint64
	haveLastSeen bool

	newestSeq uint64

	entries map[uint64]*nackEntry
	order   []uint64 // insertion order, for overflow eviction

	recovered map[uint64]struct{}

	requestKeyframe bool

	wireSeq     media.RTPExtendedSequenceNumber
	haveWireSeq bool
}

func New() *Module {
	return &Module{
		entries:   make(map[uint64]*nackEntry),
		recovered: make(map[uint64]struct{}),
	}
}

// OnReceivedRTPPacket is the wire-facing entry point: it unwraps seq --
// this stream's raw 16-bit RTP sequence number -- into the module's
// internal monotonic counter via media.RTPExtendedSequenceNumber (the
// RFC 1889 Appendix A.2 algorithm, same as packetfeedback.Unwrapper
// applies to the transport-wide sequence number) before handing it to
// OnReceivedPacket.
func (m *Module) OnReceivedRTPPacket(seq uint16, now clock.Timestamp) (priorRetries int, wasReordered bool) {
	return m.OnReceivedPacket(m.unwrap(seq), now)
}

func (m *Module) unwrap(seq uint16) uint64 {
	if !m.haveWireSeq {
		m.wireSeq.InitSeq(seq)
		m.haveWireSeq = true
	} else {
		_ = m.wireSeq.UpdateSeq(seq)
	}
	return m.wireSeq.ReadExtendedSeq()
}

// OnReceivedPacket processes one arriving (unwrapped) sequence number: it
// advances the watermark, fills any gap with pending NACK entries, and
// resolves a matching entry if seq had one outstanding. It returns the
// prior retry count and true if seq was a reordered packet that had an
// outstanding NACK entry, which callers fold into jitter/RTX statistics.
func (m *Module) OnReceivedPacket(seq uint64, now clock.Timestamp) (priorRetries int, wasReordered bool) {
	if seq > m.newestSeq || !m.haveLastSeen {
		m.newestSeq = seq
	}

	if !m.haveLastSeen {
		m.lastSeen = seq
		m.haveLastSeen = true
		return 0, false
	}

	switch {
	case seq == m.lastSeen:
		return 0, false
	case seq < m.lastSeen:
		if e, ok := m.entries[seq]; ok {
			delete(m.entries, seq)
			return e.retries, true
		}
		return 0, false
	default:
		gap := seq - m.lastSeen - 1
		if gap > maxListSize {
			// A single gap wider than the whole cap: no amount of
			// oldest-entry eviction ever brings it under maxListSize, so
			// there's nothing worth tracking piecemeal. Clear outright and
			// ask for a keyframe instead, same as original_source's
			// nack_module.cc falling back to a keyframe request when a
			// jump is too large to NACK its way through.
			m.entries = make(map[uint64]*nackEntry)
			m.order = nil
			m.requestKeyframe = true
			m.lastSeen = seq
			return 0, false
		}

		sendAt := seq + uint64(math.Ceil(reorderQuantile50))
		for s := m.lastSeen + 1; s < seq; s++ {
			if _, ok := m.recovered[s]; ok {
				continue
			}
			m.addEntry(s, sendAt, now)
		}
		m.lastSeen = seq
		return 0, false
	}
}

// addEntry records one missing sequence number and enforces the overflow
// policy: once the list would grow past maxListSize, the oldest entries
// are dropped one at a time. This is the steady-state path -- ordinary
// gradual growth never needs a keyframe, it just ages out the entries it
// can no longer usefully retry.
func (m *Module) addEntry(seq, sendAtSeq uint64, now clock.Timestamp) {
	if _, ok := m.entries[seq]; ok {
		return
	}
	m.entries[seq] = &nackEntry{createdAt: now, sendAtSeq: sendAtSeq}
	m.order = append(m.order, seq)
	for len(m.order) > maxListSize {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
}

// OnRecovered marks seq as recovered out-of-band (FEC/RTX), suppressing
// any future NACK for it and cancelling an outstanding entry.
func (m *Module) OnRecovered(seq uint64) {
	m.recovered[seq] = struct{}{}
	delete(m.entries, seq)
}

// PollRequestKeyframe reports and clears a pending keyframe request raised
// by NACK-list overflow.
func (m *Module) PollRequestKeyframe() bool {
	r := m.requestKeyframe
	m.requestKeyframe = false
	return r
}

// Tick emits the batch of sequence numbers to (re)send NACKs for right
// now, and drops/expires entries that have exhausted max_retries.
func (m *Module) Tick(rtt clock.TimeDelta, now clock.Timestamp) []uint64 {
	var batch []uint64
	var stillOrder []uint64

	for _, seq := range m.order {
		e, ok := m.entries[seq]
		if !ok {
			continue
		}

		timeBased := e.haveSent && now.Sub(e.sentAt).GreaterOrEqual(rtt)
		seqBased := !e.haveSent && m.newestSeq >= e.sendAtSeq

		if timeBased || seqBased {
			if e.retries >= maxRetries {
				delete(m.entries, seq)
				continue
			}
			e.retries++
			e.sentAt = now
			e.haveSent = true
			batch = append(batch, seq)
		}
		stillOrder = append(stillOrder, seq)
	}
	m.order = stillOrder
	return batch
}

// PendingCount returns the number of sequence numbers currently tracked.
func (m *Module) PendingCount() int { return len(m.entries) }

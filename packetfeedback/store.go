// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package packetfeedback correlates packets handed to the Pacer for send
// with their later (or never) reported arrival, the way diago's
// media.RTPExtendedSequenceNumber unwraps wire sequence numbers at the
// RTP ingress boundary -- here applied to the transport-wide sequence
// number carried by every sent packet.
package packetfeedback

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/media"
	"github.com/emiago/mediabwe/ratetypes"
)

// Unwrapper converts the 16-bit transport-wide sequence number an
// interceptor assigns to each outgoing packet into the 64-bit monotonic
// counter Store keys on, via media.RTPExtendedSequenceNumber -- the same
// RFC 1889 Appendix A.2 unwrap diago's RTP ingress applies to a stream's
// RTP sequence number, generalized here to the transport-wide one. Not
// safe for concurrent use; the caller (interceptorcc's SendInterceptor)
// serializes calls under its own lock.
type Unwrapper struct {
	seq     media.RTPExtendedSequenceNumber
	haveSeq bool
}

// Unwrap returns the monotonic counter for wireSeq, the next value in
// this unwrapper's sequence.
func (u *Unwrapper) Unwrap(wireSeq uint16) uint64 {
	if !u.haveSeq {
		u.seq.InitSeq(wireSeq)
		u.haveSeq = true
	} else {
		// A bad/duplicate classification just means ReadExtendedSeq below
		// returns the prior (or re-initialized) state -- the unwrapper
		// tolerates wire jitter the same way diago's ingress does rather
		// than rejecting the packet.
		_ = u.seq.UpdateSeq(wireSeq)
	}
	return u.seq.ReadExtendedSeq()
}

// MaxAge is how long a SentPacket record is kept waiting for feedback.
const MaxAge = 500 // milliseconds

// MaxRecords is the record-count cap on the store, whichever of the two
// limits (MaxAge, MaxRecords) is reached first evicts.
const MaxRecords = 1000

// PacingInfo carries the probe-cluster association of a sent packet, if
// any. ClusterID zero means "not part of a probe".
type PacingInfo struct {
	ClusterID    int
	ProbeRate    ratetypes.DataRate
	IsProbing    bool
}

// SentPacket is the record held for every packet leaving the Pacer.
type SentPacket struct {
	SequenceNumber uint64 // transport-wide unwrapped counter
	SendTime       clock.Timestamp
	Size           ratetypes.DataSize
	Pacing         PacingInfo
	SSRC           uint32
	RTPSeq         uint16
}

// Result is a SentPacket joined with its reported fate.
type Result struct {
	Sent        SentPacket
	ReceiveTime clock.Timestamp // clock.PlusInfinityTime() if lost
}

func (r Result) IsReceived() bool { return !r.ReceiveTime.IsPlusInfinity() }

type entry struct {
	pkt  SentPacket
	used bool
}

// Store is a bounded send-side correlation window: one entry per
// transport-wide sequence number, evicted on age or count, joined
// exact-once as feedback arrives.
//
// Store is single-owned by one executor (the TransportFeedbackAdapter's
// executor) and is not safe for concurrent use.
type Store struct {
	entries map[uint64]entry
	order   []uint64 // insertion order, oldest first, for age/count eviction
}

func NewStore() *Store {
	return &Store{
		entries: make(map[uint64]entry),
	}
}

// Insert records a packet as having just been sent. Sends are assumed to
// arrive in send order; Insert does not re-sort.
func (s *Store) Insert(pkt SentPacket) {
	s.entries[pkt.SequenceNumber] = entry{pkt: pkt}
	s.order = append(s.order, pkt.SequenceNumber)
}

// Lookup returns the stored packet for seq, if still present and unused.
func (s *Store) Lookup(seq uint64) (SentPacket, bool) {
	e, ok := s.entries[seq]
	if !ok || e.used {
		return SentPacket{}, false
	}
	return e.pkt, true
}

// Resolve joins seq with an arrival time (or clock.PlusInfinityTime() for
// "lost") and marks the record consumed so a duplicate/late feedback
// cannot join it twice ("exact-once"). Unknown seqs are silently ignored.
func (s *Store) Resolve(seq uint64, arrival clock.Timestamp) (Result, bool) {
	e, ok := s.entries[seq]
	if !ok || e.used {
		return Result{}, false
	}
	e.used = true
	s.entries[seq] = e
	return Result{Sent: e.pkt, ReceiveTime: arrival}, true
}

// EvictOlderThan removes records whose SendTime is more than MaxAge before
// now, and enforces the MaxRecords cap, oldest first. Call after every
// feedback batch.
func (s *Store) EvictOlderThan(now clock.Timestamp) {
	cutoff := now.Sub(clock.FromMillis(MaxAge))

	i := 0
	for i < len(s.order) {
		seq := s.order[i]
		e, ok := s.entries[seq]
		if !ok {
			i++
			continue
		}
		if !e.pkt.SendTime.Before(cutoff) {
			break
		}
		delete(s.entries, seq)
		i++
	}
	s.order = s.order[i:]

	for len(s.order) > MaxRecords {
		delete(s.entries, s.order[0])
		s.order = s.order[1:]
	}
}

// Len returns the number of live (unevicted) records, used and unused.
func (s *Store) Len() int { return len(s.entries) }

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transportcc

import (
	"sort"

	"github.com/emiago/mediabwe/clock"
)

// DefaultInterval is the generator's fixed feedback cadence, the interval
// ShouldSend waits between feedback packets. The cadence does not adapt to
// the feedback share of downstream bandwidth; minInterval and maxInterval
// are not read anywhere.
var DefaultInterval = clock.FromMillis(100)

var minInterval = clock.FromMillis(50)
var maxInterval = clock.FromMillis(250)

// windowAge is the sliding buffer span the Generator retains: it buffers
// (unwrapped_seq -> arrival_time_ms) over a sliding 500ms window.
var windowAge = clock.FromMillis(500)

type arrival struct {
	seq uint64
	at  clock.Timestamp
}

// Generator is the receive-side half of transport-cc: it records every
// received packet's unwrapped transport-wide sequence number and arrival
// time, and periodically (or on request) builds a FeedbackPacket
// describing the window.
type Generator struct {
	senderSSRC uint32
	mediaSSRC  uint32

	buffered []arrival

	feedbackPacketCount uint8

	lastSent     clock.Timestamp
	haveLastSent bool
}

func NewGenerator(senderSSRC, mediaSSRC uint32) *Generator {
	return &Generator{senderSSRC: senderSSRC, mediaSSRC: mediaSSRC}
}

// OnPacketReceived records one transport-wide sequence number's arrival.
func (g *Generator) OnPacketReceived(seq uint64, at clock.Timestamp) {
	g.buffered = append(g.buffered, arrival{seq: seq, at: at})
	g.evict(at)
}

func (g *Generator) evict(now clock.Timestamp) {
	cutoff := now.Sub(windowAge)
	i := 0
	for i < len(g.buffered) && g.buffered[i].at.Before(cutoff) {
		i++
	}
	g.buffered = g.buffered[i:]
}

// ShouldSend reports whether enough time has elapsed since the last
// feedback packet to build another one (a fixed DefaultInterval here;
// target-bandwidth-adaptive pacing of the interval is left to the caller,
// which knows the available send budget).
func (g *Generator) ShouldSend(now clock.Timestamp) bool {
	if len(g.buffered) == 0 {
		return false
	}
	if !g.haveLastSent {
		return true
	}
	return now.Sub(g.lastSent).GreaterOrEqual(DefaultInterval)
}

// minLargeDeltaUs/maxLargeDeltaUs are the representable range of a
// two-byte wire delta: a signed count of deltaUnitUs (250us) steps, i.e.
// [-8192ms, 8191.75ms]. A delta outside this range cannot be encoded at
// all, large or small.
const minLargeDeltaUs = -32768 * deltaUnitUs
const maxLargeDeltaUs = 32767 * deltaUnitUs

// Build constructs FeedbackPacket(s) from the current buffer and clears
// it. Returns false if there is nothing buffered. Ordinarily this is a
// single packet; a delta that falls outside the wire-representable range
// (see minLargeDeltaUs/maxLargeDeltaUs) forces the current packet closed
// and a new one opened with a fresh reference time, rather than silently
// clamping an unrepresentable delta, per
// original_source/modules/rtp_rtcp/source/rtcp_packet/transport_feedback.cc's
// handling of a delta too large for even the two-byte encoding.
func (g *Generator) Build(now clock.Timestamp) ([]FeedbackPacket, bool) {
	if len(g.buffered) == 0 {
		return nil, false
	}

	sorted := make([]arrival, len(g.buffered))
	copy(sorted, g.buffered)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })

	base := sorted[0].seq
	last := sorted[len(sorted)-1].seq
	n := int(last-base) + 1

	byseq := make(map[uint64]clock.Timestamp, len(sorted))
	for _, a := range sorted {
		byseq[a.seq] = a.at
	}

	var packets []FeedbackPacket
	segBase := 0
	refTime := sorted[0].at.Micros() / refTimeUnitUs * refTimeUnitUs
	prev := refTime
	var reports []PacketReport

	flush := func(end int) {
		if len(reports) == 0 {
			return
		}
		g.feedbackPacketCount++
		packets = append(packets, FeedbackPacket{
			SenderSSRC:          g.senderSSRC,
			MediaSSRC:           g.mediaSSRC,
			BaseSequenceNumber:  uint16(base + uint64(segBase)),
			ReferenceTimeUs:     refTime,
			FeedbackPacketCount: g.feedbackPacketCount,
			Reports:             reports,
		})
		reports = nil
	}

	for i := 0; i < n; i++ {
		at, ok := byseq[base+uint64(i)]
		if !ok {
			reports = append(reports, PacketReport{Status: StatusNotReceived})
			continue
		}
		delta := at.Micros() - prev
		if delta < minLargeDeltaUs || delta > maxLargeDeltaUs {
			// Unrepresentable even as a large delta: close out the
			// in-progress packet and start a fresh one anchored at this
			// arrival, so the new packet's own first delta is always
			// representable (an arrival is less than 64ms past its own
			// reference time by construction).
			flush(i)
			segBase = i
			refTime = at.Micros() / refTimeUnitUs * refTimeUnitUs
			prev = refTime
			delta = at.Micros() - prev
		}
		if delta >= 0 && delta <= maxSmallDeltaUs {
			reports = append(reports, PacketReport{Status: StatusSmallDelta, DeltaUs: delta})
		} else {
			reports = append(reports, PacketReport{Status: StatusLargeDelta, DeltaUs: delta})
		}
		prev = at.Micros()
	}
	flush(n)

	g.buffered = nil
	g.lastSent = now
	g.haveLastSent = true
	return packets, len(packets) > 0
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package probe

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
)

// Verdict classifies the outcome of measuring a probe cluster.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictTooFewPackets
	VerdictTimedOut
)

// clusterSample accumulates the packets observed for one cluster id.
type clusterSample struct {
	firstSend, lastSend       clock.Timestamp
	firstArrival, lastArrival clock.Timestamp
	size                      ratetypes.DataSize
	count                     int
	haveArrival               bool
}

// BitrateEstimator measures the rate actually achieved by a probe cluster
// from the PacketResults the TransportFeedbackAdapter produces for packets
// tagged with that cluster's id.
type BitrateEstimator struct {
	samples map[int]*clusterSample
}

func NewBitrateEstimator() *BitrateEstimator {
	return &BitrateEstimator{samples: make(map[int]*clusterSample)}
}

// OnPacketFeedback feeds one packet result whose SentPacket carried a probe
// cluster id (Pacing.ClusterID != 0).
func (b *BitrateEstimator) OnPacketFeedback(r packetfeedback.Result) {
	if r.Sent.Pacing.ClusterID == 0 {
		return
	}
	s, ok := b.samples[r.Sent.Pacing.ClusterID]
	if !ok {
		s = &clusterSample{firstSend: r.Sent.SendTime, lastSend: r.Sent.SendTime}
		b.samples[r.Sent.Pacing.ClusterID] = s
	}
	if r.Sent.SendTime.Before(s.firstSend) {
		s.firstSend = r.Sent.SendTime
	}
	if r.Sent.SendTime.After(s.lastSend) {
		s.lastSend = r.Sent.SendTime
	}
	s.size = s.size.Add(r.Sent.Size)
	s.count++

	if r.IsReceived() {
		if !s.haveArrival || r.ReceiveTime.Before(s.firstArrival) {
			s.firstArrival = r.ReceiveTime
		}
		if r.ReceiveTime.After(s.lastArrival) {
			s.lastArrival = r.ReceiveTime
		}
		s.haveArrival = true
	}
}

// Estimate computes the achieved rate for clusterID, or a Verdict
// explaining why it could not.
func (b *BitrateEstimator) Estimate(clusterID int, minPackets int) (ratetypes.DataRate, Verdict) {
	s, ok := b.samples[clusterID]
	if !ok || s.count < minPackets {
		return ratetypes.DataRate{}, VerdictTooFewPackets
	}
	if !s.haveArrival {
		return ratetypes.DataRate{}, VerdictTimedOut
	}

	sendSpan := s.lastSend.Sub(s.firstSend)
	arrivalSpan := s.lastArrival.Sub(s.firstArrival)
	span := sendSpan
	if arrivalSpan.Greater(span) {
		span = arrivalSpan
	}
	if span.Micros() <= 0 {
		return ratetypes.DataRate{}, VerdictTooFewPackets
	}

	return ratetypes.RateOverInterval(s.size, span), VerdictOK
}

// Forget drops accumulated state for clusterID once it has been measured
// (or abandoned); a later Estimate for that id sees no samples.
func (b *BitrateEstimator) Forget(clusterID int) {
	delete(b.samples, clusterID)
}

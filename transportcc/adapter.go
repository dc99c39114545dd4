// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transportcc

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
)

// Adapter is the send-side half of transport-cc: it owns the
// packetfeedback.Store and turns decoded FeedbackPackets from the remote
// Generator into ordered packetfeedback.Result batches, plus the batch's
// acknowledged-bitrate summary the estimators need.
type Adapter struct {
	store *packetfeedback.Store
}

func NewAdapter() *Adapter {
	return &Adapter{store: packetfeedback.NewStore()}
}

// OnPacketSent records a packet as handed to the network.
func (a *Adapter) OnPacketSent(pkt packetfeedback.SentPacket) {
	a.store.Insert(pkt)
}

// Batch is the result of joining one FeedbackPacket against the store:
// the per-packet results in sequence order, plus the total acknowledged
// bytes and the span they covered (for the caller to compute a rate).
type Batch struct {
	Results     []packetfeedback.Result
	AckedSize   ratetypes.DataSize
	FirstSend   clock.Timestamp
	LastSend    clock.Timestamp
	HaveResults bool

	haveAckedSpan bool
}

// OnFeedback joins a decoded FeedbackPacket with the store: unknown
// sequence numbers are dropped silently, and every resolved record is
// returned in send-sequence order (a "results sorted by seq" ordering
// guarantee). Arrival times are rebuilt from the packet's reference time
// plus its relative deltas; now only drives the store's age eviction
// after the join.
func (a *Adapter) OnFeedback(fp FeedbackPacket, now clock.Timestamp) Batch {
	var batch Batch

	t := fp.ReferenceTimeUs
	for i, r := range fp.Reports {
		seq := uint64(fp.BaseSequenceNumber) + uint64(i)
		var arrival clock.Timestamp
		if r.Status == StatusNotReceived {
			arrival = clock.PlusInfinityTime()
		} else {
			t += r.DeltaUs
			arrival = clock.FromMicros(t)
		}

		res, ok := a.store.Resolve(seq, arrival)
		if !ok {
			continue
		}
		batch.Results = append(batch.Results, res)
		batch.HaveResults = true

		if res.IsReceived() {
			batch.AckedSize = batch.AckedSize.Add(res.Sent.Size)
			if !batch.haveAckedSpan {
				batch.FirstSend = res.Sent.SendTime
				batch.haveAckedSpan = true
			}
			batch.LastSend = res.Sent.SendTime
		}
	}

	a.store.EvictOlderThan(now)
	return batch
}

// AckedRate computes the bitrate implied by batch, if it carried any
// received packets.
func (b Batch) AckedRate() (ratetypes.DataRate, bool) {
	if b.AckedSize.Bytes() == 0 {
		return ratetypes.DataRate{}, false
	}
	span := b.LastSend.Sub(b.FirstSend)
	if span.Micros() <= 0 {
		return ratetypes.DataRate{}, false
	}
	return ratetypes.RateOverInterval(b.AckedSize, span), true
}

// Len reports the number of packets currently awaiting feedback.
func (a *Adapter) Len() int { return a.store.Len() }

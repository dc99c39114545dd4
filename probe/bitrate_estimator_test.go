// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package probe

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
)

func TestEstimateMeasuresAchievedRate(t *testing.T) {
	b := NewBitrateEstimator()
	const clusterID = 1

	for i := 0; i < 10; i++ {
		send := clock.FromMillis(int64(i))
		arrival := clock.FromMillis(int64(i) + 5)
		b.OnPacketFeedback(packetfeedback.Result{
			Sent: packetfeedback.SentPacket{
				SendTime: send,
				Size:     ratetypes.Bytes(1250), // 10kbit per packet
				Pacing:   packetfeedback.PacingInfo{ClusterID: clusterID},
			},
			ReceiveTime: arrival,
		})
	}

	rate, verdict := b.Estimate(clusterID, 5)
	assert.Equal(t, VerdictOK, verdict)
	assert.Greater(t, rate.BitsPerSecond(), int64(0))
}

func TestEstimateTooFewPackets(t *testing.T) {
	b := NewBitrateEstimator()
	b.OnPacketFeedback(packetfeedback.Result{
		Sent: packetfeedback.SentPacket{
			SendTime: clock.FromMillis(0),
			Size:     ratetypes.Bytes(100),
			Pacing:   packetfeedback.PacingInfo{ClusterID: 7},
		},
		ReceiveTime: clock.FromMillis(1),
	})

	_, verdict := b.Estimate(7, 5)
	assert.Equal(t, VerdictTooFewPackets, verdict)
}

func TestEstimateTimedOutWhenNoArrivals(t *testing.T) {
	b := NewBitrateEstimator()
	for i := 0; i < 10; i++ {
		b.OnPacketFeedback(packetfeedback.Result{
			Sent: packetfeedback.SentPacket{
				SendTime: clock.FromMillis(int64(i)),
				Size:     ratetypes.Bytes(100),
				Pacing:   packetfeedback.PacingInfo{ClusterID: 3},
			},
			ReceiveTime: clock.PlusInfinityTime(),
		})
	}
	_, verdict := b.Estimate(3, 5)
	assert.Equal(t, VerdictTimedOut, verdict)
}

func TestForgetDropsClusterSamples(t *testing.T) {
	b := NewBitrateEstimator()
	b.OnPacketFeedback(packetfeedback.Result{
		Sent:        packetfeedback.SentPacket{SendTime: clock.FromMillis(0), Pacing: packetfeedback.PacingInfo{ClusterID: 1}},
		ReceiveTime: clock.FromMillis(1),
	})
	b.Forget(1)
	_, verdict := b.Estimate(1, 1)
	assert.Equal(t, VerdictTooFewPackets, verdict)
}

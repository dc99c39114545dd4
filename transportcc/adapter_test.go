// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transportcc

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterJoinsFeedbackWithStore(t *testing.T) {
	a := NewAdapter()
	a.OnPacketSent(packetfeedback.SentPacket{SequenceNumber: 10, SendTime: clock.FromMillis(0), Size: ratetypes.Bytes(100)})
	a.OnPacketSent(packetfeedback.SentPacket{SequenceNumber: 11, SendTime: clock.FromMillis(5), Size: ratetypes.Bytes(100)})
	a.OnPacketSent(packetfeedback.SentPacket{SequenceNumber: 12, SendTime: clock.FromMillis(10), Size: ratetypes.Bytes(100)})

	fp := FeedbackPacket{
		BaseSequenceNumber: 10,
		ReferenceTimeUs:    0,
		Reports: []PacketReport{
			{Status: StatusSmallDelta, DeltaUs: 1000},
			{Status: StatusNotReceived},
			{Status: StatusSmallDelta, DeltaUs: 2000},
		},
	}

	batch := a.OnFeedback(fp, clock.FromMillis(20))
	require.True(t, batch.HaveResults)
	require.Len(t, batch.Results, 3)
	assert.True(t, batch.Results[0].IsReceived())
	assert.False(t, batch.Results[1].IsReceived())
	assert.True(t, batch.Results[2].IsReceived())

	rate, ok := batch.AckedRate()
	require.True(t, ok)
	assert.Greater(t, rate.BitsPerSecond(), int64(0))
}

func TestAdapterDropsUnknownSequenceSilently(t *testing.T) {
	a := NewAdapter()
	a.OnPacketSent(packetfeedback.SentPacket{SequenceNumber: 5, SendTime: clock.FromMillis(0), Size: ratetypes.Bytes(50)})

	fp := FeedbackPacket{
		BaseSequenceNumber: 100, // never sent
		Reports:            []PacketReport{{Status: StatusSmallDelta, DeltaUs: 0}},
	}
	batch := a.OnFeedback(fp, clock.FromMillis(1))
	assert.False(t, batch.HaveResults)
	assert.Equal(t, 1, a.Len()) // seq 5 still awaiting feedback
}

func TestAdapterNoAckedRateWhenNothingReceived(t *testing.T) {
	a := NewAdapter()
	a.OnPacketSent(packetfeedback.SentPacket{SequenceNumber: 1, SendTime: clock.FromMillis(0), Size: ratetypes.Bytes(100)})

	fp := FeedbackPacket{
		BaseSequenceNumber: 1,
		Reports:            []PacketReport{{Status: StatusNotReceived}},
	}
	batch := a.OnFeedback(fp, clock.FromMillis(1))
	_, ok := batch.AckedRate()
	assert.False(t, ok)
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package delaybwe

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
)

func feed(e *Estimator, seq uint64, sendMs, arrivalMs int64, now clock.Timestamp) Result {
	r := packetfeedback.Result{
		Sent: packetfeedback.SentPacket{
			SequenceNumber: seq,
			SendTime:       clock.FromMillis(sendMs),
			Size:           ratetypes.Bytes(1200),
		},
		ReceiveTime: clock.FromMillis(arrivalMs),
	}
	return e.OnPacketFeedback(r, clock.FromMillis(100), ratetypes.KilobitsPerSec(500), true, now)
}

func TestCleanLinkRampsUpTowardAck(t *testing.T) {
	e := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))

	var last Result
	for i := int64(0); i < 400; i++ {
		last = feed(e, uint64(i), i*5, i*5, clock.FromMillis(i*5))
	}
	assert.GreaterOrEqual(t, last.TargetRate.BitsPerSecond(), ratetypes.KilobitsPerSec(300).BitsPerSecond())
}

func TestGrowingDelayCausesDecrease(t *testing.T) {
	e := New(DefaultConfig(), ratetypes.KilobitsPerSec(1000))

	// Warm up with stable traffic.
	for i := int64(0); i < 50; i++ {
		feed(e, uint64(i), i*5, i*5, clock.FromMillis(i*5))
	}
	stableRate := e.TargetRate()

	// Now inject growing delay (simulated queueing).
	var last Result
	for i := int64(50); i < 200; i++ {
		arrival := i*5 + (i-50) // +1ms delay accumulation per group
		last = feed(e, uint64(i), i*5, arrival, clock.FromMillis(i*5))
	}

	assert.Less(t, last.TargetRate.BitsPerSecond(), stableRate.BitsPerSecond())
}

func TestLostPacketDoesNotAdvanceInterArrival(t *testing.T) {
	e := New(DefaultConfig(), ratetypes.KilobitsPerSec(300))
	r := packetfeedback.Result{
		Sent:        packetfeedback.SentPacket{SequenceNumber: 1, SendTime: clock.FromMillis(0)},
		ReceiveTime: clock.PlusInfinityTime(),
	}
	res := e.OnPacketFeedback(r, clock.FromMillis(100), ratetypes.DataRate{}, false, clock.FromMillis(0))
	assert.False(t, res.Updated)
}

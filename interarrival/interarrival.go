// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package interarrival groups packets by send time into "packet groups"
// the way the source's modules/remote_bitrate_estimator/inter_arrival.h
// does, and emits send/arrival/size deltas between successive completed
// groups for TrendlineEstimator to consume.
package interarrival

import (
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

// DefaultGroupLength is the send-time window (5ms) within which packets
// belong to the same group.
var DefaultGroupLength = clock.FromMillis(5)

// ReorderedResetThreshold is the number of consecutive reordered arrivals
// that reset the estimator, to tolerate clock jumps.
const ReorderedResetThreshold = 3

type group struct {
	firstSendTime     clock.Timestamp
	completeSendTime  clock.Timestamp
	firstArrivalTime  clock.Timestamp
	completeArrival   clock.Timestamp
	size              ratetypes.DataSize
}

func (g group) isEmpty() bool { return g.size.Bytes() == 0 }

// Deltas is the (send_delta, arrival_delta, size_delta) triple emitted for
// each pair of completed groups.
type Deltas struct {
	SendDelta    clock.TimeDelta
	ArrivalDelta clock.TimeDelta
	SizeDelta    ratetypes.DataSize // signed: new - old, represented via int64 inside DataSize
}

// InterArrival groups packets by send time and computes deltas across
// groups, with reordering tolerance.
type InterArrival struct {
	groupLength clock.TimeDelta

	currentGroup   group
	prevGroup      group
	haveCurrent    bool
	havePrev       bool

	numConsecutiveReorders int
}

func New() *InterArrival {
	return &InterArrival{groupLength: DefaultGroupLength}
}

func NewWithGroupLength(groupLength clock.TimeDelta) *InterArrival {
	return &InterArrival{groupLength: groupLength}
}

// ComputeDeltas feeds one packet (identified by its send and arrival time,
// and wire size) into the grouping state machine. ok is true when a new
// completed (prev, current) pair produced a Deltas value.
func (ia *InterArrival) ComputeDeltas(sendTime, arrivalTime clock.Timestamp, size ratetypes.DataSize) (Deltas, bool) {
	if !ia.haveCurrent {
		ia.currentGroup = group{
			firstSendTime:    sendTime,
			completeSendTime: sendTime,
			firstArrivalTime: arrivalTime,
			completeArrival:  arrivalTime,
			size:             size,
		}
		ia.haveCurrent = true
		return Deltas{}, false
	}

	if arrivalTime.Before(ia.currentGroup.completeArrival) {
		// Reordered arrival relative to the current group.
		ia.numConsecutiveReorders++
		if ia.numConsecutiveReorders >= ReorderedResetThreshold {
			ia.reset()
		}
		return Deltas{}, false
	}
	ia.numConsecutiveReorders = 0

	sendDeltaFromGroup := sendTime.Sub(ia.currentGroup.firstSendTime)
	if sendDeltaFromGroup.Less(ia.groupLength) || sendDeltaFromGroup.Micros() == 0 {
		ia.currentGroup.completeSendTime = sendTime
		ia.currentGroup.completeArrival = arrivalTime
		ia.currentGroup.size = ia.currentGroup.size.Add(size)
		return Deltas{}, false
	}

	// sendTime belongs to a new group: close off the current one.
	var out Deltas
	emitted := false
	if ia.havePrev {
		out = Deltas{
			SendDelta:    ia.currentGroup.completeSendTime.Sub(ia.prevGroup.completeSendTime),
			ArrivalDelta: ia.currentGroup.completeArrival.Sub(ia.prevGroup.completeArrival),
			SizeDelta:    ratetypes.Bytes(ia.currentGroup.size.Bytes() - ia.prevGroup.size.Bytes()),
		}
		emitted = true
	}

	ia.prevGroup = ia.currentGroup
	ia.havePrev = true
	ia.currentGroup = group{
		firstSendTime:    sendTime,
		completeSendTime: sendTime,
		firstArrivalTime: arrivalTime,
		completeArrival:  arrivalTime,
		size:             size,
	}
	return out, emitted
}

func (ia *InterArrival) reset() {
	ia.haveCurrent = false
	ia.havePrev = false
	ia.numConsecutiveReorders = 0
	ia.currentGroup = group{}
	ia.prevGroup = group{}
}

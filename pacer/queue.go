// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pacer

import (
	"container/list"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
)

// Priority orders packets within the pacer queue. Apart from PriorityProbe,
// which queue.Pop always serves first (see drainOrder), lower numeric value
// is sent first, matching media/rtp_sequencer.go's RTPExtendedSequenceNumber
// ordering convention of "smaller is earlier".
type Priority int

const (
	PriorityAudio   Priority = 0
	PriorityVideo   Priority = 1
	PriorityPadding Priority = 2
	PriorityProbe   Priority = 3
)

// Packet is one unit of work handed to the Pacer: a payload ready to leave,
// tagged with the SSRC it belongs to so per-stream round robin can be
// applied, and optionally a probe cluster id.
type Packet struct {
	SSRC       uint32
	Size       ratetypes.DataSize
	Priority   Priority
	EnqueuedAt clock.Timestamp
	ClusterID  int // 0 unless this packet is part of a probe cluster

	// Token is an opaque caller-assigned handle the queue neither reads
	// nor writes; interceptorcc uses it to look up the buffered RTP
	// payload to write at release time.
	Token uint64
}

// queue is a multi-priority, per-SSRC round-robin packet queue: each
// priority bucket holds one FIFO list per SSRC, and Pop walks SSRCs
// in round-robin order within the highest non-empty priority bucket, the
// structure described in original_source/modules/pacing/paced_sender.h's
// "streams priority" queue.
type queue struct {
	buckets    map[Priority]*bucket
	priorities []Priority
}

type bucket struct {
	streams    map[uint32]*list.List
	ssrcOrder  []uint32
	cursor     int
	count      int
}

// drainOrder is the order queue.Pop walks priority buckets in. Probe goes
// first regardless of its numeric value, per spec step 1 of the pacer's
// draining order ("if a probe cluster is active and has budget left,
// serve probe packets first"); Audio/Video/Padding then follow the
// Priority enum's numeric ordering.
var drainOrder = []Priority{PriorityProbe, PriorityAudio, PriorityVideo, PriorityPadding}

func newQueue() *queue {
	return &queue{
		buckets:    make(map[Priority]*bucket),
		priorities: drainOrder,
	}
}

func (q *queue) bucketFor(p Priority) *bucket {
	b, ok := q.buckets[p]
	if !ok {
		b = &bucket{streams: make(map[uint32]*list.List)}
		q.buckets[p] = b
	}
	return b
}

func (q *queue) Push(pkt Packet) {
	b := q.bucketFor(pkt.Priority)
	l, ok := b.streams[pkt.SSRC]
	if !ok {
		l = list.New()
		b.streams[pkt.SSRC] = l
		b.ssrcOrder = append(b.ssrcOrder, pkt.SSRC)
	}
	l.PushBack(pkt)
	b.count++
}

// PushFront re-admits pkt at the head of its stream's FIFO, used when a
// downstream send fails: spec's pacer failure semantics return the packet
// to the head of its queue so the next Process call reconsiders it before
// any packet enqueued since.
func (q *queue) PushFront(pkt Packet) {
	b := q.bucketFor(pkt.Priority)
	l, ok := b.streams[pkt.SSRC]
	if !ok {
		l = list.New()
		b.streams[pkt.SSRC] = l
		b.ssrcOrder = append(b.ssrcOrder, pkt.SSRC)
	}
	l.PushFront(pkt)
	b.count++
}

// Pop removes and returns the next packet to send across all priorities
// in drainOrder (probe first, then lowest-value-first among the rest),
// round-robining SSRCs within a priority so no single stream starves its
// siblings.
func (q *queue) Pop() (Packet, bool) {
	for _, p := range q.priorities {
		b := q.buckets[p]
		if b == nil || b.count == 0 {
			continue
		}
		n := len(b.ssrcOrder)
		for i := 0; i < n; i++ {
			idx := (b.cursor + i) % n
			ssrc := b.ssrcOrder[idx]
			l := b.streams[ssrc]
			if l.Len() == 0 {
				continue
			}
			front := l.Front()
			l.Remove(front)
			b.count--
			b.cursor = (idx + 1) % n
			return front.Value.(Packet), true
		}
	}
	return Packet{}, false
}

func (q *queue) Len() int {
	n := 0
	for _, b := range q.buckets {
		n += b.count
	}
	return n
}

// Empty reports whether the queue holds no packets.
func (q *queue) Empty() bool { return q.Len() == 0 }

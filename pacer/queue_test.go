// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pacer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHigherPriorityFirst(t *testing.T) {
	q := newQueue()
	q.Push(Packet{SSRC: 1, Priority: PriorityPadding})
	q.Push(Packet{SSRC: 1, Priority: PriorityAudio})
	q.Push(Packet{SSRC: 1, Priority: PriorityVideo})

	p, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, PriorityAudio, p.Priority)

	p, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, PriorityVideo, p.Priority)

	p, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, PriorityPadding, p.Priority)
}

func TestQueueRoundRobinsSSRCsWithinPriority(t *testing.T) {
	q := newQueue()
	q.Push(Packet{SSRC: 1, Priority: PriorityVideo})
	q.Push(Packet{SSRC: 2, Priority: PriorityVideo})
	q.Push(Packet{SSRC: 1, Priority: PriorityVideo})
	q.Push(Packet{SSRC: 2, Priority: PriorityVideo})

	var order []uint32
	for i := 0; i < 4; i++ {
		p, ok := q.Pop()
		require.True(t, ok)
		order = append(order, p.SSRC)
	}
	assert.Equal(t, []uint32{1, 2, 1, 2}, order)
}

func TestQueueProbeDrainsBeforeOtherPriorities(t *testing.T) {
	q := newQueue()
	q.Push(Packet{SSRC: 1, Priority: PriorityAudio})
	q.Push(Packet{SSRC: 1, Priority: PriorityVideo})
	q.Push(Packet{SSRC: 1, Priority: PriorityPadding})
	q.Push(Packet{SSRC: 1, Priority: PriorityProbe, ClusterID: 7})

	p, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, PriorityProbe, p.Priority, "an active probe cluster drains before audio/video/padding")
}

func TestQueueEmpty(t *testing.T) {
	q := newQueue()
	assert.True(t, q.Empty())
	_, ok := q.Pop()
	assert.False(t, ok)
}

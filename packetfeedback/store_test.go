// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package packetfeedback

import (
	"testing"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndResolve(t *testing.T) {
	s := NewStore()
	s.Insert(SentPacket{SequenceNumber: 1, SendTime: clock.FromMillis(0), Size: ratetypes.Bytes(100)})

	res, ok := s.Resolve(1, clock.FromMillis(50))
	require.True(t, ok)
	assert.Equal(t, uint64(1), res.Sent.SequenceNumber)
	assert.True(t, res.IsReceived())

	// exact-once: resolving again must fail
	_, ok = s.Resolve(1, clock.FromMillis(60))
	assert.False(t, ok)
}

func TestResolveUnknownSeqDropsSilently(t *testing.T) {
	s := NewStore()
	_, ok := s.Resolve(42, clock.FromMillis(1))
	assert.False(t, ok)
}

func TestEvictOlderThanAgeAndCount(t *testing.T) {
	s := NewStore()
	for i := uint64(0); i < 5; i++ {
		s.Insert(SentPacket{SequenceNumber: i, SendTime: clock.FromMillis(int64(i) * 100)})
	}
	require.Equal(t, 5, s.Len())

	// now = 450ms; MaxAge=500ms means cutoff = -50ms: nothing aged out yet
	s.EvictOlderThan(clock.FromMillis(450))
	assert.Equal(t, 5, s.Len())

	// now = 700ms; cutoff=200ms: seq 0 (t=0) and 1 (t=100) aged out
	s.EvictOlderThan(clock.FromMillis(700))
	assert.Equal(t, 3, s.Len())
	_, ok := s.Lookup(0)
	assert.False(t, ok)
	_, ok = s.Lookup(2)
	assert.True(t, ok)
}

func TestEvictByRecordCount(t *testing.T) {
	s := NewStore()
	for i := uint64(0); i < MaxRecords+10; i++ {
		s.Insert(SentPacket{SequenceNumber: i, SendTime: clock.FromMillis(0)})
	}
	s.EvictOlderThan(clock.FromMillis(0))
	assert.Equal(t, MaxRecords, s.Len())
	_, ok := s.Lookup(0)
	assert.False(t, ok, "oldest records should be evicted first")
}

func TestLateFeedbackAfterEvictionIsDropped(t *testing.T) {
	s := NewStore()
	s.Insert(SentPacket{SequenceNumber: 1, SendTime: clock.FromMillis(0)})
	s.EvictOlderThan(clock.FromMillis(1000)) // well past MaxAge

	_, ok := s.Resolve(1, clock.FromMillis(1000))
	assert.False(t, ok)
}

func TestUnwrapperIsMonotonicAcrossWireWrap(t *testing.T) {
	var u Unwrapper
	a := u.Unwrap(65534)
	b := u.Unwrap(65535)
	c := u.Unwrap(0) // wraps on the wire
	d := u.Unwrap(1)

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Less(t, c, d)
	assert.EqualValues(t, 65536, c)
}

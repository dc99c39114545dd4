// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package interceptorcc

import (
	"testing"
	"time"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/transportcc"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter satisfies interceptor.RTPWriter directly.
type recordingWriter struct {
	writes []int
}

func (w *recordingWriter) Write(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	w.writes = append(w.writes, len(payload))
	return len(payload), nil
}

func newTestEngine() (*Engine, *clock.Simulated) {
	clk := clock.NewSimulated()
	return NewEngine(clk, ratetypes.KilobitsPerSec(1000)), clk
}

func TestBindLocalStreamQueuesInsteadOfWritingImmediately(t *testing.T) {
	engine, _ := newTestEngine()
	s := NewSendInterceptor(engine)
	rw := &recordingWriter{}

	writer := s.BindLocalStream(&interceptor.StreamInfo{SSRC: 42}, rw)
	n, err := writer.Write(&rtp.Header{SequenceNumber: 1}, make([]byte, 100), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	assert.Empty(t, rw.writes, "packet must not reach the wire before the Pacer releases it")
	assert.Equal(t, 1, engine.Pacer.QueueLength())

	require.NoError(t, s.Close())
}

func TestTickReleasesQueuedPacketThroughWriter(t *testing.T) {
	engine, clk := newTestEngine()
	s := NewSendInterceptor(engine)
	rw := &recordingWriter{}

	writer := s.BindLocalStream(&interceptor.StreamInfo{SSRC: 42}, rw)
	_, err := writer.Write(&rtp.Header{SequenceNumber: 1}, make([]byte, 100), nil)
	require.NoError(t, err)

	clk.Advance(clock.FromMillis(25))
	s.tick()

	require.Len(t, rw.writes, 1)
	assert.Equal(t, 100, rw.writes[0])
	assert.Equal(t, 0, engine.Pacer.QueueLength())

	require.NoError(t, s.Close())
}

func TestProcessRTCPFeedsAdapterAndController(t *testing.T) {
	engine, clk := newTestEngine()
	s := NewSendInterceptor(engine)

	engine.Adapter.OnPacketSent(packetfeedback.SentPacket{
		SequenceNumber: 1,
		SendTime:       clk.Now(),
		Size:           ratetypes.Bytes(100),
	})

	fp := transportcc.FeedbackPacket{
		BaseSequenceNumber: 1,
		ReferenceTimeUs:    0,
		Reports:            []transportcc.PacketReport{{Status: transportcc.StatusSmallDelta, DeltaUs: 1000}},
	}
	raw, err := fp.Marshal()
	require.NoError(t, err)

	s.processRTCP(raw)
	assert.Equal(t, 0, engine.Adapter.Len(), "resolved feedback must be consumed from the store")
}

func TestProcessRTCPDispatchesReceiverReportToCallback(t *testing.T) {
	engine, _ := newTestEngine()
	s := NewSendInterceptor(engine)

	var got []rtcp.ReceptionReport
	engine.OnReceiverReport = func(rr rtcp.ReceptionReport, _ time.Time, _ clock.Timestamp) {
		got = append(got, rr)
	}

	rr := &rtcp.ReceiverReport{
		SSRC:    1,
		Reports: []rtcp.ReceptionReport{{SSRC: 2, LastSequenceNumber: 100}},
	}
	raw, err := rr.Marshal()
	require.NoError(t, err)

	s.processRTCP(raw)
	require.Len(t, got, 1)
	assert.EqualValues(t, 100, got[0].LastSequenceNumber)
}

func TestNextTokenUnwrapsMonotonically(t *testing.T) {
	engine, _ := newTestEngine()
	a := engine.nextToken()
	b := engine.nextToken()
	c := engine.nextToken()
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

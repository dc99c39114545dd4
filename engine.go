// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package mediabwe is the root façade: it wires googcc.Controller,
// pacer.Pacer, nack.Module and transportcc's Adapter into one
// Engine, the same role diago.go's Diago plays over diago's media/dialog
// packages. Construct one Engine per outgoing RTP session and drive it
// from the real RTCP/RTP traffic observed on that session -- either
// directly (OnReceiverReport, OnReceivedPacket, Tick) or through
// interceptorcc.SendInterceptor via Interceptor().
package mediabwe

import (
	"time"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/googcc"
	"github.com/emiago/mediabwe/interceptorcc"
	"github.com/emiago/mediabwe/media"
	"github.com/emiago/mediabwe/nack"
	"github.com/emiago/mediabwe/pacer"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/transportcc"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
)

// Engine is the send-side bandwidth-estimation and feedback pipeline for
// one RTP session.
type Engine struct {
	log zerolog.Logger
	cfg config

	Cc      *googcc.Controller
	Pacer   *pacer.Pacer
	Nack    *nack.Module
	Adapter *transportcc.Adapter

	rrState map[uint32]*receptionState
}

// receptionState tracks the previous RTCP reception report for one remote
// SSRC so OnReceiverReport can derive interval deltas, the way
// media/rtp_session.go's readStats carries lastSenderReportNTP /
// lastReceptionReportSeqNum across calls.
type receptionState struct {
	lastTotalLost  int64
	lastExtHighest uint64
	haveLast       bool
}

// New builds an Engine ready to drive a single RTP stream's congestion
// control.
func New(opts ...EngineOption) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cc := googcc.New(cfg.googccConfig(), cfg.startRate)
	if cfg.onTargetTransferRate != nil {
		cc.OnTargetTransferRate = cfg.onTargetTransferRate
	}
	p := pacer.New(pacer.DefaultConfig(), cfg.clock)

	e := &Engine{
		log:     cfg.log,
		cfg:     cfg,
		Cc:      cc,
		Pacer:   p,
		Nack:    nack.New(),
		Adapter: transportcc.NewAdapter(),
		rrState: make(map[uint32]*receptionState),
	}

	for _, cl := range cc.OnStartup(cfg.startRate) {
		p.EnqueuePacket(pacer.Packet{
			SSRC:      0,
			Size:      ratetypes.Bytes(0),
			Priority:  pacer.PriorityProbe,
			ClusterID: cl.ID,
		})
	}

	return e
}

// Interceptor returns a pion/interceptor.Interceptor driving this Engine's
// pipeline over a real PeerConnection, grounded in diagomod/webrtc.go's
// attach-pipeline-to-PeerConnection seam.
func (e *Engine) Interceptor() *interceptorcc.SendInterceptor {
	ic := interceptorcc.NewEngineFrom(e.cfg.clock, e.Cc, e.Pacer, e.Nack, e.Adapter)
	ic.OnReceiverReport = e.OnReceiverReport
	return interceptorcc.NewSendInterceptor(ic)
}

// TargetRate reports the last computed send-rate target.
func (e *Engine) TargetRate() ratetypes.DataRate { return e.Cc.TargetRate() }

// Tick runs one periodic processing step: it advances GoogCcController and
// drains the Pacer queue through send.
func (e *Engine) Tick(now clock.Timestamp, send pacer.Sender) googcc.Output {
	e.Cc.UpdateOutstandingData(e.Pacer.OutstandingData())

	out := e.Cc.Tick(now)
	if out.TargetChanged {
		e.Pacer.SetPacingRates(out.Pacer.MediaRate, out.Pacer.PaddingRate)
	}
	if out.HaveCongestionWindow {
		e.Pacer.SetCongestionWindow(out.CongestionWindow, true)
	}
	e.Pacer.Process(now, send)

	if e.Nack.PollRequestKeyframe() && e.cfg.requestKeyframe != nil {
		e.cfg.requestKeyframe()
	}

	return out
}

// OnReceivedPacket feeds one arriving (already-unwrapped) sequence number
// from our own receive side into the NackModule, for callers that
// maintain their own monotonic counter.
func (e *Engine) OnReceivedPacket(seq uint64, now clock.Timestamp) {
	e.Nack.OnReceivedPacket(seq, now)
}

// OnReceivedRTPPacket feeds one arriving packet's raw 16-bit RTP sequence
// number from our own receive side into the NackModule, which unwraps it
// to a monotonic counter internally. This is the entry point real RTP
// ingress should use.
func (e *Engine) OnReceivedRTPPacket(seq uint16, now clock.Timestamp) {
	e.Nack.OnReceivedRTPPacket(seq, now)
}

// OnReceiverReport processes one RTCP reception report block describing
// how the remote end is receiving our media, updating the loss-based
// estimator and the congestion window's RTT term. Grounded in
// media/rtp_session.go's readReceptionReport/calcRTT, generalized from a
// single assumed SSRC to a per-SSRC map. wallNow is used for the NTP-based
// RTT computation (LSR/DLSR are wall-clock quantities); now is this
// Engine's own clock.Clock reading, used for the estimator update.
func (e *Engine) OnReceiverReport(rr rtcp.ReceptionReport, wallNow time.Time, now clock.Timestamp) {
	st, ok := e.rrState[rr.SSRC]
	if !ok {
		st = &receptionState{}
		e.rrState[rr.SSRC] = st
	}

	extHighest := uint64(rr.LastSequenceNumber)
	totalLost := int64(rr.TotalLost)

	if st.haveLast {
		lostDelta := totalLost - st.lastTotalLost
		expectedDelta := int64(extHighest - st.lastExtHighest)
		if expectedDelta > 0 {
			rtt := clock.Zero()
			if rr.LastSenderReport != 0 {
				if d, skewed := calcRTT(wallNow, rr.LastSenderReport, rr.Delay); !skewed {
					rtt = clock.FromDuration(d)
				}
			}
			e.Cc.OnLossReport(lostDelta, expectedDelta, rtt, now)
			if rtt.Micros() > 0 {
				e.Cc.OnRTT(rtt, now)
			}
		}
	}

	st.lastTotalLost = totalLost
	st.lastExtHighest = extHighest
	st.haveLast = true
}

// calcRTT reproduces media/rtp_session.go's NTP round-trip computation
// from an RTCP LSR/DLSR pair.
func calcRTT(now time.Time, lastSenderReport uint32, delaySenderReport uint32) (rtt time.Duration, skewed bool) {
	nowNTP := media.NTPTimestamp(now)
	now32 := uint32(nowNTP >> 16)

	rtt32 := now32 - lastSenderReport - delaySenderReport
	skewed = now32-delaySenderReport < lastSenderReport

	secs := rtt32 & 0xFFFF0000 >> 16
	fracs := float64(rtt32&0x0000FFFF) / 65536
	rtt = time.Duration(secs)*time.Second + time.Duration(fracs*float64(time.Second))
	return
}

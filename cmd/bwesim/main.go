// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Command bwesim drives mediabwe.Engine against an in-process network
// model instead of a real socket, reproducing end-to-end scenarios
// ("clean link", "step loss", "delay ramp", "feedback gap") for manual
// inspection -- the same role cmd/httpstream plays for diago's media
// package (a small, runnable demonstration of the library driven from
// the command line, not a test).
package main

import (
	"flag"
	"os"
	"time"

	"github.com/emiago/mediabwe"
	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/googcc"
	"github.com/emiago/mediabwe/pacer"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/transportcc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	scenario := flag.String("scenario", "clean", "clean|step-loss|delay-ramp|feedback-gap")
	durationSec := flag.Int("duration", 10, "simulated seconds to run")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	lev := zerolog.InfoLevel
	if *verbose {
		lev = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	sessionID := uuid.New()
	log.Info().Str("session", sessionID.String()).Str("scenario", *scenario).Msg("bwesim starting")

	s := newSim(*scenario, sessionID)
	s.run(time.Duration(*durationSec) * time.Second)
}

// netLink is the simplified network model each scenario configures:
// constant one-way delay plus a loss fraction, both of which a scenario
// may change partway through the run.
type netLink struct {
	delay clock.TimeDelta
	loss  float64 // [0,1)
}

// pendingArrival is a sent packet in flight, waiting to surface at the
// receive side at arriveAt.
type pendingArrival struct {
	seq      uint64
	arriveAt clock.Timestamp
}

type sim struct {
	scenario  string
	sessionID uuid.UUID

	clk *clock.Simulated
	eng *mediabwe.Engine

	senderSSRC uint32
	mediaSSRC  uint32
	gen        *transportcc.Generator

	link netLink

	nextSeq  uint64
	inFlight []pendingArrival

	rngState uint64 // xorshift for deterministic synthetic loss

	totalSent, totalLost, totalDelivered int64
}

func newSim(scenario string, sessionID uuid.UUID) *sim {
	clk := clock.NewSimulated()

	ssrcBytes := sessionID[:4]
	senderSSRC := uint32(ssrcBytes[0])<<24 | uint32(ssrcBytes[1])<<16 | uint32(ssrcBytes[2])<<8 | uint32(ssrcBytes[3])
	mediaSSRC := senderSSRC ^ 0x1

	eng := mediabwe.New(
		mediabwe.WithClock(clk),
		mediabwe.WithStartRate(ratetypes.KilobitsPerSec(300)),
		mediabwe.WithRateBounds(ratetypes.KilobitsPerSec(30), ratetypes.KilobitsPerSec(2_000)),
		mediabwe.WithOnTargetTransferRate(func(r googcc.TargetTransferRate) {
			log.Info().
				Stringer("target", r.TargetRate).
				Float64("loss_ratio", r.LossRateRatio).
				Stringer("rtt", r.RTT).
				Msg("target rate changed")
		}),
		mediabwe.WithRequestKeyframe(func() {
			log.Warn().Msg("keyframe requested (nack list overflow)")
		}),
	)

	return &sim{
		scenario:   scenario,
		sessionID:  sessionID,
		clk:        clk,
		eng:        eng,
		senderSSRC: senderSSRC,
		mediaSSRC:  mediaSSRC,
		gen:        transportcc.NewGenerator(senderSSRC, mediaSSRC),
		link:       netLink{delay: clock.FromMillis(50)},
		rngState:   0x9e3779b97f4a7c15 ^ uint64(senderSSRC),
	}
}

// next returns a float64 in [0,1) from a small deterministic PRNG, so a
// scenario's loss pattern is reproducible run to run without pulling in
// math/rand's global seed state.
func (s *sim) next() float64 {
	s.rngState ^= s.rngState << 13
	s.rngState ^= s.rngState >> 7
	s.rngState ^= s.rngState << 17
	return float64(s.rngState%1_000_000) / 1_000_000
}

const tickMs = 5 // Pacer.Process cadence

func (s *sim) run(duration time.Duration) {
	steps := int(duration.Milliseconds() / tickMs)
	for i := 0; i < steps; i++ {
		elapsedMs := int64(i) * tickMs
		s.applyScenario(elapsedMs)
		s.step()
		s.clk.Advance(clock.FromMillis(tickMs))
	}
	log.Info().
		Int64("sent", s.totalSent).
		Int64("delivered", s.totalDelivered).
		Int64("lost", s.totalLost).
		Stringer("final_target", s.eng.TargetRate()).
		Msg("bwesim finished")
}

// applyScenario mutates s.link partway through the run to reproduce one
// of the named end-to-end scenarios.
func (s *sim) applyScenario(elapsedMs int64) {
	switch s.scenario {
	case "step-loss":
		if elapsedMs == 5_000 {
			log.Info().Msg("injecting 20% loss for 2s")
			s.link.loss = 0.20
		}
		if elapsedMs == 7_000 {
			log.Info().Msg("loss cleared")
			s.link.loss = 0
		}
	case "delay-ramp":
		if elapsedMs == 5_000 {
			log.Info().Msg("adding 1ms extra one-way delay")
			s.link.delay = s.link.delay.Add(clock.FromMillis(1))
		}
	case "feedback-gap":
		// handled in step(): feedback generation is suppressed for a
		// window instead of mutating the link.
	}
}

// step runs one Pacer.Process tick: offer the encoder's output to the
// queue, drain it through the simulated network, age the in-flight
// arrivals into the receive-side Generator, and emit feedback when due.
func (s *sim) step() {
	now := s.clk.Now()

	target := s.eng.TargetRate()
	bytesThisTick := ratetypes.SizeOverInterval(target, clock.FromMillis(tickMs))
	if bytesThisTick.Bytes() > 0 {
		seq := s.nextSeq
		s.nextSeq++
		s.eng.Adapter.OnPacketSent(packetfeedback.SentPacket{
			SequenceNumber: seq,
			SendTime:       now,
			Size:           bytesThisTick,
			SSRC:           s.mediaSSRC,
			RTPSeq:         uint16(seq),
		})
		s.eng.Pacer.EnqueuePacket(pacer.Packet{
			SSRC:     s.mediaSSRC,
			Size:     bytesThisTick,
			Priority: pacer.PriorityVideo,
			Token:    seq,
		})
		s.totalSent++
	}

	s.eng.Tick(now, func(pkt pacer.Packet) ratetypes.DataSize {
		s.onPacketLeavesPacer(pkt, now)
		return pkt.Size
	})

	s.deliverArrivals(now)

	suppressFeedback := s.scenario == "feedback-gap" && now.Micros() >= 5_000_000 && now.Micros() < 21_000_000
	if !suppressFeedback && s.gen.ShouldSend(now) {
		s.sendFeedback(now)
	}
}

// onPacketLeavesPacer is the Sender callback: it applies the link's loss
// fraction and schedules a delayed arrival for the receive side, or drops
// the packet silently (transport send has no back-pressure).
func (s *sim) onPacketLeavesPacer(pkt pacer.Packet, now clock.Timestamp) {
	if s.next() < s.link.loss {
		s.totalLost++
		return
	}
	s.inFlight = append(s.inFlight, pendingArrival{
		seq:      pkt.Token,
		arriveAt: now.Add(s.link.delay),
	})
}

// deliverArrivals feeds every in-flight packet whose arrival time has
// passed into the receive-side Generator.
func (s *sim) deliverArrivals(now clock.Timestamp) {
	i := 0
	for i < len(s.inFlight) && !s.inFlight[i].arriveAt.After(now) {
		s.gen.OnPacketReceived(s.inFlight[i].seq, s.inFlight[i].arriveAt)
		// Only the low 16 bits travel on the wire; the NackModule unwraps
		// them back into its own monotonic counter, exercising the same
		// unwrap path real RTP ingress uses.
		s.eng.OnReceivedRTPPacket(uint16(s.inFlight[i].seq), s.inFlight[i].arriveAt)
		s.totalDelivered++
		i++
	}
	s.inFlight = s.inFlight[i:]
}

// sendFeedback builds the FeedbackPacket(s) pending on the receive-side
// Generator, round-trips each through the wire codec (exercising the
// bit-exact encoding), and feeds the result into the estimators. Usually
// one packet; an unrepresentable delta splits the batch into more than
// one, each handled independently here.
func (s *sim) sendFeedback(now clock.Timestamp) {
	packets, ok := s.gen.Build(now)
	if !ok {
		return
	}

	for _, fp := range packets {
		s.sendOneFeedbackPacket(fp, now)
	}
}

func (s *sim) sendOneFeedbackPacket(fp transportcc.FeedbackPacket, now clock.Timestamp) {
	raw, err := fp.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("bwesim: failed to marshal feedback")
		return
	}
	decoded, err := transportcc.Unmarshal(raw[4:])
	if err != nil {
		log.Error().Err(err).Msg("bwesim: failed to unmarshal feedback")
		return
	}

	batch := s.eng.Adapter.OnFeedback(decoded, now)
	rate, haveRate := batch.AckedRate()
	for _, res := range batch.Results {
		s.eng.Cc.OnPacketFeedback(res, s.link.delay.Mul(2), rate, haveRate, now)
	}

	lossFraction := 0.0
	if len(decoded.Reports) > 0 {
		lost := 0
		for _, r := range decoded.Reports {
			if r.Status == transportcc.StatusNotReceived {
				lost++
			}
		}
		lossFraction = float64(lost) / float64(len(decoded.Reports))
	}
	lostDelta := int64(lossFraction * float64(len(decoded.Reports)))
	s.eng.Cc.OnLossReport(lostDelta, int64(len(decoded.Reports)), s.link.delay.Mul(2), now)
	s.eng.Cc.OnRTT(s.link.delay.Mul(2), now)
}

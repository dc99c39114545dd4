// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package interceptorcc wires the whole send-side pipeline (Pacer,
// GoogCcController, NackModule, transportcc Adapter) into a pion/interceptor
// Interceptor, the way diagomod/webrtc.go attaches diago's media pipeline to
// a pion/webrtc PeerConnection. The shape follows aalekseevx/vibe-bwe-test's
// cc.Interceptor (BindRTCPReader decoding transport-cc feedback,
// BindLocalStream observing outgoing RTP) and thesyncim/bwe's
// BWEInterceptor (mutex-guarded writer/stream state, startOnce-launched
// background loop, Close draining it), generalized here to actually defer
// the wire write to the Pacer's release schedule instead of writing
// synchronously.
package interceptorcc

import (
	"sync"
	"time"

	"github.com/emiago/mediabwe/clock"
	"github.com/emiago/mediabwe/googcc"
	"github.com/emiago/mediabwe/media"
	"github.com/emiago/mediabwe/nack"
	"github.com/emiago/mediabwe/packetfeedback"
	"github.com/emiago/mediabwe/pacer"
	"github.com/emiago/mediabwe/ratetypes"
	"github.com/emiago/mediabwe/transportcc"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// tickInterval is the GoogCcController/Pacer periodic processing cadence.
var tickInterval = 25 * time.Millisecond

// maxRTCPPacketsPerCompound bounds how many individual packets
// media.RTCPUnmarshal will split one compound RTCP datagram into.
const maxRTCPPacketsPerCompound = 32

// Engine combines the estimator/arbiter/pacer/NACK pipeline this
// interceptor drives. See mediabwe.Engine for the user-facing constructor;
// this type exists so the interceptor can be unit tested without a real
// pion/interceptor.Registry.
type Engine struct {
	log zerolog.Logger

	Clock   clock.Clock
	Cc      *googcc.Controller
	Pacer   *pacer.Pacer
	Nack    *nack.Module
	Adapter *transportcc.Adapter

	// OnReceiverReport, if set, is invoked for every RTCP reception report
	// block processRTCP decodes out of a compound packet (mediabwe.Engine
	// wires this to its own OnReceiverReport when it builds a
	// SendInterceptor via Interceptor()).
	OnReceiverReport func(rr rtcp.ReceptionReport, wallNow time.Time, now clock.Timestamp)

	// txMu guards txWire/txUnwrap: BindLocalStream's writer closures can be
	// invoked concurrently across SSRCs, and media.RTPExtendedSequenceNumber
	// (which txUnwrap wraps) is not itself safe for concurrent use.
	txMu     sync.Mutex
	txWire   uint16
	txUnwrap packetfeedback.Unwrapper
}

func NewEngine(clk clock.Clock, startRate ratetypes.DataRate) *Engine {
	return &Engine{
		log:     log.Logger.With().Str("component", "interceptorcc").Logger(),
		Clock:   clk,
		Cc:      googcc.New(googcc.DefaultConfig(), startRate),
		Pacer:   pacer.New(pacer.DefaultConfig(), clk),
		Nack:    nack.New(),
		Adapter: transportcc.NewAdapter(),
	}
}

// NewEngineFrom wraps already-built components, for callers (such as the
// root mediabwe.Engine) that configure googcc.Controller/pacer.Pacer
// themselves and only want the pion/interceptor adapter on top.
func NewEngineFrom(clk clock.Clock, cc *googcc.Controller, p *pacer.Pacer, n *nack.Module, adapter *transportcc.Adapter) *Engine {
	return &Engine{
		log:     log.Logger.With().Str("component", "interceptorcc").Logger(),
		Clock:   clk,
		Cc:      cc,
		Pacer:   p,
		Nack:    n,
		Adapter: adapter,
	}
}

// nextToken assigns this engine's next outgoing transport-wide sequence
// number (the 16-bit counter an interceptor mints per sent packet) and
// unwraps it through packetfeedback.Unwrapper into the 64-bit counter the
// rest of the pipeline (packetfeedback.Store, GoogCcController) tracks.
func (e *Engine) nextToken() uint64 {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.txWire++
	return e.txUnwrap.Unwrap(e.txWire)
}

// pendingWrite is one RTP packet accepted from the caller but not yet
// released by the Pacer.
type pendingWrite struct {
	ssrc    uint32
	header  *rtp.Header
	payload []byte
	attrs   interceptor.Attributes
}

// SendInterceptor observes outgoing RTP and enqueues each packet with the
// Pacer instead of writing it straight through, and watches incoming RTCP
// for transport-cc feedback to drive the estimators.
type SendInterceptor struct {
	interceptor.NoOp

	engine *Engine

	mu      sync.Mutex
	writers map[uint32]interceptor.RTPWriter
	pending map[uint64]pendingWrite

	closed    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

func NewSendInterceptor(engine *Engine) *SendInterceptor {
	return &SendInterceptor{
		engine:  engine,
		writers: make(map[uint32]interceptor.RTPWriter),
		pending: make(map[uint64]pendingWrite),
		closed:  make(chan struct{}),
	}
}

func (s *SendInterceptor) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.wg.Wait()
	return nil
}

// BindLocalStream wraps the writer so every outgoing packet is handed to
// the Pacer queue instead of leaving immediately; the periodic tick loop
// drains the queue and performs the real write against this same writer
// once the packet is released.
func (s *SendInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	s.mu.Lock()
	s.writers[info.SSRC] = writer
	s.mu.Unlock()

	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.tickLoop()
	})

	ssrc := info.SSRC
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		now := s.engine.Clock.Now()
		token := s.engine.nextToken()

		hdrCopy := *header
		bufCopy := make([]byte, len(payload))
		copy(bufCopy, payload)

		size := ratetypes.Bytes(int64(len(payload) + header.MarshalSize()))

		s.engine.Adapter.OnPacketSent(packetfeedback.SentPacket{
			SequenceNumber: token,
			SendTime:       now,
			Size:           size,
			SSRC:           ssrc,
			RTPSeq:         header.SequenceNumber,
		})

		s.mu.Lock()
		s.pending[token] = pendingWrite{ssrc: ssrc, header: &hdrCopy, payload: bufCopy, attrs: attrs}
		s.mu.Unlock()

		s.engine.Pacer.EnqueuePacket(pacer.Packet{
			SSRC:       ssrc,
			Size:       size,
			Priority:   pacer.PriorityVideo,
			EnqueuedAt: now,
			Token:      token,
		})
		return len(payload), nil
	})
}

// BindRTCPReader observes incoming RTCP and feeds transport-cc feedback
// packets (FMT=15, PT=205) into the Adapter and on into GoogCcController.
func (s *SendInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}
		s.processRTCP(b[:n])
		return n, a, err
	})
}

// processRTCP decodes a compound RTCP packet via media.RTCPUnmarshal (the
// same buffer-reuse-friendly dispatch media/rtp_session.go uses over raw
// rtcp.Unmarshal) and routes each packet: reception reports feed
// OnReceiverReport, and the raw transport-cc packet (FMT=15, PT=205,
// unrecognized by pion/rtcp and so decoded as *rtcp.RawPacket) feeds
// transportcc's own wire codec, grounded in ion-sfu's Responder.
func (s *SendInterceptor) processRTCP(raw []byte) {
	now := s.engine.Clock.Now()
	wallNow := time.Now()

	packets := make([]rtcp.Packet, maxRTCPPacketsPerCompound)
	n, err := media.RTCPUnmarshal(raw, packets)
	if err != nil {
		s.engine.log.Debug().Err(err).Msg("interceptorcc: malformed RTCP compound packet")
		return
	}

	for _, pkt := range packets[:n] {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			s.reportReceptions(p.Reports, wallNow, now)
		case *rtcp.SenderReport:
			s.reportReceptions(p.Reports, wallNow, now)
		case *rtcp.RawPacket:
			s.processTransportCC(*p, now)
		}
	}
}

func (s *SendInterceptor) reportReceptions(reports []rtcp.ReceptionReport, wallNow time.Time, now clock.Timestamp) {
	if s.engine.OnReceiverReport == nil {
		return
	}
	for _, rr := range reports {
		s.engine.OnReceiverReport(rr, wallNow, now)
	}
}

// processTransportCC decodes one raw RTCP packet as transportcc's
// transport-wide feedback format and folds the result into the estimators.
func (s *SendInterceptor) processTransportCC(raw rtcp.RawPacket, now clock.Timestamp) {
	var hdr rtcp.Header
	if err := hdr.Unmarshal(raw); err != nil {
		return
	}
	if hdr.Type != rtcp.TypeTransportSpecificFeedback || hdr.Count != rtcp.FormatTCC {
		return
	}

	fp, err := transportcc.Unmarshal(raw[4:])
	if err != nil {
		s.engine.log.Debug().Err(err).Msg("interceptorcc: malformed transport-cc packet")
		return
	}
	batch := s.engine.Adapter.OnFeedback(fp, now)
	rate, haveRate := batch.AckedRate()
	for _, res := range batch.Results {
		s.engine.Cc.OnPacketFeedback(res, clock.Zero(), rate, haveRate, now)
	}
}

func (s *SendInterceptor) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *SendInterceptor) tick() {
	now := s.engine.Clock.Now()
	out := s.engine.Cc.Tick(now)
	if out.TargetChanged {
		s.engine.Pacer.SetPacingRates(out.Pacer.MediaRate, out.Pacer.PaddingRate)
	}
	if out.HaveCongestionWindow {
		s.engine.Pacer.SetCongestionWindow(out.CongestionWindow, true)
	}

	s.engine.Pacer.Process(now, s.release)
}

// release performs the real wire write for a packet the Pacer has just
// admitted, looking up its buffered header/payload by token.
func (s *SendInterceptor) release(pkt pacer.Packet) ratetypes.DataSize {
	s.mu.Lock()
	pw, ok := s.pending[pkt.Token]
	if ok {
		delete(s.pending, pkt.Token)
	}
	writer := s.writers[pkt.SSRC]
	s.mu.Unlock()

	if !ok || writer == nil {
		return ratetypes.DataSize{}
	}

	n, err := writer.Write(pw.header, pw.payload, pw.attrs)
	if err != nil {
		s.engine.log.Debug().Err(err).Uint32("ssrc", pkt.SSRC).Msg("interceptorcc: write failed")
		return ratetypes.DataSize{}
	}
	return ratetypes.Bytes(int64(n + pw.header.MarshalSize()))
}

// Factory builds a SendInterceptor per PeerConnection, the role
// InterceptorFactory plays for pion's interceptor.Registry.
type Factory struct {
	newEngine func() *Engine
}

func NewFactory(newEngine func() *Engine) *Factory {
	return &Factory{newEngine: newEngine}
}

func (f *Factory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return NewSendInterceptor(f.newEngine()), nil
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package transportcc implements the RTCP transport-wide congestion
// control feedback packet (FMT=15, PT=205): a Generator that buffers
// received sequence numbers and periodically builds a feedback packet,
// and an Adapter that joins a sent SenderSSRC's feedback with the
// packetfeedback.Store to produce TransportPacketsFeedback batches for
// the estimators.
//
// Grounded in HMasataka/ion-sfu's pkg/twcc Responder (the run-length /
// status-vector chunk packing scheme) and
// original_source/modules/rtp_rtcp/source/rtcp_packet/transport_feedback.{h,cc}
// for the wire layout, using pion/rtcp's Header/RawPacket the way the
// ion-sfu Responder does rather than hand-rolling an RTCP header.
package transportcc

import (
	"encoding/binary"
	"errors"

	"github.com/pion/rtcp"
)

// deltaUnitUs is 250us, the TWCC delta quantization step.
const deltaUnitUs = 250

// refTimeUnitUs is 64ms, the TWCC reference-time granularity.
const refTimeUnitUs = 64_000

// Status is one packet's classification in a feedback report.
type Status uint8

const (
	StatusNotReceived Status = 0
	StatusSmallDelta  Status = 1
	StatusLargeDelta  Status = 2
)

// maxSmallDeltaUs is the largest delta (inclusive) encodable in one byte:
// 255 * 250us = 63.75ms.
const maxSmallDeltaUs = 255 * deltaUnitUs

// PacketReport is one entry describing a single transport-wide sequence
// number's fate, as built by the Generator, consumed by Marshal and
// produced by Unmarshal.
type PacketReport struct {
	Status  Status
	DeltaUs int64 // valid iff Status != StatusNotReceived
}

// FeedbackPacket is the decoded/pre-encoded form of one transport-cc RTCP
// packet.
type FeedbackPacket struct {
	SenderSSRC          uint32
	MediaSSRC           uint32
	BaseSequenceNumber   uint16
	ReferenceTimeUs      int64 // already expanded from the 24-bit/64ms wire field
	FeedbackPacketCount  uint8
	Reports              []PacketReport // one per sequence number, base..base+len-1
}

// encodeRunLength packs up to 8191 identical statuses.
func encodeRunLength(status Status, run int) uint16 {
	return uint16(status)<<13 | uint16(run)
}

// encodeOneBitVector packs up to 14 statuses, one bit each (0 = not
// received, 1 = small delta). Only valid when no status is StatusLargeDelta.
func encodeOneBitVector(statuses []Status) uint16 {
	v := uint16(1)<<15 | uint16(0)<<14 // T=1, S=0
	for i, s := range statuses {
		if s != StatusNotReceived {
			v |= 1 << (13 - i)
		}
	}
	return v
}

// encodeTwoBitVector packs up to 7 statuses, two bits each.
func encodeTwoBitVector(statuses []Status) uint16 {
	v := uint16(1)<<15 | uint16(1)<<14 // T=1, S=1
	for i, s := range statuses {
		v |= uint16(s) << (12 - 2*i)
	}
	return v
}

// Marshal encodes fp into the wire bytes of an RTCP transport-cc packet
// (FMT=15, PT=205): packet-status chunks first, then receive-delta bytes,
// padded to 4-byte alignment.
func (fp FeedbackPacket) Marshal() (rtcp.RawPacket, error) {
	if len(fp.Reports) == 0 {
		return nil, errors.New("transportcc: cannot marshal an empty report")
	}
	if len(fp.Reports) > 0xFFFF {
		return nil, errors.New("transportcc: too many reports for one packet")
	}

	payload := make([]byte, 16, 16+4*len(fp.Reports))
	binary.BigEndian.PutUint32(payload[0:], fp.SenderSSRC)
	binary.BigEndian.PutUint32(payload[4:], fp.MediaSSRC)
	binary.BigEndian.PutUint16(payload[8:], fp.BaseSequenceNumber)
	binary.BigEndian.PutUint16(payload[10:], uint16(len(fp.Reports)))

	refTime24 := uint32(fp.ReferenceTimeUs/refTimeUnitUs) & 0xFFFFFF
	binary.BigEndian.PutUint32(payload[12:], refTime24<<8|uint32(fp.FeedbackPacketCount))

	var deltas []byte
	i := 0
	for i < len(fp.Reports) {
		// Prefer a run-length chunk when the next 8 or more reports repeat
		// the same status (the point at which RLE beats a status-vector
		// chunk), or when the run reaches the last report; else fall back
		// to vector chunks.
		runEnd := i + 1
		for runEnd < len(fp.Reports) && fp.Reports[runEnd].Status == fp.Reports[i].Status {
			runEnd++
		}
		run := runEnd - i
		if run >= 8 || runEnd == len(fp.Reports) {
			if run > 0x1FFF {
				run = 0x1FFF
				runEnd = i + run
			}
			payload = binary.BigEndian.AppendUint16(payload, encodeRunLength(fp.Reports[i].Status, run))
			for j := i; j < runEnd; j++ {
				deltas = appendDelta(deltas, fp.Reports[j])
			}
			i = runEnd
			continue
		}

		hasLarge := false
		end := i + 14
		if end > len(fp.Reports) {
			end = len(fp.Reports)
		}
		for j := i; j < end && j < i+14; j++ {
			if fp.Reports[j].Status == StatusLargeDelta {
				hasLarge = true
				break
			}
		}
		if !hasLarge {
			chunkEnd := i + 14
			if chunkEnd > len(fp.Reports) {
				chunkEnd = len(fp.Reports)
			}
			statuses := statusesOf(fp.Reports[i:chunkEnd])
			payload = binary.BigEndian.AppendUint16(payload, encodeOneBitVector(statuses))
			for j := i; j < chunkEnd; j++ {
				deltas = appendDelta(deltas, fp.Reports[j])
			}
			i = chunkEnd
			continue
		}

		chunkEnd := i + 7
		if chunkEnd > len(fp.Reports) {
			chunkEnd = len(fp.Reports)
		}
		statuses := statusesOf(fp.Reports[i:chunkEnd])
		payload = binary.BigEndian.AppendUint16(payload, encodeTwoBitVector(statuses))
		for j := i; j < chunkEnd; j++ {
			deltas = appendDelta(deltas, fp.Reports[j])
		}
		i = chunkEnd
	}

	payload = append(payload, deltas...)

	totalLen := 4 + len(payload)
	pad := (4 - totalLen%4) % 4
	totalLen += pad

	hdr := rtcp.Header{
		Padding: pad > 0,
		Length:  uint16(totalLen/4 - 1),
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}

	out := make(rtcp.RawPacket, totalLen)
	copy(out, hb)
	copy(out[4:], payload)
	if pad > 0 {
		out[len(out)-1] = byte(pad)
	}
	return out, nil
}

func statusesOf(reports []PacketReport) []Status {
	out := make([]Status, len(reports))
	for i, r := range reports {
		out[i] = r.Status
	}
	return out
}

func appendDelta(deltas []byte, r PacketReport) []byte {
	switch r.Status {
	case StatusSmallDelta:
		return append(deltas, byte(r.DeltaUs/deltaUnitUs))
	case StatusLargeDelta:
		// Callers building reports through Generator.Build never hand us
		// a delta outside this range -- it splits into a new packet with
		// a fresh reference time first. This clamp is a last-resort
		// guard for a FeedbackPacket assembled by hand.
		q := r.DeltaUs / deltaUnitUs
		if q > 32767 {
			q = 32767
		}
		if q < -32768 {
			q = -32768
		}
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(q)))
		return append(deltas, b...)
	default:
		return deltas
	}
}

// Unmarshal decodes the payload of an RTCP transport-cc packet (the bytes
// after the 4-byte RTCP header) into a FeedbackPacket.
func Unmarshal(payload []byte) (FeedbackPacket, error) {
	if len(payload) < 16 {
		return FeedbackPacket{}, errors.New("transportcc: packet too short")
	}
	statusCount := binary.BigEndian.Uint16(payload[10:])
	if statusCount == 0 {
		return FeedbackPacket{}, errors.New("transportcc: empty feedback packets not allowed")
	}
	fp := FeedbackPacket{
		SenderSSRC:         binary.BigEndian.Uint32(payload[0:]),
		MediaSSRC:          binary.BigEndian.Uint32(payload[4:]),
		BaseSequenceNumber: binary.BigEndian.Uint16(payload[8:]),
	}
	refAndCount := binary.BigEndian.Uint32(payload[12:])
	// The reference time is a signed 24-bit field occupying the top three
	// bytes; shift it to the top of an int32 and arithmetic-shift back
	// down to sign-extend, mirroring
	// original_source's ByteReader<int32_t, 3> reader.
	refBits := refAndCount >> 8
	refSigned := int32(refBits<<8) >> 8
	fp.ReferenceTimeUs = int64(refSigned) * refTimeUnitUs
	fp.FeedbackPacketCount = uint8(refAndCount)

	off := 16
	var statuses []Status
	for len(statuses) < int(statusCount) && off+2 <= len(payload) {
		chunk := binary.BigEndian.Uint16(payload[off:])
		off += 2
		if chunk&0x8000 == 0 {
			// run-length chunk: T=0
			status := Status((chunk >> 13) & 0x3)
			run := int(chunk & 0x1FFF)
			for i := 0; i < run; i++ {
				statuses = append(statuses, status)
			}
			continue
		}
		if chunk&0x4000 == 0 {
			// one-bit vector: S=0
			for i := 0; i < 14; i++ {
				bit := (chunk >> (13 - i)) & 0x1
				if bit == 1 {
					statuses = append(statuses, StatusSmallDelta)
				} else {
					statuses = append(statuses, StatusNotReceived)
				}
			}
			continue
		}
		// two-bit vector: S=1
		for i := 0; i < 7; i++ {
			s := Status((chunk >> (12 - 2*i)) & 0x3)
			statuses = append(statuses, s)
		}
	}
	if len(statuses) > int(statusCount) {
		statuses = statuses[:statusCount]
	}

	fp.Reports = make([]PacketReport, len(statuses))
	for i, s := range statuses {
		fp.Reports[i].Status = s
		switch s {
		case StatusSmallDelta:
			if off >= len(payload) {
				return fp, errors.New("transportcc: truncated small delta")
			}
			fp.Reports[i].DeltaUs = int64(payload[off]) * deltaUnitUs
			off++
		case StatusLargeDelta:
			if off+2 > len(payload) {
				return fp, errors.New("transportcc: truncated large delta")
			}
			fp.Reports[i].DeltaUs = int64(int16(binary.BigEndian.Uint16(payload[off:]))) * deltaUnitUs
			off += 2
		}
	}
	return fp, nil
}

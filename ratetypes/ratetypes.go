// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package ratetypes holds the DataRate and DataSize value types shared by
// every estimator and the pacer, plus the Rate * Duration = Size
// arithmetic they all build on.
package ratetypes

import (
	"fmt"

	"github.com/emiago/mediabwe/clock"
)

// DataRate is a bitrate, in bits per second.
type DataRate struct {
	bps int64
}

// DataSize is a payload size, in bytes.
type DataSize struct {
	bytes int64
}

func BitsPerSec(bps int64) DataRate  { return DataRate{bps: bps} }
func KilobitsPerSec(kbps int64) DataRate { return DataRate{bps: kbps * 1000} }

func Bytes(n int64) DataSize { return DataSize{bytes: n} }

func (r DataRate) BitsPerSecond() int64  { return r.bps }
func (r DataRate) BytesPerSecond() int64 { return r.bps / 8 }

func (s DataSize) Bytes() int64 { return s.bytes }
func (s DataSize) Bits() int64  { return s.bytes * 8 }

func (r DataRate) Add(o DataRate) DataRate { return DataRate{bps: r.bps + o.bps} }
func (r DataRate) Sub(o DataRate) DataRate { return DataRate{bps: r.bps - o.bps} }
func (r DataRate) Mul(f float64) DataRate  { return DataRate{bps: int64(float64(r.bps) * f)} }

func (r DataRate) Equal(o DataRate) bool   { return r.bps == o.bps }
func (r DataRate) Less(o DataRate) bool    { return r.bps < o.bps }
func (r DataRate) Greater(o DataRate) bool { return r.bps > o.bps }
func (r DataRate) GreaterOrEqual(o DataRate) bool { return r.bps >= o.bps }
func (r DataRate) LessOrEqual(o DataRate) bool    { return r.bps <= o.bps }
func (r DataRate) IsZero() bool            { return r.bps == 0 }

// Clamp restricts r to [lo, hi].
func (r DataRate) Clamp(lo, hi DataRate) DataRate {
	if r.Less(lo) {
		return lo
	}
	if r.Greater(hi) {
		return hi
	}
	return r
}

func Min(a, b DataRate) DataRate {
	if a.Less(b) {
		return a
	}
	return b
}

func Max(a, b DataRate) DataRate {
	if a.Greater(b) {
		return a
	}
	return b
}

func (s DataSize) Add(o DataSize) DataSize { return DataSize{bytes: s.bytes + o.bytes} }
func (s DataSize) Sub(o DataSize) DataSize { return DataSize{bytes: s.bytes - o.bytes} }

func (s DataSize) Less(o DataSize) bool           { return s.bytes < o.bytes }
func (s DataSize) Greater(o DataSize) bool        { return s.bytes > o.bytes }
func (s DataSize) GreaterOrEqual(o DataSize) bool { return s.bytes >= o.bytes }

func (s DataSize) Clamp(lo, hi DataSize) DataSize {
	if s.Less(lo) {
		return lo
	}
	if s.Greater(hi) {
		return hi
	}
	return s
}

// RateOverInterval computes the rate implied by transferring size over dt.
// Returns a zero rate if dt is zero or negative.
func RateOverInterval(size DataSize, dt clock.TimeDelta) DataRate {
	if dt.Micros() <= 0 {
		return DataRate{}
	}
	return DataRate{bps: int64(float64(size.Bits()) / dt.Seconds())}
}

// SizeOverInterval is the Rate * Duration = Size law from §3.
func SizeOverInterval(rate DataRate, dt clock.TimeDelta) DataSize {
	if dt.Micros() <= 0 {
		return DataSize{}
	}
	return DataSize{bytes: int64(float64(rate.bps) * dt.Seconds() / 8)}
}

func (r DataRate) String() string {
	switch {
	case r.bps >= 1_000_000:
		return fmt.Sprintf("%.2fMbps", float64(r.bps)/1_000_000)
	case r.bps >= 1000:
		return fmt.Sprintf("%.1fkbps", float64(r.bps)/1000)
	default:
		return fmt.Sprintf("%dbps", r.bps)
	}
}

func (s DataSize) String() string {
	return fmt.Sprintf("%dB", s.bytes)
}

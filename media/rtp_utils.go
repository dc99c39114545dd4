// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"time"
)

var ntpEpochOffset int64 = 2208988800

func GetCurrentNTPTimestamp() uint64 {
	now := time.Now()
	return NTPTimestamp(now)
}

func NTPTimestamp(t time.Time) uint64 {
	// Number of seconds since NTP epoch
	seconds := t.Unix() + ntpEpochOffset

	// Fractional part
	nanos := t.Nanosecond()
	frac := (float64(nanos) / 1e9) * (1 << 32)

	// NTP timestamp is 32bit second | 32 bit fractional
	ntpTimestamp := (uint64(seconds) << 32) | uint64(frac)

	return ntpTimestamp
}

func NTPToTime(ntpTimestamp uint64) time.Time {
	// NTP timestamp is 32bit second | 32 bit fractional
	seconds := int64(ntpTimestamp >> 32)                         // Upper 32 bits
	frac := float64(ntpTimestamp&0x00000000FFFFFFFF) / (1 << 32) // Lower 32 bits

	// Convert NTP seconds to Unix seconds
	unixSeconds := seconds - ntpEpochOffset
	nsec := int64(frac * 1e9)

	// Create a time.Time object
	return time.Unix(unixSeconds, nsec)
}


package bfd

import (
	"math/rand/v2"
	"time"
)

// This file implements the timer engine: jitter for the
// control-transmit timer (RFC 5880 Section 6.8.7) and the arm/cancel
// primitives shared by the four logical per-session timers (control-xmit,
// control-detect, echo-xmit, echo-detect). Each timer fires once per
// arming; handlers re-arm explicitly.

const (
	// jitterMaxNormal is the maximum jitter reduction percentage applied
	// when detect_mult != 1 (RFC 5880 Section 6.8.7: reduce by 0-25%,
	// yielding an armed interval of 75-100% of nominal).
	jitterMaxNormal = 26

	// jitterMaxDetectMultOne is the maximum jitter reduction percentage
	// applied when detect_mult == 1 (RFC 5880 Section 6.8.7: reduce by
	// 10-25%, yielding an armed interval of 75-90% of nominal, to avoid
	// two consecutive packets both landing near the detection boundary).
	jitterMaxDetectMultOne = 16

	// jitterFloorDetectMultOne is the minimum jitter reduction percentage
	// when detect_mult == 1.
	jitterFloorDetectMultOne = 10
)

// ApplyJitter applies RFC 5880 Section 6.8.7 jitter to a nominal transmit
// interval: the armed interval is nominal * (75 + rand() mod max_jitter) /
// 100, where max_jitter is 16 when detect_mult is 1 (75-90% of nominal)
// and 26 otherwise (75-100% of nominal). Jitter is recomputed independently
// on every arming; it is not cryptographically sensitive, so math/rand/v2
// is used rather than crypto/rand to keep the hot path allocation-free.
func ApplyJitter(interval time.Duration, detectMult uint8) time.Duration {
	if interval <= 0 {
		return interval
	}

	var reductionPct int
	if detectMult == 1 {
		reductionPct = jitterFloorDetectMultOne + rand.IntN(jitterMaxDetectMultOne) //nolint:gosec // G404: non-security jitter
	} else {
		reductionPct = rand.IntN(jitterMaxNormal) //nolint:gosec // G404: non-security jitter
	}

	reduction := time.Duration(int64(interval) * int64(reductionPct) / 100)
	return interval - reduction
}

// drainTimer non-blockingly drains a fired-but-unconsumed timer channel so
// that Reset after Stop returning false does not race a pending send.
func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// rearm stops t (draining it if necessary) and resets it to fire after d.
// Cancellation and re-arming are idempotent: calling rearm repeatedly with
// the timer already stopped is safe.
func rearm(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// stopTimer stops t, draining a pending fire if Stop returns false, leaving
// the timer idle with nothing pending on its channel.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		drainTimer(t)
	}
}

// durationFromMicroseconds converts a BFD wire-format microsecond value to
// time.Duration (RFC 5880: all interval fields are microseconds).
func durationFromMicroseconds(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// microsecondsFromDuration converts a time.Duration to BFD wire-format
// microseconds (uint32), truncating rather than rounding.
func microsecondsFromDuration(d time.Duration) uint32 {
	return uint32(d / time.Microsecond) //nolint:gosec // G115: intentional truncation for BFD wire format
}

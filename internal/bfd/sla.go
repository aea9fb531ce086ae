package bfd

import "time"

// pktsToConsiderForPktLoss is the packet-loss sampling window: a loss
// percentage is recomputed every this-many transmitted packets.
const pktsToConsiderForPktLoss = 100

// slaAccumulator folds per-packet latency observations into rolling
// latency, jitter, and loss figures, reported once per detect-multiplier
// window.
//
// latSum/jitSum are int64 microseconds (not milliseconds) to keep the
// running sums exact over long sessions, converting to milliseconds only
// when a report is emitted. A detect multiplier of 1 produces no jitter
// sample for the window rather than dividing by zero.
type slaAccumulator struct {
	latSumUS  int64
	jitSumUS  int64
	lastLatUS int64
	haveLast  bool

	rxTotal         uint64
	txTotal         uint64
	priorLostSample int64
}

// sample folds one received-packet latency observation into the running
// sums and reports a rolled-up SLAReport when the sampling window closes.
//
// now is the receive timestamp; lastXmit is the local last-transmit
// timestamp the elapsed time is measured against. rxCount is the
// combined control+echo receive count after this packet is counted;
// detectMult is the session's local detect multiplier.
func (a *slaAccumulator) sample(now, lastXmit time.Time, rxCount uint64, txCount uint64, detectMult uint8) (SLAReport, bool) {
	if lastXmit.IsZero() {
		return SLAReport{}, false
	}

	elapsedUS := now.Sub(lastXmit).Microseconds()
	a.latSumUS += elapsedUS
	if a.haveLast {
		diff := elapsedUS - a.lastLatUS
		if diff < 0 {
			diff = -diff
		}
		a.jitSumUS += diff
	}
	a.lastLatUS = elapsedUS
	a.haveLast = true

	a.rxTotal = rxCount
	a.txTotal = txCount

	if detectMult == 0 || rxCount%uint64(detectMult) != 0 {
		return SLAReport{}, false
	}

	report := SLAReport{
		LatencyMS: float64(a.latSumUS) / float64(detectMult) / 1000.0,
	}
	if detectMult > 1 {
		report.JitterMS = float64(a.jitSumUS) / float64(detectMult-1) / 1000.0
	}

	if a.txTotal != 0 && a.txTotal%pktsToConsiderForPktLoss == 0 {
		lost := int64(a.txTotal-a.rxTotal) - a.priorLostSample
		if lost < 0 {
			lost = 0
		}
		report.LossPercent = float64(lost) / float64(pktsToConsiderForPktLoss) * 100.0
		report.HasLoss = true
		a.priorLostSample = int64(a.txTotal - a.rxTotal)
	}

	a.latSumUS = 0
	a.jitSumUS = 0
	a.haveLast = false

	return report, true
}

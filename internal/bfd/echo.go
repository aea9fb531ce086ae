// Integrated BFD echo function — RFC 5880 Section 6.4.
//
// Unlike RFC 9747's standalone echo (a session the remote never knows
// is BFD), the integrated echo function only ever runs alongside an
// already-Up control session: the local system loops packets through
// the remote's forwarding plane and back, using the returned packets
// as an additional liveness signal so the control-packet interval can
// be relaxed. Echo is never used to bring a session up by itself and
// never applies to multi-hop sessions (RFC 5883 Section 5 forbids it).

package bfd

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"
)

// negotiatedEchoInterval returns the echo transmit interval:
// max(local required min echo, remote required min echo), per RFC 5880
// Section 6.8.9's pacing of echo packets to the remote's advertised rate.
func (s *Session) negotiatedEchoInterval() time.Duration {
	return max(s.requiredMinEcho, s.remoteRequiredMinEcho)
}

// echoEligible reports whether every activation condition holds: state
// Up, echo requested, single-hop, both sides advertising a nonzero
// Required Min Echo RX Interval.
func (s *Session) echoEligible() bool {
	return s.State() == StateUp &&
		!s.multiHop &&
		s.echoRequested.Load() &&
		s.requiredMinEcho > 0 &&
		s.remoteRequiredMinEcho > 0
}

// maybeActivateEcho starts the echo function the instant all activation
// conditions hold and it is not already active. Once active, detection
// switches to the echo timeout instead of the control timeout
// (RFC 5880 Section 6.8.5).
func (s *Session) maybeActivateEcho(t *sessionTimers) {
	if s.echoActive.Load() || !s.echoEligible() {
		return
	}
	s.echoActive.Store(true)
	interval := s.negotiatedEchoInterval()
	rearm(t.echoTx, ApplyJitter(interval, s.detectMult))
	rearm(t.echoDetect, s.calcDetectionTime())
	s.rebuildCachedPacket()
	s.logger.Debug("echo function activated", slog.Duration("echo_interval", interval))
}

// maybeDeactivateEcho stops the echo function: on leaving Up, on a
// configuration change removing echo, or on echo detection timeout. It
// is always safe to call even if echo is not active.
func (s *Session) maybeDeactivateEcho(t *sessionTimers) {
	if !s.echoActive.Load() {
		return
	}
	s.echoActive.Store(false)
	t.echoTx.Stop()
	drainTimer(t.echoTx)
	t.echoDetect.Stop()
	drainTimer(t.echoDetect)
	s.rebuildCachedPacket()
	s.logger.Debug("echo function deactivated")
}

// handleEchoTxTimer sends the next echo packet and re-arms the echo
// transmit timer. Echo packets loop through the peer's forwarding path
// and return to RecvEcho via the socket layer demuxing on
// MyDiscriminator, so the payload only needs to carry this session's
// local discriminator and an incrementing sequence number.
func (s *Session) handleEchoTxTimer(ctx context.Context, t *sessionTimers) {
	if !s.echoActive.Load() {
		return
	}
	s.sendEcho(ctx)
	rearm(t.echoTx, ApplyJitter(s.negotiatedEchoInterval(), s.detectMult))
}

func (s *Session) sendEcho(ctx context.Context) {
	if s.echoSender == nil {
		return
	}
	s.echoSeqOut++
	buf := encodeEchoPayload(s.localDiscr, s.echoSeqOut)
	if err := s.echoSender.SendPacket(ctx, buf, s.peerAddr); err != nil {
		s.logger.Warn("failed to send echo packet", slog.String("error", err.Error()))
		return
	}
	s.echoSent.Add(1)
	s.metrics.IncPacketsSent(s.peerAddr, s.localAddr)
}

// handleEchoRecv processes a returned echo packet and re-arms the echo
// detect timer (RFC 5880 Section 6.8.4 applies identically to echo
// packets while echo is active). seq is accepted but not currently
// validated against the outbound sequence since BFD echo has no replay
// protection by design (Non-goal: authentication).
func (s *Session) handleEchoRecv(seq uint64, t *sessionTimers) {
	_ = seq
	if !s.echoActive.Load() {
		return
	}
	s.echoReceived.Add(1)
	s.metrics.IncPacketsReceived(s.peerAddr, s.localAddr)
	rearm(t.echoDetect, s.calcDetectionTime())
}

// handleEchoDetectTimer deactivates the echo function and drives the
// session Down with diag Control Detection Time Expired, matching RFC
// 5880 Section 6.8.5's treatment of lost echo packets.
func (s *Session) handleEchoDetectTimer(ctx context.Context, t *sessionTimers) {
	if !s.echoActive.Load() {
		return
	}
	s.logger.Warn("echo detection time expired")
	s.maybeDeactivateEcho(t)
	s.applyFSMEvent(ctx, EventTimerExpired, t)
}

// encodeEchoPayload builds the minimal echo packet payload: this
// session's local discriminator followed by a monotonically increasing
// sequence number, both big-endian. The remote never parses this; it is
// only meaningful to the originating system on return.
func encodeEchoPayload(localDiscr uint32, seq uint64) []byte {
	buf := make([]byte, echoPayloadLen)
	binary.BigEndian.PutUint32(buf[0:4], localDiscr)
	binary.BigEndian.PutUint64(buf[4:12], seq)
	return buf
}

// echoPayloadLen is the fixed size of the echo payload: a 4-byte local
// discriminator followed by an 8-byte sequence number.
const echoPayloadLen = 12

// decodeEchoPayload extracts the originating local discriminator and
// sequence number from a returned echo packet. Manager.DemuxEcho uses the
// discriminator to route the packet back to the owning Session.
func decodeEchoPayload(buf []byte) (discr uint32, seq uint64, ok bool) {
	if len(buf) < echoPayloadLen {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint64(buf[4:12]), true
}

package bfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Session Role — RFC 5880 Section 6.1
// -------------------------------------------------------------------------

// SessionRole determines the initial packet transmission behavior.
type SessionRole uint8

const (
	// RoleActive indicates the system MUST begin sending BFD Control
	// packets regardless of whether any packets have been received
	// (RFC 5880 Section 6.1).
	RoleActive SessionRole = iota + 1

	// RolePassive indicates the system MUST NOT send BFD Control packets
	// until a packet has been received from the remote system
	// (RFC 5880 Section 6.8.7).
	RolePassive
)

// String returns the human-readable name for the session role.
func (sr SessionRole) String() string {
	switch sr {
	case RoleActive:
		return "Active"
	case RolePassive:
		return "Passive"
	default:
		return unknownStr
	}
}

// PollState is the explicit Poll Sequence sub-state. Modeling the
// sequence as {Idle, PollingSent, FinalReceived} instead of shadow
// boolean/duration fields keeps the P/F exchange observable in tests.
type PollState uint8

const (
	// PollIdle means no Poll Sequence is in progress.
	PollIdle PollState = iota

	// PollSent means this session sent a Poll (P=1) and is waiting for
	// the peer's Final (F=1).
	PollSent

	// PollFinalReceived is a transient marker set the instant a Final is
	// observed, before pending parameters are committed and the state
	// returns to Idle.
	PollFinalReceived
)

// String returns the human-readable name of the Poll Sequence sub-state.
func (p PollState) String() string {
	switch p {
	case PollIdle:
		return "Idle"
	case PollSent:
		return "PollingSent"
	case PollFinalReceived:
		return "FinalReceived"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Session Configuration & Notification
// -------------------------------------------------------------------------

// SessionConfig contains the parameters needed to create a new BFD
// session: the peer key, timer values, flags, and the optional
// discriminator and label.
type SessionConfig struct {
	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// LocalAddr is the local system's IP address used for BFD packets.
	LocalAddr netip.Addr

	// Interface is the local interface name (single-hop keying). Empty is
	// valid; the registry treats the interface as optional matching.
	Interface string

	// VRF is the VRF name used for multi-hop keying. Ignored for
	// single-hop sessions.
	VRF string

	// MultiHop selects the multi-hop key (RFC 5883) instead of the
	// single-hop key (RFC 5881). Exactly one applies per session.
	MultiHop bool

	// Role determines whether the session actively initiates or waits
	// passively.
	Role SessionRole

	// Label is an optional human-readable, unique name for the session.
	// A collision at create time fails softly: the session is created
	// without a label.
	Label string

	// Discriminator, if nonzero, is a caller-supplied local discriminator
	// to use instead of allocating one. A collision is a hard
	// RegistryConflict error.
	Discriminator uint32

	// DesiredMinTxInterval is bfd.DesiredMinTxInterval once Up. Before
	// Up, RFC 5880 Section 6.8.3 slow-start (>= 1s) always applies
	// regardless of this value.
	DesiredMinTxInterval time.Duration

	// RequiredMinRxInterval is bfd.RequiredMinRxInterval.
	RequiredMinRxInterval time.Duration

	// RequiredMinEchoRxInterval is the locally advertised minimum echo RX
	// interval. Zero means echo is not supported locally.
	RequiredMinEchoRxInterval time.Duration

	// DetectMultiplier is the detection time multiplier (1-255).
	DetectMultiplier uint8

	// EchoRequested enables the integrated echo function once the
	// session reaches Up, subject to the single-hop-only and
	// remote-support conditions (RFC 5880 Section 6.8.9).
	EchoRequested bool

	// TrackSLA enables latency/jitter/loss telemetry for the session.
	TrackSLA bool

	// AdminShutdown creates the session directly in AdminDown instead of
	// Down.
	AdminShutdown bool

	// CreateOnly, when true, makes Create (and Reconcile's create path)
	// fail with ErrCreateOnlyExists if the session key is already taken,
	// instead of updating the existing session's parameters.
	CreateOnly bool
}

// StateChange is emitted when a session FSM transitions between states.
type StateChange struct {
	LocalDiscr uint32
	PeerAddr   netip.Addr
	OldState   State
	NewState   State
	Diag       Diag
	Timestamp  time.Time
}

// PacketSender abstracts sending BFD packets over the network. This
// interface enables testing without real network I/O and decouples the
// protocol core from the socket layer.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error
}

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. If mr is nil the
// default no-op reporter is used.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithEchoSender attaches the transport used for echo packets (RFC 5880
// Section 6.4, destination UDP port 3785). Echo is only ever started for
// single-hop sessions, so multi-hop sessions do not need this option.
func WithEchoSender(sender PacketSender) SessionOption {
	return func(s *Session) {
		s.echoSender = sender
	}
}

// WithSLACallback registers the channel-style callback invoked every time
// the SLA accumulator closes a reporting window.
func WithSLACallback(cb SLACallback) SessionOption {
	return func(s *Session) {
		s.slaCallback = cb
	}
}

// Sentinel errors for Session configuration validation.
var (
	ErrInvalidDetectMult    = errors.New("detect multiplier must be >= 1")
	ErrInvalidTxInterval    = errors.New("desired min TX interval must be > 0")
	ErrInvalidSessionRole   = errors.New("invalid session role")
	ErrInvalidDiscriminator = errors.New("local discriminator must be nonzero")
	ErrMissingPeerAddr      = errors.New("peer address is required")
)

const (
	// slowTxInterval is the mandatory pre-Up transmit rate (RFC 5880
	// Section 6.8.3: "MUST set bfd.DesiredMinTxInterval to a value of
	// not less than one second").
	slowTxInterval = 1 * time.Second

	// recvChSize is the buffer size for the receive channel.
	recvChSize = 16

	// adminChSize is the buffer size for the administrative state-change
	// channel. Admin transitions are rare and not latency sensitive, but a
	// buffer of more than one guards against dropping a request when a
	// down and a subsequent up arrive before the run loop drains the first.
	adminChSize = 4

	// initialRemoteMinRx is bfd.RemoteMinRxInterval's mandatory initial
	// value (RFC 5880 Section 6.8.1: "MUST be initialized to 1").
	initialRemoteMinRx = 1 * time.Microsecond
)

// -------------------------------------------------------------------------
// Session — protocol state machine and per-session lifecycle
// -------------------------------------------------------------------------

// Session implements a single BFD session: the protocol state machine,
// its create-time defaults, update-time reconfigure hooks, and SLA
// accumulation.
//
// All mutable protocol state is owned by the goroutine started by Run.
// External readers use atomic loads (State, RemoteState, LocalDiag,
// counters) or Snapshot, which is safe to call from any goroutine.
// Incoming packets are delivered via RecvPacket through a buffered
// channel, so all events for a session are serialized onto its one
// goroutine and no lock is needed for state transitions.
type Session struct {
	// --- identity ---
	localDiscr  uint32
	remoteDiscr uint32
	label       string

	// generation is stamped by Manager at creation. Sessions are not
	// pooled, so the value never changes for a live session; a timer
	// callback captured before a delete compares it through Manager to
	// detect that it raced a teardown.
	generation uint64

	// --- keying ---
	peerAddr  netip.Addr
	localAddr netip.Addr
	ifName    string
	vrf       string
	multiHop  bool
	role      SessionRole

	// --- protocol state ---
	state       atomic.Uint32
	remoteState atomic.Uint32
	localDiag   atomic.Uint32
	remoteDiag  atomic.Uint32

	// --- negotiated timers, in time.Duration internally, microseconds
	// on the wire (RFC 5880 Section 4.1) ---
	desiredMinTxInterval       time.Duration // up_min_tx
	requiredMinRxInterval      time.Duration
	requiredMinEcho            time.Duration
	remoteMinRxInterval        time.Duration // remote.required_min_rx
	remoteDesiredMinTxInterval time.Duration
	remoteRequiredMinEcho      time.Duration
	remoteDetectMult           uint8
	detectMult                 uint8
	remoteDemandMode           bool

	// --- Poll Sequence (RFC 5880 Section 6.5) ---
	pollState            PollState
	pendingDesiredMinTx  time.Duration
	pendingRequiredMinRx time.Duration
	pendingFinal         bool

	// --- flags ---
	adminShutdown atomic.Bool
	echoRequested atomic.Bool
	echoActive    atomic.Bool
	trackSLA      atomic.Bool

	// --- echo function state (RFC 5880 Section 6.4) ---
	echoSeqOut uint64

	// --- statistics ---
	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	echoSent         atomic.Uint64
	echoReceived     atomic.Uint64
	stateTransitions atomic.Uint64
	upTimeNS         atomic.Int64
	downTimeNS       atomic.Int64
	lastXmitNS       atomic.Int64
	lastPacketRecvNS atomic.Int64

	// --- SLA accumulator ---
	sla slaAccumulator

	// --- reference counting, gates Delete ---
	refCount atomic.Int32

	// --- cached packet (FRR bfdd pattern) ---
	cachedPacket []byte

	// --- runtime collaborators ---
	sender      PacketSender
	echoSender  PacketSender
	metrics     MetricsReporter
	logger      *slog.Logger
	recvCh      chan recvItem
	echoRecvCh  chan uint64
	adminCh     chan bool
	notifyCh    chan<- StateChange
	slaCallback SLACallback

	// liveCheck is installed by Manager: it reports whether this
	// (discriminator, generation) pair is still registered. Timer events
	// consult it before acting, so a fire that races a delete is dropped
	// instead of touching a dead session. Nil (sessions built without a
	// Manager) means always live.
	liveCheck func(discr uint32, generation uint64) bool
}

// recvItem carries a received BFD Control packet to the session goroutine.
type recvItem struct {
	pkt *ControlPacket
}

// -------------------------------------------------------------------------
// Constructor
// -------------------------------------------------------------------------

// NewSession creates a new BFD session. The session goroutine is not
// started until Run is called.
//
// localDiscr must already be unique (allocated by DiscriminatorAllocator
// or accepted from caller-supplied config and checked by the registry).
// sender is required; echo is started lazily through WithEchoSender.
// notifyCh may be nil.
func NewSession(
	cfg SessionConfig,
	localDiscr uint32,
	sender PacketSender,
	notifyCh chan<- StateChange,
	logger *slog.Logger,
	opts ...SessionOption,
) (*Session, error) {
	if err := validateSessionConfig(cfg, localDiscr); err != nil {
		return nil, err
	}

	s := &Session{
		localDiscr:            localDiscr,
		label:                 cfg.Label,
		peerAddr:              cfg.PeerAddr,
		localAddr:             cfg.LocalAddr,
		ifName:                cfg.Interface,
		vrf:                   cfg.VRF,
		multiHop:              cfg.MultiHop,
		role:                  cfg.Role,
		desiredMinTxInterval:  cfg.DesiredMinTxInterval,
		requiredMinRxInterval: cfg.RequiredMinRxInterval,
		requiredMinEcho:       cfg.RequiredMinEchoRxInterval,
		remoteMinRxInterval:   initialRemoteMinRx,
		detectMult:            cfg.DetectMultiplier,
		sender:                sender,
		metrics:               noopMetrics{},
		notifyCh:              notifyCh,
		recvCh:                make(chan recvItem, recvChSize),
		echoRecvCh:            make(chan uint64, recvChSize),
		adminCh:               make(chan bool, adminChSize),
		cachedPacket:          make([]byte, MaxPacketSize),
		logger: logger.With(
			slog.String("peer", cfg.PeerAddr.String()),
			slog.Uint64("local_discr", uint64(localDiscr)),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	// RFC 5880 Section 6.8.1: mandatory initial values.
	initState := StateDown
	if cfg.AdminShutdown {
		initState = StateAdminDown
	}
	s.state.Store(uint32(initState))
	s.remoteState.Store(uint32(StateDown))
	s.localDiag.Store(uint32(DiagNone))
	s.adminShutdown.Store(cfg.AdminShutdown)
	s.echoRequested.Store(cfg.EchoRequested)
	s.trackSLA.Store(cfg.TrackSLA)
	if cfg.AdminShutdown {
		s.localDiag.Store(uint32(DiagAdminDown))
	}

	s.rebuildCachedPacket()

	return s, nil
}

func validateSessionConfig(cfg SessionConfig, localDiscr uint32) error {
	if !cfg.PeerAddr.IsValid() {
		return newCoreError(KindConfigInvalid, ErrMissingPeerAddr)
	}
	if cfg.DetectMultiplier < 1 {
		return newCoreError(KindConfigInvalid,
			fmt.Errorf("detect multiplier %d: %w", cfg.DetectMultiplier, ErrInvalidDetectMult))
	}
	if cfg.DesiredMinTxInterval <= 0 {
		return newCoreError(KindConfigInvalid,
			fmt.Errorf("desired min TX interval %v: %w", cfg.DesiredMinTxInterval, ErrInvalidTxInterval))
	}
	if cfg.Role != RoleActive && cfg.Role != RolePassive {
		return newCoreError(KindConfigInvalid,
			fmt.Errorf("session role %d: %w", cfg.Role, ErrInvalidSessionRole))
	}
	if localDiscr == 0 {
		return newCoreError(KindConfigInvalid, ErrInvalidDiscriminator)
	}
	return nil
}

// -------------------------------------------------------------------------
// Public Accessors
// -------------------------------------------------------------------------

func (s *Session) LocalDiscriminator() uint32   { return s.localDiscr }
func (s *Session) RemoteDiscriminator() uint32  { return s.remoteDiscr }
func (s *Session) Label() string                { return s.label }
func (s *Session) PeerAddr() netip.Addr         { return s.peerAddr }
func (s *Session) LocalAddr() netip.Addr        { return s.localAddr }
func (s *Session) Interface() string            { return s.ifName }
func (s *Session) VRF() string                  { return s.vrf }
func (s *Session) MultiHop() bool               { return s.multiHop }
func (s *Session) Generation() uint64           { return s.generation }
func (s *Session) EchoActive() bool             { return s.echoActive.Load() }
func (s *Session) TrackSLA() bool               { return s.trackSLA.Load() }

// PollState returns the current Poll Sequence sub-state. Only meaningful
// to call from the session's own goroutine or, in tests, under
// testing/synctest where the session goroutine is guaranteed parked.
func (s *Session) PollState() PollState { return s.pollState }

// State returns the current session state (atomic read).
func (s *Session) State() State {
	return State(s.state.Load()) //nolint:gosec // G115: State is 0-3
}

// RemoteState returns the last reported remote session state.
func (s *Session) RemoteState() State {
	return State(s.remoteState.Load()) //nolint:gosec // G115
}

// LocalDiag returns the current local diagnostic code.
func (s *Session) LocalDiag() Diag {
	return Diag(s.localDiag.Load()) //nolint:gosec // G115
}

// setGeneration is called once by Manager immediately after construction.
func (s *Session) setGeneration(g uint64) { s.generation = g }

// timerStillLive reports whether a dequeued timer event may be acted on.
// The run loop's select has no priority between ctx.Done() and the timer
// channels, so a timer fire concurrent with a delete can still be
// dequeued after the session was cancelled and its transports closed;
// such an event must be ignored, not executed.
func (s *Session) timerStillLive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.liveCheck != nil && !s.liveCheck(s.localDiscr, s.generation) {
		return false
	}
	return true
}

// AddRef increments the external-reference count. Delete is permitted
// only when the count is zero.
func (s *Session) AddRef() { s.refCount.Add(1) }

// Release decrements the external-reference count. Releasing below zero
// is a KindInternal condition and is clamped back to zero.
func (s *Session) Release() {
	if s.refCount.Add(-1) < 0 {
		s.refCount.Store(0)
	}
}

// refcount returns the current external-reference count.
func (s *Session) refcount() int32 { return s.refCount.Load() }

// closeTransports closes the control and echo senders if they own a
// socket. Each socket is owned by exactly one session, so delete is the
// only place they are released.
func (s *Session) closeTransports() {
	for _, sender := range []PacketSender{s.sender, s.echoSender} {
		if c, ok := sender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Warn("failed to close session transport", slog.String("error", err.Error()))
			}
		}
	}
}

// NegotiatedTxInterval returns the current negotiated TX interval
// (RFC 5880 Section 6.8.2).
func (s *Session) NegotiatedTxInterval() time.Duration { return s.calcTxInterval() }

// DetectionTime returns the current calculated detection timeout
// (RFC 5880 Section 6.8.4).
func (s *Session) DetectionTime() time.Duration { return s.calcDetectionTime() }

// RecvPacket delivers a received BFD Control packet to the session for
// processing. Safe to call from any goroutine; drops (logged) if the
// channel is full.
func (s *Session) RecvPacket(pkt *ControlPacket) {
	select {
	case s.recvCh <- recvItem{pkt: pkt}:
	default:
		s.logger.Debug("recv channel full, dropping control packet")
	}
}

// RecvEcho delivers a looped-back echo packet's sequence number to the
// session. Safe to call from any goroutine.
func (s *Session) RecvEcho(seq uint64) {
	select {
	case s.echoRecvCh <- seq:
	default:
		s.logger.Debug("echo recv channel full, dropping echo packet")
	}
}

// SetAdminDown administratively disables the session (RFC 5880 Section
// 6.8.16). Used both for configuration-driven shutdown and graceful
// process drain. The transition is delivered into the run loop rather
// than applied here, so the four per-session timers — owned by that
// goroutine — are disarmed without a data race. Safe to call from any
// goroutine.
func (s *Session) SetAdminDown() {
	select {
	case s.adminCh <- true:
	default:
		s.logger.Debug("admin channel full, dropping AdminDown request")
	}
}

// SetAdminUp reverses SetAdminDown, returning the session to Down so it
// re-enters the normal handshake (RFC 5880 Section 6.8.16). Safe to call
// from any goroutine.
func (s *Session) SetAdminUp() {
	select {
	case s.adminCh <- false:
	default:
		s.logger.Debug("admin channel full, dropping AdminUp request")
	}
}

// handleAdminChange applies an administrative state change delivered via
// adminCh. Entering AdminDown stops and drains all four logical timers so
// the session genuinely goes quiet (RFC 5880 Section 6.8.16: cease the
// transmission of BFD Control packets). Leaving AdminDown re-arms the
// control-transmit and detection timers so the session resumes the normal
// handshake from Down; the echo timers stay disarmed until the session
// reaches Up and maybeActivateEcho re-arms them.
func (s *Session) handleAdminChange(down bool, t *sessionTimers) {
	if down {
		s.adminShutdown.Store(true)
		s.localDiag.Store(uint32(DiagAdminDown))
		s.state.Store(uint32(StateAdminDown))
		s.remoteDiscr = 0
		s.echoActive.Store(false)
		stopTimer(t.tx)
		stopTimer(t.detect)
		stopTimer(t.echoTx)
		stopTimer(t.echoDetect)
		s.logger.Info("session set to AdminDown")
		return
	}

	s.adminShutdown.Store(false)
	s.state.Store(uint32(StateDown))
	s.localDiag.Store(uint32(DiagNone))
	rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
	rearm(t.detect, s.calcDetectionTime())
	s.logger.Info("session set to Down (administrative re-enable)")
}

// -------------------------------------------------------------------------
// Main Goroutine
// -------------------------------------------------------------------------

// Run starts the session event loop. It blocks until ctx is cancelled.
// Four logical timers exist: control-xmit, control-detect, echo-xmit,
// echo-detect. The echo timers are only armed while echo is active.
func (s *Session) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txInterval := s.calcTxInterval()
	txTimer := time.NewTimer(ApplyJitter(txInterval, s.detectMult))
	defer txTimer.Stop()

	detectTime := s.calcDetectionTime()
	detectTimer := time.NewTimer(detectTime)
	defer detectTimer.Stop()

	echoTxTimer := time.NewTimer(time.Hour)
	echoTxTimer.Stop()
	defer echoTxTimer.Stop()

	echoDetectTimer := time.NewTimer(time.Hour)
	echoDetectTimer.Stop()
	defer echoDetectTimer.Stop()

	timers := &sessionTimers{tx: txTimer, detect: detectTimer, echoTx: echoTxTimer, echoDetect: echoDetectTimer}

	// A session constructed with AdminShutdown must start quiet: no timer
	// fires until an explicit SetAdminUp brings it out of AdminDown.
	if s.State() == StateAdminDown {
		stopTimer(timers.tx)
		stopTimer(timers.detect)
	}

	s.logger.Info("session started",
		slog.String("state", s.State().String()),
		slog.Duration("tx_interval", txInterval),
		slog.Duration("detect_time", detectTime),
	)

	s.runLoop(ctx, timers)
}

// sessionTimers groups the four logical per-session timers so handler
// signatures stay short.
type sessionTimers struct {
	tx         *time.Timer
	detect     *time.Timer
	echoTx     *time.Timer
	echoDetect *time.Timer
}

func (s *Session) runLoop(ctx context.Context, t *sessionTimers) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return

		case item := <-s.recvCh:
			s.handleRecvPacket(ctx, item, t)

		case seq := <-s.echoRecvCh:
			s.handleEchoRecv(seq, t)

		case down := <-s.adminCh:
			s.handleAdminChange(down, t)

		case <-t.tx.C:
			if !s.timerStillLive(ctx) {
				continue
			}
			s.handleTxTimer(ctx, t)

		case <-t.detect.C:
			if !s.timerStillLive(ctx) {
				continue
			}
			s.handleDetectTimer(ctx, t)

		case <-t.echoTx.C:
			if !s.timerStillLive(ctx) {
				continue
			}
			s.handleEchoTxTimer(ctx, t)

		case <-t.echoDetect.C:
			if !s.timerStillLive(ctx) {
				continue
			}
			s.handleEchoDetectTimer(ctx, t)
		}
	}
}

// -------------------------------------------------------------------------
// TX Timer Handling — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

func (s *Session) handleTxTimer(ctx context.Context, t *sessionTimers) {
	s.maybeSendControl(ctx)
	rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
}

func (s *Session) maybeSendControl(ctx context.Context) {
	// RFC 5880 Section 6.1/6.8.7: a Passive system MUST NOT send Control
	// packets until it has received one from the remote system.
	if s.role == RolePassive && s.remoteDiscr == 0 {
		return
	}
	s.sendControl(ctx)
}

func (s *Session) sendControl(ctx context.Context) {
	s.rebuildCachedPacket()
	pktLen := int(s.cachedPacket[3])
	if err := s.sender.SendPacket(ctx, s.cachedPacket[:pktLen], s.peerAddr); err != nil {
		s.logger.Warn("failed to send control packet", slog.String("error", err.Error()))
		return
	}
	s.packetsSent.Add(1)
	s.lastXmitNS.Store(time.Now().UnixNano())
	s.metrics.IncPacketsSent(s.peerAddr, s.localAddr)
}

// -------------------------------------------------------------------------
// Detection Timer — RFC 5880 Section 6.8.4
// -------------------------------------------------------------------------

func (s *Session) handleDetectTimer(ctx context.Context, t *sessionTimers) {
	curState := s.State()
	if curState != StateInit && curState != StateUp {
		rearm(t.detect, s.calcDetectionTime())
		return
	}
	s.applyFSMEvent(ctx, EventTimerExpired, t)
}

// -------------------------------------------------------------------------
// Packet Reception — RFC 5880 Section 6.8.6 steps 8-18
// -------------------------------------------------------------------------

func (s *Session) handleRecvPacket(ctx context.Context, item recvItem, t *sessionTimers) {
	pkt := item.pkt

	// A=1 is rejected outright: this daemon reserves A=0 only and never
	// negotiates BFD authentication.
	if pkt.AuthPresent {
		s.logger.Debug("dropping packet: auth bit set, core reserves A=0")
		return
	}

	// RFC 5880 Section 6.8.6: "If bfd.SessionState is AdminDown, discard
	// the packet." Also preserves the invariant that AdminDown implies
	// every timer disarmed — nothing here may re-arm detect or tx.
	if s.State() == StateAdminDown {
		s.logger.Debug("dropping packet: local state is AdminDown")
		return
	}

	now := time.Now()
	s.packetsReceived.Add(1)
	s.metrics.IncPacketsReceived(s.peerAddr, s.localAddr)
	s.lastPacketRecvNS.Store(now.UnixNano())

	s.remoteDiscr = pkt.MyDiscriminator
	s.remoteState.Store(uint32(pkt.State))
	s.remoteDiag.Store(uint32(pkt.Diag))
	s.remoteDemandMode = pkt.Demand
	s.remoteMinRxInterval = durationFromMicroseconds(pkt.RequiredMinRxInterval)
	s.remoteDesiredMinTxInterval = durationFromMicroseconds(pkt.DesiredMinTxInterval)
	s.remoteRequiredMinEcho = durationFromMicroseconds(pkt.RequiredMinEchoRxInterval)
	s.remoteDetectMult = pkt.DetectMult

	// RFC 5880 Section 6.8.4: recompute and re-arm the detect timer on
	// every valid packet, before the FSM runs.
	rearm(t.detect, s.calcDetectionTime())

	if pkt.Final && s.pollState == PollSent {
		s.terminatePollSequence()
	}
	if pkt.Poll {
		s.pendingFinal = true
	}

	event := RecvStateToEvent(pkt.State)
	s.applyFSMEvent(ctx, event, t)

	s.maybeActivateEcho(t)
	if s.State() != StateUp {
		s.maybeDeactivateEcho(t)
	}

	if s.trackSLA.Load() {
		s.foldSLASample(now)
	}

	if s.pendingFinal {
		s.sendControl(ctx)
		rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
	}
}

// -------------------------------------------------------------------------
// FSM Event Application
// -------------------------------------------------------------------------

func (s *Session) applyFSMEvent(ctx context.Context, event Event, t *sessionTimers) {
	result := ApplyEvent(s.State(), event)
	s.executeFSMActions(ctx, result, t)
}

func (s *Session) executeFSMActions(ctx context.Context, result FSMResult, t *sessionTimers) {
	if result.Changed {
		s.state.Store(uint32(result.NewState))
		// The remote discriminator is cleared on every entry to Down
		// (RFC 5880 Section 6.8.1: bfd.RemoteDiscr learned anew per
		// session establishment).
		if result.NewState == StateDown {
			s.remoteDiscr = 0
		}
		if result.NewState == StateUp {
			s.upTimeNS.Store(time.Now().UnixNano())
			s.startPollSequence()
		}
		if result.OldState == StateUp && result.NewState != StateUp {
			s.downTimeNS.Store(time.Now().UnixNano())
			s.maybeDeactivateEcho(t)
		}
	}
	for _, action := range result.Actions {
		s.executeAction(ctx, action, t)
	}
	// Logged and notified after the actions, so the reported diag is the
	// one this transition set.
	if result.Changed {
		s.logStateChange(result)
	}
}

func (s *Session) logStateChange(result FSMResult) {
	s.logger.Info("session state changed",
		slog.String("old_state", result.OldState.String()),
		slog.String("new_state", result.NewState.String()),
		slog.String("diag", s.LocalDiag().String()),
	)
	s.stateTransitions.Add(1)
	s.metrics.RecordStateTransition(s.peerAddr, s.localAddr, result.OldState.String(), result.NewState.String())
	s.emitNotification(result)
}

func (s *Session) executeAction(ctx context.Context, action Action, t *sessionTimers) {
	switch action {
	case ActionSendControl:
		s.sendControl(ctx)
		rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
	case ActionNotifyUp:
		rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
		rearm(t.detect, s.calcDetectionTime())
	case ActionNotifyDown:
		s.remoteDiscr = 0
		rearm(t.tx, ApplyJitter(s.calcTxInterval(), s.detectMult))
		rearm(t.detect, s.calcDetectionTime())
	case ActionSetDiagTimeExpired:
		s.localDiag.Store(uint32(DiagControlTimeExpired))
	case ActionSetDiagNeighborDown:
		s.localDiag.Store(uint32(DiagNeighborDown))
	case ActionSetDiagAdminDown:
		s.localDiag.Store(uint32(DiagAdminDown))
	default:
		s.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}
}

func (s *Session) emitNotification(result FSMResult) {
	if s.notifyCh == nil {
		return
	}
	sc := StateChange{
		LocalDiscr: s.localDiscr,
		PeerAddr:   s.peerAddr,
		OldState:   result.OldState,
		NewState:   result.NewState,
		Diag:       s.LocalDiag(),
		Timestamp:  time.Now(),
	}
	select {
	case s.notifyCh <- sc:
	default:
		s.logger.Warn("notification channel full, dropping state change")
	}
}

// -------------------------------------------------------------------------
// Timer Negotiation — RFC 5880 Sections 6.8.2-6.8.4
// -------------------------------------------------------------------------

// calcTxInterval returns max(local desired min TX, remote required min
// RX) per RFC 5880 Section 6.8.2, with the Section 6.8.3 pre-Up slow
// rate floor applied to the local side only.
func (s *Session) calcTxInterval() time.Duration {
	desired := s.desiredMinTxInterval
	if s.State() != StateUp && desired < slowTxInterval {
		desired = slowTxInterval
	}
	return max(desired, s.remoteMinRxInterval)
}

// calcDetectionTime implements RFC 5880 Section 6.8.4: with echo
// inactive, the remote detect multiplier times max(local required min
// RX, remote desired min TX); with echo active, the local detect
// multiplier times the negotiated echo interval.
func (s *Session) calcDetectionTime() time.Duration {
	if s.echoActive.Load() {
		return time.Duration(int64(s.negotiatedEchoInterval())) * time.Duration(s.detectMult)
	}
	if s.remoteDetectMult == 0 {
		txInterval := s.calcTxInterval()
		return txInterval * time.Duration(s.detectMult)
	}
	agreed := max(s.requiredMinRxInterval, s.remoteDesiredMinTxInterval)
	return agreed * time.Duration(s.remoteDetectMult)
}

// -------------------------------------------------------------------------
// Poll Sequence — RFC 5880 Section 6.5
// -------------------------------------------------------------------------

// startPollSequence is invoked on every transition to Up: the operational
// (possibly faster) timers are staged and negotiated through a one-shot
// P/F exchange (RFC 5880 Section 6.8.3).
func (s *Session) startPollSequence() {
	s.pollState = PollSent
	s.pendingDesiredMinTx = s.desiredMinTxInterval
	s.pendingRequiredMinRx = s.requiredMinRxInterval
	s.rebuildCachedPacket()
}

// requestPollSequence is invoked when a live timer change while Up needs
// renegotiation with the peer (RFC 5880 Section 6.8.3).
func (s *Session) requestPollSequence(newDesiredMinTx, newRequiredMinRx time.Duration) {
	s.pollState = PollSent
	s.pendingDesiredMinTx = newDesiredMinTx
	s.pendingRequiredMinRx = newRequiredMinRx
	s.rebuildCachedPacket()
}

// terminatePollSequence commits staged values and clears the Poll
// Sequence sub-state (RFC 5880 Section 6.5).
func (s *Session) terminatePollSequence() {
	s.pollState = PollFinalReceived
	if s.pendingDesiredMinTx > 0 {
		s.desiredMinTxInterval = s.pendingDesiredMinTx
	}
	if s.pendingRequiredMinRx > 0 {
		s.requiredMinRxInterval = s.pendingRequiredMinRx
	}
	s.pendingDesiredMinTx = 0
	s.pendingRequiredMinRx = 0
	s.pollState = PollIdle
	s.rebuildCachedPacket()
	s.logger.Debug("poll sequence terminated")
}

// -------------------------------------------------------------------------
// SLA sampling
// -------------------------------------------------------------------------

func (s *Session) foldSLASample(now time.Time) {
	// No transmit yet (passive role before the first reply) means no
	// matching transmit timestamp to measure against.
	lastXmitNS := s.lastXmitNS.Load()
	if lastXmitNS == 0 {
		return
	}
	lastXmit := time.Unix(0, lastXmitNS)
	rxTotal := s.packetsReceived.Load() + s.echoReceived.Load()
	txTotal := s.packetsSent.Load() + s.echoSent.Load()

	report, ok := s.sla.sample(now, lastXmit, rxTotal, txTotal, s.detectMult)
	if !ok || s.slaCallback == nil {
		return
	}
	s.slaCallback(s.Snapshot(), report)
}

// -------------------------------------------------------------------------
// Cached Packet — adapted FRR bfdd pattern
// -------------------------------------------------------------------------

func (s *Session) rebuildCachedPacket() {
	pkt := s.buildControlPacket()
	if _, err := MarshalControlPacket(&pkt, s.cachedPacket); err != nil {
		s.logger.Error("failed to marshal cached packet", slog.String("error", err.Error()))
	}
}

func (s *Session) buildControlPacket() ControlPacket {
	wireTxInterval := s.desiredMinTxInterval
	if s.State() != StateUp && wireTxInterval < slowTxInterval {
		wireTxInterval = slowTxInterval
	}

	requiredMinEcho := s.requiredMinEcho
	// RFC 5880 Section 6.8.3 permits advertising Required Min RX as 0
	// while echo is active; this implementation keeps the configured
	// value, so RequiredMinRxInterval is never overridden for echo here.

	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.LocalDiag(),
		State:                     s.State(),
		Poll:                      s.pollState == PollSent,
		Final:                     s.pendingFinal,
		DetectMult:                s.detectMult,
		MyDiscriminator:           s.localDiscr,
		YourDiscriminator:         s.remoteDiscr,
		DesiredMinTxInterval:      microsecondsFromDuration(wireTxInterval),
		RequiredMinRxInterval:     microsecondsFromDuration(s.requiredMinRxInterval),
		RequiredMinEchoRxInterval: microsecondsFromDuration(requiredMinEcho),
	}

	s.pendingFinal = false

	return pkt
}

// -------------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------------

// SessionSnapshot is a point-in-time, allocation-cheap copy of a
// session's externally visible fields, used for Manager.Sessions(),
// metrics export, and notifications.
type SessionSnapshot struct {
	LocalDiscr       uint32
	RemoteDiscr      uint32
	Label            string
	PeerAddr         netip.Addr
	LocalAddr        netip.Addr
	Interface        string
	VRF              string
	MultiHop         bool
	State            State
	RemoteState      State
	LocalDiag        Diag
	RemoteDiag       Diag
	DetectMult       uint8
	TxInterval       time.Duration
	DetectionTime    time.Duration
	EchoActive       bool
	TrackSLA         bool
	PacketsSent      uint64
	PacketsReceived  uint64
	EchoSent         uint64
	EchoReceived     uint64
	StateTransitions uint64
	UpTime           time.Time
	DownTime         time.Time
}

// Snapshot copies the session's current externally visible state. Safe
// to call from any goroutine.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		LocalDiscr:       s.localDiscr,
		RemoteDiscr:      s.remoteDiscr,
		Label:            s.label,
		PeerAddr:         s.peerAddr,
		LocalAddr:        s.localAddr,
		Interface:        s.ifName,
		VRF:              s.vrf,
		MultiHop:         s.multiHop,
		State:            s.State(),
		RemoteState:      s.RemoteState(),
		LocalDiag:        s.LocalDiag(),
		RemoteDiag:       Diag(s.remoteDiag.Load()), //nolint:gosec // G115
		DetectMult:       s.detectMult,
		TxInterval:       s.NegotiatedTxInterval(),
		DetectionTime:    s.DetectionTime(),
		EchoActive:       s.echoActive.Load(),
		TrackSLA:         s.trackSLA.Load(),
		PacketsSent:      s.packetsSent.Load(),
		PacketsReceived:  s.packetsReceived.Load(),
		EchoSent:         s.echoSent.Load(),
		EchoReceived:     s.echoReceived.Load(),
		StateTransitions: s.stateTransitions.Load(),
		UpTime:           nsToTime(s.upTimeNS.Load()),
		DownTime:         nsToTime(s.downTimeNS.Load()),
	}
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

package bfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

var (
	// ErrSessionNotFound indicates no session exists for the given discriminator.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCreateOnlyExists indicates a create-only configuration was applied
	// against a key that already has a session.
	ErrCreateOnlyExists = errors.New("session already exists for key (create-only)")

	// ErrSessionInUse indicates Delete was attempted on a session whose
	// external-reference count is nonzero.
	ErrSessionInUse = errors.New("session has outstanding external references")

	// ErrDemuxNoMatch indicates no session matched the incoming packet
	// during demultiplexing (RFC 5880 Section 6.8.6).
	ErrDemuxNoMatch = errors.New("no matching session for incoming packet")

	// ErrInvalidPeerAddr indicates the peer address is not valid.
	ErrInvalidPeerAddr = errors.New("peer address must be valid")
)

const (
	notifyChSize = 64
	configChSize = 64
	slaChSize    = 64
)

// -------------------------------------------------------------------------
// PacketMeta — transport metadata for demultiplexing
// -------------------------------------------------------------------------

// PacketMeta contains the transport-layer metadata needed for BFD session
// demultiplexing. This is a bfd-package-local type to avoid an import
// cycle between bfd and netio; the listener layer converts
// netio.PacketMeta to bfd.PacketMeta before calling Manager.Demux.
type PacketMeta struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	TTL      uint8
	IfName   string
	MultiHop bool
	VRF      string
}

// -------------------------------------------------------------------------
// Manager — session lifecycle
// -------------------------------------------------------------------------

// Manager owns the session registry, allocates discriminators, demuxes
// incoming packets onto sessions, and exposes the Create/Update/Delete
// lifecycle API.
type Manager struct {
	reg            *registry
	discriminators *DiscriminatorAllocator
	metrics        MetricsReporter
	logger         *slog.Logger

	mu      sync.Mutex
	entries map[uint32]*sessionEntry

	nextGeneration atomic.Uint64

	rawNotifyCh    chan StateChange
	publicNotifyCh chan StateChange
	configCh       chan ConfigChange
	slaCh          chan SLAChange
}

type sessionEntry struct {
	session    *Session
	cancel     context.CancelFunc
	generation uint64
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and every
// session it creates.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// NewManager creates a new BFD session manager.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		reg:            newRegistry(),
		discriminators: NewDiscriminatorAllocator(),
		metrics:        noopMetrics{},
		entries:        make(map[uint32]*sessionEntry),
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		configCh:       make(chan ConfigChange, configChSize),
		slaCh:          make(chan SLAChange, slaChSize),
		logger:         logger.With(slog.String("component", "bfd.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// -------------------------------------------------------------------------
// Create
// -------------------------------------------------------------------------

// Create installs a new session: allocate (or accept) a discriminator,
// install into the registry's discriminator plus shop/mhop index, start
// the slow-start transmit and detect timers, apply the optional label
// (failing softly on collision), and start the session goroutine.
//
// If cfg.Discriminator is nonzero it is used as-is; a collision is
// reported as KindRegistryConflict and the caller's explicit value is
// never silently reassigned.
//
// A create-only configuration fails with ErrCreateOnlyExists when the
// session key is already taken; without the flag a key collision is the
// ordinary registry conflict, which callers like Reconcile resolve by
// updating the existing session instead.
func (m *Manager) Create(ctx context.Context, cfg SessionConfig, sender PacketSender, opts ...SessionOption) (*Session, error) {
	if !cfg.PeerAddr.IsValid() {
		return nil, newCoreError(KindConfigInvalid, ErrInvalidPeerAddr)
	}

	if cfg.CreateOnly && m.keyInUse(cfg) {
		return nil, newCoreError(KindRegistryConflict,
			fmt.Errorf("%s: %w", SessionKeyFor(cfg), ErrCreateOnlyExists))
	}

	discr := cfg.Discriminator
	if discr == 0 {
		discr = m.discriminators.Allocate()
	}

	allOpts := append([]SessionOption{WithMetrics(m.metrics)}, opts...)
	sess, err := NewSession(cfg, discr, sender, m.rawNotifyCh, m.logger, allOpts...)
	if err != nil {
		return nil, err
	}

	if err := m.reg.insert(sess); err != nil {
		return nil, err
	}

	if cfg.Label != "" && !m.reg.tryAssignLabel(sess, cfg.Label) {
		m.logger.Warn("label already in use, session created without label",
			slog.String("label", cfg.Label),
			slog.Uint64("local_discr", uint64(discr)),
		)
	}

	gen := m.nextGeneration.Add(1)
	sess.setGeneration(gen)

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.entries[discr] = &sessionEntry{session: sess, cancel: cancel, generation: gen}
	m.mu.Unlock()

	sess.slaCallback = m.onSLAReport
	sess.liveCheck = m.sessionLive
	go sess.Run(sessCtx)

	m.metrics.RegisterSession(cfg.PeerAddr, cfg.LocalAddr, sessionTypeLabel(cfg.MultiHop))
	m.logger.Info("session created",
		slog.String("peer", cfg.PeerAddr.String()),
		slog.String("local", cfg.LocalAddr.String()),
		slog.String("interface", cfg.Interface),
		slog.Bool("multi_hop", cfg.MultiHop),
		slog.String("role", cfg.Role.String()),
		slog.Uint64("local_discr", uint64(discr)),
	)

	m.emitConfigChange(ConfigOpAdd, sess.Snapshot())

	return sess, nil
}

func sessionTypeLabel(multiHop bool) string {
	if multiHop {
		return "multi_hop"
	}
	return "single_hop"
}

// keyInUse reports whether the exact session key of cfg is already
// registered. Unlike the registry's packet-demux lookups this does no
// empty-interface fallback: create-time collisions are exact-key only.
func (m *Manager) keyInUse(cfg SessionConfig) bool {
	if cfg.MultiHop {
		return m.reg.mhopKeyInUse(cfg.PeerAddr, cfg.LocalAddr, cfg.VRF)
	}
	return m.reg.shopKeyInUse(cfg.PeerAddr, cfg.Interface)
}

// sessionLive reports whether the (discriminator, generation) pair is
// still registered with this manager. Installed into every session as
// its liveCheck: a timer event whose session has since been deleted (or
// replaced by a new generation under the same discriminator) fails this
// check and is dropped by the session's run loop.
func (m *Manager) sessionLive(discr uint32, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[discr]
	return ok && entry.generation == generation
}

// -------------------------------------------------------------------------
// Update
// -------------------------------------------------------------------------

// UpdateParams carries the subset of session parameters that can change
// without a teardown.
type UpdateParams struct {
	DetectMultiplier          uint8
	RequiredMinRxInterval     int64 // nanoseconds; 0 means "unchanged"
	DesiredMinTxInterval      int64 // nanoseconds; 0 means "unchanged"
	RequiredMinEchoRxInterval int64
	EchoRequested             *bool
	AdminShutdown             *bool
	Label                     string
	TrackSLA                  *bool
	CreateOnly                bool
}

// Update applies a live reconfiguration to the session identified by
// localDiscr. CreateOnly configurations always
// fail here since Update is only reached for an already-existing key;
// callers that want create-only semantics should call Create first and
// only fall back to Update when Create reports a key collision that is
// NOT itself create-only.
func (m *Manager) Update(localDiscr uint32, params UpdateParams) error {
	if params.CreateOnly {
		return newCoreError(KindConfigInvalid, ErrCreateOnlyExists)
	}

	sess, ok := m.reg.findByDiscr(localDiscr)
	if !ok {
		return newCoreError(KindConfigInvalid, ErrSessionNotFound)
	}

	wasUp := sess.State() == StateUp
	timerChanged := false

	if params.DetectMultiplier > 0 {
		sess.detectMult = params.DetectMultiplier
	}
	newDesiredMinTx := sess.desiredMinTxInterval
	newRequiredMinRx := sess.requiredMinRxInterval
	if params.DesiredMinTxInterval > 0 {
		newDesiredMinTx = nsToDuration(params.DesiredMinTxInterval)
		timerChanged = timerChanged || newDesiredMinTx != sess.desiredMinTxInterval
	}
	if params.RequiredMinRxInterval > 0 {
		newRequiredMinRx = nsToDuration(params.RequiredMinRxInterval)
		timerChanged = timerChanged || newRequiredMinRx != sess.requiredMinRxInterval
	}
	if params.RequiredMinEchoRxInterval > 0 {
		sess.requiredMinEcho = nsToDuration(params.RequiredMinEchoRxInterval)
	}
	if params.EchoRequested != nil {
		sess.echoRequested.Store(*params.EchoRequested)
	}
	if params.TrackSLA != nil {
		sess.trackSLA.Store(*params.TrackSLA)
	}
	if params.Label != "" && params.Label != sess.label {
		if !m.reg.tryAssignLabel(sess, params.Label) {
			m.logger.Warn("label rename failed, label already in use",
				slog.String("label", params.Label),
				slog.Uint64("local_discr", uint64(localDiscr)),
			)
		}
	}

	if wasUp && timerChanged {
		sess.requestPollSequence(newDesiredMinTx, newRequiredMinRx)
	} else {
		sess.desiredMinTxInterval = newDesiredMinTx
		sess.requiredMinRxInterval = newRequiredMinRx
		sess.rebuildCachedPacket()
	}

	if params.AdminShutdown != nil {
		if *params.AdminShutdown {
			sess.SetAdminDown()
		} else {
			sess.SetAdminUp()
		}
	}

	m.emitConfigChange(ConfigOpUpdate, sess.Snapshot())
	return nil
}

func nsToDuration(ns int64) time.Duration { return time.Duration(ns) }

// -------------------------------------------------------------------------
// Delete
// -------------------------------------------------------------------------

// Delete removes the session identified by localDiscr. Permitted only
// when the session's external-reference count is zero; returns
// ErrSessionInUse otherwise. Idempotent: deleting an already-absent
// discriminator is not an error.
func (m *Manager) Delete(localDiscr uint32) error {
	sess, ok := m.reg.findByDiscr(localDiscr)
	if !ok {
		return nil
	}

	if sess.refcount() != 0 {
		return newCoreError(KindConfigInvalid, ErrSessionInUse)
	}

	m.mu.Lock()
	entry, ok := m.entries[localDiscr]
	if ok {
		delete(m.entries, localDiscr)
	}
	m.mu.Unlock()

	m.reg.remove(sess)

	if ok {
		entry.cancel()
	}

	sess.closeTransports()

	m.metrics.UnregisterSession(sess.PeerAddr(), sess.LocalAddr(), sessionTypeLabel(sess.MultiHop()))
	m.logger.Info("session deleted",
		slog.String("peer", sess.PeerAddr().String()),
		slog.Uint64("local_discr", uint64(localDiscr)),
	)

	m.emitConfigChange(ConfigOpDelete, sess.Snapshot())
	return nil
}

// -------------------------------------------------------------------------
// Demux — RFC 5880 Section 6.8.6 demultiplexing
// -------------------------------------------------------------------------

// Demux routes an incoming, already-validated BFD Control packet to its
// session via registry.sessionForPacket and delivers it through
// Session.RecvPacket.
func (m *Manager) Demux(pkt *ControlPacket, meta PacketMeta) error {
	sess, ok := m.reg.sessionForPacket(
		pkt.YourDiscriminator, pkt.State,
		meta.SrcAddr, meta.DstAddr,
		meta.IfName, meta.VRF, meta.MultiHop,
	)
	if !ok {
		m.metrics.IncPacketsDropped(meta.SrcAddr, meta.DstAddr)
		return fmt.Errorf("demux: peer %s -> %s: %w", meta.SrcAddr, meta.DstAddr, ErrDemuxNoMatch)
	}
	sess.RecvPacket(pkt)
	return nil
}

// DemuxEcho routes a returned echo packet back to its originating
// session by the discriminator encoded in the echo payload.
func (m *Manager) DemuxEcho(buf []byte) error {
	discr, seq, ok := decodeEchoPayload(buf)
	if !ok {
		return fmt.Errorf("demux echo: malformed payload: %w", ErrDemuxNoMatch)
	}
	sess, ok := m.reg.findByDiscr(discr)
	if !ok {
		return fmt.Errorf("demux echo: discriminator %d: %w", discr, ErrDemuxNoMatch)
	}
	sess.RecvEcho(seq)
	return nil
}

// -------------------------------------------------------------------------
// Lookups and snapshots
// -------------------------------------------------------------------------

// LookupByDiscriminator returns the session with the given local
// discriminator.
func (m *Manager) LookupByDiscriminator(discr uint32) (*Session, bool) {
	return m.reg.findByDiscr(discr)
}

// HasSessionForKey reports whether a session exists for the given
// reconciliation key (see SessionKeyFor). Callers preparing a Reconcile
// desired set use it to skip allocating transports for entries that will
// resolve to an update of an existing session.
func (m *Manager) HasSessionForKey(key string) bool {
	for _, s := range m.reg.snapshot() {
		if reconcileKey(s) == key {
			return true
		}
	}
	return false
}

// Sessions returns a snapshot of every currently registered session.
func (m *Manager) Sessions() []SessionSnapshot {
	sessions := m.reg.snapshot()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// -------------------------------------------------------------------------
// Notification channels
// -------------------------------------------------------------------------

// StateChanges returns the channel of session FSM state changes.
func (m *Manager) StateChanges() <-chan StateChange { return m.publicNotifyCh }

// ConfigChanges returns the channel of session lifecycle events (add,
// update, delete).
func (m *Manager) ConfigChanges() <-chan ConfigChange { return m.configCh }

// SLAReports returns the channel of rolled-up SLA samples.
func (m *Manager) SLAReports() <-chan SLAChange { return m.slaCh }

func (m *Manager) emitConfigChange(op ConfigOp, snap SessionSnapshot) {
	select {
	case m.configCh <- ConfigChange{Op: op, Snap: snap}:
	default:
		m.logger.Warn("config change channel full, dropping event", slog.String("op", op.String()))
	}
}

func (m *Manager) onSLAReport(snap SessionSnapshot, report SLAReport) {
	m.metrics.RecordSLA(snap.PeerAddr, snap.LocalAddr, report.LatencyMS, report.JitterMS, report.LossPercent, report.HasLoss)
	select {
	case m.slaCh <- SLAChange{Snap: snap, Report: report}:
	default:
		m.logger.Warn("SLA report channel full, dropping event",
			slog.Uint64("local_discr", uint64(snap.LocalDiscr)),
		)
	}
}

// -------------------------------------------------------------------------
// Dispatch — forward raw session notifications to the public channel
// -------------------------------------------------------------------------

// RunDispatch forwards state change notifications from all sessions to
// the public StateChanges channel, and keeps the echo-active metric
// gauge current. It must run for the lifetime of the Manager.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-m.rawNotifyCh:
			if sess, ok := m.reg.findByDiscr(sc.LocalDiscr); ok {
				m.metrics.SetEchoActive(sess.PeerAddr(), sess.LocalAddr(), sess.EchoActive())
			}
			select {
			case m.publicNotifyCh <- sc:
			default:
				m.logger.Warn("public notification channel full, dropping state change",
					slog.Uint64("local_discr", uint64(sc.LocalDiscr)),
					slog.String("new_state", sc.NewState.String()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Reconciliation — SIGHUP reload
// -------------------------------------------------------------------------

// ReconcileEntry describes one desired session for reconciliation.
type ReconcileEntry struct {
	Key    string
	Config SessionConfig
	Sender PacketSender

	// EchoSender is the transport used for the echo function (RFC 5880
	// Section 6.4). Nil for multi-hop sessions, which never use echo
	// (RFC 5883 Section 5).
	EchoSender PacketSender
}

// Reconcile diffs the desired session set against the registry. Sessions
// present in desired but missing are created; sessions present but absent
// from desired are deleted (subject to the same refcount gate as Delete);
// sessions present in both have their parameters diffed and, where they
// changed, applied through Update — which triggers a new Poll Sequence
// for a live timer change. A desired entry marked create-only whose key
// already exists fails rather than updating.
func (m *Manager) Reconcile(ctx context.Context, desired []ReconcileEntry) (created, updated, deleted int, err error) {
	desiredKeys := make(map[string]ReconcileEntry, len(desired))
	for _, rc := range desired {
		desiredKeys[rc.Key] = rc
	}

	current := m.currentKeySet()

	var errs []error
	for key, discr := range current {
		if _, want := desiredKeys[key]; want {
			continue
		}
		if dErr := m.Delete(discr); dErr != nil {
			errs = append(errs, fmt.Errorf("reconcile delete %s: %w", key, dErr))
			continue
		}
		deleted++
	}

	for key, rc := range desiredKeys {
		if discr, exists := current[key]; exists {
			changed, uErr := m.updateExisting(discr, rc.Config)
			if uErr != nil {
				errs = append(errs, fmt.Errorf("reconcile update %s: %w", key, uErr))
				continue
			}
			if changed {
				updated++
			}
			continue
		}

		var opts []SessionOption
		if rc.EchoSender != nil {
			opts = append(opts, WithEchoSender(rc.EchoSender))
		}

		if _, cErr := m.Create(ctx, rc.Config, rc.Sender, opts...); cErr != nil {
			errs = append(errs, fmt.Errorf("reconcile create %s: %w", key, cErr))
			continue
		}
		created++
	}

	if len(errs) > 0 {
		err = errors.Join(errs...)
	}

	m.logger.Info("session reconciliation complete",
		slog.Int("created", created),
		slog.Int("updated", updated),
		slog.Int("deleted", deleted),
	)
	return created, updated, deleted, err
}

// updateExisting diffs the desired configuration against the live session
// and applies only the fields that differ through Update. Returns whether
// anything changed. A create-only configuration for an existing key is an
// error, never an update.
func (m *Manager) updateExisting(discr uint32, cfg SessionConfig) (bool, error) {
	if cfg.CreateOnly {
		return false, newCoreError(KindRegistryConflict, ErrCreateOnlyExists)
	}

	sess, ok := m.reg.findByDiscr(discr)
	if !ok {
		return false, newCoreError(KindConfigInvalid, ErrSessionNotFound)
	}

	var params UpdateParams
	changed := false

	if cfg.DetectMultiplier > 0 && cfg.DetectMultiplier != sess.detectMult {
		params.DetectMultiplier = cfg.DetectMultiplier
		changed = true
	}
	if cfg.DesiredMinTxInterval > 0 && cfg.DesiredMinTxInterval != sess.desiredMinTxInterval {
		params.DesiredMinTxInterval = int64(cfg.DesiredMinTxInterval)
		changed = true
	}
	if cfg.RequiredMinRxInterval > 0 && cfg.RequiredMinRxInterval != sess.requiredMinRxInterval {
		params.RequiredMinRxInterval = int64(cfg.RequiredMinRxInterval)
		changed = true
	}
	if cfg.RequiredMinEchoRxInterval > 0 && cfg.RequiredMinEchoRxInterval != sess.requiredMinEcho {
		params.RequiredMinEchoRxInterval = int64(cfg.RequiredMinEchoRxInterval)
		changed = true
	}
	if cfg.EchoRequested != sess.echoRequested.Load() {
		echo := cfg.EchoRequested
		params.EchoRequested = &echo
		changed = true
	}
	if cfg.TrackSLA != sess.trackSLA.Load() {
		track := cfg.TrackSLA
		params.TrackSLA = &track
		changed = true
	}
	if cfg.AdminShutdown != sess.adminShutdown.Load() {
		shutdown := cfg.AdminShutdown
		params.AdminShutdown = &shutdown
		changed = true
	}
	if cfg.Label != "" && cfg.Label != sess.label {
		params.Label = cfg.Label
		changed = true
	}

	if !changed {
		return false, nil
	}

	return true, m.Update(discr, params)
}

func (m *Manager) currentKeySet() map[string]uint32 {
	sessions := m.reg.snapshot()
	keys := make(map[string]uint32, len(sessions))
	for _, s := range sessions {
		keys[reconcileKey(s)] = s.LocalDiscriminator()
	}
	return keys
}

// SessionKeyFor returns the reconciliation key for a session
// configuration. Callers building a desired set for Reconcile must use
// this so their keys diff correctly against the registry's current
// sessions.
func SessionKeyFor(cfg SessionConfig) string {
	if cfg.MultiHop {
		return "mhop|" + cfg.PeerAddr.String() + "|" + cfg.LocalAddr.String() + "|" + cfg.VRF
	}
	return "shop|" + cfg.PeerAddr.String() + "|" + cfg.Interface
}

func reconcileKey(s *Session) string {
	if s.MultiHop() {
		return "mhop|" + s.PeerAddr().String() + "|" + s.LocalAddr().String() + "|" + s.VRF()
	}
	return "shop|" + s.PeerAddr().String() + "|" + s.Interface()
}

// -------------------------------------------------------------------------
// Graceful drain and shutdown
// -------------------------------------------------------------------------

// DrainAllSessions transitions every session to AdminDown (RFC 5880
// Section 6.8.16) so peers see an intentional shutdown rather than a
// detection timeout.
func (m *Manager) DrainAllSessions() {
	sessions := m.reg.snapshot()
	for _, s := range sessions {
		s.SetAdminDown()
	}
	m.logger.Info("all sessions set to AdminDown for graceful drain", slog.Int("count", len(sessions)))
}

// Close cancels every session goroutine. After Close returns no new
// sessions should be created and the notification channels should no
// longer be read.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[uint32]*sessionEntry)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	m.logger.Info("manager closed")
}

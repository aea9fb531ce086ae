package bfd_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// Test Helpers — Manager
// -------------------------------------------------------------------------

// noopSender is a PacketSender that discards all packets.
type noopSender struct{}

func (noopSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error {
	return nil
}

// defaultManagerConfig returns a valid SessionConfig for manager tests.
func defaultManagerConfig() bfd.SessionConfig {
	return bfd.SessionConfig{
		PeerAddr:              netip.MustParseAddr("192.0.2.1"),
		LocalAddr:             netip.MustParseAddr("192.0.2.2"),
		Interface:             "eth0",
		Role:                  bfd.RoleActive,
		DesiredMinTxInterval:  time.Second,
		RequiredMinRxInterval: time.Second,
		DetectMultiplier:      3,
	}
}

// newTestManager creates a Manager with a default logger for testing.
func newTestManager(t *testing.T) *bfd.Manager {
	t.Helper()
	logger := slog.Default()
	return bfd.NewManager(logger)
}

// -------------------------------------------------------------------------
// TestManagerCreate
// -------------------------------------------------------------------------

// TestManagerCreate verifies that Create allocates a discriminator,
// registers the session for lookup, and starts the session goroutine.
func TestManagerCreate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		if sess.LocalDiscriminator() == 0 {
			t.Error("session local discriminator is zero")
		}

		found, ok := mgr.LookupByDiscriminator(sess.LocalDiscriminator())
		if !ok {
			t.Fatal("LookupByDiscriminator: not found")
		}
		if found != sess {
			t.Error("LookupByDiscriminator returned different session")
		}

		if sess.State() != bfd.StateDown {
			t.Errorf("initial state = %s, want Down", sess.State())
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerCreateExplicitDiscriminatorCollision verifies that a second
// create naming an already-used discriminator fails with a registry
// conflict and leaves the first session untouched.
func TestManagerCreateExplicitDiscriminatorCollision(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfgA := defaultManagerConfig()
		cfgA.Discriminator = 0x12345678
		sessA, err := mgr.Create(context.Background(), cfgA, noopSender{})
		if err != nil {
			t.Fatalf("Create A: %v", err)
		}

		cfgB := defaultManagerConfig()
		cfgB.PeerAddr = netip.MustParseAddr("192.0.2.9")
		cfgB.Discriminator = 0x12345678
		if _, err := mgr.Create(context.Background(), cfgB, noopSender{}); err == nil {
			t.Fatal("Create B with colliding discriminator succeeded, want error")
		} else if kind, ok := bfd.ErrKind(err); !ok || kind != bfd.KindRegistryConflict {
			t.Errorf("Create B error kind = %v, %v; want RegistryConflict", kind, ok)
		}

		found, ok := mgr.LookupByDiscriminator(0x12345678)
		if !ok || found != sessA {
			t.Error("session A no longer resolvable after rejected create")
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerCreateValidation
// -------------------------------------------------------------------------

// TestManagerCreateValidation verifies that invalid configurations are
// rejected with appropriate errors.
func TestManagerCreateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     bfd.SessionConfig
		wantErr string
	}{
		{
			name: "zero detect multiplier",
			cfg: bfd.SessionConfig{
				PeerAddr:              netip.MustParseAddr("192.0.2.1"),
				LocalAddr:             netip.MustParseAddr("192.0.2.2"),
				Role:                  bfd.RoleActive,
				DesiredMinTxInterval:  time.Second,
				RequiredMinRxInterval: time.Second,
				DetectMultiplier:      0,
			},
			wantErr: "detect multiplier",
		},
		{
			name: "zero TX interval",
			cfg: bfd.SessionConfig{
				PeerAddr:              netip.MustParseAddr("192.0.2.1"),
				LocalAddr:             netip.MustParseAddr("192.0.2.2"),
				Role:                  bfd.RoleActive,
				DesiredMinTxInterval:  0,
				RequiredMinRxInterval: time.Second,
				DetectMultiplier:      3,
			},
			wantErr: "desired min TX interval",
		},
		{
			name: "invalid peer addr",
			cfg: bfd.SessionConfig{
				PeerAddr:              netip.Addr{}, // zero value, invalid
				LocalAddr:             netip.MustParseAddr("192.0.2.2"),
				Role:                  bfd.RoleActive,
				DesiredMinTxInterval:  time.Second,
				RequiredMinRxInterval: time.Second,
				DetectMultiplier:      3,
			},
			wantErr: "peer address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mgr := newTestManager(t)
			defer mgr.Close()

			_, err := mgr.Create(context.Background(), tt.cfg, noopSender{})
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if got := err.Error(); !containsSubstring(got, tt.wantErr) {
				t.Errorf("error %q does not contain %q", got, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestManagerDelete
// -------------------------------------------------------------------------

// TestManagerDelete verifies that deleting a session removes it from the
// lookup map and cancels the session goroutine.
func TestManagerDelete(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		discr := sess.LocalDiscriminator()

		if err := mgr.Delete(discr); err != nil {
			t.Fatalf("Delete: %v", err)
		}

		if _, ok := mgr.LookupByDiscriminator(discr); ok {
			t.Error("session still found by discriminator after delete")
		}

		if snapshots := mgr.Sessions(); len(snapshots) != 0 {
			t.Errorf("expected 0 sessions, got %d", len(snapshots))
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerDeleteAbsentIsNoop verifies that deleting a nonexistent
// discriminator is not an error: delete is idempotent.
func TestManagerDeleteAbsentIsNoop(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	defer mgr.Close()

	if err := mgr.Delete(99999); err != nil {
		t.Errorf("Delete of absent session: %v, want nil", err)
	}
}

// TestManagerDeleteInUse verifies that Delete refuses a session whose
// external reference count is nonzero.
func TestManagerDeleteInUse(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		sess.AddRef()

		if err := mgr.Delete(sess.LocalDiscriminator()); !errors.Is(err, bfd.ErrSessionInUse) {
			t.Errorf("Delete while referenced: %v, want ErrSessionInUse", err)
		}

		sess.Release()

		if err := mgr.Delete(sess.LocalDiscriminator()); err != nil {
			t.Errorf("Delete after release: %v, want nil", err)
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerDemuxByDiscriminator
// -------------------------------------------------------------------------

// TestManagerDemuxByDiscriminator verifies that packets with
// YourDiscriminator != 0 are routed to the correct session via the
// primary discriminator index (RFC 5880 Section 6.8.6 tier 1).
func TestManagerDemuxByDiscriminator(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		pkt := &bfd.ControlPacket{
			Version:               bfd.Version,
			State:                 bfd.StateDown,
			DetectMult:            3,
			MyDiscriminator:       42,
			YourDiscriminator:     sess.LocalDiscriminator(),
			DesiredMinTxInterval:  1000000,
			RequiredMinRxInterval: 1000000,
		}

		meta := bfd.PacketMeta{
			SrcAddr: netip.MustParseAddr("192.0.2.1"),
			DstAddr: netip.MustParseAddr("192.0.2.2"),
			TTL:     255,
			IfName:  "eth0",
		}

		if err := mgr.Demux(pkt, meta); err != nil {
			t.Fatalf("Demux: %v", err)
		}

		// Down + RecvDown -> Init (RFC 5880 Section 6.8.6).
		time.Sleep(50 * time.Millisecond)

		if sess.State() != bfd.StateInit {
			t.Errorf("state = %s, want Init", sess.State())
		}
	})
}

// -------------------------------------------------------------------------
// TestManagerDemuxByPeerKey
// -------------------------------------------------------------------------

// TestManagerDemuxByPeerKey verifies that packets with
// YourDiscriminator == 0 are routed by the single-hop peer key (source
// IP and interface) using the secondary lookup (RFC 5880 Section 6.8.6 tier 2).
func TestManagerDemuxByPeerKey(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		// RFC 5880 Section 6.8.6: Your Discriminator may be zero only
		// when State is Down or AdminDown.
		pkt := &bfd.ControlPacket{
			Version:               bfd.Version,
			State:                 bfd.StateDown,
			DetectMult:            3,
			MyDiscriminator:       42,
			YourDiscriminator:     0,
			DesiredMinTxInterval:  1000000,
			RequiredMinRxInterval: 1000000,
		}

		meta := bfd.PacketMeta{
			SrcAddr: netip.MustParseAddr("192.0.2.1"), // peer addr
			DstAddr: netip.MustParseAddr("192.0.2.2"), // local addr
			TTL:     255,
			IfName:  "eth0",
		}

		if err := mgr.Demux(pkt, meta); err != nil {
			t.Fatalf("Demux: %v", err)
		}

		time.Sleep(50 * time.Millisecond)

		if sess.State() != bfd.StateInit {
			t.Errorf("state = %s, want Init", sess.State())
		}
	})
}

// -------------------------------------------------------------------------
// TestManagerDemuxNoMatch
// -------------------------------------------------------------------------

// TestManagerDemuxNoMatch verifies that packets with no matching session
// return ErrDemuxNoMatch.
func TestManagerDemuxNoMatch(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	t.Cleanup(mgr.Close)

	tests := []struct {
		name string
		pkt  *bfd.ControlPacket
		meta bfd.PacketMeta
	}{
		{
			name: "nonexistent discriminator",
			pkt: &bfd.ControlPacket{
				Version:               bfd.Version,
				State:                 bfd.StateDown,
				DetectMult:            3,
				MyDiscriminator:       42,
				YourDiscriminator:     99999, // no session with this discr
				DesiredMinTxInterval:  1000000,
				RequiredMinRxInterval: 1000000,
			},
			meta: bfd.PacketMeta{
				SrcAddr: netip.MustParseAddr("192.0.2.1"),
				DstAddr: netip.MustParseAddr("192.0.2.2"),
				TTL:     255,
			},
		},
		{
			name: "no peer key match",
			pkt: &bfd.ControlPacket{
				Version:               bfd.Version,
				State:                 bfd.StateDown,
				DetectMult:            3,
				MyDiscriminator:       42,
				YourDiscriminator:     0,
				DesiredMinTxInterval:  1000000,
				RequiredMinRxInterval: 1000000,
			},
			meta: bfd.PacketMeta{
				SrcAddr: netip.MustParseAddr("10.0.0.1"), // no session for this peer
				DstAddr: netip.MustParseAddr("10.0.0.2"),
				TTL:     255,
				IfName:  "eth0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := mgr.Demux(tt.pkt, tt.meta)
			if err == nil {
				t.Fatal("expected ErrDemuxNoMatch, got nil")
			}
			if !errors.Is(err, bfd.ErrDemuxNoMatch) {
				t.Errorf("error = %v, want ErrDemuxNoMatch", err)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestManagerSessions
// -------------------------------------------------------------------------

// TestManagerSessions verifies that Sessions() returns a snapshot of all
// active sessions with correct field values.
func TestManagerSessions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg1 := bfd.SessionConfig{
			PeerAddr:              netip.MustParseAddr("192.0.2.1"),
			LocalAddr:             netip.MustParseAddr("192.0.2.2"),
			Interface:             "eth0",
			Role:                  bfd.RoleActive,
			DesiredMinTxInterval:  time.Second,
			RequiredMinRxInterval: time.Second,
			DetectMultiplier:      3,
		}
		cfg2 := bfd.SessionConfig{
			PeerAddr:              netip.MustParseAddr("198.51.100.1"),
			LocalAddr:             netip.MustParseAddr("198.51.100.2"),
			Interface:             "eth1",
			Role:                  bfd.RolePassive,
			DesiredMinTxInterval:  500 * time.Millisecond,
			RequiredMinRxInterval: 500 * time.Millisecond,
			DetectMultiplier:      5,
		}

		sess1, err := mgr.Create(context.Background(), cfg1, noopSender{})
		if err != nil {
			t.Fatalf("Create 1: %v", err)
		}
		sess2, err := mgr.Create(context.Background(), cfg2, noopSender{})
		if err != nil {
			t.Fatalf("Create 2: %v", err)
		}

		snapshots := mgr.Sessions()
		if len(snapshots) != 2 {
			t.Fatalf("expected 2 sessions, got %d", len(snapshots))
		}

		byDiscr := make(map[uint32]bfd.SessionSnapshot, len(snapshots))
		for _, snap := range snapshots {
			byDiscr[snap.LocalDiscr] = snap
		}

		snap1, ok := byDiscr[sess1.LocalDiscriminator()]
		if !ok {
			t.Fatal("session 1 not found in snapshots")
		}
		if snap1.PeerAddr != cfg1.PeerAddr {
			t.Errorf("snap1.PeerAddr = %s, want %s", snap1.PeerAddr, cfg1.PeerAddr)
		}
		if snap1.LocalAddr != cfg1.LocalAddr {
			t.Errorf("snap1.LocalAddr = %s, want %s", snap1.LocalAddr, cfg1.LocalAddr)
		}
		if snap1.Interface != cfg1.Interface {
			t.Errorf("snap1.Interface = %s, want %s", snap1.Interface, cfg1.Interface)
		}
		if snap1.MultiHop != cfg1.MultiHop {
			t.Errorf("snap1.MultiHop = %v, want %v", snap1.MultiHop, cfg1.MultiHop)
		}
		if snap1.State != bfd.StateDown {
			t.Errorf("snap1.State = %s, want Down", snap1.State)
		}
		if snap1.DetectMult != cfg1.DetectMultiplier {
			t.Errorf("snap1.DetectMult = %d, want %d", snap1.DetectMult, cfg1.DetectMultiplier)
		}

		snap2, ok := byDiscr[sess2.LocalDiscriminator()]
		if !ok {
			t.Fatal("session 2 not found in snapshots")
		}
		if snap2.PeerAddr != cfg2.PeerAddr {
			t.Errorf("snap2.PeerAddr = %s, want %s", snap2.PeerAddr, cfg2.PeerAddr)
		}
		if snap2.DetectMult != cfg2.DetectMultiplier {
			t.Errorf("snap2.DetectMult = %d, want %d", snap2.DetectMult, cfg2.DetectMultiplier)
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerStateChanges
// -------------------------------------------------------------------------

// TestManagerStateChanges verifies that state changes from sessions
// propagate to the manager's aggregated StateChanges channel via
// RunDispatch.
func TestManagerStateChanges(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		// RunDispatch must be running to forward notifications from the
		// internal raw channel to the public StateChanges channel.
		dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
		defer dispatchCancel()
		go mgr.RunDispatch(dispatchCtx)

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		// Wait for session goroutine to start and fire at least one TX.
		time.Sleep(2 * time.Second)

		pkt := &bfd.ControlPacket{
			Version:               bfd.Version,
			State:                 bfd.StateDown,
			DetectMult:            3,
			MyDiscriminator:       42,
			YourDiscriminator:     sess.LocalDiscriminator(),
			DesiredMinTxInterval:  1000000,
			RequiredMinRxInterval: 1000000,
		}
		sess.RecvPacket(pkt)
		time.Sleep(50 * time.Millisecond)

		ch := mgr.StateChanges()
		var found bool

		for range len(ch) {
			sc := <-ch
			if sc.NewState == bfd.StateInit && sc.LocalDiscr == sess.LocalDiscriminator() {
				found = true
				if sc.OldState != bfd.StateDown {
					t.Errorf("OldState = %s, want Down", sc.OldState)
				}
				break
			}
		}

		if !found {
			t.Error("did not receive Init state change on StateChanges channel")
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerConfigChanges
// -------------------------------------------------------------------------

// TestManagerConfigChanges verifies that Create, Update and Delete each
// emit a ConfigChange on the manager's config channel.
func TestManagerConfigChanges(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		ch := mgr.ConfigChanges()
		cc := <-ch
		if cc.Op != bfd.ConfigOpAdd {
			t.Errorf("first ConfigChange.Op = %s, want Add", cc.Op)
		}

		if err := mgr.Update(sess.LocalDiscriminator(), bfd.UpdateParams{Label: "new-label"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		cc = <-ch
		if cc.Op != bfd.ConfigOpUpdate {
			t.Errorf("second ConfigChange.Op = %s, want Update", cc.Op)
		}

		if err := mgr.Delete(sess.LocalDiscriminator()); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		cc = <-ch
		if cc.Op != bfd.ConfigOpDelete {
			t.Errorf("third ConfigChange.Op = %s, want Delete", cc.Op)
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerUpdate
// -------------------------------------------------------------------------

// TestManagerUpdate verifies that Update applies a live admin-state
// change without tearing down the session.
func TestManagerUpdate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		shutdown := true
		if err := mgr.Update(sess.LocalDiscriminator(), bfd.UpdateParams{AdminShutdown: &shutdown}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		// The admin change is applied by the session's run loop; let it
		// drain adminCh before checking.
		synctest.Wait()

		if sess.State() != bfd.StateAdminDown {
			t.Errorf("state after admin shutdown = %s, want AdminDown", sess.State())
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerUpdateNotFound verifies that Update on a nonexistent
// discriminator returns an error.
func TestManagerUpdateNotFound(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	defer mgr.Close()

	err := mgr.Update(99999, bfd.UpdateParams{})
	if err == nil {
		t.Fatal("expected error for unknown discriminator, got nil")
	}
}

// TestManagerUpdateCreateOnlyAlwaysFails verifies that Update rejects a
// create-only request regardless of whether the session exists, since
// Update is only reached once a key is already known to exist.
func TestManagerUpdateCreateOnlyAlwaysFails(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	defer mgr.Close()

	err := mgr.Update(1, bfd.UpdateParams{CreateOnly: true})
	if !errors.Is(err, bfd.ErrCreateOnlyExists) {
		t.Errorf("error = %v, want ErrCreateOnlyExists", err)
	}
}

// -------------------------------------------------------------------------
// TestManagerReconcile
// -------------------------------------------------------------------------

// TestManagerReconcileCreatesNew verifies that Reconcile creates sessions
// that are in the desired set but not yet active.
func TestManagerReconcileCreatesNew(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		desired := []bfd.ReconcileEntry{
			{
				Key: "shop|192.0.2.1|eth0",
				Config: bfd.SessionConfig{
					PeerAddr:              netip.MustParseAddr("192.0.2.1"),
					LocalAddr:             netip.MustParseAddr("192.0.2.2"),
					Interface:             "eth0",
					Role:                  bfd.RoleActive,
					DesiredMinTxInterval:  time.Second,
					RequiredMinRxInterval: time.Second,
					DetectMultiplier:      3,
				},
				Sender: noopSender{},
			},
		}

		created, updated, deleted, err := mgr.Reconcile(context.Background(), desired)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if created != 1 {
			t.Errorf("created = %d, want 1", created)
		}
		if updated != 0 {
			t.Errorf("updated = %d, want 0", updated)
		}
		if deleted != 0 {
			t.Errorf("deleted = %d, want 0", deleted)
		}

		snapshots := mgr.Sessions()
		if len(snapshots) != 1 {
			t.Fatalf("expected 1 session, got %d", len(snapshots))
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerReconcileDeletesStale verifies that Reconcile deletes
// sessions not present in the desired set.
func TestManagerReconcileDeletesStale(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		_, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		created, updated, deleted, reconcileErr := mgr.Reconcile(context.Background(), nil)
		if reconcileErr != nil {
			t.Fatalf("Reconcile: %v", reconcileErr)
		}
		if created != 0 {
			t.Errorf("created = %d, want 0", created)
		}
		if updated != 0 {
			t.Errorf("updated = %d, want 0", updated)
		}
		if deleted != 1 {
			t.Errorf("deleted = %d, want 1", deleted)
		}

		if len(mgr.Sessions()) != 0 {
			t.Error("expected 0 sessions after reconciliation")
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerReconcileKeepsExisting verifies that reconciliation does not
// destroy sessions that exist in both the current and desired sets.
func TestManagerReconcileKeepsExisting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		desired := []bfd.ReconcileEntry{
			{
				Key:    "shop|192.0.2.1|eth0",
				Config: cfg,
				Sender: noopSender{},
			},
		}

		created, updated, deleted, reconcileErr := mgr.Reconcile(context.Background(), desired)
		if reconcileErr != nil {
			t.Fatalf("Reconcile: %v", reconcileErr)
		}
		if created != 0 {
			t.Errorf("created = %d, want 0 (existing kept)", created)
		}
		if updated != 0 {
			t.Errorf("updated = %d, want 0 (identical parameters)", updated)
		}
		if deleted != 0 {
			t.Errorf("deleted = %d, want 0 (existing kept)", deleted)
		}

		found, ok := mgr.LookupByDiscriminator(sess.LocalDiscriminator())
		if !ok {
			t.Fatal("original session not found after reconciliation")
		}
		if found != sess {
			t.Error("session pointer changed after reconciliation")
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerReconcileUpdatesExisting verifies that a desired entry whose
// key already has a session updates that session's parameters in place
// through Update instead of recreating it.
func TestManagerReconcileUpdatesExisting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		newCfg := cfg
		newCfg.DesiredMinTxInterval = 2 * time.Second
		newCfg.DetectMultiplier = 5

		desired := []bfd.ReconcileEntry{
			{Key: bfd.SessionKeyFor(newCfg), Config: newCfg},
		}

		created, updated, deleted, reconcileErr := mgr.Reconcile(context.Background(), desired)
		if reconcileErr != nil {
			t.Fatalf("Reconcile: %v", reconcileErr)
		}
		if created != 0 || deleted != 0 {
			t.Errorf("created, deleted = %d, %d; want 0, 0", created, deleted)
		}
		if updated != 1 {
			t.Errorf("updated = %d, want 1", updated)
		}

		found, ok := mgr.LookupByDiscriminator(sess.LocalDiscriminator())
		if !ok || found != sess {
			t.Fatal("session was recreated instead of updated")
		}
		if got := sess.NegotiatedTxInterval(); got != 2*time.Second {
			t.Errorf("NegotiatedTxInterval = %v, want 2s after update", got)
		}
		if got := sess.Snapshot().DetectMult; got != 5 {
			t.Errorf("DetectMult = %d, want 5 after update", got)
		}

		// A second reconcile with the same parameters changes nothing.
		_, updated, _, reconcileErr = mgr.Reconcile(context.Background(), desired)
		if reconcileErr != nil {
			t.Fatalf("second Reconcile: %v", reconcileErr)
		}
		if updated != 0 {
			t.Errorf("second reconcile updated = %d, want 0", updated)
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// TestManagerCreateOnlyKeyExists verifies that a create-only configuration
// fails when its key is already taken, both on a direct Create and through
// reconciliation, and never falls back to updating the existing session.
func TestManagerCreateOnlyKeyExists(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg := defaultManagerConfig()
		sess, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		dup := cfg
		dup.CreateOnly = true
		if _, err := mgr.Create(context.Background(), dup, noopSender{}); !errors.Is(err, bfd.ErrCreateOnlyExists) {
			t.Errorf("create-only Create on taken key = %v, want ErrCreateOnlyExists", err)
		}

		dup.DetectMultiplier = 5
		desired := []bfd.ReconcileEntry{
			{Key: bfd.SessionKeyFor(dup), Config: dup, Sender: noopSender{}},
		}
		_, updated, _, reconcileErr := mgr.Reconcile(context.Background(), desired)
		if !errors.Is(reconcileErr, bfd.ErrCreateOnlyExists) {
			t.Errorf("Reconcile with create-only entry = %v, want ErrCreateOnlyExists", reconcileErr)
		}
		if updated != 0 {
			t.Errorf("updated = %d, want 0 (create-only must not update)", updated)
		}
		if got := sess.Snapshot().DetectMult; got != 3 {
			t.Errorf("DetectMult = %d, want 3 (unchanged)", got)
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerDrainAllSessions
// -------------------------------------------------------------------------

// TestManagerDrainAllSessions verifies that DrainAllSessions transitions
// all sessions to AdminDown with DiagAdminDown.
func TestManagerDrainAllSessions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)
		defer mgr.Close()

		cfg1 := defaultManagerConfig()
		cfg2 := bfd.SessionConfig{
			PeerAddr:              netip.MustParseAddr("198.51.100.1"),
			LocalAddr:             netip.MustParseAddr("198.51.100.2"),
			Interface:             "eth1",
			Role:                  bfd.RoleActive,
			DesiredMinTxInterval:  time.Second,
			RequiredMinRxInterval: time.Second,
			DetectMultiplier:      3,
		}

		sess1, err := mgr.Create(context.Background(), cfg1, noopSender{})
		if err != nil {
			t.Fatalf("Create 1: %v", err)
		}
		sess2, err := mgr.Create(context.Background(), cfg2, noopSender{})
		if err != nil {
			t.Fatalf("Create 2: %v", err)
		}

		mgr.DrainAllSessions()

		// Each session applies AdminDown in its own run loop; let them
		// drain adminCh before checking.
		synctest.Wait()

		if sess1.State() != bfd.StateAdminDown {
			t.Errorf("sess1.State() = %s, want AdminDown", sess1.State())
		}
		if sess2.State() != bfd.StateAdminDown {
			t.Errorf("sess2.State() = %s, want AdminDown", sess2.State())
		}

		if sess1.LocalDiag() != bfd.DiagAdminDown {
			t.Errorf("sess1.LocalDiag() = %s, want AdminDown", sess1.LocalDiag())
		}
		if sess2.LocalDiag() != bfd.DiagAdminDown {
			t.Errorf("sess2.LocalDiag() = %s, want AdminDown", sess2.LocalDiag())
		}

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// TestManagerClose
// -------------------------------------------------------------------------

// TestManagerClose verifies that Close cancels every session goroutine
// and clears the internal entry map.
func TestManagerClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := newTestManager(t)

		cfg := defaultManagerConfig()
		_, err := mgr.Create(context.Background(), cfg, noopSender{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		mgr.Close()

		time.Sleep(10 * time.Millisecond)
	})
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// containsSubstring reports whether s contains substr.
func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

// searchSubstring checks if s contains substr using standard string search.
func searchSubstring(s, substr string) bool {
	for i := range len(s) - len(substr) + 1 {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

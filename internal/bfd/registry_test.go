package bfd

import (
	"errors"
	"net/netip"
	"testing"
)

func newRegistrySession(discr uint32, peer string, opts ...func(*Session)) *Session {
	s := &Session{
		localDiscr: discr,
		peerAddr:   netip.MustParseAddr(peer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func withIfName(name string) func(*Session) {
	return func(s *Session) { s.ifName = name }
}

func withMhop(local string, vrf string) func(*Session) {
	return func(s *Session) {
		s.multiHop = true
		s.localAddr = netip.MustParseAddr(local)
		s.vrf = vrf
	}
}

func TestRegistryIndexMembership(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	shop := newRegistrySession(1, "198.51.100.2", withIfName("eth0"))
	mhop := newRegistrySession(2, "203.0.113.9", withMhop("192.0.2.1", "blue"))

	if err := r.insert(shop); err != nil {
		t.Fatalf("insert single-hop: %v", err)
	}
	if err := r.insert(mhop); err != nil {
		t.Fatalf("insert multi-hop: %v", err)
	}

	// Both live in the discriminator index for their whole lifetime.
	for _, want := range []*Session{shop, mhop} {
		got, ok := r.findByDiscr(want.localDiscr)
		if !ok || got != want {
			t.Errorf("findByDiscr(%d) = %v, %v; want session %d", want.localDiscr, got, ok, want.localDiscr)
		}
	}

	// A multi-hop session is present in the mhop index and absent from
	// the shop index; the converse for single-hop.
	if got, ok := r.findByShop(shop.peerAddr, "eth0"); !ok || got != shop {
		t.Errorf("findByShop(shop key) = %v, %v; want shop session", got, ok)
	}
	if _, ok := r.findByMhop(shop.peerAddr, netip.Addr{}, ""); ok {
		t.Error("single-hop session found in multi-hop index")
	}
	if got, ok := r.findByMhop(mhop.peerAddr, mhop.localAddr, "blue"); !ok || got != mhop {
		t.Errorf("findByMhop(mhop key) = %v, %v; want mhop session", got, ok)
	}
	if _, ok := r.findByShop(mhop.peerAddr, ""); ok {
		t.Error("multi-hop session found in single-hop index")
	}
}

func TestRegistryFindByShopFallsBackToEmptyInterface(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	anyIf := newRegistrySession(1, "198.51.100.2")
	if err := r.insert(anyIf); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Interface name is optional matching: a lookup naming a concrete
	// interface retries with an empty one.
	if got, ok := r.findByShop(anyIf.peerAddr, "eth3"); !ok || got != anyIf {
		t.Errorf("findByShop with nonmatching ifname = %v, %v; want fallback hit", got, ok)
	}

	// The fallback is one-directional: a session keyed to a concrete
	// interface does not match a lookup for a different one.
	pinned := newRegistrySession(2, "198.51.100.3", withIfName("eth0"))
	if err := r.insert(pinned); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := r.findByShop(pinned.peerAddr, "eth1"); ok {
		t.Error("findByShop matched a session pinned to a different interface")
	}
}

func TestRegistryInsertConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		first   *Session
		second  *Session
		wantErr error
	}{
		{
			name:    "discriminator collision",
			first:   newRegistrySession(0x12345678, "198.51.100.2"),
			second:  newRegistrySession(0x12345678, "198.51.100.3"),
			wantErr: errDiscrInUse,
		},
		{
			name:    "single-hop key collision",
			first:   newRegistrySession(10, "198.51.100.2", withIfName("eth0")),
			second:  newRegistrySession(11, "198.51.100.2", withIfName("eth0")),
			wantErr: errKeyInUse,
		},
		{
			name:    "multi-hop key collision",
			first:   newRegistrySession(20, "203.0.113.9", withMhop("192.0.2.1", "blue")),
			second:  newRegistrySession(21, "203.0.113.9", withMhop("192.0.2.1", "blue")),
			wantErr: errKeyInUse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRegistry()
			if err := r.insert(tt.first); err != nil {
				t.Fatalf("first insert: %v", err)
			}

			err := r.insert(tt.second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("second insert error = %v, want %v", err, tt.wantErr)
			}
			if kind, ok := ErrKind(err); !ok || kind != KindRegistryConflict {
				t.Errorf("second insert kind = %v, %v; want RegistryConflict", kind, ok)
			}

			// The first session is unaffected by the rejected insert.
			got, ok := r.findByDiscr(tt.first.localDiscr)
			if !ok || got != tt.first {
				t.Errorf("first session no longer resolvable after conflict")
			}
		})
	}
}

func TestRegistryDistinctKeysShareNoConflict(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	// Same peer on different interfaces, and the same tuple in a
	// different VRF, are distinct sessions.
	sessions := []*Session{
		newRegistrySession(1, "198.51.100.2", withIfName("eth0")),
		newRegistrySession(2, "198.51.100.2", withIfName("eth1")),
		newRegistrySession(3, "203.0.113.9", withMhop("192.0.2.1", "blue")),
		newRegistrySession(4, "203.0.113.9", withMhop("192.0.2.1", "red")),
	}
	for _, s := range sessions {
		if err := r.insert(s); err != nil {
			t.Fatalf("insert discr %d: %v", s.localDiscr, err)
		}
	}

	if got := len(r.snapshot()); got != len(sessions) {
		t.Errorf("snapshot length = %d, want %d", got, len(sessions))
	}
}

func TestRegistrySessionForPacket(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	shop := newRegistrySession(7, "198.51.100.2", withIfName("eth0"))
	mhop := newRegistrySession(8, "203.0.113.9", withMhop("192.0.2.1", "blue"))
	if err := r.insert(shop); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.insert(mhop); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name      string
		yourDiscr uint32
		pktState  State
		peer      string
		local     string
		ifName    string
		vrf       string
		isMHop    bool
		want      *Session
	}{
		{
			name:      "nonzero discriminator with matching peer",
			yourDiscr: 7,
			pktState:  StateUp,
			peer:      "198.51.100.2",
			want:      shop,
		},
		{
			// The discriminator hit counts only when the packet's source
			// address agrees with the session's stored peer.
			name:      "nonzero discriminator with wrong peer",
			yourDiscr: 7,
			pktState:  StateUp,
			peer:      "198.51.100.99",
			want:      nil,
		},
		{
			name:      "nonzero discriminator unknown",
			yourDiscr: 404,
			pktState:  StateDown,
			peer:      "198.51.100.2",
			want:      nil,
		},
		{
			name:     "zero discriminator Down resolves by shop tuple",
			pktState: StateDown,
			peer:     "198.51.100.2",
			ifName:   "eth0",
			want:     shop,
		},
		{
			name:     "zero discriminator AdminDown resolves by shop tuple",
			pktState: StateAdminDown,
			peer:     "198.51.100.2",
			ifName:   "eth0",
			want:     shop,
		},
		{
			name:     "zero discriminator Down resolves by mhop tuple",
			pktState: StateDown,
			peer:     "203.0.113.9",
			local:    "192.0.2.1",
			vrf:      "blue",
			isMHop:   true,
			want:     mhop,
		},
		{
			// A zero Your Discriminator is only legal while the sender
			// believes the session is down; anything else is unresolved.
			name:     "zero discriminator Up is unresolved",
			pktState: StateUp,
			peer:     "198.51.100.2",
			ifName:   "eth0",
			want:     nil,
		},
		{
			name:     "zero discriminator Init is unresolved",
			pktState: StateInit,
			peer:     "198.51.100.2",
			ifName:   "eth0",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var local netip.Addr
			if tt.local != "" {
				local = netip.MustParseAddr(tt.local)
			}
			got, ok := r.sessionForPacket(
				tt.yourDiscr, tt.pktState,
				netip.MustParseAddr(tt.peer), local,
				tt.ifName, tt.vrf, tt.isMHop,
			)
			if tt.want == nil {
				if ok {
					t.Fatalf("sessionForPacket resolved %d, want unresolved", got.localDiscr)
				}
				return
			}
			if !ok || got != tt.want {
				t.Fatalf("sessionForPacket = %v, %v; want session %d", got, ok, tt.want.localDiscr)
			}
		})
	}
}

func TestRegistryLabels(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	a := newRegistrySession(1, "198.51.100.2", withIfName("eth0"))
	b := newRegistrySession(2, "198.51.100.3", withIfName("eth0"))
	if err := r.insert(a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.insert(b); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if !r.tryAssignLabel(a, "core-uplink") {
		t.Fatal("first label assignment failed")
	}

	// Collision fails softly: b keeps no label, a keeps its own.
	if r.tryAssignLabel(b, "core-uplink") {
		t.Error("colliding label assignment succeeded")
	}
	if b.label != "" {
		t.Errorf("b.label = %q after collision, want empty", b.label)
	}
	if !r.labelInUse("core-uplink") {
		t.Error("label not recorded as in use")
	}

	// Rename releases the old label for reuse.
	if !r.tryAssignLabel(a, "edge-uplink") {
		t.Fatal("rename failed")
	}
	if r.labelInUse("core-uplink") {
		t.Error("old label still in use after rename")
	}
	if !r.tryAssignLabel(b, "core-uplink") {
		t.Error("released label could not be reassigned")
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	s := newRegistrySession(1, "198.51.100.2", withIfName("eth0"))
	if err := r.insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !r.tryAssignLabel(s, "lab") {
		t.Fatal("label assignment failed")
	}

	r.remove(s)
	r.remove(s)

	if _, ok := r.findByDiscr(1); ok {
		t.Error("removed session still in discriminator index")
	}
	if _, ok := r.findByShop(s.peerAddr, "eth0"); ok {
		t.Error("removed session still in single-hop index")
	}
	if r.labelInUse("lab") {
		t.Error("removed session's label still in use")
	}

	// A removed discriminator and key can be inserted again.
	if err := r.insert(newRegistrySession(1, "198.51.100.2", withIfName("eth0"))); err != nil {
		t.Errorf("reinsert after remove: %v", err)
	}
}

package bfd

import (
	"errors"
	"net/netip"
	"sync"
)

// Sentinel errors wrapped into *CoreError by registry.insert.
var (
	errDiscrInUse = errors.New("discriminator already in use")
	errKeyInUse   = errors.New("session key already in use")
)

// This file implements the session registry: three independent indices
// over the same set of sessions. Lookups are pure functions of the key
// and never mutate the session. Keys are built from netip.Addr, which
// never carries a port, so packets from ephemeral source ports already
// match regardless of source port; the port is stripped once, at the
// netio boundary, when a received packet's source netip.AddrPort is
// reduced to a netip.Addr.
//
// Single-hop and multi-hop sessions live in disjoint indices: a
// single-hop session is keyed by {peer, interface} (RFC 5881), a
// multi-hop session by {peer, local, VRF} (RFC 5883). A session is in
// exactly one of the two, plus the discriminator index, for its whole
// lifetime.

// shopKey is the single-hop registry key: peer address plus the local
// interface name, which may be empty.
type shopKey struct {
	peer   netip.Addr
	ifName string
}

// mhopKey is the multi-hop registry key: peer address, local address,
// and VRF name.
type mhopKey struct {
	peer  netip.Addr
	local netip.Addr
	vrf   string
}

// registry owns the three indices. All mutation happens under mu; the
// zero value is not usable, use newRegistry.
type registry struct {
	mu sync.RWMutex

	byDiscr map[uint32]*Session
	byShop  map[shopKey]*Session
	byMhop  map[mhopKey]*Session
	byLabel map[string]*Session
}

func newRegistry() *registry {
	return &registry{
		byDiscr: make(map[uint32]*Session),
		byShop:  make(map[shopKey]*Session),
		byMhop:  make(map[mhopKey]*Session),
		byLabel: make(map[string]*Session),
	}
}

// findByDiscr resolves a session by its local discriminator.
func (r *registry) findByDiscr(d uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDiscr[d]
	return s, ok
}

// findByShop resolves a single-hop session by peer address and interface
// name. The interface name is optional matching: if no session is keyed
// to the given interface, the lookup retries with an empty one.
func (r *registry) findByShop(peer netip.Addr, ifName string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byShop[shopKey{peer: peer, ifName: ifName}]; ok {
		return s, true
	}
	if ifName != "" {
		if s, ok := r.byShop[shopKey{peer: peer, ifName: ""}]; ok {
			return s, true
		}
	}
	return nil, false
}

// findByMhop resolves a multi-hop session by its full keying tuple.
func (r *registry) findByMhop(peer, local netip.Addr, vrf string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byMhop[mhopKey{peer: peer, local: local, vrf: vrf}]
	return s, ok
}

// shopKeyInUse reports whether the exact single-hop key is taken. No
// empty-interface fallback: that is demux behavior, not create behavior.
func (r *registry) shopKeyInUse(peer netip.Addr, ifName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byShop[shopKey{peer: peer, ifName: ifName}]
	return ok
}

// mhopKeyInUse reports whether the exact multi-hop key is taken.
func (r *registry) mhopKeyInUse(peer, local netip.Addr, vrf string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byMhop[mhopKey{peer: peer, local: local, vrf: vrf}]
	return ok
}

// sessionForPacket implements the RFC 5880 Section 6.8.6 demultiplexing
// rule:
//
//   - if the packet's Your Discriminator is nonzero, resolve by
//     discriminator; the hit counts only when the packet's peer address
//     matches that session's stored peer;
//   - if Your Discriminator is zero and the packet's state is Down or
//     AdminDown, resolve by the address tuple;
//   - otherwise the packet is unresolved.
func (r *registry) sessionForPacket(
	yourDiscr uint32,
	pktState State,
	peer, local netip.Addr,
	ifName, vrf string,
	isMHop bool,
) (*Session, bool) {
	if yourDiscr != 0 {
		s, ok := r.findByDiscr(yourDiscr)
		if !ok {
			return nil, false
		}
		if s.PeerAddr() != peer {
			return nil, false
		}
		return s, true
	}

	if pktState != StateDown && pktState != StateAdminDown {
		return nil, false
	}

	if isMHop {
		return r.findByMhop(peer, local, vrf)
	}
	return r.findByShop(peer, ifName)
}

// insert adds s to the by-discriminator index plus exactly one of
// by-shop/by-mhop. Fails with a *CoreError{Kind: KindRegistryConflict} if
// the discriminator or the keying tuple is already in use. Label
// assignment is handled separately by tryAssignLabel: a label collision
// at create time fails softly rather than rejecting the whole session.
func (r *registry) insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byDiscr[s.localDiscr]; exists {
		return newCoreError(KindRegistryConflict, errDiscrInUse)
	}

	if s.multiHop {
		key := mhopKey{peer: s.peerAddr, local: s.localAddr, vrf: s.vrf}
		if _, exists := r.byMhop[key]; exists {
			return newCoreError(KindRegistryConflict, errKeyInUse)
		}
	} else {
		key := shopKey{peer: s.peerAddr, ifName: s.ifName}
		if _, exists := r.byShop[key]; exists {
			return newCoreError(KindRegistryConflict, errKeyInUse)
		}
	}

	r.byDiscr[s.localDiscr] = s
	if s.multiHop {
		r.byMhop[mhopKey{peer: s.peerAddr, local: s.localAddr, vrf: s.vrf}] = s
	} else {
		r.byShop[shopKey{peer: s.peerAddr, ifName: s.ifName}] = s
	}

	return nil
}

// tryAssignLabel assigns label to s if label is non-empty and not already
// held by another session. On collision it leaves s.label empty and
// returns false; the caller logs this as a soft failure rather than
// rejecting the session.
func (r *registry) tryAssignLabel(s *Session, label string) bool {
	if label == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byLabel[label]; exists {
		return false
	}
	if s.label != "" {
		delete(r.byLabel, s.label)
	}
	r.byLabel[label] = s
	s.label = label
	return true
}

// remove deletes s from every index it participates in. Idempotent: it
// is not an error to remove a session more than once.
func (r *registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byDiscr, s.localDiscr)
	if s.multiHop {
		delete(r.byMhop, mhopKey{peer: s.peerAddr, local: s.localAddr, vrf: s.vrf})
	} else {
		delete(r.byShop, shopKey{peer: s.peerAddr, ifName: s.ifName})
	}
	if s.label != "" {
		delete(r.byLabel, s.label)
	}
}

// snapshot returns every session currently registered, for reconciliation
// and for Manager.Sessions().
func (r *registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byDiscr))
	for _, s := range r.byDiscr {
		out = append(out, s)
	}
	return out
}

// labelInUse reports whether label is already assigned to some session.
func (r *registry) labelInUse(label string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byLabel[label]
	return exists
}

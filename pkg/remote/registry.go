package remote

import (
    "fmt"
    "sync"

    "actorwire/pkg/protocol"
)

// AssociationRegistry maps remote addresses and handshaken uids to their
// Association. Address entries are created lazily and never removed during
// the transport lifetime; uid entries appear when a handshake completes.
// An address may remap to a new uid on reincarnation, the stale uid entry
// stays behind and is shadowed by the newer association state.
type AssociationRegistry struct {
    byAddress sync.Map // protocol.Address -> *Association
    byUID     sync.Map // uint64 -> *Association

    newAssociation func(protocol.Address) *Association
    localAddress   func() protocol.Address

    mu    sync.Mutex // serializes slow-path creation
    count int
}

func newAssociationRegistry(local func() protocol.Address, create func(protocol.Address) *Association) *AssociationRegistry {
    return &AssociationRegistry{newAssociation: create, localAddress: local}
}

// Association returns the association for addr, creating it on first use.
// Concurrent calls for the same address return the same instance. Asking for
// the local address is a caller bug.
func (r *AssociationRegistry) Association(addr protocol.Address) *Association {
    if addr == r.localAddress() {
        panic(fmt.Sprintf("remote: association requested for local address %s", addr))
    }
    if v, ok := r.byAddress.Load(addr); ok {
        return v.(*Association)
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    if v, ok := r.byAddress.Load(addr); ok {
        return v.(*Association)
    }
    a := r.newAssociation(addr)
    r.byAddress.Store(addr, a)
    r.count++
    return a
}

// AssociationByUID returns the association a completed handshake bound to
// uid, if any.
func (r *AssociationRegistry) AssociationByUID(uid uint64) (*Association, bool) {
    v, ok := r.byUID.Load(uid)
    if !ok {
        return nil, false
    }
    return v.(*Association), true
}

// SetUID binds the peer's uid to its address association. Idempotent.
func (r *AssociationRegistry) SetUID(peer protocol.UniqueAddress) *Association {
    a := r.Association(peer.Address)
    r.byUID.Store(peer.UID, a)
    return a
}

// Count reports how many address associations exist.
func (r *AssociationRegistry) Count() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.count
}

// Range visits every address association.
func (r *AssociationRegistry) Range(fn func(a *Association) bool) {
    r.byAddress.Range(func(_, v any) bool { return fn(v.(*Association)) })
}

// AssociationRef is the opaque handle remote actor refs cache for O(1)
// association lookup. It keys into the registry instead of pinning an
// Association pointer, so the registry stays the sole owner; a stale cache
// is self-healing because lookups always resolve the current entry.
type AssociationRef struct {
    registry *AssociationRegistry
    addr     protocol.Address
}

// Ref returns the cacheable handle for addr.
func (r *AssociationRegistry) Ref(addr protocol.Address) AssociationRef {
    return AssociationRef{registry: r, addr: addr}
}

// IsZero reports whether the handle was never set.
func (h AssociationRef) IsZero() bool { return h.registry == nil }

// Association resolves the handle through the registry.
func (h AssociationRef) Association() *Association {
    return h.registry.Association(h.addr)
}

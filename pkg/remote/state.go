package remote

import (
    "errors"
    "sync"
    "time"

    "actorwire/pkg/compress"
    "actorwire/pkg/protocol"
)

// ErrHandshakeTimeout fails an outbound lane whose peer uid promise was not
// fulfilled within the handshake timeout; restart supervision reacts to it.
var ErrHandshakeTimeout = errors.New("remote: handshake timed out")

// UIDPromise is the one-shot future for a peer's unique address. It is
// fulfilled exactly once per incarnation; a reincarnation gets a fresh
// promise inside a new AssociationState.
type UIDPromise struct {
    once sync.Once
    done chan struct{}
    peer protocol.UniqueAddress
    err  error
}

func newUIDPromise() *UIDPromise { return &UIDPromise{done: make(chan struct{})} }

func completedUIDPromise(peer protocol.UniqueAddress) *UIDPromise {
    p := newUIDPromise()
    p.complete(peer)
    return p
}

// complete fulfills the promise; only the first call wins.
func (p *UIDPromise) complete(peer protocol.UniqueAddress) bool {
    won := false
    p.once.Do(func() {
        p.peer = peer
        won = true
        close(p.done)
    })
    return won
}

// fail resolves the promise with an error; only the first call wins.
func (p *UIDPromise) fail(err error) bool {
    won := false
    p.once.Do(func() {
        p.err = err
        won = true
        close(p.done)
    })
    return won
}

// Done is closed once the promise is resolved either way.
func (p *UIDPromise) Done() <-chan struct{} { return p.done }

// Peek returns the peer if the promise is already fulfilled.
func (p *UIDPromise) Peek() (protocol.UniqueAddress, bool) {
    select {
    case <-p.done:
        if p.err != nil {
            return protocol.UniqueAddress{}, false
        }
        return p.peer, true
    default:
        return protocol.UniqueAddress{}, false
    }
}

// Value blocks until resolution and returns the peer or the failure.
func (p *UIDPromise) Value() (protocol.UniqueAddress, error) {
    <-p.done
    return p.peer, p.err
}

// AssociationState is the immutable per-peer snapshot. Transitions replace
// the whole value through the Association's compare-and-set; readers always
// observe one consistent snapshot.
type AssociationState struct {
    // Incarnation is 1-based and strictly monotonic per association.
    Incarnation uint32

    remotePromise *UIDPromise

    // quarantined maps banned uids to their quarantine timestamp
    // (monotonic nanoseconds). Never mutated after construction.
    quarantined map[uint64]int64

    compression protocol.OutboundCompression
}

func newAssociationState(comp protocol.OutboundCompression) *AssociationState {
    if comp == nil {
        comp = compress.NoopOutbound{}
    }
    return &AssociationState{
        Incarnation:   1,
        remotePromise: newUIDPromise(),
        quarantined:   map[uint64]int64{},
        compression:   comp,
    }
}

// UniqueRemote returns the peer unique address if the handshake completed
// for this incarnation.
func (s *AssociationState) UniqueRemote() (protocol.UniqueAddress, bool) {
    return s.remotePromise.Peek()
}

// RemotePromise exposes the pending uid future for gating stages.
func (s *AssociationState) RemotePromise() *UIDPromise { return s.remotePromise }

// IsQuarantined reports whether uid is banned.
func (s *AssociationState) IsQuarantined(uid uint64) bool {
    _, ok := s.quarantined[uid]
    return ok
}

// IsQuarantinedCurrent reports whether the current incarnation itself is
// banned, i.e. the association is in the Quarantined state.
func (s *AssociationState) IsQuarantinedCurrent() bool {
    peer, ok := s.remotePromise.Peek()
    if !ok {
        return false
    }
    return s.IsQuarantined(peer.UID)
}

// QuarantinedUIDs returns a snapshot of all banned uids.
func (s *AssociationState) QuarantinedUIDs() []uint64 {
    out := make([]uint64, 0, len(s.quarantined))
    for uid := range s.quarantined {
        out = append(out, uid)
    }
    return out
}

// Compression is the outbound table consulted by the encoder; the no-op
// sentinel once the peer is quarantined.
func (s *AssociationState) Compression() protocol.OutboundCompression { return s.compression }

// newQuarantined derives the snapshot that bans uid. The incarnation and
// promise are retained; the compression handle becomes the sentinel.
func (s *AssociationState) newQuarantined(uid uint64) *AssociationState {
    q := make(map[uint64]int64, len(s.quarantined)+1)
    for k, v := range s.quarantined {
        q[k] = v
    }
    if _, ok := q[uid]; !ok {
        q[uid] = monotonicNanos()
    }
    return &AssociationState{
        Incarnation:   s.Incarnation,
        remotePromise: s.remotePromise,
        quarantined:   q,
        compression:   compress.NoopOutbound{},
    }
}

// newIncarnation derives the next-incarnation snapshot with a promise
// already fulfilled by peer. The quarantined set is retained.
func (s *AssociationState) newIncarnation(peer protocol.UniqueAddress, comp protocol.OutboundCompression) *AssociationState {
    if comp == nil {
        comp = compress.NoopOutbound{}
    }
    q := make(map[uint64]int64, len(s.quarantined))
    for k, v := range s.quarantined {
        q[k] = v
    }
    return &AssociationState{
        Incarnation:   s.Incarnation + 1,
        remotePromise: completedUIDPromise(peer),
        quarantined:   q,
        compression:   comp,
    }
}

var monotonicBase = time.Now()

// monotonicNanos stamps quarantine entries on the monotonic clock so they
// order correctly across wall-clock adjustments.
func monotonicNanos() int64 { return int64(time.Since(monotonicBase)) }

// Package compress holds the compression tables consulted by the envelope
// codec: one outbound table per peer, and the inbound table the transport
// shares across all peers. Ids are advertised by the receiving side via
// control messages; the tables here only store and look up agreed mappings.
package compress

import (
    "sync"
)

// OutboundTable maps strings to ids advertised by one peer.
type OutboundTable struct {
    mu        sync.RWMutex
    refs      map[string]int32
    manifests map[string]int32
}

// NewOutboundTable returns an empty outbound table.
func NewOutboundTable() *OutboundTable {
    return &OutboundTable{refs: make(map[string]int32), manifests: make(map[string]int32)}
}

func (t *OutboundTable) CompressActorRef(ref string) (int32, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    id, ok := t.refs[ref]
    return id, ok
}

func (t *OutboundTable) CompressClassManifest(m string) (int32, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    id, ok := t.manifests[m]
    return id, ok
}

// AdvertiseActorRef records a ref→id mapping received from the peer.
func (t *OutboundTable) AdvertiseActorRef(ref string, id int32) {
    t.mu.Lock()
    t.refs[ref] = id
    t.mu.Unlock()
}

// AdvertiseClassManifest records a manifest→id mapping received from the peer.
func (t *OutboundTable) AdvertiseClassManifest(m string, id int32) {
    t.mu.Lock()
    t.manifests[m] = id
    t.mu.Unlock()
}

// InboundTable maps ids back to strings for received frames. The transport
// uses one inbound table for frames from every peer.
type InboundTable struct {
    mu        sync.RWMutex
    refs      map[int32]string
    manifests map[int32]string
}

// NewInboundTable returns an empty inbound table.
func NewInboundTable() *InboundTable {
    return &InboundTable{refs: make(map[int32]string), manifests: make(map[int32]string)}
}

func (t *InboundTable) ActorRefByID(id int32) (string, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    s, ok := t.refs[id]
    return s, ok
}

func (t *InboundTable) ClassManifestByID(id int32) (string, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    s, ok := t.manifests[id]
    return s, ok
}

// AddActorRef registers a local ref under the given id.
func (t *InboundTable) AddActorRef(ref string, id int32) {
    t.mu.Lock()
    t.refs[id] = ref
    t.mu.Unlock()
}

// AddClassManifest registers a manifest under an id.
func (t *InboundTable) AddClassManifest(m string, id int32) {
    t.mu.Lock()
    t.manifests[id] = m
    t.mu.Unlock()
}

// NoopOutbound is the sentinel table installed once a peer is quarantined:
// it never compresses anything.
type NoopOutbound struct{}

func (NoopOutbound) CompressActorRef(string) (int32, bool)      { return 0, false }
func (NoopOutbound) CompressClassManifest(string) (int32, bool) { return 0, false }

// Package remote implements the association registry, handshake, quarantine
// and reliable system-message delivery that make up the transport core.
package remote

import (
    "sort"
    "sync"

    "actorwire/pkg/protocol"
)

// Event is a transport lifecycle or domain event published on the stream.
type Event interface{ eventKind() string }

// HandshakeCompletedEvent fires when a peer uid promise is fulfilled,
// including on reincarnation.
type HandshakeCompletedEvent struct {
    Peer        protocol.UniqueAddress
    Incarnation uint32
}

// QuarantinedEvent fires when a peer incarnation is quarantined locally.
type QuarantinedEvent struct {
    Local  protocol.UniqueAddress
    Remote protocol.UniqueAddress
    Reason string
}

// ThisActorSystemQuarantinedEvent fires when a peer tells us it has
// quarantined this system.
type ThisActorSystemQuarantinedEvent struct {
    Local  protocol.Address
    Remote protocol.Address
}

// InboundQuarantinedDropEvent fires when an inbound envelope from a banned
// incarnation is discarded.
type InboundQuarantinedDropEvent struct {
    OriginUID uint64
}

// CompressionAdvertisementEvent fires when a peer advertises a ref or
// manifest mapping.
type CompressionAdvertisementEvent struct {
    Peer     protocol.UniqueAddress
    Ref      string
    Manifest string
    ID       int32
}

// PipelineRestartEvent fires when an inbound or outbound pipeline restarts.
type PipelineRestartEvent struct {
    Name string
    Err  error
}

func (HandshakeCompletedEvent) eventKind() string        { return "handshake-completed" }
func (QuarantinedEvent) eventKind() string               { return "quarantined" }
func (ThisActorSystemQuarantinedEvent) eventKind() string { return "this-system-quarantined" }
func (InboundQuarantinedDropEvent) eventKind() string    { return "inbound-quarantined-drop" }
func (CompressionAdvertisementEvent) eventKind() string  { return "compression-advertisement" }
func (PipelineRestartEvent) eventKind() string           { return "pipeline-restart" }

// EventStream fans events out to subscribers synchronously, in subscription
// order. Subscribers must not block.
type EventStream struct {
    mu   sync.RWMutex
    subs map[int]func(Event)
    next int
}

// NewEventStream returns an empty stream.
func NewEventStream() *EventStream { return &EventStream{subs: make(map[int]func(Event))} }

// Subscribe registers fn and returns a cancel func.
func (s *EventStream) Subscribe(fn func(Event)) func() {
    s.mu.Lock()
    id := s.next
    s.next++
    s.subs[id] = fn
    s.mu.Unlock()
    return func() {
        s.mu.Lock()
        delete(s.subs, id)
        s.mu.Unlock()
    }
}

// Publish delivers ev to all current subscribers.
func (s *EventStream) Publish(ev Event) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    ids := make([]int, 0, len(s.subs))
    for id := range s.subs {
        ids = append(ids, id)
    }
    sort.Ints(ids)
    for _, id := range ids {
        s.subs[id](ev)
    }
}

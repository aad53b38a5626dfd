package remote

import (
    "actorwire/pkg/pool"
    "actorwire/pkg/protocol"
)

// Message is a pre-serialized payload plus the metadata needed to frame it.
// Serialization itself happens above this layer.
type Message struct {
    Manifest     string
    SerializerID int32
    Payload      []byte
}

// OutboundEnvelope is the reusable wrapper carried through an outbound lane.
// Pooled instances are released by the lane after the publication accepted
// (or dropped) the frame.
type OutboundEnvelope struct {
    Sender    string
    Recipient string
    Target    protocol.Address
    Message   Message

    pooled bool
}

// InboundEnvelope is the reusable wrapper handed to the dispatcher sink. It
// is released back to its pool when Dispatch returns; sinks must not retain
// it.
type InboundEnvelope struct {
    Sender    string
    Recipient string
    OriginUID uint64
    Lane      int32
    Message   Message

    pooled bool
}

// InboundSink consumes decoded user envelopes; implemented by the actor
// dispatcher. Dispatch is called from the inbound pipeline goroutine and
// must not retain env.
type InboundSink interface {
    Dispatch(env *InboundEnvelope)
}

// Pool capacities. The outbound capacity tracks the send-queue sizing and is
// a tunable rather than a derived value.
const (
    InboundEnvelopePoolCapacity  = 16
    OutboundEnvelopePoolCapacity = 6144
)

func newOutboundEnvelopePool() *pool.ObjectPool[*OutboundEnvelope] {
    return pool.NewObjectPool(OutboundEnvelopePoolCapacity,
        func() *OutboundEnvelope { return &OutboundEnvelope{pooled: true} },
        func(e *OutboundEnvelope) {
            pooled := e.pooled
            *e = OutboundEnvelope{}
            e.pooled = pooled
        })
}

func newInboundEnvelopePool() *pool.ObjectPool[*InboundEnvelope] {
    return pool.NewObjectPool(InboundEnvelopePoolCapacity,
        func() *InboundEnvelope { return &InboundEnvelope{pooled: true} },
        func(e *InboundEnvelope) {
            pooled := e.pooled
            *e = InboundEnvelope{}
            e.pooled = pooled
        })
}

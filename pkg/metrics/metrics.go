// Package metrics exposes prometheus instrumentation for the transport.
package metrics

import (
    "github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the transport collectors. All counters are partitioned by
// stream lane where that makes sense.
type Metrics struct {
    EnvelopesSent     *prometheus.CounterVec
    EnvelopesReceived *prometheus.CounterVec
    EnvelopesDropped  *prometheus.CounterVec
    HandshakesDone    prometheus.Counter
    Quarantines       prometheus.Counter
    PipelineRestarts  *prometheus.CounterVec
    SysMsgResends     prometheus.Counter
    Associations      prometheus.Gauge
}

// New registers and returns the transport metrics on reg. Passing nil uses
// a throwaway registry, convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
    if reg == nil {
        reg = prometheus.NewRegistry()
    }
    m := &Metrics{
        EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "envelopes_sent_total",
            Help:      "Envelopes offered to the media driver.",
        }, []string{"lane"}),
        EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "envelopes_received_total",
            Help:      "Envelopes decoded from inbound frames.",
        }, []string{"lane"}),
        EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "envelopes_dropped_total",
            Help:      "Envelopes dropped, by reason.",
        }, []string{"reason"}),
        HandshakesDone: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "handshakes_completed_total",
            Help:      "Completed handshakes, including reincarnations.",
        }),
        Quarantines: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "quarantines_total",
            Help:      "Peer incarnations quarantined.",
        }),
        PipelineRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "pipeline_restarts_total",
            Help:      "Inbound pipeline and outbound lane restarts, by pipeline name.",
        }, []string{"stream"}),
        SysMsgResends: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: "actorwire",
            Name:      "system_message_resends_total",
            Help:      "Retransmissions of unacknowledged system messages.",
        }),
        Associations: prometheus.NewGauge(prometheus.GaugeOpts{
            Namespace: "actorwire",
            Name:      "associations",
            Help:      "Associations known to the registry.",
        }),
    }
    reg.MustRegister(
        m.EnvelopesSent, m.EnvelopesReceived, m.EnvelopesDropped,
        m.HandshakesDone, m.Quarantines, m.PipelineRestarts,
        m.SysMsgResends, m.Associations,
    )
    return m
}

// Drop reasons used with EnvelopesDropped.
const (
    DropDecode      = "decode-error"
    DropGiveUp      = "give-up-send"
    DropQuarantined = "quarantined"
    DropShutdown    = "shutdown"
)

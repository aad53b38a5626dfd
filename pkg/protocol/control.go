package protocol

import (
    "fmt"

    "actorwire/pkg/protocol/codec"
)

// ControlSerializerID marks envelopes whose payload is a transport control
// message rather than user data.
const ControlSerializerID int32 = 17

// ControlManifest is the manifest carried by control envelopes.
const ControlManifest = "aw-ctl"

// ControlKind enumerates the transport-level protocol messages exchanged on
// the control stream.
type ControlKind uint8

const (
    KindHandshakeReq ControlKind = iota + 1
    KindHandshakeRsp
    KindQuarantined
    KindActorRefAdvertisement
    KindClassManifestAdvertisement
    KindSystemMessage
    KindSystemMessageAck
    KindSystemMessageNack
)

func (k ControlKind) String() string {
    switch k {
    case KindHandshakeReq:
        return "handshake-req"
    case KindHandshakeRsp:
        return "handshake-rsp"
    case KindQuarantined:
        return "quarantined"
    case KindActorRefAdvertisement:
        return "actor-ref-advertisement"
    case KindClassManifestAdvertisement:
        return "class-manifest-advertisement"
    case KindSystemMessage:
        return "system-message"
    case KindSystemMessageAck:
        return "system-message-ack"
    case KindSystemMessageNack:
        return "system-message-nack"
    default:
        return "unknown"
    }
}

// WireAddress is the CBOR form of Address.
type WireAddress struct {
    Protocol string `cbor:"1,keyasint,omitempty"`
    System   string `cbor:"2,keyasint,omitempty"`
    Host     string `cbor:"3,keyasint,omitempty"`
    Port     int    `cbor:"4,keyasint,omitempty"`
}

func toWireAddress(a Address) WireAddress {
    return WireAddress{Protocol: a.Protocol, System: a.System, Host: a.Host, Port: a.Port}
}

func (w WireAddress) Address() Address {
    return Address{Protocol: w.Protocol, System: w.System, Host: w.Host, Port: w.Port}
}

// ControlMessage is the single CBOR document carried by all control
// envelopes; unused fields stay absent on the wire.
type ControlMessage struct {
    Kind ControlKind `cbor:"1,keyasint"`

    // Handshake and quarantine addressing.
    From    WireAddress `cbor:"2,keyasint,omitempty"`
    FromUID uint64      `cbor:"3,keyasint,omitempty"`
    To      WireAddress `cbor:"4,keyasint,omitempty"`

    // Compression advertisements.
    Ref      string `cbor:"5,keyasint,omitempty"`
    Manifest string `cbor:"6,keyasint,omitempty"`
    ID       int32  `cbor:"7,keyasint,omitempty"`

    // Reliable system-message delivery.
    SeqNo uint64 `cbor:"8,keyasint,omitempty"`

    // Wrapped system payload (KindSystemMessage).
    WrappedManifest   string `cbor:"9,keyasint,omitempty"`
    WrappedSerializer int32  `cbor:"10,keyasint,omitempty"`
    WrappedPayload    []byte `cbor:"11,keyasint,omitempty"`
    WrappedRecipient  string `cbor:"12,keyasint,omitempty"`
}

// FromUnique returns the sender unique address of a handshake or quarantine
// message.
func (m *ControlMessage) FromUnique() UniqueAddress {
    return UniqueAddress{Address: m.From.Address(), UID: m.FromUID}
}

var controlCodec = func() codec.Codec {
    c := codec.NewRegistry().Get("application/cbor")
    if c == nil {
        panic("protocol: cbor codec missing from registry")
    }
    return c
}()

// NewHandshakeReq builds the request sent to remote until a response shows up.
func NewHandshakeReq(local UniqueAddress, remote Address) *ControlMessage {
    return &ControlMessage{
        Kind:    KindHandshakeReq,
        From:    toWireAddress(local.Address),
        FromUID: local.UID,
        To:      toWireAddress(remote),
    }
}

// NewHandshakeRsp builds the response confirming this node's unique address.
func NewHandshakeRsp(local UniqueAddress) *ControlMessage {
    return &ControlMessage{Kind: KindHandshakeRsp, From: toWireAddress(local.Address), FromUID: local.UID}
}

// NewQuarantined tells remote that from has quarantined it.
func NewQuarantined(from UniqueAddress, to UniqueAddress) *ControlMessage {
    return &ControlMessage{
        Kind:    KindQuarantined,
        From:    toWireAddress(from.Address),
        FromUID: from.UID,
        To:      toWireAddress(to.Address),
    }
}

// NewActorRefAdvertisement tells the peer it may compress ref to id when
// sending to local.
func NewActorRefAdvertisement(local UniqueAddress, ref string, id int32) *ControlMessage {
    return &ControlMessage{
        Kind:    KindActorRefAdvertisement,
        From:    toWireAddress(local.Address),
        FromUID: local.UID,
        Ref:     ref,
        ID:      id,
    }
}

// NewClassManifestAdvertisement tells the peer it may compress manifest to id
// when sending to local.
func NewClassManifestAdvertisement(local UniqueAddress, manifest string, id int32) *ControlMessage {
    return &ControlMessage{
        Kind:     KindClassManifestAdvertisement,
        From:     toWireAddress(local.Address),
        FromUID:  local.UID,
        Manifest: manifest,
        ID:       id,
    }
}

// MarshalControl encodes a control message into an envelope payload.
func MarshalControl(m *ControlMessage) ([]byte, error) {
    return controlCodec.Marshal(m)
}

// UnmarshalControl decodes a control envelope payload.
func UnmarshalControl(payload []byte) (*ControlMessage, error) {
    var m ControlMessage
    if err := controlCodec.Unmarshal(payload, &m); err != nil {
        return nil, fmt.Errorf("protocol: decode control message: %w", err)
    }
    if m.Kind == 0 {
        return nil, fmt.Errorf("protocol: control message without kind")
    }
    return &m, nil
}

// IsControl reports whether a decoded envelope carries a control message.
func IsControl(env *Envelope) bool {
    return env.SerializerID == ControlSerializerID && env.Manifest == ControlManifest
}

// ControlEnvelope wraps a control message into a wire envelope originating
// from uid.
func ControlEnvelope(uid uint64, m *ControlMessage) (*Envelope, error) {
    payload, err := MarshalControl(m)
    if err != nil {
        return nil, err
    }
    return &Envelope{
        UID:          uid,
        SerializerID: ControlSerializerID,
        Manifest:     ControlManifest,
        Payload:      payload,
    }, nil
}

// Package protocol defines the envelope wire format, addressing types and
// control messages exchanged between transports.
package protocol

import (
    "crypto/rand"
    "encoding/binary"
    "fmt"
)

// Stream identifiers for the three logical per-peer channels.
const (
    ControlStreamID  int32 = 1
    OrdinaryStreamID int32 = 3
    LargeStreamID    int32 = 4
)

// Frame size bounds. Control and ordinary envelopes use MaxFrameSize buffers,
// the large lane uses MaxLargeFrameSize.
const (
    MaxFrameSize      = 1 << 20
    MaxLargeFrameSize = 5 << 20
)

// MaxPooledBuffers bounds each envelope buffer pool.
const MaxPooledBuffers = 256

// Envelope flag bits.
const (
    FlagCompressedManifest  uint8 = 1 << 0
    FlagCompressedRecipient uint8 = 1 << 1
    FlagCompressedSender    uint8 = 1 << 2
)

// EnvelopeVersion is the wire format version emitted by this implementation.
const EnvelopeVersion uint8 = 0

// Address identifies a remote actor system endpoint, without incarnation.
type Address struct {
    Protocol string
    System   string
    Host     string
    Port     int
}

func (a Address) String() string {
    return fmt.Sprintf("%s://%s@%s:%d", a.Protocol, a.System, a.Host, a.Port)
}

// HostPort returns the dialable endpoint of the address.
func (a Address) HostPort() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// UniqueAddress couples an Address with the UID of one process incarnation.
type UniqueAddress struct {
    Address Address
    UID     uint64
}

func (u UniqueAddress) String() string {
    return fmt.Sprintf("%s#%d", u.Address, u.UID)
}

// NewUID mints a random nonzero 64-bit incarnation identifier.
func NewUID() uint64 {
    var b [8]byte
    for {
        if _, err := rand.Read(b[:]); err != nil {
            panic("protocol: reading random uid: " + err.Error())
        }
        if uid := binary.BigEndian.Uint64(b[:]); uid != 0 {
            return uid
        }
    }
}

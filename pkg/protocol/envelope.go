package protocol

import (
    "encoding/binary"
    "errors"
    "fmt"
)

// Envelope wire layout (network byte order):
//
//  0        Version    u8
//  1        Flags      u8
//  2  ..9   UID        u64   originating incarnation
//  10 ..13  Serializer i32
//  14 ..    Sender     length-prefixed utf-8, or i32 compressed ref id
//  ...      Recipient  length-prefixed utf-8, or i32 compressed ref id
//  ...      Manifest   length-prefixed utf-8, or i32 compressed manifest id
//  ...      Payload    remainder
//
// Length prefixes are u32. Flag bits select the compressed form per field.

// Envelope is the decoded form of one wire frame.
type Envelope struct {
    UID          uint64
    SerializerID int32
    Sender       string
    Recipient    string
    Manifest     string
    Payload      []byte
}

var (
    ErrShortFrame  = errors.New("protocol: frame too short")
    ErrBadVersion  = errors.New("protocol: unsupported envelope version")
    ErrFrameTooBig = errors.New("protocol: frame exceeds buffer capacity")
)

// UnknownCompressionIDError is returned when the inbound table has no entry
// for a compressed field. The envelope is dropped, the stream survives.
type UnknownCompressionIDError struct {
    Field string
    ID    int32
}

func (e *UnknownCompressionIDError) Error() string {
    return fmt.Sprintf("protocol: unknown compressed %s id %d", e.Field, e.ID)
}

// Encode appends the envelope to buf and returns the extended slice. The
// outbound compression table substitutes integer ids for sender/recipient
// refs and class manifests where a mapping exists; a nil table always emits
// literals. Encode fails rather than grow buf past its capacity, so pooled
// buffers keep their fixed size; only a buf with zero capacity is grown.
func Encode(buf []byte, env *Envelope, table OutboundCompression) ([]byte, error) {
    var flags uint8
    senderID, senderOK := int32(0), false
    recipientID, recipientOK := int32(0), false
    manifestID, manifestOK := int32(0), false
    if table != nil {
        if id, ok := table.CompressActorRef(env.Sender); ok && env.Sender != "" {
            senderID, senderOK = id, true
            flags |= FlagCompressedSender
        }
        if id, ok := table.CompressActorRef(env.Recipient); ok && env.Recipient != "" {
            recipientID, recipientOK = id, true
            flags |= FlagCompressedRecipient
        }
        if id, ok := table.CompressClassManifest(env.Manifest); ok && env.Manifest != "" {
            manifestID, manifestOK = id, true
            flags |= FlagCompressedManifest
        }
    }

    need := 14 + fieldSize(env.Sender, senderOK) + fieldSize(env.Recipient, recipientOK) +
        fieldSize(env.Manifest, manifestOK) + len(env.Payload)
    if len(buf)+need > cap(buf) && cap(buf) > 0 {
        return buf, ErrFrameTooBig
    }

    buf = append(buf, EnvelopeVersion, flags)
    buf = binary.BigEndian.AppendUint64(buf, env.UID)
    buf = binary.BigEndian.AppendUint32(buf, uint32(env.SerializerID))
    buf = appendField(buf, env.Sender, senderID, senderOK)
    buf = appendField(buf, env.Recipient, recipientID, recipientOK)
    buf = appendField(buf, env.Manifest, manifestID, manifestOK)
    buf = append(buf, env.Payload...)
    return buf, nil
}

func fieldSize(s string, compressed bool) int {
    if compressed {
        return 4
    }
    return 4 + len(s)
}

func appendField(buf []byte, s string, id int32, compressed bool) []byte {
    if compressed {
        return binary.BigEndian.AppendUint32(buf, uint32(id))
    }
    buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
    return append(buf, s...)
}

// Decode parses one frame. Compressed fields are resolved through the inbound
// table; an unknown id yields UnknownCompressionIDError.
func Decode(frame []byte, table InboundCompression) (*Envelope, error) {
    if len(frame) < 14 {
        return nil, ErrShortFrame
    }
    if frame[0] != EnvelopeVersion {
        return nil, ErrBadVersion
    }
    flags := frame[1]
    env := &Envelope{
        UID:          binary.BigEndian.Uint64(frame[2:10]),
        SerializerID: int32(binary.BigEndian.Uint32(frame[10:14])),
    }
    rest := frame[14:]
    var err error
    env.Sender, rest, err = readField(rest, flags&FlagCompressedSender != 0, table, "actor ref", refByID)
    if err != nil {
        return nil, err
    }
    env.Recipient, rest, err = readField(rest, flags&FlagCompressedRecipient != 0, table, "actor ref", refByID)
    if err != nil {
        return nil, err
    }
    env.Manifest, rest, err = readField(rest, flags&FlagCompressedManifest != 0, table, "manifest", manifestByID)
    if err != nil {
        return nil, err
    }
    env.Payload = rest
    return env, nil
}

func refByID(t InboundCompression, id int32) (string, bool) { return t.ActorRefByID(id) }

func manifestByID(t InboundCompression, id int32) (string, bool) {
    return t.ClassManifestByID(id)
}

func readField(rest []byte, compressed bool, table InboundCompression, kind string,
    resolve func(InboundCompression, int32) (string, bool)) (string, []byte, error) {
    if len(rest) < 4 {
        return "", nil, ErrShortFrame
    }
    v := binary.BigEndian.Uint32(rest[:4])
    rest = rest[4:]
    if compressed {
        id := int32(v)
        if table == nil {
            return "", nil, &UnknownCompressionIDError{Field: kind, ID: id}
        }
        s, ok := resolve(table, id)
        if !ok {
            return "", nil, &UnknownCompressionIDError{Field: kind, ID: id}
        }
        return s, rest, nil
    }
    n := int(v)
    if n > len(rest) {
        return "", nil, ErrShortFrame
    }
    return string(rest[:n]), rest[n:], nil
}

package protocol

import (
    "bytes"
    "errors"
    "testing"
)

type tableStub struct {
    refs      map[string]int32
    manifests map[string]int32
}

func (t *tableStub) CompressActorRef(ref string) (int32, bool) {
    id, ok := t.refs[ref]
    return id, ok
}

func (t *tableStub) CompressClassManifest(m string) (int32, bool) {
    id, ok := t.manifests[m]
    return id, ok
}

func (t *tableStub) ActorRefByID(id int32) (string, bool) {
    for r, i := range t.refs {
        if i == id {
            return r, true
        }
    }
    return "", false
}

func (t *tableStub) ClassManifestByID(id int32) (string, bool) {
    for m, i := range t.manifests {
        if i == id {
            return m, true
        }
    }
    return "", false
}

func TestEnvelopeRoundtripLiteral(t *testing.T) {
    env := &Envelope{
        UID:          0x1122334455667788,
        SerializerID: 33,
        Sender:       "/system/sender",
        Recipient:    "/user/echo",
        Manifest:     "MsgA",
        Payload:      []byte("hello"),
    }
    buf := make([]byte, 0, MaxFrameSize)
    frame, err := Encode(buf, env, nil)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    got, err := Decode(frame, nil)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    if got.UID != env.UID || got.SerializerID != env.SerializerID ||
        got.Sender != env.Sender || got.Recipient != env.Recipient ||
        got.Manifest != env.Manifest || !bytes.Equal(got.Payload, env.Payload) {
        t.Fatalf("envelopes differ: %#v vs %#v", got, env)
    }
}

func TestEnvelopeRoundtripCompressed(t *testing.T) {
    table := &tableStub{
        refs:      map[string]int32{"/user/echo": 4, "/system/sender": 9},
        manifests: map[string]int32{"MsgA": 1},
    }
    env := &Envelope{
        UID:          7,
        SerializerID: 33,
        Sender:       "/system/sender",
        Recipient:    "/user/echo",
        Manifest:     "MsgA",
        Payload:      []byte{0xde, 0xad},
    }
    frame, err := Encode(make([]byte, 0, 256), env, table)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    // Compressed form must be shorter than the literal one.
    literal, _ := Encode(make([]byte, 0, 256), env, nil)
    if len(frame) >= len(literal) {
        t.Fatalf("compressed frame not shorter: %d vs %d", len(frame), len(literal))
    }
    got, err := Decode(frame, table)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    if got.Sender != env.Sender || got.Recipient != env.Recipient || got.Manifest != env.Manifest {
        t.Fatalf("fields differ after compressed roundtrip: %#v", got)
    }
}

func TestDecodeUnknownCompressionID(t *testing.T) {
    table := &tableStub{refs: map[string]int32{"/user/echo": 4}, manifests: map[string]int32{}}
    env := &Envelope{UID: 1, Recipient: "/user/echo", Payload: []byte("x")}
    frame, err := Encode(make([]byte, 0, 128), env, table)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    // Receiver with an empty table cannot resolve the id.
    _, err = Decode(frame, &tableStub{refs: map[string]int32{}, manifests: map[string]int32{}})
    var unknown *UnknownCompressionIDError
    if !errors.As(err, &unknown) {
        t.Fatalf("expected UnknownCompressionIDError, got %v", err)
    }
    if unknown.ID != 4 {
        t.Fatalf("expected id 4, got %d", unknown.ID)
    }
}

func TestDecodeRejectsShortAndBadVersion(t *testing.T) {
    if _, err := Decode([]byte{0, 1, 2}, nil); !errors.Is(err, ErrShortFrame) {
        t.Fatalf("expected short frame error, got %v", err)
    }
    env := &Envelope{UID: 1, Payload: []byte("x")}
    frame, _ := Encode(make([]byte, 0, 64), env, nil)
    frame[0] = 99
    if _, err := Decode(frame, nil); !errors.Is(err, ErrBadVersion) {
        t.Fatalf("expected bad version error, got %v", err)
    }
}

func TestEncodeRespectsBufferCapacity(t *testing.T) {
    env := &Envelope{UID: 1, Payload: bytes.Repeat([]byte{1}, 128)}
    if _, err := Encode(make([]byte, 0, 32), env, nil); !errors.Is(err, ErrFrameTooBig) {
        t.Fatalf("expected frame-too-big error, got %v", err)
    }
}

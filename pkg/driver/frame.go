package driver

import (
    "crypto/rand"
    "encoding/binary"
    "errors"
)

// Datagram frame layout (24 bytes, little-endian) prepended by the udp
// driver to every fragment. Envelope payloads larger than one datagram are
// split across fragments sharing a correlation id.
//
//  0  ..1   Magic   'A''W' (0x4157)
//  2        Version u8
//  3        Stream  u8
//  4  ..11  Correlation u64
//  12 ..15  PayloadLen  u32  (length of this fragment's payload)
//  16 ..17  FragTotal   u16
//  18 ..19  FragIndex   u16
//  20 ..23  Reserved
const (
    // FrameHeaderSize is the fixed fragment header length.
    FrameHeaderSize = 24

    frameMagic   = uint16(0x4157) // 'A''W'
    frameVersion = uint8(0)
)

// MaxDatagramPayload bounds the per-fragment payload so a full fragment fits
// a UDP datagram with room for the frame header.
const MaxDatagramPayload = 60 * 1024

// FrameHeader describes one datagram fragment.
type FrameHeader struct {
    Stream      uint8
    Correlation uint64
    PayloadLen  uint32
    FragTotal   uint16
    FragIndex   uint16
}

// MarshalBinary encodes the header into a 24-byte prefix.
func (h *FrameHeader) MarshalBinary() []byte {
    buf := make([]byte, FrameHeaderSize)
    binary.LittleEndian.PutUint16(buf[0:2], frameMagic)
    buf[2] = frameVersion
    buf[3] = h.Stream
    binary.LittleEndian.PutUint64(buf[4:12], h.Correlation)
    binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
    binary.LittleEndian.PutUint16(buf[16:18], h.FragTotal)
    binary.LittleEndian.PutUint16(buf[18:20], h.FragIndex)
    return buf
}

// UnmarshalBinary decodes the header prefix.
func (h *FrameHeader) UnmarshalBinary(buf []byte) error {
    if len(buf) < FrameHeaderSize {
        return errors.New("driver: short frame header")
    }
    if binary.LittleEndian.Uint16(buf[0:2]) != frameMagic {
        return errors.New("driver: bad frame magic")
    }
    if buf[2] != frameVersion {
        return errors.New("driver: unsupported frame version")
    }
    h.Stream = buf[3]
    h.Correlation = binary.LittleEndian.Uint64(buf[4:12])
    h.PayloadLen = binary.LittleEndian.Uint32(buf[12:16])
    h.FragTotal = binary.LittleEndian.Uint16(buf[16:18])
    h.FragIndex = binary.LittleEndian.Uint16(buf[18:20])
    return nil
}

// NewCorrelation mints a random fragment-group id.
func NewCorrelation() uint64 {
    var b [8]byte
    _, _ = rand.Read(b[:])
    return binary.LittleEndian.Uint64(b[:])
}

// Fragment splits one frame into datagram-sized fragments, each prefixed with
// a frame header sharing the same correlation id.
func Fragment(stream int32, frame []byte, chunk int) [][]byte {
    if chunk <= 0 || chunk > MaxDatagramPayload {
        chunk = MaxDatagramPayload
    }
    total := (len(frame) + chunk - 1) / chunk
    if total == 0 {
        total = 1
    }
    corr := NewCorrelation()
    out := make([][]byte, 0, total)
    for i := 0; i < total; i++ {
        start := i * chunk
        end := start + chunk
        if end > len(frame) {
            end = len(frame)
        }
        h := FrameHeader{
            Stream:      uint8(stream),
            Correlation: corr,
            PayloadLen:  uint32(end - start),
            FragTotal:   uint16(total),
            FragIndex:   uint16(i),
        }
        dgram := make([]byte, 0, FrameHeaderSize+end-start)
        dgram = append(dgram, h.MarshalBinary()...)
        dgram = append(dgram, frame[start:end]...)
        out = append(out, dgram)
    }
    return out
}

package remote

import (
    "errors"
    "sync"
    "testing"

    "actorwire/pkg/protocol"
)

func TestDeliverySequencesFromOne(t *testing.T) {
    var sent []*protocol.ControlMessage
    d := NewSystemMessageDelivery(10, func(m *protocol.ControlMessage) error {
        sent = append(sent, m)
        return nil
    }, nil)

    for i := 0; i < 3; i++ {
        if err := d.Offer(Message{Payload: []byte{byte(i)}}, "/system/x", protocol.Address{}); err != nil {
            t.Fatalf("offer %d: %v", i, err)
        }
    }
    if len(sent) != 3 {
        t.Fatalf("sent %d messages", len(sent))
    }
    for i, m := range sent {
        if m.SeqNo != uint64(i+1) {
            t.Fatalf("seq[%d] = %d, want %d", i, m.SeqNo, i+1)
        }
    }
}

func TestDeliveryAckTrimsWindowAndOverflowFails(t *testing.T) {
    d := NewSystemMessageDelivery(2, func(*protocol.ControlMessage) error { return nil }, nil)
    _ = d.Offer(Message{}, "", protocol.Address{})
    _ = d.Offer(Message{}, "", protocol.Address{})

    err := d.Offer(Message{}, "", protocol.Address{})
    var overflow *SysMsgOverflowError
    if !errors.As(err, &overflow) {
        t.Fatalf("expected overflow error, got %v", err)
    }
    d.Ack(2)
    if d.Pending() != 0 {
        t.Fatalf("pending = %d after cumulative ack", d.Pending())
    }
    if err := d.Offer(Message{}, "", protocol.Address{}); err != nil {
        t.Fatalf("offer after ack: %v", err)
    }
}

func TestDeliveryResendRepeatsUnacked(t *testing.T) {
    var mu sync.Mutex
    var sent []uint64
    d := NewSystemMessageDelivery(10, func(m *protocol.ControlMessage) error {
        mu.Lock()
        sent = append(sent, m.SeqNo)
        mu.Unlock()
        return nil
    }, nil)
    _ = d.Offer(Message{}, "", protocol.Address{})
    _ = d.Offer(Message{}, "", protocol.Address{})
    d.Ack(1)
    d.Resend()
    mu.Lock()
    defer mu.Unlock()
    if len(sent) != 3 || sent[2] != 2 {
        t.Fatalf("resend should repeat only seq 2, sent=%v", sent)
    }
}

func sysMsg(seq uint64) *protocol.ControlMessage {
    return &protocol.ControlMessage{Kind: protocol.KindSystemMessage, SeqNo: seq}
}

func TestAckerInOrderDelivery(t *testing.T) {
    k := NewSystemMessageAcker(16)
    for seq := uint64(1); seq <= 3; seq++ {
        deliverable, ack, nack := k.Receive(sysMsg(seq))
        if len(deliverable) != 1 || deliverable[0].SeqNo != seq {
            t.Fatalf("seq %d not delivered in order", seq)
        }
        if ack != seq || nack != 0 {
            t.Fatalf("seq %d: ack=%d nack=%d", seq, ack, nack)
        }
    }
}

func TestAckerBuffersGapAndDrains(t *testing.T) {
    k := NewSystemMessageAcker(16)
    if d, _, _ := k.Receive(sysMsg(1)); len(d) != 1 {
        t.Fatalf("seq 1 should deliver")
    }
    d, ack, nack := k.Receive(sysMsg(3))
    if len(d) != 0 || ack != 1 || nack != 2 {
        t.Fatalf("gap: d=%d ack=%d nack=%d", len(d), ack, nack)
    }
    d, ack, nack = k.Receive(sysMsg(2))
    if len(d) != 2 || d[0].SeqNo != 2 || d[1].SeqNo != 3 {
        t.Fatalf("gap fill should drain 2 then 3, got %d", len(d))
    }
    if ack != 3 || nack != 0 {
        t.Fatalf("after drain: ack=%d nack=%d", ack, nack)
    }
}

func TestAckerDuplicateOnlyReacks(t *testing.T) {
    k := NewSystemMessageAcker(16)
    k.Receive(sysMsg(1))
    k.Receive(sysMsg(2))
    d, ack, nack := k.Receive(sysMsg(1))
    if len(d) != 0 || ack != 2 || nack != 0 {
        t.Fatalf("duplicate: d=%d ack=%d nack=%d", len(d), ack, nack)
    }
}

// TestReliableDeliveryUnderLoss wires a delivery window to an acker through a
// lossy channel that loses every other transmission of each message, starting
// with the first; the periodic resend must still deliver every message in
// order with no gaps.
func TestReliableDeliveryUnderLoss(t *testing.T) {
    const total = 100
    k := NewSystemMessageAcker(total)

    var mu sync.Mutex
    var delivered []uint64
    attempts := make(map[uint64]int)
    var d *SystemMessageDelivery
    d = NewSystemMessageDelivery(total, func(m *protocol.ControlMessage) error {
        mu.Lock()
        defer mu.Unlock()
        attempts[m.SeqNo]++
        if attempts[m.SeqNo]%2 == 1 {
            return nil // lost in transit
        }
        deliverable, ack, _ := k.Receive(m)
        for _, dm := range deliverable {
            delivered = append(delivered, dm.SeqNo)
        }
        d.Ack(ack)
        return nil
    }, nil)

    for i := 0; i < total; i++ {
        if err := d.Offer(Message{}, "/system/x", protocol.Address{}); err != nil {
            t.Fatalf("offer %d: %v", i, err)
        }
    }
    for round := 0; round < 200 && d.Pending() > 0; round++ {
        d.Resend()
    }
    mu.Lock()
    defer mu.Unlock()
    if len(delivered) != total {
        t.Fatalf("delivered %d of %d", len(delivered), total)
    }
    for i, seq := range delivered {
        if seq != uint64(i+1) {
            t.Fatalf("delivered[%d] = %d, want %d", i, seq, i+1)
        }
    }
}

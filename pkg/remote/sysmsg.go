package remote

import (
    "fmt"
    "sync"
    "time"

    "actorwire/pkg/protocol"
)

// SysMsgOverflowError is returned by Offer when the unacknowledged window is
// exhausted; Association.SendSystem then quarantines the peer. The control
// lane is not failed or restarted on overflow.
type SysMsgOverflowError struct {
    Peer protocol.Address
    Size int
}

func (e *SysMsgOverflowError) Error() string {
    return fmt.Sprintf("remote: system message buffer overflow (%d) towards %s", e.Size, e.Peer)
}

type pendingSysMsg struct {
    seq uint64
    msg *protocol.ControlMessage
}

// SystemMessageDelivery provides reliable ordered delivery of system
// messages over the unreliable control stream: strictly increasing sequence
// numbers from 1, an in-memory resend buffer, and periodic retransmission of
// everything unacknowledged.
type SystemMessageDelivery struct {
    enqueue func(m *protocol.ControlMessage) error
    onResend func(n int)

    mu      sync.Mutex
    nextSeq uint64
    unacked []pendingSysMsg
    maxSize int
}

// NewSystemMessageDelivery creates a sender window. enqueue pushes one
// control message onto the control lane; onResend (optional) observes
// retransmit batches.
func NewSystemMessageDelivery(maxSize int, enqueue func(m *protocol.ControlMessage) error, onResend func(n int)) *SystemMessageDelivery {
    if maxSize <= 0 {
        maxSize = 1
    }
    return &SystemMessageDelivery{enqueue: enqueue, onResend: onResend, nextSeq: 1, maxSize: maxSize}
}

// Offer assigns the next sequence number and sends the wrapped system
// message. It fails with SysMsgOverflowError once maxSize messages are in
// flight unacknowledged.
func (d *SystemMessageDelivery) Offer(msg Message, recipient string, peer protocol.Address) error {
    d.mu.Lock()
    if len(d.unacked) >= d.maxSize {
        size := len(d.unacked)
        d.mu.Unlock()
        return &SysMsgOverflowError{Peer: peer, Size: size}
    }
    seq := d.nextSeq
    d.nextSeq++
    cm := &protocol.ControlMessage{
        Kind:              protocol.KindSystemMessage,
        SeqNo:             seq,
        WrappedManifest:   msg.Manifest,
        WrappedSerializer: msg.SerializerID,
        WrappedPayload:    msg.Payload,
        WrappedRecipient:  recipient,
    }
    d.unacked = append(d.unacked, pendingSysMsg{seq: seq, msg: cm})
    d.mu.Unlock()
    return d.enqueue(cm)
}

// Ack drops everything up to and including seq (cumulative).
func (d *SystemMessageDelivery) Ack(seq uint64) {
    d.mu.Lock()
    keep := d.unacked[:0]
    for _, p := range d.unacked {
        if p.seq > seq {
            keep = append(keep, p)
        }
    }
    d.unacked = keep
    d.mu.Unlock()
}

// Nack retransmits everything from seq on immediately. It is only a hint;
// the periodic resend provides correctness.
func (d *SystemMessageDelivery) Nack(seq uint64) {
    d.mu.Lock()
    var batch []*protocol.ControlMessage
    for _, p := range d.unacked {
        if p.seq >= seq {
            batch = append(batch, p.msg)
        }
    }
    d.mu.Unlock()
    d.send(batch)
}

// Resend retransmits the whole unacknowledged window.
func (d *SystemMessageDelivery) Resend() {
    d.mu.Lock()
    batch := make([]*protocol.ControlMessage, 0, len(d.unacked))
    for _, p := range d.unacked {
        batch = append(batch, p.msg)
    }
    d.mu.Unlock()
    d.send(batch)
}

func (d *SystemMessageDelivery) send(batch []*protocol.ControlMessage) {
    if len(batch) == 0 {
        return
    }
    if d.onResend != nil {
        d.onResend(len(batch))
    }
    for _, m := range batch {
        _ = d.enqueue(m)
    }
}

// Pending reports the in-flight window size.
func (d *SystemMessageDelivery) Pending() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.unacked)
}

// RunResendLoop retransmits on every interval tick until kill closes.
func (d *SystemMessageDelivery) RunResendLoop(interval time.Duration, kill <-chan struct{}) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-kill:
            return
        case <-ticker.C:
            d.Resend()
        }
    }
}

// SystemMessageAcker is the receiving half: it tracks the highest contiguous
// sequence delivered and produces cumulative acks. Out-of-order messages are
// buffered until the gap fills; messages at or below the acked boundary are
// duplicates and only refresh the ack.
type SystemMessageAcker struct {
    mu            sync.Mutex
    lastDelivered uint64
    gap           map[uint64]*protocol.ControlMessage
    maxGap        int
}

// NewSystemMessageAcker creates a receiver window buffering at most maxGap
// out-of-order messages.
func NewSystemMessageAcker(maxGap int) *SystemMessageAcker {
    if maxGap <= 0 {
        maxGap = 1024
    }
    return &SystemMessageAcker{gap: make(map[uint64]*protocol.ControlMessage), maxGap: maxGap}
}

// Receive processes one inbound system message. It returns the messages now
// deliverable in order, the cumulative ack to send, and a non-zero nack hint
// when a gap was detected.
func (k *SystemMessageAcker) Receive(m *protocol.ControlMessage) (deliverable []*protocol.ControlMessage, ackSeq, nackSeq uint64) {
    k.mu.Lock()
    defer k.mu.Unlock()

    seq := m.SeqNo
    switch {
    case seq <= k.lastDelivered:
        // duplicate, re-ack so the sender can trim its window
        return nil, k.lastDelivered, 0
    case seq == k.lastDelivered+1:
        deliverable = append(deliverable, m)
        k.lastDelivered = seq
        for {
            next, ok := k.gap[k.lastDelivered+1]
            if !ok {
                break
            }
            delete(k.gap, k.lastDelivered+1)
            k.lastDelivered++
            deliverable = append(deliverable, next)
        }
        return deliverable, k.lastDelivered, 0
    default:
        if len(k.gap) < k.maxGap {
            k.gap[seq] = m
        }
        return nil, k.lastDelivered, k.lastDelivered + 1
    }
}

// LastDelivered reports the highest contiguous sequence handed out.
func (k *SystemMessageAcker) LastDelivered() uint64 {
    k.mu.Lock()
    defer k.mu.Unlock()
    return k.lastDelivered
}

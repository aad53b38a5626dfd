package remote

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "actorwire/pkg/driver"
    "actorwire/pkg/metrics"
    "actorwire/pkg/protocol"
)

// Lane indexes for the three outbound sinks of one association.
const (
    laneControl = iota
    laneOrdinary
    laneLarge
    laneCount
)

var laneNames = [laneCount]string{"control", "ordinary", "large"}

var errLaneKilled = errors.New("remote: lane killed")

// Association is the runtime relationship with one remote actor system. It
// holds the current immutable AssociationState (replaced only via CAS) and
// owns three lazily materialized outbound lanes.
type Association struct {
    tr     *Transport
    remote protocol.Address

    state atomic.Pointer[AssociationState]

    laneMu sync.Mutex
    lanes  [laneCount]*outboundLane

    sysmsgMu sync.Mutex
    sysmsg   atomic.Pointer[SystemMessageDelivery]
}

func newAssociation(tr *Transport, remote protocol.Address) *Association {
    a := &Association{tr: tr, remote: remote}
    a.state.Store(newAssociationState(tr.newOutboundCompression()))
    return a
}

// RemoteAddress returns the peer address this association serves.
func (a *Association) RemoteAddress() protocol.Address { return a.remote }

// LocalAddress returns this node's unique address.
func (a *Association) LocalAddress() protocol.UniqueAddress { return a.tr.LocalAddress() }

// State returns the current immutable snapshot.
func (a *Association) State() *AssociationState { return a.state.Load() }

// AssociationState implements the OutboundContext view of State.
func (a *Association) AssociationState() *AssociationState { return a.State() }

// ControlSubject is the junction inbound stages subscribe to for received
// control messages.
func (a *Association) ControlSubject() *ControlJunction { return a.tr.ControlSubject() }

// Send enqueues a user message onto the ordinary or large lane depending on
// the recipient path classification. Quarantined peers swallow sends.
func (a *Association) Send(msg Message, sender, recipient string) {
    st := a.State()
    if st.IsQuarantinedCurrent() {
        a.tr.met.EnvelopesDropped.WithLabelValues(metrics.DropQuarantined).Inc()
        return
    }
    lane := laneOrdinary
    if a.tr.largeDest != nil && a.tr.largeDest.Matches(recipient) {
        lane = laneLarge
    }
    env := a.tr.outPool.Acquire()
    env.Sender = sender
    env.Recipient = recipient
    env.Target = a.remote
    env.Message = msg
    a.lane(lane).enqueue(env)
}

// SendControl enqueues a transport control message onto the control lane.
func (a *Association) SendControl(m *protocol.ControlMessage) error {
    payload, err := protocol.MarshalControl(m)
    if err != nil {
        return err
    }
    env := a.tr.outPool.Acquire()
    env.Target = a.remote
    env.Message = Message{
        Manifest:     protocol.ControlManifest,
        SerializerID: protocol.ControlSerializerID,
        Payload:      payload,
    }
    a.lane(laneControl).enqueue(env)
    return nil
}

// SendSystem delivers a system-critical message reliably and in order over
// the control lane. On window overflow the overflow error is returned and,
// once the handshake has completed, the current peer uid is quarantined.
func (a *Association) SendSystem(msg Message, recipient string) error {
    err := a.systemDelivery().Offer(msg, recipient, a.remote)
    if err != nil {
        var overflow *SysMsgOverflowError
        if errors.As(err, &overflow) {
            a.Quarantine(err.Error(), 0)
        }
        return err
    }
    return nil
}

func (a *Association) systemDelivery() *SystemMessageDelivery {
    if d := a.sysmsg.Load(); d != nil {
        return d
    }
    a.sysmsgMu.Lock()
    defer a.sysmsgMu.Unlock()
    if d := a.sysmsg.Load(); d != nil {
        return d
    }
    d := NewSystemMessageDelivery(
        a.tr.cfg.SysMsgBufferSize,
        a.SendControl,
        func(n int) { a.tr.met.SysMsgResends.Add(float64(n)) },
    )
    go d.RunResendLoop(a.tr.cfg.SystemMessageResendInterval, a.tr.kill)
    a.sysmsg.Store(d)
    return d
}

// pendingSystemDelivery returns the delivery window if one exists; acks from
// the peer arrive here.
func (a *Association) pendingSystemDelivery() *SystemMessageDelivery { return a.sysmsg.Load() }

// Quarantine bans the given uid (or the current peer uid when 0). The state
// transition is a CAS to the quarantined snapshot; the peer is told once.
func (a *Association) Quarantine(reason string, uid uint64) {
    for {
        cur := a.State()
        peer, handshaken := cur.UniqueRemote()
        target := uid
        if target == 0 {
            if !handshaken {
                return // nothing to ban before the first handshake
            }
            target = peer.UID
        }
        if handshaken && target != peer.UID && !cur.IsQuarantined(target) {
            // stale uid of a previous incarnation that was never banned;
            // the current incarnation stays untouched
            return
        }
        if cur.IsQuarantined(target) {
            return
        }
        next := cur.newQuarantined(target)
        if !a.state.CompareAndSwap(cur, next) {
            continue
        }
        a.tr.met.Quarantines.Inc()
        a.tr.log.Warn("association quarantined",
            zap.String("remote", a.remote.String()),
            zap.Uint64("uid", target),
            zap.String("reason", reason))
        a.tr.events.Publish(QuarantinedEvent{
            Local:  a.tr.LocalAddress(),
            Remote: protocol.UniqueAddress{Address: a.remote, UID: target},
            Reason: reason,
        })
        _ = a.tr.sendControlRaw(a.remote, protocol.NewQuarantined(
            a.tr.LocalAddress(),
            protocol.UniqueAddress{Address: a.remote, UID: target},
        ))
        return
    }
}

// CompleteHandshake fulfills the pending uid promise. If the promise was
// already fulfilled with a different uid the association moves to a new
// incarnation whose promise is born fulfilled; the quarantined set survives.
func (a *Association) CompleteHandshake(peer protocol.UniqueAddress) {
    for {
        cur := a.State()
        if known, ok := cur.UniqueRemote(); ok {
            if known.UID == peer.UID {
                return
            }
            next := cur.newIncarnation(peer, a.tr.newOutboundCompression())
            if !a.state.CompareAndSwap(cur, next) {
                continue
            }
            a.tr.registry.byUID.Store(peer.UID, a)
            a.tr.met.HandshakesDone.Inc()
            a.tr.log.Info("peer reincarnated",
                zap.String("peer", peer.String()),
                zap.Uint32("incarnation", next.Incarnation))
            a.tr.events.Publish(HandshakeCompletedEvent{Peer: peer, Incarnation: next.Incarnation})
            return
        }
        if cur.RemotePromise().complete(peer) {
            a.tr.registry.byUID.Store(peer.UID, a)
            a.tr.met.HandshakesDone.Inc()
            a.tr.log.Info("handshake completed", zap.String("peer", peer.String()))
            a.tr.events.Publish(HandshakeCompletedEvent{Peer: peer, Incarnation: cur.Incarnation})
            return
        }
        // lost the race; loop to observe the winner
    }
}

// --- outbound lanes ---

func (a *Association) lane(idx int) *outboundLane {
    a.laneMu.Lock()
    defer a.laneMu.Unlock()
    if l := a.lanes[idx]; l != nil {
        return l
    }
    l := &outboundLane{
        a:      a,
        idx:    idx,
        stream: laneStreamID(idx),
        queue:  make(chan *OutboundEnvelope, a.tr.cfg.SendQueueSize),
    }
    if idx == laneOrdinary && a.tr.cfg.OrdinarySendRateBytes > 0 {
        l.credit = newSendCredit(a.tr.cfg.OrdinarySendRateBytes)
    }
    a.lanes[idx] = l
    name := fmt.Sprintf("outbound-%s(%s)", laneNames[idx], a.remote)
    a.tr.supervise(name, l.run, false)
    return l
}

func laneStreamID(idx int) int32 {
    switch idx {
    case laneControl:
        return protocol.ControlStreamID
    case laneLarge:
        return protocol.LargeStreamID
    default:
        return protocol.OrdinaryStreamID
    }
}

// outboundLane is one bounded FIFO sink feeding a driver publication: a
// handshake gate followed by encode and offer-with-give-up.
type outboundLane struct {
    a      *Association
    idx    int
    stream int32
    queue  chan *OutboundEnvelope
    credit *sendCredit
}

// sendCredit meters the ordinary lane to the configured byte rate. Credit
// refills continuously up to one burst; a frame always ships, but a lane in
// debt waits out the deficit first. Only the lane goroutine touches it.
type sendCredit struct {
    ratePerSec int64
    burst      int64
    credit     int64
    refilled   time.Time
}

func newSendCredit(ratePerSec int64) *sendCredit {
    burst := 2 * ratePerSec
    return &sendCredit{ratePerSec: ratePerSec, burst: burst, credit: burst, refilled: time.Now()}
}

// reserve charges cost bytes against the credit and returns how long the
// lane must pause before transmitting.
func (s *sendCredit) reserve(cost int64) time.Duration {
    now := time.Now()
    s.credit += int64(float64(s.ratePerSec) * now.Sub(s.refilled).Seconds())
    if s.credit > s.burst {
        s.credit = s.burst
    }
    s.refilled = now
    s.credit -= cost
    if s.credit >= 0 {
        return 0
    }
    return time.Duration(float64(-s.credit) / float64(s.ratePerSec) * float64(time.Second))
}

// enqueue blocks up to giveUpSendAfter when the lane queue is full, then
// drops with a warning.
func (l *outboundLane) enqueue(env *OutboundEnvelope) {
    tr := l.a.tr
    select {
    case l.queue <- env:
        return
    default:
    }
    timer := time.NewTimer(tr.cfg.GiveUpSendAfter)
    defer timer.Stop()
    select {
    case l.queue <- env:
    case <-timer.C:
        tr.met.EnvelopesDropped.WithLabelValues(metrics.DropGiveUp).Inc()
        tr.log.Warn("gave up enqueueing envelope",
            zap.String("lane", laneNames[l.idx]),
            zap.String("remote", l.a.remote.String()))
        tr.releaseOutbound(env)
    case <-tr.kill:
        tr.met.EnvelopesDropped.WithLabelValues(metrics.DropShutdown).Inc()
        tr.releaseOutbound(env)
    }
}

func (l *outboundLane) run(kill <-chan struct{}) error {
    tr := l.a.tr
    if err := l.awaitHandshake(kill); err != nil {
        if errors.Is(err, errLaneKilled) {
            return nil
        }
        return err
    }
    pub, err := tr.driverFor(l.idx).Publication(l.a.remote.HostPort(), l.stream)
    if err != nil {
        return err
    }
    defer pub.Close()
    bufs := tr.bufferPoolFor(l.idx)

    for {
        select {
        case <-kill:
            return nil
        case env := <-l.queue:
            l.emit(pub, bufs, env, kill)
        }
    }
}

func (l *outboundLane) emit(pub driver.Publication, bufs bufferPool, env *OutboundEnvelope, kill <-chan struct{}) {
    tr := l.a.tr
    defer tr.releaseOutbound(env)

    st := l.a.State()
    if st.IsQuarantinedCurrent() {
        tr.met.EnvelopesDropped.WithLabelValues(metrics.DropQuarantined).Inc()
        return
    }

    buf := bufs.Acquire()
    wire := &protocol.Envelope{
        UID:          tr.LocalAddress().UID,
        SerializerID: env.Message.SerializerID,
        Sender:       env.Sender,
        Recipient:    env.Recipient,
        Manifest:     env.Message.Manifest,
        Payload:      env.Message.Payload,
    }
    frame, err := protocol.Encode(buf, wire, st.Compression())
    if err != nil {
        bufs.Release(buf)
        tr.met.EnvelopesDropped.WithLabelValues(metrics.DropDecode).Inc()
        tr.log.Warn("dropping unencodable envelope",
            zap.String("lane", laneNames[l.idx]), zap.Error(err))
        return
    }
    defer bufs.Release(frame)

    if l.credit != nil {
        if wait := l.credit.reserve(int64(len(frame))); wait > 0 {
            select {
            case <-kill:
                tr.met.EnvelopesDropped.WithLabelValues(metrics.DropShutdown).Inc()
                return
            case <-time.After(wait):
            }
        }
    }

    deadline := time.Now().Add(tr.cfg.GiveUpSendAfter)
    for {
        err := pub.Offer(frame)
        if err == nil {
            tr.met.EnvelopesSent.WithLabelValues(laneNames[l.idx]).Inc()
            return
        }
        if errors.Is(err, driver.ErrBackpressured) && time.Now().Before(deadline) {
            select {
            case <-kill:
                tr.met.EnvelopesDropped.WithLabelValues(metrics.DropShutdown).Inc()
                return
            case <-time.After(10 * time.Millisecond):
            }
            continue
        }
        tr.met.EnvelopesDropped.WithLabelValues(metrics.DropGiveUp).Inc()
        tr.log.Warn("gave up sending envelope",
            zap.String("lane", laneNames[l.idx]),
            zap.String("remote", l.a.remote.String()),
            zap.Error(err))
        return
    }
}

// awaitHandshake holds the lane until the peer uid promise resolves,
// injecting handshake requests periodically. It fails the lane with
// ErrHandshakeTimeout after the configured timeout.
func (l *outboundLane) awaitHandshake(kill <-chan struct{}) error {
    tr := l.a.tr
    p := l.a.State().RemotePromise()
    if _, ok := p.Peek(); ok {
        return nil
    }
    l.a.sendHandshakeReq()
    ticker := time.NewTicker(tr.cfg.InjectHandshakeInterval)
    defer ticker.Stop()
    timeout := time.NewTimer(tr.cfg.HandshakeTimeout)
    defer timeout.Stop()
    for {
        select {
        case <-kill:
            return errLaneKilled
        case <-p.Done():
            if _, err := p.Value(); err != nil {
                return err
            }
            return nil
        case <-ticker.C:
            l.a.sendHandshakeReq()
        case <-timeout.C:
            return ErrHandshakeTimeout
        }
    }
}

func (a *Association) sendHandshakeReq() {
    err := a.tr.sendControlRaw(a.remote, protocol.NewHandshakeReq(a.tr.LocalAddress(), a.remote))
    if err != nil {
        a.tr.log.Debug("handshake request send failed",
            zap.String("remote", a.remote.String()), zap.Error(err))
    }
}

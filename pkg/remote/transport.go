package remote

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "actorwire/pkg/compress"
    "actorwire/pkg/config"
    "actorwire/pkg/driver"
    "actorwire/pkg/metrics"
    "actorwire/pkg/observability"
    "actorwire/pkg/pool"
    "actorwire/pkg/protocol"
    "actorwire/pkg/wildcard"
)

// AddressProtocol is the scheme carried in transport addresses.
const AddressProtocol = "actorwire"

// ErrShutDown is returned by operations on a transport that has shut down.
var ErrShutDown = errors.New("remote: transport is shut down")

// InboundContext is the view of the transport handed to inbound stages.
type InboundContext interface {
    LocalAddress() protocol.UniqueAddress
    SendControl(to protocol.Address, m *protocol.ControlMessage) error
    Association(addr protocol.Address) *Association
    AssociationByUID(uid uint64) (*Association, bool)
    CompleteHandshake(peer protocol.UniqueAddress)
}

// OutboundContext is the per-association view handed to outbound stages.
type OutboundContext interface {
    LocalAddress() protocol.UniqueAddress
    RemoteAddress() protocol.Address
    AssociationState() *AssociationState
    Quarantine(reason string, uid uint64)
    SendControl(m *protocol.ControlMessage) error
    ControlSubject() *ControlJunction
}

type bufferPool interface {
    Acquire() []byte
    Release(b []byte)
}

// Options wires a Transport.
type Options struct {
    Config *config.Config
    // Driver carries the control and ordinary lanes (and large, unless
    // LargeDriver is set).
    Driver driver.Driver
    // LargeDriver optionally carries the large lane on its own media.
    LargeDriver driver.Driver
    // Sink consumes decoded user and system envelopes.
    Sink InboundSink
    Metrics *metrics.Metrics
    Logger  *zap.Logger
    // Terminate is invoked when a pipeline exhausts its restart budget; the
    // host actor system shuts down in response.
    Terminate func(reason string)
}

// Transport owns the media driver, the association registry, and the three
// inbound pipelines. Its lifecycle is Start once, Shutdown once (idempotent).
type Transport struct {
    cfg *config.Config
    log *zap.Logger
    met *metrics.Metrics

    drv      driver.Driver
    largeDrv driver.Driver
    sink     InboundSink

    registry *AssociationRegistry
    junction *ControlJunction
    events   *EventStream

    largeDest *wildcard.Tree

    bufOrdinary *pool.BufferPool
    bufLarge    *pool.BufferPool
    outPool     *pool.ObjectPool[*OutboundEnvelope]
    inPool      *pool.ObjectPool[*InboundEnvelope]

    inComp atomic.Pointer[compress.InboundTable]
    ackers sync.Map // origin uid (uint64) -> *SystemMessageAcker

    local    atomic.Pointer[protocol.UniqueAddress]
    kill     chan struct{}
    down     atomic.Bool
    downOnce sync.Once
    wg       sync.WaitGroup

    ctrlPub   sync.Map // remote host:port -> driver.Publication
    terminate func(reason string)
}

// New builds an unstarted transport.
func New(opts Options) (*Transport, error) {
    if opts.Config == nil {
        return nil, errors.New("remote: Options.Config is required")
    }
    if opts.Driver == nil {
        return nil, errors.New("remote: Options.Driver is required")
    }
    if err := opts.Config.Validate(); err != nil {
        return nil, err
    }
    log := opts.Logger
    if log == nil {
        log = zap.L()
    }
    met := opts.Metrics
    if met == nil {
        met = metrics.New(nil)
    }
    t := &Transport{
        cfg:      opts.Config,
        log:      log,
        met:      met,
        drv:      opts.Driver,
        largeDrv: opts.LargeDriver,
        sink:     opts.Sink,
        junction: NewControlJunction(),
        events:   NewEventStream(),

        bufOrdinary: pool.NewBufferPool(protocol.MaxFrameSize, protocol.MaxPooledBuffers),
        bufLarge:    pool.NewBufferPool(protocol.MaxLargeFrameSize, protocol.MaxPooledBuffers),
        outPool:     newOutboundEnvelopePool(),
        inPool:      newInboundEnvelopePool(),

        kill:      make(chan struct{}),
        terminate: opts.Terminate,
    }
    if t.largeDrv == nil {
        t.largeDrv = t.drv
    }
    if t.terminate == nil {
        t.terminate = func(reason string) {
            log.Error("terminating actor system", zap.String("reason", reason))
            // async: terminate is invoked from a supervised goroutine that
            // Shutdown waits on
            go func() { _ = t.Shutdown() }()
        }
    }
    if len(opts.Config.LargeMessageDestinations) > 0 {
        t.largeDest = wildcard.New()
        for _, p := range opts.Config.LargeMessageDestinations {
            t.largeDest.Insert(p)
        }
    }
    t.inComp.Store(compress.NewInboundTable())
    t.registry = newAssociationRegistry(
        func() protocol.Address { return t.LocalAddress().Address },
        func(addr protocol.Address) *Association {
            a := newAssociation(t, addr)
            met.Associations.Inc()
            return a
        },
    )
    // built-in control observers, in registration order
    t.junction.Attach(ControlObserverFunc(t.observeQuarantined))
    t.junction.Attach(ControlObserverFunc(t.observeCompressionAdvertisement))
    return t, nil
}

// Start brings up the media driver, fixes the local unique address and
// launches the inbound pipelines under restart supervision.
func (t *Transport) Start(ctx context.Context) error {
    if t.down.Load() {
        return ErrShutDown
    }
    if err := t.drv.Start(ctx); err != nil {
        return fmt.Errorf("remote: start driver: %w", err)
    }
    if t.largeDrv != t.drv {
        if err := t.largeDrv.Start(ctx); err != nil {
            return fmt.Errorf("remote: start large driver: %w", err)
        }
    }

    port := t.cfg.Canonical.Port
    if port == 0 {
        port = t.drv.BoundPort()
    }
    local := protocol.UniqueAddress{
        Address: protocol.Address{
            Protocol: AddressProtocol,
            System:   t.cfg.SystemName,
            Host:     t.cfg.Canonical.Hostname,
            Port:     port,
        },
        UID: protocol.NewUID(),
    }
    t.local.Store(&local)
    t.log.Info("transport started",
        zap.String("local", local.String()),
        zap.Bool("embedded-driver", t.cfg.Driver.Embedded),
        zap.Int("idle-cpu-level", t.cfg.Driver.IdleCPULevel))

    t.startErrorPoller()

    t.supervise("inbound-control", func(kill <-chan struct{}) error {
        return t.runInbound(t.drv, protocol.ControlStreamID, kill)
    }, true)
    t.supervise("inbound-ordinary", func(kill <-chan struct{}) error {
        return t.runInbound(t.drv, protocol.OrdinaryStreamID, kill)
    }, true)
    if t.largeDest != nil {
        t.supervise("inbound-large", func(kill <-chan struct{}) error {
            return t.runInbound(t.largeDrv, protocol.LargeStreamID, kill)
        }, true)
    }
    return nil
}

// Shutdown pulls the shared kill switch and closes the media drivers. It is
// idempotent; the first call returns only after every supervised pipeline
// goroutine and the error poller have exited on the kill switch.
func (t *Transport) Shutdown() error {
    t.downOnce.Do(func() {
        t.down.Store(true)
        close(t.kill)
        _ = t.drv.Close()
        if t.largeDrv != t.drv {
            _ = t.largeDrv.Close()
        }
        t.wg.Wait()
        t.log.Info("transport shut down")
    })
    return nil
}

// IsShutDown reports whether Shutdown was called.
func (t *Transport) IsShutDown() bool { return t.down.Load() }

// LocalAddress returns this incarnation's unique address; zero before Start.
func (t *Transport) LocalAddress() protocol.UniqueAddress {
    if p := t.local.Load(); p != nil {
        return *p
    }
    return protocol.UniqueAddress{}
}

// Events exposes the lifecycle event stream.
func (t *Transport) Events() *EventStream { return t.events }

// ControlSubject exposes the inbound control-message junction.
func (t *Transport) ControlSubject() *ControlJunction { return t.junction }

// Association returns (creating if needed) the association for addr.
func (t *Transport) Association(addr protocol.Address) *Association {
    return t.registry.Association(addr)
}

// AssociationByUID returns the association bound to uid by a completed
// handshake.
func (t *Transport) AssociationByUID(uid uint64) (*Association, bool) {
    return t.registry.AssociationByUID(uid)
}

// CompleteHandshake registers the peer and fulfills its uid promise.
func (t *Transport) CompleteHandshake(peer protocol.UniqueAddress) {
    t.registry.SetUID(peer).CompleteHandshake(peer)
}

// AssociationRef returns the opaque handle remote actor refs cache for O(1)
// association lookup.
func (t *Transport) AssociationRef(addr protocol.Address) AssociationRef {
    return t.registry.Ref(addr)
}

// AdvertiseActorRef registers ref under id in the local inbound table and
// advertises the mapping so peer's encoder can substitute it.
func (t *Transport) AdvertiseActorRef(peer protocol.Address, ref string, id int32) error {
    if !t.cfg.Compression.Enabled {
        return nil
    }
    t.inComp.Load().AddActorRef(ref, id)
    return t.sendControlRaw(peer, protocol.NewActorRefAdvertisement(t.LocalAddress(), ref, id))
}

// AdvertiseClassManifest registers manifest under id locally and advertises
// the mapping to peer.
func (t *Transport) AdvertiseClassManifest(peer protocol.Address, manifest string, id int32) error {
    if !t.cfg.Compression.Enabled {
        return nil
    }
    t.inComp.Load().AddClassManifest(manifest, id)
    return t.sendControlRaw(peer, protocol.NewClassManifestAdvertisement(t.LocalAddress(), manifest, id))
}

// SendControl sends one control message to a peer outside any association
// lane; used by handshake injection and ack emission.
func (t *Transport) SendControl(to protocol.Address, m *protocol.ControlMessage) error {
    return t.sendControlRaw(to, m)
}

func (t *Transport) sendControlRaw(to protocol.Address, m *protocol.ControlMessage) error {
    if t.down.Load() {
        return ErrShutDown
    }
    env, err := protocol.ControlEnvelope(t.LocalAddress().UID, m)
    if err != nil {
        return err
    }
    buf := t.bufOrdinary.Acquire()
    frame, err := protocol.Encode(buf, env, nil)
    if err != nil {
        t.bufOrdinary.Release(buf)
        return err
    }
    defer t.bufOrdinary.Release(frame)
    pub, err := t.controlPublication(to)
    if err != nil {
        return err
    }
    return pub.Offer(frame)
}

func (t *Transport) controlPublication(to protocol.Address) (driver.Publication, error) {
    key := to.HostPort()
    if v, ok := t.ctrlPub.Load(key); ok {
        return v.(driver.Publication), nil
    }
    pub, err := t.drv.Publication(key, protocol.ControlStreamID)
    if err != nil {
        return nil, err
    }
    if v, loaded := t.ctrlPub.LoadOrStore(key, pub); loaded {
        _ = pub.Close()
        return v.(driver.Publication), nil
    }
    return pub, nil
}

func (t *Transport) newOutboundCompression() protocol.OutboundCompression {
    if t.cfg.Compression.Enabled {
        return compress.NewOutboundTable()
    }
    return compress.NoopOutbound{}
}

func (t *Transport) driverFor(lane int) driver.Driver {
    if lane == laneLarge {
        return t.largeDrv
    }
    return t.drv
}

func (t *Transport) bufferPoolFor(lane int) bufferPool {
    if lane == laneLarge {
        return t.bufLarge
    }
    return t.bufOrdinary
}

func (t *Transport) releaseOutbound(env *OutboundEnvelope) {
    if env.pooled {
        t.outPool.Release(env)
    }
}

// supervise runs one pipeline under the sliding-window restart budget.
// Inbound restarts get fresh inbound compression tables; outbound lanes
// restart retaining association state (the handshake gate reseeds).
func (t *Transport) supervise(name string, run func(kill <-chan struct{}) error, inbound bool) {
    counter := NewRestartCounter(t.cfg.Restart.MaxRestarts, t.cfg.Restart.Timeout)
    t.wg.Add(1)
    go func() {
        defer t.wg.Done()
        for {
            err := run(t.kill)
            if t.down.Load() || err == nil {
                return
            }
            if errors.Is(err, driver.ErrClosed) {
                // abrupt termination of the media layer, nothing to restart
                return
            }
            t.log.Error("pipeline failed", zap.String("pipeline", name), zap.Error(err))
            if !counter.Restart() {
                t.terminate(fmt.Sprintf("pipeline %s exceeded restart budget: %v", name, err))
                return
            }
            if inbound {
                t.inComp.Store(compress.NewInboundTable())
            }
            t.met.PipelineRestarts.WithLabelValues(name).Inc()
            t.events.Publish(PipelineRestartEvent{Name: name, Err: err})
            t.log.Info("pipeline restarting", zap.String("pipeline", name))
        }
    }()
}

func (t *Transport) startErrorPoller() {
    t.wg.Add(1)
    go func() {
        defer t.wg.Done()
        initial := time.NewTimer(t.cfg.Driver.ErrorPollInitial)
        defer initial.Stop()
        select {
        case <-t.kill:
            return
        case <-initial.C:
        }
        ticker := time.NewTicker(t.cfg.Driver.ErrorPollInterval)
        defer ticker.Stop()
        for {
            t.pollDriverErrors()
            select {
            case <-t.kill:
                return
            case <-ticker.C:
            }
        }
    }()
}

func (t *Transport) pollDriverErrors() {
    for _, err := range t.drv.DrainErrors() {
        t.log.Error("media driver error", zap.Error(err))
    }
    if t.largeDrv != t.drv {
        for _, err := range t.largeDrv.DrainErrors() {
            t.log.Error("media driver error", zap.Error(err))
        }
    }
}

// --- inbound pipelines ---

func laneNameForStream(stream int32) string {
    switch stream {
    case protocol.ControlStreamID:
        return "control"
    case protocol.LargeStreamID:
        return "large"
    default:
        return "ordinary"
    }
}

func (t *Transport) runInbound(drv driver.Driver, stream int32, kill <-chan struct{}) error {
    sub, err := drv.Subscription(stream)
    if err != nil {
        return err
    }
    defer sub.Close()

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    done := make(chan struct{})
    defer close(done)
    go func() {
        select {
        case <-kill:
            cancel()
        case <-done:
        }
    }()

    lane := laneNameForStream(stream)
    laneLog := observability.Lane(t.log, lane)
    for {
        frame, err := sub.Recv(ctx)
        if err != nil {
            if t.down.Load() || errors.Is(err, context.Canceled) {
                return nil
            }
            return err
        }
        env, err := protocol.Decode(frame, t.inComp.Load())
        if err != nil {
            t.met.EnvelopesDropped.WithLabelValues(metrics.DropDecode).Inc()
            laneLog.Warn("dropping undecodable frame", zap.Error(err))
            continue
        }
        t.met.EnvelopesReceived.WithLabelValues(lane).Inc()
        if protocol.IsControl(env) {
            t.handleControl(env)
            continue
        }
        t.deliverUser(stream, env)
    }
}

// handleControl is the control-stream stage chain: handshake, quarantine
// filter, system-message ack/acker, then junction fan-out.
func (t *Transport) handleControl(env *protocol.Envelope) {
    m, err := protocol.UnmarshalControl(env.Payload)
    if err != nil {
        t.met.EnvelopesDropped.WithLabelValues(metrics.DropDecode).Inc()
        t.log.Warn("dropping malformed control message", zap.Error(err))
        return
    }
    origin := m.FromUnique()
    if origin.UID == 0 {
        origin.UID = env.UID
    }

    switch m.Kind {
    case protocol.KindHandshakeReq:
        if m.To.Address() != t.LocalAddress().Address {
            t.log.Debug("handshake request for someone else",
                zap.String("to", m.To.Address().String()))
            return
        }
        t.CompleteHandshake(origin)
        if err := t.sendControlRaw(origin.Address, protocol.NewHandshakeRsp(t.LocalAddress())); err != nil {
            t.log.Debug("handshake response send failed", zap.Error(err))
        }
        return
    case protocol.KindHandshakeRsp:
        t.CompleteHandshake(origin)
        return
    }

    // quarantine filter on the originating incarnation
    if a, ok := t.registry.AssociationByUID(env.UID); ok && a.State().IsQuarantined(env.UID) {
        t.met.EnvelopesDropped.WithLabelValues(metrics.DropQuarantined).Inc()
        t.events.Publish(InboundQuarantinedDropEvent{OriginUID: env.UID})
        return
    }

    switch m.Kind {
    case protocol.KindSystemMessage:
        t.receiveSystemMessage(env.UID, m)
    case protocol.KindSystemMessageAck:
        if a, ok := t.registry.AssociationByUID(env.UID); ok {
            if d := a.pendingSystemDelivery(); d != nil {
                d.Ack(m.SeqNo)
            }
        }
    case protocol.KindSystemMessageNack:
        if a, ok := t.registry.AssociationByUID(env.UID); ok {
            if d := a.pendingSystemDelivery(); d != nil {
                d.Nack(m.SeqNo)
            }
        }
    }

    t.junction.Notify(origin, m)
}

func (t *Transport) receiveSystemMessage(originUID uint64, m *protocol.ControlMessage) {
    v, _ := t.ackers.LoadOrStore(originUID, NewSystemMessageAcker(t.cfg.SysMsgBufferSize))
    acker := v.(*SystemMessageAcker)
    deliverable, ackSeq, nackSeq := acker.Receive(m)

    a, known := t.registry.AssociationByUID(originUID)
    for _, dm := range deliverable {
        t.dispatchSystem(originUID, dm)
    }
    if !known {
        t.log.Debug("system message from unknown incarnation, cannot ack",
            zap.Uint64("uid", originUID))
        return
    }
    ack := &protocol.ControlMessage{Kind: protocol.KindSystemMessageAck, SeqNo: ackSeq}
    if err := t.sendControlRaw(a.RemoteAddress(), ack); err != nil {
        t.log.Debug("system message ack send failed", zap.Error(err))
    }
    if nackSeq > 0 {
        nack := &protocol.ControlMessage{Kind: protocol.KindSystemMessageNack, SeqNo: nackSeq}
        _ = t.sendControlRaw(a.RemoteAddress(), nack)
    }
}

func (t *Transport) dispatchSystem(originUID uint64, m *protocol.ControlMessage) {
    if t.sink == nil {
        return
    }
    env := t.inPool.Acquire()
    env.Recipient = m.WrappedRecipient
    env.OriginUID = originUID
    env.Lane = protocol.ControlStreamID
    env.Message = Message{
        Manifest:     m.WrappedManifest,
        SerializerID: m.WrappedSerializer,
        Payload:      m.WrappedPayload,
    }
    t.sink.Dispatch(env)
    if env.pooled {
        t.inPool.Release(env)
    }
}

func (t *Transport) deliverUser(stream int32, wire *protocol.Envelope) {
    if a, ok := t.registry.AssociationByUID(wire.UID); ok && a.State().IsQuarantined(wire.UID) {
        t.met.EnvelopesDropped.WithLabelValues(metrics.DropQuarantined).Inc()
        t.events.Publish(InboundQuarantinedDropEvent{OriginUID: wire.UID})
        return
    }
    if t.sink == nil {
        return
    }
    env := t.inPool.Acquire()
    env.Sender = wire.Sender
    env.Recipient = wire.Recipient
    env.OriginUID = wire.UID
    env.Lane = stream
    env.Message = Message{
        Manifest:     wire.Manifest,
        SerializerID: wire.SerializerID,
        Payload:      wire.Payload,
    }
    t.sink.Dispatch(env)
    if env.pooled {
        t.inPool.Release(env)
    }
}

// --- built-in control observers ---

// observeQuarantined reacts to a peer telling us it has quarantined this
// system: ban that incarnation in return and publish the lifecycle event.
func (t *Transport) observeQuarantined(origin protocol.UniqueAddress, m *protocol.ControlMessage) {
    if m.Kind != protocol.KindQuarantined {
        return
    }
    if m.To.Address() != t.LocalAddress().Address {
        return
    }
    a := t.registry.Association(origin.Address)
    a.Quarantine("peer quarantined this system", origin.UID)
    t.events.Publish(ThisActorSystemQuarantinedEvent{
        Local:  t.LocalAddress().Address,
        Remote: origin.Address,
    })
}

// observeCompressionAdvertisement records advertised ref/manifest mappings
// in the peer's outbound table.
func (t *Transport) observeCompressionAdvertisement(origin protocol.UniqueAddress, m *protocol.ControlMessage) {
    if m.Kind != protocol.KindActorRefAdvertisement && m.Kind != protocol.KindClassManifestAdvertisement {
        return
    }
    a := t.registry.Association(origin.Address)
    table, ok := a.State().Compression().(*compress.OutboundTable)
    if !ok {
        return // quarantined sentinel or compression disabled
    }
    switch m.Kind {
    case protocol.KindActorRefAdvertisement:
        table.AdvertiseActorRef(m.Ref, m.ID)
    case protocol.KindClassManifestAdvertisement:
        table.AdvertiseClassManifest(m.Manifest, m.ID)
    }
    t.events.Publish(CompressionAdvertisementEvent{
        Peer:     origin,
        Ref:      m.Ref,
        Manifest: m.Manifest,
        ID:       m.ID,
    })
}

package remote

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "go.uber.org/zap"

    "actorwire/pkg/config"
    "actorwire/pkg/driver"
    "actorwire/pkg/driver/memdrv"
    "actorwire/pkg/protocol"
)

type capturedMsg struct {
    Sender    string
    Recipient string
    Manifest  string
    Payload   []byte
    OriginUID uint64
    Lane      int32
}

type chanSink struct{ ch chan capturedMsg }

func newChanSink() *chanSink { return &chanSink{ch: make(chan capturedMsg, 4096)} }

func (s *chanSink) Dispatch(env *InboundEnvelope) {
    s.ch <- capturedMsg{
        Sender:    env.Sender,
        Recipient: env.Recipient,
        Manifest:  env.Message.Manifest,
        Payload:   append([]byte(nil), env.Message.Payload...),
        OriginUID: env.OriginUID,
        Lane:      env.Lane,
    }
}

func (s *chanSink) next(t *testing.T, timeout time.Duration) capturedMsg {
    t.Helper()
    select {
    case m := <-s.ch:
        return m
    case <-time.After(timeout):
        t.Fatalf("no message within %v", timeout)
        return capturedMsg{}
    }
}

func testConfig(host string, port int) *config.Config {
    cfg := config.Default()
    cfg.SystemName = "sys"
    cfg.Canonical.Hostname = host
    cfg.Canonical.Port = port
    cfg.HandshakeTimeout = 2 * time.Second
    cfg.InjectHandshakeInterval = 20 * time.Millisecond
    cfg.SystemMessageResendInterval = 30 * time.Millisecond
    cfg.GiveUpSendAfter = 500 * time.Millisecond
    cfg.SendQueueSize = 128
    cfg.SysMsgBufferSize = 512
    cfg.LargeMessageDestinations = []string{"/user/blobs/*"}
    return cfg
}

func newTestTransport(t *testing.T, hub *memdrv.Hub, port int) (*Transport, *chanSink) {
    t.Helper()
    host := "127.0.0.1"
    sink := newChanSink()
    drv := hub.Driver(fmt.Sprintf("%s:%d", host, port), 512)
    tr, err := New(Options{
        Config: testConfig(host, port),
        Driver: drv,
        Sink:   sink,
        Logger: zap.NewNop(),
    })
    if err != nil {
        t.Fatalf("new transport: %v", err)
    }
    if err := tr.Start(context.Background()); err != nil {
        t.Fatalf("start transport: %v", err)
    }
    t.Cleanup(func() { _ = tr.Shutdown() })
    return tr, sink
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestRegistryReturnsSameInstanceConcurrently(t *testing.T) {
    hub := memdrv.NewHub()
    tr, _ := newTestTransport(t, hub, 7001)
    remote := protocol.Address{Protocol: AddressProtocol, System: "sys", Host: "127.0.0.1", Port: 7099}

    const n = 32
    got := make([]*Association, n)
    var wg sync.WaitGroup
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            got[i] = tr.Association(remote)
        }(i)
    }
    wg.Wait()
    for i := 1; i < n; i++ {
        if got[i] != got[0] {
            t.Fatalf("association(%d) returned a different instance", i)
        }
    }
}

func TestRegistryRejectsLocalAddress(t *testing.T) {
    hub := memdrv.NewHub()
    tr, _ := newTestTransport(t, hub, 7002)
    defer func() {
        if recover() == nil {
            t.Fatalf("expected panic for local address")
        }
    }()
    tr.Association(tr.LocalAddress().Address)
}

func TestHandshakeAndUserMessage(t *testing.T) {
    hub := memdrv.NewHub()
    a, _ := newTestTransport(t, hub, 7011)
    b, bSink := newTestTransport(t, hub, 7012)

    assoc := a.Association(b.LocalAddress().Address)
    assoc.Send(Message{Manifest: "Ping", SerializerID: 9, Payload: []byte("m1")}, "/user/src", "/user/echo")

    got := bSink.next(t, 2*time.Second)
    if got.Recipient != "/user/echo" || string(got.Payload) != "m1" {
        t.Fatalf("unexpected delivery: %+v", got)
    }
    if got.OriginUID != a.LocalAddress().UID {
        t.Fatalf("origin uid = %d, want %d", got.OriginUID, a.LocalAddress().UID)
    }

    eventually(t, 2*time.Second, func() bool {
        peer, ok := assoc.State().UniqueRemote()
        return ok && peer.UID == b.LocalAddress().UID
    }, "handshake promise fulfilled with B's uid")
}

func TestLargeDestinationTravelsLargeLane(t *testing.T) {
    hub := memdrv.NewHub()
    a, _ := newTestTransport(t, hub, 7021)
    b, bSink := newTestTransport(t, hub, 7022)

    a.Association(b.LocalAddress().Address).Send(Message{Manifest: "Blob", Payload: []byte("big")}, "", "/user/blobs/x")
    got := bSink.next(t, 2*time.Second)
    if got.Lane != protocol.LargeStreamID {
        t.Fatalf("lane = %d, want large (%d)", got.Lane, protocol.LargeStreamID)
    }
}

func TestQuarantineStopsTrafficAndNotifiesPeer(t *testing.T) {
    hub := memdrv.NewHub()
    a, _ := newTestTransport(t, hub, 7031)
    b, bSink := newTestTransport(t, hub, 7032)

    notified := make(chan ThisActorSystemQuarantinedEvent, 1)
    b.Events().Subscribe(func(ev Event) {
        if q, ok := ev.(ThisActorSystemQuarantinedEvent); ok {
            select {
            case notified <- q:
            default:
            }
        }
    })

    assoc := a.Association(b.LocalAddress().Address)
    assoc.Send(Message{Manifest: "Ping", Payload: []byte("m1")}, "", "/user/echo")
    bSink.next(t, 2*time.Second)

    assoc.Quarantine("test ban", b.LocalAddress().UID)
    if !assoc.State().IsQuarantinedCurrent() {
        t.Fatalf("association should be quarantined")
    }

    select {
    case ev := <-notified:
        if ev.Remote != a.LocalAddress().Address {
            t.Fatalf("event remote = %v", ev.Remote)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("peer never observed the quarantine")
    }

    assoc.Send(Message{Manifest: "Ping", Payload: []byte("m2")}, "", "/user/echo")
    select {
    case m := <-bSink.ch:
        t.Fatalf("message delivered despite quarantine: %+v", m)
    case <-time.After(300 * time.Millisecond):
    }
}

func TestReincarnationGetsFreshPromiseAndKeepsBans(t *testing.T) {
    hub := memdrv.NewHub()
    a, aSink := newTestTransport(t, hub, 7041)
    b, bSink := newTestTransport(t, hub, 7042)

    assoc := a.Association(b.LocalAddress().Address)
    assoc.Send(Message{Manifest: "Ping", Payload: []byte("m1")}, "", "/user/echo")
    bSink.next(t, 2*time.Second)
    oldUID := b.LocalAddress().UID

    assoc.Quarantine("suspected crash", oldUID)
    _ = b.Shutdown()

    // reincarnate B on the same endpoint: new transport, new uid
    b2, _ := newTestTransport(t, hub, 7042)
    if b2.LocalAddress().UID == oldUID {
        t.Fatalf("reincarnation must mint a fresh uid")
    }
    b2.Association(a.LocalAddress().Address).Send(Message{Manifest: "Hello", Payload: []byte("back")}, "", "/user/a")
    aSink.next(t, 2*time.Second)

    eventually(t, 2*time.Second, func() bool {
        st := assoc.State()
        peer, ok := st.UniqueRemote()
        return st.Incarnation == 2 && ok && peer.UID == b2.LocalAddress().UID
    }, "association reincarnated with b2's uid")

    st := assoc.State()
    if !st.IsQuarantined(oldUID) {
        t.Fatalf("prior uid must stay quarantined")
    }
    if st.IsQuarantinedCurrent() {
        t.Fatalf("new incarnation must be usable")
    }
}

func TestSystemMessagesReliableUnderLoss(t *testing.T) {
    hub := memdrv.NewHub()
    var counter atomic.Uint64
    hub.DropFn = func(remote string, stream int32, frame []byte) bool {
        if stream != protocol.ControlStreamID {
            return false
        }
        return counter.Add(1)%2 == 0 // lose every other control frame
    }

    a, _ := newTestTransport(t, hub, 7051)
    b, bSink := newTestTransport(t, hub, 7052)

    const total = 100
    assoc := a.Association(b.LocalAddress().Address)
    for i := 0; i < total; i++ {
        if err := assoc.SendSystem(Message{
            Manifest: "SysPing",
            Payload:  []byte{byte(i >> 8), byte(i)},
        }, "/system/watcher"); err != nil {
            t.Fatalf("send system %d: %v", i, err)
        }
    }

    var got []capturedMsg
    deadline := time.After(20 * time.Second)
    for len(got) < total {
        select {
        case m := <-bSink.ch:
            if m.Manifest == "SysPing" {
                got = append(got, m)
            }
        case <-deadline:
            t.Fatalf("only %d of %d system messages delivered", len(got), total)
        }
    }
    for i, m := range got {
        want := []byte{byte(i >> 8), byte(i)}
        if m.Payload[0] != want[0] || m.Payload[1] != want[1] {
            t.Fatalf("system message %d out of order: got %v", i, m.Payload)
        }
    }
}

func TestAssociationRefResolvesThroughRegistry(t *testing.T) {
    hub := memdrv.NewHub()
    tr, _ := newTestTransport(t, hub, 7091)
    remote := protocol.Address{Protocol: AddressProtocol, System: "sys", Host: "127.0.0.1", Port: 7092}

    ref := tr.AssociationRef(remote)
    if ref.IsZero() {
        t.Fatalf("handle should be set")
    }
    if ref.Association() != tr.Association(remote) {
        t.Fatalf("handle must resolve to the registry's association")
    }
    var zero AssociationRef
    if !zero.IsZero() {
        t.Fatalf("zero handle should report unset")
    }
}

func TestCompressedTrafficAfterAdvertisement(t *testing.T) {
    hub := memdrv.NewHub()
    a, _ := newTestTransport(t, hub, 7095)
    b, bSink := newTestTransport(t, hub, 7096)

    assoc := a.Association(b.LocalAddress().Address)
    assoc.Send(Message{Manifest: "Ping", Payload: []byte("m1")}, "", "/user/echo")
    bSink.next(t, 2*time.Second)

    // B advertises the ref; A's compression observer must record it in the
    // outbound table for B.
    if err := b.AdvertiseActorRef(a.LocalAddress().Address, "/user/echo", 7); err != nil {
        t.Fatalf("advertise: %v", err)
    }
    eventually(t, 2*time.Second, func() bool {
        _, ok := assoc.State().Compression().CompressActorRef("/user/echo")
        return ok
    }, "advertisement applied to outbound table")

    assoc.Send(Message{Manifest: "Ping", Payload: []byte("m2")}, "", "/user/echo")
    got := bSink.next(t, 2*time.Second)
    if got.Recipient != "/user/echo" || string(got.Payload) != "m2" {
        t.Fatalf("compressed delivery mismatch: %+v", got)
    }
}

func TestShutdownIsIdempotent(t *testing.T) {
    hub := memdrv.NewHub()
    tr, _ := newTestTransport(t, hub, 7061)
    if err := tr.Shutdown(); err != nil {
        t.Fatalf("first shutdown: %v", err)
    }
    if err := tr.Shutdown(); err != nil {
        t.Fatalf("second shutdown: %v", err)
    }
    if !tr.IsShutDown() {
        t.Fatalf("transport should report shut down")
    }
}

// failingDriver simulates a media layer whose inbound side keeps breaking.
type failingDriver struct {
    port int
}

func (d *failingDriver) Start(context.Context) error { return nil }
func (d *failingDriver) BoundPort() int              { return d.port }
func (d *failingDriver) Publication(string, int32) (driver.Publication, error) {
    return nopPublication{}, nil
}
func (d *failingDriver) Subscription(int32) (driver.Subscription, error) {
    return failingSubscription{}, nil
}
func (d *failingDriver) DrainErrors() []error { return nil }
func (d *failingDriver) Close() error         { return nil }

type nopPublication struct{}

func (nopPublication) Offer([]byte) error { return nil }
func (nopPublication) Close() error       { return nil }

type failingSubscription struct{}

func (failingSubscription) Recv(context.Context) ([]byte, error) {
    time.Sleep(20 * time.Millisecond)
    return nil, fmt.Errorf("simulated media failure")
}
func (failingSubscription) Close() error { return nil }

func TestRestartBudgetExhaustionTerminates(t *testing.T) {
    cfg := testConfig("127.0.0.1", 7071)
    cfg.Restart.MaxRestarts = 5
    cfg.Restart.Timeout = 5 * time.Second

    terminated := make(chan string, 1)
    tr, err := New(Options{
        Config: cfg,
        Driver: &failingDriver{port: 7071},
        Logger: zap.NewNop(),
        Terminate: func(reason string) {
            select {
            case terminated <- reason:
            default:
            }
        },
    })
    if err != nil {
        t.Fatalf("new transport: %v", err)
    }
    if err := tr.Start(context.Background()); err != nil {
        t.Fatalf("start: %v", err)
    }
    t.Cleanup(func() { _ = tr.Shutdown() })

    select {
    case reason := <-terminated:
        if reason == "" {
            t.Fatalf("empty termination reason")
        }
    case <-time.After(5 * time.Second):
        t.Fatalf("restart budget exhaustion did not terminate")
    }
}

func TestNoRestartsAfterShutdown(t *testing.T) {
    cfg := testConfig("127.0.0.1", 7081)
    terminated := make(chan string, 1)
    tr, err := New(Options{
        Config: cfg,
        Driver: &failingDriver{port: 7081},
        Logger: zap.NewNop(),
        Terminate: func(reason string) {
            select {
            case terminated <- reason:
            default:
            }
        },
    })
    if err != nil {
        t.Fatalf("new transport: %v", err)
    }
    if err := tr.Start(context.Background()); err != nil {
        t.Fatalf("start: %v", err)
    }
    _ = tr.Shutdown()
    select {
    case reason := <-terminated:
        t.Fatalf("terminate fired after shutdown: %s", reason)
    case <-time.After(300 * time.Millisecond):
    }
}

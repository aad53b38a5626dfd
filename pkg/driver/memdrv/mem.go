// Package memdrv is an in-process media driver. Drivers attach to a shared
// Hub under a string endpoint; frames move between them over bounded queues
// with datagram semantics. A hub-level drop hook injects packet loss for
// tests.
package memdrv

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"

    "actorwire/pkg/driver"
)

// Hub connects in-process drivers by endpoint name.
type Hub struct {
    mu    sync.RWMutex
    nodes map[string]*Driver
    ports atomic.Int32

    // DropFn, when set, is consulted for every offered frame; returning true
    // loses the frame in transit.
    DropFn func(remote string, stream int32, frame []byte) bool
}

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{nodes: make(map[string]*Driver)} }

// Driver attaches a new driver under the given endpoint name.
func (h *Hub) Driver(endpoint string, recvQueue int) *Driver {
    if recvQueue <= 0 {
        recvQueue = 128
    }
    d := &Driver{
        hub:      h,
        endpoint: endpoint,
        queue:    recvQueue,
        subs:     make(map[int32]*subscription),
        closed:   make(chan struct{}),
        port:     int(h.ports.Add(1)) + 20000,
    }
    h.mu.Lock()
    h.nodes[endpoint] = d
    h.mu.Unlock()
    return d
}

func (h *Hub) lookup(endpoint string) *Driver {
    h.mu.RLock()
    defer h.mu.RUnlock()
    return h.nodes[endpoint]
}

// Driver is one endpoint of a Hub.
type Driver struct {
    hub      *Hub
    endpoint string
    queue    int
    port     int

    mu     sync.Mutex
    subs   map[int32]*subscription
    errs   []error
    closed chan struct{}
    once   sync.Once
}

func (d *Driver) Start(ctx context.Context) error {
    go func() {
        select {
        case <-ctx.Done():
            _ = d.Close()
        case <-d.closed:
        }
    }()
    return nil
}

func (d *Driver) BoundPort() int { return d.port }

// Endpoint returns the hub name this driver is attached under.
func (d *Driver) Endpoint() string { return d.endpoint }

func (d *Driver) Publication(remote string, stream int32) (driver.Publication, error) {
    return &publication{d: d, remote: remote, stream: stream}, nil
}

func (d *Driver) Subscription(stream int32) (driver.Subscription, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    s := &subscription{d: d, ch: make(chan []byte, d.queue), done: make(chan struct{})}
    d.subs[stream] = s
    return s, nil
}

func (d *Driver) DrainErrors() []error {
    d.mu.Lock()
    defer d.mu.Unlock()
    out := d.errs
    d.errs = nil
    return out
}

func (d *Driver) Close() error {
    d.once.Do(func() { close(d.closed) })
    return nil
}

func (d *Driver) deliver(stream int32, frame []byte) error {
    select {
    case <-d.closed:
        return driver.ErrClosed
    default:
    }
    d.mu.Lock()
    s := d.subs[stream]
    d.mu.Unlock()
    if s == nil {
        // no listener yet: datagram semantics, the frame is lost
        return nil
    }
    select {
    case s.ch <- append([]byte(nil), frame...):
        return nil
    default:
        return driver.ErrBackpressured
    }
}

type subscription struct {
    d    *Driver
    ch   chan []byte
    done chan struct{}
    once sync.Once
}

func (s *subscription) Recv(ctx context.Context) ([]byte, error) {
    select {
    case f := <-s.ch:
        return f, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-s.done:
        return nil, driver.ErrClosed
    case <-s.d.closed:
        return nil, driver.ErrClosed
    }
}

func (s *subscription) Close() error {
    s.once.Do(func() { close(s.done) })
    return nil
}

type publication struct {
    d      *Driver
    remote string
    stream int32
}

func (p *publication) Offer(frame []byte) error {
    select {
    case <-p.d.closed:
        return driver.ErrClosed
    default:
    }
    if drop := p.d.hub.DropFn; drop != nil && drop(p.remote, p.stream, frame) {
        return nil // lost in transit
    }
    target := p.d.hub.lookup(p.remote)
    if target == nil {
        return nil // unreachable endpoint, datagram is lost
    }
    if err := target.deliver(p.stream, frame); err != nil {
        if err == driver.ErrBackpressured {
            return err
        }
        return fmt.Errorf("memdrv: deliver to %s: %w", p.remote, err)
    }
    return nil
}

func (p *publication) Close() error { return nil }

// Package udp implements the datagram media driver. Frames are carried as
// one or more header-prefixed fragments; inbound datagrams are demultiplexed
// per stream id and reassembled before delivery.
package udp

import (
    "context"
    "fmt"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"

    "actorwire/pkg/driver"
)

// Options configures the UDP driver.
type Options struct {
    Host string
    Port int // 0 = auto-assign an ephemeral port

    // RecvQueue bounds each per-stream inbound queue (complete frames).
    RecvQueue int
    // MaxFrame bounds a reassembled frame; larger groups are dropped.
    MaxFrame int
    // ReassemblyTimeout drops incomplete fragment groups.
    ReassemblyTimeout time.Duration
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Host == "" {
        res.Host = "127.0.0.1"
    }
    if res.RecvQueue <= 0 {
        res.RecvQueue = 128
    }
    if res.MaxFrame <= 0 {
        res.MaxFrame = 5 << 20
    }
    if res.ReassemblyTimeout <= 0 {
        res.ReassemblyTimeout = 5 * time.Second
    }
    return res
}

// Driver is a datagram media driver sharing one socket across all streams.
type Driver struct {
    opts Options

    conn *net.UDPConn

    mu     sync.Mutex
    subs   map[int32]*subscription
    errs   []error
    asm    map[asmKey]*asmEntry
    sweep  time.Time
    closed chan struct{}
    once   sync.Once
}

// New creates an unstarted driver.
func New(opts Options) *Driver {
    return &Driver{
        opts:   opts.withDefaults(),
        subs:   make(map[int32]*subscription),
        asm:    make(map[asmKey]*asmEntry),
        closed: make(chan struct{}),
    }
}

// Start binds the socket and starts the demux loop.
func (d *Driver) Start(ctx context.Context) error {
    laddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.opts.Host, d.opts.Port))
    if err != nil {
        return fmt.Errorf("udp driver: resolve local address: %w", err)
    }
    conn, err := net.ListenUDP("udp", laddr)
    if err != nil {
        return fmt.Errorf("udp driver: bind: %w", err)
    }
    d.conn = conn
    go d.readLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = d.Close()
        case <-d.closed:
        }
    }()
    return nil
}

// BoundPort returns the effective local port after Start.
func (d *Driver) BoundPort() int {
    if d.conn == nil {
        return 0
    }
    return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// Publication returns an outbound handle for one remote endpoint and stream.
func (d *Driver) Publication(remote string, stream int32) (driver.Publication, error) {
    raddr, err := net.ResolveUDPAddr("udp", remote)
    if err != nil {
        return nil, fmt.Errorf("udp driver: resolve %s: %w", remote, err)
    }
    return &publication{d: d, raddr: raddr, stream: stream}, nil
}

// Subscription returns the inbound handle for one stream id. At most one
// subscription per stream is active; a second call replaces the first.
func (d *Driver) Subscription(stream int32) (driver.Subscription, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    s := &subscription{d: d, ch: make(chan []byte, d.opts.RecvQueue), done: make(chan struct{})}
    d.subs[stream] = s
    return s, nil
}

// DrainErrors returns and clears accumulated media errors.
func (d *Driver) DrainErrors() []error {
    d.mu.Lock()
    defer d.mu.Unlock()
    out := d.errs
    d.errs = nil
    return out
}

// Close shuts the socket; all subscriptions unblock with ErrClosed.
func (d *Driver) Close() error {
    var err error
    d.once.Do(func() {
        close(d.closed)
        if d.conn != nil {
            err = d.conn.Close()
        }
    })
    return err
}

func (d *Driver) recordErr(err error) {
    d.mu.Lock()
    if len(d.errs) < 128 {
        d.errs = append(d.errs, err)
    }
    d.mu.Unlock()
}

type asmKey struct {
    remote string
    corr   uint64
}

type asmEntry struct {
    frags   [][]byte
    got     int
    created time.Time
}

func (d *Driver) readLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, raddr, err := d.conn.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-d.closed:
            default:
                d.recordErr(fmt.Errorf("udp driver: read: %w", err))
            }
            return
        }
        var h driver.FrameHeader
        if err := h.UnmarshalBinary(buf[:n]); err != nil {
            d.recordErr(err)
            continue
        }
        payload := buf[driver.FrameHeaderSize:n]
        if int(h.PayloadLen) != len(payload) {
            d.recordErr(fmt.Errorf("udp driver: fragment length mismatch from %s", raddr))
            continue
        }
        if h.FragTotal <= 1 {
            frame := make([]byte, len(payload))
            copy(frame, payload)
            d.deliver(int32(h.Stream), frame)
            continue
        }
        d.reassemble(raddr.String(), h, payload)
    }
}

func (d *Driver) reassemble(remote string, h driver.FrameHeader, payload []byte) {
    key := asmKey{remote: remote, corr: h.Correlation}
    now := time.Now()

    d.mu.Lock()
    if now.Sub(d.sweep) > d.opts.ReassemblyTimeout {
        for k, e := range d.asm {
            if now.Sub(e.created) > d.opts.ReassemblyTimeout {
                delete(d.asm, k)
            }
        }
        d.sweep = now
    }
    e := d.asm[key]
    if e == nil {
        e = &asmEntry{frags: make([][]byte, h.FragTotal), created: now}
        d.asm[key] = e
    }
    if int(h.FragTotal) != len(e.frags) || int(h.FragIndex) >= len(e.frags) {
        delete(d.asm, key)
        d.mu.Unlock()
        d.recordErr(fmt.Errorf("udp driver: inconsistent fragment group from %s", remote))
        return
    }
    if e.frags[h.FragIndex] == nil {
        e.frags[h.FragIndex] = append([]byte(nil), payload...)
        e.got++
    }
    complete := e.got == len(e.frags)
    var frame []byte
    if complete {
        total := 0
        for _, f := range e.frags {
            total += len(f)
        }
        if total > d.opts.MaxFrame {
            delete(d.asm, key)
            d.mu.Unlock()
            d.recordErr(fmt.Errorf("udp driver: reassembled frame too large (%d) from %s", total, remote))
            return
        }
        frame = make([]byte, 0, total)
        for _, f := range e.frags {
            frame = append(frame, f...)
        }
        delete(d.asm, key)
    }
    d.mu.Unlock()

    if complete {
        d.deliver(int32(h.Stream), frame)
    }
}

func (d *Driver) deliver(stream int32, frame []byte) {
    d.mu.Lock()
    s := d.subs[stream]
    d.mu.Unlock()
    if s == nil {
        zap.L().Debug("udp driver: no subscription for stream", zap.Int32("stream", stream))
        return
    }
    select {
    case s.ch <- frame:
    default:
        d.recordErr(fmt.Errorf("udp driver: recv queue full, dropping frame on stream %d", stream))
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
    raddr  *net.UDPAddr
    stream int32
}

// Offer fragments the frame and writes all datagrams. UDP accepts writes
// immediately, so backpressure never surfaces here; write failures do.
func (p *publication) Offer(frame []byte) error {
    select {
    case <-p.d.closed:
        return driver.ErrClosed
    default:
    }
    for _, dgram := range driver.Fragment(p.stream, frame, driver.MaxDatagramPayload) {
        if _, err := p.d.conn.WriteToUDP(dgram, p.raddr); err != nil {
            return fmt.Errorf("udp driver: write to %s: %w", p.raddr, err)
        }
    }
    return nil
}

func (p *publication) Close() error { return nil }

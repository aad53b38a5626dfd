// Package quicdrv is a stream media driver over QUIC, used for the large
// message lane: frames ride length-prefixed on one bidirectional stream per
// (remote, stream id), so no datagram fragmentation is needed.
package quicdrv

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "actorwire/pkg/driver"
)

const alpn = "actorwire"

// Options configures the QUIC driver.
type Options struct {
    Host      string
    Port      int
    RecvQueue int
    MaxFrame  int
}

func (o *Options) withDefaults() Options {
    res := *o
    if res.Host == "" {
        res.Host = "127.0.0.1"
    }
    if res.RecvQueue <= 0 {
        res.RecvQueue = 32
    }
    if res.MaxFrame <= 0 {
        res.MaxFrame = 5 << 20
    }
    return res
}

// Driver carries frames over QUIC streams. Each outbound (remote, stream id)
// pair gets its own QUIC stream announced by a 4-byte stream id prefix.
type Driver struct {
    opts Options

    tlsConf  *tls.Config
    quicConf *quicgo.Config
    ln       *quicgo.Listener

    mu     sync.Mutex
    conns  map[string]*quicgo.Conn
    subs   map[int32]*subscription
    errs   []error
    closed chan struct{}
    once   sync.Once
}

// New creates an unstarted QUIC driver with an ephemeral self-signed
// certificate. Identity is established by the transport handshake, not TLS.
func New(opts Options) (*Driver, error) {
    cert, err := selfSignedCert()
    if err != nil {
        return nil, fmt.Errorf("quic driver: self-signed cert: %w", err)
    }
    return &Driver{
        opts: opts.withDefaults(),
        tlsConf: &tls.Config{
            Certificates: []tls.Certificate{cert},
            NextProtos:   []string{alpn},
            MinVersion:   tls.VersionTLS13,
        },
        quicConf: &quicgo.Config{},
        conns:    make(map[string]*quicgo.Conn),
        subs:     make(map[int32]*subscription),
        closed:   make(chan struct{}),
    }, nil
}

func (d *Driver) Start(ctx context.Context) error {
    ln, err := quicgo.ListenAddr(fmt.Sprintf("%s:%d", d.opts.Host, d.opts.Port), d.tlsConf, d.quicConf)
    if err != nil {
        return fmt.Errorf("quic driver: listen: %w", err)
    }
    d.ln = ln
    go d.acceptLoop(ctx)
    go func() {
        select {
        case <-ctx.Done():
            _ = d.Close()
        case <-d.closed:
        }
    }()
    return nil
}

func (d *Driver) BoundPort() int {
    if d.ln == nil {
        return 0
    }
    return d.ln.Addr().(*net.UDPAddr).Port
}

func (d *Driver) acceptLoop(ctx context.Context) {
    for {
        conn, err := d.ln.Accept(ctx)
        if err != nil {
            select {
            case <-d.closed:
            default:
                d.recordErr(fmt.Errorf("quic driver: accept: %w", err))
            }
            return
        }
        go d.acceptStreams(ctx, conn)
    }
}

func (d *Driver) acceptStreams(ctx context.Context, conn *quicgo.Conn) {
    for {
        st, err := conn.AcceptStream(ctx)
        if err != nil {
            return
        }
        go d.readStream(st)
    }
}

// readStream consumes one inbound stream: a 4-byte stream id, then
// length-prefixed frames.
func (d *Driver) readStream(st *quicgo.Stream) {
    var idbuf [4]byte
    if _, err := io.ReadFull(st, idbuf[:]); err != nil {
        return
    }
    stream := int32(binary.BigEndian.Uint32(idbuf[:]))
    for {
        frame, err := readFrame(st, d.opts.MaxFrame)
        if err != nil {
            if !errors.Is(err, io.EOF) {
                d.recordErr(fmt.Errorf("quic driver: read stream %d: %w", stream, err))
            }
            return
        }
        d.deliver(stream, frame)
    }
}

func readFrame(r io.Reader, maxFrame int) ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
        return nil, err
    }
    n := int(binary.BigEndian.Uint32(lenbuf[:]))
    if n < 0 || n > maxFrame {
        return nil, fmt.Errorf("invalid frame size %d", n)
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(r, buf); err != nil {
        return nil, err
    }
    return buf, nil
}

func (d *Driver) deliver(stream int32, frame []byte) {
    d.mu.Lock()
    s := d.subs[stream]
    d.mu.Unlock()
    if s == nil {
        return
    }
    select {
    case s.ch <- frame:
    default:
        d.recordErr(fmt.Errorf("quic driver: recv queue full, dropping frame on stream %d", stream))
    }
}

func (d *Driver) dial(remote string) (*quicgo.Conn, error) {
    d.mu.Lock()
    if c := d.conns[remote]; c != nil {
        d.mu.Unlock()
        return c, nil
    }
    d.mu.Unlock()

    tlsClient := &tls.Config{
        InsecureSkipVerify: true, // identity comes from the transport handshake
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    conn, err := quicgo.DialAddr(ctx, remote, tlsClient, d.quicConf)
    if err != nil {
        return nil, fmt.Errorf("quic driver: dial %s: %w", remote, err)
    }
    d.mu.Lock()
    if existing := d.conns[remote]; existing != nil {
        d.mu.Unlock()
        _ = conn.CloseWithError(0, "duplicate")
        return existing, nil
    }
    d.conns[remote] = conn
    d.mu.Unlock()
    return conn, nil
}

func (d *Driver) Publication(remote string, stream int32) (driver.Publication, error) {
    return &publication{d: d, remote: remote, stream: stream}, nil
}

func (d *Driver) Subscription(stream int32) (driver.Subscription, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    s := &subscription{d: d, ch: make(chan []byte, d.opts.RecvQueue), done: make(chan struct{})}
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

func (d *Driver) recordErr(err error) {
    d.mu.Lock()
    if len(d.errs) < 128 {
        d.errs = append(d.errs, err)
    }
    d.mu.Unlock()
}

func (d *Driver) Close() error {
    var err error
    d.once.Do(func() {
        close(d.closed)
        d.mu.Lock()
        conns := d.conns
        d.conns = map[string]*quicgo.Conn{}
        d.mu.Unlock()
        for _, c := range conns {
            _ = c.CloseWithError(0, "shutdown")
        }
        if d.ln != nil {
            err = d.ln.Close()
        }
    })
    return err
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

    mu sync.Mutex
    st *quicgo.Stream
}

func (p *publication) Offer(frame []byte) error {
    select {
    case <-p.d.closed:
        return driver.ErrClosed
    default:
    }
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.st == nil {
        conn, err := p.d.dial(p.remote)
        if err != nil {
            return err
        }
        ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        st, err := conn.OpenStreamSync(ctx)
        cancel()
        if err != nil {
            return fmt.Errorf("quic driver: open stream to %s: %w", p.remote, err)
        }
        var idbuf [4]byte
        binary.BigEndian.PutUint32(idbuf[:], uint32(p.stream))
        if _, err := st.Write(idbuf[:]); err != nil {
            _ = st.Close()
            return fmt.Errorf("quic driver: announce stream id: %w", err)
        }
        p.st = st
    }
    var lenbuf [4]byte
    binary.BigEndian.PutUint32(lenbuf[:], uint32(len(frame)))
    if _, err := p.st.Write(lenbuf[:]); err != nil {
        p.st = nil
        return fmt.Errorf("quic driver: write: %w", err)
    }
    if _, err := p.st.Write(frame); err != nil {
        p.st = nil
        return fmt.Errorf("quic driver: write: %w", err)
    }
    return nil
}

func (p *publication) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.st != nil {
        err := p.st.Close()
        p.st = nil
        return err
    }
    return nil
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil {
        return tls.Certificate{}, err
    }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil {
        return tls.Certificate{}, err
    }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Package driver abstracts the media layer that carries opaque envelope
// frames between transports. One driver owns the local endpoint; the core
// opens one Publication per (remote, stream) and one Subscription per stream.
package driver

import (
    "context"
    "errors"
)

// Publication is the outbound half of one logical stream to one remote.
type Publication interface {
    // Offer hands one frame to the media layer. It returns ErrBackpressured
    // when the frame cannot be accepted right now; callers retry until their
    // give-up deadline.
    Offer(frame []byte) error
    Close() error
}

// Subscription is the inbound half of one logical stream, demultiplexed over
// all remotes.
type Subscription interface {
    // Recv blocks until the next complete frame arrives, ctx is done, or the
    // driver closes.
    Recv(ctx context.Context) ([]byte, error)
    Close() error
}

// Driver is the media driver lifecycle. Implementations: udp (datagram with
// fragmentation), quicdrv (stream, for the large lane), memdrv (in-process,
// tests).
type Driver interface {
    // Start binds the local endpoint. After Start, BoundPort reports the
    // effective port (relevant when the configured port was 0).
    Start(ctx context.Context) error
    BoundPort() int
    Publication(remote string, stream int32) (Publication, error)
    Subscription(stream int32) (Subscription, error)
    // DrainErrors returns and clears accumulated media errors; a periodic
    // poller logs them.
    DrainErrors() []error
    Close() error
}

var (
    ErrBackpressured = errors.New("driver: publication backpressured")
    ErrClosed        = errors.New("driver: closed")
)

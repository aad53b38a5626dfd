package remote

import (
    "sync"

    "actorwire/pkg/protocol"
)

// ControlObserver receives every inbound control message. Observers are
// notified synchronously on the control-stream goroutine in attach order and
// must not block.
type ControlObserver interface {
    Notify(origin protocol.UniqueAddress, m *protocol.ControlMessage)
}

// ControlObserverFunc adapts a function to ControlObserver.
type ControlObserverFunc func(origin protocol.UniqueAddress, m *protocol.ControlMessage)

func (f ControlObserverFunc) Notify(origin protocol.UniqueAddress, m *protocol.ControlMessage) {
    f(origin, m)
}

// ControlJunction fans inbound control messages out to attached observers.
type ControlJunction struct {
    mu        sync.RWMutex
    observers []ControlObserver
}

// NewControlJunction returns an empty junction.
func NewControlJunction() *ControlJunction { return &ControlJunction{} }

// Attach registers an observer; notification order follows attach order.
func (j *ControlJunction) Attach(obs ControlObserver) {
    j.mu.Lock()
    j.observers = append(j.observers, obs)
    j.mu.Unlock()
}

// Notify delivers m to every observer in order.
func (j *ControlJunction) Notify(origin protocol.UniqueAddress, m *protocol.ControlMessage) {
    j.mu.RLock()
    obs := j.observers
    j.mu.RUnlock()
    for _, o := range obs {
        o.Notify(origin, m)
    }
}

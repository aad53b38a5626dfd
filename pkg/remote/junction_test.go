package remote

import (
    "testing"

    "actorwire/pkg/protocol"
)

func TestJunctionNotifiesInAttachOrder(t *testing.T) {
    j := NewControlJunction()
    var order []string
    j.Attach(ControlObserverFunc(func(protocol.UniqueAddress, *protocol.ControlMessage) {
        order = append(order, "first")
    }))
    j.Attach(ControlObserverFunc(func(protocol.UniqueAddress, *protocol.ControlMessage) {
        order = append(order, "second")
    }))
    j.Attach(ControlObserverFunc(func(protocol.UniqueAddress, *protocol.ControlMessage) {
        order = append(order, "third")
    }))

    j.Notify(peerAt(1, 1), &protocol.ControlMessage{Kind: protocol.KindQuarantined})
    want := []string{"first", "second", "third"}
    if len(order) != len(want) {
        t.Fatalf("notified %d observers", len(order))
    }
    for i := range want {
        if order[i] != want[i] {
            t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
        }
    }
}

func TestJunctionObserverSeesMessage(t *testing.T) {
    j := NewControlJunction()
    var got *protocol.ControlMessage
    var from protocol.UniqueAddress
    j.Attach(ControlObserverFunc(func(o protocol.UniqueAddress, m *protocol.ControlMessage) {
        from, got = o, m
    }))
    origin := peerAt(2, 42)
    msg := &protocol.ControlMessage{Kind: protocol.KindActorRefAdvertisement, Ref: "/user/a", ID: 3}
    j.Notify(origin, msg)
    if got != msg || from != origin {
        t.Fatalf("observer saw %v from %v", got, from)
    }
}

package net

import (
	"fmt"
	"sync"

	"github.com/mosaicnetworks/dispersy/src/common"
)

// InmemTransport Implements the Transport interface, to allow dispersy to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan []Packet
	localAddr  common.Address
	peers      map[common.Address]*InmemTransport
	dropped    int
	filter     func(target common.Address, data []byte) bool
}

// NewInmemTransport is used to initialize a new transport bound to addr.
func NewInmemTransport(addr common.Address) *InmemTransport {
	return &InmemTransport{
		consumerCh: make(chan []Packet, 1024),
		localAddr:  addr,
		peers:      make(map[common.Address]*InmemTransport),
	}
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan []Packet {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() common.Address {
	return i.localAddr
}

// Send implements the Transport interface. Packets for unknown peers or full
// queues are lost, like datagrams.
func (i *InmemTransport) Send(target common.Address, data []byte) error {
	i.RLock()
	peer, ok := i.peers[target]
	filter := i.filter
	i.RUnlock()

	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", target)
	}
	if filter != nil && !filter(target, data) {
		return nil
	}

	packet := Packet{Address: i.localAddr, Data: append([]byte(nil), data...)}
	select {
	case peer.consumerCh <- []Packet{packet}:
	default:
		i.Lock()
		i.dropped++
		i.Unlock()
	}
	return nil
}

// SetFilter installs a function deciding which outgoing packets are
// delivered. Nil delivers everything.
func (i *InmemTransport) SetFilter(filter func(target common.Address, data []byte) bool) {
	i.Lock()
	defer i.Unlock()
	i.filter = filter
}

// Dropped returns the number of packets lost on full queues.
func (i *InmemTransport) Dropped() int {
	i.RLock()
	defer i.RUnlock()
	return i.dropped
}

// Connect is used to connect this transport to another transport for
// a given address. This allows for local routing.
func (i *InmemTransport) Connect(peer common.Address, t *InmemTransport) {
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = t
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer common.Address) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[common.Address]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}

// ConnectAll connects every transport to every other one.
func ConnectAll(transports ...*InmemTransport) {
	for _, a := range transports {
		for _, b := range transports {
			if a != b {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}
}

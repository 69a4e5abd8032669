package net

import (
	"github.com/mosaicnetworks/dispersy/src/common"
)

// Packet is a datagram together with the address of its sender.
type Packet struct {
	Address common.Address
	Data    []byte
}

// Transport provides an interface for network transports to allow a node to
// exchange packets with other nodes.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that delivers batches of received packets.
	Consumer() <-chan []Packet

	// Send is fire and forget. An error only reports a local failure.
	Send(target common.Address, data []byte) error

	// LocalAddr is used to return our local address
	LocalAddr() common.Address

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}

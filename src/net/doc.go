// Package net implements the datagram transports of dispersy nodes.
//
// Dispersy only needs best-effort delivery: every packet is self contained
// and anything lost is recovered later by bloom filter synchronisation. A
// Transport therefore sends single packets and hands received packets to the
// node in batches.
//
// There are two implementations:
//
// - Inmem: in-memory transport used for testing and in-process swarms
//
// - UDP: one UDP socket bound to BindAddr
package net

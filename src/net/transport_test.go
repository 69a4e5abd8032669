package net

import (
	"bytes"
	"testing"
	"time"

	"github.com/mosaicnetworks/dispersy/src/common"
)

const (
	INMEM = iota
	UDP
	numTestTransports // NOTE: must be last
)

func NewTestTransports(ttype int, t *testing.T) (Transport, Transport) {
	switch ttype {
	case INMEM:
		a := NewInmemTransport(common.NewAddress("10.0.0.1", 7759))
		b := NewInmemTransport(common.NewAddress("10.0.0.2", 7759))
		ConnectAll(a, b)
		return a, b
	case UDP:
		a, err := NewUDPTransport("127.0.0.1:0", common.NewTestEntry(t, "udp"))
		if err != nil {
			t.Fatal(err)
		}
		b, err := NewUDPTransport("127.0.0.1:0", common.NewTestEntry(t, "udp"))
		if err != nil {
			t.Fatal(err)
		}
		a.Listen()
		b.Listen()
		return a, b
	default:
		panic("Unknown transport type")
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		a, b := NewTestTransports(ttype, t)
		if err := a.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Send(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		a, b := NewTestTransports(ttype, t)

		data := []byte("dispersy-sync packet")
		if err := a.Send(b.LocalAddr(), data); err != nil {
			t.Fatalf("err: %v", err)
		}

		select {
		case packets := <-b.Consumer():
			if len(packets) != 1 {
				t.Fatalf("expected 1 packet, got %d", len(packets))
			}
			if !bytes.Equal(packets[0].Data, data) {
				t.Fatalf("bad data: %v", packets[0].Data)
			}
			if packets[0].Address != a.LocalAddr() {
				t.Fatalf("bad source %v, expected %v", packets[0].Address, a.LocalAddr())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout")
		}

		a.Close()
		b.Close()
	}
}

func TestInmemTransport_Filter(t *testing.T) {
	a := NewInmemTransport(common.NewAddress("10.0.0.1", 1))
	b := NewInmemTransport(common.NewAddress("10.0.0.2", 1))
	ConnectAll(a, b)

	a.SetFilter(func(target common.Address, data []byte) bool { return false })
	if err := a.Send(b.LocalAddr(), []byte("lost")); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case <-b.Consumer():
		t.Fatalf("filtered packet was delivered")
	default:
	}

	if err := a.Send(common.NewAddress("10.0.0.3", 1), []byte("x")); err == nil {
		t.Fatalf("unknown peer should fail")
	}
}

package net

import (
	"errors"
	stdnet "net"
	"sync"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/sirupsen/logrus"
)

// MaxPacketSize is the largest datagram read from the socket.
const MaxPacketSize = 65507

// UDPTransport implements the Transport interface over a UDP socket.
type UDPTransport struct {
	conn       *stdnet.UDPConn
	consumerCh chan []Packet
	localAddr  common.Address
	logger     *logrus.Entry

	wg       sync.WaitGroup
	shutdown bool
	l        sync.Mutex
}

// NewUDPTransport binds a UDP socket to bindAddr ("host:port").
func NewUDPTransport(bindAddr string, logger *logrus.Entry) (*UDPTransport, error) {
	addr, err := stdnet.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := stdnet.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	local := common.AddressFromUDP(conn.LocalAddr().(*stdnet.UDPAddr))

	return &UDPTransport{
		conn:       conn,
		consumerCh: make(chan []Packet, 1024),
		localAddr:  local,
		logger:     logger.WithField("local", local.String()),
	}, nil
}

// Listen implements the Transport interface. It starts the read loop.
func (u *UDPTransport) Listen() {
	u.wg.Add(1)
	go u.readLoop()
}

func (u *UDPTransport) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, stdnet.ErrClosed) || u.isShutdown() {
				return
			}
			u.logger.WithError(err).Debug("ReadFromUDP")
			continue
		}

		packet := Packet{
			Address: common.AddressFromUDP(from),
			Data:    append([]byte(nil), buf[:n]...),
		}

		select {
		case u.consumerCh <- []Packet{packet}:
		default:
			u.logger.WithField("from", packet.Address.String()).Debug("Consumer full, dropping packet")
		}
	}
}

func (u *UDPTransport) isShutdown() bool {
	u.l.Lock()
	defer u.l.Unlock()
	return u.shutdown
}

// Consumer implements the Transport interface.
func (u *UDPTransport) Consumer() <-chan []Packet {
	return u.consumerCh
}

// Send implements the Transport interface.
func (u *UDPTransport) Send(target common.Address, data []byte) error {
	addr, err := target.UDPAddr()
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr implements the Transport interface.
func (u *UDPTransport) LocalAddr() common.Address {
	return u.localAddr
}

// Close implements the Transport interface.
func (u *UDPTransport) Close() error {
	u.l.Lock()
	if u.shutdown {
		u.l.Unlock()
		return nil
	}
	u.shutdown = true
	u.l.Unlock()

	err := u.conn.Close()
	u.wg.Wait()
	return err
}

package common

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a (host, port) pair as seen on the wire. It is a comparable value
// so it can be used directly as a map key.
type Address struct {
	Host string `codec:"host" json:"host"`
	Port int    `codec:"port" json:"port"`
}

// LocalAddress marks messages that were created by this node rather than
// received from the network.
var LocalAddress = Address{Host: "", Port: -1}

// NewAddress returns an Address.
func NewAddress(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}

	return Address{Host: host, Port: port}, nil
}

// UDPAddr converts the address for use with the net package.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", a.String())
}

// AddressFromUDP converts a net.UDPAddr.
func AddressFromUDP(addr *net.UDPAddr) Address {
	return Address{Host: addr.IP.String(), Port: addr.Port}
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsLocal reports whether a is LocalAddress.
func (a Address) IsLocal() bool {
	return a == LocalAddress
}

// Less orders addresses by host then port.
func (a Address) Less(b Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

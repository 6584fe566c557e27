package plan

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// NetAddr is the network address of a peer.
type NetAddr struct {
	IPv4 uint32
	Port uint16
}

func (a NetAddr) ColocatedWith(b NetAddr) bool {
	return a.IPv4 == b.IPv4
}

func (a NetAddr) String() string {
	return net.JoinHostPort(FormatIPv4(a.IPv4), strconv.Itoa(int(a.Port)))
}

func (a NetAddr) WithName(name string) Addr {
	return Addr{
		IPv4: a.IPv4,
		Port: a.Port,
		Name: name,
	}
}

// Addr is the logical address of a named channel.
type Addr struct {
	IPv4 uint32
	Port uint16
	Name string
}

func (a Addr) String() string {
	return a.Name + "@" + NetAddr{a.IPv4, a.Port}.String()
}

func (a Addr) NetAddr() NetAddr {
	return NetAddr{
		IPv4: a.IPv4,
		Port: a.Port,
	}
}

func (a Addr) Peer() PeerID {
	return PeerID{
		IPv4: a.IPv4,
		Port: a.Port,
	}
}

// PeerID is the unique identifier of a worker process.
type PeerID NetAddr

func (p PeerID) String() string {
	return NetAddr(p).String()
}

func (p PeerID) ColocatedWith(q PeerID) bool {
	return NetAddr(p).ColocatedWith(NetAddr(q))
}

func (p PeerID) WithName(name string) Addr {
	return NetAddr(p).WithName(name)
}

var (
	errInvalidIPv4 = errors.New("invalid IPv4")
	errInvalidPort = errors.New("invalid port")
)

func ParsePeerID(val string) (*PeerID, error) {
	host, p, err := net.SplitHostPort(val)
	if err != nil {
		return nil, err
	}
	ipv4, err := ParseIPv4(host)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}
	if int(uint16(port)) != port {
		return nil, errInvalidPort
	}
	return &PeerID{
		IPv4: ipv4,
		Port: uint16(port),
	}, nil
}

func FormatIPv4(ipv4 uint32) string {
	ip := net.IPv4(byte(ipv4>>24), byte(ipv4>>16), byte(ipv4>>8), byte(ipv4))
	return ip.String()
}

func ParseIPv4(host string) (uint32, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return 0, errInvalidIPv4
	}
	ip = ip.To4()
	if ip == nil {
		return 0, errInvalidIPv4
	}
	return PackIPv4(ip), nil
}

func PackIPv4(ip net.IP) uint32 {
	a := uint32(ip[0]) << 24
	b := uint32(ip[1]) << 16
	c := uint32(ip[2]) << 8
	d := uint32(ip[3])
	return a | b | c | d
}

func MustParseIPv4(host string) uint32 {
	ipv4, err := ParseIPv4(host)
	if err != nil {
		panic(err)
	}
	return ipv4
}

var errInvalidPeerID = errors.New("invalid peer ID")

func MustParsePeerID(val string) PeerID {
	p, err := ParsePeerID(val)
	if err != nil {
		panic(fmt.Errorf("%w: %q", errInvalidPeerID, val))
	}
	return *p
}

package mx

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// SOCKADDR_IN_LEN is the size of an IPv4 socket address on the wire.
const SOCKADDR_IN_LEN = 16

var (
	errShortSockAddr = errors.New("mx: sockaddr shorter than 16 bytes")
	errSockAddrLen   = errors.New("mx: sockaddr length field mismatch")
)

// SockAddr is the IPv4 socket address exchanged with the module.
// The port is kept in host order; Put and Parse handle network order.
type SockAddr struct {
	Len    uint8
	Family Family
	Port   uint16
	Addr   [4]byte
}

// SockAddrFrom builds an AF_INET address from ap. ap must hold an IPv4 address.
func SockAddrFrom(ap netip.AddrPort) SockAddr {
	return SockAddr{
		Len:    SOCKADDR_IN_LEN,
		Family: AF_INET,
		Port:   ap.Port(),
		Addr:   ap.Addr().As4(),
	}
}

// AddrPort returns the address as a netip.AddrPort. Non AF_INET addresses
// yield the zero AddrPort.
func (sa SockAddr) AddrPort() netip.AddrPort {
	if sa.Family != AF_INET {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), sa.Port)
}

// Put writes the 16 byte wire form of sa into dst. Panics if dst is shorter than 16 bytes.
func (sa *SockAddr) Put(dst []byte) {
	_ = dst[SOCKADDR_IN_LEN-1]
	dst[0] = SOCKADDR_IN_LEN
	dst[1] = byte(sa.Family)
	binary.BigEndian.PutUint16(dst[2:4], sa.Port)
	copy(dst[4:8], sa.Addr[:])
	clear(dst[8:SOCKADDR_IN_LEN])
}

// ParseSockAddr decodes the wire form of an IPv4 socket address.
func ParseSockAddr(b []byte) (sa SockAddr, err error) {
	if len(b) < SOCKADDR_IN_LEN {
		return sa, errShortSockAddr
	}
	if b[0] != 0 && b[0] != SOCKADDR_IN_LEN {
		return sa, errSockAddrLen
	}
	sa.Len = b[0]
	sa.Family = Family(b[1])
	sa.Port = binary.BigEndian.Uint16(b[2:4])
	copy(sa.Addr[:], b[4:8])
	return sa, nil
}

// PutOptValue encodes a socket option value in the module's byte order.
func PutOptValue(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst[:OptLen], v)
}

// OptValue decodes a socket option value.
func OptValue(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[:OptLen])
}

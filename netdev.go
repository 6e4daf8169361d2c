// Netdev implementation of emw3080

package emw3080

import (
	"net/netip"
	"os"
	"time"
)

// Socket constants accepted by the netdev methods, using the Linux numbering.
const (
	AF_INET      = 2
	SOCK_STREAM  = 1
	SOCK_DGRAM   = 2
	IPPROTO_TCP  = 6
	IPPROTO_UDP  = 17
	SOL_SOCKET   = 1
	SO_KEEPALIVE = 9
)

func (d *Device) Socket(domain int, stype int, protocol int) (int, error) {
	if domain != AF_INET {
		return -1, ErrInvalid
	}
	var typ SockType
	switch stype {
	case SOCK_STREAM:
		typ = SockStream
	case SOCK_DGRAM:
		typ = SockDgram
	default:
		return -1, ErrInvalid
	}
	var proto Protocol
	switch protocol {
	case 0:
		proto = ProtoAuto
	case IPPROTO_TCP:
		proto = ProtoTCP
	case IPPROTO_UDP:
		proto = ProtoUDP
	default:
		return -1, ErrInvalid
	}
	return d.SocketCreate(FamilyIPv4, typ, proto)
}

func (d *Device) Bind(sockfd int, addr netip.AddrPort) error {
	return d.SocketBind(sockfd, addr)
}

// Connect connects sockfd to addr. If addr has no address host is resolved
// and addr's port is used.
func (d *Device) Connect(sockfd int, host string, addr netip.AddrPort) error {
	if !addr.Addr().IsValid() && host != "" {
		ip, err := d.GetHostByName(host)
		if err != nil {
			return err
		}
		addr = netip.AddrPortFrom(ip, addr.Port())
	}
	return d.SocketConnect(sockfd, addr)
}

func (d *Device) Listen(sockfd int, backlog int) error {
	return d.SocketListen(sockfd, backlog)
}

func (d *Device) Accept(sockfd int) (int, netip.AddrPort, error) {
	return d.SocketAccept(sockfd)
}

// Send writes all of buf to sockfd, retrying until deadline. A zero
// deadline retries until the data is sent or an error other than
// ErrWouldBlock occurs.
func (d *Device) Send(sockfd int, buf []byte, flags int, deadline time.Time) (int, error) {
	return d.sendAll(sockfd, buf, func() time.Time { return deadline })
}

// Recv reads from sockfd into buf, waiting until deadline. A zero deadline waits forever.
func (d *Device) Recv(sockfd int, buf []byte, flags int, deadline time.Time) (int, error) {
	if err := d.applyRecvDeadline(sockfd, deadline); err != nil {
		return 0, err
	}
	n, err := d.SocketRecv(sockfd, buf)
	if err == ErrWouldBlock {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (d *Device) Close(sockfd int) error {
	return d.SocketClose(sockfd)
}

// SetSockOpt supports SO_KEEPALIVE at SOL_SOCKET with a bool or int value.
func (d *Device) SetSockOpt(sockfd int, level int, opt int, value any) error {
	if level != SOL_SOCKET || opt != SO_KEEPALIVE {
		return ErrNotSupported
	}
	var v uint32
	switch value := value.(type) {
	case bool:
		if value {
			v = 1
		}
	case int:
		v = uint32(clamp(value, 0, 1<<31-1))
	default:
		return ErrInvalid
	}
	return d.SocketSetOpt(sockfd, OptKeepAlive, v)
}

// Addr returns the station IPv4 address.
func (d *Device) Addr() (netip.Addr, error) {
	return d.GetIPAddr()
}

// applyRecvDeadline programs the socket receive timeout so a blocking
// receive gives up at deadline.
func (d *Device) applyRecvDeadline(sock int, deadline time.Time) error {
	ms, expired := deadlineTimeout(deadline)
	if expired {
		return os.ErrDeadlineExceeded
	}
	return d.SocketSetOpt(sock, OptRecvTimeout, ms)
}

func (d *Device) sendAll(sock int, buf []byte, deadline func() time.Time) (int, error) {
	written := 0
	for written < len(buf) {
		if _, expired := deadlineTimeout(deadline()); expired {
			return written, os.ErrDeadlineExceeded
		}
		n, err := d.SocketSend(sock, buf[written:])
		written += n
		if err != nil && err != ErrWouldBlock {
			return written, err
		} else if n == 0 {
			d.cfg.Sleep(d.cfg.PollInterval)
		}
	}
	return written, nil
}

// deadlineTimeout converts a deadline into a receive timeout in
// milliseconds. The zero deadline yields 0, meaning wait forever.
func deadlineTimeout(deadline time.Time) (ms uint32, expired bool) {
	if deadline.IsZero() {
		return 0, false
	}
	remain := time.Until(deadline)
	if remain <= 0 {
		return 0, true
	}
	return toMillis(remain), false
}

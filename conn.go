package emw3080

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
)

var (
	errUnknownNetwork = errors.New("emw3080: unknown network")
	errBadAddr        = errors.New("emw3080: bad address")
)

// handle owns a session socket on behalf of a net type. After close it
// never touches the socket id again since the slot may have been reused.
type handle struct {
	d      *Device
	sock   int
	closed atomix.Uint32
}

// Socket returns the session socket id.
func (h *handle) Socket() int { return h.sock }

func (h *handle) check() error {
	if h.closed.Load() != 0 {
		return net.ErrClosed
	}
	return nil
}

func (h *handle) close() error {
	if !h.closed.CompareAndSwap(0, 1) {
		return net.ErrClosed
	}
	return h.d.SocketClose(h.sock)
}

// Conn is a net.Conn over a stream or connected datagram socket.
type Conn struct {
	handle
	typ   SockType
	laddr netip.AddrPort
	raddr netip.AddrPort

	mu        sync.Mutex
	rdeadline time.Time
	wdeadline time.Time
}

var (
	_ net.Conn       = (*Conn)(nil)
	_ net.Listener   = (*Listener)(nil)
	_ net.PacketConn = (*PacketConn)(nil)
)

func (c *Conn) network() string {
	if c.typ == SockDgram {
		return "udp"
	}
	return "tcp"
}


func (c *Conn) Read(b []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, c.opError("read", err)
	}
	if len(b) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	deadline := c.rdeadline
	c.mu.Unlock()
	if err := c.d.applyRecvDeadline(c.sock, deadline); err != nil {
		return 0, c.opError("read", err)
	}
	n, err := c.d.SocketRecv(c.sock, b)
	if err != nil {
		if c.typ == SockStream && isStreamEnd(err) {
			return n, io.EOF
		}
		return n, c.opError("read", err)
	}
	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, c.opError("write", err)
	}
	n, err := c.d.sendAll(c.sock, b, func() time.Time {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.wdeadline
	})
	if err != nil {
		return n, c.opError("write", err)
	}
	return n, nil
}

func (c *Conn) Close() error {
	if err := c.close(); err != nil {
		return c.opError("close", err)
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return sockAddr(c.typ, c.laddr) }
func (c *Conn) RemoteAddr() net.Addr { return sockAddr(c.typ, c.raddr) }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline, c.wdeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: c.network(), Source: c.LocalAddr(), Addr: c.RemoteAddr(), Err: netError(err)}
}

// isStreamEnd reports errors that end a stream read.
func isStreamEnd(err error) bool {
	return errors.Is(err, ErrConnReset) || errors.Is(err, ErrConnAborted) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, ErrSocket)
}

// netError maps would-block results to the deadline error net users expect.
func netError(err error) error {
	if errors.Is(err, ErrWouldBlock) {
		return os.ErrDeadlineExceeded
	}
	return err
}

func sockAddr(typ SockType, ap netip.AddrPort) net.Addr {
	if typ == SockDgram {
		return net.UDPAddrFromAddrPort(ap)
	}
	return net.TCPAddrFromAddrPort(ap)
}

// Listener is a net.Listener over a listening stream socket.
type Listener struct {
	handle
	addr netip.AddrPort
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		if err := l.check(); err != nil {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: err}
		}
		sock, peer, err := l.d.SocketAccept(l.sock)
		if err == ErrWouldBlock {
			continue
		} else if err != nil {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: err}
		}
		return &Conn{handle: handle{d: l.d, sock: sock}, typ: SockStream, laddr: l.addr, raddr: peer}, nil
	}
}

func (l *Listener) Close() error {
	if err := l.close(); err != nil {
		return &net.OpError{Op: "close", Net: "tcp", Addr: l.Addr(), Err: err}
	}
	return nil
}

func (l *Listener) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.addr) }

// PacketConn is a net.PacketConn over an unconnected datagram socket.
type PacketConn struct {
	handle
	laddr netip.AddrPort

	mu        sync.Mutex
	rdeadline time.Time
	wdeadline time.Time
}

func (pc *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if err := pc.check(); err != nil {
		return 0, nil, pc.opError("read", nil, err)
	}
	pc.mu.Lock()
	deadline := pc.rdeadline
	pc.mu.Unlock()
	if err := pc.d.applyRecvDeadline(pc.sock, deadline); err != nil {
		return 0, nil, pc.opError("read", nil, err)
	}
	n, from, err := pc.d.SocketRecvFrom(pc.sock, b)
	if err != nil {
		return n, nil, pc.opError("read", nil, err)
	}
	return n, net.UDPAddrFromAddrPort(from), nil
}

func (pc *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	to, err := addrPortOf(addr)
	if err != nil {
		return 0, pc.opError("write", addr, err)
	}
	for {
		if err := pc.check(); err != nil {
			return 0, pc.opError("write", addr, err)
		}
		pc.mu.Lock()
		deadline := pc.wdeadline
		pc.mu.Unlock()
		if _, expired := deadlineTimeout(deadline); expired {
			return 0, pc.opError("write", addr, os.ErrDeadlineExceeded)
		}
		n, err := pc.d.SocketSendTo(pc.sock, b, to)
		if err == ErrWouldBlock {
			pc.d.cfg.Sleep(pc.d.cfg.PollInterval)
			continue
		} else if err != nil {
			return n, pc.opError("write", addr, err)
		}
		return n, nil
	}
}

func (pc *PacketConn) Close() error {
	if err := pc.close(); err != nil {
		return pc.opError("close", nil, err)
	}
	return nil
}

func (pc *PacketConn) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(pc.laddr) }

func (pc *PacketConn) SetDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.rdeadline, pc.wdeadline = t, t
	pc.mu.Unlock()
	return nil
}

func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.rdeadline = t
	pc.mu.Unlock()
	return nil
}

func (pc *PacketConn) SetWriteDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.wdeadline = t
	pc.mu.Unlock()
	return nil
}

func (pc *PacketConn) opError(op string, addr net.Addr, err error) error {
	return &net.OpError{Op: op, Net: "udp", Source: pc.LocalAddr(), Addr: addr, Err: netError(err)}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case *net.TCPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case nil:
		return netip.AddrPort{}, errBadAddr
	}
	return netip.ParseAddrPort(addr.String())
}

// Dial connects to address on the named network. Supported networks are
// "tcp", "tcp4", "udp" and "udp4". Host names are resolved by the module.
func (d *Device) Dial(network, address string) (net.Conn, error) {
	var typ SockType
	switch network {
	case "tcp", "tcp4":
		typ = SockStream
	case "udp", "udp4":
		typ = SockDgram
	default:
		return nil, &net.OpError{Op: "dial", Net: network, Err: errUnknownNetwork}
	}
	raddr, err := d.resolve(address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	c, err := d.dial(typ, raddr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: sockAddr(typ, raddr), Err: netError(err)}
	}
	return c, nil
}

// DialTCP connects a stream socket to raddr.
func (d *Device) DialTCP(raddr netip.AddrPort) (*Conn, error) {
	return d.dial(SockStream, raddr)
}

func (d *Device) dial(typ SockType, raddr netip.AddrPort) (*Conn, error) {
	sock, err := d.SocketCreate(FamilyIPv4, typ, ProtoAuto)
	if err != nil {
		return nil, err
	}
	if err = d.SocketConnect(sock, raddr); err != nil {
		d.SocketClose(sock)
		return nil, err
	}
	laddr, err := d.SocketGetSockName(sock)
	if err != nil {
		d.debug("dial:getsockname", sockattr(sock), errattr(err))
	}
	return &Conn{handle: handle{d: d, sock: sock}, typ: typ, laddr: laddr, raddr: raddr}, nil
}

func (d *Device) resolve(address string) (netip.AddrPort, error) {
	host, portstr, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errBadAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		ip, err = d.GetHostByName(host)
		if err != nil {
			return netip.AddrPort{}, err
		}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

// ListenTCP binds a stream socket to laddr and starts listening.
func (d *Device) ListenTCP(laddr netip.AddrPort, backlog int) (*Listener, error) {
	sock, err := d.SocketCreate(FamilyIPv4, SockStream, ProtoTCP)
	if err != nil {
		return nil, err
	}
	if err = d.SocketBind(sock, laddr); err == nil {
		err = d.SocketListen(sock, backlog)
	}
	if err != nil {
		d.SocketClose(sock)
		return nil, err
	}
	return &Listener{handle: handle{d: d, sock: sock}, addr: laddr}, nil
}

// ListenUDP binds a datagram socket to laddr.
func (d *Device) ListenUDP(laddr netip.AddrPort) (*PacketConn, error) {
	sock, err := d.SocketCreate(FamilyIPv4, SockDgram, ProtoUDP)
	if err != nil {
		return nil, err
	}
	if err = d.SocketBind(sock, laddr); err != nil {
		d.SocketClose(sock)
		return nil, err
	}
	return &PacketConn{handle: handle{d: d, sock: sock}, laddr: laddr}, nil
}

package hostmx

import (
	"log/slog"
	"net"
	"net/netip"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
	"github.com/smallnest/ringbuffer"
	"github.com/soypat/emw3080/mx"
)

type datagram struct {
	data []byte
	from netip.AddrPort
}

type dialResult struct {
	conn net.Conn
	err  error
}

type socket struct {
	typ   mx.SocketType
	opts  map[mx.SockOpt]uint32
	laddr netip.AddrPort
	raddr netip.AddrPort
	// closed is set when the socket is closed. Pumps exit when they observe it.
	closed atomix.Uint32

	// Stream state.
	dialing chan dialResult
	conn    net.Conn
	rx      *ringbuffer.RingBuffer
	eof     atomix.Uint32

	// Listener state.
	ln   *net.TCPListener
	accq lfq.SPSC[net.Conn]

	// Datagram state.
	pc  *net.UDPConn
	dgq lfq.SPSC[datagram]
}

func (s *socket) isClosed() bool { return s.closed.Load() != 0 }

func (s *socket) close() {
	s.closed.Add(1)
	if s.conn != nil {
		s.conn.Close()
	}
	if s.ln != nil {
		s.ln.Close()
		for {
			c, err := s.accq.Dequeue()
			if err != nil {
				break
			}
			c.Close()
		}
	}
	if s.pc != nil {
		s.pc.Close()
	}
	if s.dialing != nil {
		go func(ch chan dialResult) {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}(s.dialing)
	}
}

func (m *Module) closeAll() {
	for i, s := range m.socks {
		if s != nil {
			s.close()
			m.socks[i] = nil
		}
	}
}

// lookup returns the open socket sock. Must be called with m.mu held.
func (m *Module) lookup(sock int) (*socket, error) {
	if !m.inited {
		return nil, fail(mx.StatusError, nil, "not initialized")
	}
	if sock < 0 || sock >= len(m.socks) || m.socks[sock] == nil {
		return nil, fail(mx.StatusParam, nil, "bad socket")
	}
	return m.socks[sock], nil
}

func (m *Module) alloc(s *socket) (int, error) {
	for i := range m.socks {
		if m.socks[i] == nil {
			m.socks[i] = s
			return i, nil
		}
	}
	return -1, fail(mx.StatusError, nil, "out of sockets")
}

func (m *Module) SocketCreate(domain mx.Family, typ mx.SocketType, proto mx.Protocol) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return -1, fail(mx.StatusError, nil, "not initialized")
	}
	if domain != mx.AF_INET || (typ != mx.SOCK_STREAM && typ != mx.SOCK_DGRAM) {
		return -1, fail(mx.StatusParam, nil, "unsupported socket kind")
	}
	s := &socket{typ: typ, opts: map[mx.SockOpt]uint32{mx.SO_TYPE: uint32(typ)}}
	return m.alloc(s)
}

func (m *Module) SocketSetOpt(sock, level int, opt mx.SockOpt, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return err
	}
	if level != mx.SOL_SOCKET || len(val) != mx.OptLen || opt == mx.SO_TYPE {
		return fail(mx.StatusParam, nil, "bad option")
	}
	v := mx.OptValue(val)
	s.opts[opt] = v
	if tc, ok := s.conn.(*net.TCPConn); ok && opt == mx.SO_KEEPALIVE {
		tc.SetKeepAlive(v != 0)
	}
	return nil
}

func (m *Module) SocketGetOpt(sock, level int, opt mx.SockOpt, val []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return 0, err
	}
	if level != mx.SOL_SOCKET || len(val) < mx.OptLen {
		return 0, fail(mx.StatusParam, nil, "bad option")
	}
	mx.PutOptValue(val, s.opts[opt])
	return mx.OptLen, nil
}

func (m *Module) SocketBind(sock int, addr mx.SockAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return err
	}
	ap := addr.AddrPort()
	if !ap.IsValid() {
		return fail(mx.StatusParam, nil, "bad address")
	}
	s.laddr = ap
	if s.typ == mx.SOCK_DGRAM {
		return m.openUDP(s)
	}
	return nil
}

func (m *Module) openUDP(s *socket) error {
	if s.pc != nil {
		return nil
	}
	laddr := s.laddr
	if !laddr.IsValid() {
		laddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	pc, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return fail(mx.StatusError, err, "bind")
	}
	s.pc = pc
	s.dgq.Init(m.cfg.DatagramQueue)
	go pumpDatagrams(s, pc, mx.SOCKADDR_IN_LEN+m.cfg.StreamBuffer)
	return nil
}

func (m *Module) SocketListen(sock, backlog int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return err
	}
	if s.typ != mx.SOCK_STREAM || !s.laddr.IsValid() {
		return fail(mx.StatusParam, nil, "listen")
	}
	ln, err := net.ListenTCP("tcp4", net.TCPAddrFromAddrPort(s.laddr))
	if err != nil {
		return fail(mx.StatusError, err, "listen")
	}
	s.ln = ln
	s.accq.Init(max(m.cfg.AcceptQueue, backlog))
	go pumpAccept(s, ln)
	m.debug("hostmx:listen", slog.String("addr", ln.Addr().String()))
	return nil
}

// SocketAccept returns a pending connection. It fails when none is queued.
func (m *Module) SocketAccept(sock int) (int, mx.SockAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return -1, mx.SockAddr{}, err
	}
	if s.ln == nil {
		return -1, mx.SockAddr{}, fail(mx.StatusParam, nil, "not listening")
	}
	c, err := s.accq.Dequeue()
	if err != nil {
		return -1, mx.SockAddr{}, fail(mx.StatusError, nil, "no pending connection")
	}
	child := &socket{typ: mx.SOCK_STREAM, opts: map[mx.SockOpt]uint32{mx.SO_TYPE: uint32(mx.SOCK_STREAM)}}
	id, err := m.alloc(child)
	if err != nil {
		c.Close()
		return -1, mx.SockAddr{}, err
	}
	m.attach(child, c)
	return id, sockAddr(child.raddr), nil
}

// attach starts receiving on an established connection.
func (m *Module) attach(s *socket, c net.Conn) {
	s.conn = c
	s.laddr = addrPortOf(c.LocalAddr())
	s.raddr = addrPortOf(c.RemoteAddr())
	s.rx = ringbuffer.New(m.cfg.StreamBuffer)
	if tc, ok := c.(*net.TCPConn); ok && s.opts[mx.SO_KEEPALIVE] != 0 {
		tc.SetKeepAlive(true)
	}
	go pumpStream(s, c)
}

// sockAddr converts ap, yielding the zero address for non IPv4 addresses.
func sockAddr(ap netip.AddrPort) mx.SockAddr {
	if !ap.Addr().Is4() {
		return mx.SockAddr{}
	}
	return mx.SockAddrFrom(ap)
}

func addrPortOf(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch a := a.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	default:
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// SocketConnect starts a connection in the background. It reports
// StatusTimeout until the connection is established.
func (m *Module) SocketConnect(sock int, addr mx.SockAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return err
	}
	raddr := addr.AddrPort()
	if !raddr.IsValid() {
		return fail(mx.StatusParam, nil, "bad address")
	}
	if s.typ == mx.SOCK_DGRAM {
		if err := m.openUDP(s); err != nil {
			return err
		}
		s.raddr = raddr
		return nil
	}
	if s.conn != nil {
		return fail(mx.StatusError, nil, "already connected")
	}
	if s.dialing == nil {
		s.dialing = make(chan dialResult, 1)
		dialer := net.Dialer{Timeout: m.cfg.DialTimeout}
		if s.laddr.IsValid() {
			dialer.LocalAddr = net.TCPAddrFromAddrPort(s.laddr)
		}
		go func(ch chan<- dialResult) {
			c, err := dialer.Dial("tcp4", raddr.String())
			ch <- dialResult{conn: c, err: err}
		}(s.dialing)
		return fail(mx.StatusTimeout, nil, "connect in progress")
	}
	select {
	case r := <-s.dialing:
		s.dialing = nil
		if r.err != nil {
			return fail(mx.StatusError, r.err, "connect")
		}
		m.attach(s, r.conn)
		m.debug("hostmx:connected", slog.String("remote", raddr.String()))
		return nil
	default:
		return fail(mx.StatusTimeout, nil, "connect in progress")
	}
}

func (m *Module) SocketSend(sock int, b []byte) (int, error) {
	return m.SocketSendTo(sock, b, mx.SockAddr{})
}

func (m *Module) SocketSendTo(sock int, b []byte, to mx.SockAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return -1, err
	}
	if s.typ == mx.SOCK_DGRAM {
		dst := to.AddrPort()
		if !dst.IsValid() {
			dst = s.raddr
		}
		if !dst.IsValid() {
			return -1, fail(mx.StatusParam, nil, "no destination")
		}
		if err := m.openUDP(s); err != nil {
			return -1, err
		}
		n, err := s.pc.WriteToUDPAddrPort(b, dst)
		if err != nil {
			return -1, fail(mx.StatusIO, err, "sendto")
		}
		return n, nil
	}
	if s.conn == nil || s.eof.Load() != 0 {
		return -1, fail(mx.StatusError, nil, "not connected")
	}
	timeout := time.Second
	if ms := s.opts[mx.SO_SNDTIMEO]; ms != 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	n, err := s.conn.Write(b)
	if n == 0 && err != nil {
		return -1, fail(mx.StatusIO, err, "send")
	}
	return n, nil
}

// SocketRecv returns buffered data, 0 when none is buffered yet and an
// error once the peer closed and the buffer is drained.
func (m *Module) SocketRecv(sock int, b []byte) (int, error) {
	n, _, err := m.SocketRecvFrom(sock, b)
	return n, err
}

func (m *Module) SocketRecvFrom(sock int, b []byte) (int, mx.SockAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return -1, mx.SockAddr{}, err
	}
	if s.typ == mx.SOCK_DGRAM {
		if s.pc == nil {
			return 0, mx.SockAddr{}, nil
		}
		dg, err := s.dgq.Dequeue()
		if err != nil {
			return 0, mx.SockAddr{}, nil
		}
		return copy(b, dg.data), sockAddr(dg.from), nil
	}
	if s.rx == nil {
		return -1, mx.SockAddr{}, fail(mx.StatusError, nil, "not connected")
	}
	if s.rx.IsEmpty() {
		if s.eof.Load() != 0 {
			return -1, mx.SockAddr{}, fail(mx.StatusIO, nil, "connection closed by peer")
		}
		return 0, mx.SockAddr{}, nil
	}
	n, _ := s.rx.Read(b)
	return n, sockAddr(s.raddr), nil
}

func (m *Module) SocketGetSockName(sock int) (mx.SockAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return mx.SockAddr{}, err
	}
	switch {
	case s.conn != nil:
		return sockAddr(addrPortOf(s.conn.LocalAddr())), nil
	case s.ln != nil:
		return sockAddr(addrPortOf(s.ln.Addr())), nil
	case s.pc != nil:
		return sockAddr(addrPortOf(s.pc.LocalAddr())), nil
	case s.laddr.IsValid():
		return sockAddr(s.laddr), nil
	}
	return mx.SockAddr{}, fail(mx.StatusError, nil, "not bound")
}

func (m *Module) SocketGetPeerName(sock int) (mx.SockAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return mx.SockAddr{}, err
	}
	if !s.raddr.IsValid() {
		return mx.SockAddr{}, fail(mx.StatusError, nil, "not connected")
	}
	return sockAddr(s.raddr), nil
}

func (m *Module) SocketClose(sock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sock)
	if err != nil {
		return err
	}
	s.close()
	m.socks[sock] = nil
	return nil
}

package emw3080

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/emw3080/mx"
)

// Family is a socket address family.
type Family uint8

const (
	FamilyIPv4 Family = 1
	FamilyIPv6 Family = 2
)

// SockType is the socket type.
type SockType uint8

const (
	SockStream SockType = 1
	SockDgram  SockType = 2
)

func (t SockType) String() string {
	switch t {
	case SockStream:
		return "stream"
	case SockDgram:
		return "dgram"
	}
	return "invalid"
}

// Protocol is the socket protocol. ProtoAuto picks the protocol from the type.
type Protocol uint8

const (
	ProtoAuto Protocol = 0
	ProtoTCP  Protocol = 1
	ProtoUDP  Protocol = 2
)

// SockOpt identifies a socket option. All option values are uint32 and
// timeouts are in milliseconds.
type SockOpt uint8

const (
	OptNonBlocking SockOpt = iota + 1 // write only, non-zero enables
	OptRecvTimeout
	OptSendTimeout
	OptKeepAlive
	OptType // read only
)

func moduleKind(typ SockType, proto Protocol) (mx.SocketType, mx.Protocol, bool) {
	switch {
	case typ == SockStream && (proto == ProtoAuto || proto == ProtoTCP):
		return mx.SOCK_STREAM, mx.IPPROTO_TCP, true
	case typ == SockDgram && (proto == ProtoAuto || proto == ProtoUDP):
		return mx.SOCK_DGRAM, mx.IPPROTO_UDP, true
	}
	return 0, 0, false
}

// SocketCreate allocates a socket of the given type and returns its id.
func (d *Device) SocketCreate(af Family, typ SockType, proto Protocol) (int, error) {
	if af != FamilyIPv4 {
		return -1, ErrInvalid
	}
	mtyp, mproto, ok := moduleKind(typ, proto)
	if !ok {
		return -1, ErrInvalid
	}
	if err := d.acquire(); err != nil {
		return -1, err
	}
	defer d.release()
	sock, err := d.mod.SocketCreate(mx.AF_INET, mtyp, mproto)
	if err != nil {
		return -1, socketError(err)
	}
	if sock < 0 {
		return -1, ErrSocket
	}
	if sock >= len(d.sockets) {
		d.warn("SocketCreate:id-out-of-range", sockattr(sock))
		d.mod.SocketClose(sock)
		return -1, ErrNoMemory
	}
	d.sockets[sock].claim(typ, d.cfg.RecvTimeout)
	var v [mx.OptLen]byte
	mx.PutOptValue(v[:], toMillis(d.cfg.ModuleRecvTimeout))
	if err := d.mod.SocketSetOpt(sock, mx.SOL_SOCKET, mx.SO_RCVTIMEO, v[:]); err != nil {
		d.debug("SocketCreate:module-rcvtimeo", sockattr(sock), errattr(err))
	}
	d.debug("SocketCreate", sockattr(sock), slog.String("type", typ.String()))
	return sock, nil
}

// SocketBind assigns the local address of sock. The unspecified address
// binds every interface address.
func (d *Device) SocketBind(sock int, addr netip.AddrPort) error {
	if !addr.Addr().Is4() || addr.Port() == 0 {
		return ErrInvalid
	}
	s, err := d.lockSocket(sock)
	if err != nil {
		return err
	}
	defer d.release()
	switch {
	case !s.has(flagCreated):
		return ErrBadSocket
	case s.has(flagConnected):
		return ErrIsConnected
	case s.has(flagBound) && s.local.Addr() == addr.Addr():
		return ErrInvalid
	case d.bindConflict(sock, addr):
		return ErrAddrInUse
	}
	if err := d.mod.SocketBind(sock, mx.SockAddrFrom(addr)); err != nil {
		return socketError(err)
	}
	s.set(flagBound)
	s.local = addr
	d.debug("SocketBind", sockattr(sock), addrattr("addr", addr))
	return nil
}

// SocketListen marks a bound stream socket as accepting connections.
func (d *Device) SocketListen(sock, backlog int) error {
	s, err := d.lockSocket(sock)
	if err != nil {
		return err
	}
	defer d.release()
	switch {
	case s.typ == SockDgram:
		return ErrNotSupported
	case !s.has(flagCreated):
		return ErrBadSocket
	case !s.has(flagBound) || s.has(flagListening):
		return ErrInvalid
	}
	if err := d.mod.SocketListen(sock, backlog); err != nil {
		return socketError(err)
	}
	s.set(flagListening)
	return nil
}

// SocketAccept waits for an incoming connection on the listening socket
// sock. The returned socket inherits the blocking mode and timeouts of sock.
func (d *Device) SocketAccept(sock int) (int, netip.AddrPort, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	switch {
	case s.typ == SockDgram:
		err = ErrNotSupported
	case !s.has(flagCreated):
		err = ErrBadSocket
	case !s.has(flagListening):
		err = ErrInvalid
	}
	budget := newBudget(s.nonblocking, s.rcvTimeout, d.cfg.PollInterval)
	d.release()
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	child := -1
	var peer netip.AddrPort
	err = d.poll(sock, budget, 0, func(s *socketRecord, _ bool) (pollOutcome, error) {
		if !s.has(flagListening) {
			return pollDone, ErrInvalid
		}
		id, addr, err := d.mod.SocketAccept(sock)
		if err != nil || id < 0 {
			return pollAgain, nil
		}
		if id >= len(d.sockets) {
			d.warn("SocketAccept:id-out-of-range", sockattr(id))
			d.mod.SocketClose(id)
			return pollDone, ErrSocket
		}
		c := &d.sockets[id]
		c.claim(s.typ, s.rcvTimeout)
		c.nonblocking = s.nonblocking
		c.sndTimeout = s.sndTimeout
		c.set(flagBound | flagConnected)
		c.remote = addr.AddrPort()
		child, peer = id, c.remote
		return pollDone, nil
	})
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	d.debug("SocketAccept", sockattr(sock), slog.Int("child", child), addrattr("peer", peer))
	return child, peer, nil
}

// SocketConnect connects sock to addr. A non-blocking socket reports
// ErrInProgress on the first call that does not complete; later calls
// report ErrAlready while the module is still connecting.
func (d *Device) SocketConnect(sock int, addr netip.AddrPort) error {
	if !addr.Addr().Is4() || addr.Addr().IsUnspecified() || addr.Port() == 0 {
		return ErrInvalid
	}
	s, err := d.lockSocket(sock)
	if err != nil {
		return err
	}
	if err = connectable(s); err != nil {
		d.release()
		return err
	}
	maddr := mx.SockAddrFrom(addr)
	if s.nonblocking {
		defer d.release()
		err = d.mod.SocketConnect(sock, maddr)
		if err == nil {
			s.connected(addr)
			return nil
		}
		if !s.has(flagConnecting) {
			s.set(flagConnecting)
			return ErrInProgress
		}
		if mx.StatusOf(err) == mx.StatusTimeout {
			return ErrAlready
		}
		return socketError(err)
	}
	budget := newBudget(false, s.rcvTimeout, d.cfg.PollInterval)
	d.release()

	return d.poll(sock, budget, 0, func(s *socketRecord, _ bool) (pollOutcome, error) {
		if err := connectable(s); err != nil {
			return pollDone, err
		}
		err := d.mod.SocketConnect(sock, maddr)
		switch {
		case err == nil:
			s.connected(addr)
			d.debug("SocketConnect", sockattr(sock), addrattr("remote", addr))
			return pollDone, nil
		case mx.StatusOf(err) == mx.StatusTimeout:
			return pollAgain, nil
		}
		return pollDone, socketError(err)
	})
}

func connectable(s *socketRecord) error {
	switch {
	case !s.has(flagCreated):
		return ErrBadSocket
	case s.has(flagListening):
		return ErrInvalid
	case s.has(flagConnected):
		return ErrIsConnected
	}
	return nil
}

func (s *socketRecord) connected(remote netip.AddrPort) {
	s.unset(flagConnecting)
	s.set(flagConnected | flagBound)
	s.remote = remote
}

// SocketGetSockName returns the local address of a bound socket.
func (d *Device) SocketGetSockName(sock int) (netip.AddrPort, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer d.release()
	switch {
	case !s.has(flagCreated):
		return netip.AddrPort{}, ErrBadSocket
	case !s.has(flagBound):
		return netip.AddrPort{}, ErrInvalid
	}
	sa, err := d.mod.SocketGetSockName(sock)
	if err != nil {
		return netip.AddrPort{}, socketError(err)
	}
	if ap := sa.AddrPort(); ap.IsValid() {
		return ap, nil
	}
	return s.local, nil
}

// SocketGetPeerName returns the remote address of a connected socket.
func (d *Device) SocketGetPeerName(sock int) (netip.AddrPort, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer d.release()
	switch {
	case !s.has(flagCreated):
		return netip.AddrPort{}, ErrBadSocket
	case !s.has(flagConnected):
		return netip.AddrPort{}, ErrNotConnected
	}
	sa, err := d.mod.SocketGetPeerName(sock)
	if err != nil {
		return netip.AddrPort{}, socketError(err)
	}
	if ap := sa.AddrPort(); ap.IsValid() {
		return ap, nil
	}
	return s.remote, nil
}

// SocketGetOpt reads a socket option.
func (d *Device) SocketGetOpt(sock int, opt SockOpt) (uint32, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return 0, err
	}
	defer d.release()
	if !s.has(flagCreated) {
		return 0, ErrBadSocket
	}
	switch opt {
	case OptRecvTimeout:
		return toMillis(s.rcvTimeout), nil
	case OptSendTimeout:
		return toMillis(s.sndTimeout), nil
	case OptKeepAlive, OptType:
		var v [mx.OptLen]byte
		n, err := d.mod.SocketGetOpt(sock, mx.SOL_SOCKET, moduleOpt(opt), v[:])
		if err != nil {
			return 0, socketError(err)
		}
		if n != mx.OptLen {
			return 0, ErrSocket
		}
		val := mx.OptValue(v[:])
		if opt == OptType {
			val = uint32(sockTypeFromMX(mx.SocketType(val)))
		}
		return val, nil
	}
	return 0, ErrInvalid
}

// SocketSetOpt writes a socket option.
func (d *Device) SocketSetOpt(sock int, opt SockOpt, val uint32) error {
	s, err := d.lockSocket(sock)
	if err != nil {
		return err
	}
	defer d.release()
	if !s.has(flagCreated) {
		return ErrBadSocket
	}
	switch opt {
	case OptNonBlocking:
		s.nonblocking = val != 0
		return nil
	case OptRecvTimeout:
		s.rcvTimeout = fromMillis(val)
		return nil
	case OptSendTimeout, OptKeepAlive:
		var v [mx.OptLen]byte
		mx.PutOptValue(v[:], val)
		if err := d.mod.SocketSetOpt(sock, mx.SOL_SOCKET, moduleOpt(opt), v[:]); err != nil {
			return socketError(err)
		}
		if opt == OptSendTimeout {
			s.sndTimeout = fromMillis(val)
		}
		return nil
	}
	return ErrInvalid
}

func moduleOpt(opt SockOpt) mx.SockOpt {
	switch opt {
	case OptRecvTimeout:
		return mx.SO_RCVTIMEO
	case OptSendTimeout:
		return mx.SO_SNDTIMEO
	case OptKeepAlive:
		return mx.SO_KEEPALIVE
	case OptType:
		return mx.SO_TYPE
	}
	return 0
}

func sockTypeFromMX(t mx.SocketType) SockType {
	switch t {
	case mx.SOCK_STREAM:
		return SockStream
	case mx.SOCK_DGRAM:
		return SockDgram
	}
	return 0
}

// SocketClose closes sock at the module and frees its slot.
func (d *Device) SocketClose(sock int) error {
	s, err := d.lockSocket(sock)
	if err != nil {
		return err
	}
	defer d.release()
	if !s.has(flagCreated) {
		return ErrBadSocket
	}
	if err := d.mod.SocketClose(sock); err != nil {
		return socketError(err)
	}
	s.reset()
	d.debug("SocketClose", sockattr(sock))
	return nil
}

// GetHostByName resolves name to an IPv4 address.
func (d *Device) GetHostByName(name string) (netip.Addr, error) {
	if name == "" {
		return netip.Addr{}, ErrInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return netip.Addr{}, ErrSocket
	}
	sa, err := d.mod.GetHostByName(name)
	if err != nil {
		if mx.StatusOf(err) == mx.StatusError {
			return netip.Addr{}, ErrHostNotFound
		}
		return netip.Addr{}, socketError(err)
	}
	ap := sa.AddrPort()
	if !ap.IsValid() {
		return netip.Addr{}, ErrHostNotFound
	}
	d.debug("GetHostByName", slog.String("name", name), slog.String("addr", ap.Addr().String()))
	return ap.Addr(), nil
}

// Ping sends a single echo request to addr.
func (d *Device) Ping(addr netip.Addr) error {
	if !addr.Is4() {
		return ErrParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrDriver
	}
	rtt, err := d.mod.Ping(addr.String(), 1, 0)
	if err != nil {
		return driverError(err)
	}
	d.debug("Ping", slog.String("addr", addr.String()), slog.Duration("rtt", rtt))
	return nil
}

func (d *Device) recvBudget(s *socketRecord) waitBudget {
	return newBudget(s.nonblocking, s.rcvTimeout, d.cfg.PollInterval)
}

func (d *Device) sendBudget(s *socketRecord) waitBudget {
	if d.cfg.SendAttempts <= 1 {
		return waitBudget{once: true}
	}
	return newBudget(s.nonblocking, time.Duration(d.cfg.SendAttempts-1)*d.cfg.SendRetryDelay, d.cfg.SendRetryDelay)
}

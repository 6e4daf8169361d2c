package emw3080

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/emw3080/mx"
)

// SocketSend sends b on the connected socket sock and returns the number of
// bytes the module accepted. An empty b checks the socket state only.
// If the last transport attempt fails the connection is considered lost:
// the socket is demoted and ErrConnReset is returned.
func (d *Device) SocketSend(sock int, b []byte) (int, error) {
	return d.send(sock, b, netip.AddrPort{}, true)
}

// SocketSendTo sends b to the address to. A zero to sends to the connected peer.
func (d *Device) SocketSendTo(sock int, b []byte, to netip.AddrPort) (int, error) {
	if to.IsValid() && (!to.Addr().Is4() || to.Port() == 0) {
		return 0, ErrInvalid
	}
	return d.send(sock, b, to, false)
}

func (d *Device) send(sock int, b []byte, to netip.AddrPort, needConnected bool) (int, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return 0, err
	}
	switch {
	case !s.has(flagCreated):
		err = ErrBadSocket
	case needConnected && !s.has(flagConnected):
		err = ErrNotConnected
	}
	budget := d.sendBudget(s)
	d.release()
	if err != nil || len(b) == 0 {
		return 0, err
	}

	var maddr mx.SockAddr
	if to.IsValid() {
		maddr = mx.SockAddrFrom(to)
	}
	n := 0
	retries := max(d.cfg.SendAttempts-1, 0)
	err = d.poll(sock, budget, retries, func(s *socketRecord, last bool) (pollOutcome, error) {
		if needConnected && !s.has(flagConnected) {
			return pollDone, ErrNotConnected
		}
		var err error
		if to.IsValid() {
			n, err = d.mod.SocketSendTo(sock, b, maddr)
		} else {
			n, err = d.mod.SocketSend(sock, b)
		}
		switch {
		case err != nil || n < 0:
			n = 0
			if !last {
				d.trace("send:retry", sockattr(sock), errattr(err))
				return pollFailed, ErrConnReset
			}
			s.demote()
			d.warn("send:conn-reset", sockattr(sock), errattr(err))
			return pollDone, ErrConnReset
		case n == 0:
			return pollAgain, nil
		}
		return pollDone, nil
	})
	return n, err
}

// SocketRecv reads from sock into b. With an empty b it reports whether data
// is available: nil if so, ErrWouldBlock if none arrived within the receive
// timeout. Data consumed by such a probe is returned by the next read.
func (d *Device) SocketRecv(sock int, b []byte) (int, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return 0, err
	}
	if err = recvable(s); err != nil {
		d.release()
		return 0, err
	}
	if s.peekLen > 0 {
		n := 0
		if len(b) > 0 {
			n = s.drainPeek(b)
			if s.peekLen == 0 && n < len(b) && s.typ == SockStream {
				// Single follow-up for the remainder. Served peek bytes stay served.
				m, err := d.mod.SocketRecv(sock, b[n:])
				if err == nil && m > 0 {
					n += m
				}
			}
		}
		d.release()
		return n, nil
	}
	budget := d.recvBudget(s)
	d.release()

	n := 0
	err = d.poll(sock, budget, d.cfg.RecvRetries, func(s *socketRecord, _ bool) (pollOutcome, error) {
		if err := recvable(s); err != nil {
			return pollDone, err
		}
		if len(b) == 0 {
			if s.peekLen > 0 {
				return pollDone, nil
			}
			// Datagrams cannot be read piecewise, the probe takes the whole datagram.
			probe := s.peek[:1]
			if s.typ == SockDgram {
				probe = s.peek
			}
			m, err := d.mod.SocketRecv(sock, probe)
			outcome, err := recvOutcome(m, err)
			if outcome == pollDone {
				s.peekLen = m
				s.peekFrom = s.remote
			}
			return outcome, err
		}
		m, err := d.mod.SocketRecv(sock, b)
		outcome, err := recvOutcome(m, err)
		if outcome == pollDone {
			n = m
		}
		return outcome, err
	})
	if err != nil {
		d.trace("SocketRecv:fail", sockattr(sock), errattr(err))
	}
	return n, err
}

// SocketRecvFrom reads from sock into b and returns the source address.
// An empty b probes for availability as SocketRecv does; the probed datagram
// is kept whole and served with its source by the next read.
func (d *Device) SocketRecvFrom(sock int, b []byte) (int, netip.AddrPort, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if err = recvable(s); err != nil {
		d.release()
		return 0, netip.AddrPort{}, err
	}
	if s.peekLen > 0 {
		from := s.peekFrom
		n := 0
		if len(b) > 0 {
			n = s.drainPeek(b)
		}
		d.release()
		return n, from, nil
	}
	budget := d.recvBudget(s)
	d.release()

	n := 0
	var from netip.AddrPort
	err = d.poll(sock, budget, d.cfg.RecvRetries, func(s *socketRecord, _ bool) (pollOutcome, error) {
		if err := recvable(s); err != nil {
			return pollDone, err
		}
		if len(b) == 0 && s.peekLen > 0 {
			from = s.peekFrom
			return pollDone, nil
		}
		dst := b
		if len(b) == 0 {
			dst = s.peek
		}
		m, sa, err := d.mod.SocketRecvFrom(sock, dst)
		outcome, err := recvOutcome(m, err)
		if outcome != pollDone {
			return outcome, err
		}
		from = sa.AddrPort()
		if !from.IsValid() {
			from = s.remote
		}
		if len(b) == 0 {
			s.peekLen = m
			s.peekFrom = from
		} else {
			n = m
		}
		return pollDone, nil
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if d.logenabled(levelTrace) {
		d.trace("SocketRecvFrom", sockattr(sock), slog.Int("n", n), addrattr("from", from))
	}
	return n, from, nil
}

func recvable(s *socketRecord) error {
	switch {
	case !s.has(flagCreated):
		return ErrBadSocket
	case s.typ == SockStream && !s.has(flagConnected):
		return ErrNotConnected
	}
	return nil
}

// recvOutcome classifies the result of a module receive call.
func recvOutcome(n int, err error) (pollOutcome, error) {
	switch {
	case err != nil || n < 0:
		if err = socketError(err); err == nil {
			err = ErrSocket
		}
		return pollFailed, err
	case n == 0:
		return pollAgain, nil
	}
	return pollDone, nil
}

// drainPeek serves probed bytes into b. The unread part of a datagram is
// discarded while stream bytes are kept for the next read.
func (s *socketRecord) drainPeek(b []byte) int {
	n := copy(b, s.peek[:s.peekLen])
	if s.typ == SockDgram {
		s.peekLen = 0
	} else {
		s.peekLen = copy(s.peek, s.peek[n:s.peekLen])
	}
	if s.peekLen == 0 {
		s.peekFrom = netip.AddrPort{}
	}
	return n
}

package emw3080

import (
	"net/netip"
	"time"
)

type sockFlags uint8

const (
	flagCreated sockFlags = 1 << iota
	flagBound
	flagListening
	flagConnecting
	flagConnected
)

func (f sockFlags) String() string {
	if f&flagCreated == 0 {
		return "free"
	}
	switch {
	case f&flagListening != 0:
		return "listening"
	case f&flagConnected != 0:
		return "connected"
	case f&flagConnecting != 0:
		return "connecting"
	case f&flagBound != 0:
		return "bound"
	}
	return "created"
}

// socketRecord is one slot of the session table. Slots are indexed by the
// module socket id.
type socketRecord struct {
	typ         SockType
	flags       sockFlags
	nonblocking bool
	rcvTimeout  time.Duration
	sndTimeout  time.Duration
	local       netip.AddrPort
	remote      netip.AddrPort
	// peek holds bytes consumed from the module by an availability probe.
	peek     []byte
	peekLen  int
	peekFrom netip.AddrPort
}

func (s *socketRecord) has(f sockFlags) bool { return s.flags&f == f }

func (s *socketRecord) set(f sockFlags)   { s.flags |= f }
func (s *socketRecord) unset(f sockFlags) { s.flags &^= f }

// reset returns the slot to the free state. The peek buffer is kept for reuse.
func (s *socketRecord) reset() {
	peek := s.peek
	clear(peek)
	*s = socketRecord{peek: peek}
}

// claim initializes a free slot for a newly created module socket.
func (s *socketRecord) claim(typ SockType, rcvTimeout time.Duration) {
	s.reset()
	s.typ = typ
	s.flags = flagCreated
	s.rcvTimeout = rcvTimeout
}

// demote drops the connection state of s after a fatal transport error.
func (s *socketRecord) demote() {
	s.unset(flagConnecting | flagConnected)
}

// bindConflict reports whether binding sock to addr collides with another
// live bound slot. The unspecified address conflicts with every address on
// the same port. Must be called with the table locked.
func (d *Device) bindConflict(sock int, addr netip.AddrPort) bool {
	for i := range d.sockets {
		other := &d.sockets[i]
		if i == sock || !other.has(flagCreated|flagBound) || other.local.Port() != addr.Port() {
			continue
		}
		oaddr := other.local.Addr()
		if oaddr == addr.Addr() || oaddr.IsUnspecified() || addr.Addr().IsUnspecified() {
			return true
		}
	}
	return false
}

// SocketInfo is a snapshot of one live session table slot.
type SocketInfo struct {
	ID          int
	Type        SockType
	State       string
	NonBlocking bool
	RecvTimeout time.Duration
	SendTimeout time.Duration
	Local       netip.AddrPort
	Remote      netip.AddrPort
	Pending     int
}

// Sockets returns a snapshot of the live sockets ordered by id.
func (d *Device) Sockets() ([]SocketInfo, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()
	var infos []SocketInfo
	for i := range d.sockets {
		s := &d.sockets[i]
		if !s.has(flagCreated) {
			continue
		}
		infos = append(infos, SocketInfo{
			ID:          i,
			Type:        s.typ,
			State:       s.flags.String(),
			NonBlocking: s.nonblocking,
			RecvTimeout: s.rcvTimeout,
			SendTimeout: s.sndTimeout,
			Local:       s.local,
			Remote:      s.remote,
			Pending:     s.peekLen,
		})
	}
	return infos, nil
}

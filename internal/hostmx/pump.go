package hostmx

import (
	"net"
	"net/netip"

	"code.hybscloud.com/iox"
)

// pumpStream copies data from c into the socket's receive ring until the
// connection ends. A full ring is waited out with backoff, which
// back-pressures the peer through the host TCP window.
func pumpStream(s *socket, c net.Conn) {
	var bo iox.Backoff
	buf := make([]byte, 1024)
	for !s.isClosed() {
		n, err := c.Read(buf)
		p := buf[:n]
		for len(p) > 0 && !s.isClosed() {
			free := s.rx.Free()
			if free == 0 {
				bo.Wait()
				continue
			}
			w, _ := s.rx.Write(p[:min(free, len(p))])
			p = p[w:]
			bo.Reset()
		}
		if err != nil {
			s.eof.Add(1)
			return
		}
	}
}

// pumpAccept queues incoming connections on ln for SocketAccept.
func pumpAccept(s *socket, ln *net.TCPListener) {
	var bo iox.Backoff
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := net.Conn(c)
		for s.accq.Enqueue(&conn) != nil {
			if s.isClosed() {
				c.Close()
				return
			}
			bo.Wait()
		}
		bo.Reset()
	}
}

// pumpDatagrams queues datagrams read from pc. Datagrams larger than size
// are truncated.
func pumpDatagrams(s *socket, pc *net.UDPConn, size int) {
	var bo iox.Backoff
	for !s.isClosed() {
		buf := make([]byte, size)
		n, from, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		dg := datagram{data: buf[:n], from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port())}
		for s.dgq.Enqueue(&dg) != nil {
			if s.isClosed() {
				return
			}
			bo.Wait()
		}
		bo.Reset()
	}
}

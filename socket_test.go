package emw3080

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/soypat/emw3080/mx"
)

func isZeroed(s *socketRecord) bool {
	cp := *s
	cp.peek = nil
	for _, b := range s.peek {
		if b != 0 {
			return false
		}
	}
	return reflect.DeepEqual(cp, socketRecord{})
}

func TestSocketCapacity(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	const N = 8
	for i := 0; i < N; i++ {
		sock := mustCreate(t, d, SockStream)
		if sock != i {
			t.Fatalf("want socket %d, got %d", i, sock)
		}
	}
	_, err := d.SocketCreate(FamilyIPv4, SockStream, ProtoTCP)
	if err != ErrNoMemory {
		t.Fatal("want ErrNoMemory on full table, got", err)
	}
	if m.count("SocketClose") != 1 {
		t.Fatal("out of range module socket was not closed")
	}
	infos, err := d.Sockets()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != N {
		t.Fatalf("want %d live sockets, got %d", N, len(infos))
	}

	err = d.SocketClose(3)
	if err != nil {
		t.Fatal(err)
	}
	if !isZeroed(&d.sockets[3]) {
		t.Fatalf("slot not zeroed after close: %+v", d.sockets[3])
	}
	sock := mustCreate(t, d, SockDgram)
	if sock != 3 {
		t.Fatal("freed slot not reused, got", sock)
	}
	if err = d.SocketClose(9); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket for id beyond table, got", err)
	}
	if err = d.SocketClose(-1); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket for negative id, got", err)
	}
}

func TestSocketCreateValidation(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	tests := []struct {
		af    Family
		typ   SockType
		proto Protocol
		err   error
	}{
		{af: FamilyIPv4, typ: SockStream, proto: ProtoAuto},
		{af: FamilyIPv4, typ: SockStream, proto: ProtoTCP},
		{af: FamilyIPv4, typ: SockDgram, proto: ProtoAuto},
		{af: FamilyIPv4, typ: SockDgram, proto: ProtoUDP},
		{af: FamilyIPv6, typ: SockStream, proto: ProtoTCP, err: ErrInvalid},
		{af: FamilyIPv4, typ: SockStream, proto: ProtoUDP, err: ErrInvalid},
		{af: FamilyIPv4, typ: SockDgram, proto: ProtoTCP, err: ErrInvalid},
		{af: FamilyIPv4, typ: 0, proto: ProtoAuto, err: ErrInvalid},
	}
	for i, tc := range tests {
		sock, err := d.SocketCreate(tc.af, tc.typ, tc.proto)
		if err != tc.err {
			t.Errorf("case %d: want %v, got %v", i, tc.err, err)
			continue
		}
		if err == nil {
			d.SocketClose(sock)
		}
	}
	sock := mustCreate(t, d, SockStream)
	if got := m.opts[sock][mx.SO_RCVTIMEO]; got != 1 {
		t.Errorf("module receive timeout: want 1ms, got %d", got)
	}
	if d.sockets[sock].rcvTimeout != 20*time.Second {
		t.Error("default receive timeout not applied:", d.sockets[sock].rcvTimeout)
	}
	m.createErr = mx.StatusParam
	if _, err := d.SocketCreate(FamilyIPv4, SockStream, ProtoAuto); err != ErrInvalid {
		t.Error("module param error not translated:", err)
	}
}

func TestSocketBind(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	a := mustCreate(t, d, SockStream)
	b := mustCreate(t, d, SockStream)
	c := mustCreate(t, d, SockDgram)
	specific := netip.MustParseAddrPort("192.168.1.20:8080")

	if err := d.SocketBind(a, netip.MustParseAddrPort("192.168.1.20:0")); err != ErrInvalid {
		t.Fatal("port 0 must be invalid, got", err)
	}
	if err := d.SocketBind(a, netip.MustParseAddrPort("[::1]:80")); err != ErrInvalid {
		t.Fatal("ipv6 must be invalid, got", err)
	}
	if err := d.SocketBind(a, specific); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketBind(a, specific); err != ErrInvalid {
		t.Fatal("rebinding same address must be invalid, got", err)
	}
	binds := m.count("SocketBind")
	if err := d.SocketBind(b, specific); err != ErrAddrInUse {
		t.Fatal("want ErrAddrInUse for duplicate bind, got", err)
	}
	if err := d.SocketBind(b, netip.MustParseAddrPort("0.0.0.0:8080")); err != ErrAddrInUse {
		t.Fatal("want ErrAddrInUse for wildcard over specific, got", err)
	}
	if m.count("SocketBind") != binds {
		t.Fatal("module bind called despite conflict")
	}
	if err := d.SocketBind(b, netip.MustParseAddrPort("192.168.1.21:8080")); err != nil {
		t.Fatal("distinct address on same port must bind:", err)
	}
	if err := d.SocketBind(c, netip.MustParseAddrPort("192.168.1.20:8081")); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketBind(7, specific); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket for free slot, got", err)
	}
	if !d.sockets[a].has(flagBound) || d.sockets[a].local != specific {
		t.Fatal("bound state not stored")
	}
}

func TestSocketBindAnyTwice(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	any5000 := netip.MustParseAddrPort("0.0.0.0:5000")
	a := mustCreate(t, d, SockStream)
	b := mustCreate(t, d, SockStream)
	if err := d.SocketBind(a, any5000); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketBind(b, any5000); err != ErrAddrInUse {
		t.Fatal("want ErrAddrInUse, got", err)
	}
	if err := d.SocketBind(b, netip.MustParseAddrPort("10.1.1.1:5000")); err != ErrAddrInUse {
		t.Fatal("specific address under wildcard must conflict, got", err)
	}
	if err := d.SocketClose(a); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketBind(b, any5000); err != nil {
		t.Fatal("port must be free after close:", err)
	}
}

func TestSocketListen(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	if err := d.SocketListen(sock, 1); err != ErrInvalid {
		t.Fatal("listen on unbound socket must be invalid, got", err)
	}
	d.SocketBind(sock, netip.MustParseAddrPort("0.0.0.0:80"))
	if err := d.SocketListen(sock, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketListen(sock, 1); err != ErrInvalid {
		t.Fatal("second listen must be invalid, got", err)
	}
	udp := mustCreate(t, d, SockDgram)
	if err := d.SocketListen(udp, 1); err != ErrNotSupported {
		t.Fatal("want ErrNotSupported, got", err)
	}
	if err := d.SocketConnect(sock, netip.MustParseAddrPort("10.0.0.1:80")); err != ErrInvalid {
		t.Fatal("connect on listening socket must be invalid, got", err)
	}
}

func TestSocketAcceptDatagram(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustCreate(t, d, SockDgram)
	_, _, err := d.SocketAccept(sock)
	if err != ErrNotSupported {
		t.Fatal("want ErrNotSupported, got", err)
	}
	d.SocketBind(sock, netip.MustParseAddrPort("0.0.0.0:53"))
	_, _, err = d.SocketAccept(sock)
	if err != ErrNotSupported {
		t.Fatal("want ErrNotSupported on bound datagram, got", err)
	}
	if m.count("SocketAccept") != 0 || sr.count() != 0 {
		t.Fatal("datagram accept must not poll")
	}
	if _, _, err = d.SocketAccept(5); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket, got", err)
	}
}

func listenOn(t *testing.T, d *Device, addr string) int {
	t.Helper()
	sock := mustCreate(t, d, SockStream)
	if err := d.SocketBind(sock, netip.MustParseAddrPort(addr)); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketListen(sock, 1); err != nil {
		t.Fatal(err)
	}
	return sock
}

func TestSocketAcceptWouldBlock(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := listenOn(t, d, "0.0.0.0:80")
	if err := d.SocketSetOpt(sock, OptNonBlocking, 1); err != nil {
		t.Fatal(err)
	}
	_, _, err := d.SocketAccept(sock)
	if err != ErrWouldBlock {
		t.Fatal("want ErrWouldBlock, got", err)
	}
	if !errors.Is(ErrWouldBlock, errAgain) && !errors.Is(errAgain, ErrWouldBlock) {
		t.Fatal("errAgain must match ErrWouldBlock")
	}
	if got := m.count("SocketAccept"); got != 1 {
		t.Fatalf("want a single poll, got %d", got)
	}
	if sr.count() != 0 {
		t.Fatal("non-blocking accept slept")
	}
}

func TestSocketAcceptBlockingBudget(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := listenOn(t, d, "0.0.0.0:80")
	const timeoutMs = 100
	d.SocketSetOpt(sock, OptRecvTimeout, timeoutMs)
	_, _, err := d.SocketAccept(sock)
	if err != ErrWouldBlock {
		t.Fatal("want ErrWouldBlock, got", err)
	}
	interval := d.cfg.PollInterval
	minRetries := int(timeoutMs * time.Millisecond / interval)
	if got := m.count("SocketAccept"); got < minRetries {
		t.Fatalf("want at least %d polls, got %d", minRetries, got)
	}
	if sr.total != timeoutMs*time.Millisecond {
		t.Fatalf("slept %s, want %dms", sr.total, timeoutMs)
	}
}

func TestSocketAcceptInherits(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := listenOn(t, d, "0.0.0.0:80")
	d.SocketSetOpt(sock, OptRecvTimeout, 500)
	d.SocketSetOpt(sock, OptSendTimeout, 300)
	peer := netip.MustParseAddrPort("10.0.0.9:4000")
	m.pushAccept(5, peer)

	child, got, err := d.SocketAccept(sock)
	if err != nil {
		t.Fatal(err)
	}
	if child != 5 || got != peer {
		t.Fatalf("accept returned %d %s", child, got)
	}
	c := &d.sockets[child]
	if !c.has(flagCreated|flagBound|flagConnected) || c.has(flagListening) {
		t.Fatal("bad child flags:", c.flags)
	}
	if c.rcvTimeout != 500*time.Millisecond || c.sndTimeout != 300*time.Millisecond || c.nonblocking {
		t.Fatalf("child did not inherit settings: %+v", c)
	}
	if c.remote != peer || c.typ != SockStream {
		t.Fatal("child peer or type wrong")
	}

	m.pushAccept(8, peer)
	if _, _, err = d.SocketAccept(sock); err != ErrSocket {
		t.Fatal("want ErrSocket for out of range child, got", err)
	}
	if m.open[8] != 0 {
		t.Fatal("out of range child not closed at module")
	}
}

func TestSocketRecvProbe(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustConnect(t, d)
	d.SocketSetOpt(sock, OptNonBlocking, 1)

	if _, err := d.SocketRecv(sock, nil); err != ErrWouldBlock {
		t.Fatal("probe with no data: want ErrWouldBlock, got", err)
	}
	if m.count("SocketRecv") != 1 || sr.count() != 0 {
		t.Fatal("non-blocking probe must make exactly one attempt")
	}
	m.push(sock, "hi", netip.AddrPort{})
	if _, err := d.SocketRecv(sock, nil); err != nil {
		t.Fatal("probe with data:", err)
	}
	calls := m.count("SocketRecv")
	if _, err := d.SocketRecv(sock, nil); err != nil {
		t.Fatal("repeat probe:", err)
	}
	if m.count("SocketRecv") != calls {
		t.Fatal("probe with buffered data touched the module")
	}
	var buf [8]byte
	n, err := d.SocketRecv(sock, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("want probed byte then remainder, got %q", buf[:n])
	}
	if m.count("SocketRecv") != calls+1 {
		t.Fatal("read after probe must make a single follow-up attempt")
	}
}

func TestSocketRecvKeepsPeek(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustConnect(t, d)
	m.push(sock, "x", netip.AddrPort{})
	if _, err := d.SocketRecv(sock, nil); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.recvErr = mx.StatusIO
	m.mu.Unlock()
	var buf [4]byte
	n, err := d.SocketRecv(sock, buf[:])
	if err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("peeked byte lost: n=%d err=%v", n, err)
	}
	if d.sockets[sock].peekLen != 0 {
		t.Fatal("peek not drained")
	}
}

func TestSocketRecvRetries(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustConnect(t, d)
	d.SocketSetOpt(sock, OptRecvTimeout, 0) // forever
	m.recvErr = mx.StatusIO
	var buf [4]byte
	_, err := d.SocketRecv(sock, buf[:])
	if err != ErrSocket {
		t.Fatal("want escalated ErrSocket, got", err)
	}
	want := d.cfg.RecvRetries + 1
	if got := m.count("SocketRecv"); got != want {
		t.Fatalf("want %d attempts, got %d", want, got)
	}
	if sr.count() != d.cfg.RecvRetries {
		t.Fatal("unexpected sleep count", sr.count())
	}
}

func TestSocketRecvNotConnected(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	if _, err := d.SocketRecv(sock, make([]byte, 1)); err != ErrNotConnected {
		t.Fatal("want ErrNotConnected, got", err)
	}
	if _, err := d.SocketSend(sock, []byte("a")); err != ErrNotConnected {
		t.Fatal("want ErrNotConnected, got", err)
	}
	if _, err := d.SocketGetPeerName(sock); err != ErrNotConnected {
		t.Fatal("want ErrNotConnected, got", err)
	}
	if _, err := d.SocketGetSockName(sock); err != ErrInvalid {
		t.Fatal("want ErrInvalid for unbound getsockname, got", err)
	}
}

func TestSocketRecvFromProbe(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockDgram)
	d.SocketBind(sock, netip.MustParseAddrPort("0.0.0.0:5353"))
	d.SocketSetOpt(sock, OptNonBlocking, 1)
	src := netip.MustParseAddrPort("10.0.0.2:53")
	m.push(sock, "hello", src)
	m.push(sock, "second", src)

	_, from, err := d.SocketRecvFrom(sock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if from != src {
		t.Fatal("probe did not record source:", from)
	}
	var buf [3]byte
	n, from, err := d.SocketRecvFrom(sock, buf[:])
	if err != nil || string(buf[:n]) != "hel" || from != src {
		t.Fatalf("got %q from %s err=%v", buf[:n], from, err)
	}
	big := make([]byte, 16)
	n, _, err = d.SocketRecvFrom(sock, big)
	if err != nil || string(big[:n]) != "second" {
		t.Fatalf("truncated datagram leaked into next read: %q err=%v", big[:n], err)
	}
	if _, _, err = d.SocketRecvFrom(sock, big); err != ErrWouldBlock {
		t.Fatal("want ErrWouldBlock, got", err)
	}
}

func TestSocketSendConnReset(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustConnect(t, d)
	m.sendFn = func(int, []byte) (int, error) { return -1, mx.StatusIO }
	_, err := d.SocketSend(sock, []byte("ping"))
	if err != ErrConnReset {
		t.Fatal("want ErrConnReset, got", err)
	}
	if got := m.count("SocketSend"); got != 3 {
		t.Fatalf("want 3 transport attempts, got %d", got)
	}
	if sr.count() != 2 || sr.total != 20*time.Millisecond {
		t.Fatalf("want 2 delays of 10ms, got %d totalling %s", sr.count(), sr.total)
	}
	if d.sockets[sock].has(flagConnected) {
		t.Fatal("socket still connected after reset")
	}
	if _, err = d.SocketSend(sock, []byte("ping")); err != ErrNotConnected {
		t.Fatal("want ErrNotConnected after reset, got", err)
	}
}

func TestSocketSendRetry(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustConnect(t, d)
	fails := 1
	m.sendFn = func(_ int, b []byte) (int, error) {
		if fails > 0 {
			fails--
			return -1, mx.StatusTimeout
		}
		return len(b), nil
	}
	n, err := d.SocketSend(sock, []byte("data"))
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !d.sockets[sock].has(flagConnected) {
		t.Fatal("recovered send demoted the socket")
	}
	n, err = d.SocketSend(sock, nil)
	if n != 0 || err != nil {
		t.Fatal("empty send must succeed with 0")
	}
}

func TestNonBlockingSingleAttempt(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustConnect(t, d)
	d.SocketSetOpt(sock, OptNonBlocking, 1)
	m.sendFn = func(int, []byte) (int, error) { return 0, nil }
	if _, err := d.SocketSend(sock, []byte("a")); err != ErrWouldBlock {
		t.Fatal("want ErrWouldBlock, got", err)
	}
	if _, err := d.SocketRecv(sock, make([]byte, 4)); err != ErrWouldBlock {
		t.Fatal("want ErrWouldBlock, got", err)
	}
	if m.count("SocketSend") != 1 || m.count("SocketRecv") != 1 || sr.count() != 0 {
		t.Fatal("non-blocking socket made more than one attempt")
	}
	m.sendFn = func(int, []byte) (int, error) { return -1, mx.StatusIO }
	if _, err := d.SocketSend(sock, []byte("a")); err != ErrConnReset {
		t.Fatal("want ErrConnReset, got", err)
	}
	if m.count("SocketSend") != 2 {
		t.Fatal("failing non-blocking send retried")
	}
}

func TestSocketConnect(t *testing.T) {
	m := newFakeModule()
	d, sr := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	for _, bad := range []string{"0.0.0.0:80", "10.0.0.1:0", "[::1]:80"} {
		if err := d.SocketConnect(sock, netip.MustParseAddrPort(bad)); err != ErrInvalid {
			t.Errorf("%s: want ErrInvalid, got %v", bad, err)
		}
	}
	remote := netip.MustParseAddrPort("10.0.0.1:80")
	m.connectErr = []error{mx.StatusTimeout, mx.StatusTimeout, nil}
	if err := d.SocketConnect(sock, remote); err != nil {
		t.Fatal(err)
	}
	if sr.count() != 2 {
		t.Fatal("blocking connect should have polled twice, slept", sr.count())
	}
	s := &d.sockets[sock]
	if !s.has(flagConnected|flagBound) || s.remote != remote {
		t.Fatal("connect state not stored")
	}
	if err := d.SocketConnect(sock, remote); err != ErrIsConnected {
		t.Fatal("want ErrIsConnected, got", err)
	}

	other := mustCreate(t, d, SockStream)
	m.connectErr = []error{mx.StatusIO}
	if err := d.SocketConnect(other, remote); err != ErrSocket {
		t.Fatal("want ErrSocket, got", err)
	}
}

func TestSocketConnectNonBlocking(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	d.SocketSetOpt(sock, OptNonBlocking, 1)
	remote := netip.MustParseAddrPort("10.0.0.1:1883")
	m.connectErr = []error{mx.StatusTimeout}
	if err := d.SocketConnect(sock, remote); err != ErrInProgress {
		t.Fatal("want ErrInProgress, got", err)
	}
	if !d.sockets[sock].has(flagConnecting) {
		t.Fatal("connecting not set")
	}
	if err := d.SocketConnect(sock, remote); err != ErrAlready {
		t.Fatal("want ErrAlready, got", err)
	}
	m.connectErr = nil
	if err := d.SocketConnect(sock, remote); err != nil {
		t.Fatal(err)
	}
	if d.sockets[sock].has(flagConnecting) {
		t.Fatal("connecting left set")
	}
	if m.count("SocketConnect") != 3 {
		t.Fatal("non-blocking connect polled the module")
	}
}

func TestSocketOptions(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	if _, err := d.SocketGetOpt(sock, OptNonBlocking); err != ErrInvalid {
		t.Fatal("non-blocking option must be write only, got", err)
	}
	if err := d.SocketSetOpt(sock, OptRecvTimeout, 1500); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.SocketGetOpt(sock, OptRecvTimeout); v != 1500 {
		t.Fatal("recv timeout round trip:", v)
	}
	setopts := m.count("SocketSetOpt")
	if err := d.SocketSetOpt(sock, OptSendTimeout, 250); err != nil {
		t.Fatal(err)
	}
	if m.count("SocketSetOpt") != setopts+1 || m.opts[sock][mx.SO_SNDTIMEO] != 250 {
		t.Fatal("send timeout not set at module")
	}
	if v, _ := d.SocketGetOpt(sock, OptSendTimeout); v != 250 {
		t.Fatal("send timeout round trip:", v)
	}
	if err := d.SocketSetOpt(sock, OptKeepAlive, 1); err != nil {
		t.Fatal(err)
	}
	if v, err := d.SocketGetOpt(sock, OptKeepAlive); v != 1 || err != nil {
		t.Fatal("keepalive:", v, err)
	}
	if v, err := d.SocketGetOpt(sock, OptType); SockType(v) != SockStream || err != nil {
		t.Fatal("type:", v, err)
	}
	if err := d.SocketSetOpt(sock, OptType, 2); err != ErrInvalid {
		t.Fatal("type must be read only, got", err)
	}
	if err := d.SocketSetOpt(sock, 99, 2); err != ErrInvalid {
		t.Fatal("unknown option, got", err)
	}
	if _, err := d.SocketGetOpt(sock, 99); err != ErrInvalid {
		t.Fatal("unknown option, got", err)
	}
}

func TestSocketNames(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	local := netip.MustParseAddrPort("192.168.1.20:4242")
	d.SocketBind(sock, local)
	got, err := d.SocketGetSockName(sock)
	if err != nil || got != local {
		t.Fatal(got, err)
	}
	d.SocketConnect(sock, netip.MustParseAddrPort("10.0.0.1:80"))
	peer, err := d.SocketGetPeerName(sock)
	if err != nil || peer != netip.MustParseAddrPort("10.0.0.1:80") {
		t.Fatal(peer, err)
	}
}

func TestUninitialized(t *testing.T) {
	d := NewDevice(newFakeModule())
	if _, err := d.SocketCreate(FamilyIPv4, SockStream, ProtoTCP); err != ErrSocket {
		t.Fatal("want ErrSocket, got", err)
	}
	if _, err := d.SocketRecv(0, nil); err != ErrSocket {
		t.Fatal("want ErrSocket, got", err)
	}
	if err := d.Activate(0, ActivateConfig{SSID: "x"}); err != ErrDriver {
		t.Fatal("want ErrDriver, got", err)
	}
	if _, err := d.ModuleInfo(); err != ErrDriver {
		t.Fatal("want ErrDriver, got", err)
	}
	if d.IsConnected() {
		t.Fatal("uninitialized device reports connected")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	if !m.ns.DHCP {
		t.Fatal("init did not enable DHCP")
	}
	info, err := d.ModuleInfo()
	if err != nil || info != "EMW3080B MXCHIP V2.3.4" {
		t.Fatal(info, err)
	}
	if err = d.PowerControl(PowerOff); err != ErrUnsupported {
		t.Fatal("want ErrUnsupported, got", err)
	}
	d.PowerControl(PowerLow)
	d.PowerControl(PowerFull)
	if m.count("PowerSaveOn") != 1 || m.count("PowerSaveOff") != 1 {
		t.Fatal("power save not toggled")
	}
	if err = d.PowerControl(7); err != ErrParameter {
		t.Fatal("want ErrParameter, got", err)
	}
	mustCreate(t, d, SockStream)
	if err = d.Init(Config{}); err != nil {
		t.Fatal(err)
	}
	if m.count("Reset") != 1 {
		t.Fatal("re-init reset the module")
	}
	if err = d.Uninit(); err != nil {
		t.Fatal(err)
	}
	if _, err = d.SocketCreate(FamilyIPv4, SockStream, ProtoTCP); err != ErrSocket {
		t.Fatal("want ErrSocket after uninit, got", err)
	}
}

func TestGetHostByNameAndPing(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	m.hosts["broker.local"] = [4]byte{10, 0, 0, 7}
	ip, err := d.GetHostByName("broker.local")
	if err != nil || ip != netip.MustParseAddr("10.0.0.7") {
		t.Fatal(ip, err)
	}
	if _, err = d.GetHostByName("nowhere"); err != ErrHostNotFound {
		t.Fatal("want ErrHostNotFound, got", err)
	}
	if _, err = d.GetHostByName(""); err != ErrInvalid {
		t.Fatal("want ErrInvalid, got", err)
	}
	m.hostErr = mx.StatusTimeout
	if _, err = d.GetHostByName("broker.local"); err != ErrTimedOut {
		t.Fatal("want ErrTimedOut, got", err)
	}
	if err = d.Ping(netip.MustParseAddr("::1")); err != ErrParameter {
		t.Fatal("want ErrParameter, got", err)
	}
	if err = d.Ping(ip); err != nil {
		t.Fatal(err)
	}
	if m.count("Ping:10.0.0.7") != 1 {
		t.Fatal("ping not issued with dotted address")
	}
}

func TestSocketsSnapshot(t *testing.T) {
	m := newFakeModule()
	d, _ := newTestDevice(t, m)
	sock := mustConnect(t, d)
	m.push(sock, "z", netip.AddrPort{})
	d.SocketRecv(sock, nil)
	infos, err := d.Sockets()
	if err != nil || len(infos) != 1 {
		t.Fatal(infos, err)
	}
	info := infos[0]
	if info.State != "connected" || info.Pending != 1 || info.Type != SockStream {
		t.Fatalf("%+v", info)
	}
	if !bytes.Equal(d.sockets[sock].peek[:1], []byte("z")) {
		t.Fatal("peek buffer content")
	}
}

// newSteppedDevice returns a device whose poll sleeps run step once, then
// return immediately. sleeps counts every poll sleep.
func newSteppedDevice(t *testing.T, m *fakeModule) (d *Device, step *func(), sleeps *int) {
	t.Helper()
	step, sleeps = new(func()), new(int)
	d = NewDevice(m)
	err := d.Init(Config{
		LockTimeout:  20 * time.Millisecond,
		RecvTimeout:  time.Second,
		PollInterval: time.Millisecond,
		Sleep: func(time.Duration) {
			*sleeps++
			if fn := *step; fn != nil {
				*step = nil
				fn()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, step, sleeps
}

func TestTableLockTimeoutIsHardError(t *testing.T) {
	m := newFakeModule()
	d, _, sleeps := newSteppedDevice(t, m)
	sock := mustConnect(t, d)
	if err := d.tbl.Acquire(time.Second); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	if _, err := d.SocketRecv(sock, buf); err != ErrSocket {
		t.Error("recv: want ErrSocket, got", err)
	}
	if _, err := d.SocketSend(sock, []byte("data")); err != ErrSocket {
		t.Error("send: want ErrSocket, got", err)
	}
	if _, _, err := d.SocketRecvFrom(sock, buf); err != ErrSocket {
		t.Error("recvfrom: want ErrSocket, got", err)
	}
	d.tbl.Release()
	if m.count("SocketRecv")+m.count("SocketSend")+m.count("SocketRecvFrom") != 0 {
		t.Fatal("module reached without the table lock")
	}
	if *sleeps != 0 {
		t.Fatal("lock failure was retried, sleeps:", *sleeps)
	}
}

func TestTableLockTimeoutMidPoll(t *testing.T) {
	m := newFakeModule()
	d, step, sleeps := newSteppedDevice(t, m)
	sock := mustConnect(t, d)
	// Hold the table from the first sleep on so the second attempt cannot lock.
	*step = func() { d.tbl.Acquire(time.Second) }
	_, err := d.SocketRecv(sock, make([]byte, 8))
	d.tbl.Release()
	if err != ErrSocket {
		t.Fatal("want ErrSocket, got", err)
	}
	if got := m.count("SocketRecv"); got != 1 {
		t.Fatal("want one transport attempt, got", got)
	}
	if *sleeps != 1 {
		t.Fatal("polling continued after lock failure, sleeps:", *sleeps)
	}
}

func TestCloseDuringBlockingRecv(t *testing.T) {
	m := newFakeModule()
	d, step, _ := newSteppedDevice(t, m)
	sock := mustConnect(t, d)
	*step = func() {
		if err := d.SocketClose(sock); err != nil {
			t.Error("close:", err)
		}
	}
	if _, err := d.SocketRecv(sock, make([]byte, 8)); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket, got", err)
	}
	if got := m.count("SocketRecv"); got != 1 {
		t.Fatal("module read a closed socket, reads:", got)
	}
}

func TestCloseDuringBlockingAccept(t *testing.T) {
	m := newFakeModule()
	d, step, _ := newSteppedDevice(t, m)
	sock := mustCreate(t, d, SockStream)
	if err := d.SocketBind(sock, netip.MustParseAddrPort("0.0.0.0:8080")); err != nil {
		t.Fatal(err)
	}
	if err := d.SocketListen(sock, 1); err != nil {
		t.Fatal(err)
	}
	*step = func() { d.SocketClose(sock) }
	if _, _, err := d.SocketAccept(sock); err != ErrBadSocket {
		t.Fatal("want ErrBadSocket, got", err)
	}
}

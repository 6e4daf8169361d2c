package emw3080

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/soypat/emw3080/mx"
)

type rxItem struct {
	data []byte
	from mx.SockAddr
}

type acceptItem struct {
	id   int
	peer mx.SockAddr
}

// fakeModule is a scripted Module. Unset hooks succeed.
type fakeModule struct {
	mu    sync.Mutex
	calls map[string]int

	open  map[int]mx.SocketType
	opts  map[int]map[mx.SockOpt]uint32
	rx    map[int][]rxItem
	accq  []acceptItem
	names map[int]mx.SockAddr

	createErr  error
	forceID    int // used by SocketCreate when >= 0
	bindErr    error
	connectErr []error // consumed one per call, last value repeats
	sendFn     func(sock int, b []byte) (int, error)
	recvErr    error
	closeErr   error

	ns       mx.NetSettings
	info     mx.SysInfo
	cb       mx.StatusCallback
	connEv   []mx.Event // events fired asynchronously on Connect
	ip       netip.Addr
	ipErr    error
	discErr  error
	unregErr error
	aps      []mx.APInfo
	hosts    map[string][4]byte
	hostErr  error
	pingErr  error
	conn     bool
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		calls:   make(map[string]int),
		open:    make(map[int]mx.SocketType),
		opts:    make(map[int]map[mx.SockOpt]uint32),
		rx:      make(map[int][]rxItem),
		names:   make(map[int]mx.SockAddr),
		hosts:   make(map[string][4]byte),
		forceID: -1,
		info:    mx.SysInfo{ProductName: "EMW3080B", ProductID: "MXCHIP", FWRev: "V2.3.4", MAC: [6]byte{0xc8, 0x93, 0x46, 1, 2, 3}},
	}
}

func (f *fakeModule) hit(name string) {
	f.calls[name]++
}

func (f *fakeModule) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeModule) push(sock int, data string, from netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sa mx.SockAddr
	if from.IsValid() {
		sa = mx.SockAddrFrom(from)
	}
	f.rx[sock] = append(f.rx[sock], rxItem{data: []byte(data), from: sa})
}

func (f *fakeModule) pushAccept(id int, peer netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accq = append(f.accq, acceptItem{id: id, peer: mx.SockAddrFrom(peer)})
}

func (f *fakeModule) Reset() error  { f.mu.Lock(); defer f.mu.Unlock(); f.hit("Reset"); return nil }
func (f *fakeModule) Init() error   { f.mu.Lock(); defer f.mu.Unlock(); f.hit("Init"); return nil }
func (f *fakeModule) Deinit() error { f.mu.Lock(); defer f.mu.Unlock(); f.hit("Deinit"); return nil }

func (f *fakeModule) SysInfo() mx.SysInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeModule) NetSettings() mx.NetSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ns
}

func (f *fakeModule) SetNetSettings(ns mx.NetSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SetNetSettings")
	f.ns = ns
	return nil
}

func (f *fakeModule) StationPowerSave(enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enable {
		f.hit("PowerSaveOn")
	} else {
		f.hit("PowerSaveOff")
	}
	return nil
}

func (f *fakeModule) Scan(mode mx.ScanMode, ssid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Scan")
	return nil
}

func (f *fakeModule) ScanResults(dst []mx.APInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(dst, f.aps), nil
}

func (f *fakeModule) Connect(ssid, passphrase string, sec mx.Security) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Connect")
	cb, evs := f.cb, f.connEv
	if cb != nil && len(evs) > 0 {
		go func() {
			time.Sleep(time.Millisecond)
			for _, ev := range evs {
				cb(mx.Station, ev)
			}
		}()
	}
	f.conn = true
	return nil
}

// Disconnect delivers the down event on the calling goroutine.
func (f *fakeModule) Disconnect() error {
	f.mu.Lock()
	f.hit("Disconnect")
	cb, was := f.cb, f.conn
	f.conn = false
	err := f.discErr
	f.mu.Unlock()
	if cb != nil && was {
		cb(mx.Station, mx.EventStationDown)
	}
	return err
}

// fire delivers ev to the registered status callback.
func (f *fakeModule) fire(ev mx.Event) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(mx.Station, ev)
	}
}

func (f *fakeModule) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeModule) GetIPAddress(iface mx.Interface) (netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("GetIPAddress")
	if f.ipErr != nil {
		return netip.Addr{}, f.ipErr
	}
	if f.ip.IsValid() {
		f.ns.IP = f.ip.As4()
	}
	return f.ip, nil
}

func (f *fakeModule) RegisterStatusCallback(cb mx.StatusCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Register")
	f.cb = cb
	return nil
}

func (f *fakeModule) UnregisterStatusCallback(iface mx.Interface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Unregister")
	f.cb = nil
	return f.unregErr
}

func (f *fakeModule) SocketCreate(domain mx.Family, typ mx.SocketType, proto mx.Protocol) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketCreate")
	if f.createErr != nil {
		return -1, f.createErr
	}
	id := f.forceID
	if id < 0 {
		for id = 0; ; id++ {
			if _, used := f.open[id]; !used {
				break
			}
		}
	}
	f.open[id] = typ
	f.opts[id] = map[mx.SockOpt]uint32{mx.SO_TYPE: uint32(typ)}
	return id, nil
}

func (f *fakeModule) SocketSetOpt(sock, level int, opt mx.SockOpt, val []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketSetOpt")
	if level != mx.SOL_SOCKET || len(val) != mx.OptLen {
		return mx.StatusParam
	}
	if f.opts[sock] == nil {
		return mx.StatusError
	}
	f.opts[sock][opt] = mx.OptValue(val)
	return nil
}

func (f *fakeModule) SocketGetOpt(sock, level int, opt mx.SockOpt, val []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketGetOpt")
	v, ok := f.opts[sock][opt]
	if !ok {
		return 0, mx.StatusParam
	}
	mx.PutOptValue(val, v)
	return mx.OptLen, nil
}

func (f *fakeModule) SocketBind(sock int, addr mx.SockAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketBind")
	if f.bindErr != nil {
		return f.bindErr
	}
	f.names[sock] = addr
	return nil
}

func (f *fakeModule) SocketListen(sock, backlog int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketListen")
	return nil
}

func (f *fakeModule) SocketAccept(sock int) (int, mx.SockAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketAccept")
	if len(f.accq) == 0 {
		return -1, mx.SockAddr{}, mx.StatusError
	}
	a := f.accq[0]
	f.accq = f.accq[1:]
	f.open[a.id] = mx.SOCK_STREAM
	return a.id, a.peer, nil
}

func (f *fakeModule) SocketConnect(sock int, addr mx.SockAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketConnect")
	if len(f.connectErr) == 0 {
		return nil
	}
	err := f.connectErr[0]
	if len(f.connectErr) > 1 {
		f.connectErr = f.connectErr[1:]
	}
	return err
}

func (f *fakeModule) SocketSend(sock int, b []byte) (int, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.hit("SocketSend")
	f.mu.Unlock()
	if fn != nil {
		return fn(sock, b)
	}
	return len(b), nil
}

func (f *fakeModule) SocketSendTo(sock int, b []byte, to mx.SockAddr) (int, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.hit("SocketSendTo")
	f.mu.Unlock()
	if fn != nil {
		return fn(sock, b)
	}
	return len(b), nil
}

func (f *fakeModule) SocketRecv(sock int, b []byte) (int, error) {
	n, _, err := f.recv("SocketRecv", sock, b)
	return n, err
}

func (f *fakeModule) SocketRecvFrom(sock int, b []byte) (int, mx.SockAddr, error) {
	return f.recv("SocketRecvFrom", sock, b)
}

func (f *fakeModule) recv(name string, sock int, b []byte) (int, mx.SockAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit(name)
	if f.recvErr != nil {
		return -1, mx.SockAddr{}, f.recvErr
	}
	q := f.rx[sock]
	if len(q) == 0 {
		return 0, mx.SockAddr{}, nil
	}
	item := q[0]
	n := copy(b, item.data)
	if f.open[sock] == mx.SOCK_STREAM && n < len(item.data) {
		q[0].data = item.data[n:]
	} else {
		f.rx[sock] = q[1:]
	}
	return n, item.from, nil
}

func (f *fakeModule) SocketGetSockName(sock int) (mx.SockAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[sock], nil
}

func (f *fakeModule) SocketGetPeerName(sock int) (mx.SockAddr, error) {
	return mx.SockAddr{}, nil
}

func (f *fakeModule) SocketClose(sock int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SocketClose")
	if f.closeErr != nil {
		return f.closeErr
	}
	delete(f.open, sock)
	delete(f.opts, sock)
	delete(f.rx, sock)
	delete(f.names, sock)
	return nil
}

func (f *fakeModule) GetHostByName(name string) (mx.SockAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostErr != nil {
		return mx.SockAddr{}, f.hostErr
	}
	ip, ok := f.hosts[name]
	if !ok {
		return mx.SockAddr{}, mx.StatusError
	}
	return mx.SockAddr{Len: mx.SOCKADDR_IN_LEN, Family: mx.AF_INET, Addr: ip}, nil
}

func (f *fakeModule) Ping(host string, count int, delay time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("Ping:" + host)
	return time.Millisecond, f.pingErr
}

// sleepRecorder replaces time.Sleep so polling loops run instantly.
type sleepRecorder struct {
	mu    sync.Mutex
	n     int
	total time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	s.n++
	s.total += d
	s.mu.Unlock()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func newTestDevice(t *testing.T, m *fakeModule) (*Device, *sleepRecorder) {
	t.Helper()
	sr := &sleepRecorder{}
	d := NewDevice(m)
	err := d.Init(Config{
		Sleep:           sr.sleep,
		LinkUpTimeout:   50 * time.Millisecond,
		AddrPollRetries: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, sr
}

func mustCreate(t *testing.T, d *Device, typ SockType) int {
	t.Helper()
	sock, err := d.SocketCreate(FamilyIPv4, typ, ProtoAuto)
	if err != nil {
		t.Fatal("create:", err)
	}
	return sock
}

// mustConnect returns a connected stream socket.
func mustConnect(t *testing.T, d *Device) int {
	t.Helper()
	sock := mustCreate(t, d, SockStream)
	err := d.SocketConnect(sock, netip.MustParseAddrPort("10.0.0.2:80"))
	if err != nil {
		t.Fatal("connect:", err)
	}
	return sock
}

// Package hostmx emulates an MXCHIP connectivity module driver on top of the
// host network stack. Every call returns immediately; data arriving from the
// host is queued by background goroutines and handed out by the receive and
// accept calls, as the real module's message buffers would.
package hostmx

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/emw3080/mx"
)

// Network is an access point the emulated module can join.
type Network struct {
	SSID       string
	Passphrase string
	Security   mx.Security
	BSSID      [6]byte
	Channel    int
	RSSI       int
	// Addr is the address handed out by the network's DHCP server.
	Addr    netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	DNS     netip.Addr
}

// Config configures a Module. Zero fields take defaults.
type Config struct {
	Networks []Network
	Logger   *slog.Logger
	SysInfo  mx.SysInfo
	// JoinDelay is the time between a connect request and the station up event.
	JoinDelay time.Duration
	// DHCPDelay is the time between station up and address assignment.
	DHCPDelay time.Duration
	// Sockets is the number of module sockets.
	Sockets int
	// StreamBuffer is the receive buffer size of each stream socket.
	StreamBuffer int
	// DatagramQueue is the number of datagrams queued per socket.
	DatagramQueue int
	// AcceptQueue is the number of pending connections queued per listener.
	AcceptQueue int
	// DialTimeout bounds background connection establishment.
	DialTimeout time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.JoinDelay == 0 {
		cfg.JoinDelay = 5 * time.Millisecond
	}
	if cfg.DHCPDelay == 0 {
		cfg.DHCPDelay = 5 * time.Millisecond
	}
	if cfg.Sockets == 0 {
		cfg.Sockets = 8
	}
	if cfg.StreamBuffer == 0 {
		cfg.StreamBuffer = 8192
	}
	if cfg.DatagramQueue == 0 {
		cfg.DatagramQueue = 16
	}
	if cfg.AcceptQueue == 0 {
		cfg.AcceptQueue = 8
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	loopback := netip.MustParseAddr("127.0.0.1")
	nets := make([]Network, len(cfg.Networks))
	for i, nw := range cfg.Networks {
		if !nw.Addr.IsValid() {
			nw.Addr, nw.Gateway, nw.DNS = loopback, loopback, loopback
			nw.Mask = netip.MustParseAddr("255.0.0.0")
		}
		nets[i] = nw
	}
	cfg.Networks = nets
	if cfg.SysInfo == (mx.SysInfo{}) {
		cfg.SysInfo = mx.SysInfo{
			ProductName: "EMW3080B",
			ProductID:   "hostmx",
			FWRev:       "V2.3.4",
			MAC:         [6]byte{0xc8, 0x93, 0x46, 0x00, 0x00, 0x01},
		}
	}
}

// Module is the emulated module driver. It is safe for concurrent use.
type Module struct {
	mu        sync.Mutex
	cfg       Config
	log       *slog.Logger
	inited    bool
	ns        mx.NetSettings
	joined    *Network
	hasIP     bool
	gen       uint32 // invalidates pending join timers
	cb        mx.StatusCallback
	powersave bool
	scanned   bool
	socks     []*socket
}

// New returns a module emulation joined to no network.
func New(cfg Config) *Module {
	cfg.setDefaults()
	return &Module{
		cfg:   cfg,
		log:   cfg.Logger,
		socks: make([]*socket, cfg.Sockets),
	}
}

// fail returns an error carrying st, annotated with msg and cause.
func fail(st mx.Status, cause error, msg string) error {
	if cause != nil {
		return errors.Wrapf(st, "hostmx: %s: %v", msg, cause)
	}
	return errors.Wrap(st, "hostmx: "+msg)
}

func (m *Module) debug(msg string, attrs ...slog.Attr) {
	if m.log != nil {
		m.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (m *Module) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAll()
	m.inited = false
	m.ns = mx.NetSettings{}
	m.joined = nil
	m.hasIP = false
	m.gen++
	return nil
}

func (m *Module) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inited = true
	m.debug("hostmx:init", slog.String("product", m.cfg.SysInfo.ProductName))
	return nil
}

func (m *Module) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAll()
	m.inited = false
	return nil
}

func (m *Module) SysInfo() mx.SysInfo { return m.cfg.SysInfo }

func (m *Module) NetSettings() mx.NetSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.ns
	ns.IsConnected = m.joined != nil
	return ns
}

func (m *Module) SetNetSettings(ns mx.NetSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ns = ns
	return nil
}

func (m *Module) StationPowerSave(enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return fail(mx.StatusError, nil, "not initialized")
	}
	m.powersave = enable
	return nil
}

func (m *Module) Scan(mode mx.ScanMode, ssid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return fail(mx.StatusError, nil, "not initialized")
	}
	m.scanned = true
	return nil
}

func (m *Module) ScanResults(dst []mx.APInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanned {
		return 0, fail(mx.StatusError, nil, "no scan performed")
	}
	n := 0
	for i := range m.cfg.Networks {
		if n == len(dst) {
			break
		}
		nw := &m.cfg.Networks[i]
		dst[n] = mx.APInfo{SSID: nw.SSID, BSSID: nw.BSSID, Security: nw.Security, Channel: nw.Channel, RSSI: nw.RSSI}
		n++
	}
	return n, nil
}

// Connect starts joining ssid. A wrong passphrase is accepted but the
// station never comes up, as with a real module.
func (m *Module) Connect(ssid, passphrase string, sec mx.Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return fail(mx.StatusError, nil, "not initialized")
	}
	var nw *Network
	for i := range m.cfg.Networks {
		if m.cfg.Networks[i].SSID == ssid {
			nw = &m.cfg.Networks[i]
		}
	}
	if nw == nil {
		return fail(mx.StatusError, nil, "network not found: "+ssid)
	}
	m.gen++
	m.joined, m.hasIP = nil, false
	if nw.Passphrase != passphrase {
		m.debug("hostmx:connect:bad-passphrase", slog.String("ssid", ssid))
		return nil
	}
	gen := m.gen
	time.AfterFunc(m.cfg.JoinDelay, func() { m.joinDone(gen, nw) })
	return nil
}

func (m *Module) joinDone(gen uint32, nw *Network) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.joined = nw
	cb := m.cb
	m.mu.Unlock()
	m.debug("hostmx:station-up", slog.String("ssid", nw.SSID))
	if cb != nil {
		cb(mx.Station, mx.EventStationUp)
	}
	time.AfterFunc(m.cfg.DHCPDelay, func() { m.dhcpDone(gen, nw) })
}

func (m *Module) dhcpDone(gen uint32, nw *Network) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.ns.DHCP {
		m.ns.IP = as4(nw.Addr)
		m.ns.Mask = as4(nw.Mask)
		m.ns.Gateway = as4(nw.Gateway)
		m.ns.DNS1 = as4(nw.DNS)
	}
	m.hasIP = true
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(mx.Station, mx.EventGotIP)
	}
}

func as4(addr netip.Addr) [4]byte {
	if !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}

func (m *Module) Disconnect() error {
	m.mu.Lock()
	wasJoined := m.joined != nil
	m.gen++
	m.joined, m.hasIP = nil, false
	cb := m.cb
	m.mu.Unlock()
	if wasJoined && cb != nil {
		cb(mx.Station, mx.EventStationDown)
	}
	return nil
}

func (m *Module) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined != nil
}

func (m *Module) GetIPAddress(iface mx.Interface) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iface != mx.Station {
		return netip.Addr{}, fail(mx.StatusParam, nil, "soft-AP not supported")
	}
	if m.joined == nil || !m.hasIP {
		return netip.Addr{}, fail(mx.StatusError, nil, "no address")
	}
	return netip.AddrFrom4(m.ns.IP), nil
}

func (m *Module) RegisterStatusCallback(cb mx.StatusCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	return nil
}

func (m *Module) UnregisterStatusCallback(iface mx.Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = nil
	return nil
}

// GetHostByName resolves name with the host resolver.
func (m *Module) GetHostByName(name string) (mx.SockAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", name)
	if err != nil || len(addrs) == 0 {
		return mx.SockAddr{}, fail(mx.StatusError, err, "lookup "+name)
	}
	return mx.SockAddrFrom(netip.AddrPortFrom(addrs[0].Unmap(), 0)), nil
}

// Ping checks that the host has a route to host. The returned duration is
// the time the route check took.
func (m *Module) Ping(host string, count int, delay time.Duration) (time.Duration, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return 0, fail(mx.StatusParam, err, "ping")
	}
	var total time.Duration
	for i := 0; i < max(count, 1); i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		start := time.Now()
		c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, 7)))
		if err != nil {
			return 0, fail(mx.StatusError, err, "ping "+host)
		}
		c.Close()
		total += time.Since(start)
	}
	return total / time.Duration(max(count, 1)), nil
}

package emw3080

import (
	"net/netip"
	"time"

	"github.com/soypat/emw3080/mx"
)

// Module is the connectivity module driver the Device adapts. Every call
// returns immediately. Failures are reported as errors carrying an mx.Status.
// Transfer calls return the number of bytes moved; 0 with a nil error means
// nothing could be moved yet.
//
// The Device serializes socket calls with its table lock and link calls with
// its link lock. The two groups may run concurrently.
type Module interface {
	Reset() error
	Init() error
	Deinit() error
	SysInfo() mx.SysInfo
	NetSettings() mx.NetSettings
	SetNetSettings(mx.NetSettings) error
	StationPowerSave(enable bool) error

	Scan(mode mx.ScanMode, ssid string) error
	ScanResults(dst []mx.APInfo) (int, error)
	Connect(ssid, passphrase string, sec mx.Security) error
	Disconnect() error
	IsConnected() bool
	GetIPAddress(iface mx.Interface) (netip.Addr, error)
	RegisterStatusCallback(cb mx.StatusCallback) error
	UnregisterStatusCallback(iface mx.Interface) error

	SocketCreate(domain mx.Family, typ mx.SocketType, proto mx.Protocol) (int, error)
	SocketSetOpt(sock, level int, opt mx.SockOpt, val []byte) error
	SocketGetOpt(sock, level int, opt mx.SockOpt, val []byte) (int, error)
	SocketBind(sock int, addr mx.SockAddr) error
	SocketListen(sock, backlog int) error
	SocketAccept(sock int) (int, mx.SockAddr, error)
	SocketConnect(sock int, addr mx.SockAddr) error
	SocketSend(sock int, b []byte) (int, error)
	SocketSendTo(sock int, b []byte, to mx.SockAddr) (int, error)
	SocketRecv(sock int, b []byte) (int, error)
	SocketRecvFrom(sock int, b []byte) (int, mx.SockAddr, error)
	SocketGetSockName(sock int) (mx.SockAddr, error)
	SocketGetPeerName(sock int) (mx.SockAddr, error)
	SocketClose(sock int) error
	GetHostByName(name string) (mx.SockAddr, error)
	// Ping sends count echo requests to host, a dotted decimal address,
	// and returns the average response time.
	Ping(host string, count int, delay time.Duration) (time.Duration, error)
}

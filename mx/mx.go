// Package mx holds the definitions shared with the MXCHIP connectivity module
// driver: status codes, security types, socket identifiers and the wire form
// of socket addresses.
package mx

import (
	"errors"
	"strconv"
)

// Status is a module driver status code. Negative values are failures.
// The zero value is never returned as an error; a successful call returns nil.
type Status int32

const (
	StatusOK      Status = 0
	StatusError   Status = -1
	StatusTimeout Status = -2
	StatusIO      Status = -3
	StatusParam   Status = -4
)

func (s Status) Error() string {
	switch s {
	case StatusOK:
		return "mx: ok"
	case StatusError:
		return "mx: error"
	case StatusTimeout:
		return "mx: timeout"
	case StatusIO:
		return "mx: io error"
	case StatusParam:
		return "mx: parameter error"
	}
	return "mx: status " + strconv.Itoa(int(s))
}

// StatusOf extracts the module status carried by err. A nil error is
// StatusOK and an error that carries no Status is StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	return StatusError
}

// Interface selects the module network interface.
type Interface uint8

const (
	SoftAP  Interface = 0
	Station Interface = 1
)

// Category is the interface category reported by status callbacks.
type Category = Interface

// Event is a station or soft-AP status event delivered by the module.
type Event uint8

const (
	EventNone        Event = 0x00
	EventStationDown Event = 0x01
	EventStationUp   Event = 0x02
	EventGotIP       Event = 0x03
	EventAPDown      Event = 0x04
	EventAPUp        Event = 0x05
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStationDown:
		return "sta-down"
	case EventStationUp:
		return "sta-up"
	case EventGotIP:
		return "sta-got-ip"
	case EventAPDown:
		return "ap-down"
	case EventAPUp:
		return "ap-up"
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// StatusCallback is invoked by the module from its event context. It must not block.
type StatusCallback func(cate Category, ev Event)

// Security is the module's native security type.
type Security uint8

const (
	SecurityNone Security = iota
	SecurityWEP
	SecurityWPA_TKIP
	SecurityWPA_AES
	SecurityWPA2_TKIP
	SecurityWPA2_AES
	SecurityWPA2_Mixed
	SecurityAuto
)

// ScanMode selects active or passive scanning.
type ScanMode uint8

const (
	ScanPassive ScanMode = 0
	ScanActive  ScanMode = 1
)

// Socket domain, type and protocol numbers as understood by the module.
type (
	Family     uint8
	SocketType int32
	Protocol   int32
)

const (
	AF_INET  Family = 2
	AF_INET6 Family = 10

	SOCK_STREAM SocketType = 1
	SOCK_DGRAM  SocketType = 2
	SOCK_RAW    SocketType = 3

	IPPROTO_TCP Protocol = 6
	IPPROTO_UDP Protocol = 17
)

// SOL_SOCKET is the socket-level option level.
const SOL_SOCKET = 0xfff

// SockOpt is a module socket option identifier. All values are 4 bytes wide.
type SockOpt int32

const (
	SO_KEEPALIVE SockOpt = 0x0008
	SO_SNDTIMEO  SockOpt = 0x1005
	SO_RCVTIMEO  SockOpt = 0x1006
	SO_TYPE      SockOpt = 0x1008
)

// OptLen is the byte length of every supported socket option value.
const OptLen = 4

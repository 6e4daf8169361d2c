package emw3080

import (
	"errors"
	"strconv"

	"code.hybscloud.com/iox"
	"github.com/soypat/emw3080/mx"
)

// SockError is a socket API error code. Values mirror the conventional
// embedded socket API numbering so they can cross a C-style boundary unchanged.
type SockError int32

const (
	ErrSocket       SockError = -1 - iota // unspecified error
	ErrBadSocket                          // invalid socket
	ErrInvalid                            // invalid argument
	ErrNotSupported                       // operation not supported
	ErrNoMemory                           // not enough memory
	errAgain                              // would block; returned as ErrWouldBlock
	ErrInProgress                         // operation in progress
	ErrTimedOut                           // operation timed out
	ErrIsConnected                        // socket is connected
	ErrNotConnected                       // socket is not connected
	ErrConnRefused                        // connection rejected by the peer
	ErrConnReset                          // connection reset by the peer
	ErrConnAborted                        // connection aborted locally
	ErrAlready                            // connection already in progress
	ErrAddrInUse                          // address in use
	ErrHostNotFound                       // host not found
)

// ErrWouldBlock is returned when an operation produced no result within its
// wait budget. It is the shared iox sentinel, so iox.IsWouldBlock recognizes it.
var ErrWouldBlock = iox.ErrWouldBlock

var sockErrText = [...]string{
	"socket error",
	"invalid socket",
	"invalid argument",
	"operation not supported",
	"not enough memory",
	"operation would block",
	"operation in progress",
	"operation timed out",
	"socket is connected",
	"socket is not connected",
	"connection refused",
	"connection reset",
	"connection aborted",
	"operation already in progress",
	"address in use",
	"host not found",
}

func (e SockError) Error() string {
	i := -int(e) - 1
	if i >= 0 && i < len(sockErrText) {
		return "emw3080: " + sockErrText[i]
	}
	return "emw3080: socket error " + strconv.Itoa(int(e))
}

// Is makes the would-block code match ErrWouldBlock.
func (e SockError) Is(target error) bool {
	return e == errAgain && target == ErrWouldBlock
}

// Timeout reports whether the error is a timeout, as net.Error does.
func (e SockError) Timeout() bool { return e == ErrTimedOut || e == errAgain }

// DriverError is a driver (link level) error code.
type DriverError int32

const (
	ErrDriver      DriverError = -1 - iota // unspecified error
	ErrBusy                                // driver is busy
	ErrTimeout                             // timeout occurred
	ErrUnsupported                         // operation not supported
	ErrParameter                           // parameter error
)

func (e DriverError) Error() string {
	switch e {
	case ErrDriver:
		return "emw3080: driver error"
	case ErrBusy:
		return "emw3080: driver busy"
	case ErrTimeout:
		return "emw3080: driver timeout"
	case ErrUnsupported:
		return "emw3080: operation unsupported"
	case ErrParameter:
		return "emw3080: parameter error"
	}
	return "emw3080: driver error " + strconv.Itoa(int(e))
}

// Code returns the numeric API code of err: 0 for nil, the SockError or
// DriverError value when err carries one, the would-block code for
// ErrWouldBlock and the generic error code otherwise.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	var se SockError
	if errors.As(err, &se) {
		return int32(se)
	}
	var de DriverError
	if errors.As(err, &de) {
		return int32(de)
	}
	if iox.IsWouldBlock(err) {
		return int32(errAgain)
	}
	return int32(ErrSocket)
}

// driverError translates a module failure into a driver error.
// Unknown statuses map to ErrDriver.
func driverError(err error) error {
	if err == nil {
		return nil
	}
	switch mx.StatusOf(err) {
	case mx.StatusOK:
		return nil
	case mx.StatusTimeout:
		return ErrTimeout
	case mx.StatusParam:
		return ErrParameter
	}
	return ErrDriver
}

// socketError translates a module failure into a socket error.
// Unknown statuses map to ErrSocket.
func socketError(err error) error {
	if err == nil {
		return nil
	}
	switch mx.StatusOf(err) {
	case mx.StatusOK:
		return nil
	case mx.StatusTimeout:
		return ErrTimedOut
	case mx.StatusParam:
		return ErrInvalid
	}
	return ErrSocket
}

// Security is the link security type of a network.
type Security uint8

const (
	SecurityOpen    Security = 0
	SecurityWEP     Security = 1
	SecurityWPA     Security = 2
	SecurityWPA2    Security = 3
	SecurityUnknown Security = 255
)

func (s Security) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWEP:
		return "wep"
	case SecurityWPA:
		return "wpa"
	case SecurityWPA2:
		return "wpa2"
	}
	return "unknown"
}

// securityToMX picks the module security type used to join a network.
// Unknown types fall back to WPA2 with AES.
func securityToMX(s Security) mx.Security {
	switch s {
	case SecurityOpen:
		return mx.SecurityNone
	case SecurityWEP:
		return mx.SecurityWEP
	case SecurityWPA:
		return mx.SecurityWPA_AES
	}
	return mx.SecurityWPA2_AES
}

func securityFromMX(s mx.Security) Security {
	switch s {
	case mx.SecurityNone:
		return SecurityOpen
	case mx.SecurityWEP:
		return SecurityWEP
	case mx.SecurityWPA_TKIP, mx.SecurityWPA_AES:
		return SecurityWPA
	case mx.SecurityWPA2_TKIP, mx.SecurityWPA2_AES, mx.SecurityWPA2_Mixed:
		return SecurityWPA2
	}
	return SecurityUnknown
}

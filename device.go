package emw3080

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/soypat/emw3080/osal"
	"golang.org/x/exp/constraints"
)

// Internal link state enum.
type linkState uint8

const (
	linkStateOff linkState = iota // device not initialized
	linkStateDown
	linkStateConnecting
	linkStateUp
	linkStateFailed
)

func (s linkState) String() string {
	switch s {
	case linkStateOff:
		return "off"
	case linkStateDown:
		return "down"
	case linkStateConnecting:
		return "connecting"
	case linkStateUp:
		return "up"
	case linkStateFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultConfig returns the configuration used for zero valued Config fields.
func DefaultConfig() Config {
	return Config{
		Sockets:           8,
		RxBufSize:         1460,
		RecvTimeout:       20 * time.Second,
		ModuleRecvTimeout: time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		RecvRetries:       10,
		SendAttempts:      3,
		SendRetryDelay:    10 * time.Millisecond,
		LockTimeout:       time.Second,
		LinkUpTimeout:     60 * time.Second,
		AddrPollRetries:   60,
		AddrPollInterval:  time.Second,
		Sleep:             time.Sleep,
	}
}

// Config configures a Device. Zero fields take the DefaultConfig value.
type Config struct {
	Logger *slog.Logger
	// Sockets is the session table capacity. Module socket ids at or above it are rejected.
	Sockets int
	// RxBufSize is the capacity of the per-socket peek buffer used by datagram probes.
	RxBufSize int
	// RecvTimeout is the receive timeout a socket starts with. Zero on a socket means wait forever.
	RecvTimeout time.Duration
	// ModuleRecvTimeout is programmed into every module socket so that a single
	// transport call never monopolizes the module.
	ModuleRecvTimeout time.Duration
	// PollInterval is the sleep between attempts of a blocking operation.
	PollInterval time.Duration
	// RecvRetries bounds how many transient transport failures a blocking
	// receive tolerates before failing.
	RecvRetries int
	// SendAttempts is the number of transport attempts per send, spaced SendRetryDelay apart.
	SendAttempts   int
	SendRetryDelay time.Duration
	// LockTimeout bounds session table lock acquisition.
	LockTimeout time.Duration
	// LinkUpTimeout bounds the wait for the station up event during Activate.
	LinkUpTimeout time.Duration
	// AddrPollRetries and AddrPollInterval control IP address polling after link up.
	AddrPollRetries  int
	AddrPollInterval time.Duration
	// Sleep performs the timed delays of the polling loops.
	Sleep func(time.Duration)
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	setdefault(&cfg.Sockets, def.Sockets)
	setdefault(&cfg.RxBufSize, def.RxBufSize)
	setdefault(&cfg.RecvTimeout, def.RecvTimeout)
	setdefault(&cfg.ModuleRecvTimeout, def.ModuleRecvTimeout)
	setdefault(&cfg.PollInterval, def.PollInterval)
	setdefault(&cfg.RecvRetries, def.RecvRetries)
	setdefault(&cfg.SendAttempts, def.SendAttempts)
	setdefault(&cfg.SendRetryDelay, def.SendRetryDelay)
	setdefault(&cfg.LockTimeout, def.LockTimeout)
	setdefault(&cfg.LinkUpTimeout, def.LinkUpTimeout)
	setdefault(&cfg.AddrPollRetries, def.AddrPollRetries)
	setdefault(&cfg.AddrPollInterval, def.AddrPollInterval)
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	return cfg
}

// Device adapts a non-blocking connectivity Module into blocking sockets and
// a station link. All methods are safe for concurrent use.
type Device struct {
	// mu serializes module control calls that return promptly. It is never
	// held while waiting on link events.
	mu  sync.Mutex
	mod Module
	// linkmu guards state and is never held across a module call.
	linkmu sync.Mutex
	// tbl guards sockets. It is acquired with a timeout.
	tbl     *osal.Mutex
	sockets []socketRecord
	// status holds the link flags written by the module status callback.
	status *osal.EventFlags
	notify atomic.Pointer[func(LinkEvent)]
	cfg    Config
	// initialized is written holding both mu and tbl, so holding either is enough to read it.
	initialized   bool
	state         linkState
	logger        *slog.Logger
	_traceenabled bool
}

// NewDevice returns a Device driving m. Call Init before use.
func NewDevice(m Module) *Device {
	return &Device{
		mod:    m,
		tbl:    osal.NewMutex(),
		status: osal.NewEventFlags(),
	}
}

// Init brings up the module and resets the session table.
func (d *Device) Init(cfg Config) (err error) {
	if d.mod == nil {
		return errors.New("emw3080: nil module")
	}
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = cfg.Logger
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.info("Init:start", slog.Int("sockets", cfg.Sockets))
	start := time.Now()

	if !d.initialized {
		d.debug("Init:reset")
		if err = d.mod.Reset(); err != nil {
			return errjoin(errors.New("module reset failed"), driverError(err))
		}
	}
	if err = d.mod.Init(); err != nil {
		return errjoin(errors.New("module init failed"), driverError(err))
	}
	ns := d.mod.NetSettings()
	ns.DHCP = true
	if err = d.mod.SetNetSettings(ns); err != nil {
		return driverError(err)
	}

	if err = d.tbl.Acquire(cfg.LockTimeout); err != nil {
		return ErrBusy
	}
	d.cfg = cfg
	d.sockets = make([]socketRecord, cfg.Sockets)
	peekbuf := make([]byte, cfg.Sockets*cfg.RxBufSize)
	for i := range d.sockets {
		d.sockets[i].peek = peekbuf[i*cfg.RxBufSize : (i+1)*cfg.RxBufSize : (i+1)*cfg.RxBufSize]
		d.sockets[i].rcvTimeout = cfg.RecvTimeout
	}
	d.initialized = true
	d.tbl.Release()

	d.linkmu.Lock()
	d.status.Clear(^uint32(0))
	d.state = linkStateDown
	d.linkmu.Unlock()
	d.info("Init:done", slog.Duration("took", time.Since(start)))
	return nil
}

// Uninit shuts the module down. All sockets are forgotten.
func (d *Device) Uninit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	if err := d.tbl.Acquire(d.cfg.LockTimeout); err != nil {
		return ErrBusy
	}
	defer d.tbl.Release()
	if err := d.mod.Deinit(); err != nil {
		return driverError(err)
	}
	for i := range d.sockets {
		d.sockets[i].reset()
	}
	d.initialized = false
	d.linkmu.Lock()
	d.state = linkStateOff
	d.linkmu.Unlock()
	d.info("Uninit:done")
	return nil
}

// PowerState selects the module power mode.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerLow
	PowerFull
)

// PowerControl sets the module power mode. The module cannot be powered off.
func (d *Device) PowerControl(state PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrDriver
	}
	switch state {
	case PowerOff:
		return ErrUnsupported
	case PowerLow, PowerFull:
		d.debug("PowerControl", slog.Bool("powersave", state == PowerLow))
		return driverError(d.mod.StationPowerSave(state == PowerLow))
	}
	return ErrParameter
}

// ModuleInfo returns the module identification as "ProductName ProductID FWRev".
func (d *Device) ModuleInfo() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return "", ErrDriver
	}
	info := d.mod.SysInfo()
	return strings.Join([]string{info.ProductName, info.ProductID, info.FWRev}, " "), nil
}

// Capabilities describes what the driver supports.
type Capabilities struct {
	Station    bool
	AP         bool
	StationAP  bool
	WPSStation bool
	WPSAP      bool
	IP         bool
	IP6        bool
	Ping       bool
}

func (d *Device) Capabilities() Capabilities {
	return Capabilities{Station: true, IP: true, Ping: true}
}

// acquire locks the session table. Failure to lock within the configured
// timeout is a hard error.
func (d *Device) acquire() error {
	if err := d.tbl.Acquire(d.lockTimeout()); err != nil {
		d.logerr("table:lock", errattr(err))
		return ErrSocket
	}
	if !d.initialized {
		d.tbl.Release()
		return ErrSocket
	}
	return nil
}

func (d *Device) release() {
	if err := d.tbl.Release(); err != nil {
		d.logerr("table:unlock", errattr(err))
	}
}

func (d *Device) lockTimeout() time.Duration {
	if d.cfg.LockTimeout == 0 {
		return DefaultConfig().LockTimeout
	}
	return d.cfg.LockTimeout
}

func errjoin(errs ...error) error {
	return errors.Join(errs...)
}

func setdefault[T constraints.Integer | constraints.Float](v *T, def T) {
	if *v == 0 {
		*v = def
	}
}

// clamp limits v to the closed interval [lo, hi].
func clamp[T constraints.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// toMillis converts a duration to whole milliseconds, rounding up so that
// short non-zero timeouts do not become "forever".
func toMillis(d time.Duration) uint32 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return uint32(clamp(ms, 0, 1<<32-1))
}

func fromMillis(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

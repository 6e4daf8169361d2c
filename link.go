package emw3080

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/emw3080/mx"
	"github.com/soypat/emw3080/osal"
)

// Link status flags set by the module status callback.
const (
	FlagStationUp   uint32 = 1 << 0
	FlagStationDown uint32 = 1 << 1
	FlagGotIP       uint32 = 1 << 2
)

// LinkEvent is a station link change forwarded to the NetNotify callback.
type LinkEvent uint8

const (
	LinkEventUp LinkEvent = iota + 1
	LinkEventDown
	LinkEventGotIP
)

func (e LinkEvent) String() string {
	switch e {
	case LinkEventUp:
		return "up"
	case LinkEventDown:
		return "down"
	case LinkEventGotIP:
		return "got-ip"
	}
	return "unknown"
}

// ActivateConfig holds the station parameters used by Activate.
type ActivateConfig struct {
	SSID       string
	Passphrase string
	Security   Security
	// Channel must be 0. The module always selects the channel.
	Channel uint8
}

var errNoAddress = errors.New("emw3080: no IP address assigned")

// Activate joins the network described by cfg on interface iface and waits
// until the station is up and has an IP address. Only the station interface
// (0) is supported. A second Activate while one is in progress returns ErrBusy.
func (d *Device) Activate(iface int, cfg ActivateConfig) (err error) {
	if iface != 0 || cfg.SSID == "" || len(cfg.SSID) > 32 || cfg.Channel != 0 || cfg.Security == SecurityUnknown {
		return ErrParameter
	}
	d.linkmu.Lock()
	switch d.state {
	case linkStateOff:
		d.linkmu.Unlock()
		return ErrDriver
	case linkStateConnecting:
		d.linkmu.Unlock()
		return ErrBusy
	}
	d.state = linkStateConnecting
	d.status.Clear(FlagStationUp | FlagStationDown | FlagGotIP)
	d.linkmu.Unlock()

	d.info("Activate:start", slog.String("ssid", cfg.SSID), slog.String("security", cfg.Security.String()))
	start := time.Now()
	defer func() {
		next := linkStateUp
		if err != nil {
			next = linkStateFailed
			d.logerr("Activate:failed", errattr(err))
		}
		d.linkmu.Lock()
		// Deactivate or Uninit may have moved the state on meanwhile.
		if d.state == linkStateConnecting {
			d.state = next
		}
		d.linkmu.Unlock()
	}()
	if err = d.mod.RegisterStatusCallback(d.onStatus); err != nil {
		return driverError(err)
	}
	if err = d.mod.Connect(cfg.SSID, cfg.Passphrase, securityToMX(cfg.Security)); err != nil {
		return driverError(err)
	}
	if _, err = d.status.Wait(FlagStationUp, osal.WaitAny, d.cfg.LinkUpTimeout); err != nil {
		return ErrTimeout
	}
	d.debug("Activate:station-up")
	if err = d.waitForIP(); err != nil {
		return err
	}
	d.info("Activate:done", slog.Duration("took", time.Since(start)))
	return nil
}

// waitForIP polls the module for an assigned station address.
func (d *Device) waitForIP() error {
	var lastErr error
	for i := 0; i < d.cfg.AddrPollRetries; i++ {
		addr, err := d.mod.GetIPAddress(mx.Station)
		if err == nil && addr.IsValid() && !addr.IsUnspecified() {
			d.debug("Activate:got-ip", slog.String("ip", addr.String()), slog.Int("polls", i+1))
			return nil
		}
		if err == nil {
			err = errNoAddress
		}
		lastErr = err
		if i < d.cfg.AddrPollRetries-1 {
			d.cfg.Sleep(d.cfg.AddrPollInterval)
		}
	}
	return driverError(lastErr)
}

// Deactivate leaves the network. Both the disconnect and the callback
// removal are attempted; the first failure is returned.
func (d *Device) Deactivate(iface int) error {
	if iface != 0 {
		return ErrParameter
	}
	if d.linkState() == linkStateOff {
		return ErrDriver
	}
	// The module may deliver the down event on this goroutine, so no
	// device lock is held across these calls.
	errDisc := d.mod.Disconnect()
	errUnreg := d.mod.UnregisterStatusCallback(mx.Station)
	d.linkmu.Lock()
	if d.state != linkStateOff {
		d.state = linkStateDown
	}
	d.status.Clear(FlagStationUp | FlagGotIP)
	d.linkmu.Unlock()
	if errDisc != nil {
		d.logerr("Deactivate:disconnect", errattr(errDisc))
		return driverError(errDisc)
	}
	if errUnreg != nil {
		d.logerr("Deactivate:unregister", errattr(errUnreg))
		return driverError(errUnreg)
	}
	d.info("Deactivate:done")
	return nil
}

// IsConnected reports whether the module is associated with a network.
func (d *Device) IsConnected() bool {
	return d.linkState() != linkStateOff && d.mod.IsConnected()
}

// onStatus is the module status callback. It runs in the module's event
// context and must not block or touch the session table.
func (d *Device) onStatus(cate mx.Category, ev mx.Event) {
	if cate != mx.Station {
		return
	}
	var flag uint32
	var lev LinkEvent
	switch ev {
	case mx.EventStationUp:
		flag, lev = FlagStationUp, LinkEventUp
	case mx.EventStationDown:
		flag, lev = FlagStationDown, LinkEventDown
	case mx.EventGotIP:
		flag, lev = FlagGotIP, LinkEventGotIP
	default:
		return
	}
	d.status.Set(flag)
	if cb := d.notify.Load(); cb != nil {
		(*cb)(lev)
	}
}

func (d *Device) linkState() linkState {
	d.linkmu.Lock()
	defer d.linkmu.Unlock()
	return d.state
}


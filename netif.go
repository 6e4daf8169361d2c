package emw3080

import (
	"errors"
	"net"
)

// MTU is the largest payload the module moves in a single transfer.
const MTU = 1460

// MTU returns the maximum number of bytes sent in a single module transfer.
func (d *Device) MTU() int { return MTU }

// HardwareAddr6 returns the device's 6-byte [MAC address].
//
// [MAC address]: https://en.wikipedia.org/wiki/MAC_address
func (d *Device) HardwareAddr6() ([6]byte, error) {
	var mac [6]byte
	if _, err := d.GetOption(0, OptMAC, mac[:]); err != nil {
		return mac, err
	}
	if mac == [6]byte{} {
		return mac, errors.New("hardware address not acquired")
	}
	return mac, nil
}

// NetFlags returns the net.Flags for the device, either net.FlagUp or net.FlagRunning.
func (d *Device) NetFlags() (flags net.Flags) {
	d.linkmu.Lock()
	defer d.linkmu.Unlock()
	// Running until a down event arrives after activation.
	if d.state == linkStateUp && d.status.Get()&FlagStationDown == 0 {
		flags |= net.FlagRunning
	}
	if d.state != linkStateOff && d.state != linkStateDown {
		flags |= net.FlagUp
	}
	return flags
}

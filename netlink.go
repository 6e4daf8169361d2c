// Netlink implementation of emw3080

package emw3080

import (
	"net"
	"net/netip"
)

// NetConnect joins the station network described by params.
func (d *Device) NetConnect(params ActivateConfig) error {
	return d.Activate(0, params)
}

func (d *Device) NetDisconnect() {
	if err := d.Deactivate(0); err != nil {
		d.logerr("NetDisconnect", errattr(err))
	}
}

// NetNotify registers cb to receive link events. A nil cb removes the callback.
func (d *Device) NetNotify(cb func(LinkEvent)) {
	if cb == nil {
		d.notify.Store(nil)
		return
	}
	d.notify.Store(&cb)
}

func (d *Device) GetHardwareAddr() (net.HardwareAddr, error) {
	var mac [6]byte
	_, err := d.GetOption(0, OptMAC, mac[:])
	if err != nil {
		return nil, err
	}
	return net.HardwareAddr(mac[:]), nil
}

func (d *Device) GetIPAddr() (netip.Addr, error) {
	var ip [4]byte
	_, err := d.GetOption(0, OptIP, ip[:])
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4(ip), nil
}

package emw3080

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/emw3080/mx"
)

// LinkOption identifies an interface option for SetOption and GetOption.
type LinkOption uint8

const (
	OptBSSID LinkOption = iota + 1
	OptTxPower
	OptLPTimer
	OptDTIM
	OptBeacon
	OptMAC
	OptIP
	OptSubnetMask
	OptGateway
	OptDNS1
	OptDNS2
	OptDHCP
	OptDHCPPoolBegin
	OptDHCPPoolEnd
	OptDHCPLeaseTime
)

// ScanInfo describes an access point found by Scan.
type ScanInfo struct {
	SSID     string
	BSSID    [6]byte
	Security Security
	Channel  uint8
	RSSI     int8
}

// SetOption writes an interface option. Addresses are 4 bytes in network
// order and OptDHCP is a little endian uint32 where non-zero enables DHCP.
func (d *Device) SetOption(iface int, opt LinkOption, data []byte) error {
	if iface != 0 || len(data) < 4 {
		return ErrParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrDriver
	}
	ns := d.mod.NetSettings()
	switch opt {
	case OptIP:
		copy(ns.IP[:], data)
	case OptSubnetMask:
		copy(ns.Mask[:], data)
	case OptGateway:
		copy(ns.Gateway[:], data)
	case OptDNS1:
		copy(ns.DNS1[:], data)
	case OptDHCP:
		ns.DHCP = binary.LittleEndian.Uint32(data) != 0
	default:
		return ErrUnsupported
	}
	d.debug("SetOption", slog.Int("opt", int(opt)))
	return driverError(d.mod.SetNetSettings(ns))
}

// GetOption reads an interface option into data and returns the number of
// bytes written.
func (d *Device) GetOption(iface int, opt LinkOption, data []byte) (int, error) {
	if iface != 0 || len(data) < 4 {
		return 0, ErrParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, ErrDriver
	}
	switch opt {
	case OptMAC:
		if len(data) < 6 {
			return 0, ErrParameter
		}
		mac := d.mod.SysInfo().MAC
		return copy(data, mac[:]), nil
	case OptIP, OptSubnetMask, OptGateway, OptDNS1:
		if d.mod.IsConnected() {
			if _, err := d.mod.GetIPAddress(mx.Station); err != nil {
				return 0, driverError(err)
			}
		}
		ns := d.mod.NetSettings()
		var v [4]byte
		switch opt {
		case OptIP:
			v = ns.IP
		case OptSubnetMask:
			v = ns.Mask
		case OptGateway:
			v = ns.Gateway
		case OptDNS1:
			v = ns.DNS1
		}
		return copy(data, v[:]), nil
	case OptDHCP:
		var v uint32
		if d.mod.NetSettings().DHCP {
			v = 1
		}
		binary.LittleEndian.PutUint32(data, v)
		return 4, nil
	}
	return 0, ErrUnsupported
}

// Scan performs a passive scan and fills dst with the access points found.
func (d *Device) Scan(dst []ScanInfo) (int, error) {
	if len(dst) == 0 {
		return 0, ErrParameter
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, ErrDriver
	}
	if err := d.mod.Scan(mx.ScanPassive, ""); err != nil {
		return 0, driverError(err)
	}
	aps := make([]mx.APInfo, len(dst))
	n, err := d.mod.ScanResults(aps)
	if err != nil {
		return 0, driverError(err)
	}
	n = min(n, len(dst))
	for i, ap := range aps[:n] {
		dst[i] = ScanInfo{
			SSID:     ap.SSID,
			BSSID:    ap.BSSID,
			Security: securityFromMX(ap.Security),
			Channel:  uint8(clamp(ap.Channel, 0, 255)),
			RSSI:     int8(clamp(ap.RSSI, -128, 127)),
		}
	}
	d.debug("Scan:done", slog.Int("found", n))
	return n, nil
}

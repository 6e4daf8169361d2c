package mx

// SysInfo is the identification block reported by the module at init.
type SysInfo struct {
	ProductName string
	ProductID   string
	FWRev       string
	MAC         [6]byte
}

// NetSettings are the station IPv4 settings held by the module.
// Static addresses only take effect when DHCP is disabled.
type NetSettings struct {
	IP          [4]byte
	Mask        [4]byte
	Gateway     [4]byte
	DNS1        [4]byte
	DHCP        bool
	IsConnected bool
}

// APInfo is a single access point scan record.
type APInfo struct {
	SSID     string
	BSSID    [6]byte
	Security Security
	Channel  int
	RSSI     int
}

package dircon

import (
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

const (
	mdnsServiceType = "_wahoo-fitness-tnp._tcp"
	mdnsDomain      = "local."
)

// Advertisement is what DirCon clients see while browsing.
type Advertisement struct {
	Name         string
	Port         int
	ServiceUUIDs []gatt.UUID
	MACAddress   string
	SerialNumber string
}

// TXTRecords builds the DNS-SD TXT records for a.
func (a Advertisement) TXTRecords() []string {
	uuids := make([]string, 0, len(a.ServiceUUIDs))
	for _, u := range a.ServiceUUIDs {
		uuids = append(uuids, gatt.DisplayUUID(u))
	}
	return []string{
		"ble-service-uuids=" + strings.Join(uuids, ","),
		"mac-address=" + a.MACAddress,
		"serial-number=" + a.SerialNumber,
	}
}

// Advertiser publishes the DirCon endpoint over mDNS.
type Advertiser struct {
	server *zeroconf.Server
	logger *log.Logger
}

func Advertise(a Advertisement, logger *log.Logger) (*Advertiser, error) {
	if logger == nil {
		panic("DirConAdvertiser: logger cannot be nil")
	}
	server, err := zeroconf.Register(a.Name, mdnsServiceType, mdnsDomain, a.Port, a.TXTRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Printf("DirConAdvertiser: advertising %q as %s on port %d", a.Name, mdnsServiceType, a.Port)
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.Printf("DirConAdvertiser: stopped")
}

// HardwareAddr returns the MAC address of the first interface that is up and
// not a loopback, formatted with dashes.
func HardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00-00-00-00-00-00"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return strings.ToUpper(strings.ReplaceAll(iface.HardwareAddr.String(), ":", "-"))
	}
	return "00-00-00-00-00-00"
}

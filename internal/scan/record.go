// Package scan assembles raw BGAPI scan events into Discovery records:
// advertisement and scan-response packets for the same address are
// paired, filtered for the TileBus service UUID, and decoded into the
// device-specific manufacturer payload.
package scan

import (
	"fmt"
	"time"
)

// TileBusServiceUUID is the well-known 128-bit GATT service UUID that
// identifies a supported TileBus device: a fixed value stored
// little-endian on the wire in advertisements, embedded here rather
// than discovered at runtime. Byte order is wire order, matching what
// handleAdvertisement compares against directly.
var TileBusServiceUUID = [16]byte{
	0x7e, 0x4c, 0x99, 0xb4, 0x35, 0x22, 0x4f, 0x1f,
	0x95, 0x99, 0x0b, 0x77, 0x6c, 0xf0, 0x2a, 0x03,
}

// Flag bits within a TileBus advertisement's manufacturer payload.
const (
	FlagPendingData   uint16 = 1 << 0
	FlagLowVoltage    uint16 = 1 << 1
	FlagUserConnected uint16 = 1 << 2
)

// VisibleReading is one streaming-data entry surfaced in a scan
// response.
type VisibleReading struct {
	StreamID    uint16
	ReadingTime uint32
	Value       uint32
}

// Discovery is one assembled, advertised TileBus device. Voltage,
// CurrentTime and VisibleReadings are only populated once a matching
// scan-response has arrived (or never, under passive scanning).
type Discovery struct {
	Address         [6]byte
	AddressString   string
	AddressType     uint8
	RSSI            int8
	DeviceUUID      uint32
	PendingData     bool
	LowVoltage      bool
	UserConnected   bool
	HasScanResponse bool
	Voltage         float64
	CurrentTime     uint32
	VisibleReadings []VisibleReading
	LastSeen        time.Time
}

// addressString renders a little-endian wire MAC as the conventional
// reversed, colon-separated, upper-case hex string.
func addressString(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}

package scan

import (
	"encoding/binary"
	"time"

	"github.com/commatea/tileble-adapter/internal/bgapi"
	"github.com/commatea/tileble-adapter/pkg/tlmetrics"
	"github.com/commatea/tileble-adapter/pkg/tlog"
)

// DiscoveryTTL is how long a caller should consider an assembled
// Discovery record fresh. Neither the assembler nor the adapter facade
// runs an eviction timer or keeps a discovery cache — LastSeen on each
// emitted record lets listeners decide when to drop it.
const DiscoveryTTL = 60 * time.Second

const (
	packetTypeAdvertisement          uint8 = 0
	packetTypeNonConnectableAdvert   uint8 = 6
	packetTypeScanResponse           uint8 = 4
)

const adStructureLength = 17
const adStructureTypeUUID128 = 0x06

// Assembler pairs advertisement and scan-response events into complete
// Discovery records. It is not safe for concurrent use by multiple
// goroutines; the Command Processor's single event-handler goroutine
// is its only caller.
type Assembler struct {
	log      *tlog.Logger
	onScan   func(Discovery)
	passive  bool
	partials map[string]Discovery
}

// New builds an Assembler. passive disables waiting for a
// scan-response: advertisements are emitted immediately.
func New(passive bool, onScan func(Discovery)) *Assembler {
	return &Assembler{
		log:      tlog.Global().Component("scan.assembler"),
		onScan:   onScan,
		passive:  passive,
		partials: make(map[string]Discovery),
	}
}

// HandleEvent processes one BGAPI scan event (class=6, cmd=0). It is a
// no-op for any other packet.
func (a *Assembler) HandleEvent(pkt bgapi.Packet) {
	if !pkt.IsScanEvent() {
		return
	}

	payload := pkt.Payload
	if len(payload) < 10 {
		a.log.Warn("scan event too short for fixed header", "len", len(payload))
		tlmetrics.ScanDropped.WithLabelValues("short_header").Inc()
		return
	}

	rssi := int8(payload[0])
	packetType := payload[1]
	var sender [6]byte
	copy(sender[:], payload[2:8])
	addrType := payload[8]
	advData := payload[10:]

	switch packetType {
	case packetTypeAdvertisement, packetTypeNonConnectableAdvert:
		a.handleAdvertisement(sender, addrType, rssi, advData)
	case packetTypeScanResponse:
		a.handleScanResponse(sender, advData)
	default:
		a.log.Warn("unrecognized scan packet_type", "packet_type", packetType)
		tlmetrics.ScanDropped.WithLabelValues("unknown_packet_type").Inc()
	}
}

func (a *Assembler) handleAdvertisement(sender [6]byte, addrType uint8, rssi int8, advData []byte) {
	// Three BLE flag bytes precede the structure we care about.
	if len(advData) < 3+adStructureLength {
		a.log.Warn("advertisement adv_data too short")
		tlmetrics.ScanDropped.WithLabelValues("short_adv_data").Inc()
		return
	}
	adv := advData[3:]

	if int(adv[0]) != adStructureLength || adv[1] != adStructureTypeUUID128 {
		// Not the AD structure shape we expect; common for
		// advertisements from devices we don't care about.
		return
	}

	var uuid [16]byte
	copy(uuid[:], adv[2:18])
	if uuid != TileBusServiceUUID {
		return
	}

	manu := adv[18:]
	if len(manu) < 10 {
		a.log.Warn("manufacturer payload too short")
		tlmetrics.ScanDropped.WithLabelValues("manufacturer_too_short").Inc()
		return
	}
	if manu[0] != 8 { // expected length byte; the datatype+manu_id+device_uuid+flags after it span 9 bytes
		a.log.Warn("manufacturer payload length mismatch", "length", manu[0])
		tlmetrics.ScanDropped.WithLabelValues("manufacturer_length_mismatch").Inc()
		return
	}

	manuID := binary.LittleEndian.Uint16(manu[2:4])
	_ = manuID
	deviceUUID := binary.LittleEndian.Uint32(manu[4:8])
	flags := binary.LittleEndian.Uint16(manu[8:10])

	d := Discovery{
		Address:       sender,
		AddressString: addressString(sender),
		AddressType:   addrType,
		RSSI:          rssi,
		DeviceUUID:    deviceUUID,
		PendingData:   flags&FlagPendingData != 0,
		LowVoltage:    flags&FlagLowVoltage != 0,
		UserConnected: flags&FlagUserConnected != 0,
		LastSeen:      time.Now(),
	}

	if a.passive {
		tlmetrics.ScansAssembled.WithLabelValues(tlmetrics.ModePassive).Inc()
		a.onScan(d)
		return
	}

	a.partials[d.AddressString] = d
}

func (a *Assembler) handleScanResponse(sender [6]byte, advData []byte) {
	addr := addressString(sender)
	partial, ok := a.partials[addr]
	if !ok {
		// Scan response with no matching advertisement; routine when
		// only some nearby devices are TileBus-filtered.
		return
	}

	if len(advData) < 31 {
		a.log.Warn("scan response adv_data too short", "addr", addr, "len", len(advData))
		tlmetrics.ScanDropped.WithLabelValues("scan_response_too_short").Inc()
		return
	}
	if advData[0] != 29 { // expected length byte; 30 bytes of the 31-byte payload follow it
		a.log.Warn("scan response length mismatch", "addr", addr, "length", advData[0])
		tlmetrics.ScanDropped.WithLabelValues("scan_response_length_mismatch").Inc()
		return
	}

	voltageRaw := binary.LittleEndian.Uint16(advData[2:4])
	stream := binary.LittleEndian.Uint16(advData[4:6])
	reading := binary.LittleEndian.Uint32(advData[6:10])
	readingTime := binary.LittleEndian.Uint32(advData[10:14])
	currentTime := binary.LittleEndian.Uint32(advData[14:18])

	partial.HasScanResponse = true
	partial.Voltage = float64(voltageRaw) / 256.0
	partial.CurrentTime = currentTime
	partial.LastSeen = time.Now()
	if stream != 0xFFFF {
		partial.VisibleReadings = append(partial.VisibleReadings, VisibleReading{
			StreamID:    stream,
			ReadingTime: readingTime,
			Value:       reading,
		})
	}

	delete(a.partials, addr)
	tlmetrics.ScansAssembled.WithLabelValues(tlmetrics.ModeActive).Inc()
	a.onScan(partial)
}

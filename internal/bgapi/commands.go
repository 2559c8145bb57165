package bgapi

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Command classes and numbers for the one dongle model this adapter
// targets. Class/command values are only required to be internally
// consistent — the event/command direction bit (the top bit of header
// byte 0) already disambiguates a class 4 command from a class 4
// event with the same command number, so command-space and
// event-space numbers are assigned independently below.
const (
	ClassSystem    uint8 = 0 // reset, system state query
	ClassConnection uint8 = 3 // connect/disconnect lifecycle
	ClassAttClient  uint8 = 4 // GATT service/characteristic discovery, writes
	ClassGAP        uint8 = 6 // scanning

	cmdSystemQueryState uint8 = 1

	cmdConnectionDisconnect uint8 = 0
	evtConnectionDisconnected uint8 = 4 // spontaneous link-drop event

	cmdAttClientReadByGroupType uint8 = 1 // probe_services
	cmdAttClientFindInformation uint8 = 2 // probe_characteristics / CCCD lookup
	cmdAttClientAttributeWrite  uint8 = 3 // enable_notifications

	evtAttClientGroupFound          uint8 = 1
	evtAttClientFindInformationFound uint8 = 2
	evtAttClientProcedureCompleted  uint8 = 4

	cmdGAPDiscover    uint8 = 1 // start_scan / stop_scan, mode byte in payload
	cmdGAPConnectDirect uint8 = 3
	evtGAPScanResponse uint8 = 0 // advertisement/scan-response event
)

// Scan discover modes, payload byte for cmdGAPDiscover.
const (
	discoverModeStop           uint8 = 0
	discoverModeStartActive    uint8 = 1
	discoverModeStartPassive   uint8 = 2
)

// Connect timing defaults: fixed sensible values rather than exposed
// per-connection tuning knobs. Units match the BGAPI wire encoding
// this dongle model uses: intervals in 1.25ms units, supervision
// timeout in 10ms units, scan window/interval in 0.625ms units.
const (
	connIntervalMinUnits uint16 = 48  // 60ms
	connIntervalMaxUnits uint16 = 48  // 60ms
	connSlaveLatency     uint16 = 0
	connSupervisionTimeoutUnits uint16 = 1000 // 10s
	connScanIntervalUnits uint16 = 48 // 30ms
	connScanWindowUnits   uint16 = 48 // 30ms
)

// CCCD write values for enabling notify/indicate on a characteristic.
const (
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)

// resultCodeAck decodes a trailing/leading u16 BGAPI result code
// (0 == success) found at the given byte offset of payload.
func resultCodeAck(offset int) func([]byte) Result {
	return func(payload []byte) Result {
		if len(payload) < offset+2 {
			return Result{Success: false, Err: fmt.Errorf("bgapi: short ack payload (%d bytes)", len(payload))}
		}
		code := binary.LittleEndian.Uint16(payload[offset : offset+2])
		if code != 0 {
			return Result{Success: false, Err: fmt.Errorf("bgapi: dongle rejected command, code=0x%04X", code), Value: payload}
		}
		return Result{Success: true, Value: payload}
	}
}

// --- system ---

// SystemState is the reset/query-system reply: the dongle's maximum
// simultaneous-connection count and any handles it already has active
// (surviving a previous, uncleanly-terminated process).
type SystemState struct {
	MaxConnections uint8
	ActiveHandles  []uint8
}

// QuerySystemState builds the reset/query-system command.
func QuerySystemState() Command {
	return Command{
		Class: ClassSystem,
		Num:   cmdSystemQueryState,
		DecodeAck: func(payload []byte) Result {
			if len(payload) < 2 {
				return Result{Success: false, Err: fmt.Errorf("bgapi: short system-state payload")}
			}
			maxConn := payload[0]
			count := int(payload[1])
			if len(payload) < 2+count {
				return Result{Success: false, Err: fmt.Errorf("bgapi: truncated active-handle list")}
			}
			handles := append([]uint8(nil), payload[2:2+count]...)
			return Result{Success: true, Value: SystemState{MaxConnections: maxConn, ActiveHandles: handles}}
		},
		Timeout: 3 * time.Second,
	}
}

// --- scanning ---

// StartScan builds the start-scan command; active requests
// scan-response packets in addition to advertisements.
func StartScan(active bool) Command {
	mode := discoverModeStartPassive
	if active {
		mode = discoverModeStartActive
	}
	return Command{
		Class:     ClassGAP,
		Num:       cmdGAPDiscover,
		Payload:   []byte{mode},
		DecodeAck: resultCodeAck(0),
		Timeout:   2 * time.Second,
	}
}

// StopScan builds the stop-scan command. A stop on an already-stopped
// dongle still gets a reply — this is a protocol no-op, never skipped
// client-side, since the dongle is the only source of truth for its
// own scan state.
func StopScan() Command {
	return Command{
		Class:     ClassGAP,
		Num:       cmdGAPDiscover,
		Payload:   []byte{discoverModeStop},
		DecodeAck: resultCodeAck(0),
		Timeout:   2 * time.Second,
	}
}

// --- connect / disconnect ---

// ConnectResult is the successful connect reply payload.
type ConnectResult struct {
	Handle uint8
}

// Connect builds the connect command for a 6-byte address in wire
// (little-endian / reversed-display) order, using the fixed timing
// defaults documented above. timeout overrides the reply-wait budget;
// 0 keeps the built-in default.
func Connect(address [6]byte, addressType uint8, timeout time.Duration) Command {
	payload := make([]byte, 0, 6+1+2+2+2+2+2+2)
	payload = append(payload, address[:]...)
	payload = append(payload, addressType)
	payload = appendU16(payload, connIntervalMinUnits)
	payload = appendU16(payload, connIntervalMaxUnits)
	payload = appendU16(payload, connSupervisionTimeoutUnits)
	payload = appendU16(payload, connSlaveLatency)
	payload = appendU16(payload, connScanIntervalUnits)
	payload = appendU16(payload, connScanWindowUnits)

	return Command{
		Class:   ClassGAP,
		Num:     cmdGAPConnectDirect,
		Payload: payload,
		DecodeAck: func(payload []byte) Result {
			if len(payload) < 3 {
				return Result{Success: false, Err: fmt.Errorf("bgapi: short connect ack")}
			}
			code := binary.LittleEndian.Uint16(payload[0:2])
			handle := payload[2]
			if code != 0 {
				return Result{Success: false, Err: fmt.Errorf("bgapi: connect rejected, code=0x%04X", code)}
			}
			return Result{Success: true, Value: ConnectResult{Handle: handle}}
		},
		Timeout: orDefault(timeout, 4*time.Second),
	}
}

// orDefault returns timeout if positive, else def.
func orDefault(timeout, def time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return def
}

// Disconnect builds the disconnect command for an active handle.
func Disconnect(handle uint8) Command {
	return Command{
		Class:     ClassConnection,
		Num:       cmdConnectionDisconnect,
		Payload:   []byte{handle},
		DecodeAck: resultCodeAck(1),
		Timeout:   4 * time.Second,
	}
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

// --- GATT discovery ---

// ServiceRecord is one primary service found by ProbeServices.
type ServiceRecord struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        []byte
}

// CharRecord is one characteristic declaration found by
// ProbeCharacteristics.
type CharRecord struct {
	Handle uint16
	UUID   []byte
}

// gattCollector accumulates the group_found/find_information_found
// events for a single connection handle across a multi-packet GATT
// discovery procedure, completing when procedure_completed arrives for
// that same handle. One instance serves either probe_services or
// probe_characteristics — which event carries records is decided by
// recordEvt; both terminate the same way.
type gattCollector struct {
	connHandle uint8
	recordEvt  uint8
	onRecord   func(payload []byte)

	services []ServiceRecord
	chars    []CharRecord
	procErr  error
}

func newServiceCollector(connHandle uint8) *gattCollector {
	c := &gattCollector{connHandle: connHandle, recordEvt: evtAttClientGroupFound}
	c.onRecord = func(payload []byte) {
		if len(payload) < 6 {
			return
		}
		start := binary.LittleEndian.Uint16(payload[1:3])
		end := binary.LittleEndian.Uint16(payload[3:5])
		uuidLen := int(payload[5])
		if len(payload) < 6+uuidLen {
			return
		}
		uuid := append([]byte(nil), payload[6:6+uuidLen]...)
		c.services = append(c.services, ServiceRecord{StartHandle: start, EndHandle: end, UUID: uuid})
	}
	return c
}

func newCharacteristicCollector(connHandle uint8) *gattCollector {
	c := &gattCollector{connHandle: connHandle, recordEvt: evtAttClientFindInformationFound}
	c.onRecord = func(payload []byte) {
		if len(payload) < 4 {
			return
		}
		handle := binary.LittleEndian.Uint16(payload[1:3])
		uuidLen := int(payload[3])
		if len(payload) < 4+uuidLen {
			return
		}
		uuid := append([]byte(nil), payload[4:4+uuidLen]...)
		c.chars = append(c.chars, CharRecord{Handle: handle, UUID: uuid})
	}
	return c
}

func (c *gattCollector) HandleEvent(pkt Packet) (consumed, done bool) {
	if pkt.Class != ClassAttClient || len(pkt.Payload) < 1 {
		return false, false
	}
	if pkt.Payload[0] != c.connHandle {
		return false, false
	}

	switch pkt.Command {
	case c.recordEvt:
		c.onRecord(pkt.Payload)
		return true, false
	case evtAttClientProcedureCompleted:
		if len(pkt.Payload) >= 3 {
			code := binary.LittleEndian.Uint16(pkt.Payload[1:3])
			if code != 0 {
				c.procErr = fmt.Errorf("bgapi: gatt procedure failed, code=0x%04X", code)
			}
		}
		return true, true
	default:
		return false, false
	}
}

func (c *gattCollector) Result() Result {
	if c.procErr != nil {
		return Result{Success: false, Err: c.procErr}
	}
	if c.recordEvt == evtAttClientGroupFound {
		return Result{Success: true, Value: c.services}
	}
	return Result{Success: true, Value: c.chars}
}

// gattAttributeHandleRange is the full attribute-handle space, used to
// probe every service/characteristic on a freshly connected device
// rather than a caller-supplied sub-range — the adapter always
// discovers the whole GATT table at connect time.
const (
	gattHandleRangeStart uint16 = 0x0001
	gattHandleRangeEnd   uint16 = 0xFFFF
)

// primaryServiceUUID is the standard GATT "Primary Service" declaration
// UUID (0x2800), used as the attribute type filter for
// ProbeServices' read-by-group-type request.
var primaryServiceUUID = []byte{0x00, 0x28}

// ProbeServices builds the service-discovery command for an active
// connection handle. Its reply is deferred: the immediate ack only
// confirms the procedure started, and the collector accumulates
// ServiceRecord values until the dongle reports the procedure
// complete. timeout overrides the reply-wait budget; 0 keeps the
// built-in default.
func ProbeServices(connHandle uint8, timeout time.Duration) Command {
	payload := make([]byte, 0, 6)
	payload = append(payload, connHandle)
	payload = appendU16(payload, gattHandleRangeStart)
	payload = appendU16(payload, gattHandleRangeEnd)
	payload = append(payload, primaryServiceUUID...)

	return Command{
		Class:     ClassAttClient,
		Num:       cmdAttClientReadByGroupType,
		Payload:   payload,
		DecodeAck: resultCodeAck(1),
		Collector: newServiceCollector(connHandle),
		Timeout:   orDefault(timeout, 10*time.Second),
	}
}

// ProbeCharacteristics builds the characteristic-discovery command for
// an active connection handle, covering the full attribute-handle
// space. As with ProbeServices, completion is deferred to the
// collector and timeout overrides the reply-wait budget.
func ProbeCharacteristics(connHandle uint8, timeout time.Duration) Command {
	payload := make([]byte, 0, 5)
	payload = append(payload, connHandle)
	payload = appendU16(payload, gattHandleRangeStart)
	payload = appendU16(payload, gattHandleRangeEnd)

	return Command{
		Class:     ClassAttClient,
		Num:       cmdAttClientFindInformation,
		Payload:   payload,
		DecodeAck: resultCodeAck(1),
		Collector: newCharacteristicCollector(connHandle),
		Timeout:   orDefault(timeout, 10*time.Second),
	}
}

// EnableNotifications writes a characteristic's CCCD (Client
// Characteristic Configuration Descriptor) to turn on notify or
// indicate delivery. cccdHandle is the descriptor's own attribute
// handle, found immediately after its characteristic's value handle
// during ProbeCharacteristics — a full declaration pass covers the
// whole GATT table up front, so no separate descriptor-discovery
// round trip is needed before a CCCD write: CCCDs are always the next
// handle after the value declaration for this device family.
func EnableNotifications(connHandle uint8, cccdHandle uint16, value uint16) Command {
	payload := make([]byte, 0, 6)
	payload = append(payload, connHandle)
	payload = appendU16(payload, cccdHandle)
	payload = append(payload, 2) // value length: 2 bytes
	payload = appendU16(payload, value)

	return Command{
		Class:     ClassAttClient,
		Num:       cmdAttClientAttributeWrite,
		Payload:   payload,
		DecodeAck: resultCodeAck(1),
		Timeout:   4 * time.Second,
	}
}

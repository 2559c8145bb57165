package scan

import (
	"encoding/binary"
	"testing"

	"github.com/commatea/tileble-adapter/internal/bgapi"
)

func buildAdvertisement(addr [6]byte, addrType uint8, rssi int8, deviceUUID uint32, flags uint16) []byte {
	payload := []byte{byte(rssi), 0 /* packet_type advertisement */}
	payload = append(payload, addr[:]...)
	payload = append(payload, addrType, 0 /* bond */)

	advData := []byte{0, 0, 0} // 3 BLE flag bytes
	advData = append(advData, adStructureLength, adStructureTypeUUID128)
	advData = append(advData, TileBusServiceUUID[:]...)

	manu := make([]byte, 10)
	manu[0] = 8
	manu[1] = 0xFF // datatype, unchecked
	binary.LittleEndian.PutUint16(manu[2:4], 0x1234) // manu_id, unchecked
	binary.LittleEndian.PutUint32(manu[4:8], deviceUUID)
	binary.LittleEndian.PutUint16(manu[8:10], flags)
	advData = append(advData, manu...)

	return append(payload, advData...)
}

func buildScanResponse(addr [6]byte, voltageRaw, stream uint16, reading, readingTime, currentTime uint32) []byte {
	payload := []byte{0, 4 /* packet_type scan response */}
	payload = append(payload, addr[:]...)
	payload = append(payload, 0, 0)

	advData := make([]byte, 31)
	advData[0] = 29
	advData[1] = 0xFF
	binary.LittleEndian.PutUint16(advData[2:4], voltageRaw)
	binary.LittleEndian.PutUint16(advData[4:6], stream)
	binary.LittleEndian.PutUint32(advData[6:10], reading)
	binary.LittleEndian.PutUint32(advData[10:14], readingTime)
	binary.LittleEndian.PutUint32(advData[14:18], currentTime)

	return append(payload, advData...)
}

func TestAssemblerActiveModePairsAdvertisementAndScanResponse(t *testing.T) {
	addr := [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA} // AA:BB:CC:DD:EE:FF displayed

	var got []Discovery
	a := New(false, func(d Discovery) { got = append(got, d) })

	advPayload := buildAdvertisement(addr, 0, -40, 0x12345678, 0x0005)
	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 6, Command: 0, Payload: advPayload})
	if len(got) != 0 {
		t.Fatalf("advertisement alone fired on_scan in active mode: %+v", got)
	}

	respPayload := buildScanResponse(addr, 0x0280, 0x1001, 0x2A, 0x1000, 0x2000)
	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 6, Command: 0, Payload: respPayload})

	if len(got) != 1 {
		t.Fatalf("got %d on_scan invocations, want exactly 1", len(got))
	}
	d := got[0]
	if d.AddressString != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("AddressString = %q, want AA:BB:CC:DD:EE:FF", d.AddressString)
	}
	if d.DeviceUUID != 0x12345678 {
		t.Fatalf("DeviceUUID = %#x, want 0x12345678", d.DeviceUUID)
	}
	if !d.PendingData || d.LowVoltage || !d.UserConnected {
		t.Fatalf("flags = pending=%v low_voltage=%v user_connected=%v, want true,false,true", d.PendingData, d.LowVoltage, d.UserConnected)
	}
	if d.Voltage != 2.5 {
		t.Fatalf("Voltage = %v, want 2.5", d.Voltage)
	}
	if len(d.VisibleReadings) != 1 || d.VisibleReadings[0].StreamID != 0x1001 || d.VisibleReadings[0].Value != 0x2A || d.VisibleReadings[0].ReadingTime != 0x1000 {
		t.Fatalf("VisibleReadings = %+v, want one (0x1001, 0x1000, 0x2A) entry", d.VisibleReadings)
	}
	if _, stillPartial := a.partials[d.AddressString]; stillPartial {
		t.Fatal("partial entry not removed after completion")
	}
}

func TestAssemblerPassiveModeFiresImmediately(t *testing.T) {
	addr := [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}

	var got []Discovery
	a := New(true, func(d Discovery) { got = append(got, d) })

	advPayload := buildAdvertisement(addr, 0, -40, 0x12345678, 0x0005)
	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 6, Command: 0, Payload: advPayload})

	if len(got) != 1 {
		t.Fatalf("got %d on_scan invocations, want exactly 1", len(got))
	}
	if got[0].HasScanResponse {
		t.Fatal("passive-mode record unexpectedly reports a scan response")
	}
}

func TestAssemblerIgnoresNonTileBusAdvertisement(t *testing.T) {
	addr := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	called := false
	a := New(true, func(Discovery) { called = true })

	payload := []byte{0, 0}
	payload = append(payload, addr[:]...)
	payload = append(payload, 0, 0)
	advData := []byte{0, 0, 0, adStructureLength, adStructureTypeUUID128}
	var notTileBus [16]byte
	advData = append(advData, notTileBus[:]...)
	payload = append(payload, advData...)

	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 6, Command: 0, Payload: payload})
	if called {
		t.Fatal("on_scan fired for a non-TileBus service UUID")
	}
}

func TestAssemblerDropsMalformedAdStructure(t *testing.T) {
	addr := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	called := false
	a := New(true, func(Discovery) { called = true })

	payload := []byte{0, 0}
	payload = append(payload, addr[:]...)
	payload = append(payload, 0, 0)
	// Wrong AD length byte (should be 17).
	advData := []byte{0, 0, 0, 0xFF, adStructureTypeUUID128}
	advData = append(advData, TileBusServiceUUID[:]...)
	payload = append(payload, advData...)

	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 6, Command: 0, Payload: payload})
	if called {
		t.Fatal("on_scan fired despite a malformed AD structure length byte")
	}
}

func TestAssemblerIgnoresNonScanEvents(t *testing.T) {
	called := false
	a := New(true, func(Discovery) { called = true })

	a.HandleEvent(bgapi.Packet{Type: bgapi.MessageTypeEvent, Class: 3, Command: 4, Payload: []byte{1, 2, 3}})
	if called {
		t.Fatal("on_scan fired for a non-scan event")
	}
}

package bgapi

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		msgType    MessageType
		payloadLen int
		class      uint8
		command    uint8
	}{
		{MessageTypeCommand, 0, 0, 0},
		{MessageTypeEvent, 0, 6, 0},
		{MessageTypeCommand, 255, 4, 2},
		{MessageTypeEvent, 2047, 3, 4},
		{MessageTypeCommand, 1, 0xFF, 0xFF},
	}

	for _, c := range cases {
		h, err := EncodeHeader(c.msgType, c.payloadLen, c.class, c.command)
		if err != nil {
			t.Fatalf("EncodeHeader(%v, %d, %d, %d): %v", c.msgType, c.payloadLen, c.class, c.command, err)
		}

		gotType, gotLen, gotClass, gotCmd := DecodeHeader(h)
		if gotType != c.msgType || gotLen != c.payloadLen || gotClass != c.class || gotCmd != c.command {
			t.Fatalf("round trip mismatch: got (%v,%d,%d,%d), want (%v,%d,%d,%d)",
				gotType, gotLen, gotClass, gotCmd, c.msgType, c.payloadLen, c.class, c.command)
		}

		h2, err := EncodeHeader(gotType, gotLen, gotClass, gotCmd)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if h2 != h {
			t.Fatalf("encode(decode(h)) != h: got %v, want %v", h2, h)
		}
	}
}

func TestEncodeHeaderRejectsOversizePayload(t *testing.T) {
	if _, err := EncodeHeader(MessageTypeCommand, MaxPayloadLength+1, 0, 0); err == nil {
		t.Fatal("expected error for payload exceeding 11-bit field")
	}
}

func TestPacketEncode(t *testing.T) {
	p := Packet{Type: MessageTypeCommand, Class: 6, Command: 3, Payload: []byte{1, 2, 3}}
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x03, 0x06, 0x03, 0x01, 0x02, 0x03}
	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = %v, want %v", data, want)
	}
}

func TestEventClassification(t *testing.T) {
	scanEvt := Packet{Type: MessageTypeEvent, Class: 6, Command: 0}
	if !scanEvt.IsScanEvent() {
		t.Fatal("expected scan event classification")
	}
	if scanEvt.IsDisconnectEvent() {
		t.Fatal("scan event misclassified as disconnect")
	}

	discEvt := Packet{Type: MessageTypeEvent, Class: 3, Command: 4}
	if !discEvt.IsDisconnectEvent() {
		t.Fatal("expected disconnect event classification")
	}

	reply := Packet{Type: MessageTypeCommand, Class: 6, Command: 0}
	if reply.IsScanEvent() || reply.IsEvent() {
		t.Fatal("command reply misclassified as event")
	}
}

func TestCloseEvent(t *testing.T) {
	ce := CloseEvent()
	if !ce.IsCloseEvent() {
		t.Fatal("CloseEvent() does not self-identify via IsCloseEvent")
	}
	if ce.IsScanEvent() || ce.IsDisconnectEvent() {
		t.Fatal("CloseEvent collides with a real event classification")
	}
}

package bgapi

import (
	"net"
	"testing"
	"time"
)

func newTestProcessor(t *testing.T) (*Processor, net.Conn) {
	t.Helper()
	return newTestProcessorWithHandler(t, nil)
}

func newTestProcessorWithHandler(t *testing.T, handler func(Packet)) (*Processor, net.Conn) {
	t.Helper()
	clientSide, dongleSide := net.Pipe()
	stream := newStream(pipeConn{clientSide})
	p := NewProcessor(stream)
	if handler != nil {
		p.SetEventHandler(handler)
	}
	p.Start()
	t.Cleanup(p.Stop)
	return p, dongleSide
}

// readCommand reads one whole packet the processor wrote to the
// dongle side, failing the test on timeout.
func readCommand(t *testing.T, conn net.Conn) Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var header [HeaderLength]byte
	if _, err := ioReadFull(conn, header[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	msgType, payloadLen, class, command := DecodeHeader(header)
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := ioReadFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return Packet{Type: msgType, Class: class, Command: command, Payload: payload}
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeReply(t *testing.T, conn net.Conn, class, command uint8, payload []byte) {
	t.Helper()
	pkt := Packet{Type: MessageTypeCommand, Class: class, Command: command, Payload: payload}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write reply: %v", err)
	}
}

func writeEvent(t *testing.T, conn net.Conn, class, command uint8, payload []byte) {
	t.Helper()
	pkt := Packet{Type: MessageTypeEvent, Class: class, Command: command, Payload: payload}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func TestProcessorSyncRoundTrip(t *testing.T) {
	p, dongle := newTestProcessor(t)

	resultCh := make(chan Result, 1)
	go func() { resultCh <- p.Sync(Command{Class: 6, Num: 1, Payload: []byte{1}}) }()

	cmd := readCommand(t, dongle)
	if cmd.Class != 6 || cmd.Command != 1 {
		t.Fatalf("dongle saw %+v, want class=6 command=1", cmd)
	}
	writeReply(t, dongle, 6, 1, []byte{0x00, 0x00})

	result := <-resultCh
	if !result.Success {
		t.Fatalf("Sync() = %+v, want success", result)
	}
}

func TestProcessorEventsDoNotConsumeReply(t *testing.T) {
	events := make(chan Packet, 4)
	p, dongle := newTestProcessorWithHandler(t, func(pkt Packet) { events <- pkt })

	resultCh := make(chan Result, 1)
	go func() { resultCh <- p.Sync(Command{Class: 6, Num: 1}) }()

	readCommand(t, dongle)
	writeEvent(t, dongle, 3, 4, []byte{9, 0, 0}) // unrelated disconnect event
	writeReply(t, dongle, 6, 1, nil)

	result := <-resultCh
	if !result.Success {
		t.Fatalf("Sync() = %+v, want success", result)
	}

	select {
	case evt := <-events:
		if evt.Class != 3 || evt.Command != 4 {
			t.Fatalf("event = %+v, want disconnect event", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event handler never invoked")
	}
}

func TestProcessorTimeout(t *testing.T) {
	p, dongle := newTestProcessor(t)
	_ = dongle

	result := p.Sync(Command{Class: 6, Num: 1, Timeout: 30 * time.Millisecond})
	if result.Success || result.Err != ErrTimeout {
		t.Fatalf("Sync() = %+v, want ErrTimeout", result)
	}
}

func TestProcessorTransportLost(t *testing.T) {
	p, dongle := newTestProcessor(t)
	dongle.Close()

	result := p.Sync(Command{Class: 6, Num: 1})
	if result.Success {
		t.Fatalf("Sync() after transport close = %+v, want failure", result)
	}
}

// countingCollector is a minimal Collector used to test the multi-
// packet GATT-discovery path: it consumes events matching class 99
// and completes on command 0xFE.
type countingCollector struct {
	seen int
}

func (c *countingCollector) HandleEvent(pkt Packet) (consumed, done bool) {
	if pkt.Class != 99 {
		return false, false
	}
	if pkt.Command == 0xFE {
		return true, true
	}
	c.seen++
	return true, false
}

func (c *countingCollector) Result() Result {
	return Result{Success: true, Value: c.seen}
}

func TestProcessorCollectorAccumulatesUntilTerminator(t *testing.T) {
	p, dongle := newTestProcessor(t)

	coll := &countingCollector{}
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- p.Sync(Command{Class: 6, Num: 1, Collector: coll})
	}()

	readCommand(t, dongle)
	writeReply(t, dongle, 6, 1, nil) // ack arms the collector

	writeEvent(t, dongle, 99, 1, nil)
	writeEvent(t, dongle, 99, 1, nil)
	writeEvent(t, dongle, 99, 0xFE, nil) // terminator

	select {
	case result := <-resultCh:
		if !result.Success || result.Value.(int) != 2 {
			t.Fatalf("Sync() = %+v, want success with 2 collected events", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector command never completed")
	}
}

package bgapi

import (
	"io"
	"net"
	"testing"
	"time"
)

// pipeConn adapts a net.Conn half to io.ReadWriteCloser for newStream.
type pipeConn struct {
	net.Conn
}

func newTestStream(t *testing.T) (*Stream, net.Conn) {
	t.Helper()
	clientSide, testSide := net.Pipe()
	s := newStream(pipeConn{clientSide})
	t.Cleanup(func() { s.Stop() })
	return s, testSide
}

func TestStreamReadWholePacket(t *testing.T) {
	s, other := newTestStream(t)

	pkt := Packet{Type: MessageTypeEvent, Class: 6, Command: 0, Payload: []byte{1, 2, 3, 4}}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	go func() {
		// Dribble bytes in two pieces to exercise partial-read
		// accumulation.
		other.Write(data[:2])
		time.Sleep(5 * time.Millisecond)
		other.Write(data[2:])
	}()

	got, err := s.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got.Class != pkt.Class || got.Command != pkt.Command || string(got.Payload) != string(pkt.Payload) {
		t.Fatalf("ReadPacket() = %+v, want %+v", got, pkt)
	}
}

func TestStreamReadsMultiplePacketsInOrder(t *testing.T) {
	s, other := newTestStream(t)

	p1 := Packet{Type: MessageTypeCommand, Class: 0, Command: 1}
	p2 := Packet{Type: MessageTypeEvent, Class: 6, Command: 0, Payload: []byte{9}}

	d1, _ := p1.Encode()
	d2, _ := p2.Encode()

	go func() {
		other.Write(append(d1, d2...))
	}()

	got1, err := s.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket 1: %v", err)
	}
	if got1.Class != p1.Class || got1.Command != p1.Command {
		t.Fatalf("first packet = %+v, want %+v", got1, p1)
	}

	got2, err := s.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket 2: %v", err)
	}
	if got2.Class != p2.Class || got2.Command != p2.Command || string(got2.Payload) != string(p2.Payload) {
		t.Fatalf("second packet = %+v, want %+v", got2, p2)
	}
}

func TestStreamStopUnblocksReadPacket(t *testing.T) {
	s, _ := newTestStream(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadPacket()
		done <- err
	}()

	s.Stop()

	select {
	case err := <-done:
		if err != ErrStreamStopped {
			t.Fatalf("ReadPacket() error = %v, want %v", err, ErrStreamStopped)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadPacket did not unblock after Stop")
	}

	if s.StreamError() != nil {
		t.Fatalf("StreamError() = %v, want nil after clean Stop", s.StreamError())
	}
}

func TestStreamFailOnTransportErrorSetsStreamError(t *testing.T) {
	s, other := newTestStream(t)

	other.Close()

	_, err := s.ReadPacket()
	if err != ErrStreamStopped {
		t.Fatalf("ReadPacket() error = %v, want %v", err, ErrStreamStopped)
	}
	if s.StreamError() == nil {
		t.Fatal("StreamError() = nil, want a transport error after peer close")
	}
}

func TestExtractPacketIncomplete(t *testing.T) {
	_, rest, ok := extractPacket([]byte{0x00, 0x02})
	if ok {
		t.Fatal("extractPacket reported a full packet from 2 header bytes")
	}
	if len(rest) != 2 {
		t.Fatalf("extractPacket dropped bytes on incomplete header: rest=%v", rest)
	}
}

var _ io.ReadWriteCloser = pipeConn{}

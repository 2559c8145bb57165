package bgapi

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/commatea/tileble-adapter/pkg/tlmetrics"
	"go.bug.st/serial"
)

// ErrStreamStopped is the sentinel error ReadPacket returns, and the
// only error it ever returns, once Stop has been called or the
// underlying stream has failed unrecoverably. Callers distinguish a
// clean stop from a transport failure via StreamError (nil on a clean
// stop).
var ErrStreamStopped = errors.New("bgapi: stream stopped")

// SerialConfig describes how to open the dongle's serial device.
// 256000-8N1 with the RTS line asserted and a 10ms read timeout are
// this dongle model's fixed wire parameters (CTS-gated hardware flow
// control is not configured on the port) — they are not
// configurable per deployment, unlike a general-purpose serial
// transport's baud/parity/stopbits knobs, because this adapter only
// ever talks to one dongle model.
type SerialConfig struct {
	Port string
}

// dialSerial opens the BLED112's serial device with its fixed link
// parameters.
func dialSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: 256000,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("bgapi: open %s: %w", cfg.Port, err)
	}

	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("bgapi: assert RTS on %s: %w", cfg.Port, err)
	}

	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("bgapi: set read timeout on %s: %w", cfg.Port, err)
	}

	return port, nil
}

// Stream wraps a byte-oriented, timeout-tolerant ReadWriter and turns
// it into a sequence of whole BGAPI packets. A dedicated reader
// goroutine accumulates bytes until a full header is present, then
// the exact remaining payload, and never delivers a partial packet.
// Writes are serialized and atomic at packet granularity.
type Stream struct {
	rw io.ReadWriteCloser

	writeMu sync.Mutex

	packets chan Packet
	done    chan struct{}
	stopped chan struct{}
	stopOne sync.Once

	mu        sync.Mutex
	streamErr error
}

// Open dials the dongle's serial port and starts the reader goroutine.
func Open(cfg SerialConfig) (*Stream, error) {
	rw, err := dialSerial(cfg)
	if err != nil {
		return nil, err
	}
	return newStream(rw), nil
}

// newStream wraps an already-open ReadWriteCloser — the constructor
// tests use to substitute an in-memory pipe for the real serial port.
func newStream(rw io.ReadWriteCloser) *Stream {
	s := &Stream{
		rw:      rw,
		packets: make(chan Packet, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// NewStream exposes newStream to other packages' tests, so that
// higher layers (connmgr, the adapter facade) can drive a Processor
// over an in-memory net.Pipe instead of a real serial port.
func NewStream(rw io.ReadWriteCloser) *Stream {
	return newStream(rw)
}

// Write sends one whole packet. Safe to call concurrently with itself
// (the dongle worker is the only writer in practice, but the lock
// makes that a property, not an assumption).
func (s *Stream) Write(p Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.rw.Write(data)
	if err != nil {
		s.fail(fmt.Errorf("bgapi: write: %w", err))
		return err
	}
	return nil
}

// ReadPacket blocks until the next whole packet is available, the
// stream is stopped, or the stream fails. On stop/failure it returns
// ErrStreamStopped; call StreamError to find out which.
func (s *Stream) ReadPacket() (Packet, error) {
	select {
	case p, ok := <-s.packets:
		if !ok {
			return Packet{}, ErrStreamStopped
		}
		return p, nil
	case <-s.stopped:
		return Packet{}, ErrStreamStopped
	}
}

// StreamError returns the transport failure that caused the stream to
// stop, or nil if Stop was called without any I/O error.
func (s *Stream) StreamError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Stop is idempotent; it unblocks every current and future ReadPacket
// call with the terminal sentinel.
func (s *Stream) Stop() {
	s.stopOne.Do(func() {
		close(s.done)
		s.rw.Close()
		close(s.stopped)
	})
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.streamErr == nil {
		s.streamErr = err
	}
	s.mu.Unlock()
	s.Stop()
}

// readLoop accumulates bytes from the wire and emits whole packets in
// the exact order they were received. Each read takes whatever is
// available, up to a 4096-byte chunk, tolerating short reads from the
// port's 10ms timeout; every whole packet the buffer then holds is
// emitted, and any trailing partial packet waits for more bytes.
func (s *Stream) readLoop() {
	defer close(s.packets)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.rw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				// Short read from the port's read deadline; keep
				// whatever partial bytes we have and try again.
			} else {
				s.fail(fmt.Errorf("bgapi: read: %w", err))
				return
			}
		}

		for {
			pkt, rest, ok := extractPacket(buf)
			if !ok {
				buf = rest
				break
			}
			buf = rest

			select {
			case s.packets <- pkt:
				tlmetrics.PacketsFramed.WithLabelValues(pkt.Type.String()).Inc()
			case <-s.done:
				return
			}
		}
	}
}

// extractPacket tries to pull one whole packet off the front of buf.
// ok is false when buf doesn't yet hold a full packet; rest is always
// what remains of buf after any bytes consumed.
func extractPacket(buf []byte) (pkt Packet, rest []byte, ok bool) {
	if len(buf) < HeaderLength {
		return Packet{}, buf, false
	}

	var header [HeaderLength]byte
	copy(header[:], buf[:HeaderLength])
	msgType, payloadLen, class, command := DecodeHeader(header)

	total := HeaderLength + payloadLen
	if len(buf) < total {
		return Packet{}, buf, false
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderLength:total])

	pkt = Packet{
		Type:    msgType,
		Class:   class,
		Command: command,
		Payload: payload,
	}
	return pkt, buf[total:], true
}

// isTimeout reports whether err is the kind of short-read timeout a
// 10ms serial read deadline produces, as opposed to a real transport
// failure. go.bug.st/serial itself returns (0, nil) on a plain read
// timeout rather than an error; this only matters for os.File-backed
// readers (tests, or platforms where the driver surfaces a deadline
// error instead of a zero-byte read).
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

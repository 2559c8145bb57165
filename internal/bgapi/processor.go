package bgapi

import (
	"errors"
	"sync"
	"time"

	"github.com/commatea/tileble-adapter/pkg/tlmetrics"
	"github.com/commatea/tileble-adapter/pkg/tlog"
)

// ErrTimeout is returned in Result.Err when a command's reply does not
// arrive within its budget.
var ErrTimeout = errors.New("bgapi: command timed out")

// ErrTransportLost is returned in Result.Err, to every outstanding and
// future command, once the underlying stream has failed.
var ErrTransportLost = errors.New("bgapi: transport lost")

// DefaultCommandTimeout bounds any command that doesn't set its own
// Command.Timeout.
const DefaultCommandTimeout = 2 * time.Second

// Collector accumulates the partial results of a multi-packet GATT
// procedure (service or characteristic discovery) alongside an
// in-flight command: a nested state machine inside the Command
// Processor that gathers partial results until a terminator event
// arrives and only then posts the final reply. HandleEvent is only
// ever invoked on the dongle worker goroutine.
type Collector interface {
	// HandleEvent inspects an event that arrived while this
	// collector is armed. consumed reports whether the event
	// belonged to this procedure (and must not also reach the
	// general event handler); done reports whether the terminating
	// event has been seen.
	HandleEvent(pkt Packet) (consumed, done bool)

	// Result produces the final outcome once HandleEvent has
	// reported done.
	Result() Result
}

// Command is one outgoing BGAPI command.
type Command struct {
	Class   uint8
	Num     uint8
	Payload []byte

	// Timeout overrides DefaultCommandTimeout.
	Timeout time.Duration

	// DecodeAck turns the dongle's immediate reply payload into a
	// Result. nil means "any reply is success, payload verbatim" —
	// adequate for commands with no interesting ack fields.
	DecodeAck func(payload []byte) Result

	// Collector, if set, defers completion past the immediate ack:
	// the ack only arms the collector (or fails the command outright
	// if the ack itself reports failure); completion happens when
	// the collector reports done.
	Collector Collector
}

// Result is what a command eventually produces, delivered to the
// caller's onReply on the worker goroutine — directly via Async, or
// through the blocking latch Sync builds over it.
type Result struct {
	Success bool
	Value   any
	Err     error
}

type pendingCmd struct {
	cmd     Command
	onReply func(Result)
}

type inflightState struct {
	pending     *pendingCmd
	awaitingAck bool
	collector   Collector
	timer       *time.Timer
}

// Processor owns the dongle: it serializes outgoing commands onto a
// single worker goroutine, correlates each with its reply, and routes
// unsolicited events to a registered handler. Exactly one command is
// ever outstanding on the wire at a time, matching the dongle's own
// serialization.
type Processor struct {
	stream *Stream
	log    *tlog.Logger

	mu           sync.Mutex
	queue        []*pendingCmd
	submitSignal chan struct{}

	eventHandler func(Packet)

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewProcessor builds a Processor over an already-open Stream. Call
// Start to launch its worker goroutine.
func NewProcessor(stream *Stream) *Processor {
	return &Processor{
		stream:       stream,
		log:          tlog.Global().Component("bgapi.processor"),
		submitSignal: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetEventHandler registers the function invoked for every unsolicited
// event packet (scan events, disconnect events, anything not claimed
// by a collector). Must be called before Start.
func (p *Processor) SetEventHandler(handler func(Packet)) {
	p.eventHandler = handler
}

// Start launches the worker goroutine.
func (p *Processor) Start() {
	go p.run()
}

// Stop idempotently shuts the worker down: it stops the stream it was
// given, outstanding and queued commands fail with ErrTransportLost,
// and the worker exits. Stop is a clean shutdown, not a transport
// failure: it closes stopCh before stopping the stream.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		// Unblock the reader goroutine's in-flight ReadPacket call;
		// the Processor owns the lifetime of the stream it was given.
		p.stream.Stop()
	})
	<-p.doneCh
}

// Sync enqueues cmd and blocks until its result is available.
func (p *Processor) Sync(cmd Command) Result {
	ch := make(chan Result, 1)
	p.Async(cmd, func(r Result) { ch <- r })
	return <-ch
}

// Async enqueues cmd; onReply is invoked on the worker goroutine once
// the command completes (after the ack for simple commands, after the
// terminator event for collector commands).
func (p *Processor) Async(cmd Command, onReply func(Result)) {
	p.mu.Lock()
	p.queue = append(p.queue, &pendingCmd{cmd: cmd, onReply: onReply})
	p.mu.Unlock()

	select {
	case p.submitSignal <- struct{}{}:
	default:
	}
}

func (p *Processor) run() {
	defer close(p.doneCh)

	packets := make(chan Packet)
	readerDone := make(chan error, 1)
	go func() {
		for {
			pkt, err := p.stream.ReadPacket()
			if err != nil {
				readerDone <- p.stream.StreamError()
				return
			}
			select {
			case packets <- pkt:
			case <-p.stopCh:
				return
			}
		}
	}()

	var inFlight *inflightState

	for {
		if inFlight == nil {
			if next := p.popQueue(); next != nil {
				inFlight = p.dispatch(next)
			}
		}

		var timeoutC <-chan time.Time
		if inFlight != nil {
			timeoutC = inFlight.timer.C
		}

		select {
		case <-p.stopCh:
			p.drain(inFlight, ErrTransportLost)
			return

		case transportErr := <-readerDone:
			if transportErr == nil {
				transportErr = ErrTransportLost
			}
			p.drain(inFlight, transportErr)
			if p.eventHandler != nil {
				p.eventHandler(CloseEvent())
			}
			return

		case pkt := <-packets:
			inFlight = p.handlePacket(inFlight, pkt)

		case <-timeoutC:
			tlmetrics.CommandsCompleted.WithLabelValues(tlmetrics.OutcomeTimeout).Inc()
			inFlight.timer.Stop()
			pending := inFlight.pending
			inFlight = nil
			pending.onReply(Result{Success: false, Err: ErrTimeout})

		case <-p.submitSignal:
			// loop back around; top of loop will pick up the queue
		}
	}
}

func (p *Processor) popQueue() *pendingCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next
}

func (p *Processor) dispatch(pc *pendingCmd) *inflightState {
	err := p.stream.Write(Packet{
		Type:    MessageTypeCommand,
		Class:   pc.cmd.Class,
		Command: pc.cmd.Num,
		Payload: pc.cmd.Payload,
	})
	if err != nil {
		tlmetrics.CommandsCompleted.WithLabelValues(tlmetrics.OutcomeTransportLost).Inc()
		pc.onReply(Result{Success: false, Err: ErrTransportLost})
		return nil
	}

	timeout := pc.cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	return &inflightState{
		pending:     pc,
		awaitingAck: true,
		collector:   pc.cmd.Collector,
		timer:       time.NewTimer(timeout),
	}
}

func (p *Processor) handlePacket(inFlight *inflightState, pkt Packet) *inflightState {
	if pkt.IsEvent() {
		return p.handleEvent(inFlight, pkt)
	}
	return p.handleReply(inFlight, pkt)
}

func (p *Processor) handleEvent(inFlight *inflightState, pkt Packet) *inflightState {
	if inFlight != nil && inFlight.collector != nil && !inFlight.awaitingAck {
		consumed, done := inFlight.collector.HandleEvent(pkt)
		if done {
			inFlight.timer.Stop()
			pending := inFlight.pending
			result := inFlight.collector.Result()
			outcome := tlmetrics.OutcomeOK
			if !result.Success {
				outcome = tlmetrics.OutcomeRejected
			}
			tlmetrics.CommandsCompleted.WithLabelValues(outcome).Inc()
			pending.onReply(result)
			return nil
		}
		if consumed {
			return inFlight
		}
	}

	if p.eventHandler != nil {
		p.eventHandler(pkt)
	}
	return inFlight
}

func (p *Processor) handleReply(inFlight *inflightState, pkt Packet) *inflightState {
	if inFlight == nil {
		p.log.Warn("reply packet with no in-flight command", "class", pkt.Class, "command", pkt.Command)
		return nil
	}
	if !inFlight.awaitingAck {
		p.log.Warn("reply packet received mid-collection", "class", pkt.Class, "command", pkt.Command)
		return inFlight
	}

	inFlight.awaitingAck = false

	decode := inFlight.pending.cmd.DecodeAck
	var ack Result
	if decode != nil {
		ack = decode(pkt.Payload)
	} else {
		ack = Result{Success: true, Value: pkt.Payload}
	}

	if inFlight.collector == nil || !ack.Success {
		inFlight.timer.Stop()
		pending := inFlight.pending
		outcome := tlmetrics.OutcomeOK
		if !ack.Success {
			outcome = tlmetrics.OutcomeRejected
		}
		tlmetrics.CommandsCompleted.WithLabelValues(outcome).Inc()
		pending.onReply(ack)
		return nil
	}

	// Ack succeeded and a collector is armed: stay in-flight until
	// the terminator event arrives.
	return inFlight
}

// drain fails every queued command and, if present, the in-flight one
// with err. Called on Stop and on transport failure.
func (p *Processor) drain(inFlight *inflightState, err error) {
	if inFlight != nil {
		inFlight.timer.Stop()
		inFlight.pending.onReply(Result{Success: false, Err: err})
	}

	for {
		next := p.popQueue()
		if next == nil {
			return
		}
		next.onReply(Result{Success: false, Err: err})
	}
}

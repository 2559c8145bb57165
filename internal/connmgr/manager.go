package connmgr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/commatea/tileble-adapter/internal/bgapi"
	"github.com/commatea/tileble-adapter/internal/scan"
	"github.com/commatea/tileble-adapter/pkg/tlmetrics"
	"github.com/commatea/tileble-adapter/pkg/tlog"
)

// ScanController is the thin slice of scanning control the manager
// needs: the dongle cannot scan and connect at the same time, so
// Connect stops an in-progress scan first.
type ScanController interface {
	Scanning() bool
	StopScan()
}

// connState adds the two sync.Once guards that make each connection
// attempt's completion callback fire exactly once no matter which of
// several racing paths gets there first.
type connState struct {
	*Connection
	connectOnce    sync.Once
	disconnectOnce sync.Once
}

// Manager owns the active-connection table and drives every handle's
// connect → probe → connected state machine. Its methods are safe to
// call from any goroutine; replies from the Command Processor arrive
// on its single worker goroutine and are routed back in here via the
// callbacks passed to Async.
type Manager struct {
	proc   *bgapi.Processor
	scanCtl ScanController
	log    *tlog.Logger

	onDisconnect DisconnectCallback

	connectTimeout time.Duration
	probeTimeout   time.Duration

	mu              sync.Mutex
	active          map[uint8]*connState
	connectingCount int
	maxConnections  uint8
}

// NewManager builds a Manager. maxConnections is normally learned at
// init time via the system-state query and set with SetMaxConnections.
// connectTimeout and probeTimeout bound the connect and GATT-probe
// commands issued during the connect flow; 0 keeps bgapi's own
// defaults.
func NewManager(proc *bgapi.Processor, scanCtl ScanController, onDisconnect DisconnectCallback, connectTimeout, probeTimeout time.Duration) *Manager {
	return &Manager{
		proc:           proc,
		scanCtl:        scanCtl,
		log:            tlog.Global().Component("connmgr"),
		onDisconnect:   onDisconnect,
		connectTimeout: connectTimeout,
		probeTimeout:   probeTimeout,
		active:         make(map[uint8]*connState),
		maxConnections: 1,
	}
}

// SetMaxConnections records the dongle's simultaneous-connection limit.
func (m *Manager) SetMaxConnections(n uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxConnections = n
}

// CanConnect reports whether the active-connection table has room.
// Advisory only — the dongle's own busy reply is the hard gate.
func (m *Manager) CanConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint8(len(m.active)) < m.maxConnections
}

// ActiveCount returns the number of connections currently established
// or being prepared.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ConnectingCount returns the number of connect attempts currently in
// flight.
func (m *Manager) ConnectingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectingCount
}

// Lookup returns a snapshot of a connected handle's GATT table by
// connection_id, for advanced callers (e.g. EnableRPCs) that only
// kept the caller-assigned ID around.
func (m *Manager) Lookup(connID string) (handle uint8, services map[string]Service, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.active {
		if cs.ConnID == connID {
			snapshot := make(map[string]Service, len(cs.Services))
			for k, v := range cs.Services {
				snapshot[k] = v
			}
			return cs.Handle, snapshot, true
		}
	}
	return 0, nil, false
}

// ParseConnectionString decodes the facade's connection-string format,
// "AA:BB:CC:DD:EE:FF" or "AA:BB:CC:DD:EE:FF/random" (default "public"),
// into wire-order address bytes and an address-type byte.
func ParseConnectionString(s string) (addr [6]byte, addrType uint8, err error) {
	mac := s
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		mac = s[:idx]
		switch s[idx+1:] {
		case "random":
			addrType = 1
		case "public":
			addrType = 0
		default:
			return addr, 0, fmt.Errorf("connmgr: unknown address type %q", s[idx+1:])
		}
	}

	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return addr, 0, fmt.Errorf("connmgr: malformed address %q", s)
	}
	// Display order is most-significant byte first; the wire wants
	// least-significant first.
	for i := 0; i < 6; i++ {
		b, err := strconv.ParseUint(parts[5-i], 16, 8)
		if err != nil {
			return addr, 0, fmt.Errorf("connmgr: malformed address %q: %w", s, err)
		}
		addr[i] = byte(b)
	}
	return addr, addrType, nil
}

// Connect submits a connect attempt for connString, driving it through
// service and characteristic discovery before invoking cb with the
// final outcome. cb is invoked exactly once.
func (m *Manager) Connect(connString, connID string, cb ConnectCallback) {
	addr, addrType, err := ParseConnectionString(connString)
	if err != nil {
		cb(connID, false, err.Error(), false)
		return
	}

	if m.scanCtl.Scanning() {
		m.scanCtl.StopScan()
	}

	m.mu.Lock()
	m.connectingCount++
	tlmetrics.ConnectingCount.Set(float64(m.connectingCount))
	m.mu.Unlock()

	m.proc.Async(bgapi.Connect(addr, addrType, m.connectTimeout), func(result bgapi.Result) {
		m.onConnectReply(result, connID, cb)
	})
}

func (m *Manager) onConnectReply(result bgapi.Result, connID string, cb ConnectCallback) {
	if !result.Success {
		m.mu.Lock()
		m.connectingCount--
		tlmetrics.ConnectingCount.Set(float64(m.connectingCount))
		m.mu.Unlock()
		outcome := tlmetrics.OutcomeRejected
		if errors.Is(result.Err, bgapi.ErrTimeout) {
			outcome = tlmetrics.OutcomeTimeout
		}
		tlmetrics.ConnectAttempts.WithLabelValues(outcome).Inc()
		cb(connID, false, describeErr(result.Err), false)
		return
	}

	cr := result.Value.(bgapi.ConnectResult)
	cs := &connState{Connection: &Connection{
		Handle:       cr.Handle,
		ConnID:       connID,
		State:        StatePreparing,
		Services:     make(map[string]Service),
		connectCB:    cb,
		TConnectStart: time.Now(),
	}}
	cs.disconnectHandler = func(reason string) {
		m.finishConnectFailure(cs, reason, tlmetrics.OutcomeEarlyDisconnect)
	}

	m.mu.Lock()
	m.active[cr.Handle] = cs
	m.mu.Unlock()

	m.probeServices(cs)
}

func (m *Manager) probeServices(cs *connState) {
	m.proc.Async(bgapi.ProbeServices(cs.Handle, m.probeTimeout), func(result bgapi.Result) {
		m.onServicesReply(cs, result)
	})
}

func (m *Manager) onServicesReply(cs *connState, result bgapi.Result) {
	if !m.stillPreparing(cs) {
		return
	}
	if !result.Success {
		m.failProbe(cs, "services discovery failed: "+describeErr(result.Err))
		return
	}

	records := result.Value.([]bgapi.ServiceRecord)
	m.mu.Lock()
	for _, s := range records {
		cs.Services[hexUUID(s.UUID)] = Service{
			StartHandle:     s.StartHandle,
			EndHandle:       s.EndHandle,
			Characteristics: make(map[string]Characteristic),
		}
	}
	cs.TServicesDone = time.Now()
	m.mu.Unlock()

	m.probeCharacteristics(cs)
}

func (m *Manager) probeCharacteristics(cs *connState) {
	m.proc.Async(bgapi.ProbeCharacteristics(cs.Handle, m.probeTimeout), func(result bgapi.Result) {
		m.onCharacteristicsReply(cs, result)
	})
}

func (m *Manager) onCharacteristicsReply(cs *connState, result bgapi.Result) {
	if !m.stillPreparing(cs) {
		return
	}
	if !result.Success {
		m.failProbe(cs, "characteristic discovery failed: "+describeErr(result.Err))
		return
	}

	records := result.Value.([]bgapi.CharRecord)

	m.mu.Lock()
	assignCharacteristics(cs.Services, records)
	_, hasTileBus := cs.Services[hexUUID(scan.TileBusServiceUUID[:])]
	if hasTileBus {
		cs.TCharacteristicsDone = time.Now()
		cs.State = StateConnected
		cs.disconnectHandler = nil
	}
	m.mu.Unlock()

	if !hasTileBus {
		m.failProbe(cs, "TileBus service not present")
		return
	}

	m.finishConnectSuccess(cs)
}

// stillPreparing reports whether cs is still live and in the preparing
// state — false means a spontaneous disconnect (or some other race)
// already resolved this attempt, and the caller's probe reply is now
// stale and must be silently discarded.
func (m *Manager) stillPreparing(cs *connState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[cs.Handle]
	return ok && cs.State == StatePreparing
}

func (m *Manager) failProbe(cs *connState, reason string) {
	m.mu.Lock()
	cs.FailureReason = reason
	m.mu.Unlock()

	m.proc.Async(bgapi.Disconnect(cs.Handle), func(bgapi.Result) {
		m.finishConnectFailure(cs, reason, tlmetrics.OutcomeRejected)
	})
}

func (m *Manager) finishConnectSuccess(cs *connState) {
	cs.connectOnce.Do(func() {
		m.mu.Lock()
		m.connectingCount--
		tlmetrics.ConnectingCount.Set(float64(m.connectingCount))
		tlmetrics.ActiveConnections.Set(float64(len(m.active)))
		m.mu.Unlock()
		tlmetrics.ConnectAttempts.WithLabelValues(tlmetrics.OutcomeOK).Inc()
		tlmetrics.ConnectLatency.Observe(time.Since(cs.TConnectStart).Seconds())
		cs.connectCB(cs.ConnID, true, "", false)
	})
}

func (m *Manager) finishConnectFailure(cs *connState, reason, outcome string) {
	earlyDisconnect := outcome == tlmetrics.OutcomeEarlyDisconnect
	cs.connectOnce.Do(func() {
		m.mu.Lock()
		delete(m.active, cs.Handle)
		m.connectingCount--
		tlmetrics.ConnectingCount.Set(float64(m.connectingCount))
		tlmetrics.ActiveConnections.Set(float64(len(m.active)))
		m.mu.Unlock()
		tlmetrics.ConnectAttempts.WithLabelValues(outcome).Inc()
		cs.connectCB(cs.ConnID, false, reason, earlyDisconnect)
	})
}

// Disconnect locates connID among the active connections and tears it
// down. If connID is unknown, cb is invoked synchronously — this is a
// caller programming error, not a dongle round trip.
func (m *Manager) Disconnect(connID string, cb DisconnectCallback) {
	m.mu.Lock()
	var cs *connState
	for _, c := range m.active {
		if c.ConnID == connID {
			cs = c
			break
		}
	}
	if cs == nil {
		m.mu.Unlock()
		cb(connID, 0, false, "Invalid connection_id")
		return
	}
	cs.State = StateDisconnecting
	cs.disconnectCB = cb
	m.mu.Unlock()

	m.proc.Async(bgapi.Disconnect(cs.Handle), func(result bgapi.Result) {
		reason := "No reason given"
		if !result.Success {
			reason = describeErr(result.Err)
		}
		m.finishDisconnect(cs, result.Success, reason)
	})
}

// DisconnectSync blocks until connID has been torn down.
func (m *Manager) DisconnectSync(connID string) (handle uint8, ok bool, reason string) {
	done := make(chan struct{})
	m.Disconnect(connID, func(_ string, h uint8, o bool, r string) {
		handle, ok, reason = h, o, r
		close(done)
	})
	<-done
	return
}

func (m *Manager) finishDisconnect(cs *connState, ok bool, reason string) {
	cs.disconnectOnce.Do(func() {
		m.mu.Lock()
		delete(m.active, cs.Handle)
		tlmetrics.ActiveConnections.Set(float64(len(m.active)))
		m.mu.Unlock()
		// A connect attempt torn down while still preparing never reaches
		// finishConnectSuccess; resolve its callback here. connectOnce
		// makes this a no-op for a connection that already succeeded.
		m.finishConnectFailure(cs, "disconnected during connection setup", tlmetrics.OutcomeRejected)
		cs.disconnectCB(cs.ConnID, cs.Handle, ok, reason)
	})
}

// HandleDisconnectEvent processes a spontaneous disconnect event
// (class=3, cmd=4) from the dongle.
func (m *Manager) HandleDisconnectEvent(pkt bgapi.Packet) {
	if !pkt.IsDisconnectEvent() || len(pkt.Payload) < 3 {
		return
	}
	handle := pkt.Payload[0]
	reasonCode := uint16(pkt.Payload[1]) | uint16(pkt.Payload[2])<<8

	m.mu.Lock()
	cs, ok := m.active[handle]
	state := StateZombie
	if ok {
		state = cs.State
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("disconnect event for unknown handle", "handle", handle)
		return
	}

	switch state {
	case StatePreparing:
		reason := cs.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("Early disconnect, reason=0x%04X", reasonCode)
		}
		if cs.disconnectHandler != nil {
			cs.disconnectHandler(reason)
		} else {
			m.finishConnectFailure(cs, reason, tlmetrics.OutcomeEarlyDisconnect)
		}
	case StateConnected:
		m.mu.Lock()
		delete(m.active, handle)
		tlmetrics.ActiveConnections.Set(float64(len(m.active)))
		m.mu.Unlock()
		m.onDisconnect(cs.ConnID, handle, false, fmt.Sprintf("reason=0x%04X", reasonCode))
	case StateDisconnecting:
		m.finishDisconnect(cs, true, fmt.Sprintf("reason=0x%04X", reasonCode))
	default:
		m.mu.Lock()
		delete(m.active, handle)
		m.mu.Unlock()
	}
}

// Stop disconnects every active handle synchronously, iterating a
// snapshot rather than the live map — HandleDisconnectEvent and
// finishDisconnect mutate the map concurrently as each disconnect
// completes.
func (m *Manager) Stop() {
	m.mu.Lock()
	snapshot := make([]*connState, 0, len(m.active))
	for _, cs := range m.active {
		snapshot = append(snapshot, cs)
	}
	m.mu.Unlock()

	for _, cs := range snapshot {
		m.DisconnectSync(cs.ConnID)
	}
}

// describeErr renders a bgapi-layer error for a user-facing reason
// string; nil becomes "unknown error" rather than "<nil>".
func describeErr(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func hexUUID(uuid []byte) string {
	return fmt.Sprintf("%x", uuid)
}

// assignCharacteristics walks the flat (handle, uuid) records a
// find-information procedure returns and slots each discovered
// characteristic value into the service whose handle range contains
// it. Declaration (0x2803) and CCCD (0x2902) records bracket each
// characteristic's value handle for this device family: value = decl
// handle + 1, and an immediately following CCCD record (if present) is
// that value's config handle.
func assignCharacteristics(services map[string]Service, records []bgapi.CharRecord) {
	declUUID := hexUUID([]byte{0x03, 0x28})
	cccdUUID := hexUUID([]byte{0x02, 0x29})

	for i := 0; i < len(records); i++ {
		rec := records[i]
		if hexUUID(rec.UUID) != declUUID {
			continue
		}
		if i+1 >= len(records) {
			break
		}
		value := records[i+1]

		svcKey, svc, found := findServiceForHandle(services, value.Handle)
		if !found {
			continue
		}

		ch := Characteristic{ValueHandle: value.Handle}
		if i+2 < len(records) && hexUUID(records[i+2].UUID) == cccdUUID {
			ch.ConfigHandle = records[i+2].Handle
		}

		svc.Characteristics[hexUUID(value.UUID)] = ch
		services[svcKey] = svc
	}
}

func findServiceForHandle(services map[string]Service, handle uint16) (key string, svc Service, ok bool) {
	for k, s := range services {
		if handle >= s.StartHandle && handle <= s.EndHandle {
			return k, s, true
		}
	}
	return "", Service{}, false
}

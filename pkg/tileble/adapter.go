// Package tileble is the public facade over the BLE transport adapter:
// scanning, connecting, and GATT discovery against a fleet of TileBus
// devices reached through one BGAPI dongle on one serial port.
package tileble

import (
	"fmt"
	"sync"

	"github.com/commatea/tileble-adapter/internal/bgapi"
	"github.com/commatea/tileble-adapter/internal/connmgr"
	"github.com/commatea/tileble-adapter/internal/diag"
	"github.com/commatea/tileble-adapter/internal/scan"
	"github.com/commatea/tileble-adapter/pkg/tlconfig"
	"github.com/commatea/tileble-adapter/pkg/tlmetrics"
	"github.com/commatea/tileble-adapter/pkg/tlog"
)

// RPC characteristic UUIDs required for enable_rpcs. Fixed per device
// class, not discovered — the facade just needs their notify
// descriptors, found during the connect-time characteristic probe.
var (
	rpcCommandCharUUID  = []byte{0x01, 0x00, 0xf0, 0x2a, 0x6c, 0x77, 0x0b, 0x99, 0x95, 0x1f, 0x4f, 0x22, 0x35, 0xb4, 0x99, 0x7e}
	rpcResponseCharUUID = []byte{0x02, 0x00, 0xf0, 0x2a, 0x6c, 0x77, 0x0b, 0x99, 0x95, 0x1f, 0x4f, 0x22, 0x35, 0xb4, 0x99, 0x7e}
)

// Adapter is the stable surface used by the device-session layer. All
// methods are safe to call concurrently.
type Adapter struct {
	cfg    tlconfig.AdapterConfig
	log    *tlog.Logger
	stream *bgapi.Stream
	proc   *bgapi.Processor
	scan   *scan.Assembler
	conns  *connmgr.Manager
	journal *diag.Journal

	mu          sync.Mutex
	scanning    bool
	activeScan  bool
	maxConns    uint8

	scanListeners       []func(scan.Discovery)
	disconnectListeners []func(connID string, handle uint8, clean bool, reason string)

	stopOnce sync.Once
}

// Open dials the dongle's serial port, performs the system-state
// handshake (learns max_connections, tears down any handles the
// dongle already had active from a previous, uncleanly-terminated
// process), and returns a ready-to-use Adapter.
func Open(cfg tlconfig.AdapterConfig) (*Adapter, error) {
	stream, err := bgapi.Open(bgapi.SerialConfig{Port: cfg.SerialPort})
	if err != nil {
		return nil, newError(KindTransportLost, err.Error())
	}
	return openWithStream(cfg, stream)
}

// openWithStream does everything Open does past the serial dial; split
// out so tests can substitute an in-memory Stream for the real port.
func openWithStream(cfg tlconfig.AdapterConfig, stream *bgapi.Stream) (*Adapter, error) {
	a := &Adapter{
		cfg:    cfg,
		log:    tlog.Global().Component("tileble.adapter"),
		stream: stream,
		proc:   bgapi.NewProcessor(stream),
	}

	if cfg.DiagnosticsPath != "" {
		j, err := diag.Open(cfg.DiagnosticsPath)
		if err != nil {
			a.log.Warn("diagnostics journal unavailable", "error", err)
		} else {
			a.journal = j
		}
	}

	a.scan = scan.New(cfg.PassiveScan, a.dispatchScan)
	a.conns = connmgr.NewManager(a.proc, a, a.dispatchDisconnect, cfg.ConnectTimeout, cfg.ProbeTimeout)

	a.proc.SetEventHandler(a.handleEvent)
	a.proc.Start()

	if err := a.initializeSystem(); err != nil {
		a.proc.Stop()
		return nil, err
	}

	return a, nil
}

func (a *Adapter) initializeSystem() error {
	result := a.proc.Sync(bgapi.QuerySystemState())
	if !result.Success {
		return newErrorFromResult(result, KindTransportLost, "system state query failed: "+describeResultErr(result))
	}

	state := result.Value.(bgapi.SystemState)
	a.mu.Lock()
	a.maxConns = state.MaxConnections
	a.mu.Unlock()
	a.conns.SetMaxConnections(state.MaxConnections)

	// Residual handles from a previous, uncleanly-terminated process:
	// disconnect every one before accepting user commands.
	for _, handle := range state.ActiveHandles {
		res := a.proc.Sync(bgapi.Disconnect(handle))
		if !res.Success {
			a.log.Warn("failed to clear residual handle at init", "handle", handle)
		}
	}

	return nil
}

func (a *Adapter) handleEvent(pkt bgapi.Packet) {
	switch {
	case pkt.IsCloseEvent():
		a.log.Error("transport lost; adapter is now terminal")
	case pkt.IsScanEvent():
		a.scan.HandleEvent(pkt)
	case pkt.IsDisconnectEvent():
		a.conns.HandleDisconnectEvent(pkt)
	default:
		a.log.Warn("unhandled event", "class", pkt.Class, "command", pkt.Command)
	}
}

func (a *Adapter) dispatchScan(d scan.Discovery) {
	if a.journal != nil {
		if err := a.journal.RecordScan(d); err != nil {
			a.log.Warn("journal write failed", "error", err)
		}
	}
	a.mu.Lock()
	listeners := append([]func(scan.Discovery){}, a.scanListeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l(d)
	}
}

func (a *Adapter) dispatchDisconnect(connID string, handle uint8, clean bool, reason string) {
	if a.journal != nil {
		if err := a.journal.RecordDisconnect(connID, handle, clean, reason); err != nil {
			a.log.Warn("journal write failed", "error", err)
		}
	}
	a.mu.Lock()
	listeners := append([]func(string, uint8, bool, string){}, a.disconnectListeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l(connID, handle, clean, reason)
	}
}

// OnScan registers a listener invoked for every assembled Discovery
// record. Many listeners may be registered.
func (a *Adapter) OnScan(fn func(scan.Discovery)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanListeners = append(a.scanListeners, fn)
}

// OnDisconnect registers a listener invoked whenever a connected
// handle is torn down by the link itself rather than by a user-issued
// Disconnect call.
func (a *Adapter) OnDisconnect(fn func(connID string, handle uint8, clean bool, reason string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnectListeners = append(a.disconnectListeners, fn)
}

// CanConnect reports whether the active-connection table has room.
func (a *Adapter) CanConnect() bool {
	return a.conns.CanConnect()
}

// Scanning implements connmgr.ScanController.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// StopScan implements connmgr.ScanController as well as being part of
// the public facade; it is idempotent on an already-stopped dongle.
func (a *Adapter) StopScan() {
	result := a.proc.Sync(bgapi.StopScan())
	a.mu.Lock()
	a.scanning = false
	tlmetrics.Scanning.Set(0)
	a.mu.Unlock()
	if !result.Success {
		a.log.Warn("stop_scan failed", "error", describeResultErr(result))
	}
}

// StartScan begins scanning; active also requests scan-response
// packets (and therefore the fuller Discovery record).
func (a *Adapter) StartScan(active bool) error {
	result := a.proc.Sync(bgapi.StartScan(active))
	if !result.Success {
		return newErrorFromResult(result, KindDeviceRejected, "start_scan failed: "+describeResultErr(result))
	}
	a.mu.Lock()
	a.scanning = true
	a.activeScan = active
	tlmetrics.Scanning.Set(1)
	a.mu.Unlock()
	return nil
}

// Connect starts a connect attempt. cb is invoked exactly once, on the
// dongle worker goroutine.
func (a *Adapter) Connect(connString, connID string, cb func(connID string, ok bool, reason string)) {
	a.conns.Connect(connString, connID, func(connID string, ok bool, reason string, earlyDisconnect bool) {
		if !ok && earlyDisconnect {
			err := newError(KindEarlyDisconnect, reason)
			a.log.Warn("connect failed", "connection_id", connID, "kind", err.Kind, "reason", reason)
		}
		cb(connID, ok, reason)
	})
}

// Disconnect tears down an active connection.
func (a *Adapter) Disconnect(connID string, cb func(connID string, handle uint8, ok bool, reason string)) {
	a.conns.Disconnect(connID, connmgr.DisconnectCallback(cb))
}

// DisconnectSync blocks until connID has been torn down.
func (a *Adapter) DisconnectSync(connID string) (handle uint8, ok bool, reason string) {
	return a.conns.DisconnectSync(connID)
}

// EnableRPCs turns on notifications for the device-session RPC
// protocol's response characteristic. connID identifies the connection
// whose GATT table was already discovered by Connect.
func (a *Adapter) EnableRPCs(connID string, cb func(ok bool, reason string)) {
	handle, services, ok := a.lookupConnectionGATT(connID)
	if !ok {
		cb(false, "unknown connection_id")
		return
	}

	var cccdHandle uint16
	found := false
	for _, svc := range services {
		if ch, ok := svc.Characteristics[hexUUID(rpcResponseCharUUID)]; ok && ch.ConfigHandle != 0 {
			cccdHandle = ch.ConfigHandle
			found = true
			break
		}
	}
	if !found {
		cb(false, "RPC response characteristic has no notify descriptor")
		return
	}

	a.proc.Async(bgapi.EnableNotifications(handle, cccdHandle, bgapi.CCCDNotify), func(result bgapi.Result) {
		cb(result.Success, describeResultErr(result))
	})
}

// ProbeServices re-runs service discovery against an already connected
// handle, for advanced callers that need to refresh the GATT table
// outside the normal connect flow.
func (a *Adapter) ProbeServices(handle uint8, connID string, cb func(connID string, ok bool, reason string)) {
	a.proc.Async(bgapi.ProbeServices(handle, a.cfg.ProbeTimeout), func(result bgapi.Result) {
		cb(connID, result.Success, describeResultErr(result))
	})
}

// ProbeCharacteristics re-runs characteristic discovery against an
// already connected handle.
func (a *Adapter) ProbeCharacteristics(connID string, handle uint8, cb func(connID string, ok bool, reason string)) {
	a.proc.Async(bgapi.ProbeCharacteristics(handle, a.cfg.ProbeTimeout), func(result bgapi.Result) {
		cb(connID, result.Success, describeResultErr(result))
	})
}

// PeriodicTick should be invoked roughly once a second by the caller.
// If the dongle is idle — not scanning, no active or in-progress
// connections — it restarts scanning in whatever mode was last
// requested.
func (a *Adapter) PeriodicTick() {
	a.mu.Lock()
	scanning := a.scanning
	lastMode := a.activeScan
	a.mu.Unlock()

	if scanning {
		return
	}
	if a.conns.ActiveCount() > 0 || a.conns.ConnectingCount() > 0 {
		return
	}

	if err := a.StartScan(lastMode); err != nil {
		a.log.Warn("periodic scan restart failed", "error", err)
	}
}

// Stop releases the dongle: it stops scanning, disconnects every
// active handle, then shuts the Command Processor and Framed Stream
// down. Safe to call more than once.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		a.StopScan()
		a.conns.Stop()
		a.proc.Stop()
		a.stream.Stop()
		if a.journal != nil {
			a.journal.Close()
		}
	})
}

func (a *Adapter) lookupConnectionGATT(connID string) (handle uint8, services map[string]connmgr.Service, ok bool) {
	return a.conns.Lookup(connID)
}

func hexUUID(b []byte) string {
	return fmt.Sprintf("%x", b)
}

func describeResultErr(result bgapi.Result) string {
	if result.Err == nil {
		return ""
	}
	return result.Err.Error()
}

// Package connmgr tracks per-handle BLE connection state and drives
// the connect → probe services → probe characteristics → connected
// state machine, including the races that show up when a spontaneous
// disconnect lands mid-probe.
package connmgr

import "time"

// State is where a Connection sits in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StatePreparing
	StateConnected
	StateDisconnecting
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePreparing:
		return "preparing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Characteristic is one discovered GATT characteristic.
type Characteristic struct {
	ValueHandle  uint16
	ConfigHandle uint16 // CCCD handle, 0 if none
	Properties   uint8
}

// Service is one discovered GATT primary service, keyed by UUID in
// Connection.Services.
type Service struct {
	StartHandle     uint16
	EndHandle       uint16
	Characteristics map[string]Characteristic
}

// ConnectCallback is invoked exactly once per connect() call, on the
// dongle worker goroutine, with the final outcome. earlyDisconnect is
// true only when a failure happened because the link spontaneously
// dropped while the connection was still being prepared, as opposed
// to a rejected connect reply or a failed GATT probe.
type ConnectCallback func(connID string, ok bool, reason string, earlyDisconnect bool)

// DisconnectCallback is invoked once per disconnect() call (user
// initiated) or once per spontaneous disconnect event (link initiated).
type DisconnectCallback func(connID string, handle uint8, clean bool, reason string)

// Connection is the adapter's view of one dongle handle, live from the
// moment a connect reply succeeds until the handle is torn down.
type Connection struct {
	Handle       uint8
	ConnID       string
	State        State
	Services     map[string]Service

	connectCB    ConnectCallback
	disconnectCB DisconnectCallback

	// disconnectHandler fires if the link drops while State ==
	// StatePreparing; it is set entering that state, cleared on reaching
	// StateConnected, and only consulted while State == StatePreparing.
	disconnectHandler func(reason string)

	FailureReason string

	TConnectStart       time.Time
	TServicesDone       time.Time
	TCharacteristicsDone time.Time
}

package pcm

import "context"

// VpwSpeed names the two J1850 VPW signaling rates the bus can run at.
type VpwSpeed uint8

const (
	VpwSpeedStandard VpwSpeed = iota // 1x
	VpwSpeedFourX                    // 4x
)

func (s VpwSpeed) String() string {
	if s == VpwSpeedFourX {
		return "4x"
	}
	return "1x"
}

// TimeoutScenario is a design-level latency profile the transport maps
// to concrete milliseconds. The core never hard-codes a duration; it
// only ever asks the Device to adopt a scenario before a phase.
type TimeoutScenario uint8

const (
	// TimeoutReadProperty is for short, single-message queries (VIN,
	// serial, seed, unlock, block reads of a few bytes).
	TimeoutReadProperty TimeoutScenario = iota
	// TimeoutReadMemoryBlock is for longer kernel-data reads.
	TimeoutReadMemoryBlock
	// TimeoutSendKernel is the longest scenario, for streamed uploads.
	TimeoutSendKernel
)

// DeviceCapabilities describes what a Device implementation supports.
type DeviceCapabilities struct {
	Supports4x     bool
	MaxSendSize    uint16
	MaxReceiveSize uint16
	Description    string
}

// Device is the narrow capability contract the core consumes to reach
// the physical bus. Implementations live outside this package (e.g.
// elm327.Device); the core treats a Device as uniquely owned for the
// duration of an operation sequence.
type Device interface {
	// Initialize prepares the underlying transport (port open, adapter
	// reset, AT-command setup). Returns false on failure.
	Initialize(ctx context.Context) (bool, error)

	// SendMessage transmits one framed message. Returns false if the
	// transport could not accept it (the caller retries); an error
	// indicates a fault the caller should treat as terminal.
	SendMessage(ctx context.Context, m Message) (bool, error)

	// ReceiveMessage waits, per the current TimeoutScenario, for one
	// framed message. A nil Message with no error means nothing
	// arrived within the timeout.
	ReceiveMessage(ctx context.Context) (*Message, error)

	// ClearMessageQueue discards any buffered inbound messages. Must
	// be called before sequences where positional correlation could
	// otherwise be confused by a stale reply (unlock, VIN query).
	ClearMessageQueue(ctx context.Context) error

	// SetTimeout adopts a latency profile for subsequent
	// ReceiveMessage calls.
	SetTimeout(ctx context.Context, scenario TimeoutScenario) error

	// SetVpwSpeed instructs the device to change its own electrical
	// bus speed.
	SetVpwSpeed(ctx context.Context, speed VpwSpeed) error

	// Capabilities reports static device properties.
	Capabilities() DeviceCapabilities

	// Dispose releases the device. A repeated call may return an error
	// (elm327.Device reports the port's already-closed error).
	Dispose() error
}

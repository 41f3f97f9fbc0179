package pcm

import (
	"context"
	"fmt"
	"time"
)

// busState names the bus-speed state machine's states:
// Idle1x -> Negotiating -> Running4x -> Exiting4x -> Idle1x.
type busState uint8

const (
	stateIdle1x busState = iota
	stateNegotiating
	stateRunning4x
	stateExiting4x
)

// pollBackoff is the inter-receive backoff used while draining for a
// stray response (see pollIterations in constants.go).
const pollBackoff = 10 * time.Millisecond

// Engine (ProtocolEngine / "Vehicle") orchestrates multi-step
// operations against a PCM over an exclusively-owned Device. It is the
// generalization of the teacher's ebm.Conn: where ebm.Conn dispatches
// asynchronously over channels from a background reactor goroutine,
// Engine calls Device synchronously in bounded retry loops, because
// the GM VPW bus correlates responses positionally and spec.md
// requires that bookkeeping to stay explicit (see DESIGN.md).
type Engine struct {
	dev    Device
	logger Logger
	state  busState
}

// NewEngine takes ownership of dev for the lifetime of the returned
// Engine. logger may be nil, in which case log messages are discarded.
func NewEngine(dev Device, logger Logger) *Engine {
	if logger == nil {
		logger = discardLogger{}
	}
	return &Engine{dev: dev, logger: logger, state: stateIdle1x}
}

// Dispose releases the underlying device. Safe to call more than once.
func (e *Engine) Dispose() error {
	if e.dev == nil {
		return nil
	}
	err := e.dev.Dispose()
	e.dev = nil
	return err
}

// queryBlock runs Query but surfaces the matched raw Message instead
// of a bare bool, so callers that need to assemble several block
// replies together (VIN, serial) can hold onto them.
func (e *Engine) queryBlock(ctx context.Context, gen func() Message, verify func(Message) Response[bool]) Response[Message] {
	return Query(ctx, e.dev, e.logger, gen, func(m Message) Response[Message] {
		v := verify(m)
		if !v.IsSuccess() {
			return Fail[Message](v.Status, v.Reason)
		}
		return Ok(m)
	})
}

func vinBlockID(n int) BlockID {
	switch n {
	case 1:
		return BlockIDVin1
	case 2:
		return BlockIDVin2
	default:
		return BlockIDVin3
	}
}

func serialBlockID(n int) BlockID {
	switch n {
	case 1:
		return BlockIDSerial1
	case 2:
		return BlockIDSerial2
	default:
		return BlockIDSerial3
	}
}

// QueryVin reads and assembles the PCM's 17-character VIN. Writes are
// serialized; the three block requests are never pipelined.
func (e *Engine) QueryVin(ctx context.Context) Response[string] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[string](StatusError, err.Error())
	}
	if err := e.dev.ClearMessageQueue(ctx); err != nil {
		return Fail[string](StatusError, err.Error())
	}

	var blocks [3]Message
	for i := 0; i < 3; i++ {
		n := i + 1
		res := e.queryBlock(ctx,
			func() Message { return CreateVinRequestN(n) },
			func(m Message) Response[bool] { return verifyVinPrefix(m, vinBlockID(n)) })
		if !res.IsSuccess() {
			e.logger.AddUserMessage(fmt.Sprintf("VIN query failed at block %d: %s", n, res.Reason))
			return Fail[string](res.Status, res.Reason)
		}
		blocks[i] = res.Value
	}
	return ParseVinResponses(blocks[0], blocks[1], blocks[2])
}

// QuerySerial reads and assembles the PCM's 12-character serial
// number, analogous to QueryVin.
func (e *Engine) QuerySerial(ctx context.Context) Response[string] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[string](StatusError, err.Error())
	}
	if err := e.dev.ClearMessageQueue(ctx); err != nil {
		return Fail[string](StatusError, err.Error())
	}

	var blocks [3]Message
	for i := 0; i < 3; i++ {
		n := i + 1
		res := e.queryBlock(ctx,
			func() Message { return CreateSerialRequestN(n) },
			func(m Message) Response[bool] { return verifySerialPrefix(m, serialBlockID(n)) })
		if !res.IsSuccess() {
			e.logger.AddUserMessage(fmt.Sprintf("serial query failed at block %d: %s", n, res.Reason))
			return Fail[string](res.Status, res.Reason)
		}
		blocks[i] = res.Value
	}
	return ParseSerialResponses(blocks[0], blocks[1], blocks[2])
}

// QueryBCC reads the Broadcast Code.
func (e *Engine) QueryBCC(ctx context.Context) Response[string] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[string](StatusError, err.Error())
	}
	return Query(ctx, e.dev, e.logger, CreateBCCRequest, ParseBCCresponse)
}

// QueryMEC reads the Manufacturer Enable Counter.
func (e *Engine) QueryMEC(ctx context.Context) Response[string] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[string](StatusError, err.Error())
	}
	return Query(ctx, e.dev, e.logger, CreateMECRequest, ParseMECresponse)
}

// QueryOperatingSystemID reads the OS identifier.
func (e *Engine) QueryOperatingSystemID(ctx context.Context) Response[uint32] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[uint32](StatusError, err.Error())
	}
	return Query(ctx, e.dev, e.logger, CreateOperatingSystemIdReadRequest, ParseBlockUInt32)
}

// QueryHardwareID reads the hardware identifier.
func (e *Engine) QueryHardwareID(ctx context.Context) Response[uint32] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[uint32](StatusError, err.Error())
	}
	return Query(ctx, e.dev, e.logger, CreateHardwareIdReadRequest, ParseBlockUInt32)
}

// QueryCalibrationID reads the calibration identifier.
func (e *Engine) QueryCalibrationID(ctx context.Context) Response[uint32] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[uint32](StatusError, err.Error())
	}
	return Query(ctx, e.dev, e.logger, CreateCalibrationIdReadRequest, ParseBlockUInt32)
}

// UpdateVin writes a 17-character ASCII VIN back to the PCM, split
// into the same 5+6+6 byte layout QueryVin reads. The first 5-byte
// segment is zero-padded at the front to a 6-byte block. Each block
// write failure aborts the whole operation. After the write, it
// re-runs QueryVin and compares the result against vin, surfacing the
// match as the returned Response[bool] rather than just trusting the
// PCM's per-block write acknowledgements.
func (e *Engine) UpdateVin(ctx context.Context, vin string) Response[bool] {
	if len(vin) != 17 {
		return Failf[bool](StatusError, "VIN must be exactly 17 ASCII characters, got %d", len(vin))
	}
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[bool](StatusError, err.Error())
	}
	if err := e.dev.ClearMessageQueue(ctx); err != nil {
		return Fail[bool](StatusError, err.Error())
	}

	var seg1, seg2, seg3 [6]byte
	copy(seg1[1:], vin[0:5])
	copy(seg2[:], vin[5:11])
	copy(seg3[:], vin[11:17])
	segs := [3][6]byte{seg1, seg2, seg3}

	for i, seg := range segs {
		n := i + 1
		res := Query(ctx, e.dev, e.logger,
			func() Message { return CreateVinWriteBlock(n, seg) },
			func(m Message) Response[bool] { return DoSimpleValidation(m, PriorityPhysical0, ModeBlockWrite) })
		if !res.IsSuccess() || !res.Value {
			status, reason := res.Status, res.Reason
			if res.IsSuccess() {
				status, reason = StatusError, "rejected by PCM"
			}
			e.logger.AddUserMessage(fmt.Sprintf("VIN write failed at block %d: %s", n, reason))
			return Fail[bool](status, fmt.Sprintf("block %d: %s", n, reason))
		}
	}

	readBack := e.QueryVin(ctx)
	if !readBack.IsSuccess() {
		e.logger.AddUserMessage("VIN write-back verification failed: " + readBack.Reason)
		return Fail[bool](readBack.Status, "write-back verification: "+readBack.Reason)
	}
	if readBack.Value != vin {
		e.logger.AddUserMessage(fmt.Sprintf("VIN write-back mismatch: wrote %q, read back %q", vin, readBack.Value))
		return Failf[bool](StatusError, "VIN write-back mismatch: wrote %q, read back %q", vin, readBack.Value)
	}
	return Ok(true)
}

// UnlockEcu runs the seed/key challenge. If the PCM reports it is
// already unlocked, this is a no-op success.
func (e *Engine) UnlockEcu(ctx context.Context, algorithmID uint16, derive KeyAlgorithm) Response[bool] {
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[bool](StatusError, err.Error())
	}
	if err := e.dev.ClearMessageQueue(ctx); err != nil {
		return Fail[bool](StatusError, err.Error())
	}

	ok, err := e.dev.SendMessage(ctx, CreateSeedRequest())
	if err != nil {
		return Fail[bool](StatusError, "seed request send failed: "+err.Error())
	}
	if !ok {
		return Fail[bool](StatusTimeout, "seed request could not be sent")
	}

	var seed uint16
	seedFound := false
	alreadyUnlocked := false
receive:
	for i := 0; i < MaxReceiveAttempts; i++ {
		m, err := e.dev.ReceiveMessage(ctx)
		if err != nil {
			return Fail[bool](StatusError, "seed receive failed: "+err.Error())
		}
		if m == nil {
			continue
		}
		if IsUnlocked(*m) {
			alreadyUnlocked = true
			break receive
		}
		res := ParseSeed(*m)
		if res.IsSuccess() {
			seed = res.Value
			seedFound = true
			break receive
		}
		// Any non-Success parse (ParseSeed returns Error for an
		// unrecognized reply and Truncated for a short seed reply) is
		// treated as a stray here and the loop keeps draining.
	}
	if alreadyUnlocked {
		return Ok(true)
	}
	if !seedFound {
		return Fail[bool](StatusTimeout, "no seed response received")
	}
	if seed == 0 {
		e.logger.AddUserMessage("PCM reports already unlocked")
		return Ok(true)
	}

	key := derive(algorithmID, seed)
	ok, err = e.dev.SendMessage(ctx, CreateUnlockRequest(key))
	if err != nil {
		return Fail[bool](StatusError, "unlock request send failed: "+err.Error())
	}
	if !ok {
		return Fail[bool](StatusTimeout, "unlock request could not be sent")
	}

	for i := 0; i < MaxReceiveAttempts; i++ {
		m, err := e.dev.ReceiveMessage(ctx)
		if err != nil {
			return Fail[bool](StatusError, "unlock receive failed: "+err.Error())
		}
		if m == nil {
			continue
		}
		res := ParseUnlockResponse(*m)
		if res.Status == StatusUnexpectedResponse {
			continue
		}
		return res
	}
	return Fail[bool](StatusTimeout, "no unlock response received")
}

// VehicleSetVPW4x negotiates (or reverts) 4x VPW signaling.
func (e *Engine) VehicleSetVPW4x(ctx context.Context, newSpeed VpwSpeed) Response[bool] {
	caps := e.dev.Capabilities()
	if newSpeed == VpwSpeedFourX && !caps.Supports4x {
		e.logger.AddUserMessage("device does not support 4x VPW, staying at 1x")
		return Ok(true)
	}

	if newSpeed == VpwSpeedFourX {
		e.state = stateNegotiating
		ok, err := e.dev.SendMessage(ctx, CreateHighSpeedPermissionRequest(DeviceIDBroadcast))
		if err != nil || !ok {
			e.state = stateIdle1x
			return e.refusalResult(err, "failed to request high-speed permission")
		}
		for i := 0; i < pollIterations; i++ {
			m, err := e.dev.ReceiveMessage(ctx)
			if err != nil {
				e.state = stateIdle1x
				return Fail[bool](StatusError, err.Error())
			}
			if m == nil {
				time.Sleep(pollBackoff)
				continue
			}
			res := ParseHighSpeedPermissionResponse(*m)
			if res.IsSuccess() && !res.Value.PermissionGranted {
				e.state = stateIdle1x
				return Fail[bool](StatusRefused, "high-speed permission refused")
			}
		}

		ok, err = e.dev.SendMessage(ctx, CreateBeginHighSpeed(DeviceIDBroadcast))
		if err != nil || !ok {
			e.state = stateIdle1x
			return e.refusalResult(err, "failed to send begin-high-speed")
		}
		for i := 0; i < pollIterations; i++ {
			m, err := e.dev.ReceiveMessage(ctx)
			if err != nil {
				e.state = stateIdle1x
				return Fail[bool](StatusError, err.Error())
			}
			if m == nil {
				time.Sleep(pollBackoff)
				continue
			}
			res := ParseHighSpeedRefusal(*m)
			if res.IsSuccess() && res.Value {
				e.state = stateIdle1x
				return Fail[bool](StatusRefused, "high-speed switch refused")
			}
		}

		if err := e.dev.SetVpwSpeed(ctx, VpwSpeedFourX); err != nil {
			e.state = stateIdle1x
			return Fail[bool](StatusError, err.Error())
		}
		if err := e.dev.SetTimeout(ctx, TimeoutReadMemoryBlock); err != nil {
			return Fail[bool](StatusError, err.Error())
		}
		e.state = stateRunning4x
		return Ok(true)
	}

	e.state = stateExiting4x
	if err := e.dev.SetVpwSpeed(ctx, VpwSpeedStandard); err != nil {
		return Fail[bool](StatusError, err.Error())
	}
	if err := e.dev.SetTimeout(ctx, TimeoutReadProperty); err != nil {
		return Fail[bool](StatusError, err.Error())
	}
	e.state = stateIdle1x
	return Ok(true)
}

func (e *Engine) refusalResult(err error, msg string) Response[bool] {
	if err != nil {
		return Fail[bool](StatusError, msg+": "+err.Error())
	}
	return Fail[bool](StatusTimeout, msg)
}

// ClearDiagnosticCodes issues the two-step GM clear-DTCs sequence.
func (e *Engine) ClearDiagnosticCodes(ctx context.Context) Response[bool] {
	res := Query(ctx, e.dev, e.logger, CreateClearDTCs, func(m Message) Response[bool] {
		return DoSimpleValidation(m, PriorityPhysical0, ModeClearDTCs)
	})
	if !res.IsSuccess() || !res.Value {
		return res
	}
	ok, err := e.dev.SendMessage(ctx, CreateClearDTCsOK())
	if err != nil {
		return Fail[bool](StatusError, err.Error())
	}
	if !ok {
		return Fail[bool](StatusTimeout, "clear-DTCs confirmation could not be sent")
	}
	return Ok(true)
}

// Cleanup restores the bus to 1x, exits any running kernel and clears
// DTCs. It is idempotent: calling it N times has the same effect as
// calling it once, and ReadContents invokes it on every exit path
// (success, error or cancellation), including a failed PCMExecute step.
// PCMExecute on its own does not call it.
func (e *Engine) Cleanup(ctx context.Context) {
	if e.dev == nil {
		return
	}
	caps := e.dev.Capabilities()
	if caps.Supports4x {
		_, _ = e.dev.SendMessage(ctx, CreateExitKernel())
		_ = e.dev.SetVpwSpeed(ctx, VpwSpeedStandard)
	}
	_, _ = e.dev.SendMessage(ctx, CreateExitKernel())
	_, _ = e.dev.SendMessage(ctx, CreateClearDTCs())
	_ = e.dev.SetTimeout(ctx, TimeoutReadProperty)
	e.state = stateIdle1x
}

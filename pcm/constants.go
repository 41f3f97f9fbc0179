// Package pcm implements a host-side client for a GM Powertrain Control
// Module speaking the GM dialect of SAE J1850 VPW, tunneled through a
// pass-through adapter reachable only via the Device capability.
package pcm

import "fmt"

// Priority is the first byte of every message.
type Priority uint8

const (
	// PriorityPhysical0 is used on every request the tool originates.
	PriorityPhysical0 Priority = 0x6C
	// PriorityBroadcast appears on broadcast upload/high-speed responses.
	PriorityBroadcast Priority = 0x6D
)

// DeviceID identifies a device on the bus.
type DeviceID uint8

const (
	DeviceIDTool      DeviceID = 0xF0
	DeviceIDPcm       DeviceID = 0x10
	DeviceIDBroadcast DeviceID = 0xFE
)

// Mode is the fourth byte of every message, naming the operation.
type Mode uint8

const (
	ModeRejected          Mode = 0x7F
	ModeHighSpeedPrepare  Mode = 0xA0
	ModeHighSpeedPrepareR Mode = 0xE0
	ModeHighSpeed         Mode = 0xA1
	ModeSeed              Mode = 0x27
	ModeSeedResponse      Mode = 0x67
	ModeBlockRead         Mode = 0x3C
	ModeBlockReadResponse Mode = 0x7C
	ModeBlockWrite        Mode = 0x3B
	ModeBlockWriteResp    Mode = 0x7B
	ModeUpload            Mode = 0x34
	ModeUploadResponse    Mode = 0x74
	ModePayload           Mode = 0x36
	ModeReadRequest       Mode = 0x35
	ModeReadResponse      Mode = ModePayload
	ModeClearDTCs         Mode = 0x04
	ModeClearDTCsOK       Mode = 0x44
	ModeExitKernel        Mode = 0x20
)

// modeAck is the positive-response byte for a given request mode: the
// request mode plus 0x40, per spec.
func modeAck(m Mode) Mode { return Mode(uint8(m) + 0x40) }

var modeDesc = map[Mode]string{
	ModeRejected:          "REJECTED",
	ModeHighSpeedPrepare:  "HIGH_SPEED_PREPARE",
	ModeHighSpeedPrepareR: "HIGH_SPEED_PREPARE_RESP",
	ModeHighSpeed:         "HIGH_SPEED",
	ModeSeed:              "SEED",
	ModeSeedResponse:      "SEED_RESP",
	ModeBlockRead:         "BLOCK_READ",
	ModeBlockReadResponse: "BLOCK_READ_RESP",
	ModeBlockWrite:        "BLOCK_WRITE",
	ModeUpload:            "UPLOAD",
	ModePayload:           "PAYLOAD",
	ModeClearDTCs:         "CLEAR_DTCS",
	ModeExitKernel:        "EXIT_KERNEL",
}

func (m Mode) String() string {
	if d, ok := modeDesc[m]; ok {
		return d
	}
	return fmt.Sprintf("UNK_MODE_%02X", uint8(m))
}

// BlockID names a single-byte-addressable PCM data block.
type BlockID uint8

const (
	BlockIDVin1    BlockID = 0x01
	BlockIDVin2    BlockID = 0x02
	BlockIDVin3    BlockID = 0x03
	BlockIDSerial1 BlockID = 0x05
	BlockIDSerial2 BlockID = 0x06
	BlockIDSerial3 BlockID = 0x07
	BlockIDBCC     BlockID = 0x0A
	BlockIDMEC     BlockID = 0x13
	BlockIDOSID    BlockID = 0x0C
	BlockIDHWID    BlockID = 0x0B
	BlockIDCalID   BlockID = 0x0D
)

// Retry and timing discipline. The core never hard-codes milliseconds;
// only retry counts and the stray-response poll count are constants
// here, the concrete latencies live behind TimeoutScenario in the
// Device capability.
const (
	MaxSendAttempts    = 10
	MaxReceiveAttempts = 15

	// pollIterations bounds how many 10ms-backoff iterations the drain
	// loop runs while waiting out a stray response (see pollBackoff in
	// engine.go).
	pollIterations = 10

	// chunkOverhead is the authoritative per-block framing overhead
	// (10-byte header + 2-byte checksum) subtracted from the device's
	// advertised max send size to get the usable payload chunk size.
	// See spec.md §9: treat 12 as authoritative, not the 10 some
	// comments use.
	chunkOverhead = 12

	// payloadHeaderLen is the 7 bytes of a payload message that precede
	// its 24-bit address (4-byte prefix, encoding byte, 16-bit length);
	// ParsePayload's full header including the address is 10 bytes.
	payloadHeaderLen = 7

	// blockChecksumOverhead is CalcBlockChecksum's overhead constant.
	blockChecksumOverhead = 10
)

// defaultKernelLoadAddress is the historical hard-coded kernel RAM load
// address. Exposed as a default; a non-zero loadAddress argument to
// ReadContents overrides it.
const defaultKernelLoadAddress = 0xFF913E

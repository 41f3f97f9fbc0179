package pcm

import (
	"bytes"
	"strconv"
)

// MessageParser functions turn inbound byte sequences into typed
// Response[T] outcomes. They never panic; every failure mode is
// encoded in the returned Response, the same "exceptions become result
// types" move spec.md makes over the teacher's ebm.ParseMessage/
// ParseOID, which return (T, error) instead.

// seedAlreadyUnlockedDest is the literal destination byte GM PCMs use
// on the "already unlocked, no challenge needed" seed reply. It is not
// DeviceIDTool (0xF0); this is a real wire quirk, preserved verbatim.
const seedAlreadyUnlockedDest DeviceID = 0x70

// verifyPrefix returns Success iff len(actual) >= len(expected) and
// actual[:len(expected)] == expected; Truncated if actual is shorter;
// UnexpectedResponse on the first mismatching byte.
func verifyPrefix(actual []byte, expected []byte) Response[bool] {
	if len(actual) < len(expected) {
		return Fail[bool](StatusTruncated, "response shorter than expected prefix")
	}
	for i, e := range expected {
		if actual[i] != e {
			return Failf[bool](StatusUnexpectedResponse, "byte %d: expected %02x, got %02x", i, e, actual[i])
		}
	}
	return Ok(true)
}

// ParseBlockUInt32 parses a single-block response whose value is a
// big-endian uint32: prefix {Physical0, Tool, Pcm, BlockReadResponse},
// block id at offset 4, value at offset [5:9).
func ParseBlockUInt32(m Message) Response[uint32] {
	b := m.Bytes()
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeBlockReadResponse)}
	if v := verifyPrefix(b, expected); !v.IsSuccess() {
		return Fail[uint32](v.Status, v.Reason)
	}
	if len(b) < 9 {
		return Fail[uint32](StatusTruncated, "response too short for uint32 value")
	}
	return Ok(be32(b[5:9]))
}

// ParseVinResponses assembles the 17-byte VIN from the three block
// responses. Each rN must carry prefix {Physical0, Tool, Pcm,
// BlockReadResponse, VinN}. Per the wire format, r1 contributes 5
// bytes from offset 6, while r2 and r3 each contribute 6 bytes from
// offset 5 — this asymmetry (r1 has one extra leading byte the others
// don't) is the documented wire shape, not a mistake.
func ParseVinResponses(r1, r2, r3 Message) Response[string] {
	if v := verifyVinPrefix(r1, BlockIDVin1); !v.IsSuccess() {
		return Fail[string](v.Status, "VIN block 1: "+v.Reason)
	}
	if v := verifyVinPrefix(r2, BlockIDVin2); !v.IsSuccess() {
		return Fail[string](v.Status, "VIN block 2: "+v.Reason)
	}
	if v := verifyVinPrefix(r3, BlockIDVin3); !v.IsSuccess() {
		return Fail[string](v.Status, "VIN block 3: "+v.Reason)
	}
	b1, b2, b3 := r1.Bytes(), r2.Bytes(), r3.Bytes()
	if len(b1) < 11 || len(b2) < 11 || len(b3) < 11 {
		return Fail[string](StatusTruncated, "VIN block response too short")
	}
	var vin bytes.Buffer
	vin.Write(b1[6:11])
	vin.Write(b2[5:11])
	vin.Write(b3[5:11])
	return Ok(vin.String())
}

func verifyVinPrefix(m Message, block BlockID) Response[bool] {
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeBlockReadResponse), byte(block)}
	return verifyPrefix(m.Bytes(), expected)
}

// ParseSerialResponses assembles the 12-byte serial number from three
// 4-byte chunks at offset 5 of each response. Non-printable bytes are
// replaced with '.' before ASCII decoding.
func ParseSerialResponses(r1, r2, r3 Message) Response[string] {
	if v := verifySerialPrefix(r1, BlockIDSerial1); !v.IsSuccess() {
		return Fail[string](v.Status, "serial block 1: "+v.Reason)
	}
	if v := verifySerialPrefix(r2, BlockIDSerial2); !v.IsSuccess() {
		return Fail[string](v.Status, "serial block 2: "+v.Reason)
	}
	if v := verifySerialPrefix(r3, BlockIDSerial3); !v.IsSuccess() {
		return Fail[string](v.Status, "serial block 3: "+v.Reason)
	}
	b1, b2, b3 := r1.Bytes(), r2.Bytes(), r3.Bytes()
	if len(b1) < 9 || len(b2) < 9 || len(b3) < 9 {
		return Fail[string](StatusTruncated, "serial block response too short")
	}
	var serial bytes.Buffer
	serial.Write(printableASCII(b1[5:9]))
	serial.Write(printableASCII(b2[5:9]))
	serial.Write(printableASCII(b3[5:9]))
	return Ok(serial.String())
}

func verifySerialPrefix(m Message, block BlockID) Response[bool] {
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeBlockReadResponse), byte(block)}
	return verifyPrefix(m.Bytes(), expected)
}

func printableASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		if v < 0x20 || v > 0x7E {
			out[i] = '.'
		} else {
			out[i] = v
		}
	}
	return out
}

// ParseBCCresponse parses the 4-byte printable-ASCII Broadcast Code.
func ParseBCCresponse(m Message) Response[string] {
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeBlockReadResponse), byte(BlockIDBCC)}
	b := m.Bytes()
	if v := verifyPrefix(b, expected); !v.IsSuccess() {
		return Fail[string](v.Status, v.Reason)
	}
	if len(b) < 9 {
		return Fail[string](StatusTruncated, "BCC response too short")
	}
	return Ok(string(printableASCII(b[5:9])))
}

// ParseMECresponse parses the single-byte Manufacturer Enable Counter,
// rendered as a decimal string.
func ParseMECresponse(m Message) Response[string] {
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeBlockReadResponse), byte(BlockIDMEC)}
	b := m.Bytes()
	if v := verifyPrefix(b, expected); !v.IsSuccess() {
		return Fail[string](v.Status, v.Reason)
	}
	if len(b) < 6 {
		return Fail[string](StatusTruncated, "MEC response too short")
	}
	return Ok(strconv.Itoa(int(b[5])))
}

// IsUnlocked reports whether r is the "already unlocked" seed reply:
// {Physical0, Tool, Pcm, SeedResponse, 0x01, 0x37}.
func IsUnlocked(r Message) bool {
	expected := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeSeedResponse), 0x01, 0x37}
	return verifyPrefix(r.Bytes(), expected).IsSuccess()
}

// ParseSeed extracts the 16-bit seed from a seed-request reply. A
// Success(0) means "already unlocked, no challenge required" (the
// PCM replies with destination 0x70 instead of Tool in that case).
func ParseSeed(r Message) Response[uint16] {
	b := r.Bytes()
	alreadyUnlocked := []byte{byte(PriorityPhysical0), byte(seedAlreadyUnlockedDest), byte(DeviceIDPcm), byte(ModeSeedResponse), 0x01, 0x37}
	if verifyPrefix(b, alreadyUnlocked).IsSuccess() {
		return Ok[uint16](0)
	}
	seedPrefix := []byte{byte(PriorityPhysical0), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeSeedResponse), 0x01}
	if v := verifyPrefix(b, seedPrefix); v.IsSuccess() {
		if len(b) < 7 {
			return Fail[uint16](StatusTruncated, "seed response too short")
		}
		return Ok(be16(b[5:7]))
	}
	return Fail[uint16](StatusError, "unrecognized seed response")
}

// ParseUnlockResponse decodes the final unlock reply, which must be
// exactly 6 bytes: {Physical0, Tool, Pcm, SeedResponse, 0x01, code}.
func ParseUnlockResponse(r Message) Response[bool] {
	b := r.Bytes()
	if len(b) != 6 {
		return Fail[bool](StatusTruncated, "unlock response must be exactly 6 bytes")
	}
	switch b[5] {
	case 0x34:
		return Ok(true)
	case 0x36:
		return Fail[bool](StatusError, "key rejected")
	case 0x37:
		return Fail[bool](StatusTimeout, "timeout lock")
	default:
		return Failf[bool](StatusUnexpectedResponse, "unknown code %02x", b[5])
	}
}

// HighSpeedPermissionResult is the decoded shape of a high-speed
// permission reply.
type HighSpeedPermissionResult struct {
	IsValid           bool
	DeviceID          DeviceID
	PermissionGranted bool
}

// ParseHighSpeedPermissionResponse validates priority and destination,
// takes the source byte as the responding device id, and reads
// permission from the mode byte: HighSpeedPrepareR (0xE0) grants it,
// Rejected (0x7F) denies it, anything else is invalid.
func ParseHighSpeedPermissionResponse(m Message) Response[HighSpeedPermissionResult] {
	b := m.Bytes()
	if len(b) < 4 {
		return Fail[HighSpeedPermissionResult](StatusTruncated, "response too short")
	}
	if m.Priority() != PriorityPhysical0 || m.Destination() != DeviceIDTool {
		return Fail[HighSpeedPermissionResult](StatusUnexpectedResponse, "unexpected priority/destination")
	}
	result := HighSpeedPermissionResult{DeviceID: m.Source()}
	switch m.Mode() {
	case ModeHighSpeedPrepareR:
		result.IsValid = true
		result.PermissionGranted = true
	case ModeRejected:
		result.IsValid = true
		result.PermissionGranted = false
	default:
		return Fail[HighSpeedPermissionResult](StatusUnexpectedResponse, "unexpected mode in high-speed permission response")
	}
	return Ok(result)
}

// ParseHighSpeedRefusal detects a broadcast-addressed high-speed
// refusal: priority Physical0, destination Broadcast, mode Rejected,
// and the rejected sub-mode (payload[0]) equal to HighSpeed.
func ParseHighSpeedRefusal(m Message) Response[bool] {
	b := m.Bytes()
	if len(b) < 5 {
		return Fail[bool](StatusTruncated, "response too short")
	}
	if m.Priority() != PriorityPhysical0 || m.Destination() != DeviceIDBroadcast {
		return Fail[bool](StatusUnexpectedResponse, "unexpected priority/destination")
	}
	if m.Mode() != ModeRejected {
		return Fail[bool](StatusUnexpectedResponse, "not a rejection")
	}
	if Mode(b[4]) != ModeHighSpeed {
		return Fail[bool](StatusUnexpectedResponse, "rejection is not for high-speed switch")
	}
	return Ok(true)
}

// DoSimpleValidation checks for a generic positive/negative reply to a
// request of the given priority and mode: Success(true) on the
// positive-response prefix {priority, Tool, Pcm, mode+0x40},
// Success(false) on the rejection prefix {priority, Tool, Pcm,
// Rejected, mode}; anything else is UnexpectedResponse.
func DoSimpleValidation(m Message, priority Priority, mode Mode) Response[bool] {
	b := m.Bytes()
	positive := []byte{byte(priority), byte(DeviceIDTool), byte(DeviceIDPcm), byte(modeAck(mode))}
	if v := verifyPrefix(b, positive); v.IsSuccess() {
		return Ok(true)
	}
	negative := []byte{byte(priority), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModeRejected), byte(mode)}
	if v := verifyPrefix(b, negative); v.IsSuccess() {
		return Ok(false)
	}
	return Fail[bool](StatusUnexpectedResponse, "neither positive nor rejection prefix matched")
}

// ParseUploadPermissionResponse reports whether the PCM granted the
// kernel upload request.
func ParseUploadPermissionResponse(m Message) Response[bool] {
	return DoSimpleValidation(m, PriorityPhysical0, ModeUpload)
}

// ParseUploadResponse reports whether a single RAM-write chunk was
// accepted.
func ParseUploadResponse(m Message) Response[bool] {
	return DoSimpleValidation(m, PriorityPhysical0, ModeUpload)
}

// ParseReadResponse reports whether the kernel acknowledged a memory
// read request (the payload push follows separately, see ParsePayload).
func ParseReadResponse(m Message) Response[bool] {
	return DoSimpleValidation(m, PriorityPhysical0, ModeReadRequest)
}

// ParsePayload decodes a memory-block payload pushed by the kernel:
// prefix {Broadcast, Tool, Pcm, Payload}, minimum 10 bytes. Byte 4
// selects the encoding (1 = raw, 2 = RLE). The 24-bit address at
// [7:10) must equal expectedAddress.
//
// The RLE branch is preserved exactly as originally observed: it
// always returns StatusError even when decoding "succeeds", and its
// run-length computation reproduces the original operator-precedence
// bug (`actual[5] << (8 + actual[6])`) rather than the obviously
// intended `(actual[5] << 8) + actual[6]`. See spec's open questions:
// preserve observable behavior until clarified, don't guess intent.
func ParsePayload(m Message, expectedLength uint16, expectedAddress uint32) Response[[]byte] {
	b := m.Bytes()
	expected := []byte{byte(PriorityBroadcast), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModePayload)}
	if v := verifyPrefix(b, expected); !v.IsSuccess() {
		return Fail[[]byte](v.Status, v.Reason)
	}
	if len(b) < 10 {
		return Fail[[]byte](StatusTruncated, "payload message shorter than 10-byte header")
	}
	encoding := b[4]
	addr := be24(b[7:10])
	if addr != expectedAddress {
		return Failf[[]byte](StatusError, "address mismatch: expected %06x, got %06x", expectedAddress, addr)
	}
	switch encoding {
	case 1: // raw
		rlen := be16(b[5:7])
		if rlen != expectedLength {
			return Failf[[]byte](StatusError, "length mismatch: expected %d, got %d", expectedLength, rlen)
		}
		if len(b) < int(rlen)+12 {
			return Fail[[]byte](StatusTruncated, "payload message shorter than its declared length")
		}
		payload := b[10 : 10+rlen]
		gotSum := be16(b[int(rlen)+10 : int(rlen)+12])
		wantSum, ok := CalcBlockChecksum(b)
		if !ok {
			return Fail[[]byte](StatusError, "block too short to checksum")
		}
		if gotSum != wantSum {
			return Response[[]byte]{Status: StatusError, Value: payload, Reason: "checksum mismatch"}
		}
		return Ok(payload)
	case 2: // RLE — see doc comment: preserved as fatal-on-success.
		runLength := uint16(b[5] << (8 + uint(b[6])))
		if int(10)+1 > len(b) {
			return Fail[[]byte](StatusTruncated, "RLE payload missing fill byte")
		}
		fill := b[10]
		out := make([]byte, runLength)
		for i := range out {
			out[i] = fill
		}
		return Response[[]byte]{Status: StatusError, Value: out, Reason: "RLE payload not supported"}
	default:
		return Failf[[]byte](StatusError, "unknown payload encoding %d", encoding)
	}
}

// CalcBlockChecksum computes the 16-bit modular (wraparound) sum over
// bytes [4, 4+payloadLength+overhead-4) of block, where overhead is 10
// and payloadLength = be16(block[5:7]). Returns ok=false if block is
// shorter than required — a structural protocol fault, signaled
// rather than silently truncated.
func CalcBlockChecksum(block []byte) (sum uint16, ok bool) {
	if len(block) < 7 {
		return 0, false
	}
	payloadLength := be16(block[5:7])
	end := 4 + int(payloadLength) + blockChecksumOverhead - 4
	if len(block) < end {
		return 0, false
	}
	return wrappingSum16(block[4:end]), true
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

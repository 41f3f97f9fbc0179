package pcm

import "testing"

// TestParseVinResponses covers concrete scenario 1 from the design
// notes: three block responses assemble into a known-good 17-char VIN.
func TestParseVinResponses(t *testing.T) {
	r1 := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x7C, 0x01, 0x00, 0x31, 0x47, 0x31, 0x59, 0x59})
	r2 := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x7C, 0x02, 0x32, 0x53, 0x32, 0x31, 0x33, 0x4D})
	r3 := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x7C, 0x03, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36})

	res := ParseVinResponses(r1, r2, r3)
	if !res.IsSuccess() {
		t.Fatalf("ParseVinResponses failed: %s", res.Reason)
	}
	if want := "1G1YY2S213M123456"; res.Value != want {
		t.Errorf("VIN = %q, want %q", res.Value, want)
	}
}

// TestParseSeedAlreadyUnlocked covers scenario 2.
func TestParseSeedAlreadyUnlocked(t *testing.T) {
	r := NewMessage([]byte{0x6C, 0x70, 0x10, 0x67, 0x01, 0x37})
	res := ParseSeed(r)
	if !res.IsSuccess() {
		t.Fatalf("ParseSeed failed: %s", res.Reason)
	}
	if res.Value != 0 {
		t.Errorf("seed = %d, want 0", res.Value)
	}
}

// TestParseUnlockResponseAccepted covers scenario 3.
func TestParseUnlockResponseAccepted(t *testing.T) {
	r := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x67, 0x01, 0x34})
	res := ParseUnlockResponse(r)
	if !res.IsSuccess() || !res.Value {
		t.Fatalf("ParseUnlockResponse = %+v, want Success(true)", res)
	}
}

func TestParseUnlockResponseRejectedAndTimeout(t *testing.T) {
	rejected := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x67, 0x01, 0x36})
	if res := ParseUnlockResponse(rejected); res.IsSuccess() {
		t.Errorf("expected failure for rejected key, got %+v", res)
	}
	timeout := NewMessage([]byte{0x6C, 0xF0, 0x10, 0x67, 0x01, 0x37})
	res := ParseUnlockResponse(timeout)
	if res.IsSuccess() || res.Status != StatusTimeout {
		t.Errorf("expected StatusTimeout, got %+v", res)
	}
}

// TestParsePayloadChecksumMismatch covers scenario 4: the payload bytes
// are still copied into the result even though the status is Error.
func TestParsePayloadChecksumMismatch(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	addr := uint32(0x001000)
	b := []byte{byte(PriorityBroadcast), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModePayload),
		0x01, // raw encoding
		0x00, 0x04, // rlen = 4
		byte(addr >> 16), byte(addr >> 8), byte(addr),
	}
	b = append(b, payload...)
	b = append(b, 0x00, 0x00) // trailing sum, deliberately wrong

	res := ParsePayload(NewMessage(b), 4, addr)
	if res.IsSuccess() {
		t.Fatalf("expected checksum mismatch to fail, got success")
	}
	if string(res.Value) != string(payload) {
		t.Errorf("payload bytes = % x, want % x (payload must survive a checksum failure)", res.Value, payload)
	}
}

// TestParseHighSpeedRefusal covers scenario 5.
func TestParseHighSpeedRefusal(t *testing.T) {
	refusal := NewMessage([]byte{0x6C, 0xFE, 0xF0, byte(ModeRejected), byte(ModeHighSpeed)})
	res := ParseHighSpeedRefusal(refusal)
	if !res.IsSuccess() || !res.Value {
		t.Fatalf("expected refusal to be detected, got %+v", res)
	}

	notRefusal := NewMessage([]byte{0x6C, 0xFE, 0xF0, byte(ModeHighSpeedPrepareR), 0x00})
	res2 := ParseHighSpeedRefusal(notRefusal)
	if res2.Status != StatusUnexpectedResponse {
		t.Errorf("expected StatusUnexpectedResponse, got %+v", res2)
	}
}

func TestParseRLEPayloadAlwaysError(t *testing.T) {
	b := []byte{byte(PriorityBroadcast), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModePayload),
		0x02,       // RLE encoding
		0x00, 0x00, // run-length source bytes
		0x00, 0x10, 0x00,
		0xFF, // fill byte
	}
	res := ParsePayload(NewMessage(b), 0, 0x001000)
	if res.IsSuccess() {
		t.Errorf("RLE branch must report Error even when decoding succeeds")
	}
}

func TestRunLengthPrecedenceBugPreserved(t *testing.T) {
	// actual[5]=0x01, actual[6]=0x02: the documented bug computes
	// actual[5] << (8+actual[6]) instead of (actual[5]<<8)+actual[6].
	// Since actual[5] is a single byte, any shift of 8 or more zeroes
	// it in Go, so the buggy result is always 0.
	b := []byte{byte(PriorityBroadcast), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModePayload),
		0x02,
		0x01, 0x02,
		0x00, 0x10, 0x00,
		0xAB,
	}
	res := ParsePayload(NewMessage(b), 0, 0x001000)
	if len(res.Value) != 0 {
		t.Errorf("expected the preserved precedence bug to yield a zero-length run, got %d bytes", len(res.Value))
	}
}

func TestVerifyPrefixTruncatedAndMismatch(t *testing.T) {
	short := verifyPrefix([]byte{0x01, 0x02}, []byte{0x01, 0x02, 0x03})
	if short.Status != StatusTruncated {
		t.Errorf("expected StatusTruncated, got %v", short.Status)
	}
	mismatch := verifyPrefix([]byte{0x01, 0x99, 0x03}, []byte{0x01, 0x02, 0x03})
	if mismatch.Status != StatusUnexpectedResponse {
		t.Errorf("expected StatusUnexpectedResponse, got %v", mismatch.Status)
	}
	ok := verifyPrefix([]byte{0x01, 0x02, 0x03, 0x04}, []byte{0x01, 0x02, 0x03})
	if !ok.IsSuccess() {
		t.Errorf("expected success, got %v", ok.Status)
	}
}

func TestCalcBlockChecksumRoundTrip(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	addr := uint32(0x002000)
	m := append([]byte{byte(PriorityBroadcast), byte(DeviceIDTool), byte(DeviceIDPcm), byte(ModePayload),
		0x01,
		0x00, byte(len(payload)),
		byte(addr >> 16), byte(addr >> 8), byte(addr),
	}, payload...)

	sum, ok := CalcBlockChecksum(m)
	if !ok {
		t.Fatalf("CalcBlockChecksum reported block too short")
	}
	full := append(m, byte(sum>>8), byte(sum))

	res := ParsePayload(NewMessage(full), uint16(len(payload)), addr)
	if !res.IsSuccess() {
		t.Fatalf("expected round-trip checksum to validate, got %+v", res)
	}
	if string(res.Value) != string(payload) {
		t.Errorf("payload = % x, want % x", res.Value, payload)
	}
}

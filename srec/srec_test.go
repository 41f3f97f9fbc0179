package srec

import (
	"bytes"
	"strings"
	"testing"
)

func TestS0(t *testing.T) {
	rec := S0("hello")
	if !strings.HasPrefix(rec, "S0") {
		t.Errorf("expected S0 record, got %q", rec)
	}
	t.Log(rec)
}

func TestS2RoundTripShape(t *testing.T) {
	rec := S2(0x00F000, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	if !strings.HasPrefix(rec, "S2") {
		t.Errorf("expected S2 record, got %q", rec)
	}
	// length byte = 3 (addr) + 4 (data) + 1 (checksum) = 8
	if !strings.HasPrefix(rec, "S208") {
		t.Errorf("expected length byte 08, got %q", rec)
	}
}

func TestWriteImage(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := WriteImage(&buf, 0x010000, data, "test image"); err != nil {
		t.Fatalf("WriteImage failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// 1 header + ceil(100/32) data records + 1 terminator
	wantLines := 1 + 4 + 1
	if len(lines) != wantLines {
		t.Errorf("expected %d lines, got %d", wantLines, len(lines))
	}
	if !strings.HasPrefix(lines[0], "S0") {
		t.Errorf("first line should be S0 header, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[len(lines)-1], "S8") {
		t.Errorf("last line should be S8 terminator, got %q", lines[len(lines)-1])
	}
}

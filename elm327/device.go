// Package elm327 implements pcm.Device over an ELM327-class pass-through
// adapter attached as a local serial port. It drives the adapter with AT
// commands and exchanges J1850 VPW frames as ASCII hex lines, the way
// every ELM327 clone on the market expects.
//
// The request/response idiom is borrowed from bootloader.conn.Exchange:
// write, arm a deadline, read, retry on timeout. Here it runs over AT
// command lines terminated by the adapter's ">" prompt instead of binary
// EBM frames over a raw Ethernet socket.
package elm327

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	serial "github.com/daedaluz/goserial"

	"git.dolansoft.org/lorenz/pcmhack/pcm"
)

// Config selects the serial port and initial line settings used to reach
// the adapter. Baud is expressed as one of serial's CFlag speed constants
// (e.g. serial.B38400, serial.B115200); most USB ELM327 clones default to
// 38400 but OBDLink-class devices run faster.
type Config struct {
	PortName string
	Baud     serial.CFlag
}

// Device adapts a serial-attached ELM327 clone to pcm.Device. It keeps no
// internal framing state beyond the open port and the currently configured
// read timeout; message framing is entirely up to the PCM protocol layer
// above it.
type Device struct {
	port    *serial.Port
	reader  *bufio.Reader
	timeout time.Duration
	caps    pcm.DeviceCapabilities
}

// ErrNoPrompt is returned when the adapter never produced its trailing
// ">" prompt within the configured number of retries.
var ErrNoPrompt = errors.New("elm327: no command prompt before timeout")

// Open opens the serial port described by cfg and leaves it in raw mode
// at the requested baud rate. It does not yet talk to the adapter; call
// Initialize to reset it into a known state.
func Open(cfg Config) (*Device, error) {
	opts := serial.NewOptions()
	opts.SetReadTimeout(200 * time.Millisecond)
	port, err := serial.Open(cfg.PortName, opts)
	if err != nil {
		return nil, fmt.Errorf("elm327: open %s: %w", cfg.PortName, err)
	}

	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("elm327: get termios: %w", err)
	}
	attrs.MakeRaw()
	baud := cfg.Baud
	if baud == 0 {
		baud = serial.B38400
	}
	attrs.SetSpeed(baud)
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("elm327: set termios: %w", err)
	}

	d := &Device{
		port:    port,
		reader:  bufio.NewReader(port),
		timeout: 1 * time.Second,
		caps: pcm.DeviceCapabilities{
			Supports4x:    true,
			MaxSendSize:   512,
			MaxReceiveSize: 512,
			Description:   fmt.Sprintf("ELM327-class adapter on %s", cfg.PortName),
		},
	}
	return d, nil
}

// Initialize resets the adapter, disables echo and line wrapping, and
// selects J1850 VPW (protocol 2) as the active bus.
func (d *Device) Initialize(ctx context.Context) (bool, error) {
	for _, cmd := range []string{"ATZ", "ATE0", "ATL0", "ATH1", "ATS0", "ATSP2"} {
		if _, err := d.atExchange(ctx, cmd); err != nil {
			return false, fmt.Errorf("elm327: init command %q: %w", cmd, err)
		}
	}
	return true, nil
}

// atExchange writes cmd terminated by a carriage return and reads until
// the adapter's ">" prompt, retrying on a read timeout the way
// bootloader.conn.Exchange retries a dropped EBM datagram.
func (d *Device) atExchange(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	var sb strings.Builder
	buf := make([]byte, 256)
	for attempt := 0; attempt < pcm.MaxReceiveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := d.port.ReadTimeout(buf, d.timeout)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		sb.Write(buf[:n])
		if strings.Contains(sb.String(), ">") {
			return strings.TrimSpace(strings.TrimSuffix(sb.String(), ">")), nil
		}
	}
	return "", ErrNoPrompt
}

// SendMessage encodes m as an ASCII hex line and writes it to the
// adapter, which forwards the raw frame onto the VPW bus.
func (d *Device) SendMessage(ctx context.Context, m pcm.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	line := strings.ToUpper(hex.EncodeToString(m.Bytes()))
	resp, err := d.atExchange(ctx, line)
	if err != nil {
		return false, err
	}
	if strings.Contains(resp, "NO DATA") || strings.Contains(resp, "BUS BUSY") || strings.Contains(resp, "?") {
		return false, nil
	}
	return true, nil
}

// ReceiveMessage reads one hex-encoded frame line from the adapter. It
// returns (nil, nil) on a read timeout, matching the spec's convention
// that a timeout is not itself an error but an empty poll result for the
// caller's retry loop to act on.
func (d *Device) ReceiveMessage(ctx context.Context) (*pcm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := d.readLine(ctx)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	line = strings.TrimSpace(strings.ReplaceAll(line, " ", ""))
	if line == "" || line == ">" {
		return nil, nil
	}
	raw, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("elm327: malformed frame %q: %w", line, err)
	}
	if len(raw) < 4 {
		return nil, nil
	}
	m := pcm.NewMessage(raw)
	return &m, nil
}

func (d *Device) readLine(ctx context.Context) (string, error) {
	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := d.reader.ReadString('\r')
		ch <- result{s, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.s, r.err
	}
}

// ClearMessageQueue drains any frames the adapter has already buffered,
// using a short deadline so it returns promptly once the bus goes quiet.
// Sensitive sequences (unlock, VIN and serial queries, VIN write) call
// this before they start
// so a stray earlier response can't be mistaken for a fresh one, since
// the PCM protocol above identifies replies positionally rather than by
// request ID.
func (d *Device) ClearMessageQueue(ctx context.Context) error {
	prev := d.timeout
	d.timeout = 20 * time.Millisecond
	defer func() { d.timeout = prev }()
	for {
		m, err := d.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
	}
}

// SetTimeout maps a protocol phase onto a read deadline appropriate for
// that phase: short for ordinary property reads, long for the slower
// kernel-upload and block-read phases.
func (d *Device) SetTimeout(ctx context.Context, scenario pcm.TimeoutScenario) error {
	switch scenario {
	case pcm.TimeoutReadProperty:
		d.timeout = 200 * time.Millisecond
	case pcm.TimeoutReadMemoryBlock:
		d.timeout = 1 * time.Second
	case pcm.TimeoutSendKernel:
		d.timeout = 5 * time.Second
	default:
		return fmt.Errorf("elm327: unknown timeout scenario %v", scenario)
	}
	return nil
}

// SetVpwSpeed switches the adapter between standard-speed (10.4 kbps) and
// high-speed (4x, 41.6 kbps) VPW, using the adapter's proprietary VPW
// speed-shift command. Most ELM327 clones that support GM 4x expose this
// as a custom "AT" extension rather than a documented standard command.
func (d *Device) SetVpwSpeed(ctx context.Context, speed pcm.VpwSpeed) error {
	cmd := "ATVPW1"
	if speed == pcm.VpwSpeedFourX {
		cmd = "ATVPW4"
	}
	if _, err := d.atExchange(ctx, cmd); err != nil {
		return fmt.Errorf("elm327: switch to %s: %w", speed, err)
	}
	return nil
}

// Capabilities reports the fixed chunk-size limits this adapter family
// advertises. Real hardware varies; these defaults assume a standard
// ELM327 USB/Bluetooth clone with a 512-byte internal buffer.
func (d *Device) Capabilities() pcm.DeviceCapabilities {
	return d.caps
}

// Dispose closes the underlying serial port. Safe to call once; a second
// call surfaces the port's own already-closed error.
func (d *Device) Dispose() error {
	return d.port.Close()
}

// Command pcminfo identifies a GM PCM without unlocking or flashing it:
// VIN, serial number, broadcast code, manufacturer enable counter,
// operating system, hardware and calibration identifiers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	serial "github.com/daedaluz/goserial"

	"git.dolansoft.org/lorenz/pcmhack/elm327"
	"git.dolansoft.org/lorenz/pcmhack/pcm"
)

var (
	port = flag.String("port", "", "Serial port the pass-through adapter is attached to")
	baud = flag.Uint("baud", 38400, "Serial baud rate")
)

func main() {
	flag.Parse()
	if *port == "" {
		log.Fatalf("port argument needs to be set")
	}

	dev, err := elm327.Open(elm327.Config{PortName: *port, Baud: serial.CFlag(*baud)})
	if err != nil {
		log.Fatalf("failed to open adapter: %v", err)
	}
	defer dev.Dispose()

	ctx := context.Background()
	if _, err := dev.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize adapter: %v", err)
	}

	engine := pcm.NewEngine(dev, pcm.WriterLogger{W: os.Stderr})
	defer engine.Dispose()

	type query struct {
		name string
		run  func() (string, pcm.ResponseStatus, string, bool)
	}
	strQuery := func(name string, r pcm.Response[string]) query {
		return query{name, func() (string, pcm.ResponseStatus, string, bool) {
			return r.Value, r.Status, r.Reason, r.IsSuccess()
		}}
	}
	u32Query := func(name string, r pcm.Response[uint32]) query {
		return query{name, func() (string, pcm.ResponseStatus, string, bool) {
			return fmt.Sprintf("%d", r.Value), r.Status, r.Reason, r.IsSuccess()
		}}
	}

	queries := []query{
		strQuery("VIN", engine.QueryVin(ctx)),
		strQuery("Serial", engine.QuerySerial(ctx)),
		strQuery("BCC", engine.QueryBCC(ctx)),
		strQuery("MEC", engine.QueryMEC(ctx)),
		u32Query("OS ID", engine.QueryOperatingSystemID(ctx)),
		u32Query("HW ID", engine.QueryHardwareID(ctx)),
		u32Query("Cal ID", engine.QueryCalibrationID(ctx)),
	}

	failures := 0
	for _, q := range queries {
		value, status, reason, ok := q.run()
		if !ok {
			log.Printf("%s: failed (%s): %s", q.name, status, reason)
			failures++
			continue
		}
		log.Printf("%s: %s", q.name, value)
	}

	engine.Cleanup(ctx)
	if failures > 0 {
		os.Exit(1)
	}
}

// Command pcmread unlocks a GM PCM, negotiates 4x VPW, uploads a kernel
// and reads back the complete flash image.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"

	serial "github.com/daedaluz/goserial"

	"git.dolansoft.org/lorenz/pcmhack/elm327"
	"git.dolansoft.org/lorenz/pcmhack/pcm"
	"git.dolansoft.org/lorenz/pcmhack/srec"
)

var (
	port           = flag.String("port", "", "Serial port the pass-through adapter is attached to")
	baud           = flag.Uint("baud", 38400, "Serial baud rate")
	kernelPath     = flag.String("kernel", "", "Path to the kernel binary to upload into PCM RAM")
	loadAddress    = flag.Uint("load-addr", 0, "Kernel load address (0 uses the engine default)")
	baseAddress    = flag.Uint("base-addr", 0, "Flash image base address")
	imageSize      = flag.Uint("size", 0, "Flash image size in bytes")
	keyAlgorithmID = flag.Uint("key-algo", 0, "Seed/key algorithm identifier for this vehicle family")
	outPath        = flag.String("out", "image.bin", "Output file for the raw flash image")
	srecPath       = flag.String("srec", "", "Optional path to also write an S-record export")
)

// placeholderKeyAlgorithm stands in for the real family-specific seed/key
// function, which is proprietary to each vehicle platform and must be
// supplied separately; it is not something this tool can derive on its
// own.
func placeholderKeyAlgorithm(algorithmID uint16, seed uint16) uint16 {
	return seed ^ algorithmID
}

func main() {
	flag.Parse()
	if *port == "" {
		log.Fatalf("port argument needs to be set")
	}
	if *kernelPath == "" {
		log.Fatalf("kernel argument needs to be set")
	}
	if *imageSize == 0 {
		log.Fatalf("size argument needs to be set")
	}

	kernel, err := os.ReadFile(*kernelPath)
	if err != nil {
		log.Fatalf("failed to read kernel: %v", err)
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

	logger := pcm.WriterLogger{W: os.Stderr}
	engine := pcm.NewEngine(dev, logger)
	defer engine.Dispose()

	vin := engine.QueryVin(ctx)
	if !vin.IsSuccess() {
		log.Fatalf("failed to read VIN: %s", vin.Reason)
	}
	log.Printf("VIN: %s", vin.Value)

	unlock := engine.UnlockEcu(ctx, uint16(*keyAlgorithmID), placeholderKeyAlgorithm)
	if !unlock.IsSuccess() || !unlock.Value {
		log.Fatalf("failed to unlock PCM: %s", unlock.Reason)
	}

	info := pcm.PcmInfo{
		ImageBaseAddress: uint32(*baseAddress),
		ImageSize:        uint32(*imageSize),
		KeyAlgorithmID:   uint16(*keyAlgorithmID),
	}

	blocksRead := 0
	toolPresent := func() {
		blocksRead++
		log.Printf("still reading... (%d notifications)", blocksRead)
	}

	result := engine.ReadContents(ctx, info, kernel, uint32(*loadAddress), toolPresent, nil)
	if !result.IsSuccess() {
		log.Fatalf("failed to read flash image: %s", result.Reason)
	}

	if err := os.WriteFile(*outPath, result.Value, 0644); err != nil {
		log.Fatalf("failed to write output file: %v", err)
	}
	log.Printf("wrote %d bytes to %s (checksum %s)", len(result.Value), *outPath, strconv.FormatUint(uint64(pcm.ImageChecksum(result.Value)), 16))

	if *srecPath != "" {
		out, err := os.Create(*srecPath)
		if err != nil {
			log.Fatalf("failed to create S-record file: %v", err)
		}
		defer out.Close()
		if err := srec.WriteImage(out, info.ImageBaseAddress, result.Value, "pcmread flash dump"); err != nil {
			log.Fatalf("failed to write S-record file: %v", err)
		}
	}
}

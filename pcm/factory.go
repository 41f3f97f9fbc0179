package pcm

// MessageFactory is a set of pure, deterministic constructors building
// outbound Messages. Every function here mirrors one of the teacher's
// ebm.go/bootloader.go message builders (associateRequest,
// downloadBegin, downloadRecord, downloadEnd, connect): a small
// function that fills a header and appends a mode-specific payload.

// CreateVinRequestN builds the request for VIN block n (1..3): a
// 5-byte request {Physical0, Pcm, Tool, BlockRead, VinN}.
func CreateVinRequestN(n int) Message {
	var block BlockID
	switch n {
	case 1:
		block = BlockIDVin1
	case 2:
		block = BlockIDVin2
	case 3:
		block = BlockIDVin3
	default:
		panic("pcm: VIN block number must be 1, 2 or 3")
	}
	return blockReadRequest(block)
}

// CreateSerialRequestN builds the request for serial block n (1..3).
func CreateSerialRequestN(n int) Message {
	var block BlockID
	switch n {
	case 1:
		block = BlockIDSerial1
	case 2:
		block = BlockIDSerial2
	case 3:
		block = BlockIDSerial3
	default:
		panic("pcm: serial block number must be 1, 2 or 3")
	}
	return blockReadRequest(block)
}

// CreateBCCRequest builds the Broadcast Code block-read request.
func CreateBCCRequest() Message { return blockReadRequest(BlockIDBCC) }

// CreateMECRequest builds the Manufacturer Enable Counter block-read
// request.
func CreateMECRequest() Message { return blockReadRequest(BlockIDMEC) }

// CreateOperatingSystemIdReadRequest builds the OS-id block-read
// request; the response parses as a big-endian uint32.
func CreateOperatingSystemIdReadRequest() Message { return blockReadRequest(BlockIDOSID) }

// CreateHardwareIdReadRequest builds the hardware-id block-read
// request; the response parses as a big-endian uint32.
func CreateHardwareIdReadRequest() Message { return blockReadRequest(BlockIDHWID) }

// CreateCalibrationIdReadRequest builds the calibration-id block-read
// request; the response parses as a big-endian uint32.
func CreateCalibrationIdReadRequest() Message { return blockReadRequest(BlockIDCalID) }

func blockReadRequest(block BlockID) Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeBlockRead).
		byte(byte(block)).build()
}

// CreateVinWriteBlock builds the write request for one of the three
// 6-byte VIN blocks (used by UpdateVin).
func CreateVinWriteBlock(n int, data [6]byte) Message {
	var block BlockID
	switch n {
	case 1:
		block = BlockIDVin1
	case 2:
		block = BlockIDVin2
	case 3:
		block = BlockIDVin3
	default:
		panic("pcm: VIN block number must be 1, 2 or 3")
	}
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeBlockWrite).
		byte(byte(block)).bytes(data[:]).build()
}

// CreateSeedRequest builds the seed/unlock-stage-1 request:
// {Physical0, Pcm, Tool, Seed, 0x01}.
func CreateSeedRequest() Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeSeed).
		byte(0x01).build()
}

// CreateUnlockRequest builds the unlock-stage-2 request carrying the
// derived 16-bit key: {Physical0, Pcm, Tool, Seed, 0x02, key_hi, key_lo}.
func CreateUnlockRequest(key uint16) Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeSeed).
		byte(0x02).uint16be(key).build()
}

// CreateHighSpeedPermissionRequest asks dest for permission to switch
// to 4x VPW.
func CreateHighSpeedPermissionRequest(dest DeviceID) Message {
	return newHeader(PriorityPhysical0, dest, DeviceIDTool, ModeHighSpeedPrepare).build()
}

// CreateBeginHighSpeed instructs dest to actually switch to 4x VPW.
func CreateBeginHighSpeed(dest DeviceID) Message {
	return newHeader(PriorityPhysical0, dest, DeviceIDTool, ModeHighSpeed).build()
}

// modeDisableNormalMsg suppresses routine bus chatter from other
// modules while the tool owns the bus.
const modeDisableNormalMsg Mode = 0x28

// CreateDisableNormalMessageTransmission builds the broadcast chatter
// suppression request.
func CreateDisableNormalMessageTransmission() Message {
	return newHeader(PriorityPhysical0, DeviceIDBroadcast, DeviceIDTool, modeDisableNormalMsg).build()
}

// CreateUploadRequest asks the PCM for permission to upload size bytes
// of kernel to address in RAM.
func CreateUploadRequest(size uint32, address uint32) Message {
	b := newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeUpload)
	b.byte(byte(size >> 24)).byte(byte(size >> 16)).byte(byte(size >> 8)).byte(byte(size))
	b.addr24be(address)
	return b.build()
}

// CreateBlockMessage builds one chunk of the kernel upload. The wire
// layout is the authoritative 12-byte overhead from spec.md §9: 3-byte
// address, 2-byte length, 1-byte execute-on-load flag, the chunk
// itself, then a 2-byte big-endian checksum computed the same way
// CalcBlockChecksum verifies incoming payload blocks.
func CreateBlockMessage(payload []byte, offset uint32, length uint16, address uint32, executeOnLoad bool) Message {
	b := newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeUpload)
	b.addr24be(address + offset)
	b.uint16be(length)
	flag := byte(0)
	if executeOnLoad {
		flag = 1
	}
	b.byte(flag)
	b.bytes(payload)
	msg := b.build()
	sum := wrappingSum16(msg.Bytes()[4:])
	return NewMessage(append(msg.Bytes(), byte(sum>>8), byte(sum)))
}

// CreateReadRequest asks the kernel to push back length bytes starting
// at address.
func CreateReadRequest(address uint32, length uint16) Message {
	b := newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeReadRequest)
	b.addr24be(address)
	b.uint16be(length)
	return b.build()
}

// CreateExitKernel builds the request telling the kernel to relinquish
// control of the PCM.
func CreateExitKernel() Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeExitKernel).build()
}

// CreateClearDTCs builds the clear-diagnostic-trouble-codes request.
func CreateClearDTCs() Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeClearDTCs).build()
}

// CreateClearDTCsOK builds the confirmation the tool sends after the
// PCM acknowledges a clear-DTCs request, per the two-step GM clear
// sequence.
func CreateClearDTCsOK() Message {
	return newHeader(PriorityPhysical0, DeviceIDPcm, DeviceIDTool, ModeClearDTCs).
		byte(0x01).build()
}

// wrappingSum16 is the 16-bit modular sum used both by
// CreateBlockMessage to stamp outgoing chunks and by
// CalcBlockChecksum to verify incoming ones.
func wrappingSum16(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}

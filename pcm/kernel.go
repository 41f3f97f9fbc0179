package pcm

import (
	"context"
	"fmt"
)

// PCMExecute uploads payload into PCM RAM starting at baseAddress and
// leaves the final chunk flagged to execute on load. Chunking is
// grounded on the teacher's bootloader.DownloadAndBoot, which streams
// one S-record at a time through conn.Exchange; here the stream is
// raw binary chunks sized to the device's advertised max send size,
// sent in the spec's documented remainder-first, highest-offset-down
// order (scenario 6 in spec.md §8).
func (e *Engine) PCMExecute(ctx context.Context, payload []byte, baseAddress uint32) Response[bool] {
	permission := Query(ctx, e.dev, e.logger,
		func() Message { return CreateUploadRequest(uint32(len(payload)), baseAddress) },
		ParseUploadPermissionResponse)
	if !permission.IsSuccess() {
		return permission
	}
	if !permission.Value {
		return Fail[bool](StatusRefused, "PCM denied kernel upload request")
	}

	if err := e.dev.SetTimeout(ctx, TimeoutSendKernel); err != nil {
		return Fail[bool](StatusError, err.Error())
	}

	caps := e.dev.Capabilities()
	chunkSize := int(caps.MaxSendSize) - chunkOverhead
	if chunkSize <= 0 {
		return Fail[bool](StatusError, "device max send size too small for kernel upload")
	}

	total := len(payload)
	count := total / chunkSize
	rem := total % chunkSize

	type chunk struct {
		offset  uint32
		length  uint16
		execute bool
	}
	var chunks []chunk
	if rem > 0 {
		chunks = append(chunks, chunk{offset: uint32(count * chunkSize), length: uint16(rem), execute: rem == total})
	}
	for i := count - 1; i >= 0; i-- {
		chunks = append(chunks, chunk{offset: uint32(i * chunkSize), length: uint16(chunkSize), execute: i == 0})
	}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return Fail[bool](StatusCancelled, err.Error())
		}
		data := payload[c.offset : c.offset+uint32(c.length)]
		res := Query(ctx, e.dev, e.logger,
			func() Message { return CreateBlockMessage(data, c.offset, c.length, baseAddress, c.execute) },
			ParseUploadResponse)
		if !res.IsSuccess() {
			return res
		}
		if !res.Value {
			return Fail[bool](StatusRefused, "PCM rejected kernel block write")
		}
	}
	return Ok(true)
}

// ReadContents uploads the kernel, then drives it to read back the
// full flash image block by block. Cleanup runs on every exit path:
// success, error, or cancellation.
func (e *Engine) ReadContents(ctx context.Context, info PcmInfo, kernel []byte, loadAddress uint32, toolPresent func(), cancel <-chan struct{}) Response[[]byte] {
	if loadAddress == 0 {
		loadAddress = defaultKernelLoadAddress
	}
	defer e.Cleanup(ctx)

	if toolPresent != nil {
		toolPresent()
	}

	speedRes := e.VehicleSetVPW4x(ctx, VpwSpeedFourX)
	if !speedRes.IsSuccess() {
		return Fail[[]byte](speedRes.Status, "failed to negotiate 4x VPW: "+speedRes.Reason)
	}

	execRes := e.PCMExecute(ctx, kernel, loadAddress)
	if !execRes.IsSuccess() || !execRes.Value {
		if execRes.IsSuccess() {
			return Fail[[]byte](StatusRefused, "kernel upload refused")
		}
		return Fail[[]byte](execRes.Status, "kernel upload failed: "+execRes.Reason)
	}

	if err := e.dev.SetTimeout(ctx, TimeoutReadMemoryBlock); err != nil {
		return Fail[[]byte](StatusError, err.Error())
	}

	caps := e.dev.Capabilities()
	blockSize := int(caps.MaxReceiveSize) - chunkOverhead
	if blockSize <= 0 {
		return Fail[[]byte](StatusError, "device max receive size too small for memory reads")
	}

	image := make([]byte, info.ImageSize)
	addr := info.ImageBaseAddress
	end := info.ImageBaseAddress + info.ImageSize
	blocksSinceNotify := 0

	for addr < end {
		select {
		case <-cancel:
			return Fail[[]byte](StatusCancelled, "read cancelled")
		default:
		}
		if err := ctx.Err(); err != nil {
			return Fail[[]byte](StatusCancelled, err.Error())
		}

		want := uint16(blockSize)
		if remaining := end - addr; remaining < uint32(blockSize) {
			want = uint16(remaining)
		}

		data, res := e.tryReadBlock(ctx, addr, want)
		if !res.IsSuccess() {
			return Fail[[]byte](res.Status, res.Reason)
		}
		copy(image[addr-info.ImageBaseAddress:], data)
		addr += uint32(want) // monotone progress: strictly increases by the block size each successful iteration

		blocksSinceNotify++
		if toolPresent != nil && blocksSinceNotify >= 16 {
			toolPresent()
			blocksSinceNotify = 0
		}
	}
	return Ok(image)
}

// tryReadBlock sends one CreateReadRequest and waits for the kernel's
// acknowledgement followed by the pushed payload. Unrelated messages
// observed while waiting for either are ignored, not treated as
// failures, consistent with spec.md's positional-correlation model.
func (e *Engine) tryReadBlock(ctx context.Context, addr uint32, length uint16) ([]byte, Response[bool]) {
	ack := Query(ctx, e.dev, e.logger,
		func() Message { return CreateReadRequest(addr, length) },
		ParseReadResponse)
	if !ack.IsSuccess() {
		return nil, ack
	}
	if !ack.Value {
		return nil, Fail[bool](StatusRefused, "PCM rejected memory read request")
	}

	for recv := 0; recv < MaxSendAttempts*MaxReceiveAttempts; recv++ {
		if err := ctx.Err(); err != nil {
			return nil, Fail[bool](StatusCancelled, err.Error())
		}
		m, err := e.dev.ReceiveMessage(ctx)
		if err != nil {
			return nil, Fail[bool](StatusError, err.Error())
		}
		if m == nil {
			e.logger.AddDebugMessage(fmt.Sprintf("payload receive attempt %d/%d timed out at %06x, retrying", recv+1, MaxSendAttempts*MaxReceiveAttempts, addr))
			continue
		}
		payload := ParsePayload(*m, length, addr)
		if payload.Status == StatusUnexpectedResponse {
			e.logger.AddDebugMessage("draining stray message while awaiting payload: " + payload.Reason)
			continue
		}
		if !payload.IsSuccess() {
			return payload.Value, Fail[bool](payload.Status, payload.Reason)
		}
		return payload.Value, Ok(true)
	}
	return nil, Fail[bool](StatusTimeout, "no payload received for block")
}

// ImageChecksum computes the same 16-bit wrapping sum CalcBlockChecksum
// uses, over an assembled image, to let two read-outs of the same PCM
// be compared without a diff tool.
func ImageChecksum(image []byte) uint16 {
	return wrappingSum16(image)
}

package pcm

import (
	"context"
	"fmt"
)

// Query is the generic send-one/receive-one/parse-one primitive every
// higher-level operation in ProtocolEngine is built from. It mirrors
// the teacher's bootloader.conn.Exchange retry-on-timeout loop, but
// generalized into two nested bounded loops instead of one fixed-5
// loop: an outer send retry (MaxSendAttempts) and, per successful
// send, an inner receive retry (MaxReceiveAttempts) that drains stray
// UnexpectedResponse messages and accepts the first Success. This is
// what gives the engine its documented retry bound of
// MaxSendAttempts * MaxReceiveAttempts message I/O actions per phase.
//
// A parse outcome of StatusSuccess returns immediately.
// StatusUnexpectedResponse is treated as a stray message and the
// receive loop keeps draining. Any other status (Error, Refused,
// Truncated, Cancelled) is terminal and returned immediately without
// further retry, per spec.md §7's propagation rules.
//
// logger may be nil, in which case retries are silent; every retry
// (send rejected, receive timeout, stray message drained) otherwise
// produces a debug message per spec.md §7 ("retry attempts produce
// debug messages only").
func Query[T any](ctx context.Context, dev Device, logger Logger, gen func() Message, parse func(Message) Response[T]) Response[T] {
	if logger == nil {
		logger = discardLogger{}
	}
	for send := 0; send < MaxSendAttempts; send++ {
		if err := ctx.Err(); err != nil {
			return Fail[T](StatusCancelled, err.Error())
		}
		ok, err := dev.SendMessage(ctx, gen())
		if err != nil {
			return Fail[T](StatusError, "send failed: "+err.Error())
		}
		if !ok {
			logger.AddDebugMessage(fmt.Sprintf("send attempt %d/%d rejected by device, retrying", send+1, MaxSendAttempts))
			continue
		}

		for recv := 0; recv < MaxReceiveAttempts; recv++ {
			if err := ctx.Err(); err != nil {
				return Fail[T](StatusCancelled, err.Error())
			}
			m, err := dev.ReceiveMessage(ctx)
			if err != nil {
				return Fail[T](StatusError, "receive failed: "+err.Error())
			}
			if m == nil {
				logger.AddDebugMessage(fmt.Sprintf("receive attempt %d/%d timed out, retrying", recv+1, MaxReceiveAttempts))
				continue
			}
			parsed := parse(*m)
			switch parsed.Status {
			case StatusSuccess:
				return parsed
			case StatusUnexpectedResponse:
				logger.AddDebugMessage("draining stray message: " + parsed.Reason)
				continue
			default:
				return parsed
			}
		}
	}
	return Fail[T](StatusTimeout, "no matching response after max send/receive attempts")
}

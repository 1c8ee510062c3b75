package escrow

import (
	"fmt"
	"math"
)

// Timelocks describes the phase boundaries of one escrow as offsets in seconds
// from the deployment instant. DeployedAt is set once when the escrow is
// accepted and never changes afterwards.
type Timelocks struct {
	Withdrawal       uint64
	PublicWithdrawal uint64
	Cancellation     uint64
	DeployedAt       int64
}

// ValidateOrdering enforces the strict phase ordering
// withdrawal < public withdrawal < cancellation.
func (t Timelocks) ValidateOrdering() error {
	if t.Withdrawal >= t.PublicWithdrawal || t.PublicWithdrawal >= t.Cancellation {
		return fmt.Errorf("%w: timelocks must satisfy withdrawal < public withdrawal < cancellation", ErrInvalidTime)
	}
	return nil
}

// WithdrawalStart returns the instant the private withdrawal phase opens.
func (t Timelocks) WithdrawalStart() int64 {
	return saturatingDeadline(t.DeployedAt, t.Withdrawal)
}

// PublicWithdrawalStart returns the instant the public withdrawal phase opens.
func (t Timelocks) PublicWithdrawalStart() int64 {
	return saturatingDeadline(t.DeployedAt, t.PublicWithdrawal)
}

// CancellationStart returns the instant cancellation becomes available and
// both withdrawal phases close.
func (t Timelocks) CancellationStart() int64 {
	return saturatingDeadline(t.DeployedAt, t.Cancellation)
}

// RescueStart returns the instant the long-stop rescue path opens. The delay
// is a protocol parameter independent of the other three timelocks.
func (t Timelocks) RescueStart(rescueDelay uint64) int64 {
	return saturatingDeadline(t.DeployedAt, rescueDelay)
}

// saturatingDeadline adds an unsigned offset to a unix timestamp, clamping at
// the maximum representable instant instead of wrapping.
func saturatingDeadline(base int64, offset uint64) int64 {
	if offset > math.MaxInt64 {
		return math.MaxInt64
	}
	if base > math.MaxInt64-int64(offset) {
		return math.MaxInt64
	}
	return base + int64(offset)
}

package escrow

import (
	"errors"
	"math"
	"testing"
)

func TestTimelockOrdering(t *testing.T) {
	ok := Timelocks{Withdrawal: 100, PublicWithdrawal: 200, Cancellation: 300}
	if err := ok.ValidateOrdering(); err != nil {
		t.Fatalf("strictly increasing offsets rejected: %v", err)
	}

	cases := []Timelocks{
		{Withdrawal: 200, PublicWithdrawal: 200, Cancellation: 300},
		{Withdrawal: 100, PublicWithdrawal: 300, Cancellation: 300},
		{Withdrawal: 300, PublicWithdrawal: 200, Cancellation: 100},
	}
	for i, tl := range cases {
		if err := tl.ValidateOrdering(); !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("case %d: expected ErrInvalidTime, got %v", i, err)
		}
	}
}

func TestTimelockBoundaries(t *testing.T) {
	tl := Timelocks{Withdrawal: 100, PublicWithdrawal: 200, Cancellation: 300, DeployedAt: 1_000}
	if got := tl.WithdrawalStart(); got != 1_100 {
		t.Fatalf("withdrawal start = %d", got)
	}
	if got := tl.PublicWithdrawalStart(); got != 1_200 {
		t.Fatalf("public withdrawal start = %d", got)
	}
	if got := tl.CancellationStart(); got != 1_300 {
		t.Fatalf("cancellation start = %d", got)
	}
	if got := tl.RescueStart(500); got != 1_500 {
		t.Fatalf("rescue start = %d", got)
	}
}

func TestTimelockDeadlineSaturates(t *testing.T) {
	tl := Timelocks{Withdrawal: math.MaxUint64, DeployedAt: math.MaxInt64 - 1}
	if got := tl.WithdrawalStart(); got != math.MaxInt64 {
		t.Fatalf("expected saturation at MaxInt64, got %d", got)
	}
}

package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowState represents the lifecycle states of a hashed-timelock escrow.
// Active is the sole initial state; the remaining three are terminal.
type EscrowState uint8

const (
	StateActive EscrowState = iota
	StateCompleted
	StateCancelled
	StateRescued
)

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool {
	switch s {
	case StateActive, StateCompleted, StateCancelled, StateRescued:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave the state.
func (s EscrowState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateRescued
}

func (s EscrowState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateRescued:
		return "rescued"
	default:
		return "unknown"
	}
}

// EscrowKind distinguishes the two legs of a cross-chain swap: a source escrow
// locks funds on this side until the counterparty chain reveals the secret, a
// destination escrow releases funds here when a secret from the other chain is
// provided.
type EscrowKind uint8

const (
	KindSource EscrowKind = iota
	KindDestination
)

func (k EscrowKind) Valid() bool {
	return k == KindSource || k == KindDestination
}

func (k EscrowKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// ParseEscrowKind converts the wire representation ("source"/"destination")
// into an EscrowKind.
func ParseEscrowKind(value string) (EscrowKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "source", "src":
		return KindSource, nil
	case "destination", "dst":
		return KindDestination, nil
	default:
		return 0, fmt.Errorf("%w: unknown escrow kind %q", ErrInvalidState, value)
	}
}

// EscrowImmutables captures the terms of one swap leg. Once an escrow is
// accepted these fields never change; the engine only ever mutates the runtime
// portion of the Escrow record.
type EscrowImmutables struct {
	OrderHash     [32]byte
	Hashlock      [32]byte
	Maker         string
	Taker         string
	Token         string
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     Timelocks
}

// Validate checks the immutables against the protocol parameters. The first
// failing rule determines the returned error; nothing is mutated.
func (imm *EscrowImmutables) Validate(params Params) error {
	if imm == nil {
		return fmt.Errorf("%w: nil immutables", ErrInvalidState)
	}
	if imm.Hashlock == ([32]byte{}) {
		return fmt.Errorf("%w: hashlock must be a 32-byte digest", ErrInvalidHashlock)
	}
	if imm.OrderHash == ([32]byte{}) {
		return fmt.Errorf("%w: order hash must be a 32-byte digest", ErrInvalidHashlock)
	}
	amount := imm.Amount
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if params.MinAmount != nil && amount.Cmp(params.MinAmount) < 0 {
		return fmt.Errorf("%w: amount below protocol minimum", ErrInvalidAmount)
	}
	if params.MaxAmount != nil && amount.Cmp(params.MaxAmount) > 0 {
		return fmt.Errorf("%w: amount above protocol maximum", ErrInvalidAmount)
	}
	deposit := imm.SafetyDeposit
	if deposit == nil || deposit.Sign() < 0 {
		return fmt.Errorf("%w: safety deposit must be non-negative", ErrInvalidAmount)
	}
	if params.MinSafetyDeposit != nil && deposit.Cmp(params.MinSafetyDeposit) < 0 {
		return fmt.Errorf("%w: safety deposit below protocol minimum", ErrInvalidAmount)
	}
	maker := strings.TrimSpace(imm.Maker)
	taker := strings.TrimSpace(imm.Taker)
	if maker == "" || taker == "" {
		return fmt.Errorf("%w: maker and taker required", ErrInvalidAddress)
	}
	if maker == taker {
		return fmt.Errorf("%w: maker and taker must differ", ErrInvalidAddress)
	}
	if err := imm.Timelocks.ValidateOrdering(); err != nil {
		return err
	}
	return nil
}

// Escrow is one instance of a locked swap, keyed by its hashlock. The
// immutables are fixed at creation; the remaining fields are runtime state
// owned by the keyed store and mutated only through accepted transitions.
type Escrow struct {
	Immutables       EscrowImmutables
	Kind             EscrowKind
	State            EscrowState
	TxRef            string
	CounterpartyAddr string
	CreatedAt        int64
	CompletedAt      int64
	RevealedSecret   []byte
}

// Clone returns a deep copy so callers can safely inspect or mutate the copy
// without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Immutables.Amount != nil {
		clone.Immutables.Amount = new(big.Int).Set(e.Immutables.Amount)
	} else {
		clone.Immutables.Amount = big.NewInt(0)
	}
	if e.Immutables.SafetyDeposit != nil {
		clone.Immutables.SafetyDeposit = new(big.Int).Set(e.Immutables.SafetyDeposit)
	} else {
		clone.Immutables.SafetyDeposit = big.NewInt(0)
	}
	clone.RevealedSecret = append([]byte(nil), e.RevealedSecret...)
	return &clone
}

// Hashlock is a convenience accessor for the escrow key.
func (e *Escrow) Hashlock() [32]byte { return e.Immutables.Hashlock }

// Params holds the protocol-wide parameters. The treasury account receives
// creation fees and is the sole party allowed to replace the parameters or
// mutate the authorization list.
type Params struct {
	RescueDelay      uint64
	MinAmount        *big.Int
	MaxAmount        *big.Int
	CreationFee      *big.Int
	MinSafetyDeposit *big.Int
	Treasury         string
}

// DefaultParams returns the stock deployment parameters: a seven-day rescue
// delay and amounts denominated in the ledger's smallest unit.
func DefaultParams() Params {
	return Params{
		RescueDelay:      7 * 24 * 60 * 60,
		MinAmount:        big.NewInt(1_000),
		MaxAmount:        big.NewInt(100_000_000_000),
		CreationFee:      big.NewInt(10_000),
		MinSafetyDeposit: big.NewInt(100_000),
	}
}

// Validate reports whether the parameter set is internally consistent.
func (p Params) Validate() error {
	if p.MinAmount == nil || p.MaxAmount == nil || p.CreationFee == nil || p.MinSafetyDeposit == nil {
		return fmt.Errorf("%w: amounts must be set", ErrConfigError)
	}
	if p.MinAmount.Sign() < 0 || p.CreationFee.Sign() < 0 || p.MinSafetyDeposit.Sign() < 0 {
		return fmt.Errorf("%w: amounts must be non-negative", ErrConfigError)
	}
	if p.MinAmount.Cmp(p.MaxAmount) > 0 {
		return fmt.Errorf("%w: minimum amount exceeds maximum", ErrConfigError)
	}
	return nil
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	clone := p
	if p.MinAmount != nil {
		clone.MinAmount = new(big.Int).Set(p.MinAmount)
	}
	if p.MaxAmount != nil {
		clone.MaxAmount = new(big.Int).Set(p.MaxAmount)
	}
	if p.CreationFee != nil {
		clone.CreationFee = new(big.Int).Set(p.CreationFee)
	}
	if p.MinSafetyDeposit != nil {
		clone.MinSafetyDeposit = new(big.Int).Set(p.MinSafetyDeposit)
	}
	return clone
}

// Metrics carries the rolling counters updated once per accepted transition.
// Decrements saturate at zero.
type Metrics struct {
	Created   uint64
	Completed uint64
	Cancelled uint64
	Active    uint64
	Volume    *big.Int
	Fees      *big.Int
}

// NewMetrics returns a zeroed metrics record with non-nil amounts.
func NewMetrics() Metrics {
	return Metrics{Volume: big.NewInt(0), Fees: big.NewInt(0)}
}

// Clone returns a deep copy of the metrics record.
func (m Metrics) Clone() Metrics {
	clone := m
	if m.Volume != nil {
		clone.Volume = new(big.Int).Set(m.Volume)
	} else {
		clone.Volume = big.NewInt(0)
	}
	if m.Fees != nil {
		clone.Fees = new(big.Int).Set(m.Fees)
	} else {
		clone.Fees = big.NewInt(0)
	}
	return clone
}

package escrow

import "errors"

// Sentinel errors for every failure kind surfaced by the escrow core. Guard
// failures are detected before any fund movement and are fully recoverable;
// ErrTransferFailed wraps the underlying ledger error and may follow a partial
// fund movement (see Engine docs).
var (
	ErrInvalidCaller       = errors.New("escrow: invalid caller")
	ErrInvalidSecret       = errors.New("escrow: invalid secret")
	ErrInvalidTime         = errors.New("escrow: outside permitted time window")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInvalidState        = errors.New("escrow: invalid state")
	ErrEscrowNotFound      = errors.New("escrow: escrow not found")
	ErrDuplicateEscrow     = errors.New("escrow: duplicate escrow")
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrInvalidHashlock     = errors.New("escrow: invalid hashlock")
	ErrInvalidAddress      = errors.New("escrow: invalid address")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	ErrTransferFailed      = errors.New("escrow: transfer failed")
	ErrConfigError         = errors.New("escrow: configuration error")
)

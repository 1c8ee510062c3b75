package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// engineState is the subset of keyed-store functionality the engine depends
// on. It is implemented by state.Manager.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(hashlock [32]byte) (*Escrow, bool)
	EscrowUpdate(hashlock [32]byte, fn func(*Escrow) error) error
	EscrowsForParty(account string) []*Escrow

	Params() (Params, error)
	SetParams(Params) error

	IsAuthorized(account string) bool
	Authorize(account string) error
	Deauthorize(account string) error
	AuthorizedAccounts() []string

	AppendEvent(*Event) error
	RecentEvents(limit int) []*Event
	EventsForHashlock(hashlock [32]byte) []*Event

	Metrics() Metrics
	UpdateMetrics(fn func(*Metrics)) error
}

// LedgerClient is the external transfer service. Every call may suspend and
// may fail; the engine never assumes delivery guarantees beyond the returned
// error.
type LedgerClient interface {
	TransferFromCaller(ctx context.Context, from string, amount *big.Int, memo uint64) (string, error)
	TransferTo(ctx context.Context, to string, amount *big.Int, memo uint64) (string, error)
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Engine orchestrates every public escrow operation: it validates guards,
// drives fund movements through the ledger client, and commits state
// transitions plus bookkeeping once all transfers for the operation succeed.
//
// Concurrency: a per-hashlock mutex is held from before guard evaluation until
// after the terminal commit, covering every suspension point inside the ledger
// calls. Operations on distinct hashlocks interleave freely.
//
// Multi-transfer operations are not atomic: if a later transfer fails the
// earlier ones are not rolled back, the record stays Active, and the error is
// surfaced for the caller to reconcile or retry.
type Engine struct {
	state   engineState
	ledger  LedgerClient
	emitter Emitter
	custody string
	nowFn   func() int64

	mu    sync.Mutex
	locks map[[32]byte]*hashLock
}

// hashLock is a reference-counted mutex. The count tracks holders and
// waiters so the table entry can be evicted as soon as the last one leaves,
// keeping the lock table bounded by in-flight operations rather than by
// every hashlock ever seen.
type hashLock struct {
	mu   sync.Mutex
	refs int
}

// paramsLockKey serializes parameter and authorization-list mutations through
// the same per-key discipline as escrow operations.
var paramsLockKey = [32]byte{}

// NewEngine creates an engine bound to the given store and ledger client. The
// custody account identifies the service's own ledger account holding escrowed
// funds.
func NewEngine(state engineState, ledger LedgerClient, custody string) (*Engine, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: state not configured", ErrConfigError)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger client not configured", ErrConfigError)
	}
	if strings.TrimSpace(custody) == "" {
		return nil, fmt.Errorf("%w: custody account not configured", ErrConfigError)
	}
	return &Engine{
		state:   state,
		ledger:  ledger,
		emitter: NoopEmitter{},
		custody: strings.TrimSpace(custody),
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[[32]byte]*hashLock),
	}, nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures a secondary event sink. Passing nil resets the sink to
// a no-op implementation. The bounded event log in the store is written
// regardless.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 { return e.nowFn() }

// acquire takes the per-hashlock lock, creating the table entry on first
// use. Every acquire must be paired with release on the same hashlock.
func (e *Engine) acquire(hashlock [32]byte) *hashLock {
	e.mu.Lock()
	lock, ok := e.locks[hashlock]
	if !ok {
		lock = new(hashLock)
		e.locks[hashlock] = lock
	}
	lock.refs++
	e.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (e *Engine) release(hashlock [32]byte, lock *hashLock) {
	lock.mu.Unlock()
	e.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(e.locks, hashlock)
	}
	e.mu.Unlock()
}

func (e *Engine) record(ev *Event) {
	// The transition is already committed; an event log failure must not
	// unwind it. The emitter still observes the event.
	_ = e.state.AppendEvent(ev)
	e.emitter.Emit(ev)
}

func (e *Engine) params() (Params, error) {
	params, err := e.state.Params()
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrConfigError, err)
	}
	return params, nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// CreateSourceEscrow accepts a new source-leg escrow: funds locked here are
// released to the taker once the secret committed by the hashlock is revealed.
func (e *Engine) CreateSourceEscrow(ctx context.Context, caller string, imm EscrowImmutables) ([32]byte, error) {
	return e.create(ctx, caller, imm, KindSource)
}

// CreateDestinationEscrow accepts a new destination-leg escrow: funds locked
// here are released to the maker when the secret from the other chain is
// provided.
func (e *Engine) CreateDestinationEscrow(ctx context.Context, caller string, imm EscrowImmutables) ([32]byte, error) {
	return e.create(ctx, caller, imm, KindDestination)
}

func (e *Engine) create(ctx context.Context, caller string, imm EscrowImmutables, kind EscrowKind) ([32]byte, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return [32]byte{}, fmt.Errorf("%w: caller required", ErrInvalidCaller)
	}
	lock := e.acquire(imm.Hashlock)
	defer e.release(imm.Hashlock, lock)

	params, err := e.params()
	if err != nil {
		return [32]byte{}, err
	}
	if err := imm.Validate(params); err != nil {
		return [32]byte{}, err
	}
	if _, exists := e.state.EscrowGet(imm.Hashlock); exists {
		return [32]byte{}, ErrDuplicateEscrow
	}

	now := e.now()
	imm.Timelocks.DeployedAt = now
	imm.Amount = cloneAmount(imm.Amount)
	imm.SafetyDeposit = cloneAmount(imm.SafetyDeposit)

	fee := cloneAmount(params.CreationFee)
	if strings.TrimSpace(params.Treasury) == "" {
		fee.SetInt64(0)
	}
	if fee.Sign() > 0 {
		memo := TransferMemo(TransferOpFee, imm.Hashlock)
		if _, err := e.ledger.TransferTo(ctx, params.Treasury, fee, memo); err != nil {
			return [32]byte{}, fmt.Errorf("%w: creation fee: %v", ErrTransferFailed, err)
		}
	}
	total := new(big.Int).Add(imm.Amount, imm.SafetyDeposit)
	depositMemo := TransferMemo(TransferOpDeposit, imm.Hashlock)
	if _, err := e.ledger.TransferFromCaller(ctx, caller, total, depositMemo); err != nil {
		return [32]byte{}, fmt.Errorf("%w: deposit: %v", ErrTransferFailed, err)
	}

	esc := &Escrow{
		Immutables: imm,
		Kind:       kind,
		State:      StateActive,
		CreatedAt:  now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return [32]byte{}, err
	}
	if err := e.state.UpdateMetrics(func(m *Metrics) {
		m.Created++
		m.Active++
		m.Volume.Add(m.Volume, imm.Amount)
		if fee.Sign() > 0 {
			m.Fees.Add(m.Fees, fee)
		}
	}); err != nil {
		return imm.Hashlock, err
	}
	e.record(NewCreatedEvent(esc, caller, now))
	return imm.Hashlock, nil
}

// Withdraw completes an Active escrow inside the private withdrawal window.
// The caller must be the maker or the taker and must present the secret
// matching the hashlock. The principal goes to the party entitled by the
// escrow kind; the safety deposit returns to the other party.
func (e *Engine) Withdraw(ctx context.Context, caller string, secret []byte, hashlock [32]byte) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if !VerifySecret(secret, esc.Immutables.Hashlock[:]) {
		return ErrInvalidSecret
	}
	if esc.State != StateActive {
		return ErrInvalidState
	}
	now := e.now()
	tl := esc.Immutables.Timelocks
	if now < tl.WithdrawalStart() || now >= tl.CancellationStart() {
		return ErrInvalidTime
	}
	if caller != esc.Immutables.Maker && caller != esc.Immutables.Taker {
		return ErrInvalidCaller
	}
	return e.settleWithdrawal(ctx, esc, caller, secret, now)
}

// PublicWithdraw mirrors Withdraw inside the public withdrawal window, with
// the caller authorized through the authorization list (or by being the
// treasury) rather than by maker/taker identity. The kind argument must match
// the escrow's recorded kind.
func (e *Engine) PublicWithdraw(ctx context.Context, caller string, secret []byte, hashlock [32]byte, kind EscrowKind) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.Kind != kind {
		return fmt.Errorf("%w: escrow is a %s escrow", ErrInvalidState, esc.Kind)
	}
	if !VerifySecret(secret, esc.Immutables.Hashlock[:]) {
		return ErrInvalidSecret
	}
	if esc.State != StateActive {
		return ErrInvalidState
	}
	now := e.now()
	tl := esc.Immutables.Timelocks
	if now < tl.PublicWithdrawalStart() || now >= tl.CancellationStart() {
		return ErrInvalidTime
	}
	params, err := e.params()
	if err != nil {
		return err
	}
	if caller != params.Treasury && !e.state.IsAuthorized(caller) {
		return ErrUnauthorized
	}
	return e.settleWithdrawal(ctx, esc, caller, secret, now)
}

// settleWithdrawal performs the two fund movements and the terminal commit
// shared by the private and public withdrawal paths. The caller holds the
// per-hashlock lock.
func (e *Engine) settleWithdrawal(ctx context.Context, esc *Escrow, caller string, secret []byte, now int64) error {
	recipient := esc.Immutables.Taker
	depositee := esc.Immutables.Maker
	if esc.Kind == KindDestination {
		recipient = esc.Immutables.Maker
		depositee = esc.Immutables.Taker
	}
	hashlock := esc.Hashlock()
	withdrawMemo := TransferMemo(TransferOpWithdrawal, hashlock)
	if _, err := e.ledger.TransferTo(ctx, recipient, esc.Immutables.Amount, withdrawMemo); err != nil {
		return fmt.Errorf("%w: principal: %v", ErrTransferFailed, err)
	}
	if esc.Immutables.SafetyDeposit.Sign() > 0 {
		refundMemo := TransferMemo(TransferOpCancellation, hashlock)
		if _, err := e.ledger.TransferTo(ctx, depositee, esc.Immutables.SafetyDeposit, refundMemo); err != nil {
			return fmt.Errorf("%w: safety deposit: %v", ErrTransferFailed, err)
		}
	}
	if err := e.state.EscrowUpdate(hashlock, func(stored *Escrow) error {
		if stored.State != StateActive {
			return ErrInvalidState
		}
		stored.State = StateCompleted
		stored.CompletedAt = now
		stored.RevealedSecret = append([]byte(nil), secret...)
		return nil
	}); err != nil {
		return err
	}
	if err := e.state.UpdateMetrics(func(m *Metrics) {
		m.Completed++
		if m.Active > 0 {
			m.Active--
		}
	}); err != nil {
		return err
	}
	e.record(NewWithdrawalEvent(esc, caller, secret, now))
	return nil
}

// Cancel refunds an Active escrow after the cancellation timelock. Only the
// party that funded the escrow may cancel: the maker for a source escrow, the
// taker for a destination escrow. Principal and safety deposit return in one
// transfer.
func (e *Engine) Cancel(ctx context.Context, caller string, hashlock [32]byte, kind EscrowKind) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.Kind != kind {
		return fmt.Errorf("%w: escrow is a %s escrow", ErrInvalidState, esc.Kind)
	}
	if esc.State != StateActive {
		return ErrInvalidState
	}
	now := e.now()
	if now < esc.Immutables.Timelocks.CancellationStart() {
		return ErrInvalidTime
	}
	funder := esc.Immutables.Maker
	if esc.Kind == KindDestination {
		funder = esc.Immutables.Taker
	}
	if caller != funder {
		return ErrInvalidCaller
	}

	total := new(big.Int).Add(esc.Immutables.Amount, esc.Immutables.SafetyDeposit)
	memo := TransferMemo(TransferOpCancellation, hashlock)
	if _, err := e.ledger.TransferTo(ctx, funder, total, memo); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrTransferFailed, err)
	}
	if err := e.state.EscrowUpdate(hashlock, func(stored *Escrow) error {
		if stored.State != StateActive {
			return ErrInvalidState
		}
		stored.State = StateCancelled
		stored.CompletedAt = now
		return nil
	}); err != nil {
		return err
	}
	if err := e.state.UpdateMetrics(func(m *Metrics) {
		m.Cancelled++
		if m.Active > 0 {
			m.Active--
		}
	}); err != nil {
		return err
	}
	e.record(NewCancelledEvent(esc, caller, now))
	return nil
}

// Rescue is the long-stop recovery path: after deployed_at plus the protocol
// rescue delay the taker may pull funds out of custody regardless of the other
// timelocks. A rescue on an already-terminal escrow still moves funds but does
// not touch the state or re-decrement the active counter.
func (e *Engine) Rescue(ctx context.Context, caller string, hashlock [32]byte, amount *big.Int) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if caller != esc.Immutables.Taker {
		return ErrInvalidCaller
	}
	params, err := e.params()
	if err != nil {
		return err
	}
	now := e.now()
	if now < esc.Immutables.Timelocks.RescueStart(params.RescueDelay) {
		return ErrInvalidTime
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := e.ledger.Balance(ctx, e.custody)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}
	if amount.Cmp(balance) > 0 {
		return ErrInsufficientBalance
	}

	memo := TransferMemo(TransferOpRescue, hashlock)
	if _, err := e.ledger.TransferTo(ctx, caller, amount, memo); err != nil {
		return fmt.Errorf("%w: rescue: %v", ErrTransferFailed, err)
	}
	if esc.State == StateActive {
		if err := e.state.EscrowUpdate(hashlock, func(stored *Escrow) error {
			if stored.State != StateActive {
				return nil
			}
			stored.State = StateRescued
			stored.CompletedAt = now
			return nil
		}); err != nil {
			return err
		}
		if err := e.state.UpdateMetrics(func(m *Metrics) {
			if m.Active > 0 {
				m.Active--
			}
		}); err != nil {
			return err
		}
	}
	e.record(NewRescuedEvent(hashlock, caller, amount.String(), now))
	return nil
}

// RecordTxReference attaches a cross-chain transaction reference to the
// escrow. Maker or taker only; no funds move.
func (e *Engine) RecordTxReference(caller string, hashlock [32]byte, txRef string) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if caller != esc.Immutables.Maker && caller != esc.Immutables.Taker {
		return ErrInvalidCaller
	}
	trimmed := strings.TrimSpace(txRef)
	if trimmed == "" {
		return fmt.Errorf("%w: transaction reference required", ErrInvalidAddress)
	}
	if err := e.state.EscrowUpdate(hashlock, func(stored *Escrow) error {
		stored.TxRef = trimmed
		return nil
	}); err != nil {
		return err
	}
	e.record(NewTxRecordedEvent(hashlock, caller, trimmed, e.now()))
	return nil
}

// RecordCounterpartyAddress attaches the maker's address on the external
// chain. Maker only; the address must be a well-formed EVM address.
func (e *Engine) RecordCounterpartyAddress(caller string, hashlock [32]byte, address string) error {
	lock := e.acquire(hashlock)
	defer e.release(hashlock, lock)

	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return ErrEscrowNotFound
	}
	if caller != esc.Immutables.Maker {
		return ErrInvalidCaller
	}
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("%w: malformed counterparty address", ErrInvalidAddress)
	}
	if err := e.state.EscrowUpdate(hashlock, func(stored *Escrow) error {
		stored.CounterpartyAddr = trimmed
		return nil
	}); err != nil {
		return err
	}
	e.record(NewAddressRecordedEvent(hashlock, caller, trimmed, e.now()))
	return nil
}

// Get returns a snapshot of the escrow, or ErrEscrowNotFound.
func (e *Engine) Get(hashlock [32]byte) (*Escrow, error) {
	esc, ok := e.state.EscrowGet(hashlock)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

// EscrowsForParty lists escrows in which the account participates as maker or
// taker.
func (e *Engine) EscrowsForParty(account string) []*Escrow {
	return e.state.EscrowsForParty(strings.TrimSpace(account))
}

// RecentEvents returns up to limit events, newest first.
func (e *Engine) RecentEvents(limit int) []*Event {
	return e.state.RecentEvents(limit)
}

// EventsForHashlock returns the escrow's full event history, oldest first.
func (e *Engine) EventsForHashlock(hashlock [32]byte) []*Event {
	return e.state.EventsForHashlock(hashlock)
}

// Metrics returns a snapshot of the rolling counters.
func (e *Engine) Metrics() Metrics {
	return e.state.Metrics()
}

// Params returns the current protocol parameters.
func (e *Engine) Params() (Params, error) {
	return e.params()
}

// Balance reports the custody account's balance at the transfer service.
func (e *Engine) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := e.ledger.Balance(ctx, e.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}
	return balance, nil
}

// SetParams replaces the protocol parameters wholesale. Treasury only.
func (e *Engine) SetParams(caller string, next Params) error {
	lock := e.acquire(paramsLockKey)
	defer e.release(paramsLockKey, lock)

	current, err := e.params()
	if err != nil {
		return err
	}
	if caller != current.Treasury {
		return ErrUnauthorized
	}
	if err := next.Validate(); err != nil {
		return err
	}
	return e.state.SetParams(next)
}

// Authorize adds an account to the public-withdrawal authorization list.
// Treasury only.
func (e *Engine) Authorize(caller, account string) error {
	return e.mutateAuthorized(caller, account, e.state.Authorize)
}

// Deauthorize removes an account from the authorization list. Treasury only.
func (e *Engine) Deauthorize(caller, account string) error {
	return e.mutateAuthorized(caller, account, e.state.Deauthorize)
}

func (e *Engine) mutateAuthorized(caller, account string, fn func(string) error) error {
	lock := e.acquire(paramsLockKey)
	defer e.release(paramsLockKey, lock)

	params, err := e.params()
	if err != nil {
		return err
	}
	if caller != params.Treasury {
		return ErrUnauthorized
	}
	trimmed := strings.TrimSpace(account)
	if trimmed == "" {
		return fmt.Errorf("%w: account required", ErrInvalidAddress)
	}
	return fn(trimmed)
}

// AuthorizedAccounts lists the authorization set. Treasury only.
func (e *Engine) AuthorizedAccounts(caller string) ([]string, error) {
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	if caller != params.Treasury {
		return nil, ErrUnauthorized
	}
	return e.state.AuthorizedAccounts(), nil
}

// IsAuthorized reports whether the account may invoke public withdrawals.
func (e *Engine) IsAuthorized(account string) (bool, error) {
	params, err := e.params()
	if err != nil {
		return false, err
	}
	if account == params.Treasury {
		return true, nil
	}
	return e.state.IsAuthorized(account), nil
}

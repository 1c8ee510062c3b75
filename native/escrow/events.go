package escrow

import (
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

const (
	EventTypeEscrowCreated    = "escrow.created"
	EventTypeEscrowWithdrawal = "escrow.withdrawn"
	EventTypeEscrowCancelled  = "escrow.cancelled"
	EventTypeFundsRescued     = "escrow.rescued"
	EventTypeTxRecorded       = "escrow.tx_recorded"
	EventTypeAddressRecorded  = "escrow.address_recorded"
)

// Event is an immutable record of one accepted transition, appended to the
// bounded event log and fanned out to any configured emitter.
type Event struct {
	ID         string
	Type       string
	Hashlock   [32]byte
	Actor      string
	Attributes map[string]string
	Timestamp  int64
}

// Emitter receives every accepted event. Implementations must not block the
// engine; slow sinks should buffer internally.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(*Event) {}

func newEvent(eventType string, hashlock [32]byte, actor string, ts int64, attrs map[string]string) *Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Hashlock:   hashlock,
		Actor:      actor,
		Attributes: attrs,
		Timestamp:  ts,
	}
}

// NewCreatedEvent returns the canonical payload for a newly accepted escrow.
func NewCreatedEvent(esc *Escrow, actor string, ts int64) *Event {
	attrs := map[string]string{
		"kind":       esc.Kind.String(),
		"maker":      esc.Immutables.Maker,
		"taker":      esc.Immutables.Taker,
		"token":      esc.Immutables.Token,
		"amount":     esc.Immutables.Amount.String(),
		"deployedAt": attrInt(esc.Immutables.Timelocks.DeployedAt),
	}
	return newEvent(EventTypeEscrowCreated, esc.Hashlock(), actor, ts, attrs)
}

// NewWithdrawalEvent returns the payload emitted when a secret is accepted and
// the escrow completes.
func NewWithdrawalEvent(esc *Escrow, actor string, secret []byte, ts int64) *Event {
	attrs := map[string]string{
		"secret": hex.EncodeToString(secret),
		"amount": esc.Immutables.Amount.String(),
	}
	return newEvent(EventTypeEscrowWithdrawal, esc.Hashlock(), actor, ts, attrs)
}

// NewCancelledEvent returns the payload emitted when the escrow is cancelled
// after the cancellation timelock.
func NewCancelledEvent(esc *Escrow, actor string, ts int64) *Event {
	attrs := map[string]string{
		"amount": esc.Immutables.Amount.String(),
	}
	return newEvent(EventTypeEscrowCancelled, esc.Hashlock(), actor, ts, attrs)
}

// NewRescuedEvent returns the payload emitted when funds are recovered through
// the long-stop rescue path.
func NewRescuedEvent(hashlock [32]byte, actor, amount string, ts int64) *Event {
	attrs := map[string]string{
		"amount": amount,
	}
	return newEvent(EventTypeFundsRescued, hashlock, actor, ts, attrs)
}

// NewTxRecordedEvent returns the payload for an attached cross-chain
// transaction reference.
func NewTxRecordedEvent(hashlock [32]byte, actor, txRef string, ts int64) *Event {
	attrs := map[string]string{
		"txRef": txRef,
	}
	return newEvent(EventTypeTxRecorded, hashlock, actor, ts, attrs)
}

// NewAddressRecordedEvent returns the payload for an attached counterparty
// address.
func NewAddressRecordedEvent(hashlock [32]byte, actor, address string, ts int64) *Event {
	attrs := map[string]string{
		"address": address,
	}
	return newEvent(EventTypeAddressRecorded, hashlock, actor, ts, attrs)
}

// Clone returns a deep copy of the event.
func (ev *Event) Clone() *Event {
	if ev == nil {
		return nil
	}
	clone := *ev
	clone.Attributes = make(map[string]string, len(ev.Attributes))
	for k, v := range ev.Attributes {
		clone.Attributes[k] = v
	}
	return &clone
}

// HashlockHex renders the event key the way it appears on the wire.
func (ev *Event) HashlockHex() string {
	return "0x" + hex.EncodeToString(ev.Hashlock[:])
}

func attrInt(v int64) string { return strconv.FormatInt(v, 10) }

package state

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"htlcd/native/escrow"
	"htlcd/storage"
)

// Key layout. Hashlocks are hex-encoded so records sort and iterate by
// prefix; event sequence numbers are big-endian so iteration yields
// chronological order.
const (
	escrowRecordPrefix = "escrow/record/"
	escrowEventPrefix  = "escrow/events/"
	escrowEventMetaKey = "escrow/events-meta"
	escrowParamsKey    = "escrow/params"
	escrowAuthPrefix   = "escrow/auth/"
	escrowMetricsKey   = "escrow/metrics"
)

// DefaultEventLogCapacity bounds the persisted event log. Appends past the
// bound evict the oldest entries.
const DefaultEventLogCapacity = 1000

// Stats summarizes what the manager currently persists.
type Stats struct {
	Escrows            uint64 `json:"escrows"`
	Events             uint64 `json:"events"`
	AuthorizedAccounts uint64 `json:"authorizedAccounts"`
}

// Manager persists escrow records, protocol parameters, the authorization
// list, the bounded event log, and rolling metrics on top of a key-value
// database. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	db       storage.Database
	eventCap uint64
}

// NewManager wraps the database. A nil database gets an in-memory store,
// which tests rely on.
func NewManager(db storage.Database) *Manager {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Manager{db: db, eventCap: DefaultEventLogCapacity}
}

// SetEventLogCapacity overrides the event log bound. Values below one are
// ignored.
func (m *Manager) SetEventLogCapacity(capacity uint64) {
	if capacity == 0 {
		return
	}
	m.mu.Lock()
	m.eventCap = capacity
	m.mu.Unlock()
}

func escrowRecordKey(hashlock [32]byte) []byte {
	return []byte(escrowRecordPrefix + hex.EncodeToString(hashlock[:]))
}

func escrowEventKey(seq uint64) []byte {
	key := make([]byte, len(escrowEventPrefix)+8)
	copy(key, escrowEventPrefix)
	binary.BigEndian.PutUint64(key[len(escrowEventPrefix):], seq)
	return key
}

func escrowAuthKey(account string) []byte {
	return []byte(escrowAuthPrefix + account)
}

// storedEscrow is the RLP shadow of escrow.Escrow. Amounts travel as decimal
// strings and timestamps as uint64 because RLP handles neither big.Int
// pointers inside nested structs nor signed integers.
type storedEscrow struct {
	OrderHash        [32]byte
	Hashlock         [32]byte
	Maker            string
	Taker            string
	Token            string
	Amount           string
	SafetyDeposit    string
	Withdrawal       uint64
	PublicWithdrawal uint64
	Cancellation     uint64
	DeployedAt       uint64
	Kind             uint8
	State            uint8
	TxRef            string
	CounterpartyAddr string
	CreatedAt        uint64
	CompletedAt      uint64
	RevealedSecret   []byte
}

func toStoredEscrow(esc *escrow.Escrow) storedEscrow {
	imm := esc.Immutables
	return storedEscrow{
		OrderHash:        imm.OrderHash,
		Hashlock:         imm.Hashlock,
		Maker:            imm.Maker,
		Taker:            imm.Taker,
		Token:            imm.Token,
		Amount:           decimalString(imm.Amount),
		SafetyDeposit:    decimalString(imm.SafetyDeposit),
		Withdrawal:       imm.Timelocks.Withdrawal,
		PublicWithdrawal: imm.Timelocks.PublicWithdrawal,
		Cancellation:     imm.Timelocks.Cancellation,
		DeployedAt:       uint64(imm.Timelocks.DeployedAt),
		Kind:             uint8(esc.Kind),
		State:            uint8(esc.State),
		TxRef:            esc.TxRef,
		CounterpartyAddr: esc.CounterpartyAddr,
		CreatedAt:        uint64(esc.CreatedAt),
		CompletedAt:      uint64(esc.CompletedAt),
		RevealedSecret:   esc.RevealedSecret,
	}
}

func (s storedEscrow) toEscrow() (*escrow.Escrow, error) {
	amount, err := parseDecimal(s.Amount)
	if err != nil {
		return nil, fmt.Errorf("state: decode escrow amount: %w", err)
	}
	deposit, err := parseDecimal(s.SafetyDeposit)
	if err != nil {
		return nil, fmt.Errorf("state: decode safety deposit: %w", err)
	}
	return &escrow.Escrow{
		Immutables: escrow.EscrowImmutables{
			OrderHash:     s.OrderHash,
			Hashlock:      s.Hashlock,
			Maker:         s.Maker,
			Taker:         s.Taker,
			Token:         s.Token,
			Amount:        amount,
			SafetyDeposit: deposit,
			Timelocks: escrow.Timelocks{
				Withdrawal:       s.Withdrawal,
				PublicWithdrawal: s.PublicWithdrawal,
				Cancellation:     s.Cancellation,
				DeployedAt:       int64(s.DeployedAt),
			},
		},
		Kind:             escrow.EscrowKind(s.Kind),
		State:            escrow.EscrowState(s.State),
		TxRef:            s.TxRef,
		CounterpartyAddr: s.CounterpartyAddr,
		CreatedAt:        int64(s.CreatedAt),
		CompletedAt:      int64(s.CompletedAt),
		RevealedSecret:   s.RevealedSecret,
	}, nil
}

type storedAttribute struct {
	Key   string
	Value string
}

type storedEvent struct {
	ID         string
	Type       string
	Hashlock   [32]byte
	Actor      string
	Attributes []storedAttribute
	Timestamp  uint64
}

func toStoredEvent(ev *escrow.Event) storedEvent {
	attrs := make([]storedAttribute, 0, len(ev.Attributes))
	for k, v := range ev.Attributes {
		attrs = append(attrs, storedAttribute{Key: k, Value: v})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return storedEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		Hashlock:   ev.Hashlock,
		Actor:      ev.Actor,
		Attributes: attrs,
		Timestamp:  uint64(ev.Timestamp),
	}
}

func (s storedEvent) toEvent() *escrow.Event {
	attrs := make(map[string]string, len(s.Attributes))
	for _, attr := range s.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return &escrow.Event{
		ID:         s.ID,
		Type:       s.Type,
		Hashlock:   s.Hashlock,
		Actor:      s.Actor,
		Attributes: attrs,
		Timestamp:  int64(s.Timestamp),
	}
}

type storedEventMeta struct {
	First uint64
	Next  uint64
}

type storedParams struct {
	RescueDelay      uint64
	MinAmount        string
	MaxAmount        string
	CreationFee      string
	MinSafetyDeposit string
	Treasury         string
}

type storedMetrics struct {
	Created   uint64
	Completed uint64
	Cancelled uint64
	Active    uint64
	Volume    string
	Fees      string
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseDecimal(v string) (*big.Int, error) {
	if strings.TrimSpace(v) == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", v)
	}
	return parsed, nil
}

// EscrowPut persists a new escrow record. An existing record under the same
// hashlock is rejected with escrow.ErrDuplicateEscrow.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	if esc == nil {
		return errors.New("state: nil escrow")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := escrowRecordKey(esc.Immutables.Hashlock)
	exists, err := m.db.Has(key)
	if err != nil {
		return fmt.Errorf("state: escrow lookup: %w", err)
	}
	if exists {
		return escrow.ErrDuplicateEscrow
	}
	return m.writeEscrowLocked(key, esc)
}

func (m *Manager) writeEscrowLocked(key []byte, esc *escrow.Escrow) error {
	encoded, err := rlp.EncodeToBytes(toStoredEscrow(esc))
	if err != nil {
		return fmt.Errorf("state: encode escrow: %w", err)
	}
	if err := m.db.Put(key, encoded); err != nil {
		return fmt.Errorf("state: persist escrow: %w", err)
	}
	return nil
}

func (m *Manager) readEscrowLocked(key []byte) (*escrow.Escrow, error) {
	raw, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, escrow.ErrEscrowNotFound
		}
		return nil, fmt.Errorf("state: escrow lookup: %w", err)
	}
	var stored storedEscrow
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode escrow: %w", err)
	}
	return stored.toEscrow()
}

// EscrowGet returns a deep copy of the record, if present.
func (m *Manager) EscrowGet(hashlock [32]byte) (*escrow.Escrow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, err := m.readEscrowLocked(escrowRecordKey(hashlock))
	if err != nil {
		return nil, false
	}
	return esc, true
}

// EscrowUpdate applies fn to the stored record and persists the result. The
// mutation is dropped if fn returns an error.
func (m *Manager) EscrowUpdate(hashlock [32]byte, fn func(*escrow.Escrow) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := escrowRecordKey(hashlock)
	esc, err := m.readEscrowLocked(key)
	if err != nil {
		return err
	}
	if err := fn(esc); err != nil {
		return err
	}
	return m.writeEscrowLocked(key, esc)
}

// EscrowsForParty scans all records and returns those in which the account is
// maker or taker, ordered by hashlock.
func (m *Manager) EscrowsForParty(account string) []*escrow.Escrow {
	if account == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*escrow.Escrow
	_ = m.db.Iterate([]byte(escrowRecordPrefix), func(_, value []byte) error {
		var stored storedEscrow
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return nil
		}
		if stored.Maker != account && stored.Taker != account {
			return nil
		}
		esc, err := stored.toEscrow()
		if err != nil {
			return nil
		}
		out = append(out, esc)
		return nil
	})
	return out
}

// Params loads the active protocol parameters, falling back to the defaults
// when none have been persisted yet.
func (m *Manager) Params() (escrow.Params, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, err := m.db.Get([]byte(escrowParamsKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return escrow.DefaultParams(), nil
		}
		return escrow.Params{}, fmt.Errorf("state: params lookup: %w", err)
	}
	var stored storedParams
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return escrow.Params{}, fmt.Errorf("state: decode params: %w", err)
	}
	minAmount, err := parseDecimal(stored.MinAmount)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("state: decode params: %w", err)
	}
	maxAmount, err := parseDecimal(stored.MaxAmount)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("state: decode params: %w", err)
	}
	fee, err := parseDecimal(stored.CreationFee)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("state: decode params: %w", err)
	}
	deposit, err := parseDecimal(stored.MinSafetyDeposit)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("state: decode params: %w", err)
	}
	return escrow.Params{
		RescueDelay:      stored.RescueDelay,
		MinAmount:        minAmount,
		MaxAmount:        maxAmount,
		CreationFee:      fee,
		MinSafetyDeposit: deposit,
		Treasury:         stored.Treasury,
	}, nil
}

// SetParams persists the parameter set wholesale.
func (m *Manager) SetParams(params escrow.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	encoded, err := rlp.EncodeToBytes(storedParams{
		RescueDelay:      params.RescueDelay,
		MinAmount:        decimalString(params.MinAmount),
		MaxAmount:        decimalString(params.MaxAmount),
		CreationFee:      decimalString(params.CreationFee),
		MinSafetyDeposit: decimalString(params.MinSafetyDeposit),
		Treasury:         params.Treasury,
	})
	if err != nil {
		return fmt.Errorf("state: encode params: %w", err)
	}
	if err := m.db.Put([]byte(escrowParamsKey), encoded); err != nil {
		return fmt.Errorf("state: persist params: %w", err)
	}
	return nil
}

// IsAuthorized reports membership in the public-withdrawal authorization
// list.
func (m *Manager) IsAuthorized(account string) bool {
	if account == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ok, err := m.db.Has(escrowAuthKey(account))
	return err == nil && ok
}

// Authorize adds the account to the authorization list. Re-adding an existing
// member is a no-op.
func (m *Manager) Authorize(account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.Put(escrowAuthKey(account), []byte{1}); err != nil {
		return fmt.Errorf("state: persist authorization: %w", err)
	}
	return nil
}

// Deauthorize removes the account from the authorization list.
func (m *Manager) Deauthorize(account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.Delete(escrowAuthKey(account)); err != nil {
		return fmt.Errorf("state: remove authorization: %w", err)
	}
	return nil
}

// AuthorizedAccounts lists the authorization set in lexical order.
func (m *Manager) AuthorizedAccounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	_ = m.db.Iterate([]byte(escrowAuthPrefix), func(key, _ []byte) error {
		out = append(out, strings.TrimPrefix(string(key), escrowAuthPrefix))
		return nil
	})
	sort.Strings(out)
	return out
}

func (m *Manager) eventMetaLocked() (storedEventMeta, error) {
	raw, err := m.db.Get([]byte(escrowEventMetaKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storedEventMeta{}, nil
		}
		return storedEventMeta{}, fmt.Errorf("state: event meta lookup: %w", err)
	}
	var meta storedEventMeta
	if err := rlp.DecodeBytes(raw, &meta); err != nil {
		return storedEventMeta{}, fmt.Errorf("state: decode event meta: %w", err)
	}
	return meta, nil
}

func (m *Manager) writeEventMetaLocked(meta storedEventMeta) error {
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("state: encode event meta: %w", err)
	}
	if err := m.db.Put([]byte(escrowEventMetaKey), encoded); err != nil {
		return fmt.Errorf("state: persist event meta: %w", err)
	}
	return nil
}

// AppendEvent adds the event to the bounded log, evicting the oldest entry
// once the capacity is reached.
func (m *Manager) AppendEvent(ev *escrow.Event) error {
	if ev == nil {
		return errors.New("state: nil event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, err := m.eventMetaLocked()
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredEvent(ev))
	if err != nil {
		return fmt.Errorf("state: encode event: %w", err)
	}
	if err := m.db.Put(escrowEventKey(meta.Next), encoded); err != nil {
		return fmt.Errorf("state: persist event: %w", err)
	}
	meta.Next++
	for meta.Next-meta.First > m.eventCap {
		if err := m.db.Delete(escrowEventKey(meta.First)); err != nil {
			return fmt.Errorf("state: evict event: %w", err)
		}
		meta.First++
	}
	return m.writeEventMetaLocked(meta)
}

// RecentEvents returns up to limit events, newest first. A non-positive limit
// returns the whole retained log.
func (m *Manager) RecentEvents(limit int) []*escrow.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, err := m.eventMetaLocked()
	if err != nil {
		return nil
	}
	total := meta.Next - meta.First
	if total == 0 {
		return nil
	}
	if limit <= 0 || uint64(limit) > total {
		limit = int(total)
	}
	out := make([]*escrow.Event, 0, limit)
	for seq := meta.Next; seq > meta.First && len(out) < limit; seq-- {
		ev, err := m.readEventLocked(seq - 1)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// EventsForHashlock returns the retained events for one escrow, oldest first.
func (m *Manager) EventsForHashlock(hashlock [32]byte) []*escrow.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, err := m.eventMetaLocked()
	if err != nil {
		return nil
	}
	var out []*escrow.Event
	for seq := meta.First; seq < meta.Next; seq++ {
		ev, err := m.readEventLocked(seq)
		if err != nil {
			continue
		}
		if ev.Hashlock == hashlock {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Manager) readEventLocked(seq uint64) (*escrow.Event, error) {
	raw, err := m.db.Get(escrowEventKey(seq))
	if err != nil {
		return nil, err
	}
	var stored storedEvent
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	return stored.toEvent(), nil
}

// Metrics returns a snapshot of the rolling counters. Missing or corrupt
// records yield zeroed metrics rather than an error.
func (m *Manager) Metrics() escrow.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metrics, err := m.metricsLocked()
	if err != nil {
		return escrow.NewMetrics()
	}
	return metrics
}

func (m *Manager) metricsLocked() (escrow.Metrics, error) {
	raw, err := m.db.Get([]byte(escrowMetricsKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return escrow.NewMetrics(), nil
		}
		return escrow.Metrics{}, fmt.Errorf("state: metrics lookup: %w", err)
	}
	var stored storedMetrics
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return escrow.Metrics{}, fmt.Errorf("state: decode metrics: %w", err)
	}
	volume, err := parseDecimal(stored.Volume)
	if err != nil {
		return escrow.Metrics{}, fmt.Errorf("state: decode metrics: %w", err)
	}
	fees, err := parseDecimal(stored.Fees)
	if err != nil {
		return escrow.Metrics{}, fmt.Errorf("state: decode metrics: %w", err)
	}
	return escrow.Metrics{
		Created:   stored.Created,
		Completed: stored.Completed,
		Cancelled: stored.Cancelled,
		Active:    stored.Active,
		Volume:    volume,
		Fees:      fees,
	}, nil
}

// UpdateMetrics applies fn to the counters and persists the result.
func (m *Manager) UpdateMetrics(fn func(*escrow.Metrics)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, err := m.metricsLocked()
	if err != nil {
		return err
	}
	fn(&metrics)
	encoded, err := rlp.EncodeToBytes(storedMetrics{
		Created:   metrics.Created,
		Completed: metrics.Completed,
		Cancelled: metrics.Cancelled,
		Active:    metrics.Active,
		Volume:    decimalString(metrics.Volume),
		Fees:      decimalString(metrics.Fees),
	})
	if err != nil {
		return fmt.Errorf("state: encode metrics: %w", err)
	}
	if err := m.db.Put([]byte(escrowMetricsKey), encoded); err != nil {
		return fmt.Errorf("state: persist metrics: %w", err)
	}
	return nil
}

// StorageStats counts what the manager currently holds.
func (m *Manager) StorageStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	_ = m.db.Iterate([]byte(escrowRecordPrefix), func(_, _ []byte) error {
		stats.Escrows++
		return nil
	})
	_ = m.db.Iterate([]byte(escrowAuthPrefix), func(_, _ []byte) error {
		stats.AuthorizedAccounts++
		return nil
	})
	if meta, err := m.eventMetaLocked(); err == nil {
		stats.Events = meta.Next - meta.First
	}
	return stats
}

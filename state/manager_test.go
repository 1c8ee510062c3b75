package state

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"htlcd/native/escrow"
	"htlcd/storage"
)

func testEscrow(fill byte) *escrow.Escrow {
	var hashlock, orderHash [32]byte
	hashlock[0] = fill
	orderHash[0] = 0x01
	return &escrow.Escrow{
		Immutables: escrow.EscrowImmutables{
			OrderHash:     orderHash,
			Hashlock:      hashlock,
			Maker:         "maker",
			Taker:         "taker",
			Token:         "TKN",
			Amount:        big.NewInt(50_000),
			SafetyDeposit: big.NewInt(200_000),
			Timelocks: escrow.Timelocks{
				Withdrawal:       100,
				PublicWithdrawal: 200,
				Cancellation:     300,
				DeployedAt:       1_700_000_000,
			},
		},
		Kind:      escrow.KindSource,
		State:     escrow.StateActive,
		CreatedAt: 1_700_000_000,
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	esc := testEscrow(0xAA)
	esc.TxRef = "0xdeadbeef"
	esc.RevealedSecret = []byte{1, 2, 3}

	require.NoError(t, manager.EscrowPut(esc))
	require.ErrorIs(t, manager.EscrowPut(esc), escrow.ErrDuplicateEscrow)

	loaded, ok := manager.EscrowGet(esc.Hashlock())
	require.True(t, ok)
	require.Equal(t, esc.Immutables.Maker, loaded.Immutables.Maker)
	require.Zero(t, esc.Immutables.Amount.Cmp(loaded.Immutables.Amount))
	require.Equal(t, esc.Immutables.Timelocks, loaded.Immutables.Timelocks)
	require.Equal(t, esc.Kind, loaded.Kind)
	require.Equal(t, esc.State, loaded.State)
	require.Equal(t, esc.TxRef, loaded.TxRef)
	require.Equal(t, esc.RevealedSecret, loaded.RevealedSecret)

	_, ok = manager.EscrowGet([32]byte{0xFF})
	require.False(t, ok)
}

func TestEscrowUpdate(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	esc := testEscrow(0xAB)
	require.NoError(t, manager.EscrowPut(esc))

	require.NoError(t, manager.EscrowUpdate(esc.Hashlock(), func(stored *escrow.Escrow) error {
		stored.State = escrow.StateCompleted
		stored.CompletedAt = 1_700_000_500
		return nil
	}))
	loaded, ok := manager.EscrowGet(esc.Hashlock())
	require.True(t, ok)
	require.Equal(t, escrow.StateCompleted, loaded.State)
	require.EqualValues(t, 1_700_000_500, loaded.CompletedAt)

	sentinel := fmt.Errorf("rejected")
	require.ErrorIs(t, manager.EscrowUpdate(esc.Hashlock(), func(*escrow.Escrow) error {
		return sentinel
	}), sentinel)
	require.ErrorIs(t, manager.EscrowUpdate([32]byte{0xFF}, func(*escrow.Escrow) error {
		return nil
	}), escrow.ErrEscrowNotFound)
}

func TestEscrowsForParty(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	first := testEscrow(0x01)
	second := testEscrow(0x02)
	second.Immutables.Maker = "other"
	require.NoError(t, manager.EscrowPut(first))
	require.NoError(t, manager.EscrowPut(second))

	require.Len(t, manager.EscrowsForParty("maker"), 1)
	require.Len(t, manager.EscrowsForParty("taker"), 2)
	require.Empty(t, manager.EscrowsForParty("stranger"))
	require.Empty(t, manager.EscrowsForParty(""))
}

func TestParamsDefaultAndPersist(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	params, err := manager.Params()
	require.NoError(t, err)
	require.Zero(t, params.MinAmount.Cmp(big.NewInt(1_000)))

	params.Treasury = "treasury"
	params.CreationFee = big.NewInt(42)
	require.NoError(t, manager.SetParams(params))

	loaded, err := manager.Params()
	require.NoError(t, err)
	require.Equal(t, "treasury", loaded.Treasury)
	require.Zero(t, loaded.CreationFee.Cmp(big.NewInt(42)))
}

func TestAuthorizationList(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	require.False(t, manager.IsAuthorized("resolver"))
	require.NoError(t, manager.Authorize("resolver"))
	require.NoError(t, manager.Authorize("beta"))
	require.True(t, manager.IsAuthorized("resolver"))
	require.Equal(t, []string{"beta", "resolver"}, manager.AuthorizedAccounts())

	require.NoError(t, manager.Deauthorize("resolver"))
	require.False(t, manager.IsAuthorized("resolver"))
}

func TestEventLogBounded(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	manager.SetEventLogCapacity(5)

	esc := testEscrow(0xCD)
	for i := 0; i < 8; i++ {
		ev := escrow.NewCreatedEvent(esc, "maker", int64(1_700_000_000+i))
		require.NoError(t, manager.AppendEvent(ev))
	}

	recent := manager.RecentEvents(0)
	require.Len(t, recent, 5)
	// Newest first, and the oldest three evicted.
	require.EqualValues(t, 1_700_000_007, recent[0].Timestamp)
	require.EqualValues(t, 1_700_000_003, recent[4].Timestamp)

	limited := manager.RecentEvents(2)
	require.Len(t, limited, 2)
	require.EqualValues(t, 1_700_000_007, limited[0].Timestamp)

	history := manager.EventsForHashlock(esc.Hashlock())
	require.Len(t, history, 5)
	require.EqualValues(t, 1_700_000_003, history[0].Timestamp)
	require.Empty(t, manager.EventsForHashlock([32]byte{0xFF}))
}

func TestMetricsRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	metrics := manager.Metrics()
	require.Zero(t, metrics.Created)

	require.NoError(t, manager.UpdateMetrics(func(m *escrow.Metrics) {
		m.Created++
		m.Active++
		m.Volume.Add(m.Volume, big.NewInt(50_000))
	}))
	metrics = manager.Metrics()
	require.EqualValues(t, 1, metrics.Created)
	require.EqualValues(t, 1, metrics.Active)
	require.Zero(t, metrics.Volume.Cmp(big.NewInt(50_000)))
}

func TestStorageStats(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	require.NoError(t, manager.EscrowPut(testEscrow(0x01)))
	require.NoError(t, manager.EscrowPut(testEscrow(0x02)))
	require.NoError(t, manager.Authorize("resolver"))
	require.NoError(t, manager.AppendEvent(escrow.NewCreatedEvent(testEscrow(0x01), "maker", 1_700_000_000)))

	stats := manager.StorageStats()
	require.EqualValues(t, 2, stats.Escrows)
	require.EqualValues(t, 1, stats.Events)
	require.EqualValues(t, 1, stats.AuthorizedAccounts)
}

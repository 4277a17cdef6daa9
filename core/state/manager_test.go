package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rainchain/core/types"
	"rainchain/native/market"
	"rainchain/native/vault"
	"rainchain/storage"
)

func newTestManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func testVault(id byte, owner byte) *vault.UserVault {
	return &vault.UserVault{
		ID:                      [32]byte{id},
		Owner:                   [20]byte{owner},
		CustodyID:               [32]byte{id, 0x01},
		CollateralBalance:       big.NewInt(100),
		Debt:                    big.NewInt(0),
		LiquidationThresholdBps: 8_000,
	}
}

func TestManagerVaultRoundTrip(t *testing.T) {
	m := newTestManager()
	record := testVault(0x01, 0x0a)

	require.NoError(t, m.VaultPut(record))
	require.NoError(t, m.Commit())

	loaded, err := m.VaultGet(record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, record.Owner, loaded.Owner)
	require.Equal(t, uint64(1), loaded.Version)
	require.Zero(t, loaded.CollateralBalance.Cmp(big.NewInt(100)))

	missing, err := m.VaultGet([32]byte{0xff})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestManagerVersionConflict(t *testing.T) {
	m := newTestManager()
	record := testVault(0x01, 0x0a)
	require.NoError(t, m.VaultPut(record))

	// A second writer holding the same pre-image version loses.
	stale := record.Clone()
	require.ErrorIs(t, m.VaultPut(stale), ErrStaleRecord)

	loaded, err := m.VaultGet(record.ID)
	require.NoError(t, err)
	loaded.Debt = big.NewInt(50)
	require.NoError(t, m.VaultPut(loaded))

	reloaded, err := m.VaultGet(record.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), reloaded.Version)
}

func TestManagerDiscardDropsStagedWrites(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.VaultPut(testVault(0x01, 0x0a)))
	m.Discard()

	loaded, err := m.VaultGet([32]byte{0x01})
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestManagerTransactionSeesOwnWrites(t *testing.T) {
	m := newTestManager()
	record := testVault(0x01, 0x0a)
	require.NoError(t, m.VaultPut(record))

	// Still uncommitted, but visible to this transaction.
	loaded, err := m.VaultGet(record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
}

func TestManagerSequenceIsMonotonic(t *testing.T) {
	m := newTestManager()
	first, err := m.NextSequence()
	require.NoError(t, err)
	second, err := m.NextSequence()
	require.NoError(t, err)
	require.Equal(t, first+1, second)

	require.NoError(t, m.Commit())
	third, err := m.NextSequence()
	require.NoError(t, err)
	require.Equal(t, second+1, third)
}

func TestManagerVaultsByOwner(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.VaultPut(testVault(0x01, 0x0a)))
	require.NoError(t, m.VaultPut(testVault(0x02, 0x0a)))
	require.NoError(t, m.VaultPut(testVault(0x03, 0x0b)))

	mine, err := m.VaultsByOwner([20]byte{0x0a})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	theirs, err := m.VaultsByOwner([20]byte{0x0b})
	require.NoError(t, err)
	require.Len(t, theirs, 1)
}

func TestManagerOpenOrderIndexTracksRemaining(t *testing.T) {
	m := newTestManager()
	order := &market.LendOrder{
		ID:             [32]byte{0x01},
		Lender:         [20]byte{0x0a},
		Amount:         big.NewInt(1_000),
		FilledAmount:   big.NewInt(0),
		MinInterestBps: 500,
		DurationSecs:   86_400,
	}
	require.NoError(t, m.LendOrderPut(order))

	open, err := m.OpenLendOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)

	full := open[0]
	full.FilledAmount = big.NewInt(1_000)
	require.NoError(t, m.LendOrderPut(full))

	open, err = m.OpenLendOrders()
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestManagerAuthLifecycle(t *testing.T) {
	m := newTestManager()
	owner := [20]byte{0x0a}
	record := testVault(0x01, 0x0a)
	require.NoError(t, m.VaultPut(record))

	auth := &vault.RepaymentAuthorization{ID: [32]byte{0x77}, VaultID: record.ID, IssuedAt: 123}
	require.NoError(t, m.AuthPut(auth))

	auths, err := m.AuthsByOwner(owner)
	require.NoError(t, err)
	require.Len(t, auths, 1)

	require.NoError(t, m.AuthDelete(auth.ID))
	gone, err := m.AuthGet(auth.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	auths, err = m.AuthsByOwner(owner)
	require.NoError(t, err)
	require.Empty(t, auths)
}

func TestManagerAccountRoundTrip(t *testing.T) {
	m := newTestManager()
	addr := [20]byte{0x0a}
	require.NoError(t, m.PutAccount(addr, &types.Account{
		BalanceRUSD: big.NewInt(42),
		BalanceRAIN: big.NewInt(7),
	}))
	require.NoError(t, m.Commit())

	acc, err := m.GetAccount(addr)
	require.NoError(t, err)
	require.NotNil(t, acc)
	require.Zero(t, acc.BalanceRUSD.Cmp(big.NewInt(42)))
	require.Zero(t, acc.BalanceRAIN.Cmp(big.NewInt(7)))

	missing, err := m.GetAccount([20]byte{0xff})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestEventLogByParticipant(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.AppendEvent(&types.Event{
		Type:       "escrow.fill.committed",
		Attributes: map[string]string{"lender": "rain1aaa", "borrower": "rain1bbb"},
	}))
	require.NoError(t, m.AppendEvent(&types.Event{
		Type:       "vault.created",
		Attributes: map[string]string{"owner": "rain1bbb"},
	}))
	require.NoError(t, m.Commit())

	all, err := m.Events()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "escrow.fill.committed", all[0].Type)

	lenderView, err := m.EventsByParticipant("rain1aaa")
	require.NoError(t, err)
	require.Len(t, lenderView, 1)

	borrowerView, err := m.EventsByParticipant("rain1bbb")
	require.NoError(t, err)
	require.Len(t, borrowerView, 2)

	none, err := m.EventsByParticipant("rain1ccc")
	require.NoError(t, err)
	require.Empty(t, none)
}

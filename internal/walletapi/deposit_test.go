package walletapi

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletd/internal/evm"
)

const testMasterSeed = "6f4c2d8a91be7350c1a2e4d6880f13579bdf0246ace8a1b3c5d7e9f102438658"

func TestDeriveDepositAddressDeterministic(t *testing.T) {
	seed, err := hex.DecodeString(testMasterSeed)
	require.NoError(t, err)

	first, err := DeriveDepositAddress(seed, 0)
	require.NoError(t, err)
	again, err := DeriveDepositAddress(seed, 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.True(t, evm.IsValidAddress(first))

	// distinct indices, distinct addresses
	seen := map[string]bool{}
	for index := uint64(0); index < 20; index++ {
		address, err := DeriveDepositAddress(seed, index)
		require.NoError(t, err)
		assert.False(t, seen[address], "address reused at index %d", index)
		seen[address] = true
	}
}

func TestDeriveDepositKeyMatchesAddress(t *testing.T) {
	seed, err := hex.DecodeString(testMasterSeed)
	require.NoError(t, err)

	key, err := DeriveDepositKey(seed, 7)
	require.NoError(t, err)
	address, err := DeriveDepositAddress(seed, 7)
	require.NoError(t, err)

	// the sweep path re-derives the key and must land on the same address
	assert.Equal(t, address, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestCreateDepositIntentSequentialIndices(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	user := mustCreateUser(t, app, &User{})

	first, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(100))
	require.NoError(t, err)
	second, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(50))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.AddressIndex)
	assert.Equal(t, uint64(1), second.AddressIndex)
	assert.NotEqual(t, first.Address, second.Address)
	assert.Equal(t, DepositStatusPending, first.Status)
	assert.Equal(t, uint(12), first.RequiredConfirmations)
}

func TestCreateDepositIntentRejectsNegativeAmount(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	user := mustCreateUser(t, app, &User{})

	_, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(-1))
	assert.True(t, IsValidation(err))
}

func TestApplyDepositFactLifecycle(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	user := mustCreateUser(t, app, &User{})

	intent, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(100))
	require.NoError(t, err)

	// below the confirmation floor nothing is credited
	credited, err := ApplyDepositFact(app, DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 11,
		Amount:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.False(t, credited)

	var current DepositIntent
	app.Db.First(&current, intent.Id)
	assert.Equal(t, DepositStatusConfirming, current.Status)
	assert.Equal(t, uint(11), current.Confirmations)
	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).IsZero())

	credited, err = ApplyDepositFact(app, DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 12,
		Amount:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.True(t, credited)

	app.Db.First(&current, intent.Id)
	assert.Equal(t, DepositStatusCredited, current.Status)
	assert.Equal(t, SweepStatusQueued, current.SweepStatus)
	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).Equal(decimal.NewFromInt(100)))

	var count int64
	app.Db.Model(&LedgerEntry{}).
		Where("user_id = ? AND type = ? AND ref_id = ?",
			user.Id, TypeDeposit, strconv.FormatUint(uint64(intent.Id), 10)).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestApplyDepositFactReplayIsNoop(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	user := mustCreateUser(t, app, &User{})

	intent, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(100))
	require.NoError(t, err)

	fact := DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 15,
		Amount:        decimal.NewFromInt(100),
	}
	credited, err := ApplyDepositFact(app, fact)
	require.NoError(t, err)
	assert.True(t, credited)

	// the watcher keeps re-observing the transfer as the head advances
	fact.Confirmations = 30
	credited, err = ApplyDepositFact(app, fact)
	require.NoError(t, err)
	assert.False(t, credited)

	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).Equal(decimal.NewFromInt(100)))
	var count int64
	app.Db.Model(&LedgerEntry{}).Where("user_id = ?", user.Id).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestApplyDepositFactFirstAmountWins(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	user := mustCreateUser(t, app, &User{})

	intent, err := CreateDepositIntent(app, user.Id, decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = ApplyDepositFact(app, DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 1,
		Amount:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	// a later observation with a different amount never overwrites
	_, err = ApplyDepositFact(app, DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 2,
		Amount:        decimal.NewFromInt(999),
	})
	require.NoError(t, err)

	var current DepositIntent
	app.Db.First(&current, intent.Id)
	assert.True(t, current.AmountReceived.Equal(decimal.NewFromInt(100)))
}

func TestApplyDepositFactUnknownIntent(t *testing.T) {
	app := testApp(t)
	_, err := ApplyDepositFact(app, DepositFact{IntentId: 12345, Confirmations: 12})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDepositReferralInput(t *testing.T) {
	intent := DepositIntent{
		Id:             7,
		UserId:         3,
		Asset:          AssetUsdt,
		AmountReceived: decimal.NewFromInt(100),
	}
	in := depositReferralInput(intent)
	assert.Equal(t, uint(3), in.RefereeId)
	assert.Equal(t, RefTypeDeposit, in.Type)
	assert.Equal(t, AssetUsdt, in.Asset)
	assert.True(t, in.BaseAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "deposit:7", in.SourceRef)
}

func TestDepositCreditAwardsUplineCommission(t *testing.T) {
	app := testApp(t)
	t.Setenv("DEPOSIT_MASTER_SEED", testMasterSeed)
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	intent, err := CreateDepositIntent(app, referee.Id, decimal.NewFromInt(100))
	require.NoError(t, err)
	credited, err := ApplyDepositFact(app, DepositFact{
		IntentId:      intent.Id,
		TxHash:        "0xabc",
		Confirmations: 12,
		Amount:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.True(t, credited)

	// the worker consumes the award task the credit enqueues
	var current DepositIntent
	require.NoError(t, app.Db.First(&current, intent.Id).Error)
	require.NoError(t, AwardReferral(app, depositReferralInput(current)))

	var event ReferralEvent
	require.Equal(t, int64(1), app.Db.
		Where("referrer_id = ? AND type = ?", referrer.Id, RefTypeDeposit).
		First(&event).RowsAffected)
	// 100 usdt deposit, 10% pool, 4.5 of 10 weight
	assert.True(t, event.CommissionAmount.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, fmt.Sprintf("deposit:%d", intent.Id), event.SourceRef)
	assert.Equal(t, RefStatusPending, event.Status)

	// redelivered task fills nothing new
	require.NoError(t, AwardReferral(app, depositReferralInput(current)))
	var count int64
	app.Db.Model(&ReferralEvent{}).Where("type = ?", RefTypeDeposit).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestDepositTotalFiltersBySource(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	entries := []LedgerEntry{
		{UserId: user.Id, Asset: AssetUsdt, Chain: "polygon", Type: TypeDeposit, Amount: decimal.NewFromInt(30), RefId: "a"},
		{UserId: user.Id, Asset: AssetUsdt, Chain: "ethereum", Type: TypeDeposit, Amount: decimal.NewFromInt(20), RefId: "b"},
		{UserId: user.Id, Asset: AssetUsdt, Chain: "internal", Type: TypeTransferIn, Amount: decimal.NewFromInt(99), RefId: "c"},
	}
	for i := range entries {
		tx := app.Db.Begin()
		require.NoError(t, AppendEntry(tx, &entries[i]))
		tx.Commit()
	}

	total, err := DepositTotal(app.Db, user.Id, "any")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(50)))

	total, err = DepositTotal(app.Db, user.Id, "polygon")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(30)))
}

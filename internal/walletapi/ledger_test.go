package walletapi

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeClassification(t *testing.T) {
	all := []string{
		TypeDeposit, TypeWithdraw, TypeTransferIn, TypeTransferOut,
		TypeStakeLock, TypeStakePayout, TypeStakeRefund, TypeReferralReward,
		TypeReferralBonus, TypeSwapIn, TypeSwapOut, TypeFee, TypePurchase,
		TypeRefund,
	}
	for _, typ := range all {
		assert.True(t, IsLedgerType(typ), "unclassified type %s", typ)
		assert.False(t, creditTypes[typ] && debitTypes[typ], "type %s is both credit and debit", typ)
	}
	assert.False(t, IsLedgerType("bonus_points"))
}

func TestSignedAmount(t *testing.T) {
	ten := decimal.NewFromInt(10)
	credit := LedgerEntry{Type: TypeDeposit, Amount: ten}
	debit := LedgerEntry{Type: TypeWithdraw, Amount: ten}
	assert.True(t, SignedAmount(credit).Equal(ten))
	assert.True(t, SignedAmount(debit).Equal(ten.Neg()))
}

func TestRoundAsset(t *testing.T) {
	cases := []struct {
		asset string
		in    string
		want  string
	}{
		{AssetUsdt, "1.005", "1.01"},
		{AssetUsdt, "1.004", "1"},
		{AssetUsdt, "2.999", "3"},
		{AssetPnt, "0.123456785", "0.12345679"},
		{AssetPnt, "0.1", "0.1"},
	}
	for _, tc := range cases {
		got := RoundAsset(decimal.RequireFromString(tc.in), tc.asset)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"%s %s: got %s want %s", tc.asset, tc.in, got, tc.want)
	}
}

func TestAppendEntryIdempotency(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	credit := LedgerEntry{
		UserId: user.Id,
		Asset:  AssetUsdt,
		Chain:  "internal",
		Type:   TypeDeposit,
		Amount: decimal.NewFromInt(100),
		RefId:  "dep-1",
	}
	tx := app.Db.Begin()
	require.NoError(t, AppendEntry(tx, &credit))
	tx.Commit()

	// same key again is a duplicate and leaves the projection untouched
	replay := LedgerEntry{
		UserId: user.Id,
		Asset:  AssetUsdt,
		Chain:  "internal",
		Type:   TypeDeposit,
		Amount: decimal.NewFromInt(100),
		RefId:  "dep-1",
	}
	tx = app.Db.Begin()
	err := AppendEntry(tx, &replay)
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	tx.Rollback()

	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).Equal(decimal.NewFromInt(100)))
	var count int64
	app.Db.Model(&LedgerEntry{}).Where("user_id = ?", user.Id).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestAppendEntryInsufficientFunds(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	debit := LedgerEntry{
		UserId: user.Id,
		Asset:  AssetUsdt,
		Chain:  "internal",
		Type:   TypeWithdraw,
		Amount: decimal.NewFromInt(5),
		RefId:  "wd-1",
	}
	tx := app.Db.Begin()
	err := AppendEntry(tx, &debit)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	tx.Rollback()

	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).IsZero())
	var count int64
	app.Db.Model(&LedgerEntry{}).Where("user_id = ?", user.Id).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestProjectionMatchesLedger(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	entries := []LedgerEntry{
		{UserId: user.Id, Asset: AssetUsdt, Type: TypeDeposit, Amount: decimal.NewFromInt(50), RefId: "a"},
		{UserId: user.Id, Asset: AssetUsdt, Type: TypeWithdraw, Amount: decimal.NewFromInt(20), RefId: "b"},
		{UserId: user.Id, Asset: AssetUsdt, Type: TypeStakePayout, Amount: decimal.NewFromInt(27), RefId: "c"},
	}
	for i := range entries {
		tx := app.Db.Begin()
		require.NoError(t, AppendEntry(tx, &entries[i]))
		tx.Commit()
	}

	truth, err := CurrentBalance(app.Db, user.Id, AssetUsdt)
	require.NoError(t, err)
	assert.True(t, truth.Equal(decimal.NewFromInt(57)))
	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).Equal(truth))
}

func TestReconcileRewritesDriftedProjection(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	entry := LedgerEntry{
		UserId: user.Id, Asset: AssetUsdt, Type: TypeDeposit,
		Amount: decimal.NewFromInt(30), RefId: "a",
	}
	tx := app.Db.Begin()
	require.NoError(t, AppendEntry(tx, &entry))
	tx.Commit()

	// corrupt the projection behind the ledger's back
	app.Db.Model(&Balance{}).
		Where("user_id = ? AND asset = ?", user.Id, AssetUsdt).
		Update("amount", decimal.NewFromInt(999))

	drifted, err := Reconcile(app.Db, user.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{AssetUsdt}, drifted)
	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).Equal(decimal.NewFromInt(30)))

	// a clean account reports no drift
	drifted, err = Reconcile(app.Db, user.Id)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestAppendEntryPropagatesQueryFailure(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// every statement on this session fails; the failure must surface
	// instead of reading as "no duplicate, proceed"
	entry := LedgerEntry{
		UserId: user.Id, Asset: AssetUsdt, Type: TypeDeposit,
		Amount: decimal.NewFromInt(10), RefId: "dep-1",
	}
	tx := app.Db.WithContext(ctx).Begin()
	err := AppendEntry(tx, &entry)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateOperation)
	tx.Rollback()

	var count int64
	app.Db.Model(&LedgerEntry{}).Where("user_id = ?", user.Id).Count(&count)
	assert.Equal(t, int64(0), count)
	assert.True(t, GetBalance(app.Db, user.Id, AssetUsdt).IsZero())
}

func TestAppendEntryRejectsUnknownType(t *testing.T) {
	app := testApp(t)
	user := mustCreateUser(t, app, &User{})

	entry := LedgerEntry{
		UserId: user.Id, Asset: AssetUsdt, Type: "mystery",
		Amount: decimal.NewFromInt(1), RefId: "x",
	}
	tx := app.Db.Begin()
	err := AppendEntry(tx, &entry)
	assert.True(t, errors.Is(err, ErrInvariant))
	tx.Rollback()
}

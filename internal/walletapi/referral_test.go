package walletapi

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refWeights(companyId uint) RefSettings {
	return RefSettings{
		LvlOne:            decimal.RequireFromString("4.5"),
		LvlTwo:            decimal.RequireFromString("2.5"),
		LvlThree:          decimal.RequireFromString("1.5"),
		Company:           decimal.RequireFromString("1.5"),
		CompanyUserId:     companyId,
		StakingRewardRate: decimal.RequireFromString("0.10"),
		DepositRate:       decimal.RequireFromString("0.10"),
		ClaimMin:          decimal.NewFromInt(1),
	}
}

func shareByUser(shares []commissionShare, userId uint) (commissionShare, bool) {
	for _, s := range shares {
		if s.UserId == userId {
			return s, true
		}
	}
	return commissionShare{}, false
}

func TestComputeSharesFullChain(t *testing.T) {
	weights := refWeights(99)
	pool := decimal.NewFromInt(10)
	shares := computeShares([]uint{10, 20, 30}, 99, pool, AssetUsdt, weights)
	require.Len(t, shares, 4)

	lvl1, _ := shareByUser(shares, 10)
	lvl2, _ := shareByUser(shares, 20)
	lvl3, _ := shareByUser(shares, 30)
	company, _ := shareByUser(shares, 99)
	assert.True(t, lvl1.Amount.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, lvl2.Amount.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, lvl3.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, company.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, uint(1), lvl1.Level)
	assert.Equal(t, uint(LevelCompany), company.Level)

	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Amount)
	}
	assert.True(t, total.Equal(pool))
}

func TestComputeSharesAbsentLevelsRollUpToCompany(t *testing.T) {
	weights := refWeights(99)
	pool := decimal.NewFromInt(10)
	shares := computeShares([]uint{10}, 99, pool, AssetUsdt, weights)
	require.Len(t, shares, 2)

	lvl1, _ := shareByUser(shares, 10)
	company, _ := shareByUser(shares, 99)
	assert.True(t, lvl1.Amount.Equal(decimal.RequireFromString("4.5")))
	// company weight 1.5 plus the absent 2.5 and 1.5
	assert.True(t, company.Amount.Equal(decimal.RequireFromString("5.5")))
}

func TestComputeSharesNoCompanyLeavesAbsentUnpaid(t *testing.T) {
	weights := refWeights(0)
	pool := decimal.NewFromInt(10)
	shares := computeShares([]uint{10}, 0, pool, AssetUsdt, weights)
	require.Len(t, shares, 1)

	// the denominator keeps the full nominal sum, so the single present
	// level still gets its nominal share and the rest goes unpaid
	assert.True(t, shares[0].Amount.Equal(decimal.RequireFromString("4.5")))
}

func TestComputeSharesZeroPool(t *testing.T) {
	weights := refWeights(99)
	assert.Nil(t, computeShares([]uint{10}, 99, decimal.Zero, AssetUsdt, weights))
}

func TestEventTypeRate(t *testing.T) {
	cfg := refWeights(0)
	assert.True(t, eventTypeRate(RefTypeStakingReward, cfg).Equal(decimal.RequireFromString("0.10")))
	assert.True(t, eventTypeRate(RefTypeDeposit, cfg).Equal(decimal.RequireFromString("0.10")))
	assert.True(t, eventTypeRate("signup", cfg).IsZero())
}

func TestResolveUplineStopsAtGap(t *testing.T) {
	app := testApp(t)
	root := mustCreateUser(t, app, &User{})
	mid := mustCreateUser(t, app, &User{Upline: root.Id})
	leaf := mustCreateUser(t, app, &User{Upline: mid.Id})

	chain := ResolveUpline(app.Db, leaf.Id)
	assert.Equal(t, []uint{mid.Id, root.Id}, chain)

	assert.Empty(t, ResolveUpline(app.Db, root.Id))
}

func TestAwardReferralIdempotent(t *testing.T) {
	app := testApp(t)
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	in := ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetUsdt,
		BaseAmount: decimal.NewFromInt(100),
		SourceRef:  "airdrop:1",
	}
	require.NoError(t, AwardReferral(app, in))
	require.NoError(t, AwardReferral(app, in))

	var events []ReferralEvent
	app.Db.Find(&events)
	require.Len(t, events, 1)
	// pool 10, level-1 weight 4.5 of 10
	assert.True(t, events[0].CommissionAmount.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, RefStatusPending, events[0].Status)
}

func TestClaimReferralsPaysOnceAndFlipsRows(t *testing.T) {
	app := testApp(t)
	app.Rates = FixedRateProvider{Rate: decimal.RequireFromString("0.001")}
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	in := ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetUsdt,
		BaseAmount: decimal.NewFromInt(100),
		SourceRef:  "airdrop:1",
	}
	require.NoError(t, AwardReferral(app, in))

	total, err := ClaimReferrals(app, referrer.Id)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, GetBalance(app.Db, referrer.Id, AssetUsdt).Equal(total))

	var event ReferralEvent
	app.Db.First(&event)
	assert.Equal(t, RefStatusCredited, event.Status)
	assert.NotEmpty(t, event.ClaimId)

	// nothing pending anymore
	_, err = ClaimReferrals(app, referrer.Id)
	assert.True(t, IsValidation(err))
	assert.True(t, GetBalance(app.Db, referrer.Id, AssetUsdt).Equal(total))
}

// gateRateProvider parks the first rate lookup until released, holding the
// caller mid-transaction at a known point.
type gateRateProvider struct {
	rate    decimal.Decimal
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gateRateProvider) Get(ctx context.Context, base string, quote string) (decimal.Decimal, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.rate, nil
}

func TestClaimReferralsLeavesConcurrentAwardsPending(t *testing.T) {
	app := testApp(t)
	provider := &gateRateProvider{
		rate:    decimal.RequireFromString("0.01"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	app.Rates = provider
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	require.NoError(t, AwardReferral(app, ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetPnt,
		BaseAmount: decimal.NewFromInt(10000),
		SourceRef:  "airdrop:1",
	}))

	errs := make(chan error, 1)
	totals := make(chan decimal.Decimal, 1)
	go func() {
		total, err := ClaimReferrals(app, referrer.Id)
		errs <- err
		totals <- total
	}()

	// the claim has locked and is totaling its pending set; a second award
	// lands and commits before the claim's status flip
	<-provider.entered
	require.NoError(t, AwardReferral(app, ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetPnt,
		BaseAmount: decimal.NewFromInt(10000),
		SourceRef:  "airdrop:2",
	}))
	close(provider.release)

	require.NoError(t, <-errs)
	total := <-totals
	// 10000 pnt base, 10% pool, 4.5 of 10 weight, converted at 0.01
	assert.True(t, total.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, GetBalance(app.Db, referrer.Id, AssetUsdt).Equal(total))

	// the late row was not in the total, so it must still be pending
	var late ReferralEvent
	require.Equal(t, int64(1),
		app.Db.Where("source_ref = ?", "airdrop:2").First(&late).RowsAffected)
	assert.Equal(t, RefStatusPending, late.Status)
	assert.Empty(t, late.ClaimId)

	var first ReferralEvent
	app.Db.Where("source_ref = ?", "airdrop:1").First(&first)
	assert.Equal(t, RefStatusCredited, first.Status)
}

func TestRefStatsCreditedFromLedger(t *testing.T) {
	app := testApp(t)
	app.Rates = FixedRateProvider{Rate: decimal.RequireFromString("0.01")}
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	require.NoError(t, AwardReferral(app, ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetPnt,
		BaseAmount: decimal.NewFromInt(10000),
		SourceRef:  "airdrop:1",
	}))

	total, err := ClaimReferrals(app, referrer.Id)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.RequireFromString("4.5")))

	// credited is the paid-out usdt, not the 450 pnt face value of the row
	stats := GetRefStats(app.Db, referrer.Id)
	assert.True(t, stats.CreditedUsdt.Equal(total),
		"credited %s want %s", stats.CreditedUsdt, total)
	assert.True(t, stats.PendingPnt.IsZero())
}

func TestClaimReferralsBelowMinimum(t *testing.T) {
	app := testApp(t)
	app.Rates = FixedRateProvider{Rate: decimal.RequireFromString("0.001")}
	referrer := mustCreateUser(t, app, &User{})
	referee := mustCreateUser(t, app, &User{Upline: referrer.Id})

	// tiny base leaves the claim under the 1 usdt floor
	in := ReferralInput{
		RefereeId:  referee.Id,
		Type:       RefTypeStakingReward,
		Asset:      AssetUsdt,
		BaseAmount: decimal.NewFromInt(1),
		SourceRef:  "airdrop:1",
	}
	require.NoError(t, AwardReferral(app, in))

	_, err := ClaimReferrals(app, referrer.Id)
	assert.True(t, IsValidation(err))

	var event ReferralEvent
	app.Db.First(&event)
	assert.Equal(t, RefStatusPending, event.Status)
}

package walletapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RefTypeStakingReward = "staking_reward"
	RefTypeDeposit       = "deposit"

	RefStatusPending  = "pending"
	RefStatusCredited = "credited"

	// LevelCompany marks the company recipient's row; upline rows carry 1-3.
	LevelCompany = 0
)

// ReferralEvent is one beneficiary's commission for one triggering action.
// (referee_id, referrer_id, type, source_ref) is unique, so a retried
// trigger can only fill in beneficiaries it failed to record before.
type ReferralEvent struct {
	Id               uint            `json:"id" gorm:"primarykey"`
	CreatedAt        time.Time       `json:"created_at"`
	RefereeId        uint            `json:"referee_id" gorm:"index;uniqueIndex:idx_ref_source"`
	ReferrerId       uint            `json:"referrer_id" gorm:"index;uniqueIndex:idx_ref_source"`
	Type             string          `json:"type" gorm:"uniqueIndex:idx_ref_source"`
	Level            uint            `json:"level"`
	Asset            string          `json:"asset"`
	BaseAmount       decimal.Decimal `json:"base_amount" gorm:"type:numeric(30,10)"`
	CommissionAmount decimal.Decimal `json:"commission_amount" gorm:"type:numeric(30,10)"`
	Status           string          `json:"status" gorm:"index"`
	SourceRef        string          `json:"source_ref" gorm:"uniqueIndex:idx_ref_source"`
	ClaimId          string          `json:"claim_id" gorm:"index"`
	Meta             string          `json:"meta"`
}

type ReferralInput struct {
	RefereeId  uint            `json:"referee_id"`
	Type       string          `json:"type"`
	Asset      string          `json:"asset"`
	BaseAmount decimal.Decimal `json:"base_amount"`
	SourceRef  string          `json:"source_ref"`
	Meta       string          `json:"meta"`
}

// RefData summarizes a referrer's standing for the sync payload.
type RefData struct {
	TotalCounter    int64           `json:"total_counter"`
	LvlOneCounter   int64           `json:"lvl_one_counter"`
	LvlTwoCounter   int64           `json:"lvl_two_counter"`
	LvlThreeCounter int64           `json:"lvl_three_counter"`
	PendingUsdt     decimal.Decimal `json:"pending_usdt"`
	PendingPnt      decimal.Decimal `json:"pending_pnt"`
	CreditedUsdt    decimal.Decimal `json:"credited_usdt"`
}

// ResolveUpline follows the referrer back-pointer for at most three levels.
// The returned slice is indexed by level-1 and stops at the first gap.
func ResolveUpline(db *gorm.DB, userId uint) []uint {
	var chain []uint
	current := userId
	for lvl := 0; lvl < 3; lvl++ {
		var user User
		res := db.Where("id = ?", current).First(&user)
		if res.RowsAffected != 1 || user.Upline == 0 {
			break
		}
		chain = append(chain, user.Upline)
		current = user.Upline
	}
	return chain
}

type commissionShare struct {
	UserId uint
	Level  uint
	Amount decimal.Decimal
}

// computeShares splits the pool across present upline levels and the
// company recipient. Nominal weights of absent levels roll up to the
// company when one is configured; with no company recipient the absent
// share is simply not paid (the denominator stays the full nominal sum,
// never re-normalized upward).
func computeShares(upline []uint, companyId uint, pool decimal.Decimal, asset string, weights RefSettings) []commissionShare {
	levelWeights := []decimal.Decimal{weights.LvlOne, weights.LvlTwo, weights.LvlThree}
	totalWeight := weights.Company
	for _, w := range levelWeights {
		totalWeight = totalWeight.Add(w)
	}
	if !totalWeight.IsPositive() || !pool.IsPositive() {
		return nil
	}

	companyWeight := weights.Company
	var shares []commissionShare
	for lvl := 0; lvl < 3; lvl++ {
		if lvl < len(upline) {
			amount := pool.Mul(levelWeights[lvl]).Div(totalWeight)
			shares = append(shares, commissionShare{
				UserId: upline[lvl],
				Level:  uint(lvl + 1),
				Amount: RoundAsset(amount, asset),
			})
		} else if companyId > 0 {
			companyWeight = companyWeight.Add(levelWeights[lvl])
		}
	}
	if companyId > 0 && companyWeight.IsPositive() {
		amount := pool.Mul(companyWeight).Div(totalWeight)
		shares = append(shares, commissionShare{
			UserId: companyId,
			Level:  LevelCompany,
			Amount: RoundAsset(amount, asset),
		})
	}
	return shares
}

func eventTypeRate(t string, cfg RefSettings) decimal.Decimal {
	switch t {
	case RefTypeStakingReward:
		return cfg.StakingRewardRate
	case RefTypeDeposit:
		return cfg.DepositRate
	default:
		return decimal.Zero
	}
}

// AwardReferral records pending commission rows for one triggering event.
// Safe under at-least-once delivery: existing beneficiary rows for the
// event identity are skipped, so retries only fill in missing rows.
func AwardReferral(app *App, in ReferralInput) error {
	cfg := Config().Settings.Ref
	rate := eventTypeRate(in.Type, cfg)
	if !rate.IsPositive() {
		return NewValidationError("unknown_event_type")
	}
	if !in.BaseAmount.IsPositive() {
		return NewValidationError("invalid_amount")
	}
	if in.SourceRef == "" {
		in.SourceRef = "evt:" + uniuri.New()
	}
	pool := in.BaseAmount.Mul(rate)

	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	upline := ResolveUpline(tx, in.RefereeId)
	shares := computeShares(upline, cfg.CompanyUserId, pool, in.Asset, cfg)
	for _, share := range shares {
		if !share.Amount.IsPositive() {
			continue
		}
		var dup ReferralEvent
		res := tx.Where(
			"referee_id = ? AND referrer_id = ? AND type = ? AND source_ref = ?",
			in.RefereeId,
			share.UserId,
			in.Type,
			in.SourceRef,
		).First(&dup)
		if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		if res.RowsAffected == 1 {
			continue
		}
		event := ReferralEvent{
			RefereeId:        in.RefereeId,
			ReferrerId:       share.UserId,
			Type:             in.Type,
			Level:            share.Level,
			Asset:            in.Asset,
			BaseAmount:       in.BaseAmount,
			CommissionAmount: share.Amount,
			Status:           RefStatusPending,
			SourceRef:        in.SourceRef,
			Meta:             in.Meta,
		}
		if res := tx.Create(&event); res.Error != nil {
			return res.Error
		}
	}
	tx.Commit()
	return nil
}

// ClaimReferrals pays out every pending commission for a referrer as one
// consolidated usdt ledger credit. Pending point-token amounts convert at
// the provider's current rate. Row locks keep a second concurrent claim
// from paying the same pending set twice.
func ClaimReferrals(app *App, referrerId uint) (decimal.Decimal, error) {
	cfg := Config().Settings.Ref

	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	var pending []ReferralEvent
	res := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("referrer_id = ? AND status = ?", referrerId, RefStatusPending).
		Find(&pending)
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if len(pending) == 0 {
		return decimal.Zero, NewValidationError("nothing_to_claim")
	}

	total := decimal.Zero
	claimedIds := make([]uint, 0, len(pending))
	for _, event := range pending {
		amount := event.CommissionAmount
		if event.Asset != AssetUsdt {
			rate, err := app.Rates.Get(ctxBg(), event.Asset, AssetUsdt)
			if err != nil {
				return decimal.Zero, err
			}
			amount = amount.Mul(rate)
		}
		total = total.Add(amount)
		claimedIds = append(claimedIds, event.Id)
	}
	total = RoundAsset(total, AssetUsdt)
	if total.LessThan(cfg.ClaimMin) {
		return decimal.Zero, NewValidationError("below_claim_minimum")
	}

	claimId := uuid.NewString()
	entry := LedgerEntry{
		UserId: referrerId,
		Asset:  AssetUsdt,
		Chain:  "internal",
		Type:   TypeReferralReward,
		Amount: total,
		RefId:  "refclaim:" + claimId,
		Meta:   fmt.Sprintf(`{"events":%d}`, len(pending)),
	}
	if err := AppendEntry(tx, &entry); err != nil && !errors.Is(err, ErrDuplicateOperation) {
		return decimal.Zero, err
	}
	// Flip exactly the rows that were locked and totaled. A predicate update
	// would also catch rows committed by a concurrent award after the locking
	// select, marking them paid without their commission in the total.
	res = tx.Model(&ReferralEvent{}).
		Where("id IN ?", claimedIds).
		Updates(map[string]interface{}{"status": RefStatusCredited, "claim_id": claimId})
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	tx.Commit()

	var user User
	if res := app.Db.First(&user, referrerId); res.RowsAffected == 1 {
		SyncUserStats(app, user)
		PushNotification(app, user, NotificationData{
			Style:   "success",
			Type:    "referral_claimed",
			Amount:  total,
			Asset:   AssetUsdt,
			Message: "Referral rewards claimed",
		})
	}
	return total, nil
}

// GetRefStats aggregates a referrer's counters for the sync payload.
func GetRefStats(db *gorm.DB, userId uint) (out RefData) {
	out.PendingUsdt = decimal.Zero
	out.PendingPnt = decimal.Zero
	out.CreditedUsdt = decimal.Zero
	db.Model(&User{}).Where("upline = ?", userId).Count(&out.TotalCounter)
	for lvl, dest := range map[uint]*int64{
		1: &out.LvlOneCounter,
		2: &out.LvlTwoCounter,
		3: &out.LvlThreeCounter,
	} {
		db.Model(&ReferralEvent{}).
			Where("referrer_id = ? AND level = ?", userId, lvl).
			Distinct("referee_id").
			Count(dest)
	}
	var rows []ReferralEvent
	db.Where("referrer_id = ? AND status = ?", userId, RefStatusPending).Find(&rows)
	for _, row := range rows {
		if row.Asset == AssetPnt {
			out.PendingPnt = out.PendingPnt.Add(row.CommissionAmount)
		} else {
			out.PendingUsdt = out.PendingUsdt.Add(row.CommissionAmount)
		}
	}
	// Credited commissions are reported from the ledger: point-token events
	// convert at claim time, so their rows carry pre-conversion amounts.
	var rawCredited string
	res := db.Model(&LedgerEntry{}).
		Where("user_id = ? AND type = ?", userId, TypeReferralReward).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&rawCredited)
	if res.Error == nil {
		if credited, err := decimal.NewFromString(rawCredited); err == nil {
			out.CreditedUsdt = credited
		}
	}
	return out
}

type PaginatedRef struct {
	Count    int64           `json:"count"`
	Next     string          `json:"next"`
	Previous string          `json:"previous"`
	Results  []ReferralEvent `json:"results"`
}

// ListReferralEvents pages a referrer's commission rows, newest first.
func ListReferralEvents(db *gorm.DB, referrerId uint, page int, size int) (out PaginatedRef, err error) {
	out.Results = []ReferralEvent{}
	res := db.Model(&ReferralEvent{}).Where("referrer_id = ?", referrerId).Count(&out.Count)
	if res.Error != nil {
		return out, res.Error
	}
	res = db.Where("referrer_id = ?", referrerId).
		Order("id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&out.Results)
	return out, res.Error
}

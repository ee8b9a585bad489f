package walletapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RewardStatusLocked    = "locked"
	RewardStatusClaimable = "claimable"
	RewardStatusClaimed   = "claimed"
	RewardStatusExpired   = "expired"
	RewardStatusCancelled = "cancelled"
)

// RewardCredit is a conditional bonus. The progress columns are a
// recomputed snapshot, not authoritative: every evaluation pass rewrites
// them from current aggregates.
type RewardCredit struct {
	Id               uint            `json:"id" gorm:"primarykey"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	UserId           uint            `json:"user_id" gorm:"index"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:numeric(30,10)"`
	MinDepositTotal  decimal.Decimal `json:"min_deposit_total" gorm:"type:numeric(30,10)"`
	DepositSource    string          `json:"deposit_source"` // "any" or a specific chain tag
	MinQualifiedRefs uint            `json:"min_qualified_refs"`
	ProgressDeposit  decimal.Decimal `json:"progress_deposit" gorm:"type:numeric(30,10)"`
	ProgressRefs     uint            `json:"progress_refs"`
	Status           string          `json:"status" gorm:"index"`
	ExpiresAt        *time.Time      `json:"expires_at"`
}

func (c RewardCredit) expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// conditionsMet is the pure eligibility predicate over the recomputed
// aggregates.
func conditionsMet(credit RewardCredit, depositTotal decimal.Decimal, qualifiedRefs uint) bool {
	if depositTotal.LessThan(credit.MinDepositTotal) {
		return false
	}
	return qualifiedRefs >= credit.MinQualifiedRefs
}

// QualifiedReferralCount counts direct referees whose own deposit total has
// crossed the qualify threshold. Distinct from the raw referral counter.
func QualifiedReferralCount(db *gorm.DB, userId uint, threshold decimal.Decimal) (uint, error) {
	var count int64
	res := db.Raw(
		`SELECT COUNT(*) FROM users u
		 WHERE u.upline = ? AND u.deleted_at IS NULL AND (
		   SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		   WHERE user_id = u.id AND type = ?
		 ) >= ?`,
		userId,
		TypeDeposit,
		threshold,
	).Scan(&count)
	if res.Error != nil {
		return 0, res.Error
	}
	return uint(count), nil
}

// EvaluateRewardCredits recomputes every non-terminal credit for a user.
// Idempotent: it reads aggregates, rewrites the progress snapshot and moves
// locked<->claimable in both directions. Claimed, expired and cancelled
// credits are never touched.
func EvaluateRewardCredits(app *App, userId uint) error {
	threshold := Config().Settings.Deposit.QualifyThreshold
	qualified, err := QualifiedReferralCount(app.Db, userId, threshold)
	if err != nil {
		return err
	}

	var credits []RewardCredit
	res := app.Db.Where(
		"user_id = ? AND status IN ?",
		userId,
		[]string{RewardStatusLocked, RewardStatusClaimable},
	).Find(&credits)
	if res.Error != nil {
		return res.Error
	}

	now := time.Now()
	becameClaimable := false
	for _, credit := range credits {
		depositTotal, err := DepositTotal(app.Db, userId, credit.DepositSource)
		if err != nil {
			return err
		}

		tx := app.Db.Begin()
		var locked RewardCredit
		res := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", credit.Id).
			First(&locked)
		if res.Error != nil {
			tx.Rollback()
			return res.Error
		}
		if locked.Status != RewardStatusLocked && locked.Status != RewardStatusClaimable {
			tx.Rollback()
			continue
		}
		locked.ProgressDeposit = depositTotal
		locked.ProgressRefs = qualified
		switch {
		case locked.expired(now):
			locked.Status = RewardStatusExpired
		case conditionsMet(locked, depositTotal, qualified):
			if locked.Status == RewardStatusLocked {
				becameClaimable = true
			}
			locked.Status = RewardStatusClaimable
		default:
			// A credit marked claimable in error drops back to locked;
			// claimed credits never demote.
			locked.Status = RewardStatusLocked
		}
		if res := tx.Save(&locked); res.Error != nil {
			tx.Rollback()
			return res.Error
		}
		tx.Commit()
	}

	if becameClaimable {
		var user User
		if res := app.Db.First(&user, userId); res.RowsAffected == 1 {
			PushNotification(app, user, NotificationData{
				Style:   "info",
				Type:    "reward_claimable",
				Message: "A reward credit is ready to claim",
			})
		}
	}
	return nil
}

// ClaimRewardCredit pays a claimable credit exactly once. Replays are
// absorbed by the ledger ref check; the legacy bonus:<id> ref format from
// the old credit pipeline is honored so migrated credits cannot double-pay.
func ClaimRewardCredit(app *App, userId uint, creditId uint) error {
	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	var credit RewardCredit
	res := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", creditId, userId).
		First(&credit)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return res.Error
	}
	if credit.Status == RewardStatusClaimed {
		tx.Commit()
		return nil
	}
	if credit.Status != RewardStatusClaimable {
		return NewValidationError("not_claimable")
	}
	if credit.expired(time.Now()) {
		credit.Status = RewardStatusExpired
		tx.Save(&credit)
		tx.Commit()
		return NewValidationError("expired")
	}

	refId := fmt.Sprintf("reward_credit:%d", credit.Id)
	legacyRef := fmt.Sprintf("bonus:%d", credit.Id)
	var legacy LedgerEntry
	res = tx.Where(
		"user_id = ? AND type = ? AND ref_id = ?",
		userId,
		TypeReferralBonus,
		legacyRef,
	).First(&legacy)
	if res.RowsAffected != 1 {
		entry := LedgerEntry{
			UserId: userId,
			Asset:  AssetUsdt,
			Chain:  "internal",
			Type:   TypeReferralBonus,
			Amount: credit.Amount,
			RefId:  refId,
		}
		err := AppendEntry(tx, &entry)
		if err != nil && !errors.Is(err, ErrDuplicateOperation) {
			return err
		}
	}
	credit.Status = RewardStatusClaimed
	if res := tx.Save(&credit); res.Error != nil {
		return res.Error
	}
	tx.Commit()

	var user User
	if res := app.Db.First(&user, userId); res.RowsAffected == 1 {
		SyncUserStats(app, user)
	}
	return nil
}

// GrantRewardCredit creates a locked credit (administrative action).
func GrantRewardCredit(app *App, userId uint, amount decimal.Decimal, minDeposit decimal.Decimal, source string, minRefs uint, expiresAt *time.Time) (*RewardCredit, error) {
	if !amount.IsPositive() {
		return nil, NewValidationError("invalid_amount")
	}
	if source == "" {
		source = "any"
	}
	credit := RewardCredit{
		UserId:           userId,
		Amount:           amount,
		MinDepositTotal:  minDeposit,
		DepositSource:    source,
		MinQualifiedRefs: minRefs,
		ProgressDeposit:  decimal.Zero,
		Status:           RewardStatusLocked,
		ExpiresAt:        expiresAt,
	}
	if res := app.Db.Create(&credit); res.Error != nil {
		return nil, res.Error
	}
	EnqueueRewardEvaluate(app, userId)
	return &credit, nil
}

// ListRewardCredits returns a user's credits, newest first.
func ListRewardCredits(db *gorm.DB, userId uint) ([]RewardCredit, error) {
	var credits []RewardCredit
	res := db.Where("user_id = ?", userId).Order("id DESC").Find(&credits)
	return credits, res.Error
}

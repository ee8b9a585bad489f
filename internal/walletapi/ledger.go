package walletapi

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AssetUsdt = "usdt"
	AssetPnt  = "pnt"
)

// Ledger entry types. Amounts are always stored as non-negative magnitudes;
// direction is derived from the type at read time.
const (
	TypeDeposit        = "deposit"
	TypeWithdraw       = "withdraw"
	TypeTransferIn     = "transfer_in"
	TypeTransferOut    = "transfer_out"
	TypeStakeLock      = "stake_lock"
	TypeStakePayout    = "stake_payout"
	TypeStakeRefund    = "stake_refund"
	TypeReferralReward = "referral_reward"
	TypeReferralBonus  = "referral_bonus"
	TypeSwapIn         = "swap_in"
	TypeSwapOut        = "swap_out"
	TypeFee            = "fee"
	TypePurchase       = "purchase"
	TypeRefund         = "refund"
)

var creditTypes = map[string]bool{
	TypeDeposit:        true,
	TypeTransferIn:     true,
	TypeStakePayout:    true,
	TypeStakeRefund:    true,
	TypeReferralReward: true,
	TypeReferralBonus:  true,
	TypeSwapIn:         true,
	TypeRefund:         true,
}

var debitTypes = map[string]bool{
	TypeWithdraw:    true,
	TypeTransferOut: true,
	TypeStakeLock:   true,
	TypeSwapOut:     true,
	TypeFee:         true,
	TypePurchase:    true,
}

// LedgerEntry is an immutable ledger row. (user_id, type, ref_id) is the
// idempotency key for inserts.
type LedgerEntry struct {
	Id        uint            `json:"id" gorm:"primarykey"`
	CreatedAt time.Time       `json:"created_at"`
	UserId    uint            `json:"user_id" gorm:"index;uniqueIndex:idx_ledger_ref"`
	Asset     string          `json:"asset"`
	Chain     string          `json:"chain"`
	Type      string          `json:"type" gorm:"uniqueIndex:idx_ledger_ref"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(30,10)"`
	RefId     string          `json:"ref_id" gorm:"uniqueIndex:idx_ledger_ref"`
	Meta      string          `json:"meta"`
}

// Balance is a cached projection over the ledger. The ledger is truth;
// on divergence Reconcile rewrites the projection from the ledger.
type Balance struct {
	UserId    uint            `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	Asset     string          `json:"asset" gorm:"primaryKey"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(30,10)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func IsCreditType(t string) bool {
	return creditTypes[t]
}

func IsLedgerType(t string) bool {
	return creditTypes[t] || debitTypes[t]
}

// SignedAmount applies the type classification to the stored magnitude.
func SignedAmount(e LedgerEntry) decimal.Decimal {
	if creditTypes[e.Type] {
		return e.Amount
	}
	return e.Amount.Neg()
}

// AppendEntry inserts a ledger row and maintains the balance projection.
// Must run inside the caller's transaction. Locks the balance row, checks
// the idempotency key, and for debits verifies availability first.
// Returns ErrDuplicateOperation when (user_id, type, ref_id) already exists;
// retried triggers must treat that as success.
func AppendEntry(tx *gorm.DB, entry *LedgerEntry) error {
	if !IsLedgerType(entry.Type) {
		return invariantf("unknown ledger type %q", entry.Type)
	}
	if entry.Amount.IsNegative() {
		return invariantf("negative ledger amount for %s/%s", entry.Type, entry.RefId)
	}
	entry.Amount = RoundAsset(entry.Amount, entry.Asset)

	var bal Balance
	res := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", entry.UserId, entry.Asset).
		First(&bal)
	if res.Error != nil {
		if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		bal = Balance{UserId: entry.UserId, Asset: entry.Asset, Amount: decimal.Zero}
		if res := tx.Create(&bal); res.Error != nil {
			return res.Error
		}
		// Re-lock so concurrent appenders on a fresh account serialize too.
		res = tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND asset = ?", entry.UserId, entry.Asset).
			First(&bal)
		if res.Error != nil {
			return res.Error
		}
	}

	var dup LedgerEntry
	res = tx.Where(
		"user_id = ? AND type = ? AND ref_id = ?",
		entry.UserId,
		entry.Type,
		entry.RefId,
	).First(&dup)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		// A failed lookup must not pass for "no duplicate".
		return res.Error
	}
	if res.RowsAffected == 1 {
		return ErrDuplicateOperation
	}

	signed := SignedAmount(*entry)
	if signed.IsNegative() && bal.Amount.Add(signed).IsNegative() {
		return ErrInsufficientFunds
	}
	bal.Amount = bal.Amount.Add(signed)
	if res := tx.Save(&bal); res.Error != nil {
		return res.Error
	}
	if res := tx.Create(entry); res.Error != nil {
		return res.Error
	}
	return nil
}

// CurrentBalance computes the signed sum over the ledger (the source of
// truth), bypassing the projection.
func CurrentBalance(db *gorm.DB, userId uint, asset string) (decimal.Decimal, error) {
	credits := make([]string, 0, len(creditTypes))
	for t := range creditTypes {
		credits = append(credits, t)
	}
	var raw string
	res := db.Raw(
		`SELECT COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE -amount END), 0)
		 FROM ledger_entries WHERE user_id = ? AND asset = ?`,
		credits,
		userId,
		asset,
	).Scan(&raw)
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	return decimal.NewFromString(raw)
}

// GetBalance reads the cached projection; missing rows read as zero.
func GetBalance(db *gorm.DB, userId uint, asset string) decimal.Decimal {
	var bal Balance
	res := db.Where("user_id = ? AND asset = ?", userId, asset).First(&bal)
	if res.RowsAffected != 1 {
		return decimal.Zero
	}
	return bal.Amount
}

// Reconcile recomputes a user's projections from the ledger and rewrites
// any drifted rows. The ledger always wins.
func Reconcile(db *gorm.DB, userId uint) (drifted []string, err error) {
	for _, asset := range []string{AssetUsdt, AssetPnt} {
		truth, cbErr := CurrentBalance(db, userId, asset)
		if cbErr != nil {
			return drifted, cbErr
		}
		tx := db.Begin()
		var bal Balance
		res := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND asset = ?", userId, asset).
			First(&bal)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) && truth.IsZero() {
				tx.Rollback()
				continue
			}
			if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
				tx.Rollback()
				return drifted, res.Error
			}
			bal = Balance{UserId: userId, Asset: asset}
		}
		if !bal.Amount.Equal(truth) {
			drifted = append(drifted, asset)
			bal.Amount = truth
			if res := tx.Save(&bal); res.Error != nil {
				tx.Rollback()
				return drifted, res.Error
			}
		}
		tx.Commit()
	}
	return drifted, nil
}

type PaginatedLedger struct {
	Count    int64         `json:"count"`
	Next     string        `json:"next"`
	Previous string        `json:"previous"`
	Results  []LedgerEntry `json:"results"`
}

// ListEntries pages a user's ledger ordered by id desc.
func ListEntries(db *gorm.DB, userId uint, page int, size int) (out PaginatedLedger, err error) {
	out.Results = []LedgerEntry{}
	res := db.Model(&LedgerEntry{}).Where("user_id = ?", userId).Count(&out.Count)
	if res.Error != nil {
		return out, res.Error
	}
	res = db.Where("user_id = ?", userId).
		Order("id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&out.Results)
	return out, res.Error
}

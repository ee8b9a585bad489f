package walletapi

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"walletd/internal/evm"
)

const (
	DepositStatusPending    = "pending"
	DepositStatusSeen       = "seen"
	DepositStatusConfirming = "confirming"
	DepositStatusCredited   = "credited"

	SweepStatusQueued = "queued"
	SweepStatusSwept  = "swept"
	SweepStatusFailed = "failed"
)

// DepositIntent binds one expected on-chain deposit to one derived address.
// Addresses are never reused; the chain watcher mutates intents only through
// ApplyDepositFact.
type DepositIntent struct {
	Id                    uint            `json:"id" gorm:"primarykey"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	UserId                uint            `json:"user_id" gorm:"index"`
	Chain                 string          `json:"chain"`
	Asset                 string          `json:"asset"`
	Address               string          `json:"address" gorm:"uniqueIndex"`
	AddressIndex          uint64          `json:"address_index" gorm:"uniqueIndex"`
	AmountExpected        decimal.Decimal `json:"amount_expected" gorm:"type:numeric(30,10)"`
	AmountReceived        decimal.Decimal `json:"amount_received" gorm:"type:numeric(30,10)"`
	Confirmations         uint            `json:"confirmations"`
	RequiredConfirmations uint            `json:"required_confirmations"`
	Status                string          `json:"status" gorm:"index"`
	TxHash                string          `json:"tx_hash"`
	SweepStatus           string          `json:"sweep_status" gorm:"index"`
	SweepTxHash           string          `json:"sweep_tx_hash"`
}

// DepositFact is what the chain watcher observed for an intent's address.
type DepositFact struct {
	IntentId      uint            `json:"intent_id"`
	TxHash        string          `json:"tx_hash"`
	Confirmations uint            `json:"confirmations"`
	Amount        decimal.Decimal `json:"amount"`
}

func depositMasterSeed() ([]byte, error) {
	raw := os.Getenv("DEPOSIT_MASTER_SEED")
	if raw == "" {
		return nil, errors.New("DEPOSIT_MASTER_SEED is not set")
	}
	return hex.DecodeString(raw)
}

// DeriveDepositKey derives the receiving key for an address index from the
// master seed. Deterministic: the same (seed, index) always yields the same
// key, so an intent can be re-derived for sweeping.
func DeriveDepositKey(seed []byte, index uint64) (*ecdsa.PrivateKey, error) {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	h := crypto.Keccak256(seed, idx[:])
	for i := 0; i < 16; i++ {
		key, err := crypto.ToECDSA(h)
		if err == nil {
			return key, nil
		}
		h = crypto.Keccak256(h)
	}
	return nil, invariantf("key derivation failed for index %d", index)
}

func DeriveDepositAddress(seed []byte, index uint64) (string, error) {
	key, err := DeriveDepositKey(seed, index)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// CreateDepositIntent issues a fresh receiving address for the user. The
// address index counter is serialized by an advisory lock so two requests
// can never share an address.
func CreateDepositIntent(app *App, userId uint, amountExpected decimal.Decimal) (*DepositIntent, error) {
	if amountExpected.IsNegative() {
		return nil, NewValidationError("invalid_amount")
	}
	seed, err := depositMasterSeed()
	if err != nil {
		return nil, err
	}
	cfg := Config().Settings.Deposit

	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	if err := advisoryLock(tx, LockKeyDepositAddress); err != nil {
		return nil, err
	}
	var maxIndex int64
	res := tx.Raw("SELECT COALESCE(MAX(address_index), -1) FROM deposit_intents").Scan(&maxIndex)
	if res.Error != nil {
		return nil, res.Error
	}
	nextIndex := uint64(maxIndex + 1)
	address, err := DeriveDepositAddress(seed, nextIndex)
	if err != nil {
		return nil, err
	}
	intent := DepositIntent{
		UserId:                userId,
		Chain:                 cfg.Chain,
		Asset:                 AssetUsdt,
		Address:               address,
		AddressIndex:          nextIndex,
		AmountExpected:        amountExpected,
		AmountReceived:        decimal.Zero,
		RequiredConfirmations: cfg.RequiredConfirmations,
		Status:                DepositStatusPending,
	}
	if res := tx.Create(&intent); res.Error != nil {
		return nil, res.Error
	}
	tx.Commit()
	return &intent, nil
}

// depositReferralInput is the commission trigger for a credited deposit.
// The intent id as source ref makes retried awards fill-in-only.
func depositReferralInput(intent DepositIntent) ReferralInput {
	return ReferralInput{
		RefereeId:  intent.UserId,
		Type:       RefTypeDeposit,
		Asset:      intent.Asset,
		BaseAmount: intent.AmountReceived,
		SourceRef:  fmt.Sprintf("deposit:%d", intent.Id),
	}
}

// ApplyDepositFact folds a chain-watcher observation into the intent and
// fires the credit exactly once. Idempotent under duplicate and concurrent
// delivery: the row lock serializes callers, the first observed amount wins,
// and the ledger ref check makes the credit a no-op on replay.
func ApplyDepositFact(app *App, fact DepositFact) (credited bool, err error) {
	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()

	var intent DepositIntent
	res := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", fact.IntentId).
		First(&intent)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, res.Error
	}

	if intent.TxHash == "" && fact.TxHash != "" {
		intent.TxHash = fact.TxHash
	}
	if intent.AmountReceived.IsZero() && fact.Amount.IsPositive() {
		intent.AmountReceived = fact.Amount
	}
	if fact.Confirmations > intent.Confirmations {
		intent.Confirmations = fact.Confirmations
	}
	if intent.Status == DepositStatusPending {
		intent.Status = DepositStatusSeen
	}
	if intent.Status == DepositStatusSeen && intent.TxHash != "" {
		intent.Status = DepositStatusConfirming
	}

	if intent.Status != DepositStatusCredited &&
		intent.Confirmations >= intent.RequiredConfirmations &&
		intent.AmountReceived.IsPositive() {
		entry := LedgerEntry{
			UserId: intent.UserId,
			Asset:  intent.Asset,
			Chain:  intent.Chain,
			Type:   TypeDeposit,
			Amount: intent.AmountReceived,
			RefId:  strconv.FormatUint(uint64(intent.Id), 10),
			Meta:   fmt.Sprintf(`{"tx_hash":%q}`, intent.TxHash),
		}
		err := AppendEntry(tx, &entry)
		if err != nil && !errors.Is(err, ErrDuplicateOperation) {
			return false, err
		}
		intent.Status = DepositStatusCredited
		intent.SweepStatus = SweepStatusQueued
		credited = err == nil
	}

	if res := tx.Save(&intent); res.Error != nil {
		return false, res.Error
	}
	tx.Commit()

	if credited {
		// Downstream side effects run after commit and are best-effort.
		EnqueueDepositSweep(app, intent.Id)
		EnqueueReferralAward(app, depositReferralInput(intent))
		EnqueueRewardEvaluate(app, intent.UserId)
		var user User
		if res := app.Db.First(&user, intent.UserId); res.RowsAffected == 1 {
			if user.Upline > 0 {
				EnqueueRewardEvaluate(app, user.Upline)
			}
			SyncUserStats(app, user)
			PushNotification(app, user, NotificationData{
				Style:   "success",
				Type:    "deposit_credited",
				Amount:  intent.AmountReceived,
				Asset:   intent.Asset,
				Message: "Deposit credited",
			})
		}
		msg := fmt.Sprintf(
			"DEPOSIT CREDITED intent %d user %d amount %s",
			intent.Id,
			intent.UserId,
			EscapeMarkdownV2(intent.AmountReceived.String()),
		)
		if err := SendTelegramMessage(msg, "finance"); err != nil {
			// notification only; the credit stands
		}
	}
	return credited, nil
}

// SweepIntent moves credited funds from the derived deposit address to the
// custody wallet. Failures mark sweep_status=failed for the periodic retry
// scan; the credit itself is never blocked or reversed.
func SweepIntent(app *App, intentId uint) error {
	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	var intent DepositIntent
	res := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", intentId).
		First(&intent)
	if res.Error != nil {
		return ErrNotFound
	}
	if intent.Status != DepositStatusCredited || intent.SweepStatus == SweepStatusSwept {
		tx.Commit()
		return nil
	}

	txHash, err := sweepOnChain(app, &intent)
	if err != nil {
		intent.SweepStatus = SweepStatusFailed
		tx.Save(&intent)
		tx.Commit()
		return err
	}
	intent.SweepStatus = SweepStatusSwept
	intent.SweepTxHash = txHash
	if res := tx.Save(&intent); res.Error != nil {
		return res.Error
	}
	tx.Commit()
	return nil
}

func sweepOnChain(app *App, intent *DepositIntent) (string, error) {
	seed, err := depositMasterSeed()
	if err != nil {
		return "", err
	}
	key, err := DeriveDepositKey(seed, intent.AddressIndex)
	if err != nil {
		return "", err
	}
	derived := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if derived != intent.Address {
		return "", invariantf("derived address %s does not match intent %d", derived, intent.Id)
	}
	chainId, _ := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
	if chainId == 0 {
		chainId = 137
	}
	signer, err := evm.NewSigner(os.Getenv("RPC_URL"), hex.EncodeToString(crypto.FromECDSA(key)), chainId, app.Rdb)
	if err != nil {
		return "", err
	}
	// usdt carries 6 decimals on-chain
	amount := intent.AmountReceived.Shift(6).BigInt()
	return signer.TransferToken(
		os.Getenv("USDT_CONTRACT_ADDRESS"),
		os.Getenv("CUSTODY_ADDRESS"),
		amount,
	)
}

// DepositTotal sums a user's credited deposits, optionally filtered by the
// source chain tag ("" or "any" matches everything).
func DepositTotal(db *gorm.DB, userId uint, source string) (decimal.Decimal, error) {
	q := db.Model(&LedgerEntry{}).Where("user_id = ? AND type = ?", userId, TypeDeposit)
	if source != "" && source != "any" {
		q = q.Where("chain = ?", source)
	}
	var raw string
	res := q.Select("COALESCE(SUM(amount), 0)").Scan(&raw)
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	return decimal.NewFromString(raw)
}

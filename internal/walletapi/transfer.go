package walletapi

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Withdraw debits the user and hands the on-chain transfer to the custody
// signer after commit. A failed send is reported for manual retry; the
// ledger debit stands until an operator refunds it explicitly.
func Withdraw(app *App, userId uint, amount decimal.Decimal, toAddress string) (string, error) {
	if !amount.IsPositive() {
		return "", NewValidationError("invalid_amount")
	}
	if toAddress == "" {
		return "", NewValidationError("missing_address")
	}
	limits := Config().Settings.Limits

	var user User
	if res := app.Db.First(&user, userId); res.RowsAffected != 1 {
		return "", ErrNotFound
	}
	withdrawMin := limits.WithdrawMin
	if user.WithdrawMin.IsPositive() {
		withdrawMin = user.WithdrawMin
	}
	withdrawMax := limits.WithdrawMax
	if user.WithdrawMax.IsPositive() {
		withdrawMax = user.WithdrawMax
	}
	if amount.LessThan(withdrawMin) {
		return "", NewValidationError("min_withdrawal")
	}
	if amount.GreaterThan(withdrawMax) {
		return "", NewValidationError("max_withdrawal")
	}

	withdrawalId := uuid.NewString()
	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	entry := LedgerEntry{
		UserId: userId,
		Asset:  AssetUsdt,
		Chain:  Config().Settings.Deposit.Chain,
		Type:   TypeWithdraw,
		Amount: amount,
		RefId:  "withdraw:" + withdrawalId,
		Meta:   fmt.Sprintf(`{"to":%q}`, toAddress),
	}
	if err := AppendEntry(tx, &entry); err != nil {
		return "", err
	}
	tx.Commit()

	msg := fmt.Sprintf(
		"WITHDRAWAL user %d amount %s to %s",
		userId,
		EscapeMarkdownV2(amount.String()),
		EscapeMarkdownV2(toAddress),
	)
	if err := SendTelegramMessage(msg, "finance"); err != nil {
		// notification only
	}

	if app.Signer == nil {
		return "", errors.New("custody signer is not configured")
	}
	txHash, err := app.Signer.TransferToken(
		os.Getenv("USDT_CONTRACT_ADDRESS"),
		toAddress,
		amount.Shift(6).BigInt(),
	)
	if err != nil {
		// The debit is committed; flag for the operators instead of
		// reversing a financial mutation from a transport failure.
		alert := fmt.Sprintf("WITHDRAWAL SEND FAILED user %d ref withdraw:%s", userId, withdrawalId)
		SendTelegramMessage(EscapeMarkdownV2(alert), "finance")
		return "", err
	}
	SyncUserStats(app, user)
	return txHash, nil
}

// Swap converts point tokens to usdt at the provider's current rate. The
// paired swap_out/swap_in entries share one ref so a replay of either half
// is a no-op.
func Swap(app *App, userId uint, pntAmount decimal.Decimal) (decimal.Decimal, error) {
	if !pntAmount.IsPositive() {
		return decimal.Zero, NewValidationError("invalid_amount")
	}
	rate, err := app.Rates.Get(ctxBg(), AssetPnt, AssetUsdt)
	if err != nil {
		return decimal.Zero, err
	}
	usdtAmount := RoundAsset(pntAmount.Mul(rate), AssetUsdt)
	if !usdtAmount.IsPositive() {
		return decimal.Zero, NewValidationError("amount_too_small")
	}

	swapId := uuid.NewString()
	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	out := LedgerEntry{
		UserId: userId,
		Asset:  AssetPnt,
		Chain:  "internal",
		Type:   TypeSwapOut,
		Amount: pntAmount,
		RefId:  "swap:" + swapId,
		Meta:   fmt.Sprintf(`{"rate":%q}`, rate.String()),
	}
	if err := AppendEntry(tx, &out); err != nil {
		return decimal.Zero, err
	}
	in := LedgerEntry{
		UserId: userId,
		Asset:  AssetUsdt,
		Chain:  "internal",
		Type:   TypeSwapIn,
		Amount: usdtAmount,
		RefId:  "swap:" + swapId,
		Meta:   fmt.Sprintf(`{"rate":%q}`, rate.String()),
	}
	if err := AppendEntry(tx, &in); err != nil {
		return decimal.Zero, err
	}
	tx.Commit()

	var user User
	if res := app.Db.First(&user, userId); res.RowsAffected == 1 {
		SyncUserStats(app, user)
	}
	return usdtAmount, nil
}

package walletapi

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	PositionStatusActive    = "active"
	PositionStatusCompleted = "completed"
)

// StakingPosition locks point tokens against a fixed reference value per
// unit. CreditedTotal only grows, and never past CapTotal; airdrop payouts
// are the position's only mutation after creation.
type StakingPosition struct {
	Id            uint            `json:"id" gorm:"primarykey"`
	CreatedAt     time.Time       `json:"created_at"`
	UserId        uint            `json:"user_id" gorm:"index"`
	Units         uint64          `json:"units"`
	UnitAmount    decimal.Decimal `json:"unit_amount" gorm:"type:numeric(30,10)"` // reference value per unit at open time
	CapMultiplier int64           `json:"cap_multiplier"`
	CapTotal      decimal.Decimal `json:"cap_total" gorm:"type:numeric(30,10)"`
	CreditedTotal decimal.Decimal `json:"credited_total" gorm:"type:numeric(30,10)"`
	Status        string          `json:"status" gorm:"index"`
}

// AirdropRound records one completed lottery pass. TriggerUnits is the
// cumulative-unit boundary that closed the round's window.
type AirdropRound struct {
	Id           uint      `json:"id" gorm:"primarykey"`
	CreatedAt    time.Time `json:"created_at"`
	RoundNumber  uint64    `json:"round_number" gorm:"uniqueIndex"`
	TriggerUnits uint64    `json:"trigger_units"`
	RewardUnits  int       `json:"reward_units"` // winning tickets actually awarded
}

type AirdropRecipient struct {
	Id             uint            `json:"id" gorm:"primarykey"`
	CreatedAt      time.Time       `json:"created_at"`
	AirdropId      uint            `json:"airdrop_id" gorm:"index"`
	UserId         uint            `json:"user_id" gorm:"index"`
	PositionId     uint            `json:"position_id" gorm:"index"`
	AmountCredited decimal.Decimal `json:"amount_credited" gorm:"type:numeric(30,10)"`
}

// PerUnitPayout is the amount one winning ticket credits.
func (s StakeSettings) PerUnitPayout() decimal.Decimal {
	return s.UnitAmount.Mul(decimal.NewFromInt(s.CapMultiplier))
}

// OpenPosition locks the point tokens for floor(pntAmount / PntPerUnit)
// units and creates an active position. The split payment and the airdrop
// check run as queued tasks after commit; their failure never rolls back
// the stake.
func OpenPosition(app *App, userId uint, pntAmount decimal.Decimal) (*StakingPosition, error) {
	cfg := Config().Settings.Staking
	if !pntAmount.IsPositive() {
		return nil, NewValidationError("invalid_amount")
	}
	units := pntAmount.Div(cfg.PntPerUnit).IntPart()
	if units < 1 {
		return nil, NewValidationError("below_minimum_stake")
	}
	locked := cfg.PntPerUnit.Mul(decimal.NewFromInt(units))
	capTotal := cfg.UnitAmount.
		Mul(decimal.NewFromInt(units)).
		Mul(decimal.NewFromInt(cfg.CapMultiplier))

	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	entry := LedgerEntry{
		UserId: userId,
		Asset:  AssetPnt,
		Chain:  "internal",
		Type:   TypeStakeLock,
		Amount: locked,
		RefId:  "stake:" + uuid.NewString(),
	}
	if err := AppendEntry(tx, &entry); err != nil {
		return nil, err
	}
	position := StakingPosition{
		UserId:        userId,
		Units:         uint64(units),
		UnitAmount:    cfg.UnitAmount,
		CapMultiplier: cfg.CapMultiplier,
		CapTotal:      capTotal,
		CreditedTotal: decimal.Zero,
		Status:        PositionStatusActive,
	}
	if res := tx.Create(&position); res.Error != nil {
		return nil, res.Error
	}
	tx.Commit()

	stakedValue := cfg.UnitAmount.Mul(decimal.NewFromInt(units))
	EnqueueStakeSplit(app, position.Id, stakedValue)
	EnqueueAirdropTrigger(app)
	return &position, nil
}

// ticket is one consumable unit of position capacity, identified by its
// global unit index (creation order).
type ticket struct {
	Index      uint64
	PositionId uint
	UserId     uint
}

// buildCohorts walks positions in creation order, assigns each its
// contiguous range of global unit indices, trims the range to the
// position's unconsumed capacity, and splits the eligible tickets into the
// "old" pool (index at or below the previous round boundary) and the "new"
// pool (inside this round's window). Indices past the window belong to
// later rounds and are dropped.
func buildCohorts(positions []StakingPosition, prevUnits, triggerUnits uint64, perUnitPayout decimal.Decimal) (oldPool, newPool []ticket) {
	window := prevUnits + triggerUnits
	base := uint64(0)
	for _, p := range positions {
		unconsumed := int64(0)
		if p.Status == PositionStatusActive {
			headroom := p.CapTotal.Sub(p.CreditedTotal)
			if headroom.IsPositive() && perUnitPayout.IsPositive() {
				unconsumed = headroom.Div(perUnitPayout).IntPart()
			}
		}
		count := int64(p.Units)
		if unconsumed < count {
			count = unconsumed
		}
		for i := int64(0); i < count; i++ {
			idx := base + uint64(i) + 1
			if idx > window {
				break
			}
			t := ticket{Index: idx, PositionId: p.Id, UserId: p.UserId}
			if idx <= prevUnits {
				oldPool = append(oldPool, t)
			} else {
				newPool = append(newPool, t)
			}
		}
		base += p.Units
	}
	return oldPool, newPool
}

// drawWinners picks up to n tickets without replacement, skipping tickets
// whose user is in exclude. randIndex defaults to an unbiased crypto/rand
// draw; tests inject a deterministic one.
func drawWinners(pool []ticket, n int, exclude map[uint]bool, randIndex func(int) int) []ticket {
	if randIndex == nil {
		randIndex = cryptoRandIndex
	}
	remaining := make([]ticket, 0, len(pool))
	for _, t := range pool {
		if exclude == nil || !exclude[t.UserId] {
			remaining = append(remaining, t)
		}
	}
	var winners []ticket
	for len(winners) < n && len(remaining) > 0 {
		i := randIndex(len(remaining))
		winners = append(winners, remaining[i])
		remaining[i] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
	}
	return winners
}

func cryptoRandIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failing is not something to paper over with a
		// biased fallback
		panic(err)
	}
	return int(v.Int64())
}

// RunAirdrops processes every round owed by the current cumulative unit
// count. The whole pass runs under a cluster-wide advisory lock; when the
// lock is busy the trigger abstains (ErrLockTimeout) and relies on the next
// stake-open or explicit trigger to retry.
func RunAirdrops(app *App) error {
	for {
		done, err := runOneAirdropRound(app)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// roundWin aggregates a user's winnings within one round for the referral
// trigger that follows the commit.
type roundWin struct {
	UserId uint
	Total  decimal.Decimal
}

func runOneAirdropRound(app *App) (done bool, err error) {
	cfg := Config().Settings.Staking
	perUnit := cfg.PerUnitPayout()

	tx := app.Db.Begin()
	defer func() {
		tx.Rollback()
	}()
	got, err := tryAdvisoryLock(tx, LockKeyAirdrop)
	if err != nil {
		return false, err
	}
	if !got {
		return false, ErrLockTimeout
	}

	var totalUnits int64
	if res := tx.Raw("SELECT COALESCE(SUM(units), 0) FROM staking_positions").Scan(&totalUnits); res.Error != nil {
		return false, res.Error
	}
	var roundsDone int64
	if res := tx.Model(&AirdropRound{}).Count(&roundsDone); res.Error != nil {
		return false, res.Error
	}
	targetRounds := uint64(totalUnits) / cfg.TriggerUnits
	if uint64(roundsDone) >= targetRounds {
		tx.Commit()
		return true, nil
	}

	prevUnits := uint64(roundsDone) * cfg.TriggerUnits

	var positions []StakingPosition
	if res := tx.Order("id ASC").Find(&positions); res.Error != nil {
		return false, res.Error
	}
	oldPool, newPool := buildCohorts(positions, prevUnits, cfg.TriggerUnits, perUnit)

	// Fresh stakers get their own smaller pool first; long-standing
	// unconsumed stakers compete for the rest, minus users already drawn.
	newWinners := drawWinners(newPool, cfg.NewPick, nil, nil)
	exclude := make(map[uint]bool, len(newWinners))
	for _, w := range newWinners {
		exclude[w.UserId] = true
	}
	oldBudget := cfg.OldPick
	if rest := cfg.RewardUnits - len(newWinners); rest < oldBudget {
		oldBudget = rest
	}
	oldWinners := drawWinners(oldPool, oldBudget, exclude, nil)
	winners := append(newWinners, oldWinners...)
	if len(winners) > cfg.RewardUnits {
		winners = winners[:cfg.RewardUnits]
	}

	round := AirdropRound{
		RoundNumber:  uint64(roundsDone) + 1,
		TriggerUnits: prevUnits + cfg.TriggerUnits,
		RewardUnits:  len(winners),
	}
	if res := tx.Create(&round); res.Error != nil {
		return false, res.Error
	}

	perUser := map[uint]decimal.Decimal{}
	var order []uint
	for seq, win := range winners {
		var position StakingPosition
		res := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", win.PositionId).
			First(&position)
		if res.Error != nil {
			return false, res.Error
		}
		creditAmt := perUnit
		headroom := position.CapTotal.Sub(position.CreditedTotal)
		if headroom.LessThan(creditAmt) {
			creditAmt = headroom
		}
		if !creditAmt.IsPositive() {
			continue
		}
		entry := LedgerEntry{
			UserId: position.UserId,
			Asset:  AssetUsdt,
			Chain:  "internal",
			Type:   TypeStakePayout,
			Amount: creditAmt,
			RefId:  fmt.Sprintf("airdrop:%d:%d:%d", round.Id, position.Id, seq),
			Meta:   fmt.Sprintf(`{"round":%d,"position":%d}`, round.RoundNumber, position.Id),
		}
		if err := AppendEntry(tx, &entry); err != nil {
			if errors.Is(err, ErrDuplicateOperation) {
				// Already paid under this ref; bumping credited_total or
				// recording a recipient would desync it from the ledger.
				continue
			}
			return false, err
		}
		position.CreditedTotal = position.CreditedTotal.Add(creditAmt)
		if position.CreditedTotal.GreaterThan(position.CapTotal) {
			return false, invariantf("position %d credited past cap", position.Id)
		}
		if position.CreditedTotal.Equal(position.CapTotal) {
			position.Status = PositionStatusCompleted
		}
		if res := tx.Save(&position); res.Error != nil {
			return false, res.Error
		}
		recipient := AirdropRecipient{
			AirdropId:      round.Id,
			UserId:         position.UserId,
			PositionId:     position.Id,
			AmountCredited: creditAmt,
		}
		if res := tx.Create(&recipient); res.Error != nil {
			return false, res.Error
		}
		if _, seen := perUser[position.UserId]; !seen {
			order = append(order, position.UserId)
		}
		perUser[position.UserId] = perUser[position.UserId].Add(creditAmt)
	}
	tx.Commit()

	// Referral commissions on winnings run after the round commits; a
	// failed award is retried by the queue and never unwinds the round.
	for _, userId := range order {
		EnqueueReferralAward(app, ReferralInput{
			RefereeId:  userId,
			Type:       RefTypeStakingReward,
			Asset:      AssetUsdt,
			BaseAmount: perUser[userId],
			SourceRef:  fmt.Sprintf("airdrop:%d", round.Id),
		})
	}
	msg := fmt.Sprintf(
		"AIRDROP round %d closed, %d winning tickets",
		round.RoundNumber,
		round.RewardUnits,
	)
	if err := SendTelegramMessage(EscapeMarkdownV2(msg), "finance"); err != nil {
		// notification only
	}
	return false, nil
}

// SplitStake forwards a fraction of the staked reference value to the fixed
// operational addresses. Best-effort: the task queue retries failures, and
// nothing here touches the stake.
func SplitStake(app *App, positionId uint, value decimal.Decimal) error {
	cfg := Config().Settings.Staking
	if len(cfg.SplitAddresses) == 0 || !cfg.SplitRate.IsPositive() {
		return nil
	}
	if app.Signer == nil {
		return errors.New("custody signer is not configured")
	}
	share := value.Mul(cfg.SplitRate).
		Div(decimal.NewFromInt(int64(len(cfg.SplitAddresses))))
	share = RoundAsset(share, AssetUsdt)
	if !share.IsPositive() {
		return nil
	}
	token := os.Getenv("USDT_CONTRACT_ADDRESS")
	for i, addr := range cfg.SplitAddresses {
		sent, err := splitAlreadySent(app, positionId, i)
		if err != nil {
			return err
		}
		if sent {
			continue
		}
		txHash, err := app.Signer.TransferToken(token, addr, share.Shift(6).BigInt())
		if err != nil {
			return fmt.Errorf("split %d for position %d: %w", i, positionId, err)
		}
		markSplitSent(app, positionId, i, txHash)
	}
	return nil
}

// Split sends are deduplicated in redis so a retried task never pays the
// same operational address twice for one position.
func splitAlreadySent(app *App, positionId uint, slot int) (bool, error) {
	if app.Rdb == nil {
		return false, nil
	}
	key := fmt.Sprintf("stake_split:%d:%d", positionId, slot)
	res, err := app.Rdb.Exists(ctxBg(), key).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

func markSplitSent(app *App, positionId uint, slot int, txHash string) {
	if app.Rdb == nil {
		return
	}
	key := fmt.Sprintf("stake_split:%d:%d", positionId, slot)
	app.Rdb.Set(ctxBg(), key, txHash, 0)
}

// ListPositions returns a user's staking positions, newest first.
func ListPositions(db *gorm.DB, userId uint) ([]StakingPosition, error) {
	var positions []StakingPosition
	res := db.Where("user_id = ?", userId).Order("id DESC").Find(&positions)
	return positions, res.Error
}

// ListAirdropWins returns a user's airdrop receipts, newest first.
func ListAirdropWins(db *gorm.DB, userId uint) ([]AirdropRecipient, error) {
	var wins []AirdropRecipient
	res := db.Where("user_id = ?", userId).Order("id DESC").Find(&wins)
	return wins, res.Error
}

package walletapi

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

// Background task types. Every handler is idempotent (ledger refs and unique
// rows absorb at-least-once delivery), so retried tasks are always safe.
const (
	TaskDepositFact    = "deposit:fact"
	TaskDepositSweep   = "deposit:sweep"
	TaskStakeSplit     = "stake:split"
	TaskAirdropTrigger = "airdrop:trigger"
	TaskReferralAward  = "referral:award"
	TaskRewardEvaluate = "reward:evaluate"
)

type DepositSweepPayload struct {
	IntentId uint `json:"intent_id"`
}

type StakeSplitPayload struct {
	PositionId uint            `json:"position_id"`
	Value      decimal.Decimal `json:"value"` // staked reference value, usdt
}

type RewardEvaluatePayload struct {
	UserId uint `json:"user_id"`
}

func enqueue(app *App, typename string, payload interface{}, opts ...asynq.Option) {
	if app.Aqc == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Queue errors are non-fatal: every task is re-derivable from DB state
	// by the periodic scans.
	app.Aqc.Enqueue(asynq.NewTask(typename, raw), opts...)
}

func EnqueueDepositFact(app *App, fact DepositFact) {
	enqueue(app, TaskDepositFact, fact, asynq.Queue("deposits"))
}

func EnqueueDepositSweep(app *App, intentId uint) {
	enqueue(app, TaskDepositSweep, DepositSweepPayload{IntentId: intentId}, asynq.Queue("deposits"))
}

func EnqueueStakeSplit(app *App, positionId uint, value decimal.Decimal) {
	enqueue(app, TaskStakeSplit, StakeSplitPayload{PositionId: positionId, Value: value}, asynq.Queue("staking"))
}

func EnqueueAirdropTrigger(app *App) {
	enqueue(app, TaskAirdropTrigger, struct{}{}, asynq.Queue("staking"))
}

func EnqueueReferralAward(app *App, in ReferralInput) {
	enqueue(app, TaskReferralAward, in, asynq.Queue("rewards"))
}

func EnqueueRewardEvaluate(app *App, userId uint) {
	enqueue(app, TaskRewardEvaluate, RewardEvaluatePayload{UserId: userId}, asynq.Queue("rewards"))
}

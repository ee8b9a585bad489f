package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"walletd/internal/walletapi"
)

var AppWork *walletapi.App

// WorkInit runs the asynq worker. Handlers are idempotent, so a retried task
// is always safe; validation errors drop the task instead of retrying a
// payload that can never succeed.
func WorkInit() {
	app, srv := walletapi.InitWork()
	AppWork = app

	mux := asynq.NewServeMux()
	mux.HandleFunc(walletapi.TaskDepositFact, func(ctx context.Context, t *asynq.Task) error {
		var fact walletapi.DepositFact
		if err := json.Unmarshal(t.Payload(), &fact); err != nil {
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
		credited, err := walletapi.ApplyDepositFact(app, fact)
		if err != nil {
			return dropIfUnprocessable(err)
		}
		if credited {
			fmt.Println("[[Work]] deposit credited, intent", fact.IntentId)
		}
		return nil
	})
	mux.HandleFunc(walletapi.TaskDepositSweep, func(ctx context.Context, t *asynq.Task) error {
		var p walletapi.DepositSweepPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
		return dropIfUnprocessable(walletapi.SweepIntent(app, p.IntentId))
	})
	mux.HandleFunc(walletapi.TaskStakeSplit, func(ctx context.Context, t *asynq.Task) error {
		var p walletapi.StakeSplitPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
		return dropIfUnprocessable(walletapi.SplitStake(app, p.PositionId, p.Value))
	})
	mux.HandleFunc(walletapi.TaskAirdropTrigger, func(ctx context.Context, t *asynq.Task) error {
		err := walletapi.RunAirdrops(app)
		if errors.Is(err, walletapi.ErrLockTimeout) {
			// another worker holds the round lock; its pass covers this trigger
			return nil
		}
		return err
	})
	mux.HandleFunc(walletapi.TaskReferralAward, func(ctx context.Context, t *asynq.Task) error {
		var in walletapi.ReferralInput
		if err := json.Unmarshal(t.Payload(), &in); err != nil {
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
		return dropIfUnprocessable(walletapi.AwardReferral(app, in))
	})
	mux.HandleFunc(walletapi.TaskRewardEvaluate, func(ctx context.Context, t *asynq.Task) error {
		var p walletapi.RewardEvaluatePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
		return walletapi.EvaluateRewardCredits(app, p.UserId)
	})

	go SweepScan(app)

	fmt.Println("[ walletd worker is up ]")
	if err := srv.Run(mux); err != nil {
		log.Fatal("Failed to run walletd worker: ", err)
	}
}

// dropIfUnprocessable stops retrying tasks whose input can never become
// valid. Transient errors pass through and retry.
func dropIfUnprocessable(err error) error {
	if err == nil {
		return nil
	}
	if walletapi.IsValidation(err) || errors.Is(err, walletapi.ErrNotFound) || errors.Is(err, walletapi.ErrInvariant) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

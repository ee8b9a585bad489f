package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"walletd/internal/evm"
	"walletd/internal/walletapi"
)

var AppWatch *walletapi.App

const watchCursorKey = "deposit_watch_from"

// WatchInit runs the deposit watcher: it polls token Transfer logs, matches
// recipients against open intents and hands observations to the task queue.
// The cursor trails the head by a lookback window so confirmation counts for
// already-seen transfers keep getting re-observed until they credit.
func WatchInit() {
	AppWatch = walletapi.InitWatch()
	token := os.Getenv("USDT_CONTRACT_ADDRESS")
	if token == "" {
		fmt.Println("[[Watch]] USDT_CONTRACT_ADDRESS is not set")
		return
	}
	interval := time.Duration(GlobalConfig.WatchInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	fmt.Println("[[Watch]] Waiting for transfers...")
	for {
		if err := watchPass(AppWatch, token); err != nil {
			fmt.Println("[[Watch]] pass error:", err.Error())
		}
		time.Sleep(interval)
	}
}

func watchPass(app *walletapi.App, token string) error {
	ctx := context.Background()
	head, err := app.Rpc.BlockNumber(ctx)
	if err != nil {
		return err
	}
	lookback := GlobalConfig.WatchLookback
	if lookback == 0 {
		lookback = 200
	}
	fromBlock := loadCursor(app)
	if fromBlock == 0 || fromBlock > head {
		if head > lookback {
			fromBlock = head - lookback
		} else {
			fromBlock = 0
		}
	}

	events, err := app.Rpc.TokenTransfers(ctx, token, fromBlock)
	if err != nil {
		return err
	}
	intents, err := openIntentsByAddress(app)
	if err != nil {
		return err
	}
	for _, ev := range events {
		intent, ok := intents[strings.ToLower(ev.To)]
		if !ok {
			continue
		}
		// usdt carries 6 decimals on-chain
		amount := decimal.NewFromBigInt(ev.Amount, -6)
		if !amount.IsPositive() {
			continue
		}
		walletapi.EnqueueDepositFact(app, walletapi.DepositFact{
			IntentId:      intent,
			TxHash:        ev.TxHash,
			Confirmations: evm.Confirmations(head, ev.BlockNumber),
			Amount:        amount,
		})
	}

	next := uint64(0)
	if head > lookback {
		next = head - lookback
	}
	app.Rdb.Set(ctx, watchCursorKey, strconv.FormatUint(next, 10), 0)
	return nil
}

func loadCursor(app *walletapi.App) uint64 {
	raw, _ := app.Rdb.Get(context.Background(), watchCursorKey).Result()
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func openIntentsByAddress(app *walletapi.App) (map[string]uint, error) {
	var intents []walletapi.DepositIntent
	res := app.Db.
		Where("status <> ?", walletapi.DepositStatusCredited).
		Find(&intents)
	if res.Error != nil {
		return nil, res.Error
	}
	byAddr := make(map[string]uint, len(intents))
	for _, intent := range intents {
		byAddr[strings.ToLower(intent.Address)] = intent.Id
	}
	return byAddr, nil
}

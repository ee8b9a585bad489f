package server

import (
	"fmt"
	"time"

	"walletd/internal/app"
	"walletd/internal/walletapi"
	"walletd/internal/worker"
)

type sweepTask struct {
	app      *walletapi.App
	intentId uint
}

func (t sweepTask) Execute() {
	if err := walletapi.SweepIntent(t.app, t.intentId); err != nil {
		fmt.Println("[[Sweep]] intent", t.intentId, "failed:", err.Error())
	}
}

// SweepScan periodically re-queues credited intents whose funds are still on
// the deposit address. This is the safety net behind the post-credit sweep
// task: a failed or lost sweep is picked up here until it lands.
func SweepScan(appCtr *walletapi.App) {
	speed := GlobalConfig.WorkerSpeed
	if speed <= 0 {
		speed = 4
	}
	queue := GlobalConfig.WorkerQueue
	if queue <= 0 {
		queue = 64
	}
	pool := worker.NewPool(speed, queue)
	interval := time.Duration(GlobalConfig.SweepInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	app.DoEvery(interval, func(t time.Time) {
		var intents []walletapi.DepositIntent
		res := appCtr.Db.
			Where("status = ? AND sweep_status IN ?",
				walletapi.DepositStatusCredited,
				[]string{walletapi.SweepStatusQueued, walletapi.SweepStatusFailed},
			).
			Limit(queue).
			Find(&intents)
		if res.Error != nil {
			fmt.Println("[[Sweep]] scan error:", res.Error.Error())
			return
		}
		for _, intent := range intents {
			pool.Exec(sweepTask{app: appCtr, intentId: intent.Id})
		}
	})
}

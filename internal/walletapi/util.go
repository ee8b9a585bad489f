package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"walletd/internal/telegram"
)

// Advisory lock keys, cluster-wide.
const (
	LockKeyAirdrop        int64 = 73001
	LockKeyDepositAddress int64 = 73002
)

const MessageTargetSync = "sync"

func ctxBg() context.Context {
	return context.Background()
}

// RoundAsset rounds half-up at the asset's display precision:
// 2 dp for usdt, 8 dp for the point token.
func RoundAsset(amount decimal.Decimal, asset string) decimal.Decimal {
	switch asset {
	case AssetPnt:
		return amount.Round(8)
	default:
		return amount.Round(2)
	}
}

// tryAdvisoryLock takes a transaction-scoped advisory lock without waiting.
// A false return means another process holds it; callers abstain and retry
// on the next trigger.
func tryAdvisoryLock(tx *gorm.DB, key int64) (bool, error) {
	var got bool
	res := tx.Raw("SELECT pg_try_advisory_xact_lock(?)", key).Scan(&got)
	if res.Error != nil {
		return false, res.Error
	}
	return got, nil
}

// advisoryLock blocks until the transaction-scoped lock is granted.
func advisoryLock(tx *gorm.DB, key int64) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error
}

// WsResponseData is the envelope pushed to clients over the websocket.
type WsResponseData struct {
	Target        string           `json:"target"` // 'sync', 'notify'
	User          UserData         `json:"user"`
	ReferralStats RefData          `json:"referral_stats"`
	Data          NotificationData `json:"data"`
}

type NotificationData struct {
	Id      int             `json:"id"`
	Style   string          `json:"style"` // 'success', 'warning', 'error', 'info'
	Type    string          `json:"type"`  // 'deposit_credited', 'airdrop_won', 'referral_claimed', 'reward_claimable'
	Message string          `json:"message"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   string          `json:"asset"`
}

// SyncUserStats builds the sync payload for a user and publishes it on the
// user's notification channel. Returns the serialized payload.
func SyncUserStats(app *App, user User) (jsonData []byte) {
	data := WsResponseData{
		Target:        MessageTargetSync,
		User:          BuildUserData(app.Db, user),
		ReferralStats: GetRefStats(app.Db, user.Id),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	if app.Rdb != nil {
		app.Rdb.Publish(context.Background(), fmt.Sprintf("notification_ch@%d", user.Id), jsonData)
	}
	return jsonData
}

// PushNotification publishes a notify payload; delivery is best-effort and
// never affects the committed state change that triggered it.
func PushNotification(app *App, user User, note NotificationData) {
	if app.Rdb == nil {
		return
	}
	data := WsResponseData{
		Target: "notify",
		User:   BuildUserData(app.Db, user),
		Data:   note,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	app.Rdb.Publish(context.Background(), fmt.Sprintf("notification_ch@%d", user.Id), jsonData)
}

func EscapeMarkdownV2(text string) string {
	specialChars := []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	for _, char := range specialChars {
		text = strings.ReplaceAll(text, char, "\\"+char)
	}
	return text
}

// SendTelegramMessage posts to the operational channels. Failures are the
// caller's to log; nothing financial depends on delivery.
func SendTelegramMessage(msg string, chat string) error {
	token := os.Getenv("TELEGRAM_TOKEN")
	if token == "" {
		return errors.New("TELEGRAM_TOKEN is not set")
	}
	var chatId string
	switch chat {
	case "finance":
		chatId = os.Getenv("FINANCE_CHAT_ID")
	default:
		chatId = os.Getenv("DEFAULT_CHAT_ID")
	}
	if chatId == "" {
		return errors.New("chat id is not set")
	}
	chatIdInt, err := strconv.Atoi(chatId)
	if err != nil {
		return err
	}
	bot, err := telegram.NewBot(token)
	if err != nil {
		return err
	}
	_, err = bot.Api.SendMessage(int64(chatIdInt), msg, &gotgbot.SendMessageOpts{
		ParseMode: "MarkdownV2",
		LinkPreviewOptions: &gotgbot.LinkPreviewOptions{
			IsDisabled: true,
		},
	})
	return err
}

package walletapi

import (
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testApp opens the database named by TEST_DB_DSN, migrates the schema and
// truncates every table. Tests that need postgres semantics (row locks,
// advisory locks, unique indexes) skip when the variable is unset.
func testApp(t *testing.T) *App {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	err = db.AutoMigrate(
		&User{},
		&Balance{},
		&LedgerEntry{},
		&DepositIntent{},
		&StakingPosition{},
		&AirdropRound{},
		&AirdropRecipient{},
		&ReferralEvent{},
		&RewardCredit{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{
		"users", "balances", "ledger_entries", "deposit_intents",
		"staking_positions", "airdrop_rounds", "airdrop_recipients",
		"referral_events", "reward_credits",
	} {
		db.Exec("TRUNCATE TABLE " + table + " RESTART IDENTITY CASCADE")
	}
	return &App{Db: db}
}

func mustCreateUser(t *testing.T, app *App, user *User) *User {
	t.Helper()
	if res := app.Db.Create(user); res.Error != nil {
		t.Fatalf("create user: %v", res.Error)
	}
	return user
}

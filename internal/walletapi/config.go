package walletapi

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"walletd/internal/evm"
)

type App struct {
	Rpc    *evm.Client
	Signer *evm.Signer
	Rdb    *redis.Client
	Db     *gorm.DB
	Aqc    *asynq.Client
	Aqi    *asynq.Inspector
	Rates  RateProvider
}

type AppConfig struct {
	Settings AppSettings `json:"settings"`
}

type AppSettings struct {
	Ref     RefSettings     `json:"ref"`
	Staking StakeSettings   `json:"staking"`
	Deposit DepositSettings `json:"deposit"`
	Limits  SettingLimit    `json:"limits"`
}

type RefSettings struct {
	LvlOne            decimal.Decimal `json:"lvl_one"`   // nominal share weights, sum = total event rate * 100
	LvlTwo            decimal.Decimal `json:"lvl_two"`
	LvlThree          decimal.Decimal `json:"lvl_three"`
	Company           decimal.Decimal `json:"company"`
	CompanyUserId     uint            `json:"company_user_id"` // 0 = no company recipient configured
	StakingRewardRate decimal.Decimal `json:"staking_reward_rate"`
	DepositRate       decimal.Decimal `json:"deposit_rate"`
	ClaimMin          decimal.Decimal `json:"claim_min"` // minimum payable usdt per referral claim
}

type StakeSettings struct {
	UnitAmount     decimal.Decimal `json:"unit_amount"`    // reference value of one staking unit, usdt
	CapMultiplier  int64           `json:"cap_multiplier"` // cap_total = units * unit_amount * multiplier
	PntPerUnit     decimal.Decimal `json:"pnt_per_unit"`   // point tokens locked per unit
	TriggerUnits   uint64          `json:"trigger_units"`  // cumulative units per airdrop round
	RewardUnits    int             `json:"reward_units"`   // max winning tickets per round
	NewPick        int             `json:"new_pick"`
	OldPick        int             `json:"old_pick"`
	SplitRate      decimal.Decimal `json:"split_rate"` // fraction of staked value forwarded on-chain
	SplitAddresses []string        `json:"split_addresses"`
}

type DepositSettings struct {
	Chain                 string          `json:"chain"`
	RequiredConfirmations uint            `json:"required_confirmations"`
	QualifyThreshold      decimal.Decimal `json:"qualify_threshold"` // referee deposit total that makes a referral "qualified"
}

type SettingLimit struct {
	WithdrawMin decimal.Decimal `json:"withdraw_min"`
	WithdrawMax decimal.Decimal `json:"withdraw_max"`
}

var (
	DefaultAppConfig *AppConfig
	CurrentAppConfig *AppConfig
)

func init() {
	DefaultAppConfig = &AppConfig{
		Settings: AppSettings{
			Ref: RefSettings{
				LvlOne:            decimal.RequireFromString("4.5"),
				LvlTwo:            decimal.RequireFromString("2.5"),
				LvlThree:          decimal.RequireFromString("1.5"),
				Company:           decimal.RequireFromString("1.5"),
				StakingRewardRate: decimal.RequireFromString("0.10"),
				DepositRate:       decimal.RequireFromString("0.10"),
				ClaimMin:          decimal.NewFromInt(1),
			},
			Staking: StakeSettings{
				UnitAmount:    decimal.NewFromInt(9),
				CapMultiplier: 3,
				PntPerUnit:    decimal.NewFromInt(1000),
				TriggerUnits:  100,
				RewardUnits:   10,
				NewPick:       3,
				OldPick:       7,
				SplitRate:     decimal.RequireFromString("0.05"),
			},
			Deposit: DepositSettings{
				Chain:                 "polygon",
				RequiredConfirmations: 12,
				QualifyThreshold:      decimal.NewFromInt(10),
			},
			Limits: SettingLimit{
				WithdrawMin: decimal.NewFromInt(1),
				WithdrawMax: decimal.NewFromInt(10000),
			},
		},
	}
	CurrentAppConfig = DefaultAppConfig
}

// Config returns the active runtime configuration.
func Config() *AppConfig {
	if CurrentAppConfig != nil {
		return CurrentAppConfig
	}
	return DefaultAppConfig
}

// Init builds the App container for the API server role.
func Init() *App {
	loadEnv()
	redisClient := setupRedis()
	db := setupDb()
	client := evm.New(os.Getenv("RPC_URL"))

	app := &App{
		Rpc:    client,
		Signer: setupSigner(redisClient),
		Rdb:    redisClient,
		Db:     db,
		Aqc:    setupAsynqClient(),
		Aqi:    setupAsynqInspector(),
	}
	app.Rates = NewHttpRateProvider(redisClient)
	loadAppConfig(app.Rdb)
	return app
}

// InitWatch builds the container for the chain watcher daemon.
func InitWatch() *App {
	loadEnv()
	redisClient := setupRedis()
	app := &App{
		Rpc: evm.New(os.Getenv("RPC_URL")),
		Rdb: redisClient,
		Db:  setupDb(),
		Aqc: setupAsynqClient(),
	}
	app.Rates = NewHttpRateProvider(redisClient)
	loadAppConfig(app.Rdb)
	return app
}

// InitWork builds the container for the asynq task worker.
func InitWork() (*App, *asynq.Server) {
	loadEnv()
	redisClient := setupRedis()
	app := &App{
		Rpc:    evm.New(os.Getenv("RPC_URL")),
		Signer: setupSigner(redisClient),
		Rdb:    redisClient,
		Db:     setupDb(),
		Aqc:    setupAsynqClient(),
	}
	app.Rates = NewHttpRateProvider(redisClient)
	loadAppConfig(app.Rdb)
	return app, setupAsynqServer()
}

func loadAppConfig(rdb *redis.Client) {
	isSet := false
	appConfigRaw, _ := rdb.Get(context.Background(), "app_config").Result()
	if len(appConfigRaw) > 0 {
		err := json.Unmarshal([]byte(appConfigRaw), &CurrentAppConfig)
		if err == nil {
			isSet = true
		}
	}
	if !isSet {
		CurrentAppConfig = DefaultAppConfig
		currentConfig, _ := json.Marshal(DefaultAppConfig)
		rdb.Set(context.Background(), "app_config", currentConfig, 0)
	}
}

func setupRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
}

func setupDb() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		panic("failed to connect to the db")
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
		panic("failed to run migrations")
	}
	return db
}

func setupSigner(rdb *redis.Client) *evm.Signer {
	key := os.Getenv("CUSTODY_KEY")
	if key == "" {
		return nil
	}
	chainId, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
	if err != nil {
		chainId = 137
	}
	signer, err := evm.NewSigner(os.Getenv("RPC_URL"), key, chainId, rdb)
	if err != nil {
		panic("failed to init custody signer")
	}
	return signer
}

func setupAsynqClient() *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
}

func setupAsynqInspector() *asynq.Inspector {
	return asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
}

func setupAsynqServer() *asynq.Server {
	concurrency, err := strconv.Atoi(os.Getenv("WORKER_SCALE"))
	if err != nil {
		concurrency = 10
	}
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"deposits": 3,
				"staking":  2,
				"rewards":  1,
			},
		},
	)
}

func loadEnv() {
	env := os.Getenv("APP_ENV")
	if "" == env {
		env = "development"
	}

	godotenv.Load(".env." + env + ".local")

	if "test" != env {
		godotenv.Load(".env.local")
	}
	godotenv.Load(".env." + env)
	godotenv.Load()
}

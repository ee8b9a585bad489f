package server

import (
	"fmt"
	"log"
	"os"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"walletd/internal/api"
	"walletd/internal/api/middleware"
	"walletd/internal/walletapi"
)

var App *walletapi.App

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func errorHandler(c *gin.Context, info ratelimit.Info) {
	c.String(429, "Too many requests. Try again in "+time.Until(info.ResetTime).String())
}

func ApiInit() { // Run Api Server
	App = walletapi.Init()
	router := gin.Default()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	// Each ip can make 100 requests per second
	store := ratelimit.RedisStore(&ratelimit.RedisOptions{
		RedisClient: redis.NewClient(&redis.Options{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       1,
		}),
		Rate:  time.Second,
		Limit: 100,
	})
	mw := ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: errorHandler,
		KeyFunc:      keyFunc,
	})
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://0.0.0.0:3000",
			"http://localhost:3000",
		},
		AllowHeaders:  []string{"Origin", "Access-Control-Allow-Origin", "Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With"},
		ExposeHeaders: []string{"Content-Length"},
		AllowMethods:  []string{"GET, POST, OPTIONS, PUT, DELETE"},
		MaxAge:        24 * time.Hour,
	}))
	router.Use(func(c *gin.Context) {
		c.Set("app", App)
	})
	router.GET("/health", api.Health)
	router.GET("/ws", mw, wsHandler)
	router.GET("/ws/", mw, wsHandler)
	core := router.Group("/core/")
	{
		core.GET("/gasPrice", mw, api.GetGasPrice)
		core.GET("/gasPrice/", mw, api.GetGasPrice)
		core.GET("/balance/:address", mw, api.GetChainBalance)
		core.GET("/balance/:address/", mw, api.GetChainBalance)
	}
	auth := router.Group("/auth/")
	{
		auth.GET("/nonce/:address", mw, api.Nonce)
		auth.GET("/nonce/:address/", mw, api.Nonce)
		auth.POST("/signin", mw, api.Signin)
		auth.POST("/signin/", mw, api.Signin)
	}
	users := router.Group("/users/").Use(middleware.Auth())
	{
		users.GET("/me", mw, api.GetUser)
		users.GET("/me/", mw, api.GetUser)
		users.GET("/tx", mw, api.GetTransactionsList)
		users.GET("/tx/", mw, api.GetTransactionsList)
		users.GET("/ref", mw, api.GetReferrals)
		users.GET("/ref/", mw, api.GetReferrals)
		users.POST("/ref/claim", mw, api.ClaimReferrals)
		users.POST("/ref/claim/", mw, api.ClaimReferrals)
		users.GET("/rewards", mw, api.GetRewards)
		users.GET("/rewards/", mw, api.GetRewards)
		users.POST("/rewards/:id/claim", mw, api.ClaimReward)
		users.POST("/rewards/:id/claim/", mw, api.ClaimReward)
		users.POST("/sync", mw, api.SyncRequest)
		users.POST("/sync/", mw, api.SyncRequest)
	}
	deposits := router.Group("/deposits/").Use(middleware.Auth())
	{
		deposits.POST("", mw, api.CreateDeposit)
		deposits.POST("/", mw, api.CreateDeposit)
		deposits.GET("", mw, api.GetDeposits)
		deposits.GET("/", mw, api.GetDeposits)
	}
	staking := router.Group("/staking/").Use(middleware.Auth())
	{
		staking.POST("/positions", mw, api.OpenStake)
		staking.POST("/positions/", mw, api.OpenStake)
		staking.GET("/positions", mw, api.GetPositions)
		staking.GET("/positions/", mw, api.GetPositions)
		staking.GET("/airdrops", mw, api.GetAirdrops)
		staking.GET("/airdrops/", mw, api.GetAirdrops)
	}
	tx := router.Group("/tx/").Use(middleware.Auth())
	{
		tx.POST("/withdraw", mw, api.Withdraw)
		tx.POST("/withdraw/", mw, api.Withdraw)
		tx.POST("/swap", mw, api.Swap)
		tx.POST("/swap/", mw, api.Swap)
	}
	admin := router.Group("/admin/").Use(middleware.Auth())
	{
		admin.POST("/rewards", mw, api.GrantReward)
		admin.POST("/rewards/", mw, api.GrantReward)
		admin.POST("/airdrops/trigger", mw, api.TriggerAirdrop)
		admin.POST("/airdrops/trigger/", mw, api.TriggerAirdrop)
		admin.POST("/reconcile/:id", mw, api.ReconcileUser)
		admin.POST("/reconcile/:id/", mw, api.ReconcileUser)
	}
	port := GlobalConfig.Port
	if port == "" {
		port = ":8000"
	}
	fmt.Println("[ walletd api is up and listening to " + port + " ]")
	if err := router.Run(port); err != nil {
		log.Fatal("Failed to run walletd api on "+port+": ", err)
	}
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"walletd/internal/walletapi"
)

const groupAdmin = 9

func adminUser(c *gin.Context) (walletapi.User, bool) {
	user, ok := currentUser(c)
	if !ok {
		return user, false
	}
	if user.Group != groupAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return user, false
	}
	return user, true
}

type grantParams struct {
	UserId           uint            `json:"user_id" binding:"required"`
	Amount           decimal.Decimal `json:"amount" binding:"required"`
	MinDepositTotal  decimal.Decimal `json:"min_deposit_total"`
	DepositSource    string          `json:"deposit_source"`
	MinQualifiedRefs uint            `json:"min_qualified_refs"`
	TtlDays          int             `json:"ttl_days"`
}

func GrantReward(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	if _, ok := adminUser(c); !ok {
		return
	}
	var gParams grantParams
	if err := c.ShouldBindJSON(&gParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var expiresAt *time.Time
	if gParams.TtlDays > 0 {
		t := time.Now().AddDate(0, 0, gParams.TtlDays)
		expiresAt = &t
	}
	credit, err := walletapi.GrantRewardCredit(
		app,
		gParams.UserId,
		gParams.Amount,
		gParams.MinDepositTotal,
		gParams.DepositSource,
		gParams.MinQualifiedRefs,
		expiresAt,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, credit)
}

// TriggerAirdrop enqueues a lottery pass; the advisory lock in the engine
// keeps a manual trigger from doubling up with the scheduled one.
func TriggerAirdrop(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	if _, ok := adminUser(c); !ok {
		return
	}
	walletapi.EnqueueAirdropTrigger(app)
	c.JSON(http.StatusOK, gin.H{})
}

func ReconcileUser(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	if _, ok := adminUser(c); !ok {
		return
	}
	userId, err := strconv.Atoi(c.Param("id"))
	if err != nil || userId < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	drifted, err := walletapi.Reconcile(app.Db, uint(userId))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drifted": drifted})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"walletd/internal/walletapi"
)

type depositParams struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateDeposit hands the user a fresh deposit address. Each intent owns its
// address for good; a new deposit means a new intent.
func CreateDeposit(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var dParams depositParams
	if err := c.ShouldBindJSON(&dParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := walletapi.CreateDepositIntent(app, user.Id, dParams.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func GetDeposits(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var intents []walletapi.DepositIntent
	res := app.Db.Where("user_id = ?", user.Id).Order("id DESC").Limit(50).Find(&intents)
	if res.Error != nil {
		respondError(c, res.Error)
		return
	}
	c.JSON(http.StatusOK, intents)
}

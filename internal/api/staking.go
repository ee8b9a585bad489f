package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"walletd/internal/walletapi"
)

type stakeParams struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func OpenStake(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var sParams stakeParams
	if err := c.ShouldBindJSON(&sParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	position, err := walletapi.OpenPosition(app, user.Id, sParams.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position": position,
		"user":     walletapi.BuildUserData(app.Db, user),
	})
}

func GetPositions(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	positions, err := walletapi.ListPositions(app.Db, user.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func GetAirdrops(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	wins, err := walletapi.ListAirdropWins(app.Db, user.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wins)
}

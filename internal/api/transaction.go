package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"walletd/internal/walletapi"
)

type withdrawParams struct {
	Amount  decimal.Decimal `json:"amount" binding:"required"`
	Address string          `json:"address"`
}

type swapParams struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func GetTransactionsList(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	page, size, ok := parsePage(c)
	if !ok {
		return
	}
	user, ok := currentUser(c)
	if !ok {
		return
	}
	paginated, err := walletapi.ListEntries(app.Db, user.Id, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginated)
}

func Withdraw(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var wParams withdrawParams
	if err := c.ShouldBindJSON(&wParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// default to the address the account signed up with
	toAddress := wParams.Address
	if toAddress == "" {
		toAddress = user.Address
	}
	txHash, err := walletapi.Withdraw(app, user.Id, wParams.Amount, toAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tx_hash": txHash,
		"user":    walletapi.BuildUserData(app.Db, user),
	})
}

func Swap(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var sParams swapParams
	if err := c.ShouldBindJSON(&sParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	received, err := walletapi.Swap(app, user.Id, sParams.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received": received,
		"user":     walletapi.BuildUserData(app.Db, user),
	})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"walletd/internal/walletapi"
)

func GetRewards(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	// refresh the progress snapshot before replying so the client never
	// renders a stale locked state
	if err := walletapi.EvaluateRewardCredits(app, user.Id); err != nil {
		respondError(c, err)
		return
	}
	credits, err := walletapi.ListRewardCredits(app.Db, user.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, credits)
}

func ClaimReward(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	creditId, err := strconv.Atoi(c.Param("id"))
	if err != nil || creditId < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := walletapi.ClaimRewardCredit(app, user.Id, uint(creditId)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": walletapi.BuildUserData(app.Db, user),
	})
}

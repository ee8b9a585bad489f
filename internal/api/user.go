package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"walletd/internal/walletapi"
)

func GetUser(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":           walletapi.BuildUserData(app.Db, user),
		"referral_stats": walletapi.GetRefStats(app.Db, user.Id),
	})
}

// SyncRequest re-publishes the user's balance snapshot to their ws channel.
func SyncRequest(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	payload := walletapi.SyncUserStats(app, user)
	if payload == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"walletd/internal/walletapi"
)

func GetReferrals(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	page, size, ok := parsePage(c)
	if !ok {
		return
	}
	user, ok := currentUser(c)
	if !ok {
		return
	}
	paginated, err := walletapi.ListReferralEvents(app.Db, user.Id, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":  walletapi.GetRefStats(app.Db, user.Id),
		"events": paginated,
	})
}

func ClaimReferrals(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	user, ok := currentUser(c)
	if !ok {
		return
	}
	total, err := walletapi.ClaimReferrals(app, user.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"claimed": total,
		"user":    walletapi.BuildUserData(app.Db, user),
	})
}

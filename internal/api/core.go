package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"walletd/internal/walletapi"
)

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func GetChainBalance(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	address := c.Param("address")

	balance, err := app.Rpc.GetBalance(address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rpc_unavailable"})
		return
	}
	c.JSON(http.StatusOK, balance)
}

func GetGasPrice(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)

	gasPrice, err := app.Rpc.GetGasPrice()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rpc_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gasPrice)
}

// currentUser loads the authenticated user set by the auth middleware.
func currentUser(c *gin.Context) (walletapi.User, bool) {
	app := c.MustGet("app").(*walletapi.App)
	userId := c.MustGet("user_id").(uint)

	var user walletapi.User
	res := app.Db.First(&user, userId)
	if res.RowsAffected != 1 {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid jwt"})
		return user, false
	}
	return user, true
}

// respondError translates engine errors into the structured codes clients
// key their UI off. Internal detail never leaks past here.
func respondError(c *gin.Context, err error) {
	code := walletapi.ErrorCode(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, walletapi.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, walletapi.ErrLockTimeout):
		status = http.StatusConflict
	case code == "internal_error":
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": code})
}

func parsePage(c *gin.Context) (page int, size int, ok bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return 0, 0, false
	}
	size, err = strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil || size < 1 || size > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return 0, 0, false
	}
	return page, size, true
}

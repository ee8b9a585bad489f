package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/dchest/uniuri"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/spruceid/siwe-go"

	"walletd/internal/api/jwt"
	"walletd/internal/evm"
	"walletd/internal/walletapi"
)

var ctx = context.Background()

type signinParams struct {
	Message    string `json:"message" binding:"required"`
	Signature  string `json:"signature" binding:"required"`
	InviteSlug string `json:"invite_slug" validate:"max=8"`
	Locale     string `json:"locale" validate:"max=5"`
}

var digitCheck = regexp.MustCompile(`^[0-9]+$`)

// Nonce issues a short-lived SIWE nonce for an address. Redis expiry stands
// in for per-user nonce storage since the user may not exist yet.
func Nonce(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	address := c.Param("address")

	if !evm.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address format"})
		return
	}

	nonce := siwe.GenerateNonce()
	if err := app.Rdb.Set(ctx, "nonce:"+address, nonce, 1*time.Minute).Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nonce": nonce,
	})
}

// Signin verifies a SIWE message and signs the wallet owner in, creating the
// account on first contact. An invite slug (or a bare referrer id) links the
// upline at signup; the link is permanent.
func Signin(c *gin.Context) {
	app := c.MustGet("app").(*walletapi.App)
	var signinP signinParams
	if err := c.ShouldBindJSON(&signinP); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	siweMessage, err := siwe.ParseMessage(signinP.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr := siweMessage.GetAddress().String()
	nonce, err := app.Rdb.Get(ctx, "nonce:"+addr).Result()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce expired"})
		return
	}
	// domain is cors restricted, the one from the message is fine
	domain := siweMessage.GetDomain()
	publicKey, err := siweMessage.Verify(signinP.Signature, &domain, &nonce, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr = crypto.PubkeyToAddress(*publicKey).Hex()
	app.Rdb.Del(ctx, "nonce:"+addr)

	var user walletapi.User
	res := app.Db.Where(
		"address NOT IN ('') AND address = ?",
		addr,
	).First(&user)
	if res.RowsAffected == 1 {
		if user.RefSlug == "" {
			user.RefSlug = newRefSlug(app)
			app.Db.Save(&user)
		}
		token, err := jwt.GenerateJWT(user.Id, addr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user":      user,
			"is_signup": false,
			"jwt":       token,
		})
		return
	}

	// [[SIGN UP]]
	upline := resolveInvite(app, signinP.InviteSlug)
	user = walletapi.User{
		Address: addr,
		Locale:  signinP.Locale,
		Upline:  upline,
		RefSlug: newRefSlug(app),
	}
	if res := app.Db.Create(&user); res.Error != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signup failed"})
		return
	}
	cpUrl := os.Getenv("CP_URL")
	msg := fmt.Sprintf(
		`New Signup [User: %d](%s/users/%d)
[%s](https://polygonscan.com/address/%s)
Locale: %s`,
		user.Id,
		cpUrl,
		user.Id,
		user.Address,
		user.Address,
		walletapi.EscapeMarkdownV2(user.Locale),
	)
	if user.Upline > 0 {
		msg = fmt.Sprintf(
			`%s
Invited by [User: %d](%s/users/%d)`,
			msg,
			user.Upline,
			cpUrl,
			user.Upline,
		)
	}
	_ = walletapi.SendTelegramMessage(msg, "signup")

	token, err := jwt.GenerateJWT(user.Id, addr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      user,
		"is_signup": true,
		"jwt":       token,
	})
}

// resolveInvite maps an invite slug or a bare numeric user id to the
// referrer and bumps the referrer's counter.
func resolveInvite(app *walletapi.App, slug string) uint {
	if slug == "" {
		return 0
	}
	var referrer walletapi.User
	res := app.Db.Where("ref_slug = ?", slug).First(&referrer)
	if res.RowsAffected != 1 && digitCheck.MatchString(slug) {
		if id, err := strconv.Atoi(slug); err == nil {
			res = app.Db.Where("id = ?", id).First(&referrer)
		}
	}
	if res.RowsAffected != 1 {
		return 0
	}
	referrer.RefCounter++
	_ = app.Db.Save(&referrer)
	return referrer.Id
}

func newRefSlug(app *walletapi.App) string {
	for {
		slug := uniuri.NewLenChars(8, []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"))
		var double walletapi.User
		res := app.Db.Where("ref_slug = ?", slug).First(&double)
		if res.RowsAffected == 1 {
			continue
		}
		return slug
	}
}

package walletapi

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	Id          uint            `json:"id" gorm:"primarykey"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   gorm.DeletedAt  `json:"deleted_at" gorm:"index"`
	Address     string          `json:"address" gorm:"index"` // withdrawal address, optional
	Email       string          `json:"email"`
	Group       uint            `json:"group"` // 0: user, 9: admin
	Upline      uint            `json:"upline" gorm:"index"`
	RefSlug     string          `json:"ref_slug" gorm:"uniqueIndex"`
	RefCounter  uint            `json:"ref_counter"` // direct referrals signed up through RefSlug
	WithdrawMin decimal.Decimal `json:"withdraw_min" gorm:"type:numeric(30,10);default:0"` // per-user overrides, 0 = use config
	WithdrawMax decimal.Decimal `json:"withdraw_max" gorm:"type:numeric(30,10);default:0"`
	Locale      string          `json:"locale"`
}

// UserData is the sync payload pushed to clients over ws and returned by /users/me.
type UserData struct {
	ID      uint            `json:"id"`
	Usdt    decimal.Decimal `json:"usdt"`
	Pnt     decimal.Decimal `json:"pnt"`
	Address string          `json:"address"`
	RefSlug string          `json:"ref_slug"`
}

func BuildUserData(db *gorm.DB, user User) UserData {
	return UserData{
		ID:      user.Id,
		Usdt:    GetBalance(db, user.Id, AssetUsdt),
		Pnt:     GetBalance(db, user.Id, AssetPnt),
		Address: user.Address,
		RefSlug: user.RefSlug,
	}
}

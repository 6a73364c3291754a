package model

// TelegramUser stores Telegram user metadata and the block window.
// BlockedUntil is a unix timestamp; 0 means the user was never blocked.
type TelegramUser struct {
	TgID         int64  `gorm:"column:tg_id;primaryKey"`
	Username     string `gorm:"column:username"`
	FirstName    string `gorm:"column:first_name"`
	LastName     string `gorm:"column:last_name"`
	BlockedUntil int64  `gorm:"column:blocked_until;default:0"`
	CreatedAt    int64  `gorm:"column:created_at;autoCreateTime"`
}

func (TelegramUser) TableName() string { return "telegram_users" }

// DisplayName returns a printable name for admin-facing messages.
func (u TelegramUser) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return "User"
}

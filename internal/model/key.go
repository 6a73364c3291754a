package model

// UserKey binds a panel client (identified by its email) to a Telegram user.
// One key may be bound to several users; the (tg_id, client_email) pair is
// unique so re-binding the same key to the same user is a no-op.
type UserKey struct {
	ID          uint   `gorm:"primaryKey"`
	TgID        int64  `gorm:"column:tg_id;index;uniqueIndex:idx_user_key"`
	ClientEmail string `gorm:"column:client_email;uniqueIndex:idx_user_key"`
	InboundID   int    `gorm:"column:inbound_id"`
	Comment     string `gorm:"column:comment"`
	CreatedAt   int64  `gorm:"column:created_at;autoCreateTime"`
}

func (UserKey) TableName() string { return "user_keys" }

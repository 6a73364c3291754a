package model

// PendingRequest is an unresolved key request awaiting an admin decision.
// The requester's name fields are snapshotted at creation time.
type PendingRequest struct {
	RequestID string `gorm:"column:request_id;primaryKey"`
	TgID      int64  `gorm:"column:tg_id;index"`
	Username  string `gorm:"column:username"`
	FirstName string `gorm:"column:first_name"`
	LastName  string `gorm:"column:last_name"`
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime"`
}

func (PendingRequest) TableName() string { return "pending_requests" }

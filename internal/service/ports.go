package service

import (
	"context"

	"vpnbot/internal/model"
	"vpnbot/internal/xui"
)

// Gateway is the panel surface the services depend on. *xui.Client
// implements it; tests substitute a fake.
type Gateway interface {
	ListInbounds(ctx context.Context) ([]xui.Inbound, error)
	GetInbound(ctx context.Context, id int) (*xui.Inbound, error)
	AddClient(ctx context.Context, inboundID int, email string, quotaBytes, expiryMillis int64, enable bool) (*xui.PanelClient, error)
	FindClientByEmail(ctx context.Context, email string) (*xui.PanelClient, *xui.Inbound, error)
	CloneInbound(ctx context.Context, templateID int, remark string, port int) (*xui.Inbound, error)
	TrafficTable(ctx context.Context) ([]xui.ClientTraffic, error)
	ResetTraffic(ctx context.Context) error
	ShareURL(inbound *xui.Inbound, client *xui.PanelClient) string
	SubscriptionURL(email string) string
}

// Notifier delivers lifecycle messages. The Telegram adapter implements
// it; delivery failures are logged by the caller and never roll back
// state changes.
type Notifier interface {
	NotifyUser(ctx context.Context, tgID int64, text string) error
	NotifyAdminRequest(ctx context.Context, req *model.PendingRequest, keys []model.UserKey) error
	ForwardToAdmin(ctx context.Context, from *model.TelegramUser, text string) error
}

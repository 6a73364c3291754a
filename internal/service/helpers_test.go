package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"vpnbot/internal/model"
	"vpnbot/internal/repository"
	"vpnbot/internal/xui"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fakeGateway struct {
	inbounds     []xui.Inbound
	traffic      []xui.ClientTraffic
	trafficErr   error
	addClientErr error

	addedClients []string
	cloned       int
	resets       int
}

func (g *fakeGateway) ListInbounds(ctx context.Context) ([]xui.Inbound, error) {
	return g.inbounds, nil
}

func (g *fakeGateway) GetInbound(ctx context.Context, id int) (*xui.Inbound, error) {
	for i := range g.inbounds {
		if g.inbounds[i].ID == id {
			return &g.inbounds[i], nil
		}
	}
	return nil, xui.ErrInboundNotFound
}

func (g *fakeGateway) AddClient(ctx context.Context, inboundID int, email string, quotaBytes, expiryMillis int64, enable bool) (*xui.PanelClient, error) {
	if g.addClientErr != nil {
		return nil, g.addClientErr
	}
	client := xui.PanelClient{ID: fmt.Sprintf("id-%s", email), Email: email, Enable: enable}
	for i := range g.inbounds {
		if g.inbounds[i].ID == inboundID {
			g.inbounds[i].Clients = append(g.inbounds[i].Clients, client)
		}
	}
	g.addedClients = append(g.addedClients, email)
	return &client, nil
}

func (g *fakeGateway) FindClientByEmail(ctx context.Context, email string) (*xui.PanelClient, *xui.Inbound, error) {
	for i := range g.inbounds {
		for j := range g.inbounds[i].Clients {
			if g.inbounds[i].Clients[j].Email == email {
				return &g.inbounds[i].Clients[j], &g.inbounds[i], nil
			}
		}
	}
	return nil, nil, nil
}

func (g *fakeGateway) CloneInbound(ctx context.Context, templateID int, remark string, port int) (*xui.Inbound, error) {
	g.cloned++
	in := xui.Inbound{ID: 1000 + g.cloned, Remark: remark, Port: port, Protocol: "vless"}
	g.inbounds = append(g.inbounds, in)
	return &g.inbounds[len(g.inbounds)-1], nil
}

func (g *fakeGateway) TrafficTable(ctx context.Context) ([]xui.ClientTraffic, error) {
	return g.traffic, g.trafficErr
}

func (g *fakeGateway) ResetTraffic(ctx context.Context) error {
	g.resets++
	for i := range g.traffic {
		g.traffic[i].Up = 0
		g.traffic[i].Down = 0
		g.traffic[i].AllTime = 0
	}
	return nil
}

func (g *fakeGateway) ShareURL(inbound *xui.Inbound, client *xui.PanelClient) string {
	return fmt.Sprintf("vless://%s@test:%d#%s", client.ID, inbound.Port, client.Email)
}

func (g *fakeGateway) SubscriptionURL(email string) string {
	return "https://test:2096/" + email
}

type sentMessage struct {
	tgID int64
	text string
}

type fakeNotifier struct {
	userMessages  []sentMessage
	adminRequests []*model.PendingRequest
	forwarded     []string
}

func (n *fakeNotifier) NotifyUser(ctx context.Context, tgID int64, text string) error {
	n.userMessages = append(n.userMessages, sentMessage{tgID: tgID, text: text})
	return nil
}

func (n *fakeNotifier) NotifyAdminRequest(ctx context.Context, req *model.PendingRequest, keys []model.UserKey) error {
	n.adminRequests = append(n.adminRequests, req)
	return nil
}

func (n *fakeNotifier) ForwardToAdmin(ctx context.Context, from *model.TelegramUser, text string) error {
	n.forwarded = append(n.forwarded, text)
	return nil
}

type fakeSink struct {
	reports []string
}

func (s *fakeSink) SendAdminReport(ctx context.Context, text string) error {
	s.reports = append(s.reports, text)
	return nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vpnbot/internal/repository"
	"vpnbot/internal/xui"
)

func newTestLifecycle(t *testing.T, gateway *fakeGateway, clock Clock) (*Lifecycle, *fakeNotifier, *repository.RequestRepository, *repository.KeyRepository) {
	t.Helper()
	db := testDB(t)
	users := repository.NewUserRepository(db)
	keys := repository.NewKeyRepository(db)
	requests := repository.NewRequestRepository(db)
	notifier := &fakeNotifier{}
	return NewLifecycle(users, keys, requests, gateway, notifier, clock), notifier, requests, keys
}

func requester() UserInfo {
	return UserInfo{TgID: 420000001, Username: "vasya", FirstName: "Вася"}
}

func TestCreateRequestIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	lc, notifier, _, _ := newTestLifecycle(t, &fakeGateway{}, clock)

	first, created, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatal("first create must report a new request")
	}

	second, created, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create must return the existing request")
	}
	if second.RequestID != first.RequestID {
		t.Fatalf("request id changed: %s vs %s", second.RequestID, first.RequestID)
	}
	if len(notifier.adminRequests) != 1 {
		t.Fatalf("admin notified %d times, want 1", len(notifier.adminRequests))
	}
}

func TestCreateRequestBlocked(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	lc, notifier, requests, _ := newTestLifecycle(t, &fakeGateway{}, clock)

	if _, err := lc.EnsureUser(ctx, requester()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := lc.BlockUser(ctx, requester().TgID); err != nil {
		t.Fatalf("block: %v", err)
	}

	if _, _, err := lc.CreateRequest(ctx, requester()); !errors.Is(err, ErrUserBlocked) {
		t.Fatalf("err = %v, want ErrUserBlocked", err)
	}
	all, err := requests.ListAll(ctx)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("blocked user created %d requests", len(all))
	}
	if len(notifier.adminRequests) != 0 {
		t.Fatal("admin must not be notified for a blocked user")
	}
}

func TestBlockExpires(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	lc, _, _, _ := newTestLifecycle(t, &fakeGateway{}, fixedClock{now: start})

	if _, err := lc.EnsureUser(ctx, requester()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := lc.BlockUser(ctx, requester().TgID); err != nil {
		t.Fatalf("block: %v", err)
	}

	blocked, err := lc.IsBlocked(ctx, requester().TgID)
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v; want true", blocked, err)
	}

	// Same storage, clock moved past the 24h window.
	lc.clock = fixedClock{now: start.Add(DefaultBlockDuration + time.Minute)}
	blocked, err = lc.IsBlocked(ctx, requester().TgID)
	if err != nil || blocked {
		t.Fatalf("IsBlocked after expiry = %v, %v; want false", blocked, err)
	}
}

func TestApproveNewKeyIssuesAndResolves(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	gateway := &fakeGateway{inbounds: []xui.Inbound{{ID: 7, Remark: "main", Port: 443, Protocol: "vless"}}}
	lc, notifier, requests, keys := newTestLifecycle(t, gateway, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	issued, err := lc.ApproveNewKey(ctx, req.RequestID, 7)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if issued.Email != "tg_420000001_vasya" {
		t.Fatalf("email = %q", issued.Email)
	}

	bindings, err := keys.ListByUser(ctx, req.TgID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(bindings) != 1 || bindings[0].ClientEmail != issued.Email {
		t.Fatalf("bindings = %+v", bindings)
	}

	all, err := requests.ListAll(ctx)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(all) != 0 {
		t.Fatal("request must be deleted after approval")
	}

	if len(notifier.userMessages) != 1 {
		t.Fatalf("user notified %d times, want 1", len(notifier.userMessages))
	}
	msg := notifier.userMessages[0]
	if msg.tgID != req.TgID || !strings.Contains(msg.text, issued.ShareURL) {
		t.Fatalf("notification %+v lacks share URL %s", msg, issued.ShareURL)
	}
}

func TestApproveAfterRejectIsRequestNotFound(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	gateway := &fakeGateway{inbounds: []xui.Inbound{{ID: 7, Remark: "main", Port: 443}}}
	lc, _, _, _ := newTestLifecycle(t, gateway, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := lc.Reject(ctx, req.RequestID, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := lc.ApproveNewKey(ctx, req.RequestID, 7); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestRejectWithBlockIsSilent(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	lc, notifier, _, _ := newTestLifecycle(t, &fakeGateway{}, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := lc.Reject(ctx, req.RequestID, true); err != nil {
		t.Fatalf("reject with block: %v", err)
	}

	if len(notifier.userMessages) != 0 {
		t.Fatalf("blocked rejection must be silent, got %+v", notifier.userMessages)
	}
	blocked, err := lc.IsBlocked(ctx, req.TgID)
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v; want true", blocked, err)
	}
}

func TestRejectWithoutBlockNotifies(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	lc, notifier, _, _ := newTestLifecycle(t, &fakeGateway{}, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := lc.Reject(ctx, req.RequestID, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(notifier.userMessages) != 1 || notifier.userMessages[0].tgID != req.TgID {
		t.Fatalf("user notifications = %+v", notifier.userMessages)
	}
	blocked, err := lc.IsBlocked(ctx, req.TgID)
	if err != nil || blocked {
		t.Fatalf("plain rejection must not block, IsBlocked = %v, %v", blocked, err)
	}
}

func TestProvisioningFailureKeepsRequest(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	gateway := &fakeGateway{
		inbounds:     []xui.Inbound{{ID: 7, Remark: "main", Port: 443}},
		addClientErr: errors.New("panel down"),
	}
	lc, _, requests, keys := newTestLifecycle(t, gateway, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	_, err = lc.ApproveNewKey(ctx, req.RequestID, 7)
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("err = %v, want ProvisioningError", err)
	}

	all, err := requests.ListAll(ctx)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(all) != 1 {
		t.Fatal("request must survive a panel failure")
	}
	bindings, err := keys.ListByUser(ctx, req.TgID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("no binding expected, got %+v", bindings)
	}
}

func TestAssignExistingKey(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	gateway := &fakeGateway{inbounds: []xui.Inbound{{
		ID: 7, Remark: "main", Port: 443,
		Clients: []xui.PanelClient{{ID: "abc", Email: "tg_1_old"}},
	}}}
	lc, notifier, requests, keys := newTestLifecycle(t, gateway, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	if _, err := lc.AssignExistingKey(ctx, req.RequestID, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if all, _ := requests.ListAll(ctx); len(all) != 1 {
		t.Fatal("request must survive an unknown email")
	}

	issued, err := lc.AssignExistingKey(ctx, req.RequestID, "tg_1_old")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if issued.Email != "tg_1_old" {
		t.Fatalf("email = %q", issued.Email)
	}
	if bindings, _ := keys.ListByUser(ctx, req.TgID); len(bindings) != 1 {
		t.Fatalf("bindings = %+v", bindings)
	}
	if len(notifier.userMessages) != 1 {
		t.Fatalf("user notified %d times, want 1", len(notifier.userMessages))
	}
}

func TestForwardUserMessageHonorsBlock(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	lc, notifier, _, _ := newTestLifecycle(t, &fakeGateway{}, clock)

	if err := lc.ForwardUserMessage(ctx, requester(), "привет"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(notifier.forwarded) != 1 || notifier.forwarded[0] != "привет" {
		t.Fatalf("forwarded = %+v", notifier.forwarded)
	}

	if err := lc.BlockUser(ctx, requester().TgID); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := lc.ForwardUserMessage(ctx, requester(), "ещё"); !errors.Is(err, ErrUserBlocked) {
		t.Fatalf("err = %v, want ErrUserBlocked", err)
	}
	if len(notifier.forwarded) != 1 {
		t.Fatal("blocked user's message must not reach the admin")
	}
}

func TestApproveNewInboundClonesTemplate(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
	gateway := &fakeGateway{inbounds: []xui.Inbound{{ID: 7, Remark: "template", Port: 443}}}
	lc, _, _, keys := newTestLifecycle(t, gateway, clock)

	req, _, err := lc.CreateRequest(ctx, requester())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	issued, err := lc.ApproveNewInbound(ctx, req.RequestID, 7)
	if err != nil {
		t.Fatalf("approve new inbound: %v", err)
	}
	if gateway.cloned != 1 {
		t.Fatalf("cloned %d inbounds, want 1", gateway.cloned)
	}
	if issued.Inbound.Port <= 443 {
		t.Fatalf("clone port %d must not collide with existing inbounds", issued.Inbound.Port)
	}
	bindings, _ := keys.ListByUser(ctx, req.TgID)
	if len(bindings) != 1 || bindings[0].InboundID != issued.Inbound.ID {
		t.Fatalf("bindings = %+v", bindings)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vpnbot/internal/model"
	"vpnbot/internal/repository"
	"vpnbot/internal/xui"
)

// DefaultBlockDuration is how long a reject-with-block silences a user.
const DefaultBlockDuration = 24 * time.Hour

// UserInfo identifies the Telegram account behind an incoming update.
type UserInfo struct {
	TgID      int64
	Username  string
	FirstName string
	LastName  string
}

// IssuedKey is the outcome of a successful approve or assign, returned to
// the adapter for the admin confirmation message.
type IssuedKey struct {
	Request         *model.PendingRequest
	Email           string
	Inbound         *xui.Inbound
	ShareURL        string
	SubscriptionURL string
}

// KeyDetails is a live panel view of one bound key.
type KeyDetails struct {
	Client          *xui.PanelClient
	Inbound         *xui.Inbound
	ShareURL        string
	SubscriptionURL string
}

// Lifecycle drives pending key requests from creation to resolution.
// Every resolution claims the request row atomically, so two admins acting
// on the same request cannot both win.
type Lifecycle struct {
	users    *repository.UserRepository
	keys     *repository.KeyRepository
	requests *repository.RequestRepository
	gateway  Gateway
	notifier Notifier
	clock    Clock
}

func NewLifecycle(
	users *repository.UserRepository,
	keys *repository.KeyRepository,
	requests *repository.RequestRepository,
	gateway Gateway,
	notifier Notifier,
	clock Clock,
) *Lifecycle {
	return &Lifecycle{
		users:    users,
		keys:     keys,
		requests: requests,
		gateway:  gateway,
		notifier: notifier,
		clock:    clock,
	}
}

// EnsureUser records or refreshes the Telegram account in storage.
func (s *Lifecycle) EnsureUser(ctx context.Context, info UserInfo) (*model.TelegramUser, error) {
	return s.users.Upsert(ctx, info.TgID, info.Username, info.FirstName, info.LastName)
}

// IsBlocked reports whether the user's block window is still active.
func (s *Lifecycle) IsBlocked(ctx context.Context, tgID int64) (bool, error) {
	return s.users.IsBlocked(ctx, tgID, s.clock.Now())
}

// CreateRequest opens a pending key request for the user. If the user
// already has one, it is returned unchanged and no admin notification is
// sent. The returned flag is true only when a new request was created.
func (s *Lifecycle) CreateRequest(ctx context.Context, info UserInfo) (*model.PendingRequest, bool, error) {
	if _, err := s.EnsureUser(ctx, info); err != nil {
		return nil, false, err
	}
	blocked, err := s.IsBlocked(ctx, info.TgID)
	if err != nil {
		return nil, false, err
	}
	if blocked {
		return nil, false, ErrUserBlocked
	}

	req := &model.PendingRequest{
		RequestID: uuid.NewString(),
		TgID:      info.TgID,
		Username:  info.Username,
		FirstName: info.FirstName,
		LastName:  info.LastName,
		CreatedAt: s.clock.Now().Unix(),
	}
	req, created, err := s.requests.CreateIfAbsent(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if created {
		keys, err := s.keys.ListByUser(ctx, info.TgID)
		if err != nil {
			log.Printf("[error] list keys for request notification: %v", err)
		}
		if err := s.notifier.NotifyAdminRequest(ctx, req, keys); err != nil {
			log.Printf("[error] notify admin about request %s: %v", req.RequestID, err)
		}
	}
	return req, created, nil
}

// ApproveNewKey creates a fresh client in the chosen inbound, binds it to
// the requester and resolves the request. The binding is written before the
// request row is claimed, so a crash between the two leaves an extra
// binding rather than a lost key.
func (s *Lifecycle) ApproveNewKey(ctx context.Context, requestID string, inboundID int) (*IssuedKey, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	email := clientEmail(req)
	client, err := s.gateway.AddClient(ctx, inboundID, email, 0, 0, true)
	if err != nil {
		return nil, &ProvisioningError{Op: "add client", Err: err}
	}
	inbound, err := s.gateway.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, &ProvisioningError{Op: "load inbound", Err: err}
	}
	return s.finishIssue(ctx, req, inbound, client, email)
}

// ApproveNewInbound clones the template inbound onto the next free port,
// creates the requester's client inside the clone and resolves the request.
func (s *Lifecycle) ApproveNewInbound(ctx context.Context, requestID string, templateID int) (*IssuedKey, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	email := clientEmail(req)
	port, err := s.nextFreePort(ctx)
	if err != nil {
		return nil, &ProvisioningError{Op: "pick port", Err: err}
	}
	inbound, err := s.gateway.CloneInbound(ctx, templateID, email, port)
	if err != nil {
		return nil, &ProvisioningError{Op: "clone inbound", Err: err}
	}
	client, err := s.gateway.AddClient(ctx, inbound.ID, email, 0, 0, true)
	if err != nil {
		return nil, &ProvisioningError{Op: "add client", Err: err}
	}
	return s.finishIssue(ctx, req, inbound, client, email)
}

// AssignExistingKey binds an already provisioned panel client to the
// requester and resolves the request.
func (s *Lifecycle) AssignExistingKey(ctx context.Context, requestID, email string) (*IssuedKey, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	client, inbound, err := s.gateway.FindClientByEmail(ctx, email)
	if err != nil {
		return nil, &ProvisioningError{Op: "find client", Err: err}
	}
	if client == nil {
		return nil, ErrKeyNotFound
	}
	return s.finishIssue(ctx, req, inbound, client, email)
}

// Reject claims and removes the request. With block=true the user is
// silenced for DefaultBlockDuration and gets no notification; otherwise a
// neutral rejection notice is sent.
func (s *Lifecycle) Reject(ctx context.Context, requestID string, block bool) (*model.PendingRequest, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	claimed, err := s.requests.Delete(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrRequestNotFound
	}

	if block {
		until := s.clock.Now().Add(DefaultBlockDuration)
		if err := s.users.Block(ctx, req.TgID, until); err != nil {
			return nil, err
		}
		return req, nil
	}
	if err := s.notifier.NotifyUser(ctx, req.TgID, msgRequestRejected); err != nil {
		log.Printf("[error] notify user %d about rejection: %v", req.TgID, err)
	}
	return req, nil
}

// SendAdminMessage forwards text to the requester. The request stays open.
func (s *Lifecycle) SendAdminMessage(ctx context.Context, requestID, text string) (*model.PendingRequest, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("✉️ <b>Сообщение от администратора:</b>\n\n%s", text)
	if err := s.notifier.NotifyUser(ctx, req.TgID, msg); err != nil {
		return nil, err
	}
	return req, nil
}

// ForwardUserMessage relays free text from a user to the admin, unless the
// user is blocked.
func (s *Lifecycle) ForwardUserMessage(ctx context.Context, info UserInfo, text string) error {
	user, err := s.EnsureUser(ctx, info)
	if err != nil {
		return err
	}
	blocked, err := s.IsBlocked(ctx, info.TgID)
	if err != nil {
		return err
	}
	if blocked {
		return ErrUserBlocked
	}
	return s.notifier.ForwardToAdmin(ctx, user, text)
}

// Unbind removes the user's binding to a key. Panel state is untouched.
func (s *Lifecycle) Unbind(ctx context.Context, tgID int64, email string) error {
	return s.keys.Unbind(ctx, tgID, email)
}

// BlockUser silences the user for DefaultBlockDuration starting now.
func (s *Lifecycle) BlockUser(ctx context.Context, tgID int64) error {
	return s.users.Block(ctx, tgID, s.clock.Now().Add(DefaultBlockDuration))
}

func (s *Lifecycle) UnblockUser(ctx context.Context, tgID int64) error {
	return s.users.Unblock(ctx, tgID)
}

func (s *Lifecycle) UserKeys(ctx context.Context, tgID int64) ([]model.UserKey, error) {
	return s.keys.ListByUser(ctx, tgID)
}

func (s *Lifecycle) PendingRequests(ctx context.Context, tgID int64) ([]model.PendingRequest, error) {
	return s.requests.ListByUser(ctx, tgID)
}

func (s *Lifecycle) AllRequests(ctx context.Context) ([]model.PendingRequest, error) {
	return s.requests.ListAll(ctx)
}

func (s *Lifecycle) AllKeysWithUsers(ctx context.Context) ([]repository.KeyWithUser, error) {
	return s.keys.ListAllWithUsers(ctx)
}

func (s *Lifecycle) BlockedUsers(ctx context.Context) ([]model.TelegramUser, error) {
	return s.users.ListBlocked(ctx, s.clock.Now())
}

// KeyDetails resolves a bound key against the live panel state.
func (s *Lifecycle) KeyDetails(ctx context.Context, email string) (*KeyDetails, error) {
	client, inbound, err := s.gateway.FindClientByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrKeyNotFound
	}
	return &KeyDetails{
		Client:          client,
		Inbound:         inbound,
		ShareURL:        s.gateway.ShareURL(inbound, client),
		SubscriptionURL: s.gateway.SubscriptionURL(email),
	}, nil
}

// Inbounds lists the panel inbounds for admin selection menus.
func (s *Lifecycle) Inbounds(ctx context.Context) ([]xui.Inbound, error) {
	return s.gateway.ListInbounds(ctx)
}

// KeyTraffic returns the live panel counters for one client email, or nil
// when the panel has no row for it.
func (s *Lifecycle) KeyTraffic(ctx context.Context, email string) (*xui.ClientTraffic, error) {
	table, err := s.gateway.TrafficTable(ctx)
	if err != nil {
		return nil, err
	}
	for i := range table {
		if table[i].Email == email {
			return &table[i], nil
		}
	}
	return nil, nil
}

// ResetTraffic zeroes every client counter on the panel.
func (s *Lifecycle) ResetTraffic(ctx context.Context) error {
	return s.gateway.ResetTraffic(ctx)
}

func (s *Lifecycle) getRequest(ctx context.Context, requestID string) (*model.PendingRequest, error) {
	req, err := s.requests.Get(ctx, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// finishIssue runs the common tail of every approval: bind, claim the
// request row, notify the user. Only the claim decides the winner.
func (s *Lifecycle) finishIssue(ctx context.Context, req *model.PendingRequest, inbound *xui.Inbound, client *xui.PanelClient, email string) (*IssuedKey, error) {
	binding := &model.UserKey{
		TgID:        req.TgID,
		ClientEmail: email,
		InboundID:   inbound.ID,
		Comment:     inbound.Remark,
	}
	if err := s.keys.Bind(ctx, binding); err != nil {
		return nil, err
	}
	claimed, err := s.requests.Delete(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrRequestNotFound
	}

	issued := &IssuedKey{
		Request:         req,
		Email:           email,
		Inbound:         inbound,
		ShareURL:        s.gateway.ShareURL(inbound, client),
		SubscriptionURL: s.gateway.SubscriptionURL(email),
	}
	msg := fmt.Sprintf(
		"✅ <b>Ваш запрос на ключ одобрен!</b>\n\n🔑 Ключ:\n<code>%s</code>\n\n🔗 Ссылка подписки:\n<code>%s</code>",
		issued.ShareURL, issued.SubscriptionURL,
	)
	if err := s.notifier.NotifyUser(ctx, req.TgID, msg); err != nil {
		log.Printf("[error] notify user %d about issued key: %v", req.TgID, err)
	}
	return issued, nil
}

// nextFreePort returns max(inbound ports)+1, or a default when the panel
// has no inbounds yet.
func (s *Lifecycle) nextFreePort(ctx context.Context) (int, error) {
	inbounds, err := s.gateway.ListInbounds(ctx)
	if err != nil {
		return 0, err
	}
	port := 10000
	for _, in := range inbounds {
		if in.Port >= port {
			port = in.Port + 1
		}
	}
	return port, nil
}

const msgRequestRejected = "К сожалению, ваш запрос на ключ отклонён."

func clientEmail(req *model.PendingRequest) string {
	username := req.Username
	if username == "" {
		username = "user"
	}
	return fmt.Sprintf("tg_%d_%s", req.TgID, username)
}

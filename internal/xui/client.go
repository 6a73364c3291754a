package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInboundNotFound is returned when the panel has no inbound with the
// requested id.
var ErrInboundNotFound = errors.New("inbound not found")

// Client talks to a 3x-ui panel over its JSON API. The panel uses a session
// cookie obtained via /login; the client re-authenticates once when a call
// comes back unauthorized.
type Client struct {
	baseURL  string
	username string
	password string

	domain           string
	subscriptionPort int

	http *http.Client
}

// Options configures a panel client.
type Options struct {
	Host             string
	Username         string
	Password         string
	Domain           string
	SubscriptionPort int
	Timeout          time.Duration
}

func New(opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:          strings.TrimRight(opts.Host, "/"),
		username:         opts.Username,
		password:         opts.Password,
		domain:           opts.Domain,
		subscriptionPort: opts.SubscriptionPort,
		http:             &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// apiResponse is the envelope every panel endpoint answers with.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Login authenticates against the panel and stores the session cookie.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login to panel: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("panel login rejected: %s", envelope.Msg)
	}
	log.Printf("[info] logged in to panel at %s", c.baseURL)
	return nil
}

// call performs one API request, retrying once after a fresh login when the
// session has expired.
func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		obj, unauthorized, err := c.callOnce(ctx, method, path, body)
		if unauthorized && attempt == 0 {
			if err := c.Login(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return obj, err
	}
}

func (c *Client) callOnce(ctx context.Context, method, path string, body any) (json.RawMessage, bool, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, false, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("panel %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, true, fmt.Errorf("panel %s %s: unauthorized", method, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("panel %s %s: status %d", method, path, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, false, fmt.Errorf("decode panel response for %s: %w", path, err)
	}
	if !envelope.Success {
		return nil, false, fmt.Errorf("panel %s failed: %s", path, envelope.Msg)
	}
	return envelope.Obj, false, nil
}

// ListInbounds returns every inbound configured on the panel.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	obj, err := c.call(ctx, http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	var dtos []inboundDTO
	if err := json.Unmarshal(obj, &dtos); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}
	inbounds := make([]Inbound, 0, len(dtos))
	for _, dto := range dtos {
		inbound, err := decodeInbound(dto)
		if err != nil {
			return nil, err
		}
		inbounds = append(inbounds, inbound)
	}
	return inbounds, nil
}

// GetInbound returns one inbound by id.
func (c *Client) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	obj, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", id), nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, ErrInboundNotFound
	}
	var dto inboundDTO
	if err := json.Unmarshal(obj, &dto); err != nil {
		return nil, fmt.Errorf("decode inbound %d: %w", id, err)
	}
	inbound, err := decodeInbound(dto)
	if err != nil {
		return nil, err
	}
	return &inbound, nil
}

// AddClient creates a new client under the inbound. Quota and expiry of zero
// mean unlimited and perpetual.
func (c *Client) AddClient(ctx context.Context, inboundID int, email string, quotaBytes, expiryMillis int64, enable bool) (*PanelClient, error) {
	client := PanelClient{
		ID:         uuid.NewString(),
		Email:      email,
		Enable:     enable,
		TotalBytes: quotaBytes,
		ExpiryTime: expiryMillis,
	}
	settings, err := json.Marshal(map[string]any{"clients": []PanelClient{client}})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":       inboundID,
		"settings": string(settings),
	}
	if _, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/addClient", payload); err != nil {
		return nil, err
	}
	log.Printf("[info] created client %s in inbound %d", email, inboundID)
	return &client, nil
}

// FindClientByEmail searches every inbound for a client with the email.
// Returns nil, nil when no inbound has it.
func (c *Client) FindClientByEmail(ctx context.Context, email string) (*PanelClient, *Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, nil, err
	}
	for idx := range inbounds {
		if client := inbounds[idx].FindClient(email); client != nil {
			return client, &inbounds[idx], nil
		}
	}
	return nil, nil, nil
}

// CloneInbound creates a new inbound reusing the template's transport
// configuration under a new remark and port.
func (c *Client) CloneInbound(ctx context.Context, templateID int, remark string, port int) (*Inbound, error) {
	template, err := c.GetInbound(ctx, templateID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"enable":         true,
		"remark":         remark,
		"listen":         template.Listen,
		"port":           port,
		"protocol":       template.Protocol,
		"settings":       template.RawSettings,
		"streamSettings": template.RawStreamSettings,
		"sniffing":       template.RawSniffing,
		"allocate":       template.RawAllocate,
	}
	obj, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/add", payload)
	if err != nil {
		return nil, err
	}
	var dto inboundDTO
	if err := json.Unmarshal(obj, &dto); err != nil {
		return nil, fmt.Errorf("decode cloned inbound: %w", err)
	}
	inbound, err := decodeInbound(dto)
	if err != nil {
		return nil, err
	}
	log.Printf("[info] cloned inbound %d into %q on port %d", templateID, remark, port)
	return &inbound, nil
}

// TrafficTable returns the panel's per-client traffic counters. A panel
// whose traffic storage is not initialized yet answers with an empty
// object; that degrades to no data, not an error.
func (c *Client) TrafficTable(ctx context.Context) ([]ClientTraffic, error) {
	obj, err := c.call(ctx, http.MethodGet, "/panel/api/inbounds/clientTraffics", nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, nil
	}
	var rows []ClientTraffic
	if err := json.Unmarshal(obj, &rows); err != nil {
		return nil, fmt.Errorf("decode traffic table: %w", err)
	}
	return rows, nil
}

// ResetTraffic zeroes the live up/down counters for all clients.
func (c *Client) ResetTraffic(ctx context.Context) error {
	if _, err := c.call(ctx, http.MethodPost, "/panel/api/inbounds/resetAllClientTraffics", nil); err != nil {
		return err
	}
	log.Printf("[info] panel traffic counters reset")
	return nil
}

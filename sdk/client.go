// Package sdk is the Go client for the Pulseboard API: authenticated
// HTTP calls, a reconnecting notification stream, room connections over
// websocket, and an offline action queue for flaky networks.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The default has
// no timeout because the SDK holds long-lived streaming connections.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken swaps the access token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// APIError is a non-2xx response decoded from the server's error shape.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Report is the summary shape returned by the reports endpoints.
type Report struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Subtitle  string    `json:"subtitle"`
	Status    string    `json:"status"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Client) ListReports(ctx context.Context) ([]Report, error) {
	var payload struct {
		Reports []Report `json:"reports"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/reports", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Reports, nil
}

// Notification mirrors the server's notification wire shape.
type Notification struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Inbox is a notification page with the unread badge count.
type Inbox struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

func (c *Client) ListNotifications(ctx context.Context) (Inbox, error) {
	var inbox Inbox
	err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &inbox)
	return inbox, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string, read bool) error {
	body := map[string]bool{"read": read}
	return c.do(ctx, http.MethodPut, "/api/notifications/"+id+"/read-status", body, nil)
}

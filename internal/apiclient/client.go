// Package apiclient is a small HTTP client for the chat endpoints of the
// realtime API. It satisfies the chatsession History and Sender interfaces.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/chat"
)

// Client talks to one API server on behalf of one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListHistory fetches a page of an event's messages, oldest first.
func (c *Client) ListHistory(ctx context.Context, eventID string, before *time.Time, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out []chat.Message
	err := c.do(ctx, "apiclient.list_history", http.MethodGet, chatPath(eventID), q, nil, &out)
	return out, err
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, eventID, content string) (chat.Message, error) {
	body := map[string]string{"content": content}

	var out chat.Message
	err := c.do(ctx, "apiclient.send_message", http.MethodPost, chatPath(eventID), nil, body, &out)
	return out, err
}

func chatPath(eventID string) string {
	return "/events/" + url.PathEscape(eventID) + "/chat"
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Validationf(op, "encode request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return apperr.Validationf(op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperr.Transient(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(op, resp, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Transient(op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

// statusError maps a failed response back onto the error kinds the server
// derived it from.
func statusError(op string, resp *http.Response, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Unauthorized(op, msg)
	case http.StatusNotFound:
		return apperr.NotFound(op, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.Validation(op, msg)
	case http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " (retry after " + ra + "s)"
		}
		return apperr.RateLimited(op, msg)
	default:
		return apperr.Transient(op, fmt.Errorf("%s: %s", resp.Status, msg))
	}
}

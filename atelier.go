// Package atelier provides the Go SDK for the Atelier platform, centered on
// its real-time messaging client engine.
//
// The REST surface covers the conversation directory and message history;
// the realtime engine owns the socket, optimistic state, and reconciliation.
//
// Example:
//
//	client := atelier.NewClient(token)
//	engine := atelier.NewEngine(client, &atelier.RealtimeConfig{Token: token, AutoReconnect: true})
//	if err := engine.Connect(ctx); err != nil { ... }
//	engine.SendMessage(ctx, conversationID, "hello", "")
package atelier

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
)

const (
	DefaultBaseURL = "https://atelier.gallery"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Atelier REST client. It carries an opaque session token;
// token issuance is out of scope for this SDK.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Reactions     *ReactionsClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an Atelier client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Reactions = &ReactionsClient{client: c}
	return c
}

// SetToken replaces the session token (e.g. after a refresh).
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current session token.
func (c *Client) Token() string {
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr converts a non-OK envelope into an error.
func resultErr(r *Result, fallback string) error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "REQUEST_FAILED", Message: fallback}
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient is the REST surface of the conversation directory.
type ConversationsClient struct{ client *Client }

// List fetches the caller's conversations with latest-message summaries and
// unread counters.
func (cv *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "list conversations failed"); err != nil {
		return nil, err
	}
	var convs []*Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Get fetches one conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "get conversation failed"); err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateDirect is the backend find-or-create for a direct thread with one
// user. The server guarantees at most one direct conversation per pair.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/api/chat/conversations/direct",
		map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "create conversation failed"); err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead marks a conversation read. The REST call is the system of
// record; the message_read frame other participants receive is only the
// live-update echo.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	res, err := cv.client.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "mark read failed")
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient covers message history pagination.
type MessagesClient struct{ client *Client }

// History fetches one page of a conversation's message history, newest
// first on the wire; the store re-sorts on merge.
func (m *MessagesClient) History(ctx context.Context, conversationID string, opts *HistoryOptions) (*HistoryPage, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if !opts.Before.IsZero() {
			query["before"] = opts.Before.UTC().Format(time.RFC3339Nano)
		}
	}
	if len(query) == 0 {
		query = nil
	}
	res, err := m.client.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "history fetch failed"); err != nil {
		return nil, err
	}
	var page HistoryPage
	if err := res.Decode(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ============================================================================
// Reactions
// ============================================================================

// ReactionsClient is the REST fallback for reactions, used when the socket
// is not authenticated; the reaction frame is only a live-update echo.
type ReactionsClient struct{ client *Client }

// Add sets the caller's reaction on a message.
func (r *ReactionsClient) Add(ctx context.Context, messageID, reactionType string) error {
	res, err := r.client.do(ctx, "POST", "/api/chat/messages/"+messageID+"/reactions",
		map[string]string{"reaction_type": reactionType}, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "add reaction failed")
}

// Remove clears the caller's reaction on a message.
func (r *ReactionsClient) Remove(ctx context.Context, messageID string) error {
	res, err := r.client.do(ctx, "DELETE", "/api/chat/messages/"+messageID+"/reactions", nil, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "remove reaction failed")
}

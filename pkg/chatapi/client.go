package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the fixed HTTP protocol exposed by the chat backend.
type Client interface {
	FetchMessagesSince(ctx context.Context, conversationID string, since int64) ([]RawMessage, error)
	FetchConversations(ctx context.Context) ([]ConversationRow, error)
	Send(ctx context.Context, kind string, req SendRequest) (*SendResponse, error)
	ResetUnread(ctx context.Context, contactID string) error
}

// ClientConfig configures an HTTP client for the backend.
type ClientConfig struct {
	BaseURL   string
	CompanyID string
	Timeout   time.Duration
}

type httpClient struct {
	baseURL   string
	companyID string
	client    *http.Client
}

// NewClient creates a backend client with a bounded request timeout.
func NewClient(cfg ClientConfig) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL:   cfg.BaseURL,
		companyID: cfg.CompanyID,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// kindEndpoints maps a message kind to its send endpoint. Kinds without a
// dedicated endpoint go through text.
var kindEndpoints = map[string]string{
	"text":     "/api/send/text",
	"image":    "/api/send/image",
	"video":    "/api/send/video",
	"document": "/api/send/document",
	"audio":    "/api/send/audio",
}

func (c *httpClient) FetchMessagesSince(ctx context.Context, conversationID string, since int64) ([]RawMessage, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("companyId", c.companyID)
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}

	var rows []RawMessage
	if err := c.getJSON(ctx, "/api/messages?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *httpClient) FetchConversations(ctx context.Context) ([]ConversationRow, error) {
	q := url.Values{}
	q.Set("companyId", c.companyID)

	var rows []ConversationRow
	if err := c.getJSON(ctx, "/api/conversations?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *httpClient) Send(ctx context.Context, kind string, req SendRequest) (*SendResponse, error) {
	endpoint, ok := kindEndpoints[kind]
	if !ok {
		endpoint = kindEndpoints["text"]
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("send returned status %d: %s", resp.StatusCode, string(data))
	}

	var sendResp SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}
	return &sendResp, nil
}

func (c *httpClient) ResetUnread(ctx context.Context, contactID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/contacts/"+url.PathEscape(contactID)+"/resetUnread", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reset unread request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reset unread returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

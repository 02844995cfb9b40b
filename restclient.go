package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP half of the sync surface: paginated listings, history,
// sends, receipts, user search. It implements API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an API client for baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ API = (*Client)(nil)

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the server's response envelope. Data holds the
// endpoint-specific payload when OK is true.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
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
			return nil, errValidation(fmt.Sprintf("marshal request: %v", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errValidation(fmt.Sprintf("create request: %v", err))
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errNetwork("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errNetwork("read response", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, errAuth("credential rejected", nil)
		}
		return nil, errNetwork(fmt.Sprintf("HTTP %d: malformed response", resp.StatusCode), err)
	}
	if !result.OK {
		return nil, mapAPIError(resp.StatusCode, result.Error)
	}
	return result.Data, nil
}

func mapAPIError(status int, apiErr *apiError) error {
	msg := "request rejected"
	code := ""
	if apiErr != nil {
		msg = apiErr.Message
		code = apiErr.Code
	}
	switch {
	case code == "CONFLICT" || status == http.StatusConflict:
		return errConflict(msg)
	case code == "AUTH" || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errAuth(msg, nil)
	case code == "VALIDATION" || status == http.StatusBadRequest:
		return errValidation(msg)
	default:
		return errNetwork(fmt.Sprintf("HTTP %d: %s", status, msg), nil)
	}
}

func pageQuery(page Page) map[string]string {
	q := map[string]string{}
	if page.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", page.Limit)
	}
	if page.Offset > 0 {
		q["offset"] = fmt.Sprintf("%d", page.Offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, errNetwork("unmarshal response", err)
	}
	return v, nil
}

// ============================================================================
// API Methods
// ============================================================================

// ListConversations fetches one page of the conversation list, ordered by
// the server (most recent activity first).
func (c *Client) ListConversations(ctx context.Context, page Page) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, pageQuery(page))
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](data)
}

// GetMessages fetches one page of a conversation's history.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page Page) ([]Message, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, "GET", path, nil, pageQuery(page))
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](data)
}

// SendMessage posts a message. The server echoes req.TempID in the
// confirmed message so the caller can correlate.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/messages", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeData[SendResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks messages read. Empty messageIDs means the whole
// conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	body := map[string]interface{}{}
	if len(messageIDs) > 0 {
		body["messageIds"] = messageIDs
	}
	_, err := c.doRequest(ctx, "POST", path, body, nil)
	return err
}

// SearchUsers finds users by name or handle.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]UserSummary, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/users/search", nil, map[string]string{"q": term})
	if err != nil {
		return nil, err
	}
	return decodeData[[]UserSummary](data)
}

// CreateGroup creates a group conversation with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, userIDs []string) (*Conversation, error) {
	body := map[string]interface{}{"name": name, "userIds": userIDs}
	data, err := c.doRequest(ctx, "POST", "/api/chat/groups", body, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](data)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListOnlineUsers fetches the ids of currently online users.
func (c *Client) ListOnlineUsers(ctx context.Context) ([]string, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/presence/online", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]string](data)
}

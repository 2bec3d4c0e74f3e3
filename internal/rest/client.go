// Package rest is the request/response collaborator of the sync engine:
// conversation list, message pages, the send fallback and mark-all-read.
// Responses are normalized through the events package so callers only
// see chat.Message and chat.Conversation records.
package rest

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

	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/protocol"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rest: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client talks to the marketplace API with a bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a Client with a 30s request timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     zerolog.Nop(),
	}
}

// ListConversations fetches the current user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	convs, ok := events.ParseConversations(body)
	if !ok {
		return nil, fmt.Errorf("rest: list conversations: unrecognized response")
	}
	return convs, nil
}

// FetchMessages fetches one page of a conversation's history in display
// order. Pages count from 1.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, pageSize int) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	_, msgs, ok := events.ParseMessages(body)
	if !ok {
		return nil, fmt.Errorf("rest: fetch messages %s: unrecognized response", conversationID)
	}
	convID := events.NormalizeID(conversationID)
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = convID
		}
	}
	return msgs, nil
}

// SendMessage posts a message. The returned message is zero when the
// server answered without an id.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, clientMessageID string) (chat.Message, error) {
	req := protocol.SendMessageMsg{
		ConversationID:  conversationID,
		Text:            text,
		MessageType:     protocol.MessageTypeText,
		ClientMessageID: clientMessageID,
	}
	body, err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", req)
	if err != nil {
		return chat.Message{}, err
	}
	msg, ok := events.ParseMessage(body, chat.OriginLive)
	if !ok {
		return chat.Message{}, nil
	}
	return msg, nil
}

// MarkAllRead marks every message of the conversation read.
func (c *Client) MarkAllRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil)
	return err
}

// do performs a request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("rest: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("rest: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: read %s %s: %w", method, path, err)
	}

	c.Logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	return errResp.Error
}

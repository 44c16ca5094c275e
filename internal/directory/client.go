// Package directory is the client of the shelfmate REST API: conversation
// history, message persistence, profiles and public keys.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

const maxResponseSize = 4 << 20

// APIError is a non-success reply. It unwraps to the matching sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("directory: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("directory: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case httpdto.CodeNotFound:
		return shelfmate_errors.ErrNotFound
	case httpdto.CodeUnauthorized:
		return shelfmate_errors.ErrUnauthorized
	case httpdto.CodeForbidden:
		return shelfmate_errors.ErrForbidden
	case httpdto.CodeInvalidInput:
		return shelfmate_errors.ErrInvalidInput
	case httpdto.CodeConflict:
		return shelfmate_errors.ErrConflict
	case httpdto.CodeRateLimited:
		return shelfmate_errors.ErrRateLimited
	}
	switch {
	case e.Status == http.StatusNotFound:
		return shelfmate_errors.ErrNotFound
	case e.Status == http.StatusUnauthorized:
		return shelfmate_errors.ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return shelfmate_errors.ErrForbidden
	case e.Status == http.StatusTooManyRequests:
		return shelfmate_errors.ErrRateLimited
	case e.Status >= 500:
		return shelfmate_errors.ErrServiceUnavailable
	}
	return nil
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "directory"))
	return c
}

// ListConversations returns the caller's conversations with their most
// recent messages and unread counts.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationWith returns the conversation with peerID, or nil when none
// exists yet.
func (c *Client) ConversationWith(ctx context.Context, peerID string) (*conversation.Conversation, error) {
	var out *conversation.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/with/"+url.PathEscape(peerID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a message to peerID and returns the server record.
func (c *Client) SendMessage(ctx context.Context, peerID string, req httpdto.SendMessageRequest) (message.Message, error) {
	var out message.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(peerID), req, &out); err != nil {
		return message.Message{}, err
	}
	return out, nil
}

func (c *Client) Profile(ctx context.Context, userID string) (user.Profile, error) {
	var out user.Profile
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return user.Profile{}, err
	}
	return out, nil
}

// PeerKey returns the published key of userID, or ErrPeerKeyUnknown when
// the user has none.
func (c *Client) PeerKey(ctx context.Context, userID string) (e2ee.JWK, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return e2ee.JWK{}, err
	}
	if p.PublicKeyJwk == nil {
		return e2ee.JWK{}, shelfmate_errors.ErrPeerKeyUnknown
	}
	return *p.PublicKeyJwk, nil
}

// UploadPublicKey publishes the device key of the caller.
func (c *Client) UploadPublicKey(ctx context.Context, jwk e2ee.JWK) error {
	return c.do(ctx, http.MethodPost, "/users/public-key", httpdto.SetPublicKeyRequest{PublicKeyJwk: jwk}, nil)
}

// ClearConversation asks the server to empty a conversation for both peers.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/clear", nil, nil)
}

// MarkRead marks every message addressed to the caller as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) ([]message.ReadReceipt, error) {
	var out []message.ReadReceipt
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, shelfmate_errors.ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("directory request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	var env httpdto.Response[json.RawMessage]
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: msg}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

// IsNotFound reports whether err is a not-found reply.
func IsNotFound(err error) bool {
	return errors.Is(err, shelfmate_errors.ErrNotFound)
}

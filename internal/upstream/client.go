// Package upstream is the HTTP client for the conversational-AI
// provider. It forwards a chat transcript and hands the raw response
// back for relaying; bodies are never rewritten here.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/embedchat/agent-gateway/internal/domain"
)

const (
	// DefaultAPIHost is the provider endpoint used unless configured
	// otherwise.
	DefaultAPIHost = "https://api.typingmind.com"

	// maxErrorBodyBytes caps how much of a failed upstream body is read
	// for logging.
	maxErrorBodyBytes = 2048
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom API host.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to the upstream agent API.
type Client struct {
	defaultAPIKey string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates an upstream client. defaultAPIKey is used for
// instances that carry no credential of their own.
func NewClient(defaultAPIKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		defaultAPIKey: defaultAPIKey,
		baseURL:       DefaultAPIHost,
		httpClient:    http.DefaultClient,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatPayload struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// Reply is an admitted upstream response, ready to relay. The caller
// owns Body and must close it.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// IsStream reports whether the reply is a server-sent-event stream.
func (r *Reply) IsStream() bool {
	return strings.Contains(r.Header.Get("Content-Type"), "text/event-stream")
}

// Chat posts the transcript to the instance's agent. apiKey may be
// empty to use the gateway default. Non-2xx statuses and transport
// failures come back as *domain.APIError; the upstream body is logged,
// never returned.
func (c *Client) Chat(ctx context.Context, agentID, apiKey string, messages []domain.ChatMessage) (*Reply, error) {
	body, err := json.Marshal(chatPayload{Messages: messages})
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("failed to marshal request: %w", err))
	}

	endpoint := c.baseURL + "/api/v2/agents/" + url.PathEscape(agentID) + "/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	key := apiKey
	if key == "" {
		key = c.defaultAPIKey
	}
	httpReq.Header.Set("X-API-KEY", key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, domain.ErrUpstreamTimeout().WithCause(err)
		}
		return nil, domain.ErrInternal(fmt.Errorf("upstream request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		c.logger.Warn("upstream returned an error status",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)))
		return nil, domain.ErrUpstreamFailure(fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	return &Reply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// isTimeout distinguishes an exceeded deadline from other transport
// failures. Cancellation of the inbound request is not a timeout and
// falls through to the generic path.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout() && !errors.Is(err, context.Canceled)
}

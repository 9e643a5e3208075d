package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/integrations/paramstore"
)

const (
	// requestBudget bounds connect+read for one chat call, retry included.
	// Tuned to fire before the surrounding Lambda budget does, so the caller
	// can still deliver a degraded reply.
	requestBudget = 22 * time.Second

	// fastFailThreshold separates "endpoint unreachable or cold" from
	// "endpoint slow or busy". Only failures faster than this are retried;
	// retrying a slow failure would burn the remaining budget for nothing.
	fastFailThreshold = 5 * time.Second

	probeBudget = 5 * time.Second
)

// chatRequest is the request shape for the /api/chat endpoint.
// Non-streaming only.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// chatResponse is the minimal response shape returned by /api/chat.
type chatResponse struct {
	Message domain.ChatMessage `json:"message"`
}

// tagsResponse is the minimal response shape returned by /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context. Callers convert it to a generic user-facing apology and log the
// status; the body never reaches the user.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for an Ollama-compatible inference endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client for the given endpoint base URL, backed by
// the paramstore.Getter for pre-shared-key retrieval. The key is fetched from
// SSM on the first request and reused for the lifetime of the process.
func NewClient(baseURL string, ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ollama: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("ollama: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("ollama: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: requestBudget},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the pre-shared key from SSM on the first call and
// returns the cached result on every subsequent call. An empty stored token
// is allowed and means the endpoint is unauthenticated.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		key, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/ollama-api-key")
		if err != nil {
			// Missing key parameter is tolerated; header auth is optional.
			c.apiKey, c.keyErr = "", nil
			return
		}
		c.apiKey, c.keyErr = key, nil
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: requestBudget}
}

// Chat sends one non-streaming completion request and returns the generated
// reply text. Exactly one retry is attempted, and only when the first attempt
// failed faster than fastFailThreshold without an HTTP status (connection
// refused, cold endpoint); timeouts and slow failures are not retried.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("ollama: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()

	url := c.baseURL + "/api/chat"

	start := time.Now()
	raw, err := c.postJSON(ctx, url, body, apiKey)
	if err != nil && retriable(err) && time.Since(start) < fastFailThreshold {
		raw, err = c.postJSON(ctx, url, body, apiKey)
	}
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("ollama: decode response: %w", decErr)
	}
	if payload.Message.Content == "" {
		return "", errors.New("ollama: empty message content in response")
	}
	return payload.Message.Content, nil
}

// Tags probes the endpoint's model listing with a short budget. Used by the
// status command to report reachability and loaded models.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()

	url := c.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: create tags request: %w", err)
	}
	setHeaders(req, apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("ollama: tags request failed: %w", err)
	}

	var payload tagsResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("ollama: decode tags response: %w", decErr)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setHeaders(req, apiKey)
	return c.doJSONRequest(req, url)
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// retriable reports whether an error is a transport failure rather than an
// HTTP status or an exhausted context.
func retriable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

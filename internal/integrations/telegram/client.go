// Package telegram implements the outbound side of the message transport:
// reply delivery, document exchange and update polling against the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/integrations/paramstore"
)

const defaultBaseURL = "https://api.telegram.org"

// apiResponse is the Bot API envelope common to all methods.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// fileInfo is the result shape of the getFile method.
type fileInfo struct {
	FilePath string `json:"file_path"`
}

// Client is a focused Bot API client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// bot-token retrieval. The token is fetched from SSM on first use and reused
// for the lifetime of the process.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = paramstore.Token(ctx, c.getter, c.paramPrefix+"/telegram-token")
	})
	return c.token, c.tokenErr
}

func (c *Client) methodURL(token, method string) string {
	return c.baseURL + "/bot" + token + "/" + method
}

// SendMessage delivers plain text to a chat and returns the delivered
// message id, used later for in-place edits.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	result, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return 0, fmt.Errorf("telegram: decode sendMessage result: %w", err)
	}
	return msg.MessageID, nil
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	_, err := c.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	})
	return err
}

// GetUpdates polls the Bot API for new updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error) {
	params := map[string]any{
		"limit":   limit,
		"timeout": 0,
	}
	if offset > 0 {
		params["offset"] = offset
	}
	result, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []domain.Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates result: %w", err)
	}
	return updates, nil
}

// SendDocument uploads a file to a chat as a multipart request.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram: write chat_id field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("telegram: write caption field: %w", err)
		}
	}
	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("telegram: create document part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("telegram: write document content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: finalize multipart body: %w", err)
	}

	url := c.methodURL(token, "sendDocument")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("telegram: create sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	_, err = c.doAPIRequest(req)
	return err
}

// GetFile resolves a file id to its storage path and downloads the content.
func (c *Client) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var info fileInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("telegram: decode getFile result: %w", err)
	}
	if info.FilePath == "" {
		return nil, errors.New("telegram: getFile returned no file path")
	}

	url := c.baseURL + "/file/bot" + token + "/" + info.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create download request: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download file: status %d", res.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: read file content: %w", err)
	}
	return content, nil
}

// call invokes a JSON Bot API method and returns the raw result payload.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doAPIRequest(req)
}

func (c *Client) doAPIRequest(req *http.Request) (json.RawMessage, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("telegram: decode response: %w", err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram: api error (status %d): %s", res.StatusCode, envelope.Description)
	}
	return envelope.Result, nil
}

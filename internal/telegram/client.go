// Package telegram is a small Bot API client (long polling, text and
// document delivery, file download) plus the adapter that connects it to
// the bot.
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
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL = "https://api.telegram.org"
	// Bot API allows about 30 messages per second across chats.
	defaultRate   = rate.Limit(25)
	defaultBurst  = 5
	maxRetryAfter = 30 * time.Second
)

type Client struct {
	token   string
	apiURL  string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type Option func(*Client)

// WithAPIURL points the client at another Bot API server.
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		apiURL:  defaultAPIURL,
		http:    &http.Client{Timeout: 90 * time.Second},
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message"]`)
	var updates []Update
	if err := c.callForm(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("text", text)
	params.Set("disable_web_page_preview", "true")
	return c.callForm(ctx, "sendMessage", params, nil)
}

// SendDocument uploads the file at path.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	build := func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
		if caption != "" {
			_ = w.WriteField("caption", caption)
		}
		part, err := w.CreateFormFile("document", filepath.Base(path))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
	return c.call(ctx, "sendDocument", build, nil)
}

func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	params := url.Values{}
	params.Set("file_id", fileID)
	var f File
	err := c.callForm(ctx, "getFile", params, &f)
	return f, err
}

// DownloadFile streams a file returned by GetFile to dst.
func (c *Client) DownloadFile(ctx context.Context, filePath, dst string) (int64, error) {
	u := fmt.Sprintf("%s/file/bot%s/%s", c.apiURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram download: %w", redact(err, c.token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func (c *Client) callForm(ctx context.Context, method string, params url.Values, out any) error {
	build := func() (io.Reader, string, error) {
		return bytes.NewBufferString(params.Encode()), "application/x-www-form-urlencoded", nil
	}
	return c.call(ctx, method, build, out)
}

// call performs method, waiting once and retrying when the API asks the
// client to back off.
func (c *Client) call(ctx context.Context, method string, build func() (io.Reader, string, error), out any) error {
	err := c.do(ctx, method, build, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 && apiErr.RetryAfter <= maxRetryAfter {
		c.logger.Warn().Str("method", method).Dur("retry_after", apiErr.RetryAfter).Msg("rate limited by telegram")
		timer := time.NewTimer(apiErr.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = c.do(ctx, method, build, out)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, build func() (io.Reader, string, error), out any) error {
	body, contentType, err := build()
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		apiErr := &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description}
		if ar.Parameters != nil {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from URL errors.
func redact(err error, token string) error {
	var uerr *url.Error
	if token == "" || !errors.As(err, &uerr) {
		return err
	}
	return &url.Error{Op: uerr.Op, URL: "[redacted]", Err: uerr.Err}
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"

	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
	maxTokens  = 900
)

type anthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func newAnthropic(opts Options, logger zerolog.Logger) (Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	return &anthropicClient{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: apiURL,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validate(&req, c.logger); err != nil {
		return Response{}, err
	}

	payload := anthropicPayload{
		Model:       c.model,
		MaxTokens:   max(req.MaxTokens, maxTokens),
		Temperature: float64(req.Temperature),
		System:      req.System,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	return withRetry(ctx, c.logger, "Anthropic", func(ctx context.Context) (Response, bool, error) {
		// Log request details (without sensitive data)
		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, false, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return Response{}, true, fmt.Errorf("http request: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return Response{}, true, fmt.Errorf("read response: %w", err)
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var envelope struct {
				Error anthropicError `json:"error"`
			}
			_ = json.Unmarshal(data, &envelope)
			apiErr := envelope.Error
			msg := apiErr.Error()
			if msg == "" {
				msg = truncateString(string(data), 500)
			}
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", apiErr.Type).
				Str("error_msg", apiErr.Message).
				Msg("Anthropic API error")

			// Usage limits will not clear on retry.
			if resp.StatusCode == http.StatusBadRequest && strings.Contains(apiErr.Message, "API usage limits") {
				return Response{}, false, fmt.Errorf("API usage limit reached: %s", apiErr.Message)
			}
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return Response{}, retryable, fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, msg, apiErr.Type)
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return Response{}, true, fmt.Errorf("parse response: %w", err)
		}
		var buf bytes.Buffer
		for _, content := range ar.Content {
			if content.Type == "text" {
				buf.WriteString(content.Text)
			}
		}
		c.logger.Debug().Int("response_length", buf.Len()).Msg("Anthropic API success")
		return Response{Text: buf.String()}, false, nil
	})
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIAPIURL    = "https://api.openai.com/v1/chat/completions"
	openAIMaxTokens = 900
)

type openAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type openAIPayload struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func newOpenAI(opts Options, logger zerolog.Logger) (Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIClient{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: openAIAPIURL,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := validate(&req, c.logger); err != nil {
		return Response{}, err
	}

	// OpenAI requires system message as first message with role "system"
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   max(req.MaxTokens, openAIMaxTokens),
	}
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	return withRetry(ctx, c.logger, "OpenAI", func(ctx context.Context) (Response, bool, error) {
		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("OpenAI API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, false, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			Msg("OpenAI API response")

		var apiResp openAIResponse
		parseErr := json.Unmarshal(data, &apiResp)

		if resp.StatusCode >= 400 {
			msg, typ, code := truncateString(string(data), 500), "", ""
			if parseErr == nil && apiResp.Error != nil {
				if apiResp.Error.Message != "" {
					msg = apiResp.Error.Message
				}
				typ, code = apiResp.Error.Type, apiResp.Error.Code
			}
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", typ).
				Str("error_msg", msg).
				Msg("OpenAI API error")
			// Retry on 429 (rate limit) and 5xx errors
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return Response{}, retryable, fmt.Errorf("openai %d: %s (type: %s, code: %s)", resp.StatusCode, msg, typ, code)
		}

		if parseErr != nil {
			return Response{}, false, fmt.Errorf("parse response: %w (raw: %s)", parseErr, truncateString(string(data), 200))
		}
		if len(apiResp.Choices) == 0 {
			return Response{}, false, errors.New("no choices in response")
		}
		choice := apiResp.Choices[0]
		if choice.Message.Content == "" {
			return Response{}, false, errors.New("empty response content")
		}

		c.logger.Debug().
			Str("finish_reason", choice.FinishReason).
			Int("prompt_tokens", apiResp.Usage.PromptTokens).
			Int("completion_tokens", apiResp.Usage.CompletionTokens).
			Int("total_tokens", apiResp.Usage.TotalTokens).
			Str("response_preview", truncateString(choice.Message.Content, 200)).
			Msg("OpenAI API success")

		return Response{Text: choice.Message.Content}, false, nil
	})
}

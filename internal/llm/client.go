package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxRequestSize = 200000 // ~200KB limit for safety
)

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a bare JSON object when it supports it.
	JSON bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Text string
}

// Options selects and configures a provider.
type Options struct {
	Provider string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// OptionsFromEnv reads LLM_PROVIDER plus the provider's key and model
// variables. Anthropic is the default provider.
func OptionsFromEnv() Options {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}
	opts := Options{Provider: provider}
	switch provider {
	case "openai":
		opts.APIKey = strings.TrimSpace(os.Getenv(envOpenAIAPIKey))
		opts.Model = strings.Trim(strings.TrimSpace(os.Getenv(envOpenAIModel)), "\"'")
	default:
		opts.APIKey = strings.TrimSpace(os.Getenv(envAPIKey))
		opts.Model = strings.Trim(strings.TrimSpace(os.Getenv(envModel)), "\"'")
	}
	return opts
}

// NewClient builds the client for opts.Provider.
func NewClient(opts Options, logger zerolog.Logger) (Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	switch opts.Provider {
	case "openai":
		return newOpenAI(opts, logger)
	case "anthropic", "":
		return newAnthropic(opts, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", opts.Provider)
	}
}

// attempt performs one provider call. retryable reports whether a failed
// call may be repeated.
type attempt func(ctx context.Context) (resp Response, retryable bool, err error)

func withRetry(ctx context.Context, logger zerolog.Logger, provider string, call attempt) (Response, error) {
	var lastErr error
	for n := 0; n <= maxRetries; n++ {
		if n > 0 {
			// Exponential backoff
			delay := retryBaseDelay * time.Duration(1<<uint(n-1))
			logger.Info().
				Int("attempt", n).
				Dur("delay", delay).
				Msgf("retrying %s API call", provider)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, retryable, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || errors.Is(err, context.Canceled) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func validate(req *Request, logger zerolog.Logger) error {
	if len(req.Messages) == 0 {
		return errors.New("no messages")
	}
	for i, m := range req.Messages {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = m.Content[:maxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:maxRequestSize] + "... [truncated]"
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package transcribe

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Whisper talks to the OpenAI transcription endpoint or to any server that
// implements the same API, such as a local whisper server.
type Whisper struct {
	name   string
	model  string
	client *openai.Client
}

// WhisperConfig configures a Whisper backend. An empty BaseURL means the
// hosted OpenAI API.
type WhisperConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &Whisper{name: cfg.Name, model: cfg.Model, client: openai.NewClientWithConfig(oc)}
}

func (w *Whisper) Name() string { return w.name }

func (w *Whisper) Transcribe(ctx context.Context, in Input) (Output, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: in.Path,
		Language: in.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", w.name, err)
	}
	out := Output{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, Segment{Start: seconds(s.Start), End: seconds(s.End), Text: text})
	}
	return out, nil
}

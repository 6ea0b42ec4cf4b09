package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	geminiPrompt       = "Transcribe this audio verbatim. Output only the transcript text, without timestamps, speaker labels or commentary."
)

var audioMIME = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
}

// Gemini transcribes by sending the audio inline to a multimodal model.
// It does not return timestamps.
type Gemini struct {
	model  string
	models *genai.Models
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{model: model, models: client.Models}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Transcribe(ctx context.Context, in Input) (Output, error) {
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return Output{}, fmt.Errorf("gemini: %w", err)
	}
	prompt := geminiPrompt
	if in.Language != "" {
		prompt += " The spoken language is " + in.Language + "."
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeFor(in.Path)),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)})
	if err != nil {
		return Output{}, fmt.Errorf("gemini: %w", err)
	}
	return Output{Text: responseText(resp)}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func mimeFor(path string) string {
	if m, ok := audioMIME[NormalizeExt(path)]; ok {
		return m
	}
	return "application/octet-stream"
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/polzovatel/facturabot/internal/browser"
	"github.com/polzovatel/facturabot/internal/classify"
	"github.com/polzovatel/facturabot/internal/config"
	"github.com/polzovatel/facturabot/internal/invoice"
	"github.com/polzovatel/facturabot/internal/llm"
	"github.com/polzovatel/facturabot/internal/metrics"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

func newClassifier() (classify.Classifier, error) {
	client, err := llm.NewClient(llm.OptionsFromEnv(), component("llm"))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return classify.NewLLMClassifier(client, component("classify")), nil
}

// newPipeline starts the browser pool. The caller closes the launcher.
func newPipeline(ctx context.Context, cfg config.Config, m *metrics.Metrics, classifier classify.Classifier) (*invoice.Pipeline, *browser.Launcher, error) {
	if cfg.Portal.URL == "" {
		return nil, nil, errors.New("portal.url (PORTAL_URL) is not set")
	}
	launcher, err := browser.NewLauncher(ctx, browser.Options{
		Headless:        cfg.Browser.Headless,
		PoolSize:        cfg.Browser.PoolSize,
		NavTimeout:      cfg.Browser.NavTimeout,
		ActionTimeout:   cfg.Browser.ActionTimeout,
		DownloadTimeout: cfg.Browser.DownloadTimeout,
	}, component("browser"))
	if err != nil {
		return nil, nil, err
	}
	envs := invoice.EnvironmentsFunc(func(ctx context.Context) (invoice.Page, error) {
		env, err := launcher.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return env, nil
	})
	pipeline := invoice.New(invoice.Config{
		PortalURL:     cfg.Portal.URL,
		StepTimeout:   cfg.Portal.StepTimeout,
		RenderTimeout: cfg.Portal.RenderTimeout,
		LinkPolicy:    invoice.LinkPolicy(cfg.Portal.LinkPolicy),
	}, envs, classify.NewResolver(classifier, component("resolver")), m, component("invoice"))
	return pipeline, launcher, nil
}

func newTranscriber(ctx context.Context, cfg config.Config, m *metrics.Metrics, classifier classify.Classifier) (*transcribe.Service, error) {
	tc := cfg.Transcription
	var descs []transcribe.Descriptor
	for i, name := range cfg.ActiveBackends() {
		var backend transcribe.Backend
		switch name {
		case config.BackendLocal:
			backend = transcribe.NewWhisper(transcribe.WhisperConfig{Name: name, BaseURL: tc.LocalURL, Model: tc.LocalModel})
		case config.BackendOpenAI:
			backend = transcribe.NewWhisper(transcribe.WhisperConfig{Name: name, APIKey: tc.OpenAIKey, Model: tc.OpenAIModel})
		case config.BackendGemini:
			g, err := transcribe.NewGemini(ctx, tc.GeminiKey, tc.GeminiModel)
			if err != nil {
				return nil, err
			}
			backend = g
		}
		descs = append(descs, transcribe.Descriptor{Name: name, Priority: i, Backend: backend})
	}
	if len(descs) == 0 {
		return nil, errors.New("no transcription backend is configured (set LOCAL_WHISPER_URL, OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	logger := component("transcribe")
	chain := transcribe.NewChain(descs, tc.BackendTimeout, m, logger)
	logger.Info().Strs("order", chain.Names()).Msg("transcription chain ready")
	return transcribe.NewService(chain, transcribe.NewPostProcessor(classifier, 0, logger), logger), nil
}

// newOptionalClassifier returns nil when no post-processing stage is
// enabled or the model is not configured; transcripts are then returned
// unprocessed.
func newOptionalClassifier(stages transcribe.Stages) classify.Classifier {
	if !stages.Clean && !stages.Analyze {
		return nil
	}
	c, err := newClassifier()
	if err != nil {
		logger := component("transcribe")
		logger.Warn().Err(err).Msg("post-processing disabled")
		return nil
	}
	return c
}

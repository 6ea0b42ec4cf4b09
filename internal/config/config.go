// Package config loads settings from defaults, an optional YAML file and
// the environment, in that order. Secrets only come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in transcription.backends.
const (
	BackendLocal  = "local"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

type Config struct {
	Log           LogConfig           `yaml:"log"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Portal        PortalConfig        `yaml:"portal"`
	Browser       BrowserConfig       `yaml:"browser"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Bot           BotConfig           `yaml:"bot"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type LogConfig struct {
	// Level is a zerolog level name.
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

type TelegramConfig struct {
	Token        string  `yaml:"-"`
	APIURL       string  `yaml:"api_url"`
	AllowedChats []int64 `yaml:"allowed_chats"`
}

type PortalConfig struct {
	URL string `yaml:"url"`
	// LinkPolicy is "continue" or "abort".
	LinkPolicy    string        `yaml:"link_policy"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	RenderTimeout time.Duration `yaml:"render_timeout"`
}

type BrowserConfig struct {
	Headless        bool          `yaml:"headless"`
	PoolSize        int           `yaml:"pool_size"`
	NavTimeout      time.Duration `yaml:"nav_timeout"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type TranscriptionConfig struct {
	// Backends is the fallback order.
	Backends       []string      `yaml:"backends"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	Clean          bool          `yaml:"clean"`
	Analyze        bool          `yaml:"analyze"`
	LocalURL       string        `yaml:"local_url"`
	LocalModel     string        `yaml:"local_model"`
	OpenAIModel    string        `yaml:"openai_model"`
	GeminiModel    string        `yaml:"gemini_model"`
	OpenAIKey      string        `yaml:"-"`
	GeminiKey      string        `yaml:"-"`
}

type BotConfig struct {
	WorkDir       string        `yaml:"work_dir"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	MaxInline     int           `yaml:"max_inline"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Portal: PortalConfig{
			LinkPolicy:    "continue",
			StepTimeout:   45 * time.Second,
			RenderTimeout: 15 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:        true,
			PoolSize:        2,
			NavTimeout:      30 * time.Second,
			ActionTimeout:   10 * time.Second,
			DownloadTimeout: 30 * time.Second,
		},
		Transcription: TranscriptionConfig{
			Backends:       []string{BackendLocal, BackendOpenAI, BackendGemini},
			BackendTimeout: 3 * time.Minute,
			Clean:          true,
			Analyze:        true,
			LocalModel:     "whisper-1",
			OpenAIModel:    "whisper-1",
			GeminiModel:    "gemini-2.0-flash",
		},
		Bot: BotConfig{
			TaskTimeout:   10 * time.Minute,
			MaxInline:     4000,
			SweepInterval: time.Minute,
		},
	}
}

// Load applies the YAML file at path (if any) and then the environment
// on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("TELEGRAM_API_URL", &c.Telegram.APIURL)
	str("PORTAL_URL", &c.Portal.URL)
	str("PORTAL_LINK_POLICY", &c.Portal.LinkPolicy)
	str("LOCAL_WHISPER_URL", &c.Transcription.LocalURL)
	str("OPENAI_API_KEY", &c.Transcription.OpenAIKey)
	str("GOOGLE_API_KEY", &c.Transcription.GeminiKey)
	str("GEMINI_API_KEY", &c.Transcription.GeminiKey)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("WORK_DIR", &c.Bot.WorkDir)

	if v, ok := lookup("BROWSER_HEADLESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROWSER_HEADLESS: %w", err)
		}
		c.Browser.Headless = b
	}
	if v, ok := lookup("TRANSCRIPTION_BACKENDS"); ok && v != "" {
		c.Transcription.Backends = splitList(v)
	}
	if v, ok := lookup("TELEGRAM_ALLOWED_CHATS"); ok && v != "" {
		c.Telegram.AllowedChats = nil
		for _, s := range splitList(v) {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("TELEGRAM_ALLOWED_CHATS: %q is not a chat id", s)
			}
			c.Telegram.AllowedChats = append(c.Telegram.AllowedChats, id)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks settings every command needs.
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Portal.LinkPolicy != "continue" && c.Portal.LinkPolicy != "abort" {
		errs = append(errs, fmt.Errorf("portal.link_policy must be continue or abort, got %q", c.Portal.LinkPolicy))
	}
	if c.Browser.PoolSize < 1 {
		errs = append(errs, errors.New("browser.pool_size must be at least 1"))
	}
	seen := map[string]bool{}
	for _, b := range c.Transcription.Backends {
		switch b {
		case BackendLocal, BackendOpenAI, BackendGemini:
		default:
			errs = append(errs, fmt.Errorf("transcription.backends: unknown backend %q", b))
		}
		if seen[b] {
			errs = append(errs, fmt.Errorf("transcription.backends: %q listed twice", b))
		}
		seen[b] = true
	}
	return errors.Join(errs...)
}

// ValidateServe adds the settings the bot needs on top of Validate.
func (c Config) ValidateServe() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is not set"))
	}
	if c.Portal.URL == "" {
		errs = append(errs, errors.New("portal.url (PORTAL_URL) is not set"))
	}
	if len(c.ActiveBackends()) == 0 {
		errs = append(errs, errors.New("no transcription backend is configured"))
	}
	return errors.Join(errs...)
}

// ActiveBackends filters the configured order down to backends that have
// what they need: local needs a URL, the hosted ones need API keys.
func (c Config) ActiveBackends() []string {
	var out []string
	for _, b := range c.Transcription.Backends {
		switch {
		case b == BackendLocal && c.Transcription.LocalURL == "":
		case b == BackendOpenAI && c.Transcription.OpenAIKey == "":
		case b == BackendGemini && c.Transcription.GeminiKey == "":
		default:
			out = append(out, b)
		}
	}
	return out
}

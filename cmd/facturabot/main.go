// facturabot is a Telegram bot that fetches the latest invoice from a
// billing portal and transcribes audio.
//
// Usage:
//
//	facturabot serve [--config facturabot.yaml]
//	facturabot invoice --username <user> --password <password> [--download DIR]
//	facturabot transcribe FILE [--format srt] [--no-clean] [--no-analyze]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/facturabot/internal/config"
)

var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

// cfg is loaded once in PersistentPreRunE.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "facturabot",
	Short:         "Invoice retrieval and audio transcription bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		var err error
		if cfg, err = config.Load(rootFlags.configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if rootFlags.logLevel != "" {
			cfg.Log.Level = rootFlags.logLevel
		}
		return setupLogging(cfg.Log)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", os.Getenv("FACTURABOT_CONFIG"), "YAML config file")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(invoiceCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.Version = version
}

func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func component(name string) zerolog.Logger {
	return log.With().Str("comp", name).Logger()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "facturabot:", err)
		os.Exit(1)
	}
}

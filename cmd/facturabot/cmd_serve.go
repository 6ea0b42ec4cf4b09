package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/facturabot/internal/bot"
	"github.com/polzovatel/facturabot/internal/metrics"
	"github.com/polzovatel/facturabot/internal/session"
	"github.com/polzovatel/facturabot/internal/telegram"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot",
	Long: `Long-polls the Telegram Bot API and answers /getInvoice and /transcribe.
Sessions, the browser pool and the optional metrics endpoint live for the
lifetime of the process.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := component("serve")
	m := metrics.New()

	classifier, err := newClassifier()
	if err != nil {
		return err
	}
	pipeline, launcher, err := newPipeline(ctx, cfg, m, classifier)
	if err != nil {
		return err
	}
	defer launcher.Close()
	transcriber, err := newTranscriber(ctx, cfg, m, classifier)
	if err != nil {
		return err
	}

	store := session.NewStore(component("session"), session.WithMetrics(m))
	opts := []telegram.Option{telegram.WithLogger(component("telegram"))}
	if cfg.Telegram.APIURL != "" {
		opts = append(opts, telegram.WithAPIURL(cfg.Telegram.APIURL))
	}
	client := telegram.NewClient(cfg.Telegram.Token, opts...)
	b := bot.New(telegram.NewTransport(client), store, pipeline, transcriber, bot.Options{
		WorkDir: cfg.Bot.WorkDir,
		Stages: transcribe.Stages{
			Clean:   cfg.Transcription.Clean,
			Analyze: cfg.Transcription.Analyze,
		},
		MaxInline:   cfg.Bot.MaxInline,
		TaskTimeout: cfg.Bot.TaskTimeout,
	}, component("bot"))
	poller := telegram.NewPoller(client, b, cfg.Telegram.AllowedChats, component("telegram"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return store.Run(gctx, cfg.Bot.SweepInterval) })
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Str("version", version).Msg("facturabot started")
	err = g.Wait()
	b.Wait()
	logger.Info().Msg("facturabot stopped")
	return err
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

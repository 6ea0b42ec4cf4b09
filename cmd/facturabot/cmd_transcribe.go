package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/polzovatel/facturabot/internal/transcribe"
)

var transcribeFlags struct {
	format    string
	language  string
	output    string
	noClean   bool
	noAnalyze bool
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE",
	Short: "Transcribe one audio file through the backend chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

func init() {
	f := transcribeCmd.Flags()
	f.StringVar(&transcribeFlags.format, "format", "text", "output format: text, json, srt or vtt")
	f.StringVar(&transcribeFlags.language, "language", "", "spoken language hint (ISO 639-1)")
	f.StringVarP(&transcribeFlags.output, "output", "o", "", "write the result to this file instead of stdout")
	f.BoolVar(&transcribeFlags.noClean, "no-clean", false, "skip transcript cleaning")
	f.BoolVar(&transcribeFlags.noAnalyze, "no-analyze", false, "skip transcript analysis")
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	format, err := transcribe.ParseFormat(transcribeFlags.format)
	if err != nil {
		return err
	}
	path := args[0]
	if err := transcribe.ValidateAudioPath(path); err != nil {
		return err
	}
	ctx := cmd.Context()

	stages := transcribe.Stages{
		Clean:   cfg.Transcription.Clean && !transcribeFlags.noClean,
		Analyze: cfg.Transcription.Analyze && !transcribeFlags.noAnalyze,
	}
	classifier := newOptionalClassifier(stages)
	svc, err := newTranscriber(ctx, cfg, nil, classifier)
	if err != nil {
		return err
	}
	res, err := svc.Transcribe(ctx, transcribe.Request{Path: path, Language: transcribeFlags.language, Stages: stages})
	if err != nil {
		return err
	}
	out, err := transcribe.Render(res, format)
	if err != nil {
		return err
	}
	if transcribeFlags.output == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
		return err
	}
	if err := os.WriteFile(transcribeFlags.output, []byte(out), 0o644); err != nil {
		return err
	}
	logger := component("transcribe")
	logger.Info().
		Str("file", transcribeFlags.output).
		Str("size", humanize.Bytes(uint64(len(out)))).
		Str("service", res.Service).
		Msg("transcript written")
	return nil
}

package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/polzovatel/facturabot/internal/command"
	"github.com/polzovatel/facturabot/internal/invoice"
	"github.com/polzovatel/facturabot/internal/session"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

const (
	paramFormat   = "format"
	paramClean    = "clean"
	paramAnalyze  = "analyze"
	paramLanguage = "language"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (b *Bot) routes() *command.Router {
	r := command.NewRouter()
	r.Register("help", "show this message", b.handleHelp)
	r.Alias("start", "help")
	r.Register("getInvoice", "fetch your latest invoice: username:<user> password:<password> [download:true]", b.handleGetInvoice)
	r.Register("transcribe", "transcribe the next audio you send: [format:text|json|srt|vtt] [clean:bool] [analyze:bool] [language:xx]", b.handleTranscribe)
	return r
}

func (b *Bot) handleHelp(ctx context.Context, id string, _ command.Command) error {
	b.reply(ctx, id, b.router.Help())
	return nil
}

func (b *Bot) handleGetInvoice(ctx context.Context, id string, cmd command.Command) error {
	if err := cmd.Require("username", "password"); err != nil {
		return err
	}
	download, err := cmd.Bool("download", false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.TaskTimeout)
	defer cancel()

	req := invoice.Request{Credentials: invoice.Credentials{
		Username: cmd.Params["username"],
		Password: cmd.Params["password"],
	}}
	var dir string
	if download {
		if dir, err = os.MkdirTemp(b.opts.WorkDir, "invoice-*"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		req.DownloadTo = filepath.Join(dir, "invoice.pdf")
	}

	b.reply(ctx, id, "Logging in to the billing portal...")
	res, err := b.invoices.Run(ctx, req)
	if res.Record.FacturaID != "" {
		b.reply(ctx, id, formatRecord(res))
	}
	if err != nil {
		return err
	}
	if res.ArtifactPath == "" {
		return nil
	}
	name := filepath.Join(dir, "factura-"+safeName(res.Record.FacturaID)+".pdf")
	if err := os.Rename(res.ArtifactPath, name); err != nil {
		name = res.ArtifactPath
	}
	return b.transport.SendDocument(ctx, id, name, "Invoice "+res.Record.FacturaID)
}

func formatRecord(res invoice.Result) string {
	var sb strings.Builder
	sb.WriteString("Latest invoice\n")
	fmt.Fprintf(&sb, "Number: %s\nAmount: %s\nDue: %s", res.Record.FacturaID, res.Record.Amount, res.Record.ExpirationDate)
	if res.Degraded {
		sb.WriteString("\n\n(I couldn't find the invoices section, so this was read from the page shown after login.)")
	}
	return sb.String()
}

func safeName(s string) string {
	s = strings.Trim(unsafeName.ReplaceAllString(s, "_"), "_.")
	if s == "" {
		return "document"
	}
	return s
}

// handleTranscribe validates the options and arms the session; the audio
// arrives in a later message.
func (b *Bot) handleTranscribe(ctx context.Context, id string, cmd command.Command) error {
	format, err := transcribe.ParseFormat(cmd.Params[paramFormat])
	if err != nil {
		return &command.InvalidParameterError{Command: cmd.Name, Name: paramFormat, Value: cmd.Params[paramFormat], Reason: "use text, json, srt or vtt"}
	}
	clean, err := cmd.Bool(paramClean, b.opts.Stages.Clean)
	if err != nil {
		return err
	}
	analyze, err := cmd.Bool(paramAnalyze, b.opts.Stages.Analyze)
	if err != nil {
		return err
	}
	b.sessions.Put(id, session.AwaitingAudio, map[string]string{
		paramFormat:   string(format),
		paramClean:    strconv.FormatBool(clean),
		paramAnalyze:  strconv.FormatBool(analyze),
		paramLanguage: cmd.Params[paramLanguage],
	})
	b.reply(ctx, id, fmt.Sprintf("Send the audio now (voice note or %s file, up to %d MiB). I'll wait 5 minutes.",
		strings.Join(transcribe.AllowedExtensions(), "/"), transcribe.MaxAudioBytes>>20))
	return nil
}

func (b *Bot) transcribeAudio(ctx context.Context, id string, att Attachment, params map[string]string) {
	if err := b.runTranscription(ctx, id, att, params); err != nil {
		b.fail(ctx, id, err)
	}
}

func (b *Bot) runTranscription(ctx context.Context, id string, att Attachment, params map[string]string) error {
	if err := transcribe.ValidateAudioFile(att.FileName, att.Size); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.TaskTimeout)
	defer cancel()

	dir, err := os.MkdirTemp(b.opts.WorkDir, "audio-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "input"+transcribe.NormalizeExt(att.FileName))
	if err := b.transport.DownloadAttachment(ctx, att, path); err != nil {
		return fmt.Errorf("download attachment: %w", err)
	}

	b.reply(ctx, id, "Transcribing...")
	format := transcribe.Format(params[paramFormat])
	res, err := b.transcriber.Transcribe(ctx, transcribe.Request{
		Path:     path,
		Language: params[paramLanguage],
		Stages: transcribe.Stages{
			Clean:   params[paramClean] == "true",
			Analyze: params[paramAnalyze] == "true",
		},
	})
	if err != nil {
		return err
	}
	out, err := transcribe.Render(res, format)
	if err != nil {
		return err
	}
	return b.deliver(ctx, id, dir, format, res, out)
}

// deliver sends short plain-text transcripts inline and everything else
// as a document.
func (b *Bot) deliver(ctx context.Context, id, dir string, format transcribe.Format, res transcribe.Result, out string) error {
	if format == transcribe.FormatText && utf16Len(out) <= b.opts.MaxInline {
		b.reply(ctx, id, out)
		if res.Analysis != nil {
			b.reply(ctx, id, formatAnalysis(res.Analysis))
		}
		return nil
	}
	path := filepath.Join(dir, "transcript"+format.Ext())
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		return err
	}
	return b.transport.SendDocument(ctx, id, path, "Transcribed with "+res.Service)
}

// utf16Len counts UTF-16 code units, the unit Telegram measures message
// length in.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func formatAnalysis(a *transcribe.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary: %s\n", a.Summary)
	fmt.Fprintf(&sb, "Type: %s, language: %s, speakers: %d, confidence: %.0f%%", a.ContentType, a.DetectedLanguage, a.SpeakerCount, a.Confidence*100)
	if len(a.KeyTopics) > 0 {
		fmt.Fprintf(&sb, "\nTopics: %s", strings.Join(a.KeyTopics, ", "))
	}
	return sb.String()
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/command"
	"github.com/polzovatel/facturabot/internal/invoice"
	"github.com/polzovatel/facturabot/internal/session"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

type sent struct {
	Conversation string
	Text         string
	Document     string
	Content      string
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sent
	downloads []string
}

func (t *fakeTransport) SendMessage(ctx context.Context, id, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{Conversation: id, Text: text})
	return nil
}

func (t *fakeTransport) SendDocument(ctx context.Context, id, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{Conversation: id, Text: caption, Document: path, Content: string(data)})
	return nil
}

func (t *fakeTransport) DownloadAttachment(ctx context.Context, att Attachment, dst string) error {
	t.mu.Lock()
	t.downloads = append(t.downloads, dst)
	t.mu.Unlock()
	return os.WriteFile(dst, []byte("audio"), 0o600)
}

func (t *fakeTransport) texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, s := range t.sent {
		out = append(out, s.Text)
	}
	return out
}

func (t *fakeTransport) last() sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return sent{}
	}
	return t.sent[len(t.sent)-1]
}

type fakeInvoices struct {
	calls []invoice.Request
	res   invoice.Result
	err   error
}

func (f *fakeInvoices) Run(ctx context.Context, req invoice.Request) (invoice.Result, error) {
	f.calls = append(f.calls, req)
	res := f.res
	if req.DownloadTo != "" && f.err == nil {
		if err := os.WriteFile(req.DownloadTo, []byte("%PDF-1.4"), 0o600); err != nil {
			return res, err
		}
		res.ArtifactPath = req.DownloadTo
	}
	return res, f.err
}

type fakeTranscriber struct {
	calls []transcribe.Request
	res   transcribe.Result
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	f.calls = append(f.calls, req)
	if _, err := os.Stat(req.Path); err != nil {
		return transcribe.Result{}, err
	}
	return f.res, f.err
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type harness struct {
	bot         *Bot
	transport   *fakeTransport
	invoices    *fakeInvoices
	transcriber *fakeTranscriber
	clock       *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport:   &fakeTransport{},
		invoices:    &fakeInvoices{res: invoice.Result{Record: invoice.Record{ExpirationDate: "15/06/2024", Amount: "42,10 €", FacturaID: "F-2024/0612"}}},
		transcriber: &fakeTranscriber{res: transcribe.Result{Text: "hola mundo", Service: "local"}},
		clock:       &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	store := session.NewStore(zerolog.Nop(), session.WithClock(h.clock.Now))
	h.bot = New(h.transport, store, h.invoices, h.transcriber, Options{
		WorkDir: t.TempDir(),
		Stages:  transcribe.Stages{Clean: true},
	}, zerolog.Nop())
	return h
}

func (h *harness) send(msgs ...Message) {
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = "100"
		}
		h.bot.Handle(context.Background(), m)
		h.bot.Wait()
	}
}

func text(s string) Message { return Message{Text: s} }

func voice() Message {
	return Message{Audio: &Attachment{FileID: "f1", FileName: "voice.ogg", Size: 64 << 10}}
}

func TestGetInvoiceMissingParameter(t *testing.T) {
	h := newHarness(t)
	h.send(text("/getInvoice username:alice"))

	if len(h.invoices.calls) != 0 {
		t.Fatal("pipeline invoked without password")
	}
	got := h.transport.texts()
	if len(got) != 1 || !strings.Contains(got[0], "Missing password") {
		t.Errorf("messages = %q", got)
	}
}

func TestGetInvoice(t *testing.T) {
	h := newHarness(t)
	h.send(text("/getInvoice username:alice password:s3cr3t"))

	if len(h.invoices.calls) != 1 {
		t.Fatalf("calls = %d", len(h.invoices.calls))
	}
	if diff := cmp.Diff(invoice.Credentials{Username: "alice", Password: "s3cr3t"}, h.invoices.calls[0].Credentials); diff != "" {
		t.Errorf("credentials (-want +got):\n%s", diff)
	}
	last := h.transport.last().Text
	for _, want := range []string{"F-2024/0612", "42,10 €", "15/06/2024"} {
		if !strings.Contains(last, want) {
			t.Errorf("record message missing %q:\n%s", want, last)
		}
	}
}

func TestGetInvoiceDownload(t *testing.T) {
	h := newHarness(t)
	h.send(text("/getInvoice username:alice password:s3cr3t download:true"))

	doc := h.transport.last()
	if !strings.HasSuffix(doc.Document, "factura-F-2024_0612.pdf") || doc.Content != "%PDF-1.4" {
		t.Fatalf("document = %+v", doc)
	}
	if _, err := os.Stat(doc.Document); !os.IsNotExist(err) {
		t.Errorf("artifact not cleaned up: %v", err)
	}
}

func TestGetInvoiceFailureSendsOneMessage(t *testing.T) {
	h := newHarness(t)
	h.invoices.res = invoice.Result{}
	h.invoices.err = &invoice.StepError{State: invoice.StateResolveUsernameField, Err: invoice.ErrMissingCredentialField}
	h.send(text("/getInvoice username:alice password:s3cr3t"))

	want := []string{"Logging in to the billing portal...", UserMessage(invoice.ErrMissingCredentialField)}
	if diff := cmp.Diff(want, h.transport.texts()); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestTranscribeFlow(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe clean:false language:es"), voice())

	if len(h.transcriber.calls) != 1 {
		t.Fatalf("transcriber calls = %d", len(h.transcriber.calls))
	}
	req := h.transcriber.calls[0]
	if req.Language != "es" || req.Stages.Clean || req.Stages.Analyze {
		t.Errorf("request = %+v", req)
	}
	if !strings.HasSuffix(req.Path, "input.ogg") {
		t.Errorf("path = %q", req.Path)
	}
	if got := h.transport.last().Text; got != "hola mundo" {
		t.Errorf("last message = %q", got)
	}
	if _, err := os.Stat(req.Path); !os.IsNotExist(err) {
		t.Errorf("audio not cleaned up: %v", err)
	}
}

func TestSecondAudioIsRoutedAsCommand(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe"), voice(), voice())

	if len(h.transcriber.calls) != 1 {
		t.Fatalf("session consumed %d times", len(h.transcriber.calls))
	}
	if got := h.transport.last().Text; got != msgNoTask {
		t.Errorf("last message = %q", got)
	}
}

func TestNonAudioCancels(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe"), text("hello?"), voice())

	if len(h.transcriber.calls) != 0 {
		t.Fatal("transcriber called after cancellation")
	}
	got := h.transport.texts()
	if diff := cmp.Diff([]string{msgCancelled, msgNoTask}, got[1:]); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestExpiredSessionNotice(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe"))
	h.clock.t = h.clock.t.Add(session.TTL)
	h.send(text("/help"))

	got := h.transport.texts()
	if len(got) != 3 {
		t.Fatalf("messages = %q", got)
	}
	if got[1] != UserMessage(session.ErrExpired) {
		t.Errorf("expiry notice = %q", got[1])
	}
	if !strings.HasPrefix(got[2], "Available commands:") {
		t.Errorf("command not routed after expiry: %q", got[2])
	}
}

func TestChainExhaustedSendsOneError(t *testing.T) {
	h := newHarness(t)
	h.transcriber.err = &transcribe.ChainExhaustedError{Backend: "gemini", Last: errors.New("quota"), Tried: 3}
	h.send(text("/transcribe"), voice())

	var errs int
	for _, m := range h.transport.texts() {
		if m == UserMessage(transcribe.ErrChainExhausted) {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("error messages = %d, want 1: %q", errs, h.transport.texts())
	}
}

func TestRejectedAudioIsNotDownloaded(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe"), Message{Audio: &Attachment{FileID: "x", FileName: "scan.pdf", Size: 1024}})

	if len(h.transport.downloads) != 0 || len(h.transcriber.calls) != 0 {
		t.Fatal("rejected file reached download or backends")
	}
	if got := h.transport.last().Text; got != UserMessage(transcribe.ErrUnsupportedFormat) {
		t.Errorf("message = %q", got)
	}
}

func TestLongTranscriptIsSentAsDocument(t *testing.T) {
	h := newHarness(t)
	h.transcriber.res.Text = strings.Repeat("palabra ", 600)
	h.send(text("/transcribe"), voice())

	doc := h.transport.last()
	if !strings.HasSuffix(doc.Document, "transcript.txt") || doc.Content != h.transcriber.res.Text {
		t.Errorf("document = %q", doc.Document)
	}
}

func TestAstralTranscriptMeasuredInUTF16(t *testing.T) {
	h := newHarness(t)
	// 2500 runes, 5000 UTF-16 code units
	h.transcriber.res.Text = strings.Repeat("🎙", 2500)
	h.send(text("/transcribe"), voice())

	doc := h.transport.last()
	if !strings.HasSuffix(doc.Document, "transcript.txt") {
		t.Errorf("emoji transcript sent inline: %+v", doc)
	}
	if got := utf16Len("a🎙é"); got != 4 {
		t.Errorf("utf16Len = %d", got)
	}
}

func TestSRTIsSentAsDocument(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe format:srt"), voice())

	doc := h.transport.last()
	if !strings.HasSuffix(doc.Document, "transcript.srt") || !strings.Contains(doc.Content, transcribe.NoTimestamps) {
		t.Errorf("document = %+v", doc)
	}
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	h.send(text("/transcribe format:docx"), voice())

	if len(h.transcriber.calls) != 0 {
		t.Fatal("session armed despite invalid format")
	}
	if got := h.transport.texts()[0]; !strings.Contains(got, `"docx"`) {
		t.Errorf("message = %q", got)
	}
}

func TestUnknownCommandListsHelp(t *testing.T) {
	h := newHarness(t)
	h.send(text("/factura"))

	got := h.transport.last().Text
	if !strings.HasPrefix(got, "Unknown command.") || !strings.Contains(got, "/getInvoice") || !strings.Contains(got, "/transcribe") {
		t.Errorf("message = %q", got)
	}
}

func TestLanesPreserveOrder(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		h.bot.Handle(context.Background(), Message{ConversationID: "A", Text: fmt.Sprintf("msg %d", i)})
		h.bot.Handle(context.Background(), Message{ConversationID: "B", Text: fmt.Sprintf("msg %d", i)})
	}
	h.bot.Wait()

	count := map[string]int{}
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	for _, s := range h.transport.sent {
		count[s.Conversation]++
	}
	if count["A"] != 20 || count["B"] != 20 {
		t.Errorf("counts = %v", count)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&invoice.StepError{State: invoice.StateNavigate, Err: fmt.Errorf("%w: boom", invoice.ErrNavigation)}, "billing portal"},
		{fmt.Errorf("%w: %w", invoice.ErrNoInvoice, errors.New("x")), "couldn't find any invoice"},
		{fmt.Errorf("wrap: %w", invoice.ErrDownloadTimeout), "did not download"},
		{&command.MissingParameterError{Command: "getInvoice", Names: []string{"username", "password"}}, "Missing username and password. Usage: /getInvoice"},
		{fmt.Errorf("x: %w", transcribe.ErrFileTooLarge), "25 MiB"},
		{context.DeadlineExceeded, "took too long"},
		{errors.New("dial tcp 10.0.0.1: connection refused"), msgGeneric},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("UserMessage(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
		if strings.Contains(UserMessage(tt.err), "10.0.0.1") {
			t.Errorf("internal detail leaked: %q", UserMessage(tt.err))
		}
	}
}

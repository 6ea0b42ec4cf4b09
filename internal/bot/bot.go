// Package bot routes chat messages to the invoice and transcription
// handlers according to each conversation's session state.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/command"
	"github.com/polzovatel/facturabot/internal/invoice"
	"github.com/polzovatel/facturabot/internal/session"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

const (
	defaultMaxInline   = 4000
	maxMessageLength   = 4096
	defaultTaskTimeout = 10 * time.Minute
)

// Attachment describes a file sent by the user. Size may be zero when
// the transport does not know it.
type Attachment struct {
	FileID   string
	FileName string
	MIMEType string
	Size     int64
}

// Message is one incoming chat message. Audio is set only for messages
// carrying a voice note or audio file.
type Message struct {
	ConversationID string
	Text           string
	Audio          *Attachment
}

// Transport delivers replies and fetches attachments.
type Transport interface {
	SendMessage(ctx context.Context, conversationID, text string) error
	SendDocument(ctx context.Context, conversationID, path, caption string) error
	DownloadAttachment(ctx context.Context, att Attachment, dst string) error
}

type InvoiceFetcher interface {
	Run(ctx context.Context, req invoice.Request) (invoice.Result, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
}

// Options holds the bot's tunables. Zero values select defaults.
type Options struct {
	// WorkDir holds per-task temporary files. Empty means os.TempDir().
	WorkDir string
	// Stages are the post-processing defaults for /transcribe.
	Stages      transcribe.Stages
	MaxInline   int
	TaskTimeout time.Duration
}

type Bot struct {
	transport   Transport
	sessions    *session.Store
	router      *command.Router
	invoices    InvoiceFetcher
	transcriber Transcriber
	opts        Options
	logger      zerolog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []Message
}

func New(t Transport, sessions *session.Store, invoices InvoiceFetcher, transcriber Transcriber, opts Options, logger zerolog.Logger) *Bot {
	if opts.MaxInline <= 0 || opts.MaxInline > maxMessageLength {
		opts.MaxInline = defaultMaxInline
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	b := &Bot{
		transport:   t,
		sessions:    sessions,
		invoices:    invoices,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger,
		lanes:       make(map[string]*lane),
	}
	b.router = b.routes()
	return b
}

// Handle queues msg on its conversation's lane. Messages of one
// conversation are processed one at a time in arrival order; different
// conversations proceed in parallel.
func (b *Bot) Handle(ctx context.Context, msg Message) {
	b.mu.Lock()
	if l, ok := b.lanes[msg.ConversationID]; ok {
		l.queue = append(l.queue, msg)
		b.mu.Unlock()
		return
	}
	l := &lane{queue: []Message{msg}}
	b.lanes[msg.ConversationID] = l
	b.wg.Add(1)
	b.mu.Unlock()
	go b.drain(ctx, msg.ConversationID, l)
}

// Wait blocks until every lane has drained.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) drain(ctx context.Context, id string, l *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, id)
			b.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		b.mu.Unlock()
		b.process(ctx, msg)
	}
}

// process applies the session rules, then falls back to the command
// router.
func (b *Bot) process(ctx context.Context, msg Message) {
	id := msg.ConversationID
	logger := b.logger.With().Str("conversation", id).Logger()

	sess, status := b.sessions.Get(id)
	switch status {
	case session.StatusActive:
		if sess.Mode != session.AwaitingAudio {
			break
		}
		if msg.Audio == nil {
			b.sessions.Cancel(id)
			logger.Info().Msg("awaiting audio, got something else; cancelled")
			b.reply(ctx, id, msgCancelled)
			return
		}
		consumed, ok, err := b.sessions.Consume(id)
		if errors.Is(err, session.ErrExpired) {
			b.reply(ctx, id, UserMessage(err))
			break
		}
		if ok {
			b.transcribeAudio(ctx, id, *msg.Audio, consumed.Params)
			return
		}
	case session.StatusExpired:
		logger.Info().Msg("session expired before input arrived")
		b.reply(ctx, id, UserMessage(session.ErrExpired))
	}
	b.route(ctx, msg)
}

func (b *Bot) route(ctx context.Context, msg Message) {
	id := msg.ConversationID
	if msg.Text == "" {
		b.reply(ctx, id, msgNoTask)
		return
	}
	err := b.router.Dispatch(ctx, id, msg.Text)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrNotCommand):
		b.reply(ctx, id, msgNotCommand)
	case errors.Is(err, command.ErrUnknownCommand):
		b.reply(ctx, id, UserMessage(err)+"\n\n"+b.router.Help())
	default:
		b.fail(ctx, id, err)
	}
}

// fail logs err and sends its single user-facing message.
func (b *Bot) fail(ctx context.Context, id string, err error) {
	b.logger.Error().Err(err).Str("conversation", id).Msg("task failed")
	b.reply(ctx, id, UserMessage(err))
}

func (b *Bot) reply(ctx context.Context, id, text string) {
	if err := b.transport.SendMessage(ctx, id, text); err != nil {
		b.logger.Error().Err(err).Str("conversation", id).Msg("send message")
	}
}

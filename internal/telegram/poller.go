package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/bot"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

const pollTimeoutSec = 30

// Transport adapts Client to bot.Transport. Conversation IDs are chat IDs.
type Transport struct {
	client *Client
}

func NewTransport(c *Client) *Transport {
	return &Transport{client: c}
}

func (t *Transport) SendMessage(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", conversationID, err)
	}
	return t.client.SendMessage(ctx, chatID, text)
}

func (t *Transport) SendDocument(ctx context.Context, conversationID, path, caption string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", conversationID, err)
	}
	return t.client.SendDocument(ctx, chatID, path, caption)
}

func (t *Transport) DownloadAttachment(ctx context.Context, att bot.Attachment, dst string) error {
	f, err := t.client.GetFile(ctx, att.FileID)
	if err != nil {
		return err
	}
	if f.FilePath == "" {
		return errors.New("telegram getFile: file path not available")
	}
	_, err = t.client.DownloadFile(ctx, f.FilePath, dst)
	return err
}

// Handler receives converted messages.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message)
}

// Poller long-polls getUpdates and hands each message to a Handler.
type Poller struct {
	client  *Client
	handler Handler
	allowed map[int64]bool
	logger  zerolog.Logger
	offset  int64
}

// NewPoller builds a poller. When allowedChats is non-empty, messages
// from other chats are dropped.
func NewPoller(c *Client, h Handler, allowedChats []int64, logger zerolog.Logger) *Poller {
	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Poller{client: c, handler: h, allowed: allowed, logger: logger}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Msg("polling telegram for updates")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := p.client.GetUpdates(ctx, p.offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn().Err(err).Msg("get updates")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.dispatch(ctx, u)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, u Update) {
	m := u.Message
	if m == nil {
		return
	}
	if len(p.allowed) > 0 && !p.allowed[m.Chat.ID] {
		p.logger.Warn().Int64("chat", m.Chat.ID).Msg("message from chat not in allow list dropped")
		return
	}
	p.handler.Handle(ctx, Convert(m))
}

// Convert maps a Telegram message onto the bot's message type. Voice
// notes, audio files, videos and documents with an audio or video MIME
// type count as audio.
func Convert(m *Message) bot.Message {
	msg := bot.Message{
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		Text:           strings.TrimSpace(m.Text),
	}
	switch {
	case m.Voice != nil:
		msg.Audio = &bot.Attachment{FileID: m.Voice.FileID, FileName: "voice.ogg", MIMEType: m.Voice.MimeType, Size: m.Voice.FileSize}
	case m.Audio != nil:
		msg.Audio = &bot.Attachment{FileID: m.Audio.FileID, FileName: nameOr(m.Audio.FileName, "audio.mp3"), MIMEType: m.Audio.MimeType, Size: m.Audio.FileSize}
	case m.Video != nil:
		msg.Audio = &bot.Attachment{FileID: m.Video.FileID, FileName: nameOr(m.Video.FileName, "video.mp4"), MIMEType: m.Video.MimeType, Size: m.Video.FileSize}
	case m.Document != nil && isMedia(m.Document.MimeType):
		msg.Audio = &bot.Attachment{FileID: m.Document.FileID, FileName: nameOr(m.Document.FileName, "audio"+transcribe.ExtForMIME(m.Document.MimeType)), MIMEType: m.Document.MimeType, Size: m.Document.FileSize}
	}
	return msg
}

func isMedia(mime string) bool {
	return strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/")
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

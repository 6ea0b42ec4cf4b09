package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/polzovatel/facturabot/internal/classify"
	"github.com/polzovatel/facturabot/internal/command"
	"github.com/polzovatel/facturabot/internal/invoice"
	"github.com/polzovatel/facturabot/internal/session"
	"github.com/polzovatel/facturabot/internal/transcribe"
)

const (
	msgCancelled  = "Transcription cancelled: that was not an audio file. Send /transcribe to start again."
	msgNoTask     = "I wasn't expecting a file. Send /transcribe first, then the audio."
	msgNotCommand = "I only understand commands. Send /help to see them."
	msgGeneric    = "Something went wrong. Please try again later."
)

// UserMessage turns err into the one message shown to the user. Internal
// details never leave the process.
func UserMessage(err error) string {
	var missing *command.MissingParameterError
	var invalid *command.InvalidParameterError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return fmt.Sprintf("Missing %s. Usage: %s", strings.Join(missing.Names, " and "), usage(missing.Command))
	case errors.As(err, &invalid):
		return fmt.Sprintf("Invalid value %q for %s: %s.", invalid.Value, invalid.Name, invalid.Reason)
	case errors.Is(err, command.ErrUnknownCommand):
		return "Unknown command."
	case errors.Is(err, session.ErrExpired):
		return "Your /transcribe request expired after 5 minutes without audio. Send /transcribe again."
	case errors.Is(err, transcribe.ErrUnsupportedFormat):
		return "Unsupported file type. Accepted audio: " + strings.Join(transcribe.AllowedExtensions(), ", ") + "."
	case errors.Is(err, transcribe.ErrFileTooLarge):
		return "That file is too large. The limit is " + humanize.IBytes(uint64(transcribe.MaxAudioBytes)) + "."
	case errors.Is(err, transcribe.ErrChainExhausted):
		return "All transcription services failed for this file. Please try again later."
	case errors.Is(err, invoice.ErrNavigation):
		return "I couldn't reach the billing portal. Please try again later."
	case errors.Is(err, invoice.ErrMissingCredentialField):
		return "I couldn't find the portal's login form, so I stopped before entering your credentials."
	case errors.Is(err, invoice.ErrDownloadTimeout):
		return "The invoice document did not download in time."
	case errors.Is(err, invoice.ErrNoInvoice):
		return "I logged in but couldn't find any invoice. Check your credentials and try again."
	case errors.Is(err, classify.ErrNoCandidates), errors.Is(err, classify.ErrInvalidSchema):
		return "I couldn't make sense of the portal page. Please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long and was stopped. Please try again later."
	default:
		return msgGeneric
	}
}

func usage(verb string) string {
	switch strings.ToLower(verb) {
	case "getinvoice":
		return "/getInvoice username:<user> password:<password> [download:true]"
	case "transcribe":
		return "/transcribe [format:text|json|srt|vtt] [clean:true|false] [analyze:true|false] [language:xx]"
	default:
		return "/" + verb
	}
}

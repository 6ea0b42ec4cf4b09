package transcribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxAudioBytes is the largest accepted upload.
const MaxAudioBytes int64 = 25 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrFileTooLarge      = errors.New("audio file too large")
)

var allowedExt = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".mp4":  true,
	".webm": true,
	".ogg":  true,
}

// NormalizeExt returns the lower-case extension of name, mapping Telegram
// voice notes (.oga) to .ogg.
func NormalizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".oga" || ext == ".opus" {
		return ".ogg"
	}
	return ext
}

var mimeExt = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/wave":  ".wav",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/m4a":   ".m4a",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".ogg",
	"video/mp4":   ".mp4",
	"video/webm":  ".webm",
}

// ExtForMIME returns the accepted extension for an audio or video MIME
// type, or "" when there is none. Parameters such as "; codecs=opus" are
// ignored.
func ExtForMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return mimeExt[strings.ToLower(strings.TrimSpace(mime))]
}

// AllowedExtensions lists accepted extensions, sorted.
func AllowedExtensions() []string {
	out := make([]string, 0, len(allowedExt))
	for ext := range allowedExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// ValidateAudioFile checks name and size before any backend sees the file.
func ValidateAudioFile(name string, size int64) error {
	ext := NormalizeExt(name)
	if !allowedExt[ext] {
		if ext == "" {
			ext = "(none)"
		}
		return fmt.Errorf("%w: %s (accepted: %s)", ErrUnsupportedFormat, ext, strings.Join(AllowedExtensions(), ", "))
	}
	if size > MaxAudioBytes {
		return fmt.Errorf("%w: %s exceeds %s", ErrFileTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxAudioBytes)))
	}
	return nil
}

// ValidateAudioPath runs ValidateAudioFile against a file on disk.
func ValidateAudioPath(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
	}
	return ValidateAudioFile(path, st.Size())
}

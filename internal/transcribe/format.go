package transcribe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format is an output rendering of a Result.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

// NoTimestamps replaces timed blocks when a backend returned no segments.
const NoTimestamps = "[no timestamp data available]"

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatSRT, FormatVTT:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (use text, json, srt or vtt)", s)
	}
}

// Ext is the file extension used when the rendering is sent as a document.
func (f Format) Ext() string {
	if f == FormatText {
		return ".txt"
	}
	return "." + string(f)
}

// Render renders res in format f.
func Render(res Result, f Format) (string, error) {
	switch f {
	case FormatText, "":
		return res.FinalText(), nil
	case FormatJSON:
		raw, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case FormatSRT:
		return SRT(res.Segments), nil
	case FormatVTT:
		return VTT(res.Segments), nil
	default:
		return "", fmt.Errorf("unknown format %q", f)
	}
}

func SRT(segs []Segment) string {
	if len(segs) == 0 {
		return NoTimestamps + "\n"
	}
	var sb strings.Builder
	for i, s := range segs {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n", i+1, timestamp(s.Start, ','), timestamp(s.End, ','), s.Text)
	}
	return sb.String()
}

func VTT(segs []Segment) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	if len(segs) == 0 {
		sb.WriteString(NoTimestamps + "\n")
		return sb.String()
	}
	for _, s := range segs {
		fmt.Fprintf(&sb, "%s --> %s\n%s\n\n", timestamp(s.Start, '.'), timestamp(s.End, '.'), s.Text)
	}
	return sb.String()
}

// timestamp renders HH:MM:SS followed by sep and milliseconds.
func timestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

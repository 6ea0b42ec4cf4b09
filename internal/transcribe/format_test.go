package transcribe

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// blocks returns the text line of every timed block in an SRT or VTT
// rendering.
func blocks(rendered string) []string {
	var texts []string
	lines := strings.Split(rendered, "\n")
	for i, l := range lines {
		if strings.Contains(l, " --> ") && i+1 < len(lines) {
			texts = append(texts, lines[i+1])
		}
	}
	return texts
}

func TestSRTThenVTTPreservesSegments(t *testing.T) {
	segs := []Segment{
		{Start: 0, End: 1500 * time.Millisecond, Text: "Hola, buenos días."},
		{Start: 1500 * time.Millisecond, End: 65*time.Second + 20*time.Millisecond, Text: "Vamos a empezar."},
		{Start: time.Hour + 2*time.Second, End: time.Hour + 3*time.Second, Text: "Fin."},
	}
	srt := SRT(segs)
	vtt := VTT(segs)

	want := []string{"Hola, buenos días.", "Vamos a empezar.", "Fin."}
	if diff := cmp.Diff(want, blocks(srt)); diff != "" {
		t.Errorf("srt texts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(blocks(srt), blocks(vtt)); diff != "" {
		t.Errorf("srt vs vtt (-srt +vtt):\n%s", diff)
	}
	if !strings.HasPrefix(srt, "1\n00:00:00,000 --> 00:00:01,500\n") {
		t.Errorf("unexpected srt start:\n%s", srt)
	}
	if !strings.Contains(srt, "2\n00:00:01,500 --> 00:01:05,020\n") {
		t.Errorf("missing second srt block:\n%s", srt)
	}
	if !strings.Contains(vtt, "01:00:02.000 --> 01:00:03.000\nFin.") {
		t.Errorf("missing vtt hour block:\n%s", vtt)
	}
	if !strings.HasPrefix(vtt, "WEBVTT\n\n") {
		t.Errorf("vtt header missing:\n%s", vtt)
	}
}

func TestPlaceholderWithoutSegments(t *testing.T) {
	for name, got := range map[string]string{"srt": SRT(nil), "vtt": VTT([]Segment{})} {
		if !strings.Contains(got, NoTimestamps) {
			t.Errorf("%s: placeholder missing in %q", name, got)
		}
		if len(blocks(got)) != 0 {
			t.Errorf("%s: unexpected blocks in %q", name, got)
		}
	}
	if got := VTT(nil); got != "WEBVTT\n\n"+NoTimestamps+"\n" {
		t.Errorf("vtt placeholder = %q", got)
	}
}

func TestRender(t *testing.T) {
	res := Result{
		Text:     "hola que tal",
		Service:  "openai",
		Segments: []Segment{{Start: 0, End: time.Second, Text: "hola que tal"}},
		Cleaning: &Cleaning{CleanedText: "Hola, ¿qué tal?", CorrectionsCount: 3},
	}
	text, err := Render(res, FormatText)
	if err != nil || text != "Hola, ¿qué tal?" {
		t.Fatalf("text = %q, %v", text, err)
	}

	raw, err := Render(res, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	var back Result
	if err := json.Unmarshal([]byte(raw), &back); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if back.Service != "openai" || len(back.Segments) != 1 || back.Segments[0].End != time.Second {
		t.Errorf("json lost data: %+v", back)
	}
	if back.Analysis != nil {
		t.Errorf("analysis should be omitted")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatal(err)
	}
	if fields["cleanedText"] != "Hola, ¿qué tal?" {
		t.Errorf("top-level cleanedText = %v", fields["cleanedText"])
	}
	if fields["text"] != "hola que tal" || fields["service"] != "openai" {
		t.Errorf("result fields missing: %v", fields)
	}

	raw, err = Render(Result{Text: "sin limpiar", Service: "local"}, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "cleanedText") {
		t.Errorf("cleanedText present without cleaning: %s", raw)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "SRT": FormatSRT, " vtt ": FormatVTT, "json": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Error("want error for docx")
	}
}

func TestValidateAudioFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		size    int64
		wantErr error
	}{
		{"mp3 2MiB", "talk.mp3", 2 << 20, nil},
		{"voice note", "voice.oga", 100 << 10, nil},
		{"upper case", "MEETING.WAV", 1 << 20, nil},
		{"exactly max", "a.webm", MaxAudioBytes, nil},
		{"30MiB", "talk.mp3", 30 << 20, ErrFileTooLarge},
		{"pdf", "invoice.pdf", 1 << 10, ErrUnsupportedFormat},
		{"no extension", "audio", 1 << 10, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAudioFile(tt.file, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateAudioFile(%q, %d) = %v, want %v", tt.file, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestFileTooLargeMessageIsHuman(t *testing.T) {
	err := ValidateAudioFile("big.mp3", 30<<20)
	if err == nil || !strings.Contains(err.Error(), "30 MiB") || !strings.Contains(err.Error(), "25 MiB") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestExtForMIME(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":             ".mp3",
		"Audio/OGG; codecs=opus": ".ogg",
		"audio/x-m4a":            ".m4a",
		"video/mp4":              ".mp4",
		"application/pdf":        "",
		"":                       "",
	}
	for mime, want := range tests {
		if got := ExtForMIME(mime); got != want {
			t.Errorf("ExtForMIME(%q) = %q, want %q", mime, got, want)
		}
		if want != "" {
			if err := ValidateAudioFile("audio"+want, 1<<10); err != nil {
				t.Errorf("%s maps to a rejected extension: %v", mime, err)
			}
		}
	}
}

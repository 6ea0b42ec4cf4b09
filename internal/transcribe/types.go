// Package transcribe turns audio files into text through an ordered chain
// of speech-to-text backends, then optionally cleans and analyses the
// transcript.
package transcribe

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Segment is one timed piece of a transcript.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

type segmentJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// MarshalJSON writes offsets in seconds.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentJSON{Start: s.Start.Seconds(), End: s.End.Seconds(), Text: s.Text})
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw segmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Segment{Start: seconds(raw.Start), End: seconds(raw.End), Text: raw.Text}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}

// Input is what every backend receives. Path points at a validated file on
// local disk.
type Input struct {
	Path     string
	Language string
}

// Output is a raw backend transcript.
type Output struct {
	Text     string
	Segments []Segment
	Language string
}

// Backend is one speech-to-text service.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, in Input) (Output, error)
}

// Descriptor places a backend in the chain. Lower priority runs first.
type Descriptor struct {
	Name     string
	Priority int
	Backend  Backend
}

// Cleaning is the output of the cleaning stage.
type Cleaning struct {
	CleanedText      string   `json:"cleanedText"`
	CorrectionsCount int      `json:"correctionsCount"`
	IssuesFixed      []string `json:"issuesFixed"`
}

// Analysis is the output of the analysis stage.
type Analysis struct {
	Confidence       float64  `json:"confidence"`
	DetectedLanguage string   `json:"detectedLanguage"`
	SpeakerCount     int      `json:"speakerCount"`
	ContentType      string   `json:"contentType"`
	KeyTopics        []string `json:"keyTopics"`
	Summary          string   `json:"summary"`
}

// Result is a finished transcription. Cleaning and Analysis are nil when
// the stage was disabled or failed.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Language string    `json:"language,omitempty"`
	Service  string    `json:"service"`
	Cleaning *Cleaning `json:"cleaning,omitempty"`
	Analysis *Analysis `json:"analysis,omitempty"`
}

// MarshalJSON adds the cleaned text as a top-level "cleanedText" field
// alongside the full cleaning report.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	var cleaned string
	if r.Cleaning != nil {
		cleaned = r.Cleaning.CleanedText
	}
	return json.Marshal(struct {
		plain
		CleanedText string `json:"cleanedText,omitempty"`
	}{plain(r), cleaned})
}

// FinalText is the cleaned text when cleaning ran, else the raw text.
func (r Result) FinalText() string {
	if r.Cleaning != nil && r.Cleaning.CleanedText != "" {
		return r.Cleaning.CleanedText
	}
	return r.Text
}

package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/classify"
)

const defaultStageTimeout = 90 * time.Second

const cleaningInstruction = `Clean up the machine transcript below.
Only fix punctuation, capitalization and paragraph breaks, and remove obvious stutters or duplicated words.
Do NOT translate. Do NOT paraphrase, summarize or change the meaning. Keep the original language.
Count every correction you make in correctionsCount and list the kinds of issues fixed in issuesFixed.`

const analysisInstruction = `Analyse the transcript below.
Estimate how confident you are that the transcript is accurate (0 to 1), the spoken language (ISO 639-1 code),
the number of distinct speakers, the kind of recording, up to five key topics and a one-paragraph summary
written in the transcript's language.`

// ContentTypes are the recording kinds analysis can report.
var ContentTypes = []string{"meeting", "interview", "lecture", "phone_call", "other"}

// Stages toggles post-processing stages.
type Stages struct {
	Clean   bool
	Analyze bool
}

// PostProcessor runs cleaning then analysis on a transcript. Stage
// failures degrade the result and are never returned.
type PostProcessor struct {
	classifier classify.Classifier
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewPostProcessor(classifier classify.Classifier, timeout time.Duration, logger zerolog.Logger) *PostProcessor {
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return &PostProcessor{classifier: classifier, timeout: timeout, logger: logger}
}

func (p *PostProcessor) Process(ctx context.Context, res Result, stages Stages) Result {
	if p == nil || p.classifier == nil || res.Text == "" {
		return res
	}
	if stages.Clean {
		cleaning, err := stage[Cleaning](ctx, p, cleaningSchema(), cleaningInstruction, res.Text)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Msg("cleaning failed, using raw text")
		case cleaning.CleanedText == "":
			p.logger.Warn().Msg("cleaning returned empty text, using raw text")
		default:
			res.Cleaning = &cleaning
		}
	}
	if stages.Analyze {
		analysis, err := stage[Analysis](ctx, p, analysisSchema(), analysisInstruction, res.FinalText())
		if err != nil {
			p.logger.Warn().Err(err).Msg("analysis failed, returning result without it")
		} else {
			res.Analysis = &analysis
		}
	}
	return res
}

func stage[T any](ctx context.Context, p *PostProcessor, schema *jsonschema.Schema, instruction, text string) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var zero T
	value, err := p.classifier.Classify(ctx, schema, fmt.Sprintf("TASK: %s\n\nTRANSCRIPT:\n%s", instruction, text))
	if err != nil {
		return zero, err
	}
	if err := classify.Validate(schema, value); err != nil {
		return zero, err
	}
	return classify.Decode[T](value)
}

func cleaningSchema() *jsonschema.Schema {
	return classify.Object(map[string]*jsonschema.Schema{
		"cleanedText":      classify.String("the corrected transcript"),
		"correctionsCount": classify.Integer("number of corrections made"),
		"issuesFixed":      classify.StringArray("kinds of issues fixed"),
	}, "cleanedText", "correctionsCount", "issuesFixed")
}

func analysisSchema() *jsonschema.Schema {
	return classify.Object(map[string]*jsonschema.Schema{
		"confidence":       classify.Number("estimated transcript accuracy between 0 and 1"),
		"detectedLanguage": classify.String("ISO 639-1 language code"),
		"speakerCount":     classify.Integer("number of distinct speakers"),
		"contentType":      classify.Enum("kind of recording", ContentTypes...),
		"keyTopics":        classify.StringArray("main topics"),
		"summary":          classify.String("short summary"),
	}, "confidence", "detectedLanguage", "speakerCount", "contentType", "keyTopics", "summary")
}

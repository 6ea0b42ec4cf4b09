// Package classify resolves intents against page candidates and other
// inputs through a generative-model classifier whose answers are checked
// against a JSON schema before anything acts on them.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/llm"
	"github.com/polzovatel/facturabot/internal/snapshot"
)

const (
	systemPrompt = `You are a precise classifier for web automation and text analysis.
RULES:
1. Respond with a SINGLE JSON object and NOTHING else.
2. The object MUST validate against the JSON schema given in the message.
3. Only use identifiers that appear in the input. Never invent ids.`

	classifyMaxTokens = 4096
)

// Classifier maps a schema and a prompt to a structured answer that
// validates against the schema.
type Classifier interface {
	Classify(ctx context.Context, schema *jsonschema.Schema, prompt string) (map[string]any, error)
}

// LLMClassifier implements Classifier on top of a chat model.
type LLMClassifier struct {
	client llm.Client
	logger zerolog.Logger
}

func NewLLMClassifier(client llm.Client, logger zerolog.Logger) *LLMClassifier {
	return &LLMClassifier{client: client, logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, schema *jsonschema.Schema, prompt string) (map[string]any, error) {
	rawSchema, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	msg := fmt.Sprintf("%s\n\nJSON SCHEMA:\n%s\n\nOUTPUT: one JSON object only.", prompt, rawSchema)
	resp, err := c.client.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: 0,
		MaxTokens:   classifyMaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("classify via %s: %w", c.client.Name(), err)
	}
	jsonStr, err := ExtractJSON(resp.Text)
	if err != nil {
		c.logger.Debug().Str("raw", truncate(resp.Text, 200)).Msg("classifier returned no json")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := Validate(schema, value); err != nil {
		c.logger.Debug().Err(err).Str("raw", truncate(jsonStr, 200)).Msg("classifier output rejected")
		return nil, err
	}
	return value, nil
}

// Resolver picks the candidate (or derives the structured value) that
// matches a natural-language intent. It performs exactly one classifier
// call per invocation and never retries.
type Resolver struct {
	classifier Classifier
	logger     zerolog.Logger
}

func NewResolver(classifier Classifier, logger zerolog.Logger) *Resolver {
	return &Resolver{classifier: classifier, logger: logger}
}

// Resolve asks the classifier about cands and returns its schema-valid
// answer.
func (r *Resolver) Resolve(ctx context.Context, cands []snapshot.Candidate, instruction string, schema *jsonschema.Schema) (map[string]any, error) {
	if len(cands) == 0 {
		return nil, ErrNoCandidates
	}
	prompt := fmt.Sprintf("TASK: %s\n\nCANDIDATES (%d):\n%s", instruction, len(cands), snapshot.Format(cands))
	value, err := r.classifier.Classify(ctx, schema, prompt)
	if err != nil {
		return nil, err
	}
	// Substitute classifiers are held to the same contract.
	if err := Validate(schema, value); err != nil {
		return nil, err
	}
	return value, nil
}

// ElementSchema restricts the answer to one of the candidate IDs.
func ElementSchema(cands []snapshot.Candidate) *jsonschema.Schema {
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	return Object(map[string]*jsonschema.Schema{
		"elementId": Enum("id of the matching candidate", ids...),
	}, "elementId")
}

type elementChoice struct {
	ElementID string `json:"elementId"`
}

// Choose resolves instruction to exactly one of cands.
func (r *Resolver) Choose(ctx context.Context, cands []snapshot.Candidate, instruction string) (snapshot.Candidate, error) {
	if id, dup := snapshot.Duplicate(cands); dup {
		return snapshot.Candidate{}, fmt.Errorf("%w: candidate id %q is not unique", ErrInvalidSchema, id)
	}
	value, err := r.Resolve(ctx, cands, instruction, ElementSchema(cands))
	if err != nil {
		return snapshot.Candidate{}, err
	}
	choice, err := Decode[elementChoice](value)
	if err != nil {
		return snapshot.Candidate{}, err
	}
	for _, c := range cands {
		if c.ID == choice.ElementID {
			r.logger.Debug().Str("id", c.ID).Str("text", truncate(c.Text, 60)).Msg("candidate chosen")
			return c, nil
		}
	}
	return snapshot.Candidate{}, fmt.Errorf("%w: unknown element %q", ErrInvalidSchema, choice.ElementID)
}

// ResolveInto resolves and decodes the answer into T.
func ResolveInto[T any](ctx context.Context, r *Resolver, cands []snapshot.Candidate, instruction string, schema *jsonschema.Schema) (T, error) {
	value, err := r.Resolve(ctx, cands, instruction, schema)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](value)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

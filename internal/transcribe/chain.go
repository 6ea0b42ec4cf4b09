package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/metrics"
)

const defaultBackendTimeout = 3 * time.Minute

var ErrChainExhausted = errors.New("all transcription backends failed")

// ChainExhaustedError reports the last backend failure of a run where
// every backend failed. It matches ErrChainExhausted with errors.Is.
type ChainExhaustedError struct {
	Backend string
	Last    error
	Tried   int
}

func (e *ChainExhaustedError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("%v: %v", ErrChainExhausted, e.Last)
	}
	return fmt.Sprintf("%v after %d attempts (last %s: %v)", ErrChainExhausted, e.Tried, e.Backend, e.Last)
}

func (e *ChainExhaustedError) Unwrap() []error {
	return []error{ErrChainExhausted, e.Last}
}

// Chain tries backends one at a time in ascending priority until one
// succeeds.
type Chain struct {
	backends []Descriptor
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewChain sorts descs by priority once; equal priorities keep their
// given order. A non-positive timeout selects the default.
func NewChain(descs []Descriptor, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Chain {
	sorted := append([]Descriptor(nil), descs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i := range sorted {
		if sorted[i].Name == "" {
			sorted[i].Name = sorted[i].Backend.Name()
		}
	}
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &Chain{backends: sorted, timeout: timeout, metrics: m, logger: logger}
}

// Names lists the backends in the order they will be tried.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.backends))
	for _, d := range c.backends {
		out = append(out, d.Name)
	}
	return out
}

// Run returns the first successful output and the name of the backend
// that produced it. Failed backends are not retried within a run.
func (c *Chain) Run(ctx context.Context, in Input) (Output, string, error) {
	if len(c.backends) == 0 {
		return Output{}, "", &ChainExhaustedError{Last: errors.New("no backends configured")}
	}
	exhausted := &ChainExhaustedError{}
	for _, d := range c.backends {
		if err := ctx.Err(); err != nil {
			return Output{}, "", err
		}
		start := time.Now()
		out, err := c.attempt(ctx, d, in)
		log := c.logger.With().Str("backend", d.Name).Dur("took", time.Since(start)).Logger()
		if err != nil {
			c.metrics.BackendAttempt(d.Name, "error")
			log.Warn().Err(err).Msg("backend failed, trying next")
			exhausted.Backend, exhausted.Last = d.Name, err
			exhausted.Tried++
			continue
		}
		c.metrics.BackendAttempt(d.Name, "success")
		log.Info().Int("chars", len(out.Text)).Int("segments", len(out.Segments)).Msg("transcribed")
		return out, d.Name, nil
	}
	return Output{}, "", exhausted
}

func (c *Chain) attempt(ctx context.Context, d Descriptor, in Input) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := d.Backend.Transcribe(ctx, in)
	if err != nil {
		return Output{}, err
	}
	if out.Text == "" {
		return Output{}, errEmptyTranscript
	}
	return out, nil
}

var errEmptyTranscript = errors.New("empty transcript")

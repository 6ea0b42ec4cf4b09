package transcribe

import (
	"context"

	"github.com/rs/zerolog"
)

// Request is one transcription job.
type Request struct {
	Path     string
	Language string
	Stages   Stages
}

// Service validates a file, runs the backend chain and post-processes the
// winning transcript.
type Service struct {
	chain  *Chain
	post   *PostProcessor
	logger zerolog.Logger
}

func NewService(chain *Chain, post *PostProcessor, logger zerolog.Logger) *Service {
	return &Service{chain: chain, post: post, logger: logger}
}

func (s *Service) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ValidateAudioPath(req.Path); err != nil {
		return Result{}, err
	}
	out, service, err := s.chain.Run(ctx, Input{Path: req.Path, Language: req.Language})
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Text:     out.Text,
		Segments: out.Segments,
		Language: out.Language,
		Service:  service,
	}
	res = s.post.Process(ctx, res, req.Stages)
	s.logger.Info().
		Str("service", service).
		Bool("cleaned", res.Cleaning != nil).
		Bool("analyzed", res.Analysis != nil).
		Msg("transcription done")
	return res, nil
}

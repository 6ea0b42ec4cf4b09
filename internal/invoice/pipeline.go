// Package invoice drives a login → navigate → extract → download sequence
// against a billing portal whose markup is not known in advance. Every
// ambiguous decision is delegated to a classify.Resolver over a freshly
// collected candidate set.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/classify"
	"github.com/polzovatel/facturabot/internal/metrics"
	"github.com/polzovatel/facturabot/internal/snapshot"
)

const (
	defaultStepTimeout   = 45 * time.Second
	defaultRenderTimeout = 15 * time.Second
	defaultPollInterval  = 250 * time.Millisecond
	closeTimeout         = 10 * time.Second
)

const (
	instrUsername = "Select the field where the user types their username, login or email address."
	instrPassword = "Select the password field of the login form (not the username or email field)."
	instrLogin    = "Select the control whose label most likely means login / sign in / enter / access (e.g. 'Entrar', 'Acceder', 'Iniciar sesión', 'Log in')."
	instrInvoices = "Select the link or button that opens the invoices / bills section (e.g. 'Facturas', 'Mis facturas', 'Invoices', 'Billing')."
	instrRecord   = "These are rows of an invoices table. Extract the most recent invoice: its expiration (due) date, its total amount with currency as shown, and its invoice number (factura id). Copy values exactly as displayed."
	instrDownload = "Select the control that downloads the PDF of invoice %s (a download icon, 'Descargar', 'PDF' or 'Download' next to that invoice; otherwise the first download control)."
)

var recordSchema = classify.Object(map[string]*jsonschema.Schema{
	"expirationDate": classify.String("expiration / due date exactly as displayed"),
	"amount":         classify.String("total amount with currency exactly as displayed"),
	"facturaId":      classify.String("invoice number / identifier"),
}, "expirationDate", "amount", "facturaId")

// Config tunes one pipeline.
type Config struct {
	PortalURL     string
	StepTimeout   time.Duration
	RenderTimeout time.Duration
	PollInterval  time.Duration
	LinkPolicy    LinkPolicy
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = defaultRenderTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LinkPolicy == "" {
		c.LinkPolicy = LinkPolicyContinue
	}
	return c
}

// Pipeline retrieves invoices. It is safe for concurrent use; each run
// acquires its own page.
type Pipeline struct {
	cfg      Config
	envs     Environments
	resolver *classify.Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(cfg Config, envs Environments, resolver *classify.Resolver, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		envs:     envs,
		resolver: resolver,
		metrics:  m,
		logger:   logger,
	}
}

// Run executes the pipeline once. The page is released on every exit
// path. When only the download sub-sequence fails, the returned Result
// still carries the extracted Record.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	logger := p.logger.With().Str("run", uuid.NewString()).Logger()
	logger.Info().Object("credentials", req.Credentials).Bool("download", req.DownloadTo != "").Msg("invoice run started")

	page, err := p.envs.Acquire(ctx)
	if err != nil {
		p.metrics.PipelineRun("failed")
		return Result{}, &StepError{State: StateInit, Err: err}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("close page")
		}
	}()

	r := &run{p: p, page: page, req: req, logger: logger}
	res, err := r.execute(ctx)
	switch {
	case err != nil:
		var se *StepError
		state := ""
		if errors.As(err, &se) {
			state = string(se.State)
		}
		logger.Error().Err(err).Str("state", state).Msg("invoice run failed")
		p.metrics.PipelineRun("failed")
	case res.Degraded:
		logger.Info().Str("factura", res.Record.FacturaID).Msg("invoice run done (degraded)")
		p.metrics.PipelineRun("degraded")
	default:
		logger.Info().Str("factura", res.Record.FacturaID).Msg("invoice run done")
		p.metrics.PipelineRun("ok")
	}
	return res, err
}

type run struct {
	p      *Pipeline
	page   Page
	req    Request
	logger zerolog.Logger
}

// step runs fn under the step timeout and tags any failure with state.
func (r *run) step(ctx context.Context, state State, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.p.cfg.StepTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	r.p.metrics.PipelineStep(string(state), time.Since(start))
	r.logger.Debug().Str("state", string(state)).Dur("took", time.Since(start)).Err(err).Msg("step")
	if err != nil {
		return &StepError{State: state, Err: err}
	}
	return nil
}

func (r *run) candidates(ctx context.Context, kinds ...snapshot.Kind) ([]snapshot.Candidate, error) {
	var all []snapshot.Candidate
	for _, kind := range kinds {
		cands, err := r.page.QueryCandidates(ctx, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, cands...)
	}
	return all, nil
}

// choose collects a fresh candidate set and resolves instruction on it.
func (r *run) choose(ctx context.Context, instruction string, kinds ...snapshot.Kind) (snapshot.Candidate, error) {
	cands, err := r.candidates(ctx, kinds...)
	if err != nil {
		return snapshot.Candidate{}, err
	}
	return r.p.resolver.Choose(ctx, cands, instruction)
}

func (r *run) execute(ctx context.Context) (Result, error) {
	var res Result

	if err := r.step(ctx, StateNavigate, func(ctx context.Context) error {
		if err := r.page.Navigate(ctx, r.p.cfg.PortalURL); err != nil {
			return fmt.Errorf("%w: %w", ErrNavigation, err)
		}
		if err := r.page.WaitForLoad(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrNavigation, err)
		}
		return nil
	}); err != nil {
		return res, err
	}

	if err := r.login(ctx); err != nil {
		return res, err
	}

	if err := r.step(ctx, StateAwaitPostLoginLoad, func(ctx context.Context) error {
		if err := r.page.WaitForLoad(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrNavigation, err)
		}
		return nil
	}); err != nil {
		return res, err
	}

	degraded, err := r.openInvoices(ctx)
	if err != nil {
		return res, err
	}
	res.Degraded = degraded

	rows := r.awaitRows(ctx)

	if err := r.step(ctx, StateResolveInvoiceRecord, func(ctx context.Context) error {
		rec, err := classify.ResolveInto[Record](ctx, r.p.resolver, rows, instrRecord, recordSchema)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoInvoice, err)
		}
		res.Record = rec
		return nil
	}); err != nil {
		return res, err
	}

	if r.req.DownloadTo == "" {
		return res, nil
	}
	path, err := r.download(ctx, res.Record)
	if err != nil {
		return res, err
	}
	res.ArtifactPath = path
	return res, nil
}

func (r *run) login(ctx context.Context) error {
	var field snapshot.Candidate
	if err := r.step(ctx, StateResolveUsernameField, func(ctx context.Context) (err error) {
		field, err = r.choose(ctx, instrUsername, snapshot.KindInput)
		if err != nil {
			return fmt.Errorf("%w: username field: %w", ErrMissingCredentialField, err)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := r.step(ctx, StateFillUsername, func(ctx context.Context) error {
		return r.page.Fill(ctx, field.ID, r.req.Credentials.Username)
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StateResolvePasswordField, func(ctx context.Context) (err error) {
		field, err = r.choose(ctx, instrPassword, snapshot.KindInput)
		if err != nil {
			return fmt.Errorf("%w: password field: %w", ErrMissingCredentialField, err)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := r.step(ctx, StateFillPassword, func(ctx context.Context) error {
		return r.page.Fill(ctx, field.ID, r.req.Credentials.Password)
	}); err != nil {
		return err
	}

	var control snapshot.Candidate
	if err := r.step(ctx, StateResolveLoginControl, func(ctx context.Context) (err error) {
		control, err = r.choose(ctx, instrLogin, snapshot.KindButton, snapshot.KindAnchor)
		if err != nil {
			return fmt.Errorf("%w: login control: %w", ErrMissingCredentialField, err)
		}
		return nil
	}); err != nil {
		return err
	}
	return r.step(ctx, StateSubmitLogin, func(ctx context.Context) error {
		return r.page.Click(ctx, control.ID)
	})
}

// openInvoices resolves and activates the invoice section. Failures are
// tolerated under LinkPolicyContinue since the section may already be
// visible; it reports whether the run degraded.
func (r *run) openInvoices(ctx context.Context) (bool, error) {
	var link snapshot.Candidate
	err := r.step(ctx, StateResolveInvoiceLink, func(ctx context.Context) (err error) {
		link, err = r.choose(ctx, instrInvoices, snapshot.KindAnchor, snapshot.KindButton)
		return err
	})
	if err == nil {
		err = r.step(ctx, StateActivateInvoiceLink, func(ctx context.Context) error {
			if err := r.page.Click(ctx, link.ID); err != nil {
				return err
			}
			// Single-page portals may not fire a new load event.
			_ = r.page.WaitForLoad(ctx)
			return nil
		})
	}
	if err == nil {
		return false, nil
	}
	if r.p.cfg.LinkPolicy == LinkPolicyAbort {
		return false, err
	}
	r.logger.Warn().Err(err).Msg("invoice link unavailable, continuing on current page")
	return true, nil
}

// awaitRows polls for table rows until they appear or the render timeout
// elapses, then returns the freshest extraction. Extraction never aborts
// the run; an empty slice is a valid outcome.
func (r *run) awaitRows(ctx context.Context) []snapshot.Candidate {
	var rows []snapshot.Candidate
	start := time.Now()
	err := pollUntil(ctx, r.p.cfg.RenderTimeout, r.p.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		found, err := r.page.QueryCandidates(ctx, snapshot.KindRow)
		if err != nil {
			r.logger.Debug().Err(err).Msg("rows not ready")
			return false, nil
		}
		return len(found) > 0, nil
	})
	r.p.metrics.PipelineStep(string(StateAwaitRender), time.Since(start))
	if err != nil {
		r.logger.Warn().Err(err).Msg("table did not render in time")
	}

	_ = r.step(ctx, StateExtractInvoiceTable, func(ctx context.Context) error {
		found, err := r.page.QueryCandidates(ctx, snapshot.KindRow)
		if err != nil {
			r.logger.Warn().Err(err).Msg("extract invoice table")
			return nil
		}
		rows = found
		return nil
	})
	r.logger.Debug().Int("rows", len(rows)).Msg("invoice table extracted")
	return rows
}

func (r *run) download(ctx context.Context, rec Record) (string, error) {
	var trigger snapshot.Candidate
	if err := r.step(ctx, StateResolveDownload, func(ctx context.Context) (err error) {
		trigger, err = r.choose(ctx, fmt.Sprintf(instrDownload, rec.FacturaID), snapshot.KindButton, snapshot.KindAnchor)
		return err
	}); err != nil {
		return "", err
	}

	var tmpPath, name string
	if err := r.step(ctx, StateAwaitDownload, func(ctx context.Context) (err error) {
		tmpPath, name, err = r.page.WaitForDownload(ctx, func(ctx context.Context) error {
			return r.page.Click(ctx, trigger.ID)
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrDownloadTimeout, err)
		}
		return err
	}); err != nil {
		return "", err
	}

	dest := r.req.DownloadTo
	if err := r.step(ctx, StatePersistArtifact, func(ctx context.Context) error {
		return moveFile(tmpPath, dest)
	}); err != nil {
		return "", err
	}
	r.logger.Info().Str("path", dest).Str("suggested", name).Msg("invoice document saved")
	return dest, nil
}

// moveFile renames src to dst, copying when they live on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	_ = os.Remove(src)
	return nil
}

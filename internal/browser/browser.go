package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/polzovatel/facturabot/internal/snapshot"
)

const (
	defaultNavTimeout      = 30 * time.Second
	defaultActionTime      = 10 * time.Second
	defaultDownloadTimeout = 60 * time.Second
	defaultPoolSize        = 2
)

// Options tunes the launcher and the environments it hands out.
type Options struct {
	Headless        bool
	PoolSize        int
	NavTimeout      time.Duration
	ActionTimeout   time.Duration
	DownloadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = defaultNavTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = defaultActionTime
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = defaultDownloadTimeout
	}
	return o
}

// Launcher owns the playwright lifecycle and a bounded pool of isolated
// page environments.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	slots   *semaphore.Weighted
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options, logger zerolog.Logger) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	logger.Info().Bool("headless", opts.Headless).Int("pool", opts.PoolSize).Msg("browser launched")
	return &Launcher{
		pw:      pw,
		browser: browser,
		opts:    opts,
		slots:   semaphore.NewWeighted(int64(opts.PoolSize)),
		logger:  logger,
	}, nil
}

// Acquire blocks until a pool slot is free and returns a fresh environment
// with its own browser context. The caller must Close it.
func (l *Launcher) Acquire(ctx context.Context) (*Environment, error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire environment: %w", err)
	}
	bctx, err := l.browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		AcceptDownloads:   playwright.Bool(true),
	})
	if err != nil {
		l.slots.Release(1)
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		l.slots.Release(1)
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.ActionTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(l.opts.NavTimeout.Milliseconds()))
	return &Environment{
		context: bctx,
		page:    page,
		opts:    l.opts,
		release: func() { l.slots.Release(1) },
	}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// Environment is one live document session. It is owned by a single
// pipeline run and must not be shared.
type Environment struct {
	context playwright.BrowserContext
	page    playwright.Page
	opts    Options
	release func()
	once    sync.Once
}

func (e *Environment) Close(ctx context.Context) error {
	_ = ctx
	var err error
	e.once.Do(func() {
		if e.page != nil {
			_ = e.page.Close()
		}
		if e.context != nil {
			err = wrap(e.context.Close())
		}
		if e.release != nil {
			e.release()
		}
	})
	return err
}

func (e *Environment) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(timeoutMillis(ctx, e.opts.NavTimeout)),
	})
	return wrap(err)
}

// WaitForLoad waits for the load event and then, best effort, for the
// network to go quiet.
func (e *Environment) WaitForLoad(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(timeoutMillis(ctx, e.opts.NavTimeout)),
	}); err != nil {
		return wrap(err)
	}
	_ = e.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(timeoutMillis(ctx, 3*time.Second)),
	})
	return nil
}

func (e *Environment) QueryCandidates(ctx context.Context, kind snapshot.Kind) ([]snapshot.Candidate, error) {
	cands, err := snapshot.Collect(ctx, e.page, kind)
	return cands, wrap(err)
}

func (e *Environment) Fill(ctx context.Context, id, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := e.locate(id)
	if err != nil {
		return err
	}
	return wrap(loc.Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, e.opts.ActionTimeout)),
	}))
}

func (e *Environment) Click(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := e.locate(id)
	if err != nil {
		return err
	}
	// Scroll failures are not fatal; the click reports the real problem.
	_ = loc.ScrollIntoViewIfNeeded()
	return wrap(loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, e.opts.ActionTimeout)),
	}))
}

// WaitForDownload arms a download listener, runs trigger, and returns the
// temporary path of the finished file with its suggested name. The file
// disappears when the environment is closed.
func (e *Environment) WaitForDownload(ctx context.Context, trigger func(context.Context) error) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	dl, err := e.page.ExpectDownload(func() error {
		return trigger(ctx)
	}, playwright.PageExpectDownloadOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, e.opts.DownloadTimeout)),
	})
	if err != nil {
		return "", "", wrap(err)
	}
	path, err := dl.Path()
	if err != nil {
		return "", "", wrap(err)
	}
	return path, dl.SuggestedFilename(), nil
}

func (e *Environment) locate(id string) (playwright.Locator, error) {
	sel := snapshot.Selector(id)
	loc := e.page.Locator(sel).First()
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc, nil
	}
	for _, frame := range e.page.Frames() {
		if frame == e.page.MainFrame() {
			continue
		}
		floc := frame.Locator(sel).First()
		if n, err := floc.Count(); err == nil && n > 0 {
			return floc, nil
		}
	}
	return nil, fmt.Errorf("element %s not found in any frame", id)
}

// timeoutMillis caps def by the time left on ctx.
func timeoutMillis(ctx context.Context, def time.Duration) float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < def {
			def = left
		}
	}
	if def < time.Millisecond {
		def = time.Millisecond
	}
	return float64(def.Milliseconds())
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("playwright: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("playwright: %w", err)
}

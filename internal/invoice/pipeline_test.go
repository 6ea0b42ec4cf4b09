package invoice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/classify"
	"github.com/polzovatel/facturabot/internal/snapshot"
)

// fakePage simulates a portal as a set of screens. Candidate IDs are
// regenerated on every query so stale IDs are rejected.
type fakePage struct {
	mu          sync.Mutex
	screens     map[string]map[snapshot.Kind][]string
	transitions map[string]string
	screen      string
	gen         int
	live        map[string]string
	rowDelay    int
	navErr      error
	downloadErr error
	tmpDir      string

	navigated []string
	fills     map[string]string
	clicks    []string
	queries   map[snapshot.Kind]int
	closed    int
}

func newFakePage(t *testing.T) *fakePage {
	return &fakePage{
		screens: map[string]map[snapshot.Kind][]string{
			"login": {
				snapshot.KindInput:  {"Usuario | email", "Contraseña | password"},
				snapshot.KindButton: {"Ayuda", "Entrar"},
			},
			"home": {
				snapshot.KindAnchor: {"Inicio", "Mis facturas"},
			},
			"invoices": {
				snapshot.KindRow:    {"F-2025-02 | 15/03/2025 | 47,10 €", "F-2025-01 | 15/02/2025 | 45,20 €"},
				snapshot.KindButton: {"Descargar PDF"},
			},
		},
		transitions: map[string]string{"Entrar": "home", "Mis facturas": "invoices"},
		screen:      "login",
		live:        map[string]string{},
		fills:       map[string]string{},
		queries:     map[snapshot.Kind]int{},
		tmpDir:      t.TempDir(),
	}
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return f.navErr
}

func (f *fakePage) WaitForLoad(ctx context.Context) error { return nil }

func (f *fakePage) QueryCandidates(ctx context.Context, kind snapshot.Kind) ([]snapshot.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[kind]++
	if kind == snapshot.KindRow && f.rowDelay > 0 {
		f.rowDelay--
		return nil, nil
	}
	f.gen++
	var out []snapshot.Candidate
	for i, text := range f.screens[f.screen][kind] {
		id := fmt.Sprintf("%c%d-%d", kind[0], f.gen, i)
		f.live[id] = text
		out = append(out, snapshot.Candidate{ID: id, Text: text, Kind: kind})
	}
	return out, nil
}

func (f *fakePage) lookup(id string) (string, error) {
	text, ok := f.live[id]
	if !ok {
		return "", fmt.Errorf("stale or unknown element %s", id)
	}
	return text, nil
}

func (f *fakePage) Fill(ctx context.Context, id, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, err := f.lookup(id)
	if err != nil {
		return err
	}
	f.fills[text] = value
	return nil
}

func (f *fakePage) Click(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, err := f.lookup(id)
	if err != nil {
		return err
	}
	f.clicks = append(f.clicks, text)
	if next, ok := f.transitions[text]; ok {
		f.screen = next
		f.live = map[string]string{}
	}
	return nil
}

func (f *fakePage) WaitForDownload(ctx context.Context, trigger func(context.Context) error) (string, string, error) {
	if err := trigger(ctx); err != nil {
		return "", "", err
	}
	if f.downloadErr != nil {
		return "", "", f.downloadErr
	}
	path := filepath.Join(f.tmpDir, "dl.tmp")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o600); err != nil {
		return "", "", err
	}
	return path, "factura.pdf", nil
}

func (f *fakePage) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// portalClassifier answers by looking for the wanted visible text in the
// prompt's candidate list.
type portalClassifier struct {
	mu      sync.Mutex
	prompts []string
	picks   map[string]string // instruction fragment -> candidate text
	record  map[string]any
}

func (c *portalClassifier) Classify(ctx context.Context, schema *jsonschema.Schema, prompt string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if strings.Contains(prompt, "invoices table") {
		return c.record, nil
	}
	for fragment, text := range c.picks {
		if !strings.Contains(prompt, fragment) {
			continue
		}
		re := regexp.MustCompile(`id=(\S+) kind=\S+ ` + regexp.QuoteMeta(fmt.Sprintf("text=%q", text)))
		if m := re.FindStringSubmatch(prompt); m != nil {
			return map[string]any{"elementId": m[1]}, nil
		}
		return map[string]any{"elementId": "none"}, nil
	}
	return nil, errors.New("unexpected prompt")
}

func newPortalClassifier() *portalClassifier {
	return &portalClassifier{
		picks: map[string]string{
			"username, login or email": "Usuario | email",
			"password field":           "Contraseña | password",
			"login / sign in":          "Entrar",
			"invoices / bills":         "Mis facturas",
			"downloads the PDF":        "Descargar PDF",
		},
		record: map[string]any{"expirationDate": "15/03/2025", "amount": "47,10 €", "facturaId": "F-2025-02"},
	}
}

func newTestPipeline(page *fakePage, cls classify.Classifier, policy LinkPolicy) *Pipeline {
	envs := EnvironmentsFunc(func(ctx context.Context) (Page, error) { return page, nil })
	return New(Config{
		PortalURL:     "https://portal.example/login",
		StepTimeout:   time.Second,
		RenderTimeout: 500 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		LinkPolicy:    policy,
	}, envs, classify.NewResolver(cls, zerolog.Nop()), nil, zerolog.Nop())
}

var creds = Credentials{Username: "alice", Password: "s3cr3t"}

func TestRunHappyPath(t *testing.T) {
	page := newFakePage(t)
	page.rowDelay = 2
	cls := newPortalClassifier()
	p := newTestPipeline(page, cls, LinkPolicyContinue)

	res, err := p.Run(context.Background(), Request{Credentials: creds})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Result{Record: Record{ExpirationDate: "15/03/2025", Amount: "47,10 €", FacturaID: "F-2025-02"}}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"Usuario | email": "alice", "Contraseña | password": "s3cr3t"}, page.fills); diff != "" {
		t.Fatalf("fills mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Entrar", "Mis facturas"}, page.clicks); diff != "" {
		t.Fatalf("clicks mismatch:\n%s", diff)
	}
	if page.closed != 1 {
		t.Fatalf("page closed %d times", page.closed)
	}
	if page.queries[snapshot.KindInput] != 2 {
		t.Fatalf("inputs must be re-queried per resolution, got %d queries", page.queries[snapshot.KindInput])
	}
	if page.queries[snapshot.KindRow] < 3 {
		t.Fatalf("expected render polling, got %d row queries", page.queries[snapshot.KindRow])
	}
}

func TestRunNavigationFailureReleasesPage(t *testing.T) {
	page := newFakePage(t)
	page.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	cls := newPortalClassifier()
	p := newTestPipeline(page, cls, LinkPolicyContinue)

	_, err := p.Run(context.Background(), Request{Credentials: creds})
	if !errors.Is(err, ErrNavigation) {
		t.Fatalf("expected ErrNavigation, got %v", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.State != StateNavigate {
		t.Fatalf("expected navigate step error, got %v", err)
	}
	if page.closed != 1 {
		t.Fatalf("page not released")
	}
	if len(cls.prompts) != 0 {
		t.Fatalf("classifier called after navigation failure")
	}
}

func TestRunMissingCredentialFieldIsFatal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		drop  string
		state State
	}{
		{"username", "username, login or email", StateResolveUsernameField},
		{"password", "password field", StateResolvePasswordField},
		{"login control", "login / sign in", StateResolveLoginControl},
	} {
		t.Run(tc.name, func(t *testing.T) {
			page := newFakePage(t)
			cls := newPortalClassifier()
			cls.picks[tc.drop] = "does not exist"
			p := newTestPipeline(page, cls, LinkPolicyContinue)

			_, err := p.Run(context.Background(), Request{Credentials: creds})
			if !errors.Is(err, ErrMissingCredentialField) || !errors.Is(err, classify.ErrInvalidSchema) {
				t.Fatalf("expected missing field from invalid schema, got %v", err)
			}
			var se *StepError
			if !errors.As(err, &se) || se.State != tc.state {
				t.Fatalf("expected state %s, got %v", tc.state, err)
			}
			if page.closed != 1 {
				t.Fatalf("page not released")
			}
		})
	}
}

func TestRunEmptyLoginFormHasNoCandidates(t *testing.T) {
	page := newFakePage(t)
	delete(page.screens["login"], snapshot.KindInput)
	p := newTestPipeline(page, newPortalClassifier(), LinkPolicyContinue)

	_, err := p.Run(context.Background(), Request{Credentials: creds})
	if !errors.Is(err, ErrMissingCredentialField) || !errors.Is(err, classify.ErrNoCandidates) {
		t.Fatalf("expected no candidates failure, got %v", err)
	}
}

func TestRunInvoiceLinkPolicy(t *testing.T) {
	setup := func(t *testing.T) *fakePage {
		page := newFakePage(t)
		// Invoices already visible after login, no link to follow.
		page.transitions["Entrar"] = "invoices"
		return page
	}

	t.Run("continue", func(t *testing.T) {
		page := setup(t)
		res, err := newTestPipeline(page, newPortalClassifier(), LinkPolicyContinue).Run(context.Background(), Request{Credentials: creds})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !res.Degraded || res.Record.FacturaID != "F-2025-02" {
			t.Fatalf("expected degraded result with record, got %+v", res)
		}
	})

	t.Run("abort", func(t *testing.T) {
		page := setup(t)
		_, err := newTestPipeline(page, newPortalClassifier(), LinkPolicyAbort).Run(context.Background(), Request{Credentials: creds})
		var se *StepError
		if !errors.As(err, &se) || se.State != StateResolveInvoiceLink {
			t.Fatalf("expected invoice link failure, got %v", err)
		}
		if page.closed != 1 {
			t.Fatalf("page not released")
		}
	})
}

func TestRunNoRowsFailsWithoutInvoice(t *testing.T) {
	page := newFakePage(t)
	delete(page.screens["invoices"], snapshot.KindRow)
	p := newTestPipeline(page, newPortalClassifier(), LinkPolicyContinue)

	_, err := p.Run(context.Background(), Request{Credentials: creds})
	if !errors.Is(err, ErrNoInvoice) || !errors.Is(err, classify.ErrNoCandidates) {
		t.Fatalf("expected ErrNoInvoice, got %v", err)
	}
}

func TestRunDownload(t *testing.T) {
	page := newFakePage(t)
	dest := filepath.Join(t.TempDir(), "out", "F-2025-02.pdf")
	p := newTestPipeline(page, newPortalClassifier(), LinkPolicyContinue)

	res, err := p.Run(context.Background(), Request{Credentials: creds, DownloadTo: dest})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ArtifactPath != dest {
		t.Fatalf("artifact path %q", res.ArtifactPath)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "%PDF-1.4" {
		t.Fatalf("artifact not persisted: %v", err)
	}
	if page.clicks[len(page.clicks)-1] != "Descargar PDF" {
		t.Fatalf("download trigger not clicked: %v", page.clicks)
	}
}

func TestRunDownloadTimeoutKeepsRecord(t *testing.T) {
	page := newFakePage(t)
	page.downloadErr = fmt.Errorf("playwright: %w", context.DeadlineExceeded)
	p := newTestPipeline(page, newPortalClassifier(), LinkPolicyContinue)

	res, err := p.Run(context.Background(), Request{Credentials: creds, DownloadTo: filepath.Join(t.TempDir(), "x.pdf")})
	if !errors.Is(err, ErrDownloadTimeout) {
		t.Fatalf("expected ErrDownloadTimeout, got %v", err)
	}
	if res.Record.FacturaID != "F-2025-02" || res.ArtifactPath != "" {
		t.Fatalf("unexpected partial result %+v", res)
	}
	if page.closed != 1 {
		t.Fatalf("page not released")
	}
}

func TestRunAcquireFailure(t *testing.T) {
	envs := EnvironmentsFunc(func(ctx context.Context) (Page, error) { return nil, context.Canceled })
	p := New(Config{PortalURL: "https://x"}, envs, classify.NewResolver(newPortalClassifier(), zerolog.Nop()), nil, zerolog.Nop())
	_, err := p.Run(context.Background(), Request{Credentials: creds})
	var se *StepError
	if !errors.As(err, &se) || se.State != StateInit {
		t.Fatalf("expected init failure, got %v", err)
	}
}

func TestCredentialsNeverPrintPassword(t *testing.T) {
	if strings.Contains(creds.String(), "s3cr3t") {
		t.Fatal("password leaked by String")
	}
	var buf strings.Builder
	logger := zerolog.New(&buf)
	logger.Info().Object("c", creds).Msg("x")
	if strings.Contains(buf.String(), "s3cr3t") {
		t.Fatalf("password leaked in log: %s", buf.String())
	}
}

func TestPollUntil(t *testing.T) {
	n := 0
	err := pollUntil(context.Background(), time.Second, time.Millisecond, func(ctx context.Context) (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil || n != 3 {
		t.Fatalf("pollUntil: err=%v n=%d", err, n)
	}
	err = pollUntil(context.Background(), 20*time.Millisecond, time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

package invoice

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/polzovatel/facturabot/internal/snapshot"
)

var (
	ErrNavigation             = errors.New("navigation failed")
	ErrMissingCredentialField = errors.New("login form element not found")
	ErrDownloadTimeout        = errors.New("download did not complete in time")
	ErrNoInvoice              = errors.New("invoice data not found")
)

// Page is one live document session driven by a single pipeline run.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context) error
	QueryCandidates(ctx context.Context, kind snapshot.Kind) ([]snapshot.Candidate, error)
	Fill(ctx context.Context, id, value string) error
	Click(ctx context.Context, id string) error
	// WaitForDownload runs trigger while listening for a download and
	// returns the temporary file path and the suggested file name.
	WaitForDownload(ctx context.Context, trigger func(context.Context) error) (path, filename string, err error)
	Close(ctx context.Context) error
}

// Environments hands out isolated pages. Acquire may block while the pool
// is exhausted.
type Environments interface {
	Acquire(ctx context.Context) (Page, error)
}

// EnvironmentsFunc adapts a function to Environments.
type EnvironmentsFunc func(ctx context.Context) (Page, error)

func (f EnvironmentsFunc) Acquire(ctx context.Context) (Page, error) { return f(ctx) }

// Credentials are held only for the duration of one run.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return c.Username + ":***"
}

// MarshalZerologObject keeps the password out of structured logs.
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("username", c.Username).Str("password", "***")
}

// Record is the invoice extracted from the portal.
type Record struct {
	ExpirationDate string `json:"expirationDate"`
	Amount         string `json:"amount"`
	FacturaID      string `json:"facturaId"`
}

// Request describes one retrieval.
type Request struct {
	Credentials Credentials
	// DownloadTo, when set, is the path the invoice document is saved to.
	DownloadTo string
}

// Result is produced once per successful run.
type Result struct {
	Record       Record
	ArtifactPath string
	// Degraded is set when the invoice link could not be resolved and the
	// run continued on the post-login page.
	Degraded bool
}

// LinkPolicy decides what happens when the invoice link is not resolved.
type LinkPolicy string

const (
	LinkPolicyContinue LinkPolicy = "continue"
	LinkPolicyAbort    LinkPolicy = "abort"
)

// State names a pipeline step.
type State string

const (
	StateInit                 State = "init"
	StateNavigate             State = "navigate"
	StateResolveUsernameField State = "resolve_username_field"
	StateFillUsername         State = "fill_username"
	StateResolvePasswordField State = "resolve_password_field"
	StateFillPassword         State = "fill_password"
	StateResolveLoginControl  State = "resolve_login_control"
	StateSubmitLogin          State = "submit_login"
	StateAwaitPostLoginLoad   State = "await_post_login_load"
	StateResolveInvoiceLink   State = "resolve_invoice_link"
	StateActivateInvoiceLink  State = "activate_invoice_link"
	StateAwaitRender          State = "await_render"
	StateExtractInvoiceTable  State = "extract_invoice_table"
	StateResolveInvoiceRecord State = "resolve_invoice_record"
	StateResolveDownload      State = "resolve_download_trigger"
	StateAwaitDownload        State = "await_download"
	StatePersistArtifact      State = "persist_artifact"
	StateDone                 State = "done"
)

// StepError reports the state a run failed in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return string(e.State) + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/polzovatel/facturabot/internal/invoice"
)

var invoiceFlags struct {
	username string
	password string
	download string
}

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Fetch the latest invoice once and print it as JSON",
	RunE:  runInvoice,
}

func init() {
	f := invoiceCmd.Flags()
	f.StringVar(&invoiceFlags.username, "username", "", "portal username (required)")
	f.StringVar(&invoiceFlags.password, "password", "", "portal password (default $PORTAL_PASSWORD)")
	f.StringVar(&invoiceFlags.download, "download", "", "directory to save the invoice PDF to")
	_ = invoiceCmd.MarkFlagRequired("username")
}

type invoiceOutput struct {
	invoice.Record
	Document string `json:"document,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

func runInvoice(cmd *cobra.Command, _ []string) error {
	password := invoiceFlags.password
	if password == "" {
		password = os.Getenv("PORTAL_PASSWORD")
	}
	if password == "" {
		return errors.New("--password or PORTAL_PASSWORD is required")
	}
	ctx := cmd.Context()

	classifier, err := newClassifier()
	if err != nil {
		return err
	}
	pipeline, launcher, err := newPipeline(ctx, cfg, nil, classifier)
	if err != nil {
		return err
	}
	defer launcher.Close()

	req := invoice.Request{Credentials: invoice.Credentials{Username: invoiceFlags.username, Password: password}}
	if invoiceFlags.download != "" {
		req.DownloadTo = filepath.Join(invoiceFlags.download, "invoice-"+uuid.NewString()[:8]+".pdf")
	}
	res, err := pipeline.Run(ctx, req)
	if res.Record.FacturaID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(invoiceOutput{Record: res.Record, Document: res.ArtifactPath, Degraded: res.Degraded}); encErr != nil {
			return encErr
		}
	}
	return err
}

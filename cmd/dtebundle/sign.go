package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
)

var (
	signExpirationMinutes int
	signMethod            string
)

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign URI...",
		Short: "Mint signed URLs for objects",
		Long: `Mint V4 signed URLs for one or more objects and print them as JSON.
A bare key is resolved against the invoice bucket.

With more than one URI the objects are signed as a batch sharing one clock
probe. Above the ZIP threshold a warning suggests bundling with "pkg".`,
		Example: `  dtebundle sign gs://invoices/2024/05/F33-1001.pdf
  dtebundle sign --expiration-minutes 15 2024/05/F33-1001.pdf
  dtebundle sign --method PUT gs://uploads/incoming/batch.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: signRun,
	}

	cmd.Flags().IntVar(&signExpirationMinutes, "expiration-minutes", 0, "URL lifetime before the skew buffer (default from config)")
	cmd.Flags().StringVar(&signMethod, "method", "GET", "HTTP method the URL authorizes (GET or PUT)")

	return cmd
}

// batchEntry is one line of batch output.
type batchEntry struct {
	URI    string            `json:"uri"`
	Signed *signer.SignedURL `json:"signed,omitempty"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func signRun(cmd *cobra.Command, args []string) error {
	c, err := requireContainer(cmd.Context())
	if err != nil {
		return err
	}
	opts := signer.SignOptions{
		Method:            strings.ToUpper(signMethod),
		ExpirationMinutes: signExpirationMinutes,
	}

	if len(args) == 1 {
		su, err := c.Signer.SignURI(cmd.Context(), args[0], opts)
		if err != nil {
			return signExit(err)
		}
		return printJSON(cmd.OutOrStdout(), su)
	}

	if c.ShouldBundle(len(args)) {
		logger.Warn("many documents requested, consider a single archive", "count", len(args), "threshold", c.Config.Zip.Threshold, "command", "dtebundle pkg")
	}
	refs, err := objref.ParseAll(args, c.Config.Storage.InvoiceBucket)
	if err != nil {
		c.Metrics.RecordInputError()
		return &exitError{code: exitUsage, err: err}
	}

	res := c.Signer.SignBatch(cmd.Context(), refs, opts)
	out := make([]batchEntry, 0, len(refs))
	for _, r := range refs {
		e := batchEntry{URI: r.String(), Signed: res.URLs[r]}
		if err := res.Errors[r]; err != nil {
			e.Code = faults.Classify(err).Code()
			e.Error = err.Error()
		}
		out = append(out, e)
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return &exitError{code: exitPartial}
	}
	return nil
}

func signExit(err error) error {
	if faults.Classify(err) == faults.InvalidInput {
		return &exitError{code: exitUsage, err: err}
	}
	return err
}

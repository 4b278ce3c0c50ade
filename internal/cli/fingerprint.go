package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/manual-obs-collector/internal/fingerprint"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
)

// FingerprintResult is the json output of the fingerprint command.
type FingerprintResult struct {
	Canonical   string `json:"canonical"`
	ContentHash string `json:"content_hash"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	var payloadPath string

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the canonical form and content hash of a submission",
		Long: `Decode a submission body the way the API does and print the canonical
encoding the content hash covers, followed by the hash. Use "-" to read
the payload from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFingerprint(rootOpts, payloadPath, cmd)
		},
	}

	cmd.Flags().StringVar(&payloadPath, "payload", "", "submission JSON file, or - for stdin")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runFingerprint(rootOpts *RootOptions, payloadPath string, cmd *cobra.Command) error {
	var (
		raw []byte
		err error
	)
	if payloadPath == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(payloadPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	in, err := ingest.DecodeFingerprintInput(raw)
	if err != nil {
		return err
	}
	canonical, err := fingerprint.Canonical(in)
	if err != nil {
		return err
	}
	hash, err := fingerprint.Compute(in)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, FingerprintResult{Canonical: string(canonical), ContentHash: hash})
	}
	fmt.Fprintln(out, string(canonical))
	fmt.Fprintln(out, hash)
	return nil
}

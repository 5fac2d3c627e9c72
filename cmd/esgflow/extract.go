package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/esg-flow/internal/cli"
	"github.com/Veraticus/esg-flow/internal/config"
)

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract FILE",
		Short: "Extract text from a PDF, text or markdown report",
		Long: `Extract the text of a report. PDFs are sent to Gemini and need
GEMINI_API_KEY; .txt and .md files are decoded locally.

Examples:
  esgflow extract ~/reports/acme-2024-sustainability.pdf
  esgflow extract notes.md > notes.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandPath(args[0])
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			extracted, err := a.documents.Extract(ctx, filepath.Base(path), data)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), extracted.Text)
			fmt.Fprintln(cmd.ErrOrStderr(), cli.FormatSuccess(fmt.Sprintf(
				"Extracted %d characters from %s (%s) in %s",
				len(extracted.Text), extracted.FileName, extracted.Kind, extracted.Duration.Round(time.Millisecond))))
			return nil
		},
	}
}

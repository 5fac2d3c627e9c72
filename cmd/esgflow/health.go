package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/esg-flow/internal/cli"
	"github.com/Veraticus/esg-flow/internal/observability"
)

func healthCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report configured keys, feature flags and dependency status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.health.Check(ctx)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, renderHealth(report))
			}

			if report.Status != observability.StatusHealthy {
				return fmt.Errorf("service is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	return cmd
}

func renderHealth(r observability.HealthReport) string {
	status := cli.FormatSuccess(r.Status)
	if r.Status != observability.StatusHealthy {
		status = cli.FormatWarning(r.Status)
	}

	lines := []string{
		cli.FormatField("Status", status),
		cli.FormatField("Version", r.Version),
		"",
		cli.BoldStyle.Render("API keys"),
		cli.FormatCheck("OpenAI", r.APIKeys.OpenAI),
		cli.FormatCheck("Anthropic", r.APIKeys.Anthropic),
		cli.FormatCheck("Gemini", r.APIKeys.Gemini),
		"",
		cli.BoldStyle.Render("Features"),
		cli.FormatCheck("Web search", r.FeatureFlags.WebSearch),
		cli.FormatCheck("Rate limiting", r.FeatureFlags.RateLimiting),
		cli.FormatCheck("Metrics", r.FeatureFlags.Metrics),
	}

	if len(r.Dependencies) > 0 {
		lines = append(lines, "", cli.BoldStyle.Render("Dependencies"))
		for _, name := range slices.Sorted(maps.Keys(r.Dependencies)) {
			state := r.Dependencies[name]
			lines = append(lines, cli.FormatCheck(name+": "+state, state == "ok"))
		}
	}

	return cli.RenderBox(cli.LeafIcon+" esgflow health", strings.Join(lines, "\n"))
}

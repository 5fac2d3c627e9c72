package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/esg-flow/internal/cli"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/search"
)

func searchCmd() *cobra.Command {
	var (
		preset string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search COMPANY [query...]",
		Short: "Research a company against the model's knowledge base",
		Long: `Run a paced batch of research questions about a company. Queries run in
chunks of search.concurrency with search.delay between chunks; failed
queries come back empty instead of failing the batch.

Examples:
  esgflow search "Acme Capital" --preset track_record
  esgflow search "Acme Capital" --preset esg_practices --json
  esgflow search "Acme Capital" "modern slavery statement" "board diversity"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !appConfig.Flags.EnableWebSearch {
				return fmt.Errorf("web search is disabled (ENABLE_WEB_SEARCH=false)")
			}

			company := strings.TrimSpace(args[0])
			queries, err := searchQueries(preset, args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if !asJSON {
				fmt.Fprintln(cmd.ErrOrStderr(), searchBanner(company, len(queries), a.searchConfig().Concurrency))
			}
			progress := cli.NewProgress(cmd.ErrOrStderr(), len(queries), "Researching "+company+"...")
			svc := search.NewService(a.caller, a.searchConfig(), a.observer, search.WithProgress(progress.Set))
			results := search.Ordered(svc.SearchCompanyInfo(ctx, company, queries), queries)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			fmt.Fprint(out, search.FormatResultsForPrompt(results))
			fmt.Fprintln(cmd.ErrOrStderr(), summarizeSearch(results))
			return ctx.Err()
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "built-in query set (track_record, esg_practices)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}

func searchQueries(preset string, extra []string) ([]string, error) {
	var queries []string
	switch preset {
	case "":
	case "track_record":
		queries = append(queries, search.TrackRecordQueries...)
	case "esg_practices":
		queries = append(queries, search.ESGPracticeQueries...)
	default:
		return nil, fmt.Errorf("unknown preset %q (use track_record or esg_practices)", preset)
	}
	for _, q := range extra {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("provide queries or --preset")
	}
	return queries, nil
}

func searchBanner(company string, queries, concurrency int) string {
	if concurrency <= 0 {
		concurrency = search.DefaultConcurrency
	}
	return cli.FormatTitle(company) + "\n" +
		cli.FormatInfo(fmt.Sprintf("%s %d queries, %d at a time", cli.SearchIcon, queries, concurrency))
}

func summarizeSearch(results []model.SearchResults) string {
	found := 0
	for _, r := range results {
		if !r.Empty() {
			found++
		}
	}
	msg := fmt.Sprintf("%d of %d queries returned information", found, len(results))
	if found == 0 {
		return cli.FormatWarning(msg)
	}
	return cli.FormatSuccess(msg)
}

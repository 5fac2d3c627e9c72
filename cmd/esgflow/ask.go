package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/esg-flow/internal/cli"
	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/llm"
)

func askCmd() *cobra.Command {
	var (
		provider string
		system   string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt through the retrying caller",
		Long: `Send a prompt to the configured LLM provider with classified retries and
the configured timeout.

Examples:
  esgflow ask "Summarize the EU taxonomy in two sentences"
  esgflow ask --provider anthropic "List three ESG disclosure frameworks"
  esgflow ask --json "Return {\"score\": <0-10>} for Acme's governance"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appConfig, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			req := llm.Request{
				SystemPrompt: system,
				Prompt:       common.SanitizeText(strings.Join(args, " "), common.DefaultMaxTextLength),
			}
			if provider != "" {
				if req.Provider, err = llm.ParseProvider(provider); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := common.WithTimeout(ctx, appConfig.LLM.Timeout, "LLM request timed out", func(ctx context.Context) (any, error) {
					return llm.CallJSON[any](ctx, a.caller, req)
				})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(data)
			}

			res, err := common.WithTimeout(ctx, appConfig.LLM.Timeout, "LLM request timed out", func(ctx context.Context) (llm.Result, error) {
				return a.caller.Call(ctx, req)
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out, res.Content)
			fmt.Fprintln(cmd.ErrOrStderr(), cli.SubtleStyle.Render(fmt.Sprintf(
				"%s · %d attempt(s) · %d+%d tokens · %s",
				res.Provider, res.Attempts, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Elapsed.Round(time.Millisecond))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider override (openai, anthropic, local)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "require and pretty-print a JSON answer")

	return cmd
}

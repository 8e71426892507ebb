package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/pipeline"
)

// StageFunc runs one stage of the pipeline for an article.
type StageFunc func(p *pipeline.Pipeline, ctx context.Context, title string) (*incremental.Summary, error)

// NewStageCommand creates the command running one stage for an article.
func NewStageCommand(rootOpts *RootOptions, name, short string, stage StageFunc) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   name + " <title>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(force)
			if err != nil {
				return err
			}
			defer s.close()

			summary, err := stage(s.Pipeline, cmd.Context(), args[0])
			return stageResult(cmd.OutOrStdout(), name, args[0], summary, err)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "regenerate every unit")
	return cmd
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		force bool
		file  string
	)

	cmd := &cobra.Command{
		Use:   "fetch <title>",
		Short: "Fetch an article and store it as the source document",
		Long: `Fetch an article from Wikipedia and store its markdown as the source
document. With --file a saved HTML or markdown file is imported instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(force)
			if err != nil {
				return err
			}
			defer s.close()

			var summary *incremental.Summary
			if file != "" {
				summary, err = s.Import(cmd.Context(), file, args[0])
			} else {
				summary, err = s.Fetch(cmd.Context(), args[0])
			}
			return stageResult(cmd.OutOrStdout(), "fetch", args[0], summary, err)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "store the article even when unchanged")
	cmd.Flags().StringVar(&file, "file", "", "import a local HTML or markdown file")
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run <title>...",
		Short: "Run every stage for one or more articles",
		Long: `Run every stage in order for each article, then write provenance.ttl
and article.ttl. An article whose source has not changed since its last
complete run is skipped after fetching.

An article that fails does not stop the others; the command exits 1 when
any article failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(force)
			if err != nil {
				return err
			}
			defer s.close()

			w := cmd.OutOrStdout()
			var failed []string
			for _, title := range args {
				if err := cmd.Context().Err(); err != nil {
					return WrapExitError(ExitFailure, "run", err)
				}
				fmt.Fprintf(w, "== %s\n", title)
				result, err := s.Run(cmd.Context(), title)
				if result != nil {
					for _, summary := range result.Summaries {
						summary.WriteReport(w)
					}
					if result.UpToDate {
						fmt.Fprintln(w, "up to date")
					}
					for _, path := range result.Exports {
						fmt.Fprintf(w, "wrote %s\n", path)
					}
				}
				switch {
				case err != nil:
					s.logger.Error("article failed", "article", title, "error", err)
					failed = append(failed, title)
				case result.Failed():
					failed = append(failed, title)
				}
			}

			if len(failed) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d articles failed: %s", len(failed), len(args), strings.Join(failed, ", ")))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "regenerate every unit")
	return cmd
}

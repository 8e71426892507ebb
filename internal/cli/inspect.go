package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-solli/ontograph/pkg/pipeline"
)

// NewProvenanceCommand creates the provenance command.
func NewProvenanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provenance <title>",
		Short: "Write the PROV-O provenance of an article to provenance.ttl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(false)
			if err != nil {
				return err
			}
			defer s.close()

			path, err := s.ExportProvenance(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "provenance", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <title>",
		Short: "Write the knowledge graph of an article to article.ttl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(false)
			if err != nil {
				return err
			}
			defer s.close()

			path, err := s.ExportTurtle(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "export", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

// NewJudgeCommand creates the judge command.
func NewJudgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "judge <title>",
		Short: "Score the triples of every chunk with the triple judge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(false)
			if err != nil {
				return err
			}
			defer s.close()

			judgements, err := s.Judge(cmd.Context(), args[0])
			writeJudgements(cmd.OutOrStdout(), judgements)
			if err != nil {
				return WrapExitError(ExitFailure, "judge", err)
			}
			return nil
		},
	}
}

func writeJudgements(w io.Writer, judgements []pipeline.ChunkJudgement) {
	if len(judgements) == 0 {
		fmt.Fprintln(w, "no triples to judge")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tSECTION\tTRIPLES\tSYNTAX\tURIS\tSCHEMA\tCOMPLETE\tSCORE")
	var total float64
	scored := 0
	for _, j := range judgements {
		if j.Error != "" {
			fmt.Fprintf(tw, "%d\t%s\t%d\t-\t-\t-\t-\terror: %s\n", j.Chunk, j.Breadcrumb, j.Triples, j.Error)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%t\t%.2f\t%.2f\t%.2f\n",
			j.Chunk, j.Breadcrumb, j.Triples,
			bool(j.Scores.SyntaxValid), bool(j.Scores.URIsCorrect),
			float64(j.Scores.SchemaConformance), float64(j.Scores.Completeness), j.Weighted)
		total += j.Weighted
		scored++
	}
	tw.Flush()
	if scored > 0 {
		fmt.Fprintf(w, "mean score: %.2f over %d chunks\n", total/float64(scored), scored)
	}
}

// NewLineageCommand creates the lineage command.
func NewLineageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <title> <cid-or-term>",
		Short: "Trace an output back to the source text",
		Long: `Trace an output back to the source text it was derived from.

The query is either a CID (bare or as an ipfs:// URI) of any unit or
statement, or a term matched against the subject, predicate and object of
the article's triples. Exits 1 when nothing matches.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(false)
			if err != nil {
				return err
			}
			defer s.close()

			found, err := s.Lineage(cmd.Context(), args[0], args[1])
			if err != nil {
				return WrapExitError(ExitFailure, "lineage", err)
			}
			if len(found) == 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("no lineage for %q in %q", args[1], args[0]))
			}
			writeLineage(cmd.OutOrStdout(), found)
			return nil
		},
	}
}

const maxExcerpt = 100

func writeLineage(w io.Writer, found []pipeline.Lineage) {
	for i, l := range found {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if l.Triple != nil {
			fmt.Fprintf(w, "%s %s %s .\n", l.Triple.Subject, l.Triple.Predicate, l.Triple.Object)
		}
		for depth, step := range l.Steps {
			sig := step.Signature
			indent := strings.Repeat("  ", depth)
			fmt.Fprintf(w, "%s%s %s %s\n", indent, sig.Kind, sig.Key(), sig.URI())
			if sig.Label != "" {
				fmt.Fprintf(w, "%s  label: %s\n", indent, sig.Label)
			}
			if text := excerpt(step.Content); text != "" {
				fmt.Fprintf(w, "%s  %s\n", indent, text)
			}
		}
	}
}

// excerpt returns the first maxExcerpt runes of s on one line.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxExcerpt {
		return string(r[:maxExcerpt]) + "..."
	}
	return s
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit int
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent stage runs from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(false)
			if err != nil {
				return err
			}
			defer s.close()

			if reset {
				if err := s.Reset(cmd.Context()); err != nil {
					return WrapExitError(ExitFailure, "reset", err)
				}
			}
			status, err := s.Status(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "status", err)
			}
			writeStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&reset, "reset", false, "forget which sources completed the pipeline")
	return cmd
}

func writeStatus(w io.Writer, status *pipeline.Status) {
	fmt.Fprintf(w, "processed sources: %d\nindexed triples: %d\n\n", status.ProcessedSources, status.Triples)
	if len(status.Runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tARTICLE\tSTAGE\tPROCESSED\tSKIPPED\tERRORS\tDURATION\tRUN")
	for _, r := range status.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Article, r.Stage,
			r.Processed, r.Skipped, r.Errors, r.Duration.Round(time.Millisecond), shortID(r.ID))
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Package cli implements the ontograph command line.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dan-solli/ontograph/pkg/config"
	"github.com/dan-solli/ontograph/pkg/metrics"
	"github.com/dan-solli/ontograph/pkg/pipeline"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	Output      string
	Verbose     bool
	MetricsFile string
	TraceFile   string

	logger *slog.Logger
}

// NewRootCommand creates the root command for the ontograph CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ontograph",
		Short: "Turn Wikipedia articles into provenance-tracked knowledge graphs",
		Long: `ontograph fetches Wikipedia articles and carries them through chunking,
statement extraction, classification, schema selection and RDF generation.

Every stage output is signed with the content address of its input, so a
rerun only redoes the units whose inputs changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := log.InfoLevel
			if opts.Verbose {
				level = log.DebugLevel
			}
			handler := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
				ReportTimestamp: true,
				Level:           level,
			})
			opts.logger = slog.New(handler)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "", "output directory (overrides output.dir)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	cmd.PersistentFlags().StringVar(&opts.TraceFile, "trace-file", "", "append stage traces to this JSONL file")

	// Add subcommands
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewStageCommand(opts, "chunk", "Split the source into section chunks", (*pipeline.Pipeline).Chunk))
	cmd.AddCommand(NewStageCommand(opts, "extract", "Extract statements from every chunk", (*pipeline.Pipeline).Extract))
	cmd.AddCommand(NewStageCommand(opts, "classify", "Classify statements GOOD or BAD", (*pipeline.Pipeline).Classify))
	cmd.AddCommand(NewStageCommand(opts, "schema", "Select schema terms for every chunk", (*pipeline.Pipeline).SelectSchema))
	cmd.AddCommand(NewStageCommand(opts, "rdf", "Generate RDF triples for every statement", (*pipeline.Pipeline).GenerateRDF))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewProvenanceCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewJudgeCommand(opts))
	cmd.AddCommand(NewLineageCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) getLogger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// loadConfig builds the configuration: defaults or the config file, then
// .env and the environment, then flags. Any problem is a usage error.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, WrapExitError(ExitUsage, "load .env", err)
	}

	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitUsage, "load config", err)
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)

	if o.Output != "" {
		cfg.Output.Dir = o.Output
	}
	if o.MetricsFile != "" {
		cfg.Telemetry.MetricsFile = o.MetricsFile
	}
	if o.TraceFile != "" {
		cfg.Telemetry.TraceFile = o.TraceFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitUsage, "config", err)
	}
	return cfg, nil
}

// session is one command's pipeline with its metrics collector.
type session struct {
	*pipeline.Pipeline
	cfg     *config.Config
	metrics *metrics.MetricsCollector
	logger  *slog.Logger
}

// open loads the configuration and builds the pipeline. force overrides
// stages.force when set.
func (o *RootOptions) open(force bool) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if force {
		cfg.Stages.Force = true
	}

	logger := o.getLogger()
	collector := metrics.NewCollector()
	p, err := pipeline.New(cfg, pipeline.Options{Metrics: collector, Logger: logger})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open pipeline", err)
	}
	logger.Debug("pipeline ready", "run_id", p.RunID(), "output", cfg.Output.Dir, "backend", cfg.Output.Backend)
	return &session{Pipeline: p, cfg: cfg, metrics: collector, logger: logger}, nil
}

// close writes the metrics textfile when one is configured and closes the
// pipeline. A failure is logged, not returned.
func (s *session) close() {
	var errs []error
	if path := s.cfg.Telemetry.MetricsFile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := s.Pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conversem/queryfanout/internal/backfill"
	"github.com/conversem/queryfanout/internal/bundler"
	"github.com/conversem/queryfanout/internal/config"
	"github.com/conversem/queryfanout/internal/embedding"
	"github.com/conversem/queryfanout/internal/etl"
	"github.com/conversem/queryfanout/internal/fanout"
	"github.com/conversem/queryfanout/internal/ingest"
	"github.com/conversem/queryfanout/internal/ingest/parse"
	"github.com/conversem/queryfanout/internal/ingest/provider"
	"github.com/conversem/queryfanout/internal/report"
	"github.com/conversem/queryfanout/internal/store"
	"github.com/conversem/queryfanout/internal/windowopt"
)

// argError marks a failure as an argument-validation problem (spec.md §6:
// exit code 2), as distinct from an operational failure reported by a
// pipeline result (exit code 1).
type argError struct{ error }

func argErrorf(format string, args ...any) error {
	return argError{fmt.Errorf(format, args...)}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fanoutctl",
		Short: "Reconstructs LLM bot query-fanout sessions from web server logs",
	}

	pf := rootCmd.PersistentFlags()
	pf.String("backend-path", "fanout.db", "path to the SQLite database")
	pf.Bool("dry-run", false, "compute results without writing to storage")
	pf.Bool("verbose", false, "enable verbose output")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, pf.Lookup(flagName))
	}
	bindFlag("backend_path", "backend-path")
	bindFlag("dry_run", "dry-run")
	bindFlag("verbose", "verbose")

	for k, v := range config.Defaults() {
		viper.SetDefault(k, v)
	}

	viper.SetEnvPrefix("FANOUT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(newIngestCmd(), newETLCmd(), newBackfillCmd(), newWindowOptimizeCmd(), newReportCmd())

	if err := rootCmd.Execute(); err != nil {
		var argErr argError
		if errors.As(err, &argErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (*store.Store, error) {
	return store.Open(cfg.BackendPath)
}

func newIngestCmd() *cobra.Command {
	var inputPath, providerName, formatName, baseDir string
	var allowSymlinks bool
	var maxBytes int64

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse a single access-log file and append it to the raw requests table",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormatFlag(formatName)
			if err != nil {
				return err
			}

			cfg := config.Load()
			s, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			registry := provider.NewRegistry()
			result, err := ingest.File(cmd.Context(), afero.NewOsFs(), s, registry, inputPath, ingest.Config{
				Provider:      providerName,
				Format:        format,
				BaseDir:       baseDir,
				AllowSymlinks: allowSymlinks,
				MaxBytes:      maxBytes,
			})
			if err != nil {
				return err
			}
			printJSON(result)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "path to the source log file")
	cmd.Flags().StringVar(&providerName, "provider", "universal", "adapter name (cloudflare, cloudfront, alb, fastly, akamai, gcp, azure, universal)")
	cmd.Flags().StringVar(&formatName, "format", "ndjson", "source format: csv, tsv, ndjson, json, w3c")
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "if set, --input must resolve under this directory")
	cmd.Flags().BoolVar(&allowSymlinks, "allow-symlinks", false, "permit the input path to be or traverse a symlink")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "reject input files larger than this many bytes (0 = unbounded)")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func parseFormatFlag(name string) (parse.Format, error) {
	switch strings.ToLower(name) {
	case "csv":
		return parse.FormatCSV, nil
	case "tsv":
		return parse.FormatTSV, nil
	case "ndjson":
		return parse.FormatNDJSON, nil
	case "json", "json-array":
		return parse.FormatJSONArray, nil
	case "w3c", "w3c-extended":
		return parse.FormatW3CExtended, nil
	default:
		return 0, fmt.Errorf("unrecognized format %q", name)
	}
}

func newETLCmd() *cobra.Command {
	var startDate, endDate, mode string

	cmd := &cobra.Command{
		Use:   "etl",
		Short: "Transform raw ingested requests into the clean, bot-classified table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			s, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			etlMode := etl.ModeFull
			if mode == "incremental" {
				etlMode = etl.ModeIncremental
			}

			result, err := etl.Run(cmd.Context(), s, startDate, endDate, etlMode, cfg.DryRun)
			if err != nil {
				return err
			}
			printJSON(result)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&mode, "mode", "full", "reconciliation mode: full or incremental")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")

	return cmd
}

func newBackfillCmd() *cobra.Command {
	var startDate, endDate string
	var batchDays int
	var resume, force bool

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Bundle and aggregate historical clean requests into query fan-out sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && force {
				return argErrorf("cannot use both --resume and --force")
			}
			if batchDays < 1 {
				return argErrorf("--batch-days must be >= 1")
			}

			cfg := config.Load()
			s, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			mode := backfill.ModeNormal
			switch {
			case resume:
				mode = backfill.ModeResume
			case force:
				mode = backfill.ModeForce
			}

			window := time.Duration(cfg.OptimalWindowMs) * time.Millisecond
			embedder := embedderFromConfig(cfg)
			thresholds := fanout.ConfidenceThresholds{
				HighMean: cfg.ConfidenceHighMean, HighMin: cfg.ConfidenceHighMin,
				MediumMean: cfg.ConfidenceMedMean, MediumMin: cfg.ConfidenceMedMin,
				SingletonConfidence: cfg.SingletonConfidence,
			}
			agg := fanout.NewAggregator(embedder, thresholds)

			onProgress := func(done, total int) {
				fmt.Fprintf(os.Stderr, "progress: %d/%d days (%.0f%%)\n", done, total, float64(done)/float64(total)*100)
			}

			result, err := backfill.Run(cmd.Context(), s, agg, startDate, endDate, window, mode, batchDays, cfg.DryRun, onProgress)
			if err != nil {
				return err
			}
			printJSON(result)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (YYYY-MM-DD, inclusive)")
	cmd.Flags().IntVar(&batchDays, "batch-days", 7, "days between progress updates")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip dates with existing sessions")
	cmd.Flags().BoolVar(&force, "force", false, "delete and recreate existing sessions")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")

	return cmd
}

func newWindowOptimizeCmd() *cobra.Command {
	var startDate, endDate, windowsFlag, outPath string

	cmd := &cobra.Command{
		Use:   "window-optimize",
		Short: "Sweep candidate bundling windows and recommend one from historical data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			s, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			dates, err := inclusiveDateRange(startDate, endDate)
			if err != nil {
				return fmt.Errorf("parse date range: %w", err)
			}

			var records []bundler.Record
			for _, date := range dates {
				rows, err := s.RequestsForDate(cmd.Context(), date, cfg.FilterCategory)
				if err != nil {
					return fmt.Errorf("read candidate requests for %s: %w", date, err)
				}
				for _, r := range rows {
					ts, err := time.Parse(time.RFC3339, r.RequestTimestamp)
					if err != nil {
						continue
					}
					provider := ""
					if r.BotProvider != nil {
						provider = *r.BotProvider
					}
					records = append(records, bundler.Record{Timestamp: ts, URL: r.URLPath, BotProvider: provider})
				}
			}

			optCfg := windowopt.DefaultConfig()
			optCfg.PurityThreshold = cfg.PurityThreshold
			optCfg.ValidationSplit = cfg.ValidationSplit
			optCfg.Weights = windowopt.Weights{
				MIBCS: cfg.WeightMIBCS, Silhouette: cfg.WeightSilhouette, BPS: cfg.WeightBPS,
				Singleton: cfg.WeightSingleton, Giant: cfg.WeightGiant, Variance: cfg.WeightVariance,
			}
			if windowsFlag != "" {
				optCfg.Windows = parseWindowsFlag(windowsFlag)
			}

			embedder := embedderFromConfig(cfg)
			report, err := windowopt.Run(cmd.Context(), records, embedder, optCfg)
			if err != nil {
				return err
			}

			data, err := report.MarshalJSON()
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			if outPath != "" && !cfg.DryRun {
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&windowsFlag, "windows", "", "comma-separated candidate windows in milliseconds")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the JSON recommendation report")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")

	return cmd
}

func newReportCmd() *cobra.Command {
	var startDate, endDate string
	var kpiNames []string
	var all bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run dashboard KPI queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(kpiNames) == 0 {
				return argErrorf("must specify --all or at least one --kpi")
			}

			cfg := config.Load()
			s, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			queries := report.NewQueries(s)

			var results []report.Result
			if all {
				results, err = queries.RunAll(cmd.Context(), startDate, endDate)
			} else {
				for _, name := range kpiNames {
					r, rerr := queries.Run(cmd.Context(), report.KPI(name), startDate, endDate)
					if rerr != nil {
						return rerr
					}
					results = append(results, r)
				}
			}
			if err != nil {
				return err
			}

			printJSON(results)
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&kpiNames, "kpi", nil, "KPI to run (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "run every available KPI")

	return cmd
}

func embedderFromConfig(cfg config.Config) embedding.Embedder {
	if cfg.AnthropicAPIKey == "" {
		return embedding.NewTFIDFEmbedder()
	}
	return embedding.NewAnthropicEmbedder(cfg.AnthropicAPIKey)
}

func inclusiveDateRange(startDate, endDate string) ([]string, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %q is before start date %q", endDate, startDate)
	}
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}

func parseWindowsFlag(raw string) []time.Duration {
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var ms int
		if _, err := fmt.Sscanf(p, "%d", &ms); err != nil {
			continue
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		return windowopt.DefaultCandidateWindows()
	}
	return out
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

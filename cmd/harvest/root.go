package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FranksOps/harvest/internal/fingerprint"
	"github.com/FranksOps/harvest/internal/keywords"
	"github.com/FranksOps/harvest/internal/metrics"
	"github.com/FranksOps/harvest/internal/pipeline"
	"github.com/FranksOps/harvest/internal/report"
	"github.com/FranksOps/harvest/internal/scraper"
	"github.com/FranksOps/harvest/internal/serp"
	"github.com/FranksOps/harvest/internal/storage"
	"github.com/FranksOps/harvest/internal/storage/csvbackend"
	"github.com/FranksOps/harvest/internal/storage/jsonbackend"
	"github.com/FranksOps/harvest/internal/storage/postgres"
	"github.com/FranksOps/harvest/internal/storage/sqlite"
	"github.com/FranksOps/harvest/pkg/proxy"
	"github.com/FranksOps/harvest/pkg/useragent"
)

var (
	verbosity int
	quiet     bool
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "harvest [keywords...]",
	Short: "harvest scrapes search result pages for a list of keywords",
	Long: `harvest drives a list of keywords through a search engine, parses the
result pages and persists deduplicated records to a storage backend.
Keywords are read from --infile (one per line) or given as arguments.`,
	Args: cobra.ArbitraryArgs,
	RunE: run,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.Flags()

	f.StringP("infile", "i", "", "file with one keyword per line")
	f.StringP("out", "o", "results.jsonl", "output path (json/csv/sqlite) or DSN (postgres)")
	f.String("format", "json", "storage backend: json, csv, sqlite or postgres")
	f.Bool("append", false, "append to existing file output instead of truncating")

	f.Int("workers", 2, "concurrent keyword workers")
	f.Int("max-pages", 10, "maximum result pages per keyword")
	f.Int("max-attempts", 3, "maximum fetch attempts per page")
	f.Duration("rate", 2*time.Second, "minimum delay between requests to the same host")
	f.Float64("rate-fuzz", 0.5, "random extra delay as a fraction of --rate")
	f.Duration("timeout", 30*time.Second, "per-request timeout")

	f.String("template", "%s", "query template, %s is replaced with the keyword")
	f.String("language", "en", "result language (hl parameter)")
	f.String("site", "com", "google country domain, e.g. com, de, fr")

	f.String("proxies", "", "file with one proxy URL per line, rotated per request")
	f.String("fingerprint", "chrome", "TLS fingerprint profile: chrome, firefox, safari, go or random")

	f.Bool("dry-run", false, "log the URLs that would be fetched without any network requests")
	f.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	f.String("report", "text", "run summary format: text, json or html")

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log errors")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	viper.SetEnvPrefix("HARVEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(f))
}

// Execute runs the root command. Startup errors exit non-zero; a run that
// completes exits zero even when some keywords failed.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "harvest:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	tpl := viper.GetString("template")
	if strings.Count(tpl, "%s") != 1 {
		return fmt.Errorf("template must contain exactly one %%s, got %q", tpl)
	}

	switch format := viper.GetString("report"); format {
	case "text", "json", "html":
	default:
		return fmt.Errorf("unknown report format %q: use text, json or html", format)
	}

	src, err := openSource(args)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx := cmd.Context()

	backend, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	var proxies *proxy.Pool
	if path := viper.GetString("proxies"); path != "" {
		proxies = proxy.NewPool(proxy.Config{})
		if err := proxies.LoadFile(path); err != nil {
			return fmt.Errorf("load proxies: %w", err)
		}
	}

	fetcher, err := scraper.NewFetcher(scraper.Config{
		Timeout:     viper.GetDuration("timeout"),
		MaxAttempts: viper.GetInt("max-attempts"),
		Interval:    viper.GetDuration("rate"),
		Jitter:      viper.GetFloat64("rate-fuzz"),
		ProxyPool:   proxies,
		UAPool:      useragent.NewPool(useragent.DefaultPool),
		Fingerprint: fingerprint.Profile(viper.GetString("fingerprint")),
	})
	if err != nil {
		return fmt.Errorf("configure fetcher: %w", err)
	}

	engine := &serp.Google{
		TLD:      viper.GetString("site"),
		Language: viper.GetString("language"),
		Template: tpl,
	}

	coord := pipeline.NewCoordinator(pipeline.Config{
		Workers:  viper.GetInt("workers"),
		MaxPages: viper.GetInt("max-pages"),
		DryRun:   viper.GetBool("dry-run"),
	}, src, engine, fetcher, backend, logger)

	if port := viper.GetInt("metrics-port"); port > 0 {
		srv := metrics.Start(port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	summary, runErr := coord.Run(ctx)
	if runErr != nil {
		logger.Warn("run interrupted", "err", runErr)
	}

	return writeSummary(summary)
}

func openSource(args []string) (*keywords.Source, error) {
	if len(args) > 0 {
		return keywords.NewStaticSource(args), nil
	}

	infile := viper.GetString("infile")
	if infile == "" {
		return nil, errors.New("no keywords given: provide --infile or keyword arguments")
	}

	src, err := keywords.NewFileSource(infile)
	if err != nil {
		return nil, fmt.Errorf("open keyword file: %w", err)
	}
	return src, nil
}

func openBackend(ctx context.Context) (storage.Backend, error) {
	out := viper.GetString("out")
	appendMode := viper.GetBool("append")

	switch format := viper.GetString("format"); format {
	case "json":
		return jsonbackend.New(out, appendMode)
	case "csv":
		return csvbackend.New(out, appendMode)
	case "sqlite":
		return sqlite.New(out)
	case "postgres":
		return postgres.New(ctx, out)
	default:
		return nil, fmt.Errorf("unknown format %q: use json, csv, sqlite or postgres", format)
	}
}

func writeSummary(summary report.Summary) error {
	switch format := viper.GetString("report"); format {
	case "text":
		return report.WriteText(os.Stderr, summary)
	case "json":
		return report.WriteJSON(os.Stderr, summary)
	case "html":
		return report.WriteHTML(os.Stdout, summary)
	default:
		return fmt.Errorf("unknown report format %q: use text, json or html", format)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbosity > 0:
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbosity > 1,
	}))
}

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reportpipe/internal/auth"
	"reportpipe/internal/config"
	"reportpipe/internal/drive"
	"reportpipe/internal/engine"
	"reportpipe/internal/export"
	"reportpipe/internal/httptrace"
	"reportpipe/internal/logging"
	"reportpipe/internal/notify"
	"reportpipe/internal/warehouse"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one end-to-end reporting run",
	Long: `Execute one end-to-end reporting run:

  1. Query the warehouse for area and employee work items.
  2. Render one PDF per item through the BI service, in bounded
     concurrent batches with whole-batch retry passes.
  3. Upload the PDFs and per-type run logs to the document-store drive.
  4. Generate organization-scoped shareable links for employee reports
     and upload the links CSV.
  5. Email an HTML run summary (SMTP fallback when configured).

Credentials come from the environment (a .env file is honored); the
query texts and tuning knobs come from the YAML config file.

Exit codes:
	0 = clean run, every work item succeeded
	1 = some items failed after all retry passes
	2 = partial failure (an upload, link, or email step failed)
	3 = fatal error (auth, warehouse, or configuration failure)

Examples:
  # Full run with the default config file
  reportpipe run

  # Regenerate only area reports without touching links or email
  reportpipe run --report-type areas --skip-links

  # Render PDFs but upload nothing
  reportpipe run --dry-run
`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPipeline(cmd.Context()))
	},
}

func runPipeline(ctx context.Context) int {
	if err := cfg.LoadFile(runConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}
	if err := cfg.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}

	log, closeLog, err := logging.New(cfg.Logging.FilePath, cfg.Run.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open log file: %v\n", err)
		return engine.ExitFatal
	}
	defer closeLog()

	var transport http.RoundTripper
	if cfg.Run.Verbose {
		transport = &httptrace.RoundTripper{Log: log.Named("http")}
	}

	eng, wh, err := buildEngine(ctx, cfg, log, transport)
	if wh != nil {
		defer wh.Close()
	}
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}

	res, err := eng.Run(ctx)
	if err != nil {
		log.Error("run failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}

	printSummary(os.Stdout, cfg, res)
	return res.ExitCode
}

// buildEngine wires every remote dependency. The returned warehouse service
// is non-nil once opened, even when a later step fails, so the caller can
// close it.
func buildEngine(ctx context.Context, cfg *config.Config, log *zap.Logger, transport http.RoundTripper) (*engine.Engine, *warehouse.Service, error) {
	biAuth, err := auth.NewTokenProvider(ctx,
		cfg.Warehouse.TenantID, cfg.Warehouse.ClientID, cfg.Warehouse.ClientSecret,
		auth.ScopeBIService)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := export.NewClient(biAuth.Client(transport),
		cfg.PowerBI.WorkspaceID, cfg.PowerBI.ReportID, cfg.Export.ParameterName,
		log.Named("export"),
		export.WithPolling(cfg.Export.PollInterval, cfg.Export.MaxPolls))
	if err != nil {
		return nil, nil, err
	}

	wh, err := warehouse.Open(ctx, warehouse.Config{
		TenantID:     cfg.Warehouse.TenantID,
		ClientID:     cfg.Warehouse.ClientID,
		ClientSecret: cfg.Warehouse.ClientSecret,
		SQLEndpoint:  cfg.Warehouse.SQLEndpoint,
		Database:     cfg.Warehouse.Database,
	}, log.Named("warehouse"))
	if err != nil {
		return nil, nil, err
	}

	params := engine.Params{
		Config:   cfg,
		Log:      log,
		Querier:  wh,
		Exporter: exporter,
	}

	if !cfg.Run.DryRun {
		graphAuth, err := auth.NewTokenProvider(ctx,
			cfg.SharePoint.TenantID, cfg.SharePoint.ClientID, cfg.SharePoint.ClientSecret,
			auth.ScopeGraph)
		if err != nil {
			return nil, wh, err
		}
		graphClient := graphAuth.Client(transport)

		store := drive.NewClient(graphClient, log.Named("drive"),
			drive.WithRetry(cfg.Links.MaxAttempts, time.Second))
		_, driveID, err := store.ResolveDrive(ctx,
			cfg.SharePoint.SiteURL, cfg.SharePoint.SitePath, cfg.SharePoint.DriveName)
		if err != nil {
			return nil, wh, err
		}

		mailer, err := notify.NewMailer(graphClient,
			cfg.Email.Sender, cfg.Email.Recipients, cfg.Email.CC,
			log.Named("notify"),
			notify.WithSMTPFallback(notify.SMTPConfig{
				Server:   cfg.SMTP.Server,
				Port:     cfg.SMTP.Port,
				Password: cfg.SMTP.Password,
			}))
		if err != nil {
			return nil, wh, err
		}

		params.Store = store
		params.DriveID = driveID
		params.Notifier = mailer
	}

	eng, err := engine.New(params)
	if err != nil {
		return nil, wh, err
	}
	return eng, wh, nil
}

func printSummary(w io.Writer, cfg *config.Config, res engine.Result) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintf(w, "RUN %s\n", res.RunID)
	fmt.Fprintln(w, "----------------------------------------")

	for _, stats := range []engine.TypeStats{res.Areas, res.Employees} {
		if stats.Total == 0 {
			continue
		}
		fmt.Fprintf(w, "%s: %d total, ", stats.Label, stats.Total)
		green.Fprintf(w, "%d succeeded", stats.Succeeded)
		fmt.Fprint(w, ", ")
		if stats.Failed > 0 {
			red.Fprintf(w, "%d failed", stats.Failed)
		} else {
			fmt.Fprint(w, "0 failed")
		}
		if !cfg.Run.DryRun {
			fmt.Fprintf(w, " (%d uploaded)", stats.Uploaded)
		}
		fmt.Fprintln(w)
		for _, key := range stats.FailedKeys {
			fmt.Fprintf(w, "  - %s\n", key)
		}
	}
	if !cfg.Run.DryRun && !cfg.Run.SkipLinks {
		fmt.Fprintf(w, "Links: %d generated, %d failed\n", res.LinksSucceeded, res.LinksFailed)
	}

	switch res.ExitCode {
	case engine.ExitClean:
		green.Fprintln(w, "Run completed cleanly")
	case engine.ExitItemFailures:
		red.Fprintln(w, "Run completed with item failures")
	case engine.ExitPartial:
		yellow.Fprintln(w, "Run completed partially (upload, link, or email step failed)")
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runConfigPath, "config", "reportpipe.yaml", "Path to the YAML config file")
	runCmd.Flags().StringVar(&cfg.Run.ReportType, "report-type", cfg.Run.ReportType, "Work-item sets to process: areas|employees|both")
	runCmd.Flags().BoolVar(&cfg.Run.DryRun, "dry-run", false, "Render reports but skip uploads, links, and email")
	runCmd.Flags().BoolVar(&cfg.Run.SkipLinks, "skip-links", false, "Skip shareable-link generation")
	runCmd.Flags().IntVar(&cfg.Run.BatchSize, "batch-size", 0, "Override both per-type export pool sizes (0 = use configured values)")
}

// Package engine orchestrates one end-to-end reporting run: warehouse
// queries, concurrent export batches with retry passes, document-store
// uploads, shareable links, and the summary notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reportpipe/internal/batch"
	"reportpipe/internal/config"
	"reportpipe/internal/links"
	"reportpipe/internal/notify"
	"reportpipe/internal/warehouse"
)

// Exit codes reported by the binary.
const (
	ExitClean        = 0 // every work item succeeded
	ExitItemFailures = 1 // some items failed after all retry passes
	ExitPartial      = 2 // an upload, link, or email step failed
	ExitFatal        = 3 // auth, warehouse, or configuration failure
)

// Querier reads work-item sets from the warehouse.
type Querier interface {
	QueryValues(ctx context.Context, query string) ([]string, error)
	QueryRows(ctx context.Context, query string) ([]warehouse.Row, error)
}

// Exporter renders one work item to artifact bytes.
type Exporter interface {
	Export(ctx context.Context, key, value string) ([]byte, error)
}

// Store is the slice of the document store the run needs.
type Store interface {
	EnsureFolder(ctx context.Context, driveID, folder string) error
	Upload(ctx context.Context, driveID, folder, name string, payload []byte) error
	CreateShareLink(ctx context.Context, driveID, filePath string) (string, error)
}

// Notifier delivers the run summary.
type Notifier interface {
	Send(ctx context.Context, sum notify.Summary) error
}

// TypeStats accumulates one work-item set's outcome.
type TypeStats struct {
	Label      string
	Total      int
	Succeeded  int
	Failed     int
	FailedKeys []string

	Uploaded     int
	UploadFailed int
}

// Result is what one run produced, for the final summary and exit code.
type Result struct {
	RunID     string
	ExitCode  int
	Areas     TypeStats
	Employees TypeStats

	LinksSucceeded int
	LinksFailed    int

	// Partial marks an upload, link, or email step failure on an otherwise
	// completed run.
	Partial bool
}

// Params wires one engine. Store and Notifier may be nil for dry runs.
type Params struct {
	Config   *config.Config
	Log      *zap.Logger
	Querier  Querier
	Exporter Exporter
	Store    Store
	DriveID  string
	Notifier Notifier

	// Clock stamps run artifacts; nil means time.Now.
	Clock func() time.Time
}

type Engine struct {
	cfg      *config.Config
	log      *zap.Logger
	querier  Querier
	exporter Exporter
	store    Store
	driveID  string
	notifier Notifier
	clock    func() time.Time
}

func New(p Params) (*Engine, error) {
	if p.Config == nil {
		return nil, errors.New("engine: config is nil")
	}
	if p.Querier == nil {
		return nil, errors.New("engine: querier is nil")
	}
	if p.Exporter == nil {
		return nil, errors.New("engine: exporter is nil")
	}
	if !p.Config.Run.DryRun {
		if p.Store == nil {
			return nil, errors.New("engine: store is nil")
		}
		if p.Notifier == nil {
			return nil, errors.New("engine: notifier is nil")
		}
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &Engine{
		cfg:      p.Config,
		log:      p.Log,
		querier:  p.Querier,
		exporter: p.Exporter,
		store:    p.Store,
		driveID:  p.DriveID,
		notifier: p.Notifier,
		clock:    p.Clock,
	}, nil
}

func (e *Engine) banner(step string) {
	line := strings.Repeat("=", 60)
	e.log.Info(line)
	e.log.Info(step)
	e.log.Info(line)
}

type timeStamps struct {
	date     string // for the email subject and body
	dateTime string // for log texts
	file     string // for uploaded file names, carries the short run ID
}

// Run executes the workflow to completion and reports the outcome. The error
// is non-nil only for fatal conditions (Result.ExitCode == ExitFatal).
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := e.log.With(zap.String("run_id", res.RunID))

	loc, err := time.LoadLocation(e.cfg.Run.Timezone)
	if err != nil {
		res.ExitCode = ExitFatal
		return res, fmt.Errorf("engine: load timezone %q: %w", e.cfg.Run.Timezone, err)
	}
	now := e.clock().In(loc)
	stamp := timeStamps{
		date:     now.Format("02-01-2006"),
		dateTime: now.Format("02-01-2006 15:04:05"),
		file:     now.Format("20060102_150405") + "_" + res.RunID[:8],
	}

	e.banner("Reporting workflow started")
	if e.cfg.Run.DryRun {
		log.Info("dry run mode enabled, skipping uploads, links, and email")
	}
	log.Info("run opened",
		zap.String("report_type", e.cfg.Run.ReportType),
		zap.String("local_time", stamp.dateTime),
	)

	e.banner("STEP 1: Querying warehouse")
	areaValues, employeeRows, err := e.queryWorkItems(ctx)
	if err != nil {
		res.ExitCode = ExitFatal
		return res, err
	}

	if e.cfg.ProcessAreas() {
		e.banner("STEP 2: Exporting area reports")
		items := make([]batch.Item, len(areaValues))
		for i, v := range areaValues {
			items[i] = batch.Item{Key: v, Value: v}
		}
		stats, artifacts, err := e.runExports(ctx, log, "Areas", items, e.cfg.Export.BatchSizeAreas)
		if err != nil {
			res.ExitCode = ExitFatal
			return res, err
		}
		res.Areas = stats

		if !e.cfg.Run.DryRun {
			e.banner("STEP 3: Uploading area reports")
			e.uploadFlat(ctx, &res.Areas, artifacts, e.cfg.Store.AreasFolder, &res.Partial)
			e.uploadRunLog(ctx, res.Areas, stamp, &res.Partial)
		}
	}

	var employees []links.Employee
	if e.cfg.ProcessEmployees() {
		employees = make([]links.Employee, 0, len(employeeRows))
		for _, row := range employeeRows {
			employees = append(employees, links.FromRow(row))
		}

		e.banner("STEP 4: Exporting employee reports")
		items := make([]batch.Item, len(employees))
		for i, emp := range employees {
			items[i] = batch.Item{Key: emp.Name, Value: emp.Name}
		}
		stats, artifacts, err := e.runExports(ctx, log, "Employees", items, e.cfg.Export.BatchSizeEmployees)
		if err != nil {
			res.ExitCode = ExitFatal
			return res, err
		}
		res.Employees = stats

		if !e.cfg.Run.DryRun {
			e.banner("STEP 5: Uploading employee reports")
			e.uploadFoldered(ctx, &res.Employees, artifacts, e.cfg.Store.EmployeesFolder, &res.Partial)
			e.uploadRunLog(ctx, res.Employees, stamp, &res.Partial)

			if e.cfg.Run.SkipLinks {
				log.Info("link generation skipped")
			} else {
				e.banner("STEP 6: Generating shareable links")
				e.generateLinks(ctx, &res, employees, stamp)
			}
		}
	}

	if !e.cfg.Run.DryRun {
		e.banner("STEP 7: Sending notification")
		sum := notify.Summary{
			Date:               stamp.date,
			AreasTotal:         res.Areas.Total,
			AreasSucceeded:     res.Areas.Succeeded,
			AreasFailed:        res.Areas.Failed,
			EmployeesTotal:     res.Employees.Total,
			EmployeesSucceeded: res.Employees.Succeeded,
			EmployeesFailed:    res.Employees.Failed,
		}
		if err := e.notifier.Send(ctx, sum); err != nil {
			log.Error("notification failed", zap.Error(err))
			res.Partial = true
		}
	}

	e.banner("STEP 8: Completed")
	log.Info("run summary",
		zap.Int("areas_succeeded", res.Areas.Succeeded),
		zap.Int("areas_failed", res.Areas.Failed),
		zap.Int("employees_succeeded", res.Employees.Succeeded),
		zap.Int("employees_failed", res.Employees.Failed),
	)

	res.ExitCode = exitCode(res)
	return res, nil
}

func exitCode(res Result) int {
	switch {
	case res.Partial:
		return ExitPartial
	case res.Areas.Failed > 0 || res.Employees.Failed > 0:
		return ExitItemFailures
	default:
		return ExitClean
	}
}

func (e *Engine) queryWorkItems(ctx context.Context) (areas []string, employees []warehouse.Row, err error) {
	if e.cfg.ProcessAreas() {
		areas, err = e.querier.QueryValues(ctx, e.cfg.Queries.Areas)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: query areas: %w", err)
		}
		e.log.Info("fetched areas", zap.Int("count", len(areas)))
	}
	if e.cfg.ProcessEmployees() {
		employees, err = e.querier.QueryRows(ctx, e.cfg.Queries.Employees)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: query employees: %w", err)
		}
		e.log.Info("fetched employees", zap.Int("count", len(employees)))
	}
	return areas, employees, nil
}

// runExports runs the batch pipeline for one work-item set and folds the
// ledger into TypeStats. The returned error is fatal (context cancellation
// or a bad pool configuration); item-level failures land in the stats.
func (e *Engine) runExports(ctx context.Context, log *zap.Logger, label string, items []batch.Item, pool int) (TypeStats, map[string][]byte, error) {
	stats := TypeStats{Label: label, Total: len(items)}
	if len(items) == 0 {
		log.Info("no work items", zap.String("set", label))
		return stats, nil, nil
	}

	fn := func(ctx context.Context, item batch.Item) ([]byte, error) {
		return e.exporter.Export(ctx, item.Key, item.Value)
	}
	runner, err := batch.NewRunner(fn, pool, e.cfg.Export.MaxRetries, e.cfg.Export.RetryDelay, log.Named(strings.ToLower(label)))
	if err != nil {
		return stats, nil, fmt.Errorf("engine: build %s runner: %w", label, err)
	}

	ledger, err := runner.Run(ctx, items)
	if err != nil {
		return stats, nil, fmt.Errorf("engine: %s batch aborted: %w", label, err)
	}

	artifacts := ledger.Succeeded()
	stats.Succeeded = len(artifacts)
	stats.FailedKeys = ledger.FailedKeys()
	stats.Failed = len(stats.FailedKeys)
	return stats, artifacts, nil
}

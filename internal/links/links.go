// Package links generates shareable view links for uploaded employee
// reports. The document store throttles createLink aggressively, so the
// fan-out pool is capped well below the export pool sizes.
package links

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reportpipe/internal/drive"
	"reportpipe/internal/report"
)

// MaxConcurrency is the hard ceiling on the link-generation pool, regardless
// of configuration. createLink throttles far earlier than uploads do.
const MaxConcurrency = 15

// Employee is one link-generation work item.
type Employee struct {
	ID    string
	Name  string
	Email string
}

// FromRow maps a warehouse row to an Employee, accepting the column
// spellings the reporting feed has used over time.
func FromRow(row map[string]string) Employee {
	e := Employee{
		ID:    firstOf(row, "EmployeeID", "ID", "id"),
		Name:  firstOf(row, "EmployeeName", "Name", "name"),
		Email: firstOf(row, "EmployeeEmail", "Email", "email"),
	}
	if e.ID == "" {
		for _, v := range row {
			if v != "" && allDigits(v) {
				e.ID = v
				break
			}
		}
	}
	if e.ID == "" {
		e.ID = "UnknownID"
	}
	if e.Name == "" {
		e.Name = "UnknownName"
	}
	return e
}

func firstOf(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := row[k]; v != "" {
			return v
		}
	}
	return ""
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ShareLinker is the slice of the document store client link generation needs.
type ShareLinker interface {
	CreateShareLink(ctx context.Context, driveID, filePath string) (string, error)
}

// Generator fans link creation out over uploaded employee PDFs.
type Generator struct {
	store       ShareLinker
	driveID     string
	baseFolder  string
	concurrency int
	log         *zap.Logger
}

func NewGenerator(store ShareLinker, driveID, baseFolder string, concurrency int, log *zap.Logger) (*Generator, error) {
	if store == nil {
		return nil, errors.New("links: store is nil")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("links: concurrency must be >= 1, got %d", concurrency)
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{
		store:       store,
		driveID:     driveID,
		baseFolder:  baseFolder,
		concurrency: concurrency,
		log:         log,
	}, nil
}

// FilePath returns the drive path of one employee's uploaded report,
// matching the per-employee folder layout the uploader writes.
func (g *Generator) FilePath(e Employee) string {
	name := "report_" + e.Name
	return fmt.Sprintf("%s/%s/%s.pdf", g.baseFolder, name, name)
}

// Run generates one link per employee and partitions the outcomes into
// success and failure records, each sorted by employee name. Failures carry
// a short reason in place of the URL; they never abort the batch.
func (g *Generator) Run(ctx context.Context, employees []Employee) (succeeded, failed []report.LinkRecord) {
	g.log.Info("generating shareable links",
		zap.Int("employees", len(employees)),
		zap.Int("concurrency", g.concurrency),
	)

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(g.concurrency)

	for _, emp := range employees {
		eg.Go(func() error {
			rec := g.generate(ctx, emp)

			mu.Lock()
			defer mu.Unlock()
			if rec.Status == report.StatusSuccess {
				succeeded = append(succeeded, rec)
			} else {
				failed = append(failed, rec)
			}
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].Name < succeeded[j].Name })
	sort.Slice(failed, func(i, j int) bool { return failed[i].Name < failed[j].Name })

	g.log.Info("link generation finished",
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
	)
	return succeeded, failed
}

func (g *Generator) generate(ctx context.Context, e Employee) report.LinkRecord {
	rec := report.LinkRecord{ID: e.ID, Name: e.Name, Email: e.Email}

	url, err := g.store.CreateShareLink(ctx, g.driveID, g.FilePath(e))
	switch {
	case err == nil:
		rec.URL = url
		rec.Status = report.StatusSuccess
		g.log.Debug("link created", zap.String("employee", e.Name))
	case errors.Is(err, drive.ErrNotFound):
		rec.URL = "File Not Found"
		rec.Status = report.StatusFailed
		g.log.Warn("no uploaded report for employee",
			zap.String("employee", e.Name), zap.String("id", e.ID))
	case errors.Is(err, drive.ErrThrottled):
		rec.URL = "Throttled"
		rec.Status = report.StatusFailed
		g.log.Error("link generation throttled out",
			zap.String("employee", e.Name), zap.Error(err))
	default:
		rec.URL = "Failed"
		rec.Status = report.StatusFailed
		g.log.Error("link generation failed",
			zap.String("employee", e.Name), zap.Error(err))
	}
	return rec
}

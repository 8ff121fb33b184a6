package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reportpipe/internal/batch"
	"reportpipe/internal/links"
	"reportpipe/internal/report"
)

// uploadFlat pushes one set's artifacts into a shared folder, one file per
// item named after its key.
func (e *Engine) uploadFlat(ctx context.Context, stats *TypeStats, artifacts map[string][]byte, folder string, partial *bool) {
	if len(artifacts) == 0 {
		return
	}
	if err := e.store.EnsureFolder(ctx, e.driveID, folder); err != nil {
		e.log.Error("cannot prepare upload folder", zap.String("folder", folder), zap.Error(err))
		stats.UploadFailed = len(artifacts)
		*partial = true
		return
	}

	op := func(ctx context.Context, key string, payload []byte) error {
		return e.store.Upload(ctx, e.driveID, folder, key+".pdf", payload)
	}
	e.runUploads(ctx, stats, artifacts, op, partial)
}

// uploadFoldered gives every artifact its own report_<key> folder under base,
// the layout link generation expects.
func (e *Engine) uploadFoldered(ctx context.Context, stats *TypeStats, artifacts map[string][]byte, base string, partial *bool) {
	if len(artifacts) == 0 {
		return
	}

	op := func(ctx context.Context, key string, payload []byte) error {
		folder := base + "/report_" + key
		if err := e.store.EnsureFolder(ctx, e.driveID, folder); err != nil {
			return err
		}
		return e.store.Upload(ctx, e.driveID, folder, "report_"+key+".pdf", payload)
	}
	e.runUploads(ctx, stats, artifacts, op, partial)
}

func (e *Engine) runUploads(ctx context.Context, stats *TypeStats, artifacts map[string][]byte, op batch.UploadFunc, partial *bool) {
	ok, failed, err := batch.RunUploads(ctx, artifacts, e.cfg.Store.UploadConcurrency, op, e.log)
	if err != nil {
		e.log.Error("upload batch aborted", zap.Error(err))
		stats.UploadFailed = len(artifacts)
		*partial = true
		return
	}
	stats.Uploaded = len(ok)
	stats.UploadFailed = len(failed)
	if len(failed) > 0 {
		e.log.Error("uploads failed", zap.Strings("keys", failed))
		*partial = true
	}
}

func (e *Engine) uploadRunLog(ctx context.Context, stats TypeStats, stamp timeStamps, partial *bool) {
	content := report.GenerationLog(stats.Label, stats.Total, stats.Succeeded, stats.FailedKeys, stamp.dateTime)
	name := fmt.Sprintf("Logs_%s_%s.txt", stats.Label, stamp.file)
	if err := e.uploadText(ctx, e.cfg.Store.LogsFolder, name, content); err != nil {
		e.log.Error("run log upload failed", zap.String("name", name), zap.Error(err))
		*partial = true
	}
}

func (e *Engine) uploadText(ctx context.Context, folder, name, content string) error {
	if folder != "" {
		if err := e.store.EnsureFolder(ctx, e.driveID, folder); err != nil {
			return err
		}
	}
	return e.store.Upload(ctx, e.driveID, folder, name, []byte(content))
}

// generateLinks runs the link fan-out and uploads the CSV plus the link log.
// Per-employee link failures are reported in those artifacts; only step-level
// errors (CSV rendering, uploads) degrade the run to partial.
func (e *Engine) generateLinks(ctx context.Context, res *Result, employees []links.Employee, stamp timeStamps) {
	gen, err := links.NewGenerator(e.store, e.driveID, e.cfg.Store.EmployeesFolder, e.cfg.Links.Concurrency, e.log)
	if err != nil {
		e.log.Error("cannot build link generator", zap.Error(err))
		res.Partial = true
		return
	}

	ok, bad := gen.Run(ctx, employees)
	res.LinksSucceeded = len(ok)
	res.LinksFailed = len(bad)

	csvContent, err := report.LinksCSV(append(append([]report.LinkRecord{}, ok...), bad...))
	if err != nil {
		e.log.Error("cannot render links csv", zap.Error(err))
		res.Partial = true
		return
	}
	if err := e.uploadText(ctx, "", e.cfg.Links.CSVFileName, csvContent); err != nil {
		e.log.Error("links csv upload failed", zap.Error(err))
		res.Partial = true
	}

	logContent := report.LinkGenerationLog(len(employees), len(ok), len(bad), stamp.dateTime, bad)
	name := fmt.Sprintf("Logs_LinkGeneration_%s.txt", stamp.file)
	if err := e.uploadText(ctx, e.cfg.Store.LogsFolder, name, logContent); err != nil {
		e.log.Error("link log upload failed", zap.Error(err))
		res.Partial = true
	}
}

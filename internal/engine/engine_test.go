package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"reportpipe/internal/config"
	"reportpipe/internal/notify"
	"reportpipe/internal/warehouse"
)

type fakeQuerier struct {
	areas    []string
	rows     []warehouse.Row
	areasErr error
	rowsErr  error

	areasCalls int
	rowsCalls  int
}

func (f *fakeQuerier) QueryValues(ctx context.Context, query string) ([]string, error) {
	f.areasCalls++
	return f.areas, f.areasErr
}

func (f *fakeQuerier) QueryRows(ctx context.Context, query string) ([]warehouse.Row, error) {
	f.rowsCalls++
	return f.rows, f.rowsErr
}

type fakeExporter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeExporter(failKeys ...string) *fakeExporter {
	f := &fakeExporter{calls: make(map[string]int), fail: make(map[string]bool)}
	for _, k := range failKeys {
		f.fail[k] = true
	}
	return f
}

func (f *fakeExporter) Export(ctx context.Context, key, value string) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
	if f.fail[key] {
		return nil, fmt.Errorf("render failed for %s", key)
	}
	return []byte("pdf:" + key), nil
}

type fakeDrive struct {
	mu        sync.Mutex
	folders   []string
	uploads   map[string][]byte // "folder|name" -> payload
	uploadErr map[string]error  // file name -> forced error
	linkCalls []string
	linkErr   error
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{uploads: make(map[string][]byte), uploadErr: make(map[string]error)}
}

func (f *fakeDrive) EnsureFolder(ctx context.Context, driveID, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	return nil
}

func (f *fakeDrive) Upload(ctx context.Context, driveID, folder, name string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.uploadErr[name]; err != nil {
		return err
	}
	f.uploads[folder+"|"+name] = payload
	return nil
}

func (f *fakeDrive) CreateShareLink(ctx context.Context, driveID, filePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls = append(f.linkCalls, filePath)
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return "https://example.com/s/" + filePath, nil
}

func (f *fakeDrive) uploadNamed(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, payload := range f.uploads {
		if strings.HasSuffix(key, "|"+name) {
			return payload, true
		}
	}
	return nil, false
}

func (f *fakeDrive) uploadWithPrefix(prefix string) (string, []byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, payload := range f.uploads {
		parts := strings.SplitN(key, "|", 2)
		if strings.HasPrefix(parts[1], prefix) {
			return parts[1], payload, true
		}
	}
	return "", nil, false
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Summary
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, sum notify.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sum)
	return nil
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Run.Timezone = "UTC"
	cfg.Queries.Areas = "SELECT AreaName FROM areas"
	cfg.Queries.Employees = "SELECT ID, Name, Email FROM employees"
	cfg.Export.MaxRetries = 0
	cfg.Export.RetryDelay = 0
	return cfg
}

func fixedClock() time.Time {
	return time.Date(2026, 8, 30, 9, 15, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, cfg *config.Config, q Querier, x Exporter, d *fakeDrive, n Notifier) *Engine {
	t.Helper()
	p := Params{
		Config:   cfg,
		Log:      zap.NewNop(),
		Querier:  q,
		Exporter: x,
		DriveID:  "drv-1",
		Notifier: n,
		Clock:    fixedClock,
	}
	if d != nil {
		p.Store = d
	}
	eng, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestRun_CleanBothTypes(t *testing.T) {
	q := &fakeQuerier{
		areas: []string{"North", "South"},
		rows: []warehouse.Row{
			{"ID": "1", "Name": "Ana", "Email": "ana@example.com"},
			{"ID": "2", "Name": "Ben", "Email": "ben@example.com"},
		},
	}
	d := newFakeDrive()
	n := &fakeNotifier{}
	eng := newTestEngine(t, testConfig(), q, newFakeExporter(), d, n)

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitClean {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitClean)
	}

	if got, ok := d.uploadNamed("North.pdf"); !ok || string(got) != "pdf:North" {
		t.Errorf("area upload missing or wrong: %q %v", got, ok)
	}
	if payload, ok := d.uploads["Employees/report_Ana|report_Ana.pdf"]; !ok || string(payload) != "pdf:Ana" {
		t.Errorf("employee upload missing: %v", d.uploads)
	}
	if _, _, ok := d.uploadWithPrefix("Logs_Areas_"); !ok {
		t.Error("areas run log not uploaded")
	}
	if _, _, ok := d.uploadWithPrefix("Logs_Employees_"); !ok {
		t.Error("employees run log not uploaded")
	}
	if _, ok := d.uploadNamed("Shareable_Links_Employees.csv"); !ok {
		t.Error("links csv not uploaded")
	}
	if _, _, ok := d.uploadWithPrefix("Logs_LinkGeneration_"); !ok {
		t.Error("link log not uploaded")
	}

	if len(d.linkCalls) != 2 {
		t.Errorf("link calls = %v, want one per employee", d.linkCalls)
	}
	if res.LinksSucceeded != 2 || res.LinksFailed != 0 {
		t.Errorf("links = %d/%d, want 2/0", res.LinksSucceeded, res.LinksFailed)
	}

	if len(n.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.sent))
	}
	sum := n.sent[0]
	if sum.AreasTotal != 2 || sum.AreasSucceeded != 2 || sum.EmployeesTotal != 2 || sum.EmployeesSucceeded != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Date != "30-08-2026" {
		t.Errorf("summary date = %q", sum.Date)
	}
}

func TestRun_ExportFailuresExitOne(t *testing.T) {
	q := &fakeQuerier{areas: []string{"North", "South", "West"}}
	cfg := testConfig()
	cfg.Run.ReportType = "areas"
	d := newFakeDrive()
	n := &fakeNotifier{}
	eng := newTestEngine(t, cfg, q, newFakeExporter("South"), d, n)

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitItemFailures {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitItemFailures)
	}
	if res.Areas.Succeeded != 2 || res.Areas.Failed != 1 {
		t.Errorf("areas stats = %+v", res.Areas)
	}

	_, logContent, ok := d.uploadWithPrefix("Logs_Areas_")
	if !ok {
		t.Fatal("areas run log not uploaded")
	}
	if !strings.Contains(string(logContent), " - South") {
		t.Errorf("run log does not list the failed area:\n%s", logContent)
	}
	if len(n.sent) != 1 || n.sent[0].AreasFailed != 1 {
		t.Errorf("notification = %+v", n.sent)
	}
}

func TestRun_UploadFailureExitPartial(t *testing.T) {
	q := &fakeQuerier{areas: []string{"North"}}
	cfg := testConfig()
	cfg.Run.ReportType = "areas"
	d := newFakeDrive()
	d.uploadErr["North.pdf"] = errors.New("storage rejected payload")
	eng := newTestEngine(t, cfg, q, newFakeExporter(), d, &fakeNotifier{})

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitPartial {
		t.Errorf("exit = %d, want %d", res.ExitCode, ExitPartial)
	}
	if res.Areas.UploadFailed != 1 {
		t.Errorf("upload failed = %d, want 1", res.Areas.UploadFailed)
	}
}

func TestRun_NotifierFailureExitPartial(t *testing.T) {
	q := &fakeQuerier{areas: []string{"North"}}
	cfg := testConfig()
	cfg.Run.ReportType = "areas"
	eng := newTestEngine(t, cfg, q, newFakeExporter(), newFakeDrive(), &fakeNotifier{err: errors.New("mailbox gone")})

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitPartial {
		t.Errorf("exit = %d, want %d", res.ExitCode, ExitPartial)
	}
}

func TestRun_QueryFailureIsFatal(t *testing.T) {
	q := &fakeQuerier{areasErr: errors.New("endpoint unreachable")}
	eng := newTestEngine(t, testConfig(), q, newFakeExporter(), newFakeDrive(), &fakeNotifier{})

	res, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if res.ExitCode != ExitFatal {
		t.Errorf("exit = %d, want %d", res.ExitCode, ExitFatal)
	}
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	q := &fakeQuerier{
		areas: []string{"North"},
		rows:  []warehouse.Row{{"ID": "1", "Name": "Ana"}},
	}
	cfg := testConfig()
	cfg.Run.DryRun = true

	// Dry runs may omit store and notifier entirely.
	eng, err := New(Params{
		Config:   cfg,
		Log:      zap.NewNop(),
		Querier:  q,
		Exporter: newFakeExporter(),
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitClean {
		t.Errorf("exit = %d, want %d", res.ExitCode, ExitClean)
	}
	if res.Areas.Succeeded != 1 || res.Employees.Succeeded != 1 {
		t.Errorf("exports did not run: %+v", res)
	}
}

func TestRun_SkipLinks(t *testing.T) {
	q := &fakeQuerier{rows: []warehouse.Row{{"ID": "1", "Name": "Ana"}}}
	cfg := testConfig()
	cfg.Run.ReportType = "employees"
	cfg.Run.SkipLinks = true
	d := newFakeDrive()
	eng := newTestEngine(t, cfg, q, newFakeExporter(), d, &fakeNotifier{})

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitClean {
		t.Errorf("exit = %d", res.ExitCode)
	}
	if len(d.linkCalls) != 0 {
		t.Errorf("link calls = %v, want none", d.linkCalls)
	}
	if _, ok := d.uploadNamed("Shareable_Links_Employees.csv"); ok {
		t.Error("links csv uploaded despite --skip-links")
	}
}

func TestRun_ReportTypeScopesQueries(t *testing.T) {
	q := &fakeQuerier{areas: []string{"North"}}
	cfg := testConfig()
	cfg.Run.ReportType = "areas"
	eng := newTestEngine(t, cfg, q, newFakeExporter(), newFakeDrive(), &fakeNotifier{})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.areasCalls != 1 || q.rowsCalls != 0 {
		t.Errorf("queries = %d/%d, want 1/0", q.areasCalls, q.rowsCalls)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	base := Params{
		Config:   cfg,
		Querier:  &fakeQuerier{},
		Exporter: newFakeExporter(),
		Store:    newFakeDrive(),
		Notifier: &fakeNotifier{},
	}

	p := base
	p.Config = nil
	if _, err := New(p); err == nil {
		t.Error("expected error for nil config")
	}

	p = base
	p.Querier = nil
	if _, err := New(p); err == nil {
		t.Error("expected error for nil querier")
	}

	p = base
	p.Store = nil
	if _, err := New(p); err == nil {
		t.Error("expected error for nil store on a live run")
	}
}

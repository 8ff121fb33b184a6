package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// MAINTAINER NOTE: If you add/change/remove config fields that affect run
	// behavior, keep the CLI flags in internal/cli/run.go in sync.
	Run        Run
	Queries    Queries
	Export     Export
	Store      Store
	Links      Links
	Email      Email
	Logging    Logging
	Warehouse  Warehouse
	PowerBI    PowerBI
	SharePoint SharePoint
	SMTP       SMTP
}

type Run struct {
	// ReportType selects which work-item sets to process (see --report-type).
	// Allowed values: areas, employees, both.
	ReportType string

	// DryRun generates reports but skips uploads, links, and email (see --dry-run).
	DryRun bool

	// SkipLinks skips shareable-link generation (see --skip-links).
	SkipLinks bool

	// BatchSize overrides the configured per-type pool sizes (see --batch-size).
	// 0 means use the configured values.
	BatchSize int

	// Timezone is the IANA zone used for run timestamps in logs and file names.
	Timezone string

	// Verbose enables debug logging and per-request HTTP tracing.
	Verbose bool
}

type Queries struct {
	// Areas returns one area name per row, first column.
	Areas string `yaml:"areas"`

	// Employees returns one employee per row with ID, Name, and Email columns.
	Employees string `yaml:"employees"`
}

type Export struct {
	// BatchSizeAreas and BatchSizeEmployees bound first-pass concurrency.
	BatchSizeAreas     int
	BatchSizeEmployees int

	// MaxRetries is the number of whole-batch retry passes after the first pass.
	MaxRetries int

	// RetryDelay is the fixed wait before each retry pass.
	RetryDelay time.Duration

	// PollInterval is the wait between status polls for one export job.
	PollInterval time.Duration

	// MaxPolls caps status polls per export job before it times out.
	MaxPolls int

	// ParameterName is the report parameter each work item's value is bound to.
	ParameterName string
}

type Store struct {
	// Folder paths inside the drive, relative to its root.
	AreasFolder     string `yaml:"areas_folder"`
	EmployeesFolder string `yaml:"employees_folder"`
	LogsFolder      string `yaml:"logs_folder"`

	// UploadConcurrency bounds the upload worker pool.
	UploadConcurrency int `yaml:"upload_concurrency"`
}

type Links struct {
	// Concurrency bounds link generation. The document store throttles
	// aggressively on createLink, so this is capped at MaxSafeConcurrency.
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts bounds the per-call rate-limit retry loop.
	MaxAttempts int `yaml:"max_attempts"`

	// CSVFileName is the name of the shareable-links CSV uploaded to the drive root.
	CSVFileName string `yaml:"csv_file_name"`
}

type Email struct {
	Sender     string
	Recipients []string
	CC         []string
}

type Logging struct {
	// FilePath is where the run log is written locally (also teed to console).
	FilePath string `yaml:"file_path"`
}

type Warehouse struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SQLEndpoint  string
	Database     string
}

type PowerBI struct {
	WorkspaceID string
	ReportID    string
}

type SharePoint struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SiteURL      string
	SitePath     string
	DriveName    string
}

type SMTP struct {
	Server   string
	Port     int
	Password string
}

// MaxSafeConcurrency is the ceiling for link-generation workers. Above this
// the document store throttles nearly every createLink call.
const MaxSafeConcurrency = 15

func New() *Config {
	return &Config{
		Run: Run{
			ReportType: "both",
			Timezone:   "Australia/Sydney",
		},
		Export: Export{
			BatchSizeAreas:     20,
			BatchSizeEmployees: 20,
			MaxRetries:         3,
			RetryDelay:         5 * time.Second,
			PollInterval:       10 * time.Second,
			MaxPolls:           30,
			ParameterName:      "Name",
		},
		Store: Store{
			AreasFolder:       "Areas",
			EmployeesFolder:   "Employees",
			LogsFolder:        "Logs",
			UploadConcurrency: 50,
		},
		Links: Links{
			Concurrency: MaxSafeConcurrency,
			MaxAttempts: 3,
			CSVFileName: "Shareable_Links_Employees.csv",
		},
		Logging: Logging{
			FilePath: "reportpipe.log",
		},
	}
}

// fileConfig mirrors the YAML layout of the config file. It is deliberately
// separate from Config: the file carries only the knobs an operator tunes
// (durations as integer seconds), credentials always come from the environment.
type fileConfig struct {
	Timezone string  `yaml:"timezone"`
	Queries  Queries `yaml:"queries"`
	Export   struct {
		BatchSizeAreas      int    `yaml:"batch_size_areas"`
		BatchSizeEmployees  int    `yaml:"batch_size_employees"`
		MaxRetries          *int   `yaml:"max_retries"`
		RetryDelaySeconds   int    `yaml:"retry_delay_seconds"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		MaxPolls            int    `yaml:"max_polls"`
		ParameterName       string `yaml:"parameter_name"`
	} `yaml:"export"`
	Store   Store   `yaml:"store"`
	Links   Links   `yaml:"links"`
	Logging Logging `yaml:"logging"`
}

// LoadFile merges the YAML config at path into c. A missing file is an error;
// missing individual keys keep their defaults.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	fc := fileConfig{
		Timezone: c.Run.Timezone,
		Queries:  c.Queries,
		Store:    c.Store,
		Links:    c.Links,
		Logging:  c.Logging,
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.Run.Timezone = fc.Timezone
	c.Queries = fc.Queries
	c.Store = fc.Store
	c.Links = fc.Links
	c.Logging = fc.Logging

	if fc.Export.BatchSizeAreas > 0 {
		c.Export.BatchSizeAreas = fc.Export.BatchSizeAreas
	}
	if fc.Export.BatchSizeEmployees > 0 {
		c.Export.BatchSizeEmployees = fc.Export.BatchSizeEmployees
	}
	// Pointer so an explicit max_retries: 0 disables retry passes.
	if fc.Export.MaxRetries != nil {
		c.Export.MaxRetries = *fc.Export.MaxRetries
	}
	if fc.Export.RetryDelaySeconds > 0 {
		c.Export.RetryDelay = time.Duration(fc.Export.RetryDelaySeconds) * time.Second
	}
	if fc.Export.PollIntervalSeconds > 0 {
		c.Export.PollInterval = time.Duration(fc.Export.PollIntervalSeconds) * time.Second
	}
	if fc.Export.MaxPolls > 0 {
		c.Export.MaxPolls = fc.Export.MaxPolls
	}
	if strings.TrimSpace(fc.Export.ParameterName) != "" {
		c.Export.ParameterName = fc.Export.ParameterName
	}
	return nil
}

// LoadEnv populates credentials and addressing from the environment. A .env
// file in the working directory is honored if present but never required.
func (c *Config) LoadEnv() error {
	_ = godotenv.Load()

	required := map[string]*string{
		"FABRIC_TENANT_ID":         &c.Warehouse.TenantID,
		"FABRIC_CLIENT_ID":         &c.Warehouse.ClientID,
		"FABRIC_CLIENT_SECRET":     &c.Warehouse.ClientSecret,
		"FABRIC_SQL_ENDPOINT":      &c.Warehouse.SQLEndpoint,
		"FABRIC_DATABASE_NAME":     &c.Warehouse.Database,
		"POWERBI_WORKSPACE_ID":     &c.PowerBI.WorkspaceID,
		"POWERBI_REPORT_ID":        &c.PowerBI.ReportID,
		"SHAREPOINT_TENANT_ID":     &c.SharePoint.TenantID,
		"SHAREPOINT_CLIENT_ID":     &c.SharePoint.ClientID,
		"SHAREPOINT_CLIENT_SECRET": &c.SharePoint.ClientSecret,
		"SHAREPOINT_SITE_URL":      &c.SharePoint.SiteURL,
		"SHAREPOINT_SITE_PATH":     &c.SharePoint.SitePath,
		"SHAREPOINT_DRIVE_NAME":    &c.SharePoint.DriveName,
		"EMAIL_SENDER":             &c.Email.Sender,
	}

	var missing []string
	for name, dst := range required {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
			continue
		}
		*dst = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	c.Email.Recipients = splitCommaList([]string{os.Getenv("EMAIL_RECIPIENTS")})
	c.Email.CC = splitCommaList([]string{os.Getenv("EMAIL_CC")})

	c.SMTP.Server = strings.TrimSpace(os.Getenv("SMTP_SERVER"))
	c.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	if port := strings.TrimSpace(os.Getenv("SMTP_PORT")); port != "" {
		n, err := parsePort(port)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		c.SMTP.Port = n
	}

	return nil
}

func (c *Config) Validate() error {
	c.Run.ReportType = normalizeEnumValue(c.Run.ReportType)
	if c.Run.ReportType == "" {
		c.Run.ReportType = "both"
	}
	if c.Run.ReportType != "areas" && c.Run.ReportType != "employees" && c.Run.ReportType != "both" {
		return fmt.Errorf("unsupported --report-type: %s (must be one of: areas, employees, both)", c.Run.ReportType)
	}

	if c.Run.BatchSize < 0 {
		return errors.New("--batch-size must be >= 0")
	}
	if c.Run.BatchSize > 0 {
		c.Export.BatchSizeAreas = c.Run.BatchSize
		c.Export.BatchSizeEmployees = c.Run.BatchSize
	}

	if c.ProcessAreas() && strings.TrimSpace(c.Queries.Areas) == "" {
		return errors.New("queries.areas is required for report type " + c.Run.ReportType)
	}
	if c.ProcessEmployees() && strings.TrimSpace(c.Queries.Employees) == "" {
		return errors.New("queries.employees is required for report type " + c.Run.ReportType)
	}

	if c.Export.BatchSizeAreas <= 0 || c.Export.BatchSizeEmployees <= 0 {
		return errors.New("export batch sizes must be >= 1")
	}
	if c.Export.MaxRetries < 0 {
		return errors.New("export.max_retries must be >= 0")
	}
	if c.Export.MaxPolls <= 0 {
		return errors.New("export.max_polls must be >= 1")
	}
	if c.Export.PollInterval <= 0 {
		return errors.New("export.poll_interval must be > 0")
	}
	if c.Export.RetryDelay < 0 {
		return errors.New("export.retry_delay must be >= 0")
	}
	if strings.TrimSpace(c.Export.ParameterName) == "" {
		return errors.New("export.parameter_name must not be empty")
	}

	if c.Store.UploadConcurrency <= 0 {
		return errors.New("store.upload_concurrency must be >= 1")
	}

	if c.Links.Concurrency <= 0 {
		return errors.New("links.concurrency must be >= 1")
	}
	if c.Links.Concurrency > MaxSafeConcurrency {
		c.Links.Concurrency = MaxSafeConcurrency
	}
	if c.Links.MaxAttempts <= 0 {
		return errors.New("links.max_attempts must be >= 1")
	}

	if !c.Run.DryRun && len(c.Email.Recipients) == 0 {
		return errors.New("EMAIL_RECIPIENTS is required unless --dry-run is set")
	}

	return nil
}

// ProcessAreas reports whether the run includes the areas work-item set.
func (c *Config) ProcessAreas() bool {
	return c.Run.ReportType == "areas" || c.Run.ReportType == "both"
}

// ProcessEmployees reports whether the run includes the employees work-item set.
func (c *Config) ProcessEmployees() bool {
	return c.Run.ReportType == "employees" || c.Run.ReportType == "both"
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parsePort(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("%d is out of range", n)
	}
	return n, nil
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// Package report renders the text artifacts the workflow uploads alongside
// the PDFs: per-type generation logs, the shareable-links CSV, and the
// link-generation log.
package report

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// Link statuses recorded in the CSV and the link log.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// LinkRecord is one row of the shareable-links CSV. URL holds the link for
// successful records and a short failure reason otherwise.
type LinkRecord struct {
	ID     string
	Name   string
	Email  string
	URL    string
	Status string
}

// GenerationLog renders the per-type export log uploaded to the logs folder.
// label names the work-item set ("Areas", "Employees"); timestamp is the
// run's formatted local time.
func GenerationLog(label string, total, succeeded int, failedKeys []string, timestamp string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s PDFs generated log\ndate: %s\n\n", label, timestamp)
	fmt.Fprintf(&b, "Total: %d\n", total)
	fmt.Fprintf(&b, "Success: %d\n", succeeded)
	fmt.Fprintf(&b, "Failed: %d\n", total-succeeded)

	if len(failedKeys) > 0 {
		b.WriteString("Failed " + label + ":\n")
		for _, key := range failedKeys {
			fmt.Fprintf(&b, " - %s\n", key)
		}
	}
	return b.String()
}

// LinksCSV renders link records to CSV with a fixed header.
func LinksCSV(records []LinkRecord) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)

	if err := w.Write([]string{"ID", "Name", "Email", "URL", "Status"}); err != nil {
		return "", fmt.Errorf("report: write csv header: %w", err)
	}
	for _, r := range records {
		if err := w.Write([]string{r.ID, r.Name, r.Email, r.URL, r.Status}); err != nil {
			return "", fmt.Errorf("report: write csv record %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("report: flush csv: %w", err)
	}
	return b.String(), nil
}

// LinkGenerationLog renders the link-run summary uploaded to the logs folder.
func LinkGenerationLog(total, succeeded, failed int, timestamp string, failedRecords []LinkRecord) string {
	var b strings.Builder
	b.WriteString("------------------------\n")
	b.WriteString("Link Generation Log\n")
	b.WriteString("------------------------\n")
	fmt.Fprintf(&b, "Total Count: %d\n", total)
	fmt.Fprintf(&b, "Success Count: %d\n", succeeded)
	fmt.Fprintf(&b, "Failed Count: %d\n", failed)
	fmt.Fprintf(&b, "Process DateTime: %s\n", timestamp)
	b.WriteString("------------------------\n")

	if len(failedRecords) > 0 {
		b.WriteString("Failed Records:\n")
		for _, r := range failedRecords {
			fmt.Fprintf(&b, " - %s (ID:%s): %s\n", r.Name, r.ID, r.URL)
		}
	}
	return b.String()
}

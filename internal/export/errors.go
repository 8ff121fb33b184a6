package export

import "fmt"

// FailureKind classifies why one export ended without an artifact. Callers in
// the batch layer treat every kind identically (the item is recorded as failed
// for the pass); the kind exists for logs and the run ledger.
type FailureKind string

const (
	// FailSubmission: the export request was not accepted.
	FailSubmission FailureKind = "submission"

	// FailMissingJobID: the accept response carried no job identifier.
	FailMissingJobID FailureKind = "missing_job_id"

	// FailUnexpectedStatus: polling returned a status outside the job's
	// state machine, or the status query itself was rejected.
	FailUnexpectedStatus FailureKind = "unexpected_status"

	// FailDownload: the job succeeded but the artifact fetch did not.
	FailDownload FailureKind = "download"

	// FailTimedOut: the poll budget was exhausted with the job still running.
	FailTimedOut FailureKind = "timed_out"
)

// Error is the terminal failure for one work item's export.
type Error struct {
	Kind FailureKind
	Item string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export %s: %s: %v", e.Item, e.Kind, e.Err)
	}
	return fmt.Sprintf("export %s: %s", e.Item, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func failf(kind FailureKind, item, format string, args ...any) *Error {
	return &Error{Kind: kind, Item: item, Err: fmt.Errorf(format, args...)}
}

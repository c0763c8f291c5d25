package weather

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// FetchSummary reports what one fetch cycle did. Units counts station
// (forecast) or station-hour (historical) fetches attempted.
type FetchSummary struct {
	RunID   string       `json:"runId"`
	Kind    ResponseKind `json:"kind"`
	Units   int          `json:"units"`
	Failed  int          `json:"failed"`
	Stored  int          `json:"stored"`
	Skipped int          `json:"skipped"`

	failures *multierror.Error
}

// Err returns the per-unit failures of the cycle combined, or nil.
func (s *FetchSummary) Err() error {
	return s.failures.ErrorOrNil()
}

// Failures returns each recorded per-unit error.
func (s *FetchSummary) Failures() []error {
	if s.failures == nil {
		return nil
	}
	return s.failures.WrappedErrors()
}

func (s *FetchSummary) recordFailure(err error) {
	s.Failed++
	s.failures = multierror.Append(s.failures, err)
}

// logAttrs flattens the summary for structured logging.
func (s *FetchSummary) logAttrs(elapsed time.Duration) []any {
	return []any{
		"units", s.Units,
		"failed", s.Failed,
		"stored", s.Stored,
		"skipped", s.Skipped,
		"elapsed", elapsed.String(),
	}
}

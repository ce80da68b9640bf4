package ingest

import (
	"errors"
	"time"
)

// Kinds of ingestion run.
const (
	KindTabular    = "tabular"
	KindClimate    = "climate"
	KindBoundaries = "boundaries"
)

// Result keys for the non-tabular loads.
const (
	ClimateTable  = "CLIMATE"
	BoundaryTable = "BOUNDARIES"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Summary is the report of one ingestion run for one region.
type Summary struct {
	RunID     string
	Kind      string
	Region    string
	Code      int
	StartedAt time.Time
	// Tables holds one result per attempted table; Order lists them in
	// the order they were attempted.
	Tables map[string]*TableResult
	Order  []string
	// Unknown lists requested table names that were skipped.
	Unknown []string
}

func (s *Summary) record(table string, res *TableResult) {
	if s.Tables == nil {
		s.Tables = make(map[string]*TableResult)
	}
	if _, exists := s.Tables[table]; !exists {
		s.Order = append(s.Order, table)
	}
	s.Tables[table] = res
}

// TotalRows sums the committed rows of every table.
func (s *Summary) TotalRows() int64 {
	var total int64
	for _, r := range s.Tables {
		total += r.Rows
	}
	return total
}

// Failed returns the tables that failed, in attempt order.
func (s *Summary) Failed() []string {
	var out []string
	for _, t := range s.Order {
		if s.Tables[t].Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Err joins the per-table errors, or returns nil when every table loaded.
func (s *Summary) Err() error {
	var errs []error
	for _, t := range s.Order {
		if err := s.Tables[t].Err; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outcome classifies the run for metrics and HTTP status mapping.
func (s *Summary) Outcome() string {
	failed := len(s.Failed())
	switch {
	case failed == 0:
		return OutcomeSuccess
	case failed == len(s.Order):
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

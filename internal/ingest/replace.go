package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/jonboulle/clockwork"

	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/observability"
)

// ErrSkipped marks a table that was not loaded because the table it
// depends on failed earlier in the same run.
var ErrSkipped = errors.New("skipped")

// TableError ties a failure to the table it happened in.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// TableResult reports the outcome of loading one table.
type TableResult struct {
	Rows    int64
	Seconds float64
	Dropped map[string]int64
	Err     error
}

// Source yields load batches until it returns io.EOF. Close releases any
// scratch files behind it and is always called once the step finishes.
type Source[B any] interface {
	Next(ctx context.Context) (B, error)
	Dropped() map[string]int64
	Close() error
}

// Deletion removes a region's existing rows from one table.
type Deletion struct {
	Table  string
	Delete func(ctx context.Context) (int64, error)
}

// Step loads one table. Append commits one batch in its own transaction.
// Materialize, when set, runs once after the last batch. A step whose
// DependsOn table failed in the same run is skipped.
type Step[B any] struct {
	Table       string
	DependsOn   string
	Open        func(ctx context.Context) (Source[B], error)
	Append      func(ctx context.Context, batch B) (int64, error)
	Materialize func(ctx context.Context) (int64, error)
}

// Plan is a region replace: every deletion runs, in order, before the
// first step opens its source. Deletes are ordered dependents first; a
// failed deletion stops the delete phase and skips every table after it.
type Plan[B any] struct {
	Deletes []Deletion
	Steps   []Step[B]
}

// Validate checks that the plan is well formed.
func (p Plan[B]) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Table == "" {
			return fmt.Errorf("step %d has no table", i)
		}
		if s.Open == nil || s.Append == nil {
			return fmt.Errorf("step %s: source and append are required", s.Table)
		}
		if seen[s.Table] {
			return fmt.Errorf("step %s appears twice", s.Table)
		}
		if s.DependsOn != "" && !seen[s.DependsOn] {
			return fmt.Errorf("step %s depends on %s which does not load before it", s.Table, s.DependsOn)
		}
		seen[s.Table] = true
	}
	for _, d := range p.Deletes {
		if d.Delete == nil {
			return fmt.Errorf("deletion of %s has no delete function", d.Table)
		}
	}
	return nil
}

// Replacer executes plans. It holds no per-run state and is safe for
// concurrent use across regions.
type Replacer[B any] struct {
	clock   clockwork.Clock
	metrics *observability.Metrics
	log     *logger.Logger
}

// NewReplacer creates a replacer.
func NewReplacer[B any](clock clockwork.Clock, metrics *observability.Metrics, log *logger.Logger) *Replacer[B] {
	return &Replacer[B]{clock: clock, metrics: metrics, log: log}
}

// Run executes the plan and records a result per step in sum. A failing
// step does not stop later independent steps.
func (r *Replacer[B]) Run(ctx context.Context, plan Plan[B], sum *Summary) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	// Deletes run dependents first, so once one fails every later table is
	// a parent of rows still stored and must keep its own rows.
	failed := make(map[string]error)
	for i, d := range plan.Deletes {
		n, err := d.Delete(ctx)
		if err != nil {
			r.log.Error("delete failed", err, map[string]interface{}{"table": d.Table})
			failed[d.Table] = err
			for _, parent := range plan.Deletes[i+1:] {
				failed[parent.Table] = fmt.Errorf("%w: delete of %s failed", ErrSkipped, d.Table)
			}
			break
		}
		r.log.Info("deleted existing rows", map[string]interface{}{
			"table": d.Table,
			"rows":  n,
		})
	}

	for _, step := range plan.Steps {
		start := r.clock.Now()
		res := &TableResult{Dropped: map[string]int64{}}

		var err error
		switch {
		case failed[step.Table] != nil:
			err = failed[step.Table]
		case step.DependsOn != "" && failed[step.DependsOn] != nil:
			err = fmt.Errorf("%w: %s did not load", ErrSkipped, step.DependsOn)
		default:
			err = r.runStep(ctx, step, res)
		}
		res.Seconds = roundSeconds(r.clock.Since(start).Seconds())

		if err != nil {
			failed[step.Table] = err
			res.Err = &TableError{Table: step.Table, Err: err}
			r.log.Error("table load failed", err, map[string]interface{}{
				"table":      step.Table,
				"rows":       res.Rows,
				"duration_s": res.Seconds,
			})
		} else {
			r.log.Info("table loaded", map[string]interface{}{
				"table":      step.Table,
				"rows":       res.Rows,
				"duration_s": res.Seconds,
				"dropped":    res.Dropped,
			})
		}

		r.metrics.TableDuration.WithLabelValues(step.Table).Observe(res.Seconds)
		for reason, n := range res.Dropped {
			r.metrics.RowsDropped.WithLabelValues(step.Table, reason).Add(float64(n))
		}
		sum.record(step.Table, res)
	}
	return nil
}

func (r *Replacer[B]) runStep(ctx context.Context, step Step[B], res *TableResult) error {
	src, err := step.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			r.log.Warn("failed to release source", map[string]interface{}{
				"table": step.Table,
				"error": cerr.Error(),
			})
		}
	}()

	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Dropped = src.Dropped()
			return err
		}

		n, err := step.Append(ctx, batch)
		if err != nil {
			res.Dropped = src.Dropped()
			return err
		}
		res.Rows += n
		r.metrics.RowsLoaded.WithLabelValues(step.Table).Add(float64(n))
		r.metrics.ChunksAppended.WithLabelValues(step.Table).Inc()
	}
	res.Dropped = src.Dropped()

	if step.Materialize != nil {
		n, err := step.Materialize(ctx)
		if err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		r.log.Info("materialized derived columns", map[string]interface{}{
			"table": step.Table,
			"rows":  n,
		})
	}
	return nil
}

func roundSeconds(s float64) float64 {
	return math.Round(s*100) / 100
}

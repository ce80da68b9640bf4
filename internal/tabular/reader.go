// Package tabular streams whitelisted columns of FIA CSV tables as bounded,
// typed, cleaned chunks.
package tabular

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrSourceSchema is returned when the source header lacks a required column.
var ErrSourceSchema = errors.New("source schema mismatch")

// Drop reasons reported in Chunk.Dropped.
const (
	DropMissingKey         = "missing_key"
	DropForeignRegion      = "foreign_region"
	DropMissingCoordinates = "missing_coordinates"
)

// Chunk is a bounded batch of cleaned rows ready for the loader. Values
// in Rows line up with Columns and are int32, int64, float64, string or nil.
type Chunk struct {
	Columns []string
	Rows    [][]any
	Dropped map[string]int64
	Index   int
}

// Reader yields chunks from a CSV source. It is lazy, finite and cannot be
// restarted; at most one chunk of projected rows is held at a time.
type Reader struct {
	csv       *csv.Reader
	spec      TableSpec
	columns   []string
	kinds     []Kind
	sourceIdx []int
	dropIdx   []int
	dropped   map[string]int64
	keyIdx    int
	stateIdx  int
	region    int
	chunkRows int
	index     int
	done      bool
}

// NewReader reads the header of r and prepares a reader that projects the
// table whitelist. Rows whose statecd differs from region are dropped.
func NewReader(r io.Reader, spec TableSpec, region, chunkRows int) (*Reader, error) {
	if chunkRows < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkRows)
	}

	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: empty source", ErrSourceSchema, spec.Name)
		}
		return nil, fmt.Errorf("%s: read header: %w", spec.Name, err)
	}

	positions := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := positions[h]; !dup {
			positions[h] = i
		}
	}

	for _, req := range spec.Required {
		if _, ok := positions[req]; !ok {
			return nil, fmt.Errorf("%w: %s: missing required column %s", ErrSourceSchema, spec.Name, req)
		}
	}

	rd := &Reader{
		csv:       cr,
		spec:      spec,
		region:    region,
		chunkRows: chunkRows,
		dropped:   make(map[string]int64),
		keyIdx:    -1,
		stateIdx:  -1,
	}
	for _, col := range spec.Columns {
		pos, ok := positions[col.Name]
		if !ok {
			continue
		}
		out := len(rd.columns)
		switch col.Name {
		case "CN":
			rd.keyIdx = out
		case "STATECD":
			rd.stateIdx = out
		}
		for _, dm := range spec.DropMissing {
			if dm == col.Name {
				rd.dropIdx = append(rd.dropIdx, out)
			}
		}
		rd.columns = append(rd.columns, strings.ToLower(col.Name))
		rd.kinds = append(rd.kinds, col.Kind)
		rd.sourceIdx = append(rd.sourceIdx, pos)
	}
	return rd, nil
}

// Columns returns the lower-case projected column names.
func (r *Reader) Columns() []string {
	return r.columns
}

// Dropped returns the cumulative drop counts by reason.
func (r *Reader) Dropped() map[string]int64 {
	out := make(map[string]int64, len(r.dropped))
	for k, v := range r.dropped {
		out[k] = v
	}
	return out
}

// Next returns the next non-empty chunk, or io.EOF when the source is
// exhausted. Source chunks that clean to zero rows are skipped. Structural
// CSV errors end the stream with an error.
func (r *Reader) Next(ctx context.Context) (*Chunk, error) {
	for !r.done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := &Chunk{
			Columns: r.columns,
			Dropped: make(map[string]int64),
			Index:   r.index,
		}
		r.index++

		for read := 0; read < r.chunkRows; read++ {
			record, err := r.csv.Read()
			if errors.Is(err, io.EOF) {
				r.done = true
				break
			}
			if err != nil {
				r.done = true
				return nil, fmt.Errorf("%s: %w", r.spec.Name, err)
			}

			row := r.project(record)
			if reason := r.dropReason(row); reason != "" {
				chunk.Dropped[reason]++
				r.dropped[reason]++
				continue
			}
			chunk.Rows = append(chunk.Rows, row)
		}

		if len(chunk.Rows) > 0 {
			return chunk, nil
		}
	}
	return nil, io.EOF
}

func (r *Reader) project(record []string) []any {
	row := make([]any, len(r.columns))
	for i, pos := range r.sourceIdx {
		row[i] = parseValue(record[pos], r.kinds[i])
	}
	return row
}

func (r *Reader) dropReason(row []any) string {
	if r.keyIdx < 0 || row[r.keyIdx] == nil {
		return DropMissingKey
	}
	if r.stateIdx < 0 {
		return DropForeignRegion
	}
	if code, ok := row[r.stateIdx].(int32); !ok || int(code) != r.region {
		return DropForeignRegion
	}
	for _, i := range r.dropIdx {
		if row[i] == nil {
			return DropMissingCoordinates
		}
	}
	return ""
}

// parseValue converts a raw cell. Empty, NA and malformed numeric cells
// become nil rather than failing the row.
func parseValue(raw string, kind Kind) any {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "NA") || strings.EqualFold(s, "NULL") {
		return nil
	}

	switch kind {
	case Int:
		if v, ok := parseWhole(s, 32); ok {
			return int32(v)
		}
		return nil
	case BigInt:
		if v, ok := parseWhole(s, 64); ok {
			return v
		}
		return nil
	case Float:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	default:
		return strings.Clone(s)
	}
}

// parseWhole accepts integers and whole-valued decimals such as "37.0" or
// "2.04716541010854e+14", which appear in some DataMart exports.
func parseWhole(s string, bits int) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, bits); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	limit := math.Ldexp(1, bits-1)
	if f >= limit || f < -limit {
		return 0, false
	}
	return int64(f), true
}

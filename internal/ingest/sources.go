package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/tabular"
)

// DropOrphan counts dependent rows whose plot is not stored for the region.
const DropOrphan = "orphan"

// DropAllMissing counts climate rows whose every attribute is missing.
const DropAllMissing = "all_missing"

// DropUnusableCounty counts county features without a usable county code.
const DropUnusableCounty = "unusable_county"

// tableSource streams chunks out of a fetched CSV file.
type tableSource struct {
	reader *tabular.Reader
	file   *os.File
	art    *fetch.Artifact
}

func openTableSource(art *fetch.Artifact, spec tabular.TableSpec, regionCode, chunkRows int) (*tableSource, error) {
	f, err := art.Open()
	if err != nil {
		return nil, fmt.Errorf("open fetched file: %w", err)
	}
	reader, err := tabular.NewReader(f, spec, regionCode, chunkRows)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &tableSource{reader: reader, file: f, art: art}, nil
}

func (s *tableSource) Next(ctx context.Context) (*tabular.Chunk, error) {
	return s.reader.Next(ctx)
}

func (s *tableSource) Dropped() map[string]int64 {
	return s.reader.Dropped()
}

func (s *tableSource) Close() error {
	return errors.Join(s.file.Close(), s.art.Close())
}

// orphanFilter removes rows whose plt_cn does not name a stored plot, so
// no dependent row without its parent is ever committed.
type orphanFilter struct {
	next    Source[*tabular.Chunk]
	parents map[int64]struct{}
	orphans int64
}

func newOrphanFilter(next Source[*tabular.Chunk], parents map[int64]struct{}) *orphanFilter {
	return &orphanFilter{next: next, parents: parents}
}

func (f *orphanFilter) Next(ctx context.Context) (*tabular.Chunk, error) {
	for {
		chunk, err := f.next.Next(ctx)
		if err != nil {
			return nil, err
		}

		idx := -1
		for i, c := range chunk.Columns {
			if c == "plt_cn" {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: chunk has no plt_cn column", tabular.ErrSourceSchema)
		}

		kept := chunk.Rows[:0]
		for _, row := range chunk.Rows {
			cn, ok := row[idx].(int64)
			if _, known := f.parents[cn]; !ok || !known {
				f.orphans++
				chunk.Dropped[DropOrphan]++
				continue
			}
			kept = append(kept, row)
		}
		chunk.Rows = kept

		if len(chunk.Rows) > 0 {
			return chunk, nil
		}
	}
}

func (f *orphanFilter) Dropped() map[string]int64 {
	d := f.next.Dropped()
	if f.orphans > 0 {
		d[DropOrphan] += f.orphans
	}
	return d
}

func (f *orphanFilter) Close() error {
	return f.next.Close()
}

// batchSource yields a single prepared batch.
type batchSource[B any] struct {
	batch   B
	dropped map[string]int64
	done    bool
}

func newBatchSource[B any](batch B, dropped map[string]int64) *batchSource[B] {
	return &batchSource[B]{batch: batch, dropped: dropped}
}

func (s *batchSource[B]) Next(ctx context.Context) (B, error) {
	var zero B
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if s.done {
		return zero, io.EOF
	}
	s.done = true
	return s.batch, nil
}

func (s *batchSource[B]) Dropped() map[string]int64 {
	out := make(map[string]int64, len(s.dropped))
	for k, v := range s.dropped {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (s *batchSource[B]) Close() error {
	return nil
}

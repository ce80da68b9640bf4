package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/services"
)

// fakeIngester returns a one-table summary per call and records which
// regions and tables were requested.
type fakeIngester struct {
	mu      sync.Mutex
	calls   []string
	tables  [][]string
	failFor string
}

func (f *fakeIngester) summary(kind, table string, r region.Region) *ingest.Summary {
	f.mu.Lock()
	f.calls = append(f.calls, kind+":"+r.Abbr)
	f.mu.Unlock()

	res := &ingest.TableResult{Rows: 3, Seconds: 1.5, Dropped: map[string]int64{"orphan": 2, "all_missing": 1}}
	if r.Abbr == f.failFor {
		res = &ingest.TableResult{Err: &ingest.TableError{Table: table, Err: errors.New("fetch failed: status 404")}}
	}
	return &ingest.Summary{
		RunID:  "run-" + r.Abbr,
		Kind:   kind,
		Region: r.Abbr,
		Code:   r.Code,
		Tables: map[string]*ingest.TableResult{table: res},
		Order:  []string{table},
	}
}

func (f *fakeIngester) LoadTabular(_ context.Context, r region.Region, tables []string) *ingest.Summary {
	f.mu.Lock()
	f.tables = append(f.tables, tables)
	f.mu.Unlock()
	return f.summary(ingest.KindTabular, "PLOT", r)
}

func (f *fakeIngester) LoadClimate(_ context.Context, r region.Region) *ingest.Summary {
	return f.summary(ingest.KindClimate, ingest.ClimateTable, r)
}

func (f *fakeIngester) LoadBoundaries(_ context.Context, r region.Region) *ingest.Summary {
	return f.summary(ingest.KindBoundaries, ingest.BoundaryTable, r)
}

func execute(t *testing.T, ing *fakeIngester, args ...string) (string, bool, error) {
	t.Helper()
	var out bytes.Buffer
	connected := false
	root := newRootCommand(&out, func(context.Context) (services.Ingester, int, func(), error) {
		connected = true
		return ing, 2, func() {}, nil
	})
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), connected, err
}

func TestTabularCommand(t *testing.T) {
	ing := &fakeIngester{}
	out, _, err := execute(t, ing, "tabular", "--region", "nc,SC,NC", "--tables", "tree,plot")

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tabular:NC", "tabular:SC"}, ing.calls)
	for _, tables := range ing.tables {
		assert.Equal(t, []string{"PLOT", "TREE"}, tables)
	}
	assert.Contains(t, out, "NC (37) tabular run run-NC: success")
	assert.Contains(t, out, "SC (45) tabular run run-SC: success")
	assert.Contains(t, out, "dropped all_missing=1 orphan=2")
	assert.Less(t, bytes.Index([]byte(out), []byte("NC (37)")), bytes.Index([]byte(out), []byte("SC (45)")),
		"summaries print in the order regions were given")
}

func TestLoadCommands(t *testing.T) {
	tests := []struct {
		args []string
		call string
		line string
	}{
		{[]string{"climate", "-r", "NC"}, "climate:NC", "CLIMATE"},
		{[]string{"boundaries", "--region", "nc"}, "boundaries:NC", "BOUNDARIES"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			ing := &fakeIngester{}
			out, _, err := execute(t, ing, tt.args...)

			require.NoError(t, err)
			assert.Equal(t, []string{tt.call}, ing.calls)
			assert.Contains(t, out, tt.line)
			assert.Contains(t, out, "3 rows")
			assert.Contains(t, out, "1.50s")
		})
	}
}

func TestCommandFailures(t *testing.T) {
	t.Run("table failure exits non-zero with the error", func(t *testing.T) {
		ing := &fakeIngester{failFor: "SC"}
		out, _, err := execute(t, ing, "boundaries", "--region", "NC,SC")

		assert.ErrorIs(t, err, errRunFailed)
		assert.Contains(t, out, "SC (45) boundaries run run-SC: failed")
		assert.Contains(t, out, "BOUNDARIES failed: table BOUNDARIES: fetch failed: status 404")
		assert.Contains(t, out, "NC (37) boundaries run run-NC: success")
	})

	t.Run("unknown region fails before connecting", func(t *testing.T) {
		ing := &fakeIngester{}
		_, connected, err := execute(t, ing, "tabular", "--region", "NC,ZZ")

		assert.ErrorIs(t, err, region.ErrUnknownRegion)
		assert.False(t, connected)
		assert.Empty(t, ing.calls)
	})

	t.Run("unknown table fails before connecting", func(t *testing.T) {
		ing := &fakeIngester{}
		_, connected, err := execute(t, ing, "tabular", "--region", "NC", "--tables", "PLOT,SEEDLING")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "SEEDLING")
		assert.False(t, connected)
	})

	t.Run("region flag is required", func(t *testing.T) {
		_, connected, err := execute(t, &fakeIngester{}, "climate")
		assert.Error(t, err)
		assert.False(t, connected)
	})
}

func TestRegionsCommand(t *testing.T) {
	out, connected, err := execute(t, &fakeIngester{}, "regions")

	require.NoError(t, err)
	assert.False(t, connected, "listing regions needs no database")
	assert.Contains(t, out, "REGION")
	assert.Regexp(t, `(?m)^\s*NC\s+37\s*$`, out)
	assert.Regexp(t, `(?m)^\s*AL\s+01\s*$`, out)
}

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/canopy/internal/config"
	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/observability"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/repository"
	"github.com/stwalsh4118/canopy/internal/tabular"
)

const (
	fiaBase   = "https://fia.example.com/CSV"
	prismBase = "https://prism.example.com/normals/4km"
	tigerURL  = "https://tiger.example.com/tl_2023_us_county.zip"
)

const ncPlot = `CN,STATECD,UNITCD,COUNTYCD,PLOT,INVYR,LAT,LON,ELEV,ECOSUBCD
1,37,1,63,5,2019,35.9,-78.9,400,231Aa
2,37,1,63,6,2019,,-78.8,410,231Aa
`

const ncCond = `CN,PLT_CN,CONDID,STATECD,FORTYPCD,CONDPROP_UNADJ
11,1,1,37,161,1.0
12,2,1,37,161,1.0
`

const ncTree = `CN,PLT_CN,CONDID,SUBP,TREE,STATECD,SPCD,DIA,TPA_UNADJ
21,1,1,1,1,37,131,8.5,6.018
22,1,1,1,2,37,131,5.1,6.018
23,99,1,1,1,37,131,3.0,6.018
`

var nc = region.Region{Abbr: "NC", Code: 37}

type fixture struct {
	store   *memStore
	fetcher *fakeFetcher
	grids   *constGrids
	metrics *observability.Metrics
	clock   *clockwork.FakeClock
	coord   *Coordinator
}

func newFixture(t *testing.T, chunkRows int) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		fetcher: newFakeFetcher(t),
		grids:   &constGrids{values: map[string]float32{"tmean": 0, "ppt": 25.4}},
		metrics: observability.NewMetricsForTesting(),
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.fetcher.tables[fiaBase+"/NC_PLOT.csv"] = ncPlot
	f.fetcher.tables[fiaBase+"/NC_COND.csv"] = ncCond
	f.fetcher.tables[fiaBase+"/NC_TREE.csv"] = ncTree

	f.coord = NewCoordinator(
		f.store,
		f.fetcher,
		config.SourcesConfig{FIADataMartURL: fiaBase, PRISMBaseURL: prismBase, TIGERCountyURL: tigerURL},
		config.IngestConfig{ChunkRows: chunkRows},
		WithClock(f.clock),
		WithMetrics(f.metrics),
		WithLogger(logger.Nop()),
		WithGridLoader(f.grids),
	)
	return f
}

func TestLoadTabular_TwoPlotScenario(t *testing.T) {
	f := newFixture(t, 50000)

	sum := f.coord.LoadTabular(context.Background(), nc, []string{"PLOT", "COND", "TREE"})
	require.NoError(t, sum.Err())

	assert.Equal(t, "NC", sum.Region)
	assert.Equal(t, 37, sum.Code)
	assert.Equal(t, KindTabular, sum.Kind)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, f.clock.Now(), sum.StartedAt)
	assert.Equal(t, []string{"PLOT", "COND", "TREE"}, sum.Order)

	// one plot survives cleaning and gets its point geometry
	require.Equal(t, 1, f.store.count("fia_plot"))
	assert.NotNil(t, f.store.rows["fia_plot"][1]["geom"])
	assert.Equal(t, int64(1), sum.Tables["PLOT"].Rows)
	assert.Equal(t, map[string]int64{tabular.DropMissingCoordinates: 1}, sum.Tables["PLOT"].Dropped)

	// dependents of the dropped plot and of unknown plots are not committed
	assert.Equal(t, int64(1), sum.Tables["COND"].Rows)
	assert.Equal(t, int64(1), sum.Tables["COND"].Dropped[DropOrphan])
	assert.Equal(t, int64(2), sum.Tables["TREE"].Rows)
	assert.Equal(t, int64(1), sum.Tables["TREE"].Dropped[DropOrphan])
	assert.Equal(t, 0.0, sum.Tables["TREE"].Seconds)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RowsLoaded.WithLabelValues("PLOT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RowsDropped.WithLabelValues("TREE", DropOrphan)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(KindTabular, OutcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.RunsInFlight))
}

func TestLoadTabular_DeletesDependentsFirstAndLoadsParentsFirst(t *testing.T) {
	f := newFixture(t, 50000)

	f.coord.LoadTabular(context.Background(), nc, nil)

	assert.Equal(t, []string{
		"delete:fia_tree",
		"delete:fia_cond",
		"delete:fia_plot",
		"append:fia_plot",
		"backfill:fia_plot",
		"read:plot_ids",
		"append:fia_cond",
		"read:plot_ids",
		"append:fia_tree",
	}, f.store.ops)
}

func TestLoadTabular_Idempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first := f.coord.LoadTabular(ctx, nc, nil)
	require.NoError(t, first.Err())
	counts := map[string]int{
		"fia_plot": f.store.count("fia_plot"),
		"fia_cond": f.store.count("fia_cond"),
		"fia_tree": f.store.count("fia_tree"),
	}

	second := f.coord.LoadTabular(ctx, nc, nil)
	require.NoError(t, second.Err())
	for table, n := range counts {
		assert.Equal(t, n, f.store.count(table), table)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.TotalRows(), second.TotalRows())
}

func TestLoadTabular_ChunkPerTransaction(t *testing.T) {
	f := newFixture(t, 1)

	sum := f.coord.LoadTabular(context.Background(), nc, []string{"TREE"})
	require.NoError(t, sum.Err())

	// no plots are stored, so every tree is an orphan and nothing is appended
	assert.Empty(t, f.store.opsWithPrefix("append:"))
	assert.Equal(t, int64(3), sum.Tables["TREE"].Dropped[DropOrphan])

	f.coord.LoadTabular(context.Background(), nc, []string{"PLOT"})
	f.store.ops = nil
	sum = f.coord.LoadTabular(context.Background(), nc, []string{"TREE"})
	require.NoError(t, sum.Err())
	assert.Len(t, f.store.opsWithPrefix("append:fia_tree"), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ChunksAppended.WithLabelValues("TREE")))
}

func TestLoadTabular_OnlyRequestedTablesAreReplaced(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()

	require.NoError(t, f.coord.LoadTabular(ctx, nc, nil).Err())
	f.store.ops = nil

	sum := f.coord.LoadTabular(ctx, nc, []string{"plot", "bogus", "PLOT"})
	require.NoError(t, sum.Err())

	assert.Equal(t, []string{"BOGUS"}, sum.Unknown)
	assert.Equal(t, []string{"PLOT"}, sum.Order)
	assert.Equal(t, []string{"delete:fia_plot"}, f.store.opsWithPrefix("delete:"))
	assert.Equal(t, 2, f.store.count("fia_tree"))
}

func TestLoadTabular_PlotFailureSkipsDependents(t *testing.T) {
	f := newFixture(t, 50000)
	delete(f.fetcher.tables, fiaBase+"/NC_PLOT.csv")

	sum := f.coord.LoadTabular(context.Background(), nc, nil)

	require.Error(t, sum.Err())
	assert.ErrorIs(t, sum.Tables["PLOT"].Err, fetch.ErrFetchFailed)
	assert.ErrorIs(t, sum.Tables["COND"].Err, ErrSkipped)
	assert.ErrorIs(t, sum.Tables["TREE"].Err, ErrSkipped)
	assert.Equal(t, []string{"PLOT", "COND", "TREE"}, sum.Failed())
	assert.Equal(t, OutcomeFailed, sum.Outcome())
	assert.Empty(t, f.store.opsWithPrefix("append:"))

	var tableErr *TableError
	require.ErrorAs(t, sum.Tables["COND"].Err, &tableErr)
	assert.Equal(t, "COND", tableErr.Table)
}

func TestLoadTabular_IndependentFailureIsReportedPerTable(t *testing.T) {
	f := newFixture(t, 50000)
	f.store.failOn["append:fia_tree"] = errBoom

	sum := f.coord.LoadTabular(context.Background(), nc, nil)

	assert.NoError(t, sum.Tables["PLOT"].Err)
	assert.NoError(t, sum.Tables["COND"].Err)
	assert.ErrorIs(t, sum.Tables["TREE"].Err, repository.ErrLoadFailed)
	assert.Equal(t, OutcomePartial, sum.Outcome())
	assert.Contains(t, sum.Err().Error(), "table TREE")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(KindTabular, OutcomePartial)))
}

func TestLoadTabular_DeleteFailureStopsThatTable(t *testing.T) {
	f := newFixture(t, 50000)
	f.store.failOn["delete:fia_plot"] = errBoom

	sum := f.coord.LoadTabular(context.Background(), nc, nil)

	assert.ErrorIs(t, sum.Tables["PLOT"].Err, repository.ErrLoadFailed)
	assert.ErrorIs(t, sum.Tables["COND"].Err, ErrSkipped)
	assert.Empty(t, f.store.opsWithPrefix("append:"))
	assert.Zero(t, f.fetcher.callCount())
}

func TestLoadTabular_DependentDeleteFailureKeepsParents(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()

	require.NoError(t, f.coord.LoadTabular(ctx, nc, nil).Err())
	plots, conds, trees := f.store.count("fia_plot"), f.store.count("fia_cond"), f.store.count("fia_tree")
	fetches := f.fetcher.callCount()

	f.store.ops = nil
	f.store.failOn["delete:fia_tree"] = errBoom
	sum := f.coord.LoadTabular(ctx, nc, nil)

	assert.Equal(t, []string{"delete:fia_tree"}, f.store.opsWithPrefix("delete:"),
		"parents of undeleted trees must not be deleted")
	assert.ErrorIs(t, sum.Tables["TREE"].Err, repository.ErrLoadFailed)
	assert.ErrorIs(t, sum.Tables["COND"].Err, ErrSkipped)
	assert.ErrorIs(t, sum.Tables["PLOT"].Err, ErrSkipped)
	assert.Equal(t, OutcomeFailed, sum.Outcome())

	assert.Empty(t, f.store.opsWithPrefix("append:"))
	assert.Equal(t, fetches, f.fetcher.callCount())
	assert.Equal(t, plots, f.store.count("fia_plot"))
	assert.Equal(t, conds, f.store.count("fia_cond"))
	assert.Equal(t, trees, f.store.count("fia_tree"))
}

func TestLoadTabular_SchemaDriftFailsTable(t *testing.T) {
	f := newFixture(t, 50000)
	f.fetcher.tables[fiaBase+"/NC_PLOT.csv"] = "CN,STATECD,LATITUDE,LONGITUDE\n1,37,35.9,-78.9\n"

	sum := f.coord.LoadTabular(context.Background(), nc, []string{"PLOT"})
	assert.ErrorIs(t, sum.Tables["PLOT"].Err, tabular.ErrSourceSchema)
}

func TestIngest_UnknownRegionBeforeAnyIO(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()

	_, err := f.coord.Ingest(ctx, "XX", nil)
	assert.ErrorIs(t, err, region.ErrUnknownRegion)
	_, err = f.coord.IngestClimate(ctx, "XX")
	assert.ErrorIs(t, err, region.ErrUnknownRegion)
	_, err = f.coord.IngestBoundaries(ctx, "")
	assert.ErrorIs(t, err, region.ErrUnknownRegion)

	assert.Zero(t, f.fetcher.callCount())
	assert.Empty(t, f.store.ops)
	assert.Zero(t, f.grids.loads)
}

func TestIngest_ResolvesIdentifier(t *testing.T) {
	f := newFixture(t, 50000)

	sum, err := f.coord.Ingest(context.Background(), " nc ", []string{"PLOT"})
	require.NoError(t, err)
	assert.Equal(t, 37, sum.Code)
	assert.Equal(t, []string{fiaBase + "/NC_PLOT.csv"}, f.fetcher.urls)
}

func TestResolveTables(t *testing.T) {
	tests := []struct {
		name        string
		input       []string
		wantTables  []string
		wantUnknown []string
	}{
		{"empty selects all", nil, []string{"PLOT", "COND", "TREE"}, nil},
		{"parents first", []string{"tree", "Plot"}, []string{"PLOT", "TREE"}, nil},
		{"dedup", []string{"COND", " cond "}, []string{"COND"}, nil},
		{"unknown", []string{"SEEDLING", "PLOT"}, []string{"PLOT"}, []string{"SEEDLING"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, unknown := ResolveTables(tt.input)
			var names []string
			for _, s := range specs {
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.wantTables, names)
			assert.Equal(t, tt.wantUnknown, unknown)
		})
	}
}

func TestLoadClimate_ZeroPlots(t *testing.T) {
	f := newFixture(t, 50000)

	sum := f.coord.LoadClimate(context.Background(), nc)

	require.NoError(t, sum.Err())
	assert.Equal(t, int64(0), sum.Tables[ClimateTable].Rows)
	assert.Empty(t, f.store.opsWithPrefix("delete:"))
	assert.Zero(t, f.fetcher.callCount())
	assert.Zero(t, f.grids.loads)
}

func TestLoadClimate_SamplesEveryVariable(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()
	require.NoError(t, f.coord.LoadTabular(ctx, nc, []string{"PLOT"}).Err())

	sum := f.coord.LoadClimate(ctx, nc)
	require.NoError(t, sum.Err())

	assert.Equal(t, 10, f.grids.loads)
	assert.Equal(t, int64(1), sum.Tables[ClimateTable].Rows)
	n := f.store.climate[1]
	require.NotNil(t, n.AnnualTmeanF)
	assert.Equal(t, 32.0, *n.AnnualTmeanF)
	assert.Equal(t, 32.0, *n.JulTmeanF)
	assert.Equal(t, 1.0, *n.AnnualPptIn)
	assert.Equal(t, 6.0, *n.GrowingSeasonPptIn)

	// re-running replaces rather than duplicates
	require.NoError(t, f.coord.LoadClimate(ctx, nc).Err())
	assert.Len(t, f.store.climate, 1)
}

func TestLoadClimate_GridFailureDeletesNothing(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()
	require.NoError(t, f.coord.LoadTabular(ctx, nc, []string{"PLOT"}).Err())
	f.store.ops = nil
	f.grids.err = fetch.ErrArchiveFormat

	sum := f.coord.LoadClimate(ctx, nc)

	assert.ErrorIs(t, sum.Err(), fetch.ErrArchiveFormat)
	assert.Equal(t, OutcomeFailed, sum.Outcome())
	assert.Empty(t, f.store.opsWithPrefix("delete:"))
}

func TestLoadClimate_AllMissingRowsAreDropped(t *testing.T) {
	f := newFixture(t, 50000)
	ctx := context.Background()
	require.NoError(t, f.coord.LoadTabular(ctx, nc, []string{"PLOT"}).Err())
	f.grids.values = map[string]float32{"tmean": -9999, "ppt": -9999}

	sum := f.coord.LoadClimate(ctx, nc)

	require.NoError(t, sum.Err())
	assert.Zero(t, sum.Tables[ClimateTable].Rows)
	assert.Equal(t, int64(1), sum.Tables[ClimateTable].Dropped[DropAllMissing])
}

func TestLoadBoundaries_AbsentRegion(t *testing.T) {
	f := newFixture(t, 50000)
	f.fetcher.archives[tigerURL] = countyShapefile("45079", "45063")

	sum := f.coord.LoadBoundaries(context.Background(), nc)

	require.NoError(t, sum.Err())
	assert.Equal(t, int64(0), sum.Tables[BoundaryTable].Rows)
	assert.Empty(t, f.store.opsWithPrefix("delete:"))
}

func TestLoadBoundaries_ReplacesRegionCounties(t *testing.T) {
	f := newFixture(t, 50000)
	f.fetcher.archives[tigerURL] = countyShapefile("37063", "45079", "37183")
	ctx := context.Background()

	sum := f.coord.LoadBoundaries(ctx, nc)
	require.NoError(t, sum.Err())
	assert.Equal(t, int64(2), sum.Tables[BoundaryTable].Rows)

	durham := f.store.boundaries["37063"]
	assert.Equal(t, 37, durham.StateCD)
	assert.Equal(t, 63, durham.CountyCD)
	require.NotNil(t, durham.ALand)
	assert.Equal(t, int64(1000), *durham.ALand)
	assert.NotEmpty(t, durham.Geom.MultiPolygon)

	require.NoError(t, f.coord.LoadBoundaries(ctx, nc).Err())
	assert.Len(t, f.store.boundaries, 2)
	assert.Equal(t, []string{"delete:county_boundaries", "delete:county_boundaries"}, f.store.opsWithPrefix("delete:"))
}

func TestLoadBoundaries_FetchFailure(t *testing.T) {
	f := newFixture(t, 50000)

	sum := f.coord.LoadBoundaries(context.Background(), nc)

	assert.ErrorIs(t, sum.Err(), fetch.ErrFetchFailed)
	assert.Empty(t, f.store.ops)
}

// Package ingest coordinates region replace runs: it deletes a region's
// prior rows, dependents first, then loads fresh rows parents first.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"

	"github.com/stwalsh4118/canopy/internal/config"
	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/observability"
	"github.com/stwalsh4118/canopy/internal/raster"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/repository"
	"github.com/stwalsh4118/canopy/internal/tabular"
	"github.com/stwalsh4118/canopy/internal/vector"
)

// shapefileMembers are the archive members a county load needs. The .shp
// comes first because it is mandatory.
var shapefileMembers = []string{".shp", ".shx", ".dbf", ".prj"}

// Coordinator runs ingestion for one region at a time. Runs for different
// regions may execute concurrently; a single run is strictly sequential.
type Coordinator struct {
	store     repository.Store
	fetcher   fetch.Fetcher
	grids     raster.GridLoader
	sources   config.SourcesConfig
	chunkRows int
	clock     clockwork.Clock
	metrics   *observability.Metrics
	log       *logger.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for durations and run timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the base logger; runs derive a child from it.
func WithLogger(l *logger.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithGridLoader replaces the default fetching grid loader, for example
// with a raster.GridCache.
func WithGridLoader(g raster.GridLoader) Option {
	return func(co *Coordinator) { co.grids = g }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store repository.Store, fetcher fetch.Fetcher, sources config.SourcesConfig, ingestCfg config.IngestConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		fetcher:   fetcher,
		sources:   sources,
		chunkRows: ingestCfg.ChunkRows,
		clock:     clockwork.NewRealClock(),
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetricsForTesting()
	}
	if c.grids == nil {
		c.grids = raster.NewFetchingLoader(fetcher, sources.PRISMBaseURL, c.log)
	}
	return c
}

// Ingest resolves the region identifier and loads the requested tabular
// tables. An unknown region fails before any network or store access.
func (c *Coordinator) Ingest(ctx context.Context, identifier string, tables []string) (*Summary, error) {
	r, err := region.Lookup(identifier)
	if err != nil {
		return nil, err
	}
	return c.LoadTabular(ctx, r, tables), nil
}

// IngestClimate resolves the region identifier and loads its climate
// normals.
func (c *Coordinator) IngestClimate(ctx context.Context, identifier string) (*Summary, error) {
	r, err := region.Lookup(identifier)
	if err != nil {
		return nil, err
	}
	return c.LoadClimate(ctx, r), nil
}

// IngestBoundaries resolves the region identifier and loads its county
// boundaries.
func (c *Coordinator) IngestBoundaries(ctx context.Context, identifier string) (*Summary, error) {
	r, err := region.Lookup(identifier)
	if err != nil {
		return nil, err
	}
	return c.LoadBoundaries(ctx, r), nil
}

// ResolveTables upper-cases, de-duplicates and orders the requested table
// names parents first. Names that are not known tables are returned
// separately. An empty request selects every table.
func ResolveTables(tables []string) ([]tabular.TableSpec, []string) {
	if len(tables) == 0 {
		return append([]tabular.TableSpec(nil), tabular.Tables...), nil
	}

	wanted := make(map[string]bool, len(tables))
	var unknown []string
	for _, name := range tables {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" || wanted[name] {
			continue
		}
		if _, ok := tabular.Lookup(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		wanted[name] = true
	}

	var specs []tabular.TableSpec
	for _, t := range tabular.Tables {
		if wanted[t.Name] {
			specs = append(specs, t)
		}
	}
	return specs, unknown
}

// LoadTabular replaces the region's rows in the requested tables. Existing
// rows are deleted dependents first; tables then load parents first, one
// transaction per chunk, and plot geometry is materialized after PLOT.
func (c *Coordinator) LoadTabular(ctx context.Context, r region.Region, tables []string) *Summary {
	sum, log, done := c.begin(KindTabular, r)
	defer done()

	specs, unknown := ResolveTables(tables)
	sum.Unknown = unknown
	for _, name := range unknown {
		log.Warn("unknown table skipped", map[string]interface{}{"table": name})
	}

	plan := Plan[*tabular.Chunk]{}
	for i := len(specs) - 1; i >= 0; i-- {
		spec := specs[i]
		plan.Deletes = append(plan.Deletes, Deletion{
			Table: spec.Name,
			Delete: func(ctx context.Context) (int64, error) {
				return c.store.DeleteRegion(ctx, spec, r.Code)
			},
		})
	}

	loadsPlot := false
	for _, spec := range specs {
		step := Step[*tabular.Chunk]{
			Table: spec.Name,
			Open:  c.openTable(spec, r),
			Append: func(ctx context.Context, chunk *tabular.Chunk) (int64, error) {
				return c.store.AppendChunk(ctx, spec, chunk)
			},
		}
		if spec.Name == tabular.Plot.Name {
			loadsPlot = true
			step.Materialize = func(ctx context.Context) (int64, error) {
				return c.store.BackfillPlotGeometry(ctx, r.Code)
			}
		} else if spec.HasParent() && loadsPlot {
			step.DependsOn = tabular.Plot.Name
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := NewReplacer[*tabular.Chunk](c.clock, c.metrics, log).Run(ctx, plan, sum); err != nil {
		log.Error("tabular plan rejected", err, nil)
	}
	return sum
}

// openTable fetches one table file and wraps it in a chunk source. Tables
// that reference plots are filtered against the plots stored for the
// region at the moment the table starts loading.
func (c *Coordinator) openTable(spec tabular.TableSpec, r region.Region) func(context.Context) (Source[*tabular.Chunk], error) {
	return func(ctx context.Context) (Source[*tabular.Chunk], error) {
		base := fmt.Sprintf("%s/%s_%s", c.sources.FIADataMartURL, r.Abbr, spec.Name)
		art, err := c.fetcher.FetchTable(ctx, base+".csv", base+".zip", ".csv")
		if err != nil {
			return nil, err
		}

		src, err := openTableSource(art, spec, r.Code, c.chunkRows)
		if err != nil {
			art.Close()
			return nil, err
		}
		if !spec.HasParent() {
			return src, nil
		}

		parents, err := c.store.PlotIDs(ctx, r.Code)
		if err != nil {
			src.Close()
			return nil, err
		}
		return newOrphanFilter(src, parents), nil
	}
}

// LoadClimate samples the climate normals grids at the region's stored
// plots and replaces the region's climate rows. A region without plots
// loads nothing and touches neither the store nor the network.
func (c *Coordinator) LoadClimate(ctx context.Context, r region.Region) *Summary {
	sum, log, done := c.begin(KindClimate, r)
	defer done()
	start := c.clock.Now()

	fail := func(err error) *Summary {
		res := &TableResult{
			Seconds: roundSeconds(c.clock.Since(start).Seconds()),
			Dropped: map[string]int64{},
			Err:     &TableError{Table: ClimateTable, Err: err},
		}
		log.Error("climate load failed", err, nil)
		sum.record(ClimateTable, res)
		return sum
	}

	plots, err := c.store.PlotCoordinates(ctx, r.Code)
	if err != nil {
		return fail(err)
	}
	if len(plots) == 0 {
		log.Warn("no plots stored for region, ingest tabular data first", nil)
		sum.record(ClimateTable, &TableResult{Dropped: map[string]int64{}})
		return sum
	}

	points := make([]orb.Point, len(plots))
	for i, p := range plots {
		points[i] = orb.Point{p.Lon, p.Lat}
	}

	samples := make(map[raster.Variable][]float64)
	for _, v := range raster.Variables() {
		grid, err := c.grids.Load(ctx, v)
		if err != nil {
			return fail(err)
		}
		samples[v] = grid.Sample(points)
	}

	normals, empty, err := raster.DeriveNormals(plots, samples)
	if err != nil {
		return fail(err)
	}
	log.Info("sampled climate normals", map[string]interface{}{
		"plots":     len(plots),
		"variables": len(samples),
		"rows":      len(normals),
	})

	plan := Plan[[]models.ClimateNormal]{
		Deletes: []Deletion{{
			Table: ClimateTable,
			Delete: func(ctx context.Context) (int64, error) {
				return c.store.DeleteClimate(ctx, r.Code)
			},
		}},
		Steps: []Step[[]models.ClimateNormal]{{
			Table: ClimateTable,
			Open: func(context.Context) (Source[[]models.ClimateNormal], error) {
				return newBatchSource(normals, map[string]int64{DropAllMissing: empty}), nil
			},
			Append: c.store.AppendClimate,
		}},
	}
	if err := NewReplacer[[]models.ClimateNormal](c.clock, c.metrics, log).Run(ctx, plan, sum); err != nil {
		return fail(err)
	}
	sum.Tables[ClimateTable].Seconds = roundSeconds(c.clock.Since(start).Seconds())
	return sum
}

// LoadBoundaries fetches the national county shapefile, keeps the
// region's counties and replaces the region's boundary rows. When the
// region has no counties in the file nothing is deleted.
func (c *Coordinator) LoadBoundaries(ctx context.Context, r region.Region) *Summary {
	sum, log, done := c.begin(KindBoundaries, r)
	defer done()
	start := c.clock.Now()

	fail := func(err error) *Summary {
		log.Error("boundary load failed", err, nil)
		sum.record(BoundaryTable, &TableResult{
			Seconds: roundSeconds(c.clock.Since(start).Seconds()),
			Dropped: map[string]int64{},
			Err:     &TableError{Table: BoundaryTable, Err: err},
		})
		return sum
	}

	counties, skipped, err := c.readCounties(ctx, r)
	if err != nil {
		return fail(err)
	}
	if len(counties) == 0 {
		log.Warn("no counties found for region", map[string]interface{}{"statefp": r.FIPS()})
		sum.record(BoundaryTable, &TableResult{
			Seconds: roundSeconds(c.clock.Since(start).Seconds()),
			Dropped: map[string]int64{},
		})
		return sum
	}

	plan := Plan[[]models.CountyBoundary]{
		Deletes: []Deletion{{
			Table: BoundaryTable,
			Delete: func(ctx context.Context) (int64, error) {
				return c.store.DeleteBoundaries(ctx, r.Code)
			},
		}},
		Steps: []Step[[]models.CountyBoundary]{{
			Table: BoundaryTable,
			Open: func(context.Context) (Source[[]models.CountyBoundary], error) {
				return newBatchSource(counties, map[string]int64{DropUnusableCounty: skipped}), nil
			},
			Append: c.store.AppendBoundaries,
		}},
	}
	if err := NewReplacer[[]models.CountyBoundary](c.clock, c.metrics, log).Run(ctx, plan, sum); err != nil {
		return fail(err)
	}
	sum.Tables[BoundaryTable].Seconds = roundSeconds(c.clock.Since(start).Seconds())
	return sum
}

// readCounties fetches and decodes the shapefile, releasing the scratch
// files before returning.
func (c *Coordinator) readCounties(ctx context.Context, r region.Region) ([]models.CountyBoundary, int64, error) {
	art, err := c.fetcher.FetchArchive(ctx, c.sources.TIGERCountyURL, shapefileMembers...)
	if err != nil {
		return nil, 0, err
	}
	defer art.Close()

	crs := vector.Geographic
	if prj, ok := art.File(".prj"); ok {
		if crs, err = vector.DetectCRS(prj); err != nil {
			return nil, 0, err
		}
	}

	features, err := vector.ReadShapefile(art.Path, vector.InRegion(r))
	if err != nil {
		return nil, 0, err
	}
	counties, skipped := vector.Transform(features, r, crs)
	return counties, skipped, nil
}

// begin starts a run: it assigns the run identifier, derives the run
// logger and returns the function that closes the run out.
func (c *Coordinator) begin(kind string, r region.Region) (*Summary, *logger.Logger, func()) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      kind,
		Region:    r.Abbr,
		Code:      r.Code,
		StartedAt: c.clock.Now(),
		Tables:    make(map[string]*TableResult),
	}
	log := c.log.WithRun(sum.RunID, r.Abbr)
	log.Info("ingestion run started", map[string]interface{}{
		"kind":    kind,
		"statecd": r.Code,
	})
	c.metrics.RunsInFlight.Inc()

	return sum, log, func() {
		c.metrics.RunsInFlight.Dec()
		outcome := sum.Outcome()
		c.metrics.RunsTotal.WithLabelValues(kind, outcome).Inc()

		fields := map[string]interface{}{
			"kind":       kind,
			"outcome":    outcome,
			"rows":       sum.TotalRows(),
			"duration_s": roundSeconds(c.clock.Since(sum.StartedAt).Seconds()),
		}
		if err := sum.Err(); err != nil {
			log.Error("ingestion run finished with failures", err, fields)
			return
		}
		log.Info("ingestion run finished", fields)
	}
}

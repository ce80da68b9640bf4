package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/region"
	"github.com/stwalsh4118/canopy/internal/tabular"
)

// Coordinate validation constants
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Service-level errors
var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrCountyNotFound     = errors.New("county not found")
	ErrUnknownTable       = errors.New("unknown table")
	ErrRunInProgress      = errors.New("ingest already running for region")
)

// UnknownTablesError lists the requested table names that are not
// supported. It matches ErrUnknownTable under errors.Is.
type UnknownTablesError struct {
	Tables []string
}

func (e *UnknownTablesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownTable, strings.Join(e.Tables, ", "))
}

func (e *UnknownTablesError) Unwrap() error { return ErrUnknownTable }

// Ingester runs the loads for an already resolved region. It is satisfied
// by *ingest.Coordinator.
type Ingester interface {
	LoadTabular(ctx context.Context, r region.Region, tables []string) *ingest.Summary
	LoadClimate(ctx context.Context, r region.Region) *ingest.Summary
	LoadBoundaries(ctx context.Context, r region.Region) *ingest.Summary
}

// CountyFinder looks up the county containing a point.
type CountyFinder interface {
	CountyAt(ctx context.Context, lat, lng float64) (*models.CountyBoundary, error)
}

// IngestService defines the business operations behind the HTTP trigger
// surface.
type IngestService interface {
	// Regions lists every region that can be ingested.
	Regions() []region.Region

	// SupportedTables lists the tabular tables in load order.
	SupportedTables() []string

	// IngestRegion replaces the region's rows in the requested tables, or
	// in every table when none are named.
	// Returns region.ErrUnknownRegion or an *UnknownTablesError before any
	// work starts, and ErrRunInProgress when the region is already loading.
	// Per-table failures are reported in the summary, not as an error.
	IngestRegion(ctx context.Context, identifier string, tables []string) (*ingest.Summary, error)

	// IngestClimate replaces climate normals for the region's plots.
	IngestClimate(ctx context.Context, identifier string) (*ingest.Summary, error)

	// IngestBoundaries replaces the region's county polygons.
	IngestBoundaries(ctx context.Context, identifier string) (*ingest.Summary, error)

	// CountyAtPoint returns the county containing the point.
	// Returns ErrInvalidCoordinates or ErrCountyNotFound.
	CountyAtPoint(ctx context.Context, lat, lng float64) (*models.CountyBoundary, error)
}

type ingestService struct {
	ingester Ingester
	counties CountyFinder
	log      *logger.Logger

	mu      sync.Mutex
	running map[int]string
}

// NewIngestService creates a new instance of IngestService.
func NewIngestService(ingester Ingester, counties CountyFinder, log *logger.Logger) IngestService {
	return &ingestService{
		ingester: ingester,
		counties: counties,
		log:      log,
		running:  make(map[int]string),
	}
}

func (s *ingestService) Regions() []region.Region {
	return region.All()
}

func (s *ingestService) SupportedTables() []string {
	names := make([]string, len(tabular.Tables))
	for i, t := range tabular.Tables {
		names[i] = t.Name
	}
	return names
}

func (s *ingestService) IngestRegion(ctx context.Context, identifier string, tables []string) (*ingest.Summary, error) {
	r, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}

	specs, unknown := ingest.ResolveTables(tables)
	if len(unknown) > 0 {
		s.log.Warn("Unknown tables requested", map[string]interface{}{
			"region":  r.Abbr,
			"unknown": unknown,
		})
		return nil, &UnknownTablesError{Tables: unknown}
	}
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}

	return s.run(r, ingest.KindTabular, func() *ingest.Summary {
		return s.ingester.LoadTabular(ctx, r, names)
	})
}

func (s *ingestService) IngestClimate(ctx context.Context, identifier string) (*ingest.Summary, error) {
	r, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	return s.run(r, ingest.KindClimate, func() *ingest.Summary {
		return s.ingester.LoadClimate(ctx, r)
	})
}

func (s *ingestService) IngestBoundaries(ctx context.Context, identifier string) (*ingest.Summary, error) {
	r, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	return s.run(r, ingest.KindBoundaries, func() *ingest.Summary {
		return s.ingester.LoadBoundaries(ctx, r)
	})
}

func (s *ingestService) resolve(identifier string) (region.Region, error) {
	r, err := region.Lookup(identifier)
	if err != nil {
		s.log.Warn("Unknown region requested", map[string]interface{}{
			"region": identifier,
		})
		return region.Region{}, err
	}
	return r, nil
}

// run executes load while holding the region. Runs of any kind on the same
// region are serialized because climate and dependent tables read the
// plots another run may be replacing.
func (s *ingestService) run(r region.Region, kind string, load func() *ingest.Summary) (*ingest.Summary, error) {
	s.mu.Lock()
	if active, busy := s.running[r.Code]; busy {
		s.mu.Unlock()
		s.log.Warn("Ingest rejected, region busy", map[string]interface{}{
			"region":  r.Abbr,
			"kind":    kind,
			"running": active,
		})
		return nil, fmt.Errorf("%w: %s (%s)", ErrRunInProgress, r.Abbr, active)
	}
	s.running[r.Code] = kind
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, r.Code)
		s.mu.Unlock()
	}()

	s.log.Info("Starting ingest", map[string]interface{}{
		"region": r.Abbr,
		"kind":   kind,
	})

	sum := load()

	fields := map[string]interface{}{
		"region":  r.Abbr,
		"kind":    kind,
		"run_id":  sum.RunID,
		"rows":    sum.TotalRows(),
		"outcome": sum.Outcome(),
	}
	if failed := sum.Failed(); len(failed) > 0 {
		fields["failed"] = failed
		s.log.Warn("Ingest finished with failures", fields)
	} else {
		s.log.Info("Ingest finished", fields)
	}
	return sum, nil
}

// CountyAtPoint validates the coordinates, then transforms a nil
// repository result into ErrCountyNotFound.
func (s *ingestService) CountyAtPoint(ctx context.Context, lat, lng float64) (*models.CountyBoundary, error) {
	if lat < MinLatitude || lat > MaxLatitude {
		return nil, fmt.Errorf("%w: latitude must be between %f and %f, got %f",
			ErrInvalidCoordinates, MinLatitude, MaxLatitude, lat)
	}
	if lng < MinLongitude || lng > MaxLongitude {
		return nil, fmt.Errorf("%w: longitude must be between %f and %f, got %f",
			ErrInvalidCoordinates, MinLongitude, MaxLongitude, lng)
	}

	county, err := s.counties.CountyAt(ctx, lat, lng)
	if err != nil {
		s.log.Error("Failed to query county at point", err, map[string]interface{}{
			"lat": lat,
			"lng": lng,
		})
		return nil, fmt.Errorf("failed to query county: %w", err)
	}
	if county == nil {
		s.log.Debug("No county found at point", map[string]interface{}{
			"lat": lat,
			"lng": lng,
		})
		return nil, ErrCountyNotFound
	}
	return county, nil
}

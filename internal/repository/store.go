package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stwalsh4118/canopy/internal/database"
	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/tabular"
)

// ErrLoadFailed wraps every store failure during ingestion.
var ErrLoadFailed = errors.New("load failed")

const (
	climateTable  = "prism_normals"
	boundaryTable = "county_boundaries"
)

// Store defines the persistence operations used by ingestion runs. Each
// write runs in its own transaction; nothing is shared between calls.
type Store interface {
	// DeleteRegion removes every row of the table whose statecd is region.
	DeleteRegion(ctx context.Context, table tabular.TableSpec, region int) (int64, error)

	// AppendChunk bulk-loads one cleaned chunk in a single transaction.
	AppendChunk(ctx context.Context, table tabular.TableSpec, chunk *tabular.Chunk) (int64, error)

	// BackfillPlotGeometry sets the point geometry of the region's plots
	// that have coordinates but no geometry yet.
	BackfillPlotGeometry(ctx context.Context, region int) (int64, error)

	// PlotIDs returns the control numbers of the region's stored plots.
	PlotIDs(ctx context.Context, region int) (map[int64]struct{}, error)

	// PlotCoordinates returns the region's plots that have coordinates.
	PlotCoordinates(ctx context.Context, region int) ([]models.PlotLocation, error)

	// DeleteClimate removes the normals of every plot in the region.
	DeleteClimate(ctx context.Context, region int) (int64, error)

	// AppendClimate inserts derived normals in a single transaction.
	AppendClimate(ctx context.Context, rows []models.ClimateNormal) (int64, error)

	// DeleteBoundaries removes the region's county polygons.
	DeleteBoundaries(ctx context.Context, region int) (int64, error)

	// AppendBoundaries inserts county polygons in a single transaction.
	AppendBoundaries(ctx context.Context, rows []models.CountyBoundary) (int64, error)

	// CountyAt finds the county polygon containing the given point.
	// Returns nil, nil if no county is found (not an error).
	CountyAt(ctx context.Context, lat, lng float64) (*models.CountyBoundary, error)
}

// postgresStore is the PostGIS implementation of Store.
type postgresStore struct {
	db     *database.Database
	schema string
}

// NewStore creates a Store writing to tables in the given schema.
func NewStore(db *database.Database, schema string) Store {
	return &postgresStore{
		db:     db,
		schema: schema,
	}
}

func (s *postgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *postgresStore) DeleteRegion(ctx context.Context, table tabular.TableSpec, region int) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE statecd = $1`, s.table(table.Store))

	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, region)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete %s for statecd=%d: %v", ErrLoadFailed, table.Store, region, err)
	}
	return deleted, nil
}

// AppendChunk uses the COPY protocol; the chunk columns are already the
// lower-case store column names.
func (s *postgresStore) AppendChunk(ctx context.Context, table tabular.TableSpec, chunk *tabular.Chunk) (int64, error) {
	if chunk == nil || len(chunk.Rows) == 0 {
		return 0, nil
	}

	var copied int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{s.schema, table.Store},
			chunk.Columns,
			pgx.CopyFromRows(chunk.Rows),
		)
		copied = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: append chunk %d to %s: %v", ErrLoadFailed, chunk.Index, table.Store, err)
	}
	return copied, nil
}

// BackfillPlotGeometry builds points from lon/lat. PostGIS expects
// (longitude, latitude) order.
func (s *postgresStore) BackfillPlotGeometry(ctx context.Context, region int) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET geom = ST_SetSRID(ST_MakePoint(lon, lat), %d)
		WHERE statecd = $1
			AND lat IS NOT NULL
			AND lon IS NOT NULL
			AND geom IS NULL
	`, s.table(tabular.Plot.Store), models.SRID)

	var updated int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, region)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: backfill plot geometry for statecd=%d: %v", ErrLoadFailed, region, err)
	}
	return updated, nil
}

func (s *postgresStore) PlotIDs(ctx context.Context, region int) (map[int64]struct{}, error) {
	query := fmt.Sprintf(`SELECT cn FROM %s WHERE statecd = $1`, s.table(tabular.Plot.Store))

	rows, err := s.db.Pool.Query(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("%w: query plot ids for statecd=%d: %v", ErrLoadFailed, region, err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var cn int64
		if err := rows.Scan(&cn); err != nil {
			return nil, fmt.Errorf("%w: scan plot id: %v", ErrLoadFailed, err)
		}
		ids[cn] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate plot ids: %v", ErrLoadFailed, err)
	}
	return ids, nil
}

func (s *postgresStore) PlotCoordinates(ctx context.Context, region int) ([]models.PlotLocation, error) {
	query := fmt.Sprintf(`
		SELECT cn, lat, lon
		FROM %s
		WHERE statecd = $1 AND lat IS NOT NULL AND lon IS NOT NULL
		ORDER BY cn
	`, s.table(tabular.Plot.Store))

	rows, err := s.db.Pool.Query(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("%w: query plot coordinates for statecd=%d: %v", ErrLoadFailed, region, err)
	}

	plots, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.PlotLocation])
	if err != nil {
		return nil, fmt.Errorf("%w: scan plot coordinates: %v", ErrLoadFailed, err)
	}
	return plots, nil
}

// DeleteClimate matches normals to the region through plot membership;
// prism_normals carries no region column of its own.
func (s *postgresStore) DeleteClimate(ctx context.Context, region int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE plot_cn IN (
			SELECT cn FROM %s WHERE statecd = $1
		)
	`, s.table(climateTable), s.table(tabular.Plot.Store))

	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, region)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete climate normals for statecd=%d: %v", ErrLoadFailed, region, err)
	}
	return deleted, nil
}

func (s *postgresStore) AppendClimate(ctx context.Context, normals []models.ClimateNormal) (int64, error) {
	if len(normals) == 0 {
		return 0, nil
	}

	columns := []string{
		"plot_cn", "annual_tmean_f", "annual_ppt_in", "jan_tmean_f", "jul_tmean_f", "growing_season_ppt_in",
	}
	source := pgx.CopyFromSlice(len(normals), func(i int) ([]any, error) {
		n := normals[i]
		return []any{n.PlotCN, n.AnnualTmeanF, n.AnnualPptIn, n.JanTmeanF, n.JulTmeanF, n.GrowingSeasonPptIn}, nil
	})

	var copied int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{s.schema, climateTable}, columns, source)
		copied = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: append climate normals: %v", ErrLoadFailed, err)
	}
	return copied, nil
}

func (s *postgresStore) DeleteBoundaries(ctx context.Context, region int) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE statecd = $1`, s.table(boundaryTable))

	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, region)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete county boundaries for statecd=%d: %v", ErrLoadFailed, region, err)
	}
	return deleted, nil
}

// AppendBoundaries queues one insert per county in a batch. Geometries
// travel as GeoJSON text and are promoted to MultiPolygon server side.
func (s *postgresStore) AppendBoundaries(ctx context.Context, counties []models.CountyBoundary) (int64, error) {
	if len(counties) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (geoid, name, statecd, countycd, aland, awater, geom)
		VALUES ($1, $2, $3, $4, $5, $6, ST_Multi(ST_SetSRID(ST_GeomFromGeoJSON($7::text), %d)))
	`, s.table(boundaryTable), models.SRID)

	batch := &pgx.Batch{}
	for _, c := range counties {
		geom, err := c.Geom.Value()
		if err != nil {
			return 0, fmt.Errorf("%w: county %s: %v", ErrLoadFailed, c.GEOID, err)
		}
		batch.Queue(query, c.GEOID, c.Name, c.StateCD, c.CountyCD, c.ALand, c.AWater, geom)
	}

	var inserted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range counties {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			inserted += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("%w: append county boundaries: %v", ErrLoadFailed, err)
	}
	return inserted, nil
}

// CountyAt queries the database for the county polygon containing the
// given point. It uses PostGIS ST_Contains with the spatial index on geom.
//
// Note: PostGIS functions expect (longitude, latitude) order, not (lat, lng).
func (s *postgresStore) CountyAt(ctx context.Context, lat, lng float64) (*models.CountyBoundary, error) {
	query := fmt.Sprintf(`
		SELECT
			geoid,
			name,
			statecd,
			countycd,
			aland,
			awater,
			ST_AsGeoJSON(geom) as geometry,
			ingested_at
		FROM %s
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), %d))
		LIMIT 1
	`, s.table(boundaryTable), models.SRID)

	var county models.CountyBoundary
	var geomJSON []byte

	// Execute query - note: PostGIS uses (lng, lat) order
	err := s.db.Pool.QueryRow(ctx, query, lng, lat).Scan(
		&county.GEOID,
		&county.Name,
		&county.StateCD,
		&county.CountyCD,
		&county.ALand,
		&county.AWater,
		&geomJSON,
		&county.IngestedAt,
	)

	// Handle no rows found - this is not an error at the repository level
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query county at point (lat=%f, lng=%f): %w", lat, lng, err)
	}

	if err := county.Geom.Scan(geomJSON); err != nil {
		return nil, fmt.Errorf("failed to parse geometry for county %s: %w", county.GEOID, err)
	}

	return &county, nil
}

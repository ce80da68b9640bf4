package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// SRID of every geometry column in the store (WGS84 lon/lat).
const SRID = 4326

// MultiPolygon represents a PostGIS MultiPolygon geometry in WGS84.
// Coordinates are lon/lat ordered, as in GeoJSON.
type MultiPolygon struct {
	orb.MultiPolygon
}

// Scan implements sql.Scanner for ST_AsGeoJSON output. A bare Polygon is
// promoted to a one-member MultiPolygon.
func (mp *MultiPolygon) Scan(value interface{}) error {
	if value == nil {
		mp.MultiPolygon = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan MultiPolygon: expected []byte or string, got %T", value)
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal multipolygon geometry: %w", err)
	}
	return mp.assign(g.Geometry())
}

// Value implements driver.Valuer. It returns GeoJSON text to be wrapped in
// ST_GeomFromGeoJSON by the query.
func (mp MultiPolygon) Value() (driver.Value, error) {
	if len(mp.MultiPolygon) == 0 {
		return nil, nil
	}

	data, err := geojson.NewGeometry(mp.MultiPolygon).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal multipolygon to GeoJSON: %w", err)
	}
	return string(data), nil
}

// MarshalJSON renders the geometry as a GeoJSON geometry object.
func (mp MultiPolygon) MarshalJSON() ([]byte, error) {
	if mp.MultiPolygon == nil {
		return json.Marshal(nil)
	}
	return geojson.NewGeometry(mp.MultiPolygon).MarshalJSON()
}

// UnmarshalJSON accepts a GeoJSON Polygon or MultiPolygon.
func (mp *MultiPolygon) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		mp.MultiPolygon = nil
		return nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal multipolygon: %w", err)
	}
	return mp.assign(g.Geometry())
}

func (mp *MultiPolygon) assign(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.MultiPolygon:
		mp.MultiPolygon = v
	case orb.Polygon:
		mp.MultiPolygon = orb.MultiPolygon{v}
	default:
		return fmt.Errorf("expected MultiPolygon type, got %s", g.GeoJSONType())
	}
	return nil
}

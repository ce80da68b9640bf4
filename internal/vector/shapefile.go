// Package vector decodes county boundary shapefiles and shapes them into
// boundary rows for one region.
package vector

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// ErrShapefile is returned for shapefiles that cannot be decoded.
var ErrShapefile = errors.New("invalid shapefile")

// Feature is one shapefile record: its attribute row and polygon geometry
// in the file's native coordinates.
type Feature struct {
	Attrs    map[string]string
	Geometry orb.MultiPolygon
}

// ReadShapefile decodes the polygon records of a .shp file and its .dbf
// sibling. When keep is non-nil, records whose attributes it rejects are
// skipped before their geometry is converted.
func ReadShapefile(path string, keep func(attrs map[string]string) bool) ([]Feature, error) {
	if !strings.HasSuffix(path, ".shp") {
		return nil, fmt.Errorf("%w: %s is not a .shp file", ErrShapefile, path)
	}
	if _, err := os.Stat(strings.TrimSuffix(path, "shp") + "dbf"); err != nil {
		return nil, fmt.Errorf("%w: attribute table: %v", ErrShapefile, err)
	}

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapefile, err)
	}
	defer r.Close()

	fields := r.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToUpper(f.String())
	}

	var features []Feature
	for r.Next() {
		_, shape := r.Shape()

		attrs := make(map[string]string, len(names))
		for i, name := range names {
			// DBF writers pad with either spaces or NULs.
			attrs[name] = strings.TrimRight(r.Attribute(i), "\x00 ")
		}
		if keep != nil && !keep(attrs) {
			continue
		}

		mp, err := toMultiPolygon(shape)
		if err != nil {
			return nil, err
		}
		if len(mp) == 0 {
			continue
		}
		features = append(features, Feature{Attrs: attrs, Geometry: mp})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapefile, err)
	}
	return features, nil
}

func toMultiPolygon(shape shp.Shape) (orb.MultiPolygon, error) {
	switch s := shape.(type) {
	case *shp.Polygon:
		return ringsToMultiPolygon(s.Parts, s.Points), nil
	case *shp.PolygonZ:
		return ringsToMultiPolygon(s.Parts, s.Points), nil
	case *shp.PolygonM:
		return ringsToMultiPolygon(s.Parts, s.Points), nil
	case *shp.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported shape %T", ErrShapefile, shape)
	}
}

// ringsToMultiPolygon groups shapefile rings into polygons. Shapefiles
// store outer rings clockwise and holes counter-clockwise, with each hole
// following the outer ring it belongs to.
func ringsToMultiPolygon(parts []int32, points []shp.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || end-start < 4 {
			continue
		}

		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}

		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	return mp
}

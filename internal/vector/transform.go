package vector

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb/project"

	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/region"
)

// InRegion returns a ReadShapefile filter keeping records of r.
func InRegion(r region.Region) func(map[string]string) bool {
	fips := r.FIPS()
	return func(attrs map[string]string) bool {
		return strings.TrimSpace(attrs["STATEFP"]) == fips
	}
}

// Transform keeps the features of r and shapes them into county boundary
// rows in WGS84. Features without a usable county code are skipped and
// counted in the second result.
func Transform(features []Feature, r region.Region, crs CRS) ([]models.CountyBoundary, int64) {
	keep := InRegion(r)
	out := make([]models.CountyBoundary, 0, len(features))
	var skipped int64

	for _, f := range features {
		if !keep(f.Attrs) {
			continue
		}
		countyCD, err := strconv.Atoi(strings.TrimSpace(f.Attrs["COUNTYFP"]))
		if err != nil {
			skipped++
			continue
		}

		geom := f.Geometry
		if crs == WebMercator {
			geom = project.MultiPolygon(geom.Clone(), project.Mercator.ToWGS84)
		}

		out = append(out, models.CountyBoundary{
			GEOID:    strings.TrimSpace(f.Attrs["GEOID"]),
			Name:     strings.TrimSpace(f.Attrs["NAME"]),
			StateCD:  r.Code,
			CountyCD: countyCD,
			ALand:    parseArea(f.Attrs["ALAND"]),
			AWater:   parseArea(f.Attrs["AWATER"]),
			Geom:     models.MultiPolygon{MultiPolygon: geom},
		})
	}
	return out, skipped
}

func parseArea(raw string) *int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

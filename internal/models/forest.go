package models

import "time"

// PlotLocation is the identity and coordinates of an ingested plot. It is
// the read-only input to climate sampling and to dependent-row filtering.
type PlotLocation struct {
	CN  int64   `json:"cn"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ClimateNormal holds climate attributes derived for one plot. It maps to
// raw.prism_normals and is 1:1 with a plot. Nil means the raster had no
// value at the plot location.
type ClimateNormal struct {
	PlotCN             int64    `json:"plotCn"`
	AnnualTmeanF       *float64 `json:"annualTmeanF,omitempty"`
	AnnualPptIn        *float64 `json:"annualPptIn,omitempty"`
	JanTmeanF          *float64 `json:"janTmeanF,omitempty"`
	JulTmeanF          *float64 `json:"julTmeanF,omitempty"`
	GrowingSeasonPptIn *float64 `json:"growingSeasonPptIn,omitempty"`
}

// Empty reports whether every derived attribute is missing.
func (c ClimateNormal) Empty() bool {
	return c.AnnualTmeanF == nil && c.AnnualPptIn == nil && c.JanTmeanF == nil &&
		c.JulTmeanF == nil && c.GrowingSeasonPptIn == nil
}

// CountyBoundary is a county polygon keyed by its five digit GEOID. It maps
// to raw.county_boundaries.
type CountyBoundary struct {
	IngestedAt time.Time    `json:"ingestedAt,omitempty"`
	GEOID      string       `json:"geoid"`
	Name       string       `json:"name"`
	ALand      *int64       `json:"aland,omitempty"`
	AWater     *int64       `json:"awater,omitempty"`
	Geom       MultiPolygon `json:"geometry"`
	StateCD    int          `json:"statecd"`
	CountyCD   int          `json:"countycd"`
}

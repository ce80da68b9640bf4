package vector

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnsupportedCRS is returned for coordinate systems that cannot be
// brought to WGS84 lon/lat.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// CRS is the coordinate system a shapefile is stored in.
type CRS int

const (
	// Geographic is lon/lat on WGS84 or NAD83. NAD83 differs from WGS84 by
	// at most a couple of meters and is stored without a datum shift.
	Geographic CRS = iota
	// WebMercator is EPSG:3857.
	WebMercator
)

func (c CRS) String() string {
	if c == WebMercator {
		return "EPSG:3857"
	}
	return "EPSG:4326"
}

// DetectCRS reads a .prj file.
func DetectCRS(prjPath string) (CRS, error) {
	data, err := os.ReadFile(prjPath)
	if err != nil {
		return Geographic, fmt.Errorf("%w: %v", ErrUnsupportedCRS, err)
	}
	return ParseCRS(string(data))
}

// ParseCRS classifies an ESRI WKT definition.
func ParseCRS(wkt string) (CRS, error) {
	w := strings.ToUpper(strings.Join(strings.Fields(wkt), ""))
	switch {
	case strings.HasPrefix(w, "PROJCS"):
		for _, marker := range []string{"WEB_MERCATOR", "PSEUDO-MERCATOR", "MERCATOR_AUXILIARY_SPHERE", "POPULARVISUALISATION"} {
			if strings.Contains(w, marker) {
				return WebMercator, nil
			}
		}
	case strings.HasPrefix(w, "GEOGCS"):
		for _, marker := range []string{"NORTH_AMERICAN_1983", "NAD83", "WGS_1984", "WGS84", "WGS1984"} {
			if strings.Contains(w, marker) {
				return Geographic, nil
			}
		}
	}
	return Geographic, fmt.Errorf("%w: %.60s", ErrUnsupportedCRS, strings.TrimSpace(wkt))
}

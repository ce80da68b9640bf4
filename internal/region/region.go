// Package region resolves user-supplied state identifiers to the numeric
// region codes carried by every ingested row.
package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownRegion is returned when an identifier is not in the catalog.
var ErrUnknownRegion = errors.New("unknown region")

// Region is a resolved state: its postal abbreviation and FIPS code.
type Region struct {
	Abbr string `json:"abbr"`
	Code int    `json:"code"`
}

// FIPS returns the zero-padded two digit code used by Census STATEFP fields.
func (r Region) FIPS() string {
	return fmt.Sprintf("%02d", r.Code)
}

func (r Region) String() string {
	return r.Abbr
}

var catalog = map[string]int{
	"AL": 1, "AK": 2, "AZ": 4, "AR": 5, "CA": 6, "CO": 8, "CT": 9, "DE": 10,
	"FL": 12, "GA": 13, "HI": 15, "ID": 16, "IL": 17, "IN": 18, "IA": 19,
	"KS": 20, "KY": 21, "LA": 22, "ME": 23, "MD": 24, "MA": 25, "MI": 26,
	"MN": 27, "MS": 28, "MO": 29, "MT": 30, "NE": 31, "NV": 32, "NH": 33,
	"NJ": 34, "NM": 35, "NY": 36, "NC": 37, "ND": 38, "OH": 39, "OK": 40,
	"OR": 41, "PA": 42, "RI": 44, "SC": 45, "SD": 46, "TN": 47, "TX": 48,
	"UT": 49, "VT": 50, "VA": 51, "WA": 53, "WV": 54, "WI": 55, "WY": 56,
}

// Lookup resolves an identifier such as "nc" or " NC " to its Region.
func Lookup(identifier string) (Region, error) {
	abbr := strings.ToUpper(strings.TrimSpace(identifier))
	code, ok := catalog[abbr]
	if !ok {
		return Region{}, fmt.Errorf("%w: %q", ErrUnknownRegion, identifier)
	}
	return Region{Abbr: abbr, Code: code}, nil
}

// All returns every region in the catalog ordered by abbreviation.
func All() []Region {
	regions := make([]Region, 0, len(catalog))
	for abbr, code := range catalog {
		regions = append(regions, Region{Abbr: abbr, Code: code})
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Abbr < regions[j].Abbr
	})
	return regions
}

// ParseList resolves a comma separated list of identifiers. Duplicates are
// collapsed and the first unknown entry fails the whole list.
func ParseList(list string) ([]Region, error) {
	seen := make(map[string]bool)
	var regions []Region
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := Lookup(part)
		if err != nil {
			return nil, err
		}
		if seen[r.Abbr] {
			continue
		}
		seen[r.Abbr] = true
		regions = append(regions, r)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: empty region list", ErrUnknownRegion)
	}
	return regions, nil
}

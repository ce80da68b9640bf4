package raster

import (
	"fmt"
	"math"

	"github.com/stwalsh4118/canopy/internal/models"
)

// Variable is one PRISM normals grid: a climate element and a month, where
// month 14 is the annual normal.
type Variable struct {
	Element string
	Month   int
}

// Path is the variable's location under the PRISM normals base URL.
func (v Variable) Path() string {
	return fmt.Sprintf("%s/%d", v.Element, v.Month)
}

func (v Variable) String() string {
	return v.Path()
}

var (
	AnnualTmean = Variable{Element: "tmean", Month: 14}
	AnnualPpt   = Variable{Element: "ppt", Month: 14}
	JanTmean    = Variable{Element: "tmean", Month: 1}
	JulTmean    = Variable{Element: "tmean", Month: 7}
)

// GrowingSeasonPpt returns the April through September precipitation grids.
func GrowingSeasonPpt() []Variable {
	vars := make([]Variable, 0, 6)
	for m := 4; m <= 9; m++ {
		vars = append(vars, Variable{Element: "ppt", Month: m})
	}
	return vars
}

// Variables returns every grid a climate load samples, in fetch order.
func Variables() []Variable {
	return append([]Variable{AnnualTmean, AnnualPpt, JanTmean, JulTmean}, GrowingSeasonPpt()...)
}

// CelsiusToFahrenheit converts and rounds to one decimal. NaN stays NaN.
func CelsiusToFahrenheit(c float64) float64 {
	return round(c*9/5+32, 1)
}

// MillimetersToInches converts and rounds to two decimals. NaN stays NaN.
func MillimetersToInches(mm float64) float64 {
	return round(mm/25.4, 2)
}

// round uses half-to-even so published normals match the values the
// warehouse has always stored.
func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.RoundToEven(v*scale) / scale
}

// DeriveNormals builds one climate row per plot from the sampled grids.
// samples must hold, for every variable in Variables, one value per plot.
// A missing month makes the growing-season sum missing. Rows with every
// attribute missing are not returned; the second result counts them.
func DeriveNormals(plots []models.PlotLocation, samples map[Variable][]float64) ([]models.ClimateNormal, int64, error) {
	for _, v := range Variables() {
		if len(samples[v]) != len(plots) {
			return nil, 0, fmt.Errorf("variable %s: %d samples for %d plots", v, len(samples[v]), len(plots))
		}
	}

	growing := GrowingSeasonPpt()
	rows := make([]models.ClimateNormal, 0, len(plots))
	var dropped int64

	for i, p := range plots {
		season := 0.0
		for _, v := range growing {
			season += samples[v][i]
		}

		n := models.ClimateNormal{
			PlotCN:             p.CN,
			AnnualTmeanF:       present(CelsiusToFahrenheit(samples[AnnualTmean][i])),
			AnnualPptIn:        present(MillimetersToInches(samples[AnnualPpt][i])),
			JanTmeanF:          present(CelsiusToFahrenheit(samples[JanTmean][i])),
			JulTmeanF:          present(CelsiusToFahrenheit(samples[JulTmean][i])),
			GrowingSeasonPptIn: present(MillimetersToInches(season)),
		}
		if n.Empty() {
			dropped++
			continue
		}
		rows = append(rows, n)
	}
	return rows, dropped, nil
}

func present(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

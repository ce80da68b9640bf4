package tabular

import "strings"

// Kind is the store type a column is parsed into.
type Kind int

const (
	// Int columns are parsed to int32.
	Int Kind = iota
	// BigInt columns are parsed to int64. FIA control numbers need 64 bits.
	BigInt
	// Float columns are parsed to float64.
	Float
	// Text columns are kept as strings.
	Text
)

// Column is a whitelisted source column. Name is the upper-case header
// used by the source files; the loaded column is its lower-case form.
type Column struct {
	Name string
	Kind Kind
}

// TableSpec describes one tabular source table.
type TableSpec struct {
	// Name is the source table name as it appears in file names (PLOT).
	Name string
	// Store is the destination table in the raw schema.
	Store string
	// Columns is the whitelist, in load order.
	Columns []Column
	// Required columns must appear in the source header.
	Required []string
	// DropMissing rows are discarded when any of these columns is null.
	DropMissing []string
}

var (
	// Plot is the FIA PLOT table.
	Plot = TableSpec{
		Name:  "PLOT",
		Store: "fia_plot",
		Columns: []Column{
			{"CN", BigInt}, {"STATECD", Int}, {"UNITCD", Int}, {"COUNTYCD", Int},
			{"PLOT", Int}, {"INVYR", Int}, {"LAT", Float}, {"LON", Float},
			{"ELEV", Int}, {"ECOSUBCD", Text},
		},
		Required:    []string{"CN", "STATECD", "LAT", "LON"},
		DropMissing: []string{"LAT", "LON"},
	}

	// Cond is the FIA COND table.
	Cond = TableSpec{
		Name:  "COND",
		Store: "fia_cond",
		Columns: []Column{
			{"CN", BigInt}, {"PLT_CN", BigInt}, {"CONDID", Int}, {"STATECD", Int},
			{"FORTYPCD", Int}, {"STDAGE", Int}, {"STDSZCD", Int}, {"SITECLCD", Int},
			{"SLOPE", Int}, {"ASPECT", Int}, {"OWNCD", Int}, {"OWNGRPCD", Int},
			{"CONDPROP_UNADJ", Float},
		},
		Required: []string{"CN", "PLT_CN", "STATECD"},
	}

	// Tree is the FIA TREE table.
	Tree = TableSpec{
		Name:  "TREE",
		Store: "fia_tree",
		Columns: []Column{
			{"CN", BigInt}, {"PLT_CN", BigInt}, {"CONDID", Int}, {"SUBP", Int},
			{"TREE", Int}, {"STATECD", Int}, {"SPCD", Int}, {"DIA", Float},
			{"HT", Float}, {"ACTUALHT", Float}, {"CR", Int}, {"STATUSCD", Int},
			{"DRYBIO_AG", Float}, {"DRYBIO_BG", Float}, {"CARBON_AG", Float},
			{"CARBON_BG", Float}, {"TPA_UNADJ", Float}, {"VOLCFNET", Float},
		},
		Required: []string{"CN", "PLT_CN", "STATECD"},
	}
)

// Tables lists the tabular tables in parent-first load order.
var Tables = []TableSpec{Plot, Cond, Tree}

// Lookup returns the spec for a table name, case-insensitively.
func Lookup(name string) (TableSpec, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// HasParent reports whether rows reference a plot through plt_cn.
func (s TableSpec) HasParent() bool {
	for _, c := range s.Columns {
		if c.Name == "PLT_CN" {
			return true
		}
	}
	return false
}

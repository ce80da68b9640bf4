package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/models"
	"github.com/stwalsh4118/canopy/internal/raster"
	"github.com/stwalsh4118/canopy/internal/repository"
	"github.com/stwalsh4118/canopy/internal/tabular"
)

// memStore is an in-memory Store. Rows are keyed by cn per store table,
// and every write is appended to ops so tests can assert ordering.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]map[int64]map[string]any
	climate    map[int64]models.ClimateNormal
	boundaries map[string]models.CountyBoundary
	ops        []string
	failOn     map[string]error
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		rows:       map[string]map[int64]map[string]any{},
		climate:    map[int64]models.ClimateNormal{},
		boundaries: map[string]models.CountyBoundary{},
		failOn:     map[string]error{},
	}
}

func (s *memStore) op(name string) error {
	s.ops = append(s.ops, name)
	if err := s.failOn[name]; err != nil {
		return fmt.Errorf("%w: %v", repository.ErrLoadFailed, err)
	}
	return nil
}

func (s *memStore) table(name string) map[int64]map[string]any {
	if s.rows[name] == nil {
		s.rows[name] = map[int64]map[string]any{}
	}
	return s.rows[name]
}

func (s *memStore) DeleteRegion(_ context.Context, t tabular.TableSpec, region int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("delete:" + t.Store); err != nil {
		return 0, err
	}
	var n int64
	for cn, row := range s.table(t.Store) {
		if row["statecd"] == int32(region) {
			delete(s.rows[t.Store], cn)
			n++
		}
	}
	return n, nil
}

// AppendChunk is all or nothing, like a transaction: a duplicate key
// anywhere in the chunk leaves the table untouched.
func (s *memStore) AppendChunk(_ context.Context, t tabular.TableSpec, chunk *tabular.Chunk) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("append:" + t.Store); err != nil {
		return 0, err
	}
	tbl := s.table(t.Store)
	staged := map[int64]map[string]any{}
	for _, values := range chunk.Rows {
		row := map[string]any{}
		for i, col := range chunk.Columns {
			row[col] = values[i]
		}
		cn := row["cn"].(int64)
		if _, dup := tbl[cn]; dup {
			return 0, fmt.Errorf("%w: duplicate key %d", repository.ErrLoadFailed, cn)
		}
		if _, dup := staged[cn]; dup {
			return 0, fmt.Errorf("%w: duplicate key %d", repository.ErrLoadFailed, cn)
		}
		staged[cn] = row
	}
	for cn, row := range staged {
		tbl[cn] = row
	}
	return int64(len(staged)), nil
}

func (s *memStore) BackfillPlotGeometry(_ context.Context, region int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("backfill:fia_plot"); err != nil {
		return 0, err
	}
	var n int64
	for _, row := range s.table("fia_plot") {
		if row["statecd"] != int32(region) || row["geom"] != nil || row["lat"] == nil || row["lon"] == nil {
			continue
		}
		row["geom"] = fmt.Sprintf("POINT(%v %v)", row["lon"], row["lat"])
		n++
	}
	return n, nil
}

func (s *memStore) PlotIDs(_ context.Context, region int) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("read:plot_ids"); err != nil {
		return nil, err
	}
	ids := map[int64]struct{}{}
	for cn, row := range s.table("fia_plot") {
		if row["statecd"] == int32(region) {
			ids[cn] = struct{}{}
		}
	}
	return ids, nil
}

func (s *memStore) PlotCoordinates(_ context.Context, region int) ([]models.PlotLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("read:plot_coordinates"); err != nil {
		return nil, err
	}
	var out []models.PlotLocation
	for cn, row := range s.table("fia_plot") {
		lat, latOK := row["lat"].(float64)
		lon, lonOK := row["lon"].(float64)
		if row["statecd"] == int32(region) && latOK && lonOK {
			out = append(out, models.PlotLocation{CN: cn, Lat: lat, Lon: lon})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CN < out[j].CN })
	return out, nil
}

func (s *memStore) DeleteClimate(_ context.Context, region int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("delete:prism_normals"); err != nil {
		return 0, err
	}
	var n int64
	for cn, row := range s.table("fia_plot") {
		if row["statecd"] != int32(region) {
			continue
		}
		if _, ok := s.climate[cn]; ok {
			delete(s.climate, cn)
			n++
		}
	}
	return n, nil
}

func (s *memStore) AppendClimate(_ context.Context, normals []models.ClimateNormal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("append:prism_normals"); err != nil {
		return 0, err
	}
	for _, n := range normals {
		if _, dup := s.climate[n.PlotCN]; dup {
			return 0, fmt.Errorf("%w: duplicate plot %d", repository.ErrLoadFailed, n.PlotCN)
		}
	}
	for _, n := range normals {
		s.climate[n.PlotCN] = n
	}
	return int64(len(normals)), nil
}

func (s *memStore) DeleteBoundaries(_ context.Context, region int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("delete:county_boundaries"); err != nil {
		return 0, err
	}
	var n int64
	for geoid, b := range s.boundaries {
		if b.StateCD == region {
			delete(s.boundaries, geoid)
			n++
		}
	}
	return n, nil
}

func (s *memStore) AppendBoundaries(_ context.Context, counties []models.CountyBoundary) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("append:county_boundaries"); err != nil {
		return 0, err
	}
	for _, c := range counties {
		if _, dup := s.boundaries[c.GEOID]; dup {
			return 0, fmt.Errorf("%w: duplicate county %s", repository.ErrLoadFailed, c.GEOID)
		}
	}
	for _, c := range counties {
		s.boundaries[c.GEOID] = c
	}
	return int64(len(counties)), nil
}

func (s *memStore) CountyAt(context.Context, float64, float64) (*models.CountyBoundary, error) {
	return nil, nil
}

func (s *memStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

func (s *memStore) opsWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, o := range s.ops {
		if strings.HasPrefix(o, prefix) {
			out = append(out, o)
		}
	}
	return out
}

// fakeFetcher serves table files and archives from memory and counts
// every call.
type fakeFetcher struct {
	t        *testing.T
	mu       sync.Mutex
	tables   map[string]string
	archives map[string]func(dir string) (string, map[string]string)
	calls    int
	urls     []string
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{
		t:        t,
		tables:   map[string]string{},
		archives: map[string]func(string) (string, map[string]string){},
	}
}

func (f *fakeFetcher) FetchTable(ctx context.Context, primaryURL, _, _ string) (*fetch.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.urls = append(f.urls, primaryURL)
	body, ok := f.tables[primaryURL]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: status 404", fetch.ErrFetchFailed, primaryURL)
	}
	dir := f.t.TempDir()
	path := filepath.Join(dir, filepath.Base(primaryURL))
	require.NoError(f.t, os.WriteFile(path, []byte(body), 0o600))
	return &fetch.Artifact{Path: path, Dir: dir, Files: map[string]string{".csv": path}}, nil
}

func (f *fakeFetcher) FetchArchive(_ context.Context, url string, _ ...string) (*fetch.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.urls = append(f.urls, url)
	build, ok := f.archives[url]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s: status 404", fetch.ErrFetchFailed, url)
	}
	dir := f.t.TempDir()
	path, files := build(dir)
	return &fetch.Artifact{Path: path, Dir: dir, Files: files, Source: fetch.FallbackSource}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countyShapefile writes a shapefile of square counties, one per entry of
// statefp+countyfp, and returns an archive builder for fakeFetcher.
func countyShapefile(geoids ...string) func(dir string) (string, map[string]string) {
	return func(dir string) (string, map[string]string) {
		path := filepath.Join(dir, "tl_2023_us_county.shp")
		w, err := shp.Create(path, shp.POLYGON)
		if err != nil {
			panic(err)
		}
		if err := w.SetFields([]shp.Field{
			shp.StringField("STATEFP", 2),
			shp.StringField("COUNTYFP", 3),
			shp.StringField("GEOID", 5),
			shp.StringField("NAME", 40),
			shp.StringField("ALAND", 14),
			shp.StringField("AWATER", 14),
		}); err != nil {
			panic(err)
		}
		for i, geoid := range geoids {
			x := -80 + float64(i)
			ring := []shp.Point{{X: x, Y: 35}, {X: x, Y: 36}, {X: x + 1, Y: 36}, {X: x + 1, Y: 35}, {X: x, Y: 35}}
			poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
			w.Write(&poly)
			_ = w.WriteAttribute(i, 0, geoid[:2])
			_ = w.WriteAttribute(i, 1, geoid[2:])
			_ = w.WriteAttribute(i, 2, geoid)
			_ = w.WriteAttribute(i, 3, "County "+geoid)
			_ = w.WriteAttribute(i, 4, "1000")
			_ = w.WriteAttribute(i, 5, "10")
		}
		w.Close()

		// The go-shp writer names its attribute table "<base>dbf".
		base := strings.TrimSuffix(path, ".shp")
		if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
			panic(err)
		}
		return path, map[string]string{
			".shp": path,
			".shx": base + ".shx",
			".dbf": base + ".dbf",
		}
	}
}

// constGrids serves one-cell grids covering the whole south east with a
// fixed value per climate element.
type constGrids struct {
	values map[string]float32
	err    error
	loads  int
}

func (g *constGrids) Load(_ context.Context, v raster.Variable) (*raster.Grid, error) {
	g.loads++
	if g.err != nil {
		return nil, g.err
	}
	h, err := raster.ParseHeader(strings.NewReader(
		"BYTEORDER I\nNROWS 1\nNCOLS 1\nNBITS 32\nPIXELTYPE FLOAT\n" +
			"ULXMAP -80\nULYMAP 35\nXDIM 20\nYDIM 20\nNODATA -9999\n"))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, []float32{g.values[v.Element]}); err != nil {
		return nil, err
	}
	return raster.ReadGrid(&buf, h)
}

var errBoom = errors.New("boom")

// Package raster reads ESRI BIL climate grids and samples them at plot
// locations.
package raster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// PRISMNoData is the PRISM missing-value sentinel. Any value at or below
// it is treated as missing even when the header declares another NODATA.
const PRISMNoData = -9999.0

// MaxGridCells bounds the band materialized in memory. The national 800m
// PRISM grid is about 21.8 million cells.
const MaxGridCells = 1 << 26

// ErrHeader is returned for BIL headers that cannot be interpreted.
var ErrHeader = errors.New("invalid BIL header")

// Header is the subset of an ESRI .hdr file needed to locate cells.
// ULXMap and ULYMap are the center of the upper-left cell.
type Header struct {
	ByteOrder binary.ByteOrder
	PixelType string
	NoData    float64
	ULXMap    float64
	ULYMap    float64
	XDim      float64
	YDim      float64
	Rows      int
	Cols      int
	Bands     int
	Bits      int
	SkipBytes int64
	HasNoData bool
}

// ParseHeader reads an ESRI BIL header.
func ParseHeader(r io.Reader) (Header, error) {
	h := Header{Bands: 1, Bits: 8, ByteOrder: binary.LittleEndian, PixelType: "UNSIGNEDINT", XDim: 1, YDim: 1}
	seen := make(map[string]bool)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		key, val := strings.ToUpper(fields[0]), fields[1]
		seen[key] = true

		var err error
		switch key {
		case "NROWS":
			h.Rows, err = strconv.Atoi(val)
		case "NCOLS":
			h.Cols, err = strconv.Atoi(val)
		case "NBANDS":
			h.Bands, err = strconv.Atoi(val)
		case "NBITS":
			h.Bits, err = strconv.Atoi(val)
		case "SKIPBYTES":
			h.SkipBytes, err = strconv.ParseInt(val, 10, 64)
		case "PIXELTYPE":
			h.PixelType = strings.ToUpper(val)
		case "BYTEORDER":
			switch strings.ToUpper(val) {
			case "I", "LSBFIRST":
				h.ByteOrder = binary.LittleEndian
			case "M", "MSBFIRST":
				h.ByteOrder = binary.BigEndian
			default:
				err = fmt.Errorf("unknown byte order %q", val)
			}
		case "LAYOUT":
			if !strings.EqualFold(val, "BIL") {
				err = fmt.Errorf("unsupported layout %q", val)
			}
		case "ULXMAP":
			h.ULXMap, err = strconv.ParseFloat(val, 64)
		case "ULYMAP":
			h.ULYMap, err = strconv.ParseFloat(val, 64)
		case "XDIM":
			h.XDim, err = strconv.ParseFloat(val, 64)
		case "YDIM":
			h.YDim, err = strconv.ParseFloat(val, 64)
		case "NODATA", "NODATA_VALUE":
			h.NoData, err = strconv.ParseFloat(val, 64)
			h.HasNoData = true
		}
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %v", ErrHeader, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrHeader, err)
	}

	for _, key := range []string{"NROWS", "NCOLS", "ULXMAP", "ULYMAP"} {
		if !seen[key] {
			return Header{}, fmt.Errorf("%w: missing %s", ErrHeader, key)
		}
	}
	if h.Rows < 1 || h.Cols < 1 || h.Bands < 1 {
		return Header{}, fmt.Errorf("%w: non-positive dimensions", ErrHeader)
	}
	if h.Rows > MaxGridCells/h.Cols {
		return Header{}, fmt.Errorf("%w: %dx%d exceeds %d cells", ErrHeader, h.Rows, h.Cols, MaxGridCells)
	}
	if h.XDim <= 0 || h.YDim <= 0 {
		return Header{}, fmt.Errorf("%w: non-positive cell size", ErrHeader)
	}
	switch {
	case h.PixelType == "FLOAT" && h.Bits == 32,
		h.PixelType == "SIGNEDINT" && (h.Bits == 16 || h.Bits == 32),
		h.PixelType == "UNSIGNEDINT" && (h.Bits == 8 || h.Bits == 16):
	default:
		return Header{}, fmt.Errorf("%w: unsupported pixel type %s/%d", ErrHeader, h.PixelType, h.Bits)
	}
	return h, nil
}

// Grid is band 1 of a BIL raster held fully in memory.
type Grid struct {
	data []float32
	Header
}

// OpenGrid parses hdrPath and loads band 1 of bilPath.
func OpenGrid(bilPath, hdrPath string) (*Grid, error) {
	hf, err := os.Open(hdrPath)
	if err != nil {
		return nil, fmt.Errorf("open header: %w", err)
	}
	h, err := ParseHeader(hf)
	hf.Close()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(bilPath)
	if err != nil {
		return nil, fmt.Errorf("open raster: %w", err)
	}
	defer f.Close()

	return ReadGrid(f, h)
}

// ReadGrid decodes band 1 from a band-interleaved-by-line stream.
func ReadGrid(r io.Reader, h Header) (*Grid, error) {
	if h.SkipBytes > 0 {
		if _, err := io.CopyN(io.Discard, r, h.SkipBytes); err != nil {
			return nil, fmt.Errorf("skip raster preamble: %w", err)
		}
	}

	cellBytes := h.Bits / 8
	rowBytes := h.Cols * cellBytes
	skip := int64(rowBytes * (h.Bands - 1))

	br := bufio.NewReaderSize(r, 1<<16)
	row := make([]byte, rowBytes)
	data := make([]float32, h.Rows*h.Cols)

	for y := 0; y < h.Rows; y++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("read raster row %d: %w", y, err)
		}
		base := y * h.Cols
		for x := 0; x < h.Cols; x++ {
			data[base+x] = decodeCell(row[x*cellBytes:(x+1)*cellBytes], h)
		}
		if skip > 0 && y < h.Rows-1 {
			if _, err := io.CopyN(io.Discard, br, skip); err != nil {
				return nil, fmt.Errorf("skip bands at row %d: %w", y, err)
			}
		}
	}
	return &Grid{Header: h, data: data}, nil
}

func decodeCell(b []byte, h Header) float32 {
	switch {
	case h.PixelType == "FLOAT":
		return math.Float32frombits(h.ByteOrder.Uint32(b))
	case h.PixelType == "SIGNEDINT" && h.Bits == 32:
		return float32(int32(h.ByteOrder.Uint32(b)))
	case h.PixelType == "SIGNEDINT":
		return float32(int16(h.ByteOrder.Uint16(b)))
	case h.Bits == 16:
		return float32(h.ByteOrder.Uint16(b))
	default:
		return float32(b[0])
	}
}

// Cell returns the row and column containing (lon, lat), and false when the
// point lies outside the grid.
func (g *Grid) Cell(lon, lat float64) (row, col int, ok bool) {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return 0, 0, false
	}
	left := g.ULXMap - g.XDim/2
	top := g.ULYMap + g.YDim/2
	c := math.Floor((lon - left) / g.XDim)
	r := math.Floor((top - lat) / g.YDim)
	if c < 0 || r < 0 || c >= float64(g.Cols) || r >= float64(g.Rows) {
		return 0, 0, false
	}
	return int(r), int(c), true
}

// Value returns the cell value at (lon, lat), or NaN when the point is out
// of bounds or the cell holds the nodata sentinel.
func (g *Grid) Value(lon, lat float64) float64 {
	row, col, ok := g.Cell(lon, lat)
	if !ok {
		return math.NaN()
	}
	v := float64(g.data[row*g.Cols+col])
	if math.IsNaN(v) || v <= PRISMNoData || (g.HasNoData && v == g.NoData) {
		return math.NaN()
	}
	return v
}

// Sample returns one value per point, in order. Points are lon/lat.
func (g *Grid) Sample(points []orb.Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = g.Value(p.Lon(), p.Lat())
	}
	return out
}

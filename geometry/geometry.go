// Package geometry binds pixel grids to spatial reference frames. A
// RasterGeometry couples a row/column count with a six-parameter GDAL
// geotransform and a spatial reference given as WKT. Geometries are
// immutable; intersection and cropping always produce new values.
package geometry

import (
	"fmt"
	"math"
)

// PixelOrigin selects which point of a pixel a world coordinate refers to.
type PixelOrigin string

const (
	OriginUpperLeft  PixelOrigin = "ul"
	OriginUpperRight PixelOrigin = "ur"
	OriginLowerRight PixelOrigin = "lr"
	OriginLowerLeft  PixelOrigin = "ll"
	OriginCenter     PixelOrigin = "c"
)

// RasterGeometry describes the spatial frame of a pixel grid.
// Geotrans is the GDAL convention: (originX, pixelWidth, rowRotation,
// originY, colRotation, pixelHeight), pixelHeight negative for north-up.
type RasterGeometry struct {
	NRows    int
	NCols    int
	SRefWKT  string
	Geotrans [6]float64
}

// New validates the basic grid parameters and returns a geometry.
func New(nRows, nCols int, srefWKT string, geotrans [6]float64) (RasterGeometry, error) {
	if nRows <= 0 || nCols <= 0 {
		return RasterGeometry{}, fmt.Errorf("raster geometry needs positive dimensions, got (%d, %d)", nRows, nCols)
	}
	if geotrans[1] == 0 || geotrans[5] == 0 {
		return RasterGeometry{}, fmt.Errorf("raster geometry needs non-zero pixel sizes, got (%v, %v)", geotrans[1], geotrans[5])
	}
	return RasterGeometry{NRows: nRows, NCols: nCols, SRefWKT: srefWKT, Geotrans: geotrans}, nil
}

func (g RasterGeometry) XPixelSize() float64 { return math.Abs(g.Geotrans[1]) }
func (g RasterGeometry) YPixelSize() float64 { return math.Abs(g.Geotrans[5]) }

// PixelToWorld maps a pixel index to a world coordinate honoring the
// pixel origin convention.
func (g RasterGeometry) PixelToWorld(row, col int, origin PixelOrigin) (float64, float64) {
	fr, fc := float64(row), float64(col)
	switch origin {
	case OriginUpperRight:
		fc++
	case OriginLowerRight:
		fr++
		fc++
	case OriginLowerLeft:
		fr++
	case OriginCenter:
		fr += 0.5
		fc += 0.5
	}
	x := g.Geotrans[0] + fc*g.Geotrans[1] + fr*g.Geotrans[2]
	y := g.Geotrans[3] + fc*g.Geotrans[4] + fr*g.Geotrans[5]
	return x, y
}

// WorldToPixel maps a world coordinate to the pixel index containing it.
// The origin convention shifts the coordinate before truncation so that
// e.g. a pixel-center convention resolves coordinates on the half-pixel.
func (g RasterGeometry) WorldToPixel(x, y float64, origin PixelOrigin) (int, int) {
	gt := g.Geotrans
	det := gt[1]*gt[5] - gt[2]*gt[4]
	dx := x - gt[0]
	dy := y - gt[3]
	fc := (dx*gt[5] - dy*gt[2]) / det
	fr := (dy*gt[1] - dx*gt[4]) / det
	switch origin {
	case OriginUpperRight:
		fc--
	case OriginLowerRight:
		fr--
		fc--
	case OriginLowerLeft:
		fr--
	case OriginCenter:
		fr -= 0.5
		fc -= 0.5
	}
	return int(math.Floor(fr)), int(math.Floor(fc))
}

// OuterExtent returns (minX, minY, maxX, maxY) covering the full pixel grid.
func (g RasterGeometry) OuterExtent() (float64, float64, float64, float64) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	corners := [4][2]int{{0, 0}, {0, g.NCols}, {g.NRows, 0}, {g.NRows, g.NCols}}
	for _, c := range corners {
		x := g.Geotrans[0] + float64(c[1])*g.Geotrans[1] + float64(c[0])*g.Geotrans[2]
		y := g.Geotrans[3] + float64(c[1])*g.Geotrans[4] + float64(c[0])*g.Geotrans[5]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return minX, minY, maxX, maxY
}

// Contains reports whether the world coordinate falls inside the extent.
func (g RasterGeometry) Contains(x, y float64) bool {
	row, col := g.WorldToPixel(x, y, OriginUpperLeft)
	return row >= 0 && row < g.NRows && col >= 0 && col < g.NCols
}

// Congruent reports whether two geometries describe the identical grid.
// WKT strings are compared byte-wise; no spatial reference normalisation
// is attempted.
func (g RasterGeometry) Congruent(other RasterGeometry) bool {
	return g.NRows == other.NRows && g.NCols == other.NCols &&
		g.SRefWKT == other.SRefWKT && g.Geotrans == other.Geotrans
}

// SameGrid reports whether two geometries share pixel size, rotation and
// grid alignment, i.e. whether pixel windows can be mapped between them
// without resampling.
func (g RasterGeometry) SameGrid(other RasterGeometry) bool {
	if g.Geotrans[1] != other.Geotrans[1] || g.Geotrans[5] != other.Geotrans[5] ||
		g.Geotrans[2] != other.Geotrans[2] || g.Geotrans[4] != other.Geotrans[4] {
		return false
	}
	dx := (other.Geotrans[0] - g.Geotrans[0]) / g.Geotrans[1]
	dy := (other.Geotrans[3] - g.Geotrans[3]) / g.Geotrans[5]
	const eps = 1e-9
	return math.Abs(dx-math.Round(dx)) < eps && math.Abs(dy-math.Round(dy)) < eps
}

// ClipPixelWindow clips inclusive pixel bounds to the geometry's extent.
// The second return value is false if nothing remains.
func (g RasterGeometry) ClipPixelWindow(minRow, minCol, maxRow, maxCol int) (int, int, int, int, bool) {
	if minRow < 0 {
		minRow = 0
	}
	if minCol < 0 {
		minCol = 0
	}
	if maxRow > g.NRows-1 {
		maxRow = g.NRows - 1
	}
	if maxCol > g.NCols-1 {
		maxCol = g.NCols - 1
	}
	if minRow > maxRow || minCol > maxCol {
		return 0, 0, 0, 0, false
	}
	return minRow, minCol, maxRow, maxCol, true
}

// PixelWindow derives a new geometry covering the given window of this
// geometry. Bounds are inclusive pixel indices and must already be clipped.
func (g RasterGeometry) PixelWindow(minRow, minCol, maxRow, maxCol int) RasterGeometry {
	gt := g.Geotrans
	originX := gt[0] + float64(minCol)*gt[1] + float64(minRow)*gt[2]
	originY := gt[3] + float64(minCol)*gt[4] + float64(minRow)*gt[5]
	return RasterGeometry{
		NRows:    maxRow - minRow + 1,
		NCols:    maxCol - minCol + 1,
		SRefWKT:  g.SRefWKT,
		Geotrans: [6]float64{originX, gt[1], gt[2], originY, gt[4], gt[5]},
	}
}

// Intersect computes the overlap of two grid-aligned geometries. The
// result is expressed on this geometry's grid. Returns false when the
// geometries do not overlap or are not grid-aligned; non-intersection is
// a designed non-error outcome.
func (g RasterGeometry) Intersect(other RasterGeometry) (RasterGeometry, bool) {
	if !g.SameGrid(other) {
		return RasterGeometry{}, false
	}
	minRow, minCol, maxRow, maxCol, ok := g.windowOf(other)
	if !ok {
		return RasterGeometry{}, false
	}
	return g.PixelWindow(minRow, minCol, maxRow, maxCol), true
}

// WindowOf returns the inclusive pixel window of this geometry covered by
// other, clipped to this geometry's extent.
func (g RasterGeometry) WindowOf(other RasterGeometry) (minRow, minCol, maxRow, maxCol int, ok bool) {
	return g.windowOf(other)
}

func (g RasterGeometry) windowOf(other RasterGeometry) (int, int, int, int, bool) {
	gt := g.Geotrans
	dCol := (other.Geotrans[0] - gt[0]) / gt[1]
	dRow := (other.Geotrans[3] - gt[3]) / gt[5]
	minCol := int(math.Round(dCol))
	minRow := int(math.Round(dRow))
	maxRow := minRow + other.NRows - 1
	maxCol := minCol + other.NCols - 1
	return g.ClipPixelWindow(minRow, minCol, maxRow, maxCol)
}

// BoundingWindow computes the inclusive pixel window of this geometry
// covering a world extent, clipped to the geometry.
func (g RasterGeometry) BoundingWindow(minX, minY, maxX, maxY float64) (int, int, int, int, bool) {
	r0, c0 := g.WorldToPixel(minX, maxY, OriginUpperLeft)
	r1, c1 := g.WorldToPixel(maxX, minY, OriginUpperLeft)
	if r1 < r0 {
		r0, r1 = r1, r0
	}
	if c1 < c0 {
		c0, c1 = c1, c0
	}
	// a max coordinate sitting exactly on a pixel boundary belongs to the
	// previous pixel
	xb := g.Geotrans[0] + float64(c1)*g.Geotrans[1]
	if maxX == xb && c1 > c0 {
		c1--
	}
	yb := g.Geotrans[3] + float64(r1)*g.Geotrans[5]
	if minY == yb && r1 > r0 {
		r1--
	}
	return g.ClipPixelWindow(r0, c0, r1, c1)
}

// Union returns the smallest grid-aligned geometry covering both inputs,
// expressed on g's grid.
func (g RasterGeometry) Union(other RasterGeometry) (RasterGeometry, error) {
	if !g.SameGrid(other) {
		return RasterGeometry{}, fmt.Errorf("geometries are not aligned on the same grid")
	}
	gt := g.Geotrans
	dCol := int(math.Round((other.Geotrans[0] - gt[0]) / gt[1]))
	dRow := int(math.Round((other.Geotrans[3] - gt[3]) / gt[5]))
	minRow, minCol := 0, 0
	if dRow < minRow {
		minRow = dRow
	}
	if dCol < minCol {
		minCol = dCol
	}
	maxRow, maxCol := g.NRows-1, g.NCols-1
	if dRow+other.NRows-1 > maxRow {
		maxRow = dRow + other.NRows - 1
	}
	if dCol+other.NCols-1 > maxCol {
		maxCol = dCol + other.NCols - 1
	}
	originX := gt[0] + float64(minCol)*gt[1] + float64(minRow)*gt[2]
	originY := gt[3] + float64(minCol)*gt[4] + float64(minRow)*gt[5]
	return RasterGeometry{
		NRows:    maxRow - minRow + 1,
		NCols:    maxCol - minCol + 1,
		SRefWKT:  g.SRefWKT,
		Geotrans: [6]float64{originX, gt[1], gt[2], originY, gt[4], gt[5]},
	}, nil
}

package mosaic

import (
	"math"

	"github.com/maybedave/veranda/geometry"
)

// RasterAccess is the pixel-index overlap of two grid-aligned
// geometries, expressed in each one's local frame. Stop indices are
// exclusive here; the inclusive-max convention of the cropping API is
// converted exactly once, where a window is built from a max-row/max-col
// pair.
type RasterAccess struct {
	SrcRowOff, SrcColOff int
	SrcRows, SrcCols     int
	DstRowOff, DstColOff int
	DstRows, DstCols     int
}

// Empty reports whether the access covers no pixels.
func (a RasterAccess) Empty() bool { return a.SrcRows <= 0 || a.SrcCols <= 0 }

// Access computes the overlap window between a source and a destination
// geometry sharing pixel size and grid alignment. Non-overlapping
// geometries return an empty access, never one with negative sizes.
func Access(src, dst geometry.RasterGeometry) RasterAccess {
	sx0, sy0, sx1, sy1 := src.OuterExtent()
	dx0, dy0, dx1, dy1 := dst.OuterExtent()

	ox0 := math.Max(sx0, dx0)
	oy0 := math.Max(sy0, dy0)
	ox1 := math.Min(sx1, dx1)
	oy1 := math.Min(sy1, dy1)
	if ox1 <= ox0 || oy1 <= oy0 {
		return RasterAccess{}
	}

	px := src.XPixelSize()
	py := src.YPixelSize()
	nCols := int(math.Round((ox1 - ox0) / px))
	nRows := int(math.Round((oy1 - oy0) / py))
	if nRows <= 0 || nCols <= 0 {
		return RasterAccess{}
	}

	srcRow, srcCol := src.WorldToPixel(ox0, oy1, geometry.OriginUpperLeft)
	dstRow, dstCol := dst.WorldToPixel(ox0, oy1, geometry.OriginUpperLeft)
	return RasterAccess{
		SrcRowOff: srcRow, SrcColOff: srcCol, SrcRows: nRows, SrcCols: nCols,
		DstRowOff: dstRow, DstColOff: dstCol, DstRows: nRows, DstCols: nCols,
	}
}

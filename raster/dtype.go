// Package raster implements the RasterData hierarchy: arrays bound to a
// raster geometry with windowed loading, cropping, masking and
// format-agnostic representation conversion. Layers are 2-D, stacks are
// 3-D sequences of congruent layers.
package raster

// DType names follow the GDAL type names the drivers report.
type DType string

const (
	DTypeByte    DType = "Byte"
	DTypeInt16   DType = "Int16"
	DTypeUInt16  DType = "UInt16"
	DTypeInt32   DType = "Int32"
	DTypeFloat32 DType = "Float32"
	DTypeFloat64 DType = "Float64"
)

const SizeofInt16 = 2
const SizeofUInt16 = 2
const SizeofInt32 = 4
const SizeofFloat32 = 4
const SizeofFloat64 = 8

// DTypeSizes maps a dtype to its per-pixel byte size. Initialized once,
// never mutated.
var DTypeSizes = map[DType]int{
	DTypeByte:    1,
	DTypeInt16:   SizeofInt16,
	DTypeUInt16:  SizeofUInt16,
	DTypeInt32:   SizeofInt32,
	DTypeFloat32: SizeofFloat32,
	DTypeFloat64: SizeofFloat64,
}

// DTypeNoData holds the conventional nodata fill per dtype, used when a
// driver reports none.
var DTypeNoData = map[DType]float64{
	DTypeByte:    255,
	DTypeInt16:   -9999,
	DTypeUInt16:  65535,
	DTypeInt32:   -9999,
	DTypeFloat32: -9999,
	DTypeFloat64: -9999,
}

// ValidDType reports whether the dtype is one this package can carry.
func ValidDType(t DType) bool {
	_, ok := DTypeSizes[t]
	return ok
}

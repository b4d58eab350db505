package raster

import (
	"math"

	"github.com/maybedave/veranda/geometry"
)

// VarInfo describes one variable/band of a file: its dtype and the
// encoding parameters converting stored values to physical values.
type VarInfo struct {
	Name        string
	DType       DType
	NoData      float64
	ScaleFactor float64
	Offset      float64
	Attrs       map[string]string
}

// Decoder converts a raw buffer read from disk into decoded values.
type Decoder func(raw *Buffer, noData, scaleFactor, offset float64, dtype DType) (*Buffer, error)

// Encoder is the inverse of Decoder, applied before writing.
type Encoder func(decoded *Buffer, noData, scaleFactor, offset float64, dtype DType) (*Buffer, error)

// Driver is the format driver contract. A driver serves exactly one file
// opened in read or write mode. Read and Write move windows of all file
// layers at once; buffers are laid out (nLayers, nRows, nCols) row-major
// with nLayers == 1 for single-layer files.
type Driver interface {
	// Filepath returns the path of the file served by this driver.
	Filepath() string

	// Geometry returns the file's spatial frame.
	Geometry() (geometry.RasterGeometry, error)

	// Layers returns the labels along the file's stack dimension, in
	// file order. Single-layer formats report one label.
	Layers() ([]string, error)

	// Variables lists per-variable metadata.
	Variables() ([]VarInfo, error)

	// Read returns the requested window per variable. A nil variables
	// slice reads all of them; a nil decoder returns raw stored values.
	Read(row, col, nRows, nCols int, variables []string, decoder Decoder) (map[string]*Buffer, error)

	// Write stores the given windows at the destination offset. A nil
	// encoder writes values as-is.
	Write(vars map[string]*Buffer, row, col, nRows, nCols int, encoder Encoder) error

	Flush() error
	Close() error
}

// DecodeScaleOffset is the default decoder: nodata pixels become NaN
// (for floating point targets) and values are mapped through
// raw*scale + offset. A scale of 0 is treated as 1.
func DecodeScaleOffset(raw *Buffer, noData, scaleFactor, offset float64, dtype DType) (*Buffer, error) {
	if scaleFactor == 0 {
		scaleFactor = 1
	}
	if scaleFactor == 1 && offset == 0 {
		return raw, nil
	}
	out, err := NewBuffer(DTypeFloat64, raw.Len())
	if err != nil {
		return nil, err
	}
	data := out.Float64s()
	for i := range data {
		v := raw.ValueAt(i)
		if v == noData {
			data[i] = math.NaN()
			continue
		}
		data[i] = v*scaleFactor + offset
	}
	if raw.Mask != nil {
		out.Mask = make([]bool, len(raw.Mask))
		copy(out.Mask, raw.Mask)
	}
	return out, nil
}

// EncodeScaleOffset is the default encoder: the inverse of
// DecodeScaleOffset, quantizing to the storage dtype and mapping NaN to
// the nodata value.
func EncodeScaleOffset(decoded *Buffer, noData, scaleFactor, offset float64, dtype DType) (*Buffer, error) {
	if scaleFactor == 0 {
		scaleFactor = 1
	}
	if scaleFactor == 1 && offset == 0 && decoded.Type == dtype {
		return decoded, nil
	}
	out, err := NewBuffer(dtype, decoded.Len())
	if err != nil {
		return nil, err
	}
	integral := dtype != DTypeFloat32 && dtype != DTypeFloat64
	for i := 0; i < decoded.Len(); i++ {
		v := decoded.ValueAt(i)
		if math.IsNaN(v) {
			out.SetValueAt(i, noData)
			continue
		}
		v = (v - offset) / scaleFactor
		if integral {
			v = math.Round(v)
		}
		out.SetValueAt(i, v)
	}
	if decoded.Mask != nil {
		out.Mask = make([]bool, len(decoded.Mask))
		copy(out.Mask, decoded.Mask)
	}
	return out, nil
}

package raster

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"
)

// Buffer is a dense flat pixel array of a known dtype over a raw byte
// slice, optionally carrying a per-pixel mask. Masked pixels keep their
// values; the mask is recorded alongside, it never overwrites data.
type Buffer struct {
	Type DType
	Data []byte
	Mask []bool
}

// NewBuffer allocates a zeroed buffer for n pixels.
func NewBuffer(dtype DType, n int) (*Buffer, error) {
	size, ok := DTypeSizes[dtype]
	if !ok {
		return nil, fmt.Errorf("%w: raster type %s not recognised", ErrDataTypeMismatch, dtype)
	}
	return &Buffer{Type: dtype, Data: make([]byte, n*size)}, nil
}

// NewNoDataBuffer allocates a buffer for n pixels filled with noData.
func NewNoDataBuffer(dtype DType, n int, noData float64) (*Buffer, error) {
	buf, err := NewBuffer(dtype, n)
	if err != nil {
		return nil, err
	}
	buf.Fill(noData)
	return buf, nil
}

// Len returns the number of pixels.
func (b *Buffer) Len() int {
	return len(b.Data) / DTypeSizes[b.Type]
}

func (b *Buffer) Int16s() []int16 {
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&b.Data))
	header.Len /= SizeofInt16
	header.Cap /= SizeofInt16
	return *(*[]int16)(unsafe.Pointer(&header))
}

func (b *Buffer) UInt16s() []uint16 {
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&b.Data))
	header.Len /= SizeofUInt16
	header.Cap /= SizeofUInt16
	return *(*[]uint16)(unsafe.Pointer(&header))
}

func (b *Buffer) Int32s() []int32 {
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&b.Data))
	header.Len /= SizeofInt32
	header.Cap /= SizeofInt32
	return *(*[]int32)(unsafe.Pointer(&header))
}

func (b *Buffer) Float32s() []float32 {
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&b.Data))
	header.Len /= SizeofFloat32
	header.Cap /= SizeofFloat32
	return *(*[]float32)(unsafe.Pointer(&header))
}

func (b *Buffer) Float64s() []float64 {
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&b.Data))
	header.Len /= SizeofFloat64
	header.Cap /= SizeofFloat64
	return *(*[]float64)(unsafe.Pointer(&header))
}

// TypedSlice returns the buffer data as a typed Go slice suitable for
// handing to a driver.
func (b *Buffer) TypedSlice() interface{} {
	switch b.Type {
	case DTypeByte:
		return b.Data
	case DTypeInt16:
		return b.Int16s()
	case DTypeUInt16:
		return b.UInt16s()
	case DTypeInt32:
		return b.Int32s()
	case DTypeFloat32:
		return b.Float32s()
	case DTypeFloat64:
		return b.Float64s()
	}
	return nil
}

// Fill sets every pixel to val converted to the buffer's dtype.
func (b *Buffer) Fill(val float64) {
	switch b.Type {
	case DTypeByte:
		fill := uint8(val)
		for i := range b.Data {
			b.Data[i] = fill
		}
	case DTypeInt16:
		data := b.Int16s()
		fill := int16(val)
		for i := range data {
			data[i] = fill
		}
	case DTypeUInt16:
		data := b.UInt16s()
		fill := uint16(val)
		for i := range data {
			data[i] = fill
		}
	case DTypeInt32:
		data := b.Int32s()
		fill := int32(val)
		for i := range data {
			data[i] = fill
		}
	case DTypeFloat32:
		data := b.Float32s()
		fill := float32(val)
		for i := range data {
			data[i] = fill
		}
	case DTypeFloat64:
		data := b.Float64s()
		for i := range data {
			data[i] = val
		}
	}
}

// ValueAt returns pixel i as float64.
func (b *Buffer) ValueAt(i int) float64 {
	switch b.Type {
	case DTypeByte:
		return float64(b.Data[i])
	case DTypeInt16:
		return float64(b.Int16s()[i])
	case DTypeUInt16:
		return float64(b.UInt16s()[i])
	case DTypeInt32:
		return float64(b.Int32s()[i])
	case DTypeFloat32:
		return float64(b.Float32s()[i])
	case DTypeFloat64:
		return b.Float64s()[i]
	}
	return math.NaN()
}

// SetValueAt stores val into pixel i, truncating to the buffer's dtype.
func (b *Buffer) SetValueAt(i int, val float64) {
	switch b.Type {
	case DTypeByte:
		b.Data[i] = uint8(val)
	case DTypeInt16:
		b.Int16s()[i] = int16(val)
	case DTypeUInt16:
		b.UInt16s()[i] = uint16(val)
	case DTypeInt32:
		b.Int32s()[i] = int32(val)
	case DTypeFloat32:
		b.Float32s()[i] = float32(val)
	case DTypeFloat64:
		b.Float64s()[i] = val
	}
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{Type: b.Type, Data: make([]byte, len(b.Data))}
	copy(out.Data, b.Data)
	if b.Mask != nil {
		out.Mask = make([]bool, len(b.Mask))
		copy(out.Mask, b.Mask)
	}
	return out
}

// Window2D extracts an inclusive pixel window from a buffer laid out as
// nRows x nCols, carrying the mask along.
func (b *Buffer) Window2D(nRows, nCols, minRow, minCol, maxRow, maxCol int) (*Buffer, error) {
	if b.Len() != nRows*nCols {
		return nil, fmt.Errorf("%w: buffer holds %d pixels, window source is (%d, %d)",
			ErrDimensionsMismatch, b.Len(), nRows, nCols)
	}
	if minRow < 0 || minCol < 0 || maxRow >= nRows || maxCol >= nCols || minRow > maxRow || minCol > maxCol {
		return nil, fmt.Errorf("%w: window (%d:%d, %d:%d) outside (%d, %d)",
			ErrDimensionsMismatch, minRow, maxRow, minCol, maxCol, nRows, nCols)
	}
	h := maxRow - minRow + 1
	w := maxCol - minCol + 1
	size := DTypeSizes[b.Type]
	out := &Buffer{Type: b.Type, Data: make([]byte, h*w*size)}
	for r := 0; r < h; r++ {
		srcOff := ((minRow+r)*nCols + minCol) * size
		copy(out.Data[r*w*size:(r+1)*w*size], b.Data[srcOff:srcOff+w*size])
	}
	if b.Mask != nil {
		out.Mask = make([]bool, h*w)
		for r := 0; r < h; r++ {
			copy(out.Mask[r*w:(r+1)*w], b.Mask[(minRow+r)*nCols+minCol:(minRow+r)*nCols+minCol+w])
		}
	}
	return out, nil
}

// Window3D extracts an inclusive pixel window from every selected plane
// of a buffer laid out as nLayers x nRows x nCols. layerIdxs selects and
// orders the planes; nil keeps all of them.
func (b *Buffer) Window3D(nLayers, nRows, nCols int, layerIdxs []int, minRow, minCol, maxRow, maxCol int) (*Buffer, error) {
	if b.Len() != nLayers*nRows*nCols {
		return nil, fmt.Errorf("%w: buffer holds %d pixels, window source is (%d, %d, %d)",
			ErrDimensionsMismatch, b.Len(), nLayers, nRows, nCols)
	}
	if minRow < 0 || minCol < 0 || maxRow >= nRows || maxCol >= nCols || minRow > maxRow || minCol > maxCol {
		return nil, fmt.Errorf("%w: window (%d:%d, %d:%d) outside (%d, %d)",
			ErrDimensionsMismatch, minRow, maxRow, minCol, maxCol, nRows, nCols)
	}
	if layerIdxs == nil {
		layerIdxs = make([]int, nLayers)
		for i := range layerIdxs {
			layerIdxs[i] = i
		}
	}
	h := maxRow - minRow + 1
	w := maxCol - minCol + 1
	size := DTypeSizes[b.Type]
	out := &Buffer{Type: b.Type, Data: make([]byte, len(layerIdxs)*h*w*size)}
	if b.Mask != nil {
		out.Mask = make([]bool, len(layerIdxs)*h*w)
	}
	for li, idx := range layerIdxs {
		if idx < 0 || idx >= nLayers {
			return nil, fmt.Errorf("%w: layer index %d outside %d layers", ErrUnknownLayer, idx, nLayers)
		}
		for r := 0; r < h; r++ {
			srcOff := (idx*nRows*nCols + (minRow+r)*nCols + minCol) * size
			dstOff := (li*h*w + r*w) * size
			copy(out.Data[dstOff:dstOff+w*size], b.Data[srcOff:srcOff+w*size])
			if b.Mask != nil {
				srcM := idx*nRows*nCols + (minRow+r)*nCols + minCol
				copy(out.Mask[li*h*w+r*w:li*h*w+(r+1)*w], b.Mask[srcM:srcM+w])
			}
		}
	}
	return out, nil
}

// PasteWindow2D copies src (laid out srcRows x srcCols) into this buffer
// (laid out dstRows x dstCols) at the given destination offset.
func (b *Buffer) PasteWindow2D(dstRows, dstCols int, src *Buffer, srcRows, srcCols, dstRow, dstCol int) error {
	if b.Type != src.Type {
		return fmt.Errorf("%w: cannot paste %s into %s", ErrDataTypeMismatch, src.Type, b.Type)
	}
	if dstRow < 0 || dstCol < 0 || dstRow+srcRows > dstRows || dstCol+srcCols > dstCols {
		return fmt.Errorf("%w: paste of (%d, %d) at (%d, %d) exceeds (%d, %d)",
			ErrDimensionsMismatch, srcRows, srcCols, dstRow, dstCol, dstRows, dstCols)
	}
	size := DTypeSizes[b.Type]
	for r := 0; r < srcRows; r++ {
		dstOff := ((dstRow+r)*dstCols + dstCol) * size
		copy(b.Data[dstOff:dstOff+srcCols*size], src.Data[r*srcCols*size:(r+1)*srcCols*size])
	}
	return nil
}

// ApplyMask records mask on a copy of the buffer. The mask must have one
// entry per pixel.
func (b *Buffer) ApplyMask(mask []bool) (*Buffer, error) {
	if len(mask) != b.Len() {
		return nil, fmt.Errorf("%w: mask (%d) and data (%d) dimensions mismatch",
			ErrDimensionsMismatch, len(mask), b.Len())
	}
	out := b.Clone()
	out.Mask = make([]bool, len(mask))
	copy(out.Mask, mask)
	return out, nil
}

// Package geotiff implements the raster driver contract for GeoTIFF
// files through GDAL. Bands map to stack layers of a single variable
// named "1"; multi-variable content belongs to the netCDF driver.
package geotiff

import (
	"fmt"
	"strconv"

	"github.com/airbusgeo/godal"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

const variableName = "1"

// Metadata items carrying the encoding parameters, as GDAL reports them
// for CF-style sources.
const (
	mdScaleFactor = "scale_factor"
	mdOffset      = "add_offset"
)

type Driver struct {
	path string
	ds   *godal.Dataset
	info raster.VarInfo
}

// Open opens an existing GeoTIFF for reading and updating.
func Open(path string) (*Driver, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geotiff: opening %s: %w", path, err)
	}
	d := &Driver{path: path, ds: ds}
	d.info = d.readVarInfo()
	return d, nil
}

// Create creates a new GeoTIFF with nLayers bands of the given type and
// encoding. The file is written band-interleaved with the standard
// striped layout.
func Create(path string, geom geometry.RasterGeometry, nLayers int, info raster.VarInfo) (*Driver, error) {
	gdtype, err := toGodalType(info.DType)
	if err != nil {
		return nil, err
	}
	ds, err := godal.Create(godal.GTiff, path, nLayers, gdtype, geom.NCols, geom.NRows)
	if err != nil {
		return nil, fmt.Errorf("geotiff: creating %s: %w", path, err)
	}
	if err := ds.SetGeoTransform(geom.Geotrans); err != nil {
		ds.Close()
		return nil, fmt.Errorf("geotiff: %s: %w", path, err)
	}
	if geom.SRefWKT != "" {
		if err := ds.SetProjection(geom.SRefWKT); err != nil {
			ds.Close()
			return nil, fmt.Errorf("geotiff: %s: %w", path, err)
		}
	}
	for _, band := range ds.Bands() {
		if err := band.SetNoData(info.NoData); err != nil {
			ds.Close()
			return nil, fmt.Errorf("geotiff: %s: %w", path, err)
		}
		if info.ScaleFactor != 0 && info.ScaleFactor != 1 {
			band.SetMetadata(mdScaleFactor, formatFloat(info.ScaleFactor))
		}
		if info.Offset != 0 {
			band.SetMetadata(mdOffset, formatFloat(info.Offset))
		}
	}
	info.Name = variableName
	return &Driver{path: path, ds: ds, info: info}, nil
}

func (d *Driver) readVarInfo() raster.VarInfo {
	st := d.ds.Structure()
	info := raster.VarInfo{
		Name:        variableName,
		DType:       fromGodalType(st.DataType),
		ScaleFactor: 1,
	}
	bands := d.ds.Bands()
	if len(bands) == 0 {
		return info
	}
	if noData, ok := bands[0].NoData(); ok {
		info.NoData = noData
	} else {
		info.NoData = raster.DTypeNoData[info.DType]
	}
	if v := bands[0].Metadata(mdScaleFactor); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.ScaleFactor = f
		}
	}
	if v := bands[0].Metadata(mdOffset); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.Offset = f
		}
	}
	return info
}

func (d *Driver) Filepath() string { return d.path }

func (d *Driver) Geometry() (geometry.RasterGeometry, error) {
	gt, err := d.ds.GeoTransform()
	if err != nil {
		return geometry.RasterGeometry{}, fmt.Errorf("geotiff: %s has no geotransform: %w", d.path, err)
	}
	st := d.ds.Structure()
	return geometry.New(st.SizeY, st.SizeX, d.ds.Projection(), gt)
}

func (d *Driver) Layers() ([]string, error) {
	labels := make([]string, d.ds.Structure().NBands)
	for i := range labels {
		labels[i] = strconv.Itoa(i + 1)
	}
	return labels, nil
}

func (d *Driver) Variables() ([]raster.VarInfo, error) {
	return []raster.VarInfo{d.info}, nil
}

func (d *Driver) Read(row, col, nRows, nCols int, variables []string, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	for _, v := range variables {
		if v != variableName {
			return nil, fmt.Errorf("%w: unknown variable %s in %s", raster.ErrReadFailure, v, d.path)
		}
	}
	bands := d.ds.Bands()
	raw, err := raster.NewBuffer(d.info.DType, len(bands)*nRows*nCols)
	if err != nil {
		return nil, err
	}
	sz := raster.DTypeSizes[raw.Type]
	for i, band := range bands {
		view := &raster.Buffer{Type: raw.Type, Data: raw.Data[i*nRows*nCols*sz : (i+1)*nRows*nCols*sz]}
		if err := band.Read(col, row, view.TypedSlice(), nCols, nRows); err != nil {
			return nil, fmt.Errorf("%w: band %d of %s: %v", raster.ErrReadFailure, i+1, d.path, err)
		}
	}
	if decoder != nil {
		raw, err = decoder(raw, d.info.NoData, d.info.ScaleFactor, d.info.Offset, d.info.DType)
		if err != nil {
			return nil, err
		}
	}
	return map[string]*raster.Buffer{variableName: raw}, nil
}

func (d *Driver) Write(vars map[string]*raster.Buffer, row, col, nRows, nCols int, encoder raster.Encoder) error {
	buf, ok := vars[variableName]
	if !ok {
		if len(vars) != 1 {
			return fmt.Errorf("%w: geotiff files hold a single variable, got %d", raster.ErrConfiguration, len(vars))
		}
		for _, b := range vars {
			buf = b
		}
	}
	if encoder != nil {
		enc, err := encoder(buf, d.info.NoData, d.info.ScaleFactor, d.info.Offset, d.info.DType)
		if err != nil {
			return err
		}
		buf = enc
	}
	if buf.Type != d.info.DType {
		return fmt.Errorf("%w: writing %s data into a %s file", raster.ErrDataTypeMismatch, buf.Type, d.info.DType)
	}
	bands := d.ds.Bands()
	nLayers := buf.Len() / (nRows * nCols)
	if nLayers*nRows*nCols != buf.Len() || nLayers > len(bands) {
		return fmt.Errorf("%w: buffer of %d pixels does not fit %d bands of (%d, %d)",
			raster.ErrDimensionsMismatch, buf.Len(), len(bands), nRows, nCols)
	}
	sz := raster.DTypeSizes[buf.Type]
	for i := 0; i < nLayers; i++ {
		view := &raster.Buffer{Type: buf.Type, Data: buf.Data[i*nRows*nCols*sz : (i+1)*nRows*nCols*sz]}
		if err := bands[i].Write(col, row, view.TypedSlice(), nCols, nRows); err != nil {
			return fmt.Errorf("writing band %d of %s: %w", i+1, d.path, err)
		}
	}
	return nil
}

// Flush is a no-op; GDAL flushes its block cache on Close.
func (d *Driver) Flush() error { return nil }

func (d *Driver) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}

func toGodalType(dtype raster.DType) (godal.DataType, error) {
	switch dtype {
	case raster.DTypeByte:
		return godal.Byte, nil
	case raster.DTypeInt16:
		return godal.Int16, nil
	case raster.DTypeUInt16:
		return godal.UInt16, nil
	case raster.DTypeInt32:
		return godal.Int32, nil
	case raster.DTypeFloat32:
		return godal.Float32, nil
	case raster.DTypeFloat64:
		return godal.Float64, nil
	default:
		return godal.Unknown, fmt.Errorf("%w: %s has no GDAL equivalent", raster.ErrDataTypeMismatch, dtype)
	}
}

func fromGodalType(dtype godal.DataType) raster.DType {
	switch dtype {
	case godal.Byte:
		return raster.DTypeByte
	case godal.Int16:
		return raster.DTypeInt16
	case godal.UInt16:
		return raster.DTypeUInt16
	case godal.Int32:
		return raster.DTypeInt32
	case godal.Float64:
		return raster.DTypeFloat64
	default:
		return raster.DTypeFloat32
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

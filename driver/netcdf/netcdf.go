// Package netcdf implements the raster driver contract for netCDF
// files. Data variables share a (stack, y, x) grid; the stack dimension
// name is configurable and defaults to "layer_id". The underlying codec
// writes whole variables only, so write mode keeps a per-variable canvas
// in memory and flushes the complete file on Flush or Close.
package netcdf

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

// DefaultStackDimension names the layer axis of stacked variables.
const DefaultStackDimension = "layer_id"

const (
	dimY = "y"
	dimX = "x"

	crsVarName     = "crs"
	attrSpatialRef = "spatial_ref"
	attrGeoTrans   = "GeoTransform"
	attrFillValue  = "_FillValue"
	attrScale      = "scale_factor"
	attrOffset     = "add_offset"
)

type Driver struct {
	path     string
	stackDim string

	// read mode
	group api.Group

	// shared
	geom   geometry.RasterGeometry
	labels []string
	infos  map[string]raster.VarInfo
	order  []string

	// write mode
	canvas map[string]*raster.Buffer
	dirty  bool
}

// Open opens an existing netCDF file for reading. stackDim may be empty
// for the default.
func Open(path, stackDim string) (*Driver, error) {
	if stackDim == "" {
		stackDim = DefaultStackDimension
	}
	group, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("netcdf: opening %s: %w", path, err)
	}
	d := &Driver{path: path, stackDim: stackDim, group: group, infos: make(map[string]raster.VarInfo)}
	if err := d.inspect(); err != nil {
		group.Close()
		return nil, err
	}
	return d, nil
}

// Create prepares a new netCDF file. Nothing reaches disk before Flush.
func Create(path string, geom geometry.RasterGeometry, labels []string, infos []raster.VarInfo, stackDim string) (*Driver, error) {
	if stackDim == "" {
		stackDim = DefaultStackDimension
	}
	if len(labels) == 0 {
		labels = []string{"0"}
	}
	d := &Driver{
		path:     path,
		stackDim: stackDim,
		geom:     geom,
		labels:   append([]string(nil), labels...),
		infos:    make(map[string]raster.VarInfo, len(infos)),
		canvas:   make(map[string]*raster.Buffer, len(infos)),
	}
	for _, info := range infos {
		if err := d.addVariable(info); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Driver) addVariable(info raster.VarInfo) error {
	if _, ok := d.infos[info.Name]; ok {
		return fmt.Errorf("%w: variable %s declared twice", raster.ErrConfiguration, info.Name)
	}
	buf, err := raster.NewNoDataBuffer(info.DType, len(d.labels)*d.geom.NRows*d.geom.NCols, info.NoData)
	if err != nil {
		return err
	}
	d.infos[info.Name] = info
	d.canvas[info.Name] = buf
	d.order = append(d.order, info.Name)
	return nil
}

// inspect derives geometry, labels and variable metadata from the file.
func (d *Driver) inspect() error {
	names := d.group.ListVariables()

	srefWKT := ""
	var gt [6]float64
	haveGT := false
	if crs, err := d.group.GetVariable(crsVarName); err == nil {
		if v, ok := crs.Attributes.Get(attrSpatialRef); ok {
			srefWKT, _ = v.(string)
		}
		if v, ok := crs.Attributes.Get(attrGeoTrans); ok {
			if s, ok := v.(string); ok {
				if parsed, err := parseGeoTransform(s); err == nil {
					gt = parsed
					haveGT = true
				}
			}
		}
	}

	ys, err := d.coordValues(dimY)
	if err != nil {
		return err
	}
	xs, err := d.coordValues(dimX)
	if err != nil {
		return err
	}
	if !haveGT {
		if len(xs) < 2 || len(ys) < 2 {
			return fmt.Errorf("%w: %s carries no geotransform and too few coordinates to derive one",
				raster.ErrConfiguration, d.path)
		}
		gt = [6]float64{xs[0], xs[1] - xs[0], 0, ys[0], 0, ys[1] - ys[0]}
	}
	d.geom, err = geometry.New(len(ys), len(xs), srefWKT, gt)
	if err != nil {
		return err
	}

	d.labels = []string{"0"}
	if hasVar(names, d.stackDim) {
		getter, err := d.group.GetVarGetter(d.stackDim)
		if err != nil {
			return fmt.Errorf("netcdf: %s: %w", d.path, err)
		}
		vals, err := getter.Values()
		if err != nil {
			return fmt.Errorf("netcdf: %s: %w", d.path, err)
		}
		d.labels = labelStrings(vals)
	}

	for _, name := range names {
		if name == dimX || name == dimY || name == d.stackDim || name == crsVarName {
			continue
		}
		getter, err := d.group.GetVarGetter(name)
		if err != nil {
			return fmt.Errorf("netcdf: %s: %w", d.path, err)
		}
		dims := getter.Dimensions()
		if !isDataVar(dims, d.stackDim) {
			continue
		}
		dtype, ok := goTypeToDType(getter.GoType())
		if !ok {
			continue
		}
		info := raster.VarInfo{Name: name, DType: dtype, NoData: raster.DTypeNoData[dtype], ScaleFactor: 1}
		attrs := getter.Attributes()
		if v, ok := attrs.Get(attrFillValue); ok {
			info.NoData = attrFloat(v, info.NoData)
		}
		if v, ok := attrs.Get(attrScale); ok {
			info.ScaleFactor = attrFloat(v, 1)
		}
		if v, ok := attrs.Get(attrOffset); ok {
			info.Offset = attrFloat(v, 0)
		}
		for _, key := range attrs.Keys() {
			if v, ok := attrs.Get(key); ok {
				if s, ok := v.(string); ok {
					if info.Attrs == nil {
						info.Attrs = make(map[string]string)
					}
					info.Attrs[key] = s
				}
			}
		}
		d.infos[name] = info
		d.order = append(d.order, name)
	}
	return nil
}

func (d *Driver) coordValues(dim string) ([]float64, error) {
	getter, err := d.group.GetVarGetter(dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no %s coordinate: %v", raster.ErrConfiguration, d.path, dim, err)
	}
	vals, err := getter.Values()
	if err != nil {
		return nil, fmt.Errorf("netcdf: %s: %w", d.path, err)
	}
	rv := reflect.ValueOf(vals)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: %s coordinate of %s is not an array", raster.ErrConfiguration, dim, d.path)
	}
	out := make([]float64, rv.Len())
	for i := range out {
		out[i] = cellFloat(rv.Index(i))
	}
	return out, nil
}

func (d *Driver) Filepath() string { return d.path }

func (d *Driver) Geometry() (geometry.RasterGeometry, error) { return d.geom, nil }

func (d *Driver) Layers() ([]string, error) {
	return append([]string(nil), d.labels...), nil
}

func (d *Driver) Variables() ([]raster.VarInfo, error) {
	infos := make([]raster.VarInfo, 0, len(d.order))
	for _, name := range d.order {
		infos = append(infos, d.infos[name])
	}
	return infos, nil
}

func (d *Driver) Read(row, col, nRows, nCols int, variables []string, decoder raster.Decoder) (map[string]*raster.Buffer, error) {
	if variables == nil {
		variables = d.order
	}
	out := make(map[string]*raster.Buffer, len(variables))
	for _, name := range variables {
		info, ok := d.infos[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown variable %s in %s", raster.ErrReadFailure, name, d.path)
		}
		var buf *raster.Buffer
		var err error
		if d.group != nil {
			buf, err = d.readVarWindow(name, info, row, col, nRows, nCols)
		} else {
			idxs := make([]int, len(d.labels))
			for i := range idxs {
				idxs[i] = i
			}
			buf, err = d.canvas[name].Window3D(len(d.labels), d.geom.NRows, d.geom.NCols, idxs,
				row, col, row+nRows-1, col+nCols-1)
		}
		if err != nil {
			return nil, err
		}
		if decoder != nil {
			buf, err = decoder(buf, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return nil, err
			}
		}
		out[name] = buf
	}
	return out, nil
}

// readVarWindow copies the requested window out of the nested slices the
// codec returns. 2-D variables slice rows through GetSlice; 3-D
// variables read whole since the codec only slices the outermost axis.
func (d *Driver) readVarWindow(name string, info raster.VarInfo, row, col, nRows, nCols int) (*raster.Buffer, error) {
	getter, err := d.group.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s of %s: %v", raster.ErrReadFailure, name, d.path, err)
	}
	stacked := len(getter.Dimensions()) == 3
	nLayers := 1
	if stacked {
		nLayers = len(d.labels)
	}
	buf, err := raster.NewBuffer(info.DType, nLayers*nRows*nCols)
	if err != nil {
		return nil, err
	}
	i := 0
	put := func(v float64) {
		buf.SetValueAt(i, v)
		i++
	}
	if stacked {
		vals, err := getter.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: %s of %s: %v", raster.ErrReadFailure, name, d.path, err)
		}
		rv := reflect.ValueOf(vals)
		for li := 0; li < nLayers; li++ {
			copyRows(rv.Index(li), row, col, nRows, nCols, put)
		}
		return buf, nil
	}
	vals, err := getter.GetSlice(int64(row), int64(row+nRows))
	if err != nil {
		return nil, fmt.Errorf("%w: %s of %s: %v", raster.ErrReadFailure, name, d.path, err)
	}
	copyRows(reflect.ValueOf(vals), 0, col, nRows, nCols, put)
	return buf, nil
}

func copyRows(rows reflect.Value, row, col, nRows, nCols int, put func(float64)) {
	for r := row; r < row+nRows; r++ {
		rowVal := rows.Index(r)
		for c := col; c < col+nCols; c++ {
			put(cellFloat(rowVal.Index(c)))
		}
	}
}

func (d *Driver) Write(vars map[string]*raster.Buffer, row, col, nRows, nCols int, encoder raster.Encoder) error {
	if d.canvas == nil {
		return fmt.Errorf("%w: %s was opened read-only", raster.ErrConfiguration, d.path)
	}
	for name, buf := range vars {
		info, ok := d.infos[name]
		if !ok {
			info = raster.VarInfo{Name: name, DType: buf.Type, NoData: raster.DTypeNoData[buf.Type], ScaleFactor: 1}
			if err := d.addVariable(info); err != nil {
				return err
			}
		}
		if encoder != nil {
			enc, err := encoder(buf, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return err
			}
			buf = enc
		}
		if buf.Type != info.DType {
			return fmt.Errorf("%w: writing %s data into %s variable %s",
				raster.ErrDataTypeMismatch, buf.Type, info.DType, name)
		}
		nLayers := buf.Len() / (nRows * nCols)
		if nLayers*nRows*nCols != buf.Len() || nLayers > len(d.labels) {
			return fmt.Errorf("%w: variable %s window holds %d values for a (%d, %d, %d) canvas",
				raster.ErrDimensionsMismatch, name, buf.Len(), len(d.labels), nRows, nCols)
		}
		canvas := d.canvas[name]
		sz := raster.DTypeSizes[canvas.Type]
		layerPx := d.geom.NRows * d.geom.NCols
		winPx := nRows * nCols
		for li := 0; li < nLayers; li++ {
			dst := &raster.Buffer{Type: canvas.Type, Data: canvas.Data[li*layerPx*sz : (li+1)*layerPx*sz]}
			src := &raster.Buffer{Type: buf.Type, Data: buf.Data[li*winPx*sz : (li+1)*winPx*sz]}
			if err := dst.PasteWindow2D(d.geom.NRows, d.geom.NCols, src, nRows, nCols, row, col); err != nil {
				return err
			}
		}
		d.dirty = true
	}
	return nil
}

// Flush writes the complete file. The codec has no partial update path,
// so each flush rewrites every variable from the canvas.
func (d *Driver) Flush() error {
	if d.canvas == nil || !d.dirty {
		return nil
	}
	cw, err := cdf.OpenWriter(d.path)
	if err != nil {
		return fmt.Errorf("netcdf: creating %s: %w", d.path, err)
	}

	ys := make([]float64, d.geom.NRows)
	xs := make([]float64, d.geom.NCols)
	for r := range ys {
		_, ys[r] = d.geom.PixelToWorld(r, 0, geometry.OriginUpperLeft)
	}
	for c := range xs {
		xs[c], _ = d.geom.PixelToWorld(0, c, geometry.OriginUpperLeft)
	}
	if err := cw.AddVar(dimY, api.Variable{Values: ys, Dimensions: []string{dimY}}); err != nil {
		return fmt.Errorf("netcdf: %s: %w", d.path, err)
	}
	if err := cw.AddVar(dimX, api.Variable{Values: xs, Dimensions: []string{dimX}}); err != nil {
		return fmt.Errorf("netcdf: %s: %w", d.path, err)
	}

	stacked := len(d.labels) > 1
	if stacked {
		if err := cw.AddVar(d.stackDim, api.Variable{Values: d.labels, Dimensions: []string{d.stackDim}}); err != nil {
			return fmt.Errorf("netcdf: %s: %w", d.path, err)
		}
	}

	crsAttrs, err := util.NewOrderedMap(
		[]string{attrSpatialRef, attrGeoTrans},
		map[string]interface{}{
			attrSpatialRef: d.geom.SRefWKT,
			attrGeoTrans:   formatGeoTransform(d.geom.Geotrans),
		})
	if err != nil {
		return fmt.Errorf("netcdf: %s: %w", d.path, err)
	}
	if err := cw.AddVar(crsVarName, api.Variable{Values: int32(0), Attributes: crsAttrs}); err != nil {
		return fmt.Errorf("netcdf: %s: %w", d.path, err)
	}

	for _, name := range d.order {
		info := d.infos[name]
		attrs, err := util.NewOrderedMap(
			[]string{attrFillValue, attrScale, attrOffset},
			map[string]interface{}{
				attrFillValue: info.NoData,
				attrScale:     info.ScaleFactor,
				attrOffset:    info.Offset,
			})
		if err != nil {
			return fmt.Errorf("netcdf: %s: %w", d.path, err)
		}
		values := nestValues(d.canvas[name], len(d.labels), d.geom.NRows, d.geom.NCols, stacked)
		dims := []string{dimY, dimX}
		if stacked {
			dims = []string{d.stackDim, dimY, dimX}
		}
		if err := cw.AddVar(name, api.Variable{Values: values, Dimensions: dims, Attributes: attrs}); err != nil {
			return fmt.Errorf("netcdf: writing %s of %s: %w", name, d.path, err)
		}
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("netcdf: closing %s: %w", d.path, err)
	}
	d.dirty = false
	return nil
}

func (d *Driver) Close() error {
	if d.group != nil {
		d.group.Close()
		d.group = nil
		return nil
	}
	return d.Flush()
}

// nestValues folds a flat canvas into the nested row slices the codec
// writes out.
func nestValues(buf *raster.Buffer, nLayers, nRows, nCols int, stacked bool) interface{} {
	switch buf.Type {
	case raster.DTypeByte:
		return nest(buf.Data, nLayers, nRows, nCols, stacked)
	case raster.DTypeInt16:
		return nest(buf.Int16s(), nLayers, nRows, nCols, stacked)
	case raster.DTypeUInt16:
		return nest(buf.UInt16s(), nLayers, nRows, nCols, stacked)
	case raster.DTypeInt32:
		return nest(buf.Int32s(), nLayers, nRows, nCols, stacked)
	case raster.DTypeFloat32:
		return nest(buf.Float32s(), nLayers, nRows, nCols, stacked)
	default:
		return nest(buf.Float64s(), nLayers, nRows, nCols, stacked)
	}
}

func nest[T any](flat []T, nLayers, nRows, nCols int, stacked bool) interface{} {
	layers := make([][][]T, nLayers)
	for li := 0; li < nLayers; li++ {
		rows := make([][]T, nRows)
		for r := 0; r < nRows; r++ {
			start := (li*nRows+r)*nCols
			rows[r] = flat[start : start+nCols]
		}
		layers[li] = rows
	}
	if !stacked {
		return layers[0]
	}
	return layers
}

func cellFloat(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	default:
		return math.NaN()
	}
}

func goTypeToDType(goType string) (raster.DType, bool) {
	switch goType {
	case "int8", "uint8", "byte":
		return raster.DTypeByte, true
	case "int16":
		return raster.DTypeInt16, true
	case "uint16":
		return raster.DTypeUInt16, true
	case "int32":
		return raster.DTypeInt32, true
	case "float32":
		return raster.DTypeFloat32, true
	case "float64":
		return raster.DTypeFloat64, true
	default:
		return "", false
	}
}

func isDataVar(dims []string, stackDim string) bool {
	switch len(dims) {
	case 2:
		return dims[0] == dimY && dims[1] == dimX
	case 3:
		return dims[0] == stackDim && dims[1] == dimY && dims[2] == dimX
	default:
		return false
	}
}

func hasVar(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func labelStrings(vals interface{}) []string {
	if ss, ok := vals.([]string); ok {
		return ss
	}
	rv := reflect.ValueOf(vals)
	if rv.Kind() != reflect.Slice {
		return []string{"0"}
	}
	out := make([]string, rv.Len())
	for i := range out {
		v := rv.Index(i)
		switch v.Kind() {
		case reflect.String:
			out[i] = v.String()
		case reflect.Float32, reflect.Float64:
			out[i] = strconv.FormatFloat(v.Float(), 'g', -1, 64)
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out[i] = strconv.FormatInt(v.Int(), 10)
		default:
			out[i] = fmt.Sprint(v.Interface())
		}
	}
	return out
}

func attrFloat(v interface{}, fallback float64) float64 {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() == 1 {
		rv = rv.Index(0)
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	default:
		return fallback
	}
}

func parseGeoTransform(s string) ([6]float64, error) {
	var gt [6]float64
	n, err := fmt.Sscan(s, &gt[0], &gt[1], &gt[2], &gt[3], &gt[4], &gt[5])
	if err != nil || n != 6 {
		return gt, fmt.Errorf("geotransform %q is not six numbers", s)
	}
	return gt, nil
}

func formatGeoTransform(gt [6]float64) string {
	out := ""
	for i, v := range gt {
		if i > 0 {
			out += " "
		}
		out += strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}

package raster

import (
	"fmt"
	"log"
	"sort"

	"github.com/maybedave/veranda/geometry"
)

// LoadOptions parameterize the load operations. The zero value reads the
// node's full extent with the node's own driver, label and
// representation.
type LoadOptions struct {
	// Variable overrides the node's label as the variable/band to read.
	Variable string
	// Driver overrides the node's own driver.
	Driver Driver
	// Rep overrides the target representation.
	Rep Representation
	// Decoder decodes raw stored values; nil loads them as-is.
	Decoder Decoder
	// Origin sets the pixel origin convention for coordinate lookups.
	// Empty means upper-left.
	Origin geometry.PixelOrigin
	// InPlace replaces this node's geometry and data instead of
	// deriving a child node. Children created earlier keep their own
	// parent snapshot.
	InPlace bool
}

// CropOptions parameterize Crop and LoadByGeom.
type CropOptions struct {
	LoadOptions
	// ApplyMask rasterizes the crop geometry against the result window
	// and records out-of-geometry pixels as masked.
	ApplyMask bool
	// BufferPx grows (positive) or shrinks (negative) the mask region.
	BufferPx int
}

// RasterLayer binds a 2-D pixel array to a raster geometry. A layer
// starts Unbound when constructed from a file reference and becomes
// Bound once a load materializes its array; operations on a Bound layer
// derive new Bound layers unless InPlace is requested.
type RasterLayer struct {
	Geom  geometry.RasterGeometry
	Label string

	rep    Representation
	value  *Value
	drv    Driver
	arena  *Arena
	handle Handle
}

// LayerFromArray creates a Bound layer from an in-memory buffer. The
// buffer must hold exactly geom.NRows*geom.NCols pixels.
func LayerFromArray(geom geometry.RasterGeometry, buf *Buffer, label string) (*RasterLayer, error) {
	if buf.Len() != geom.NRows*geom.NCols {
		return nil, fmt.Errorf("%w: data dimension (%d) mismatches raster layer dimension (%d, %d)",
			ErrDimensionsMismatch, buf.Len(), geom.NRows, geom.NCols)
	}
	arena := NewArena()
	return &RasterLayer{
		Geom:   geom,
		Label:  label,
		rep:    RepArray,
		value:  &Value{Rep: RepArray, Array: buf},
		arena:  arena,
		handle: arena.Register(geom, 0),
	}, nil
}

// LayerFromDataset creates a Bound layer in dataset representation.
func LayerFromDataset(geom geometry.RasterGeometry, ds *Dataset, label string) (*RasterLayer, error) {
	for _, name := range ds.VarNames {
		if ds.Vars[name].Len() != geom.NRows*geom.NCols {
			return nil, fmt.Errorf("%w: variable %s holds %d pixels, geometry is (%d, %d)",
				ErrDimensionsMismatch, name, ds.Vars[name].Len(), geom.NRows, geom.NCols)
		}
	}
	arena := NewArena()
	return &RasterLayer{
		Geom:   geom,
		Label:  label,
		rep:    RepDataset,
		value:  &Value{Rep: RepDataset, Dataset: ds},
		arena:  arena,
		handle: arena.Register(geom, 0),
	}, nil
}

// LayerFromDriver creates a layer backed by an open driver. The layer is
// Unbound unless eager is set, in which case the full extent is read
// immediately.
func LayerFromDriver(drv Driver, label string, eager bool, decoder Decoder) (*RasterLayer, error) {
	geom, err := drv.Geometry()
	if err != nil {
		return nil, err
	}
	arena := NewArena()
	layer := &RasterLayer{
		Geom:   geom,
		Label:  label,
		rep:    RepArray,
		drv:    drv,
		arena:  arena,
		handle: arena.Register(geom, 0),
	}
	if !eager {
		return layer, nil
	}
	return layer.Load(&LoadOptions{Decoder: decoder, InPlace: true})
}

// Bound reports whether the layer's array is materialized in memory.
func (l *RasterLayer) Bound() bool { return l.value != nil }

// Data returns the layer's value in its current representation, or nil
// when Unbound.
func (l *RasterLayer) Data() *Value { return l.value }

// Driver returns the driver the layer was constructed from, if any.
func (l *RasterLayer) Driver() Driver { return l.drv }

// Root returns the geometry of the layer's provenance root.
func (l *RasterLayer) Root() geometry.RasterGeometry {
	geom, ok := l.arena.RootGeometry(l.handle)
	if !ok {
		return l.Geom
	}
	return geom
}

// Parent returns the provenance parent handle, 0 for a root node.
func (l *RasterLayer) Parent() Handle { return l.arena.Parent(l.handle) }

func (l *RasterLayer) axes() Axes {
	return geomAxes(l.Geom, nil)
}

// geomAxes reconstructs coordinate axes from a geometry.
func geomAxes(geom geometry.RasterGeometry, labels []string) Axes {
	ys := make([]float64, geom.NRows)
	xs := make([]float64, geom.NCols)
	for r := range ys {
		_, y := geom.PixelToWorld(r, 0, geometry.OriginUpperLeft)
		ys[r] = y
	}
	for c := range xs {
		x, _ := geom.PixelToWorld(0, c, geometry.OriginUpperLeft)
		xs[c] = x
	}
	return Axes{Labels: labels, YCoords: ys, XCoords: xs}
}

// ConvertTo returns the layer's data in the target representation,
// reconstructing axis metadata from the geometry.
func (l *RasterLayer) ConvertTo(target Representation, variable string) (*Value, error) {
	if l.value == nil {
		return nil, fmt.Errorf("%w: no data loaded", ErrReadFailure)
	}
	if variable == "" {
		variable = l.Label
	}
	return Convert(l.value, target, ConvertOptions{Axes: l.axes(), Variable: variable})
}

// Load reads a window of data through a driver and derives a new Bound
// layer. The resulting geometry is the node's geometry clipped to the
// window actually read, so a load result always describes exactly what
// it contains. Without LoadOptions the full extent is read.
func (l *RasterLayer) Load(opts *LoadOptions) (*RasterLayer, error) {
	return l.loadWindow(0, 0, l.Geom.NRows, l.Geom.NCols, opts)
}

func (l *RasterLayer) loadWindow(row, col, nRows, nCols int, opts *LoadOptions) (*RasterLayer, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	drv := opts.Driver
	if drv == nil {
		drv = l.drv
	}
	if drv == nil {
		return nil, fmt.Errorf("%w: an IO instance has to be given to load data from disk", ErrConfiguration)
	}
	variable := opts.Variable
	if variable == "" {
		variable = l.Label
	}
	var variables []string
	if variable != "" {
		variables = []string{variable}
	}
	read, err := drv.Read(row, col, nRows, nCols, variables, opts.Decoder)
	if err != nil {
		return nil, err
	}
	if len(read) == 0 {
		return nil, fmt.Errorf("%w: could not read data from %s", ErrReadFailure, drv.Filepath())
	}

	geom := l.Geom.PixelWindow(row, col, row+nRows-1, col+nCols-1)
	rep := opts.Rep
	if rep == "" {
		rep = l.rep
	}

	value, err := readToValue(read, variable, rep, geom, nil)
	if err != nil {
		return nil, err
	}
	return l.derive(geom, value, rep, opts.InPlace), nil
}

// readToValue assembles driver output into a node value. labels carries
// stack labels for 3-D reads and is nil for single layers.
func readToValue(read map[string]*Buffer, variable string, rep Representation, geom geometry.RasterGeometry, labels []string) (*Value, error) {
	names := make([]string, 0, len(read))
	for name := range read {
		names = append(names, name)
	}
	sort.Strings(names)

	if rep == RepArray {
		if variable == "" {
			if len(names) != 1 {
				return nil, fmt.Errorf("%w: variable label is not specified and driver returned %d variables",
					ErrConfiguration, len(names))
			}
			variable = names[0]
		}
		buf, ok := read[variable]
		if !ok {
			return nil, fmt.Errorf("%w: could not read variable %s", ErrReadFailure, variable)
		}
		return &Value{Rep: RepArray, Array: buf}, nil
	}

	ds := &Dataset{VarNames: names, Vars: read, Axes: geomAxes(geom, labels)}
	return &Value{Rep: RepDataset, Dataset: ds}, nil
}

// derive registers a child node, or mutates this node when inPlace.
func (l *RasterLayer) derive(geom geometry.RasterGeometry, value *Value, rep Representation, inPlace bool) *RasterLayer {
	if inPlace {
		l.Geom = geom
		l.value = value
		l.rep = rep
		return l
	}
	return &RasterLayer{
		Geom:   geom,
		Label:  l.Label,
		rep:    rep,
		value:  value,
		drv:    l.drv,
		arena:  l.arena,
		handle: l.arena.Register(geom, l.handle),
	}
}

// LoadByCoords resolves a world coordinate to its pixel and returns a
// 1x1 layer for it, reading from disk only when the pixel is not yet
// materialized. A coordinate outside the root geometry warns and returns
// the layer unchanged; misses are expected on sparse mosaics.
func (l *RasterLayer) LoadByCoords(x, y float64, opts *LoadOptions) (*RasterLayer, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	origin := opts.Origin
	if origin == "" {
		origin = geometry.OriginUpperLeft
	}
	if !l.Root().Contains(x, y) {
		log.Printf("raster: the given coordinates (%v, %v) do not intersect with the raster", x, y)
		return l, nil
	}
	row, col := l.Geom.WorldToPixel(x, y, origin)
	if l.value == nil || !l.Geom.Contains(x, y) {
		return l.loadWindow(row, col, 1, 1, opts)
	}
	return l.sliceWindow(row, col, row, col, opts)
}

// LoadByGeom reads the window bounded by the intersection with the given
// polygon. A non-intersecting geometry warns and returns the layer
// unchanged.
func (l *RasterLayer) LoadByGeom(poly *geometry.Polygon, opts *CropOptions) (*RasterLayer, error) {
	if opts == nil {
		opts = &CropOptions{}
	}
	out, err := l.crop(poly, opts)
	if err != nil {
		return nil, err
	}
	if out == nil {
		log.Printf("raster: the given geometry does not intersect with the raster")
		return l, nil
	}
	return out, nil
}

// Crop intersects the layer with the polygon and returns the covered
// window. A non-intersecting polygon returns nil with no error: in
// set-like composition absence is meaningful.
func (l *RasterLayer) Crop(poly *geometry.Polygon, opts *CropOptions) (*RasterLayer, error) {
	if opts == nil {
		opts = &CropOptions{}
	}
	return l.crop(poly, opts)
}

func (l *RasterLayer) crop(poly *geometry.Polygon, opts *CropOptions) (*RasterLayer, error) {
	minX, minY, maxX, maxY := poly.Extent()
	minRow, minCol, maxRow, maxCol, ok := l.Geom.BoundingWindow(minX, minY, maxX, maxY)
	if !ok {
		return nil, nil
	}
	var out *RasterLayer
	var err error
	if l.value == nil {
		out, err = l.loadWindow(minRow, minCol, maxRow-minRow+1, maxCol-minCol+1, &opts.LoadOptions)
	} else {
		out, err = l.sliceWindow(minRow, minCol, maxRow, maxCol, &opts.LoadOptions)
	}
	if err != nil {
		return nil, err
	}
	if opts.ApplyMask {
		mask := geometry.RasterizeMask(out.Geom, poly, opts.BufferPx)
		return out.ApplyMask(mask, true)
	}
	return out, nil
}

// LoadByPixel reads the given pixel window. Bounds extending beyond the
// extent are clipped, never rejected: the returned geometry reflects the
// clipped size. The window defaults to a 1x1 point read when sizes of 1
// are passed, which mirrors the documented point-read default.
func (l *RasterLayer) LoadByPixel(row, col, nRows, nCols int, opts *LoadOptions) (*RasterLayer, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	minRow, minCol, maxRow, maxCol, ok := l.Geom.ClipPixelWindow(row, col, row+nRows-1, col+nCols-1)
	if !ok {
		log.Printf("raster: pixel window (%d, %d, %d, %d) does not intersect with the raster", row, col, nRows, nCols)
		return l, nil
	}
	if l.value == nil {
		return l.loadWindow(minRow, minCol, maxRow-minRow+1, maxCol-minCol+1, opts)
	}
	return l.sliceWindow(minRow, minCol, maxRow, maxCol, opts)
}

// sliceWindow indexes the in-memory value; bounds are inclusive.
func (l *RasterLayer) sliceWindow(minRow, minCol, maxRow, maxCol int, opts *LoadOptions) (*RasterLayer, error) {
	geom := l.Geom.PixelWindow(minRow, minCol, maxRow, maxCol)
	value, err := sliceValue2D(l.value, l.Geom.NRows, l.Geom.NCols, minRow, minCol, maxRow, maxCol, geom)
	if err != nil {
		return nil, err
	}
	rep := opts.Rep
	if rep == "" {
		rep = l.rep
	}
	if rep != value.Rep {
		copts := ConvertOptions{Axes: geomAxes(geom, nil), Variable: opts.Variable}
		if copts.Variable == "" && rep != RepArray {
			copts.Variable = l.Label
		}
		value, err = Convert(value, rep, copts)
		if err != nil {
			return nil, err
		}
	}
	return l.derive(geom, value, rep, opts.InPlace), nil
}

func sliceValue2D(v *Value, nRows, nCols, minRow, minCol, maxRow, maxCol int, geom geometry.RasterGeometry) (*Value, error) {
	switch v.Rep {
	case RepArray:
		buf, err := v.Array.Window2D(nRows, nCols, minRow, minCol, maxRow, maxCol)
		if err != nil {
			return nil, err
		}
		return &Value{Rep: RepArray, Array: buf}, nil
	case RepDataset:
		vars := make(map[string]*Buffer, len(v.Dataset.Vars))
		for name, buf := range v.Dataset.Vars {
			win, err := buf.Window2D(nRows, nCols, minRow, minCol, maxRow, maxCol)
			if err != nil {
				return nil, err
			}
			vars[name] = win
		}
		return readToValue(vars, "", RepDataset, geom, nil)
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be sliced", ErrDataTypeMismatch, v.Rep)
	}
}

// ApplyMask records a boolean mask on the layer's data. The mask must
// match the layer's shape exactly.
func (l *RasterLayer) ApplyMask(mask []bool, inPlace bool) (*RasterLayer, error) {
	if l.value == nil {
		return nil, fmt.Errorf("%w: no data loaded to mask", ErrReadFailure)
	}
	if len(mask) != l.Geom.NRows*l.Geom.NCols {
		return nil, fmt.Errorf("%w: mask (%d) and data (%d, %d) dimensions mismatch",
			ErrDimensionsMismatch, len(mask), l.Geom.NRows, l.Geom.NCols)
	}
	value, err := maskValue(l.value, mask)
	if err != nil {
		return nil, err
	}
	return l.derive(l.Geom, value, l.rep, inPlace), nil
}

func maskValue(v *Value, mask []bool) (*Value, error) {
	switch v.Rep {
	case RepArray:
		buf, err := v.Array.ApplyMask(mask)
		if err != nil {
			return nil, err
		}
		return &Value{Rep: RepArray, Array: buf}, nil
	case RepDataset:
		vars := make(map[string]*Buffer, len(v.Dataset.Vars))
		for name, buf := range v.Dataset.Vars {
			masked, err := buf.ApplyMask(mask)
			if err != nil {
				return nil, err
			}
			vars[name] = masked
		}
		names := append([]string(nil), v.Dataset.VarNames...)
		return &Value{Rep: RepDataset, Dataset: &Dataset{VarNames: names, Vars: vars, Axes: v.Dataset.Axes, Attrs: v.Dataset.Attrs}}, nil
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be masked", ErrDataTypeMismatch, v.Rep)
	}
}

// WriteOptions parameterize Write.
type WriteOptions struct {
	// Variable names the output variable; defaults to the node's label.
	Variable string
	// Encoder encodes values before writing; nil writes them as-is.
	Encoder Encoder
	// Row, Col position the write window inside the destination file.
	Row, Col int
}

// Write encodes the layer's data and hands it to the driver at the
// requested destination window. Writing with no data present fails.
func (l *RasterLayer) Write(drv Driver, opts *WriteOptions) error {
	if l.value == nil {
		return fmt.Errorf("%w: no data available to write", ErrReadFailure)
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	variable := opts.Variable
	if variable == "" {
		variable = l.Label
	}
	vars, err := valueToVars(l.value, variable)
	if err != nil {
		return err
	}
	return drv.Write(vars, opts.Row, opts.Col, l.Geom.NRows, l.Geom.NCols, opts.Encoder)
}

// valueToVars converts node data to the per-variable form drivers take.
func valueToVars(v *Value, variable string) (map[string]*Buffer, error) {
	switch v.Rep {
	case RepArray:
		if variable == "" {
			variable = "1"
		}
		return map[string]*Buffer{variable: v.Array}, nil
	case RepDataset:
		return v.Dataset.Vars, nil
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be written", ErrDataTypeMismatch, v.Rep)
	}
}

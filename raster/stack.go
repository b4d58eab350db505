package raster

import (
	"fmt"
	"log"

	"github.com/maybedave/veranda/geometry"
)

// RasterStack binds a 3-D pixel array (layer, row, col) to a raster
// geometry shared by every layer. Layers are addressed by ordered string
// labels; label ranges are inclusive on both ends.
type RasterStack struct {
	Geom   geometry.RasterGeometry
	Labels []string

	rep   Representation
	value *Value
	// drv reads a stacked file holding all layers; layerDrvs maps each
	// label to its own single-layer file. At most one is set.
	drv Driver
	// drvIdxs maps each label position to its layer index in the backing
	// file, nil meaning identity. drvDepth is the file's full layer
	// count. Both survive label selection so a sub-stack still addresses
	// the file correctly.
	drvIdxs   []int
	drvDepth  int
	layerDrvs map[string]Driver
	arena     *Arena
	handle    Handle
}

// StackFromArray creates a Bound stack from an in-memory buffer of shape
// (len(labels), geom.NRows, geom.NCols).
func StackFromArray(geom geometry.RasterGeometry, labels []string, buf *Buffer) (*RasterStack, error) {
	if err := validateLabels(labels); err != nil {
		return nil, err
	}
	if buf.Len() != len(labels)*geom.NRows*geom.NCols {
		return nil, fmt.Errorf("%w: data dimension (%d) mismatches raster stack dimension (%d, %d, %d)",
			ErrDimensionsMismatch, buf.Len(), len(labels), geom.NRows, geom.NCols)
	}
	arena := NewArena()
	return &RasterStack{
		Geom:   geom,
		Labels: append([]string(nil), labels...),
		rep:    RepArray,
		value:  &Value{Rep: RepArray, Array: buf},
		arena:  arena,
		handle: arena.Register(geom, 0),
	}, nil
}

// StackFromLayers assembles Bound layers into a stack. Every layer must
// be Bound in array representation, carry a unique label, and share the
// first layer's geometry exactly.
func StackFromLayers(layers []*RasterLayer) (*RasterStack, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: at least one layer is needed to build a stack", ErrConfiguration)
	}
	geom := layers[0].Geom
	labels := make([]string, len(layers))
	bufs := make([]*Buffer, len(layers))
	for i, layer := range layers {
		if !layer.Geom.Congruent(geom) {
			return nil, fmt.Errorf("%w: layer %s geometry differs from layer %s",
				ErrDimensionsMismatch, layer.Label, layers[0].Label)
		}
		v := layer.Data()
		if v == nil || v.Rep != RepArray {
			return nil, fmt.Errorf("%w: layer %s holds no array data", ErrReadFailure, layer.Label)
		}
		labels[i] = layer.Label
		bufs[i] = v.Array
	}
	if err := validateLabels(labels); err != nil {
		return nil, err
	}
	buf, err := concatBuffers(bufs)
	if err != nil {
		return nil, err
	}
	return StackFromArray(geom, labels, buf)
}

// StackFromDriver creates an Unbound stack over a stacked file. Labels
// default to the file's own layer identifiers.
func StackFromDriver(drv Driver, labels []string) (*RasterStack, error) {
	geom, err := drv.Geometry()
	if err != nil {
		return nil, err
	}
	fileLabels, err := drv.Layers()
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = fileLabels
	}
	if err := validateLabels(labels); err != nil {
		return nil, err
	}
	arena := NewArena()
	return &RasterStack{
		Geom:     geom,
		Labels:   append([]string(nil), labels...),
		rep:      RepArray,
		drv:      drv,
		drvDepth: len(fileLabels),
		arena:    arena,
		handle:   arena.Register(geom, 0),
	}, nil
}

// StackFromLayerFiles creates an Unbound stack where each label reads
// from its own single-layer file. All files must share one grid.
func StackFromLayerFiles(labels []string, drvs map[string]Driver) (*RasterStack, error) {
	if err := validateLabels(labels); err != nil {
		return nil, err
	}
	if len(labels) != len(drvs) {
		return nil, fmt.Errorf("%w: %d labels given for %d files", ErrConfiguration, len(labels), len(drvs))
	}
	var geom geometry.RasterGeometry
	for i, label := range labels {
		drv, ok := drvs[label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, label)
		}
		g, err := drv.Geometry()
		if err != nil {
			return nil, err
		}
		if i == 0 {
			geom = g
		} else if !g.Congruent(geom) {
			return nil, fmt.Errorf("%w: file for layer %s is not congruent with layer %s",
				ErrDimensionsMismatch, label, labels[0])
		}
	}
	arena := NewArena()
	return &RasterStack{
		Geom:      geom,
		Labels:    append([]string(nil), labels...),
		rep:       RepArray,
		layerDrvs: drvs,
		arena:     arena,
		handle:    arena.Register(geom, 0),
	}, nil
}

func validateLabels(labels []string) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: no layer labels given", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			return fmt.Errorf("%w: duplicate layer label %s", ErrConfiguration, label)
		}
		seen[label] = struct{}{}
	}
	return nil
}

// Bound reports whether the stack's array is materialized in memory.
func (s *RasterStack) Bound() bool { return s.value != nil }

// Data returns the stack's value in its current representation, or nil
// when Unbound.
func (s *RasterStack) Data() *Value { return s.value }

// Root returns the geometry of the stack's provenance root.
func (s *RasterStack) Root() geometry.RasterGeometry {
	geom, ok := s.arena.RootGeometry(s.handle)
	if !ok {
		return s.Geom
	}
	return geom
}

func (s *RasterStack) labelIndex(label string) (int, error) {
	for i, l := range s.Labels {
		if l == label {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownLayer, label)
}

// fileIdx resolves a label position to its layer index in the stacked
// file.
func (s *RasterStack) fileIdx(i int) int {
	if s.drvIdxs == nil {
		return i
	}
	return s.drvIdxs[i]
}

// SliceByLabels returns the sub-stack covering the inclusive label range
// [from, to]. Both labels must exist and from must not come after to in
// the stack's ordering.
func (s *RasterStack) SliceByLabels(from, to string) (*RasterStack, error) {
	i, err := s.labelIndex(from)
	if err != nil {
		return nil, err
	}
	j, err := s.labelIndex(to)
	if err != nil {
		return nil, err
	}
	if i > j {
		return nil, fmt.Errorf("%w: label range %s..%s is descending", ErrConfiguration, from, to)
	}
	return s.selectIndices(i, j)
}

// SelectLabels returns the sub-stack holding exactly the given labels,
// in the given order.
func (s *RasterStack) SelectLabels(labels []string) (*RasterStack, error) {
	idxs := make([]int, len(labels))
	for k, label := range labels {
		i, err := s.labelIndex(label)
		if err != nil {
			return nil, err
		}
		idxs[k] = i
	}
	return s.selectByIdxs(labels, idxs)
}

func (s *RasterStack) selectIndices(i, j int) (*RasterStack, error) {
	labels := s.Labels[i : j+1]
	idxs := make([]int, 0, j-i+1)
	for k := i; k <= j; k++ {
		idxs = append(idxs, k)
	}
	return s.selectByIdxs(labels, idxs)
}

func (s *RasterStack) selectByIdxs(labels []string, idxs []int) (*RasterStack, error) {
	out := &RasterStack{
		Geom:     s.Geom,
		Labels:   append([]string(nil), labels...),
		rep:      s.rep,
		drv:      s.drv,
		drvDepth: s.drvDepth,
		arena:    s.arena,
		handle:   s.arena.Register(s.Geom, s.handle),
	}
	if s.drv != nil {
		fileIdxs := make([]int, len(idxs))
		for k, idx := range idxs {
			fileIdxs[k] = s.fileIdx(idx)
		}
		out.drvIdxs = fileIdxs
	}
	if s.layerDrvs != nil {
		drvs := make(map[string]Driver, len(labels))
		for _, label := range labels {
			drvs[label] = s.layerDrvs[label]
		}
		out.layerDrvs = drvs
	}
	if s.value == nil {
		return out, nil
	}
	value, err := selectValueLayers(s.value, s.Geom.NRows, s.Geom.NCols, len(s.Labels), idxs, labels, s.Geom)
	if err != nil {
		return nil, err
	}
	out.value = value
	return out, nil
}

func selectValueLayers(v *Value, nRows, nCols, nLayers int, idxs []int, labels []string, geom geometry.RasterGeometry) (*Value, error) {
	switch v.Rep {
	case RepArray:
		buf, err := v.Array.Window3D(nLayers, nRows, nCols, idxs, 0, 0, nRows-1, nCols-1)
		if err != nil {
			return nil, err
		}
		return &Value{Rep: RepArray, Array: buf}, nil
	case RepDataset:
		vars := make(map[string]*Buffer, len(v.Dataset.Vars))
		for name, buf := range v.Dataset.Vars {
			win, err := buf.Window3D(nLayers, nRows, nCols, idxs, 0, 0, nRows-1, nCols-1)
			if err != nil {
				return nil, err
			}
			vars[name] = win
		}
		return readToValue(vars, "", RepDataset, geom, labels)
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be sliced", ErrDataTypeMismatch, v.Rep)
	}
}

// GetLayerData returns the named layer as a 2-D layer, loading it from
// its file when the stack is Unbound.
func (s *RasterStack) GetLayerData(label string, opts *LoadOptions) (*RasterLayer, error) {
	idx, err := s.labelIndex(label)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &LoadOptions{}
	}
	if s.value != nil {
		value, err := selectValueLayers(s.value, s.Geom.NRows, s.Geom.NCols, len(s.Labels), []int{idx}, []string{label}, s.Geom)
		if err != nil {
			return nil, err
		}
		return s.deriveLayer(label, value, opts.Rep), nil
	}
	if s.layerDrvs != nil {
		layer := &RasterLayer{
			Geom:   s.Geom,
			Label:  label,
			rep:    s.rep,
			drv:    s.layerDrvs[label],
			arena:  s.arena,
			handle: s.arena.Register(s.Geom, s.handle),
		}
		return layer.Load(opts)
	}
	sub, err := s.loadIndices([]int{idx}, []string{label}, 0, 0, s.Geom.NRows, s.Geom.NCols, opts)
	if err != nil {
		return nil, err
	}
	return sub.deriveLayer(label, sub.value, opts.Rep), nil
}

func (s *RasterStack) deriveLayer(label string, value *Value, rep Representation) *RasterLayer {
	if rep == "" {
		rep = s.rep
	}
	return &RasterLayer{
		Geom:   s.Geom,
		Label:  label,
		rep:    rep,
		value:  value,
		arena:  s.arena,
		handle: s.arena.Register(s.Geom, s.handle),
	}
}

// Load reads the stack's full extent and derives a Bound stack.
func (s *RasterStack) Load(opts *LoadOptions) (*RasterStack, error) {
	return s.loadWindow(0, 0, s.Geom.NRows, s.Geom.NCols, opts)
}

func (s *RasterStack) loadWindow(row, col, nRows, nCols int, opts *LoadOptions) (*RasterStack, error) {
	idxs := make([]int, len(s.Labels))
	for i := range idxs {
		idxs[i] = i
	}
	return s.loadIndices(idxs, s.Labels, row, col, nRows, nCols, opts)
}

func (s *RasterStack) loadIndices(idxs []int, labels []string, row, col, nRows, nCols int, opts *LoadOptions) (*RasterStack, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	geom := s.Geom.PixelWindow(row, col, row+nRows-1, col+nCols-1)
	rep := opts.Rep
	if rep == "" {
		rep = s.rep
	}

	var value *Value
	var fileIdxs []int
	var depth int
	switch {
	case s.layerDrvs != nil:
		bufs := make([]*Buffer, len(labels))
		for i, label := range labels {
			drv := s.layerDrvs[label]
			if drv == nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, label)
			}
			read, err := drv.Read(row, col, nRows, nCols, nil, opts.Decoder)
			if err != nil {
				return nil, err
			}
			one, err := readToValue(read, opts.Variable, RepArray, geom, nil)
			if err != nil {
				return nil, err
			}
			bufs[i] = one.Array
		}
		buf, err := concatBuffers(bufs)
		if err != nil {
			return nil, err
		}
		if rep == RepArray {
			value = &Value{Rep: RepArray, Array: buf}
		} else {
			variable := opts.Variable
			if variable == "" {
				variable = "1"
			}
			var verr error
			value, verr = readToValue(map[string]*Buffer{variable: buf}, variable, rep, geom, labels)
			if verr != nil {
				return nil, verr
			}
		}
	case s.drv != nil:
		var variables []string
		if opts.Variable != "" {
			variables = []string{opts.Variable}
		}
		read, err := s.drv.Read(row, col, nRows, nCols, variables, opts.Decoder)
		if err != nil {
			return nil, err
		}
		if len(read) == 0 {
			return nil, fmt.Errorf("%w: could not read data from %s", ErrReadFailure, s.drv.Filepath())
		}
		// The driver returns every layer in the file, so windowing is
		// done against the file's depth and indices, not the stack's.
		depth = s.drvDepth
		if depth == 0 {
			depth = len(s.Labels)
		}
		fileIdxs = make([]int, len(idxs))
		for k, idx := range idxs {
			fileIdxs[k] = s.fileIdx(idx)
		}
		selected := make(map[string]*Buffer, len(read))
		for name, buf := range read {
			win, err := buf.Window3D(depth, nRows, nCols, fileIdxs, 0, 0, nRows-1, nCols-1)
			if err != nil {
				return nil, err
			}
			selected[name] = win
		}
		value, err = readToValue(selected, opts.Variable, rep, geom, labels)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: an IO instance has to be given to load data from disk", ErrConfiguration)
	}

	out := s.derive(geom, labels, value, rep, opts.InPlace)
	if out.drv != nil {
		out.drvIdxs = fileIdxs
		out.drvDepth = depth
	}
	return out, nil
}

func (s *RasterStack) derive(geom geometry.RasterGeometry, labels []string, value *Value, rep Representation, inPlace bool) *RasterStack {
	if inPlace {
		s.Geom = geom
		s.Labels = append([]string(nil), labels...)
		s.value = value
		s.rep = rep
		return s
	}
	out := &RasterStack{
		Geom:      geom,
		Labels:    append([]string(nil), labels...),
		rep:       rep,
		value:     value,
		drv:       s.drv,
		drvIdxs:   s.drvIdxs,
		drvDepth:  s.drvDepth,
		layerDrvs: s.layerDrvs,
		arena:     s.arena,
		handle:    s.arena.Register(geom, s.handle),
	}
	return out
}

// LoadByCoords resolves a world coordinate to its pixel and returns the
// 1x1 column of all layers at it. A coordinate outside the root geometry
// warns and returns the stack unchanged.
func (s *RasterStack) LoadByCoords(x, y float64, opts *LoadOptions) (*RasterStack, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	origin := opts.Origin
	if origin == "" {
		origin = geometry.OriginUpperLeft
	}
	if !s.Root().Contains(x, y) {
		log.Printf("raster: the given coordinates (%v, %v) do not intersect with the raster", x, y)
		return s, nil
	}
	row, col := s.Geom.WorldToPixel(x, y, origin)
	if s.value == nil || !s.Geom.Contains(x, y) {
		return s.loadWindow(row, col, 1, 1, opts)
	}
	return s.sliceWindow(row, col, row, col, opts)
}

// LoadByGeom reads the window bounded by the intersection with the
// polygon. A non-intersecting geometry warns and returns the stack
// unchanged.
func (s *RasterStack) LoadByGeom(poly *geometry.Polygon, opts *CropOptions) (*RasterStack, error) {
	if opts == nil {
		opts = &CropOptions{}
	}
	out, err := s.crop(poly, opts)
	if err != nil {
		return nil, err
	}
	if out == nil {
		log.Printf("raster: the given geometry does not intersect with the raster")
		return s, nil
	}
	return out, nil
}

// Crop intersects the stack with the polygon and returns the covered
// window across all layers, or nil when nothing intersects.
func (s *RasterStack) Crop(poly *geometry.Polygon, opts *CropOptions) (*RasterStack, error) {
	if opts == nil {
		opts = &CropOptions{}
	}
	return s.crop(poly, opts)
}

// CropLabels crops spatially and restricts the result to the given
// labels in one step.
func (s *RasterStack) CropLabels(poly *geometry.Polygon, labels []string, opts *CropOptions) (*RasterStack, error) {
	sub, err := s.SelectLabels(labels)
	if err != nil {
		return nil, err
	}
	return sub.Crop(poly, opts)
}

func (s *RasterStack) crop(poly *geometry.Polygon, opts *CropOptions) (*RasterStack, error) {
	minX, minY, maxX, maxY := poly.Extent()
	minRow, minCol, maxRow, maxCol, ok := s.Geom.BoundingWindow(minX, minY, maxX, maxY)
	if !ok {
		return nil, nil
	}
	var out *RasterStack
	var err error
	if s.value == nil {
		out, err = s.loadWindow(minRow, minCol, maxRow-minRow+1, maxCol-minCol+1, &opts.LoadOptions)
	} else {
		out, err = s.sliceWindow(minRow, minCol, maxRow, maxCol, &opts.LoadOptions)
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

// LoadByPixel reads the given pixel window across all layers. Bounds
// extending beyond the extent are clipped, never rejected.
func (s *RasterStack) LoadByPixel(row, col, nRows, nCols int, opts *LoadOptions) (*RasterStack, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	minRow, minCol, maxRow, maxCol, ok := s.Geom.ClipPixelWindow(row, col, row+nRows-1, col+nCols-1)
	if !ok {
		log.Printf("raster: pixel window (%d, %d, %d, %d) does not intersect with the raster", row, col, nRows, nCols)
		return s, nil
	}
	if s.value == nil {
		return s.loadWindow(minRow, minCol, maxRow-minRow+1, maxCol-minCol+1, opts)
	}
	return s.sliceWindow(minRow, minCol, maxRow, maxCol, opts)
}

func (s *RasterStack) sliceWindow(minRow, minCol, maxRow, maxCol int, opts *LoadOptions) (*RasterStack, error) {
	geom := s.Geom.PixelWindow(minRow, minCol, maxRow, maxCol)
	idxs := make([]int, len(s.Labels))
	for i := range idxs {
		idxs[i] = i
	}
	value, err := sliceValue3D(s.value, len(s.Labels), s.Geom.NRows, s.Geom.NCols, idxs, minRow, minCol, maxRow, maxCol, s.Labels, geom)
	if err != nil {
		return nil, err
	}
	rep := opts.Rep
	if rep == "" {
		rep = s.rep
	}
	if rep != value.Rep {
		copts := ConvertOptions{Axes: geomAxes(geom, s.Labels), Variable: opts.Variable}
		if copts.Variable == "" && rep != RepArray {
			copts.Variable = "1"
		}
		value, err = Convert(value, rep, copts)
		if err != nil {
			return nil, err
		}
	}
	return s.derive(geom, s.Labels, value, rep, opts.InPlace), nil
}

func sliceValue3D(v *Value, nLayers, nRows, nCols int, idxs []int, minRow, minCol, maxRow, maxCol int, labels []string, geom geometry.RasterGeometry) (*Value, error) {
	switch v.Rep {
	case RepArray:
		buf, err := v.Array.Window3D(nLayers, nRows, nCols, idxs, minRow, minCol, maxRow, maxCol)
		if err != nil {
			return nil, err
		}
		return &Value{Rep: RepArray, Array: buf}, nil
	case RepDataset:
		vars := make(map[string]*Buffer, len(v.Dataset.Vars))
		for name, buf := range v.Dataset.Vars {
			win, err := buf.Window3D(nLayers, nRows, nCols, idxs, minRow, minCol, maxRow, maxCol)
			if err != nil {
				return nil, err
			}
			vars[name] = win
		}
		return readToValue(vars, "", RepDataset, geom, labels)
	default:
		return nil, fmt.Errorf("%w: representation %s cannot be sliced", ErrDataTypeMismatch, v.Rep)
	}
}

// ApplyMask records a boolean mask on the stack's data. A 2-D mask of
// shape (NRows, NCols) is broadcast to every layer; a 3-D mask of shape
// (len(Labels), NRows, NCols) is applied as given.
func (s *RasterStack) ApplyMask(mask []bool, inPlace bool) (*RasterStack, error) {
	if s.value == nil {
		return nil, fmt.Errorf("%w: no data loaded to mask", ErrReadFailure)
	}
	plane := s.Geom.NRows * s.Geom.NCols
	var mask3D []bool
	switch len(mask) {
	case len(s.Labels) * plane:
		mask3D = mask
	case plane:
		mask3D = make([]bool, len(s.Labels)*plane)
		for i := range s.Labels {
			copy(mask3D[i*plane:(i+1)*plane], mask)
		}
	default:
		return nil, fmt.Errorf("%w: mask (%d) and data (%d, %d, %d) dimensions mismatch",
			ErrDimensionsMismatch, len(mask), len(s.Labels), s.Geom.NRows, s.Geom.NCols)
	}
	value, err := maskValue(s.value, mask3D)
	if err != nil {
		return nil, err
	}
	return s.derive(s.Geom, s.Labels, value, s.rep, inPlace), nil
}

// WriteStack encodes the stack's data and writes it to a single stacked
// file through the driver.
func (s *RasterStack) WriteStack(drv Driver, opts *WriteOptions) error {
	if s.value == nil {
		return fmt.Errorf("%w: no data available to write", ErrReadFailure)
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	vars, err := valueToVars(s.value, opts.Variable)
	if err != nil {
		return err
	}
	return drv.Write(vars, opts.Row, opts.Col, s.Geom.NRows, s.Geom.NCols, opts.Encoder)
}

// WriteLayers writes each layer to its own file, one driver per label in
// stack order. A driver count mismatch fails before any file is touched.
func (s *RasterStack) WriteLayers(drvs []Driver, opts *WriteOptions) error {
	if s.value == nil {
		return fmt.Errorf("%w: no data available to write", ErrReadFailure)
	}
	if len(drvs) != len(s.Labels) {
		return fmt.Errorf("%w: %d files given for %d layers", ErrConfiguration, len(drvs), len(s.Labels))
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	for i, label := range s.Labels {
		layer, err := s.GetLayerData(label, nil)
		if err != nil {
			return err
		}
		layerOpts := *opts
		if layerOpts.Variable == "" {
			layerOpts.Variable = "1"
		}
		if err := layer.Write(drvs[i], &layerOpts); err != nil {
			return fmt.Errorf("writing layer %s: %w", label, err)
		}
	}
	return nil
}

// concatBuffers joins same-typed buffers along a leading axis.
func concatBuffers(bufs []*Buffer) (*Buffer, error) {
	total := 0
	for i, buf := range bufs {
		if buf.Type != bufs[0].Type {
			return nil, fmt.Errorf("%w: buffer %d is %s, expected %s", ErrDataTypeMismatch, i, buf.Type, bufs[0].Type)
		}
		total += buf.Len()
	}
	out, err := NewBuffer(bufs[0].Type, total)
	if err != nil {
		return nil, err
	}
	offset := 0
	hasMask := false
	for _, buf := range bufs {
		if buf.Mask != nil {
			hasMask = true
		}
	}
	if hasMask {
		out.Mask = make([]bool, total)
	}
	for _, buf := range bufs {
		copy(out.Data[offset*DTypeSizes[out.Type]:], buf.Data)
		if buf.Mask != nil {
			copy(out.Mask[offset:], buf.Mask)
		}
		offset += buf.Len()
	}
	return out, nil
}

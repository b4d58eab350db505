package raster

import (
	"errors"
	"fmt"
	"testing"

	"github.com/maybedave/veranda/geometry"
)

// fakeDriver serves windows of a flat in-memory array through the
// Driver contract.
type fakeDriver struct {
	path   string
	geom   geometry.RasterGeometry
	labels []string
	vars   map[string]*Buffer
	infos  map[string]VarInfo
	reads  int
}

func (d *fakeDriver) Filepath() string                           { return d.path }
func (d *fakeDriver) Geometry() (geometry.RasterGeometry, error) { return d.geom, nil }
func (d *fakeDriver) Layers() ([]string, error)                  { return d.labels, nil }
func (d *fakeDriver) Flush() error                               { return nil }
func (d *fakeDriver) Close() error                               { return nil }

func (d *fakeDriver) Variables() ([]VarInfo, error) {
	var infos []VarInfo
	for _, info := range d.infos {
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *fakeDriver) Read(row, col, nRows, nCols int, variables []string, decoder Decoder) (map[string]*Buffer, error) {
	d.reads++
	if variables == nil {
		for name := range d.vars {
			variables = append(variables, name)
		}
	}
	out := make(map[string]*Buffer, len(variables))
	for _, name := range variables {
		src, ok := d.vars[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown variable %s", ErrReadFailure, name)
		}
		win, err := src.Window3D(len(d.labels), d.geom.NRows, d.geom.NCols, nil,
			row, col, row+nRows-1, col+nCols-1)
		if err != nil {
			return nil, err
		}
		if decoder != nil {
			info := d.infos[name]
			win, err = decoder(win, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return nil, err
			}
		}
		out[name] = win
	}
	return out, nil
}

func (d *fakeDriver) Write(vars map[string]*Buffer, row, col, nRows, nCols int, encoder Encoder) error {
	for name, buf := range vars {
		if encoder != nil {
			info := d.infos[name]
			enc, err := encoder(buf, info.NoData, info.ScaleFactor, info.Offset, info.DType)
			if err != nil {
				return err
			}
			buf = enc
		}
		canvas, ok := d.vars[name]
		if !ok {
			var err error
			canvas, err = NewBuffer(buf.Type, len(d.labels)*d.geom.NRows*d.geom.NCols)
			if err != nil {
				return err
			}
			d.vars[name] = canvas
		}
		nLayers := buf.Len() / (nRows * nCols)
		sz := DTypeSizes[canvas.Type]
		bufSz := DTypeSizes[buf.Type]
		planeLen := d.geom.NRows * d.geom.NCols
		for k := 0; k < nLayers; k++ {
			dstPlane := &Buffer{Type: canvas.Type, Data: canvas.Data[k*planeLen*sz : (k+1)*planeLen*sz]}
			srcPlane := &Buffer{Type: buf.Type, Data: buf.Data[k*nRows*nCols*bufSz : (k+1)*nRows*nCols*bufSz]}
			if err := dstPlane.PasteWindow2D(d.geom.NRows, d.geom.NCols, srcPlane, nRows, nCols, row, col); err != nil {
				return err
			}
		}
	}
	return nil
}

// rampDriver builds a 10x10 Float32 single-layer source with value
// row*10+col at each pixel, origin (0, 10), north-up unit pixels.
func rampDriver() *fakeDriver {
	geom, _ := geometry.New(10, 10, "", [6]float64{0, 1, 0, 10, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 100)
	data := buf.Float32s()
	for i := range data {
		data[i] = float32(i)
	}
	return &fakeDriver{
		path:   "ramp.tif",
		geom:   geom,
		labels: []string{"0"},
		vars:   map[string]*Buffer{"z": buf},
		infos:  map[string]VarInfo{"z": {Name: "z", DType: DTypeFloat32, NoData: -9999, ScaleFactor: 1}},
	}
}

func TestLayerFromArrayDimensionMismatch(t *testing.T) {
	geom, _ := geometry.New(10, 10, "", [6]float64{0, 1, 0, 10, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 99)
	if _, err := LayerFromArray(geom, buf, "z"); !errors.Is(err, ErrDimensionsMismatch) {
		t.Errorf("mismatched array gave %v, want ErrDimensionsMismatch", err)
	}
}

func TestLoadByCoordsPointRead(t *testing.T) {
	drv := rampDriver()
	layer, err := LayerFromDriver(drv, "z", false, nil)
	if err != nil {
		t.Fatalf("layer from driver: %v", err)
	}
	if layer.Bound() {
		t.Fatalf("layer must start unbound")
	}

	point, err := layer.LoadByCoords(3.5, 6.5, nil)
	if err != nil {
		t.Fatalf("load by coords: %v", err)
	}
	if point.Geom.NRows != 1 || point.Geom.NCols != 1 {
		t.Errorf("point geometry = (%d, %d), want (1, 1)", point.Geom.NRows, point.Geom.NCols)
	}
	if got := point.Data().Array.ValueAt(0); got != 33 {
		t.Errorf("pixel (3, 3) = %v, want 33", got)
	}
	x, y := point.Geom.PixelToWorld(0, 0, geometry.OriginUpperLeft)
	if x != 3 || y != 7 {
		t.Errorf("point origin = (%v, %v), want (3, 7)", x, y)
	}
}

func TestLoadByCoordsMissReturnsUnchanged(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", false, nil)
	out, err := layer.LoadByCoords(50, 50, nil)
	if err != nil {
		t.Fatalf("spatial miss must not error: %v", err)
	}
	if out != layer {
		t.Errorf("spatial miss must return the node unchanged")
	}
	if out.Bound() {
		t.Errorf("spatial miss must not load anything")
	}
}

func TestLoadByPixelClips(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", false, nil)

	out, err := layer.LoadByPixel(8, 8, 5, 5, nil)
	if err != nil {
		t.Fatalf("clipped load: %v", err)
	}
	if out.Geom.NRows != 2 || out.Geom.NCols != 2 {
		t.Errorf("clipped geometry = (%d, %d), want (2, 2)", out.Geom.NRows, out.Geom.NCols)
	}
	want := []float64{88, 89, 98, 99}
	for i, w := range want {
		if got := out.Data().Array.ValueAt(i); got != w {
			t.Errorf("clipped pixel %d = %v, want %v", i, got, w)
		}
	}

	same, err := layer.LoadByPixel(20, 20, 3, 3, nil)
	if err != nil {
		t.Fatalf("out-of-range window must not error: %v", err)
	}
	if same != layer {
		t.Errorf("out-of-range window must return the node unchanged")
	}
}

func TestLoadByPixelBoundRep(t *testing.T) {
	geom, _ := geometry.New(10, 10, "", [6]float64{0, 1, 0, 10, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 100)
	data := buf.Float32s()
	for i := range data {
		data[i] = float32(i)
	}
	layer, err := LayerFromArray(geom, buf, "z")
	if err != nil {
		t.Fatalf("layer from array: %v", err)
	}
	out, err := layer.LoadByPixel(2, 3, 2, 2, &LoadOptions{Rep: RepDataset})
	if err != nil {
		t.Fatalf("windowed slice: %v", err)
	}
	v := out.Data()
	if v.Rep != RepDataset {
		t.Fatalf("sliced representation = %s, want %s", v.Rep, RepDataset)
	}
	win, err := v.Dataset.Var("z")
	if err != nil {
		t.Fatalf("dataset variable: %v", err)
	}
	if got := win.ValueAt(0); got != 23 {
		t.Errorf("window corner = %v, want 23", got)
	}
	if len(v.Dataset.Axes.XCoords) != 2 {
		t.Errorf("x axis carries %d values, want 2", len(v.Dataset.Axes.XCoords))
	}
}

func TestWindowedReadIdempotence(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", false, nil)
	first, err := layer.LoadByPixel(2, 3, 4, 5, nil)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := layer.LoadByPixel(2, 3, 4, 5, nil)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	a, b := first.Data().Array, second.Data().Array
	if a.Len() != b.Len() {
		t.Fatalf("read sizes differ: %d vs %d", a.Len(), b.Len())
	}
	for i := 0; i < a.Len(); i++ {
		if a.ValueAt(i) != b.ValueAt(i) {
			t.Fatalf("pixel %d differs between identical reads: %v vs %v", i, a.ValueAt(i), b.ValueAt(i))
		}
	}
}

func TestCropGeometry(t *testing.T) {
	drv := rampDriver()
	layer, err := LayerFromDriver(drv, "z", true, nil)
	if err != nil {
		t.Fatalf("eager load: %v", err)
	}

	poly, err := geometry.PolygonFromGeoJSON([]byte(`{"type":"Polygon","coordinates":[[[2,5],[5,5],[5,8],[2,8],[2,5]]]}`))
	if err != nil {
		t.Fatalf("parsing polygon: %v", err)
	}
	out, err := layer.Crop(poly, nil)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	want := layer.Geom.PixelWindow(2, 2, 4, 4)
	if !out.Geom.Congruent(want) {
		t.Errorf("crop geometry = %+v, want %+v", out.Geom, want)
	}
	if got := out.Data().Array.ValueAt(0); got != 22 {
		t.Errorf("crop corner pixel = %v, want 22", got)
	}

	far, err := geometry.PolygonFromGeoJSON([]byte(`{"type":"Polygon","coordinates":[[[100,100],[110,100],[110,110],[100,110],[100,100]]]}`))
	if err != nil {
		t.Fatalf("parsing polygon: %v", err)
	}
	empty, err := layer.Crop(far, nil)
	if err != nil {
		t.Fatalf("non-intersecting crop must not error: %v", err)
	}
	if empty != nil {
		t.Errorf("non-intersecting crop must return no node")
	}

	same, err := layer.LoadByGeom(far, nil)
	if err != nil {
		t.Fatalf("load_by_geom miss must not error: %v", err)
	}
	if same != layer {
		t.Errorf("load_by_geom miss must return the node unchanged")
	}
}

func TestCropWithMask(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", true, nil)
	poly, err := geometry.PolygonFromGeoJSON([]byte(`{"type":"Polygon","coordinates":[[[2,2],[8,2],[8,8],[2,8],[2,2]]]}`))
	if err != nil {
		t.Fatalf("parsing polygon: %v", err)
	}
	out, err := layer.Crop(poly, &CropOptions{ApplyMask: true})
	if err != nil {
		t.Fatalf("masked crop: %v", err)
	}
	mask := out.Data().Array.Mask
	if mask == nil {
		t.Fatalf("masked crop must record a mask")
	}
	if mask[0] {
		t.Errorf("interior pixel must not be masked")
	}
}

func TestApplyMaskDimensionMismatch(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", true, nil)
	if _, err := layer.ApplyMask(make([]bool, 7), false); !errors.Is(err, ErrDimensionsMismatch) {
		t.Errorf("short mask gave %v, want ErrDimensionsMismatch", err)
	}
}

func TestLoadInPlace(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", false, nil)
	out, err := layer.LoadByPixel(0, 0, 2, 2, &LoadOptions{InPlace: true})
	if err != nil {
		t.Fatalf("in-place load: %v", err)
	}
	if out != layer {
		t.Errorf("in-place load must mutate the node itself")
	}
	if layer.Geom.NRows != 2 || layer.Geom.NCols != 2 {
		t.Errorf("in-place geometry = (%d, %d), want (2, 2)", layer.Geom.NRows, layer.Geom.NCols)
	}
}

func TestProvenanceRoot(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", true, nil)
	child, err := layer.LoadByPixel(2, 2, 4, 4, nil)
	if err != nil {
		t.Fatalf("child load: %v", err)
	}
	grandchild, err := child.LoadByPixel(1, 1, 2, 2, nil)
	if err != nil {
		t.Fatalf("grandchild load: %v", err)
	}
	if !grandchild.Root().Congruent(layer.Geom) {
		t.Errorf("grandchild root geometry must be the original geometry")
	}
	if grandchild.Parent() == 0 {
		t.Errorf("grandchild must have a parent")
	}
}

func TestWriteWithoutData(t *testing.T) {
	drv := rampDriver()
	layer, _ := LayerFromDriver(drv, "z", false, nil)
	if err := layer.Write(drv, nil); !errors.Is(err, ErrReadFailure) {
		t.Errorf("writing an unbound layer gave %v, want ErrReadFailure", err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	src := rampDriver()
	layer, _ := LayerFromDriver(src, "z", true, nil)

	geom := layer.Geom
	dst := &fakeDriver{
		path:   "out.tif",
		geom:   geom,
		labels: []string{"0"},
		vars:   map[string]*Buffer{},
		infos:  map[string]VarInfo{"z": {Name: "z", DType: DTypeFloat32, NoData: -9999, ScaleFactor: 1}},
	}
	if err := layer.Write(dst, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := dst.Read(0, 0, geom.NRows, geom.NCols, []string{"z"}, nil)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := back["z"].ValueAt(33); got != 33 {
		t.Errorf("round-tripped pixel 33 = %v, want 33", got)
	}
}

package raster

import (
	"errors"
	"testing"

	"github.com/maybedave/veranda/geometry"
)

// stackRamp builds a 5-layer 4x4 Float32 stack where layer k holds the
// constant value k.
func stackRamp(t *testing.T) *RasterStack {
	t.Helper()
	geom, err := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	buf, err := NewBuffer(DTypeFloat32, 5*16)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	data := buf.Float32s()
	for k := 0; k < 5; k++ {
		for i := 0; i < 16; i++ {
			data[k*16+i] = float32(k)
		}
	}
	stack, err := StackFromArray(geom, []string{"1", "2", "3", "4", "5"}, buf)
	if err != nil {
		t.Fatalf("stack from array: %v", err)
	}
	return stack
}

func TestSliceByLabelsInclusive(t *testing.T) {
	stack := stackRamp(t)
	out, err := stack.SliceByLabels("2", "4")
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	want := []string{"2", "3", "4"}
	if len(out.Labels) != len(want) {
		t.Fatalf("slice labels = %v, want %v", out.Labels, want)
	}
	for i, label := range want {
		if out.Labels[i] != label {
			t.Errorf("slice label %d = %s, want %s", i, out.Labels[i], label)
		}
	}
	data := out.Data().Array
	if data.Len() != 3*16 {
		t.Fatalf("slice carries %d values, want %d", data.Len(), 3*16)
	}
	for k := 0; k < 3; k++ {
		if got := data.ValueAt(k * 16); got != float64(k+1) {
			t.Errorf("slice layer %d value = %v, want %v", k, got, k+1)
		}
	}
}

func TestSliceByLabelsDescending(t *testing.T) {
	stack := stackRamp(t)
	if _, err := stack.SliceByLabels("4", "2"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("descending slice gave %v, want ErrConfiguration", err)
	}
}

func TestSliceByLabelsUnknown(t *testing.T) {
	stack := stackRamp(t)
	if _, err := stack.SliceByLabels("2", "9"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("unknown label gave %v, want ErrUnknownLayer", err)
	}
}

func TestSelectLabels(t *testing.T) {
	stack := stackRamp(t)
	out, err := stack.SelectLabels([]string{"5", "1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(out.Labels) != 2 || out.Labels[0] != "5" || out.Labels[1] != "1" {
		t.Fatalf("select labels = %v, want [5 1]", out.Labels)
	}
	data := out.Data().Array
	if got := data.ValueAt(0); got != 4 {
		t.Errorf("first selected layer value = %v, want 4", got)
	}
	if got := data.ValueAt(16); got != 0 {
		t.Errorf("second selected layer value = %v, want 0", got)
	}
}

func TestGetLayerData(t *testing.T) {
	stack := stackRamp(t)
	layer, err := stack.GetLayerData("3", nil)
	if err != nil {
		t.Fatalf("layer access: %v", err)
	}
	if layer.Label != "3" {
		t.Errorf("layer label = %s, want 3", layer.Label)
	}
	data := layer.Data().Array
	if data.Len() != 16 {
		t.Fatalf("layer carries %d values, want 16", data.Len())
	}
	if got := data.ValueAt(7); got != 2 {
		t.Errorf("layer value = %v, want 2", got)
	}
}

func TestStackFromLayersCongruency(t *testing.T) {
	g1, _ := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	g2, _ := geometry.New(4, 4, "", [6]float64{0.5, 1, 0, 4, 0, -1})
	b1, _ := NewBuffer(DTypeFloat32, 16)
	b2, _ := NewBuffer(DTypeFloat32, 16)
	l1, err := LayerFromArray(g1, b1, "a")
	if err != nil {
		t.Fatalf("layer a: %v", err)
	}
	l2, err := LayerFromArray(g2, b2, "b")
	if err != nil {
		t.Fatalf("layer b: %v", err)
	}
	if _, err := StackFromLayers([]*RasterLayer{l1, l2}); !errors.Is(err, ErrDimensionsMismatch) {
		t.Errorf("incongruent layers gave %v, want ErrDimensionsMismatch", err)
	}
}

func TestStackLabelsValidation(t *testing.T) {
	geom, _ := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 2*16)
	if _, err := StackFromArray(geom, []string{"a", "a"}, buf); !errors.Is(err, ErrConfiguration) {
		t.Errorf("duplicate labels gave %v, want ErrConfiguration", err)
	}
	if _, err := StackFromArray(geom, nil, buf); !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing labels gave %v, want ErrConfiguration", err)
	}
}

func TestStackApplyMaskBroadcast(t *testing.T) {
	stack := stackRamp(t)
	mask := make([]bool, 16)
	mask[5] = true
	out, err := stack.ApplyMask(mask, false)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	got := out.Data().Array.Mask
	if len(got) != 5*16 {
		t.Fatalf("broadcast mask length = %d, want %d", len(got), 5*16)
	}
	for k := 0; k < 5; k++ {
		if !got[k*16+5] {
			t.Errorf("layer %d pixel 5 must be masked", k)
		}
		if got[k*16+4] {
			t.Errorf("layer %d pixel 4 must not be masked", k)
		}
	}
}

func TestStackLoadByPixelSlice(t *testing.T) {
	stack := stackRamp(t)
	out, err := stack.LoadByPixel(1, 1, 2, 2, nil)
	if err != nil {
		t.Fatalf("windowed slice: %v", err)
	}
	if out.Geom.NRows != 2 || out.Geom.NCols != 2 {
		t.Errorf("slice geometry = (%d, %d), want (2, 2)", out.Geom.NRows, out.Geom.NCols)
	}
	data := out.Data().Array
	if data.Len() != 5*4 {
		t.Fatalf("slice carries %d values, want %d", data.Len(), 5*4)
	}
	if got := data.ValueAt(3 * 4); got != 3 {
		t.Errorf("layer 3 slice value = %v, want 3", got)
	}
}

func TestStackFromStackedDriver(t *testing.T) {
	geom, _ := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 3*16)
	data := buf.Float32s()
	for k := 0; k < 3; k++ {
		for i := 0; i < 16; i++ {
			data[k*16+i] = float32(k * 100)
		}
	}
	drv := &fakeDriver{
		path:   "stacked.nc",
		geom:   geom,
		labels: []string{"t0", "t1", "t2"},
		vars:   map[string]*Buffer{"temp": buf},
		infos:  map[string]VarInfo{"temp": {Name: "temp", DType: DTypeFloat32, ScaleFactor: 1}},
	}
	stack, err := StackFromDriver(drv, nil)
	if err != nil {
		t.Fatalf("stack from driver: %v", err)
	}
	if len(stack.Labels) != 3 || stack.Labels[1] != "t1" {
		t.Fatalf("stack labels = %v, want file labels", stack.Labels)
	}
	out, err := stack.Load(&LoadOptions{Variable: "temp"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := out.Data().Array.ValueAt(2 * 16); got != 200 {
		t.Errorf("layer 2 value = %v, want 200", got)
	}

	point, err := out.LoadByCoords(2.5, 1.5, nil)
	if err != nil {
		t.Fatalf("point load: %v", err)
	}
	if point.Geom.NRows != 1 || point.Geom.NCols != 1 {
		t.Errorf("point geometry = (%d, %d), want (1, 1)", point.Geom.NRows, point.Geom.NCols)
	}
	if got := point.Data().Array.ValueAt(1); got != 100 {
		t.Errorf("point layer 1 value = %v, want 100", got)
	}
}

func TestStackedDriverLabelSelection(t *testing.T) {
	geom, _ := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	buf, _ := NewBuffer(DTypeFloat32, 3*16)
	data := buf.Float32s()
	for k := 0; k < 3; k++ {
		for i := 0; i < 16; i++ {
			data[k*16+i] = float32(k * 100)
		}
	}
	drv := &fakeDriver{
		path:   "stacked.nc",
		geom:   geom,
		labels: []string{"a", "b", "c"},
		vars:   map[string]*Buffer{"temp": buf},
		infos:  map[string]VarInfo{"temp": {Name: "temp", DType: DTypeFloat32, ScaleFactor: 1}},
	}
	stack, err := StackFromDriver(drv, nil)
	if err != nil {
		t.Fatalf("stack from driver: %v", err)
	}

	sub, err := stack.SliceByLabels("b", "c")
	if err != nil {
		t.Fatalf("label slice: %v", err)
	}
	layer, err := sub.GetLayerData("c", &LoadOptions{Variable: "temp"})
	if err != nil {
		t.Fatalf("layer load through sub-stack: %v", err)
	}
	if got := layer.Data().Array.ValueAt(0); got != 200 {
		t.Errorf("layer c value = %v, want 200", got)
	}
	out, err := sub.Load(&LoadOptions{Variable: "temp"})
	if err != nil {
		t.Fatalf("sub-stack load: %v", err)
	}
	if out.Data().Array.Len() != 2*16 {
		t.Fatalf("sub-stack carries %d values, want %d", out.Data().Array.Len(), 2*16)
	}
	if got := out.Data().Array.ValueAt(0); got != 100 {
		t.Errorf("first sub-stack layer value = %v, want 100", got)
	}
	if got := out.Data().Array.ValueAt(16); got != 200 {
		t.Errorf("second sub-stack layer value = %v, want 200", got)
	}

	// reordering must follow the file positions as well
	picked, err := stack.SelectLabels([]string{"c", "a"})
	if err != nil {
		t.Fatalf("label select: %v", err)
	}
	loaded, err := picked.Load(&LoadOptions{Variable: "temp"})
	if err != nil {
		t.Fatalf("reordered load: %v", err)
	}
	if got := loaded.Data().Array.ValueAt(0); got != 200 {
		t.Errorf("reordered layer 0 value = %v, want 200", got)
	}
	if got := loaded.Data().Array.ValueAt(16); got != 0 {
		t.Errorf("reordered layer 1 value = %v, want 0", got)
	}
}

func TestStackLoadByPixelBoundRep(t *testing.T) {
	stack := stackRamp(t)
	out, err := stack.LoadByPixel(1, 1, 2, 2, &LoadOptions{Rep: RepDataset})
	if err != nil {
		t.Fatalf("windowed slice: %v", err)
	}
	v := out.Data()
	if v.Rep != RepDataset {
		t.Fatalf("sliced representation = %s, want %s", v.Rep, RepDataset)
	}
	buf, err := v.Dataset.Var("1")
	if err != nil {
		t.Fatalf("dataset variable: %v", err)
	}
	if buf.Len() != 5*4 {
		t.Fatalf("dataset variable carries %d values, want %d", buf.Len(), 5*4)
	}
	if got := buf.ValueAt(3 * 4); got != 3 {
		t.Errorf("layer 3 slice value = %v, want 3", got)
	}
	if len(v.Dataset.Axes.Labels) != 5 || len(v.Dataset.Axes.YCoords) != 2 {
		t.Errorf("axes = (%d labels, %d rows), want (5, 2)",
			len(v.Dataset.Axes.Labels), len(v.Dataset.Axes.YCoords))
	}
}

func TestStackApplyMaskPerLayer(t *testing.T) {
	stack := stackRamp(t)
	mask := make([]bool, 5*16)
	for i := 0; i < 16; i++ {
		mask[2*16+i] = true
	}
	out, err := stack.ApplyMask(mask, false)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	got := out.Data().Array.Mask
	if len(got) != 5*16 {
		t.Fatalf("mask length = %d, want %d", len(got), 5*16)
	}
	if !got[2*16] || got[3*16] {
		t.Errorf("mask must cover layer 2 only, got layer 2 = %v, layer 3 = %v", got[2*16], got[3*16])
	}
	if _, err := stack.ApplyMask(make([]bool, 17), false); !errors.Is(err, ErrDimensionsMismatch) {
		t.Errorf("odd mask length gave %v, want ErrDimensionsMismatch", err)
	}
}

func TestWriteLayersCountMismatch(t *testing.T) {
	stack := stackRamp(t)
	if err := stack.WriteLayers(make([]Driver, 3), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("driver count mismatch gave %v, want ErrConfiguration", err)
	}
}

func TestWriteStackRoundTrip(t *testing.T) {
	stack := stackRamp(t)
	dst := &fakeDriver{
		path:   "out.nc",
		geom:   stack.Geom,
		labels: stack.Labels,
		vars:   map[string]*Buffer{},
		infos:  map[string]VarInfo{},
	}
	if err := stack.WriteStack(dst, &WriteOptions{Variable: "v"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := dst.Read(0, 0, 4, 4, []string{"v"}, nil)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := back["v"].ValueAt(4 * 16); got != 4 {
		t.Errorf("round-tripped layer 4 value = %v, want 4", got)
	}
}

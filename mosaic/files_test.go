package mosaic

import (
	"errors"
	"testing"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

func TestStackFromFilepaths(t *testing.T) {
	geom, _ := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	sources := make(map[string]*tileSource)
	for i, layer := range []string{"D1", "D2"} {
		buf, _ := raster.NewBuffer(raster.DTypeInt16, 16)
		data := buf.Int16s()
		for p := range data {
			data[p] = int16(i * 10)
		}
		sources["/data/z_"+layer+"_t1.tif"] = &tileSource{
			geom: geom,
			info: raster.VarInfo{Name: "z", DType: raster.DTypeInt16, NoData: -9999, ScaleFactor: 1},
			buf:  buf,
		}
	}
	paths := []string{"/data/z_D1_t1.tif", "/data/z_D2_t1.tif"}

	stack, closer, err := StackFromFilepaths(paths, "z_{layer_id}_{tile_id}.tif", openerFor(t, sources))
	if err != nil {
		t.Fatalf("stack from files: %v", err)
	}
	defer closer()
	if len(stack.Labels) != 2 || stack.Labels[0] != "D1" {
		t.Fatalf("stack labels = %v, want [D1 D2]", stack.Labels)
	}
	out, err := stack.Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	data := out.Data().Array
	if got := data.ValueAt(0); got != 0 {
		t.Errorf("layer D1 value = %v, want 0", got)
	}
	if got := data.ValueAt(16); got != 10 {
		t.Errorf("layer D2 value = %v, want 10", got)
	}
}

func TestStackFromFilepathsRejectsManyTiles(t *testing.T) {
	paths := []string{"/data/z_D1_t1.tif", "/data/z_D1_t2.tif"}
	_, _, err := StackFromFilepaths(paths, "z_{layer_id}_{tile_id}.tif", nil)
	if !errors.Is(err, raster.ErrConfiguration) {
		t.Errorf("multi-tile file set gave %v, want ErrConfiguration", err)
	}
}

func TestMosaicFromFilepaths(t *testing.T) {
	info := raster.VarInfo{Name: "z", DType: raster.DTypeInt16, NoData: -9999, ScaleFactor: 1}
	sources := make(map[string]*tileSource)
	for i, tile := range []string{"t1", "t2"} {
		geom, _ := geometry.New(4, 4, "", [6]float64{float64(i * 4), 1, 0, 4, 0, -1})
		buf, _ := raster.NewBuffer(raster.DTypeInt16, 16)
		sources["/data/z_D1_"+tile+".tif"] = &tileSource{geom: geom, info: info, buf: buf}
	}
	m, err := MosaicFromFilepaths([]string{"/data/z_D1_t1.tif", "/data/z_D1_t2.tif"},
		"z_{layer_id}_{tile_id}.tif", openerFor(t, sources))
	if err != nil {
		t.Fatalf("mosaic from files: %v", err)
	}
	if m.Geometry().NCols != 8 {
		t.Errorf("mosaic width = %d, want 8", m.Geometry().NCols)
	}
}

package memory

import (
	"errors"
	"math"
	"testing"

	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/raster"
)

func testGeom(t *testing.T) geometry.RasterGeometry {
	t.Helper()
	geom, err := geometry.New(4, 4, "", [6]float64{0, 1, 0, 4, 0, -1})
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	return geom
}

func TestWriteReadRoundTrip(t *testing.T) {
	drv := New("mem://a", testGeom(t))
	buf, err := raster.NewBuffer(raster.DTypeInt16, 4)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	copy(buf.Int16s(), []int16{1, 2, 3, 4})
	if err := drv.Write(map[string]*raster.Buffer{"z": buf}, 1, 1, 2, 2, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, err := drv.Read(1, 1, 2, 2, []string{"z"}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := read["z"].Int16s()
	want := []int16{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Pixels the write never touched keep the default nodata fill.
	full, err := drv.Read(0, 0, 4, 4, []string{"z"}, nil)
	if err != nil {
		t.Fatalf("full read: %v", err)
	}
	noData := raster.DTypeNoData[raster.DTypeInt16]
	if got := full["z"].ValueAt(0); got != noData {
		t.Errorf("untouched pixel = %v, want %v", got, noData)
	}
}

func TestReadWindowOutOfRange(t *testing.T) {
	drv := New("mem://w", testGeom(t))
	buf, _ := raster.NewBuffer(raster.DTypeInt16, 4)
	copy(buf.Int16s(), []int16{1, 2, 3, 4})
	if err := drv.Write(map[string]*raster.Buffer{"z": buf}, 0, 0, 2, 2, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := drv.Read(3, 3, 4, 4, []string{"z"}, nil); !errors.Is(err, raster.ErrDimensionsMismatch) {
		t.Errorf("read past the grid gave %v, want ErrDimensionsMismatch", err)
	}
}

func TestReadAppliesDecoder(t *testing.T) {
	drv := New("mem://b", testGeom(t))
	info := raster.VarInfo{Name: "temp", DType: raster.DTypeInt16, NoData: -9999, ScaleFactor: 0.1, Offset: 5}
	if err := drv.AddVariable(info); err != nil {
		t.Fatalf("add variable: %v", err)
	}
	buf, _ := raster.NewBuffer(raster.DTypeInt16, 1)
	buf.Int16s()[0] = 100
	if err := drv.Write(map[string]*raster.Buffer{"temp": buf}, 0, 0, 1, 1, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, err := drv.Read(0, 0, 1, 1, []string{"temp"}, raster.DecodeScaleOffset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := read["temp"].ValueAt(0); got != 15 {
		t.Errorf("decoded value = %v, want 15", got)
	}

	nodata, err := drv.Read(1, 1, 1, 1, []string{"temp"}, raster.DecodeScaleOffset)
	if err != nil {
		t.Fatalf("nodata read: %v", err)
	}
	if got := nodata["temp"].ValueAt(0); !math.IsNaN(got) {
		t.Errorf("nodata pixel = %v, want NaN", got)
	}
}

func TestStackedWrite(t *testing.T) {
	geom := testGeom(t)
	drv := NewStacked("mem://c", geom, []string{"a", "b"})
	buf, _ := raster.NewBuffer(raster.DTypeFloat32, 2*16)
	data := buf.Float32s()
	for i := range data {
		data[i] = float32(i)
	}
	if err := drv.Write(map[string]*raster.Buffer{"z": buf}, 0, 0, 4, 4, nil); err != nil {
		t.Fatalf("stacked write: %v", err)
	}
	read, err := drv.Read(2, 0, 1, 4, []string{"z"}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := read["z"].Float32s()
	if len(got) != 2*4 {
		t.Fatalf("read returned %d values, want 8", len(got))
	}
	// Row 2 of layer 0 and of layer 1.
	if got[0] != 8 || got[4] != 24 {
		t.Errorf("stacked rows = %v, want layer rows 8.. and 24..", got)
	}
}

func TestUnknownVariable(t *testing.T) {
	drv := New("mem://d", testGeom(t))
	if _, err := drv.Read(0, 0, 1, 1, []string{"missing"}, nil); err == nil {
		t.Errorf("reading an unknown variable must fail")
	}
}

func TestClosedDriver(t *testing.T) {
	drv := New("mem://e", testGeom(t))
	if err := drv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	buf, _ := raster.NewBuffer(raster.DTypeInt16, 1)
	if err := drv.Write(map[string]*raster.Buffer{"z": buf}, 0, 0, 1, 1, nil); err == nil {
		t.Errorf("writing through a closed driver must fail")
	}
}

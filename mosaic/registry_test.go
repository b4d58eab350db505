package mosaic

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/maybedave/veranda/raster"
)

func TestNewFileRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewFileRegistry([]Entry{
		{Filepath: "a.tif", TileID: "E048N012", LayerID: "b1"},
		{Filepath: "b.tif", TileID: "E048N012", LayerID: "b1"},
	})
	if !errors.Is(err, raster.ErrConfiguration) {
		t.Errorf("duplicate (tile, layer) gave %v, want ErrConfiguration", err)
	}

	_, err = NewFileRegistry([]Entry{{Filepath: "a.tif", TileID: "E048N012"}})
	if !errors.Is(err, raster.ErrConfiguration) {
		t.Errorf("missing layer_id gave %v, want ErrConfiguration", err)
	}
}

func TestRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	doc := `
- filepath: /data/SIG0_E048N012.tif
  tile_id: E048N012
  layer_id: SIG0
- filepath: /data/SIG0_E051N012.tif
  tile_id: E051N012
  layer_id: SIG0
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing registry: %v", err)
	}
	reg, err := RegistryFromYAML(path)
	if err != nil {
		t.Fatalf("loading registry: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("registry holds %d rows, want 2", reg.Len())
	}
	e, ok := reg.Lookup("E051N012", "SIG0")
	if !ok {
		t.Fatalf("lookup failed for a registered pair")
	}
	if e.Filepath != "/data/SIG0_E051N012.tif" {
		t.Errorf("lookup filepath = %s", e.Filepath)
	}
}

func TestRegistryFromYAMLEntriesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	doc := `
entries:
  - filepath: /data/a.tif
    tile_id: t1
    layer_id: l1
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing registry: %v", err)
	}
	reg, err := RegistryFromYAML(path)
	if err != nil {
		t.Fatalf("loading registry: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d rows, want 1", reg.Len())
	}
}

func TestRegistryFromFilepaths(t *testing.T) {
	paths := []string{
		"/data/SIG0_D20240101_E048N012.tif",
		"/data/SIG0_D20240102_E048N012.tif",
		"/data/SIG0_D20240101_E051N012.tif",
		"/data/SIG0_D20240102_E051N012.tif",
	}
	reg, err := RegistryFromFilepaths(paths, "SIG0_{layer_id}_{tile_id}.tif")
	if err != nil {
		t.Fatalf("deriving registry: %v", err)
	}
	tiles := reg.TileIDs()
	if len(tiles) != 2 || tiles[0] != "E048N012" || tiles[1] != "E051N012" {
		t.Errorf("tile ids = %v", tiles)
	}
	layers := reg.LayerIDs()
	if len(layers) != 2 || layers[0] != "D20240101" {
		t.Errorf("layer ids = %v", layers)
	}
	rows := reg.ForTile("E048N012")
	if len(rows) != 2 {
		t.Fatalf("tile E048N012 holds %d rows, want 2", len(rows))
	}
	if rows[0].LayerID != "D20240101" || rows[1].LayerID != "D20240102" {
		t.Errorf("per-tile rows not sorted by layer: %v", rows)
	}
}

func TestRegistryFromFilepathsExtras(t *testing.T) {
	reg, err := RegistryFromFilepaths(
		[]string{"/data/S1A_VV_D1_T1.tif"},
		"{platform}_{polarization}_{layer_id}_{tile_id}.tif",
	)
	if err != nil {
		t.Fatalf("deriving registry: %v", err)
	}
	e, _ := reg.Lookup("T1", "D1")
	if e.Extra["platform"] != "S1A" || e.Extra["polarization"] != "VV" {
		t.Errorf("extra fields = %v", e.Extra)
	}
}

func TestRegistryFromFilepathsRejectsMismatch(t *testing.T) {
	_, err := RegistryFromFilepaths([]string{"/data/whatever.nc"}, "SIG0_{layer_id}_{tile_id}.tif")
	if !errors.Is(err, raster.ErrConfiguration) {
		t.Errorf("non-matching path gave %v, want ErrConfiguration", err)
	}
	_, err = RegistryFromFilepaths(nil, "SIG0_{layer_id}.tif")
	if !errors.Is(err, raster.ErrConfiguration) {
		t.Errorf("pattern without tile_id gave %v, want ErrConfiguration", err)
	}
}

func TestRegistryFromLayout(t *testing.T) {
	reg, err := RegistryFromLayout("/out", "SIG0_{layer_id}_{tile_id}.tif",
		[]string{"t1", "t2"}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("layout registry: %v", err)
	}
	if reg.Len() != 4 {
		t.Fatalf("registry holds %d rows, want 4", reg.Len())
	}
	e, ok := reg.Lookup("t2", "a")
	if !ok {
		t.Fatalf("lookup failed")
	}
	if e.Filepath != filepath.Join("/out", "SIG0_a_t2.tif") {
		t.Errorf("layout filepath = %s", e.Filepath)
	}
}

// Mosaic inspection tool: loads a file registry from yaml, a filename
// pattern or a postgres file index and prints the mosaic's layout,
// stack labels and variable encodings.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"

	"github.com/maybedave/veranda/driver/geotiff"
	"github.com/maybedave/veranda/driver/netcdf"
	"github.com/maybedave/veranda/geometry"
	"github.com/maybedave/veranda/mosaic"
	"github.com/maybedave/veranda/raster"
)

var (
	registryPath = flag.String("registry", "", "yaml registry file")
	pattern      = flag.String("pattern", "", "filename pattern with {tile_id} and {layer_id}; remaining args are files")
	dbName       = flag.String("database", "", "registry database name")
	dbUser       = flag.String("user", "veranda", "registry database user name")
	dbTable      = flag.String("table", "file_registry", "registry table")
	format       = flag.String("format", "geotiff", "file format: geotiff or netcdf")
	stackDim     = flag.String("stack_dimension", "", "netcdf stack dimension name")
	point        = flag.String("point", "", "world coordinate x,y to resolve to a tile")
)

func opener() (mosaic.OpenFunc, error) {
	switch *format {
	case "geotiff":
		return func(path string) (raster.Driver, error) { return geotiff.Open(path) }, nil
	case "netcdf":
		return func(path string) (raster.Driver, error) { return netcdf.Open(path, *stackDim) }, nil
	default:
		return nil, fmt.Errorf("unknown format %s; supported: geotiff, netcdf", *format)
	}
}

func loadRegistry() (*mosaic.FileRegistry, error) {
	switch {
	case *registryPath != "":
		return mosaic.RegistryFromYAML(*registryPath)
	case *pattern != "":
		return mosaic.RegistryFromFilepaths(flag.Args(), *pattern)
	case *dbName != "":
		dbinfo := fmt.Sprintf("user=%s host=/var/run/postgresql dbname=%s sslmode=disable", *dbUser, *dbName)
		db, err := sql.Open("postgres", dbinfo)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return mosaic.RegistryFromDB(db, *dbTable)
	default:
		return nil, fmt.Errorf("one of -registry, -pattern or -database is required")
	}
}

func main() {
	flag.Parse()

	reg, err := loadRegistry()
	if err != nil {
		log.Fatalf("loading registry: %v", err)
	}

	open, err := opener()
	if err != nil {
		log.Fatal(err)
	}

	m, err := mosaic.NewRasterMosaic(reg, open)
	if err != nil {
		log.Fatalf("building mosaic: %v", err)
	}

	geom := m.Geometry()
	x0, y0, x1, y1 := geom.OuterExtent()
	fmt.Printf("mosaic: %d rows x %d cols, extent (%g, %g) - (%g, %g)\n",
		geom.NRows, geom.NCols, x0, y0, x1, y1)
	fmt.Printf("geotransform: %v\n", geom.Geotrans)
	if geom.SRefWKT != "" {
		fmt.Printf("spatial reference: %.60s...\n", geom.SRefWKT)
	}
	fmt.Printf("layers: %s\n", strings.Join(m.Labels(), ", "))

	fmt.Println("tiles:")
	for _, tileID := range m.TileOrder() {
		tg, _ := m.TileGeometry(tileID)
		tx, ty := tg.PixelToWorld(0, 0, geometry.OriginUpperLeft)
		row, col := geom.WorldToPixel(tx, ty, geometry.OriginUpperLeft)
		fmt.Printf("  %s: %dx%d at (%d, %d)\n", tileID, tg.NRows, tg.NCols, row, col)
	}

	fmt.Println("variables:")
	for _, info := range m.VarInfos() {
		fmt.Printf("  %s: %s nodata=%g scale=%g offset=%g\n",
			info.Name, info.DType, info.NoData, info.ScaleFactor, info.Offset)
	}

	if *point != "" {
		var x, y float64
		if _, err := fmt.Sscanf(*point, "%f,%f", &x, &y); err != nil {
			log.Fatalf("parsing -point %q: %v", *point, err)
		}
		tileID, ok := m.SelectByCoords(x, y)
		if !ok {
			fmt.Printf("point (%g, %g): outside the mosaic\n", x, y)
			os.Exit(1)
		}
		row, col := geom.WorldToPixel(x, y, geometry.OriginUpperLeft)
		fmt.Printf("point (%g, %g): tile %s, mosaic pixel (%d, %d)\n", x, y, tileID, row, col)
	}
}

package geometry

import (
	"encoding/json"
	"fmt"

	geo "github.com/nci/geometry"
)

// geoJSONGeom is the subset of GeoJSON needed for mask rasterization.
// Geometries arriving as geo.Geometry values are round-tripped through
// JSON so this package does not depend on their in-memory layout.
type geoJSONGeom struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type ring [][2]float64

// Polygon is a polygon in world coordinates: one outer ring and zero or
// more holes.
type Polygon struct {
	Rings []ring
}

// PolygonFromGeoJSON parses a GeoJSON Polygon or MultiPolygon into the
// mask representation. MultiPolygon parts are flattened to one ring list.
func PolygonFromGeoJSON(data []byte) (*Polygon, error) {
	var g geoJSONGeom
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("problem unmarshalling geometry: %v", err)
	}
	switch g.Type {
	case "Polygon":
		var coords [][][2]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("problem unmarshalling polygon coordinates: %v", err)
		}
		poly := &Polygon{}
		for _, r := range coords {
			poly.Rings = append(poly.Rings, ring(r))
		}
		return poly, nil
	case "MultiPolygon":
		var coords [][][][2]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("problem unmarshalling multipolygon coordinates: %v", err)
		}
		poly := &Polygon{}
		for _, part := range coords {
			for _, r := range part {
				poly.Rings = append(poly.Rings, ring(r))
			}
		}
		return poly, nil
	default:
		return nil, fmt.Errorf("geometry type %s not supported, only Polygon or MultiPolygon", g.Type)
	}
}

// PolygonFromGeometry converts a GeoJSON geometry value from the
// nci/geometry package.
func PolygonFromGeometry(g geo.Geometry) (*Polygon, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("problem marshaling GeoJSON geometry: %v", err)
	}
	return PolygonFromGeoJSON(raw)
}

// Extent returns the polygon's bounding box (minX, minY, maxX, maxY).
func (p *Polygon) Extent() (float64, float64, float64, float64) {
	first := true
	var minX, minY, maxX, maxY float64
	for _, r := range p.Rings {
		for _, pt := range r {
			if first {
				minX, maxX, minY, maxY = pt[0], pt[0], pt[1], pt[1]
				first = false
				continue
			}
			if pt[0] < minX {
				minX = pt[0]
			}
			if pt[0] > maxX {
				maxX = pt[0]
			}
			if pt[1] < minY {
				minY = pt[1]
			}
			if pt[1] > maxY {
				maxY = pt[1]
			}
		}
	}
	return minX, minY, maxX, maxY
}

// contains applies the even-odd rule across all rings, so holes punch out.
func (p *Polygon) contains(x, y float64) bool {
	inside := false
	for _, r := range p.Rings {
		n := len(r)
		if n < 3 {
			continue
		}
		j := n - 1
		for i := 0; i < n; i++ {
			xi, yi := r[i][0], r[i][1]
			xj, yj := r[j][0], r[j][1]
			if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
				inside = !inside
			}
			j = i
		}
	}
	return inside
}

// RasterizeMask evaluates the polygon at every pixel center of the
// geometry and returns a row-major mask where true marks pixels outside
// the polygon. bufferPx grows (positive) or shrinks (negative) the kept
// region by whole pixels.
func RasterizeMask(g RasterGeometry, poly *Polygon, bufferPx int) []bool {
	inside := make([]bool, g.NRows*g.NCols)
	for row := 0; row < g.NRows; row++ {
		for col := 0; col < g.NCols; col++ {
			x, y := g.PixelToWorld(row, col, OriginCenter)
			inside[row*g.NCols+col] = poly.contains(x, y)
		}
	}
	if bufferPx > 0 {
		inside = dilate(inside, g.NRows, g.NCols, bufferPx)
	} else if bufferPx < 0 {
		inside = erode(inside, g.NRows, g.NCols, -bufferPx)
	}
	mask := make([]bool, len(inside))
	for i, in := range inside {
		mask[i] = !in
	}
	return mask
}

func dilate(src []bool, nRows, nCols, px int) []bool {
	out := make([]bool, len(src))
	for row := 0; row < nRows; row++ {
		for col := 0; col < nCols; col++ {
			if src[row*nCols+col] {
				out[row*nCols+col] = true
				continue
			}
			for dr := -px; dr <= px && !out[row*nCols+col]; dr++ {
				for dc := -px; dc <= px; dc++ {
					r, c := row+dr, col+dc
					if r >= 0 && r < nRows && c >= 0 && c < nCols && src[r*nCols+c] {
						out[row*nCols+col] = true
						break
					}
				}
			}
		}
	}
	return out
}

func erode(src []bool, nRows, nCols, px int) []bool {
	out := make([]bool, len(src))
	for row := 0; row < nRows; row++ {
		for col := 0; col < nCols; col++ {
			if !src[row*nCols+col] {
				continue
			}
			keep := true
			for dr := -px; dr <= px && keep; dr++ {
				for dc := -px; dc <= px; dc++ {
					r, c := row+dr, col+dc
					if r < 0 || r >= nRows || c < 0 || c >= nCols || !src[r*nCols+c] {
						keep = false
						break
					}
				}
			}
			out[row*nCols+col] = keep
		}
	}
	return out
}

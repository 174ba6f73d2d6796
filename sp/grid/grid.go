// Package grid maps geographic polygons onto the GCM's global grid. The
// mapping is a pure function of (grid definition, polygon, instance count):
// identical inputs always yield identical region sets, so region assignment
// can be tested without spawning any process.
package grid

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// Grid is a regular global latitude/longitude grid. Cells are indexed
// row-major: index = row*NLon + col, with row 0 at the south pole edge and
// col 0 at longitude -180.
type Grid struct {
	NLat, NLon int
}

// New validates the grid shape.
func New(nlat, nlon int) (*Grid, error) {
	if nlat < 1 || nlon < 1 {
		return nil, fmt.Errorf("grid shape %dx%d invalid", nlat, nlon)
	}
	return &Grid{NLat: nlat, NLon: nlon}, nil
}

// NumCells returns the total cell count.
func (g *Grid) NumCells() int { return g.NLat * g.NLon }

// Center returns the lon/lat center of cell i.
func (g *Grid) Center(i int) geom.Point {
	row := i / g.NLon
	col := i % g.NLon
	return geom.Point{
		X: -180 + (float64(col)+0.5)*360/float64(g.NLon),
		Y: -90 + (float64(row)+0.5)*180/float64(g.NLat),
	}
}

// Area returns the relative area weight of cell i. On a regular lon/lat
// grid the cell area is proportional to the cosine of the center latitude.
func (g *Grid) Area(i int) float64 {
	return math.Cos(g.Center(i).Y * math.Pi / 180)
}

// ClosePolygon builds a closed single-ring polygon from ordered vertices,
// appending the first vertex when the caller left the ring open.
func ClosePolygon(pts []geom.Point) (geom.Polygon, error) {
	if len(pts) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(pts))
	}
	ring := make([]geom.Point, len(pts))
	copy(ring, pts)
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return geom.Polygon{ring}, nil
}

// CellsInside returns the sorted indices of all cells whose center lies
// inside (or on the edge of) poly.
func (g *Grid) CellsInside(poly geom.Polygon) []int {
	var cells []int
	for i := 0; i < g.NumCells(); i++ {
		if g.Center(i).Within(poly) != geom.Outside {
			cells = append(cells, i)
		}
	}
	return cells
}

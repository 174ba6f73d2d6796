package grid

import (
	"fmt"
	"sort"

	"github.com/ctessum/geom"
)

// Region is the footprint assigned to one LES instance: a geographic
// polygon plus its derived mapping onto GCM cell indices. Regions are
// produced once at startup and immutable afterwards.
type Region struct {
	Index    int
	Polygon  geom.Polygon // the input footprint the region was cut from
	Cells    []int        // sorted GCM cell indices owned by this region
	Weights  []float64    // area weights aligned with Cells
	TotalWgt float64      // sum of Weights
}

// Contains reports whether GCM cell i belongs to the region.
func (r *Region) Contains(i int) bool {
	n := sort.SearchInts(r.Cells, i)
	return n < len(r.Cells) && r.Cells[n] == i
}

// Tiling subdivides the cell set enclosed by one polygon into n disjoint
// parts whose union is the whole set. The rule must be deterministic; the
// exact policy is configurable because the subdivision rule is not fixed by
// the coupled models themselves.
type Tiling interface {
	Name() string
	Split(g *Grid, cells []int, n int) ([][]int, error)
}

// StripTiling cuts the enclosed cells into n longitude-ordered contiguous
// runs of near-equal cell count. It is the default policy.
type StripTiling struct{}

// Name implements Tiling.
func (StripTiling) Name() string { return "strips" }

// Split implements Tiling. Cells are ordered by (column, row) so each part
// is a meridional strip; the first len%n parts take one extra cell.
func (StripTiling) Split(g *Grid, cells []int, n int) ([][]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("cannot split into %d parts", n)
	}
	if len(cells) < n {
		return nil, fmt.Errorf("%d cells cannot fill %d regions", len(cells), n)
	}
	ordered := make([]int, len(cells))
	copy(ordered, cells)
	sort.Slice(ordered, func(a, b int) bool {
		ca, cb := ordered[a]%g.NLon, ordered[b]%g.NLon
		if ca != cb {
			return ca < cb
		}
		return ordered[a] < ordered[b]
	})
	parts := make([][]int, n)
	base, extra := len(ordered)/n, len(ordered)%n
	at := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		parts[i] = ordered[at : at+size]
		at += size
	}
	return parts, nil
}

// Map converts a polygon and a target instance count into exactly n Regions.
// The regions are pairwise disjoint and together cover every GCM cell whose
// center falls inside the polygon. Identical inputs produce identical
// regions.
func Map(g *Grid, poly geom.Polygon, n int, tiling Tiling) ([]Region, error) {
	if tiling == nil {
		tiling = StripTiling{}
	}
	enclosed := g.CellsInside(poly)
	if len(enclosed) == 0 {
		return nil, fmt.Errorf("polygon encloses no grid cells on the %dx%d grid", g.NLat, g.NLon)
	}
	parts, err := tiling.Split(g, enclosed, n)
	if err != nil {
		return nil, fmt.Errorf("tiling %s: %w", tiling.Name(), err)
	}
	if len(parts) != n {
		return nil, fmt.Errorf("tiling %s produced %d parts, want %d", tiling.Name(), len(parts), n)
	}

	seen := make(map[int]int, len(enclosed))
	regions := make([]Region, n)
	total := 0
	for i, part := range parts {
		cells := make([]int, len(part))
		copy(cells, part)
		sort.Ints(cells)
		weights := make([]float64, len(cells))
		var sum float64
		for j, c := range cells {
			if prev, dup := seen[c]; dup {
				return nil, fmt.Errorf("tiling %s assigned cell %d to regions %d and %d", tiling.Name(), c, prev, i)
			}
			seen[c] = i
			weights[j] = g.Area(c)
			sum += weights[j]
		}
		total += len(cells)
		regions[i] = Region{
			Index:    i,
			Polygon:  poly,
			Cells:    cells,
			Weights:  weights,
			TotalWgt: sum,
		}
	}
	if total != len(enclosed) {
		return nil, fmt.Errorf("tiling %s covered %d of %d enclosed cells", tiling.Name(), total, len(enclosed))
	}
	return regions, nil
}

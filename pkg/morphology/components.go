// Package morphology implements the binary volume operations needed by the
// label remapper: connected-component labeling and hole filling.
//
// Both operations share one neighbourhood definition so that cluster
// boundaries and enclosure tests agree at label junctions.
package morphology

import (
	"fmt"

	"brats2twolabel/internal/models"
)

// Connectivity selects which voxels count as neighbours.
type Connectivity int

const (
	// Face connects voxels sharing a face (6 neighbours).
	Face Connectivity = 6
	// Edge adds voxels sharing an edge (18 neighbours).
	Edge Connectivity = 18
	// Vertex adds voxels sharing only a corner (26 neighbours).
	Vertex Connectivity = 26
)

// ParseConnectivity validates a neighbour count.
func ParseConnectivity(n int) (Connectivity, error) {
	switch c := Connectivity(n); c {
	case Face, Edge, Vertex:
		return c, nil
	default:
		return 0, fmt.Errorf("invalid connectivity %d (must be 6, 18 or 26)", n)
	}
}

// Offset is a neighbour displacement.
type Offset struct {
	DX, DY, DZ int
}

// Offsets returns the neighbour displacements for the connectivity.
func Offsets(conn Connectivity) []Offset {
	var out []Offset
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dx) + abs(dy) + abs(dz)
				if n == 0 {
					continue
				}
				switch {
				case n == 1,
					n == 2 && conn >= Edge,
					n == 3 && conn == Vertex:
					out = append(out, Offset{dx, dy, dz})
				}
			}
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// flood visits every voxel reachable from the seeds through voxels for which
// pass returns true, calling visit once per voxel. Seeds must already satisfy
// pass. The queue is reused across calls through buf.
func flood(shape models.Shape, offs []Offset, seeds []int, pass func(idx int) bool, visit func(idx int), buf []int) []int {
	queue := append(buf[:0], seeds...)
	for _, s := range seeds {
		visit(s)
	}
	for head := 0; head < len(queue); head++ {
		x, y, z := shape.Coord(queue[head])
		for _, o := range offs {
			nx, ny, nz := x+o.DX, y+o.DY, z+o.DZ
			if nx < 0 || ny < 0 || nz < 0 || nx >= shape[0] || ny >= shape[1] || nz >= shape[2] {
				continue
			}
			n := shape.Index(nx, ny, nz)
			if !pass(n) {
				continue
			}
			visit(n)
			queue = append(queue, n)
		}
	}
	return queue
}

// Label assigns a component id to every foreground voxel of mask. Ids are
// numbered from 1 in scan order; background voxels get 0. sizes[id] is the
// voxel count of component id and sizes[0] is always 0.
func Label(mask []bool, shape models.Shape, conn Connectivity) (labels []int32, sizes []int) {
	labels = make([]int32, len(mask))
	sizes = []int{0}
	offs := Offsets(conn)

	var queue []int
	for idx, fg := range mask {
		if !fg || labels[idx] != 0 {
			continue
		}
		id := int32(len(sizes))
		count := 0
		queue = flood(shape, offs, []int{idx},
			func(n int) bool { return mask[n] && labels[n] == 0 },
			func(n int) {
				labels[n] = id
				count++
			},
			queue)
		sizes = append(sizes, count)
	}
	return labels, sizes
}

// FillHoles returns mask with every enclosed background region set. A
// background voxel is enclosed when no path of background voxels connects it
// to the border of the volume.
func FillHoles(mask []bool, shape models.Shape, conn Connectivity) []bool {
	outside := make([]bool, len(mask))

	// Seed the exterior flood with every background voxel on the border
	var seeds []int
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				if x != 0 && y != 0 && z != 0 && x != shape[0]-1 && y != shape[1]-1 && z != shape[2]-1 {
					continue
				}
				idx := shape.Index(x, y, z)
				if !mask[idx] && !outside[idx] {
					outside[idx] = true
					seeds = append(seeds, idx)
				}
			}
		}
	}

	flood(shape, Offsets(conn), seeds,
		func(n int) bool { return !mask[n] && !outside[n] },
		func(n int) { outside[n] = true },
		nil)

	filled := make([]bool, len(mask))
	for i := range mask {
		filled[i] = !outside[i]
	}
	return filled
}

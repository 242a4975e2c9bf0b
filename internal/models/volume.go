package models

import (
	"fmt"
)

// Shape is the spatial extent of a volume in voxels along x, y and z.
type Shape [3]int

// Len returns the total number of voxels.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Index returns the flat index of voxel (x, y, z). The x axis varies fastest,
// matching the on-disk voxel order of NIfTI images.
func (s Shape) Index(x, y, z int) int {
	return z*s[0]*s[1] + y*s[0] + x
}

// Coord is the inverse of Index.
func (s Shape) Coord(idx int) (x, y, z int) {
	plane := s[0] * s[1]
	z = idx / plane
	rem := idx % plane
	return rem % s[0], rem / s[0], z
}

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// LabelVolume is a 3D label map. Every voxel holds a discrete label code.
type LabelVolume struct {
	// Data holds one label code per voxel in x-fastest order
	Data []uint8

	// Shape is the spatial extent of the volume
	Shape Shape
}

// NewLabelVolume allocates a zero (background) filled volume of the given shape.
func NewLabelVolume(shape Shape) *LabelVolume {
	return &LabelVolume{
		Data:  make([]uint8, shape.Len()),
		Shape: shape,
	}
}

// At returns the label at (x, y, z).
func (v *LabelVolume) At(x, y, z int) uint8 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set assigns the label at (x, y, z).
func (v *LabelVolume) Set(x, y, z int, label uint8) {
	v.Data[v.Shape.Index(x, y, z)] = label
}

// Clone returns a deep copy of the volume.
func (v *LabelVolume) Clone() *LabelVolume {
	data := make([]uint8, len(v.Data))
	copy(data, v.Data)
	return &LabelVolume{Data: data, Shape: v.Shape}
}

// LabelScheme names the codes used by one segmentation convention.
type LabelScheme struct {
	// Name identifies the scheme in logs and errors
	Name string

	// Background is the code for voxels outside any tumor class
	Background uint8

	// Classes maps a class name to its code
	Classes map[string]uint8
}

// Known reports whether code is part of the scheme.
func (s LabelScheme) Known(code uint8) bool {
	if code == s.Background {
		return true
	}
	for _, c := range s.Classes {
		if c == code {
			return true
		}
	}
	return false
}

// Class names shared by the schemes.
const (
	ClassNecrosis     = "necrosis"
	ClassEdema        = "edema"
	ClassEnhancing    = "enhancing"
	ClassNonEnhancing = "nonEnhancing"
)

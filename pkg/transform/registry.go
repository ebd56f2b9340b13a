// Package transform computes the complete set of affine transformations
// between the coordinate spaces an overlay can be displayed in.
//
// Every entry of a TransformSet is derived from five primitive
// voxel-to-space matrices and their inverses, so that composing any two
// entries agrees with the direct entry.
package transform

import (
	"fmt"
	"math"

	"fsldisplay/pkg/affine"
)

// Geometry describes the voxel grid of an overlay.
type Geometry struct {
	// Shape is the number of voxels along each of the first three axes.
	Shape [3]int

	// PixDim is the physical voxel size along each axis.
	PixDim affine.Vec3

	// VoxToWorld maps voxel coordinates to world coordinates.
	VoxToWorld affine.Mat4
}

// Validate checks that the shape and voxel dimensions are positive.
func (g Geometry) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Shape[i] <= 0 {
			return &InvalidGeometryError{Reason: fmt.Sprintf("shape[%d] = %d", i, g.Shape[i])}
		}
		if !(g.PixDim[i] > 0) || math.IsInf(g.PixDim[i], 0) {
			return &InvalidGeometryError{Reason: fmt.Sprintf("pixdim[%d] = %g", i, g.PixDim[i])}
		}
	}
	return nil
}

// Neurological reports whether the voxel-to-world affine has a positive
// determinant, i.e. the image is stored in neurological orientation.
func (g Geometry) Neurological() bool {
	return g.VoxToWorld.Det3() > 0
}

func (g Geometry) voxToPixdim() affine.Mat4 {
	return affine.Scale(g.PixDim[0], g.PixDim[1], g.PixDim[2])
}

// voxToPixFlip flips the X axis of scaled voxel space for neurological
// images. The flip is offset by the grid extent so the flipped space covers
// the same range as the unflipped one.
func (g Geometry) voxToPixFlip() affine.Mat4 {
	m := g.voxToPixdim()
	if g.Neurological() {
		x := float64(g.Shape[0]-1) * g.PixDim[0]
		flip := affine.ScaleOffset(affine.Vec3{-1, 1, 1}, affine.Vec3{x, 0, 0})
		m = affine.Concat(flip, m)
	}
	return m
}

func checkInvertible(m affine.Mat4) error {
	if det := m.Det(); math.Abs(det) <= affine.SingularTolerance {
		return &DegenerateTransformError{Det: det}
	}
	return nil
}

// Frame is the part of a reference overlay's transforms that other overlays
// need in order to be displayed in its reference space.
type Frame struct {
	VoxToPixFlip affine.Mat4
	WorldToVox   affine.Mat4
}

// FrameOf computes the reference frame of an overlay directly from its
// geometry.
func FrameOf(g Geometry) (Frame, error) {
	if err := g.Validate(); err != nil {
		return Frame{}, err
	}
	if err := checkInvertible(g.VoxToWorld); err != nil {
		return Frame{}, err
	}
	worldToVox, err := g.VoxToWorld.Inverse()
	if err != nil {
		return Frame{}, &DegenerateTransformError{Det: g.VoxToWorld.Det()}
	}
	return Frame{VoxToPixFlip: g.voxToPixFlip(), WorldToVox: worldToVox}, nil
}

// Selection chooses the space that the Reference entry of a TransformSet
// points at: either world space, or the scaled-voxel-flipped space of a
// reference overlay.
type Selection struct {
	frame *Frame
}

// WorldSelection selects world space.
func WorldSelection() Selection {
	return Selection{}
}

// OverlaySelection selects the reference space of the overlay with the
// given frame.
func OverlaySelection(f Frame) Selection {
	return Selection{frame: &f}
}

// IsWorld reports whether the selection is the world sentinel.
func (r Selection) IsWorld() bool {
	return r.frame == nil
}

// TransformSet holds every pairwise transform between the concrete spaces
// of one overlay. It is immutable once built.
type TransformSet struct {
	geom    Geometry
	custom  affine.Mat4
	ref     Selection
	base    affine.Mat4
	baseInv affine.Mat4
	voxTo   [NumSpaces]affine.Mat4
	entries [NumSpaces][NumSpaces]affine.Mat4
}

// Rebuild computes a new TransformSet for an overlay. custom is applied
// after the overlay's voxel-to-world affine; pass affine.Identity() for no
// adjustment. Either a complete set or an error is returned.
//
// When ref is the overlay's own frame, its voxel-to-reference transform is
// its voxel-to-pixdim-flip transform, not the identity.
func Rebuild(g Geometry, ref Selection, custom affine.Mat4) (*TransformSet, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := checkInvertible(g.VoxToWorld); err != nil {
		return nil, err
	}
	if err := checkInvertible(custom); err != nil {
		return nil, fmt.Errorf("custom transform: %w", err)
	}

	s := &TransformSet{geom: g, custom: custom, ref: ref, base: g.VoxToWorld}

	baseInv, err := g.VoxToWorld.Inverse()
	if err != nil {
		return nil, &DegenerateTransformError{Det: g.VoxToWorld.Det()}
	}
	s.baseInv = baseInv

	voxToWorld := affine.Concat(custom, g.VoxToWorld)

	var voxToRef affine.Mat4
	if ref.IsWorld() {
		voxToRef = voxToWorld
	} else {
		voxToRef = affine.Concat(ref.frame.VoxToPixFlip, ref.frame.WorldToVox, voxToWorld)
	}

	shape := affine.Vec3{float64(g.Shape[0]), float64(g.Shape[1]), float64(g.Shape[2])}
	voxToTex := affine.ScaleOffset(
		affine.Vec3{1 / shape[0], 1 / shape[1], 1 / shape[2]},
		affine.Vec3{0.5 / shape[0], 0.5 / shape[1], 0.5 / shape[2]},
	)

	s.voxTo[Voxel] = affine.Identity()
	s.voxTo[ScaledVoxel] = g.voxToPixdim()
	s.voxTo[ScaledVoxelFlipped] = g.voxToPixFlip()
	s.voxTo[World] = voxToWorld
	s.voxTo[Reference] = voxToRef
	s.voxTo[Texture] = voxToTex

	var toVox [NumSpaces]affine.Mat4
	for i := 0; i < NumSpaces; i++ {
		inv, err := s.voxTo[i].Inverse()
		if err != nil {
			return nil, &DegenerateTransformError{Det: s.voxTo[i].Det()}
		}
		toVox[i] = inv
	}

	for from := 0; from < NumSpaces; from++ {
		for to := 0; to < NumSpaces; to++ {
			switch {
			case from == to:
				s.entries[from][to] = affine.Identity()
			case from == int(Voxel):
				s.entries[from][to] = s.voxTo[to]
			case to == int(Voxel):
				s.entries[from][to] = toVox[from]
			default:
				s.entries[from][to] = affine.Concat(s.voxTo[to], toVox[from])
			}
		}
	}

	return s, nil
}

// Get returns the transform from one concrete space to another.
func (s *TransformSet) Get(from, to Space) (affine.Mat4, error) {
	if !from.Concrete() {
		return affine.Mat4{}, &InvalidSpaceError{Token: from.String()}
	}
	if !to.Concrete() {
		return affine.Mat4{}, &InvalidSpaceError{Token: to.String()}
	}
	return s.entries[from][to], nil
}

// BoundsTransform returns the voxel-to-space transform with the custom
// adjustment left out, for computing bounding boxes that must not move when
// a transient adjustment is applied.
func (s *TransformSet) BoundsTransform(to Space) (affine.Mat4, error) {
	if !to.Concrete() {
		return affine.Mat4{}, &InvalidSpaceError{Token: to.String()}
	}
	if to == World || to == Reference {
		return affine.Concat(s.entries[World][to], s.base), nil
	}
	return s.entries[Voxel][to], nil
}

// Frame returns the reference frame of the overlay this set was built for.
func (s *TransformSet) Frame() Frame {
	return Frame{VoxToPixFlip: s.voxTo[ScaledVoxelFlipped], WorldToVox: s.baseInv}
}

// Geometry returns the geometry the set was built from.
func (s *TransformSet) Geometry() Geometry {
	return s.geom
}

// Custom returns the custom adjustment the set was built with.
func (s *TransformSet) Custom() affine.Mat4 {
	return s.custom
}

// Selection returns the reference selection the set was built with.
func (s *TransformSet) Selection() Selection {
	return s.ref
}

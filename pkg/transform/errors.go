package transform

import "fmt"

// DegenerateTransformError is returned when an overlay's voxel-to-world
// affine cannot be inverted.
type DegenerateTransformError struct {
	Det float64
}

func (e *DegenerateTransformError) Error() string {
	return fmt.Sprintf("degenerate voxel-to-world transform (determinant %g)", e.Det)
}

// InvalidSpaceError is returned for an unrecognised coordinate space.
type InvalidSpaceError struct {
	Token string
}

func (e *InvalidSpaceError) Error() string {
	return fmt.Sprintf("invalid coordinate space %q", e.Token)
}

// InvalidGeometryError is returned when an overlay's shape or voxel
// dimensions are unusable.
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return "invalid image geometry: " + e.Reason
}

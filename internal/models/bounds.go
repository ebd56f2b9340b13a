package models

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

// Bounds is an axis-aligned bounding box in display space
type Bounds struct {
	// Lo holds the minimum coordinate along each axis
	Lo f64.Vec3

	// Hi holds the maximum coordinate along each axis
	Hi f64.Vec3
}

// NewBounds returns the box spanning lo to hi, sorting each axis
func NewBounds(lo, hi f64.Vec3) Bounds {
	var b Bounds
	for i := 0; i < 3; i++ {
		b.Lo[i] = math.Min(lo[i], hi[i])
		b.Hi[i] = math.Max(lo[i], hi[i])
	}
	return b
}

// IsZero reports whether b is the empty (0,0,0)-(0,0,0) box
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// Union returns the smallest box containing both b and o
func (b Bounds) Union(o Bounds) Bounds {
	var u Bounds
	for i := 0; i < 3; i++ {
		u.Lo[i] = math.Min(b.Lo[i], o.Lo[i])
		u.Hi[i] = math.Max(b.Hi[i], o.Hi[i])
	}
	return u
}

// UnionAll returns the union of all boxes, or the zero box when there are none
func UnionAll(boxes []Bounds) Bounds {
	if len(boxes) == 0 {
		return Bounds{}
	}
	u := boxes[0]
	for _, b := range boxes[1:] {
		u = u.Union(b)
	}
	return u
}

// Centre returns the geometric centre of the box
func (b Bounds) Centre() f64.Vec3 {
	return f64.Vec3{
		(b.Lo[0] + b.Hi[0]) / 2,
		(b.Lo[1] + b.Hi[1]) / 2,
		(b.Lo[2] + b.Hi[2]) / 2,
	}
}

// Len returns the extent of the box along one axis
func (b Bounds) Len(axis int) float64 {
	return b.Hi[axis] - b.Lo[axis]
}

// Contains reports whether p lies inside the box (inclusive)
func (b Bounds) Contains(p f64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Lo[i] || p[i] > b.Hi[i] {
			return false
		}
	}
	return true
}

// Clamp returns p moved to the nearest point inside the box
func (b Bounds) Clamp(p f64.Vec3) f64.Vec3 {
	for i := 0; i < 3; i++ {
		p[i] = math.Max(b.Lo[i], math.Min(b.Hi[i], p[i]))
	}
	return p
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%.3f, %.3f, %.3f] - [%.3f, %.3f, %.3f]",
		b.Lo[0], b.Lo[1], b.Lo[2], b.Hi[0], b.Hi[1], b.Hi[2])
}

// Range is a closed interval of data values, used for display and clipping ranges
type Range struct {
	Lo float64
	Hi float64
}

// Width returns Hi - Lo
func (r Range) Width() float64 {
	return r.Hi - r.Lo
}

// Normalise maps v into [0, 1] relative to the range, clamping outside values
func (r Range) Normalise(v float64) float64 {
	if r.Width() <= 0 {
		if v >= r.Hi {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, (v-r.Lo)/r.Width()))
}

// Contains reports whether v lies inside the range (inclusive)
func (r Range) Contains(v float64) bool {
	return v >= r.Lo && v <= r.Hi
}

// OverlayStatus reports whether an overlay could be placed in the scene
type OverlayStatus struct {
	// Enabled is false when the overlay is excluded from the scene
	Enabled bool

	// Err holds the reason an overlay was excluded
	Err error
}

// Message returns a user-facing description of the status
func (s OverlayStatus) Message() string {
	if s.Enabled {
		return "ok"
	}
	if s.Err != nil {
		return "disabled: " + s.Err.Error()
	}
	return "disabled"
}

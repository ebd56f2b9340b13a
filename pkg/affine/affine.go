// Package affine provides the 4x4 affine matrix algebra used by the display
// transform core. Matrices are stored row-major in a local named type over
// golang.org/x/image/math/f64 so that methods can hang off it; inversion and
// determinants are delegated to gonum.
package affine

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// SingularTolerance is the determinant magnitude at or below which a matrix
// is treated as non-invertible.
const SingularTolerance = 1e-12

// ErrSingular is returned when a matrix cannot be inverted.
var ErrSingular = errors.New("affine: matrix is singular")

// Vec3 is a point or direction in 3D space.
type Vec3 = f64.Vec3

// Mat4 is a row-major 4x4 affine transformation matrix.
type Mat4 f64.Mat4

// Identity returns the 4x4 identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Scale returns a diagonal scaling matrix.
func Scale(sx, sy, sz float64) Mat4 {
	return ScaleOffset(Vec3{sx, sy, sz}, Vec3{})
}

// ScaleOffset returns a matrix which scales each axis and then translates.
func ScaleOffset(scale, offset Vec3) Mat4 {
	return Mat4{
		scale[0], 0, 0, offset[0],
		0, scale[1], 0, offset[1],
		0, 0, scale[2], offset[2],
		0, 0, 0, 1,
	}
}

// FromRows builds a matrix from row arrays.
func FromRows(rows [4][4]float64) Mat4 {
	var m Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[4*r+c] = rows[r][c]
		}
	}
	return m
}

// At returns the element at row r, column c.
func (a Mat4) At(r, c int) float64 {
	return a[4*r+c]
}

// Rows returns the matrix as row arrays.
func (a Mat4) Rows() [4][4]float64 {
	var rows [4][4]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			rows[r][c] = a[4*r+c]
		}
	}
	return rows
}

// Mul returns a·b, i.e. b is applied first.
func (a Mat4) Mul(b Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[4*r+k] * b[4*k+c]
			}
			out[4*r+c] = sum
		}
	}
	return out
}

// Concat composes matrices right to left: Concat(a, b, c) = a·b·c, so c is
// applied to a point first.
func Concat(ms ...Mat4) Mat4 {
	out := Identity()
	for _, m := range ms {
		out = out.Mul(m)
	}
	return out
}

func (a Mat4) dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, a[:])
	return mat.NewDense(4, 4, data)
}

// Det returns the determinant of the matrix.
func (a Mat4) Det() float64 {
	return mat.Det(a.dense())
}

// Det3 returns the determinant of the upper-left 3x3 (linear) part.
func (a Mat4) Det3() float64 {
	lin := mat.NewDense(3, 3, []float64{
		a[0], a[1], a[2],
		a[4], a[5], a[6],
		a[8], a[9], a[10],
	})
	return mat.Det(lin)
}

// IsSingular reports whether the matrix determinant is within
// SingularTolerance of zero.
func (a Mat4) IsSingular() bool {
	return math.Abs(a.Det()) <= SingularTolerance
}

// Inverse returns the inverse of the matrix.
func (a Mat4) Inverse() (Mat4, error) {
	if a.IsSingular() {
		return Mat4{}, ErrSingular
	}

	var inv mat.Dense
	if err := inv.Inverse(a.dense()); err != nil {
		// A Condition error is only a warning about precision; the result
		// is still usable.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Mat4{}, fmt.Errorf("inverting matrix: %w", err)
		}
	}

	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[4*r+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Apply transforms a point.
func (a Mat4) Apply(p Vec3) Vec3 {
	return Vec3{
		a[0]*p[0] + a[1]*p[1] + a[2]*p[2] + a[3],
		a[4]*p[0] + a[5]*p[1] + a[6]*p[2] + a[7],
		a[8]*p[0] + a[9]*p[1] + a[10]*p[2] + a[11],
	}
}

// ApplyVector transforms a direction vector, ignoring translation.
func (a Mat4) ApplyVector(v Vec3) Vec3 {
	return Vec3{
		a[0]*v[0] + a[1]*v[1] + a[2]*v[2],
		a[4]*v[0] + a[5]*v[1] + a[6]*v[2],
		a[8]*v[0] + a[9]*v[1] + a[10]*v[2],
	}
}

// WithoutTranslation returns a copy of the matrix with the translation
// column zeroed.
func (a Mat4) WithoutTranslation() Mat4 {
	a[3], a[7], a[11] = 0, 0, 0
	return a
}

// AxisBounds returns the axis-aligned bounding box, in the output space of
// the matrix, of a voxel grid with the given shape. Voxel centres are at
// integer coordinates, so the grid spans -0.5 to shape-0.5 on each axis.
func (a Mat4) AxisBounds(shape [3]int) (lo, hi Vec3) {
	for i := 0; i < 3; i++ {
		lo[i] = math.Inf(1)
		hi[i] = math.Inf(-1)
	}

	for corner := 0; corner < 8; corner++ {
		var p Vec3
		for i := 0; i < 3; i++ {
			if corner&(1<<i) == 0 {
				p[i] = -0.5
			} else {
				p[i] = float64(shape[i]) - 0.5
			}
		}
		q := a.Apply(p)
		for i := 0; i < 3; i++ {
			lo[i] = math.Min(lo[i], q[i])
			hi[i] = math.Max(hi[i], q[i])
		}
	}
	return lo, hi
}

// Orientation returns, for each input axis, the output axis it maps onto
// most strongly, and the sign of that mapping.
func (a Mat4) Orientation() (axes [3]int, signs [3]float64) {
	for c := 0; c < 3; c++ {
		best := 0
		for r := 1; r < 3; r++ {
			if math.Abs(a[4*r+c]) > math.Abs(a[4*best+c]) {
				best = r
			}
		}
		axes[c] = best
		signs[c] = 1
		if a[4*best+c] < 0 {
			signs[c] = -1
		}
	}
	return axes, signs
}

// ApproxEqual reports whether every element of a and b agrees within tol,
// relative to the larger magnitude of the two (or absolutely, below 1).
func (a Mat4) ApproxEqual(b Mat4, tol float64) bool {
	for i := range a {
		scale := math.Max(1, math.Max(math.Abs(a[i]), math.Abs(b[i])))
		if math.Abs(a[i]-b[i]) > tol*scale {
			return false
		}
	}
	return true
}

func (a Mat4) String() string {
	str := ""
	for r := 0; r < 4; r++ {
		str += fmt.Sprintf("[%10f, %10f, %10f, %10f]\n", a[4*r], a[4*r+1], a[4*r+2], a[4*r+3])
	}
	return str
}

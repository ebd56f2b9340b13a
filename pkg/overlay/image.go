// Package overlay holds the externally owned image data that display
// options are computed for, and the shared, observable list of overlays.
package overlay

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/property"
	"fsldisplay/pkg/transform"
)

// Kind selects how an overlay's voxel values are interpreted.
type Kind int

const (
	// KindVolume is a scalar intensity image rendered through a colour map.
	KindVolume Kind = iota
	// KindLabel is an integer label image rendered through a lookup table.
	KindLabel
)

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "volume"
	case KindLabel:
		return "label"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Image is a 3D or 4D voxel image. Its geometry is read by the display
// core, which never modifies the voxel data.
type Image struct {
	name   string
	kind   Kind
	shape  [4]int
	pixdim affine.Vec3
	affine *property.Value[affine.Mat4]
	data   []float64
	refs   int
}

// NewImage creates an image. shape may have between one and four
// dimensions; missing spatial dimensions are treated as length 1.
func NewImage(name string, kind Kind, shape []int, pixdim affine.Vec3, voxToWorld affine.Mat4) (*Image, error) {
	if len(shape) == 0 || len(shape) > 4 {
		return nil, fmt.Errorf("overlay %s: unsupported number of dimensions %d", name, len(shape))
	}

	img := &Image{
		name:   name,
		kind:   kind,
		shape:  [4]int{1, 1, 1, 1},
		pixdim: pixdim,
		affine: property.New("voxToWorld", voxToWorld),
	}
	for i, n := range shape {
		if n <= 0 {
			return nil, fmt.Errorf("overlay %s: dimension %d has length %d", name, i, n)
		}
		img.shape[i] = n
	}
	return img, nil
}

// Name returns the display name of the image.
func (img *Image) Name() string { return img.name }

// Kind returns the image kind.
func (img *Image) Kind() Kind { return img.kind }

// Shape returns the length of the three spatial dimensions.
func (img *Image) Shape() [3]int {
	return [3]int{img.shape[0], img.shape[1], img.shape[2]}
}

// NumVolumes returns the length of the fourth dimension (1 for 3D images).
func (img *Image) NumVolumes() int { return img.shape[3] }

// PixDim returns the voxel dimensions.
func (img *Image) PixDim() affine.Vec3 { return img.pixdim }

// VoxToWorld returns the current voxel-to-world affine.
func (img *Image) VoxToWorld() affine.Mat4 { return img.affine.Get() }

// SetVoxToWorld replaces the voxel-to-world affine and notifies affine
// listeners.
func (img *Image) SetVoxToWorld(m affine.Mat4) {
	img.affine.Set(m)
}

// ListenAffine registers fn to be called when the affine changes.
func (img *Image) ListenAffine(fn func(old, new affine.Mat4)) property.ListenerID {
	return img.affine.Listen(fn)
}

// UnlistenAffine removes an affine listener.
func (img *Image) UnlistenAffine(id property.ListenerID) {
	img.affine.Unlisten(id)
}

// Geometry returns the image geometry in the form the transform registry
// consumes.
func (img *Image) Geometry() transform.Geometry {
	return transform.Geometry{
		Shape:      img.Shape(),
		PixDim:     img.pixdim,
		VoxToWorld: img.affine.Get(),
	}
}

// NumVoxels returns the number of voxels across all volumes.
func (img *Image) NumVoxels() int {
	return img.shape[0] * img.shape[1] * img.shape[2] * img.shape[3]
}

// SetData attaches voxel data, stored with x varying fastest and the
// volume index slowest.
func (img *Image) SetData(data []float64) error {
	if len(data) != img.NumVoxels() {
		return fmt.Errorf("overlay %s: expected %d voxels, got %d", img.name, img.NumVoxels(), len(data))
	}
	img.data = data
	return nil
}

// HasData reports whether voxel data is attached.
func (img *Image) HasData() bool { return img.data != nil }

// Data returns the voxel data, or nil.
func (img *Image) Data() []float64 { return img.data }

// Volume returns the voxel data of one volume.
func (img *Image) Volume(t int) ([]float64, error) {
	if img.data == nil {
		return nil, fmt.Errorf("overlay %s: no voxel data", img.name)
	}
	if t < 0 || t >= img.shape[3] {
		return nil, fmt.Errorf("overlay %s: volume %d out of range [0, %d)", img.name, t, img.shape[3])
	}
	n := img.shape[0] * img.shape[1] * img.shape[2]
	return img.data[t*n : (t+1)*n], nil
}

// At returns the value of voxel (x, y, z) in volume t. The caller must
// ensure the indices are in range.
func (img *Image) At(x, y, z, t int) float64 {
	nx, ny, nz := img.shape[0], img.shape[1], img.shape[2]
	return img.data[x+nx*(y+ny*(z+nz*t))]
}

// DataRange returns the minimum and maximum voxel values.
func (img *Image) DataRange() (lo, hi float64, ok bool) {
	if len(img.data) == 0 {
		return 0, 0, false
	}
	return floats.Min(img.data), floats.Max(img.data), true
}

// Retain records a new holder of the image.
func (img *Image) Retain() { img.refs++ }

// Release drops a holder and reports whether none remain.
func (img *Image) Release() bool {
	if img.refs > 0 {
		img.refs--
	}
	return img.refs == 0
}

// Refs returns the number of current holders.
func (img *Image) Refs() int { return img.refs }

func (img *Image) String() string {
	return fmt.Sprintf("%s (%s %dx%dx%dx%d)", img.name, img.kind,
		img.shape[0], img.shape[1], img.shape[2], img.shape[3])
}

// Package slicing extracts 2D slices of an overlay as images, laid out the
// way the overlay is displayed: along display axes, through the voxel the
// display options select under the cursor.
package slicing

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"fsldisplay/internal/models"
	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/displayopts"
	"fsldisplay/pkg/overlay"
	"fsldisplay/pkg/transform"
)

var axisNames = [3]string{"x", "y", "z"}

// ParseAxis converts an axis name to the display axis it is normal to.
func ParseAxis(s string) (int, error) {
	switch strings.ToLower(s) {
	case "x", "sagittal":
		return 0, nil
	case "y", "coronal":
		return 1, nil
	case "z", "axial":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
}

// Slicer extracts slices of one overlay using its display options.
type Slicer struct {
	node    *displayopts.Node
	img     *overlay.Image
	quality int
}

// NewSlicer creates a slicer for the overlay described by node. The overlay
// must have voxel data.
func NewSlicer(node *displayopts.Node, quality int) (*Slicer, error) {
	img := node.Overlay()
	if !img.HasData() {
		return nil, fmt.Errorf("overlay %s has no voxel data", img.Name())
	}
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return &Slicer{node: node, img: img, quality: quality}, nil
}

// layout describes how voxel axes map onto a slice normal to one display
// axis: the voxel axis along the normal, and the voxel axes shown across and
// up the image, with their display directions.
type layout struct {
	normal     int
	across, up int
	acrossSign float64
	upSign     float64
}

func (s *Slicer) layout(axis int) (layout, error) {
	if axis < 0 || axis > 2 {
		return layout{}, fmt.Errorf("invalid display axis %d", axis)
	}
	m, err := s.node.GetTransform(transform.Voxel, transform.Display)
	if err != nil {
		return layout{}, err
	}
	axes, signs := m.Orientation()

	// voxelOf[d] is the voxel axis shown along display axis d.
	voxelOf := [3]int{-1, -1, -1}
	for v, d := range axes {
		if voxelOf[d] >= 0 {
			return layout{}, fmt.Errorf("overlay %s is too oblique to slice along display axes", s.img.Name())
		}
		voxelOf[d] = v
	}

	h, v := (axis+1)%3, (axis+2)%3
	if h > v {
		h, v = v, h
	}
	l := layout{
		normal: voxelOf[axis],
		across: voxelOf[h],
		up:     voxelOf[v],
	}
	l.acrossSign = signs[l.across]
	l.upSign = signs[l.up]
	return l, nil
}

// SliceIndex returns the voxel index along the slice normal that the
// display options select at display location p.
func (s *Slicer) SliceIndex(axis int, p affine.Vec3) (int, error) {
	l, err := s.layout(axis)
	if err != nil {
		return 0, err
	}
	vox, err := s.node.RoundVoxel(p, []int{l.normal}, false)
	if err != nil {
		return 0, err
	}
	idx := int(vox[l.normal])
	if n := s.img.Shape()[l.normal]; idx < 0 || idx >= n {
		return 0, fmt.Errorf("location %v is outside overlay %s along %s", p, s.img.Name(), axisNames[axis])
	}
	return idx, nil
}

// ExtractSlice extracts the slice normal to display axis through display
// location p. Display coordinates increase to the right and upwards in the
// returned image.
func (s *Slicer) ExtractSlice(axis int, p affine.Vec3) (*image.Gray16, error) {
	idx, err := s.SliceIndex(axis, p)
	if err != nil {
		return nil, err
	}
	return s.extractAt(axis, idx)
}

func (s *Slicer) extractAt(axis, idx int) (*image.Gray16, error) {
	l, err := s.layout(axis)
	if err != nil {
		return nil, err
	}
	shape := s.img.Shape()
	if idx < 0 || idx >= shape[l.normal] {
		return nil, fmt.Errorf("position %d exceeds %d", idx, shape[l.normal])
	}

	vol := s.node.VolumeIndex.Get()
	window, invert := s.window()

	width, height := shape[l.across], shape[l.up]
	out := image.NewGray16(image.Rect(0, 0, width, height))
	var vox [3]int
	vox[l.normal] = idx
	for row := 0; row < height; row++ {
		// Row 0 is the top of the image, the largest display coordinate.
		vox[l.up] = row
		if l.upSign > 0 {
			vox[l.up] = height - 1 - row
		}
		for col := 0; col < width; col++ {
			vox[l.across] = col
			if l.acrossSign < 0 {
				vox[l.across] = width - 1 - col
			}
			value := window.Normalise(s.img.At(vox[0], vox[1], vox[2], vol))
			if invert {
				value = 1 - value
			}
			out.SetGray16(col, row, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*65535)))})
		}
	}
	return out, nil
}

// window returns the data range mapped onto the grey scale.
func (s *Slicer) window() (models.Range, bool) {
	if s.node.Volume != nil {
		return s.node.Volume.DisplayRange.Get(), s.node.Volume.Invert.Get()
	}
	lo, hi, _ := s.img.DataRange()
	return models.Range{Lo: lo, Hi: hi}, false
}

// SaveSlice saves an extracted slice as a JPEG image
func (s *Slicer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: s.quality})
}

// SaveSliceSequence extracts and saves every slice normal to the display axis
func (s *Slicer) SaveSliceSequence(axis int, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}
	l, err := s.layout(axis)
	if err != nil {
		return 0, err
	}

	n := s.img.Shape()[l.normal]
	for pos := 0; pos < n; pos++ {
		img, err := s.extractAt(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_slice_%s_%03d.jpg", s.img.Name(), axisNames[axis], pos))
		if err := s.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	log.WithFields(log.Fields{
		"overlay": s.img.Name(),
		"axis":    axisNames[axis],
		"slices":  n,
		"dir":     outputDir,
	}).Info("Saved slice sequence")
	return n, nil
}

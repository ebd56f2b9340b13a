package displayopts

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"fsldisplay/internal/models"
	"fsldisplay/pkg/colourmap"
	"fsldisplay/pkg/property"
)

// Interpolation selects how voxel values are sampled between voxel centres.
type Interpolation int

const (
	InterpNone Interpolation = iota
	InterpLinear
	InterpSpline
)

func (i Interpolation) String() string {
	switch i {
	case InterpNone:
		return "none"
	case InterpLinear:
		return "linear"
	case InterpSpline:
		return "spline"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// RenderSettings apply to every overlay kind.
type RenderSettings struct {
	Interpolation *property.Value[Interpolation]
}

// VolumeSettings are held by nodes for scalar intensity images.
type VolumeSettings struct {
	ColourMap     *property.Value[string]
	DisplayRange  *property.Value[models.Range]
	ClippingRange *property.Value[models.Range]
	Invert        *property.Value[bool]
}

// LabelSettings are held by nodes for label images.
type LabelSettings struct {
	LookupTable *property.Value[string]
	Outline     *property.Value[bool]
}

func newRenderSettings() RenderSettings {
	return RenderSettings{Interpolation: property.New("interpolation", InterpNone)}
}

func newVolumeSettings(lo, hi float64) *VolumeSettings {
	// The clipping range reaches slightly past the data maximum so the
	// brightest voxels are not clipped.
	clipHi := hi + 0.01*(hi-lo)
	return &VolumeSettings{
		ColourMap:     property.New("cmap", colourmap.DefaultColourMap),
		DisplayRange:  property.New("displayRange", models.Range{Lo: lo, Hi: hi}),
		ClippingRange: property.New("clippingRange", models.Range{Lo: lo, Hi: clipHi}),
		Invert:        property.New("invert", false),
	}
}

func newLabelSettings() *LabelSettings {
	return &LabelSettings{
		LookupTable: property.New("lut", colourmap.DefaultLookupTable),
		Outline:     property.New("outline", false),
	}
}

func validRange(r models.Range) error {
	if r.Lo > r.Hi {
		return fmt.Errorf("invalid range [%g, %g]", r.Lo, r.Hi)
	}
	return nil
}

func (n *Node) volumeSettings(op string) (*VolumeSettings, error) {
	if err := n.check(op); err != nil {
		return nil, err
	}
	if n.Volume == nil {
		return nil, fmt.Errorf("%s: overlay %s is a %s image", op, n.overlay.Name(), n.overlay.Kind())
	}
	return n.Volume, nil
}

// SetColourMap selects a registered colour map.
func (n *Node) SetColourMap(key string) error {
	vs, err := n.volumeSettings("SetColourMap")
	if err != nil {
		return err
	}
	if _, err := n.registry.Lookup(colourmap.ColourMap, key); err != nil {
		return err
	}
	vs.ColourMap.Set(key)
	return nil
}

// SetDisplayRange sets the data range mapped onto the colour map.
func (n *Node) SetDisplayRange(r models.Range) error {
	vs, err := n.volumeSettings("SetDisplayRange")
	if err != nil {
		return err
	}
	if err := validRange(r); err != nil {
		return err
	}
	vs.DisplayRange.Set(r)
	return nil
}

// SetClippingRange sets the range outside of which voxels are not shown.
func (n *Node) SetClippingRange(r models.Range) error {
	vs, err := n.volumeSettings("SetClippingRange")
	if err != nil {
		return err
	}
	if err := validRange(r); err != nil {
		return err
	}
	vs.ClippingRange.Set(r)
	return nil
}

// SetDisplayRangePercentile sets the display range from percentiles (0 to
// 100) of the current volume's voxel values.
func (n *Node) SetDisplayRangePercentile(lo, hi float64) error {
	vs, err := n.volumeSettings("SetDisplayRangePercentile")
	if err != nil {
		return err
	}
	if lo < 0 || hi > 100 || lo > hi {
		return fmt.Errorf("invalid percentiles [%g, %g]", lo, hi)
	}
	vol, err := n.overlay.Volume(n.VolumeIndex.Get())
	if err != nil {
		return err
	}

	sorted := make([]float64, len(vol))
	copy(sorted, vol)
	sort.Float64s(sorted)

	r := models.Range{
		Lo: stat.Quantile(lo/100, stat.Empirical, sorted, nil),
		Hi: stat.Quantile(hi/100, stat.Empirical, sorted, nil),
	}
	vs.DisplayRange.Set(r)
	return nil
}

// SetLookupTable selects a registered lookup table.
func (n *Node) SetLookupTable(key string) error {
	if err := n.check("SetLookupTable"); err != nil {
		return err
	}
	if n.Label == nil {
		return fmt.Errorf("SetLookupTable: overlay %s is a %s image", n.overlay.Name(), n.overlay.Kind())
	}
	if _, err := n.registry.Lookup(colourmap.LookupTable, key); err != nil {
		return err
	}
	n.Label.LookupTable.Set(key)
	return nil
}

// SetVolume selects the volume shown for 4D images.
func (n *Node) SetVolume(i int) error {
	if err := n.check("SetVolume"); err != nil {
		return err
	}
	if i < 0 || i >= n.overlay.NumVolumes() {
		return fmt.Errorf("volume %d out of range [0, %d)", i, n.overlay.NumVolumes())
	}
	n.VolumeIndex.Set(i)
	return nil
}

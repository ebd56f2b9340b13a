// Package displayopts holds the per-overlay, per-view display settings and
// the coordinate conversions derived from an overlay's transform set.
package displayopts

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"fsldisplay/internal/models"
	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/colourmap"
	"fsldisplay/pkg/overlay"
	"fsldisplay/pkg/property"
	"fsldisplay/pkg/transform"
)

// State is the lifecycle state of a Node.
type State int

const (
	Uninitialized State = iota
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hooks connect a node to the display context that owns it.
type Hooks struct {
	// Selection returns the current reference selection. A nil hook
	// selects world space.
	Selection func() transform.Selection

	// AutoSpace returns the space a node uses when its Transform is the
	// Display alias. A nil hook selects world space.
	AutoSpace func() transform.Space

	// Refreshed is called after the node rebuilt itself in response to one
	// of its own properties, or its overlay, changing. err is nil on
	// success.
	Refreshed func(n *Node, err error)
}

// Node is the display configuration of one overlay in one view.
type Node struct {
	overlay  *overlay.Image
	registry *colourmap.Registry
	hooks    Hooks

	state  State
	set    *transform.TransformSet
	active transform.Space

	// Transform selects the display space of this overlay. The Display
	// alias follows the owning context's display space.
	Transform *property.Value[transform.Space]

	// CustomXform is applied after the overlay's voxel-to-world affine. It
	// does not move the published bounds.
	CustomXform *property.Value[affine.Mat4]

	// Bounds is the overlay's bounding box in display space.
	Bounds *property.Value[models.Bounds]

	// VolumeIndex selects the volume shown for 4D images.
	VolumeIndex *property.Value[int]

	Render RenderSettings
	Volume *VolumeSettings
	Label  *LabelSettings

	affineID    property.ListenerID
	transformID property.ListenerID
	customID    property.ListenerID

	parent   *Node
	children map[*Node]struct{}
	sync     *property.SyncGroup[SyncProperty]
}

// New creates an uninitialised node for img. Call Refresh (or Rebuild then
// RecomputeBounds) before using any conversion.
func New(img *overlay.Image, registry *colourmap.Registry, hooks Hooks) (*Node, error) {
	if img == nil {
		return nil, fmt.Errorf("display options need an overlay")
	}
	if registry == nil {
		return nil, fmt.Errorf("display options for %s need a colour map registry", img.Name())
	}

	n := &Node{
		overlay:     img,
		registry:    registry,
		hooks:       hooks,
		Transform:   property.New("transform", transform.Display),
		CustomXform: property.New("customXform", affine.Identity()),
		Bounds:      property.New("bounds", models.Bounds{}),
		VolumeIndex: property.New("volume", 0),
		Render:      newRenderSettings(),
		children:    make(map[*Node]struct{}),
	}

	switch img.Kind() {
	case overlay.KindVolume:
		lo, hi, ok := img.DataRange()
		if !ok {
			lo, hi = 0, 1
		}
		n.Volume = newVolumeSettings(lo, hi)
	case overlay.KindLabel:
		n.Label = newLabelSettings()
	default:
		return nil, fmt.Errorf("overlay %s has unsupported kind %v", img.Name(), img.Kind())
	}

	img.Retain()
	n.affineID = img.ListenAffine(func(_, _ affine.Mat4) { n.refreshFromListener("affine") })
	n.transformID = n.Transform.Listen(func(_, _ transform.Space) { n.refreshFromListener("transform") })
	n.customID = n.CustomXform.Listen(func(_, _ affine.Mat4) { n.refreshFromListener("customXform") })
	return n, nil
}

// Overlay returns the overlay the node describes.
func (n *Node) Overlay() *overlay.Image { return n.overlay }

// State returns the lifecycle state.
func (n *Node) State() State { return n.state }

// ActiveSpace returns the concrete space the Display alias resolves to.
func (n *Node) ActiveSpace() transform.Space { return n.active }

func (n *Node) check(op string) error {
	if n.state == Destroyed {
		return &UseAfterDestroyError{Overlay: n.overlay.Name(), Op: op}
	}
	return nil
}

func (n *Node) checkReady(op string) error {
	if err := n.check(op); err != nil {
		return err
	}
	if n.set == nil {
		return fmt.Errorf("%s: %w", op, ErrNotReady)
	}
	return nil
}

func (n *Node) resolveAuto() transform.Space {
	if n.hooks.AutoSpace == nil {
		return transform.World
	}
	return n.hooks.AutoSpace()
}

func (n *Node) refreshFromListener(cause string) {
	if n.state == Destroyed {
		return
	}
	err := n.Refresh()
	if err != nil {
		log.WithFields(log.Fields{
			"overlay": n.overlay.Name(),
			"cause":   cause,
		}).WithError(err).Warn("Could not rebuild display transforms")
	}
	if n.hooks.Refreshed != nil {
		n.hooks.Refreshed(n, err)
	}
}

// Rebuild recomputes the node's transform set from its overlay, the
// context's reference selection and the custom transform. On error the
// previous set is kept.
func (n *Node) Rebuild() error {
	if err := n.check("Rebuild"); err != nil {
		return err
	}

	sel := transform.WorldSelection()
	if n.hooks.Selection != nil {
		sel = n.hooks.Selection()
	}

	set, err := transform.Rebuild(n.overlay.Geometry(), sel, n.CustomXform.Get())
	if err != nil {
		return fmt.Errorf("overlay %s: %w", n.overlay.Name(), err)
	}

	active := n.Transform.Get()
	if active == transform.Display {
		active = n.resolveAuto()
	}
	if !active.Concrete() {
		return &transform.InvalidSpaceError{Token: active.String()}
	}

	n.set = set
	n.active = active
	return nil
}

// RecomputeBounds publishes the bounding box of the voxel grid in display
// space. The first successful call after Rebuild makes the node Ready.
func (n *Node) RecomputeBounds() error {
	if err := n.checkReady("RecomputeBounds"); err != nil {
		return err
	}
	m, err := n.set.BoundsTransform(n.active)
	if err != nil {
		return err
	}
	lo, hi := m.AxisBounds(n.overlay.Shape())
	n.state = Ready
	n.Bounds.Set(models.NewBounds(lo, hi))
	return nil
}

// Refresh rebuilds the transform set and then recomputes the bounds.
func (n *Node) Refresh() error {
	if err := n.Rebuild(); err != nil {
		return err
	}
	return n.RecomputeBounds()
}

func (n *Node) resolve(s transform.Space) transform.Space {
	if s == transform.Display {
		return n.active
	}
	return s
}

// GetTransform returns the transform between two spaces. Either may be the
// Display alias.
func (n *Node) GetTransform(from, to transform.Space) (affine.Mat4, error) {
	if err := n.checkReady("GetTransform"); err != nil {
		return affine.Mat4{}, err
	}
	return n.set.Get(n.resolve(from), n.resolve(to))
}

// GetTransformByName is GetTransform for space tokens such as "voxel",
// "world", "ref", "display" or "pixflip".
func (n *Node) GetTransformByName(from, to string) (affine.Mat4, error) {
	f, err := transform.ParseSpace(from)
	if err != nil {
		return affine.Mat4{}, err
	}
	t, err := transform.ParseSpace(to)
	if err != nil {
		return affine.Mat4{}, err
	}
	return n.GetTransform(f, t)
}

type pointOptions struct {
	pre, post *affine.Mat4
	vector    bool
	round     bool
}

// PointOption modifies TransformPoint.
type PointOption func(*pointOptions)

// WithPre applies m to the point before the space transform.
func WithPre(m affine.Mat4) PointOption {
	return func(o *pointOptions) { o.pre = &m }
}

// WithPost applies m to the point after the space transform.
func WithPost(m affine.Mat4) PointOption {
	return func(o *pointOptions) { o.post = &m }
}

// AsVector treats the input as a direction, ignoring translation.
func AsVector() PointOption {
	return func(o *pointOptions) { o.vector = true }
}

// Rounded rounds the result to voxel indices when the target is voxel
// space, using the same rules as RoundVoxelCoords.
func Rounded() PointOption {
	return func(o *pointOptions) { o.round = true }
}

// TransformPoint applies post · transform(from, to) · pre to p.
func (n *Node) TransformPoint(p affine.Vec3, from, to transform.Space, opts ...PointOption) (affine.Vec3, error) {
	var o pointOptions
	for _, opt := range opts {
		opt(&o)
	}

	m, err := n.GetTransform(from, to)
	if err != nil {
		return affine.Vec3{}, err
	}
	if o.pre != nil {
		m = m.Mul(*o.pre)
	}
	if o.post != nil {
		m = o.post.Mul(m)
	}

	var q affine.Vec3
	if o.vector {
		q = m.ApplyVector(p)
	} else {
		q = m.Apply(p)
	}

	if o.round && n.resolve(to) == transform.Voxel {
		q, err = n.RoundVoxelCoords(q, nil, true)
		if err != nil {
			return affine.Vec3{}, err
		}
	}
	return q, nil
}

// DisplayToVoxel converts a display space point to continuous voxel
// coordinates.
func (n *Node) DisplayToVoxel(p affine.Vec3) (affine.Vec3, error) {
	return n.TransformPoint(p, transform.Display, transform.Voxel)
}

// VoxelToDisplay converts voxel coordinates to a display space point.
func (n *Node) VoxelToDisplay(p affine.Vec3) (affine.Vec3, error) {
	return n.TransformPoint(p, transform.Voxel, transform.Display)
}

// RoundVoxel converts a display space point to voxel coordinates and rounds
// them with RoundVoxelCoords.
func (n *Node) RoundVoxel(p affine.Vec3, axes []int, alsoRoundOthers bool) (affine.Vec3, error) {
	vox, err := n.DisplayToVoxel(p)
	if err != nil {
		return affine.Vec3{}, err
	}
	return n.RoundVoxelCoords(vox, axes, alsoRoundOthers)
}

// RoundVoxelCoords rounds voxel coordinates to voxel indices. axes lists the
// voxel axes to round (nil means all three); the others are rounded to the
// nearest integer only when alsoRoundOthers is set.
//
// Coordinates exactly half way between two voxels are resolved according
// to how the voxel axis is oriented in display space, so that images stored
// in opposite orientations select the same anatomical voxel at a shared
// boundary: ties round up along axes which are flipped relative to the
// display, and down otherwise.
func (n *Node) RoundVoxelCoords(vox affine.Vec3, axes []int, alsoRoundOthers bool) (affine.Vec3, error) {
	if err := n.checkReady("RoundVoxelCoords"); err != nil {
		return affine.Vec3{}, err
	}
	voxToDisplay, err := n.set.Get(transform.Voxel, n.active)
	if err != nil {
		return affine.Vec3{}, err
	}
	_, signs := voxToDisplay.Orientation()

	roundAxis := [3]bool{}
	if axes == nil {
		roundAxis = [3]bool{true, true, true}
	}
	for _, a := range axes {
		if a < 0 || a > 2 {
			return affine.Vec3{}, fmt.Errorf("invalid voxel axis %d", a)
		}
		roundAxis[a] = true
	}

	shape := n.overlay.Shape()
	var out affine.Vec3
	for i := 0; i < 3; i++ {
		// Drop floating point noise around half voxel boundaries.
		trunc := math.Round(vox[i]*1000) / 1000

		var v float64
		switch {
		case roundAxis[i] && signs[i] < 0:
			v = math.Floor(trunc + 0.5)
		case roundAxis[i]:
			v = math.Ceil(trunc - 0.5)
		case alsoRoundOthers:
			v = math.Round(trunc)
		default:
			out[i] = vox[i]
			continue
		}

		// Points on the outer edge of the grid belong to the edge voxel.
		if v == -1 && trunc >= -0.5 {
			v = 0
		} else if v == float64(shape[i]) && trunc <= float64(shape[i])-0.5 {
			v = float64(shape[i] - 1)
		}
		out[i] = v
	}
	return out, nil
}

// VoxelIndex returns the voxel containing display point p, and whether it
// lies inside the image.
func (n *Node) VoxelIndex(p affine.Vec3) ([3]int, bool, error) {
	vox, err := n.RoundVoxel(p, nil, true)
	if err != nil {
		return [3]int{}, false, err
	}
	shape := n.overlay.Shape()
	var idx [3]int
	inside := true
	for i := 0; i < 3; i++ {
		idx[i] = int(vox[i])
		if idx[i] < 0 || idx[i] >= shape[i] {
			inside = false
		}
	}
	return idx, inside, nil
}

// Destroy releases the node's transforms, detaches it from any parent or
// child nodes and releases its overlay. Every later call fails with
// UseAfterDestroyError.
func (n *Node) Destroy() {
	if n.state == Destroyed {
		return
	}
	n.overlay.UnlistenAffine(n.affineID)
	n.Transform.Unlisten(n.transformID)
	n.CustomXform.Unlisten(n.customID)

	n.detachParent()
	for child := range n.children {
		child.detachParent()
	}

	n.set = nil
	n.state = Destroyed
	n.overlay.Release()
}

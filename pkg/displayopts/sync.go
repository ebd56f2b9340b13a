package displayopts

import (
	"fmt"

	"fsldisplay/pkg/property"
)

// SyncProperty identifies a node property which can be kept in step with
// the same overlay's node in another view.
type SyncProperty int

const (
	// SyncTransform and SyncCustomXform are always linked: letting them
	// diverge would require each view to hold its own texture of the same
	// voxel data.
	SyncTransform SyncProperty = iota
	SyncCustomXform

	SyncVolumeIndex
	SyncInterpolation
	SyncColourMap
	SyncDisplayRange
	SyncClippingRange
	SyncInvert
	SyncLookupTable
	SyncOutline
)

var syncNames = map[SyncProperty]string{
	SyncTransform:     "transform",
	SyncCustomXform:   "customXform",
	SyncVolumeIndex:   "volume",
	SyncInterpolation: "interpolation",
	SyncColourMap:     "cmap",
	SyncDisplayRange:  "displayRange",
	SyncClippingRange: "clippingRange",
	SyncInvert:        "invert",
	SyncLookupTable:   "lut",
	SyncOutline:       "outline",
}

func (p SyncProperty) String() string {
	if name, ok := syncNames[p]; ok {
		return name
	}
	return fmt.Sprintf("SyncProperty(%d)", int(p))
}

// BindTo makes parent the sync parent of n. Both nodes must describe the
// same overlay. n takes the parent's values for every linked property.
func (n *Node) BindTo(parent *Node) error {
	if err := n.check("BindTo"); err != nil {
		return err
	}
	if err := parent.check("BindTo"); err != nil {
		return err
	}
	if parent == n {
		return fmt.Errorf("BindTo: node cannot be its own parent")
	}
	if parent.overlay != n.overlay {
		return fmt.Errorf("BindTo: parent describes %s, not %s", parent.overlay.Name(), n.overlay.Name())
	}
	if n.parent != nil {
		return fmt.Errorf("BindTo: %s is already synchronised", n.overlay.Name())
	}

	g := property.NewSyncGroup[SyncProperty]()
	g.Add(SyncTransform, property.BindPermanent(parent.Transform, n.Transform))
	g.Add(SyncCustomXform, property.BindPermanent(parent.CustomXform, n.CustomXform))
	g.Add(SyncVolumeIndex, property.Bind(parent.VolumeIndex, n.VolumeIndex))
	g.Add(SyncInterpolation, property.Bind(parent.Render.Interpolation, n.Render.Interpolation))
	if n.Volume != nil {
		g.Add(SyncColourMap, property.Bind(parent.Volume.ColourMap, n.Volume.ColourMap))
		g.Add(SyncDisplayRange, property.Bind(parent.Volume.DisplayRange, n.Volume.DisplayRange))
		g.Add(SyncClippingRange, property.Bind(parent.Volume.ClippingRange, n.Volume.ClippingRange))
		g.Add(SyncInvert, property.Bind(parent.Volume.Invert, n.Volume.Invert))
	}
	if n.Label != nil {
		g.Add(SyncLookupTable, property.Bind(parent.Label.LookupTable, n.Label.LookupTable))
		g.Add(SyncOutline, property.Bind(parent.Label.Outline, n.Label.Outline))
	}

	n.parent = parent
	n.sync = g
	parent.children[n] = struct{}{}
	return nil
}

// Parent returns the sync parent, or nil.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the nodes synchronised to n.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	return out
}

// SetSync links or unlinks one property from the sync parent.
// SyncTransform and SyncCustomXform cannot be unlinked.
func (n *Node) SetSync(p SyncProperty, on bool) error {
	if err := n.check("SetSync"); err != nil {
		return err
	}
	if n.sync == nil {
		return fmt.Errorf("SetSync: %s has no sync parent", n.overlay.Name())
	}
	if err := n.sync.SetLinked(p, on); err != nil {
		return fmt.Errorf("SetSync %v: %w", p, err)
	}
	return nil
}

// Synced reports whether p is currently linked to the sync parent.
func (n *Node) Synced(p SyncProperty) bool {
	return n.sync != nil && n.sync.Linked(p)
}

func (n *Node) detachParent() {
	if n.parent == nil {
		return
	}
	n.sync.Close()
	delete(n.parent.children, n)
	n.parent = nil
	n.sync = nil
}

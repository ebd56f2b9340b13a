// Package displaycontext owns the display options of every overlay shown in
// one view, together with the view-wide state they share: the display space,
// the scene bounds, the cursor location, the selected overlay and the drawing
// order. A view may be synchronised with a master view.
//
// A Context is not safe for concurrent use. All calls, and all property
// notifications, happen on the controlling goroutine.
package displaycontext

import (
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"fsldisplay/internal/models"
	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/colourmap"
	"fsldisplay/pkg/config"
	"fsldisplay/pkg/displayopts"
	"fsldisplay/pkg/overlay"
	"fsldisplay/pkg/property"
	"fsldisplay/pkg/transform"
)

// SyncProperty identifies a view property shared between a child context and
// its master.
type SyncProperty int

const (
	SyncDisplaySpace SyncProperty = iota
	SyncLocation
	SyncSelectedOverlay
	SyncOverlayOrder
)

func (p SyncProperty) String() string {
	switch p {
	case SyncDisplaySpace:
		return "displaySpace"
	case SyncLocation:
		return "location"
	case SyncSelectedOverlay:
		return "selectedOverlay"
	case SyncOverlayOrder:
		return "overlayOrder"
	}
	return fmt.Sprintf("SyncProperty(%d)", int(p))
}

// Context is the display state of one view.
type Context struct {
	list     *overlay.List
	registry *colourmap.Registry
	cfg      *config.Config

	// DisplaySpace is the reference overlay whose pixdim-flip space the
	// scene is displayed in, or nil for world space.
	DisplaySpace *property.Value[*overlay.Image]

	// Location is the cursor position in display space.
	Location *property.Value[affine.Vec3]

	// WorldLocation is the cursor position in the world coordinates of the
	// selected overlay. It does not depend on the display space, so it is
	// what a child shares with its master; each context derives Location
	// from it.
	WorldLocation *property.Value[affine.Vec3]

	// Bounds is the union of the bounds of every enabled overlay.
	Bounds *property.Value[models.Bounds]

	SelectedOverlay *property.Value[*overlay.Image]

	// OverlayOrder is the drawing order, bottom first.
	OverlayOrder *property.Value[[]*overlay.Image]

	nodes  map[*overlay.Image]*displayopts.Node
	status map[*overlay.Image]models.OverlayStatus

	listID      int
	spaceID     property.ListenerID
	refImage    *overlay.Image
	refAffineID property.ListenerID

	// syncing is set while Location and WorldLocation are being brought in
	// line with each other.
	syncing bool

	// defect collects the first programming error raised while a call
	// into the context was rebuilding nodes.
	defect error

	parent    *Context
	children  map[*Context]struct{}
	sync      *property.SyncGroup[SyncProperty]
	destroyed bool
}

// New creates a master context for the overlays in list. Overlays added to
// or removed from list later are picked up automatically. A nil cfg uses the
// default configuration.
func New(list *overlay.List, registry *colourmap.Registry, cfg *config.Config) (*Context, error) {
	if list == nil {
		return nil, errors.New("display context needs an overlay list")
	}
	if registry == nil {
		return nil, errors.New("display context needs a colour map registry")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	c := newContext(list, registry, cfg, nil)
	return c, nil
}

func newContext(list *overlay.List, registry *colourmap.Registry, cfg *config.Config, parent *Context) *Context {
	c := &Context{
		list:            list,
		registry:        registry,
		cfg:             cfg,
		DisplaySpace:    property.New[*overlay.Image]("displaySpace", nil),
		Location:        property.New("location", affine.Vec3{}),
		WorldLocation:   property.New("worldLocation", affine.Vec3{}),
		Bounds:          property.New("bounds", models.Bounds{}),
		SelectedOverlay: property.New[*overlay.Image]("selectedOverlay", nil),
		OverlayOrder:    property.NewWithEqual("overlayOrder", []*overlay.Image{}, slices.Equal[[]*overlay.Image]),
		nodes:           make(map[*overlay.Image]*displayopts.Node),
		status:          make(map[*overlay.Image]models.OverlayStatus),
		parent:          parent,
		children:        make(map[*Context]struct{}),
	}
	c.spaceID = c.DisplaySpace.Listen(c.displaySpaceChanged)
	c.Location.Listen(c.locationChanged)
	c.WorldLocation.Listen(c.worldLocationChanged)
	c.SelectedOverlay.Listen(func(_, _ *overlay.Image) { c.resyncLocation() })

	images := list.Images()
	for _, img := range images {
		c.addNode(img)
	}
	c.OverlayOrder.Set(images)
	if len(images) > 0 {
		c.initialise(images[0])
	}

	c.listID = list.Listen(c.listChanged)
	return c
}

// NewChild creates a context synchronised with c. Which properties start
// out linked is taken from the sync section of the configuration; the
// display options of each overlay are always linked to c's.
func (c *Context) NewChild() (*Context, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	child := newContext(c.list, c.registry, c.cfg, c)
	g := property.NewSyncGroup[SyncProperty]()
	child.sync = g

	g.Add(SyncSelectedOverlay, property.Bind(c.SelectedOverlay, child.SelectedOverlay))
	g.Add(SyncOverlayOrder, property.Bind(c.OverlayOrder, child.OverlayOrder))
	g.Add(SyncDisplaySpace, property.Bind(c.DisplaySpace, child.DisplaySpace))
	g.Add(SyncLocation, property.Bind(c.WorldLocation, child.WorldLocation))

	for p, on := range map[SyncProperty]bool{
		SyncDisplaySpace:    c.cfg.Sync.DisplaySpace,
		SyncLocation:        c.cfg.Sync.Location,
		SyncSelectedOverlay: c.cfg.Sync.SelectedOverlay,
		SyncOverlayOrder:    c.cfg.Sync.OverlayOrder,
	} {
		if !on {
			if err := g.SetLinked(p, false); err != nil {
				return nil, err
			}
		}
	}

	c.children[child] = struct{}{}
	log.WithFields(log.Fields{
		"overlays": c.list.Len(),
		"synced":   child.syncedNames(),
	}).Debug("Created child display context")
	return child, nil
}

func (c *Context) check() error {
	if c.destroyed {
		return ErrDestroyed
	}
	return nil
}

func (c *Context) checkOverlay(img *overlay.Image) error {
	if err := c.check(); err != nil {
		return err
	}
	if img == nil {
		return &OverlayNotFoundError{Overlay: "<nil>"}
	}
	if !c.list.Contains(img) {
		return &OverlayNotFoundError{Overlay: img.Name()}
	}
	return nil
}

// List returns the overlay list the context displays.
func (c *Context) List() *overlay.List { return c.list }

// Parent returns the master context, or nil.
func (c *Context) Parent() *Context { return c.parent }

// Opts returns the display options of img in this view.
func (c *Context) Opts(img *overlay.Image) (*displayopts.Node, error) {
	if err := c.checkOverlay(img); err != nil {
		return nil, err
	}
	n, ok := c.nodes[img]
	if !ok {
		return nil, fmt.Errorf("overlay %s has no display options: %w", img.Name(), c.status[img].Err)
	}
	return n, nil
}

// Status reports whether img is part of the scene, and why not.
func (c *Context) Status(img *overlay.Image) (models.OverlayStatus, bool) {
	st, ok := c.status[img]
	return st, ok
}

// Overlays returns the overlays in drawing order.
func (c *Context) Overlays() []*overlay.Image {
	return slices.Clone(c.OverlayOrder.Get())
}

// AddOverlay appends img to the shared overlay list. Every context which
// displays the list creates display options for it.
func (c *Context) AddOverlay(img *overlay.Image) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.list.Append(img)
}

// RemoveOverlay removes img from the shared overlay list.
func (c *Context) RemoveOverlay(img *overlay.Image) error {
	if err := c.checkOverlay(img); err != nil {
		return err
	}
	return c.list.Remove(img)
}

// SetDisplaySpace displays the scene in the reference space of ref, or in
// world space when ref is nil. The cursor stays on the same anatomical point
// of the selected overlay.
func (c *Context) SetDisplaySpace(ref *overlay.Image) error {
	if ref != nil {
		if err := c.checkOverlay(ref); err != nil {
			return err
		}
	} else if err := c.check(); err != nil {
		return err
	}

	c.defect = nil
	c.DisplaySpace.Set(ref)
	err := c.defect
	c.defect = nil
	return err
}

// SetSelectedOverlay selects img.
func (c *Context) SetSelectedOverlay(img *overlay.Image) error {
	if err := c.checkOverlay(img); err != nil {
		return err
	}
	c.SelectedOverlay.Set(img)
	return nil
}

// SetLocation moves the cursor to p, clamped to the scene bounds.
func (c *Context) SetLocation(p affine.Vec3) error {
	if err := c.check(); err != nil {
		return err
	}
	if b := c.Bounds.Get(); !b.IsZero() {
		p = b.Clamp(p)
	}
	c.Location.Set(p)
	return nil
}

// SetOverlayOrder sets the drawing order. order must hold every overlay in
// the list exactly once.
func (c *Context) SetOverlayOrder(order []*overlay.Image) error {
	if err := c.check(); err != nil {
		return err
	}
	if len(order) != c.list.Len() {
		return fmt.Errorf("overlay order has %d entries, list has %d overlays", len(order), c.list.Len())
	}
	seen := make(map[*overlay.Image]bool, len(order))
	for _, img := range order {
		if err := c.checkOverlay(img); err != nil {
			return err
		}
		if seen[img] {
			return fmt.Errorf("overlay %s appears twice in overlay order", img.Name())
		}
		seen[img] = true
	}
	c.OverlayOrder.Set(slices.Clone(order))
	return nil
}

// VoxelLocation returns the voxel of img under the cursor and whether the
// cursor lies inside img.
func (c *Context) VoxelLocation(img *overlay.Image) ([3]int, bool, error) {
	n, err := c.Opts(img)
	if err != nil {
		return [3]int{}, false, err
	}
	return n.VoxelIndex(c.Location.Get())
}

// SetSync links or unlinks one view property from the master context.
func (c *Context) SetSync(p SyncProperty, on bool) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.sync == nil {
		return errors.New("SetSync: display context has no master")
	}
	return c.sync.SetLinked(p, on)
}

// Synced reports whether p is linked to the master context.
func (c *Context) Synced(p SyncProperty) bool {
	return c.sync != nil && c.sync.Linked(p)
}

func (c *Context) syncedNames() []string {
	var names []string
	if c.sync == nil {
		return names
	}
	for _, p := range c.sync.Keys() {
		if c.sync.Linked(p) {
			names = append(names, p.String())
		}
	}
	return names
}

// Freeze suppresses notifications from the view properties until Thaw.
func (c *Context) Freeze() {
	c.DisplaySpace.Freeze()
	c.Location.Freeze()
	c.WorldLocation.Freeze()
	c.Bounds.Freeze()
	c.SelectedOverlay.Freeze()
	c.OverlayOrder.Freeze()
}

// Thaw ends a Freeze. Each property that changed notifies once.
func (c *Context) Thaw() {
	c.DisplaySpace.Thaw()
	// WorldLocation first, so that a cursor moved while frozen is converted
	// to world coordinates once and not round-tripped back.
	c.WorldLocation.Thaw()
	c.Location.Thaw()
	c.Bounds.Thaw()
	c.SelectedOverlay.Thaw()
	c.OverlayOrder.Thaw()
}

// Destroy stops the context following the overlay list, detaches it from
// its master and children and destroys every display options node.
func (c *Context) Destroy() {
	if c.destroyed {
		return
	}
	c.list.Unlisten(c.listID)
	c.DisplaySpace.Unlisten(c.spaceID)
	c.watchReference(nil)

	for child := range c.children {
		child.detachParent()
	}
	c.detachParent()

	for img, n := range c.nodes {
		n.Destroy()
		delete(c.nodes, img)
	}
	c.destroyed = true
}

func (c *Context) detachParent() {
	if c.parent == nil {
		return
	}
	c.sync.Close()
	delete(c.parent.children, c)
	c.parent = nil
	c.sync = nil
}

// ownsLocation reports whether this context places and clamps the cursor
// itself. A child which shares the cursor with its master follows the
// master's world location instead.
func (c *Context) ownsLocation() bool {
	return !c.Synced(SyncLocation)
}

// locationNode returns the display options the cursor's world position is
// derived through: the selected overlay's, or else the first enabled
// overlay's.
func (c *Context) locationNode() *displayopts.Node {
	if sel := c.SelectedOverlay.Get(); sel != nil && c.status[sel].Enabled {
		if n, ok := c.nodes[sel]; ok {
			return n
		}
	}
	for _, img := range c.list.Images() {
		if n, ok := c.nodes[img]; ok && c.status[img].Enabled {
			return n
		}
	}
	return nil
}

// convertLocation maps a cursor position between display and world
// coordinates. Without any usable overlay the position is left as is.
func (c *Context) convertLocation(p affine.Vec3, from, to transform.Space) affine.Vec3 {
	n := c.locationNode()
	if n == nil {
		return p
	}
	q, err := n.TransformPoint(p, from, to)
	if err != nil {
		return p
	}
	return q
}

// syncWorldLocation derives WorldLocation from Location.
func (c *Context) syncWorldLocation() {
	prev := c.syncing
	c.syncing = true
	defer func() { c.syncing = prev }()
	c.WorldLocation.Set(c.convertLocation(c.Location.Get(), transform.Display, transform.World))
}

// syncDisplayLocation derives Location from WorldLocation.
func (c *Context) syncDisplayLocation() {
	prev := c.syncing
	c.syncing = true
	defer func() { c.syncing = prev }()
	c.Location.Set(c.convertLocation(c.WorldLocation.Get(), transform.World, transform.Display))
}

// resyncLocation restores the relation between the two cursor positions
// after the transforms changed. An owner keeps its display position, a
// follower keeps the shared world position.
func (c *Context) resyncLocation() {
	if c.destroyed {
		return
	}
	if c.ownsLocation() {
		c.syncWorldLocation()
	} else {
		c.syncDisplayLocation()
	}
}

func (c *Context) locationChanged(_, _ affine.Vec3) {
	if c.destroyed || c.syncing {
		return
	}
	c.syncWorldLocation()
}

func (c *Context) worldLocationChanged(_, _ affine.Vec3) {
	if c.destroyed || c.syncing {
		return
	}
	c.syncDisplayLocation()
}

func (c *Context) selection() transform.Selection {
	ref := c.DisplaySpace.Get()
	if ref == nil {
		return transform.WorldSelection()
	}
	frame, err := transform.FrameOf(ref.Geometry())
	if err != nil {
		return transform.WorldSelection()
	}
	return transform.OverlaySelection(frame)
}

func (c *Context) autoSpace() transform.Space {
	if c.DisplaySpace.Get() == nil {
		return transform.World
	}
	return transform.Reference
}

func (c *Context) addNode(img *overlay.Image) {
	n, err := displayopts.New(img, c.registry, displayopts.Hooks{
		Selection: c.selection,
		AutoSpace: c.autoSpace,
		Refreshed: c.nodeRefreshed,
	})
	if err != nil {
		c.setStatus(img, err)
		return
	}
	c.nodes[img] = n

	if n.Volume != nil {
		if err := n.SetColourMap(c.cfg.Display.ColourMap); err != nil {
			log.WithField("overlay", img.Name()).WithError(err).Warn("Using default colour map")
		}
	}
	if n.Label != nil {
		if err := n.SetLookupTable(c.cfg.Display.LookupTable); err != nil {
			log.WithField("overlay", img.Name()).WithError(err).Warn("Using default lookup table")
		}
	}

	c.setStatus(img, n.Refresh())

	if c.parent == nil {
		return
	}
	if pn, ok := c.parent.nodes[img]; ok {
		if err := n.BindTo(pn); err != nil {
			log.WithField("overlay", img.Name()).WithError(err).Warn("Could not synchronise display options")
		}
	}
}

func isDefect(err error) bool {
	var invalid *transform.InvalidSpaceError
	var destroyed *displayopts.UseAfterDestroyError
	return errors.As(err, &invalid) || errors.As(err, &destroyed)
}

func (c *Context) setStatus(img *overlay.Image, err error) {
	if err == nil {
		c.status[img] = models.OverlayStatus{Enabled: true}
		return
	}

	c.status[img] = models.OverlayStatus{Enabled: false, Err: err}
	fields := log.Fields{"overlay": img.Name()}
	if isDefect(err) {
		if c.defect == nil {
			c.defect = err
		}
		log.WithFields(fields).WithError(err).Error("Display options rebuild failed")
		return
	}
	log.WithFields(fields).WithError(err).Warn("Overlay excluded from the scene")
}

func (c *Context) nodeRefreshed(n *displayopts.Node, err error) {
	if c.destroyed {
		return
	}
	c.setStatus(n.Overlay(), err)
	c.recomputeBounds(true)
	c.resyncLocation()
}

func (c *Context) refreshAll() {
	for _, img := range c.list.Images() {
		if n, ok := c.nodes[img]; ok {
			c.setStatus(img, n.Refresh())
		}
	}
}

// recomputeBounds publishes the union of the enabled overlays' bounds. With
// clamp set, an owned cursor is pulled back inside the new bounds; a
// follower is clamped by its master.
func (c *Context) recomputeBounds(clamp bool) {
	var boxes []models.Bounds
	for _, img := range c.list.Images() {
		n, ok := c.nodes[img]
		if !ok || !c.status[img].Enabled {
			continue
		}
		boxes = append(boxes, n.Bounds.Get())
	}
	b := models.UnionAll(boxes)
	c.Bounds.Set(b)

	if clamp && c.ownsLocation() && !b.IsZero() {
		c.Location.Set(b.Clamp(c.Location.Get()))
	}
}

func (c *Context) watchReference(img *overlay.Image) {
	if c.refImage == img {
		return
	}
	if c.refImage != nil {
		c.refImage.UnlistenAffine(c.refAffineID)
	}
	c.refImage = img
	if img != nil {
		c.refAffineID = img.ListenAffine(func(_, _ affine.Mat4) { c.referenceMoved() })
	}
}

// referenceMoved rebuilds every node, since each depends on the reference
// overlay's frame.
func (c *Context) referenceMoved() {
	if c.destroyed {
		return
	}
	if _, err := transform.FrameOf(c.refImage.Geometry()); err != nil {
		log.WithField("reference", c.refImage.Name()).WithError(err).Warn("Reference overlay has a degenerate affine, falling back to world space")
	}
	c.refreshAll()
	c.recomputeBounds(true)
	c.resyncLocation()
}

func (c *Context) displaySpaceChanged(old, ref *overlay.Image) {
	if c.destroyed {
		return
	}
	c.watchReference(ref)

	fields := log.Fields{"from": "world", "to": "world"}
	if old != nil {
		fields["from"] = old.Name()
	}
	if ref != nil {
		fields["to"] = ref.Name()
		if _, err := transform.FrameOf(ref.Geometry()); err != nil {
			log.WithFields(fields).WithError(err).Warn("Reference overlay has a degenerate affine, falling back to world space")
		}
	}

	// The world location is unchanged, so re-deriving the display location
	// keeps the cursor on the same anatomical point of the selected overlay.
	c.refreshAll()
	c.recomputeBounds(false)
	c.syncDisplayLocation()

	log.WithFields(fields).Debug("Display space changed")
}

// initialise sets up the view for the first overlay in an empty list.
func (c *Context) initialise(img *overlay.Image) {
	c.SelectedOverlay.Set(img)

	var ref *overlay.Image
	if c.cfg.Display.DefaultSpace == transform.Reference {
		ref = img
	}
	c.DisplaySpace.Set(ref)

	c.recomputeBounds(false)
	if !c.ownsLocation() {
		c.syncDisplayLocation()
		return
	}
	c.Location.Set(c.Bounds.Get().Centre())
	c.syncWorldLocation()
}

func (c *Context) listChanged(ch overlay.Change) {
	if c.destroyed {
		return
	}
	switch ch.Kind {
	case overlay.Added:
		c.overlayAdded(ch.Image)
	case overlay.Removed:
		c.overlayRemoved(ch.Image)
	}
}

func (c *Context) overlayAdded(img *overlay.Image) {
	c.addNode(img)

	order := c.OverlayOrder.Get()
	if !slices.Contains(order, img) {
		c.OverlayOrder.Set(append(slices.Clone(order), img))
	}

	if c.list.Len() == 1 {
		c.initialise(img)
		return
	}
	c.recomputeBounds(true)
}

func (c *Context) overlayRemoved(img *overlay.Image) {
	if n, ok := c.nodes[img]; ok {
		n.Destroy()
		delete(c.nodes, img)
	}
	delete(c.status, img)

	c.OverlayOrder.Set(slices.DeleteFunc(slices.Clone(c.OverlayOrder.Get()),
		func(o *overlay.Image) bool { return o == img }))

	var first *overlay.Image
	if c.list.Len() > 0 {
		first = c.list.At(0)
	}
	if c.SelectedOverlay.Get() == img {
		c.SelectedOverlay.Set(first)
	}
	if c.DisplaySpace.Get() == img {
		var ref *overlay.Image
		if c.cfg.Display.DefaultSpace == transform.Reference {
			ref = first
		}
		c.DisplaySpace.Set(ref)
	}

	c.recomputeBounds(true)
}

package displayopts

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"fsldisplay/internal/models"
	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/colourmap"
	"fsldisplay/pkg/overlay"
	"fsldisplay/pkg/property"
	"fsldisplay/pkg/transform"
)

var approx = cmpopts.EquateApprox(1e-6, 1e-9)

func testRegistry() *colourmap.Registry {
	r := colourmap.NewRegistry()
	r.Init()
	return r
}

// neurological returns a 10x10x10 image with an identity affine.
func neurological(t *testing.T) *overlay.Image {
	t.Helper()
	img, err := overlay.NewImage("neuro", overlay.KindVolume, []int{10, 10, 10},
		affine.Vec3{1, 1, 1}, affine.Identity())
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	return img
}

// radiological returns the same anatomy as neurological, stored with the X
// axis reversed.
func radiological(t *testing.T) *overlay.Image {
	t.Helper()
	img, err := overlay.NewImage("radio", overlay.KindVolume, []int{10, 10, 10},
		affine.Vec3{1, 1, 1}, affine.ScaleOffset(affine.Vec3{-1, 1, 1}, affine.Vec3{9, 0, 0}))
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	return img
}

func newReadyNode(t *testing.T, img *overlay.Image, hooks Hooks) *Node {
	t.Helper()
	n, err := New(img, testRegistry(), hooks)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return n
}

func TestLifecycle(t *testing.T) {
	img := neurological(t)
	n, err := New(img, testRegistry(), Hooks{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if n.State() != Uninitialized {
		t.Errorf("Expected Uninitialized, got %v", n.State())
	}
	if _, err := n.GetTransform(transform.Voxel, transform.World); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady before Refresh, got %v", err)
	}
	if img.Refs() != 1 {
		t.Errorf("Expected node to hold a reference, got %d", img.Refs())
	}

	if err := n.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n.State() != Ready {
		t.Errorf("Expected Ready, got %v", n.State())
	}

	n.Destroy()
	if n.State() != Destroyed {
		t.Errorf("Expected Destroyed, got %v", n.State())
	}
	if img.Refs() != 0 {
		t.Errorf("Expected reference to be released, got %d", img.Refs())
	}

	var uad *UseAfterDestroyError
	if _, err := n.GetTransform(transform.Voxel, transform.World); !errors.As(err, &uad) {
		t.Errorf("Expected UseAfterDestroyError from GetTransform, got %v", err)
	}
	if err := n.Refresh(); !errors.As(err, &uad) {
		t.Errorf("Expected UseAfterDestroyError from Refresh, got %v", err)
	}
	if _, err := n.RoundVoxel(affine.Vec3{}, nil, false); !errors.As(err, &uad) {
		t.Errorf("Expected UseAfterDestroyError from RoundVoxel, got %v", err)
	}

	// A destroyed node ignores changes to its overlay.
	img.SetVoxToWorld(affine.Scale(2, 2, 2))
}

func TestDisplayAlias(t *testing.T) {
	img := neurological(t)
	img.SetVoxToWorld(affine.ScaleOffset(affine.Vec3{2, 2, 2}, affine.Vec3{1, 2, 3}))

	auto := transform.World
	n := newReadyNode(t, img, Hooks{AutoSpace: func() transform.Space { return auto }})

	got, err := n.GetTransform(transform.Voxel, transform.Display)
	if err != nil {
		t.Fatalf("GetTransform failed: %v", err)
	}
	if diff := cmp.Diff(img.VoxToWorld(), got, approx); diff != "" {
		t.Errorf("voxel->display under world (-want +got):\n%s", diff)
	}

	auto = transform.ScaledVoxel
	if err := n.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n.ActiveSpace() != transform.ScaledVoxel {
		t.Errorf("Expected active space pixdim, got %v", n.ActiveSpace())
	}

	// An explicit choice overrides the context.
	n.Transform.Set(transform.Voxel)
	got, err = n.GetTransformByName("voxel", "display")
	if err != nil {
		t.Fatalf("GetTransformByName failed: %v", err)
	}
	if diff := cmp.Diff(affine.Identity(), got, approx); diff != "" {
		t.Errorf("voxel->display with explicit transform (-want +got):\n%s", diff)
	}

	var invalid *transform.InvalidSpaceError
	if _, err := n.GetTransformByName("voxel", "scanner"); !errors.As(err, &invalid) {
		t.Errorf("Expected InvalidSpaceError, got %v", err)
	}
	if _, err := n.GetTransform(transform.Voxel, transform.Space(99)); !errors.As(err, &invalid) {
		t.Errorf("Expected InvalidSpaceError for unknown space, got %v", err)
	}
}

func TestTransformPointRoundTrip(t *testing.T) {
	img := radiological(t)
	img.SetVoxToWorld(affine.FromRows([4][4]float64{
		{0, 1.5, 0, -20},
		{-2, 0, 0, 30},
		{0, 0, 3, 5},
		{0, 0, 0, 1},
	}))
	n := newReadyNode(t, img, Hooks{})

	spaces := []transform.Space{transform.Voxel, transform.ScaledVoxel, transform.ScaledVoxelFlipped,
		transform.World, transform.Reference, transform.Texture, transform.Display}
	p := affine.Vec3{3.25, -1.5, 8}
	for _, a := range spaces {
		for _, b := range spaces {
			q, err := n.TransformPoint(p, a, b)
			if err != nil {
				t.Fatalf("TransformPoint(%v, %v) failed: %v", a, b, err)
			}
			back, err := n.TransformPoint(q, b, a)
			if err != nil {
				t.Fatalf("TransformPoint(%v, %v) failed: %v", b, a, err)
			}
			if diff := cmp.Diff(p, back, approx); diff != "" {
				t.Errorf("round trip %v->%v->%v (-want +got):\n%s", a, b, a, diff)
			}
		}
	}
}

func TestTransformPointOptions(t *testing.T) {
	img := neurological(t)
	img.SetVoxToWorld(affine.ScaleOffset(affine.Vec3{2, 2, 2}, affine.Vec3{10, 0, 0}))
	n := newReadyNode(t, img, Hooks{})

	got, err := n.TransformPoint(affine.Vec3{1, 1, 1}, transform.Voxel, transform.World, AsVector())
	if err != nil {
		t.Fatalf("TransformPoint failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{2, 2, 2}, got, approx); diff != "" {
		t.Errorf("vector transform (-want +got):\n%s", diff)
	}

	pre := affine.ScaleOffset(affine.Vec3{1, 1, 1}, affine.Vec3{1, 0, 0})
	post := affine.Scale(0.5, 1, 1)
	got, err = n.TransformPoint(affine.Vec3{0, 0, 0}, transform.Voxel, transform.World, WithPre(pre), WithPost(post))
	if err != nil {
		t.Fatalf("TransformPoint failed: %v", err)
	}
	// pre moves to voxel 1 -> world 12 -> post halves x
	if diff := cmp.Diff(affine.Vec3{6, 0, 0}, got, approx); diff != "" {
		t.Errorf("pre/post transform (-want +got):\n%s", diff)
	}

	got, err = n.TransformPoint(affine.Vec3{15.1, 3.2, 4.9}, transform.World, transform.Voxel, Rounded())
	if err != nil {
		t.Fatalf("TransformPoint failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{3, 2, 2}, got, approx); diff != "" {
		t.Errorf("rounded transform (-want +got):\n%s", diff)
	}
}

func TestRoundVoxelTieBreak(t *testing.T) {
	// Radiological storage: voxel X runs the same way as pixdim-flip X.
	radio := newReadyNode(t, radiological(t), Hooks{})
	radio.Transform.Set(transform.ScaledVoxelFlipped)

	got, err := radio.RoundVoxelCoords(affine.Vec3{2.5, 3.0, 4.0}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	if got[0] != 2 {
		t.Errorf("Expected positive orientation to round 2.5 down to 2, got %f", got[0])
	}

	// Neurological storage: pixdim-flip reverses voxel X.
	neuro := newReadyNode(t, neurological(t), Hooks{})
	neuro.Transform.Set(transform.ScaledVoxelFlipped)

	got, err = neuro.RoundVoxelCoords(affine.Vec3{2.5, 3.0, 4.0}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	if got[0] != 3 {
		t.Errorf("Expected negative orientation to round 2.5 up to 3, got %f", got[0])
	}
	if got[1] != 3 || got[2] != 4 {
		t.Errorf("Expected integral coordinates to be unchanged, got %v", got)
	}
}

func TestRoundVoxelNoise(t *testing.T) {
	n := newReadyNode(t, radiological(t), Hooks{})
	n.Transform.Set(transform.ScaledVoxelFlipped)

	got, err := n.RoundVoxelCoords(affine.Vec3{2.4999999999, 2.5000000001, 0}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	if got[0] != 2 || got[1] != 2 {
		t.Errorf("Expected values within noise of 2.5 to be treated as ties, got %v", got)
	}
}

func TestRoundVoxelAnatomicalConsistency(t *testing.T) {
	neuro := newReadyNode(t, neurological(t), Hooks{})
	radio := newReadyNode(t, radiological(t), Hooks{})

	// A display (world) point on a voxel boundary along every axis.
	p := affine.Vec3{4.5, 3.5, 6.5}

	worldOf := func(n *Node) affine.Vec3 {
		t.Helper()
		vox, err := n.RoundVoxel(p, nil, false)
		if err != nil {
			t.Fatalf("RoundVoxel failed: %v", err)
		}
		w, err := n.TransformPoint(vox, transform.Voxel, transform.World)
		if err != nil {
			t.Fatalf("TransformPoint failed: %v", err)
		}
		return w
	}

	a, b := worldOf(neuro), worldOf(radio)
	if diff := cmp.Diff(a, b, approx); diff != "" {
		t.Errorf("oppositely stored images selected different anatomy (-neuro +radio):\n%s", diff)
	}

	voxN, _ := neuro.RoundVoxel(p, nil, false)
	voxR, _ := radio.RoundVoxel(p, nil, false)
	if voxN[0] != 4 || voxR[0] != 5 {
		t.Errorf("Expected X voxels 4 (neuro) and 5 (radio), got %f and %f", voxN[0], voxR[0])
	}
}

func TestRoundVoxelEdges(t *testing.T) {
	neuro := newReadyNode(t, neurological(t), Hooks{})
	neuro.Transform.Set(transform.ScaledVoxelFlipped)

	got, err := neuro.RoundVoxelCoords(affine.Vec3{9.5, -0.5, -0.7}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	want := affine.Vec3{9, 0, -1}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Noise just past the outer edge still selects the edge voxel.
	got, err = neuro.RoundVoxelCoords(affine.Vec3{9.5 + 1e-9, -0.5 - 1e-9, 4}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	want = affine.Vec3{9, 0, 4}
	if got != want {
		t.Errorf("Expected %v for a noisy edge, got %v", want, got)
	}

	radio := newReadyNode(t, radiological(t), Hooks{})
	radio.Transform.Set(transform.ScaledVoxelFlipped)
	got, err = radio.RoundVoxelCoords(affine.Vec3{-0.5 - 1e-9, 9.5 + 1e-9, 4}, nil, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	want = affine.Vec3{0, 9, 4}
	if got != want {
		t.Errorf("Expected %v for a noisy edge, got %v", want, got)
	}
}

func TestRoundVoxelAxes(t *testing.T) {
	n := newReadyNode(t, neurological(t), Hooks{})

	got, err := n.RoundVoxelCoords(affine.Vec3{1.4, 2.6, 3.3}, []int{2}, false)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{1.4, 2.6, 3}, got, approx); diff != "" {
		t.Errorf("single axis rounding (-want +got):\n%s", diff)
	}

	got, err = n.RoundVoxelCoords(affine.Vec3{1.4, 2.6, 3.3}, []int{2}, true)
	if err != nil {
		t.Fatalf("RoundVoxelCoords failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{1, 3, 3}, got, approx); diff != "" {
		t.Errorf("rounding other axes (-want +got):\n%s", diff)
	}

	if _, err := n.RoundVoxelCoords(affine.Vec3{}, []int{3}, false); err == nil {
		t.Errorf("Expected error for invalid axis")
	}
}

func TestVoxelIndex(t *testing.T) {
	n := newReadyNode(t, neurological(t), Hooks{})
	idx, inside, err := n.VoxelIndex(affine.Vec3{2.2, 9.4, 0})
	if err != nil {
		t.Fatalf("VoxelIndex failed: %v", err)
	}
	if idx != [3]int{2, 9, 0} || !inside {
		t.Errorf("Expected ([2 9 0], true), got (%v, %v)", idx, inside)
	}
	if _, inside, _ := n.VoxelIndex(affine.Vec3{12, 0, 0}); inside {
		t.Errorf("Expected point outside the image")
	}
}

func TestBounds(t *testing.T) {
	img := neurological(t)
	img.SetVoxToWorld(affine.ScaleOffset(affine.Vec3{2, 1, 1}, affine.Vec3{-10, 0, 0}))
	n := newReadyNode(t, img, Hooks{})

	want := models.Bounds{Lo: affine.Vec3{-11, -0.5, -0.5}, Hi: affine.Vec3{9, 9.5, 9.5}}
	if diff := cmp.Diff(want, n.Bounds.Get(), approx); diff != "" {
		t.Errorf("bounds (-want +got):\n%s", diff)
	}

	// A custom transform moves the overlay but not its bounds.
	n.CustomXform.Set(affine.ScaleOffset(affine.Vec3{1, 1, 1}, affine.Vec3{100, 0, 0}))
	if diff := cmp.Diff(want, n.Bounds.Get(), approx); diff != "" {
		t.Errorf("bounds after custom transform (-want +got):\n%s", diff)
	}
	w, err := n.VoxelToDisplay(affine.Vec3{0, 0, 0})
	if err != nil {
		t.Fatalf("VoxelToDisplay failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{90, 0, 0}, w, approx); diff != "" {
		t.Errorf("custom transform not applied (-want +got):\n%s", diff)
	}

	// Changing the transform choice rebuilds and republishes the bounds.
	n.Transform.Set(transform.Voxel)
	want = models.Bounds{Lo: affine.Vec3{-0.5, -0.5, -0.5}, Hi: affine.Vec3{9.5, 9.5, 9.5}}
	if diff := cmp.Diff(want, n.Bounds.Get(), approx); diff != "" {
		t.Errorf("voxel bounds (-want +got):\n%s", diff)
	}
}

func TestAffineChangeRefreshes(t *testing.T) {
	img := neurological(t)
	var errs []error
	n := newReadyNode(t, img, Hooks{Refreshed: func(_ *Node, err error) { errs = append(errs, err) }})

	img.SetVoxToWorld(affine.Scale(2, 2, 2))
	if len(errs) != 1 || errs[0] != nil {
		t.Fatalf("Expected one successful refresh, got %v", errs)
	}
	if got := n.Bounds.Get().Hi[0]; got != 19 {
		t.Errorf("Expected bounds to follow the new affine (hi x 19), got %f", got)
	}

	img.SetVoxToWorld(affine.Scale(2, 0, 2))
	var degenerate *transform.DegenerateTransformError
	if len(errs) != 2 || !errors.As(errs[1], &degenerate) {
		t.Fatalf("Expected a DegenerateTransformError, got %v", errs)
	}

	// The previous transforms are kept.
	m, err := n.GetTransform(transform.Voxel, transform.World)
	if err != nil {
		t.Fatalf("GetTransform failed: %v", err)
	}
	if diff := cmp.Diff(affine.Scale(2, 2, 2), m, approx); diff != "" {
		t.Errorf("transform after failed rebuild (-want +got):\n%s", diff)
	}
}

func TestSelectionHook(t *testing.T) {
	frame, err := transform.FrameOf(radiological(t).Geometry())
	if err != nil {
		t.Fatalf("FrameOf failed: %v", err)
	}
	n := newReadyNode(t, neurological(t), Hooks{
		Selection: func() transform.Selection { return transform.OverlaySelection(frame) },
		AutoSpace: func() transform.Space { return transform.Reference },
	})

	got, err := n.VoxelToDisplay(affine.Vec3{2, 0, 0})
	if err != nil {
		t.Fatalf("VoxelToDisplay failed: %v", err)
	}
	if diff := cmp.Diff(affine.Vec3{7, 0, 0}, got, approx); diff != "" {
		t.Errorf("voxel->reference (-want +got):\n%s", diff)
	}
}

func TestSync(t *testing.T) {
	img := neurological(t)
	parent := newReadyNode(t, img, Hooks{})
	child := newReadyNode(t, img, Hooks{})

	parent.Transform.Set(transform.ScaledVoxel)
	if err := child.BindTo(parent); err != nil {
		t.Fatalf("BindTo failed: %v", err)
	}
	if child.Transform.Get() != transform.ScaledVoxel {
		t.Errorf("Expected child to take the parent's transform, got %v", child.Transform.Get())
	}
	if child.ActiveSpace() != transform.ScaledVoxel {
		t.Errorf("Expected child to rebuild for the new transform, got %v", child.ActiveSpace())
	}

	custom := affine.ScaleOffset(affine.Vec3{1, 1, 1}, affine.Vec3{0, 5, 0})
	child.CustomXform.Set(custom)
	if parent.CustomXform.Get() != custom {
		t.Errorf("Expected custom transform to propagate to the parent")
	}

	if err := child.SetSync(SyncTransform, false); !errors.Is(err, property.ErrPermanentLink) {
		t.Errorf("Expected ErrPermanentLink for transform, got %v", err)
	}
	if err := child.SetSync(SyncCustomXform, false); !errors.Is(err, property.ErrPermanentLink) {
		t.Errorf("Expected ErrPermanentLink for custom transform, got %v", err)
	}

	if err := child.SetSync(SyncDisplayRange, false); err != nil {
		t.Fatalf("SetSync failed: %v", err)
	}
	if err := parent.SetDisplayRange(models.Range{Lo: 0, Hi: 50}); err != nil {
		t.Fatalf("SetDisplayRange failed: %v", err)
	}
	if child.Volume.DisplayRange.Get() == (models.Range{Lo: 0, Hi: 50}) {
		t.Errorf("Expected unlinked display range not to propagate")
	}
	if child.Synced(SyncDisplayRange) || !child.Synced(SyncColourMap) {
		t.Errorf("Expected only the display range to be unlinked")
	}

	if err := child.SetSync(SyncLookupTable, true); err == nil {
		t.Errorf("Expected error for a property the volume node does not have")
	}

	parent.Destroy()
	if child.Parent() != nil {
		t.Errorf("Expected child to be detached when the parent is destroyed")
	}
	child.Transform.Set(transform.World)
	if child.State() != Ready {
		t.Errorf("Expected child to remain usable, got %v", child.State())
	}
}

func TestBindToErrors(t *testing.T) {
	a := newReadyNode(t, neurological(t), Hooks{})
	b := newReadyNode(t, radiological(t), Hooks{})
	if err := a.BindTo(b); err == nil {
		t.Errorf("Expected error binding nodes of different overlays")
	}
	if err := a.BindTo(a); err == nil {
		t.Errorf("Expected error binding a node to itself")
	}
	if err := a.SetSync(SyncVolumeIndex, false); err == nil {
		t.Errorf("Expected error from SetSync without a parent")
	}
}

func TestVolumeSettings(t *testing.T) {
	img, err := overlay.NewImage("t1", overlay.KindVolume, []int{2, 2, 2, 2}, affine.Vec3{1, 1, 1}, affine.Identity())
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	if err := img.SetData(data); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	n := newReadyNode(t, img, Hooks{})

	if got := n.Volume.DisplayRange.Get(); got != (models.Range{Lo: 0, Hi: 15}) {
		t.Errorf("Expected display range [0, 15], got %v", got)
	}
	if got := n.Volume.ClippingRange.Get(); got.Hi <= 15 {
		t.Errorf("Expected clipping range to extend past the data maximum, got %v", got)
	}

	if err := n.SetColourMap("hot"); err != nil {
		t.Errorf("SetColourMap failed: %v", err)
	}
	if err := n.SetColourMap("no-such-map"); !errors.Is(err, colourmap.ErrUnknown) {
		t.Errorf("Expected ErrUnknown, got %v", err)
	}
	if err := n.SetDisplayRange(models.Range{Lo: 5, Hi: 1}); err == nil {
		t.Errorf("Expected error for inverted range")
	}
	if err := n.SetLookupTable("random"); err == nil {
		t.Errorf("Expected error setting a lookup table on a volume")
	}

	if err := n.SetVolume(1); err != nil {
		t.Fatalf("SetVolume failed: %v", err)
	}
	if err := n.SetVolume(2); err == nil {
		t.Errorf("Expected error for volume out of range")
	}
	if err := n.SetDisplayRangePercentile(0, 100); err != nil {
		t.Fatalf("SetDisplayRangePercentile failed: %v", err)
	}
	if got := n.Volume.DisplayRange.Get(); got != (models.Range{Lo: 8, Hi: 15}) {
		t.Errorf("Expected second volume range [8, 15], got %v", got)
	}
	if err := n.SetDisplayRangePercentile(60, 40); err == nil {
		t.Errorf("Expected error for inverted percentiles")
	}
}

func TestLabelSettings(t *testing.T) {
	img, err := overlay.NewImage("atlas", overlay.KindLabel, []int{4, 4, 4}, affine.Vec3{1, 1, 1}, affine.Identity())
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	n := newReadyNode(t, img, Hooks{})
	if n.Volume != nil || n.Label == nil {
		t.Fatalf("Expected label settings only")
	}
	if err := n.SetLookupTable("harvard-oxford-cortical"); err != nil {
		t.Errorf("SetLookupTable failed: %v", err)
	}
	if err := n.SetColourMap("hot"); err == nil {
		t.Errorf("Expected error setting a colour map on a label image")
	}
}

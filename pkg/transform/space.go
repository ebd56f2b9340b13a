package transform

import "fmt"

// Space identifies one of the coordinate systems an overlay can be
// displayed in.
type Space int

const (
	// Voxel is the integer-indexable grid of the image array.
	Voxel Space = iota
	// ScaledVoxel is voxel space scaled by the voxel dimensions.
	ScaledVoxel
	// ScaledVoxelFlipped is ScaledVoxel with the X axis flipped for images
	// stored in neurological orientation.
	ScaledVoxelFlipped
	// World is the space defined by the image's voxel-to-world affine.
	World
	// Reference is the ScaledVoxelFlipped space of the reference overlay.
	Reference
	// Texture is normalised [0, 1] sampling space.
	Texture

	// Display is an alias for whichever space is active on a node. It is
	// not a space of its own and cannot be looked up in a TransformSet.
	Display
)

// NumSpaces is the number of concrete spaces held in a TransformSet.
const NumSpaces = int(Texture) + 1

var spaceNames = [...]string{
	Voxel:              "voxel",
	ScaledVoxel:        "pixdim",
	ScaledVoxelFlipped: "pixdim-flip",
	World:              "world",
	Reference:          "reference",
	Texture:            "texture",
	Display:            "display",
}

func (s Space) String() string {
	if s < 0 || int(s) >= len(spaceNames) {
		return fmt.Sprintf("Space(%d)", int(s))
	}
	return spaceNames[s]
}

// Concrete reports whether s names one of the six stored spaces.
func (s Space) Concrete() bool {
	return s >= Voxel && s <= Texture
}

// Valid reports whether s is a concrete space or the Display alias.
func (s Space) Valid() bool {
	return s.Concrete() || s == Display
}

var spaceTokens = map[string]Space{
	"id":          Voxel,
	"voxel":       Voxel,
	"pixdim":      ScaledVoxel,
	"pixdim-flip": ScaledVoxelFlipped,
	"pixflip":     ScaledVoxelFlipped,
	"affine":      World,
	"world":       World,
	"reference":   Reference,
	"ref":         Reference,
	"texture":     Texture,
	"display":     Display,
}

// ParseSpace converts a space token to a Space.
func ParseSpace(token string) (Space, error) {
	s, ok := spaceTokens[token]
	if !ok {
		return 0, &InvalidSpaceError{Token: token}
	}
	return s, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Space) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, &InvalidSpaceError{Token: s.String()}
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Space) UnmarshalText(text []byte) error {
	parsed, err := ParseSpace(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

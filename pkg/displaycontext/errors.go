package displaycontext

import (
	"errors"
	"fmt"
)

// ErrDestroyed is returned by every operation on a destroyed context.
var ErrDestroyed = errors.New("display context has been destroyed")

// OverlayNotFoundError is returned when an operation names an overlay which
// is not in the context's overlay list.
type OverlayNotFoundError struct {
	Overlay string
}

func (e *OverlayNotFoundError) Error() string {
	return fmt.Sprintf("overlay %s is not in the overlay list", e.Overlay)
}

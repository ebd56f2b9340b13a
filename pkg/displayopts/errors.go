package displayopts

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when a conversion is requested before the node's
// transforms have been built.
var ErrNotReady = errors.New("display options not initialised")

// UseAfterDestroyError is returned by every operation on a destroyed node.
type UseAfterDestroyError struct {
	Overlay string
	Op      string
}

func (e *UseAfterDestroyError) Error() string {
	return fmt.Sprintf("%s: display options for %s used after destroy", e.Op, e.Overlay)
}

package overlay

import (
	"errors"
	"fmt"
)

// ErrNotInList is returned when an image is not a member of a List.
var ErrNotInList = errors.New("overlay not in list")

// ChangeKind identifies a list mutation.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

// Change describes one list mutation. Index is the position the image was
// added at or removed from.
type Change struct {
	Kind  ChangeKind
	Image *Image
	Index int
}

// ChangeListener is called after the list changes.
type ChangeListener func(Change)

// List is the ordered collection of overlays shared by every display
// context. It holds a reference to each member image.
type List struct {
	images    []*Image
	listeners map[int]ChangeListener
	order     []int
	nextID    int
}

// NewList returns an empty list.
func NewList() *List {
	return &List{listeners: make(map[int]ChangeListener)}
}

// Len returns the number of overlays.
func (l *List) Len() int { return len(l.images) }

// At returns the overlay at index i.
func (l *List) At(i int) *Image { return l.images[i] }

// Images returns a copy of the overlays in list order.
func (l *List) Images() []*Image {
	out := make([]*Image, len(l.images))
	copy(out, l.images)
	return out
}

// Index returns the position of img, or -1.
func (l *List) Index(img *Image) int {
	for i, o := range l.images {
		if o == img {
			return i
		}
	}
	return -1
}

// Contains reports whether img is in the list.
func (l *List) Contains(img *Image) bool {
	return l.Index(img) >= 0
}

// Append adds img to the end of the list.
func (l *List) Append(img *Image) error {
	if img == nil {
		return errors.New("cannot append nil overlay")
	}
	if l.Contains(img) {
		return fmt.Errorf("overlay %s is already in the list", img.Name())
	}
	img.Retain()
	l.images = append(l.images, img)
	l.emit(Change{Kind: Added, Image: img, Index: len(l.images) - 1})
	return nil
}

// Remove removes img from the list.
func (l *List) Remove(img *Image) error {
	i := l.Index(img)
	if i < 0 {
		return fmt.Errorf("%s: %w", img.Name(), ErrNotInList)
	}
	l.images = append(l.images[:i], l.images[i+1:]...)
	l.emit(Change{Kind: Removed, Image: img, Index: i})
	img.Release()
	return nil
}

// Listen registers fn; listeners run in registration order.
func (l *List) Listen(fn ChangeListener) int {
	l.nextID++
	l.listeners[l.nextID] = fn
	l.order = append(l.order, l.nextID)
	return l.nextID
}

// Unlisten removes a listener.
func (l *List) Unlisten(id int) {
	delete(l.listeners, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *List) emit(c Change) {
	ids := make([]int, len(l.order))
	copy(ids, l.order)
	for _, id := range ids {
		if fn, ok := l.listeners[id]; ok {
			fn(c)
		}
	}
}

package property

import (
	"errors"
	"fmt"
)

// ErrPermanentLink is returned when unbinding a link which must stay bound.
var ErrPermanentLink = errors.New("property: link cannot be unbound")

// Link keeps a child value equal to its parent. Writes to either side are
// propagated to the other while the link is bound.
type Link[T any] struct {
	parent    *Value[T]
	child     *Value[T]
	pid       ListenerID
	cid       ListenerID
	bound     bool
	permanent bool
}

// Bind links child to parent. The child takes the parent's value
// immediately.
func Bind[T any](parent, child *Value[T]) *Link[T] {
	l := &Link[T]{parent: parent, child: child}
	l.Rebind()
	return l
}

// BindPermanent links child to parent with a link that refuses Unbind.
func BindPermanent[T any](parent, child *Value[T]) *Link[T] {
	l := Bind(parent, child)
	l.permanent = true
	return l
}

// Rebind re-establishes an unbound link; the child takes the parent's value.
func (l *Link[T]) Rebind() {
	if l.bound {
		return
	}
	l.child.Set(l.parent.Get())
	l.pid = l.parent.Listen(func(_, v T) { l.child.Set(v) })
	l.cid = l.child.Listen(func(_, v T) { l.parent.Set(v) })
	l.bound = true
}

// Unbind stops propagation. The two values keep their current contents.
func (l *Link[T]) Unbind() error {
	if l.permanent {
		return fmt.Errorf("%s: %w", l.child.Name(), ErrPermanentLink)
	}
	l.Close()
	return nil
}

// Close unbinds the link regardless of whether it is permanent. It is used
// when one side is being destroyed.
func (l *Link[T]) Close() {
	if !l.bound {
		return
	}
	l.parent.Unlisten(l.pid)
	l.child.Unlisten(l.cid)
	l.bound = false
}

// Bound reports whether the link is currently propagating.
func (l *Link[T]) Bound() bool {
	return l.bound
}

// Permanent reports whether the link refuses Unbind.
func (l *Link[T]) Permanent() bool {
	return l.permanent
}

// Syncer is the type-independent view of a Link.
type Syncer interface {
	Rebind()
	Unbind() error
	Close()
	Bound() bool
	Permanent() bool
}

// SyncGroup is a set of links keyed by a typed property identifier, so that
// synchronisation can be toggled per property.
type SyncGroup[K comparable] struct {
	links map[K]Syncer
	order []K
}

// NewSyncGroup returns an empty group.
func NewSyncGroup[K comparable]() *SyncGroup[K] {
	return &SyncGroup[K]{links: make(map[K]Syncer)}
}

// Add registers a link under key, replacing (and closing) any previous one.
func (g *SyncGroup[K]) Add(key K, s Syncer) {
	if old, ok := g.links[key]; ok {
		old.Close()
	} else {
		g.order = append(g.order, key)
	}
	g.links[key] = s
}

// Has reports whether a link is registered under key.
func (g *SyncGroup[K]) Has(key K) bool {
	_, ok := g.links[key]
	return ok
}

// Linked reports whether the link under key exists and is bound.
func (g *SyncGroup[K]) Linked(key K) bool {
	s, ok := g.links[key]
	return ok && s.Bound()
}

// SetLinked binds or unbinds the link under key.
func (g *SyncGroup[K]) SetLinked(key K, on bool) error {
	s, ok := g.links[key]
	if !ok {
		return fmt.Errorf("no synchronised property %v", key)
	}
	if on {
		s.Rebind()
		return nil
	}
	return s.Unbind()
}

// Keys returns the registered keys in registration order.
func (g *SyncGroup[K]) Keys() []K {
	keys := make([]K, len(g.order))
	copy(keys, g.order)
	return keys
}

// Close closes every link in the group and empties it.
func (g *SyncGroup[K]) Close() {
	for _, key := range g.order {
		g.links[key].Close()
	}
	g.links = make(map[K]Syncer)
	g.order = nil
}

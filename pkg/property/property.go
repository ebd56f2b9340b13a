// Package property provides typed observable values with synchronous,
// ordered change notification, and links which keep two values in step.
//
// Listeners run on the goroutine that calls Set, in the order in which they
// were registered. Values are not safe for concurrent use; they are owned by
// the controlling goroutine.
package property

// Listener is called after a value changes.
type Listener[T any] func(old, new T)

// ListenerID identifies a registered listener so that it can be removed.
type ListenerID int

type entry[T any] struct {
	id ListenerID
	fn Listener[T]
}

// Value is an observable value of type T.
type Value[T any] struct {
	name      string
	v         T
	eq        func(a, b T) bool
	listeners []entry[T]
	nextID    ListenerID

	frozen     int
	frozenFrom T
}

// New returns a Value for a comparable type.
func New[T comparable](name string, initial T) *Value[T] {
	return NewWithEqual(name, initial, func(a, b T) bool { return a == b })
}

// NewWithEqual returns a Value which uses eq to detect changes.
func NewWithEqual[T any](name string, initial T, eq func(a, b T) bool) *Value[T] {
	return &Value[T]{name: name, v: initial, eq: eq}
}

// Name returns the name the value was created with.
func (p *Value[T]) Name() string {
	return p.name
}

// Get returns the current value.
func (p *Value[T]) Get() T {
	return p.v
}

// Set stores v and notifies listeners if it differs from the current value.
// It reports whether the value changed.
func (p *Value[T]) Set(v T) bool {
	if p.eq(p.v, v) {
		return false
	}
	old := p.v
	p.v = v
	if p.frozen > 0 {
		return true
	}
	p.notify(old, v)
	return true
}

func (p *Value[T]) notify(old, v T) {
	// Listeners may register or remove listeners while running; iterate a
	// snapshot.
	snapshot := make([]entry[T], len(p.listeners))
	copy(snapshot, p.listeners)
	for _, e := range snapshot {
		if !p.registered(e.id) {
			continue
		}
		e.fn(old, v)
	}
}

func (p *Value[T]) registered(id ListenerID) bool {
	for _, e := range p.listeners {
		if e.id == id {
			return true
		}
	}
	return false
}

// Listen registers fn and returns an ID for Unlisten.
func (p *Value[T]) Listen(fn Listener[T]) ListenerID {
	p.nextID++
	p.listeners = append(p.listeners, entry[T]{id: p.nextID, fn: fn})
	return p.nextID
}

// Unlisten removes a listener. Unknown IDs are ignored.
func (p *Value[T]) Unlisten(id ListenerID) {
	for i, e := range p.listeners {
		if e.id == id {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// NumListeners returns the number of registered listeners.
func (p *Value[T]) NumListeners() int {
	return len(p.listeners)
}

// Freeze suppresses notifications until the matching Thaw. Freezes nest.
func (p *Value[T]) Freeze() {
	if p.frozen == 0 {
		p.frozenFrom = p.v
	}
	p.frozen++
}

// Thaw ends a Freeze. When the outermost freeze ends and the value differs
// from what it was when frozen, listeners are notified once.
func (p *Value[T]) Thaw() {
	if p.frozen == 0 {
		return
	}
	p.frozen--
	if p.frozen > 0 {
		return
	}
	if !p.eq(p.frozenFrom, p.v) {
		p.notify(p.frozenFrom, p.v)
	}
}

// Frozen reports whether notifications are currently suppressed.
func (p *Value[T]) Frozen() bool {
	return p.frozen > 0
}

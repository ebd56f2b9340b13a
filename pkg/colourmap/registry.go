// Package colourmap provides the registry of colour maps and lookup tables
// that display options refer to by key. A Registry is created explicitly and
// passed to whatever needs it; there is no package-level state.
package colourmap

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknown is returned when a key is not registered.
var ErrUnknown = errors.New("unknown colour map")

// Type distinguishes continuous colour maps from label lookup tables.
type Type int

const (
	ColourMap Type = iota
	LookupTable
)

func (t Type) String() string {
	if t == LookupTable {
		return "lookup table"
	}
	return "colour map"
}

// Entry describes one registered map.
type Entry struct {
	Key     string
	Name    string
	Type    Type
	BuiltIn bool
}

// Definition is a user supplied entry, usually from configuration.
type Definition struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Defaults used when display options are created.
const (
	DefaultColourMap   = "greyscale"
	DefaultLookupTable = "random"
)

var builtinColourMaps = []Definition{
	{Key: "greyscale", Name: "Greyscale"},
	{Key: "red-yellow", Name: "Red-Yellow"},
	{Key: "blue-lightblue", Name: "Blue-Light blue"},
	{Key: "hot", Name: "Hot"},
	{Key: "cool", Name: "Cool"},
	{Key: "red", Name: "Red"},
	{Key: "green", Name: "Green"},
	{Key: "blue", Name: "Blue"},
}

var builtinLookupTables = []Definition{
	{Key: "random", Name: "Random"},
	{Key: "harvard-oxford-cortical", Name: "Harvard-Oxford cortical"},
	{Key: "harvard-oxford-subcortical", Name: "Harvard-Oxford subcortical"},
	{Key: "mgh-cma-freesurfer", Name: "FreeSurfer colour LUT"},
}

// Registry maps keys to colour maps and lookup tables.
type Registry struct {
	entries map[Type]map[string]Entry
}

// NewRegistry returns an empty registry. Call Init to add the built-in maps.
func NewRegistry() *Registry {
	return &Registry{entries: map[Type]map[string]Entry{
		ColourMap:   {},
		LookupTable: {},
	}}
}

// Init registers the built-in colour maps and lookup tables.
func (r *Registry) Init() {
	for _, d := range builtinColourMaps {
		r.entries[ColourMap][d.Key] = Entry{Key: d.Key, Name: d.Name, Type: ColourMap, BuiltIn: true}
	}
	for _, d := range builtinLookupTables {
		r.entries[LookupTable][d.Key] = Entry{Key: d.Key, Name: d.Name, Type: LookupTable, BuiltIn: true}
	}
}

// Load registers user definitions. Built-in entries cannot be replaced.
func (r *Registry) Load(t Type, defs []Definition) error {
	for _, d := range defs {
		if d.Key == "" {
			return fmt.Errorf("%s definition with empty key", t)
		}
		if old, ok := r.entries[t][d.Key]; ok && old.BuiltIn {
			return fmt.Errorf("%s %q: cannot replace built-in", t, d.Key)
		}
		name := d.Name
		if name == "" {
			name = d.Key
		}
		r.entries[t][d.Key] = Entry{Key: d.Key, Name: name, Type: t}
	}
	return nil
}

// Lookup returns the entry registered under key.
func (r *Registry) Lookup(t Type, key string) (Entry, error) {
	e, ok := r.entries[t][key]
	if !ok {
		return Entry{}, fmt.Errorf("%s %q: %w", t, key, ErrUnknown)
	}
	return e, nil
}

// Keys returns the sorted keys of every entry of type t.
func (r *Registry) Keys(t Type) []string {
	keys := make([]string, 0, len(r.entries[t]))
	for k := range r.entries[t] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package extractors

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry defines the lookup table that links
// a format identifier to the Extractors able to
// handle it.
//
// A Registry is populated before a scan starts
// and is only read afterwards, it is safe for
// concurrent use.
type Registry struct {
	lock     sync.RWMutex
	byName   map[string]*Extractor
	byFormat map[string][]*Extractor
	order    []*Extractor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Extractor),
		byFormat: make(map[string][]*Extractor),
	}
}

// Register adds the supplied Extractor to the
// Registry.
//
// If the Extractor has no Utility or format, or
// its name has already been registered, this
// function will panic.
func (registry *Registry) Register(ex Extractor) *Extractor {
	switch {
	case ex.Utility == nil:
		panic(fmt.Sprintf("extractor '%s' has no utility", ex.Name))

	case len(ex.Format) == 0:
		panic(fmt.Sprintf("extractor '%s' has no format", ex.Name))

	case len(ex.Name) == 0:
		ex.Name = ex.Format
	}

	registry.lock.Lock()
	defer registry.lock.Unlock()

	if meta := registry.byName[ex.Name]; meta != nil {
		panic(fmt.Sprintf("extractor name '%s' already registered for format '%s'", ex.Name, meta.Format))
	}

	registered := &ex
	registry.byName[ex.Name] = registered
	registry.order = append(registry.order, registered)

	// Stable sort keeps registration order
	// between extractors of equal priority.
	byFormat := append(registry.byFormat[ex.Format], registered)
	slices.SortStableFunc(byFormat, func(a, b *Extractor) int {
		return b.Priority - a.Priority
	})
	registry.byFormat[ex.Format] = byFormat

	return registered
}

// Lookup returns the Extractors registered for
// the supplied format, ordered from the highest
// priority to the lowest.
func (registry *Registry) Lookup(format string) []*Extractor {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	return slices.Clone(registry.byFormat[format])
}

// Get returns the Extractor registered with
// the supplied name.
func (registry *Registry) Get(name string) (*Extractor, bool) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	ex, ok := registry.byName[name]
	return ex, ok
}

// Formats returns the sorted set of formats
// that have at least one Extractor registered.
func (registry *Registry) Formats() []string {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	formats := make([]string, 0, len(registry.byFormat))
	for format := range registry.byFormat {
		formats = append(formats, format)
	}

	slices.Sort(formats)
	return formats
}

// All returns every registered Extractor in
// registration order.
func (registry *Registry) All() []*Extractor {
	registry.lock.RLock()
	defer registry.lock.RUnlock()

	return slices.Clone(registry.order)
}

// Filter returns a new Registry holding only
// the Extractors for which keep returns true.
func (registry *Registry) Filter(keep func(ex *Extractor) bool) *Registry {
	filtered := NewRegistry()

	for _, ex := range registry.All() {
		if keep(ex) {
			filtered.Register(*ex)
		}
	}

	return filtered
}

// Validate checks that the command of every
// External Extractor can be located with the
// supplied lookup function, the returned error
// joins one error per unavailable tool.
func (registry *Registry) Validate(lookPath func(string) (string, error)) error {
	var errs []error

	for _, ex := range registry.All() {
		external, ok := ex.Utility.(External)
		if !ok {
			continue
		}

		if _, err := external.Locate(lookPath); err != nil {
			errs = append(errs, fmt.Errorf("extractor '%s': %w", ex.Name, err))
		}
	}

	return errors.Join(errs...)
}

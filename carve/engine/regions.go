package engine

import (
	"slices"
	"sync"
)

// Region is a half open byte range [Start, End)
// of a blob.
type Region struct {
	Start int
	End   int
}

// RegionMap tracks the regions of a blob that
// have been claimed by an extracted object.
//
// Claimed regions never intersect, the map is
// safe for concurrent use.
type RegionMap struct {
	lock    sync.Mutex
	regions []Region
}

// Claim reserves [start, end) and reports if the
// range was free, a range with end <= start is
// treated as a single byte at start.
func (m *RegionMap) Claim(start, end int) bool {
	if end <= start {
		end = start + 1
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	i, _ := slices.BinarySearchFunc(m.regions, start, func(r Region, start int) int {
		return r.Start - start
	})

	if i > 0 && m.regions[i-1].End > start {
		return false
	} else if i < len(m.regions) && m.regions[i].Start < end {
		return false
	}

	m.regions = slices.Insert(m.regions, i, Region{Start: start, End: end})
	return true
}

// Contains reports if offset lies within a
// claimed region.
func (m *RegionMap) Contains(offset int) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	i, found := slices.BinarySearchFunc(m.regions, offset, func(r Region, offset int) int {
		return r.Start - offset
	})

	if found {
		return true
	}

	return i > 0 && m.regions[i-1].End > offset
}

// Regions returns the claimed regions ordered
// by their start.
func (m *RegionMap) Regions() []Region {
	m.lock.Lock()
	defer m.lock.Unlock()

	return slices.Clone(m.regions)
}

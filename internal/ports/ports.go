// Package ports allocates host-side base ports for frames from a fixed
// inclusive range. The store is the source of truth for the used set.
package ports

import (
	"errors"
	"fmt"
)

// Default allocation range. Derived ports sit at base+DerivedOffset, which
// places them above End so they can never collide with an allocated base.
const (
	DefaultStart  = 33000
	DefaultEnd    = 34000
	DerivedOffset = 2000
)

var ErrRangeFull = errors.New("no free port in range")

// UsedFunc reports the currently allocated base ports.
type UsedFunc func() ([]int, error)

type Allocator struct {
	Start int
	End   int
	Used  UsedFunc
}

// NewAllocator returns an allocator over the default range.
func NewAllocator(used UsedFunc) *Allocator {
	return &Allocator{Start: DefaultStart, End: DefaultEnd, Used: used}
}

// Allocate returns the lowest free port in [Start, End], or ErrRangeFull.
func (a *Allocator) Allocate() (int, error) {
	used, err := a.usedSet()
	if err != nil {
		return 0, err
	}
	for p := a.Start; p <= a.End; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrRangeFull, a.Start, a.End)
}

// IsAvailable reports whether p is inside the range and unallocated.
func (a *Allocator) IsAvailable(p int) (bool, error) {
	if p < a.Start || p > a.End {
		return false, nil
	}
	used, err := a.usedSet()
	if err != nil {
		return false, err
	}
	return !used[p], nil
}

// AvailableCount returns End − Start + 1 − |used ∩ range|.
func (a *Allocator) AvailableCount() (int, error) {
	used, err := a.usedSet()
	if err != nil {
		return 0, err
	}
	n := a.End - a.Start + 1
	for p := range used {
		if p >= a.Start && p <= a.End {
			n--
		}
	}
	return n, nil
}

// Derived returns the secondary service port for a base port.
func Derived(base int) int {
	return base + DerivedOffset
}

func (a *Allocator) usedSet() (map[int]bool, error) {
	ports, err := a.Used()
	if err != nil {
		return nil, fmt.Errorf("load used ports: %w", err)
	}
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return set, nil
}

package ports

import (
	"errors"
	"testing"
)

func staticUsed(ports ...int) UsedFunc {
	return func() ([]int, error) { return ports, nil }
}

func TestAllocateLowestFree(t *testing.T) {
	a := NewAllocator(staticUsed())
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if p != 33000 {
		t.Errorf("Allocate = %d, want 33000", p)
	}
}

func TestAllocateGapFill(t *testing.T) {
	a := NewAllocator(staticUsed(33000, 33002))
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if p != 33001 {
		t.Errorf("Allocate = %d, want 33001", p)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := &Allocator{Start: 100, End: 102, Used: staticUsed(100, 101, 102)}
	if _, err := a.Allocate(); !errors.Is(err, ErrRangeFull) {
		t.Errorf("err = %v, want ErrRangeFull", err)
	}

	// One short of full still succeeds.
	a.Used = staticUsed(100, 102)
	p, err := a.Allocate()
	if err != nil || p != 101 {
		t.Errorf("Allocate = %d, %v", p, err)
	}
}

func TestIsAvailable(t *testing.T) {
	a := NewAllocator(staticUsed(33000))
	if ok, _ := a.IsAvailable(32999); ok {
		t.Error("below range reported available")
	}
	if ok, _ := a.IsAvailable(34001); ok {
		t.Error("above range reported available")
	}
	if ok, _ := a.IsAvailable(33000); ok {
		t.Error("used port reported available")
	}
	if ok, _ := a.IsAvailable(33001); !ok {
		t.Error("free port reported unavailable")
	}
}

func TestAvailableCount(t *testing.T) {
	a := &Allocator{Start: 100, End: 104, Used: staticUsed(101, 103, 9999)}
	n, err := a.AvailableCount()
	if err != nil {
		t.Fatal(err)
	}
	// Out-of-range entries don't count against the range.
	if n != 3 {
		t.Errorf("AvailableCount = %d, want 3", n)
	}
}

func TestDerivedAboveRange(t *testing.T) {
	for _, base := range []int{DefaultStart, DefaultEnd} {
		if d := Derived(base); d <= DefaultEnd {
			t.Errorf("Derived(%d) = %d overlaps allocator range", base, d)
		}
	}
	if Derived(33000) != 35000 {
		t.Errorf("Derived(33000) = %d, want 35000", Derived(33000))
	}
}

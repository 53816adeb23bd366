package helpers

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator returns a CheckedAllocator that fails the test at cleanup if
// any Arrow memory is still allocated.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { AssertNoLeaks(t, alloc) })
	return alloc
}

// AssertNoLeaks verifies that all Arrow memory has been released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if n := alloc.CurrentAlloc(); n > 0 {
		t.Errorf("Arrow memory leak detected: %d bytes still allocated", n)
	}
}

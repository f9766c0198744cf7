// Package mm defines the memory geometry shared by the physical and virtual
// memory managers together with the frame allocator contract that connects
// them.
package mm

import "github.com/pgrAm/JSD-OS-sub000/kernel"

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of 32-bit entries in a page directory
	// or page table.
	EntriesPerTable = uintptr(1024)

	// TableSpan is the amount of virtual memory covered by a single page
	// table (i.e. by one page directory entry).
	TableSpan = EntriesPerTable * PageSize
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uintptr {
	pageSizeMinus1 := Size(PageSize - 1)
	return uintptr((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = ^Frame(0)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageAlignDown rounds addr down to the start of the page that contains it.
func PageAlignDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// FrameAllocator is implemented by physical memory allocators that can hand
// out and reclaim individual page frames.
type FrameAllocator interface {
	// AllocFrame reserves a single page frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained via AllocFrame to the allocator.
	FreeFrame(Frame)
}

package pmm

import (
	"bytes"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/sync"
)

const (
	// MaxExtents is the capacity of the free extent table.
	MaxExtents = 128

	// defaultDMALimit is the upper bound (exclusive) for AllocateDMA when
	// the boot command line does not override it. It matches the reach of
	// the legacy ISA DMA controller.
	defaultDMALimit = uintptr(16 * mm.Mb)
)

var (
	errOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInvalidAlignment = &kernel.Error{Module: "pmm", Message: "alignment must be a power of two"}
	errInvalidSize      = &kernel.Error{Module: "pmm", Message: "allocation size must be greater than zero"}
	errExtentTableFull  = &kernel.Error{Module: "pmm", Message: "free extent table exhausted"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// extent describes the free physical range [base, base+length).
type extent struct {
	base, length uintptr
}

func (e extent) end() uintptr { return e.base + e.length }

// ExtentAllocator is a physical memory allocator that tracks free memory as
// a table of extents sorted by base address. Adjacent extents are always
// coalesced and zero-length extents are never stored.
//
// The zero value is an allocator without any free memory; usable memory is
// registered with AddRegion.
type ExtentAllocator struct {
	mu sync.Spinlock

	extents [MaxExtents]extent
	count   int

	dmaLimit uintptr
}

// Allocate reserves size bytes of physical memory whose start address is a
// multiple of align. An align value of 0 or 1 requests no particular
// alignment. The first (lowest) free extent that can hold the request is
// used.
func (alloc *ExtentAllocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	return alloc.AllocateInRange(0, ^uintptr(0), size, align)
}

// AllocateInRange behaves like Allocate but only considers physical
// addresses within [start, end).
func (alloc *ExtentAllocator) AllocateInRange(start, end, size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	if align <= 1 {
		align = 1
	} else if align&(align-1) != 0 {
		return 0, errInvalidAlignment
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	for index := 0; index < alloc.count; index++ {
		ext := alloc.extents[index]
		if ext.base >= end {
			break
		}

		candidate := ext.base
		if candidate < start {
			candidate = start
		}

		candidate = (candidate + align - 1) &^ (align - 1)
		if candidate < ext.base {
			// alignment overflowed the address space
			break
		}

		candidateEnd := candidate + size
		if candidateEnd < candidate || candidateEnd > ext.end() || candidateEnd > end {
			continue
		}

		alloc.carve(index, candidate, size)
		return candidate, nil
	}

	kfmt.Printf("[pmm] unable to allocate %d bytes (align: %d, range: 0x%x - 0x%x)\n", size, align, start, end)
	return 0, errOutOfMemory
}

// AllocateDMA allocates memory that is reachable by DMA-capable devices.
func (alloc *ExtentAllocator) AllocateDMA(size, align uintptr) (uintptr, *kernel.Error) {
	return alloc.AllocateInRange(0, alloc.DMALimit(), size, align)
}

// DMALimit returns the (exclusive) upper bound of the memory handed out by
// AllocateDMA.
func (alloc *ExtentAllocator) DMALimit() uintptr {
	if alloc.dmaLimit == 0 {
		return defaultDMALimit
	}
	return alloc.dmaLimit
}

// SetDMALimit overrides the upper bound used by AllocateDMA.
func (alloc *ExtentAllocator) SetDMALimit(limit uintptr) {
	alloc.dmaLimit = limit
}

// Reserve removes the range [addr, addr+size) from the free memory pool. The
// range may partially overlap or span any number of free extents; portions
// that are not free are ignored.
func (alloc *ExtentAllocator) Reserve(addr, size uintptr) {
	if size == 0 {
		return
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	end := addr + size
	for index := 0; index < alloc.count; {
		ext := alloc.extents[index]
		if ext.end() <= addr {
			index++
			continue
		}

		if ext.base >= end {
			break
		}

		lo, hi := ext.base, ext.end()
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}

		if !alloc.carve(index, lo, hi-lo) {
			index++
		}
	}
}

// Free returns the range [addr, addr+size) to the free memory pool, merging
// it with the free extents that immediately precede and/or follow it. Freeing
// memory that is already free corrupts the allocator state.
func (alloc *ExtentAllocator) Free(addr, size uintptr) {
	if size == 0 {
		return
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	// Locate the first extent that starts after addr.
	next := 0
	for next < alloc.count && alloc.extents[next].base <= addr {
		next++
	}
	prev := next - 1

	mergePrev := prev >= 0 && alloc.extents[prev].end() == addr
	mergeNext := next < alloc.count && addr+size == alloc.extents[next].base

	switch {
	case mergePrev && mergeNext:
		alloc.extents[prev].length += size + alloc.extents[next].length
		alloc.remove(next)
	case mergePrev:
		alloc.extents[prev].length += size
	case mergeNext:
		alloc.extents[next].base = addr
		alloc.extents[next].length += size
	default:
		alloc.insert(next, extent{base: addr, length: size})
	}
}

// AddRegion registers the range [base, base+size) as usable memory.
func (alloc *ExtentAllocator) AddRegion(base, size uintptr) {
	alloc.Free(base, size)
}

// AllocFrame allocates a single page frame.
func (alloc *ExtentAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.Allocate(mm.PageSize, mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// FreeFrame releases a frame previously obtained via AllocFrame.
func (alloc *ExtentAllocator) FreeFrame(frame mm.Frame) {
	alloc.Free(frame.Address(), mm.PageSize)
}

// BytesFree returns the total amount of free physical memory.
func (alloc *ExtentAllocator) BytesFree() uintptr {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	var total uintptr
	for index := 0; index < alloc.count; index++ {
		total += alloc.extents[index].length
	}
	return total
}

// ExtentCount returns the number of free extents.
func (alloc *ExtentAllocator) ExtentCount() int {
	alloc.mu.Acquire()
	defer alloc.mu.Release()
	return alloc.count
}

// Visit invokes visitor for each free extent in ascending address order
// until the visitor returns false. The visitor operates on a snapshot of the
// extent table and may call back into the allocator.
func (alloc *ExtentAllocator) Visit(visitor func(base, length uintptr) bool) {
	alloc.mu.Acquire()
	snapshot := append([]extent(nil), alloc.extents[:alloc.count]...)
	alloc.mu.Release()

	for _, ext := range snapshot {
		if !visitor(ext.base, ext.length) {
			return
		}
	}
}

// PrintFreeMap outputs the list of free extents.
func (alloc *ExtentAllocator) PrintFreeMap() {
	var (
		buf   bytes.Buffer
		total uintptr
		count int
		w     = &kfmt.PrefixWriter{Sink: &buf, Prefix: []byte("[pmm] ")}
	)

	kfmt.Fprintf(w, "free memory map:\n")
	alloc.Visit(func(base, length uintptr) bool {
		kfmt.Fprintf(w, "  [0x%08x - 0x%08x], size: %10d\n", base, base+length, length)
		total += length
		count++
		return true
	})
	kfmt.Fprintf(w, "free memory: %dKb in %d extent(s)\n", uint64(mm.Size(total)/mm.Kb), count)

	kfmt.Printf("%s", buf.String())
}

// carve removes [addr, addr+size) from the extent at index, which must fully
// contain it. It returns true if the extent was removed from the table.
func (alloc *ExtentAllocator) carve(index int, addr, size uintptr) bool {
	ext := alloc.extents[index]
	head := addr - ext.base
	tail := ext.end() - (addr + size)

	switch {
	case head == 0 && tail == 0:
		alloc.remove(index)
		return true
	case head == 0:
		alloc.extents[index].base += size
		alloc.extents[index].length -= size
	case tail == 0:
		alloc.extents[index].length = head
	default:
		alloc.extents[index].length = head
		alloc.insert(index+1, extent{base: addr + size, length: tail})
	}

	return false
}

// insert places ext at index, shifting the following extents up by one.
func (alloc *ExtentAllocator) insert(index int, ext extent) {
	if alloc.count == MaxExtents {
		panicFn(errExtentTableFull)
		return
	}

	copy(alloc.extents[index+1:alloc.count+1], alloc.extents[index:alloc.count])
	alloc.extents[index] = ext
	alloc.count++
}

// remove deletes the extent at index, shifting the following extents down by
// one.
func (alloc *ExtentAllocator) remove(index int) {
	copy(alloc.extents[index:alloc.count-1], alloc.extents[index+1:alloc.count])
	alloc.count--
	alloc.extents[alloc.count] = extent{}
}

package vmm

import "github.com/pgrAm/JSD-OS-sub000/kernel/mm"

const (
	// dirShift is the shift required to extract the page directory index
	// from a virtual address.
	dirShift = 22

	// entryShift is equal to log2 of the size of a table entry in bytes.
	entryShift = 2

	indexMask = mm.EntriesPerTable - 1

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// selfMapSlot is the directory slot that points back to the page
	// directory itself. Through it, page table d is visible at
	// selfMapBase + d*PageSize and the directory at pdtVirtualAddr.
	selfMapSlot    = mm.EntriesPerTable - 1
	selfMapBase    = selfMapSlot << dirShift
	pdtVirtualAddr = selfMapBase + selfMapSlot<<mm.PageShift

	// tempWindowSlot is the directory slot whose table backs the
	// temporary mapping window. The table is created before any other
	// address space exists so that every directory shares it.
	tempWindowSlot = mm.EntriesPerTable - 2
	tempWindowBase = tempWindowSlot << dirShift

	tempMappingIndex = mm.EntriesPerTable - 1

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing the
	// directory of a new address space or zeroing a frame before it gets
	// mapped).
	tempMappingAddr = tempWindowBase + tempMappingIndex<<mm.PageShift

	// UserSpaceStart is the first virtual address that can be handed out to
	// user mappings. The first table's worth of memory is never mapped so
	// null pointer dereferences always fault.
	UserSpaceStart = uintptr(0x00400000)

	// KernelPageOffset is the start of the kernel half of the address space.
	// The kernel image is mapped at KernelPageOffset + its physical address.
	KernelPageOffset = uintptr(0xc0000000)

	// KernelSpaceEnd is the end (exclusive) of the kernel half. Everything
	// above it belongs to the temporary mapping window and the self-map.
	KernelSpaceEnd = uintptr(tempWindowBase)

	firstUserSlot   = UserSpaceStart >> dirShift
	firstKernelSlot = KernelPageOffset >> dirShift
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagReserved marks a slot whose virtual address has been handed out.
	// It lives in the bits that the MMU ignores.
	FlagReserved PageTableEntryFlag = 1 << 9

	// FlagMapOnAccess marks a reserved slot that must be backed by a
	// zero-filled frame the first time it is accessed.
	FlagMapOnAccess PageTableEntryFlag = 1 << 10

	// FlagOwned marks a present entry whose frame was allocated by the
	// memory manager on behalf of the address space. Only owned frames are
	// released when the page is freed or the address space is destroyed;
	// frames mapped by MapPage or MapToNewPages belong to the caller.
	FlagOwned PageTableEntryFlag = 1 << 11

	// FlagAllocated is used to check whether a slot is in use.
	FlagAllocated = FlagReserved | FlagPresent

	// flagMask covers all flag bits of an entry.
	flagMask = PageTableEntryFlag(^ptePhysPageMask)

	// permissionFlags are the flags that callers may change on existing
	// mappings via SetPageFlags.
	permissionFlags = FlagRW | FlagUserAccessible
)

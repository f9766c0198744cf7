// Package vmm implements the virtual memory manager for the two-level x86
// paging scheme. Every page directory maps itself through its last slot,
// which makes all page tables of the active address space accessible at
// fixed virtual addresses; table edits are plain loads and stores issued
// through the MMU.
package vmm

import (
	"sync"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrInactiveAddressSpace is returned when operating on an address
	// space that is not the active one.
	ErrInactiveAddressSpace = &kernel.Error{Module: "vmm", Message: "address space is not active"}

	errAlreadyMapped      = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errTableClassMismatch = &kernel.Error{Module: "vmm", Message: "user/kernel class of page table does not match the requested flags"}
	errNoVirtualSpace     = &kernel.Error{Module: "vmm", Message: "no unmapped virtual address run large enough to satisfy request"}
	errUnalignedAddress   = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errWrongHalf          = &kernel.Error{Module: "vmm", Message: "user-accessible mappings must reside in the user half of the address space"}
	errReservedAddress    = &kernel.Error{Module: "vmm", Message: "virtual address range overlaps a reserved region"}
	errInvalidPageCount   = &kernel.Error{Module: "vmm", Message: "page count must be greater than zero"}
	errDestroyKernelSpace = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errDestroyedSpace     = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
)

// Hardware is the MMU interface used by the memory manager.
type Hardware interface {
	// ActivePDT returns the physical address of the active page directory.
	ActivePDT() uintptr

	// SwitchPDT activates the page directory at the given physical
	// address and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry invalidates the cached translation for a single page.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB invalidates all cached translations.
	FlushTLB()

	// Load32, Store32 and Memset access virtual memory with kernel
	// privileges.
	Load32(virtAddr uintptr) (uint32, *kernel.Error)
	Store32(virtAddr uintptr, value uint32) *kernel.Error
	Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error

	// WritePhys32 writes to physical memory bypassing translation. It is
	// only used while building the initial kernel page directory.
	WritePhys32(physAddr uintptr, value uint32)
}

// Manager owns the page tables of all address spaces.
type Manager struct {
	hw     Hardware
	frames mm.FrameAllocator

	// kernelMu serializes all page table edits. It is also acquired by
	// the page fault handler; no code path touches demand-mapped memory
	// while holding it.
	kernelMu sync.Mutex

	kernelSpace *AddressSpace
	active      *AddressSpace
}

// Init builds the kernel page directory and activates it. The directory
// contains the self-map, the temporary mapping window and a mapping of the
// kernel image located at physical range [kernelStart, kernelEnd) to
// KernelPageOffset + kernelStart. Frames for the tables are obtained from
// frames which must already exclude the kernel image.
func Init(hw Hardware, frames mm.FrameAllocator, kernelStart, kernelEnd uintptr) (*Manager, *kernel.Error) {
	m := &Manager{hw: hw, frames: frames}

	pdtFrame, err := m.allocZeroedFrameNoPaging()
	if err != nil {
		return nil, err
	}

	setEntry := func(table mm.Frame, index uintptr, pte pageTableEntry) {
		hw.WritePhys32(table.Address()+index<<entryShift, uint32(pte))
	}

	setEntry(pdtFrame, selfMapSlot, makeEntry(pdtFrame, FlagPresent|FlagRW))

	tables := make(map[uintptr]mm.Frame)
	tableFor := func(dir uintptr) (mm.Frame, *kernel.Error) {
		if frame, ok := tables[dir]; ok {
			return frame, nil
		}

		frame, err := m.allocZeroedFrameNoPaging()
		if err != nil {
			return mm.InvalidFrame, err
		}

		setEntry(pdtFrame, dir, makeEntry(frame, FlagPresent|FlagRW))
		tables[dir] = frame
		return frame, nil
	}

	if _, err = tableFor(tempWindowSlot); err != nil {
		return nil, err
	}

	for physAddr := mm.PageAlignDown(kernelStart); physAddr < kernelEnd; physAddr += mm.PageSize {
		virtAddr := KernelPageOffset + physAddr

		table, err := tableFor(dirIndex(virtAddr))
		if err != nil {
			return nil, err
		}

		setEntry(table, tableIndex(virtAddr), makeEntry(mm.FrameFromAddress(physAddr), FlagPresent|FlagRW))
	}

	m.kernelSpace = &AddressSpace{mgr: m, pdtFrame: pdtFrame}
	m.active = m.kernelSpace
	hw.SwitchPDT(pdtFrame.Address())

	kfmt.Printf("[vmm] kernel page directory at 0x%x; kernel image mapped at 0x%x - 0x%x\n",
		pdtFrame.Address(),
		KernelPageOffset+mm.PageAlignDown(kernelStart),
		KernelPageOffset+mm.PageAlignUp(kernelEnd),
	)

	return m, nil
}

// allocZeroedFrameNoPaging allocates a frame and clears it using physical
// writes. It is only used before the kernel page directory is active.
func (m *Manager) allocZeroedFrameNoPaging() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	for offset := uintptr(0); offset < mm.PageSize; offset += 4 {
		m.hw.WritePhys32(frame.Address()+offset, 0)
	}
	return frame, nil
}

// KernelSpace returns the address space that was created by Init.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// Active returns the currently active address space.
func (m *Manager) Active() *AddressSpace {
	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()
	return m.active
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

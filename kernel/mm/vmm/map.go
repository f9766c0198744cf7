package vmm

import (
	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

// GetPhysical returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a present page.
func (s *AddressSpace) GetPhysical(virtAddr uintptr) (uintptr, *kernel.Error) {
	if err := s.lockActive(); err != nil {
		return 0, err
	}
	defer s.mgr.kernelMu.Unlock()

	m := s.mgr
	if !m.readDirEntry(dirIndex(virtAddr)).HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	pte := m.readEntry(dirIndex(virtAddr), tableIndex(virtAddr))
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// GetPageFlags returns the flags of the entry that maps virtAddr. If the page
// table covering virtAddr does not exist, the flags of the directory entry
// are returned instead; callers must check FlagPresent themselves.
func (s *AddressSpace) GetPageFlags(virtAddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	if err := s.lockActive(); err != nil {
		return 0, err
	}
	defer s.mgr.kernelMu.Unlock()

	m := s.mgr
	pde := m.readDirEntry(dirIndex(virtAddr))
	if !pde.HasFlags(FlagPresent) {
		return pde.Flags(), nil
	}

	return m.readEntry(dirIndex(virtAddr), tableIndex(virtAddr)).Flags(), nil
}

// MapPage establishes a mapping between the page that contains virtAddr and
// the frame that contains physAddr. Missing page tables are created on
// demand. MapPage never replaces an existing mapping and the frame remains
// owned by the caller. User-accessible mappings must reside in the user
// half of the address space.
func (s *AddressSpace) MapPage(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if err := s.lockActive(); err != nil {
		return err
	}
	defer s.mgr.kernelMu.Unlock()

	if err := checkRange(mm.PageAlignDown(virtAddr), 1); err != nil {
		return err
	}

	if flags&FlagUserAccessible != 0 && virtAddr >= KernelPageOffset {
		return errWrongHalf
	}

	return s.mgr.mapPageLocked(virtAddr, mm.FrameFromAddress(physAddr), flags&^FlagOwned)
}

func (m *Manager) mapPageLocked(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	dir, index := dirIndex(virtAddr), tableIndex(virtAddr)

	pde := m.readDirEntry(dir)
	switch {
	case !pde.HasFlags(FlagPresent):
		if err := m.createTableLocked(dir, flags); err != nil {
			return err
		}
	case pde.HasFlags(FlagUserAccessible) != (flags&FlagUserAccessible != 0):
		return errTableClassMismatch
	}

	if m.readEntry(dir, index).HasAnyFlag(FlagAllocated) {
		return errAlreadyMapped
	}

	m.writeEntry(dir, index, makeEntry(frame, flags))
	m.hw.FlushTLBEntry(virtAddr)
	return nil
}

// createTableLocked allocates a zero-filled page table for directory slot
// dir. The table is user-accessible if flags contains FlagUserAccessible.
func (m *Manager) createTableLocked(dir uintptr, flags PageTableEntryFlag) *kernel.Error {
	tableFrame, err := m.frames.AllocFrame()
	if err != nil {
		kfmt.Printf("[vmm] unable to allocate page table for 0x%08x: %s\n", dir<<dirShift, err.Message)
		return err
	}

	m.writeDirEntry(dir, makeEntry(tableFrame, FlagPresent|FlagRW|(flags&FlagUserAccessible)))
	m.hw.FlushTLB()

	if err = m.hw.Memset(tableAddr(dir), 0, mm.PageSize); err != nil {
		panicFn(err)
	}
	return nil
}

// UnmapPage clears the entry for the page that contains virtAddr if its
// flags intersect mask. It returns true if the entry was cleared.
func (s *AddressSpace) UnmapPage(virtAddr uintptr, mask PageTableEntryFlag) bool {
	if s.lockActive() != nil {
		return false
	}
	defer s.mgr.kernelMu.Unlock()

	_, cleared := s.mgr.unmapPageLocked(virtAddr, mask)
	return cleared
}

// unmapPageLocked clears the entry for virtAddr if its flags intersect mask
// and returns the previous entry.
func (m *Manager) unmapPageLocked(virtAddr uintptr, mask PageTableEntryFlag) (pageTableEntry, bool) {
	dir, index := dirIndex(virtAddr), tableIndex(virtAddr)
	if dir >= tempWindowSlot || !m.readDirEntry(dir).HasFlags(FlagPresent) {
		return 0, false
	}

	pte := m.readEntry(dir, index)
	if !pte.HasAnyFlag(mask) {
		return pte, false
	}

	m.writeEntry(dir, index, 0)
	m.hw.FlushTLBEntry(virtAddr)
	return pte, true
}

// UnmapPages removes the mappings for count pages starting at virtAddr. The
// frames backing the pages are not released.
func (s *AddressSpace) UnmapPages(virtAddr uintptr, count uintptr) *kernel.Error {
	if err := checkRange(virtAddr, count); err != nil {
		return err
	}

	if err := s.lockActive(); err != nil {
		return err
	}
	defer s.mgr.kernelMu.Unlock()

	for ; count > 0; count, virtAddr = count-1, virtAddr+mm.PageSize {
		s.mgr.unmapPageLocked(virtAddr, FlagAllocated)
	}

	return nil
}

// GetUnmappedRun returns the start of a run of count unallocated pages. The
// run is located in the user half if flags contains FlagUserAccessible and in
// the kernel half otherwise. Runs never cross a page table boundary; if the
// first usable directory slot is empty, a table is created for it.
func (s *AddressSpace) GetUnmappedRun(count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if err := s.lockActive(); err != nil {
		return 0, err
	}
	defer s.mgr.kernelMu.Unlock()

	return s.mgr.getUnmappedRunLocked(count, flags)
}

func (m *Manager) getUnmappedRunLocked(count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	user := flags&FlagUserAccessible != 0
	firstSlot, endSlot, half := firstKernelSlot, uintptr(tempWindowSlot), "kernel"
	if user {
		firstSlot, endSlot, half = firstUserSlot, firstKernelSlot, "user"
	}

	if count <= mm.EntriesPerTable {
		for dir := firstSlot; dir < endSlot; dir++ {
			pde := m.readDirEntry(dir)

			// An absent table satisfies any run that fits in a table.
			if !pde.HasFlags(FlagPresent) {
				if err := m.createTableLocked(dir, flags); err != nil {
					return 0, err
				}
				return dir << dirShift, nil
			}

			if pde.HasFlags(FlagUserAccessible) != user {
				continue
			}

			var run uintptr
			for index := uintptr(0); index < mm.EntriesPerTable; index++ {
				if m.readEntry(dir, index).HasAnyFlag(FlagAllocated) {
					run = 0
					continue
				}

				if run++; run == count {
					return dir<<dirShift + (index+1-count)<<mm.PageShift, nil
				}
			}
		}
	}

	kfmt.Printf("[vmm] no run of %d unmapped page(s) available in the %s half\n", count, half)
	return 0, errNoVirtualSpace
}

// MapToNewPages maps count pages starting at physAddr to a newly located run
// of unmapped virtual pages and returns the run's address. The frames remain
// owned by the caller.
func (s *AddressSpace) MapToNewPages(physAddr, count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if err := s.lockActive(); err != nil {
		return 0, err
	}
	defer s.mgr.kernelMu.Unlock()

	m := s.mgr
	virtAddr, err := m.getUnmappedRunLocked(count, flags)
	if err != nil {
		return 0, err
	}

	frame := mm.FrameFromAddress(physAddr)
	for page := uintptr(0); page < count; page++ {
		if err = m.mapPageLocked(virtAddr+page<<mm.PageShift, frame+mm.Frame(page), flags&^FlagOwned|FlagPresent); err != nil {
			m.rollbackLocked(virtAddr, page)
			return 0, err
		}
	}

	return virtAddr, nil
}

// MapRegion maps the physical region [physAddr, physAddr+size) to a newly
// located run of virtual pages and returns the virtual address that
// corresponds to physAddr.
func (s *AddressSpace) MapRegion(physAddr, size uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	start := mm.PageAlignDown(physAddr)
	count := mm.Size(physAddr + size - start).Pages()

	virtAddr, err := s.MapToNewPages(start, count, flags)
	if err != nil {
		return 0, err
	}

	return virtAddr + PageOffset(physAddr), nil
}

// rollbackLocked clears count entries starting at virtAddr that were
// installed by a failed multi-page operation.
func (m *Manager) rollbackLocked(virtAddr, count uintptr) {
	for ; count > 0; count, virtAddr = count-1, virtAddr+mm.PageSize {
		m.unmapPageLocked(virtAddr, FlagAllocated)
	}
}

// checkRange validates a page-aligned range of count pages that callers may
// operate on.
func checkRange(virtAddr, count uintptr) *kernel.Error {
	switch {
	case count == 0:
		return errInvalidPageCount
	case PageOffset(virtAddr) != 0:
		return errUnalignedAddress
	case virtAddr < UserSpaceStart || virtAddr >= KernelSpaceEnd || count > (KernelSpaceEnd-virtAddr)>>mm.PageShift:
		return errReservedAddress
	}

	return nil
}

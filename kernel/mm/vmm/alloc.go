package vmm

import (
	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

// VirtualAlloc allocates count pages of virtual memory at virtAddr, or at a
// free run located by GetUnmappedRun if virtAddr is zero, and returns their
// address.
//
// If flags contains FlagPresent, zero-filled frames are allocated and mapped
// immediately. Otherwise the pages are only reserved and flagged with
// FlagMapOnAccess; each one gets backed by a frame when it is first accessed.
// User-accessible allocations must reside in the user half of the address
// space. Either all pages are allocated or none.
func (s *AddressSpace) VirtualAlloc(virtAddr, count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if virtAddr != 0 {
		if err := checkRange(virtAddr, count); err != nil {
			return 0, err
		}

		if flags&FlagUserAccessible != 0 && virtAddr+count<<mm.PageShift > KernelPageOffset {
			return 0, errWrongHalf
		}
	} else if count == 0 {
		return 0, errInvalidPageCount
	} else if count > mm.EntriesPerTable {
		// runs never span more than one page table
		return 0, errNoVirtualSpace
	}

	if flags&FlagPresent == 0 {
		return s.reserve(virtAddr, count, flags)
	}

	return s.commit(virtAddr, count, flags)
}

// reserve installs count entries flagged with FlagReserved|FlagMapOnAccess.
func (s *AddressSpace) reserve(virtAddr, count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if err := s.lockActive(); err != nil {
		return 0, err
	}
	defer s.mgr.kernelMu.Unlock()

	m := s.mgr
	if virtAddr == 0 {
		var err *kernel.Error
		if virtAddr, err = m.getUnmappedRunLocked(count, flags); err != nil {
			return 0, err
		}
	}

	lazyFlags := (flags & permissionFlags) | FlagReserved | FlagMapOnAccess
	for page := uintptr(0); page < count; page++ {
		if err := m.mapPageLocked(virtAddr+page<<mm.PageShift, 0, lazyFlags); err != nil {
			m.rollbackLocked(virtAddr, page)
			return 0, err
		}
	}

	return virtAddr, nil
}

// commit allocates, clears and maps count frames. The frames are obtained
// before acquiring the kernel mutex.
func (s *AddressSpace) commit(virtAddr, count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	m := s.mgr

	frames := make([]mm.Frame, 0, count)
	release := func() {
		for _, frame := range frames {
			m.frames.FreeFrame(frame)
		}
	}

	for page := uintptr(0); page < count; page++ {
		frame, err := m.frames.AllocFrame()
		if err != nil {
			kfmt.Printf("[vmm] unable to allocate %d page(s): %s\n", count, err.Message)
			release()
			return 0, err
		}
		frames = append(frames, frame)
	}

	if err := s.lockActive(); err != nil {
		release()
		return 0, err
	}

	if virtAddr == 0 {
		var err *kernel.Error
		if virtAddr, err = m.getUnmappedRunLocked(count, flags); err != nil {
			m.kernelMu.Unlock()
			release()
			return 0, err
		}
	}

	for page, frame := range frames {
		m.zeroFrame(frame)
		if err := m.mapPageLocked(virtAddr+uintptr(page)<<mm.PageShift, frame, flags|FlagOwned); err != nil {
			m.rollbackLocked(virtAddr, uintptr(page))
			m.kernelMu.Unlock()
			release()
			return 0, err
		}
	}

	m.kernelMu.Unlock()
	return virtAddr, nil
}

// FreePages unmaps count pages starting at virtAddr. Frames that were
// committed by VirtualAlloc or by the page fault handler are returned to the
// frame allocator; reserved pages that were never accessed have no frame to
// release and frames mapped by MapPage or MapToNewPages stay with their
// owner.
func (s *AddressSpace) FreePages(virtAddr, count uintptr) *kernel.Error {
	if err := checkRange(virtAddr, count); err != nil {
		return err
	}

	if err := s.lockActive(); err != nil {
		return err
	}

	var (
		m      = s.mgr
		frames []mm.Frame
	)

	for ; count > 0; count, virtAddr = count-1, virtAddr+mm.PageSize {
		if pte, cleared := m.unmapPageLocked(virtAddr, FlagAllocated); cleared && pte.HasFlags(FlagPresent|FlagOwned) {
			frames = append(frames, pte.Frame())
		}
	}

	m.kernelMu.Unlock()

	for _, frame := range frames {
		m.frames.FreeFrame(frame)
	}

	return nil
}

// SetPageFlags replaces the FlagRW and FlagUserAccessible bits of count
// allocated pages starting at virtAddr with the ones in flags. The frame and
// the remaining flags of each entry are preserved; unallocated pages are
// skipped.
func (s *AddressSpace) SetPageFlags(virtAddr, count uintptr, flags PageTableEntryFlag) *kernel.Error {
	if err := checkRange(virtAddr, count); err != nil {
		return err
	}

	if flags&FlagUserAccessible != 0 && virtAddr+count<<mm.PageShift > KernelPageOffset {
		return errWrongHalf
	}

	if err := s.lockActive(); err != nil {
		return err
	}
	defer s.mgr.kernelMu.Unlock()

	m := s.mgr
	for ; count > 0; count, virtAddr = count-1, virtAddr+mm.PageSize {
		dir, index := dirIndex(virtAddr), tableIndex(virtAddr)
		if !m.readDirEntry(dir).HasFlags(FlagPresent) {
			continue
		}

		pte := m.readEntry(dir, index)
		if !pte.HasAnyFlag(FlagAllocated) {
			continue
		}

		pte.ClearFlags(permissionFlags)
		pte.SetFlags(flags & permissionFlags)
		m.writeEntry(dir, index, pte)
		m.hw.FlushTLBEntry(virtAddr)
	}

	return nil
}

package vmm

import "github.com/pgrAm/JSD-OS-sub000/kernel/mm"

// dirIndex returns the page directory slot that covers virtAddr.
func dirIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> dirShift) & indexMask
}

// tableIndex returns the page table slot that covers virtAddr.
func tableIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> mm.PageShift) & indexMask
}

// entryAddr returns the virtual address through which the entry at
// (dir, index) can be accessed. Thanks to the self-map, page table dir is
// visible at selfMapBase + dir*PageSize; the directory itself is table
// selfMapSlot.
func entryAddr(dir, index uintptr) uintptr {
	return selfMapBase + dir<<mm.PageShift + index<<entryShift
}

// tableAddr returns the virtual address of page table dir.
func tableAddr(dir uintptr) uintptr {
	return entryAddr(dir, 0)
}

// readEntry loads the entry at (dir, index) of the active address space. All
// table reads go through this accessor; callers must hold kernelMu.
func (m *Manager) readEntry(dir, index uintptr) pageTableEntry {
	value, err := m.hw.Load32(entryAddr(dir, index))
	if err != nil {
		panicFn(err)
	}
	return pageTableEntry(value)
}

// writeEntry stores pte at (dir, index) of the active address space. The
// caller is responsible for invalidating any affected translations.
func (m *Manager) writeEntry(dir, index uintptr, pte pageTableEntry) {
	if err := m.hw.Store32(entryAddr(dir, index), uint32(pte)); err != nil {
		panicFn(err)
	}
}

func (m *Manager) readDirEntry(dir uintptr) pageTableEntry {
	return m.readEntry(selfMapSlot, dir)
}

func (m *Manager) writeDirEntry(dir uintptr, pte pageTableEntry) {
	m.writeEntry(selfMapSlot, dir, pte)
}

// mapTemporary maps frame at tempMappingAddr overwriting any previous
// temporary mapping and returns the address of the mapping.
func (m *Manager) mapTemporary(frame mm.Frame) uintptr {
	m.writeEntry(tempWindowSlot, tempMappingIndex, makeEntry(frame, FlagPresent|FlagRW))
	m.hw.FlushTLBEntry(tempMappingAddr)
	return tempMappingAddr
}

// unmapTemporary removes the mapping installed by mapTemporary.
func (m *Manager) unmapTemporary() {
	m.writeEntry(tempWindowSlot, tempMappingIndex, 0)
	m.hw.FlushTLBEntry(tempMappingAddr)
}

// zeroFrame clears the contents of frame through the temporary mapping.
func (m *Manager) zeroFrame(frame mm.Frame) {
	if err := m.hw.Memset(m.mapTemporary(frame), 0, mm.PageSize); err != nil {
		panicFn(err)
	}
	m.unmapTemporary()
}

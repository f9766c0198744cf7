package vmm

import (
	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

// AddressSpace describes a virtual address space. It is identified by the
// physical frame of its page directory. Page table operations can only be
// performed on the active address space.
type AddressSpace struct {
	mgr      *Manager
	pdtFrame mm.Frame
}

// PDTFrame returns the frame that holds the page directory of this address
// space.
func (s *AddressSpace) PDTFrame() mm.Frame {
	return s.pdtFrame
}

// lockActive acquires the kernel mutex and checks that s is the active
// address space. On success, the caller is responsible for releasing the
// mutex.
func (s *AddressSpace) lockActive() *kernel.Error {
	s.mgr.kernelMu.Lock()
	if s.mgr.active != s {
		s.mgr.kernelMu.Unlock()
		return ErrInactiveAddressSpace
	}
	return nil
}

// NewMemorySpace creates a new address space. Its directory receives a copy
// of every kernel slot of the active directory, so kernel tables created
// afterwards are not visible to it.
func (m *Manager) NewMemorySpace() (*AddressSpace, *kernel.Error) {
	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()

	pdtFrame, err := m.frames.AllocFrame()
	if err != nil {
		kfmt.Printf("[vmm] unable to allocate page directory for new address space: %s\n", err.Message)
		return nil, err
	}

	pdtAddr := m.mapTemporary(pdtFrame)
	if err = m.hw.Memset(pdtAddr, 0, mm.PageSize); err != nil {
		panicFn(err)
	}

	for dir := uintptr(0); dir < selfMapSlot; dir++ {
		pde := m.readDirEntry(dir)
		if pde == 0 || pde.HasFlags(FlagUserAccessible) {
			continue
		}

		if err = m.hw.Store32(pdtAddr+dir<<entryShift, uint32(pde)); err != nil {
			panicFn(err)
		}
	}

	if err = m.hw.Store32(pdtAddr+selfMapSlot<<entryShift, uint32(makeEntry(pdtFrame, FlagPresent|FlagRW))); err != nil {
		panicFn(err)
	}

	m.unmapTemporary()

	return &AddressSpace{mgr: m, pdtFrame: pdtFrame}, nil
}

// EnterMemorySpace makes s the active address space.
func (m *Manager) EnterMemorySpace(s *AddressSpace) *kernel.Error {
	if s.mgr != m {
		return ErrInactiveAddressSpace
	}

	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()

	if !s.pdtFrame.Valid() {
		return errDestroyedSpace
	}

	m.activateLocked(s)
	return nil
}

// DestroyMemorySpace releases s. Every owned page of every user table is
// returned to the frame allocator, followed by the tables and the directory.
// Frames mapped by MapPage or MapToNewPages are left to their owner.
// If s is active, the kernel address space is activated.
func (m *Manager) DestroyMemorySpace(s *AddressSpace) *kernel.Error {
	if s == m.kernelSpace {
		return errDestroyKernelSpace
	}

	if s.mgr != m {
		return ErrInactiveAddressSpace
	}

	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()

	if !s.pdtFrame.Valid() {
		return errDestroyedSpace
	}

	// The user tables of s are only reachable through its own self-map.
	restore := m.active
	if restore == s {
		restore = m.kernelSpace
	}
	m.activateLocked(s)

	var freedPages, freedTables int
	for dir := firstUserSlot; dir < firstKernelSlot; dir++ {
		pde := m.readDirEntry(dir)
		if !pde.HasFlags(FlagPresent | FlagUserAccessible) {
			continue
		}

		for index := uintptr(0); index < mm.EntriesPerTable; index++ {
			if pte := m.readEntry(dir, index); pte.HasFlags(FlagPresent | FlagOwned) {
				m.frames.FreeFrame(pte.Frame())
				freedPages++
			}
		}

		m.frames.FreeFrame(pde.Frame())
		freedTables++
	}

	m.activateLocked(restore)
	m.frames.FreeFrame(s.pdtFrame)
	s.pdtFrame = mm.InvalidFrame

	kfmt.Printf("[vmm] destroyed address space; released %d page(s) and %d table(s)\n", freedPages, freedTables)
	return nil
}

func (m *Manager) activateLocked(s *AddressSpace) {
	if m.active == s {
		return
	}

	m.hw.SwitchPDT(s.pdtFrame.Address())
	m.active = s
}

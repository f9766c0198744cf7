package vmm

import (
	"github.com/pgrAm/JSD-OS-sub000/kernel/cpu"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

// HandlePageFault is the demand paging entry point. It is registered with the
// trap layer and receives the fault error code and the faulting address. It
// returns true if the fault was resolved and the access can be retried.
//
// Only accesses to non-present pages flagged with FlagMapOnAccess are
// resolved: a frame is allocated, cleared through the temporary mapping
// window and mapped with the permissions requested when the page was
// reserved. A not-present fault on a page that is already present is
// treated as resolved so the access gets retried.
func (m *Manager) HandlePageFault(errorCode uint32, faultAddr uintptr) bool {
	code := cpu.FaultCode(errorCode)
	if code&cpu.FaultProtection != 0 {
		return false
	}

	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()

	dir, index := dirIndex(faultAddr), tableIndex(faultAddr)
	if dir >= tempWindowSlot || !m.readDirEntry(dir).HasFlags(FlagPresent) {
		return false
	}

	pte := m.readEntry(dir, index)
	if pte.HasFlags(FlagPresent) {
		// Committed by a concurrent fault on the same page.
		return true
	}

	if !pte.HasFlags(FlagMapOnAccess) || (code&cpu.FaultUser != 0 && !pte.HasFlags(FlagUserAccessible)) {
		kfmt.Printf("[vmm] page fault at 0x%08x does not refer to a demand-mapped page (entry: 0x%08x)\n", faultAddr, uint32(pte))
		return false
	}

	frame, err := m.frames.AllocFrame()
	if err != nil {
		kfmt.Printf("[vmm] unable to commit demand-mapped page at 0x%08x: %s\n", faultAddr, err.Message)
		return false
	}

	// The frame must be clear before it becomes reachable through faultAddr.
	m.zeroFrame(frame)

	pageAddr := mm.PageAlignDown(faultAddr)
	m.writeEntry(dir, index, makeEntry(frame, pte.Flags()&^FlagMapOnAccess|FlagPresent|FlagOwned))
	m.hw.FlushTLBEntry(pageAddr)

	return true
}

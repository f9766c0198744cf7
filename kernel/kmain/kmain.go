// Package kmain contains the boot sequence that brings up the memory
// subsystems of a machine.
package kmain

import (
	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/cpu"
	"github.com/pgrAm/JSD-OS-sub000/kernel/hal/multiboot"
	"github.com/pgrAm/JSD-OS-sub000/kernel/irq"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm/pmm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm/vmm"
)

var (
	errKernelOutsideRAM = &kernel.Error{Module: "kmain", Message: "kernel image does not fit in physical memory"}

	// pmmInitFn and vmmInitFn are mocked by tests.
	pmmInitFn = pmm.Init
	vmmInitFn = vmm.Init
)

// Kernel holds the memory subsystems that were initialized by Kmain.
type Kernel struct {
	MMU    *cpu.MMU
	Frames *pmm.ExtentAllocator
	VMM    *vmm.Manager
}

// Kmain brings up the memory subsystems of the machine driven by mmu. The
// multibootInfo argument contains the boot information payload provided by
// the boot loader and kernelStart, kernelEnd describe the physical location
// of the kernel image.
//
// Once Kmain returns, the kernel address space is active and page faults
// raised by the MMU are dispatched to the virtual memory manager.
func Kmain(mmu *cpu.MMU, multibootInfo []byte, kernelStart, kernelEnd uintptr) (*Kernel, *kernel.Error) {
	if kernelEnd <= kernelStart || kernelEnd > mmu.RAMSize() {
		return nil, errKernelOutsideRAM
	}

	kfmt.Printf("[kmain] booting with %dKb of RAM; kernel image at 0x%x - 0x%x\n",
		uint64(mm.Size(mmu.RAMSize())/mm.Kb), kernelStart, kernelEnd,
	)

	info := multiboot.NewInfo(multibootInfo)

	frames, err := pmmInitFn(info, kernelStart, kernelEnd)
	if err != nil {
		return nil, err
	}

	mgr, err := vmmInitFn(mmu, frames, kernelStart, kernelEnd)
	if err != nil {
		return nil, err
	}

	irq.HandleExceptionWithCode(irq.PageFaultException, mgr.HandlePageFault)
	mmu.SetFaultHandler(irq.RaisePageFault)

	kfmt.Printf("[kmain] memory subsystems initialized; %dKb free\n", uint64(mm.Size(frames.BytesFree())/mm.Kb))

	return &Kernel{MMU: mmu, Frames: frames, VMM: mgr}, nil
}

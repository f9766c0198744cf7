// Package pmm implements the physical memory manager: an allocator that
// hands out ranges of physical memory and the boot-time code that seeds it
// from the memory map provided by the boot loader.
package pmm

import (
	"strconv"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/hal/multiboot"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

const (
	// The legacy BIOS data, VGA and option ROM window. It is never handed
	// out even if the memory map claims it is available.
	legacyHoleStart = uintptr(0x80000)
	legacyHoleEnd   = uintptr(0x100000)

	// Physical memory above this address cannot be reached by the 32-bit
	// page tables.
	maxPhysAddr = uint64(0xfffff000)

	cmdLineFreeMap  = "mm.freemap"
	cmdLineDMALimit = "mm.dma_limit"
)

var errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "boot memory map contains no usable memory"}

// BootInfo describes the boot loader information consumed by Init.
type BootInfo interface {
	VisitMemRegions(multiboot.MemRegionVisitor)
	VisitModules(multiboot.ModuleVisitor)
	BootCmdLine() map[string]string
}

// Init creates the physical memory allocator. The allocator is seeded with
// the available regions reported by the boot loader minus the kernel image
// located at [kernelStart, kernelEnd), any boot modules, the legacy BIOS hole
// and the first page of physical memory.
func Init(info BootInfo, kernelStart, kernelEnd uintptr) (*ExtentAllocator, *kernel.Error) {
	alloc := new(ExtentAllocator)

	printMemoryMap(info)

	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round the start up
		// and the end down so only whole frames are registered.
		start, end := region.PhysAddress, region.PhysAddress+region.Length
		if end > maxPhysAddr {
			end = maxPhysAddr
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		start = (start + pageSizeMinus1) &^ pageSizeMinus1
		end &^= pageSizeMinus1
		if start < end {
			alloc.AddRegion(uintptr(start), uintptr(end-start))
		}
		return true
	})

	kernelStartAddr := mm.PageAlignDown(kernelStart)
	kernelEndAddr := mm.PageAlignUp(kernelEnd)
	alloc.Reserve(kernelStartAddr, kernelEndAddr-kernelStartAddr)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n",
		uint64(kernelEnd-kernelStart),
		uint64((kernelEndAddr-kernelStartAddr)>>mm.PageShift),
	)

	info.VisitModules(func(name string, start, end uintptr) bool {
		start, end = mm.PageAlignDown(start), mm.PageAlignUp(end)
		alloc.Reserve(start, end-start)
		kfmt.Printf("[pmm] reserved boot module %q at 0x%x - 0x%x\n", name, start, end)
		return true
	})

	alloc.Reserve(legacyHoleStart, legacyHoleEnd-legacyHoleStart)
	alloc.Reserve(0, mm.PageSize)

	cmdLine := info.BootCmdLine()
	if limit, ok := cmdLine[cmdLineDMALimit]; ok {
		if value, err := strconv.ParseUint(limit, 0, 32); err == nil && value != 0 {
			alloc.SetDMALimit(uintptr(value))
		} else {
			kfmt.Printf("[pmm] ignoring invalid %s value %q\n", cmdLineDMALimit, limit)
		}
	}

	free := alloc.BytesFree()
	if free == 0 {
		return nil, errNoUsableMemory
	}
	kfmt.Printf("[pmm] free memory: %dKb\n", uint64(mm.Size(free)/mm.Kb))

	if _, ok := cmdLine[cmdLineFreeMap]; ok {
		alloc.PrintFreeMap()
	}

	return alloc, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(info BootInfo) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}

package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/cpu"
	"github.com/pgrAm/JSD-OS-sub000/kernel/hal/multiboot"
	"github.com/pgrAm/JSD-OS-sub000/kernel/irq"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm/pmm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm/vmm"
)

const (
	testRAMSize     = uintptr(8 * mm.Mb)
	testKernelStart = uintptr(0x100000)
	testKernelEnd   = uintptr(0x180000)
)

func testBootInfo(cmdLine string) []byte {
	return new(multiboot.Builder).
		SetCmdLine(cmdLine).
		AddMemRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemRegion(0x9fc00, 0x60400, multiboot.MemReserved).
		AddMemRegion(0x100000, uint64(testRAMSize-0x100000), multiboot.MemAvailable).
		Bytes()
}

func newTestMMU(t *testing.T) *cpu.MMU {
	mmu, err := cpu.NewMMU(testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mmu.Close() })
	return mmu
}

func TestKmain(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		irq.HandleExceptionWithCode(irq.PageFaultException, nil)
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	mmu := newTestMMU(t)
	k, err := Kmain(mmu, testBootInfo("mm.freemap"), testKernelStart, testKernelEnd)
	if err != nil {
		t.Fatal(err)
	}

	if k.MMU != mmu {
		t.Fatal("expected Kernel to reference the supplied MMU")
	}

	if exp, got := k.VMM.KernelSpace().PDTFrame().Address(), mmu.ActivePDT(); got != exp {
		t.Fatalf("expected the kernel page directory 0x%x to be active; got 0x%x", exp, got)
	}

	// Demand paging goes through the exception dispatcher
	space := k.VMM.KernelSpace()
	virtAddr, err := space.VirtualAlloc(0, 2, vmm.FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	free := k.Frames.BytesFree()
	if err = mmu.Write(virtAddr+mm.PageSize, []byte("demand"), false); err != nil {
		t.Fatal(err)
	}

	if exp, got := mm.PageSize, free-k.Frames.BytesFree(); got != exp {
		t.Fatalf("expected the page fault to commit %d bytes; got %d", exp, got)
	}

	// Unresolved faults are reported
	if err = mmu.Read(0xe0000000, make([]byte, 1), false); err != cpu.ErrSegmentationFault {
		t.Fatalf("expected cpu.ErrSegmentationFault; got %v", err)
	}

	for _, exp := range []string{
		"[kmain] booting with 8192Kb of RAM",
		"[pmm] system memory map:",
		"[pmm] free memory:",
		"[vmm] kernel page directory at",
		"[kmain] memory subsystems initialized",
		"[irq] page fault while accessing address: 0xe0000000",
		"[irq] reason: read from non-present page",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestKmainErrors(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		pmmInitFn = pmm.Init
		vmmInitFn = vmm.Init
	}()
	kfmt.SetOutputSink(&bytes.Buffer{})

	expErr := &kernel.Error{Module: "test", Message: "init failed"}

	t.Run("kernel outside RAM", func(t *testing.T) {
		specs := []struct {
			kernelStart, kernelEnd uintptr
		}{
			{testKernelStart, testRAMSize + mm.PageSize},
			{testKernelEnd, testKernelStart},
		}

		for specIndex, spec := range specs {
			if _, err := Kmain(newTestMMU(t), testBootInfo(""), spec.kernelStart, spec.kernelEnd); err != errKernelOutsideRAM {
				t.Errorf("[spec %d] expected errKernelOutsideRAM; got %v", specIndex, err)
			}
		}
	})

	t.Run("pmm init fails", func(t *testing.T) {
		pmmInitFn = func(_ pmm.BootInfo, _, _ uintptr) (*pmm.ExtentAllocator, *kernel.Error) {
			return nil, expErr
		}
		defer func() { pmmInitFn = pmm.Init }()

		if _, err := Kmain(newTestMMU(t), testBootInfo(""), testKernelStart, testKernelEnd); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("vmm init fails", func(t *testing.T) {
		vmmInitFn = func(_ vmm.Hardware, _ mm.FrameAllocator, _, _ uintptr) (*vmm.Manager, *kernel.Error) {
			return nil, expErr
		}
		defer func() { vmmInitFn = vmm.Init }()

		if _, err := Kmain(newTestMMU(t), testBootInfo(""), testKernelStart, testKernelEnd); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("no usable memory", func(t *testing.T) {
		info := new(multiboot.Builder).AddMemRegion(0, 0x9fc00, multiboot.MemReserved).Bytes()
		if _, err := Kmain(newTestMMU(t), info, testKernelStart, testKernelEnd); err == nil {
			t.Fatal("expected Kmain to fail without usable memory")
		}
	})
}

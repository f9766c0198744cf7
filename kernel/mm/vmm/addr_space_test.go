package vmm

import (
	"strings"
	"testing"

	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
)

func TestNewMemorySpace(t *testing.T) {
	tm := newTestMachine(t)
	kernelSpace := tm.mgr.KernelSpace()

	kernelData, err := kernelSpace.VirtualAlloc(0, 1, FlagPresent|FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if err = tm.mmu.Write(kernelData, []byte("shared"), false); err != nil {
		t.Fatal(err)
	}

	if _, err = kernelSpace.VirtualAlloc(UserSpaceStart, 1, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if err = tm.mmu.Write(UserSpaceStart, []byte("kernel space"), true); err != nil {
		t.Fatal(err)
	}

	space, err := tm.mgr.NewMemorySpace()
	if err != nil {
		t.Fatal(err)
	}

	if tm.mgr.Active() != kernelSpace {
		t.Fatal("expected NewMemorySpace not to change the active address space")
	}

	if _, err = space.GetPhysical(kernelData); err != ErrInactiveAddressSpace {
		t.Fatalf("expected ErrInactiveAddressSpace; got %v", err)
	}

	if err = tm.mgr.EnterMemorySpace(space); err != nil {
		t.Fatal(err)
	}

	if tm.mgr.Active() != space {
		t.Fatal("expected new address space to be active")
	}

	if exp, got := space.PDTFrame().Address(), tm.mmu.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	if _, err = kernelSpace.GetPhysical(kernelData); err != ErrInactiveAddressSpace {
		t.Fatalf("expected ErrInactiveAddressSpace; got %v", err)
	}

	// kernel mappings are shared
	if got, err := space.GetPhysical(KernelPageOffset + testKernelStart); err != nil || got != testKernelStart {
		t.Fatalf("expected kernel image to be mapped at 0x%x; got 0x%x, %v", KernelPageOffset+testKernelStart, got, err)
	}

	buf := make([]byte, 6)
	if err := tm.mmu.Read(kernelData, buf, false); err != nil || string(buf) != "shared" {
		t.Fatalf("expected to read kernel data %q; got %q, %v", "shared", buf, err)
	}

	if got, err := space.GetPhysical(pdtVirtualAddr); err != nil || got != space.PDTFrame().Address() {
		t.Fatalf("expected the new directory to be self-mapped; got 0x%x, %v", got, err)
	}

	// user mappings are not
	if flags, _ := space.GetPageFlags(UserSpaceStart); flags != 0 {
		t.Fatalf("expected user slot to be empty; got flags 0x%x", flags)
	}

	if _, err = space.VirtualAlloc(UserSpaceStart, 1, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if err := tm.mmu.Write(UserSpaceStart, []byte("process"), true); err != nil {
		t.Fatal(err)
	}

	if err = tm.mgr.EnterMemorySpace(kernelSpace); err != nil {
		t.Fatal(err)
	}

	buf = make([]byte, 12)
	if err := tm.mmu.Read(UserSpaceStart, buf, true); err != nil || string(buf) != "kernel space" {
		t.Fatalf("expected address spaces to be isolated; read %q, %v", buf, err)
	}
}

func TestNewMemorySpaceCopiesKernelSlots(t *testing.T) {
	tm := newTestMachine(t)
	kernelSpace := tm.mgr.KernelSpace()

	space, err := tm.mgr.NewMemorySpace()
	if err != nil {
		t.Fatal(err)
	}

	// A mapping added to an existing kernel table is visible everywhere
	shared, err := kernelSpace.VirtualAlloc(KernelPageOffset, 1, FlagPresent|FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	// A kernel table created after the fact is not
	private, err := kernelSpace.VirtualAlloc(0xd0000000, 1, FlagPresent|FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if err = tm.mgr.EnterMemorySpace(space); err != nil {
		t.Fatal(err)
	}

	if _, err = space.GetPhysical(shared); err != nil {
		t.Fatalf("expected mapping in shared kernel table to be visible; got %v", err)
	}

	if flags, _ := space.GetPageFlags(private); flags&FlagPresent != 0 {
		t.Fatalf("expected kernel table created after NewMemorySpace not to be visible; got flags 0x%x", flags)
	}
}

func TestNewMemorySpaceOutOfMemory(t *testing.T) {
	tm := newTestMachine(t)

	tm.alloc.reset(0)
	if _, err := tm.mgr.NewMemorySpace(); err != errTestOutOfFrames {
		t.Fatalf("expected errTestOutOfFrames; got %v", err)
	}
}

func TestDestroyMemorySpace(t *testing.T) {
	tm := newTestMachine(t)
	baseline := tm.frames.BytesFree()

	space, err := tm.mgr.NewMemorySpace()
	if err != nil {
		t.Fatal(err)
	}

	if err = tm.mgr.EnterMemorySpace(space); err != nil {
		t.Fatal(err)
	}

	if _, err = space.VirtualAlloc(UserSpaceStart, 4, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	lazy, err := space.VirtualAlloc(UserSpaceStart+4*mm.PageSize, 4, FlagRW|FlagUserAccessible)
	if err != nil {
		t.Fatal(err)
	}

	for _, page := range []uintptr{0, 2} {
		if err := tm.mmu.Write(lazy+page<<mm.PageShift, []byte{1}, true); err != nil {
			t.Fatal(err)
		}
	}

	// second user table
	if _, err = space.VirtualAlloc(2*mm.TableSpan, 1, FlagPresent|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if err = tm.mgr.DestroyMemorySpace(space); err != nil {
		t.Fatal(err)
	}

	if tm.mgr.Active() != tm.mgr.KernelSpace() {
		t.Fatal("expected the kernel address space to be activated")
	}

	if exp, got := tm.mgr.KernelSpace().PDTFrame().Address(), tm.mmu.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	if got := tm.frames.BytesFree(); got != baseline {
		t.Fatalf("expected all frames to be released; free memory is %d instead of %d", got, baseline)
	}

	if exp := "released 7 page(s) and 2 table(s)"; !strings.Contains(tm.log.String(), exp) {
		t.Fatalf("expected log to contain %q; got:\n%s", exp, tm.log.String())
	}

	if space.PDTFrame().Valid() {
		t.Fatal("expected destroyed space to be invalidated")
	}

	if err = tm.mgr.DestroyMemorySpace(space); err != errDestroyedSpace {
		t.Fatalf("expected errDestroyedSpace; got %v", err)
	}

	if err = tm.mgr.EnterMemorySpace(space); err != errDestroyedSpace {
		t.Fatalf("expected errDestroyedSpace; got %v", err)
	}
}

func TestDestroyInactiveMemorySpace(t *testing.T) {
	tm := newTestMachine(t)
	baseline := tm.frames.BytesFree()

	spaces := make([]*AddressSpace, 2)
	for index := range spaces {
		space, err := tm.mgr.NewMemorySpace()
		if err != nil {
			t.Fatal(err)
		}

		if err = tm.mgr.EnterMemorySpace(space); err != nil {
			t.Fatal(err)
		}

		virtAddr, err := space.VirtualAlloc(UserSpaceStart, 2, FlagPresent|FlagRW|FlagUserAccessible)
		if err != nil {
			t.Fatal(err)
		}

		if err := tm.mmu.Write(virtAddr, []byte{byte(index + 1)}, true); err != nil {
			t.Fatal(err)
		}
		spaces[index] = space
	}

	if err := tm.mgr.DestroyMemorySpace(spaces[0]); err != nil {
		t.Fatal(err)
	}

	if tm.mgr.Active() != spaces[1] {
		t.Fatal("expected the active address space to be preserved")
	}

	if exp, got := spaces[1].PDTFrame().Address(), tm.mmu.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	buf := make([]byte, 1)
	if err := tm.mmu.Read(UserSpaceStart, buf, true); err != nil || buf[0] != 2 {
		t.Fatalf("expected the surviving space to be intact; read %d, %v", buf[0], err)
	}

	if err := tm.mgr.DestroyMemorySpace(spaces[1]); err != nil {
		t.Fatal(err)
	}

	if got := tm.frames.BytesFree(); got != baseline {
		t.Fatalf("expected all frames to be released; free memory is %d instead of %d", got, baseline)
	}
}

func TestDestroyMemorySpaceKeepsMappedFrames(t *testing.T) {
	tm := newTestMachine(t)

	shared, err := tm.frames.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	tm.mmu.CopyToPhys(shared.Address(), []byte("shared"))
	baseline := tm.frames.BytesFree()

	for index := 0; index < 2; index++ {
		space, err := tm.mgr.NewMemorySpace()
		if err != nil {
			t.Fatal(err)
		}

		if err = tm.mgr.EnterMemorySpace(space); err != nil {
			t.Fatal(err)
		}

		virtAddr, err := space.MapToNewPages(shared.Address(), 1, FlagRW|FlagUserAccessible)
		if err != nil {
			t.Fatal(err)
		}

		if err = space.MapPage(2*mm.TableSpan, shared.Address(), FlagPresent|FlagRW|FlagUserAccessible); err != nil {
			t.Fatal(err)
		}

		if err = space.MapPage(2*mm.TableSpan+mm.PageSize, shared.Address(), FlagPresent|FlagUserAccessible); err != nil {
			t.Fatal(err)
		}

		if err = tm.mmu.Write(virtAddr, []byte{'S' + byte(index)}, true); err != nil {
			t.Fatal(err)
		}

		// unmapping a borrowed frame leaves it with its owner
		free := tm.frames.BytesFree()
		if err = space.FreePages(2*mm.TableSpan+mm.PageSize, 1); err != nil {
			t.Fatal(err)
		}

		if got := tm.frames.BytesFree(); got != free {
			t.Fatalf("[space %d] expected FreePages to keep the mapped frame; free memory is %d instead of %d", index, got, free)
		}

		if err = tm.mgr.DestroyMemorySpace(space); err != nil {
			t.Fatal(err)
		}

		if got := tm.frames.BytesFree(); got != baseline {
			t.Fatalf("[space %d] expected only the tables and directory to be released; free memory is %d instead of %d", index, got, baseline)
		}
	}

	if exp := "released 0 page(s) and 2 table(s)"; !strings.Contains(tm.log.String(), exp) {
		t.Fatalf("expected log to contain %q; got:\n%s", exp, tm.log.String())
	}

	buf := make([]byte, 6)
	tm.mmu.CopyFromPhys(buf, shared.Address())
	if exp := "Thared"; string(buf) != exp {
		t.Fatalf("expected the shared frame to hold %q; got %q", exp, buf)
	}

	tm.frames.FreeFrame(shared)
	if exp, got := baseline+mm.PageSize, tm.frames.BytesFree(); got != exp {
		t.Fatalf("expected the shared frame to be released exactly once; free memory is %d instead of %d", got, exp)
	}
}

func TestMemorySpaceErrors(t *testing.T) {
	tm := newTestMachine(t)
	kernelSpace := tm.mgr.KernelSpace()

	if err := tm.mgr.DestroyMemorySpace(kernelSpace); err != errDestroyKernelSpace {
		t.Fatalf("expected errDestroyKernelSpace; got %v", err)
	}

	foreign := &AddressSpace{mgr: &Manager{}, pdtFrame: mm.Frame(1)}
	if err := tm.mgr.EnterMemorySpace(foreign); err != ErrInactiveAddressSpace {
		t.Fatalf("expected ErrInactiveAddressSpace; got %v", err)
	}

	if err := tm.mgr.DestroyMemorySpace(foreign); err != ErrInactiveAddressSpace {
		t.Fatalf("expected ErrInactiveAddressSpace; got %v", err)
	}

	space, err := tm.mgr.NewMemorySpace()
	if err != nil {
		t.Fatal(err)
	}

	if _, err = space.VirtualAlloc(0, 1, FlagRW); err != ErrInactiveAddressSpace {
		t.Errorf("expected VirtualAlloc to return ErrInactiveAddressSpace; got %v", err)
	}

	if _, err = space.VirtualAlloc(0, 1, FlagPresent|FlagRW); err != ErrInactiveAddressSpace {
		t.Errorf("expected eager VirtualAlloc to return ErrInactiveAddressSpace; got %v", err)
	}

	if err = space.FreePages(UserSpaceStart, 1); err != ErrInactiveAddressSpace {
		t.Errorf("expected FreePages to return ErrInactiveAddressSpace; got %v", err)
	}

	if err = space.MapPage(UserSpaceStart, 0x200000, FlagPresent); err != ErrInactiveAddressSpace {
		t.Errorf("expected MapPage to return ErrInactiveAddressSpace; got %v", err)
	}

	if _, err = space.GetUnmappedRun(1, 0); err != ErrInactiveAddressSpace {
		t.Errorf("expected GetUnmappedRun to return ErrInactiveAddressSpace; got %v", err)
	}

	if space.UnmapPage(KernelPageOffset+testKernelStart, FlagAllocated) {
		t.Error("expected UnmapPage on an inactive space to fail")
	}

	// the failed eager allocation must not leak frames
	free := tm.frames.BytesFree()
	if _, err = space.VirtualAlloc(0, 2, FlagPresent); err != ErrInactiveAddressSpace || tm.frames.BytesFree() != free {
		t.Errorf("expected frames to be released; got %v", err)
	}
}

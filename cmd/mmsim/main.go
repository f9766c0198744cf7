// Command mmsim boots the memory subsystems on a simulated machine and runs
// a workload against them: concurrent kernel allocations followed by a
// sequence of processes that each get their own address space.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
	"github.com/pgrAm/JSD-OS-sub000/kernel/cpu"
	"github.com/pgrAm/JSD-OS-sub000/kernel/hal/multiboot"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kmain"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm"
	"github.com/pgrAm/JSD-OS-sub000/kernel/mm/vmm"
)

const (
	kernelStart = uintptr(0x100000)
	kernelEnd   = uintptr(0x180000)

	// Conventional memory ends where the extended BIOS data area begins.
	conventionalMemEnd = uint64(0x9fc00)
)

type config struct {
	ramMb         uint
	procs         int
	pages         uint
	kernelWorkers int
	cmdLine       string
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	if err = run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "[mmsim] error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("mmsim", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.UintVar(&cfg.ramMb, "ram", 16, "amount of simulated RAM in MiB")
	fs.IntVar(&cfg.procs, "procs", 4, "number of processes to run")
	fs.UintVar(&cfg.pages, "pages", 64, "number of pages allocated by each worker and process")
	fs.IntVar(&cfg.kernelWorkers, "kernel-workers", 4, "number of concurrent kernel allocation workers")
	fs.StringVar(&cfg.cmdLine, "cmdline", "mm.freemap", "kernel command line")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(output, "mmsim: %v\n", err)
		return cfg, err
	}

	return cfg, nil
}

func (cfg config) validate() error {
	switch {
	case cfg.ramMb < 2 || cfg.ramMb > 4095:
		return errors.Errorf("ram must be between 2 and 4095 MiB; got %d", cfg.ramMb)
	case cfg.pages == 0 || uintptr(cfg.pages) > mm.EntriesPerTable:
		return errors.Errorf("pages must be between 1 and %d; got %d", mm.EntriesPerTable, cfg.pages)
	case cfg.procs < 0 || cfg.kernelWorkers < 0:
		return errors.New("procs and kernel-workers must not be negative")
	}
	return nil
}

// bootInfo describes a PC-style memory layout for a machine with ramSize
// bytes of RAM.
func bootInfo(ramSize uintptr, cmdLine string) []byte {
	return new(multiboot.Builder).
		SetCmdLine(cmdLine).
		AddMemRegion(0, conventionalMemEnd, multiboot.MemAvailable).
		AddMemRegion(conventionalMemEnd, 0x100000-conventionalMemEnd, multiboot.MemReserved).
		AddMemRegion(0x100000, uint64(ramSize-0x100000), multiboot.MemAvailable).
		Bytes()
}

// wrap annotates a kernel error. It returns nil if err is nil.
func wrap(err *kernel.Error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	kfmt.SetOutputSink(out)
	defer kfmt.SetOutputSink(nil)

	ramSize := uintptr(cfg.ramMb) * uintptr(mm.Mb)
	mmu, kerr := cpu.NewMMU(ramSize)
	if kerr != nil {
		return wrap(kerr, "create MMU")
	}
	defer func() { _ = mmu.Close() }()

	k, kerr := kmain.Kmain(mmu, bootInfo(ramSize, cfg.cmdLine), kernelStart, kernelEnd)
	if kerr != nil {
		return wrap(kerr, "boot")
	}

	bootFree := k.Frames.BytesFree()

	if err := runKernelWorkers(ctx, k, cfg); err != nil {
		return errors.Wrap(err, "kernel workload")
	}

	for proc := 0; proc < cfg.procs; proc++ {
		if err := runProcess(k, proc, uintptr(cfg.pages)); err != nil {
			return errors.Wrapf(err, "process %d", proc)
		}
	}

	free := k.Frames.BytesFree()
	kfmt.Printf("[mmsim] workload complete; %dKb free (%dKb at boot)\n",
		uint64(mm.Size(free)/mm.Kb), uint64(mm.Size(bootFree)/mm.Kb),
	)
	k.Frames.PrintFreeMap()

	return nil
}

// runKernelWorkers runs cfg.kernelWorkers goroutines that allocate demand
// paged kernel memory, fill it and release it again.
func runKernelWorkers(ctx context.Context, k *kmain.Kernel, cfg config) error {
	space := k.VMM.KernelSpace()
	count := uintptr(cfg.pages)

	g, gctx := errgroup.WithContext(ctx)
	for worker := 0; worker < cfg.kernelWorkers; worker++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			virtAddr, kerr := space.VirtualAlloc(0, count, vmm.FlagRW)
			if kerr != nil {
				return wrap(kerr, "worker %d: allocate %d page(s)", worker, count)
			}

			if err := fillAndVerify(k.MMU, virtAddr, count, byte(worker), false); err != nil {
				return errors.Wrapf(err, "worker %d", worker)
			}

			return wrap(space.FreePages(virtAddr, count), "worker %d: free pages", worker)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	kfmt.Printf("[mmsim] %d kernel worker(s) completed\n", cfg.kernelWorkers)
	return nil
}

// runProcess creates an address space, populates its user half with lazily
// and eagerly allocated memory, checks that read-only pages cannot be
// written and finally destroys the address space.
func runProcess(k *kmain.Kernel, proc int, count uintptr) error {
	mgr := k.VMM

	space, kerr := mgr.NewMemorySpace()
	if kerr != nil {
		return wrap(kerr, "create address space")
	}

	if kerr = mgr.EnterMemorySpace(space); kerr != nil {
		return wrap(kerr, "enter address space")
	}

	heap, kerr := space.VirtualAlloc(0, count, vmm.FlagRW|vmm.FlagUserAccessible)
	if kerr != nil {
		return wrap(kerr, "allocate heap")
	}

	if err := fillAndVerify(k.MMU, heap, count, byte(proc), true); err != nil {
		return errors.Wrap(err, "heap")
	}

	text, kerr := space.VirtualAlloc(0, 1, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible)
	if kerr != nil {
		return wrap(kerr, "allocate text")
	}

	if kerr = space.SetPageFlags(text, 1, vmm.FlagUserAccessible); kerr != nil {
		return wrap(kerr, "write-protect text")
	}

	if kerr = k.MMU.Write(text, []byte{0xcc}, true); kerr != cpu.ErrSegmentationFault {
		return errors.Errorf("expected write to read-only page at 0x%x to fault; got %v", text, kerr)
	}

	if kerr = mgr.EnterMemorySpace(mgr.KernelSpace()); kerr != nil {
		return wrap(kerr, "enter kernel address space")
	}

	if kerr = mgr.DestroyMemorySpace(space); kerr != nil {
		return wrap(kerr, "destroy address space")
	}

	kfmt.Printf("[mmsim] process %d: heap at 0x%x, text at 0x%x\n", proc, heap, text)
	return nil
}

// fillAndVerify writes a pattern derived from seed to count pages starting
// at virtAddr and reads it back.
func fillAndVerify(mmu *cpu.MMU, virtAddr, count uintptr, seed byte, user bool) error {
	pattern := make([]byte, count*mm.PageSize)
	for index := range pattern {
		pattern[index] = seed ^ byte(index)
	}

	if kerr := mmu.Write(virtAddr, pattern, user); kerr != nil {
		return wrap(kerr, "write to 0x%x", virtAddr)
	}

	buf := make([]byte, len(pattern))
	if kerr := mmu.Read(virtAddr, buf, user); kerr != nil {
		return wrap(kerr, "read from 0x%x", virtAddr)
	}

	if !bytes.Equal(buf, pattern) {
		return errors.Errorf("memory at 0x%x does not contain the written pattern", virtAddr)
	}

	return nil
}

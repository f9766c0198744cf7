// Package cpu provides a software model of the paging hardware of a 32-bit
// x86 processor: physical RAM, the CR3 translation root, a TLB and the
// two-level page table walker. The memory manager drives this model exactly
// like it would drive the real MMU, which allows the paging code to run and
// be tested on a regular host.
package cpu

import (
	"encoding/binary"
	"sync"

	"github.com/pgrAm/JSD-OS-sub000/kernel"
)

const (
	pageShift = 12
	pageSize  = uintptr(1 << pageShift)

	// Hardware-interpreted page table entry bits. Any other bits are
	// ignored by the walker and are free for software use.
	ptePresent   = uint32(1 << 0)
	pteRW        = uint32(1 << 1)
	pteUser      = uint32(1 << 2)
	pteFrameMask = uint32(0xfffff000)

	dirShift   = 22
	tableShift = 12
	indexMask  = uintptr(0x3ff)
)

// FaultCode encodes the page-fault error code pushed by the CPU.
type FaultCode uint32

const (
	// FaultProtection is set when the fault was caused by a page-level
	// protection violation; it is clear when the page was not present.
	FaultProtection FaultCode = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the faulting access originated in user-mode.
	FaultUser

	// FaultUnbacked is not part of the x86 error code. Translate sets it
	// when the table walk or the translated address falls outside of the
	// simulated RAM. Such accesses are never passed to the fault handler.
	FaultUnbacked FaultCode = 1 << 31
)

// FaultHandler is invoked by the MMU when a data access cannot be translated.
// It returns true if the fault was resolved and the access can be retried.
type FaultHandler func(code FaultCode, faultAddr uintptr) bool

var (
	// ErrCPUHalted is the value that Halt panics with.
	ErrCPUHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

	// ErrKernelFault is returned when a kernel-mode access through the
	// active page tables cannot be translated.
	ErrKernelFault = &kernel.Error{Module: "cpu", Message: "kernel-mode access to unmapped or protected address"}

	// ErrSegmentationFault is returned when a data access faults and the
	// installed fault handler does not resolve it.
	ErrSegmentationFault = &kernel.Error{Module: "cpu", Message: "unresolved page fault"}

	errBadRAMSize = &kernel.Error{Module: "cpu", Message: "ram size must be a non-zero multiple of the page size below 4GiB"}
)

type tlbEntry struct {
	frame    uintptr
	writable bool
	user     bool
}

// MMU models the memory management unit of a single core.
type MMU struct {
	mu sync.Mutex

	ram        []byte
	releaseRAM func([]byte) error

	cr3 uintptr
	tlb map[uintptr]tlbEntry

	// lastFaultAddr mirrors the CR2 register.
	lastFaultAddr uintptr

	faultHandler FaultHandler

	entryFlushes, fullFlushes uint64
}

// NewMMU creates an MMU backed by ramSize bytes of zeroed physical memory.
func NewMMU(ramSize uintptr) (*MMU, *kernel.Error) {
	if ramSize == 0 || ramSize&(pageSize-1) != 0 || uint64(ramSize) > 1<<32 {
		return nil, errBadRAMSize
	}

	ram, release, err := allocRAM(ramSize)
	if err != nil {
		return nil, &kernel.Error{Module: "cpu", Message: err.Error()}
	}

	return &MMU{
		ram:        ram,
		releaseRAM: release,
		tlb:        make(map[uintptr]tlbEntry),
	}, nil
}

// Close releases the simulated physical memory.
func (m *MMU) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ram == nil {
		return nil
	}

	ram := m.ram
	m.ram = nil
	return m.releaseRAM(ram)
}

// RAMSize returns the amount of simulated physical memory in bytes.
func (m *MMU) RAMSize() uintptr {
	return uintptr(len(m.ram))
}

// SetFaultHandler installs the callback that receives page faults raised by
// Read and Write.
func (m *MMU) SetFaultHandler(handler FaultHandler) {
	m.mu.Lock()
	m.faultHandler = handler
	m.mu.Unlock()
}

// ActivePDT returns the physical address of the currently active page
// directory.
func (m *MMU) ActivePDT() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cr3
}

// SwitchPDT sets the root page directory to the specified physical address
// and flushes the TLB.
func (m *MMU) SwitchPDT(pdtPhysAddr uintptr) {
	m.mu.Lock()
	m.cr3 = pdtPhysAddr &^ (pageSize - 1)
	m.flushAllLocked()
	m.mu.Unlock()
}

// FlushTLBEntry discards the cached translation for the page that contains
// virtAddr.
func (m *MMU) FlushTLBEntry(virtAddr uintptr) {
	m.mu.Lock()
	delete(m.tlb, virtAddr>>pageShift)
	m.entryFlushes++
	m.mu.Unlock()
}

// FlushTLB discards all cached translations.
func (m *MMU) FlushTLB() {
	m.mu.Lock()
	m.flushAllLocked()
	m.mu.Unlock()
}

func (m *MMU) flushAllLocked() {
	for vpn := range m.tlb {
		delete(m.tlb, vpn)
	}
	m.fullFlushes++
}

// TLBStats returns the number of single-entry and full TLB flushes performed
// so far.
func (m *MMU) TLBStats() (entryFlushes, fullFlushes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryFlushes, m.fullFlushes
}

// CR2 returns the address that caused the most recent page fault.
func (m *MMU) CR2() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFaultAddr
}

// ReadPhys32 reads a little-endian word from physical memory.
func (m *MMU) ReadPhys32(physAddr uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPhys32(physAddr)
}

// WritePhys32 writes a little-endian word to physical memory.
func (m *MMU) WritePhys32(physAddr uintptr, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writePhys32(physAddr, value)
}

// CopyFromPhys copies len(buf) bytes of physical memory starting at physAddr
// into buf. Bytes that are not backed by RAM read as 0xff.
func (m *MMU) CopyFromPhys(buf []byte, physAddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := copy(buf, m.ramFrom(physAddr, uintptr(len(buf))))
	for i := range buf[n:] {
		buf[n+i] = 0xff
	}
}

// CopyToPhys copies buf into physical memory starting at physAddr. Bytes that
// are not backed by RAM are dropped.
func (m *MMU) CopyToPhys(physAddr uintptr, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.ramFrom(physAddr, uintptr(len(buf))), buf)
}

// backed returns true if RAM backs the physical range [physAddr, physAddr+size).
func (m *MMU) backed(physAddr, size uintptr) bool {
	ramSize := uintptr(len(m.ram))
	return physAddr < ramSize && size <= ramSize-physAddr
}

// ramFrom returns the RAM slice that backs at most size bytes starting at
// physAddr.
func (m *MMU) ramFrom(physAddr, size uintptr) []byte {
	ramSize := uintptr(len(m.ram))
	if physAddr >= ramSize {
		return nil
	}

	if size > ramSize-physAddr {
		size = ramSize - physAddr
	}
	return m.ram[physAddr : physAddr+size]
}

// readPhys32 reads a word from RAM. Like an open bus, reads from addresses
// that are not backed by RAM return all ones.
func (m *MMU) readPhys32(physAddr uintptr) uint32 {
	if !m.backed(physAddr, 4) {
		return ^uint32(0)
	}
	return binary.LittleEndian.Uint32(m.ram[physAddr : physAddr+4])
}

// writePhys32 writes a word to RAM. Writes to addresses that are not backed
// by RAM are dropped.
func (m *MMU) writePhys32(physAddr uintptr, value uint32) {
	if !m.backed(physAddr, 4) {
		return
	}
	binary.LittleEndian.PutUint32(m.ram[physAddr:physAddr+4], value)
}

// Translate resolves virtAddr using the active page tables. The access
// argument describes the access type using the FaultWrite and FaultUser bits.
// If the translation fails, Translate returns the fault code that the CPU
// would push and false.
func (m *MMU) Translate(virtAddr uintptr, access FaultCode) (uintptr, FaultCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.translateLocked(virtAddr, access)
}

func (m *MMU) translateLocked(virtAddr uintptr, access FaultCode) (uintptr, FaultCode, bool) {
	vpn := virtAddr >> pageShift
	entry, cached := m.tlb[vpn]

	if !cached {
		pdeAddr := m.cr3 + ((virtAddr>>dirShift)&indexMask)<<2
		if !m.backed(pdeAddr, 4) {
			return 0, access | FaultUnbacked, false
		}

		pde := m.readPhys32(pdeAddr)
		if pde&ptePresent == 0 {
			return 0, access, false
		}

		pteAddr := uintptr(pde&pteFrameMask) + ((virtAddr>>tableShift)&indexMask)<<2
		if !m.backed(pteAddr, 4) {
			return 0, access | FaultUnbacked, false
		}

		pte := m.readPhys32(pteAddr)
		if pte&ptePresent == 0 {
			return 0, access, false
		}

		if !m.backed(uintptr(pte&pteFrameMask), pageSize) {
			return 0, access | FaultUnbacked, false
		}

		entry = tlbEntry{
			frame:    uintptr(pte & pteFrameMask),
			writable: pde&pte&pteRW != 0,
			user:     pde&pte&pteUser != 0,
		}
	}

	if (access&FaultWrite != 0 && !entry.writable) || (access&FaultUser != 0 && !entry.user) {
		return 0, access | FaultProtection, false
	}

	if !cached {
		m.tlb[vpn] = entry
	}

	return entry.frame | (virtAddr & (pageSize - 1)), 0, true
}

// Load32 performs a kernel-mode read of the word at virtAddr.
func (m *MMU) Load32(virtAddr uintptr) (uint32, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	physAddr, _, ok := m.translateLocked(virtAddr, 0)
	if !ok {
		return 0, ErrKernelFault
	}

	return m.readPhys32(physAddr), nil
}

// Store32 performs a kernel-mode write of value to virtAddr.
func (m *MMU) Store32(virtAddr uintptr, value uint32) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	physAddr, _, ok := m.translateLocked(virtAddr, FaultWrite)
	if !ok {
		return ErrKernelFault
	}

	m.writePhys32(physAddr, value)
	return nil
}

// Memset performs a kernel-mode fill of size bytes starting at virtAddr.
func (m *MMU) Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for size > 0 {
		physAddr, _, ok := m.translateLocked(virtAddr, FaultWrite)
		if !ok {
			return ErrKernelFault
		}

		chunk := pageSize - (virtAddr & (pageSize - 1))
		if chunk > size {
			chunk = size
		}

		target := m.ram[physAddr : physAddr+chunk]
		for i := range target {
			target[i] = value
		}

		virtAddr, size = virtAddr+chunk, size-chunk
	}

	return nil
}

// Read copies len(buf) bytes starting at virtAddr into buf. Accesses that
// cannot be translated raise a page fault; if the fault handler resolves it
// the access is retried once.
func (m *MMU) Read(virtAddr uintptr, buf []byte, user bool) *kernel.Error {
	return m.access(virtAddr, buf, user, false)
}

// Write copies buf to the virtual memory region starting at virtAddr. Faults
// are handled in the same way as Read.
func (m *MMU) Write(virtAddr uintptr, buf []byte, user bool) *kernel.Error {
	return m.access(virtAddr, buf, user, true)
}

func (m *MMU) access(virtAddr uintptr, buf []byte, user, write bool) *kernel.Error {
	var access FaultCode
	if write {
		access |= FaultWrite
	}
	if user {
		access |= FaultUser
	}

	for len(buf) > 0 {
		chunk := pageSize - (virtAddr & (pageSize - 1))
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		if err := m.copyPage(virtAddr, buf[:chunk], access); err != nil {
			return err
		}

		virtAddr, buf = virtAddr+chunk, buf[chunk:]
	}

	return nil
}

// copyPage performs an access that does not cross a page boundary, raising a
// page fault if virtAddr cannot be translated. The fault handler is invoked
// without holding the MMU lock as it will modify the page tables and flush
// TLB entries. A resolved fault causes the access to be retried once.
func (m *MMU) copyPage(virtAddr uintptr, buf []byte, access FaultCode) *kernel.Error {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		physAddr, code, ok := m.translateLocked(virtAddr, access)
		if ok {
			if access&FaultWrite != 0 {
				copy(m.ram[physAddr:physAddr+uintptr(len(buf))], buf)
			} else {
				copy(buf, m.ram[physAddr:physAddr+uintptr(len(buf))])
			}
			m.mu.Unlock()
			return nil
		}
		m.lastFaultAddr = virtAddr
		handler := m.faultHandler
		m.mu.Unlock()

		if attempt != 0 || handler == nil || code&FaultUnbacked != 0 || !handler(code, virtAddr) {
			break
		}
	}

	return ErrSegmentationFault
}

// Halt stops instruction execution. The simulated core unwinds the calling
// task by panicking with ErrCPUHalted.
func Halt() {
	panic(ErrCPUHalted)
}

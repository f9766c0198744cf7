// Package multiboot decodes the multiboot2 boot information structure that
// the boot loader hands to the kernel. Only the tags required by the memory
// subsystem are interpreted: the memory map, the list of loaded boot modules
// and the kernel command line.
package multiboot

import (
	"encoding/binary"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header that precedes
	// each tag. Tags always start at 8-byte aligned offsets.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size/version header at the
	// start of the memory map tag.
	mmapHeaderSize = 8

	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ModuleVisitor is invoked by VisitModules for each boot module. The module
// occupies the physical range [start, end). The visitor must return true to
// continue or false to abort the scan.
type ModuleVisitor func(name string, start, end uintptr) bool

// Info provides access to a multiboot2 information structure.
type Info struct {
	data      []byte
	cmdLineKV map[string]string
}

// NewInfo wraps the raw multiboot2 information structure in data.
func NewInfo(data []byte) *Info {
	return &Info{data: data}
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := i.findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(i.data[offset:]))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur, end := offset+mmapHeaderSize, offset+size; cur+mmapEntrySize <= end; cur += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(i.data[cur:])
		entry.Length = binary.LittleEndian.Uint64(i.data[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(i.data[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitModules invokes visitor for each module loaded by the boot loader.
func (i *Info) VisitModules(visitor ModuleVisitor) {
	i.visitTags(func(tag tagType, offset, size int) bool {
		if tag != tagModules || size < 8 {
			return true
		}

		start := uintptr(binary.LittleEndian.Uint32(i.data[offset:]))
		end := uintptr(binary.LittleEndian.Uint32(i.data[offset+4:]))
		return visitor(cString(i.data[offset+8:offset+size]), start, end)
	})
}

// BootCmdLine returns the command line key-value pairs passed to the kernel.
// Arguments without a value (e.g. "nofoo") map to themselves.
func (i *Info) BootCmdLine() map[string]string {
	if i.cmdLineKV != nil {
		return i.cmdLineKV
	}

	i.cmdLineKV = make(map[string]string)

	offset, size := i.findTagByType(tagBootCmdLine)
	if size == 0 {
		return i.cmdLineKV
	}

	for _, pair := range strings.Fields(cString(i.data[offset : offset+size])) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			i.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			i.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return i.cmdLineKV
}

// findTagByType scans the multiboot info data looking for the first tag of
// the specified type. It returns the offset of the tag contents and the
// content length excluding the tag header, or (0, 0) if the tag is missing.
func (i *Info) findTagByType(wanted tagType) (int, int) {
	var foundOffset, foundSize int
	i.visitTags(func(tag tagType, offset, size int) bool {
		if tag != wanted {
			return true
		}

		foundOffset, foundSize = offset, size
		return false
	})

	return foundOffset, foundSize
}

// visitTags invokes visitor with the content offset and size of each tag
// until the end tag is reached, the data is exhausted or the visitor
// returns false.
func (i *Info) visitTags(visitor func(tag tagType, offset, size int) bool) {
	for cur := infoHeaderSize; cur+tagHeaderSize <= len(i.data); {
		tag := tagType(binary.LittleEndian.Uint32(i.data[cur:]))
		size := int(binary.LittleEndian.Uint32(i.data[cur+4:]))
		if tag == tagMbSectionEnd || size < tagHeaderSize || cur+size > len(i.data) {
			return
		}

		if !visitor(tag, cur+tagHeaderSize, size-tagHeaderSize) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + 7) &^ 7
	}
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	if end := strings.IndexByte(string(b), 0); end >= 0 {
		return string(b[:end])
	}
	return string(b)
}

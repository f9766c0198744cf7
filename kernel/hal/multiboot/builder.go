package multiboot

import "encoding/binary"

type bootModule struct {
	name       string
	start, end uintptr
}

// Builder assembles a multiboot2 information structure. It allows hosted
// environments to hand the kernel the same boot information that a real
// boot loader would provide.
type Builder struct {
	cmdLine string
	regions []MemoryMapEntry
	modules []bootModule
}

// SetCmdLine sets the kernel command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// AddMemRegion appends an entry to the memory map.
func (b *Builder) AddMemRegion(physAddr, length uint64, memType MemoryEntryType) *Builder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: memType})
	return b
}

// AddModule appends a boot module that occupies the physical range [start, end).
func (b *Builder) AddModule(name string, start, end uintptr) *Builder {
	b.modules = append(b.modules, bootModule{name: name, start: start, end: end})
	return b
}

// Bytes encodes the information structure.
func (b *Builder) Bytes() []byte {
	data := make([]byte, infoHeaderSize)

	if b.cmdLine != "" {
		data = appendTag(data, tagBootCmdLine, append([]byte(b.cmdLine), 0))
	}

	for _, mod := range b.modules {
		payload := make([]byte, 8, 8+len(mod.name)+1)
		binary.LittleEndian.PutUint32(payload, uint32(mod.start))
		binary.LittleEndian.PutUint32(payload[4:], uint32(mod.end))
		payload = append(append(payload, mod.name...), 0)
		data = appendTag(data, tagModules, payload)
	}

	if len(b.regions) != 0 {
		payload := make([]byte, mmapHeaderSize+len(b.regions)*mmapEntrySize)
		binary.LittleEndian.PutUint32(payload, mmapEntrySize)
		for index, region := range b.regions {
			entry := payload[mmapHeaderSize+index*mmapEntrySize:]
			binary.LittleEndian.PutUint64(entry, region.PhysAddress)
			binary.LittleEndian.PutUint64(entry[8:], region.Length)
			binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
		}
		data = appendTag(data, tagMemoryMap, payload)
	}

	data = appendTag(data, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

func appendTag(data []byte, tag tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	data = append(append(data, hdr[:]...), payload...)
	for len(data)&7 != 0 {
		data = append(data, 0)
	}
	return data
}

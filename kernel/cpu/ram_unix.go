//go:build unix

package cpu

import "golang.org/x/sys/unix"

// allocRAM maps an anonymous private region to serve as physical memory. The
// kernel zero-fills anonymous mappings so the simulated RAM starts out clean.
func allocRAM(size uintptr) ([]byte, func([]byte) error, error) {
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return ram, unix.Munmap, nil
}

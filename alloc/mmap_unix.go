//go:build unix

package alloc

import "golang.org/x/sys/unix"

// mapMemory reserves size bytes of page-backed, zero-initialized memory
// outside the Go heap, so addresses stay stable for the device's lifetime.
func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapMemory(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

//go:build !unix

package alloc

// Fallback for platforms without mmap. Heap slices do not move under the
// current runtime, which is sufficient for tests; production targets are
// unix.
func mapMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapMemory([]byte) error {
	return nil
}

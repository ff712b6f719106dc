package alloc

import (
	"unsafe"

	"github.com/perjahn/asahilinux/fw"
)

// Object is a typed firmware-shared object placed in an arena. The host
// accesses it through Ptr; the firmware through GpuVa.
type Object[T any] struct {
	buf Buf
	ptr *T
}

// New places a zero value of T in the arena.
func New[T any](a *Arena) (*Object[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	buf, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Object[T]{
		buf: buf,
		ptr: (*T)(unsafe.Pointer(unsafe.SliceData(buf.b))),
	}, nil
}

// Ptr returns the host view of the object.
func (o *Object[T]) Ptr() *T {
	return o.ptr
}

// GpuVa returns the device address of the object.
func (o *Object[T]) GpuVa() fw.GpuVa {
	return o.buf.GpuVa()
}

// Slice is a typed firmware-shared array placed in an arena.
type Slice[T any] struct {
	buf Buf
	s   []T
}

// NewSlice places a zero-initialized array of n elements of T in the arena.
func NewSlice[T any](a *Arena, n int) (*Slice[T], error) {
	if n <= 0 {
		panic(`alloc: non-positive slice length`)
	}
	var zero T
	size := n * int(unsafe.Sizeof(zero))
	buf, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Slice[T]{
		buf: buf,
		s:   unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(buf.b))), n),
	}, nil
}

// Elems returns the host view of the array.
func (s *Slice[T]) Elems() []T {
	return s.s
}

// GpuVa returns the device address of the first element.
func (s *Slice[T]) GpuVa() fw.GpuVa {
	return s.buf.GpuVa()
}

// ElemVa returns the device address of element i.
func (s *Slice[T]) ElemVa(i int) fw.GpuVa {
	var zero T
	return s.buf.GpuVa() + fw.GpuVa(i)*fw.GpuVa(unsafe.Sizeof(zero))
}

// View reinterprets the device memory at va as a T, the way the firmware
// dereferences pointers it was handed. It reports false when a T does not
// fit inside the arena at va. The caller is responsible for va actually
// naming a T; atomic fields require va to be naturally aligned.
func View[T any](a *Arena, va fw.GpuVa) (*T, bool) {
	var zero T
	b, ok := a.Lookup(va, int(unsafe.Sizeof(zero)))
	if !ok {
		return nil, false
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), true
}

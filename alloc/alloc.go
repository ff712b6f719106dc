// Package alloc provides device-visible, address-stable storage for
// firmware-shared objects.
//
// An Arena is a fixed-size, zero-initialized mapping with a device virtual
// address window. Allocations never move and are never individually freed;
// the arena is released as a whole when its owner (typically a queue) goes
// away, which matches the lifetime of everything the firmware can see.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/perjahn/asahilinux/fw"
)

var (
	// ErrArenaFull is returned when an allocation does not fit in the
	// arena's remaining space.
	ErrArenaFull = errors.New("alloc: arena full")

	// ErrArenaClosed is returned when allocating from a closed arena.
	ErrArenaClosed = errors.New("alloc: arena closed")
)

// Align is the alignment of every allocation, chosen to keep firmware-side
// accesses within naturally aligned groups.
const Align = 64

// DefaultBase is the start of the device virtual address window mapped by
// NewArena, unless overridden with WithBase.
const DefaultBase fw.GpuVa = 0x15_0000_0000

type (
	// Arena is a bump allocator over one device-visible mapping.
	// Instances must be created with NewArena. All methods are safe for
	// concurrent use.
	Arena struct {
		mu     sync.Mutex
		mem    []byte
		base   fw.GpuVa
		off    int
		closed bool
	}

	// Buf is one allocation: a byte region with a stable device address.
	Buf struct {
		b  []byte
		va fw.GpuVa
	}

	// ArenaOption configures NewArena.
	ArenaOption interface {
		applyArena(*arenaOptions) error
	}

	arenaOptions struct {
		base fw.GpuVa
	}

	arenaOptionImpl struct {
		applyArenaFunc func(*arenaOptions) error
	}
)

func (o *arenaOptionImpl) applyArena(opts *arenaOptions) error {
	return o.applyArenaFunc(opts)
}

// WithBase overrides the start of the arena's device address window.
// Callers mapping more than one arena into the same device view must keep
// the windows disjoint.
func WithBase(base fw.GpuVa) ArenaOption {
	return &arenaOptionImpl{func(opts *arenaOptions) error {
		if base%Align != 0 {
			return fmt.Errorf("alloc: base %s is not %d-byte aligned", base, Align)
		}
		opts.base = base
		return nil
	}}
}

// NewArena maps size bytes of zero-initialized, address-stable storage.
func NewArena(size int, options ...ArenaOption) (*Arena, error) {
	if size <= 0 {
		panic(`alloc: non-positive arena size`)
	}
	cfg := arenaOptions{base: DefaultBase}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o.applyArena(&cfg); err != nil {
			return nil, err
		}
	}
	mem, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("alloc: mapping %d bytes: %w", size, err)
	}
	return &Arena{mem: mem, base: cfg.base}, nil
}

// Alloc reserves size bytes. The returned Buf is zero-initialized and its
// device address is stable until the arena is closed.
func (a *Arena) Alloc(size int) (Buf, error) {
	if size <= 0 {
		panic(`alloc: non-positive allocation size`)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Buf{}, ErrArenaClosed
	}
	off := (a.off + Align - 1) &^ (Align - 1)
	if off+size > len(a.mem) {
		return Buf{}, fmt.Errorf("%w: %d bytes requested, %d free", ErrArenaFull, size, len(a.mem)-off)
	}
	a.off = off + size
	return Buf{
		b:  a.mem[off : off+size : off+size],
		va: a.base + fw.GpuVa(off),
	}, nil
}

// Lookup translates a device address range back to host memory, as the
// device would see it. It returns false if the range does not lie inside
// the arena's window.
func (a *Arena) Lookup(va fw.GpuVa, size int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || size < 0 || va < a.base {
		return nil, false
	}
	off := int(va - a.base)
	if off+size > a.off {
		return nil, false
	}
	return a.mem[off : off+size : off+size], true
}

// Base returns the start of the arena's device address window.
func (a *Arena) Base() fw.GpuVa {
	return a.base
}

// Size returns the arena's capacity in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Close releases the mapping. Outstanding Buf values, and pointers derived
// from them, must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	mem := a.mem
	a.mem = nil
	return unmapMemory(mem)
}

// Bytes returns the allocation's backing memory.
func (b Buf) Bytes() []byte {
	return b.b
}

// GpuVa returns the allocation's device address.
func (b Buf) GpuVa() fw.GpuVa {
	return b.va
}

// Size returns the allocation's length in bytes.
func (b Buf) Size() int {
	return len(b.b)
}

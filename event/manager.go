package event

import (
	"errors"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/perjahn/asahilinux/alloc"
	"github.com/perjahn/asahilinux/fw"
)

// ErrExhausted is returned by Lease when every event slot is held by a
// queue.
var ErrExhausted = errors.New("event: no free event slots")

// DefaultSlotCount is the size of the hardware event table.
const DefaultSlotCount = 128

type (
	// Owner receives the notifications routed to a leased slot. Both
	// methods are called from the firmware notification path and must do
	// bounded work.
	Owner interface {
		// Signal is invoked when the slot's counter may have advanced. It
		// reports whether the owner is now idle.
		Signal() bool
		// MarkError classifies all of the owner's outstanding work at or
		// before value as failed with cause.
		MarkError(value Value, cause error)
	}

	// Manager is the event-slot pool. Instances must be created with
	// NewManager. All methods are safe for concurrent use.
	Manager struct {
		logger   *logiface.Logger[logiface.Event]
		stamps   *alloc.Slice[fw.Stamp]
		fwStamps *alloc.Slice[fw.FwStamp]

		mu    sync.Mutex
		slots []managerSlot
	}

	managerSlot struct {
		owner Owner // nil when free
	}

	// ManagerOption configures NewManager.
	ManagerOption interface {
		applyManager(*managerOptions) error
	}

	managerOptions struct {
		slotCount int
		logger    *logiface.Logger[logiface.Event]
	}

	managerOptionImpl struct {
		applyManagerFunc func(*managerOptions) error
	}
)

func (o *managerOptionImpl) applyManager(opts *managerOptions) error {
	return o.applyManagerFunc(opts)
}

// WithSlotCount overrides the event-table size.
// **Defaults to DefaultSlotCount.**
func WithSlotCount(n int) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if n <= 0 {
			return errors.New("event: slot count must be positive")
		}
		opts.slotCount = n
		return nil
	}}
}

// WithLogger attaches a logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ManagerOption {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewManager allocates the stamp tables in the given arena and returns an
// empty pool.
func NewManager(a *alloc.Arena, options ...ManagerOption) (*Manager, error) {
	if a == nil {
		panic(`event: nil arena`)
	}
	cfg := managerOptions{slotCount: DefaultSlotCount}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o.applyManager(&cfg); err != nil {
			return nil, err
		}
	}
	stamps, err := alloc.NewSlice[fw.Stamp](a, cfg.slotCount)
	if err != nil {
		return nil, err
	}
	fwStamps, err := alloc.NewSlice[fw.FwStamp](a, cfg.slotCount)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:   cfg.logger,
		stamps:   stamps,
		fwStamps: fwStamps,
		slots:    make([]managerSlot, cfg.slotCount),
	}, nil
}

// Lease hands out a free slot, registering owner for notification routing.
// If prev names a slot that is currently free it is reused, which avoids
// rewriting the firmware's event table entry for queues that go idle and
// come back.
func (m *Manager) Lease(prev Token, owner Owner) (*Event, error) {
	if owner == nil {
		panic(`event: nil owner`)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := -1, false
	if prev.valid && m.slots[prev.slot].owner == nil {
		slot, ok = int(prev.slot), true
	} else {
		for i := range m.slots {
			if m.slots[i].owner == nil {
				slot, ok = i, true
				break
			}
		}
	}
	if !ok {
		return nil, ErrExhausted
	}

	m.slots[slot].owner = owner
	m.logger.Debug().
		Uint64("slot", uint64(slot)).
		Bool("reused", prev.valid && int(prev.slot) == slot).
		Log("event leased")
	return &Event{
		mgr:     m,
		slot:    Slot(slot),
		stamp:   &m.stamps.Elems()[slot],
		fwStamp: &m.fwStamps.Elems()[slot],
	}, nil
}

// Release returns a slot to the pool. The owning queue must have no
// outstanding batches against it.
func (m *Manager) Release(e *Event) {
	if e == nil {
		panic(`event: nil event`)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[e.slot].owner == nil {
		panic(`event: release of unleased slot`)
	}
	m.slots[e.slot].owner = nil
	m.logger.Debug().Uint64("slot", uint64(e.slot)).Log("event released")
}

// Signal routes a completion notification for slot to its owner, if any.
// It returns the owner's idle report, and true when no owner held the slot.
func (m *Manager) Signal(slot Slot) bool {
	owner := m.ownerOf(slot)
	if owner == nil {
		return true
	}
	return owner.Signal()
}

// MarkError routes a failure notification for slot to its owner, if any.
func (m *Manager) MarkError(slot Slot, value Value, cause error) {
	owner := m.ownerOf(slot)
	if owner == nil {
		m.logger.Warning().
			Uint64("slot", uint64(slot)).
			Err(cause).
			Log("failure notification for unleased slot")
		return
	}
	owner.MarkError(value, cause)
}

// FreeSlots returns the number of slots not currently leased.
func (m *Manager) FreeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for i := range m.slots {
		if m.slots[i].owner == nil {
			n++
		}
	}
	return n
}

// SlotCount returns the event-table size.
func (m *Manager) SlotCount() int {
	return len(m.slots)
}

// The owner reference is copied out under the pool lock, and the owner is
// invoked outside it: owners take their own queue lock in Signal/MarkError,
// and may call back into Release.
func (m *Manager) ownerOf(slot Slot) Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(slot) >= len(m.slots) {
		return nil
	}
	return m.slots[slot].owner
}

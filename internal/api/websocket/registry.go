package websocket

import (
	"sync"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/google/uuid"
)

// Session is a live device connection as seen by the Registry.
type Session interface {
	ID() uuid.UUID
	Close(code int, reason string)
}

// Registry tracks the current live session per device uuid. A newer
// session always wins; the one it replaces is handed back to the caller.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*deviceSlot
}

type deviceSlot struct {
	current Session
	// generation changes on every Claim and Release of the slot.
	generation uint64
	// refs counts Reconcile calls in flight; the slot outlives them.
	refs int
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*deviceSlot)}
}

// Claim makes s the current session for deviceUUID and returns the session
// it superseded, if any.
func (r *Registry) Claim(deviceUUID string, s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slotLocked(deviceUUID)
	previous := slot.current
	slot.current = s
	slot.generation++
	return previous
}

// Release clears deviceUUID only if s is still its current session.
func (r *Registry) Release(deviceUUID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[deviceUUID]
	if !ok || slot.current == nil || slot.current.ID() != s.ID() {
		return false
	}
	slot.current = nil
	slot.generation++
	r.gcLocked(deviceUUID, slot)
	return true
}

func (r *Registry) Current(deviceUUID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.slots[deviceUUID]; ok {
		return slot.current
	}
	return nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, slot := range r.slots {
		if slot.current != nil {
			n++
		}
	}
	return n
}

// Kick closes the current session for deviceUUID, if there is one.
func (r *Registry) Kick(deviceUUID string, code int, reason string) bool {
	current := r.Current(deviceUUID)
	if current == nil {
		return false
	}
	current.Close(code, reason)
	return true
}

// CloseAll closes every live session and returns how many there were.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	live := make([]Session, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot.current != nil {
			live = append(live, slot.current)
		}
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Close(code, reason)
	}
	return len(live)
}

// Reconcile calls write with the status the registry implies for
// deviceUUID: online while a session holds it, offline otherwise. No lock is
// held during write. If the slot was claimed or released while write ran,
// the status is re-read and written again, so whichever call finishes last
// leaves the store matching the registry.
func (r *Registry) Reconcile(deviceUUID string, write func(types.DeviceStatus) error) (types.DeviceStatus, error) {
	r.mu.Lock()
	slot := r.slotLocked(deviceUUID)
	slot.refs++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		slot.refs--
		r.gcLocked(deviceUUID, slot)
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		generation := slot.generation
		status := statusOf(slot)
		r.mu.Unlock()

		if err := write(status); err != nil {
			return status, err
		}

		r.mu.Lock()
		settled := slot.generation == generation
		r.mu.Unlock()

		if settled {
			return status, nil
		}
	}
}

func statusOf(slot *deviceSlot) types.DeviceStatus {
	if slot.current != nil {
		return types.DeviceStatusOnline
	}
	return types.DeviceStatusOffline
}

func (r *Registry) slotLocked(deviceUUID string) *deviceSlot {
	slot, ok := r.slots[deviceUUID]
	if !ok {
		slot = &deviceSlot{}
		r.slots[deviceUUID] = slot
	}
	return slot
}

func (r *Registry) gcLocked(deviceUUID string, slot *deviceSlot) {
	if slot.current == nil && slot.refs == 0 {
		delete(r.slots, deviceUUID)
	}
}

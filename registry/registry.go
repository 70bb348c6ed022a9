// Package registry is the process-wide tunnel supervisor: it starts
// and stops tunnel actors, guarantees uniqueness on tunnel id, and
// exposes lookup by tunnel id and by interface id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peridio/peridio-rat/driver"
	"github.com/peridio/peridio-rat/model"
	"github.com/peridio/peridio-rat/tunnel"
)

// ErrAlreadyRunning is returned by Open when id already names a live
// tunnel.
var ErrAlreadyRunning = errors.New("registry: already running")

// ErrNotRunning is returned by Close/Extend/GetByInterfaceID for an
// unknown id.
var ErrNotRunning = errors.New("registry: not running")

// entry is what the registry keeps per live tunnel: the handle callers
// drive plus the interface descriptor it was opened with, so List can
// report the (id, handle, interface) triple without a second lookup.
type entry struct {
	handle *tunnel.Handle
	iface  model.Interface
}

// ListEntry is one row of List's result: a live tunnel id, the handle
// used to drive it, and the interface descriptor it was opened with.
type ListEntry struct {
	ID        string
	Handle    *tunnel.Handle
	Interface model.Interface
}

// Registry is a process-wide id -> entry map with a secondary index on
// interface id, guarded by a single RWMutex: reads (List,
// GetByInterfaceID) take the read lock, writes (insert on Open, remove
// on actor exit) take the write lock. Open additionally serializes
// concurrent attempts for the same id so exactly one wins.
type Registry struct {
	drv driver.Driver

	mu        sync.RWMutex
	byID      map[string]entry
	byIfaceID map[string]entry
	opening   map[string]bool
}

// New builds an empty Registry backed by drv.
func New(drv driver.Driver) *Registry {
	return &Registry{
		drv:       drv,
		byID:      map[string]entry{},
		byIfaceID: map[string]entry{},
		opening:   map[string]bool{},
	}
}

// Open spawns a new tunnel actor for id, or returns ErrAlreadyRunning
// if one is already live or being opened. On success, a .conf has
// already been written before Open returns.
func (r *Registry) Open(ctx context.Context, id string, iface model.Interface, peer model.Peer, opts model.Options) (*tunnel.Handle, error) {
	r.mu.Lock()
	if _, live := r.byID[id]; live || r.opening[id] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r.opening[id] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.opening, id)
		r.mu.Unlock()
	}()

	h, err := tunnel.Open(ctx, id, iface, peer, opts, r.drv)
	if err != nil {
		return nil, err
	}

	e := entry{handle: h, iface: iface}
	r.mu.Lock()
	r.byID[id] = e
	r.byIfaceID[h.InterfaceID] = e
	r.mu.Unlock()

	go r.reap(id, h)
	return h, nil
}

// reap removes id from both indices once its actor exits, including
// abnormal exit — tunnels are not restarted on crash.
func (r *Registry) reap(id string, h *tunnel.Handle) {
	<-h.Done()
	r.mu.Lock()
	if e, ok := r.byID[id]; ok && e.handle == h {
		delete(r.byID, id)
	}
	if e, ok := r.byIfaceID[h.InterfaceID]; ok && e.handle == h {
		delete(r.byIfaceID, h.InterfaceID)
	}
	r.mu.Unlock()
	zap.S().Debugf("registry: reaped %s (%s)", id, h.InterfaceID)
}

// Close requests the tunnel named id stop with the given reason.
func (r *Registry) Close(id string, reason model.ExitReason) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	e.handle.Close(reason)
	return nil
}

// Extend reschedules the TTL timer of the tunnel named id.
func (r *Registry) Extend(id string, newExpiresAt time.Time) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	e.handle.Extend(newExpiresAt)
	return nil
}

// GetState returns a snapshot of the tunnel named id.
func (r *Registry) GetState(id string) (tunnel.Snapshot, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return tunnel.Snapshot{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return e.handle.GetState(), nil
}

// GetByInterfaceID looks a tunnel up by its OS interface name.
func (r *Registry) GetByInterfaceID(ifaceID string) (*tunnel.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIfaceID[ifaceID]
	if !ok {
		return nil, fmt.Errorf("%w: interface %s", ErrNotRunning, ifaceID)
	}
	return e.handle, nil
}

// List returns every currently-live tunnel as an (id, handle,
// interface) triple.
func (r *Registry) List() []ListEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ListEntry, 0, len(r.byID))
	for id, e := range r.byID {
		out = append(out, ListEntry{ID: id, Handle: e.handle, Interface: e.iface})
	}
	return out
}

// Package registry holds the persistent mapping from community to trigger to
// stored image file name.
//
// The registry is loaded once at startup and written through on every
// mutation: each successful Store or Remove re-serializes the whole mapping
// to the snapshot file before returning. A trigger, once stored in a
// community, is immutable until it is removed.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/emocchi/pkg/filestore"
	"github.com/entrhq/emocchi/pkg/logging"
)

// SnapshotName is the snapshot file name relative to the storage root.
const SnapshotName = "macros.json"

var (
	// ErrCorruptSnapshot is returned by Load when the snapshot exists but cannot be decoded.
	ErrCorruptSnapshot = errors.New("registry: corrupt snapshot")

	// ErrPersist is returned when the snapshot cannot be written. The in-memory
	// registry keeps the mutation and may now disagree with durable state.
	ErrPersist = errors.New("registry: persist failed")

	// ErrInvalidEntry is returned by Store for empty community, trigger or file name.
	ErrInvalidEntry = errors.New("registry: invalid entry")
)

// Registry is the trigger registry. It is safe for concurrent use.
type Registry struct {
	files    *filestore.Store
	snapshot string
	log      *logging.Logger

	mu   sync.RWMutex
	data map[string]*triggerTable

	// locks serializes check-then-persist per community
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// persistMu serializes encode+write so the last snapshot written is the newest
	persistMu sync.Mutex
}

// New creates an empty registry whose snapshot lives at the root of files.
// Call Load before use to restore the previous state.
func New(files *filestore.Store, log *logging.Logger) *Registry {
	return &Registry{
		files:    files,
		snapshot: SnapshotName,
		log:      log,
		data:     make(map[string]*triggerTable),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Load replaces the in-memory mapping with the snapshot contents. A missing
// snapshot yields an empty registry.
func (r *Registry) Load() error {
	raw, ok, err := r.files.Read("", r.snapshot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	data := make(map[string]*triggerTable)
	if ok {
		var decoded map[string]*triggerTable
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptSnapshot, r.snapshot, err)
		}
		for community, table := range decoded {
			if table != nil && len(table.order) > 0 {
				data[community] = table
			}
		}
	}

	r.mu.Lock()
	r.data = data
	r.mu.Unlock()

	r.log.Infof("loaded %d communities from %s (found=%t)", len(data), r.snapshot, ok)
	return nil
}

// Persist writes the entire mapping to the snapshot file. The file is staged
// under a temporary name and renamed over the snapshot.
func (r *Registry) Persist() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	raw, err := json.Marshal(r.data)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}

	tmp := r.snapshot + ".tmp"
	if err := r.files.Write("", tmp, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := r.files.Rename("", tmp, r.snapshot); err != nil {
		_ = r.files.Delete("", tmp) // best-effort cleanup
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (r *Registry) communityLock(community string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[community]
	if !ok {
		l = &sync.Mutex{}
		r.locks[community] = l
	}
	return l
}

// Store records fileName for trigger in community if the trigger is free and
// persists the registry. It reports whether the insertion happened; a
// trigger that is already taken is left untouched.
func (r *Registry) Store(community, trigger, fileName string) (bool, error) {
	if community == "" || trigger == "" || fileName == "" {
		return false, fmt.Errorf("%w: community=%q trigger=%q file=%q", ErrInvalidEntry, community, trigger, fileName)
	}

	cl := r.communityLock(community)
	cl.Lock()
	defer cl.Unlock()

	r.mu.Lock()
	table, ok := r.data[community]
	if !ok {
		table = newTriggerTable()
		r.data[community] = table
	}
	inserted := table.insert(trigger, fileName)
	r.mu.Unlock()

	if !inserted {
		return false, nil
	}
	if err := r.Persist(); err != nil {
		r.log.Errorf("store %s/%s: %v", community, trigger, err)
		return true, err
	}
	r.log.Debugf("stored %s/%s -> %s", community, trigger, fileName)
	return true, nil
}

// Retrieve returns the file name stored for trigger in community.
func (r *Registry) Retrieve(community, trigger string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.data[community]
	if !ok {
		return "", false
	}
	return table.get(trigger)
}

// Remove deletes trigger from community and persists the registry. It
// returns the removed file name so the caller can delete the image; an
// unknown trigger is a no-op with ok == false.
func (r *Registry) Remove(community, trigger string) (fileName string, ok bool, err error) {
	cl := r.communityLock(community)
	cl.Lock()
	defer cl.Unlock()

	r.mu.Lock()
	table, exists := r.data[community]
	if exists {
		fileName, ok = table.delete(trigger)
		if len(table.order) == 0 {
			delete(r.data, community)
		}
	}
	r.mu.Unlock()

	if !ok {
		return "", false, nil
	}
	if err := r.Persist(); err != nil {
		r.log.Errorf("remove %s/%s: %v", community, trigger, err)
		return fileName, true, err
	}
	r.log.Debugf("removed %s/%s (%s)", community, trigger, fileName)
	return fileName, true, nil
}

// ListTriggers returns the triggers of community in insertion order. An
// unknown community yields an empty, non-nil slice.
func (r *Registry) ListTriggers(community string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.data[community]
	if !ok {
		return []string{}
	}
	return table.triggers()
}

// Len returns the number of triggers stored for community.
func (r *Registry) Len(community string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if table, ok := r.data[community]; ok {
		return len(table.order)
	}
	return 0
}

// Communities returns the sorted identifiers of communities with at least one trigger.
func (r *Registry) Communities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.data))
	for community := range r.data {
		out = append(out, community)
	}
	sort.Strings(out)
	return out
}

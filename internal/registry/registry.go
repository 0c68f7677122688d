// Package registry implements the core's process-wide object map:
// a dense-id store of live Objects, a string-interning map of type
// URIs, and the object_added/object_removed signal traffic that
// drives the daemon's graph policy.
//
// Grounded on the mutex-protected typed-map registry shape used by
// PipeWire-style client object caches, narrowed to the single add/
// remove/lookup/iterate contract spec.md §4.1 requires, with a
// bounded LRU standing in for the reverse id->uri lookups that would
// otherwise grow unbounded over a long-running daemon.
package registry

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SignalObjectAdded and SignalObjectRemoved are the two signals the
// registry emits on its owning Bus.
const (
	SignalObjectAdded   = "object_added"
	SignalObjectRemoved = "object_removed"
)

// Impl is the capability surface every registry Object exposes. Real
// node/link/client implementations satisfy a richer interface; the
// registry itself only needs to know an object's id and type are
// immutable for its lifetime, which it reads through the Object
// method.
type Impl interface {
	// Object returns the stable identity the registry assigned.
	Object() *Object
}

// Object is the registry's identity triple: a stable integer id, an
// interned type code, and the implementation it identifies. Object
// and type are immutable for as long as the object is registered.
type Object struct {
	id       uint32
	typeCode uint32
	typeURI  string
	impl     Impl
}

// ID returns the object's registry id.
func (o *Object) ID() uint32 { return o.id }

// TypeURI returns the object's interned type URI.
func (o *Object) TypeURI() string { return o.typeURI }

// TypeCode returns the object's interned type code.
func (o *Object) TypeCode() uint32 { return o.typeCode }

// Impl returns the registered implementation.
func (o *Object) Impl() Impl { return o.impl }

// Bus is the minimal signal-emitting contract the registry depends
// on, satisfied by *signalbus.Bus.
type Bus interface {
	Emit(signal string, data any)
}

// Registry is the process-wide object map described in spec.md §3/§4.1.
type Registry struct {
	mu sync.RWMutex

	bus Bus

	slots    map[uint32]*Object
	nextID   uint32
	freeList []uint32

	typeCodes map[string]uint32
	nextType  uint32
	typeCache *lru.Cache[uint32, string]
}

// New returns a Registry that emits object_added/object_removed on bus.
// cacheSize bounds the reverse type-code lookup cache; 0 selects a
// sane default.
func New(bus Bus, cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[uint32, string](cacheSize)
	return &Registry{
		bus:       bus,
		slots:     make(map[uint32]*Object),
		typeCodes: make(map[string]uint32),
		typeCache: cache,
	}
}

// MapURI interns typeURI, returning the same code for equal strings
// within this process for the life of the Registry.
func (r *Registry) MapURI(typeURI string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapURILocked(typeURI)
}

func (r *Registry) mapURILocked(typeURI string) uint32 {
	if code, ok := r.typeCodes[typeURI]; ok {
		return code
	}
	r.nextType++
	code := r.nextType
	r.typeCodes[typeURI] = code
	r.typeCache.Add(code, typeURI)
	return code
}

// Add assigns the next free id (reusing a cleared slot when one is
// available), stores impl under it, and emits object_added after
// insertion. The returned Object is stable for impl's lifetime.
func (r *Registry) Add(typeURI string, impl Impl) *Object {
	r.mu.Lock()
	var id uint32
	if n := len(r.freeList); n > 0 {
		id = r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
	} else {
		r.nextID++
		id = r.nextID
	}
	obj := &Object{
		id:       id,
		typeCode: r.mapURILocked(typeURI),
		typeURI:  typeURI,
		impl:     impl,
	}
	r.slots[id] = obj
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(SignalObjectAdded, obj)
	}
	return obj
}

// Remove emits object_removed (while the slot is still populated),
// then clears the slot. Lookups by id fail until the id is reused.
func (r *Registry) Remove(obj *Object) {
	if obj == nil {
		return
	}
	r.mu.RLock()
	_, present := r.slots[obj.id]
	r.mu.RUnlock()
	if !present {
		return
	}
	if r.bus != nil {
		r.bus.Emit(SignalObjectRemoved, obj)
	}
	r.mu.Lock()
	delete(r.slots, obj.id)
	r.freeList = append(r.freeList, obj.id)
	r.mu.Unlock()
}

// Lookup returns the live object for id, or ok=false if the slot is
// empty (never added, or already removed).
func (r *Registry) Lookup(id uint32) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.slots[id]
	return obj, ok
}

// Iter returns a snapshot slice of all currently live objects. Because
// it is a snapshot, concurrent Add/Remove calls during iteration by
// the caller are safe: the caller always sees a consistent view taken
// at the moment of the call, never a slot being mutated mid-read.
func (r *Registry) Iter() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, 0, len(r.slots))
	for _, obj := range r.slots {
		out = append(out, obj)
	}
	return out
}

// Count returns the number of live objects.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

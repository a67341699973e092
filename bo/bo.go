// Package bo implements the reference-counted memory objects that back
// drawable surfaces, and the arena that owns them.
//
// Objects are identified by a name, a small integer that can be handed
// to other processes and resolved back through the arena. An object is
// only reclaimed when its reference count reaches zero, and even then
// not immediately: reclamation is deferred until the next call to
// FlushDeferred, because external consumers may lag behind destruction
// requests and still be reading from the memory.
package bo

import (
	"errors"

	"golang.org/x/exp/maps"

	"deedles.dev/dri/internal/xslices"
)

var (
	// ErrNoMemory means that the arena's allocation budget is
	// exhausted.
	ErrNoMemory = errors.New("bo: allocation budget exhausted")

	// ErrNoScanout means that the arena's scanout budget is exhausted
	// and no more framebuffers can be attached.
	ErrNoScanout = errors.New("bo: scanout budget exhausted")

	// ErrNotScanout means that a framebuffer attachment was attempted
	// on an object that was not allocated as scanout-capable.
	ErrNotScanout = errors.New("bo: object not scanout-capable")
)

// Arena owns a set of memory objects, indexed by name.
//
// The zero budget values mean unlimited. Budgets exist because both
// plain memory and, especially, scanout memory are scarce on the
// systems this targets; callers are expected to cope with allocation
// and attachment failures.
type Arena struct {
	// Limit is the total allocation budget in bytes.
	Limit int

	// ScanoutLimit is the number of bytes that may be attached to the
	// display hardware as framebuffers at any one time.
	ScanoutLimit int

	objects  map[uint32]*Object
	deferred []*Object
	nextName uint32
	nextFB   uint32
	used     int
	scanout  int
}

func NewArena() *Arena {
	return &Arena{
		objects:  make(map[uint32]*Object),
		nextName: 1,
		nextFB:   1,
	}
}

// New allocates an object. The scanout flag marks the allocation as
// scanout-capable; only such objects can have a framebuffer attached
// later.
func (a *Arena) New(width, height, bpp int, scanout bool) (*Object, error) {
	pitch := width * ((bpp + 7) / 8)
	size := pitch * height
	if (a.Limit > 0) && (a.used+size > a.Limit) {
		return nil, ErrNoMemory
	}

	o := Object{
		arena:   a,
		name:    a.nextName,
		width:   width,
		height:  height,
		pitch:   pitch,
		bpp:     bpp,
		data:    make([]byte, size),
		canScan: scanout,
		refs:    1,
	}
	a.nextName++
	a.used += size
	a.objects[o.name] = &o

	return &o, nil
}

// Lookup resolves a name to an object, or nil if no live object has
// that name.
func (a *Arena) Lookup(name uint32) *Object {
	return a.objects[name]
}

// Names returns the names of all objects that have not been reclaimed,
// including ones awaiting deferred deletion.
func (a *Arena) Names() []uint32 {
	return maps.Keys(a.objects)
}

// Live returns the number of objects that have not been reclaimed.
func (a *Arena) Live() int {
	return len(a.objects)
}

// FlushDeferred reclaims every object whose reference count has
// reached zero. An object that was re-referenced after its count hit
// zero survives the flush.
func (a *Arena) FlushDeferred() {
	a.deferred = xslices.Filter(a.deferred, func(o *Object) bool {
		if o.refs > 0 {
			return true
		}
		a.free(o)
		return false
	})
}

func (a *Arena) free(o *Object) {
	if o.fb != 0 {
		o.RmFB()
	}
	delete(a.objects, o.name)
	a.used -= len(o.data)
	o.data = nil
}

// Object is one memory object. It remains valid for as long as its
// reference count is above zero.
type Object struct {
	arena   *Arena
	name    uint32
	width   int
	height  int
	pitch   int
	bpp     int
	data    []byte
	canScan bool
	fb      uint32
	refs    int
}

func (o *Object) Name() uint32 { return o.name }
func (o *Object) Width() int   { return o.width }
func (o *Object) Height() int  { return o.height }
func (o *Object) Pitch() int   { return o.pitch }
func (o *Object) Bpp() int     { return o.bpp }
func (o *Object) Data() []byte { return o.data }
func (o *Object) Refs() int    { return o.refs }

func (o *Object) Reference() {
	o.refs++
}

// Unreference drops a reference. When the count reaches zero the
// object is queued for deferred deletion; the memory is not reclaimed
// until the arena's next FlushDeferred.
func (o *Object) Unreference() {
	o.refs--
	if o.refs == 0 {
		o.arena.deferred = append(o.arena.deferred, o)
	}
}

// AddFB attaches a framebuffer to the object, making it scannable by
// the display hardware. It fails if the object was not allocated
// scanout-capable or if the arena's scanout budget is exhausted.
func (o *Object) AddFB() error {
	if o.fb != 0 {
		return nil
	}
	if !o.canScan {
		return ErrNotScanout
	}
	a := o.arena
	if (a.ScanoutLimit > 0) && (a.scanout+len(o.data) > a.ScanoutLimit) {
		return ErrNoScanout
	}

	o.fb = a.nextFB
	a.nextFB++
	a.scanout += len(o.data)
	return nil
}

// RmFB detaches the object's framebuffer, freeing its share of the
// scanout budget. It is a no-op if no framebuffer is attached.
func (o *Object) RmFB() {
	if o.fb == 0 {
		return
	}
	o.fb = 0
	o.arena.scanout -= len(o.data)
}

// FB returns the attached framebuffer's id, or zero if none is
// attached.
func (o *Object) FB() uint32 {
	return o.fb
}

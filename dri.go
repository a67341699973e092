// Package dri implements the buffer-swap engine of a display server's
// buffer management extension: swap-chain buffer lifecycle, flip-vs-blit
// arbitration, and the asynchronous completion protocol that tells a
// client when its swap has actually happened on screen.
//
// The engine itself is deliberately free of any windowing or kernel
// specifics. It drives three collaborators: a Windowing system that owns
// drawables and surfaces, a Display that issues page flips and delivers
// their completion events, and the extension Core that the engine
// registers its operations with. Package pixmap provides a software
// Windowing, and package kms a linux DRM Display.
//
// All engine operations are expected to run on the display server's
// event-processing thread. Completion is event-driven: ScheduleSwap
// returns as soon as the flip request is issued, and the completion
// handler runs later, when the Display dispatches the matching events.
package dri

import (
	"errors"
	"image"

	"deedles.dev/dri/bo"
)

var (
	// ErrCoreVersion means that the extension core is older than the
	// minimum version the engine supports.
	ErrCoreVersion = errors.New("dri: extension core too old")

	// ErrUnsupported is returned by operations that the engine does
	// not implement, such as frame-counter waits.
	ErrUnsupported = errors.New("dri: operation not supported")
)

// Attachment identifies a buffer's role in a drawable's swap chain.
type Attachment uint32

const (
	FrontLeft Attachment = iota
	BackLeft
	FrontRight
	BackRight
	Depth
	Stencil
	FakeFrontLeft
	FakeFrontRight
)

// Kind reports how a swap was carried out, so that the caller can
// attribute presentation timing correctly.
type Kind uint8

const (
	Exchange Kind = iota
	Blit
	Flip
)

func (k Kind) String() string {
	switch k {
	case Exchange:
		return "exchange"
	case Blit:
		return "blit"
	case Flip:
		return "flip"
	}
	return "unknown"
}

// SwapFunc is a client's swap-completion callback. The engine forwards
// it, untouched, to the Core's notifier exactly once per scheduled
// swap.
type SwapFunc func(client any, d Drawable, kind Kind, data any)

// Surface is one allocated pixel surface, owned by the windowing
// system and backed by a memory object.
type Surface interface {
	// BO returns the surface's backing memory object, or nil if the
	// surface has none.
	BO() *bo.Object

	// SetBO replaces the surface's backing memory object. The engine
	// uses it to exchange backing identity between the surfaces of two
	// buffers after a flip; it never copies pixels.
	SetBO(*bo.Object)

	Reference()
	Destroy()
}

// Drawable is a windowing-system rendering target. The engine never
// holds on to one across an asynchronous boundary; it stores the ID
// and resolves it again through the Windowing when needed.
type Drawable interface {
	ID() uint32
	Width() int
	Height() int
	Depth() int

	// IsWindow reports whether the drawable is an on-screen window, as
	// opposed to an off-screen pixmap. Only windows can flip.
	IsWindow() bool

	// Surface returns the drawable's own surface. For front buffers
	// this must be consulted on every use: the windowing system can
	// reallocate it at any time.
	Surface() Surface
}

// Windowing is the engine's view of the windowing and drawable system.
type Windowing interface {
	// CreateSurface allocates a surface for a drawable. The scanout
	// flag requests a scanout-capable allocation for page flipping.
	CreateSurface(d Drawable, width, height, depth int, scanout bool) (Surface, error)

	// CopyArea copies the region r from src to dst.
	CopyArea(dst, src Surface, r image.Rectangle)

	// LookupDrawable resolves a stable drawable ID, returning nil if
	// the drawable no longer exists.
	LookupDrawable(id uint32) Drawable
}

// Display is the engine's view of the kernel display and modesetting
// layer.
type Display interface {
	// PageFlip asks every output scanning out the drawable to flip to
	// the given framebuffer. It returns the number of completion
	// events to expect, which may be zero if no outputs needed to
	// flip. On error, the count is the number of outputs that had
	// already flipped before the failure; their events still arrive.
	PageFlip(d Drawable, fb uint32, token uint64) (int, error)

	// SetFlipHandler registers the function to call as each flip
	// completion event is dispatched, passing back the token given to
	// PageFlip.
	SetFlipHandler(func(token uint64))

	// FlipEvents reports whether the display delivers flip completion
	// events at all. If not, flips complete immediately.
	FlipEvents() bool

	// SetScanout publishes o as the buffer the output hardware scans
	// out, after a completed flip.
	SetScanout(o *bo.Object)

	// QueryVBlank returns the timestamp (in microseconds) and sequence
	// number of the next vblank.
	QueryVBlank() (ust, msc uint64, err error)

	// WaitForEvent blocks until at least one display event has been
	// dispatched. Only the teardown drain uses it.
	WaitForEvent() error

	// AuthMagic validates a client's authentication token.
	AuthMagic(magic uint32) error
}

// Core is the extension core that the engine registers with and
// notifies.
type Core interface {
	Version() (major, minor int)

	// CanFlip reports whether the core considers the drawable
	// flip-capable.
	CanFlip(d Drawable) bool

	Register(Funcs) error
	Unregister()

	// SwapComplete delivers the client notification for a finished
	// swap. The engine invokes it exactly once per scheduled swap,
	// unless the drawable disappeared while the swap was in flight.
	SwapComplete(client any, d Drawable, kind Kind, f SwapFunc, data any)
}

// Funcs is the table of operations a Screen registers with the Core.
type Funcs struct {
	CreateBuffer      func(d Drawable, attachment Attachment, format uint32) (*Buffer, error)
	DestroyBuffer     func(b *Buffer)
	ReuseBufferNotify func(d Drawable, b *Buffer)
	CopyRegion        func(d Drawable, r image.Rectangle, dst, src *Buffer)
	ScheduleSwap      func(client any, d Drawable, dst, src *Buffer, f SwapFunc, data any) error
	ScheduleWaitMSC   func(client any, d Drawable, target, divisor, remainder uint64) error
	GetMSC            func(d Drawable) (ust, msc uint64, err error)
	AuthMagic         func(magic uint32) error
}

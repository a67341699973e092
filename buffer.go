package dri

import (
	"errors"
	"fmt"

	"deedles.dev/dri/bo"
	"deedles.dev/dri/internal/debug"
)

// Buffer is one slot of a drawable's swap chain.
//
// A back buffer owns a ring of surfaces and cycles through them across
// successive flips. The ring is sized at creation and can only shrink:
// if allocating a later slot fails, the buffer falls back to the depth
// it managed to reach and stays there.
//
// Buffers are reference counted so that a client detaching a drawable
// while a page-flip event is still pending does not pull the buffer
// out from under the in-flight swap.
type Buffer struct {
	screen     *Screen
	attachment Attachment
	format     uint32
	name       uint32
	pitch      int
	cpp        int

	// surfaces is the slot ring. Only slot 0 is populated up front;
	// later slots fill in lazily as the ring advances. nslots is the
	// active length and never grows.
	surfaces []Surface
	nslots   int
	current  int

	refs    int
	fbTried bool
}

// CreateBuffer creates a buffer for the given attachment point. A
// front buffer wraps the drawable's own surface; a back buffer gets a
// freshly allocated one, scanout-capable when the drawable can flip.
//
// If the drawable can flip, a scanout framebuffer is attached to a
// back buffer's surface right away. Attach failure is not fatal: the
// buffer stays usable through the blit path.
func (screen *Screen) CreateBuffer(d Drawable, attachment Attachment, format uint32) (*Buffer, error) {
	debug.Printf("dri: create buffer: drawable %v, attachment %v, format %08x", d.ID(), attachment, format)

	buf := Buffer{
		screen:     screen,
		attachment: attachment,
		format:     format,
		refs:       1,
	}

	var surf Surface
	if attachment == FrontLeft {
		surf = d.Surface()
		surf.Reference()
	} else {
		s, err := screen.createSurface(d)
		if err != nil {
			return nil, fmt.Errorf("create back surface: %w", err)
		}
		surf = s
	}

	nslots := 1
	if (attachment == BackLeft) && (screen.opts.BufferCount > 2) {
		nslots = screen.opts.BufferCount - 1
	}
	buf.surfaces = make([]Surface, nslots)
	buf.nslots = nslots
	buf.surfaces[0] = surf

	o := surf.BO()
	if o == nil {
		surf.Destroy()
		return nil, errors.New("dri: surface has no backing memory object")
	}

	buf.name = o.Name()
	buf.pitch = o.Pitch()
	buf.cpp = (o.Bpp() + 7) / 8

	if (attachment != FrontLeft) && screen.canFlip(d) {
		// The attach fails if the display hardware cannot scan this
		// buffer out, for example when scanout memory ran out at
		// allocation time. If the window is not mapped yet this path
		// is not reached at all; ReuseBufferNotify attaches later,
		// once the window maps.
		buf.fbTried = true
		err := o.AddFB()
		if err != nil {
			debug.Warnf("falling back to blitting a flippable window: %v", err)
		}
	}

	return &buf, nil
}

// ReuseBufferNotify is called when the windowing system is about to
// hand an existing buffer back to the client. Scanout framebuffers are
// attached lazily, and only once per mapped lifetime, to stay polite
// under scanout memory pressure; this is where the attach state
// catches up with the drawable's current flippability.
func (screen *Screen) ReuseBufferNotify(d Drawable, b *Buffer) {
	if b.attachment == FrontLeft {
		return
	}

	o := b.surfaces[0].BO()
	flippable := screen.canFlip(d)

	// Unflippable-to-flippable transition: the buffer was created
	// before the window mapped, so no attach has been attempted yet.
	if flippable && !b.fbTried && (o.FB() == 0) {
		b.fbTried = true
		err := o.AddFB()
		if err != nil {
			debug.Printf("dri: reuse notify: attach framebuffer: %v", err)
		}
	}

	// Flippable-to-unflippable transition: release the framebuffer to
	// reclaim scanout memory, and reset so a future re-map gets a
	// fresh attempt.
	if !flippable && (o.FB() != 0) {
		b.fbTried = false
		o.RmFB()
	}
}

// Reference takes a reference on the buffer, keeping it alive across
// an asynchronous boundary.
func (b *Buffer) Reference() {
	b.refs++
}

// Destroy drops a reference. The buffer and every surface it owns are
// released when the count reaches zero.
func (b *Buffer) Destroy() {
	b.refs--
	if b.refs > 0 {
		return
	}

	for _, surf := range b.surfaces {
		if surf == nil {
			break
		}
		surf.Destroy()
	}
	b.surfaces = nil
}

func (b *Buffer) Attachment() Attachment { return b.attachment }
func (b *Buffer) Format() uint32         { return b.format }
func (b *Buffer) Name() uint32           { return b.name }
func (b *Buffer) Pitch() int             { return b.pitch }
func (b *Buffer) Cpp() int               { return b.cpp }

// surface returns the surface the buffer currently draws to. A front
// buffer resolves through the drawable: the windowing system can
// reallocate a window's surface at any time, so the cached one is only
// a fallback for when the drawable is already gone.
func (b *Buffer) surface(d Drawable) Surface {
	if (b.attachment == FrontLeft) && (d != nil) {
		return d.Surface()
	}
	return b.surfaces[b.current]
}

// curBO returns the backing object of the current ring slot. Both
// schedule and completion capture backing objects through here so that
// reference and release always pair up on the same object.
func (b *Buffer) curBO() *bo.Object {
	return b.surfaces[b.current].BO()
}

// nextSurface advances a back buffer's ring after a completed flip,
// allocating the target slot on first use. If that allocation fails
// the ring shrinks permanently to the slots that exist, and the chain
// keeps running at the reduced depth.
func (b *Buffer) nextSurface(d Drawable) {
	screen := b.screen
	if screen.opts.BufferCount <= 2 {
		// Plain double buffering. The exchange already did the work.
		return
	}

	b.current = (b.current + 1) % b.nslots

	if surf := b.surfaces[b.current]; surf != nil {
		b.name = surf.BO().Name()
		return
	}

	surf, err := screen.allocRingSurface(d)
	if err != nil {
		// Slot 0 always exists, so there is a previous slot to fall
		// back to.
		b.current--
		debug.Warnf("failed to use the requested %v-buffering due to an allocation failure, falling back to %v-buffering for this drawable: %v",
			b.nslots+1, b.current+2, err)
		b.nslots = b.current + 1
		return
	}

	b.surfaces[b.current] = surf
	b.name = surf.BO().Name()
}

// allocRingSurface allocates one additional ring slot. Extra slots are
// only ever allocated while the chain is flipping, so the framebuffer
// attach is expected to succeed; failure makes the slot unusable.
func (screen *Screen) allocRingSurface(d Drawable) (Surface, error) {
	surf, err := screen.createSurface(d)
	if err != nil {
		return nil, err
	}

	o := surf.BO()
	if o == nil {
		surf.Destroy()
		return nil, errors.New("dri: surface has no backing memory object")
	}

	if o.FB() == 0 {
		err := o.AddFB()
		if err != nil {
			surf.Destroy()
			return nil, fmt.Errorf("attach framebuffer to additional back surface: %w", err)
		}
	}

	return surf, nil
}

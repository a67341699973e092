// Package pixmap provides a software implementation of the engine's
// windowing collaborator: drawables rendered into plain memory
// objects, with copy-area done on the CPU.
//
// It exists so that the engine can run, and be exercised end to end,
// without a real windowing system behind it. A production server would
// implement dri.Windowing over its own drawable machinery instead.
package pixmap

import (
	"fmt"
	"image"

	ximage "deedles.dev/ximage/format"
	"golang.org/x/exp/maps"
	"golang.org/x/image/draw"

	"deedles.dev/dri"
	"deedles.dev/dri/bo"
)

// Pixmap is one pixel surface backed by a memory object. It implements
// dri.Surface.
type Pixmap struct {
	o     *bo.Object
	depth int
	refs  int
}

func (p *Pixmap) BO() *bo.Object { return p.o }

func (p *Pixmap) SetBO(o *bo.Object) { p.o = o }

func (p *Pixmap) Reference() { p.refs++ }

func (p *Pixmap) Destroy() {
	p.refs--
	if p.refs > 0 {
		return
	}
	p.o.Unreference()
}

// Image returns a view of the pixmap's current backing memory.
func (p *Pixmap) Image() draw.Image {
	var format ximage.Format = ximage.XRGB8888
	if p.depth == 32 {
		format = ximage.ARGB8888
	}
	return &ximage.Image{
		Format: format,
		Rect:   image.Rect(0, 0, p.o.Width(), p.o.Height()),
		Pix:    p.o.Data(),
	}
}

// Winsys is a software windowing system. It implements dri.Windowing.
type Winsys struct {
	arena     *bo.Arena
	drawables map[uint32]*Window
	nextID    uint32
}

func New(arena *bo.Arena) *Winsys {
	return &Winsys{
		arena:     arena,
		drawables: make(map[uint32]*Window),
		nextID:    1,
	}
}

// Window is a drawable: an on-screen window or, with NewPixmapDrawable,
// an off-screen one. It implements dri.Drawable.
type Window struct {
	ws     *Winsys
	id     uint32
	w, h   int
	depth  int
	window bool
	surf   *Pixmap
}

// NewWindow creates an on-screen window. Its surface is allocated
// scanout-capable and given a framebuffer when the budget allows,
// matching a window that is already being scanned out.
func (ws *Winsys) NewWindow(w, h, depth int) (*Window, error) {
	win, err := ws.newDrawable(w, h, depth, true)
	if err != nil {
		return nil, err
	}
	// Ignored on purpose: a window that cannot be scanned out still
	// works through the blit path.
	win.surf.o.AddFB()
	return win, nil
}

// NewPixmapDrawable creates an off-screen drawable. It can never flip.
func (ws *Winsys) NewPixmapDrawable(w, h, depth int) (*Window, error) {
	return ws.newDrawable(w, h, depth, false)
}

func (ws *Winsys) newDrawable(w, h, depth int, window bool) (*Window, error) {
	win := Window{
		ws:     ws,
		id:     ws.nextID,
		w:      w,
		h:      h,
		depth:  depth,
		window: window,
	}

	surf, err := ws.CreateSurface(&win, w, h, depth, window)
	if err != nil {
		return nil, fmt.Errorf("create drawable surface: %w", err)
	}
	win.surf = surf.(*Pixmap)

	ws.nextID++
	ws.drawables[win.id] = &win
	return &win, nil
}

func (win *Window) ID() uint32           { return win.id }
func (win *Window) Width() int           { return win.w }
func (win *Window) Height() int          { return win.h }
func (win *Window) Depth() int           { return win.depth }
func (win *Window) IsWindow() bool       { return win.window }
func (win *Window) Surface() dri.Surface { return win.surf }

// Resize reallocates the window's surface at the new size, the way a
// display mode change reallocates the root window. The old surface is
// released.
func (win *Window) Resize(w, h int) error {
	if (w == win.w) && (h == win.h) {
		return nil
	}

	surf, err := win.ws.CreateSurface(win, w, h, win.depth, win.window)
	if err != nil {
		return fmt.Errorf("resize drawable surface: %w", err)
	}

	win.surf.Destroy()
	win.w = w
	win.h = h
	win.surf = surf.(*Pixmap)
	if win.window {
		win.surf.o.AddFB()
	}
	return nil
}

// Destroy removes the drawable. Lookups by its id fail from here on;
// the surface lives for as long as buffers still reference it.
func (win *Window) Destroy() {
	delete(win.ws.drawables, win.id)
	win.surf.Destroy()
}

func (ws *Winsys) CreateSurface(d dri.Drawable, width, height, depth int, scanout bool) (dri.Surface, error) {
	o, err := ws.arena.New(width, height, bppForDepth(depth), scanout)
	if err != nil {
		return nil, err
	}
	return &Pixmap{o: o, depth: depth, refs: 1}, nil
}

func (ws *Winsys) CopyArea(dst, src dri.Surface, r image.Rectangle) {
	dp, ok := dst.(*Pixmap)
	if !ok {
		return
	}
	sp, ok := src.(*Pixmap)
	if !ok {
		return
	}
	draw.Copy(dp.Image(), r.Min, sp.Image(), r, draw.Src, nil)
}

func (ws *Winsys) LookupDrawable(id uint32) dri.Drawable {
	win, ok := ws.drawables[id]
	if !ok {
		return nil
	}
	return win
}

// Drawables returns the ids of all live drawables.
func (ws *Winsys) Drawables() []uint32 {
	return maps.Keys(ws.drawables)
}

func bppForDepth(depth int) int {
	if depth > 16 {
		return 32
	}
	return depth
}

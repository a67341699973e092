package dri

import (
	"errors"
	"image"
	"testing"

	"deedles.dev/dri/bo"
)

type testSurface struct {
	o    *bo.Object
	refs int
}

func (s *testSurface) BO() *bo.Object     { return s.o }
func (s *testSurface) SetBO(o *bo.Object) { s.o = o }
func (s *testSurface) Reference()         { s.refs++ }

func (s *testSurface) Destroy() {
	s.refs--
	if s.refs > 0 {
		return
	}
	s.o.Unreference()
}

type testDrawable struct {
	id     uint32
	w, h   int
	depth  int
	window bool
	surf   *testSurface
}

func (d *testDrawable) ID() uint32       { return d.id }
func (d *testDrawable) Width() int       { return d.w }
func (d *testDrawable) Height() int      { return d.h }
func (d *testDrawable) Depth() int       { return d.depth }
func (d *testDrawable) IsWindow() bool   { return d.window }
func (d *testDrawable) Surface() Surface { return d.surf }

type testWin struct {
	arena   *bo.Arena
	draws   map[uint32]*testDrawable
	created int
	copies  []image.Rectangle
}

func (w *testWin) CreateSurface(d Drawable, width, height, depth int, scanout bool) (Surface, error) {
	o, err := w.arena.New(width, height, 32, scanout)
	if err != nil {
		return nil, err
	}
	w.created++
	return &testSurface{o: o, refs: 1}, nil
}

func (w *testWin) CopyArea(dst, src Surface, r image.Rectangle) {
	w.copies = append(w.copies, r)
}

func (w *testWin) LookupDrawable(id uint32) Drawable {
	d, ok := w.draws[id]
	if !ok {
		return nil
	}
	return d
}

type testDisp struct {
	handler   func(uint64)
	noEvents  bool
	flipN     int
	flipErr   error
	flipErrN  int
	flips     []uint64
	pending   []uint64
	scanout   *bo.Object
	scanouts  int
	ust, msc  uint64
	vblankErr error
	authed    []uint32
}

func (disp *testDisp) PageFlip(d Drawable, fb uint32, token uint64) (int, error) {
	disp.flips = append(disp.flips, token)

	n := disp.flipN
	if disp.flipErr != nil {
		n = disp.flipErrN
	}
	for range n {
		disp.pending = append(disp.pending, token)
	}
	return n, disp.flipErr
}

func (disp *testDisp) SetFlipHandler(f func(uint64)) { disp.handler = f }
func (disp *testDisp) FlipEvents() bool              { return !disp.noEvents }

func (disp *testDisp) SetScanout(o *bo.Object) {
	disp.scanout = o
	disp.scanouts++
}

func (disp *testDisp) QueryVBlank() (uint64, uint64, error) {
	return disp.ust, disp.msc, disp.vblankErr
}

func (disp *testDisp) WaitForEvent() error {
	if len(disp.pending) == 0 {
		return errors.New("no events pending")
	}
	token := disp.pending[0]
	disp.pending = disp.pending[1:]
	disp.handler(token)
	return nil
}

func (disp *testDisp) AuthMagic(magic uint32) error {
	disp.authed = append(disp.authed, magic)
	return nil
}

type testCore struct {
	major, minor int
	canFlip      bool
	funcs        Funcs
	registered   bool
	unregistered bool
	completions  []Kind
	clients      []any
}

func (c *testCore) Version() (int, int)     { return c.major, c.minor }
func (c *testCore) CanFlip(d Drawable) bool { return c.canFlip }
func (c *testCore) Unregister()             { c.unregistered = true }

func (c *testCore) Register(f Funcs) error {
	c.funcs = f
	c.registered = true
	return nil
}

func (c *testCore) SwapComplete(client any, d Drawable, kind Kind, f SwapFunc, data any) {
	c.completions = append(c.completions, kind)
	c.clients = append(c.clients, client)
	if f != nil {
		f(client, d, kind, data)
	}
}

type testEnv struct {
	t      *testing.T
	arena  *bo.Arena
	core   *testCore
	win    *testWin
	disp   *testDisp
	screen *Screen
	nextID uint32
}

func newTestEnv(t *testing.T, opts ScreenOptions) *testEnv {
	t.Helper()

	arena := bo.NewArena()
	env := testEnv{
		t:      t,
		arena:  arena,
		core:   &testCore{major: 1, minor: 1, canFlip: true},
		win:    &testWin{arena: arena, draws: make(map[uint32]*testDrawable)},
		disp:   &testDisp{flipN: 1},
		nextID: 1,
	}

	screen, err := NewScreen(env.core, env.win, env.disp, arena, opts)
	if err != nil {
		t.Fatalf("new screen: %v", err)
	}
	env.screen = screen
	return &env
}

// newWindow creates an on-screen window whose surface is already
// scanned out, like a mapped window on a live display.
func (env *testEnv) newWindow(w, h int) *testDrawable {
	env.t.Helper()

	o, err := env.arena.New(w, h, 32, true)
	if err != nil {
		env.t.Fatalf("new window object: %v", err)
	}
	if err := o.AddFB(); err != nil {
		env.t.Fatalf("attach window framebuffer: %v", err)
	}

	d := testDrawable{
		id:     env.nextID,
		w:      w,
		h:      h,
		depth:  24,
		window: true,
		surf:   &testSurface{o: o, refs: 1},
	}
	env.nextID++
	env.win.draws[d.id] = &d
	return &d
}

// buffers creates the front and back buffer pair for a drawable.
func (env *testEnv) buffers(d *testDrawable) (front, back *Buffer) {
	env.t.Helper()

	front, err := env.screen.CreateBuffer(d, FrontLeft, 0)
	if err != nil {
		env.t.Fatalf("create front buffer: %v", err)
	}
	back, err = env.screen.CreateBuffer(d, BackLeft, 0)
	if err != nil {
		env.t.Fatalf("create back buffer: %v", err)
	}
	return front, back
}

// swap schedules a swap of back into front and, when the display has
// events pending, delivers them all.
func (env *testEnv) swap(d *testDrawable, front, back *Buffer) error {
	env.t.Helper()

	err := env.screen.ScheduleSwap("client", d, front, back, nil, nil)
	for len(env.disp.pending) > 0 {
		env.disp.WaitForEvent()
	}
	return err
}

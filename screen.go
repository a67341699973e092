package dri

import (
	"fmt"

	"deedles.dev/dri/bo"
	"deedles.dev/dri/internal/debug"
)

// ScreenOptions configures a Screen.
type ScreenOptions struct {
	// BufferCount is the total depth of each drawable's swap chain,
	// front buffer included. Values below 2 are treated as 2.
	BufferCount int

	// NoFlip administratively disables page flipping; every swap
	// becomes a blit.
	NoFlip bool
}

// Screen ties the engine to one display server screen. It owns the
// in-flight swap commands and the counter that teardown drains.
type Screen struct {
	core Core
	win  Windowing
	disp Display
	bos  *bo.Arena
	opts ScreenOptions

	pendingFlips int
	nextToken    uint64
	inflight     map[uint64]*swapCmd
}

// NewScreen registers the engine's operations with the extension core
// and hooks the display's flip events up to the completion machinery.
// It fails if the core is older than version 1.1.
func NewScreen(core Core, win Windowing, disp Display, arena *bo.Arena, opts ScreenOptions) (*Screen, error) {
	if opts.BufferCount < 2 {
		opts.BufferCount = 2
	}

	major, minor := core.Version()
	if (major < 1) || ((major == 1) && (minor < 1)) {
		return nil, fmt.Errorf("%w: %v.%v", ErrCoreVersion, major, minor)
	}

	screen := Screen{
		core:      core,
		win:       win,
		disp:      disp,
		bos:       arena,
		opts:      opts,
		nextToken: 1,
		inflight:  make(map[uint64]*swapCmd),
	}
	disp.SetFlipHandler(screen.flipEvent)

	err := core.Register(Funcs{
		CreateBuffer:      screen.CreateBuffer,
		DestroyBuffer:     func(b *Buffer) { b.Destroy() },
		ReuseBufferNotify: screen.ReuseBufferNotify,
		CopyRegion:        screen.CopyRegion,
		ScheduleSwap:      screen.ScheduleSwap,
		ScheduleWaitMSC:   screen.ScheduleWaitMSC,
		GetMSC:            screen.GetMSC,
		AuthMagic:         screen.disp.AuthMagic,
	})
	if err != nil {
		return nil, fmt.Errorf("register with core: %w", err)
	}

	return &screen, nil
}

// flipEvent handles one flip completion event from the display.
// Events for tokens the screen no longer knows are ignored.
func (screen *Screen) flipEvent(token uint64) {
	cmd := screen.inflight[token]
	if cmd == nil {
		return
	}
	cmd.complete()
}

// PendingFlips returns the number of swap commands still in flight.
func (screen *Screen) PendingFlips() int {
	return screen.pendingFlips
}

// Close drains display events until every in-flight flip has
// completed, then unregisters from the core. No buffer or command
// outlives the screen.
func (screen *Screen) Close() error {
	for screen.pendingFlips > 0 {
		debug.Printf("dri: close: waiting on %v in-flight flips", screen.pendingFlips)
		err := screen.disp.WaitForEvent()
		if err != nil {
			return fmt.Errorf("drain display events: %w", err)
		}
	}
	screen.core.Unregister()
	return nil
}

func (screen *Screen) canFlip(d Drawable) bool {
	if screen.opts.NoFlip {
		return false
	}
	return d.IsWindow() && screen.core.CanFlip(d)
}

func (screen *Screen) createSurface(d Drawable) (Surface, error) {
	return screen.win.CreateSurface(d, d.Width(), d.Height(), d.Depth(), screen.canFlip(d))
}

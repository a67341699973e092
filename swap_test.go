package dri

import (
	"errors"
	"image"
	"testing"
)

func TestSwapFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	frontBO := front.curBO()
	backBO := back.curBO()
	frontRefs := frontBO.Refs()
	backRefs := backBO.Refs()
	frontName := front.Name()
	backName := back.Name()

	err := env.screen.ScheduleSwap("client", d, front, back, nil, nil)
	if err != nil {
		t.Fatalf("schedule swap: %v", err)
	}

	if len(env.disp.flips) != 1 {
		t.Fatalf("page flips issued = %v, want 1", len(env.disp.flips))
	}
	if len(env.core.completions) != 0 {
		t.Fatal("swap completed before its flip event arrived")
	}
	if env.screen.PendingFlips() != 1 {
		t.Fatalf("pending flips = %v, want 1", env.screen.PendingFlips())
	}

	// The flip event arrives.
	if err := env.disp.WaitForEvent(); err != nil {
		t.Fatalf("deliver flip event: %v", err)
	}

	if got := env.core.completions; len(got) != 1 || got[0] != Flip {
		t.Fatalf("completions = %v, want [flip]", got)
	}

	// Backing identity exchanged: the window now scans out what was
	// the back buffer's memory.
	if d.surf.o != backBO {
		t.Error("window surface does not hold the old back object")
	}
	if front.Name() != backName || back.Name() != frontName {
		t.Error("export names not exchanged")
	}
	if env.disp.scanout != backBO {
		t.Error("scanout not published as the new front object")
	}

	// References taken for the in-flight command are all returned.
	if frontBO.Refs() != frontRefs || backBO.Refs() != backRefs {
		t.Errorf("object refs = %v/%v, want %v/%v", frontBO.Refs(), backBO.Refs(), frontRefs, backRefs)
	}
	if front.refs != 1 || back.refs != 1 {
		t.Errorf("buffer refs = %v/%v, want 1/1", front.refs, back.refs)
	}
	if env.screen.PendingFlips() != 0 {
		t.Errorf("pending flips = %v, want 0", env.screen.PendingFlips())
	}
}

func TestSwapMultiOutputFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.flipN = 2
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	if err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil); err != nil {
		t.Fatalf("schedule swap: %v", err)
	}

	env.disp.WaitForEvent()
	if len(env.core.completions) != 0 {
		t.Fatal("completed after one of two events")
	}

	env.disp.WaitForEvent()
	if len(env.core.completions) != 1 {
		t.Fatalf("completions = %v, want 1", len(env.core.completions))
	}
}

func TestSwapBlitOnSizeMismatch(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)
	_, back := env.buffers(d)

	// A mode change reallocates the window's surface; the client's
	// next buffer request wraps the new front, but the back buffer is
	// still the old size.
	o, err := env.arena.New(120, 100, 32, true)
	if err != nil {
		t.Fatalf("new window object: %v", err)
	}
	o.AddFB()
	d.w = 120
	d.surf = &testSurface{o: o, refs: 1}

	front, err := env.screen.CreateBuffer(d, FrontLeft, 0)
	if err != nil {
		t.Fatalf("create front buffer: %v", err)
	}

	if err := env.swap(d, front, back); err != nil {
		t.Fatalf("swap: %v", err)
	}

	if got := env.core.completions; len(got) != 1 || got[0] != Blit {
		t.Fatalf("completions = %v, want [blit]", got)
	}
	if len(env.disp.flips) != 0 {
		t.Error("page flip issued for mismatched buffer sizes")
	}
	if len(env.win.copies) != 1 {
		t.Fatalf("copies = %v, want 1", len(env.win.copies))
	}
	if want := image.Rect(0, 0, 120, 100); env.win.copies[0] != want {
		t.Errorf("copy region = %v, want %v", env.win.copies[0], want)
	}
}

func TestSwapBlitWhenNoFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{NoFlip: true})
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	if err := env.swap(d, front, back); err != nil {
		t.Fatalf("swap: %v", err)
	}

	if got := env.core.completions; len(got) != 1 || got[0] != Blit {
		t.Fatalf("completions = %v, want [blit]", got)
	}
}

func TestSwapSyntheticFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.flipN = 0
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	backBO := back.curBO()

	err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil)
	if err != nil {
		t.Fatalf("schedule swap: %v", err)
	}

	// No outputs flipped: the command completes within schedule, still
	// exchanging buffer identity, but publishes no scanout.
	if got := env.core.completions; len(got) != 1 || got[0] != Flip {
		t.Fatalf("completions = %v, want [flip]", got)
	}
	if d.surf.o != backBO {
		t.Error("synthetic flip did not exchange backing identity")
	}
	if env.disp.scanouts != 0 {
		t.Error("synthetic flip published a scanout object")
	}
	if env.screen.PendingFlips() != 0 {
		t.Errorf("pending flips = %v, want 0", env.screen.PendingFlips())
	}
}

func TestSwapFailedFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.flipErr = errors.New("rejected")
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	frontBO := front.curBO()
	backBO := back.curBO()
	frontRefs := frontBO.Refs()
	backRefs := backBO.Refs()
	frontName := front.Name()

	err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil)
	if err == nil {
		t.Fatal("schedule swap succeeded despite flip failure")
	}

	// Completion still runs exactly once, skipping exchange and
	// publish but releasing everything.
	if got := env.core.completions; len(got) != 1 || got[0] != Flip {
		t.Fatalf("completions = %v, want [flip]", got)
	}
	if front.Name() != frontName {
		t.Error("failed flip exchanged export names")
	}
	if env.disp.scanouts != 0 {
		t.Error("failed flip published a scanout object")
	}
	if frontBO.Refs() != frontRefs || backBO.Refs() != backRefs {
		t.Error("failed flip leaked object references")
	}
	if front.refs != 1 || back.refs != 1 {
		t.Error("failed flip leaked buffer references")
	}
	if env.screen.PendingFlips() != 0 {
		t.Errorf("pending flips = %v, want 0", env.screen.PendingFlips())
	}
}

func TestSwapPartiallyFailedFlip(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.flipErr = errors.New("second crtc rejected")
	env.disp.flipErrN = 1
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil)
	if err == nil {
		t.Fatal("schedule swap succeeded despite flip failure")
	}

	// One output flipped before the failure; its event is still owed.
	if env.screen.PendingFlips() != 1 {
		t.Fatalf("pending flips = %v, want 1", env.screen.PendingFlips())
	}
	if len(env.core.completions) != 0 {
		t.Fatal("completed before the owed event arrived")
	}

	env.disp.WaitForEvent()
	if len(env.core.completions) != 1 {
		t.Fatalf("completions = %v, want 1", len(env.core.completions))
	}
	if env.screen.PendingFlips() != 0 {
		t.Errorf("pending flips = %v, want 0", env.screen.PendingFlips())
	}
}

func TestSwapWithoutFlipEvents(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.noEvents = true
	env.disp.flipN = 3
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	backBO := back.curBO()

	err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil)
	if err != nil {
		t.Fatalf("schedule swap: %v", err)
	}

	// No event support: the real flip completes unconditionally within
	// schedule, and the new scanout is still published.
	if got := env.core.completions; len(got) != 1 || got[0] != Flip {
		t.Fatalf("completions = %v, want [flip]", got)
	}
	if env.disp.scanout != backBO {
		t.Error("scanout not published")
	}
}

func TestSwapDrawableGone(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	frontBO := front.curBO()
	backBO := back.curBO()
	frontRefs := frontBO.Refs()
	backRefs := backBO.Refs()

	if err := env.screen.ScheduleSwap(nil, d, front, back, nil, nil); err != nil {
		t.Fatalf("schedule swap: %v", err)
	}

	// The client destroys the drawable while the flip is in flight.
	delete(env.win.draws, d.id)

	env.disp.WaitForEvent()

	if len(env.core.completions) != 0 {
		t.Error("notified the client about a destroyed drawable")
	}
	if frontBO.Refs() != frontRefs || backBO.Refs() != backRefs {
		t.Error("in-flight command leaked object references")
	}
	if front.refs != 1 || back.refs != 1 {
		t.Error("in-flight command leaked buffer references")
	}
	if env.screen.PendingFlips() != 0 {
		t.Errorf("pending flips = %v, want 0", env.screen.PendingFlips())
	}
}

func TestSwapFlushesDeferredDeletions(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	// An orphaned object awaiting deferred deletion.
	o, err := env.arena.New(8, 8, 32, false)
	if err != nil {
		t.Fatalf("new object: %v", err)
	}
	o.Unreference()
	live := env.arena.Live()

	if err := env.swap(d, front, back); err != nil {
		t.Fatalf("swap: %v", err)
	}

	if env.arena.Live() != live-1 {
		t.Error("schedule did not flush deferred deletions")
	}
}

func TestSwapCallbackForwarded(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)
	front, back := env.buffers(d)

	var calls int
	f := func(client any, cd Drawable, kind Kind, data any) {
		calls++
		if client != "client" || data != "data" {
			t.Errorf("callback got (%v, %v), want (client, data)", client, data)
		}
		if kind != Flip {
			t.Errorf("callback kind = %v, want flip", kind)
		}
		if cd != Drawable(d) {
			t.Error("callback got the wrong drawable")
		}
	}

	err := env.screen.ScheduleSwap("client", d, front, back, f, "data")
	if err != nil {
		t.Fatalf("schedule swap: %v", err)
	}
	env.disp.WaitForEvent()

	if calls != 1 {
		t.Errorf("callback fired %v times, want 1", calls)
	}
}

func TestGetMSC(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	env.disp.ust = 123456
	env.disp.msc = 42
	d := env.newWindow(100, 100)

	ust, msc, err := env.screen.GetMSC(d)
	if err != nil {
		t.Fatalf("get msc: %v", err)
	}
	if ust != 123456 || msc != 42 {
		t.Errorf("get msc = (%v, %v), want (123456, 42)", ust, msc)
	}

	env.disp.vblankErr = errors.New("no vblank support")
	_, _, err = env.screen.GetMSC(d)
	if err == nil {
		t.Error("get msc succeeded despite vblank failure")
	}
}

func TestScheduleWaitMSCUnsupported(t *testing.T) {
	env := newTestEnv(t, ScreenOptions{})
	d := env.newWindow(100, 100)

	err := env.screen.ScheduleWaitMSC(nil, d, 0, 0, 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("schedule wait msc error = %v, want ErrUnsupported", err)
	}
}

package dri

import (
	"fmt"
	"image"

	"deedles.dev/dri/internal/debug"
)

type swapFlags uint8

const (
	// swapFailed marks a command whose flip request was rejected.
	// Completion still runs, but skips the exchange and publish steps.
	swapFailed swapFlags = 1 << iota

	// swapFake marks a flip that had no outputs to actually flip. It
	// completes immediately but still exchanges buffer identity like a
	// real flip.
	swapFake
)

// swapCmd is one in-flight swap request. It holds an extra reference
// on both buffers for its whole lifetime and funnels every outcome,
// flip or blit or failure, through complete exactly once.
type swapCmd struct {
	screen *Screen
	kind   Kind
	client any

	// drawID rather than the Drawable itself: the drawable can be
	// destroyed while the flip event is pending.
	drawID uint32

	dst, src *Buffer
	token    uint64
	pending  int
	flags    swapFlags
	f        SwapFunc
	data     any
}

// ScheduleSwap requests a swap of src into dst for the drawable. If
// both buffers have a scanout framebuffer, the drawable can flip, and
// the buffers match in size, a page flip is issued and the command
// completes when its events arrive; otherwise the frame is blitted and
// the command completes before ScheduleSwap returns.
//
// Either way the client's callback is delivered, through the core's
// notifier, exactly once.
func (screen *Screen) ScheduleSwap(client any, d Drawable, dst, src *Buffer, f SwapFunc, data any) error {
	cmd := swapCmd{
		screen: screen,
		client: client,
		drawID: d.ID(),
		dst:    dst,
		src:    src,
		token:  screen.nextToken,
		f:      f,
		data:   data,
	}
	screen.nextToken++

	debug.Printf("dri: schedule swap: %v -> %v", src.attachment, dst.attachment)

	// Hold both buffers and their current backing objects across the
	// asynchronous boundary.
	src.Reference()
	dst.Reference()
	screen.pendingFlips++

	srcBO := src.curBO()
	dstBO := dst.curBO()
	srcBO.Reference()
	dstBO.Reference()

	srcFB := srcBO.FB()
	dstFB := dstBO.FB()

	doFlip := (srcFB != 0) && (dstFB != 0) && screen.canFlip(d)

	// After a display mode change the back buffer still has its old
	// size. Flipping to a framebuffer of stale dimensions would show
	// garbage, so such a frame is copied instead, clipping as
	// expected. The client's next buffer request yields buffers of the
	// new size and flips resume.
	doFlip = doFlip && (srcBO.Width() == dstBO.Width())
	doFlip = doFlip && (srcBO.Height() == dstBO.Height())

	if !doFlip {
		cmd.kind = Blit
		screen.CopyRegion(d, image.Rect(0, 0, d.Width(), d.Height()), dst, src)
		cmd.complete()
		return nil
	}

	debug.Printf("dri: can flip: %v -> %v", srcFB, dstFB)
	cmd.kind = Flip

	// Some consumers ask for buffers to be destroyed before they have
	// finished reading from them, so reclamation is deferred. Reaching
	// schedule time is a reliable sign that the scene is done, so all
	// pending deletions are processed here, before the flip.
	screen.bos.FlushDeferred()

	n, err := screen.disp.PageFlip(d, srcFB, cmd.token)
	if !screen.disp.FlipEvents() {
		// No flip events: completion is always immediate.
		n = 0
	}
	if err != nil {
		// The flip request failed. Outputs that flipped before the
		// failure still deliver events, and those must be waited for,
		// but the command is failed either way.
		cmd.flags |= swapFailed
		cmd.pending = n
		if cmd.pending == 0 {
			cmd.complete()
		} else {
			screen.inflight[cmd.token] = &cmd
		}
		return fmt.Errorf("page flip: %w", err)
	}

	if n == 0 {
		cmd.flags |= swapFake
		cmd.complete()
		return nil
	}

	cmd.pending = n
	screen.inflight[cmd.token] = &cmd
	return nil
}

// complete finishes a swap command once its last expected event is in.
// This is the single point of truth for a finished swap: buffer
// identity exchange, ring advance, client notification, scanout
// publish, and reference release all happen here, in that order.
func (cmd *swapCmd) complete() {
	cmd.pending--
	if cmd.pending > 0 {
		return
	}

	screen := cmd.screen
	delete(screen.inflight, cmd.token)

	// Capture the backing objects before any exchange, so the
	// references taken at schedule time are the ones released below.
	oldSrc := cmd.src.curBO()
	oldDst := cmd.dst.curBO()

	debug.Printf("dri: %v complete: %v -> %v", cmd.kind, cmd.src.attachment, cmd.dst.attachment)

	// The drawable may be gone by now. That is an expected race, not
	// an error: skip everything the client could see, but still
	// release every reference below.
	d := screen.win.LookupDrawable(cmd.drawID)
	if d != nil {
		ok := cmd.flags&swapFailed == 0

		if ok && (cmd.kind == Flip) {
			exchange(d, cmd.src, cmd.dst)
			if cmd.src.attachment == BackLeft {
				cmd.src.nextSurface(d)
			}
		}

		screen.core.SwapComplete(cmd.client, d, cmd.kind, cmd.f, cmd.data)

		if ok && (cmd.kind == Flip) && (cmd.flags&swapFake == 0) {
			screen.disp.SetScanout(cmd.dst.curBO())
		}
	}

	// Drop the extra references obtained at schedule time.
	cmd.src.Destroy()
	cmd.dst.Destroy()
	oldSrc.Unreference()
	oldDst.Unreference()
	screen.pendingFlips--
}

// exchange swaps the backing identity of two buffers: which physical
// memory is front and which is back. No pixels move.
func exchange(d Drawable, a, b *Buffer) {
	as := a.surface(d)
	bs := b.surface(d)

	abo := as.BO()
	bbo := bs.BO()
	as.SetBO(bbo)
	bs.SetBO(abo)

	a.name, b.name = b.name, a.name
}

// CopyRegion copies the given region of the source buffer into the
// destination buffer.
func (screen *Screen) CopyRegion(d Drawable, r image.Rectangle, dst, src *Buffer) {
	debug.Printf("dri: copy region: drawable %v, %v -> %v", d.ID(), src.attachment, dst.attachment)
	screen.win.CopyArea(dst.surface(d), src.surface(d), r)
}

// GetMSC returns the drawable's current frame count timestamp and
// sequence number, from the display's vblank counter.
func (screen *Screen) GetMSC(d Drawable) (ust, msc uint64, err error) {
	ust, msc, err = screen.disp.QueryVBlank()
	if err != nil {
		return 0, 0, fmt.Errorf("query vblank: %w", err)
	}
	return ust, msc, nil
}

// ScheduleWaitMSC would block the client until a target frame count.
// It is not implemented and always reports failure.
func (screen *Screen) ScheduleWaitMSC(client any, d Drawable, target, divisor, remainder uint64) error {
	return ErrUnsupported
}

package kms

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DumbBuffer is a kernel dumb buffer: CPU-renderable memory that the
// display hardware can scan out. It backs surfaces when no GPU
// allocator is available.
type DumbBuffer struct {
	dev    *Device
	handle uint32
	width  uint32
	height uint32
	bpp    uint32
	pitch  uint32
	size   uint64
	mmap   Mmap
	fb     uint32
}

// CreateDumb allocates and maps a dumb buffer.
func (dev *Device) CreateDumb(width, height, bpp int) (buf *DumbBuffer, err error) {
	defer func() {
		if err != nil {
			buf.Destroy()
		}
	}()

	buf = &DumbBuffer{dev: dev}

	creq := modeCreateDumb{
		Width:  uint32(width),
		Height: uint32(height),
		Bpp:    uint32(bpp),
	}
	err = dev.ioctl(ioctlCreateDumb, unsafe.Pointer(&creq))
	if err != nil {
		return buf, fmt.Errorf("create dumb buffer: %w", err)
	}
	buf.handle = creq.Handle
	buf.width = creq.Width
	buf.height = creq.Height
	buf.bpp = creq.Bpp
	buf.pitch = creq.Pitch
	buf.size = creq.Size

	mreq := modeMapDumb{Handle: buf.handle}
	err = dev.ioctl(ioctlMapDumb, unsafe.Pointer(&mreq))
	if err != nil {
		return buf, fmt.Errorf("map dumb buffer: %w", err)
	}

	mmap, err := mapShared(dev, int64(mreq.Offset), int(buf.size))
	if err != nil {
		return buf, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	buf.mmap = mmap

	return buf, nil
}

// AddFB attaches a framebuffer to the buffer, making it flippable.
func (buf *DumbBuffer) AddFB(depth int) error {
	if buf.fb != 0 {
		return nil
	}

	req := modeFBCmd{
		Width:  buf.width,
		Height: buf.height,
		Pitch:  buf.pitch,
		Bpp:    buf.bpp,
		Depth:  uint32(depth),
		Handle: buf.handle,
	}
	err := buf.dev.ioctl(ioctlModeAddFB, unsafe.Pointer(&req))
	if err != nil {
		return fmt.Errorf("add framebuffer: %w", err)
	}

	buf.fb = req.FBID
	return nil
}

// RmFB detaches the buffer's framebuffer.
func (buf *DumbBuffer) RmFB() {
	if buf.fb == 0 {
		return
	}
	fb := buf.fb
	buf.fb = 0
	buf.dev.ioctl(ioctlModeRmFB, unsafe.Pointer(&fb))
}

func (buf *DumbBuffer) FB() uint32   { return buf.fb }
func (buf *DumbBuffer) Pitch() int   { return int(buf.pitch) }
func (buf *DumbBuffer) Data() []byte { return buf.mmap }

func (buf *DumbBuffer) Destroy() {
	buf.RmFB()
	if buf.mmap != nil {
		buf.mmap.Unmap()
		buf.mmap = nil
	}
	if buf.handle != 0 {
		req := modeDestroyDumb{Handle: buf.handle}
		buf.dev.ioctl(ioctlDestroyDumb, unsafe.Pointer(&req))
		buf.handle = 0
	}
}

type Mmap []byte

func mapShared(dev *Device, offset int64, size int) (mmap Mmap, err error) {
	sc, err := dev.file.SyscallConn()
	if err != nil {
		return nil, err
	}

	sc.Control(func(fd uintptr) {
		m, merr := unix.Mmap(int(fd), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		mmap, err = Mmap(m), merr
	})

	return mmap, err
}

func (mmap Mmap) Unmap() error {
	return unix.Munmap(mmap)
}

type modeCreateDumb struct {
	Height uint32
	Width  uint32
	Bpp    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type modeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

type modeDestroyDumb struct {
	Handle uint32
}

type modeFBCmd struct {
	FBID   uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	Bpp    uint32
	Depth  uint32
	Handle uint32
}

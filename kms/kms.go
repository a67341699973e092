// Package kms implements the engine's display collaborator over the
// linux DRM/KMS interface: page flips, vblank queries, dumb buffers,
// and the kernel event channel that reports flip completion.
package kms

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"deedles.dev/dri"
	"deedles.dev/dri/bo"
	"deedles.dev/dri/internal/set"
)

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New("kms: device closed")

// DevicePath determines the path of the DRM device to open based on
// the contents of the $DRI_DEVICE environment variable. It does not
// attempt to determine if the value corresponds to an actual device
// node.
func DevicePath() string {
	v, ok := os.LookupEnv("DRI_DEVICE")
	if !ok {
		v = "card0"
	}
	if filepath.IsAbs(v) {
		return v
	}

	return filepath.Join("/dev/dri", v)
}

// Device is an open DRM device. It implements dri.Display.
type Device struct {
	file    *os.File
	done    chan struct{}
	close   sync.Once
	queue   *eventQueue
	crtcs   []uint32
	claimed set.Set[uint32]
	flip    func(token uint64)
	scanout *bo.Object
}

// Open opens the DRM device selected by the current environment.
func Open() (*Device, error) {
	return OpenPath(DevicePath())
}

func OpenPath(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open DRM device: %w", err)
	}

	dev := Device{
		file:    file,
		done:    make(chan struct{}),
		queue:   newEventQueue(),
		claimed: make(set.Set[uint32]),
	}
	go dev.listen()

	return &dev, nil
}

func (dev *Device) Close() error {
	dev.close.Do(func() { close(dev.done) })
	dev.queue.Stop()
	return dev.file.Close()
}

// AddCRTC registers an output to include in page flips. Flips target
// every registered crtc.
func (dev *Device) AddCRTC(id uint32) {
	if dev.claimed.Has(id) {
		return
	}
	dev.claimed.Add(id)
	dev.crtcs = append(dev.crtcs, id)
}

// SetFlipHandler registers the function that each dispatched flip
// completion event invokes.
func (dev *Device) SetFlipHandler(f func(token uint64)) {
	dev.flip = f
}

// FlipEvents reports whether flip completion events are delivered.
// The kernel always delivers them for flips requested with an event.
func (dev *Device) FlipEvents() bool {
	return true
}

// PageFlip asks every registered crtc to flip to the framebuffer. It
// returns the number of completion events to expect. On error, the
// count covers the crtcs that had already been flipped; their events
// still arrive.
func (dev *Device) PageFlip(d dri.Drawable, fb uint32, token uint64) (int, error) {
	var n int
	for _, crtc := range dev.crtcs {
		req := modeCrtcPageFlip{
			CrtcID:   crtc,
			FBID:     fb,
			Flags:    pageFlipEvent,
			UserData: token,
		}
		err := dev.ioctl(ioctlModePageFlip, unsafe.Pointer(&req))
		if err != nil {
			return n, fmt.Errorf("flip crtc %v: %w", crtc, err)
		}
		n++
	}
	return n, nil
}

// SetScanout records the object the output hardware is now scanning
// out.
func (dev *Device) SetScanout(o *bo.Object) {
	dev.scanout = o
}

// Scanout returns the most recently published scanout object.
func (dev *Device) Scanout() *bo.Object {
	return dev.scanout
}

// QueryVBlank returns the timestamp in microseconds and the sequence
// number of the current vblank.
func (dev *Device) QueryVBlank() (ust, msc uint64, err error) {
	req := waitVBlank{Type: vblankRelative}
	err = dev.ioctl(ioctlWaitVBlank, unsafe.Pointer(&req))
	if err != nil {
		return 0, 0, fmt.Errorf("wait vblank: %w", err)
	}

	ust = uint64(req.Sec)*1_000_000 + uint64(req.Usec)
	return ust, uint64(req.Sequence), nil
}

// AuthMagic validates a client's authentication token with the
// kernel.
func (dev *Device) AuthMagic(magic uint32) error {
	req := auth{Magic: magic}
	err := dev.ioctl(ioctlAuthMagic, unsafe.Pointer(&req))
	if err != nil {
		return fmt.Errorf("auth magic: %w", err)
	}
	return nil
}

func (dev *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	sc, err := dev.file.SyscallConn()
	if err != nil {
		return err
	}

	var errno unix.Errno
	cerr := sc.Control(func(fd uintptr) {
		for {
			_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
			if errno != unix.EINTR {
				return
			}
		}
	})
	if cerr != nil {
		return cerr
	}
	if errno != 0 {
		return errno
	}
	return nil
}

// DRM ioctl encoding. The DRM ioctl type is 'd'.

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'd'<<8 | nr
}

var (
	ioctlAuthMagic    = ioc(iocWrite, 0x11, unsafe.Sizeof(auth{}))
	ioctlWaitVBlank   = ioc(iocWrite|iocRead, 0x3a, unsafe.Sizeof(waitVBlank{}))
	ioctlModeAddFB    = ioc(iocWrite|iocRead, 0xae, unsafe.Sizeof(modeFBCmd{}))
	ioctlModeRmFB     = ioc(iocWrite|iocRead, 0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip = ioc(iocWrite|iocRead, 0xb0, unsafe.Sizeof(modeCrtcPageFlip{}))
	ioctlCreateDumb   = ioc(iocWrite|iocRead, 0xb2, unsafe.Sizeof(modeCreateDumb{}))
	ioctlMapDumb      = ioc(iocWrite|iocRead, 0xb3, unsafe.Sizeof(modeMapDumb{}))
	ioctlDestroyDumb  = ioc(iocWrite|iocRead, 0xb4, unsafe.Sizeof(modeDestroyDumb{}))
)

const (
	pageFlipEvent  = 0x01
	vblankRelative = 0x01
)

type auth struct {
	Magic uint32
}

type modeCrtcPageFlip struct {
	CrtcID   uint32
	FBID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

// waitVBlank overlays both halves of the kernel's request/reply
// union. Sec and Usec are only meaningful in the reply.
type waitVBlank struct {
	Type     uint32
	Sequence uint32
	Sec      int64
	Usec     int64
}

package kms

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"unsafe"

	"deedles.dev/xsync/cq"

	"deedles.dev/dri/internal/debug"
)

// The kernel writes events in host byte order.
var byteOrder binary.ByteOrder = binary.LittleEndian

func init() {
	n := uint32(1)
	b := (*[4]byte)(unsafe.Pointer(&n))
	if b[0] == 0 {
		byteOrder = binary.BigEndian
	}
}

const (
	evVBlank       = 0x01
	evFlipComplete = 0x02

	evHeaderLen = 8
	evVBlankLen = 32
)

// Event is one decoded kernel display event. VBlank and flip events
// share a layout.
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CRTC     uint32
}

type eventQueue = cq.BulkQueue[func() error, []func() error]

func newEventQueue() *eventQueue {
	return cq.New(func(v []func() error) []func() error { return v })
}

// listen reads the kernel event channel and queues each decoded event
// for dispatch. It runs until the device is closed.
func (dev *Device) listen() {
	buf := make([]byte, 1024)
	for {
		n, err := dev.file.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return
			}

			select {
			case <-dev.done:
				return
			case dev.queue.Add() <- func() error { return err }:
				continue
			}
		}

		for _, ev := range decodeEvents(buf[:n]) {
			select {
			case <-dev.done:
				return
			case dev.queue.Add() <- func() error { return dev.dispatch(ev) }:
			}
		}
	}
}

// decodeEvents splits one read's worth of bytes into events. Anything
// it does not recognize is skipped by its declared length.
func decodeEvents(buf []byte) (evs []Event) {
	for len(buf) >= evHeaderLen {
		typ := byteOrder.Uint32(buf[0:])
		length := int(byteOrder.Uint32(buf[4:]))
		if (length < evHeaderLen) || (length > len(buf)) {
			return evs
		}

		switch typ {
		case evVBlank, evFlipComplete:
			if length < evVBlankLen {
				break
			}
			evs = append(evs, Event{
				Type:     typ,
				UserData: byteOrder.Uint64(buf[8:]),
				Sec:      byteOrder.Uint32(buf[16:]),
				Usec:     byteOrder.Uint32(buf[20:]),
				Sequence: byteOrder.Uint32(buf[24:]),
				CRTC:     byteOrder.Uint32(buf[28:]),
			})
		}

		buf = buf[length:]
	}
	return evs
}

func (dev *Device) dispatch(ev Event) error {
	debug.Printf("kms: event %v: data %v, seq %v, crtc %v", ev.Type, ev.UserData, ev.Sequence, ev.CRTC)

	if (ev.Type == evFlipComplete) && (dev.flip != nil) {
		dev.flip(ev.UserData)
	}
	return nil
}

// Flush dispatches all events received since the last flush. It
// returns immediately if there are none.
func (dev *Device) Flush() error {
	select {
	case queue := <-dev.queue.Get():
		return errors.Join(flushQueue(queue)...)
	default:
		return nil
	}
}

// WaitForEvent blocks until at least one event has been received and
// dispatches everything queued. The teardown drain calls it until no
// flips remain in flight.
func (dev *Device) WaitForEvent() error {
	select {
	case <-dev.done:
		return ErrClosed
	case queue := <-dev.queue.Get():
		return errors.Join(flushQueue(queue)...)
	}
}

func flushQueue(queue []func() error) (errs []error) {
	for _, ev := range queue {
		err := ev()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

//go:build linux

// Package uffd wraps the userfaultfd(2) syscall surface used by the
// paging engine: missing-page registration, event reads and page
// installation via UFFDIO_COPY.
package uffd

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers and constants from linux/userfaultfd.h.
const (
	uffdAPIVersion = 0xaa

	ioctlAPI      = 0xc018aa3f // _IOWR(0xaa, 0x3f, struct uffdio_api)
	ioctlRegister = 0xc020aa00 // _IOWR(0xaa, 0x00, struct uffdio_register)
	ioctlWake     = 0x8010aa02 // _IOR(0xaa, 0x02, struct uffdio_range)
	ioctlCopy     = 0xc028aa03 // _IOWR(0xaa, 0x03, struct uffdio_copy)

	registerModeMissing = 0x1

	// EventPagefault is the only event kind delivered without extra
	// feature bits requested at API time.
	EventPagefault = 0x12

	eventMsgSize = 32
)

type apiArg struct {
	API      uint64
	Features uint64
	IOCtls   uint64
}

type rangeArg struct {
	Start uint64
	Len   uint64
}

type registerArg struct {
	Range  rangeArg
	Mode   uint64
	IOCtls uint64
}

type copyArg struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

// Event is one decoded userfaultfd message.
type Event struct {
	Kind    uint8
	Flags   uint64
	Address uint64
}

// eventMsg mirrors struct uffd_msg for pagefault events.
type eventMsg struct {
	Event   uint8
	_       uint8
	_       uint16
	_       uint32
	Flags   uint64
	Address uint64
	_       uint64
}

// FD is an open userfaultfd.
type FD struct {
	fd int
}

// Open creates a userfaultfd (non-blocking, close-on-exec) and performs
// the UFFDIO_API handshake.
func Open() (*FD, error) {
	raw, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd: %w", errno)
	}
	f := &FD{fd: int(raw)}

	api := apiArg{API: uffdAPIVersion}
	if err := f.ioctl(ioctlAPI, unsafe.Pointer(&api)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("userfaultfd api handshake: %w", err)
	}
	return f, nil
}

func (f *FD) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Close releases the file descriptor. The kernel drops all registrations
// held by it.
func (f *FD) Close() error {
	return unix.Close(f.fd)
}

// Register arms missing-page events for [base, base+length).
// length must be page-aligned.
func (f *FD) Register(base, length uintptr) error {
	arg := registerArg{
		Range: rangeArg{Start: uint64(base), Len: uint64(length)},
		Mode:  registerModeMissing,
	}
	if err := f.ioctl(ioctlRegister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("userfaultfd register: %w", err)
	}
	return nil
}

// Poll waits up to timeoutMs for an event to become readable.
// Returns false on timeout and on EINTR/EAGAIN, which callers treat as
// "check shutdown and poll again".
func (f *FD) Poll(timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("poll userfaultfd: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	return fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0, nil
}

// ReadEvent reads one message. ok is false when no event is pending.
func (f *FD) ReadEvent() (ev Event, ok bool, err error) {
	var buf [eventMsgSize]byte
	for {
		n, rerr := unix.Read(f.fd, buf[:])
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			if rerr == unix.EAGAIN {
				return Event{}, false, nil
			}
			return Event{}, false, fmt.Errorf("read userfaultfd: %w", rerr)
		}
		if n == 0 {
			return Event{}, false, fmt.Errorf("read userfaultfd: unexpected EOF")
		}
		if n != eventMsgSize {
			return Event{}, false, fmt.Errorf("read userfaultfd: short message of %d bytes", n)
		}
		break
	}

	msg := (*eventMsg)(unsafe.Pointer(&buf[0]))
	return Event{Kind: msg.Event, Flags: msg.Flags, Address: msg.Address}, true, nil
}

// Copy installs src at dst and wakes every thread blocked on the range.
// dst and len(src) must be page-aligned. Pages already populated (for
// example by a racing copy before an eviction) are skipped; the faulter
// for such a page was already woken by whichever copy installed it.
func (f *FD) Copy(dst uintptr, src []byte) error {
	ps := unix.Getpagesize()
	for len(src) > 0 {
		arg := copyArg{
			Dst: uint64(dst),
			Src: uint64(uintptr(unsafe.Pointer(&src[0]))),
			Len: uint64(len(src)),
		}
		err := f.ioctl(ioctlCopy, unsafe.Pointer(&arg))
		runtime.KeepAlive(src)
		if err == nil {
			return nil
		}

		done := arg.Copy
		if done < 0 {
			done = 0
		}

		switch err {
		case unix.EAGAIN:
			// Memory map churn; resume after whatever got through.
			dst += uintptr(done)
			src = src[done:]
		case unix.EEXIST:
			// The page after the copied span already exists; skip it.
			skip := done + int64(ps)
			if skip > int64(len(src)) {
				skip = int64(len(src))
			}
			dst += uintptr(skip)
			src = src[skip:]
		default:
			return fmt.Errorf("userfaultfd copy: %w", err)
		}
	}
	return nil
}

// Wake releases threads blocked on [base, base+length) without copying.
// Used when a fault arrives for a page that is already present.
func (f *FD) Wake(base, length uintptr) error {
	arg := rangeArg{Start: uint64(base), Len: uint64(length)}
	if err := f.ioctl(ioctlWake, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("userfaultfd wake: %w", err)
	}
	return nil
}

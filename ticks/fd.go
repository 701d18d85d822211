package ticks

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// perfFD wraps one perf_event fd. Every fd this package opens must be
// closed exactly once, even on an error path that tears a counter down
// halfway through construction; perfFD.Close is idempotent so callers
// can defer it unconditionally without double-close bookkeeping.
type perfFD struct {
	fd int
}

// openPerfEvent opens attr on tid, scoped to that one thread's CPU
// (the engine always runs with one PMU programming per traced thread,
// never a whole-cpu counter).
func openPerfEvent(attr *unix.PerfEventAttr, tid int) (*perfFD, error) {
	fd, err := unix.PerfEventOpen(attr, tid, -1, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(tid=%d, config=%#x): %w", tid, attr.Config, err)
	}
	return &perfFD{fd: fd}, nil
}

func (f *perfFD) valid() bool {
	return f != nil && f.fd >= 0
}

// Close releases the underlying fd. It is safe to call on a nil
// receiver or an already-closed perfFD.
func (f *perfFD) Close() error {
	if !f.valid() {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

func (f *perfFD) enable() error {
	if !f.valid() {
		return nil
	}
	return unix.IoctlSetInt(f.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (f *perfFD) disable() error {
	if !f.valid() {
		return nil
	}
	return unix.IoctlSetInt(f.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

func (f *perfFD) reset() error {
	if !f.valid() {
		return nil
	}
	return unix.IoctlSetInt(f.fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// setPeriod reprograms the overflow sample_period. The kernel expects
// a pointer to a u64, not the value packed into the ioctl argument
// itself (unlike ENABLE/DISABLE/RESET, whose argument is ignored), so
// this cannot go through unix.IoctlSetInt and needs the raw syscall.
func (f *perfFD) setPeriod(period uint64) error {
	if !f.valid() {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), uintptr(unix.PERF_EVENT_IOC_PERIOD), uintptr(unsafe.Pointer(&period)))
	if errno != 0 {
		return errno
	}
	return nil
}

// read returns the counter's current 64-bit value.
func (f *perfFD) read() (uint64, error) {
	if !f.valid() {
		return 0, fmt.Errorf("read on closed counter fd")
	}
	var buf [8]byte
	n, err := unix.Read(f.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("reading perf counter: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read from perf counter: got %d bytes, want %d", n, len(buf))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

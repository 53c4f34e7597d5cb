package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pipeAtomicSize is the default Linux pipe buffer size. Frames larger
// than this cannot complete in a single write regardless of EAGAIN
// handling, so writeFrame's poll-and-retry loop is what actually carries
// them across, one partial write at a time.
const pipeAtomicSize = 65536

// errShortFrame is returned when a frame's body is not fully available
// before its sending side closes or breaks — a broken channel mid-frame.
var errShortFrame = errors.New("worker: task channel produced a short frame")

// rawFd switches f (one end of a pipe created via os.Pipe/exec.Cmd's
// StdinPipe/StdoutPipe) into non-blocking mode and hands back its raw
// descriptor for direct use with unix.Poll, mirroring
// original_source/delayed/worker.py's non_blocking_pipe() plus the
// select()-driven read/write loops in _send_task and _run_tasks.
//
// Calling f.Fd() detaches f from the Go runtime's internal poller, so all
// further I/O on the descriptor must go through the unix.* calls below,
// not through f.Read/f.Write.
func rawFd(f *os.File) (int, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, fmt.Errorf("worker: set %s nonblocking: %w", f.Name(), err)
	}
	return fd, nil
}

// writeFrame writes the 4-byte little-endian length header followed by
// data to fd. Any write that doesn't complete in one call polls for
// writability in 100ms increments until done or deadline passes.
func writeFrame(fd int, data []byte, deadline time.Time) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(data)))
	remaining := append(header, data...)

	for len(remaining) > 0 {
		n, err := unix.Write(fd, remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EAGAIN):
			if perr := pollFd(fd, unix.POLLOUT, deadline); perr != nil {
				return perr
			}
		default:
			return fmt.Errorf("worker: write frame: %w", err)
		}
	}
	return nil
}

// readFrame reads one length-prefixed frame from fd. A clean EOF before
// any header byte arrives returns (nil, errCleanEOF) to signal an
// orderly end of the session; any other short read mid-frame returns
// errShortFrame.
func readFrame(fd int, deadline time.Time) ([]byte, error) {
	header, eof, err := readExactly(fd, 4, deadline)
	if err != nil {
		return nil, err
	}
	if eof {
		return nil, errCleanEOF
	}
	if len(header) < 4 {
		return nil, errShortFrame
	}
	length := binary.LittleEndian.Uint32(header)
	if length == 0 {
		return nil, nil
	}
	body, eof, err := readExactly(fd, int(length), deadline)
	if err != nil {
		return nil, err
	}
	if eof || len(body) < int(length) {
		return nil, errShortFrame
	}
	return body, nil
}

// errCleanEOF marks a readFrame call that found the channel closed before
// any new frame began — the expected way a session ends.
var errCleanEOF = errors.New("worker: task channel closed")

func readExactly(fd int, n int, deadline time.Time) (buf []byte, eof bool, err error) {
	buf = make([]byte, 0, n)
	for len(buf) < n {
		if perr := pollFd(fd, unix.POLLIN, deadline); perr != nil {
			return nil, false, perr
		}
		chunk := make([]byte, n-len(buf))
		r, rerr := unix.Read(fd, chunk)
		switch {
		case rerr == nil && r == 0:
			return buf, len(buf) == 0, nil
		case rerr == nil:
			buf = append(buf, chunk[:r]...)
		case errors.Is(rerr, unix.EAGAIN):
			continue
		default:
			return nil, false, fmt.Errorf("worker: read frame: %w", rerr)
		}
	}
	return buf, false, nil
}

// pollFd blocks until fd is ready for the given event (unix.POLLIN or
// unix.POLLOUT), polling in fixed 100ms slices until ready or deadline
// passes. A zero deadline means "no deadline".
func pollFd(fd int, event int16, deadline time.Time) error {
	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("worker: deadline exceeded waiting for fd %d", fd)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: event}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("worker: poll: %w", err)
		}
		if n > 0 && fds[0].Revents&event != 0 {
			return nil
		}
	}
}

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// headerSize is the size of the length prefix of a scalar message.
const headerSize = 4

var (
	// ErrPeerClosed is returned when the other side closed the channel before a complete message arrived.
	ErrPeerClosed = errors.New("channel closed by peer")
	// ErrNoDescriptor is returned when a message arrived without a file descriptor attached.
	ErrNoDescriptor = errors.New("no file descriptor received")
	// ErrMalformedDescriptor is returned when the ancillary data is truncated or does not hold exactly one descriptor.
	ErrMalformedDescriptor = errors.New("malformed file descriptor message")
	// ErrScalarTooLarge is returned by ReadScalar when the announced size exceeds the limit.
	ErrScalarTooLarge = errors.New("scalar message too large")
)

// SystemError is a failed system call on a channel, with the originating errno.
type SystemError struct {
	Op    string
	Errno unix.Errno
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s (errno=%d)", e.Op, e.Errno.Error(), int(e.Errno))
}

func (e *SystemError) Unwrap() error { return e.Errno }

func sysErr(op string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &SystemError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Channel frames messages over a connected stream descriptor. It does not own the descriptor
// unless Close is called.
type Channel struct {
	fd int
}

func New(fd int) *Channel {
	return &Channel{fd: fd}
}

// FD returns the underlying descriptor.
func (c *Channel) FD() int { return c.fd }

// WriteScalar writes b prefixed with its length as a 32-bit big-endian integer.
func (c *Channel) WriteScalar(b []byte) error {
	if uint64(len(b)) > uint64(^uint32(0)) {
		return fmt.Errorf("writing scalar of %d bytes: %w", len(b), ErrScalarTooLarge)
	}
	msg := make([]byte, headerSize+len(b))
	binary.BigEndian.PutUint32(msg, uint32(len(b)))
	copy(msg[headerSize:], b)
	return c.writeAll("write scalar", msg)
}

// WriteRaw writes b without any framing.
func (c *Channel) WriteRaw(b []byte) error {
	return c.writeAll("write raw", b)
}

// Write implements io.Writer using WriteRaw.
func (c *Channel) Write(b []byte) (int, error) {
	if err := c.WriteRaw(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Channel) writeAll(op string, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(c.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sysErr(op, err)
		}
		b = b[n:]
	}
	return nil
}

// Read implements io.Reader on the descriptor. A zero-length read from the kernel is io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, sysErr("read", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// ReadScalar reads one message written by WriteScalar. Messages larger than maxSize are
// rejected; a maxSize of 0 means no limit.
func (c *Channel) ReadScalar(maxSize uint32) ([]byte, error) {
	var header [headerSize]byte
	if err := c.readFull(header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("reading scalar of %d bytes (max %d): %w", size, maxSize, ErrScalarTooLarge)
	}
	b := make([]byte, size)
	if err := c.readFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Channel) readFull(b []byte) error {
	_, err := io.ReadFull(c, b)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return err
}

// WriteFileDescriptor sends fd to the peer as SCM_RIGHTS ancillary data on a one-byte message.
// The caller keeps ownership of fd.
func (c *Channel) WriteFileDescriptor(fd int) error {
	rights := unix.UnixRights(fd)
	for {
		err := unix.Sendmsg(c.fd, []byte{0}, rights, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sysErr("send file descriptor", err)
		}
		return nil
	}
}

// ReadFileDescriptor blocks until the peer sends exactly one descriptor. The returned
// descriptor is owned by the caller and marked close-on-exec.
func (c *Channel) ReadFileDescriptor() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn, flags int
	var err error
	for {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return -1, sysErr("receive file descriptor", err)
	}

	var fds []int
	if oobn > 0 {
		msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			return -1, fmt.Errorf("parsing control message: %s: %w", perr, ErrMalformedDescriptor)
		}
		for i := range msgs {
			rights, rerr := unix.ParseUnixRights(&msgs[i])
			if rerr != nil {
				closeAll(fds)
				return -1, fmt.Errorf("parsing unix rights: %s: %w", rerr, ErrMalformedDescriptor)
			}
			fds = append(fds, rights...)
		}
	}

	switch {
	case flags&unix.MSG_CTRUNC != 0:
		closeAll(fds)
		return -1, fmt.Errorf("control message truncated: %w", ErrMalformedDescriptor)
	case len(fds) == 0 && n == 0:
		return -1, ErrPeerClosed
	case len(fds) == 0:
		return -1, ErrNoDescriptor
	case len(fds) > 1:
		closeAll(fds)
		return -1, fmt.Errorf("received %d descriptors: %w", len(fds), ErrMalformedDescriptor)
	}

	return fds[0], nil
}

// Close closes the underlying descriptor.
func (c *Channel) Close() error {
	if err := unix.Close(c.fd); err != nil {
		return sysErr("close", err)
	}
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

package channel

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestScalar(t *testing.T) {
	a, b := socketpair(t)

	cases := []struct {
		name string
		msg  []byte
	}{
		{name: "empty", msg: []byte{}},
		{name: "headers", msg: []byte("Host\x00example.com\x00")},
		{name: "binary", msg: []byte{0, 1, 2, 255, 254}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.NoError(t, New(a).WriteScalar(c.msg))
			got, err := New(b).ReadScalar(0)
			require.NoError(t, err)
			assert.Equal(t, c.msg, got)
		})
	}
}

func TestScalarWireFormat(t *testing.T) {
	a, b := socketpair(t)

	require.NoError(t, New(a).WriteScalar([]byte("abc")))

	buf := make([]byte, 7)
	_, err := io.ReadFull(New(b), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf)
}

func TestReadScalarTooLarge(t *testing.T) {
	a, b := socketpair(t)

	require.NoError(t, New(a).WriteScalar([]byte("0123456789")))
	_, err := New(b).ReadScalar(4)
	assert.ErrorIs(t, err, ErrScalarTooLarge)
}

func TestReadScalarPeerClosed(t *testing.T) {
	a, b := socketpair(t)

	// a header announcing more bytes than are sent
	require.NoError(t, New(a).WriteRaw([]byte{0, 0, 0, 9, 'x'}))
	require.NoError(t, unix.Shutdown(a, unix.SHUT_WR))

	_, err := New(b).ReadScalar(0)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestWriteBrokenPipe(t *testing.T) {
	a, b := socketpair(t)
	require.NoError(t, unix.Shutdown(b, unix.SHUT_RD))
	require.NoError(t, unix.Shutdown(a, unix.SHUT_WR))

	err := New(a).WriteScalar([]byte("hello"))
	require.Error(t, err)

	var sysErr *SystemError
	require.True(t, errors.As(err, &sysErr))
	assert.Equal(t, unix.EPIPE, sysErr.Errno)
	assert.ErrorIs(t, err, unix.EPIPE)
}

func TestFileDescriptor(t *testing.T) {
	a, b := socketpair(t)

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])

	require.NoError(t, New(a).WriteFileDescriptor(p[1]))
	require.NoError(t, unix.Close(p[1]))

	fd, err := New(b).ReadFileDescriptor()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)

	// the received descriptor is the write end of the pipe
	require.NoError(t, New(fd).WriteRaw([]byte("through the pipe")))
	require.NoError(t, unix.Close(fd))

	got, err := io.ReadAll(New(p[0]))
	require.NoError(t, err)
	assert.Equal(t, "through the pipe", string(got))
}

func TestReadFileDescriptorErrors(t *testing.T) {
	t.Run("peer closed", func(t *testing.T) {
		a, b := socketpair(t)
		require.NoError(t, unix.Shutdown(a, unix.SHUT_WR))

		_, err := New(b).ReadFileDescriptor()
		assert.ErrorIs(t, err, ErrPeerClosed)
	})
	t.Run("no descriptor", func(t *testing.T) {
		a, b := socketpair(t)
		require.NoError(t, New(a).WriteRaw([]byte{0}))

		_, err := New(b).ReadFileDescriptor()
		assert.ErrorIs(t, err, ErrNoDescriptor)
	})
	t.Run("too many descriptors", func(t *testing.T) {
		a, b := socketpair(t)

		var p [2]int
		require.NoError(t, unix.Pipe(p[:]))
		defer unix.Close(p[0])
		defer unix.Close(p[1])
		require.NoError(t, unix.Sendmsg(a, []byte{0}, unix.UnixRights(p[0], p[1]), nil, 0))

		_, err := New(b).ReadFileDescriptor()
		assert.ErrorIs(t, err, ErrMalformedDescriptor)
	})
}

package app

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/guseggert/apppool/channel"
	"golang.org/x/sys/unix"
)

// closedFD marks a session descriptor that has been closed.
const closedFD = -1

// CloseCallback is called exactly once when a session is closed. It may call Close again, which is a no-op.
type CloseCallback func(s Session)

// Session is the lifetime of one request/response exchange with an application instance.
//
// A session is used as follows:
//
//  1. Encode the request headers with EncodeHeaders and send them with SendHeaders.
//  2. Send the request body, if any, with one or more SendBodyBlock calls.
//  3. Call CloseWriter, since nothing more will be sent.
//  4. Read the response from Reader, e.g. through channel.New(s.Reader()).
//  5. Call Close. This must always happen, even after a failure.
type Session interface {
	// SendHeaders sends the encoded header block. It must be the first call on a session.
	SendHeaders(headers []byte) error
	// SendBodyBlock sends a chunk of the request body. It may be called any number of times after SendHeaders.
	SendBodyBlock(block []byte) error
	// Reader returns the descriptor the response is read from, or -1 if it was closed.
	Reader() int
	// CloseReader closes the reader descriptor. It may be called any number of times.
	CloseReader() error
	// Writer returns the descriptor the request is written to, or -1 if it was closed.
	Writer() int
	// CloseWriter closes the writer descriptor. It may be called any number of times.
	CloseWriter() error
	// Close ends the session: it releases the instance's session slot, closes both
	// descriptors if still open and calls the close callback. Only the first call has an effect.
	Close() error
}

// sharedState is held by an Instance and every Session it opened, and lives as long as the
// longest holder.
type sharedState struct {
	sessions atomic.Uint32
}

func (s *sharedState) open() {
	s.sessions.Add(1)
}

func (s *sharedState) release() {
	s.sessions.Add(^uint32(0))
}

type standardSession struct {
	data    *sharedState
	onClose CloseCallback

	mu     sync.Mutex
	reader int
	writer int

	closeOnce sync.Once
}

func newStandardSession(data *sharedState, onClose CloseCallback, reader, writer int) *standardSession {
	data.open()
	return &standardSession{
		data:    data,
		onClose: onClose,
		reader:  reader,
		writer:  writer,
	}
}

func (s *standardSession) SendHeaders(headers []byte) error {
	writer := s.Writer()
	if writer == closedFD {
		return fmt.Errorf("cannot write headers to the request handler: %w", ErrChannelClosed)
	}
	if err := channel.New(writer).WriteScalar(headers); err != nil {
		return fmt.Errorf("writing headers to the request handler: %w", err)
	}
	return nil
}

func (s *standardSession) SendBodyBlock(block []byte) error {
	writer := s.Writer()
	if writer == closedFD {
		return fmt.Errorf("cannot write request body block to the request handler: %w", ErrChannelClosed)
	}
	if err := channel.New(writer).WriteRaw(block); err != nil {
		return fmt.Errorf("writing request body to the request handler: %w", err)
	}
	return nil
}

func (s *standardSession) Reader() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader
}

func (s *standardSession) Writer() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

func (s *standardSession) CloseReader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeFD(&s.reader)
}

func (s *standardSession) CloseWriter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeFD(&s.writer)
}

func (s *standardSession) Close() error {
	var err error
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.data.release()
		rerr := s.CloseReader()
		werr := s.CloseWriter()
		if rerr != nil {
			err = rerr
		} else {
			err = werr
		}
	})
	// outside the Once, so the callback may call Close itself
	if first && s.onClose != nil {
		s.onClose(s)
	}
	return err
}

func closeFD(fd *int) error {
	if *fd == closedFD {
		return nil
	}
	err := unix.Close(*fd)
	*fd = closedFD
	if err != nil {
		return fmt.Errorf("closing session descriptor: %w", err)
	}
	return nil
}

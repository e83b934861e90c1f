package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cgi"
	"strconv"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/channel"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxHeaderSize bounds the header scalar of a single session.
const maxHeaderSize = 1 << 20

// Server is the application side of the control protocol. It answers session requests on a
// control socket and runs Handler for each of them, one at a time.
type Server struct {
	Log     *zap.SugaredLogger
	Handler http.Handler
}

// Serve answers probes on controlFD until the other side closes it. It does not close controlFD.
func (s *Server) Serve(controlFD int) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	control := channel.New(controlFD)
	for {
		probe := make([]byte, 1)
		_, err := io.ReadFull(control, probe)
		if errors.Is(err, io.EOF) {
			log.Debug("control socket closed, shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading probe: %w", err)
		}

		reader, writer, err := s.openSession(control)
		if err != nil {
			return err
		}
		err = s.handleSession(log, reader, writer)
		reader.Close()
		writer.Close()
		if err != nil {
			log.Debugf("session error: %s", err)
		}
	}
}

// openSession creates the request and response pipes and hands the caller its ends:
// first the end it reads the response from, then the end it writes the request to.
func (s *Server) openSession(control *channel.Channel) (reader, writer *channel.Channel, err error) {
	var resp, req [2]int
	if err := unix.Pipe2(resp[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("creating response pipe: %w", err)
	}
	if err := unix.Pipe2(req[:], unix.O_CLOEXEC); err != nil {
		unix.Close(resp[0])
		unix.Close(resp[1])
		return nil, nil, fmt.Errorf("creating request pipe: %w", err)
	}
	err = control.WriteFileDescriptor(resp[0])
	if err == nil {
		err = control.WriteFileDescriptor(req[1])
	}
	unix.Close(resp[0])
	unix.Close(req[1])
	if err != nil {
		unix.Close(resp[1])
		unix.Close(req[0])
		return nil, nil, fmt.Errorf("sending session descriptors: %w", err)
	}
	return channel.New(req[0]), channel.New(resp[1]), nil
}

func (s *Server) handleSession(log *zap.SugaredLogger, reader, writer *channel.Channel) error {
	block, err := reader.ReadScalar(maxHeaderSize)
	if err != nil {
		return fmt.Errorf("reading headers: %w", err)
	}
	headers, err := app.DecodeHeaders(block)
	if err != nil {
		return fmt.Errorf("decoding headers: %w", err)
	}

	req, err := cgi.RequestFromMap(headers)
	if err != nil {
		writeError(writer, http.StatusBadRequest)
		return fmt.Errorf("building request: %w", err)
	}
	var body io.Reader = reader
	if n, err := strconv.ParseInt(headers["CONTENT_LENGTH"], 10, 64); err == nil {
		body = io.LimitReader(reader, n)
	}
	req.Body = io.NopCloser(body)

	log.Debugw("handling request", "Method", req.Method, "URL", req.URL.String())
	handler := s.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	rw := newResponseWriter()
	handler.ServeHTTP(rw, req)

	return rw.writeTo(writer)
}

// responseWriter buffers a handler's response so it can be written as one HTTP/1.1 message.
type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: http.Header{}}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}

func (w *responseWriter) writeTo(out io.Writer) error {
	w.WriteHeader(http.StatusOK)
	resp := &http.Response{
		StatusCode:    w.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.header,
		ContentLength: int64(w.body.Len()),
		Body:          io.NopCloser(&w.body),
	}
	bw := bufio.NewWriter(out)
	if err := resp.Write(bw); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return bw.Flush()
}

func writeError(out io.Writer, status int) {
	rw := newResponseWriter()
	http.Error(rw, http.StatusText(status), status)
	rw.writeTo(out)
}

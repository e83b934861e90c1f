package basic

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/channel"
	"go.uber.org/zap"
)

// blockSize is the largest body block sent in one SendBodyBlock call.
const blockSize = 32 * 1024

// Instance wraps an app.Instance and runs whole request/response exchanges over its sessions.
// Callers that need to stream a response, or drive the session themselves, should use the
// app.Instance directly.
type Instance struct {
	Instance *app.Instance
	Log      *zap.SugaredLogger
}

// Response is an application's response, read completely before the session was closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func New(a *app.Instance) *Instance {
	return &Instance{
		Instance: a,
		Log:      defaultLogger,
	}
}

func (i *Instance) WithLogger(l *zap.SugaredLogger) *Instance {
	i.Log = l.Named(loggerName)
	return i
}

// Do opens a session, sends the headers and body, and reads the whole response.
// The session is closed before Do returns, and the instance's last-used time is updated when it is.
// The body is sent while the response is read, so an application that answers before consuming
// its input cannot deadlock the exchange.
func (i *Instance) Do(headers map[string]string, body io.Reader) (*Response, error) {
	block, err := app.EncodeHeaders(headers)
	if err != nil {
		return nil, err
	}

	sess, err := i.Instance.Connect(func(app.Session) {
		i.Instance.SetLastUsed(time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", i.Instance.AppRoot(), err)
	}
	defer sess.Close()

	if err := sess.SendHeaders(block); err != nil {
		return nil, fmt.Errorf("sending headers: %w", err)
	}

	var sendErr error
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		sendErr = sendBody(sess, body)
	}()

	resp, readErr := readResponse(sess)
	<-sent

	if readErr != nil {
		if sendErr != nil {
			return nil, fmt.Errorf("sending body: %w", sendErr)
		}
		return nil, readErr
	}
	if sendErr != nil {
		// the application answered without reading all of its input
		i.Log.Debugw("body not fully sent", "AppRoot", i.Instance.AppRoot(), "Error", sendErr)
	}
	return resp, nil
}

func (i *Instance) MustDo(headers map[string]string, body io.Reader) *Response {
	return Must2(i.Do(headers, body))
}

// Get is shorthand for a GET of path with no body.
func (i *Instance) Get(path string) (*Response, error) {
	return i.Do(map[string]string{
		"REQUEST_METHOD":  http.MethodGet,
		"SERVER_PROTOCOL": "HTTP/1.1",
		"PATH_INFO":       path,
	}, nil)
}

func (i *Instance) MustGet(path string) *Response {
	return Must2(i.Get(path))
}

func (i *Instance) Close() error {
	return i.Instance.Close()
}

func (i *Instance) MustClose() {
	Must(i.Close())
}

func sendBody(sess app.Session, body io.Reader) error {
	if body != nil {
		buf := make([]byte, blockSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if sendErr := sess.SendBodyBlock(buf[:n]); sendErr != nil {
					return sendErr
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("reading body: %w", err)
			}
		}
	}
	return sess.CloseWriter()
}

func readResponse(sess app.Session) (*Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(channel.New(sess.Reader())), nil)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}

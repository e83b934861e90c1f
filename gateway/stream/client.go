package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrSession is returned by Client.Do when the server reports a failed session.
var ErrSession = errors.New("session failed")

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Do runs one session: it sends headers and streams body, and copies the raw response the
// application produces into out. A nil body sends no body bytes.
func (c *Client) Do(ctx context.Context, headers map[string]string, body io.Reader, out io.Writer) error {
	c.Logger.Debugw("dialing WebSocket for session", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return fmt.Errorf("establishing WebSocket conn for session: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runner := &clientSessionRunner{
		log:    c.Logger.Named("session_runner"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		out:    out,
	}
	return runner.run(headers)
}

type clientSessionRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	body io.Reader
	out  io.Writer

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *clientSessionRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		closeConn(r.log, r.conn, code, reason)
	})
}

func (r *clientSessionRunner) run(headers map[string]string) error {
	err := wsjson.Write(r.ctx, r.conn, requestMessage{Headers: headers})
	if err != nil {
		r.close(websocket.StatusInternalError, err.Error())
		return fmt.Errorf("writing first message: %w", err)
	}

	r.wg.Add(1)
	go r.writeBody()

	err = r.readMessages()

	// the body may never be fully consumed if the application answered early
	r.cancel()
	r.wg.Wait()
	return err
}

func (r *clientSessionRunner) writeBody() {
	defer r.wg.Done()
	writer := &wsJSONWriter{
		log:  r.log.Named("body_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return requestMessage{Body: b}
		},
		closeMsg: func() any {
			return requestMessage{BodyDone: true}
		},
	}
	if r.body != nil {
		_, err := io.Copy(writer, r.body)
		if err != nil {
			r.log.Debugf("error copying body: %s", err)
			return
		}
	}
	writer.Close()
}

func (r *clientSessionRunner) readMessages() error {
	for {
		var msg responseMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			return fmt.Errorf("conn unexpectedly closed: %w", err)
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			return err
		}
		if len(msg.Response) > 0 {
			if _, err := r.out.Write(msg.Response); err != nil {
				r.close(websocket.StatusInternalError, err.Error())
				return fmt.Errorf("writing response: %w", err)
			}
		}
		if msg.Done {
			r.close(websocket.StatusNormalClosure, "")
			if msg.Err != "" {
				return fmt.Errorf("%w: %s", ErrSession, msg.Err)
			}
			return nil
		}
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/apppool/app"
	"github.com/guseggert/apppool/channel"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ConnectFunc opens a session with an application. It may block until the application is free.
type ConnectFunc func(ctx context.Context) (app.Session, error)

type Server struct {
	Log     *zap.SugaredLogger
	Connect ConnectFunc
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverSessionRunner{
		log:     s.Log.Named("server_runner"),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		connect: s.Connect,
	}
	runner.run()
}

type serverSessionRunner struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	ctx     context.Context
	cancel  func()
	connect ConnectFunc

	sess app.Session

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *serverSessionRunner) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		closeConn(r.log, r.conn, code, reason)
	})
}

func (r *serverSessionRunner) run() {
	err := r.readFirstMessageAndConnect()
	if err != nil {
		r.log.Debugf("error starting session: %s", err)
		r.close(websocket.StatusInternalError, fmt.Sprintf("starting session: %s", err))
		return
	}
	defer r.sess.Close()
	r.log.Debug("session started")

	r.wg.Add(1)
	go r.readMessages()

	r.writeResponse()

	// the client closes the conn once it has the final message
	r.wg.Wait()
}

func (r *serverSessionRunner) readFirstMessageAndConnect() error {
	var req requestMessage
	err := wsjson.Read(r.ctx, r.conn, &req)
	if err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	if len(req.Headers) == 0 {
		return errors.New("first message contained no headers")
	}
	block, err := app.EncodeHeaders(req.Headers)
	if err != nil {
		return err
	}

	sess, err := r.connect(r.ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := sess.SendHeaders(block); err != nil {
		sess.Close()
		return err
	}
	r.sess = sess
	return nil
}

// readMessages forwards body blocks to the session until the client is done with the conn.
// The session's writer is closed when the body ends, or when the conn does.
func (r *serverSessionRunner) readMessages() {
	defer r.wg.Done()
	defer r.sess.CloseWriter()

	sendFailed := false
	for {
		var msg requestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.cancel()
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Body) > 0 && !sendFailed {
			if err := r.sess.SendBodyBlock(msg.Body); err != nil {
				// the application stopped reading, but its response may still be coming
				r.log.Debugf("body writer got error: %s", err)
				sendFailed = true
			}
		}
		if msg.BodyDone {
			r.sess.CloseWriter()
		}
	}
}

func (r *serverSessionRunner) writeResponse() {
	writer := &wsJSONWriter{
		log:  r.log.Named("response_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return responseMessage{Response: b}
		},
	}
	_, err := io.Copy(writer, channel.New(r.sess.Reader()))
	r.log.Debugw("done copying response", "Error", err)

	done := responseMessage{Done: true}
	if err != nil {
		done.Err = err.Error()
	}
	if err := wsjson.Write(r.ctx, r.conn, done); err != nil {
		r.log.Debugf("error sending final message: %s", err)
		r.cancel()
		r.close(websocket.StatusInternalError, err.Error())
	}
}

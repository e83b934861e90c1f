package stream

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		end := written + chunkSize
		if end > len(b) {
			end = len(b)
		}
		msg := w.writeMsg(b[written:end])
		if err := wsjson.Write(w.ctx, w.conn, msg); err != nil {
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	err := wsjson.Write(w.ctx, w.conn, w.closeMsg())
	w.log.Debugw("closed writer", "Error", err)
	return err
}

// closeConn closes conn, truncating reason to what a close frame can carry.
func closeConn(log *zap.SugaredLogger, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	if err := conn.Close(code, reason); err != nil {
		log.Debugf("error closing conn: %s", err)
	}
}

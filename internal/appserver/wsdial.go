package appserver

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DialWebSocket connects to an already-running app-server endpoint and
// wraps the connection in a session. Frames map one websocket text
// message to one JSON-RPC line.
func DialWebSocket(ctx context.Context, url string) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewSession(&wsStream{conn: conn}), nil
}

// wsStream adapts a websocket connection to the newline-delimited stream
// the session read/write loops expect. Writes are buffered until a
// newline so one JSON-RPC line maps to one websocket message even when
// the caller writes in chunks.
type wsStream struct {
	conn *websocket.Conn
	rbuf []byte
	wbuf []byte
}

func (w *wsStream) Read(b []byte) (int, error) {
	if len(w.rbuf) == 0 {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.rbuf = append(msg, '\n')
	}
	n := copy(b, w.rbuf)
	w.rbuf = w.rbuf[n:]
	return n, nil
}

func (w *wsStream) Write(b []byte) (int, error) {
	w.wbuf = append(w.wbuf, b...)
	for {
		i := bytes.IndexByte(w.wbuf, '\n')
		if i < 0 {
			return len(b), nil
		}
		msg := w.wbuf[:i]
		w.wbuf = w.wbuf[i+1:]
		if len(msg) == 0 {
			continue
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return 0, err
		}
	}
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}

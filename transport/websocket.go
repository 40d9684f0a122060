package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket defaults for the edge endpoint.
const (
	DefaultURL    = "wss://web.whatsapp.com/ws/chat"
	DefaultOrigin = "https://web.whatsapp.com"
)

// wsStream adapts a message-oriented WebSocket to a byte stream. Each
// Write becomes one binary message; Read drains messages in order.
type wsStream struct {
	conn   *websocket.Conn
	readMu sync.Mutex
	reader io.Reader
}

// DialWebSocket connects to url with the given Origin header.
func DialWebSocket(ctx context.Context, url, origin string) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 20 * time.Second,
	}
	header := http.Header{"Origin": []string{origin}}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrTransport, url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}
	return NewWebSocketStream(conn), nil
}

// NewWebSocketStream wraps an established WebSocket connection.
func NewWebSocketStream(conn *websocket.Conn) io.ReadWriteCloser {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

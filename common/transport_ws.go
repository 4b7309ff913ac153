package common

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteBufferSize = 1 << 20

// webSocketTransport frames messages over a WebSocket endpoint exposed
// by a remote driver. Each driver message is one text frame, so the
// WebSocket layer supplies the self-delimiting framing.
type webSocketTransport struct {
	conn  *websocket.Conn
	wsURL string

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketTransport dials the driver's WebSocket endpoint and
// returns a Transport over it.
func NewWebSocketTransport(ctx context.Context, wsURL string) (Transport, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing driver endpoint %q: %w", wsURL, err)
	}
	return &webSocketTransport{
		conn:  conn,
		wsURL: wsURL,
		done:  make(chan struct{}),
	}, nil
}

func (t *webSocketTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *webSocketTransport) Send(msg []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("writing to %q: %w", t.wsURL, err)
	}
	if _, err := writer.Write(msg); err != nil {
		return fmt.Errorf("writing to %q: %w", t.wsURL, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("writing to %q: %w", t.wsURL, err)
	}
	return nil
}

func (t *webSocketTransport) Recv() ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	_, buf, err := t.conn.ReadMessage()
	if err != nil {
		if t.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("reading from %q: %w", t.wsURL, err)
	}
	return buf, nil
}

func (t *webSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(10*time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

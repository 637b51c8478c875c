package push

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amoylab/beacon/internal/registry"
)

// wsTransport adapts a websocket connection to registry.Transport.
// Envelope writes are serialized by the registry handle; pings share mu with them.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

var _ registry.Transport = (*wsTransport)(nil)

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// Send writes env within the transport's own write timeout. The caller's context
// does not bound the write, so a departed producer cannot fail a healthy socket.
func (t *wsTransport) Send(_ context.Context, env *registry.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a close frame with code and reason, then closes the socket
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

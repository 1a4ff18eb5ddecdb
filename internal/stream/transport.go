package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"marketsync/internal/types"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Transport is one established bidirectional message link
type Transport interface {
	// ReadMessage blocks for the next frame. Errors are *types.TransportError
	// carrying the close code when one was received.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close ends the link. A normal-closure code is announced to the peer.
	Close(code int, reason string) error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials with gorilla/websocket
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer returns a dialer with the default handshake settings
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := d.Dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, &types.TransportError{Op: "dial", Err: err}
	}
	return &websocketTransport{conn: conn}, nil
}

type websocketTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *websocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		code := websocket.CloseAbnormalClosure
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		return nil, &types.TransportError{Op: "read", Code: code, Err: err}
	}
	return data, nil
}

func (t *websocketTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &types.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *websocketTransport) Close(code int, reason string) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if code == websocket.CloseNormalClosure {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	}
	return t.conn.Close()
}

// closeCode extracts the close code from a read error, defaulting to abnormal closure
func closeCode(err error) int {
	var te *types.TransportError
	if errors.As(err, &te) && te.Code != 0 {
		return te.Code
	}
	return websocket.CloseAbnormalClosure
}

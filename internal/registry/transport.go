package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the subset of a WebSocket connection the registry drives.
// *websocket.Conn satisfies it; tests inject an in-memory pair.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Transport for a room URL.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

type wsDialer struct {
	subprotocols []string
}

func (d wsDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:        http.ProxyFromEnvironment,
		Subprotocols: d.subprotocols,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

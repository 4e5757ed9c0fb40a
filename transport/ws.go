package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint
	URL string

	// TLSConfig applies to wss endpoints
	TLSConfig *tls.Config

	// RequestHeader is sent with the upgrade request; the MQTT
	// subprotocol is always announced
	RequestHeader http.Header

	// ProxyURL routes the upgrade through an HTTP proxy when non-empty
	ProxyURL string

	// HandshakeTimeout bounds the upgrade; zero uses the dialer default
	HandshakeTimeout time.Duration
}

// WebSocket is a Transport over a WebSocket connection carrying MQTT in
// binary frames. Frame boundaries carry no meaning; Read exposes the
// concatenated byte stream.
type WebSocket struct {
	cfg WebSocketConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	reader io.Reader // current binary frame

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewWebSocket creates a WebSocket transport. The stream is not established
// until Connect.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg, closedCh: make(chan struct{})}
}

// Connect performs the WebSocket upgrade handshake.
func (w *WebSocket) Connect(ctx context.Context) error {
	select {
	case <-w.closedCh:
		return ErrClosed
	default:
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  w.cfg.TLSConfig,
		HandshakeTimeout: w.cfg.HandshakeTimeout,
		Subprotocols:     []string{"mqtt"},
	}
	if w.cfg.ProxyURL != "" {
		proxy, err := url.Parse(w.cfg.ProxyURL)
		if err != nil {
			return ErrProxy
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.RequestHeader)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return wrapDialError(err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

func (w *WebSocket) Read(p []byte) (int, error) {
	w.mu.Lock()
	conn, reader := w.conn, w.reader
	w.mu.Unlock()

	if conn == nil {
		return 0, ErrNotConnected
	}

	for {
		if reader == nil {
			_, r, err := conn.NextReader()
			if err != nil {
				return 0, err
			}
			reader = r
			w.mu.Lock()
			w.reader = r
			w.mu.Unlock()
		}

		n, err := reader.Read(p)
		if err == io.EOF {
			// Frame exhausted; move on to the next one
			w.mu.Lock()
			w.reader = nil
			w.mu.Unlock()
			reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *WebSocket) Write(p []byte) (int, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return 0, ErrNotConnected
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close tears the connection down. Idempotent.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closedCh)
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
	})
	return err
}

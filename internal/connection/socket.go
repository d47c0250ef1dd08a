package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/pushsession/internal/version"
)

// SocketHandler receives the lifecycle callbacks of one socket. Exactly one of
// OnClose or OnError is called when the socket ends, unless it was closed
// locally.
type SocketHandler struct {
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Socket is one duplex connection to the push endpoint.
type Socket interface {
	// Listen starts delivering callbacks to h. It is called once.
	Listen(h SocketHandler)

	// Write sends one text frame.
	Write(data []byte) error

	// Close sends a close frame with code and reason and releases the
	// connection. Safe to call more than once.
	Close(code int, reason string) error

	// Alive reports whether the socket can still carry traffic.
	Alive() bool
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// HeaderSource supplies handshake headers. It is consulted on every dial.
type HeaderSource interface {
	Headers() (http.Header, error)
}

// WSDialer dials WebSocket endpoints with gorilla/websocket.
type WSDialer struct {
	Header           http.Header
	Auth             HeaderSource
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// NewWSDialer creates a dialer with the timeouts from cfg.
func NewWSDialer(cfg Config, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())
	return &WSDialer{
		Header:           header,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		Logger:           logger,
	}
}

// Dial opens a WebSocket to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if d.Auth != nil {
		extra, err := d.Auth.Headers()
		if err != nil {
			return nil, fmt.Errorf("dial %s: auth headers: %w", url, err)
		}
		for k, v := range extra {
			header[k] = v
		}
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &wsSocket{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		logger:       d.Logger,
		done:         make(chan struct{}),
	}
	s.alive.Store(true)

	d.Logger.Debug("websocket connected", "url", url)
	return s, nil
}

// wsSocket implements Socket over a gorilla connection.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	alive      atomic.Bool
}

func (s *wsSocket) Listen(h SocketHandler) {
	s.listenOnce.Do(func() {
		go s.readLoop(h)
	})
}

func (s *wsSocket) Write(data []byte) error {
	if !s.alive.Load() {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)

		// 1006 is never sent on the wire.
		if code != CloseAbnormal {
			s.writeMu.Lock()
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second),
			)
			s.writeMu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}

func (s *wsSocket) Alive() bool {
	return s.alive.Load()
}

// readLoop reads frames until the connection ends.
func (s *wsSocket) readLoop(h SocketHandler) {
	defer s.alive.Store(false)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-s.done:
				return
			default:
			}

			s.alive.Store(false)
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if h.OnClose != nil {
					h.OnClose(ce.Code, ce.Text)
				}
				return
			}
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}

		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

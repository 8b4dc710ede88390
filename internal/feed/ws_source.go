package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait         = 10 * time.Second
	wsPingPeriod        = 30 * time.Second
	wsPongWait          = 75 * time.Second
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = time.Minute
)

// WSSourceConfig configures a websocket signal listener.
type WSSourceConfig struct {
	URL string
	// Subscribe, when set, is sent as a text frame after every (re)connect.
	Subscribe string
	// Header is sent with the upgrade request (e.g. an API key).
	Header http.Header
}

// WSSource reads signals from a websocket listener and reconnects with
// exponential backoff when the connection drops.
type WSSource struct {
	cfg       WSSourceConfig
	intake    *Intake
	dialer    *websocket.Dialer
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSource creates a WSSource feeding intake.
func NewWSSource(cfg WSSourceConfig, intake *Intake, logger *slog.Logger) *WSSource {
	return &WSSource{
		cfg:    cfg,
		intake: intake,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "ws_signal_source")),
		done:   make(chan struct{}),
	}
}

// Run connects and reads signals until ctx is cancelled or Close is called.
func (s *WSSource) Run(ctx context.Context) error {
	if s.cfg.URL == "" {
		s.logger.Info("no websocket url configured, exiting")
		return nil
	}
	delay := wsReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		connected, err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errClosed) {
			return nil
		}
		if connected {
			delay = wsReconnectDelay
		}
		s.logger.Warn("signal websocket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, wsMaxReconnectDelay)
	}
}

var errClosed = errors.New("feed: source closed")

// runConnection serves one websocket session. connected reports whether the
// dial succeeded, which resets the reconnect backoff.
func (s *WSSource) runConnection(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if s.cfg.Subscribe != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.cfg.Subscribe)); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}
	s.logger.Info("signal websocket connected")

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Unblock ReadMessage on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-s.done:
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return true, errClosed
			default:
			}
			return true, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.intake.offerRaw(data, "websocket", s.logger)
	}
}

// Close stops the source.
func (s *WSSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

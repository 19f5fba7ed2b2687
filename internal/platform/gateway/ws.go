package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

const (
	// wsWriteWait is the time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// wsPongWait is the time allowed to read the next pong message.
	wsPongWait = 30 * time.Second

	// wsPingPeriod must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// ExecutionStream subscribes to the gateway's execution feed. It reconnects
// with exponential backoff until its context is cancelled.
type ExecutionStream struct {
	wsURL   string
	account string
	token   string
	logger  *slog.Logger

	reconnectDelay time.Duration
}

// Compile-time interface check.
var _ domain.ExecutionSource = (*ExecutionStream)(nil)

// NewExecutionStream creates an execution stream client.
//
// wsURL is the WebSocket endpoint, e.g. "wss://gateway.example.com/v1/ws".
func NewExecutionStream(wsURL, account, token string, logger *slog.Logger) *ExecutionStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionStream{
		wsURL:          wsURL,
		account:        account,
		token:          token,
		logger:         logger.With(slog.String("component", "gateway_ws")),
		reconnectDelay: wsReconnectDelay,
	}
}

// Executions connects and returns a channel of executions. The first
// connection attempt is synchronous so configuration errors surface to the
// caller; later disconnects are retried in the background. The channel is
// closed when ctx is done.
func (s *ExecutionStream) Executions(ctx context.Context) (<-chan domain.Execution, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Execution, 64)
	go func() {
		defer close(out)
		delay := s.reconnectDelay
		for {
			err := s.pump(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("execution stream disconnected",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				conn, err = s.connect(ctx)
				if err == nil {
					delay = s.reconnectDelay
					break
				}
				delay *= 2
				if delay > wsMaxReconnectDelay {
					delay = wsMaxReconnectDelay
				}
			}
		}
	}()
	return out, nil
}

func (s *ExecutionStream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("gateway/ws: connect: %w", err)
	}

	sub := GatewayWSSubscribe{Action: "subscribe", Topic: "executions", Account: s.account}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway/ws: subscribe: %w", err)
	}
	s.logger.Info("execution stream connected", slog.String("url", s.wsURL))
	return conn, nil
}

// pump reads messages until the connection fails or ctx is done.
func (s *ExecutionStream) pump(ctx context.Context, conn *websocket.Conn, out chan<- domain.Execution) error {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg GatewayWSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("dropping malformed stream message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "execution":
			if msg.Execution == nil {
				continue
			}
			select {
			case out <- msg.Execution.ToExecution():
			case <-ctx.Done():
				return ctx.Err()
			}
		case "error":
			s.logger.Warn("execution stream error", slog.String("error", msg.Error))
		}
	}
}

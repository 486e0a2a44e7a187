package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/italolelis/transferd/internal/logctx"
	"golang.org/x/time/rate"
)

const (
	handshakeTimeout = 5 * time.Second
	writeWait        = 5 * time.Second
)

// wsConn serialises writes to one WebSocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ctx context.Context, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}

	if err := c.conn.WriteJSON(v); err != nil {
		logctx.LoggerFromContext(ctx).Debug("failed to write reply", "err", err)
	}
}

// HandleWebSocket keeps a persistent message channel open. Every text frame
// is one message; replies go back on the same connection.
func (h *ControlHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", "origin", r.Header.Get("Origin"), "err", err)

		return
	}

	ctx, cancel := context.WithCancel(r.Context())

	var wg sync.WaitGroup

	defer conn.Close()
	defer wg.Wait()
	defer cancel()

	conn.SetReadLimit(maxMessageSize)

	c := &wsConn{conn: conn}
	limiter := rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)

	logger.Debug("control connection opened", "remote_addr", r.RemoteAddr)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("control connection closed unexpectedly", "err", err)
			}

			logger.Debug("control connection closed", "remote_addr", r.RemoteAddr)

			return
		}

		if mt != websocket.TextMessage {
			continue
		}

		if !limiter.Allow() {
			c.send(ctx, errorReply("rate limit exceeded"))

			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(ctx, errorReply("invalid message: %v", err))

			continue
		}

		if msg.Type != TypeExtractQualities {
			c.send(ctx, h.handle(ctx, msg))

			continue
		}

		if msg.RequestID == "" {
			msg.RequestID = uuid.NewString()
		}

		c.send(ctx, ExtractionStarted{Type: TypeExtractionStarted, RequestID: msg.RequestID})

		wg.Add(1)

		go func() {
			defer wg.Done()

			reply := h.handle(ctx, msg)
			if ctx.Err() == nil {
				c.send(ctx, reply)
			}
		}()
	}
}

func (h *ControlHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if u, err := url.Parse(origin); err == nil && isLoopbackHost(u.Hostname()) {
		return true
	}

	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}

		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(strings.ToLower(origin), strings.ToLower(prefix)) {
				return true
			}

			continue
		}

		if strings.EqualFold(origin, allowed) {
			return true
		}
	}

	return false
}

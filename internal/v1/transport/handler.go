package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/auth"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/config"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/logging"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/metrics"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/session"
	"go.uber.org/zap"
)

// Handler upgrades inbound requests into WebSocket connections and wires
// them to a session.Registry.
type Handler struct {
	registry *session.Registry
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler whose upgrader accepts only the origins
// cfg allows.
func NewHandler(registry *session.Registry, cfg *config.Config) *Handler {
	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}

	return &Handler{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.DevelopmentMode {
					return true
				}
				return allowedSet[r.Header.Get("Origin")]
			},
		},
	}
}

// ServeWS performs the WebSocket handshake: the caller is authenticated
// by query params code+clientId, not by this process's general auth
// middleware -- clientId is itself the credential.
func (h *Handler) ServeWS(c *gin.Context) {
	code := c.Query("code")
	clientID := c.Query("clientId")

	if code == "" || clientID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err := auth.VerifyClientToken(h.cfg.JWTSecret, code, clientID); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(wsConn, code, clientID, h.cfg.SocketHeartbeatInterval)

	if _, err := h.registry.Attach(code, clientID, conn); err != nil {
		conn.Close(4401, "unknown_session_or_client")
		return
	}

	metrics.IncConnection()
	defer metrics.DecConnection()

	go conn.writePump()
	h.readPump(conn)
}

func (h *Handler) readPump(conn *Connection) {
	defer func() {
		conn.Close(1000, "closed")
		h.registry.Detach(conn.code, conn.clientID)
	}()

	wsConn := conn.conn
	wsConn.SetReadLimit(32 * 1024)

	for {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.PingTimeout))

		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		var msg session.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		h.dispatch(conn, msg)
	}
}

func (h *Handler) dispatch(conn *Connection, msg session.Message) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	switch msg.Type {
	case session.TypePing:
		conn.Deliver(session.TypePong, nil)

	case session.TypeInput:
		var p session.InputPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			metrics.WsEvents.WithLabelValues(msg.Type, "invalid").Inc()
			return
		}
		validated, ok := session.ValidateInput(p, h.cfg.RemoteAnalogDeadzone)
		if !ok {
			metrics.WsEvents.WithLabelValues(msg.Type, "rejected").Inc()
			return
		}
		h.registry.InputFrame(conn.code, conn.clientID, validated)
		metrics.WsEvents.WithLabelValues(msg.Type, "accepted").Inc()

	case session.TypeChat:
		var p session.ChatInPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			metrics.WsEvents.WithLabelValues(msg.Type, "invalid").Inc()
			return
		}
		if err := h.registry.Chat(conn.code, conn.clientID, p.Text); err != nil {
			metrics.WsEvents.WithLabelValues(msg.Type, "rejected").Inc()
			return
		}
		metrics.WsEvents.WithLabelValues(msg.Type, "accepted").Inc()

	case session.TypeHostRom:
		var p session.HostRomPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return
		}
		h.registry.SetHostRom(conn.code, conn.clientID, p.RomID, p.RomTitle)

	case session.TypeWebrtcSignal:
		var p session.WebrtcSignalInPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return
		}
		h.registry.Signal(conn.code, conn.clientID, p.TargetClientID, p.Payload)

	default:
		metrics.WsEvents.WithLabelValues(msg.Type, "unknown").Inc()
	}
}

package websocket

import (
	"net/http"
	"time"

	"workspace-im/config"
	"workspace-im/pkg/apperr"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/metrics"
	"workspace-im/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler /ws 握手与连接读写
type Handler struct {
	gateway  *Gateway
	jwt      *jwt.JWTService
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler 创建握手处理器，allowedOrigins 为空或包含 * 时不校验 Origin
func NewHandler(gateway *Gateway, jwtSvc *jwt.JWTService, cfg config.WebSocketConfig, allowedOrigins []string) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	defaults := config.DefaultConfig().WebSocket
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	return &Handler{
		gateway: gateway,
		jwt:     jwtSvc,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

func (h *Handler) limiter() *rate.Limiter {
	if h.cfg.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.cfg.InboundBurst
	if burst <= 0 {
		burst = int(h.cfg.InboundRate)
	}
	return rate.NewLimiter(rate.Limit(h.cfg.InboundRate), burst)
}

// Serve Gin路由处理函数
// 令牌无效时在升级前返回 401，不会触碰连接注册表
func (h *Handler) Serve(c *gin.Context) {
	token, subprotocol := jwt.TokenFromRequest(c.Request)
	if token == "" {
		response.Fail(c, apperr.Unauthorized("missing token"))
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		logger.Warn("实时连接鉴权失败", zap.String("ip", c.ClientIP()), zap.Error(err))
		response.Fail(c, apperr.Unauthorized("token invalid or expired"))
		return
	}

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	var respHeader http.Header
	if subprotocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	client := NewClient(claims.WorkspaceID, claims.Subject, conn, h.cfg.SendBuffer, h.limiter())
	h.gateway.Connect(client)

	go h.writePump(client)
	h.readPump(client)
}

// writePump 唯一写连接的协程，同时定时发送ping心跳
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				// 发送队列已关闭，连接已注销
				_ = client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("写入WebSocket失败", zap.String("conn_id", client.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump 读取上行信令，超时未收到任何数据则断开
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.gateway.Disconnect(client)
		_ = client.Conn.Close()
	}()

	if h.cfg.MaxMessageSize > 0 {
		client.Conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	_ = client.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, payload, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket异常关闭", zap.String("conn_id", client.ID), zap.Error(err))
			}
			return
		}
		_ = client.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		if !client.Allow() {
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			continue
		}
		h.gateway.HandleInbound(client, payload)
	}
}

package jwt

import (
	"net/http"
	"strings"

	"workspace-im/pkg/apperr"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// ContextUserIDKey 用户ID在gin.Context中的键名
	ContextUserIDKey = "user_id"
	// ContextWorkspaceIDKey 工作区ID在gin.Context中的键名
	ContextWorkspaceIDKey = "workspace_id"
	// ContextClaimsKey JWT声明在gin.Context中的键名
	ContextClaimsKey = "jwt_claims"
)

// TokenFromRequest 从请求中提取令牌
// 依次尝试 Authorization: Bearer、查询参数 token、Sec-WebSocket-Protocol
// 令牌来自子协议时同时返回该子协议，握手时需要原样回写
func TokenFromRequest(r *http.Request) (token string, subprotocol string) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); t != "" {
			return t, ""
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	for _, p := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			return p, p
		}
	}
	return "", ""
}

// AuthMiddleware JWT认证中间件
// 从请求头中提取Authorization: Bearer <token>
// 验证token并将调用方身份存入gin.Context
func (s *JWTService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Fail(c, apperr.Unauthorized("missing Authorization header"))
			c.Abort()
			return
		}

		// 检查Bearer前缀
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Fail(c, apperr.Unauthorized("Authorization must be Bearer <token>"))
			c.Abort()
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := s.ValidateToken(tokenString)
		if err != nil {
			logger.Warn("JWT验证失败",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
			)
			response.Fail(c, apperr.Unauthorized("token invalid or expired"))
			c.Abort()
			return
		}

		// 将用户信息存入Context
		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextWorkspaceIDKey, claims.WorkspaceID)
		c.Set(ContextClaimsKey, claims)

		c.Next()
	}
}

// GetUserID 从gin.Context中获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

// GetWorkspaceID 从gin.Context中获取工作区ID
func GetWorkspaceID(c *gin.Context) string {
	return c.GetString(ContextWorkspaceIDKey)
}

// GetIdentity 从gin.Context中获取调用方身份
func GetIdentity(c *gin.Context) Identity {
	if claims, exists := c.Get(ContextClaimsKey); exists {
		if cc, ok := claims.(*CustomClaims); ok {
			return cc.Identity()
		}
	}
	return Identity{UserID: GetUserID(c), WorkspaceID: GetWorkspaceID(c)}
}

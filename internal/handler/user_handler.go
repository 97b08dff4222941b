package handler

import (
	"workspace-im/internal/service"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserHandler 成员目录与在线状态处理器
type UserHandler struct {
	service *service.UserService
}

// NewUserHandler 创建成员处理器
func NewUserHandler(s *service.UserService) *UserHandler {
	return &UserHandler{service: s}
}

// EnsureMember 用令牌中的身份同步成员目录，需放在 JWT 中间件之后
func (h *UserHandler) EnsureMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := jwt.GetIdentity(c)
		if id.UserID == "" {
			c.Next()
			return
		}
		if _, err := h.service.EnsureMember(c.Request.Context(), id.WorkspaceID, id.UserID, id.Username, id.Name, id.Role); err != nil {
			logger.Warn("同步成员资料失败",
				zap.String("workspace_id", id.WorkspaceID),
				zap.String("user_id", id.UserID),
				zap.Error(err),
			)
		}
		c.Next()
	}
}

// GetOnlineUsers 工作区在线成员
func (h *UserHandler) GetOnlineUsers(c *gin.Context) {
	users, err := h.service.OnlineMembers(c.Request.Context(), jwt.GetWorkspaceID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	out := make([]*response.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, response.FilterUserInfo(u, true))
	}
	response.Success(c, out)
}

// GetUser 成员资料与在线状态
func (h *UserHandler) GetUser(c *gin.Context) {
	user, online, err := h.service.Profile(c.Request.Context(), jwt.GetWorkspaceID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, response.FilterUserInfo(user, online))
}

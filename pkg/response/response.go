package response

import (
	"net/http"
	"time"

	"workspace-im/internal/model"
	"workspace-im/pkg/apperr"
	"workspace-im/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Success   bool        `json:"success"`             // 是否成功
	Message   string      `json:"message"`             // 响应消息
	Data      interface{} `json:"data,omitempty"`      // 响应数据
	Duplicate bool        `json:"duplicate,omitempty"` // 幂等重放命中已有消息
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "success",
		Data:    data,
	})
}

// Created 201响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Message: "created",
		Data:    data,
	})
}

// Duplicate 幂等重放，返回已存在的数据
func Duplicate(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Message:   "duplicate",
		Data:      data,
		Duplicate: true,
	})
}

// Error 错误响应
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Response{
		Success: false,
		Message: message,
	})
}

// Fail 按业务错误类别输出响应，内部错误只记录日志不暴露细节
func Fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(logger.RequestIDKey)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	Error(c, kind.HTTPStatus(), apperr.PublicMessage(err))
}

// UserInfo 成员信息
type UserInfo struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Role        string     `json:"role"`
	Avatar      string     `json:"avatar,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// FilterUserInfo 转换成员信息
func FilterUserInfo(user *model.User, online bool) *UserInfo {
	if user == nil {
		return nil
	}

	info := &UserInfo{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.Name(),
		Role:        user.Role,
		Avatar:      user.Avatar,
		Online:      online,
	}
	if !user.LastSeen.IsZero() {
		t := user.LastSeen
		info.LastSeen = &t
	}
	return info
}

// ReadReceipt 已读回执
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// MessageResponse 消息响应
type MessageResponse struct {
	ID              uint64              `json:"id"`
	WorkspaceID     string              `json:"workspaceId"`
	Participants    [2]string           `json:"participants"`
	SenderID        string              `json:"senderId"`
	SenderName      string              `json:"senderName"`
	SenderRole      string              `json:"senderRole"`
	Content         string              `json:"content"`
	Kind            string              `json:"kind"`
	MediaRef        *model.MediaRef     `json:"mediaRef,omitempty"`
	ReplyRef        *model.ReplyRef     `json:"replyRef,omitempty"`
	Mentions        []string            `json:"mentions"`
	ClientMessageID string              `json:"clientMessageId,omitempty"`
	Status          string              `json:"status"`
	ReadBy          []ReadReceipt       `json:"readBy"`
	Reactions       map[string][]string `json:"reactions"`
	Edited          bool                `json:"edited"`
	EditedAt        *time.Time          `json:"editedAt,omitempty"`
	Deleted         bool                `json:"deleted"`
	CreatedAt       time.Time           `json:"createdAt"`
}

// FilterMessageInfo 转换消息，已删除的消息只保留墓碑信息
func FilterMessageInfo(message *model.Message) *MessageResponse {
	if message == nil {
		return nil
	}

	resp := &MessageResponse{
		ID:           message.ID,
		WorkspaceID:  message.WorkspaceID,
		Participants: message.Participants(),
		SenderID:     message.SenderID,
		SenderName:   message.SenderName,
		SenderRole:   message.SenderRole,
		Content:      message.Content,
		Kind:         message.Kind,
		MediaRef:     message.MediaRef.Data(),
		ReplyRef:     message.ReplyRef.Data(),
		Mentions:     []string(message.Mentions),
		Status:       message.Status,
		ReadBy:       make([]ReadReceipt, 0, len(message.ReadBy)),
		Reactions:    message.ReactionMap(),
		Edited:       message.Edited,
		EditedAt:     message.EditedAt,
		CreatedAt:    message.CreatedAt,
	}
	if message.ClientMessageID != nil {
		resp.ClientMessageID = *message.ClientMessageID
	}
	for _, r := range message.ReadBy {
		resp.ReadBy = append(resp.ReadBy, ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	if resp.Mentions == nil {
		resp.Mentions = []string{}
	}

	if message.IsDeleted() {
		resp.Deleted = true
		resp.Content = ""
		resp.MediaRef = nil
		resp.ReplyRef = nil
		resp.Mentions = []string{}
		resp.Reactions = map[string][]string{}
	}
	return resp
}

// FilterMessages 批量转换消息
func FilterMessages(messages []*model.Message) []*MessageResponse {
	out := make([]*MessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, FilterMessageInfo(m))
	}
	return out
}

// ConversationInfo 会话列表项
type ConversationInfo struct {
	ConversationKey string           `json:"conversationKey"`
	OtherUser       *UserInfo        `json:"otherUser"`
	LastMessage     *MessageResponse `json:"lastMessage"`
	UnreadCount     int64            `json:"unreadCount"`
}

// ConversationPreview conversation:update 推送内容
type ConversationPreview struct {
	ConversationKey string          `json:"conversationKey"`
	OtherUserID     string          `json:"otherUserId"`
	OtherUserName   string          `json:"otherUserName"`
	LastMessage     *MessagePreview `json:"lastMessage"`
}

// MessagePreview 会话列表用的轻量消息，只带截断后的文本
type MessagePreview struct {
	ID        uint64    `json:"id"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Preview   string    `json:"preview"`
	Status    string    `json:"status"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"createdAt"`
}

// PreviewMessage 转换为轻量预览，text 为已截断的文本
func PreviewMessage(message *model.Message, text string) *MessagePreview {
	return &MessagePreview{
		ID:        message.ID,
		SenderID:  message.SenderID,
		Kind:      message.Kind,
		Preview:   text,
		Status:    message.Status,
		Deleted:   message.IsDeleted(),
		CreatedAt: message.CreatedAt,
	}
}

// MessagePage 分页消息
type MessagePage struct {
	Messages     []*MessageResponse `json:"messages"`
	HasMore      bool               `json:"hasMore"`
	OldestCursor uint64             `json:"oldestCursor,omitempty"`
	NewestCursor uint64             `json:"newestCursor,omitempty"`
}

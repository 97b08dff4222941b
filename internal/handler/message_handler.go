package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"workspace-im/internal/model"
	"workspace-im/internal/service"
	"workspace-im/pkg/apperr"
	"workspace-im/pkg/convkey"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/response"
	"workspace-im/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Notifier 实时推送，由 websocket.Gateway 实现
type Notifier interface {
	IsOnline(workspaceID, userID string) bool
	NewMessage(workspaceID, senderID, recipientID string, message interface{})
	MessageStatus(workspaceID, toUserID, otherID, status string, ids []uint64)
	ConversationUpdate(workspaceID, toUserID string, preview interface{})
	MessageUpdated(workspaceID, a, b string, message interface{})
	MessageDeleted(workspaceID, a, b string, messageID uint64, deletedBy string)
	Reaction(workspaceID, a, b string, payload websocket.ReactionPayload)
}

// MessageHandler 消息处理器
type MessageHandler struct {
	service         *service.MessageService
	users           *service.UserService
	notifier        Notifier
	markReadTimeout time.Duration
}

// NewMessageHandler 创建MessageHandler实例
func NewMessageHandler(s *service.MessageService, users *service.UserService, notifier Notifier, markReadTimeout time.Duration) *MessageHandler {
	if markReadTimeout <= 0 {
		markReadTimeout = 10 * time.Second
	}
	return &MessageHandler{service: s, users: users, notifier: notifier, markReadTimeout: markReadTimeout}
}

type sendRequest struct {
	Content         string          `json:"content" binding:"max=8000"`
	MediaRef        *model.MediaRef `json:"mediaRef"`
	ReplyTo         uint64          `json:"replyTo"`
	Mentions        *[]string       `json:"mentions" binding:"omitempty,max=50,dive,required,max=64"`
	ClientMessageID string          `json:"clientMessageId" binding:"max=128"`
}

type editRequest struct {
	Content string `json:"content" binding:"required"`
}

type reactionRequest struct {
	Emoji  string `json:"emoji" binding:"required,emoji"`
	Action string `json:"action" binding:"required,oneof=add remove"`
}

type readRequest struct {
	MessageIDs []uint64 `json:"messageIds"`
}

// notify 推送在持久化之后执行，panic 与错误只记录日志，不影响已写出的响应
func (h *MessageHandler) notify(step string, fn func()) {
	if h.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("实时推送panic", zap.String("step", step), zap.Any("panic", r))
		}
	}()
	fn()
}

func messageIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, apperr.Validation("invalid message id"))
		return 0, false
	}
	return id, true
}

// GetConversations 会话列表
func (h *MessageHandler) GetConversations(c *gin.Context) {
	ws, userID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)

	summaries, err := h.service.ConversationsFor(c.Request.Context(), ws, userID)
	if err != nil {
		response.Fail(c, err)
		return
	}

	out := make([]*response.ConversationInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, &response.ConversationInfo{
			ConversationKey: s.Key,
			OtherUser:       response.FilterUserInfo(s.OtherUser, h.users.IsOnline(ws, s.OtherUser.ID)),
			LastMessage:     response.FilterMessageInfo(s.LastMessage),
			UnreadCount:     s.Unread,
		})
	}
	response.Success(c, out)
}

// GetMessages 与 :id 用户的消息分页，返回后异步标记已读
func (h *MessageHandler) GetMessages(c *gin.Context) {
	ws, userID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)
	otherID := c.Param("id")

	var cursor uint64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.Fail(c, apperr.Validation("invalid cursor"))
			return
		}
		cursor = v
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.service.ListConversation(c.Request.Context(), ws, userID, otherID, cursor, c.Query("direction"), limit)
	if err != nil {
		response.Fail(c, err)
		return
	}

	response.Success(c, &response.MessagePage{
		Messages:     response.FilterMessages(page.Messages),
		HasMore:      page.HasMore,
		OldestCursor: page.OldestCursor,
		NewestCursor: page.NewestCursor,
	})

	go h.markReadAsync(ws, userID, otherID)
}

func (h *MessageHandler) markReadAsync(ws, readerID, otherID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("异步标记已读panic", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), h.markReadTimeout)
	defer cancel()

	ids, err := h.service.MarkRead(ctx, ws, readerID, otherID)
	if err != nil {
		logger.Warn("异步标记已读失败",
			zap.String("workspace_id", ws),
			zap.String("reader_id", readerID),
			zap.Error(err),
		)
		return
	}
	h.notify("status_read", func() {
		h.notifier.MessageStatus(ws, otherID, readerID, websocket.StatusRead, ids)
	})
}

// SendMessage 给 :id 用户发送消息
// 新消息返回201，clientMessageId 重放返回200并带 duplicate 标记
func (h *MessageHandler) SendMessage(c *gin.Context) {
	ws, senderID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)
	recipientID := c.Param("id")

	var r sendRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		response.Fail(c, apperr.Validation("%s", err.Error()))
		return
	}

	in := service.SendInput{
		Content:         r.Content,
		MediaRef:        r.MediaRef,
		ReplyToID:       r.ReplyTo,
		ClientMessageID: r.ClientMessageID,
	}
	if r.Mentions != nil {
		in.Mentions = *r.Mentions
	} else if r.Content != "" {
		in.Mentions = service.ResolveMentions(c.Request.Context(), h.users, ws, r.Content)
	}

	result, err := h.service.Send(c.Request.Context(), ws, senderID, recipientID, in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if result.Duplicate {
		response.Duplicate(c, response.FilterMessageInfo(result.Message))
		return
	}

	message := result.Message
	h.notify("delivered", func() {
		if !h.notifier.IsOnline(ws, recipientID) {
			return
		}
		ids, err := h.service.MarkDelivered(c.Request.Context(), ws, []uint64{message.ID})
		if err != nil {
			logger.Warn("标记送达失败", zap.Uint64("message_id", message.ID), zap.Error(err))
			return
		}
		if len(ids) > 0 {
			message.Status = model.StatusDelivered
			h.notifier.MessageStatus(ws, senderID, recipientID, websocket.StatusDelivered, ids)
		}
	})

	payload := response.FilterMessageInfo(message)
	h.notify("message_new", func() {
		h.notifier.NewMessage(ws, senderID, recipientID, payload)
	})
	h.notify("conversation_update", func() {
		h.notifier.ConversationUpdate(ws, recipientID, &response.ConversationPreview{
			ConversationKey: convkey.Of(senderID, recipientID),
			OtherUserID:     senderID,
			OtherUserName:   message.SenderName,
			LastMessage:     response.PreviewMessage(message, h.service.PreviewText(message)),
		})
	})

	response.Created(c, payload)
}

// GetMessage 单条消息详情（包含墓碑）
func (h *MessageHandler) GetMessage(c *gin.Context) {
	id, ok := messageIDParam(c)
	if !ok {
		return
	}
	message, err := h.service.Get(c.Request.Context(), jwt.GetWorkspaceID(c), id, jwt.GetUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, response.FilterMessageInfo(message))
}

// EditMessage 编辑消息
func (h *MessageHandler) EditMessage(c *gin.Context) {
	id, ok := messageIDParam(c)
	if !ok {
		return
	}
	var r editRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		response.Fail(c, apperr.Validation("%s", err.Error()))
		return
	}

	ws, userID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)
	message, err := h.service.Edit(c.Request.Context(), ws, id, userID, r.Content)
	if err != nil {
		response.Fail(c, err)
		return
	}

	payload := response.FilterMessageInfo(message)
	h.notify("message_updated", func() {
		h.notifier.MessageUpdated(ws, message.ParticipantLow, message.ParticipantHigh, payload)
	})
	response.Success(c, payload)
}

// DeleteMessage 删除消息，重复删除直接返回墓碑
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, ok := messageIDParam(c)
	if !ok {
		return
	}

	ws, identity := jwt.GetWorkspaceID(c), jwt.GetIdentity(c)
	message, changed, err := h.service.Delete(c.Request.Context(), ws, id, identity.UserID, identity.Role)
	if err != nil {
		response.Fail(c, err)
		return
	}

	if changed {
		h.notify("message_deleted", func() {
			h.notifier.MessageDeleted(ws, message.ParticipantLow, message.ParticipantHigh, message.ID, identity.UserID)
		})
	}
	response.Success(c, response.FilterMessageInfo(message))
}

// ReactToMessage 添加或移除表情回应
func (h *MessageHandler) ReactToMessage(c *gin.Context) {
	id, ok := messageIDParam(c)
	if !ok {
		return
	}
	var r reactionRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		response.Fail(c, apperr.Validation("%s", err.Error()))
		return
	}

	ws, userID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)
	result, err := h.service.React(c.Request.Context(), ws, id, userID, r.Emoji, r.Action)
	if err != nil {
		response.Fail(c, err)
		return
	}

	h.notify("message_reaction", func() {
		h.notifier.Reaction(ws, result.Message.ParticipantLow, result.Message.ParticipantHigh, websocket.ReactionPayload{
			MessageID: result.Message.ID,
			UserID:    userID,
			Emoji:     r.Emoji,
			Action:    r.Action,
			Reactions: result.Reactions,
		})
	})
	response.Success(c, gin.H{
		"messageId": result.Message.ID,
		"reactions": result.Reactions,
	})
}

// MarkAsRead 将 :id 用户发来的消息标记为已读
// 带 messageIds 时只标记这些消息，否则标记整个会话
func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	ws, readerID := jwt.GetWorkspaceID(c), jwt.GetUserID(c)
	otherID := c.Param("id")

	// 分块传输的请求 ContentLength 为 -1，只有确定没有请求体时才跳过解析
	var r readRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&r); err != nil && !errors.Is(err, io.EOF) {
			response.Fail(c, apperr.Validation("%s", err.Error()))
			return
		}
	}

	var (
		ids []uint64
		err error
	)
	if len(r.MessageIDs) > 0 {
		ids, err = h.service.MarkMessagesRead(c.Request.Context(), ws, readerID, otherID, r.MessageIDs)
	} else {
		ids, err = h.service.MarkRead(c.Request.Context(), ws, readerID, otherID)
	}
	if err != nil {
		response.Fail(c, err)
		return
	}

	h.notify("status_read", func() {
		h.notifier.MessageStatus(ws, otherID, readerID, websocket.StatusRead, ids)
	})
	if ids == nil {
		ids = []uint64{}
	}
	response.Success(c, gin.H{"messageIds": ids})
}

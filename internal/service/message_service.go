package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"workspace-im/config"
	"workspace-im/internal/model"
	"workspace-im/internal/repository"
	"workspace-im/pkg/apperr"
	"workspace-im/pkg/convkey"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// 方向参数
const (
	DirectionOlder = "older"
	DirectionNewer = "newer"
)

// 反应操作
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

const maxClientMessageIDLength = 128

// MessageStore 消息持久化接口，由 repository.MessageRepository 实现
type MessageStore interface {
	Create(ctx context.Context, message *model.Message) error
	GetByID(ctx context.Context, workspaceID string, id uint64, withDeleted bool) (*model.Message, error)
	GetByClientMessageID(ctx context.Context, workspaceID, clientMessageID string) (*model.Message, error)
	ListConversation(ctx context.Context, workspaceID, low, high string, cursor uint64, older bool, limit int) ([]*model.Message, bool, error)
	MarkConversationAsRead(ctx context.Context, workspaceID, readerID, otherID string, at time.Time) ([]uint64, error)
	MarkMessagesAsRead(ctx context.Context, workspaceID, readerID, senderID string, ids []uint64, at time.Time) ([]uint64, error)
	MarkDelivered(ctx context.Context, workspaceID string, ids []uint64) ([]uint64, error)
	PendingFor(ctx context.Context, workspaceID, recipientID string) ([]repository.PendingDelivery, error)
	UpdateContent(ctx context.Context, id uint64, content string, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id uint64) error
	AddReaction(ctx context.Context, messageID uint64, emoji, userID string) error
	RemoveReaction(ctx context.Context, messageID uint64, emoji, userID string) error
	Reactions(ctx context.Context, messageID uint64) ([]model.MessageReaction, error)
	ConversationsFor(ctx context.Context, workspaceID, userID string) ([]repository.ConversationRow, error)
}

// SendInput 发送消息参数
type SendInput struct {
	Content         string
	MediaRef        *model.MediaRef
	ReplyToID       uint64
	Mentions        []string
	ClientMessageID string
}

// SendResult 发送结果，Duplicate 表示幂等ID命中了已有消息
type SendResult struct {
	Message   *model.Message
	Duplicate bool
}

// Page 分页结果，Messages 按时间正序
type Page struct {
	Messages     []*model.Message
	HasMore      bool
	OldestCursor uint64
	NewestCursor uint64
}

// ReactionResult 反应操作结果
type ReactionResult struct {
	Message   *model.Message
	Reactions map[string][]string
}

// ConversationSummary 会话列表项
type ConversationSummary struct {
	Key         string
	OtherUser   *model.User
	LastMessage *model.Message
	Unread      int64
}

// MessageService 消息服务
type MessageService struct {
	store     MessageStore
	directory Directory
	cfg       config.MessagingConfig
	now       func() time.Time
}

// NewMessageService 创建MessageService实例
func NewMessageService(store MessageStore, directory Directory, cfg config.MessagingConfig) *MessageService {
	return &MessageService{
		store:     store,
		directory: directory,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *MessageService) maxContent() int {
	if s.cfg.MaxContentLength > 0 {
		return s.cfg.MaxContentLength
	}
	return 2000
}

func (s *MessageService) previewLength() int {
	if s.cfg.ReplyPreviewLength > 0 {
		return s.cfg.ReplyPreviewLength
	}
	return 100
}

// PreviewText 会话列表预览文本，按引用预览长度截断
func (s *MessageService) PreviewText(m *model.Message) string {
	if m.IsDeleted() {
		return ""
	}
	return truncate(m.Content, s.previewLength())
}

func (s *MessageService) pageSize(limit int) int {
	def, max := s.cfg.DefaultPageSize, s.cfg.MaxPageSize
	if def <= 0 {
		def = 50
	}
	if max <= 0 {
		max = 100
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// validateContent 检查文本长度，返回去除首尾空白后的内容
func (s *MessageService) validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) > s.maxContent() {
		return "", apperr.Validation("content exceeds %d characters", s.maxContent())
	}
	return content, nil
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, repository.ErrMessageNotFound) {
		return apperr.NotFound("message not found")
	}
	return apperr.Internal(err, msg)
}

// Send 发送私聊消息
// 文本与媒体必须且只能有一个；clientMessageId 命中已有消息时返回原消息
func (s *MessageService) Send(ctx context.Context, workspaceID, senderID, recipientID string, in SendInput) (*SendResult, error) {
	if recipientID == "" {
		return nil, apperr.Validation("recipient is required")
	}
	if recipientID == senderID {
		return nil, apperr.Validation("cannot send a message to yourself")
	}

	content, err := s.validateContent(in.Content)
	if err != nil {
		return nil, err
	}
	hasText := content != ""
	hasMedia := in.MediaRef != nil
	if hasMedia && (in.MediaRef.ID == "" || in.MediaRef.URL == "") {
		return nil, apperr.Validation("mediaRef requires id and url")
	}
	switch {
	case !hasText && !hasMedia:
		return nil, apperr.Validation("message must have content or media")
	case hasText && hasMedia:
		return nil, apperr.Validation("message cannot have both content and media")
	}

	cmid := strings.TrimSpace(in.ClientMessageID)
	if len(cmid) > maxClientMessageIDLength {
		return nil, apperr.Validation("clientMessageId exceeds %d bytes", maxClientMessageIDLength)
	}

	// 幂等预检
	if cmid != "" {
		existing, err := s.store.GetByClientMessageID(ctx, workspaceID, cmid)
		if err == nil {
			return s.duplicateOf(existing, senderID)
		}
		if !errors.Is(err, repository.ErrMessageNotFound) {
			return nil, apperr.Internal(err, "lookup clientMessageId")
		}
	}

	sender, err := s.directory.GetMember(ctx, workspaceID, senderID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Forbidden("sender is not a member of this workspace")
		}
		return nil, err
	}
	if _, err := s.directory.GetMember(ctx, workspaceID, recipientID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("recipient not found")
		}
		return nil, err
	}

	low, high := convkey.Pair(senderID, recipientID)
	message := &model.Message{
		WorkspaceID:     workspaceID,
		ParticipantLow:  low,
		ParticipantHigh: high,
		SenderID:        senderID,
		RecipientID:     recipientID,
		SenderName:      sender.Name(),
		SenderRole:      sender.Role,
		Content:         content,
		Kind:            model.KindText,
		MediaRef:        datatypes.NewJSONType(in.MediaRef),
		ReplyRef:        datatypes.NewJSONType[*model.ReplyRef](nil),
		Mentions:        datatypes.JSONSlice[string](dedupe(in.Mentions, senderID)),
		Status:          model.StatusSent,
	}
	if hasMedia {
		message.Kind = model.KindForMime(in.MediaRef.MimeType)
	}
	if cmid != "" {
		message.ClientMessageID = &cmid
	}

	if in.ReplyToID != 0 {
		ref, err := s.replyRef(ctx, workspaceID, low, high, in.ReplyToID)
		if err != nil {
			return nil, err
		}
		message.ReplyRef = datatypes.NewJSONType(ref)
	}

	if err := s.store.Create(ctx, message); err != nil {
		// 并发重放在唯一索引处冲突，转为返回已有消息
		if cmid != "" && repository.IsDuplicateKey(err) {
			existing, getErr := s.store.GetByClientMessageID(ctx, workspaceID, cmid)
			if getErr != nil {
				return nil, apperr.Internal(getErr, "load message after duplicate key")
			}
			return s.duplicateOf(existing, senderID)
		}
		return nil, apperr.Internal(err, "create message")
	}

	metrics.MessagesSent.WithLabelValues(message.Kind).Inc()
	logger.Debug("消息已保存",
		zap.String("workspace_id", workspaceID),
		zap.Uint64("message_id", message.ID),
		zap.String("sender_id", senderID),
		zap.String("recipient_id", recipientID),
	)
	return &SendResult{Message: message}, nil
}

func (s *MessageService) duplicateOf(existing *model.Message, senderID string) (*SendResult, error) {
	if existing.SenderID != senderID {
		return nil, apperr.InvalidState("clientMessageId already used")
	}
	metrics.DuplicateSends.Inc()
	return &SendResult{Message: existing, Duplicate: true}, nil
}

// replyRef 校验被引用消息并截取预览
func (s *MessageService) replyRef(ctx context.Context, workspaceID, low, high string, replyToID uint64) (*model.ReplyRef, error) {
	target, err := s.store.GetByID(ctx, workspaceID, replyToID, true)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, apperr.Validation("reply target not found")
		}
		return nil, apperr.Internal(err, "load reply target")
	}
	if target.ParticipantLow != low || target.ParticipantHigh != high {
		return nil, apperr.Validation("reply target belongs to another conversation")
	}
	if target.IsDeleted() {
		return nil, apperr.InvalidState("cannot reply to a deleted message")
	}
	return &model.ReplyRef{
		MessageID: target.ID,
		Preview: model.ReplyPreview{
			Content:    truncate(target.Content, s.previewLength()),
			SenderName: target.SenderName,
			Kind:       target.Kind,
		},
	}, nil
}

// ListConversation 游标分页获取与 otherID 的会话消息
func (s *MessageService) ListConversation(ctx context.Context, workspaceID, userID, otherID string, cursor uint64, direction string, limit int) (*Page, error) {
	if otherID == "" || otherID == userID {
		return nil, apperr.Validation("invalid conversation partner")
	}
	var older bool
	switch direction {
	case "", DirectionOlder:
		older = true
	case DirectionNewer:
		older = false
	default:
		return nil, apperr.Validation("direction must be older or newer")
	}
	if _, err := s.directory.GetMember(ctx, workspaceID, otherID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}

	low, high := convkey.Pair(userID, otherID)
	messages, hasMore, err := s.store.ListConversation(ctx, workspaceID, low, high, cursor, older, s.pageSize(limit))
	if err != nil {
		return nil, apperr.Internal(err, "list conversation")
	}

	page := &Page{Messages: messages, HasMore: hasMore}
	if len(messages) > 0 {
		page.OldestCursor = messages[0].ID
		page.NewestCursor = messages[len(messages)-1].ID
	}
	return page, nil
}

// MarkRead 将 otherID 发给 readerID 的消息全部标记已读，返回本次标记的ID
func (s *MessageService) MarkRead(ctx context.Context, workspaceID, readerID, otherID string) ([]uint64, error) {
	if otherID == "" || otherID == readerID {
		return nil, apperr.Validation("invalid conversation partner")
	}
	ids, err := s.store.MarkConversationAsRead(ctx, workspaceID, readerID, otherID, s.now())
	if err != nil {
		return nil, apperr.Internal(err, "mark conversation read")
	}
	return ids, nil
}

// MarkMessagesRead 只标记指定消息为已读（实时通道的已读回执）
func (s *MessageService) MarkMessagesRead(ctx context.Context, workspaceID, readerID, senderID string, ids []uint64) ([]uint64, error) {
	if senderID == "" || senderID == readerID {
		return nil, apperr.Validation("invalid sender")
	}
	marked, err := s.store.MarkMessagesAsRead(ctx, workspaceID, readerID, senderID, ids, s.now())
	if err != nil {
		return nil, apperr.Internal(err, "mark messages read")
	}
	return marked, nil
}

// MarkDelivered 将 sent 状态的消息推进为 delivered
func (s *MessageService) MarkDelivered(ctx context.Context, workspaceID string, ids []uint64) ([]uint64, error) {
	moved, err := s.store.MarkDelivered(ctx, workspaceID, ids)
	if err != nil {
		return nil, apperr.Internal(err, "mark delivered")
	}
	return moved, nil
}

// DeliverPending 接收者上线时把发给他的 sent 消息推进为 delivered，按发送者分组返回
func (s *MessageService) DeliverPending(ctx context.Context, workspaceID, recipientID string) (map[string][]uint64, error) {
	pending, err := s.store.PendingFor(ctx, workspaceID, recipientID)
	if err != nil {
		return nil, apperr.Internal(err, "load pending deliveries")
	}
	if len(pending) == 0 {
		return map[string][]uint64{}, nil
	}

	senderOf := make(map[uint64]string, len(pending))
	ids := make([]uint64, 0, len(pending))
	for _, p := range pending {
		senderOf[p.ID] = p.SenderID
		ids = append(ids, p.ID)
	}
	moved, err := s.MarkDelivered(ctx, workspaceID, ids)
	if err != nil {
		return nil, err
	}

	bySender := make(map[string][]uint64)
	for _, id := range moved {
		bySender[senderOf[id]] = append(bySender[senderOf[id]], id)
	}
	return bySender, nil
}

// Edit 编辑消息，只有发送者可以编辑未删除的文本消息
func (s *MessageService) Edit(ctx context.Context, workspaceID string, messageID uint64, editorID, content string) (*model.Message, error) {
	message, err := s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, notFoundOr(err, "load message")
	}
	if message.SenderID != editorID {
		return nil, apperr.Forbidden("only the sender can edit this message")
	}
	if message.IsDeleted() {
		return nil, apperr.InvalidState("message has been deleted")
	}
	if message.Kind != model.KindText {
		return nil, apperr.InvalidState("only text messages can be edited")
	}

	content, err = s.validateContent(content)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, apperr.Validation("content is required")
	}

	updated, err := s.store.UpdateContent(ctx, messageID, content, s.now())
	if err != nil {
		return nil, apperr.Internal(err, "update message")
	}
	if !updated {
		return nil, apperr.InvalidState("message has been deleted")
	}

	message, err = s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, notFoundOr(err, "reload message")
	}
	return message, nil
}

// Delete 软删除消息，发送者或 owner/admin 可删除
// 返回删除后的墓碑；changed 为 false 表示消息此前已被删除
func (s *MessageService) Delete(ctx context.Context, workspaceID string, messageID uint64, requesterID, requesterRole string) (message *model.Message, changed bool, err error) {
	message, err = s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, false, notFoundOr(err, "load message")
	}
	if message.SenderID != requesterID && !model.IsElevated(requesterRole) {
		return nil, false, apperr.Forbidden("not allowed to delete this message")
	}
	if message.IsDeleted() {
		return message, false, nil
	}

	if err := s.store.SoftDelete(ctx, messageID); err != nil {
		return nil, false, apperr.Internal(err, "delete message")
	}
	message, err = s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, false, notFoundOr(err, "reload message")
	}
	return message, true, nil
}

// React 添加或移除表情回应，重复操作无副作用
func (s *MessageService) React(ctx context.Context, workspaceID string, messageID uint64, userID, emoji, action string) (*ReactionResult, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperr.Validation("emoji is required")
	}
	if action != ReactionAdd && action != ReactionRemove {
		return nil, apperr.Validation("action must be add or remove")
	}

	message, err := s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, notFoundOr(err, "load message")
	}
	if !message.HasParticipant(userID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	if message.IsDeleted() {
		return nil, apperr.InvalidState("message has been deleted")
	}

	if action == ReactionAdd {
		err = s.store.AddReaction(ctx, messageID, emoji, userID)
	} else {
		err = s.store.RemoveReaction(ctx, messageID, emoji, userID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "update reaction")
	}

	reactions, err := s.store.Reactions(ctx, messageID)
	if err != nil {
		return nil, apperr.Internal(err, "load reactions")
	}
	message.Reactions = reactions
	return &ReactionResult{Message: message, Reactions: message.ReactionMap()}, nil
}

// ConversationsFor 用户的会话列表，按最近消息倒序
func (s *MessageService) ConversationsFor(ctx context.Context, workspaceID, userID string) ([]ConversationSummary, error) {
	rows, err := s.store.ConversationsFor(ctx, workspaceID, userID)
	if err != nil {
		return nil, apperr.Internal(err, "load conversations")
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.OtherID)
	}
	members, err := s.directory.GetMembers(ctx, workspaceID, ids)
	if err != nil {
		// 目录不可用时仍返回会话，只缺少资料
		logger.Warn("加载会话成员资料失败", zap.String("workspace_id", workspaceID), zap.Error(err))
		members = map[string]*model.User{}
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		other := members[r.OtherID]
		if other == nil {
			other = &model.User{ID: r.OtherID, WorkspaceID: workspaceID, Username: r.OtherID}
		}
		out = append(out, ConversationSummary{
			Key:         convkey.Of(userID, r.OtherID),
			OtherUser:   other,
			LastMessage: r.LastMessage,
			Unread:      r.Unread,
		})
	}
	return out, nil
}

// Get 获取单条消息（包含墓碑），仅会话参与者可见
func (s *MessageService) Get(ctx context.Context, workspaceID string, messageID uint64, requesterID string) (*model.Message, error) {
	message, err := s.store.GetByID(ctx, workspaceID, messageID, true)
	if err != nil {
		return nil, notFoundOr(err, "load message")
	}
	if !message.HasParticipant(requesterID) {
		return nil, apperr.NotFound("message not found")
	}
	return message, nil
}

// truncate 按字符截断
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// dedupe 去重并去掉发送者自己，保证结果非 nil
func dedupe(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

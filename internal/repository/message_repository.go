package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"workspace-im/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMessageNotFound 消息不存在
var ErrMessageNotFound = errors.New("message not found")

// 未读判定：没有当前用户的已读回执
const noReceiptFrom = "NOT EXISTS (SELECT 1 FROM message_read r WHERE r.message_id = message.id AND r.user_id = ?)"

// IsDuplicateKey 判断是否为唯一索引冲突
// 兼容 gorm 翻译后的错误、MySQL 1062 以及 SQLite 的唯一约束错误
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MessageRepository 消息数据仓储
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// PendingDelivery 待投递（仍为 sent 状态）的消息
type PendingDelivery struct {
	ID       uint64
	SenderID string
}

// ConversationRow 会话聚合结果
type ConversationRow struct {
	OtherID     string
	LastMessage *model.Message
	Unread      int64
}

func withReceipts(db *gorm.DB) *gorm.DB {
	return db.
		Preload("ReadBy", func(db *gorm.DB) *gorm.DB { return db.Order("read_at ASC, id ASC") }).
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

// Create 创建消息，唯一索引冲突原样返回，由调用方用 IsDuplicateKey 判断
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error
}

// GetByID 根据ID获取消息，withDeleted 为 true 时包含已删除的墓碑
func (r *MessageRepository) GetByID(ctx context.Context, workspaceID string, id uint64, withDeleted bool) (*model.Message, error) {
	q := withReceipts(r.db.WithContext(ctx))
	if withDeleted {
		q = q.Unscoped()
	}

	var message model.Message
	err := q.Where("workspace_id = ? AND id = ?", workspaceID, id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetByClientMessageID 根据客户端幂等ID获取消息（包含已删除）
func (r *MessageRepository) GetByClientMessageID(ctx context.Context, workspaceID, clientMessageID string) (*model.Message, error) {
	var message model.Message
	err := withReceipts(r.db.WithContext(ctx)).Unscoped().
		Where("workspace_id = ? AND client_message_id = ?", workspaceID, clientMessageID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListConversation 按游标分页获取会话消息，结果按时间正序
// older 为 true 时取 id < cursor 的较早消息（cursor 为 0 表示从最新开始），否则取 id > cursor 的较新消息
func (r *MessageRepository) ListConversation(ctx context.Context, workspaceID, low, high string, cursor uint64, older bool, limit int) ([]*model.Message, bool, error) {
	q := withReceipts(r.db.WithContext(ctx)).
		Where("workspace_id = ? AND participant_low = ? AND participant_high = ?", workspaceID, low, high)

	if older {
		if cursor > 0 {
			q = q.Where("id < ?", cursor)
		}
		q = q.Order("id DESC")
	} else {
		q = q.Where("id > ?", cursor).Order("id ASC")
	}

	var messages []*model.Message
	if err := q.Limit(limit + 1).Find(&messages).Error; err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if older {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, hasMore, nil
}

// MarkConversationAsRead 将 other 发给 reader 的未读消息全部标记为已读
// 回执写入与状态推进在同一事务内完成，返回本次新标记的消息ID
func (r *MessageRepository) MarkConversationAsRead(ctx context.Context, workspaceID, readerID, otherID string, at time.Time) ([]uint64, error) {
	return r.markRead(ctx, workspaceID, readerID, otherID, nil, at)
}

// MarkMessagesAsRead 只标记指定的消息，条件同 MarkConversationAsRead
func (r *MessageRepository) MarkMessagesAsRead(ctx context.Context, workspaceID, readerID, senderID string, ids []uint64, at time.Time) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.markRead(ctx, workspaceID, readerID, senderID, ids, at)
}

func (r *MessageRepository) markRead(ctx context.Context, workspaceID, readerID, senderID string, only []uint64, at time.Time) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.Message{}).
			Where("workspace_id = ? AND sender_id = ? AND recipient_id = ?", workspaceID, senderID, readerID).
			Where(noReceiptFrom, readerID)
		if only != nil {
			q = q.Where("id IN ?", only)
		}
		if err := q.Order("id ASC").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		receipts := make([]model.MessageRead, 0, len(ids))
		for _, id := range ids {
			receipts = append(receipts, model.MessageRead{MessageID: id, UserID: readerID, ReadAt: at})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&receipts, 200).Error; err != nil {
			return err
		}

		return tx.Model(&model.Message{}).
			Where("id IN ? AND status IN ?", ids, model.StatusesBefore(model.StatusRead)).
			Update("status", model.StatusRead).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkDelivered 将仍为 sent 的消息推进为 delivered，返回实际推进的ID
func (r *MessageRepository) MarkDelivered(ctx context.Context, workspaceID string, ids []uint64) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var moved []uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Message{}).
			Where("workspace_id = ? AND id IN ? AND status IN ?", workspaceID, ids, model.StatusesBefore(model.StatusDelivered)).
			Order("id ASC").
			Pluck("id", &moved).Error; err != nil {
			return err
		}
		if len(moved) == 0 {
			return nil
		}
		return tx.Model(&model.Message{}).
			Where("id IN ? AND status IN ?", moved, model.StatusesBefore(model.StatusDelivered)).
			Update("status", model.StatusDelivered).Error
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// PendingFor 获取发给 recipient 且仍为 sent 状态的消息
func (r *MessageRepository) PendingFor(ctx context.Context, workspaceID, recipientID string) ([]PendingDelivery, error) {
	var rows []PendingDelivery
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select("id, sender_id").
		Where("workspace_id = ? AND recipient_id = ? AND status = ?", workspaceID, recipientID, model.StatusSent).
		Order("id ASC").
		Scan(&rows).Error
	return rows, err
}

// UpdateContent 编辑消息内容，已删除的消息不会被更新，此时返回 false
func (r *MessageRepository) UpdateContent(ctx context.Context, id uint64, content string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":   content,
			"edited":    true,
			"edited_at": at,
		})
	return result.RowsAffected > 0, result.Error
}

// SoftDelete 软删除消息
func (r *MessageRepository) SoftDelete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&model.Message{}, id).Error
}

// AddReaction 添加表情回应，重复添加不报错
func (r *MessageRepository) AddReaction(ctx context.Context, messageID uint64, emoji, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MessageReaction{MessageID: messageID, Emoji: emoji, UserID: userID}).Error
}

// RemoveReaction 移除表情回应，不存在时不报错
func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID uint64, emoji, userID string) error {
	return r.db.WithContext(ctx).
		Where("message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).
		Delete(&model.MessageReaction{}).Error
}

// Reactions 获取消息的全部表情回应
func (r *MessageRepository) Reactions(ctx context.Context, messageID uint64) ([]model.MessageReaction, error) {
	var reactions []model.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&reactions).Error
	return reactions, err
}

// ConversationsFor 聚合用户参与的所有会话：最后一条未删除消息与未读数，按最近消息倒序
func (r *MessageRepository) ConversationsFor(ctx context.Context, workspaceID, userID string) ([]ConversationRow, error) {
	db := r.db.WithContext(ctx)

	var lasts []struct {
		LastID          uint64
		ParticipantLow  string
		ParticipantHigh string
	}
	err := db.Model(&model.Message{}).
		Select("MAX(id) AS last_id, participant_low, participant_high").
		Where("workspace_id = ? AND (participant_low = ? OR participant_high = ?)", workspaceID, userID, userID).
		Group("participant_low, participant_high").
		Scan(&lasts).Error
	if err != nil {
		return nil, err
	}
	if len(lasts) == 0 {
		return []ConversationRow{}, nil
	}

	ids := make([]uint64, 0, len(lasts))
	for _, l := range lasts {
		ids = append(ids, l.LastID)
	}
	var messages []*model.Message
	if err := db.Where("id IN ?", ids).Find(&messages).Error; err != nil {
		return nil, err
	}

	var unread []struct {
		SenderID string
		Unread   int64
	}
	err = db.Model(&model.Message{}).
		Select("sender_id, COUNT(*) AS unread").
		Where("workspace_id = ? AND recipient_id = ?", workspaceID, userID).
		Where(noReceiptFrom, userID).
		Group("sender_id").
		Scan(&unread).Error
	if err != nil {
		return nil, err
	}
	unreadBy := make(map[string]int64, len(unread))
	for _, u := range unread {
		unreadBy[u.SenderID] = u.Unread
	}

	rows := make([]ConversationRow, 0, len(messages))
	for _, m := range messages {
		other := m.ParticipantLow
		if other == userID {
			other = m.ParticipantHigh
		}
		rows = append(rows, ConversationRow{OtherID: other, LastMessage: m, Unread: unreadBy[other]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastMessage.ID > rows[j].LastMessage.ID })
	return rows, nil
}

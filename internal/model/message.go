package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 消息类型
const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindDocument = "document"
)

// 消息状态，只能沿 sent -> delivered -> read 前进
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// MediaRef 媒体引用，由外部存储签发，这里不解析
type MediaRef struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReplyPreview 发送时截取的被引用消息摘要
type ReplyPreview struct {
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	Kind       string `json:"kind"`
}

// ReplyRef 引用信息
type ReplyRef struct {
	MessageID uint64       `json:"messageId"`
	Preview   ReplyPreview `json:"preview"`
}

// Message 私信消息
// 会话不单独存表，由 (workspace_id, participant_low, participant_high) 聚合得到
// 参与者按字典序存放，保证同一对用户只对应一个会话
// 删除为软删除，墓碑行保留，列表与聚合中排除
type Message struct {
	ID              uint64                        `gorm:"primaryKey;autoIncrement"`
	WorkspaceID     string                        `gorm:"type:varchar(64);not null;index:idx_ws_pair,priority:1;uniqueIndex:uk_ws_client_msg,priority:1;comment:工作区ID"`
	ParticipantLow  string                        `gorm:"type:varchar(64);not null;index:idx_ws_pair,priority:2;comment:参与者(字典序小)"`
	ParticipantHigh string                        `gorm:"type:varchar(64);not null;index:idx_ws_pair,priority:3;comment:参与者(字典序大)"`
	SenderID        string                        `gorm:"type:varchar(64);not null;index;comment:发送者ID"`
	RecipientID     string                        `gorm:"type:varchar(64);not null;index;comment:接收者ID"`
	SenderName      string                        `gorm:"type:varchar(128);comment:发送者名称(发送时快照)"`
	SenderRole      string                        `gorm:"type:varchar(32);comment:发送者角色(发送时快照)"`
	Content         string                        `gorm:"type:text;comment:消息内容"`
	Kind            string                        `gorm:"type:varchar(16);not null;default:'text';comment:消息类型"`
	MediaRef        datatypes.JSONType[*MediaRef] `gorm:"comment:媒体引用"`
	ReplyRef        datatypes.JSONType[*ReplyRef] `gorm:"comment:引用信息"`
	Mentions        datatypes.JSONSlice[string]   `gorm:"comment:提及的用户ID"`
	ClientMessageID *string                       `gorm:"type:varchar(128);uniqueIndex:uk_ws_client_msg,priority:2;comment:客户端幂等ID"`
	Status          string                        `gorm:"type:varchar(16);not null;default:'sent';comment:消息状态"`
	Edited          bool                          `gorm:"not null;default:false;comment:是否编辑过"`
	EditedAt        *time.Time                    `gorm:"comment:编辑时间"`
	CreatedAt       time.Time                     `gorm:"comment:创建时间"`
	UpdatedAt       time.Time                     `gorm:"comment:更新时间"`
	DeletedAt       gorm.DeletedAt                `gorm:"index"`

	ReadBy    []MessageRead     `gorm:"foreignKey:MessageID"`
	Reactions []MessageReaction `gorm:"foreignKey:MessageID"`
}

func (Message) TableName() string { return "message" }

// Participants 两个参与者，按字典序
func (m *Message) Participants() [2]string {
	return [2]string{m.ParticipantLow, m.ParticipantHigh}
}

// HasParticipant 判断用户是否为该消息所在会话的参与者
func (m *Message) HasParticipant(userID string) bool {
	return m.ParticipantLow == userID || m.ParticipantHigh == userID
}

// IsDeleted 是否已删除
func (m *Message) IsDeleted() bool {
	return m.DeletedAt.Valid
}

// ReactionMap 表情 -> 用户ID列表，按添加顺序
func (m *Message) ReactionMap() map[string][]string {
	out := make(map[string][]string, len(m.Reactions))
	for _, r := range m.Reactions {
		out[r.Emoji] = append(out[r.Emoji], r.UserID)
	}
	return out
}

// KindForMime 根据媒体MIME类型推导消息类型
func KindForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// StatusRank 状态的先后顺序，用于保证状态单调
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// StatusesBefore 排在 status 之前的状态，只有这些状态可以推进到 status
func StatusesBefore(status string) []string {
	var out []string
	for _, st := range []string{StatusSent, StatusDelivered, StatusRead} {
		if StatusRank(st) < StatusRank(status) {
			out = append(out, st)
		}
	}
	return out
}

// MessageRead 已读回执，每个用户对每条消息最多一条
type MessageRead struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	MessageID uint64    `gorm:"not null;uniqueIndex:uk_msg_reader,priority:1;comment:消息ID"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_msg_reader,priority:2;index;comment:读者ID"`
	ReadAt    time.Time `gorm:"not null;comment:阅读时间"`
}

func (MessageRead) TableName() string { return "message_read" }

// MessageReaction 表情回应，(消息, 表情, 用户) 唯一
type MessageReaction struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	MessageID uint64    `gorm:"not null;uniqueIndex:uk_msg_emoji_user,priority:1;comment:消息ID"`
	Emoji     string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_msg_emoji_user,priority:2;comment:表情"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_msg_emoji_user,priority:3;comment:用户ID"`
	CreatedAt time.Time `gorm:"comment:创建时间"`
}

func (MessageReaction) TableName() string { return "message_reaction" }

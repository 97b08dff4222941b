package websocket

import "encoding/json"

// 上行事件
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventMessageRead       = "message:read"
	EventPing              = "ping"
)

// 下行事件
const (
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventMessageUpdated     = "message:updated"
	EventMessageDeleted     = "message:deleted"
	EventMessageReaction    = "message:reaction"
	EventConversationUpdate = "conversation:update"
	EventPong               = "pong"
	EventError              = "error"
)

// Frame 上行帧 {"event": "...", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutFrame 下行帧
type OutFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RecipientSignal 会话加入/离开、输入状态的上行数据
type RecipientSignal struct {
	RecipientID string `json:"recipientId"`
}

// ReadSignal 已读回执的上行数据
type ReadSignal struct {
	MessageIDs []uint64 `json:"messageIds"`
	SenderID   string   `json:"senderId"`
}

// StatusPayload message:status
type StatusPayload struct {
	Status          string   `json:"status"`
	MessageIDs      []uint64 `json:"messageIds"`
	ConversationKey string   `json:"conversationKey"`
	UserID          string   `json:"userId"`
}

// TypingPayload typing:start / typing:stop
type TypingPayload struct {
	UserID          string `json:"userId"`
	ConversationKey string `json:"conversationKey"`
}

// DeletedPayload message:deleted
type DeletedPayload struct {
	MessageID       uint64 `json:"messageId"`
	ConversationKey string `json:"conversationKey"`
	DeletedBy       string `json:"deletedBy"`
}

// ReactionPayload message:reaction
type ReactionPayload struct {
	MessageID       uint64              `json:"messageId"`
	ConversationKey string              `json:"conversationKey"`
	UserID          string              `json:"userId"`
	Emoji           string              `json:"emoji"`
	Action          string              `json:"action"`
	Reactions       map[string][]string `json:"reactions"`
}

// ErrorPayload error，只发给出错的连接
type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

package websocket

import (
	"context"
	"encoding/json"
	"time"

	"workspace-im/pkg/convkey"
	"workspace-im/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 消息状态事件取值
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Receipts 实时通道需要的消息回执能力，由消息服务实现
type Receipts interface {
	MarkMessagesRead(ctx context.Context, workspaceID, readerID, senderID string, ids []uint64) ([]uint64, error)
	DeliverPending(ctx context.Context, workspaceID, recipientID string) (map[string][]uint64, error)
}

// Relay 多实例间转发事件
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
}

// relayEnvelope 跨实例转发的事件
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Groups []string        `json:"groups"`
	Frame  json.RawMessage `json:"frame"`
}

// Gateway 实时投递网关
// 所有下行推送都是尽力而为：没有连接的用户直接丢弃，失败只记录日志
type Gateway struct {
	manager  *Manager
	typing   *TypingManager
	receipts Receipts
	relay    Relay
	instance string

	// OnDisconnect 用户最后一个连接断开后调用
	OnDisconnect func(workspaceID, userID string)

	opTimeout time.Duration
}

// NewGateway 创建网关
func NewGateway(manager *Manager, typingTimeout time.Duration, receipts Receipts) *Gateway {
	g := &Gateway{
		manager:   manager,
		receipts:  receipts,
		instance:  uuid.NewString(),
		opTimeout: 10 * time.Second,
	}
	g.typing = NewTypingManager(typingTimeout, g.typingExpired)
	return g
}

// SetRelay 启用跨实例转发
func (g *Gateway) SetRelay(r Relay) {
	g.relay = r
}

// Typing 输入状态管理器
func (g *Gateway) Typing() *TypingManager {
	return g.typing
}

// IsOnline 用户是否在线（本实例）
func (g *Gateway) IsOnline(workspaceID, userID string) bool {
	return g.manager.IsOnline(workspaceID, userID)
}

// OnlineUsers 工作区在线用户（本实例）
func (g *Gateway) OnlineUsers(workspaceID string) []string {
	return g.manager.OnlineUsers(workspaceID)
}

// Close 停止输入状态计时器
func (g *Gateway) Close() {
	g.typing.Close()
}

// emit 序列化一次，投递给多个组的并集，并转发给其他实例
func (g *Gateway) emit(event string, data interface{}, groups ...string) {
	frame, err := json.Marshal(OutFrame{Event: event, Data: data})
	if err != nil {
		logger.Error("序列化事件失败", zap.String("event", event), zap.Error(err))
		return
	}
	g.manager.Deliver(event, frame, groups...)

	if g.relay == nil {
		return
	}
	env, err := json.Marshal(relayEnvelope{Origin: g.instance, Event: event, Groups: groups, Frame: frame})
	if err != nil {
		logger.Error("序列化转发事件失败", zap.String("event", event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.relay.Publish(ctx, env); err != nil {
		logger.Warn("转发事件失败", zap.String("event", event), zap.Error(err))
	}
}

// HandleRelay 处理其他实例转发来的事件，忽略本实例发出的
func (g *Gateway) HandleRelay(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("转发事件格式错误", zap.Error(err))
		return
	}
	if env.Origin == g.instance {
		return
	}
	g.manager.Deliver(env.Event, env.Frame, env.Groups...)
}

// sendToClient 只发给一个连接，不转发
func (g *Gateway) sendToClient(c *Client, event string, data interface{}) {
	frame, err := json.Marshal(OutFrame{Event: event, Data: data})
	if err != nil {
		logger.Error("序列化事件失败", zap.String("event", event), zap.Error(err))
		return
	}
	g.manager.SendTo(c, event, frame)
}

func conversationGroup(workspaceID, a, b string) string {
	return convkey.Group(workspaceID, convkey.Of(a, b))
}

// ===== 下行推送 =====

// NewMessage 新消息：会话组 ∪ 接收者用户组
func (g *Gateway) NewMessage(workspaceID, senderID, recipientID string, message interface{}) {
	g.emit(EventMessageNew, message,
		conversationGroup(workspaceID, senderID, recipientID),
		convkey.UserGroup(workspaceID, recipientID),
	)
}

// MessageStatus 状态变化通知给 toUser 的所有设备
func (g *Gateway) MessageStatus(workspaceID, toUserID, otherID, status string, ids []uint64) {
	if len(ids) == 0 {
		return
	}
	g.emit(EventMessageStatus, StatusPayload{
		Status:          status,
		MessageIDs:      ids,
		ConversationKey: convkey.Of(toUserID, otherID),
		UserID:          otherID,
	}, convkey.UserGroup(workspaceID, toUserID))
}

// ConversationUpdate 会话列表预览，推给 toUser 的用户组
func (g *Gateway) ConversationUpdate(workspaceID, toUserID string, preview interface{}) {
	g.emit(EventConversationUpdate, preview, convkey.UserGroup(workspaceID, toUserID))
}

// MessageUpdated 消息被编辑
func (g *Gateway) MessageUpdated(workspaceID, a, b string, message interface{}) {
	g.emit(EventMessageUpdated, message, conversationGroup(workspaceID, a, b))
}

// MessageDeleted 消息被删除
func (g *Gateway) MessageDeleted(workspaceID, a, b string, messageID uint64, deletedBy string) {
	g.emit(EventMessageDeleted, DeletedPayload{
		MessageID:       messageID,
		ConversationKey: convkey.Of(a, b),
		DeletedBy:       deletedBy,
	}, conversationGroup(workspaceID, a, b))
}

// Reaction 表情回应变化
func (g *Gateway) Reaction(workspaceID, a, b string, payload ReactionPayload) {
	payload.ConversationKey = convkey.Of(a, b)
	g.emit(EventMessageReaction, payload, conversationGroup(workspaceID, a, b))
}

func (g *Gateway) typingEvent(event string, e TypingEntry) {
	g.emit(event, TypingPayload{UserID: e.UserID, ConversationKey: e.ConversationKey},
		convkey.UserGroup(e.WorkspaceID, e.RecipientID))
}

func (g *Gateway) typingExpired(e TypingEntry) {
	g.typingEvent(EventTypingStop, e)
}

// ===== 连接生命周期 =====

// Connect 注册连接，并把离线期间发给该用户的消息推进为 delivered
func (g *Gateway) Connect(c *Client) {
	first := g.manager.Register(c)
	logger.Info("实时连接已建立",
		zap.String("conn_id", c.ID),
		zap.String("workspace_id", c.WorkspaceID),
		zap.String("user_id", c.UserID),
		zap.Bool("first", first),
	)

	if g.receipts == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("投递待送达消息panic", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
		defer cancel()
		bySender, err := g.receipts.DeliverPending(ctx, c.WorkspaceID, c.UserID)
		if err != nil {
			logger.Warn("投递待送达消息失败", zap.String("user_id", c.UserID), zap.Error(err))
			return
		}
		for senderID, ids := range bySender {
			g.MessageStatus(c.WorkspaceID, senderID, c.UserID, StatusDelivered, ids)
		}
	}()
}

// Disconnect 注销连接；最后一个连接断开时清除输入状态并通知对方
func (g *Gateway) Disconnect(c *Client) {
	last := g.manager.Unregister(c)
	logger.Info("实时连接已断开",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Bool("last", last),
	)
	if !last {
		return
	}
	for _, e := range g.typing.StopAll(c.WorkspaceID, c.UserID) {
		g.typingEvent(EventTypingStop, e)
	}
	if g.OnDisconnect != nil {
		g.OnDisconnect(c.WorkspaceID, c.UserID)
	}
}

// ===== 上行信令 =====

// HandleInbound 处理一帧上行信令
// 格式错误或缺少字段的信令直接忽略，未知事件只回给该连接一个 error
func (g *Gateway) HandleInbound(c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		logger.Debug("忽略格式错误的信令", zap.String("conn_id", c.ID))
		return
	}

	switch frame.Event {
	case EventConversationJoin, EventConversationLeave, EventTypingStart, EventTypingStop:
		var sig RecipientSignal
		if err := json.Unmarshal(frame.Data, &sig); err != nil || !convkey.ValidID(sig.RecipientID) || sig.RecipientID == c.UserID {
			return
		}
		g.handleRecipientSignal(c, frame.Event, sig.RecipientID)

	case EventMessageRead:
		var sig ReadSignal
		if err := json.Unmarshal(frame.Data, &sig); err != nil || !convkey.ValidID(sig.SenderID) || sig.SenderID == c.UserID || len(sig.MessageIDs) == 0 {
			return
		}
		g.handleRead(c, sig)

	case EventPing:
		g.manager.RefreshPresence(c)
		g.sendToClient(c, EventPong, map[string]int64{"ts": time.Now().UnixMilli()})

	default:
		g.sendToClient(c, EventError, ErrorPayload{Message: "unknown event", Event: frame.Event})
	}
}

func (g *Gateway) handleRecipientSignal(c *Client, event, recipientID string) {
	switch event {
	case EventConversationJoin:
		g.manager.Join(c, conversationGroup(c.WorkspaceID, c.UserID, recipientID))
	case EventConversationLeave:
		g.manager.Leave(c, conversationGroup(c.WorkspaceID, c.UserID, recipientID))
	case EventTypingStart:
		g.typing.Start(c.WorkspaceID, c.UserID, recipientID)
		g.typingEvent(EventTypingStart, TypingEntry{
			WorkspaceID:     c.WorkspaceID,
			UserID:          c.UserID,
			RecipientID:     recipientID,
			ConversationKey: convkey.Of(c.UserID, recipientID),
		})
	case EventTypingStop:
		if g.typing.Stop(c.WorkspaceID, c.UserID, recipientID) {
			g.typingEvent(EventTypingStop, TypingEntry{
				WorkspaceID:     c.WorkspaceID,
				UserID:          c.UserID,
				RecipientID:     recipientID,
				ConversationKey: convkey.Of(c.UserID, recipientID),
			})
		}
	}
}

// handleRead 已读信令是快速通道：立即通知发送者，不等待存储
// 回执落库在后台尽力完成，权威写入仍由 HTTP 的标记已读接口负责
func (g *Gateway) handleRead(c *Client, sig ReadSignal) {
	g.MessageStatus(c.WorkspaceID, sig.SenderID, c.UserID, StatusRead, sig.MessageIDs)
	if g.receipts == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("保存已读回执panic", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
		defer cancel()
		if _, err := g.receipts.MarkMessagesRead(ctx, c.WorkspaceID, c.UserID, sig.SenderID, sig.MessageIDs); err != nil {
			logger.Warn("保存已读回执失败", zap.String("user_id", c.UserID), zap.Error(err))
		}
	}()
}

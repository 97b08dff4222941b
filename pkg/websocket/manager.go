package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"workspace-im/pkg/convkey"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PresenceMirror 在线状态镜像（如 Redis），失败只记录日志
type PresenceMirror interface {
	SetOnline(ctx context.Context, workspaceID, userID string) error
	SetOffline(ctx context.Context, workspaceID, userID string) error
	Refresh(ctx context.Context, workspaceID, userID string) error
}

// Client 一个设备的实时连接
// Send 只由 Manager 在持有锁时写入、在注销时关闭
type Client struct {
	ID          string
	UserID      string
	WorkspaceID string
	Conn        *websocket.Conn
	Send        chan []byte
	JoinedAt    time.Time

	limiter *rate.Limiter
	groups  map[string]struct{}
	closed  bool
}

// NewClient 创建连接对象
func NewClient(workspaceID, userID string, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Conn:        conn,
		Send:        make(chan []byte, buffer),
		JoinedAt:    time.Now(),
		limiter:     limiter,
		groups:      make(map[string]struct{}),
	}
}

// Allow 上行信令限流
func (c *Client) Allow() bool {
	return c.limiter.Allow()
}

func userKey(workspaceID, userID string) string {
	return workspaceID + "|" + userID
}

// Manager 连接注册表：用户 -> 多个连接，广播组 -> 连接
type Manager struct {
	users    map[string]map[string]*Client
	groups   map[string]map[string]*Client
	lock     sync.RWMutex
	presence PresenceMirror
}

// NewManager 创建连接注册表，presence 可为 nil
func NewManager(presence PresenceMirror) *Manager {
	return &Manager{
		users:    make(map[string]map[string]*Client),
		groups:   make(map[string]map[string]*Client),
		presence: presence,
	}
}

// Register 注册连接并加入用户组，返回是否为该用户的第一个连接
func (m *Manager) Register(c *Client) bool {
	m.lock.Lock()
	key := userKey(c.WorkspaceID, c.UserID)
	conns, ok := m.users[key]
	if !ok {
		conns = make(map[string]*Client)
		m.users[key] = conns
	}
	first := len(conns) == 0
	conns[c.ID] = c
	m.joinLocked(c, convkey.UserGroup(c.WorkspaceID, c.UserID))
	m.lock.Unlock()

	metrics.Connections.Inc()
	if first {
		metrics.OnlineUsers.Inc()
		m.mirror(c, true)
	}
	return first
}

// Unregister 注销连接、退出所有组并关闭发送队列，返回是否为该用户的最后一个连接
func (m *Manager) Unregister(c *Client) bool {
	m.lock.Lock()
	key := userKey(c.WorkspaceID, c.UserID)
	conns, ok := m.users[key]
	if !ok || conns[c.ID] == nil {
		m.lock.Unlock()
		return false
	}
	delete(conns, c.ID)
	last := len(conns) == 0
	if last {
		delete(m.users, key)
	}
	for group := range c.groups {
		m.leaveLocked(c, group)
	}
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	m.lock.Unlock()

	metrics.Connections.Dec()
	if last {
		metrics.OnlineUsers.Dec()
		m.mirror(c, false)
	}
	return last
}

func (m *Manager) mirror(c *Client, online bool) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if online {
		err = m.presence.SetOnline(ctx, c.WorkspaceID, c.UserID)
	} else {
		err = m.presence.SetOffline(ctx, c.WorkspaceID, c.UserID)
	}
	if err != nil {
		logger.Warn("同步在线状态失败",
			zap.String("workspace_id", c.WorkspaceID),
			zap.String("user_id", c.UserID),
			zap.Bool("online", online),
			zap.Error(err),
		)
	}
}

// RefreshPresence 延长在线状态TTL
func (m *Manager) RefreshPresence(c *Client) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.presence.Refresh(ctx, c.WorkspaceID, c.UserID); err != nil {
		logger.Debug("刷新在线状态失败", zap.String("user_id", c.UserID), zap.Error(err))
	}
}

// Join 加入广播组
func (m *Manager) Join(c *Client, group string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c.closed {
		return
	}
	m.joinLocked(c, group)
}

// Leave 退出广播组
func (m *Manager) Leave(c *Client, group string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.leaveLocked(c, group)
}

func (m *Manager) joinLocked(c *Client, group string) {
	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]*Client)
		m.groups[group] = members
	}
	members[c.ID] = c
	c.groups[group] = struct{}{}
}

func (m *Manager) leaveLocked(c *Client, group string) {
	delete(c.groups, group)
	if members, ok := m.groups[group]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(m.groups, group)
		}
	}
}

// ConnectionsOf 用户的全部连接
func (m *Manager) ConnectionsOf(workspaceID, userID string) []*Client {
	m.lock.RLock()
	defer m.lock.RUnlock()
	conns := m.users[userKey(workspaceID, userID)]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline 用户是否至少有一个连接
func (m *Manager) IsOnline(workspaceID, userID string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.users[userKey(workspaceID, userID)]) > 0
}

// OnlineUsers 工作区内在线的用户ID，按字典序
func (m *Manager) OnlineUsers(workspaceID string) []string {
	prefix := workspaceID + "|"
	m.lock.RLock()
	out := make([]string, 0)
	for key, conns := range m.users {
		if len(conns) > 0 && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	m.lock.RUnlock()
	sort.Strings(out)
	return out
}

// GroupMembers 广播组内的连接
func (m *Manager) GroupMembers(group string) []*Client {
	m.lock.RLock()
	defer m.lock.RUnlock()
	members := m.groups[group]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Deliver 把消息投递给多个组的并集，每个连接最多一次
// 在读锁内做非阻塞写入，队列满则丢弃；返回实际入队的连接数
func (m *Manager) Deliver(event string, payload []byte, groups ...string) int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	for _, group := range groups {
		for id, c := range m.groups[group] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if m.enqueueLocked(c, event, payload) {
				delivered++
			}
		}
	}
	return delivered
}

// SendTo 只发给一个连接
func (m *Manager) SendTo(c *Client, event string, payload []byte) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.enqueueLocked(c, event, payload)
}

func (m *Manager) enqueueLocked(c *Client, event string, payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		metrics.EventsDelivered.WithLabelValues(event).Inc()
		return true
	default:
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		logger.Warn("发送队列已满，丢弃事件",
			zap.String("conn_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.String("event", event),
		)
		return false
	}
}

package websocket

import (
	"sync"
	"time"

	"workspace-im/pkg/convkey"
	"workspace-im/pkg/metrics"
)

// DefaultTypingTimeout 输入状态默认过期时间
const DefaultTypingTimeout = 5 * time.Second

// TypingEntry 一个输入中状态
type TypingEntry struct {
	WorkspaceID     string
	UserID          string
	RecipientID     string
	ConversationKey string
}

type typingState struct {
	entry TypingEntry
	timer *time.Timer
	gen   uint64
}

// TypingManager 管理 (工作区, 会话, 用户) 的输入状态
// 每个键最多一个计时器，重复 Start 会替换计时器
type TypingManager struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[string]*typingState
	gen      uint64
	onExpire func(TypingEntry)
}

// NewTypingManager 创建输入状态管理器，onExpire 在超时后调用（不持有锁）
func NewTypingManager(timeout time.Duration, onExpire func(TypingEntry)) *TypingManager {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingManager{
		timeout:  timeout,
		entries:  make(map[string]*typingState),
		onExpire: onExpire,
	}
}

func typingKey(workspaceID, conversationKey, userID string) string {
	return workspaceID + "|" + conversationKey + "|" + userID
}

// Start 开始或刷新输入状态，返回是否为新开始
func (m *TypingManager) Start(workspaceID, userID, recipientID string) bool {
	conv := convkey.Of(userID, recipientID)
	key := typingKey(workspaceID, conv, userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	gen := m.gen
	state, exists := m.entries[key]
	if exists {
		state.timer.Stop()
	} else {
		state = &typingState{entry: TypingEntry{
			WorkspaceID:     workspaceID,
			UserID:          userID,
			RecipientID:     recipientID,
			ConversationKey: conv,
		}}
		m.entries[key] = state
		metrics.TypingActive.Inc()
	}
	state.gen = gen
	state.timer = time.AfterFunc(m.timeout, func() { m.expire(key, gen) })
	return !exists
}

func (m *TypingManager) expire(key string, gen uint64) {
	m.mu.Lock()
	state, ok := m.entries[key]
	// 被刷新或已停止的旧计时器不做任何事
	if !ok || state.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	m.mu.Unlock()

	metrics.TypingActive.Dec()
	if m.onExpire != nil {
		m.onExpire(state.entry)
	}
}

// Stop 停止输入状态，返回之前是否处于输入中
func (m *TypingManager) Stop(workspaceID, userID, recipientID string) bool {
	key := typingKey(workspaceID, convkey.Of(userID, recipientID), userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.entries[key]
	if !ok {
		return false
	}
	state.timer.Stop()
	delete(m.entries, key)
	metrics.TypingActive.Dec()
	return true
}

// StopAll 清除用户在所有会话中的输入状态（最后一个连接断开时），返回被清除的条目
func (m *TypingManager) StopAll(workspaceID, userID string) []TypingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TypingEntry
	for key, state := range m.entries {
		if state.entry.WorkspaceID != workspaceID || state.entry.UserID != userID {
			continue
		}
		state.timer.Stop()
		delete(m.entries, key)
		metrics.TypingActive.Dec()
		out = append(out, state.entry)
	}
	return out
}

// Active 是否处于输入中
func (m *TypingManager) Active(workspaceID, userID, recipientID string) bool {
	key := typingKey(workspaceID, convkey.Of(userID, recipientID), userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Close 停止所有计时器
func (m *TypingManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, state := range m.entries {
		state.timer.Stop()
		delete(m.entries, key)
		metrics.TypingActive.Dec()
	}
}

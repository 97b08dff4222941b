package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PresenceData 在线状态数据
type PresenceData struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"` // online/offline
	Instance    string    `json:"instance,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// 在线状态相关常量
const (
	PresenceKeyPrefix = "im:presence:" // 用户在线状态key前缀 im:presence:{workspace}:{user}
	OnlineUsersPrefix = "im:online:"   // 在线用户集合key前缀 im:online:{workspace}
)

// 在线状态TTL（2倍心跳周期以上），InitRedis 时按配置覆盖
var presenceTTL = 2 * time.Minute

func presenceKey(workspaceID, userID string) string {
	return PresenceKeyPrefix + workspaceID + ":" + userID
}

func onlineKey(workspaceID string) string {
	return OnlineUsersPrefix + workspaceID
}

// SetUserPresence 设置用户在线状态
func SetUserPresence(c context.Context, workspaceID, userID, status, instance string) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := presenceKey(workspaceID, userID)
	if status != "online" {
		pipe := client.TxPipeline()
		pipe.Del(c, key)
		pipe.SRem(c, onlineKey(workspaceID), userID)
		if _, err := pipe.Exec(c); err != nil {
			return fmt.Errorf("移除用户在线状态失败: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(PresenceData{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Status:      status,
		Instance:    instance,
		LastSeen:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("序列化在线状态失败: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(c, key, data, presenceTTL)
	pipe.SAdd(c, onlineKey(workspaceID), userID)
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("设置用户在线状态失败: %w", err)
	}
	return nil
}

// GetUserPresence 获取用户在线状态
func GetUserPresence(c context.Context, workspaceID, userID string) (*PresenceData, error) {
	data, err := client.Get(c, presenceKey(workspaceID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取用户在线状态失败: %w", err)
	}

	var presence PresenceData
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("反序列化在线状态失败: %w", err)
	}
	return &presence, nil
}

// IsUserOnline 检查用户是否在线（任意实例）
func IsUserOnline(c context.Context, workspaceID, userID string) (bool, error) {
	exists, err := client.Exists(c, presenceKey(workspaceID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("检查用户在线状态失败: %w", err)
	}
	return exists > 0, nil
}

// GetOnlineUsers 获取工作区在线用户ID，顺带清理TTL已过期的成员
func GetOnlineUsers(c context.Context, workspaceID string) ([]string, error) {
	members, err := client.SMembers(c, onlineKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取在线用户列表失败: %w", err)
	}

	out := make([]string, 0, len(members))
	for _, userID := range members {
		online, err := IsUserOnline(c, workspaceID, userID)
		if err != nil {
			return nil, err
		}
		if !online {
			client.SRem(c, onlineKey(workspaceID), userID)
			continue
		}
		out = append(out, userID)
	}
	return out, nil
}

// RefreshUserPresence 刷新用户在线状态（延长TTL）
func RefreshUserPresence(c context.Context, workspaceID, userID string) error {
	ok, err := client.Expire(c, presenceKey(workspaceID, userID), presenceTTL).Result()
	if err != nil {
		return fmt.Errorf("刷新用户在线状态失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("用户不在线")
	}
	return nil
}

// Presence 把连接注册表的上下线同步到Redis
type Presence struct {
	Instance string
}

// SetOnline 用户第一个连接建立
func (p Presence) SetOnline(c context.Context, workspaceID, userID string) error {
	return SetUserPresence(c, workspaceID, userID, "online", p.Instance)
}

// SetOffline 用户最后一个连接断开
func (p Presence) SetOffline(c context.Context, workspaceID, userID string) error {
	return SetUserPresence(c, workspaceID, userID, "offline", p.Instance)
}

// Refresh 心跳续期
func (p Presence) Refresh(c context.Context, workspaceID, userID string) error {
	return RefreshUserPresence(c, workspaceID, userID)
}

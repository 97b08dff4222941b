package model

import (
	"time"
)

// 工作区角色
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleAgent  = "agent"
	RoleMember = "member"
)

// User 工作区成员（目录服务的本地实现）
// 用户ID由身份服务签发，同一工作区内用户名唯一
type User struct {
	ID          string    `gorm:"type:varchar(64);primaryKey;comment:用户ID"`
	WorkspaceID string    `gorm:"type:varchar(64);primaryKey;uniqueIndex:uk_ws_username,priority:1;comment:工作区ID"`
	Username    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_ws_username,priority:2;comment:用户名"`
	DisplayName string    `gorm:"type:varchar(128);comment:显示名称"`
	Role        string    `gorm:"type:varchar(32);not null;default:'member';comment:角色"`
	Avatar      string    `gorm:"type:varchar(255);comment:头像URL"`
	LastSeen    time.Time `gorm:"comment:最近在线时间"`
	CreatedAt   time.Time `gorm:"comment:创建时间"`
	UpdatedAt   time.Time `gorm:"comment:更新时间"`
}

// TableName 指定表名（因全局配置使用单数表名，这里与结构体名一致为 user）
func (User) TableName() string { return "user" }

// IsElevated 是否具备删除他人消息的权限
func IsElevated(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

// Name 展示用名称，未设置显示名称时使用用户名
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

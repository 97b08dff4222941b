package repository

import (
	"context"
	"errors"
	"time"

	"workspace-im/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUserNotFound 用户不存在
var ErrUserNotFound = errors.New("user not found")

// UserRepository 工作区成员仓储
type UserRepository struct {
	orm *gorm.DB
}

// NewUserRepository 创建UserRepository实例
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{orm: db}
}

// Upsert 创建或更新成员资料
func (r *UserRepository) Upsert(ctx context.Context, user *model.User) error {
	return r.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "display_name", "role", "avatar", "updated_at"}),
	}).Create(user).Error
}

// GetByID 获取工作区内的成员
func (r *UserRepository) GetByID(ctx context.Context, workspaceID, id string) (*model.User, error) {
	var u model.User
	err := r.orm.WithContext(ctx).Where("workspace_id = ? AND id = ?", workspaceID, id).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ListByIDs 批量获取成员
func (r *UserRepository) ListByIDs(ctx context.Context, workspaceID string, ids []string) ([]model.User, error) {
	var users []model.User
	if len(ids) == 0 {
		return users, nil
	}
	err := r.orm.WithContext(ctx).Where("workspace_id = ? AND id IN ?", workspaceID, ids).Find(&users).Error
	return users, err
}

// ListByUsernames 按用户名批量获取成员
func (r *UserRepository) ListByUsernames(ctx context.Context, workspaceID string, usernames []string) ([]model.User, error) {
	var users []model.User
	if len(usernames) == 0 {
		return users, nil
	}
	err := r.orm.WithContext(ctx).Where("workspace_id = ? AND username IN ?", workspaceID, usernames).Find(&users).Error
	return users, err
}

// TouchLastSeen 更新最近在线时间
func (r *UserRepository) TouchLastSeen(ctx context.Context, workspaceID, id string, at time.Time) error {
	return r.orm.WithContext(ctx).Model(&model.User{}).
		Where("workspace_id = ? AND id = ?", workspaceID, id).
		Update("last_seen", at).Error
}

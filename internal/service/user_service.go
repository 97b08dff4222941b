package service

import (
	"context"
	"errors"
	"time"

	"workspace-im/internal/model"
	"workspace-im/internal/repository"
	"workspace-im/pkg/apperr"
)

// Directory 工作区成员目录
type Directory interface {
	GetMember(ctx context.Context, workspaceID, userID string) (*model.User, error)
	GetMembers(ctx context.Context, workspaceID string, userIDs []string) (map[string]*model.User, error)
	ResolveUsernames(ctx context.Context, workspaceID string, usernames []string) (map[string]string, error)
}

// Presence 在线状态查询，由实时连接注册表实现
type Presence interface {
	IsOnline(workspaceID, userID string) bool
	OnlineUsers(workspaceID string) []string
}

// UserService 成员目录与在线状态服务
type UserService struct {
	repo     *repository.UserRepository
	presence Presence
}

// NewUserService 创建UserService实例
func NewUserService(repo *repository.UserRepository) *UserService {
	return &UserService{repo: repo}
}

// SetPresence 注入在线状态来源（连接注册表创建晚于服务）
func (s *UserService) SetPresence(p Presence) {
	s.presence = p
}

// IsOnline 用户是否在线
func (s *UserService) IsOnline(workspaceID, userID string) bool {
	return s.presence != nil && s.presence.IsOnline(workspaceID, userID)
}

// GetMember 获取工作区成员
func (s *UserService) GetMember(ctx context.Context, workspaceID, userID string) (*model.User, error) {
	u, err := s.repo.GetByID(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal(err, "load user")
	}
	return u, nil
}

// GetMembers 批量获取成员，不存在的ID不出现在结果中
func (s *UserService) GetMembers(ctx context.Context, workspaceID string, userIDs []string) (map[string]*model.User, error) {
	users, err := s.repo.ListByIDs(ctx, workspaceID, userIDs)
	if err != nil {
		return nil, apperr.Internal(err, "load users")
	}
	out := make(map[string]*model.User, len(users))
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// ResolveUsernames 用户名 -> 用户ID
func (s *UserService) ResolveUsernames(ctx context.Context, workspaceID string, usernames []string) (map[string]string, error) {
	users, err := s.repo.ListByUsernames(ctx, workspaceID, usernames)
	if err != nil {
		return nil, apperr.Internal(err, "resolve usernames")
	}
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[u.Username] = u.ID
	}
	return out, nil
}

// EnsureMember 用令牌中的资料同步本地成员目录，资料未变化时不写库
func (s *UserService) EnsureMember(ctx context.Context, workspaceID, userID, username, name, role string) (*model.User, error) {
	if role == "" {
		role = model.RoleMember
	}
	if username == "" {
		username = userID
	}

	existing, err := s.repo.GetByID(ctx, workspaceID, userID)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, apperr.Internal(err, "load user")
	}
	if existing != nil && existing.Username == username && existing.DisplayName == name && existing.Role == role {
		return existing, nil
	}

	u := &model.User{ID: userID, WorkspaceID: workspaceID, Username: username, DisplayName: name, Role: role}
	if existing != nil {
		u.Avatar = existing.Avatar
		u.LastSeen = existing.LastSeen
		u.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.Upsert(ctx, u); err != nil {
		return nil, apperr.Internal(err, "sync user")
	}
	return u, nil
}

// Profile 成员资料与在线状态
func (s *UserService) Profile(ctx context.Context, workspaceID, userID string) (*model.User, bool, error) {
	u, err := s.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return nil, false, err
	}
	return u, s.IsOnline(workspaceID, userID), nil
}

// OnlineMembers 当前在线的成员
func (s *UserService) OnlineMembers(ctx context.Context, workspaceID string) ([]*model.User, error) {
	if s.presence == nil {
		return []*model.User{}, nil
	}
	ids := s.presence.OnlineUsers(workspaceID)
	members, err := s.GetMembers(ctx, workspaceID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := members[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// TouchLastSeen 记录最近在线时间
func (s *UserService) TouchLastSeen(ctx context.Context, workspaceID, userID string) error {
	if err := s.repo.TouchLastSeen(ctx, workspaceID, userID, time.Now()); err != nil {
		return apperr.Internal(err, "touch last seen")
	}
	return nil
}

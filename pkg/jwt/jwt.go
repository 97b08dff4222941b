package jwt

import (
	"errors"
	"fmt"
	"time"

	"workspace-im/config"
	"workspace-im/pkg/convkey"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// JWTService 提供 JWT 生成与校验能力
// 使用对称密钥 HS256
// Subject 存放用户ID，工作区与角色放在自定义声明中
type JWTService struct {
	secretKey   []byte        // 对称密钥
	issuer      string        // 签发者
	expireAfter time.Duration // 过期时间
}

// Identity 令牌解析出的调用方身份
type Identity struct {
	UserID      string
	WorkspaceID string
	Username    string
	Name        string
	Role        string
}

// CustomClaims 自定义声明载荷
type CustomClaims struct {
	WorkspaceID string `json:"workspace_id"`
	Username    string `json:"username,omitempty"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwtv5.RegisteredClaims
}

// Identity 转换为调用方身份
func (c *CustomClaims) Identity() Identity {
	return Identity{
		UserID:      c.Subject,
		WorkspaceID: c.WorkspaceID,
		Username:    c.Username,
		Name:        c.Name,
		Role:        c.Role,
	}
}

// NewJWTService 创建 JWT 服务
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secretKey:   []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		expireAfter: cfg.ExpireTime,
	}
}

// GenerateToken 生成访问令牌
// 正式环境由身份服务签发，这里用于本地调试与测试
func (s *JWTService) GenerateToken(id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("userID is required")
	}
	if id.WorkspaceID == "" {
		return "", errors.New("workspaceID is required")
	}
	if !convkey.ValidID(id.UserID) || !convkey.ValidID(id.WorkspaceID) {
		return "", errors.New("userID and workspaceID must not contain ':' or '|'")
	}

	now := time.Now()
	expiresAt := now.Add(s.expireAfter)

	claims := &CustomClaims{
		WorkspaceID: id.WorkspaceID,
		Username:    id.Username,
		Name:        id.Name,
		Role:        id.Role,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(expiresAt),
		},
	}

	token := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token failed: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验并解析令牌
// 缺少用户ID或工作区ID、或ID中带有会话分隔符的令牌视为无效
func (s *JWTService) ValidateToken(tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}
	// 解析令牌
	claims := &CustomClaims{}
	parsedToken, err := jwtv5.ParseWithClaims(
		tokenString, // 令牌字符串
		claims,      // 自定义声明
		// 验证签名方法
		func(token *jwtv5.Token) (interface{}, error) {
			if token.Method != jwtv5.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secretKey, nil
		},
		// 验证签发者
		jwtv5.WithIssuer(s.issuer),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	if !parsedToken.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.WorkspaceID == "" {
		return nil, errors.New("token missing subject or workspace")
	}
	if !convkey.ValidID(claims.Subject) || !convkey.ValidID(claims.WorkspaceID) {
		return nil, errors.New("token subject or workspace contains a reserved character")
	}
	return claims, nil
}

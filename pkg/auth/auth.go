// Package auth 提供行情推送端点的认证和授权
package auth

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrInvalidToken     = errors.New("无效的令牌")
	ErrTokenExpired     = errors.New("令牌已过期")
	ErrPermissionDenied = errors.New("权限不足")
)

// Permission 权限类型
type Permission string

const (
	PermReadFeeds   Permission = "read:feeds"   // 订阅价格推送
	PermReadHealth  Permission = "read:health"  // 查看发布状态
	PermAdminSystem Permission = "admin:system" // 拥有全部权限
)

// TokenClaims 令牌声明，由具体的认证实现填充
type TokenClaims struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username"`
	Permissions []Permission `json:"permissions"`
	// 允许订阅的 feed，为空表示全部
	Feeds     []string `json:"feeds,omitempty"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	Issuer    string   `json:"iss"`
}

// Authenticator 解析和生成令牌
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*TokenClaims, error)
	GenerateToken(ctx context.Context, userID, username string, permissions []Permission, feeds []string, expiration time.Duration) (string, error)
}

// Authorizer 权限检查
type Authorizer interface {
	CheckPermission(claims *TokenClaims, permission Permission, resource string) bool
}

// HasPermission 检查 claims 是否具有任一权限，PermAdminSystem 视为拥有全部权限
func HasPermission(claims *TokenClaims, permissions ...Permission) bool {
	if claims == nil {
		return false
	}
	if slices.Contains(claims.Permissions, PermAdminSystem) {
		return true
	}
	for _, p := range permissions {
		if slices.Contains(claims.Permissions, p) {
			return true
		}
	}
	return false
}

// AllowsFeed 检查 claims 是否允许接收某个 feed。匿名连接 (claims 为 nil) 不受限制
func AllowsFeed(claims *TokenClaims, feedID string) bool {
	if claims == nil || len(claims.Feeds) == 0 {
		return true
	}
	return slices.Contains(claims.Feeds, feedID)
}

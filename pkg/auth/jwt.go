package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims JWT 令牌的声明
type JWTClaims struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username"`
	Permissions []Permission `json:"permissions"`
	Feeds       []string     `json:"feeds,omitempty"`
	jwt.RegisteredClaims
}

// JWTService 基于 HMAC 的 JWT 认证服务
type JWTService struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

// NewJWTService 创建 JWT 服务
func NewJWTService(secretKey, issuer string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		now:       time.Now,
	}
}

// GenerateToken 生成令牌，feeds 为空表示允许全部 feed
func (s *JWTService) GenerateToken(ctx context.Context, userID, username string, permissions []Permission, feeds []string, expiration time.Duration) (string, error) {
	now := s.now()
	claims := JWTClaims{
		UserID:      userID,
		Username:    username,
		Permissions: permissions,
		Feeds:       feeds,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		slog.ErrorContext(ctx, "无法签名JWT令牌", "error", err, "userID", userID)
		return "", fmt.Errorf("无法签名令牌: %w", err)
	}
	return signed, nil
}

// Authenticate 校验令牌的签名、有效期和签发者
func (s *JWTService) Authenticate(ctx context.Context, tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名算法: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			slog.InfoContext(ctx, "JWT令牌已过期或尚未生效", "error", err)
			return nil, ErrTokenExpired
		default:
			slog.WarnContext(ctx, "JWT令牌校验失败", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Permissions: claims.Permissions,
		Feeds:       claims.Feeds,
		ExpiresAt:   claims.ExpiresAt.Unix(),
		IssuedAt:    claims.IssuedAt.Unix(),
		Issuer:      claims.Issuer,
	}, nil
}

// CheckPermission 检查权限，resource 为 feed id 时同时检查 feed 白名单
func (s *JWTService) CheckPermission(claims *TokenClaims, permission Permission, resource string) bool {
	if !HasPermission(claims, permission) {
		return false
	}
	return resource == "" || AllowsFeed(claims, resource)
}

var _ Authenticator = (*JWTService)(nil)
var _ Authorizer = (*JWTService)(nil)

// Package auth 提供广播订阅者的 token 校验
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// Claims 订阅者 token 的 claims
type Claims struct {
	Subscriber string `json:"sub_name"`
	jwt.RegisteredClaims
}

// JWTValidator HMAC 签名的 JWT 校验器
type JWTValidator struct {
	secretKey []byte
	now       func() time.Time
}

// NewJWTValidator 创建校验器，secret 为空时返回 nil（不校验）
func NewJWTValidator(secretKey string) *JWTValidator {
	if secretKey == "" {
		return nil
	}
	return &JWTValidator{
		secretKey: []byte(secretKey),
		now:       time.Now,
	}
}

// Validate 校验 token
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subscriber == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRequest 从 Authorization: Bearer 头或 token 查询参数中取出并校验 token
func (v *JWTValidator) ValidateRequest(r *http.Request) (*Claims, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return v.Validate(token)
}

// GenerateToken 签发订阅者 token
func (v *JWTValidator) GenerateToken(subscriber string, expiry time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		Subscriber: subscriber,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// 只解析不验签的 JWT 工具：oauth2 模式下 provider 没有 userinfo 端点时，从 id_token 里取身份 claims
package jwtutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptyToken = errors.New("jwtutil: empty token")

// ParseUnverified 解析 token 的 payload，不校验签名和有效期。
// 只能用于刚从 token 端点（TLS）直接拿到的 token。
func ParseUnverified(tokenStr string) (jwt.MapClaims, error) {
	if tokenStr == "" {
		return nil, ErrEmptyToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExpiresAt 返回 exp claim（unix 秒），没有时返回 0
func ExpiresAt(claims jwt.MapClaims) int64 {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}

// Sign 用 HS256 签发 token，测试里模拟 provider 下发的 id_token
func Sign(claims jwt.MapClaims, secret []byte, ttl time.Duration) (string, error) {
	if ttl > 0 {
		claims["exp"] = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

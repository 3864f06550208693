package service

import (
	"context"

	"accountserver/internal/biz"

	"github.com/google/wire"
)

var ProviderSet = wire.NewSet(
	NewTrustedProxies,
	NewAccountService,
	NewOpenIDService,
	NewAdminService,
	NewAPITokenService,
)

// TokenRequest 嵌入到请求结构里，客户端可以把会话 token 放在 body 中。
type TokenRequest struct {
	Token string `json:"token,omitempty"`
}

func (r *TokenRequest) GetToken() string {
	if r == nil {
		return ""
	}
	return r.Token
}

type EmptyRequest struct {
	TokenRequest
}

type EmptyReply struct{}

// principal 由鉴权中间件写入；公开路由上没有。
func principal(ctx context.Context) (*biz.Principal, error) {
	p, ok := biz.PrincipalFromContext(ctx)
	if !ok {
		return nil, biz.ErrTokenNotFound
	}
	return p, nil
}

func requireAdmin(ctx context.Context, users *biz.UserUsecase) (*biz.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := users.RequireAdmin(ctx, p.UserID); err != nil {
		return nil, err
	}
	return p, nil
}

// sessionOnly 拒绝 API token，用于凭证管理类接口。
func sessionOnly(ctx context.Context) (*biz.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if p.IsAPIToken() {
		return nil, biz.ErrForbidden
	}
	return p, nil
}

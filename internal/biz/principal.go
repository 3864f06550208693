package biz

import "context"

const (
	AuthMethodPassword = "password"
	AuthMethodOpenID   = "openid"
	AuthMethodHeader   = "header"
	AuthMethodAPIToken = "api_token"
)

// TokenExpirationNever 是 sessions / api_tokens 里 expires_at 的“永不过期”哨兵值
const TokenExpirationNever int64 = -1

// Principal 是一次会话校验的结果，与凭证类型无关。
type Principal struct {
	UserID     string
	AuthMethod string
	ExpiresAt  int64

	// 仅 API token
	TokenID   string
	BudgetIDs []string
}

func (p *Principal) IsAPIToken() bool {
	return p != nil && p.AuthMethod == AuthMethodAPIToken
}

type ctxKeyPrincipal struct{}

func NewContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal{}, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal{}).(*Principal)
	return p, ok && p != nil
}

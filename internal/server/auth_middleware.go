package server

import (
	"context"
	"strings"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/middleware/selector"
	"github.com/go-kratos/kratos/v2/transport"
)

const headerActualToken = "x-actual-token"

type sessionValidator interface {
	Validate(ctx context.Context, token string) (*biz.Principal, error)
}

type tokenCarrier interface {
	GetToken() string
}

// tokenExtractor 从请求里取出凭证，取不到返回空串。
type tokenExtractor func(ctx context.Context, req any) string

// bearerToken 解析 "Bearer <token>"，scheme 不区分大小写，分隔可以是任意空白。
func bearerToken(auth string) string {
	parts := strings.Fields(auth)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func fromBody(_ context.Context, req any) string {
	if c, ok := req.(tokenCarrier); ok {
		return strings.TrimSpace(c.GetToken())
	}
	return ""
}

func fromActualHeader(ctx context.Context, _ any) string {
	tr, ok := transport.FromServerContext(ctx)
	if !ok {
		return ""
	}
	return strings.TrimSpace(tr.RequestHeader().Get(headerActualToken))
}

func fromAuthorization(ctx context.Context, _ any) string {
	tr, ok := transport.FromServerContext(ctx)
	if !ok {
		return ""
	}
	return bearerToken(tr.RequestHeader().Get("Authorization"))
}

// 顺序固定：body token > x-actual-token > Authorization: Bearer
var tokenExtractors = []tokenExtractor{fromBody, fromActualHeader, fromAuthorization}

func extractToken(ctx context.Context, req any) string {
	for _, ex := range tokenExtractors {
		if tok := ex(ctx, req); tok != "" {
			return tok
		}
	}
	return ""
}

// Authenticate 校验会话或 API token，并把 Principal 写入 ctx。
func Authenticate(sessions sessionValidator, logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(log.With(logger, "module", "server.auth"))

	return func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			token := extractToken(ctx, req)
			if token == "" {
				return nil, biz.ErrTokenNotFound
			}
			p, err := sessions.Validate(ctx, token)
			if err != nil {
				helper.WithContext(ctx).Warnf("authenticate failed err=%v", err)
				return nil, err
			}
			return next(biz.NewContextWithPrincipal(ctx, p), req)
		}
	}
}

// publicOperations 不需要凭证。
var publicOperations = map[string]bool{
	opNeedsBootstrap: true,
	opBootstrap:      true,
	opLoginMethods:   true,
	opLogin:          true,
	opOpenIDCallback: true,
	opOwnerCreated:   true,
}

// AuthMiddleware 公开接口以外的操作都要经过 Authenticate。
func AuthMiddleware(sessions sessionValidator, logger log.Logger) middleware.Middleware {
	return selector.Server(Authenticate(sessions, logger)).
		Match(func(_ context.Context, operation string) bool {
			return !publicOperations[operation]
		}).
		Build()
}

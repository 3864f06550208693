package biz

import (
	"context"
	"errors"
	"strings"
	"time"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type Session struct {
	Token      string
	UserID     string
	AuthMethod string
	// unix 秒，TokenExpirationNever 表示永不过期
	ExpiresAt int64
}

func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != TokenExpirationNever && s.ExpiresAt <= now.Unix()
}

type SessionRepo interface {
	GetSession(ctx context.Context, token string) (*Session, error)
	GetSessionByAuthMethod(ctx context.Context, authMethod string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, token, userID string, expiresAt int64) error
	DeleteAllSessions(ctx context.Context) (int64, error)
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now int64) (int64, error)
}

// SessionUsecase 是所有请求的统一鉴权入口：act_ 前缀走 API token，其余查 sessions 表。
type SessionUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	sessions SessionRepo
	tokens   *APITokenUsecase

	now func() time.Time
}

func NewSessionUsecase(sessions SessionRepo, tokens *APITokenUsecase, logger log.Logger, tp *tracesdk.TracerProvider) *SessionUsecase {
	return &SessionUsecase{
		log:      log.NewHelper(log.With(logger, "module", "biz.session")),
		tracer:   newTracer(tp, "biz.session"),
		sessions: sessions,
		tokens:   tokens,
		now:      time.Now,
	}
}

func (uc *SessionUsecase) Validate(ctx context.Context, token string) (*Principal, error) {
	ctx, span := uc.tracer.Start(ctx, "session.validate")
	defer span.End()

	l := uc.log.WithContext(ctx)

	if token == "" {
		span.SetStatus(codes.Error, "empty token")
		return nil, ErrTokenNotFound
	}

	if strings.HasPrefix(token, APITokenPrefix) {
		span.SetAttributes(attribute.String("session.kind", AuthMethodAPIToken))
		res, err := uc.tokens.ValidateToken(ctx, token)
		if err != nil {
			span.SetStatus(codes.Error, "invalid api token")
			return nil, err
		}
		return &Principal{
			UserID:     res.UserID,
			AuthMethod: AuthMethodAPIToken,
			ExpiresAt:  res.ExpiresAt,
			TokenID:    res.TokenID,
			BudgetIDs:  res.BudgetIDs,
		}, nil
	}

	span.SetAttributes(attribute.String("session.kind", "session"))
	s, err := uc.sessions.GetSession(ctx, token)
	if errors.Is(err, ErrNotFound) {
		span.SetStatus(codes.Error, "token not found")
		return nil, ErrTokenNotFound
	}
	if err != nil {
		span.RecordError(err)
		l.Errorf("Validate get session failed err=%v", err)
		return nil, ErrDatabase.WithCause(err)
	}
	if s.Expired(uc.now()) {
		span.SetStatus(codes.Error, "token expired")
		l.Infof("Validate session expired user_id=%s expires_at=%d", s.UserID, s.ExpiresAt)
		return nil, ErrTokenExpired
	}

	return &Principal{
		UserID:     s.UserID,
		AuthMethod: s.AuthMethod,
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// sessionExpiry 按配置策略计算会话过期时间（unix 秒）。
// providerExpiry 为 0 表示 provider 没给出有效期；fallback 用于策略未配置的情况。
func sessionExpiry(policy conf.TokenExpiration, now time.Time, providerExpiry int64, fallback int64) int64 {
	switch policy.Mode {
	case conf.TokenExpirationNever:
		return TokenExpirationNever
	case conf.TokenExpirationOpenIDProvider:
		if providerExpiry > 0 {
			return providerExpiry
		}
		return TokenExpirationNever
	case conf.TokenExpirationMinutes:
		return now.Unix() + policy.Minutes*60
	}
	return fallback
}

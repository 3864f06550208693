package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

type sessionRepo struct {
	data *Data
	log  *log.Helper
}

func NewSessionRepo(data *Data, logger log.Logger) *sessionRepo {
	return &sessionRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.session_repo")),
	}
}

var _ biz.SessionRepo = (*sessionRepo)(nil)

const sessionColumns = "token, user_id, auth_method, expires_at"

// 早期数据文件里 expires_at 可能为 NULL，按永不过期处理
func scanSession(s scanner) (*biz.Session, error) {
	var (
		out          biz.Session
		userID, meth sql.NullString
		expiresAt    sql.NullInt64
	)
	if err := s.Scan(&out.Token, &userID, &meth, &expiresAt); err != nil {
		return nil, err
	}
	out.UserID = userID.String
	out.AuthMethod = meth.String
	out.ExpiresAt = biz.TokenExpirationNever
	if expiresAt.Valid {
		out.ExpiresAt = expiresAt.Int64
	}
	return &out, nil
}

func (r *sessionRepo) GetSession(ctx context.Context, token string) (*biz.Session, error) {
	return queryOne(ctx, r.data, "SELECT "+sessionColumns+" FROM sessions WHERE token = ?", []any{token}, scanSession)
}

func (r *sessionRepo) GetSessionByAuthMethod(ctx context.Context, authMethod string) (*biz.Session, error) {
	return queryOne(ctx, r.data, "SELECT "+sessionColumns+" FROM sessions WHERE auth_method = ? LIMIT 1", []any{authMethod}, scanSession)
}

func (r *sessionRepo) CreateSession(ctx context.Context, s *biz.Session) error {
	_, err := r.data.mutate(ctx,
		"INSERT INTO sessions (token, user_id, auth_method, expires_at) VALUES (?, ?, ?, ?)",
		s.Token, s.UserID, s.AuthMethod, s.ExpiresAt,
	)
	if err != nil {
		r.log.WithContext(ctx).Errorf("CreateSession failed user_id=%s method=%s err=%v", s.UserID, s.AuthMethod, err)
	}
	return err
}

func (r *sessionRepo) UpdateSession(ctx context.Context, token, userID string, expiresAt int64) error {
	_, err := r.data.mutate(ctx, "UPDATE sessions SET user_id = ?, expires_at = ? WHERE token = ?", userID, expiresAt, token)
	return err
}

func (r *sessionRepo) DeleteAllSessions(ctx context.Context) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM sessions")
}

func (r *sessionRepo) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM sessions WHERE user_id = ?", userID)
}

func (r *sessionRepo) DeleteExpiredSessions(ctx context.Context, now int64) (int64, error) {
	n, err := r.data.mutate(ctx,
		"DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <> ? AND expires_at <= ?",
		biz.TokenExpirationNever, now,
	)
	if err == nil && n > 0 {
		r.log.WithContext(ctx).Infof("DeleteExpiredSessions removed=%d", n)
	}
	return n, err
}

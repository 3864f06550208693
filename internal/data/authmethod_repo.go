package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

type authMethodRepo struct {
	data *Data
	log  *log.Helper
}

func NewAuthMethodRepo(data *Data, logger log.Logger) *authMethodRepo {
	return &authMethodRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.auth_method_repo")),
	}
}

var _ biz.AuthMethodRepo = (*authMethodRepo)(nil)

const authMethodColumns = "method, display_name, extra_data, active"

func scanAuthMethod(s scanner) (*biz.AuthMethod, error) {
	var (
		m       biz.AuthMethod
		display sql.NullString
		extra   sql.NullString
		active  sql.NullInt64
	)
	if err := s.Scan(&m.Method, &display, &extra, &active); err != nil {
		return nil, err
	}
	m.DisplayName = display.String
	m.ExtraData = extra.String
	m.Active = active.Int64 == 1
	return &m, nil
}

func (r *authMethodRepo) CountAuthMethods(ctx context.Context) (int, error) {
	return r.data.count(ctx, "SELECT count(*) FROM auth")
}

func (r *authMethodRepo) ListAuthMethods(ctx context.Context) ([]*biz.AuthMethod, error) {
	var out []*biz.AuthMethod
	err := r.data.all(ctx, "SELECT "+authMethodColumns+" FROM auth ORDER BY method", []any{}, func(s scanner) error {
		m, err := scanAuthMethod(s)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (r *authMethodRepo) GetAuthMethod(ctx context.Context, method string) (*biz.AuthMethod, error) {
	return queryOne(ctx, r.data, "SELECT "+authMethodColumns+" FROM auth WHERE method = ?", []any{method}, scanAuthMethod)
}

func (r *authMethodRepo) GetActiveAuthMethod(ctx context.Context) (*biz.AuthMethod, error) {
	return queryOne(ctx, r.data, "SELECT "+authMethodColumns+" FROM auth WHERE active = 1 LIMIT 1", []any{}, scanAuthMethod)
}

// ReplaceActiveAuthMethod 三条语句放在同一事务里（调用方已开事务时加入），任何时刻最多一行 active=1。
func (r *authMethodRepo) ReplaceActiveAuthMethod(ctx context.Context, m *biz.AuthMethod) error {
	l := r.log.WithContext(ctx)
	l.Infof("ReplaceActiveAuthMethod start method=%s", m.Method)

	err := r.data.InTx(ctx, func(ctx context.Context) error {
		if _, err := r.data.mutate(ctx, "DELETE FROM auth WHERE method = ?", m.Method); err != nil {
			return err
		}
		if _, err := r.data.mutate(ctx, "UPDATE auth SET active = 0"); err != nil {
			return err
		}
		_, err := r.data.mutate(ctx,
			"INSERT INTO auth (method, display_name, extra_data, active) VALUES (?, ?, ?, 1)",
			m.Method, m.DisplayName, m.ExtraData,
		)
		return err
	})
	if err != nil {
		l.Errorf("ReplaceActiveAuthMethod failed method=%s err=%v", m.Method, err)
		return err
	}

	l.Infof("ReplaceActiveAuthMethod success method=%s", m.Method)
	return nil
}

func (r *authMethodRepo) UpdateAuthExtraData(ctx context.Context, method, extraData string) (int64, error) {
	return r.data.mutate(ctx, "UPDATE auth SET extra_data = ? WHERE method = ?", extraData, method)
}

func (r *authMethodRepo) DeleteAuthMethod(ctx context.Context, method string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM auth WHERE method = ?", method)
}

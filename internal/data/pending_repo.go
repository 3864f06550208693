package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

type pendingRequestRepo struct {
	data *Data
	log  *log.Helper
}

func NewPendingRequestRepo(data *Data, logger log.Logger) *pendingRequestRepo {
	return &pendingRequestRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.pending_request_repo")),
	}
}

var _ biz.PendingRequestRepo = (*pendingRequestRepo)(nil)

func (r *pendingRequestRepo) CreatePendingRequest(ctx context.Context, p *biz.PendingOpenIDRequest) error {
	_, err := r.data.mutate(ctx,
		"INSERT INTO pending_openid_requests (state, code_verifier, return_url, expiry_time) VALUES (?, ?, ?, ?)",
		p.State, p.CodeVerifier, p.ReturnURL, p.ExpiryTime,
	)
	return err
}

// ConsumePendingRequest 读取与删除在同一条语句里完成，同一个 state 只能被消费一次。
// 不判断过期，由调用方在提交后检查 ExpiryTime。
func (r *pendingRequestRepo) ConsumePendingRequest(ctx context.Context, state string) (*biz.PendingOpenIDRequest, error) {
	return queryOne(ctx, r.data,
		"DELETE FROM pending_openid_requests WHERE state = ? RETURNING state, code_verifier, return_url, expiry_time",
		[]any{state},
		func(s scanner) (*biz.PendingOpenIDRequest, error) {
			var (
				out                 biz.PendingOpenIDRequest
				verifier, returnURL sql.NullString
				expiry              sql.NullInt64
			)
			if err := s.Scan(&out.State, &verifier, &returnURL, &expiry); err != nil {
				return nil, err
			}
			out.CodeVerifier = verifier.String
			out.ReturnURL = returnURL.String
			out.ExpiryTime = expiry.Int64
			return &out, nil
		})
}

func (r *pendingRequestRepo) DeleteExpiredPendingRequests(ctx context.Context, nowMillis int64) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM pending_openid_requests WHERE expiry_time <= ?", nowMillis)
}

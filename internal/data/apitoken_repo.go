package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/go-kratos/kratos/v2/log"
)

type apiTokenRepo struct {
	data *Data
	log  *log.Helper
}

func NewAPITokenRepo(data *Data, logger log.Logger) *apiTokenRepo {
	return &apiTokenRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.api_token_repo")),
	}
}

var _ biz.APITokenRepo = (*apiTokenRepo)(nil)

const apiTokenColumns = "id, user_id, name, token_hash, token_prefix, created_at, last_used_at, expires_at, enabled"

func scanAPIToken(s scanner) (*biz.APIToken, error) {
	var (
		t        biz.APIToken
		lastUsed sql.NullInt64
		enabled  int
	)
	if err := s.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.TokenPrefix, &t.CreatedAt, &lastUsed, &t.ExpiresAt, &enabled); err != nil {
		return nil, err
	}
	t.LastUsedAt = lastUsed.Int64
	t.Enabled = enabled == 1
	return &t, nil
}

func (r *apiTokenRepo) listTokens(ctx context.Context, where string, args ...any) ([]*biz.APIToken, error) {
	out := make([]*biz.APIToken, 0)
	err := r.data.all(ctx, "SELECT "+apiTokenColumns+" FROM api_tokens WHERE "+where+" ORDER BY created_at DESC", args,
		func(s scanner) error {
			t, err := scanAPIToken(s)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	return out, err
}

// =======================
// 写入
// =======================

func (r *apiTokenRepo) CreateToken(ctx context.Context, t *biz.APIToken) error {
	var lastUsed any
	if t.LastUsedAt > 0 {
		lastUsed = t.LastUsedAt
	}
	_, err := r.data.mutate(ctx,
		"INSERT INTO api_tokens ("+apiTokenColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.UserID, t.Name, t.TokenHash, t.TokenPrefix, t.CreatedAt, lastUsed, t.ExpiresAt, boolToInt(t.Enabled),
	)
	if err != nil {
		r.log.WithContext(ctx).Errorf("CreateToken failed user_id=%s err=%v", t.UserID, err)
	}
	return err
}

func (r *apiTokenRepo) AddTokenBudget(ctx context.Context, tokenID, fileID string) error {
	_, err := r.data.mutate(ctx, "INSERT OR IGNORE INTO api_token_budgets (token_id, file_id) VALUES (?, ?)", tokenID, fileID)
	return err
}

func (r *apiTokenRepo) TouchToken(ctx context.Context, id string, now int64) error {
	_, err := r.data.mutate(ctx, "UPDATE api_tokens SET last_used_at = ? WHERE id = ?", now, id)
	return err
}

func (r *apiTokenRepo) DeleteTokenBudgets(ctx context.Context, tokenID string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM api_token_budgets WHERE token_id = ?", tokenID)
}

func (r *apiTokenRepo) DeleteToken(ctx context.Context, id, userID string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM api_tokens WHERE id = ? AND user_id = ?", id, userID)
}

func (r *apiTokenRepo) SetTokenEnabled(ctx context.Context, id, userID string, enabled bool) (int64, error) {
	return r.data.mutate(ctx, "UPDATE api_tokens SET enabled = ? WHERE id = ? AND user_id = ?", boolToInt(enabled), id, userID)
}

// =======================
// 查询
// =======================

func (r *apiTokenRepo) ListTokensByPrefix(ctx context.Context, prefix string) ([]*biz.APIToken, error) {
	return r.listTokens(ctx, "token_prefix = ?", prefix)
}

func (r *apiTokenRepo) ListTokensByUser(ctx context.Context, userID string) ([]*biz.APIToken, error) {
	return r.listTokens(ctx, "user_id = ?", userID)
}

func (r *apiTokenRepo) GetTokenForUser(ctx context.Context, id, userID string) (*biz.APIToken, error) {
	return queryOne(ctx, r.data,
		"SELECT "+apiTokenColumns+" FROM api_tokens WHERE id = ? AND user_id = ?",
		[]any{id, userID}, scanAPIToken)
}

// ListTokenBudgets 一次查出多个 token 的文件范围；没有范围的 token 不出现在结果里
func (r *apiTokenRepo) ListTokenBudgets(ctx context.Context, tokenIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}
	query, args := entsql.Dialect(dialect.SQLite).
		Select("token_id", "file_id").
		From(entsql.Table("api_token_budgets")).
		Where(entsql.In("token_id", stringArgs(tokenIDs)...)).
		OrderBy("token_id", "file_id").
		Query()

	err := r.data.all(ctx, query, args, func(s scanner) error {
		var tokenID, fileID string
		if err := s.Scan(&tokenID, &fileID); err != nil {
			return err
		}
		out[tokenID] = append(out[tokenID], fileID)
		return nil
	})
	return out, err
}

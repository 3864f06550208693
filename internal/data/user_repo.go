package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

type userRepo struct {
	data *Data
	log  *log.Helper
}

func NewUserRepo(data *Data, logger log.Logger) *userRepo {
	return &userRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.user_repo")),
	}
}

var _ biz.UserRepo = (*userRepo)(nil)

const userColumns = "id, user_name, display_name, role, enabled, owner"

func scanUser(s scanner) (*biz.User, error) {
	var (
		u                       biz.User
		userName, display, role sql.NullString
		enabled, owner          sql.NullInt64
	)
	if err := s.Scan(&u.ID, &userName, &display, &role, &enabled, &owner); err != nil {
		return nil, err
	}
	u.UserName = userName.String
	u.DisplayName = display.String
	u.Role = biz.Role(role.String)
	u.Enabled = !enabled.Valid || enabled.Int64 == 1
	u.Owner = owner.Int64 == 1
	return &u, nil
}

// =======================
// count
// =======================

func (r *userRepo) CountUsers(ctx context.Context) (int, error) {
	return r.data.count(ctx, "SELECT count(*) FROM users")
}

func (r *userRepo) CountNamedUsers(ctx context.Context) (int, error) {
	return r.data.count(ctx, "SELECT count(*) FROM users WHERE user_name <> ''")
}

func (r *userRepo) GetOwnerCount(ctx context.Context) (int, error) {
	return r.data.count(ctx, "SELECT count(*) FROM users WHERE owner = 1")
}

func (r *userRepo) GetOwnerID(ctx context.Context) (string, error) {
	var id string
	ok, err := r.data.first(ctx, "SELECT id FROM users WHERE owner = 1 LIMIT 1", []any{}, &id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", biz.ErrNotFound
	}
	return id, nil
}

// =======================
// query
// =======================

func (r *userRepo) GetUserByID(ctx context.Context, id string) (*biz.User, error) {
	return queryOne(ctx, r.data, "SELECT "+userColumns+" FROM users WHERE id = ?", []any{id}, scanUser)
}

// GetUserByName 传空串时返回占位用户
func (r *userRepo) GetUserByName(ctx context.Context, userName string) (*biz.User, error) {
	return queryOne(ctx, r.data, "SELECT "+userColumns+" FROM users WHERE user_name = ? LIMIT 1", []any{userName}, scanUser)
}

func (r *userRepo) ListUsers(ctx context.Context) ([]*biz.User, error) {
	out := make([]*biz.User, 0)
	err := r.data.all(ctx, "SELECT "+userColumns+" FROM users ORDER BY owner DESC, user_name", []any{}, func(s scanner) error {
		u, err := scanUser(s)
		if err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

// =======================
// write
// =======================

func (r *userRepo) CreateUser(ctx context.Context, u *biz.User) error {
	l := r.log.WithContext(ctx)
	l.Infof("CreateUser start user_name=%s owner=%v", u.UserName, u.Owner)

	_, err := r.data.mutate(ctx,
		"INSERT INTO users (id, user_name, display_name, role, enabled, owner) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.UserName, u.DisplayName, string(u.Role), boolToInt(u.Enabled), boolToInt(u.Owner),
	)
	if err != nil {
		if isDuplicateUserNameConstraint(err) {
			l.Warnf("CreateUser duplicate user_name=%s", u.UserName)
			return biz.ErrUserAlreadyExists
		}
		l.Errorf("CreateUser failed user_name=%s err=%v", u.UserName, err)
		return err
	}

	l.Infof("CreateUser success id=%s", u.ID)
	return nil
}

func (r *userRepo) UpdateUser(ctx context.Context, u *biz.User) (int64, error) {
	n, err := r.data.mutate(ctx,
		"UPDATE users SET user_name = ?, display_name = ?, role = ?, enabled = ? WHERE id = ?",
		u.UserName, u.DisplayName, string(u.Role), boolToInt(u.Enabled), u.ID,
	)
	if isDuplicateUserNameConstraint(err) {
		return 0, biz.ErrUserAlreadyExists
	}
	return n, err
}

func (r *userRepo) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	_, err := r.data.mutate(ctx, "UPDATE users SET display_name = ? WHERE id = ?", displayName, id)
	return err
}

func (r *userRepo) SetOwner(ctx context.Context, id string, owner bool) error {
	_, err := r.data.mutate(ctx, "UPDATE users SET owner = ? WHERE id = ?", boolToInt(owner), id)
	return err
}

// DeleteUser owner 行永远不会被删除
func (r *userRepo) DeleteUser(ctx context.Context, id string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM users WHERE id = ? AND owner = 0", id)
}

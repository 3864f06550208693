package data

import (
	"context"
	"database/sql"

	"accountserver/internal/biz"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/go-kratos/kratos/v2/log"
)

type fileRepo struct {
	data *Data
	log  *log.Helper
}

func NewFileRepo(data *Data, logger log.Logger) *fileRepo {
	return &fileRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data.file_repo")),
	}
}

var _ biz.FileRepo = (*fileRepo)(nil)

func (r *fileRepo) CreateFile(ctx context.Context, f *biz.File) error {
	_, err := r.data.mutate(ctx,
		"INSERT INTO files (id, name, owner, deleted) VALUES (?, ?, ?, ?)",
		f.ID, f.Name, f.Owner, boolToInt(f.Deleted),
	)
	return err
}

func (r *fileRepo) GetFile(ctx context.Context, id string) (*biz.File, error) {
	return queryOne(ctx, r.data, "SELECT id, name, owner, deleted FROM files WHERE id = ?", []any{id},
		func(s scanner) (*biz.File, error) {
			var (
				f           biz.File
				name, owner sql.NullString
				deleted     sql.NullBool
			)
			if err := s.Scan(&f.ID, &name, &owner, &deleted); err != nil {
				return nil, err
			}
			f.Name = name.String
			f.Owner = owner.String
			f.Deleted = deleted.Bool
			return &f, nil
		})
}

// =======================
// 权限
// =======================

func (r *fileRepo) CheckFilePermission(ctx context.Context, fileID, userID string) (bool, error) {
	n, err := r.data.count(ctx, "SELECT count(*) FROM files WHERE id = ? AND owner = ?", fileID, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *fileRepo) CountUserAccess(ctx context.Context, fileID, userID string) (int, error) {
	return r.data.count(ctx, `
SELECT count(*) FROM files
 WHERE files.id = ?
   AND (files.owner = ?
        OR EXISTS (SELECT 1 FROM user_access
                    WHERE user_access.file_id = files.id AND user_access.user_id = ?))`,
		fileID, userID, userID,
	)
}

// GetUserAccess isAdmin 为 true 时返回文件上的全部授权，否则只返回 userID 自己那条
func (r *fileRepo) GetUserAccess(ctx context.Context, fileID, userID string, isAdmin bool) ([]*biz.UserAccess, error) {
	out := make([]*biz.UserAccess, 0)
	err := r.data.all(ctx, `
SELECT users.id, users.user_name, users.display_name, files.owner
  FROM user_access
  JOIN users ON users.id = user_access.user_id
  JOIN files ON files.id = user_access.file_id
 WHERE files.id = ? AND (user_access.user_id = ? OR 1 = ?)
 ORDER BY users.user_name`,
		[]any{fileID, userID, boolToInt(isAdmin)},
		func(s scanner) error {
			var (
				a                    biz.UserAccess
				name, display, owner sql.NullString
			)
			if err := s.Scan(&a.UserID, &name, &display, &owner); err != nil {
				return err
			}
			a.UserName = name.String
			a.DisplayName = display.String
			a.Owner = owner.String
			out = append(out, &a)
			return nil
		})
	return out, err
}

// GetAllUserAccess 列出所有启用的具名用户，并标记其在该文件上的权限
func (r *fileRepo) GetAllUserAccess(ctx context.Context, fileID string) ([]*biz.UserAccessEntry, error) {
	out := make([]*biz.UserAccessEntry, 0)
	err := r.data.all(ctx, `
SELECT users.id, users.user_name, users.display_name,
       CASE WHEN user_access.file_id IS NULL THEN 0 ELSE 1 END,
       CASE WHEN files.id IS NULL THEN 0 ELSE 1 END
  FROM users
  LEFT JOIN user_access ON user_access.user_id = users.id AND user_access.file_id = ?
  LEFT JOIN files ON files.id = ? AND files.owner = users.id
 WHERE users.enabled = 1 AND users.user_name <> ''
 ORDER BY users.user_name`,
		[]any{fileID, fileID},
		func(s scanner) error {
			var (
				e             biz.UserAccessEntry
				name, display sql.NullString
				have, owner   int
			)
			if err := s.Scan(&e.UserID, &name, &display, &have, &owner); err != nil {
				return err
			}
			e.UserName = name.String
			e.DisplayName = display.String
			e.HaveAccess = have == 1
			e.Owner = owner == 1
			out = append(out, &e)
			return nil
		})
	return out, err
}

func (r *fileRepo) AddUserAccess(ctx context.Context, userID, fileID string) error {
	_, err := r.data.mutate(ctx, "INSERT INTO user_access (user_id, file_id) VALUES (?, ?)", userID, fileID)
	if isDuplicateUserAccessConstraint(err) {
		return biz.ErrUserAlreadyHasAccess
	}
	return err
}

func (r *fileRepo) DeleteUserAccess(ctx context.Context, userID string) (int64, error) {
	return r.data.mutate(ctx, "DELETE FROM user_access WHERE user_id = ?", userID)
}

func (r *fileRepo) DeleteUserAccessByFileID(ctx context.Context, userIDs []string, fileID string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query, args := entsql.Dialect(dialect.SQLite).
		Delete("user_access").
		Where(entsql.And(
			entsql.EQ("file_id", fileID),
			entsql.In("user_id", stringArgs(userIDs)...),
		)).
		Query()
	return r.data.mutate(ctx, query, args...)
}

// TransferAllAccessFromUser 新用户已有的授权保持不变，旧用户的授权全部删除
func (r *fileRepo) TransferAllAccessFromUser(ctx context.Context, newUserID, oldUserID string) (int64, error) {
	var moved int64
	err := r.data.InTx(ctx, func(ctx context.Context) error {
		n, err := r.data.mutate(ctx,
			"INSERT OR IGNORE INTO user_access (user_id, file_id) SELECT ?, file_id FROM user_access WHERE user_id = ?",
			newUserID, oldUserID,
		)
		if err != nil {
			return err
		}
		moved = n
		_, err = r.data.mutate(ctx, "DELETE FROM user_access WHERE user_id = ?", oldUserID)
		return err
	})
	return moved, err
}

// =======================
// 归属
// =======================

func (r *fileRepo) TransferAllFilesFromUser(ctx context.Context, newOwnerID, oldUserID string) (int64, error) {
	l := r.log.WithContext(ctx)
	n, err := r.data.mutate(ctx, "UPDATE files SET owner = ? WHERE owner = ?", newOwnerID, oldUserID)
	if err != nil {
		l.Errorf("TransferAllFilesFromUser failed from=%s to=%s err=%v", oldUserID, newOwnerID, err)
		return 0, err
	}
	l.Infof("TransferAllFilesFromUser success from=%s to=%s files=%d", oldUserID, newOwnerID, n)
	return n, nil
}

func (r *fileRepo) UpdateFileOwner(ctx context.Context, ownerID, fileID string) (int64, error) {
	return r.data.mutate(ctx, "UPDATE files SET owner = ? WHERE id = ?", ownerID, fileID)
}

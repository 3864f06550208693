package biz

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type UserRepo interface {
	CountUsers(ctx context.Context) (int, error)
	// CountNamedUsers 统计 user_name 非空的用户，决定 OpenID 是否走“认领”逻辑
	CountNamedUsers(ctx context.Context) (int, error)
	GetOwnerCount(ctx context.Context) (int, error)
	GetOwnerID(ctx context.Context) (string, error)

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, userName string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) (int64, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) error
	SetOwner(ctx context.Context, id string, owner bool) error
	// DeleteUser 只删除 owner=0 的用户，返回影响行数
	DeleteUser(ctx context.Context, id string) (int64, error)
}

type FileRepo interface {
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)

	// CheckFilePermission 仅判断是否为文件 owner
	CheckFilePermission(ctx context.Context, fileID, userID string) (bool, error)
	// CountUserAccess 同时考虑 owner 与 user_access 授权
	CountUserAccess(ctx context.Context, fileID, userID string) (int, error)
	GetUserAccess(ctx context.Context, fileID, userID string, isAdmin bool) ([]*UserAccess, error)
	GetAllUserAccess(ctx context.Context, fileID string) ([]*UserAccessEntry, error)

	AddUserAccess(ctx context.Context, userID, fileID string) error
	DeleteUserAccess(ctx context.Context, userID string) (int64, error)
	DeleteUserAccessByFileID(ctx context.Context, userIDs []string, fileID string) (int64, error)
	TransferAllAccessFromUser(ctx context.Context, newUserID, oldUserID string) (int64, error)

	TransferAllFilesFromUser(ctx context.Context, newOwnerID, oldUserID string) (int64, error)
	UpdateFileOwner(ctx context.Context, ownerID, fileID string) (int64, error)
}

type UserUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	tx       Transaction
	users    UserRepo
	files    FileRepo
	sessions SessionRepo
	notifier AuthEventNotifier
}

func NewUserUsecase(
	tx Transaction,
	users UserRepo,
	files FileRepo,
	sessions SessionRepo,
	notifier AuthEventNotifier,
	logger log.Logger,
	tp *tracesdk.TracerProvider,
) *UserUsecase {
	return &UserUsecase{
		log:      log.NewHelper(log.With(logger, "module", "biz.user")),
		tracer:   newTracer(tp, "biz.user"),
		tx:       tx,
		users:    users,
		files:    files,
		sessions: sessions,
		notifier: notifier,
	}
}

// ======================
// 角色
// ======================

func (uc *UserUsecase) HasPermission(ctx context.Context, userID string, role Role) (bool, error) {
	if userID == "" {
		return false, nil
	}
	u, err := uc.users.GetUserByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ErrDatabase.WithCause(err)
	}
	return u.Role == role, nil
}

// IsAdmin 是调用方的独立旁路检查，文件访问查询本身不包含 ADMIN 判断。
func (uc *UserUsecase) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return uc.HasPermission(ctx, userID, RoleAdmin)
}

// RequireAdmin 非 ADMIN 返回 ErrForbidden（details=permission-not-found）。
func (uc *UserUsecase) RequireAdmin(ctx context.Context, userID string) error {
	ok, err := uc.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return withDetails(ErrForbidden, "permission-not-found")
	}
	return nil
}

func (uc *UserUsecase) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := uc.users.GetUserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return u, nil
}

func (uc *UserUsecase) GetOwnerCount(ctx context.Context) (int, error) {
	n, err := uc.users.GetOwnerCount(ctx)
	if err != nil {
		return 0, ErrDatabase.WithCause(err)
	}
	return n, nil
}

func (uc *UserUsecase) GetOwnerID(ctx context.Context) (string, error) {
	id, err := uc.users.GetOwnerID(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}
	return id, nil
}

// ======================
// 用户管理
// ======================

func (uc *UserUsecase) ListUsers(ctx context.Context) ([]*User, error) {
	list, err := uc.users.ListUsers(ctx)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return list, nil
}

func (uc *UserUsecase) CreateUser(ctx context.Context, userName, displayName string, role Role, enabled bool) (*User, error) {
	ctx, span := uc.tracer.Start(ctx, "user.create",
		trace.WithAttributes(attribute.String("user.name", userName)),
	)
	defer span.End()

	l := uc.log.WithContext(ctx)

	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, ErrUserCantBeEmpty
	}
	if !role.Valid() {
		return nil, ErrRoleDoesNotExist
	}

	u := &User{
		ID:          uuid.NewString(),
		UserName:    userName,
		DisplayName: displayName,
		Role:        role,
		Enabled:     enabled,
	}
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := uc.users.GetUserByName(ctx, userName)
		if err == nil {
			return ErrUserAlreadyExists
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return uc.users.CreateUser(ctx, u)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create user failed")
		l.Warnf("CreateUser failed user_name=%s err=%v", userName, err)
		return nil, reasonOr(err, ErrDatabase)
	}

	l.Infof("CreateUser success user_id=%s user_name=%s role=%s", u.ID, u.UserName, u.Role)
	return u, nil
}

func (uc *UserUsecase) UpdateUser(ctx context.Context, in *User) (*User, error) {
	l := uc.log.WithContext(ctx)

	in.UserName = strings.TrimSpace(in.UserName)
	if in.UserName == "" {
		return nil, ErrUserCantBeEmpty
	}
	if !in.Role.Valid() {
		return nil, ErrRoleDoesNotExist
	}

	var out *User
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := uc.users.GetUserByID(ctx, in.ID)
		if errors.Is(err, ErrNotFound) {
			return withDetails(ErrUserNotFound, "cannot-find-user-to-update")
		}
		if err != nil {
			return err
		}
		if cur.Owner && (!in.Enabled || in.Role != RoleAdmin) {
			return withDetails(ErrForbidden, "owner-must-stay-enabled-admin")
		}
		other, err := uc.users.GetUserByName(ctx, in.UserName)
		if err == nil && other.ID != in.ID {
			return ErrUserAlreadyExists
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		upd := *cur
		upd.UserName = in.UserName
		upd.DisplayName = in.DisplayName
		upd.Role = in.Role
		upd.Enabled = in.Enabled
		if _, err := uc.users.UpdateUser(ctx, &upd); err != nil {
			return err
		}
		out = &upd
		return nil
	})
	if err != nil {
		l.Warnf("UpdateUser failed user_id=%s err=%v", in.ID, err)
		return nil, reasonOr(err, ErrDatabase)
	}

	l.Infof("UpdateUser success user_id=%s", out.ID)
	return out, nil
}

// DeleteUsers 逐个删除用户：每个用户在独立事务里先把文件转给 owner，再删授权、会话、用户本身。
// owner 不能被删除；只要有一个失败就返回 ErrNotAllDeleted，已成功的不回滚。
func (uc *UserUsecase) DeleteUsers(ctx context.Context, ids []string) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "user.delete",
		trace.WithAttributes(attribute.Int("user.count", len(ids))),
	)
	defer span.End()

	l := uc.log.WithContext(ctx)

	ownerID, err := uc.GetOwnerID(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if id == "" || id == ownerID {
			l.Warnf("DeleteUsers skip user_id=%q (owner or empty)", id)
			continue
		}
		if err := uc.deleteUser(ctx, id, ownerID); err != nil {
			span.RecordError(err)
			l.Errorf("DeleteUsers failed user_id=%s err=%v", id, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		uc.notifier.Notify(ctx, "users deleted: "+strconv.Itoa(deleted))
	}
	if deleted != len(ids) {
		span.SetStatus(codes.Error, "not all deleted")
		return deleted, ErrNotAllDeleted
	}
	span.SetStatus(codes.Ok, "OK")
	l.Infof("DeleteUsers success count=%d", deleted)
	return deleted, nil
}

func (uc *UserUsecase) deleteUser(ctx context.Context, id, transfereeID string) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := uc.files.TransferAllFilesFromUser(ctx, transfereeID, id); err != nil {
			return err
		}
		if _, err := uc.files.DeleteUserAccess(ctx, id); err != nil {
			return err
		}
		if _, err := uc.sessions.DeleteUserSessions(ctx, id); err != nil {
			return err
		}
		n, err := uc.users.DeleteUser(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// ======================
// 文件访问
// ======================

// RegisterFile 登记一个新文件及其 owner，同步模块创建 budget 时调用。
func (uc *UserUsecase) RegisterFile(ctx context.Context, f *File) error {
	if f.ID == "" {
		return ErrInvalidFileID
	}
	if _, err := uc.GetUser(ctx, f.Owner); err != nil {
		return err
	}
	if err := uc.files.CreateFile(ctx, f); err != nil {
		return ErrDatabase.WithCause(err)
	}
	return nil
}

func (uc *UserUsecase) GetFile(ctx context.Context, fileID string) (*File, error) {
	f, err := uc.files.GetFile(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidFileID
	}
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return f, nil
}

func (uc *UserUsecase) CheckFilePermission(ctx context.Context, fileID, userID string) (bool, error) {
	ok, err := uc.files.CheckFilePermission(ctx, fileID, userID)
	if err != nil {
		return false, ErrDatabase.WithCause(err)
	}
	return ok, nil
}

func (uc *UserUsecase) CountUserAccess(ctx context.Context, fileID, userID string) (int, error) {
	n, err := uc.files.CountUserAccess(ctx, fileID, userID)
	if err != nil {
		return 0, ErrDatabase.WithCause(err)
	}
	return n, nil
}

// AuthorizeFileAdmin 文件 owner 或 ADMIN 才能管理文件授权。
func (uc *UserUsecase) AuthorizeFileAdmin(ctx context.Context, fileID, userID string) error {
	if _, err := uc.GetFile(ctx, fileID); err != nil {
		return err
	}
	owner, err := uc.CheckFilePermission(ctx, fileID, userID)
	if err != nil {
		return err
	}
	if owner {
		return nil
	}
	admin, err := uc.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrFileDenied
	}
	return nil
}

// CanAccessFile owner、被授权用户或 ADMIN 都可以访问。
func (uc *UserUsecase) CanAccessFile(ctx context.Context, fileID, userID string) (bool, error) {
	n, err := uc.CountUserAccess(ctx, fileID, userID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	return uc.IsAdmin(ctx, userID)
}

func (uc *UserUsecase) GetUserAccess(ctx context.Context, fileID, userID string) ([]*UserAccess, error) {
	admin, err := uc.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	list, err := uc.files.GetUserAccess(ctx, fileID, userID, admin)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return list, nil
}

func (uc *UserUsecase) GetAllUserAccess(ctx context.Context, fileID string) ([]*UserAccessEntry, error) {
	list, err := uc.files.GetAllUserAccess(ctx, fileID)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return list, nil
}

func (uc *UserUsecase) AddUserAccess(ctx context.Context, fileID, userID string) error {
	l := uc.log.WithContext(ctx)

	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := uc.GetFile(ctx, fileID); err != nil {
			return err
		}
		if _, err := uc.GetUser(ctx, userID); err != nil {
			return err
		}
		n, err := uc.files.CountUserAccess(ctx, fileID, userID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrUserAlreadyHasAccess
		}
		return uc.files.AddUserAccess(ctx, userID, fileID)
	})
	if err != nil {
		l.Warnf("AddUserAccess failed file_id=%s user_id=%s err=%v", fileID, userID, err)
		return reasonOr(err, ErrDatabase)
	}
	l.Infof("AddUserAccess success file_id=%s user_id=%s", fileID, userID)
	return nil
}

func (uc *UserUsecase) DeleteUserAccessByFileID(ctx context.Context, fileID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = uc.files.DeleteUserAccessByFileID(ctx, userIDs, fileID)
		return err
	})
	if err != nil {
		return 0, ErrDatabase.WithCause(err)
	}
	if int(n) != len(userIDs) {
		return n, ErrNotAllDeleted
	}
	return n, nil
}

// TransferFileOwnership 单条 UPDATE 完成归属转移。
func (uc *UserUsecase) TransferFileOwnership(ctx context.Context, fileID, newUserID string) error {
	ctx, span := uc.tracer.Start(ctx, "user.transfer_file",
		trace.WithAttributes(
			attribute.String("file.id", fileID),
			attribute.String("user.id", newUserID),
		),
	)
	defer span.End()

	if newUserID == "" {
		return ErrUserCantBeEmpty
	}
	if _, err := uc.GetFile(ctx, fileID); err != nil {
		return err
	}
	if _, err := uc.users.GetUserByID(ctx, newUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNewUserNotFound
		}
		return ErrDatabase.WithCause(err)
	}
	if _, err := uc.files.UpdateFileOwner(ctx, newUserID, fileID); err != nil {
		span.RecordError(err)
		return ErrDatabase.WithCause(err)
	}
	uc.log.WithContext(ctx).Infof("TransferFileOwnership success file_id=%s new_owner=%s", fileID, newUserID)
	return nil
}

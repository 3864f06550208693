package biz

import (
	"context"
	"errors"
	"slices"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// AuthMethod 对应 auth 表一行，任意时刻最多一行 Active。
type AuthMethod struct {
	Method      string
	DisplayName string
	// password 存 bcrypt hash，openid 存 JSON 配置
	ExtraData string
	Active    bool
}

type AuthMethodRepo interface {
	CountAuthMethods(ctx context.Context) (int, error)
	ListAuthMethods(ctx context.Context) ([]*AuthMethod, error)
	GetAuthMethod(ctx context.Context, method string) (*AuthMethod, error)
	GetActiveAuthMethod(ctx context.Context) (*AuthMethod, error)
	// ReplaceActiveAuthMethod 删除同名行、停用其他行、插入 m 并激活，调用方负责事务
	ReplaceActiveAuthMethod(ctx context.Context, m *AuthMethod) error
	UpdateAuthExtraData(ctx context.Context, method, extraData string) (int64, error)
	DeleteAuthMethod(ctx context.Context, method string) (int64, error)
}

// BootstrapSettings 两个字段至少给一个；同时给出只在 forced 时允许。
type BootstrapSettings struct {
	Password *string
	OpenID   *OpenIDConfig
}

// AuthMethodUsecase 管理 未初始化 -> password / openid 以及两者之间的切换。
type AuthMethodUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	tx        Transaction
	methods   AuthMethodRepo
	users     UserRepo
	files     FileRepo
	sessions  SessionRepo
	passwords *PasswordUsecase
	openid    *OpenIDUsecase
	notifier  AuthEventNotifier

	conf *conf.Auth
}

func NewAuthMethodUsecase(
	tx Transaction,
	methods AuthMethodRepo,
	users UserRepo,
	files FileRepo,
	sessions SessionRepo,
	passwords *PasswordUsecase,
	openid *OpenIDUsecase,
	notifier AuthEventNotifier,
	c *conf.Auth,
	logger log.Logger,
	tp *tracesdk.TracerProvider,
) *AuthMethodUsecase {
	if c == nil {
		c = &conf.Auth{}
	}
	return &AuthMethodUsecase{
		log:       log.NewHelper(log.With(logger, "module", "biz.authmethod")),
		tracer:    newTracer(tp, "biz.authmethod"),
		tx:        tx,
		methods:   methods,
		users:     users,
		files:     files,
		sessions:  sessions,
		passwords: passwords,
		openid:    openid,
		notifier:  notifier,
		conf:      c,
	}
}

// ======================
// bootstrap
// ======================

func (uc *AuthMethodUsecase) Bootstrap(ctx context.Context, s BootstrapSettings, forced bool) error {
	ctx, span := uc.tracer.Start(ctx, "authmethod.bootstrap")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("bootstrap.password", s.Password != nil),
		attribute.Bool("bootstrap.openid", s.OpenID != nil),
		attribute.Bool("bootstrap.forced", forced),
	)

	l := uc.log.WithContext(ctx)
	l.Infof("Bootstrap start forced=%v", forced)

	if s.Password == nil && s.OpenID == nil {
		return ErrInvalidLoginSettings
	}

	if !forced {
		bootstrapped, err := uc.bootstrapped(ctx)
		if err != nil {
			return ErrDatabase.WithCause(err)
		}
		if bootstrapped {
			span.SetStatus(codes.Error, "already bootstrapped")
			return ErrAlreadyBootstrapped
		}
		if s.Password != nil && s.OpenID != nil {
			return ErrMaxOneMethodAllowed
		}
	}

	// discovery 与 bcrypt 都在事务外完成
	if s.OpenID != nil {
		if err := uc.openid.ValidateConfig(ctx, s.OpenID); err != nil {
			span.RecordError(err)
			l.Warnf("Bootstrap openid config rejected err=%v", err)
			return err
		}
	}
	var hash string
	if s.Password != nil {
		var err error
		if hash, err = uc.passwords.hashPassword(*s.Password); err != nil {
			return err
		}
	}

	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		// 拿到写锁后再查一次，并发的 bootstrap 只有一个能成功
		if !forced {
			bootstrapped, err := uc.bootstrapped(ctx)
			if err != nil {
				return err
			}
			if bootstrapped {
				return ErrAlreadyBootstrapped
			}
		}
		if s.Password != nil {
			if err := uc.passwords.installPassword(ctx, hash); err != nil {
				return err
			}
		}
		if s.OpenID != nil {
			return uc.openid.installOpenID(ctx, s.OpenID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bootstrap failed")
		l.Errorf("Bootstrap failed err=%v", err)
		return reasonOr(err, ErrDatabase)
	}

	uc.notifier.Notify(ctx, "instance bootstrapped")
	span.SetStatus(codes.Ok, "OK")
	l.Info("Bootstrap success")
	return nil
}

// bootstrapped 已有 auth 行或已有 owner 都视为已初始化。
func (uc *AuthMethodUsecase) bootstrapped(ctx context.Context) (bool, error) {
	n, err := uc.methods.CountAuthMethods(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	owners, err := uc.users.GetOwnerCount(ctx)
	if err != nil {
		return false, err
	}
	return owners > 0, nil
}

func (uc *AuthMethodUsecase) NeedsBootstrap(ctx context.Context) (bool, error) {
	n, err := uc.methods.CountAuthMethods(ctx)
	if err != nil {
		return false, ErrDatabase.WithCause(err)
	}
	return n == 0, nil
}

// BootstrapFromConfig 启动时把配置文件里的 OpenID 强制写入数据库。
func (uc *AuthMethodUsecase) BootstrapFromConfig(ctx context.Context) error {
	if uc.conf.LoginMethod != AuthMethodOpenID || uc.conf.OpenID == nil {
		return nil
	}
	needs, err := uc.NeedsBootstrap(ctx)
	if err != nil {
		return err
	}
	if !needs && !uc.conf.OpenID.Enforce {
		uc.log.WithContext(ctx).Info("BootstrapFromConfig skipped, already bootstrapped")
		return nil
	}
	return uc.Bootstrap(ctx, BootstrapSettings{OpenID: OpenIDConfigFromConf(uc.conf.OpenID)}, true)
}

// ======================
// 登录方式
// ======================

func (uc *AuthMethodUsecase) ListLoginMethods(ctx context.Context) ([]*AuthMethod, error) {
	ms, err := uc.methods.ListAuthMethods(ctx)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return ms, nil
}

// ActiveLoginMethod 未初始化时返回空串。
func (uc *AuthMethodUsecase) ActiveLoginMethod(ctx context.Context) (string, error) {
	m, err := uc.methods.GetActiveAuthMethod(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}
	return m.Method, nil
}

// ResolveLoginMethod 请求体指定且在白名单内 > 配置默认值 > 当前激活方式 > password。
func (uc *AuthMethodUsecase) ResolveLoginMethod(ctx context.Context, requested string) (string, error) {
	if requested != "" && slices.Contains(uc.conf.AllowedLoginMethods, requested) {
		return requested, nil
	}
	if uc.conf.LoginMethod != "" {
		return uc.conf.LoginMethod, nil
	}
	active, err := uc.ActiveLoginMethod(ctx)
	if err != nil {
		return "", err
	}
	if active != "" {
		return active, nil
	}
	return AuthMethodPassword, nil
}

// ======================
// 切换（调用方负责 ADMIN 校验）
// ======================

// EnableOpenID 不会注销已有会话。
func (uc *AuthMethodUsecase) EnableOpenID(ctx context.Context, cfg *OpenIDConfig) error {
	ctx, span := uc.tracer.Start(ctx, "authmethod.enable_openid")
	defer span.End()

	if cfg == nil {
		return ErrInvalidLoginSettings
	}
	if err := uc.openid.BootstrapOpenID(ctx, cfg); err != nil {
		span.RecordError(err)
		uc.log.WithContext(ctx).Warnf("EnableOpenID failed err=%v", err)
		return err
	}

	uc.notifier.Notify(ctx, "openid enabled")
	span.SetStatus(codes.Ok, "OK")
	uc.log.WithContext(ctx).Info("EnableOpenID success")
	return nil
}

// DisableOpenID 校验当前密码后，在一个事务内回到单用户模式：
// 重新激活 password、清空会话、非 owner 用户的文件转给 owner 并删除这些用户、删除 openid 行。
func (uc *AuthMethodUsecase) DisableOpenID(ctx context.Context, password string) error {
	ctx, span := uc.tracer.Start(ctx, "authmethod.disable_openid")
	defer span.End()

	l := uc.log.WithContext(ctx)
	l.Info("DisableOpenID start")

	if err := uc.passwords.CheckPassword(ctx, password); err != nil {
		span.SetStatus(codes.Error, "password rejected")
		return err
	}

	var removed int
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		pw, err := uc.methods.GetAuthMethod(ctx, AuthMethodPassword)
		if err != nil {
			return err
		}
		pw.Active = true
		if err := uc.methods.ReplaceActiveAuthMethod(ctx, pw); err != nil {
			return err
		}
		if _, err := uc.sessions.DeleteAllSessions(ctx); err != nil {
			return err
		}

		ownerID, err := uc.users.GetOwnerID(ctx)
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		users, err := uc.users.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.ID == ownerID || u.Owner {
				continue
			}
			if _, err := uc.files.TransferAllFilesFromUser(ctx, ownerID, u.ID); err != nil {
				return err
			}
			if _, err := uc.files.DeleteUserAccess(ctx, u.ID); err != nil {
				return err
			}
			if _, err := uc.users.DeleteUser(ctx, u.ID); err != nil {
				return err
			}
			removed++
		}

		_, err = uc.methods.DeleteAuthMethod(ctx, AuthMethodOpenID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "disable failed")
		l.Errorf("DisableOpenID failed err=%v", err)
		return reasonOr(err, ErrDatabase)
	}

	uc.notifier.Notify(ctx, "openid disabled")
	span.SetStatus(codes.Ok, "OK")
	l.Infof("DisableOpenID success removed_users=%d", removed)
	return nil
}

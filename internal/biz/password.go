package biz

import (
	"context"
	"errors"
	"time"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

type PasswordUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	tx       Transaction
	methods  AuthMethodRepo
	users    UserRepo
	sessions SessionRepo

	conf *conf.Auth
	cost int
	now  func() time.Time
}

func NewPasswordUsecase(
	tx Transaction,
	methods AuthMethodRepo,
	users UserRepo,
	sessions SessionRepo,
	c *conf.Auth,
	logger log.Logger,
	tp *tracesdk.TracerProvider,
) *PasswordUsecase {
	if c == nil {
		c = &conf.Auth{}
	}
	cost := defaultBcryptCost
	if c.BcryptCost > 0 {
		cost = c.BcryptCost
	}
	return &PasswordUsecase{
		log:      log.NewHelper(log.With(logger, "module", "biz.password")),
		tracer:   newTracer(tp, "biz.password"),
		tx:       tx,
		methods:  methods,
		users:    users,
		sessions: sessions,
		conf:     c,
		cost:     cost,
		now:      time.Now,
	}
}

func isValidPassword(password string) bool {
	return password != ""
}

func (uc *PasswordUsecase) hashPassword(password string) (string, error) {
	if !isValidPassword(password) {
		return "", ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), uc.cost)
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}
	return string(hash), nil
}

// installPassword 写入 password 行并设为唯一激活方式；没有任何用户时顺带创建占位 owner。
// hash 必须提前算好，避免在事务里做 bcrypt。
func (uc *PasswordUsecase) installPassword(ctx context.Context, hash string) error {
	return uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.methods.ReplaceActiveAuthMethod(ctx, &AuthMethod{
			Method:      AuthMethodPassword,
			DisplayName: "Password",
			ExtraData:   hash,
			Active:      true,
		}); err != nil {
			return err
		}
		n, err := uc.users.CountUsers(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			_, err = uc.createLegacyOwner(ctx)
		}
		return err
	})
}

func (uc *PasswordUsecase) createLegacyOwner(ctx context.Context) (string, error) {
	u := &User{
		ID:       uuid.NewString(),
		UserName: legacyUserName,
		Role:     RoleAdmin,
		Enabled:  true,
		Owner:    true,
	}
	if err := uc.users.CreateUser(ctx, u); err != nil {
		return "", err
	}
	uc.log.WithContext(ctx).Infof("created legacy owner user_id=%s", u.ID)
	return u.ID, nil
}

// BootstrapPassword 存储 bcrypt hash 并把 password 设为唯一激活方式。
func (uc *PasswordUsecase) BootstrapPassword(ctx context.Context, password string) error {
	hash, err := uc.hashPassword(password)
	if err != nil {
		return err
	}
	if err := uc.installPassword(ctx, hash); err != nil {
		return reasonOr(err, ErrDatabase)
	}
	return nil
}

// CheckPassword 校验当前存储的密码；没有 password 行也视为 ErrInvalidPassword。
func (uc *PasswordUsecase) CheckPassword(ctx context.Context, password string) error {
	if !isValidPassword(password) {
		return ErrInvalidPassword
	}
	m, err := uc.methods.GetAuthMethod(ctx, AuthMethodPassword)
	if errors.Is(err, ErrNotFound) || (err == nil && m.ExtraData == "") {
		return ErrInvalidPassword
	}
	if err != nil {
		return ErrDatabase.WithCause(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(m.ExtraData), []byte(password)) != nil {
		return ErrInvalidPassword
	}
	return nil
}

func (uc *PasswordUsecase) HasPasswordMethod(ctx context.Context) (bool, error) {
	_, err := uc.methods.GetAuthMethod(ctx, AuthMethodPassword)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ErrDatabase.WithCause(err)
	}
	return true, nil
}

// ======================
// 登录
// ======================

// LoginWithPassword 成功后复用 auth_method='password' 的那一行会话（全局共享一个 token），
// 仅更新 user_id / expires_at。
func (uc *PasswordUsecase) LoginWithPassword(ctx context.Context, password string) (string, error) {
	ctx, span := uc.tracer.Start(ctx, "password.login")
	defer span.End()

	l := uc.log.WithContext(ctx)
	l.Info("LoginWithPassword start")

	if err := uc.CheckPassword(ctx, password); err != nil {
		span.SetStatus(codes.Error, err.Error())
		l.Infof("LoginWithPassword rejected err=%v", err)
		return "", err
	}

	var token string
	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		userID, err := uc.passwordUserID(ctx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.String("user.id", userID))

		expiresAt := sessionExpiry(uc.conf.TokenExpiration, uc.now(), 0, TokenExpirationNever)

		s, err := uc.sessions.GetSessionByAuthMethod(ctx, AuthMethodPassword)
		if errors.Is(err, ErrNotFound) {
			token = uuid.NewString()
			return uc.sessions.CreateSession(ctx, &Session{
				Token:      token,
				UserID:     userID,
				AuthMethod: AuthMethodPassword,
				ExpiresAt:  expiresAt,
			})
		}
		if err != nil {
			return err
		}
		token = s.Token
		return uc.sessions.UpdateSession(ctx, token, userID, expiresAt)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		l.Errorf("LoginWithPassword failed err=%v", err)
		return "", reasonOr(err, ErrDatabase)
	}

	span.SetStatus(codes.Ok, "OK")
	l.Info("LoginWithPassword success")
	return token, nil
}

// passwordUserID 密码登录对应的用户：没有用户时创建占位 owner；有占位用户用占位用户；
// 占位用户已不存在（关闭 OpenID 之后）则回落到 owner。
func (uc *PasswordUsecase) passwordUserID(ctx context.Context) (string, error) {
	n, err := uc.users.CountUsers(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return uc.createLegacyOwner(ctx)
	}

	u, err := uc.users.GetUserByName(ctx, legacyUserName)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	ownerID, err := uc.users.GetOwnerID(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", ErrUserNotFound
	}
	return ownerID, err
}

// ChangePassword 覆盖 hash，已有会话保持有效。
func (uc *PasswordUsecase) ChangePassword(ctx context.Context, password string) error {
	ctx, span := uc.tracer.Start(ctx, "password.change")
	defer span.End()

	hash, err := uc.hashPassword(password)
	if err != nil {
		return err
	}
	n, err := uc.methods.UpdateAuthExtraData(ctx, AuthMethodPassword, hash)
	if err != nil {
		span.RecordError(err)
		return ErrDatabase.WithCause(err)
	}
	if n == 0 {
		return withDetails(ErrNoAuthMethodSelected, "password-not-configured")
	}
	uc.log.WithContext(ctx).Info("ChangePassword success")
	return nil
}

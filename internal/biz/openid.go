package biz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	// pending 请求有效期 300s
	pendingRequestTTL = 300 * time.Second
	// 未配置 token_expiration 时 OpenID 会话默认 10 分钟
	defaultOpenIDSessionTTL = 10 * time.Minute
	defaultOpenIDTimeout    = 20 * time.Second

	OpenIDAuthMethodOIDC   = "openid"
	OpenIDAuthMethodOAuth2 = "oauth2"
)

// ======================
// 配置
// ======================

// OpenIDIssuer 兼容两种写法：issuer URL 字符串，或手动给出端点的对象（oauth2 模式）。
type OpenIDIssuer struct {
	URL                   string
	Name                  string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
}

type openIDIssuerObject struct {
	Name                  string `json:"name,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
}

func (i *OpenIDIssuer) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*i = OpenIDIssuer{URL: s}
		return nil
	}
	var o openIDIssuerObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*i = OpenIDIssuer{
		Name:                  o.Name,
		AuthorizationEndpoint: o.AuthorizationEndpoint,
		TokenEndpoint:         o.TokenEndpoint,
		UserinfoEndpoint:      o.UserinfoEndpoint,
	}
	return nil
}

func (i OpenIDIssuer) MarshalJSON() ([]byte, error) {
	if !i.Manual() {
		return json.Marshal(i.URL)
	}
	return json.Marshal(openIDIssuerObject{
		Name:                  i.Name,
		AuthorizationEndpoint: i.AuthorizationEndpoint,
		TokenEndpoint:         i.TokenEndpoint,
		UserinfoEndpoint:      i.UserinfoEndpoint,
	})
}

// Manual 表示端点手动配置，不走 discovery。
func (i *OpenIDIssuer) Manual() bool {
	return i != nil && i.AuthorizationEndpoint != "" && i.TokenEndpoint != ""
}

// OpenIDConfig 持久化在 auth.extra_data（JSON，键名与已有数据文件兼容）。
type OpenIDConfig struct {
	Issuer         *OpenIDIssuer `json:"issuer,omitempty"`
	DiscoveryURL   string        `json:"discoveryURL,omitempty"`
	ClientID       string        `json:"client_id"`
	ClientSecret   string        `json:"client_secret"`
	ServerHostname string        `json:"server_hostname"`
	AuthMethod     string        `json:"authMethod,omitempty"`
}

func (c *OpenIDConfig) UsesOAuth2() bool {
	return c.AuthMethod == OpenIDAuthMethodOAuth2
}

func (c *OpenIDConfig) RedirectURL() string {
	return strings.TrimRight(c.ServerHostname, "/") + "/openid/callback"
}

func (c *OpenIDConfig) validate() error {
	switch {
	case (c.Issuer == nil || (c.Issuer.URL == "" && !c.Issuer.Manual())) && c.DiscoveryURL == "":
		return withDetails(ErrOpenIDSetupFailed, "missing-issuer-or-discoveryURL")
	case c.ClientID == "":
		return withDetails(ErrOpenIDSetupFailed, "missing-client-id")
	case c.ClientSecret == "":
		return withDetails(ErrOpenIDSetupFailed, "missing-client-secret")
	case c.ServerHostname == "":
		return withDetails(ErrOpenIDSetupFailed, "missing-server-hostname")
	}
	return nil
}

// Redacted 去掉 client_secret，用于返回给前端。
func (c *OpenIDConfig) Redacted() *OpenIDConfig {
	cp := *c
	cp.ClientSecret = ""
	return &cp
}

// OpenIDConfigFromConf 把配置文件里的 openid 段转换成持久化格式。
func OpenIDConfigFromConf(c *conf.OpenID) *OpenIDConfig {
	if c == nil {
		return nil
	}
	out := &OpenIDConfig{
		DiscoveryURL:   c.DiscoveryURL,
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		ServerHostname: c.ServerHostname,
		AuthMethod:     c.AuthMethod,
	}
	if c.AuthorizationEndpoint != "" && c.TokenEndpoint != "" {
		out.Issuer = &OpenIDIssuer{
			Name:                  c.Issuer,
			AuthorizationEndpoint: c.AuthorizationEndpoint,
			TokenEndpoint:         c.TokenEndpoint,
			UserinfoEndpoint:      c.UserinfoEndpoint,
		}
	} else if c.Issuer != "" {
		out.Issuer = &OpenIDIssuer{URL: c.Issuer}
	}
	return out
}

// ======================
// 外部协作者
// ======================

type PendingOpenIDRequest struct {
	State        string
	CodeVerifier string
	ReturnURL    string
	// unix 毫秒
	ExpiryTime int64
}

type PendingRequestRepo interface {
	CreatePendingRequest(ctx context.Context, r *PendingOpenIDRequest) error
	// ConsumePendingRequest 取出并删除请求，不存在返回 ErrNotFound
	ConsumePendingRequest(ctx context.Context, state string) (*PendingOpenIDRequest, error)
	DeleteExpiredPendingRequests(ctx context.Context, nowMillis int64) (int64, error)
}

// OpenIDGrant 是换取 token 后拿到的用户声明。
type OpenIDGrant struct {
	Claims map[string]any
	// provider 给出的 access token 过期时间（unix 秒），0 表示未知
	ExpiresAt int64
}

// OpenIDProvider 封装 discovery / 授权地址 / code 换 token，全部涉及网络，不可在事务里调用。
type OpenIDProvider interface {
	Discover(ctx context.Context, cfg *OpenIDConfig) error
	AuthCodeURL(ctx context.Context, cfg *OpenIDConfig, state, codeVerifier string) (string, error)
	Exchange(ctx context.Context, cfg *OpenIDConfig, code, codeVerifier string) (*OpenIDGrant, error)
}

// ======================
// usecase
// ======================

type OpenIDUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	tx        Transaction
	methods   AuthMethodRepo
	users     UserRepo
	files     FileRepo
	sessions  SessionRepo
	pending   PendingRequestRepo
	provider  OpenIDProvider
	passwords *PasswordUsecase
	notifier  AuthEventNotifier

	conf    *conf.Auth
	timeout time.Duration
	now     func() time.Time
}

func NewOpenIDUsecase(
	tx Transaction,
	methods AuthMethodRepo,
	users UserRepo,
	files FileRepo,
	sessions SessionRepo,
	pending PendingRequestRepo,
	provider OpenIDProvider,
	passwords *PasswordUsecase,
	notifier AuthEventNotifier,
	c *conf.Auth,
	logger log.Logger,
	tp *tracesdk.TracerProvider,
) *OpenIDUsecase {
	if c == nil {
		c = &conf.Auth{}
	}
	timeout := defaultOpenIDTimeout
	if c.OpenID != nil && c.OpenID.Timeout.AsDuration() > 0 {
		timeout = c.OpenID.Timeout.AsDuration()
	}
	return &OpenIDUsecase{
		log:       log.NewHelper(log.With(logger, "module", "biz.openid")),
		tracer:    newTracer(tp, "biz.openid"),
		tx:        tx,
		methods:   methods,
		users:     users,
		files:     files,
		sessions:  sessions,
		pending:   pending,
		provider:  provider,
		passwords: passwords,
		notifier:  notifier,
		conf:      c,
		timeout:   timeout,
		now:       time.Now,
	}
}

func randomURLToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateConfig 校验必填项并做一次 discovery。
func (uc *OpenIDUsecase) ValidateConfig(ctx context.Context, cfg *OpenIDConfig) error {
	if cfg == nil {
		return ErrInvalidLoginSettings
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()
	if err := uc.provider.Discover(ctx, cfg); err != nil {
		uc.log.WithContext(ctx).Warnf("openid discovery failed err=%v", err)
		return withDetails(ErrOpenIDSetupFailed, "configuration-error").WithCause(err)
	}
	return nil
}

// installOpenID 删除旧 openid 行、停用其他方式并插入新行，调用方负责事务。
func (uc *OpenIDUsecase) installOpenID(ctx context.Context, cfg *OpenIDConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return uc.methods.ReplaceActiveAuthMethod(ctx, &AuthMethod{
		Method:      AuthMethodOpenID,
		DisplayName: "OpenID",
		ExtraData:   string(raw),
		Active:      true,
	})
}

// BootstrapOpenID 先 discovery 校验，再事务内切换 auth 行。
func (uc *OpenIDUsecase) BootstrapOpenID(ctx context.Context, cfg *OpenIDConfig) error {
	if err := uc.ValidateConfig(ctx, cfg); err != nil {
		return err
	}
	if err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		return uc.installOpenID(ctx, cfg)
	}); err != nil {
		return ErrDatabase.WithCause(err)
	}
	return nil
}

func decodeOpenIDConfig(m *AuthMethod) (*OpenIDConfig, error) {
	var cfg OpenIDConfig
	if err := json.Unmarshal([]byte(m.ExtraData), &cfg); err != nil {
		return nil, withDetails(ErrOpenIDSetupFailed, "invalid-stored-config").WithCause(err)
	}
	return &cfg, nil
}

// ActiveConfig 返回当前激活的 OpenID 配置。
func (uc *OpenIDUsecase) ActiveConfig(ctx context.Context) (*OpenIDConfig, error) {
	m, err := uc.methods.GetActiveAuthMethod(ctx)
	if errors.Is(err, ErrNotFound) || (err == nil && m.Method != AuthMethodOpenID) {
		return nil, ErrOpenIDNotConfigured
	}
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return decodeOpenIDConfig(m)
}

// StoredConfig 返回保存的 OpenID 配置（不要求处于激活状态）。
func (uc *OpenIDUsecase) StoredConfig(ctx context.Context) (*OpenIDConfig, error) {
	m, err := uc.methods.GetAuthMethod(ctx, AuthMethodOpenID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrOpenIDNotConfigured
	}
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	return decodeOpenIDConfig(m)
}

func (uc *OpenIDUsecase) serverHostname(cfg *OpenIDConfig) string {
	if cfg != nil && cfg.ServerHostname != "" {
		return cfg.ServerHostname
	}
	if uc.conf.OpenID != nil {
		return uc.conf.OpenID.ServerHostname
	}
	return ""
}

// IsValidRedirectURL 使用当前激活配置（或配置文件）里的 server_hostname。
func (uc *OpenIDUsecase) IsValidRedirectURL(ctx context.Context, raw string) bool {
	cfg, _ := uc.ActiveConfig(ctx)
	return IsValidRedirectURL(raw, uc.serverHostname(cfg))
}

// ======================
// 登录：发起
// ======================

// LoginSetup 生成 state + PKCE verifier，保存 pending 请求并返回授权地址。
func (uc *OpenIDUsecase) LoginSetup(ctx context.Context, returnURL, firstTimePassword string) (string, error) {
	ctx, span := uc.tracer.Start(ctx, "openid.login_setup")
	defer span.End()

	l := uc.log.WithContext(ctx)

	if returnURL == "" {
		return "", withDetails(ErrInvalidReturnURL, "return-url-missing")
	}

	cfg, err := uc.ActiveConfig(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "openid not configured")
		return "", err
	}
	if !IsValidRedirectURL(returnURL, uc.serverHostname(cfg)) {
		span.SetStatus(codes.Error, "invalid return url")
		l.Warnf("LoginSetup rejected return_url=%s", returnURL)
		return "", ErrInvalidReturnURL
	}

	// 还没有具名用户时，第一个登录者会成为 owner：有密码的实例要求先验证密码
	named, err := uc.users.CountNamedUsers(ctx)
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}
	if named == 0 {
		has, err := uc.passwords.HasPasswordMethod(ctx)
		if err != nil {
			return "", err
		}
		if has {
			if err := uc.passwords.CheckPassword(ctx, firstTimePassword); err != nil {
				span.SetStatus(codes.Error, "first claim password rejected")
				l.Warn("LoginSetup first claim password rejected")
				return "", err
			}
		}
	}

	state, err := randomURLToken(32)
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}
	verifier, err := randomURLToken(32)
	if err != nil {
		return "", ErrDatabase.WithCause(err)
	}

	nctx, cancel := context.WithTimeout(ctx, uc.timeout)
	authURL, err := uc.provider.AuthCodeURL(nctx, cfg, state, verifier)
	cancel()
	if err != nil {
		span.RecordError(err)
		l.Errorf("LoginSetup build authorization url failed err=%v", err)
		return "", ErrOpenIDSetupFailed.WithCause(err)
	}

	now := uc.now()
	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := uc.pending.DeleteExpiredPendingRequests(ctx, now.UnixMilli()); err != nil {
			return err
		}
		return uc.pending.CreatePendingRequest(ctx, &PendingOpenIDRequest{
			State:        state,
			CodeVerifier: verifier,
			ReturnURL:    returnURL,
			ExpiryTime:   now.Add(pendingRequestTTL).UnixMilli(),
		})
	})
	if err != nil {
		span.RecordError(err)
		return "", ErrDatabase.WithCause(err)
	}

	span.SetStatus(codes.Ok, "OK")
	l.Info("LoginSetup success")
	return authURL, nil
}

// ======================
// 登录：回调
// ======================

// LoginFinalize 消费 state、换取用户信息、在事务内决定用户并签发会话，返回前端回跳地址。
func (uc *OpenIDUsecase) LoginFinalize(ctx context.Context, code, state string) (string, error) {
	ctx, span := uc.tracer.Start(ctx, "openid.login_finalize")
	defer span.End()

	l := uc.log.WithContext(ctx)

	if code == "" {
		return "", withDetails(ErrOpenIDGrantFailed, "missing-authorization-code")
	}
	if state == "" {
		return "", withDetails(ErrOpenIDGrantFailed, "missing-state")
	}

	cfg, err := uc.ActiveConfig(ctx)
	if err != nil {
		return "", err
	}

	// state 一次性：先删除再换 token，换失败也不能重放。
	// 过期判断放在提交之后，过期的记录也要删掉
	var pending *PendingOpenIDRequest
	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		pending, err = uc.pending.ConsumePendingRequest(ctx, state)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", ErrDatabase.WithCause(err)
	}
	if err == nil && pending.ExpiryTime <= uc.now().UnixMilli() {
		l.Warnf("LoginFinalize state expired expiry=%d", pending.ExpiryTime)
		err = ErrNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, "invalid or expired state")
		l.Info("LoginFinalize invalid or expired state")
		return "", ErrInvalidOrExpiredState
	}

	nctx, cancel := context.WithTimeout(ctx, uc.timeout)
	grant, err := uc.provider.Exchange(nctx, cfg, code, pending.CodeVerifier)
	cancel()
	if err != nil {
		span.RecordError(err)
		l.Warnf("LoginFinalize exchange failed err=%v", err)
		// 上游错误只进日志，响应里不带 token 端点的原文
		return "", withDetails(ErrOpenIDGrantFailed, "token-exchange-failed").WithCause(err)
	}

	identity := IdentityFromClaims(grant.Claims)
	if identity == "" {
		span.SetStatus(codes.Error, "no identity")
		return "", withDetails(ErrOpenIDGrantFailed, "no identification was found")
	}
	span.SetAttributes(attribute.String("openid.identity", identity))

	claimedName := claimString(grant.Claims, "name")
	displayName := claimedName
	if displayName == "" {
		displayName = claimString(grant.Claims, "email")
	}
	if displayName == "" {
		displayName = identity
	}

	now := uc.now()
	token := uuid.NewString()
	var decision OpenIDUserDecision
	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		// 必须在事务内重新读取，避免并发首登产生两个 owner
		named, err := uc.users.CountNamedUsers(ctx)
		if err != nil {
			return err
		}
		existing, err := uc.users.GetUserByName(ctx, identity)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		decision = DecideOpenIDUser(named, existing, UserCreationMode(uc.conf.UserCreationMode))
		userID, err := uc.applyDecision(ctx, decision, identity, displayName, claimedName, existing)
		if err != nil {
			return err
		}

		fallback := now.Add(defaultOpenIDSessionTTL).Unix()
		if err := uc.sessions.CreateSession(ctx, &Session{
			Token:      token,
			UserID:     userID,
			AuthMethod: AuthMethodOpenID,
			ExpiresAt:  sessionExpiry(uc.conf.TokenExpiration, now, grant.ExpiresAt, fallback),
		}); err != nil {
			return err
		}
		_, err = uc.sessions.DeleteExpiredSessions(ctx, now.Unix())
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		l.Warnf("LoginFinalize failed identity=%s action=%s err=%v", identity, decision.Action, err)
		return "", reasonOr(err, ErrDatabase)
	}

	if decision.Action == CreateAsOwner {
		uc.notifier.Notify(ctx, "openid owner claimed: "+identity)
	}

	span.SetStatus(codes.Ok, "OK")
	l.Infof("LoginFinalize success identity=%s action=%s", identity, decision.Action)
	return pending.ReturnURL + "/openid-cb?token=" + token, nil
}

func (uc *OpenIDUsecase) applyDecision(ctx context.Context, d OpenIDUserDecision, identity, displayName, claimedName string, existing *User) (string, error) {
	switch d.Action {
	case CreateAsOwner, CreateAsBasic:
		u := &User{
			ID:          uuid.NewString(),
			UserName:    identity,
			DisplayName: displayName,
			Role:        RoleBasic,
			Enabled:     true,
		}
		if d.Action == CreateAsOwner {
			u.Role = RoleAdmin
			u.Owner = true
		}
		if err := uc.users.CreateUser(ctx, u); err != nil {
			return "", err
		}
		if d.Action == CreateAsOwner {
			if err := uc.claimLegacyOwner(ctx, u.ID); err != nil {
				return "", err
			}
		}
		return u.ID, nil

	case ReuseExisting:
		if existing.DisplayName == "" && claimedName != "" {
			if err := uc.users.UpdateDisplayName(ctx, existing.ID, claimedName); err != nil {
				return "", err
			}
		}
		return existing.ID, nil
	}

	if d.Reason != nil {
		return "", d.Reason
	}
	return "", ErrOpenIDGrantFailed
}

// claimLegacyOwner 把占位用户的文件和授权转给新 owner，并取消占位用户的 owner 标记。
func (uc *OpenIDUsecase) claimLegacyOwner(ctx context.Context, newOwnerID string) error {
	legacy, err := uc.users.GetUserByName(ctx, legacyUserName)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := uc.files.TransferAllFilesFromUser(ctx, newOwnerID, legacy.ID); err != nil {
		return err
	}
	if _, err := uc.files.TransferAllAccessFromUser(ctx, newOwnerID, legacy.ID); err != nil {
		return err
	}
	return uc.users.SetOwner(ctx, legacy.ID, false)
}

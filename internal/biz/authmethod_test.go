package biz

import (
	"context"
	"errors"
	"io"
	"testing"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

func TestBootstrap_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.methods.Bootstrap(ctx, BootstrapSettings{}, false); !errors.Is(err, ErrInvalidLoginSettings) {
		t.Fatalf("expected ErrInvalidLoginSettings, got %v", err)
	}
	both := BootstrapSettings{Password: strPtr("pw"), OpenID: validOpenIDConfig()}
	if err := f.methods.Bootstrap(ctx, both, false); !errors.Is(err, ErrMaxOneMethodAllowed) {
		t.Fatalf("expected ErrMaxOneMethodAllowed, got %v", err)
	}

	if err := f.methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw")}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := f.methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw2")}, false); !errors.Is(err, ErrAlreadyBootstrapped) {
		t.Fatalf("expected ErrAlreadyBootstrapped, got %v", err)
	}
	if err := f.passwords.CheckPassword(ctx, "pw"); err != nil {
		t.Fatalf("original password must survive, got %v", err)
	}
}

func TestBootstrap_OpenIDDiscoveryFailureStoresNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.discoverErr = errors.New("unreachable")

	err := f.methods.Bootstrap(context.Background(), BootstrapSettings{OpenID: validOpenIDConfig()}, false)
	mustReason(t, err, "openid-setup-failed")
	if n, _ := f.store.CountAuthMethods(context.Background()); n != 0 {
		t.Fatalf("no auth row expected, got %d", n)
	}
}

func TestBootstrap_ForcedBothLeavesOpenIDActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	both := BootstrapSettings{Password: strPtr("pw"), OpenID: validOpenIDConfig()}
	if err := f.methods.Bootstrap(ctx, both, true); err != nil {
		t.Fatalf("forced bootstrap: %v", err)
	}
	active, _ := f.methods.ActiveLoginMethod(ctx)
	if active != AuthMethodOpenID {
		t.Fatalf("expected openid active, got %q", active)
	}
	if f.store.activeCount() != 1 {
		t.Fatalf("expected exactly one active method, got %d", f.store.activeCount())
	}
	if err := f.passwords.CheckPassword(ctx, "pw"); err != nil {
		t.Fatalf("password must be stored for disableOpenID, got %v", err)
	}
}

func TestAuthMethods_SingleActiveAcrossTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	check := func(step string, want string) {
		t.Helper()
		if n := f.store.activeCount(); n != 1 {
			t.Fatalf("%s: expected one active method, got %d", step, n)
		}
		if got, _ := f.methods.ActiveLoginMethod(ctx); got != want {
			t.Fatalf("%s: expected %s active, got %s", step, want, got)
		}
	}

	_ = f.methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw")}, false)
	check("bootstrap", AuthMethodPassword)

	for i := 0; i < 3; i++ {
		if err := f.methods.EnableOpenID(ctx, validOpenIDConfig()); err != nil {
			t.Fatalf("enable: %v", err)
		}
		check("enable", AuthMethodOpenID)

		if err := f.methods.DisableOpenID(ctx, "pw"); err != nil {
			t.Fatalf("disable: %v", err)
		}
		check("disable", AuthMethodPassword)
	}

	// 失败的调用同样不能破坏不变量
	_ = f.methods.DisableOpenID(ctx, "wrong")
	check("failed disable", AuthMethodPassword)
	f.provider.discoverErr = errors.New("down")
	_ = f.methods.EnableOpenID(ctx, validOpenIDConfig())
	check("failed enable", AuthMethodPassword)
}

func TestEnableOpenID_KeepsSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_ = f.methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw")}, false)
	tok, _ := f.passwords.LoginWithPassword(ctx, "pw")

	if err := f.methods.EnableOpenID(ctx, validOpenIDConfig()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, tok); err != nil {
		t.Fatalf("password session must survive enableOpenID, got %v", err)
	}
}

func TestDisableOpenID_ResetsToOwnerOnly(t *testing.T) {
	f := newFixture(t, &conf.Auth{UserCreationMode: string(UserCreationLogin)})
	ctx := context.Background()

	_ = f.methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw")}, false)
	_ = f.methods.EnableOpenID(ctx, validOpenIDConfig())

	ownerRedirect, err := loginAs(t, f, "c1", map[string]any{"sub": "alice"}, "pw")
	if err != nil {
		t.Fatalf("owner login: %v", err)
	}
	if _, err := loginAs(t, f, "c2", map[string]any{"sub": "bob"}, ""); err != nil {
		t.Fatalf("bob login: %v", err)
	}
	owner, _ := f.sessions.Validate(ctx, tokenFromRedirect(t, ownerRedirect))
	bob, _ := f.store.GetUserByName(ctx, "bob")
	seedFile(f.store, "bobs", bob.ID)
	seedFile(f.store, "shared", owner.UserID)
	_ = f.store.AddUserAccess(ctx, bob.ID, "shared")

	if err := f.methods.DisableOpenID(ctx, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if err := f.methods.DisableOpenID(ctx, "pw"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if len(f.store.sessions) != 0 {
		t.Fatalf("all sessions must be cleared, got %d", len(f.store.sessions))
	}
	if _, err := f.store.GetUserByName(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner user must be deleted, got %v", err)
	}
	if _, err := f.store.GetUserByID(ctx, owner.UserID); err != nil {
		t.Fatalf("owner must survive, got %v", err)
	}
	file, _ := f.store.GetFile(ctx, "bobs")
	if file.Owner != owner.UserID {
		t.Fatalf("bob's file must move to the owner, got %s", file.Owner)
	}
	if len(f.store.access) != 0 {
		t.Fatalf("grants of deleted users must be removed")
	}
	if _, err := f.store.GetAuthMethod(ctx, AuthMethodOpenID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("openid row must be deleted, got %v", err)
	}

	// 占位用户已被删除，密码登录回落到 owner
	tok, err := f.passwords.LoginWithPassword(ctx, "pw")
	if err != nil {
		t.Fatalf("login after disable: %v", err)
	}
	p, _ := f.sessions.Validate(ctx, tok)
	if p.UserID != owner.UserID {
		t.Fatalf("expected owner session, got %s", p.UserID)
	}
}

func TestResolveLoginMethod(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, &conf.Auth{AllowedLoginMethods: []string{"password", "openid"}})
	if m, _ := f.methods.ResolveLoginMethod(ctx, ""); m != AuthMethodPassword {
		t.Fatalf("unbootstrapped default should be password, got %s", m)
	}
	bootstrapOpenID(t, f)
	if m, _ := f.methods.ResolveLoginMethod(ctx, ""); m != AuthMethodOpenID {
		t.Fatalf("expected active method, got %s", m)
	}
	if m, _ := f.methods.ResolveLoginMethod(ctx, "password"); m != AuthMethodPassword {
		t.Fatalf("allow-listed request should win, got %s", m)
	}
	if m, _ := f.methods.ResolveLoginMethod(ctx, "header"); m != AuthMethodOpenID {
		t.Fatalf("non allow-listed request must be ignored, got %s", m)
	}

	g := newFixture(t, &conf.Auth{LoginMethod: "header"})
	if m, _ := g.methods.ResolveLoginMethod(ctx, "password"); m != AuthMethodHeader {
		t.Fatalf("configured default should win, got %s", m)
	}
}

func TestBootstrapFromConfig(t *testing.T) {
	ctx := context.Background()
	oc := &conf.OpenID{
		Issuer:         "https://idp.example.com",
		ClientID:       "client",
		ClientSecret:   "secret",
		ServerHostname: "https://budget.example.com",
	}

	f := newFixture(t, &conf.Auth{LoginMethod: "openid", OpenID: oc})
	if err := f.methods.BootstrapFromConfig(ctx); err != nil {
		t.Fatalf("bootstrap from config: %v", err)
	}
	if m, _ := f.methods.ActiveLoginMethod(ctx); m != AuthMethodOpenID {
		t.Fatalf("expected openid, got %s", m)
	}

	// 已初始化且未 enforce：不覆盖
	g := newFixture(t, &conf.Auth{LoginMethod: "openid", OpenID: oc})
	_ = g.passwords.BootstrapPassword(ctx, "pw")
	_ = g.methods.BootstrapFromConfig(ctx)
	if m, _ := g.methods.ActiveLoginMethod(ctx); m != AuthMethodPassword {
		t.Fatalf("expected password to stay active, got %s", m)
	}

	enforced := *oc
	enforced.Enforce = true
	h := newFixture(t, &conf.Auth{LoginMethod: "openid", OpenID: &enforced})
	_ = h.passwords.BootstrapPassword(ctx, "pw")
	if err := h.methods.BootstrapFromConfig(ctx); err != nil {
		t.Fatalf("enforced bootstrap: %v", err)
	}
	if m, _ := h.methods.ActiveLoginMethod(ctx); m != AuthMethodOpenID {
		t.Fatalf("expected openid after enforce, got %s", m)
	}
}

// racingTx 在进入事务前先装入一个 openid 方法，模拟另一个 bootstrap 抢先提交。
type racingTx struct {
	store *memStore
}

func (r racingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.store.ReplaceActiveAuthMethod(ctx, &AuthMethod{Method: AuthMethodOpenID, ExtraData: "{}"}); err != nil {
		return err
	}
	return r.store.InTx(ctx, fn)
}

func TestBootstrap_ConcurrentWinnerKeepsItsMethod(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.store

	methods := NewAuthMethodUsecase(racingTx{store: s}, s, s, s, s, f.passwords, f.openid, nopNotifier{}, f.conf,
		log.NewStdLogger(io.Discard), tracesdk.NewTracerProvider())

	err := methods.Bootstrap(ctx, BootstrapSettings{Password: strPtr("pw")}, false)
	mustReason(t, err, "already-bootstrapped")

	active, _ := f.methods.ActiveLoginMethod(ctx)
	if active != AuthMethodOpenID {
		t.Fatalf("expected the earlier openid method to stay active, got %q", active)
	}
	if n, _ := s.CountAuthMethods(ctx); n != 1 {
		t.Fatalf("expected one auth row, got %d", n)
	}
}

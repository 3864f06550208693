package data

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"accountserver/internal/biz"
	"accountserver/internal/conf"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"
)

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, event string) {}

func openTestData(t *testing.T, path string) *Data {
	t.Helper()
	d, cleanup, err := NewData(&conf.Data{Database: &conf.Data_Database{Path: path}}, log.NewStdLogger(io.Discard))
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}
	t.Cleanup(cleanup)
	return d
}

// stack 用真实 repo 组装全部 usecase
type stack struct {
	data  *Data
	files biz.FileRepo

	passwords *biz.PasswordUsecase
	openid    *biz.OpenIDUsecase
	methods   *biz.AuthMethodUsecase
	tokens    *biz.APITokenUsecase
	sessions  *biz.SessionUsecase
	users     *biz.UserUsecase
}

func newStack(t *testing.T, provider biz.OpenIDProvider, wrapFiles func(biz.FileRepo) biz.FileRepo) *stack {
	t.Helper()
	d := openTestData(t, filepath.Join(t.TempDir(), "account.sqlite"))
	logger := log.NewStdLogger(io.Discard)
	tp := tracesdk.NewTracerProvider()
	c := &conf.Auth{BcryptCost: bcrypt.MinCost}

	methods := NewAuthMethodRepo(d, logger)
	users := NewUserRepo(d, logger)
	var files biz.FileRepo = NewFileRepo(d, logger)
	if wrapFiles != nil {
		files = wrapFiles(files)
	}
	sessions := NewSessionRepo(d, logger)
	pending := NewPendingRequestRepo(d, logger)
	tokens := NewAPITokenRepo(d, logger)
	if provider == nil {
		provider = NewOIDCProvider(c, logger)
	}

	s := &stack{data: d, files: files}
	s.passwords = biz.NewPasswordUsecase(d, methods, users, sessions, c, logger, tp)
	s.openid = biz.NewOpenIDUsecase(d, methods, users, files, sessions, pending, provider, s.passwords, nopNotifier{}, c, logger, tp)
	s.methods = biz.NewAuthMethodUsecase(d, methods, users, files, sessions, s.passwords, s.openid, nopNotifier{}, c, logger, tp)
	s.tokens = biz.NewAPITokenUsecase(d, tokens, users, files, c, logger, tp)
	s.sessions = biz.NewSessionUsecase(sessions, s.tokens, logger, tp)
	s.users = biz.NewUserUsecase(d, users, files, sessions, nopNotifier{}, logger, tp)
	return s
}

func (s *stack) countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	n, err := s.data.count(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func (s *stack) activeMethods(t *testing.T) int {
	return s.countRows(t, "SELECT count(*) FROM auth WHERE active = 1")
}

func requireReason(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected reason %q, got nil", want)
	}
	if got := kerrors.Reason(err); got != want {
		t.Fatalf("expected reason %q, got %q (%v)", want, got, err)
	}
}

// =======================
// migrations
// =======================

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.sqlite")
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	for i := 0; i < 2; i++ {
		d, cleanup, err := NewData(&conf.Data{Database: &conf.Data_Database{Path: path}}, log.NewStdLogger(io.Discard))
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		n, err := d.count(context.Background(), "SELECT count(*) FROM schema_migrations")
		cleanup()
		if err != nil {
			t.Fatalf("count ledger: %v", err)
		}
		if n != len(entries) {
			t.Fatalf("open #%d: expected %d applied migrations, got %d", i, len(entries), n)
		}
	}
}

func TestMigrations_LegacySingleUserData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.sqlite")

	raw, err := sql.Open(driverName, path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE auth (password TEXT PRIMARY KEY)",
		"CREATE TABLE sessions (token TEXT PRIMARY KEY)",
		"CREATE TABLE files (id TEXT PRIMARY KEY, group_id TEXT, sync_version SMALLINT, encrypt_meta TEXT, encrypt_keyid TEXT, encrypt_salt TEXT, encrypt_test TEXT, deleted BOOLEAN DEFAULT FALSE, name TEXT)",
		"INSERT INTO auth (password) VALUES ('legacy-hash')",
		"INSERT INTO sessions (token) VALUES ('legacy-token')",
		"INSERT INTO files (id, name) VALUES ('budget-1', 'My Budget')",
	} {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	_ = raw.Close()

	d := openTestData(t, path)
	ctx := context.Background()
	logger := log.NewStdLogger(io.Discard)

	m, err := NewAuthMethodRepo(d, logger).GetActiveAuthMethod(ctx)
	if err != nil {
		t.Fatalf("active method: %v", err)
	}
	if m.Method != biz.AuthMethodPassword || m.ExtraData != "legacy-hash" {
		t.Fatalf("unexpected auth row: %+v", m)
	}

	placeholder, err := NewUserRepo(d, logger).GetUserByName(ctx, "")
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if !placeholder.Owner || placeholder.Role != biz.RoleAdmin || placeholder.Kind() != biz.LegacySingleUser {
		t.Fatalf("unexpected placeholder: %+v", placeholder)
	}

	f, err := NewFileRepo(d, logger).GetFile(ctx, "budget-1")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f.Owner != placeholder.ID {
		t.Fatalf("expected file owned by placeholder, got %q", f.Owner)
	}

	s, err := NewSessionRepo(d, logger).GetSession(ctx, "legacy-token")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.UserID != placeholder.ID || s.ExpiresAt != biz.TokenExpirationNever || s.AuthMethod != biz.AuthMethodPassword {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestMigrations_FreshInstanceHasNoPlaceholder(t *testing.T) {
	s := newStack(t, nil, nil)
	if n := s.countRows(t, "SELECT count(*) FROM users"); n != 0 {
		t.Fatalf("expected no users on a fresh instance, got %d", n)
	}
	need, err := s.methods.NeedsBootstrap(context.Background())
	if err != nil || !need {
		t.Fatalf("expected NeedsBootstrap, got %v %v", need, err)
	}
}

// =======================
// 密码登录
// =======================

func TestIntegration_PasswordBootstrapAndLogin(t *testing.T) {
	s := newStack(t, nil, nil)
	ctx := context.Background()

	pw := "s3cret"
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if s.activeMethods(t) != 1 {
		t.Fatalf("expected exactly one active method")
	}
	requireReason(t, s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false), "already-bootstrapped")

	token, err := s.passwords.LoginWithPassword(ctx, pw)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	p, err := s.sessions.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	ownerID, err := s.users.GetOwnerID(ctx)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if p.UserID != ownerID || p.AuthMethod != biz.AuthMethodPassword {
		t.Fatalf("unexpected principal: %+v", p)
	}

	again, err := s.passwords.LoginWithPassword(ctx, pw)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again != token {
		t.Fatalf("password sessions share one row, got %q then %q", token, again)
	}
	if n := s.countRows(t, "SELECT count(*) FROM sessions WHERE auth_method = ?", biz.AuthMethodPassword); n != 1 {
		t.Fatalf("expected one password session row, got %d", n)
	}

	_, err = s.passwords.LoginWithPassword(ctx, "wrong")
	requireReason(t, err, "invalid-password")

	if err := s.passwords.ChangePassword(ctx, "n3w"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, err := s.sessions.Validate(ctx, token); err != nil {
		t.Fatalf("sessions survive password change, got %v", err)
	}
	_, err = s.passwords.LoginWithPassword(ctx, pw)
	requireReason(t, err, "invalid-password")
}

// =======================
// OpenID 完整流程
// =======================

func stateFromAuthURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("auth url without state: %s", raw)
	}
	return state
}

func TestIntegration_OpenIDLifecycle(t *testing.T) {
	idp := newFakeIdP(t)
	s := newStack(t, nil, nil)
	ctx := context.Background()
	logger := log.NewStdLogger(io.Discard)

	pw := "s3cret"
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	legacyOwner, err := s.users.GetOwnerID(ctx)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if err := s.users.RegisterFile(ctx, &biz.File{ID: "budget-1", Name: "Home", Owner: legacyOwner}); err != nil {
		t.Fatalf("register file: %v", err)
	}
	pwToken, err := s.passwords.LoginWithPassword(ctx, pw)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	cfg := &biz.OpenIDConfig{
		Issuer:         &biz.OpenIDIssuer{URL: idp.srv.URL},
		ClientID:       idp.clientID,
		ClientSecret:   "secret",
		ServerHostname: "https://budget.example.com",
	}
	if err := s.methods.EnableOpenID(ctx, cfg); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if s.activeMethods(t) != 1 {
		t.Fatalf("expected exactly one active method after enable")
	}
	if active, _ := s.methods.ActiveLoginMethod(ctx); active != biz.AuthMethodOpenID {
		t.Fatalf("expected openid active, got %q", active)
	}
	if _, err := s.sessions.Validate(ctx, pwToken); err != nil {
		t.Fatalf("enabling openid keeps sessions, got %v", err)
	}

	_, err = s.openid.LoginSetup(ctx, "https://budget.example.com", "wrong")
	requireReason(t, err, "invalid-password")

	authURL, err := s.openid.LoginSetup(ctx, "https://budget.example.com", pw)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !strings.HasPrefix(authURL, idp.srv.URL+"/authorize") {
		t.Fatalf("unexpected auth url %s", authURL)
	}
	state := stateFromAuthURL(t, authURL)

	redirect, err := s.openid.LoginFinalize(ctx, "good-code", state)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	const marker = "https://budget.example.com/openid-cb?token="
	if !strings.HasPrefix(redirect, marker) {
		t.Fatalf("unexpected redirect %s", redirect)
	}
	p, err := s.sessions.Validate(ctx, strings.TrimPrefix(redirect, marker))
	if err != nil {
		t.Fatalf("validate openid session: %v", err)
	}

	users := NewUserRepo(s.data, logger)
	me, err := users.GetUserByID(ctx, p.UserID)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if me.UserName != "id@example.com" || !me.Owner || me.Role != biz.RoleAdmin {
		t.Fatalf("first openid user must become owner: %+v", me)
	}
	if n, _ := s.users.GetOwnerCount(ctx); n != 1 {
		t.Fatalf("expected exactly one owner, got %d", n)
	}
	f, _ := s.users.GetFile(ctx, "budget-1")
	if f.Owner != me.ID {
		t.Fatalf("claimed owner should receive legacy files, owner=%q", f.Owner)
	}

	// state 只能用一次
	_, err = s.openid.LoginFinalize(ctx, "good-code", state)
	requireReason(t, err, "invalid-or-expired-state")
	if n := s.countRows(t, "SELECT count(*) FROM pending_openid_requests"); n != 0 {
		t.Fatalf("pending request should be consumed, %d left", n)
	}

	if err := s.methods.DisableOpenID(ctx, "wrong"); err == nil {
		t.Fatalf("disable with wrong password must fail")
	}
	if err := s.methods.DisableOpenID(ctx, pw); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.activeMethods(t) != 1 {
		t.Fatalf("expected exactly one active method after disable")
	}
	if active, _ := s.methods.ActiveLoginMethod(ctx); active != biz.AuthMethodPassword {
		t.Fatalf("expected password active, got %q", active)
	}
	if n := s.countRows(t, "SELECT count(*) FROM sessions"); n != 0 {
		t.Fatalf("disable clears sessions, %d left", n)
	}
	if n := s.countRows(t, "SELECT count(*) FROM users"); n != 1 {
		t.Fatalf("only the owner survives disable, got %d users", n)
	}

	token, err := s.passwords.LoginWithPassword(ctx, pw)
	if err != nil {
		t.Fatalf("login after disable: %v", err)
	}
	p, err = s.sessions.Validate(ctx, token)
	if err != nil || p.UserID != me.ID {
		t.Fatalf("password login falls back to owner, got %+v %v", p, err)
	}
}

func TestIntegration_PendingRequestSingleUseAndExpiry(t *testing.T) {
	d := openTestData(t, filepath.Join(t.TempDir(), "account.sqlite"))
	repo := NewPendingRequestRepo(d, log.NewStdLogger(io.Discard))
	ctx := context.Background()

	for _, p := range []*biz.PendingOpenIDRequest{
		{State: "live", CodeVerifier: "v1", ReturnURL: "https://a", ExpiryTime: 2_000},
		{State: "stale", CodeVerifier: "v2", ReturnURL: "https://a", ExpiryTime: 500},
	} {
		if err := repo.CreatePendingRequest(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := repo.ConsumePendingRequest(ctx, "live")
	if err != nil || got.CodeVerifier != "v1" {
		t.Fatalf("consume live: %+v %v", got, err)
	}
	if _, err := repo.ConsumePendingRequest(ctx, "live"); !errors.Is(err, biz.ErrNotFound) {
		t.Fatalf("second consume must miss, got %v", err)
	}
	if n, err := repo.DeleteExpiredPendingRequests(ctx, 1_000); err != nil || n != 1 {
		t.Fatalf("sweep expired: n=%d err=%v", n, err)
	}
	if _, err := repo.ConsumePendingRequest(ctx, "stale"); !errors.Is(err, biz.ErrNotFound) {
		t.Fatalf("swept row must miss, got %v", err)
	}
}

func TestIntegration_ExpiredStateDeletedOnFinalize(t *testing.T) {
	idp := newFakeIdP(t)
	s := newStack(t, nil, nil)
	ctx := context.Background()

	cfg := &biz.OpenIDConfig{
		Issuer:         &biz.OpenIDIssuer{URL: idp.srv.URL},
		ClientID:       idp.clientID,
		ClientSecret:   "secret",
		ServerHostname: "https://budget.example.com",
	}
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{OpenID: cfg}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	repo := NewPendingRequestRepo(s.data, log.NewStdLogger(io.Discard))
	if err := repo.CreatePendingRequest(ctx, &biz.PendingOpenIDRequest{
		State: "stale", CodeVerifier: "v", ReturnURL: "https://budget.example.com", ExpiryTime: 1,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := s.openid.LoginFinalize(ctx, "good-code", "stale")
	requireReason(t, err, "invalid-or-expired-state")
	if n := s.countRows(t, "SELECT count(*) FROM pending_openid_requests WHERE state = ?", "stale"); n != 0 {
		t.Fatalf("expired pending request should be deleted, %d left", n)
	}
}

// =======================
// 事务回滚
// =======================

// failingFileRepo 让 DeleteUserAccess 失败，用来验证同一事务里之前的写入被回滚
type failingFileRepo struct {
	biz.FileRepo
}

func (f failingFileRepo) DeleteUserAccess(ctx context.Context, userID string) (int64, error) {
	return 0, errors.New("disk full")
}

func TestIntegration_DeleteUserRollsBack(t *testing.T) {
	s := newStack(t, nil, func(r biz.FileRepo) biz.FileRepo { return failingFileRepo{FileRepo: r} })
	ctx := context.Background()

	pw := "s3cret"
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	bob, err := s.users.CreateUser(ctx, "bob", "Bob", biz.RoleBasic, true)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.users.RegisterFile(ctx, &biz.File{ID: "bob-budget", Owner: bob.ID}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = s.users.DeleteUsers(ctx, []string{bob.ID})
	requireReason(t, err, "not-all-deleted")

	f, err := s.users.GetFile(ctx, "bob-budget")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f.Owner != bob.ID {
		t.Fatalf("file transfer must roll back, owner=%q", f.Owner)
	}
	if _, err := s.users.GetUser(ctx, bob.ID); err != nil {
		t.Fatalf("user must survive rollback: %v", err)
	}
}

// =======================
// 授权与 API token
// =======================

func TestIntegration_AccessGrantsAndConstraints(t *testing.T) {
	s := newStack(t, nil, nil)
	ctx := context.Background()
	logger := log.NewStdLogger(io.Discard)

	pw := "s3cret"
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ownerID, _ := s.users.GetOwnerID(ctx)
	bob, err := s.users.CreateUser(ctx, "bob", "Bob", biz.RoleBasic, true)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	carol, err := s.users.CreateUser(ctx, "carol", "", biz.RoleBasic, true)
	if err != nil {
		t.Fatalf("create carol: %v", err)
	}
	_, err = s.users.CreateUser(ctx, "bob", "", biz.RoleBasic, true)
	requireReason(t, err, "user-already-exists")

	// 唯一索引兜底
	err = NewUserRepo(s.data, logger).CreateUser(ctx, &biz.User{ID: "dup", UserName: "bob", Role: biz.RoleBasic, Enabled: true})
	if !errors.Is(err, biz.ErrUserAlreadyExists) {
		t.Fatalf("expected unique constraint mapped to user-already-exists, got %v", err)
	}

	if err := s.users.RegisterFile(ctx, &biz.File{ID: "shared", Owner: ownerID}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, id := range []string{bob.ID, carol.ID} {
		if err := s.users.AddUserAccess(ctx, "shared", id); err != nil {
			t.Fatalf("grant %s: %v", id, err)
		}
	}
	requireReason(t, s.users.AddUserAccess(ctx, "shared", bob.ID), "user-already-have-access")
	if err := s.files.AddUserAccess(ctx, bob.ID, "shared"); !errors.Is(err, biz.ErrUserAlreadyHasAccess) {
		t.Fatalf("expected primary key mapped to user-already-have-access, got %v", err)
	}

	if ok, _ := s.users.CanAccessFile(ctx, "shared", bob.ID); !ok {
		t.Fatalf("bob should reach the shared file")
	}
	list, err := s.users.GetAllUserAccess(ctx, "shared")
	if err != nil {
		t.Fatalf("all access: %v", err)
	}
	if len(list) != 2 || !list[0].HaveAccess || !list[1].HaveAccess {
		t.Fatalf("unexpected access list: %+v", list)
	}

	n, err := s.users.DeleteUserAccessByFileID(ctx, "shared", []string{bob.ID, carol.ID})
	if err != nil || n != 2 {
		t.Fatalf("revoke: %d %v", n, err)
	}
	if ok, _ := s.users.CanAccessFile(ctx, "shared", bob.ID); ok {
		t.Fatalf("bob should lose access")
	}

	if err := s.users.TransferFileOwnership(ctx, "shared", carol.ID); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ok, _ := s.users.CheckFilePermission(ctx, "shared", carol.ID); !ok {
		t.Fatalf("carol should own the file")
	}
	requireReason(t, s.users.TransferFileOwnership(ctx, "shared", "ghost"), "new-user-not-found")
}

func TestIntegration_ScopedAPIToken(t *testing.T) {
	s := newStack(t, nil, nil)
	ctx := context.Background()

	pw := "s3cret"
	if err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: &pw}, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ownerID, _ := s.users.GetOwnerID(ctx)
	bob, err := s.users.CreateUser(ctx, "bob", "Bob", biz.RoleBasic, true)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	for _, f := range []*biz.File{{ID: "b1", Owner: bob.ID}, {ID: "b2", Owner: bob.ID}, {ID: "o1", Owner: ownerID}} {
		if err := s.users.RegisterFile(ctx, f); err != nil {
			t.Fatalf("register %s: %v", f.ID, err)
		}
	}

	_, err = s.tokens.CreateToken(ctx, bob.ID, "ci", []string{"o1"}, nil)
	requireReason(t, err, "forbidden")

	created, err := s.tokens.CreateToken(ctx, bob.ID, "ci", []string{"b1"}, nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if !strings.HasPrefix(created.Token, biz.APITokenPrefix) {
		t.Fatalf("unexpected token %q", created.Token)
	}
	if n := s.countRows(t, "SELECT count(*) FROM api_tokens WHERE token_hash = ?", created.Token); n != 0 {
		t.Fatalf("plaintext token must not be stored")
	}

	v, err := s.tokens.ValidateToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.UserID != bob.ID || len(v.BudgetIDs) != 1 || v.BudgetIDs[0] != "b1" {
		t.Fatalf("unexpected validation: %+v", v)
	}
	p, err := s.sessions.Validate(ctx, created.Token)
	if err != nil || p.AuthMethod != biz.AuthMethodAPIToken {
		t.Fatalf("api token principal: %+v %v", p, err)
	}

	if ok, _ := s.tokens.HasAccessToBudget(ctx, created.ID, "b1", bob.ID); !ok {
		t.Fatalf("scoped budget should be reachable")
	}
	if ok, _ := s.tokens.HasAccessToBudget(ctx, created.ID, "b2", bob.ID); ok {
		t.Fatalf("budget outside scope must be denied")
	}

	list, err := s.tokens.ListTokens(ctx, bob.ID)
	if err != nil || len(list) != 1 || len(list[0].BudgetIDs) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}

	requireReason(t, s.tokens.RevokeToken(ctx, created.ID, ownerID), "not-found")
	if err := s.tokens.RevokeToken(ctx, created.ID, bob.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if n := s.countRows(t, "SELECT count(*) FROM api_token_budgets"); n != 0 {
		t.Fatalf("scope rows must be removed with the token, %d left", n)
	}
	if _, err := s.tokens.ValidateToken(ctx, created.Token); err == nil {
		t.Fatalf("revoked token must not validate")
	}
}

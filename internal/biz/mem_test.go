// internal/biz/mem_test.go
package biz

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"accountserver/internal/conf"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"
)

// memStore 同时实现所有 repo，事务直接执行 fn（回滚由 data 层的集成测试覆盖）。
type memStore struct {
	mu sync.Mutex

	methods  map[string]*AuthMethod
	users    map[string]*User
	files    map[string]*File
	access   map[[2]string]bool // {userID, fileID}
	sessions map[string]*Session
	pending  map[string]*PendingOpenIDRequest
	tokens   map[string]*APIToken
	budgets  map[string][]string

	prefixLookups int
	touches       int
}

func newMemStore() *memStore {
	return &memStore{
		methods:  make(map[string]*AuthMethod),
		users:    make(map[string]*User),
		files:    make(map[string]*File),
		access:   make(map[[2]string]bool),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*PendingOpenIDRequest),
		tokens:   make(map[string]*APIToken),
		budgets:  make(map[string][]string),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ---------------- auth ----------------

func (m *memStore) CountAuthMethods(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.methods), nil
}

func (m *memStore) ListAuthMethods(ctx context.Context) ([]*AuthMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuthMethod, 0, len(m.methods))
	for _, a := range m.methods {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, nil
}

func (m *memStore) GetAuthMethod(ctx context.Context, method string) (*AuthMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.methods[method]
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetActiveAuthMethod(ctx context.Context) (*AuthMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.methods {
		if a.Active {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ReplaceActiveAuthMethod(ctx context.Context, a *AuthMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.methods {
		x.Active = false
	}
	cp := *a
	cp.Active = true
	m.methods[a.Method] = &cp
	return nil
}

func (m *memStore) UpdateAuthExtraData(ctx context.Context, method, extra string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.methods[method]
	if a == nil {
		return 0, nil
	}
	a.ExtraData = extra
	return 1, nil
}

func (m *memStore) DeleteAuthMethod(ctx context.Context, method string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.methods[method]; !ok {
		return 0, nil
	}
	delete(m.methods, method)
	return 1, nil
}

func (m *memStore) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.methods {
		if a.Active {
			n++
		}
	}
	return n
}

// ---------------- users ----------------

func (m *memStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memStore) CountNamedUsers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.UserName != "" {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetOwnerCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.Owner {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetOwnerID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Owner {
			return u.ID, nil
		}
	}
	return "", ErrNotFound
}

func (m *memStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByName(ctx context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UserName == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out, nil
}

func (m *memStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return errors.New("duplicate id")
	}
	for _, x := range m.users {
		if u.UserName != "" && x.UserName == u.UserName {
			return errors.New("duplicate user_name")
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) UpdateUser(ctx context.Context, u *User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return 0, nil
	}
	cp := *u
	m.users[u.ID] = &cp
	return 1, nil
}

func (m *memStore) UpdateDisplayName(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.users[id]; u != nil {
		u.DisplayName = name
	}
	return nil
}

func (m *memStore) SetOwner(ctx context.Context, id string, owner bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.users[id]; u != nil {
		u.Owner = owner
	}
	return nil
}

func (m *memStore) DeleteUser(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil || u.Owner {
		return 0, nil
	}
	delete(m.users, id)
	return 1, nil
}

// ---------------- files ----------------

func (m *memStore) CreateFile(ctx context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *memStore) GetFile(ctx context.Context, id string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[id]
	if f == nil {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) CheckFilePermission(ctx context.Context, fileID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[fileID]
	return f != nil && f.Owner == userID, nil
}

func (m *memStore) CountUserAccess(ctx context.Context, fileID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[fileID]
	if f == nil {
		return 0, nil
	}
	if f.Owner == userID || m.access[[2]string{userID, fileID}] {
		return 1, nil
	}
	return 0, nil
}

func (m *memStore) GetUserAccess(ctx context.Context, fileID, userID string, isAdmin bool) ([]*UserAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UserAccess
	for k := range m.access {
		if k[1] != fileID || (!isAdmin && k[0] != userID) {
			continue
		}
		if u := m.users[k[0]]; u != nil {
			out = append(out, &UserAccess{UserID: u.ID, UserName: u.UserName, DisplayName: u.DisplayName, Owner: m.files[fileID].Owner})
		}
	}
	return out, nil
}

func (m *memStore) GetAllUserAccess(ctx context.Context, fileID string) ([]*UserAccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UserAccessEntry
	for _, u := range m.users {
		if u.UserName == "" || !u.Enabled {
			continue
		}
		out = append(out, &UserAccessEntry{
			UserID:      u.ID,
			UserName:    u.UserName,
			DisplayName: u.DisplayName,
			HaveAccess:  m.access[[2]string{u.ID, fileID}],
			Owner:       m.files[fileID] != nil && m.files[fileID].Owner == u.ID,
		})
	}
	return out, nil
}

func (m *memStore) AddUserAccess(ctx context.Context, userID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[[2]string{userID, fileID}] = true
	return nil
}

func (m *memStore) DeleteUserAccess(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.access {
		if k[0] == userID {
			delete(m.access, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteUserAccessByFileID(ctx context.Context, userIDs []string, fileID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range userIDs {
		k := [2]string{id, fileID}
		if m.access[k] {
			delete(m.access, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransferAllAccessFromUser(ctx context.Context, newUserID, oldUserID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.access {
		if k[0] == oldUserID {
			delete(m.access, k)
			m.access[[2]string{newUserID, k[1]}] = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransferAllFilesFromUser(ctx context.Context, newOwnerID, oldUserID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, f := range m.files {
		if f.Owner == oldUserID {
			f.Owner = newOwnerID
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateFileOwner(ctx context.Context, ownerID, fileID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[fileID]
	if f == nil {
		return 0, nil
	}
	f.Owner = ownerID
	return 1, nil
}

// ---------------- sessions ----------------

func (m *memStore) GetSession(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[token]
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSessionByAuthMethod(ctx context.Context, method string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AuthMethod == method {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *memStore) UpdateSession(ctx context.Context, token, userID string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[token]; s != nil {
		s.UserID = userID
		s.ExpiresAt = expiresAt
	}
	return nil
}

func (m *memStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.sessions))
	m.sessions = make(map[string]*Session)
	return n, nil
}

func (m *memStore) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteExpiredSessions(ctx context.Context, now int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.ExpiresAt != TokenExpirationNever && s.ExpiresAt <= now {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

// ---------------- pending openid ----------------

func (m *memStore) CreatePendingRequest(ctx context.Context, r *PendingOpenIDRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.pending[r.State] = &cp
	return nil
}

func (m *memStore) ConsumePendingRequest(ctx context.Context, state string) (*PendingOpenIDRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.pending[state]
	if r == nil {
		return nil, ErrNotFound
	}
	delete(m.pending, state)
	return r, nil
}

func (m *memStore) DeleteExpiredPendingRequests(ctx context.Context, nowMillis int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.pending {
		if r.ExpiryTime <= nowMillis {
			delete(m.pending, k)
			n++
		}
	}
	return n, nil
}

// ---------------- api tokens ----------------

func (m *memStore) CreateToken(ctx context.Context, t *APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.BudgetIDs = nil
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memStore) AddTokenBudget(ctx context.Context, tokenID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[tokenID] = append(m.budgets[tokenID], fileID)
	return nil
}

func (m *memStore) ListTokensByPrefix(ctx context.Context, prefix string) ([]*APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixLookups++
	var out []*APIToken
	for _, t := range m.tokens {
		if t.TokenPrefix == prefix {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) TouchToken(ctx context.Context, id string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if t := m.tokens[id]; t != nil {
		t.LastUsedAt = now
	}
	return nil
}

func (m *memStore) ListTokensByUser(ctx context.Context, userID string) ([]*APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APIToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListTokenBudgets(ctx context.Context, ids []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for _, id := range ids {
		if b := m.budgets[id]; len(b) > 0 {
			out[id] = append([]string(nil), b...)
		}
	}
	return out, nil
}

func (m *memStore) GetTokenForUser(ctx context.Context, id, userID string) (*APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[id]
	if t == nil || t.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) DeleteTokenBudgets(ctx context.Context, tokenID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.budgets[tokenID]))
	delete(m.budgets, tokenID)
	return n, nil
}

func (m *memStore) DeleteToken(ctx context.Context, id, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[id]
	if t == nil || t.UserID != userID {
		return 0, nil
	}
	delete(m.tokens, id)
	return 1, nil
}

func (m *memStore) SetTokenEnabled(ctx context.Context, id, userID string, enabled bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[id]
	if t == nil || t.UserID != userID {
		return 0, nil
	}
	t.Enabled = enabled
	return 1, nil
}

// ======================
// 测试替身
// ======================

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

// fakeProvider 按 code 返回预置的 claims
type fakeProvider struct {
	discoverErr error
	grants      map[string]*OpenIDGrant
}

func (p *fakeProvider) Discover(ctx context.Context, cfg *OpenIDConfig) error {
	return p.discoverErr
}

func (p *fakeProvider) AuthCodeURL(ctx context.Context, cfg *OpenIDConfig, state, verifier string) (string, error) {
	return "https://idp.example.com/authorize?state=" + state, nil
}

func (p *fakeProvider) Exchange(ctx context.Context, cfg *OpenIDConfig, code, verifier string) (*OpenIDGrant, error) {
	g := p.grants[code]
	if g == nil {
		return nil, errors.New("invalid_grant")
	}
	return g, nil
}

type fixture struct {
	store    *memStore
	provider *fakeProvider
	conf     *conf.Auth

	passwords *PasswordUsecase
	openid    *OpenIDUsecase
	methods   *AuthMethodUsecase
	tokens    *APITokenUsecase
	sessions  *SessionUsecase
	users     *UserUsecase
}

func newFixture(t *testing.T, c *conf.Auth) *fixture {
	t.Helper()
	if c == nil {
		c = &conf.Auth{}
	}
	c.BcryptCost = bcrypt.MinCost

	logger := log.NewStdLogger(io.Discard)
	tp := tracesdk.NewTracerProvider()

	s := newMemStore()
	p := &fakeProvider{grants: make(map[string]*OpenIDGrant)}
	f := &fixture{store: s, provider: p, conf: c}

	f.passwords = NewPasswordUsecase(s, s, s, s, c, logger, tp)
	f.openid = NewOpenIDUsecase(s, s, s, s, s, s, p, f.passwords, nopNotifier{}, c, logger, tp)
	f.methods = NewAuthMethodUsecase(s, s, s, s, s, f.passwords, f.openid, nopNotifier{}, c, logger, tp)
	f.tokens = NewAPITokenUsecase(s, s, s, s, c, logger, tp)
	f.sessions = NewSessionUsecase(s, f.tokens, logger, tp)
	f.users = NewUserUsecase(s, s, s, s, nopNotifier{}, logger, tp)
	return f
}

func validOpenIDConfig() *OpenIDConfig {
	return &OpenIDConfig{
		Issuer:         &OpenIDIssuer{URL: "https://idp.example.com"},
		ClientID:       "client",
		ClientSecret:   "secret",
		ServerHostname: "https://budget.example.com",
	}
}

func strPtr(s string) *string { return &s }

func mustReason(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected reason %q, got nil", want)
	}
	if got := kerrors.Reason(err); got != want {
		t.Fatalf("expected reason %q, got %q (%v)", want, got, err)
	}
}

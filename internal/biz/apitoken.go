package biz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
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

const (
	APITokenPrefix = "act_"

	apiTokenRandomLen = 32
	// act_ + 8 个随机字符，明文存储用于候选查找
	apiTokenLookupLen = 12

	// last_used_at 最多 60s 写一次
	apiTokenTouchInterval = 60

	defaultBcryptCost = 12
)

type APIToken struct {
	ID          string
	UserID      string
	Name        string
	TokenHash   string
	TokenPrefix string
	CreatedAt   int64
	LastUsedAt  int64 // 0 表示从未使用
	ExpiresAt   int64
	Enabled     bool

	BudgetIDs []string
}

func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != TokenExpirationNever && t.ExpiresAt <= now.Unix()
}

type APITokenRepo interface {
	CreateToken(ctx context.Context, t *APIToken) error
	AddTokenBudget(ctx context.Context, tokenID, fileID string) error
	// ListTokensByPrefix 返回前缀相同的全部候选（包含 hash）
	ListTokensByPrefix(ctx context.Context, prefix string) ([]*APIToken, error)
	TouchToken(ctx context.Context, id string, now int64) error
	ListTokensByUser(ctx context.Context, userID string) ([]*APIToken, error)
	ListTokenBudgets(ctx context.Context, tokenIDs []string) (map[string][]string, error)
	GetTokenForUser(ctx context.Context, id, userID string) (*APIToken, error)
	DeleteTokenBudgets(ctx context.Context, tokenID string) (int64, error)
	DeleteToken(ctx context.Context, id, userID string) (int64, error)
	SetTokenEnabled(ctx context.Context, id, userID string, enabled bool) (int64, error)
}

// TokenValidation 是 API token 校验成功后的结果。
type TokenValidation struct {
	UserID    string
	TokenID   string
	BudgetIDs []string
	ExpiresAt int64
}

// CreatedAPIToken 带明文 token，只在创建时返回一次。
type CreatedAPIToken struct {
	*APIToken
	Token string
}

type APITokenUsecase struct {
	log    *log.Helper
	tracer trace.Tracer

	tx    Transaction
	repo  APITokenRepo
	users UserRepo
	files FileRepo

	cost     int
	now      func() time.Time
	generate func() (string, error)
}

func NewAPITokenUsecase(
	tx Transaction,
	repo APITokenRepo,
	users UserRepo,
	files FileRepo,
	c *conf.Auth,
	logger log.Logger,
	tp *tracesdk.TracerProvider,
) *APITokenUsecase {
	cost := defaultBcryptCost
	if c != nil && c.BcryptCost > 0 {
		cost = c.BcryptCost
	}
	return &APITokenUsecase{
		log:      log.NewHelper(log.With(logger, "module", "biz.api_token")),
		tracer:   newTracer(tp, "biz.api_token"),
		tx:       tx,
		repo:     repo,
		users:    users,
		files:    files,
		cost:     cost,
		now:      time.Now,
		generate: generateAPIToken,
	}
}

func generateAPIToken() (string, error) {
	var sb strings.Builder
	sb.WriteString(APITokenPrefix)
	buf := make([]byte, 48)
	for sb.Len() < len(APITokenPrefix)+apiTokenRandomLen {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range base64.RawURLEncoding.EncodeToString(buf) {
			if c == '-' || c == '_' {
				continue
			}
			sb.WriteRune(c)
			if sb.Len() == len(APITokenPrefix)+apiTokenRandomLen {
				break
			}
		}
	}
	return sb.String(), nil
}

// ======================
// 创建
// ======================

// CreateToken 生成 token 并返回明文；expiresAt 为 nil 表示永不过期。
func (uc *APITokenUsecase) CreateToken(ctx context.Context, userID, name string, budgetIDs []string, expiresAt *int64) (*CreatedAPIToken, error) {
	ctx, span := uc.tracer.Start(ctx, "api_token.create",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("api_token.scopes", len(budgetIDs)),
		),
	)
	defer span.End()

	l := uc.log.WithContext(ctx)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	now := uc.now()
	exp := TokenExpirationNever
	if expiresAt != nil && *expiresAt != TokenExpirationNever {
		if *expiresAt <= now.Unix() {
			return nil, ErrInvalidExpiresAt
		}
		exp = *expiresAt
	}

	scopes := make([]string, 0, len(budgetIDs))
	for _, id := range budgetIDs {
		if id != "" && !slices.Contains(scopes, id) {
			scopes = append(scopes, id)
		}
	}
	for _, fileID := range scopes {
		if err := uc.checkScopeReachable(ctx, userID, fileID); err != nil {
			l.Warnf("CreateToken scope rejected user_id=%s file_id=%s err=%v", userID, fileID, err)
			return nil, err
		}
	}

	plain, err := uc.generate()
	if err != nil {
		span.RecordError(err)
		return nil, ErrDatabase.WithCause(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), uc.cost)
	if err != nil {
		span.RecordError(err)
		l.Errorf("CreateToken hash failed user_id=%s err=%v", userID, err)
		return nil, ErrDatabase.WithCause(err)
	}

	tok := &APIToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		TokenHash:   string(hash),
		TokenPrefix: plain[:apiTokenLookupLen],
		CreatedAt:   now.Unix(),
		ExpiresAt:   exp,
		Enabled:     true,
		BudgetIDs:   scopes,
	}
	err = uc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := uc.repo.CreateToken(ctx, tok); err != nil {
			return err
		}
		for _, fileID := range scopes {
			if err := uc.repo.AddTokenBudget(ctx, tok.ID, fileID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create token failed")
		l.Errorf("CreateToken failed user_id=%s err=%v", userID, err)
		return nil, ErrDatabase.WithCause(err)
	}

	span.SetStatus(codes.Ok, "OK")
	l.Infof("CreateToken success user_id=%s token_id=%s prefix=%s", userID, tok.ID, tok.TokenPrefix)

	tok.TokenHash = ""
	return &CreatedAPIToken{APIToken: tok, Token: plain}, nil
}

// 创建者必须本身就能访问被限定的 budget，否则 scope 会变成越权通道
func (uc *APITokenUsecase) checkScopeReachable(ctx context.Context, userID, fileID string) error {
	if _, err := uc.files.GetFile(ctx, fileID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return withDetails(ErrInvalidFileID, fileID)
		}
		return ErrDatabase.WithCause(err)
	}
	ok, err := uc.userCanReach(ctx, userID, fileID, true)
	if err != nil {
		return ErrDatabase.WithCause(err)
	}
	if !ok {
		return withDetails(ErrForbidden, "budget-access-denied")
	}
	return nil
}

func (uc *APITokenUsecase) userCanReach(ctx context.Context, userID, fileID string, allowAdmin bool) (bool, error) {
	n, err := uc.files.CountUserAccess(ctx, fileID, userID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if !allowAdmin {
		return false, nil
	}
	u, err := uc.users.GetUserByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// ======================
// 校验
// ======================

func (uc *APITokenUsecase) ValidateToken(ctx context.Context, token string) (*TokenValidation, error) {
	// 非 act_ 前缀直接拒绝，不查库
	if !strings.HasPrefix(token, APITokenPrefix) || len(token) < apiTokenLookupLen {
		return nil, ErrInvalidAPIToken
	}

	ctx, span := uc.tracer.Start(ctx, "api_token.validate")
	defer span.End()

	l := uc.log.WithContext(ctx)

	candidates, err := uc.repo.ListTokensByPrefix(ctx, token[:apiTokenLookupLen])
	if err != nil {
		span.RecordError(err)
		l.Errorf("ValidateToken lookup failed err=%v", err)
		return nil, ErrDatabase.WithCause(err)
	}

	// 前缀可能碰撞，逐个比对 hash
	var match *APIToken
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil {
			match = c
			break
		}
	}
	if match == nil {
		span.SetStatus(codes.Error, "no matching token")
		l.Infof("ValidateToken no match prefix=%s candidates=%d", token[:apiTokenLookupLen], len(candidates))
		return nil, ErrInvalidAPIToken
	}

	span.SetAttributes(attribute.String("api_token.id", match.ID))

	now := uc.now()
	if !match.Enabled || match.Expired(now) {
		span.SetStatus(codes.Error, "token disabled or expired")
		l.Infof("ValidateToken rejected token_id=%s enabled=%v expires_at=%d", match.ID, match.Enabled, match.ExpiresAt)
		return nil, ErrInvalidAPIToken
	}

	u, err := uc.users.GetUserByID(ctx, match.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, ErrDatabase.WithCause(err)
	}
	if u == nil || !u.Enabled {
		l.Infof("ValidateToken owner missing or disabled token_id=%s user_id=%s", match.ID, match.UserID)
		return nil, ErrInvalidAPIToken
	}

	if now.Unix()-match.LastUsedAt >= apiTokenTouchInterval {
		if err := uc.repo.TouchToken(ctx, match.ID, now.Unix()); err != nil {
			// 不影响鉴权结果
			l.Warnf("ValidateToken touch failed token_id=%s err=%v", match.ID, err)
		}
	}

	budgets, err := uc.repo.ListTokenBudgets(ctx, []string{match.ID})
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}

	return &TokenValidation{
		UserID:    match.UserID,
		TokenID:   match.ID,
		BudgetIDs: budgets[match.ID],
		ExpiresAt: match.ExpiresAt,
	}, nil
}

// ======================
// 管理（均按 user_id 隔离）
// ======================

func (uc *APITokenUsecase) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	list, err := uc.repo.ListTokensByUser(ctx, userID)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.ID)
	}
	budgets, err := uc.repo.ListTokenBudgets(ctx, ids)
	if err != nil {
		return nil, ErrDatabase.WithCause(err)
	}
	for _, t := range list {
		t.TokenHash = ""
		t.BudgetIDs = budgets[t.ID]
		if t.BudgetIDs == nil {
			t.BudgetIDs = []string{}
		}
	}
	return list, nil
}

func (uc *APITokenUsecase) RevokeToken(ctx context.Context, tokenID, userID string) error {
	ctx, span := uc.tracer.Start(ctx, "api_token.revoke",
		trace.WithAttributes(attribute.String("api_token.id", tokenID)),
	)
	defer span.End()

	err := uc.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := uc.repo.GetTokenForUser(ctx, tokenID, userID); err != nil {
			return err
		}
		if _, err := uc.repo.DeleteTokenBudgets(ctx, tokenID); err != nil {
			return err
		}
		n, err := uc.repo.DeleteToken(ctx, tokenID, userID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		span.RecordError(err)
		return ErrDatabase.WithCause(err)
	}
	uc.log.WithContext(ctx).Infof("RevokeToken success token_id=%s user_id=%s", tokenID, userID)
	return nil
}

func (uc *APITokenUsecase) SetTokenEnabled(ctx context.Context, tokenID, userID string, enabled bool) error {
	n, err := uc.repo.SetTokenEnabled(ctx, tokenID, userID, enabled)
	if err != nil {
		return ErrDatabase.WithCause(err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	uc.log.WithContext(ctx).Infof("SetTokenEnabled token_id=%s user_id=%s enabled=%v", tokenID, userID, enabled)
	return nil
}

// HasAccessToBudget 无 scope 时退回到用户自身的 owner / 授权检查（ADMIN 由调用方另行判断）；
// 有 scope 时只看是否精确命中。
func (uc *APITokenUsecase) HasAccessToBudget(ctx context.Context, tokenID, budgetID, userID string) (bool, error) {
	budgets, err := uc.repo.ListTokenBudgets(ctx, []string{tokenID})
	if err != nil {
		return false, ErrDatabase.WithCause(err)
	}
	scopes := budgets[tokenID]
	if len(scopes) == 0 {
		ok, err := uc.userCanReach(ctx, userID, budgetID, false)
		if err != nil {
			return false, ErrDatabase.WithCause(err)
		}
		return ok, nil
	}
	return slices.Contains(scopes, budgetID), nil
}

package service

import (
	"context"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// APITokenService 只接受会话凭证：API token 不能再签发或管理 token。
type APITokenService struct {
	log    *log.Helper
	tokens *biz.APITokenUsecase
}

func NewAPITokenService(tokens *biz.APITokenUsecase, logger log.Logger) *APITokenService {
	return &APITokenService{
		log:    log.NewHelper(log.With(logger, "module", "service.apitoken")),
		tokens: tokens,
	}
}

type APITokenReply struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Prefix     string   `json:"prefix"`
	CreatedAt  int64    `json:"createdAt"`
	LastUsedAt *int64   `json:"lastUsedAt"`
	ExpiresAt  *int64   `json:"expiresAt"`
	Enabled    bool     `json:"enabled"`
	BudgetIDs  []string `json:"budgetIds"`
}

// 0 / 永不过期 在 JSON 里是 null
func nullableUnix(v int64) *int64 {
	if v == 0 || v == biz.TokenExpirationNever {
		return nil
	}
	return &v
}

func toAPITokenReply(t *biz.APIToken) *APITokenReply {
	budgets := t.BudgetIDs
	if budgets == nil {
		budgets = []string{}
	}
	return &APITokenReply{
		ID:         t.ID,
		Name:       t.Name,
		Prefix:     t.TokenPrefix,
		CreatedAt:  t.CreatedAt,
		LastUsedAt: nullableUnix(t.LastUsedAt),
		ExpiresAt:  nullableUnix(t.ExpiresAt),
		Enabled:    t.Enabled,
		BudgetIDs:  budgets,
	}
}

type CreateAPITokenRequest struct {
	TokenRequest
	Name      string   `json:"name"`
	BudgetIDs []string `json:"budgetIds"`
	ExpiresAt *int64   `json:"expiresAt"`
}

type CreatedAPITokenReply struct {
	*APITokenReply
	// 明文只在创建时返回一次
	Token string `json:"token"`
}

func (s *APITokenService) Create(ctx context.Context, req *CreateAPITokenRequest) (*CreatedAPITokenReply, error) {
	p, err := sessionOnly(ctx)
	if err != nil {
		return nil, err
	}
	created, err := s.tokens.CreateToken(ctx, p.UserID, req.Name, req.BudgetIDs, req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &CreatedAPITokenReply{
		APITokenReply: toAPITokenReply(created.APIToken),
		Token:         created.Token,
	}, nil
}

func (s *APITokenService) List(ctx context.Context, _ *EmptyRequest) ([]*APITokenReply, error) {
	p, err := sessionOnly(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.tokens.ListTokens(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]*APITokenReply, 0, len(list))
	for _, t := range list {
		out = append(out, toAPITokenReply(t))
	}
	return out, nil
}

type APITokenIDRequest struct {
	TokenRequest
	ID string `json:"id"`
}

func (s *APITokenService) Revoke(ctx context.Context, req *APITokenIDRequest) (*EmptyReply, error) {
	p, err := sessionOnly(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.RevokeToken(ctx, req.ID, p.UserID); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

type SetAPITokenEnabledRequest struct {
	TokenRequest
	ID string `json:"id"`
	// 非布尔值返回 invalid-enabled，而不是解码错误
	Enabled any `json:"enabled"`
}

func (s *APITokenService) SetEnabled(ctx context.Context, req *SetAPITokenEnabledRequest) (*EmptyReply, error) {
	p, err := sessionOnly(ctx)
	if err != nil {
		return nil, err
	}
	enabled, ok := req.Enabled.(bool)
	if !ok {
		return nil, biz.ErrInvalidEnabled
	}
	if err := s.tokens.SetTokenEnabled(ctx, req.ID, p.UserID, enabled); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

package service

import (
	"context"
	"io"
	"testing"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

func sessionCtx() context.Context {
	return biz.NewContextWithPrincipal(context.Background(), &biz.Principal{
		UserID:     "u1",
		AuthMethod: biz.AuthMethodPassword,
		ExpiresAt:  biz.TokenExpirationNever,
	})
}

func apiTokenCtx() context.Context {
	return biz.NewContextWithPrincipal(context.Background(), &biz.Principal{
		UserID:     "u1",
		AuthMethod: biz.AuthMethodAPIToken,
		TokenID:    "t1",
	})
}

func TestToAPITokenReply_NullsAndBudgets(t *testing.T) {
	r := toAPITokenReply(&biz.APIToken{
		ID:          "t1",
		Name:        "CI",
		TokenPrefix: "act_abcdefgh",
		CreatedAt:   100,
		LastUsedAt:  0,
		ExpiresAt:   biz.TokenExpirationNever,
		Enabled:     true,
	})
	if r.LastUsedAt != nil || r.ExpiresAt != nil {
		t.Fatalf("expected null timestamps, got %v %v", r.LastUsedAt, r.ExpiresAt)
	}
	if r.BudgetIDs == nil || len(r.BudgetIDs) != 0 {
		t.Fatalf("budgetIds must be an empty list, got %#v", r.BudgetIDs)
	}

	r = toAPITokenReply(&biz.APIToken{LastUsedAt: 200, ExpiresAt: 300, BudgetIDs: []string{"b1"}})
	if r.LastUsedAt == nil || *r.LastUsedAt != 200 || r.ExpiresAt == nil || *r.ExpiresAt != 300 {
		t.Fatalf("unexpected timestamps %v %v", r.LastUsedAt, r.ExpiresAt)
	}
}

func TestAPITokenService_RejectsAPITokenPrincipal(t *testing.T) {
	s := NewAPITokenService(nil, log.NewStdLogger(io.Discard))

	if _, err := s.List(apiTokenCtx(), &EmptyRequest{}); !errors.Is(err, biz.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := s.List(context.Background(), &EmptyRequest{}); !errors.Is(err, biz.ErrTokenNotFound) {
		t.Fatalf("expected token-not-found, got %v", err)
	}
}

func TestAPITokenService_SetEnabledRequiresBool(t *testing.T) {
	s := NewAPITokenService(nil, log.NewStdLogger(io.Discard))

	for _, v := range []any{nil, "true", float64(1)} {
		_, err := s.SetEnabled(sessionCtx(), &SetAPITokenEnabledRequest{ID: "t1", Enabled: v})
		if !errors.Is(err, biz.ErrInvalidEnabled) {
			t.Fatalf("enabled=%#v: expected invalid-enabled, got %v", v, err)
		}
	}
}

func TestAdminService_AccessInputValidation(t *testing.T) {
	s := NewAdminService(nil, nil, log.NewStdLogger(io.Discard))

	if _, err := s.GetAccess(sessionCtx(), &FileRequest{}); !errors.Is(err, biz.ErrInvalidFileID) {
		t.Fatalf("expected invalid-file-id, got %v", err)
	}
	if _, err := s.AddAccess(sessionCtx(), &AddAccessRequest{}); !errors.Is(err, biz.ErrInvalidFileID) {
		t.Fatalf("expected invalid-file-id, got %v", err)
	}
	if _, err := s.GetAccess(context.Background(), &FileRequest{FileID: "f1"}); !errors.Is(err, biz.ErrTokenNotFound) {
		t.Fatalf("expected token-not-found, got %v", err)
	}
}

func TestAccountService_ChangePasswordRejectsAPIToken(t *testing.T) {
	s := NewAccountService(nil, nil, nil, nil, nil, log.NewStdLogger(io.Discard))

	if _, err := s.ChangePassword(apiTokenCtx(), &ChangePasswordRequest{Password: "x"}); !errors.Is(err, biz.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestTokenRequest_GetToken(t *testing.T) {
	var r *TokenRequest
	if r.GetToken() != "" {
		t.Fatalf("nil request must have empty token")
	}
	if (&LoginRequest{TokenRequest: TokenRequest{Token: "abc"}}).GetToken() != "abc" {
		t.Fatalf("embedded token not promoted")
	}
}

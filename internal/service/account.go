package service

import (
	"context"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
)

const headerPassword = "x-actual-password"

type AccountService struct {
	log *log.Helper

	methods   *biz.AuthMethodUsecase
	passwords *biz.PasswordUsecase
	openid    *biz.OpenIDUsecase
	users     *biz.UserUsecase
	proxies   *TrustedProxies
}

func NewAccountService(
	methods *biz.AuthMethodUsecase,
	passwords *biz.PasswordUsecase,
	openid *biz.OpenIDUsecase,
	users *biz.UserUsecase,
	proxies *TrustedProxies,
	logger log.Logger,
) *AccountService {
	return &AccountService{
		log:       log.NewHelper(log.With(logger, "module", "service.account")),
		methods:   methods,
		passwords: passwords,
		openid:    openid,
		users:     users,
		proxies:   proxies,
	}
}

type LoginMethod struct {
	Method      string `json:"method"`
	Active      bool   `json:"active"`
	DisplayName string `json:"displayName"`
}

func (s *AccountService) loginMethods(ctx context.Context) ([]*LoginMethod, error) {
	ms, err := s.methods.ListLoginMethods(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*LoginMethod, 0, len(ms))
	for _, m := range ms {
		out = append(out, &LoginMethod{Method: m.Method, Active: m.Active, DisplayName: m.DisplayName})
	}
	return out, nil
}

// ======================
// GET /account/needs-bootstrap
// ======================

type NeedsBootstrapReply struct {
	Bootstrapped          bool           `json:"bootstrapped"`
	LoginMethod           string         `json:"loginMethod"`
	AvailableLoginMethods []*LoginMethod `json:"availableLoginMethods"`
	Multiuser             bool           `json:"multiuser"`
}

func (s *AccountService) NeedsBootstrap(ctx context.Context, _ *EmptyRequest) (*NeedsBootstrapReply, error) {
	needs, err := s.methods.NeedsBootstrap(ctx)
	if err != nil {
		return nil, err
	}
	loginMethod, err := s.methods.ResolveLoginMethod(ctx, "")
	if err != nil {
		return nil, err
	}
	active, err := s.methods.ActiveLoginMethod(ctx)
	if err != nil {
		return nil, err
	}
	ms, err := s.loginMethods(ctx)
	if err != nil {
		return nil, err
	}
	return &NeedsBootstrapReply{
		Bootstrapped:          !needs,
		LoginMethod:           loginMethod,
		AvailableLoginMethods: ms,
		Multiuser:             active == biz.AuthMethodOpenID,
	}, nil
}

// ======================
// POST /account/bootstrap
// ======================

type BootstrapRequest struct {
	TokenRequest
	Password *string           `json:"password,omitempty"`
	OpenID   *biz.OpenIDConfig `json:"openId,omitempty"`
}

type TokenReply struct {
	Token string `json:"token,omitempty"`
}

// Bootstrap 选 password 时顺便登录并返回 token；选 openid 时前端随后走 /account/login。
func (s *AccountService) Bootstrap(ctx context.Context, req *BootstrapRequest) (*TokenReply, error) {
	err := s.methods.Bootstrap(ctx, biz.BootstrapSettings{Password: req.Password, OpenID: req.OpenID}, false)
	if err != nil {
		return nil, err
	}
	if req.Password == nil {
		return &TokenReply{}, nil
	}
	token, err := s.passwords.LoginWithPassword(ctx, *req.Password)
	if err != nil {
		return nil, err
	}
	return &TokenReply{Token: token}, nil
}

// ======================
// GET /account/login-methods
// ======================

type LoginMethodsReply struct {
	Methods []*LoginMethod `json:"methods"`
}

func (s *AccountService) LoginMethods(ctx context.Context, _ *EmptyRequest) (*LoginMethodsReply, error) {
	ms, err := s.loginMethods(ctx)
	if err != nil {
		return nil, err
	}
	return &LoginMethodsReply{Methods: ms}, nil
}

// ======================
// POST /account/login
// ======================

type LoginRequest struct {
	TokenRequest
	LoginMethod string `json:"loginMethod,omitempty"`
	Password    string `json:"password,omitempty"`
	ReturnURL   string `json:"returnUrl,omitempty"`
}

type LoginReply struct {
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

func (s *AccountService) Login(ctx context.Context, req *LoginRequest) (*LoginReply, error) {
	method, err := s.methods.ResolveLoginMethod(ctx, req.LoginMethod)
	if err != nil {
		return nil, err
	}
	l := s.log.WithContext(ctx)

	switch method {
	case biz.AuthMethodHeader:
		var pw string
		if tr, ok := transport.FromServerContext(ctx); ok {
			pw = tr.RequestHeader().Get(headerPassword)
		}
		if pw == "" {
			return nil, biz.ErrInvalidHeader
		}
		if !s.proxies.isAuthProxyCtx(ctx) {
			l.Warn("header login rejected: peer is not a trusted auth proxy")
			return nil, biz.ErrProxyNotTrusted
		}
		token, err := s.passwords.LoginWithPassword(ctx, pw)
		if err != nil {
			return nil, err
		}
		return &LoginReply{Token: token}, nil

	case biz.AuthMethodOpenID:
		u, err := s.openid.LoginSetup(ctx, req.ReturnURL, req.Password)
		if err != nil {
			return nil, err
		}
		return &LoginReply{RedirectURL: u}, nil

	default:
		token, err := s.passwords.LoginWithPassword(ctx, req.Password)
		if err != nil {
			return nil, err
		}
		return &LoginReply{Token: token}, nil
	}
}

// ======================
// POST /account/change-password
// ======================

type ChangePasswordRequest struct {
	TokenRequest
	Password string `json:"password"`
}

func (s *AccountService) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*EmptyReply, error) {
	p, err := sessionOnly(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.users.RequireAdmin(ctx, p.UserID); err != nil {
		return nil, err
	}
	if err := s.passwords.ChangePassword(ctx, req.Password); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

// ======================
// GET /account/validate
// ======================

type ValidateReply struct {
	Validated   bool   `json:"validated"`
	UserName    string `json:"userName"`
	Permission  string `json:"permission"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	LoginMethod string `json:"loginMethod"`
}

func (s *AccountService) Validate(ctx context.Context, _ *EmptyRequest) (*ValidateReply, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return &ValidateReply{
		Validated:   true,
		UserName:    u.UserName,
		Permission:  string(u.Role),
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		LoginMethod: p.AuthMethod,
	}, nil
}

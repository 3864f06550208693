package service

import (
	"context"
	stdhttp "net/http"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

type OpenIDService struct {
	log *log.Helper

	methods *biz.AuthMethodUsecase
	openid  *biz.OpenIDUsecase
	users   *biz.UserUsecase
}

func NewOpenIDService(
	methods *biz.AuthMethodUsecase,
	openid *biz.OpenIDUsecase,
	users *biz.UserUsecase,
	logger log.Logger,
) *OpenIDService {
	return &OpenIDService{
		log:     log.NewHelper(log.With(logger, "module", "service.openid")),
		methods: methods,
		openid:  openid,
		users:   users,
	}
}

type EnableOpenIDRequest struct {
	TokenRequest
	OpenID *biz.OpenIDConfig `json:"openId"`
}

func (s *OpenIDService) Enable(ctx context.Context, req *EnableOpenIDRequest) (*EmptyReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	if err := s.methods.EnableOpenID(ctx, req.OpenID); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

type DisableOpenIDRequest struct {
	TokenRequest
	Password string `json:"password"`
}

func (s *OpenIDService) Disable(ctx context.Context, req *DisableOpenIDRequest) (*EmptyReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	if err := s.methods.DisableOpenID(ctx, req.Password); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

type OpenIDConfigReply struct {
	OpenID *biz.OpenIDConfig `json:"openId"`
}

// Config 返回保存的配置，client_secret 已去掉。
func (s *OpenIDService) Config(ctx context.Context, _ *EmptyRequest) (*OpenIDConfigReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	cfg, err := s.openid.StoredConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &OpenIDConfigReply{OpenID: cfg.Redacted()}, nil
}

type CallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// RedirectReply 由 http 编码器识别，输出 302。
type RedirectReply struct {
	URL string
}

func (r *RedirectReply) Redirect() (string, int) {
	return r.URL, stdhttp.StatusFound
}

func (s *OpenIDService) Callback(ctx context.Context, req *CallbackRequest) (*RedirectReply, error) {
	target, err := s.openid.LoginFinalize(ctx, req.Code, req.State)
	if err != nil {
		return nil, err
	}
	// 配置可能在 setup 与回调之间被修改，跳转前再校验一次
	if !s.openid.IsValidRedirectURL(ctx, target) {
		s.log.WithContext(ctx).Warnf("openid callback refused redirect target=%s", target)
		return nil, biz.ErrInvalidReturnURL
	}
	return &RedirectReply{URL: target}, nil
}

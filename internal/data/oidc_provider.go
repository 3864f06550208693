package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	jwtutil "accountserver/pkg/jwt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

const (
	defaultOIDCHTTPTimeout = 20 * time.Second
	discoverySuffix        = "/.well-known/openid-configuration"

	// discovery 结果缓存时间，配置变更后最多延迟这么久
	issuerCacheTTL = 10 * time.Minute
)

// oidcProvider 实现 biz.OpenIDProvider：
// openid 模式走 discovery 并校验 id_token，oauth2 模式用手动端点和 userinfo。
type oidcProvider struct {
	log    *log.Helper
	client *http.Client
	cache  *cache.Cache
}

var _ biz.OpenIDProvider = (*oidcProvider)(nil)

func NewOIDCProvider(c *conf.Auth, logger log.Logger) *oidcProvider {
	timeout := defaultOIDCHTTPTimeout
	if c != nil && c.OpenID != nil && c.OpenID.Timeout.AsDuration() > 0 {
		timeout = c.OpenID.Timeout.AsDuration()
	}
	return &oidcProvider{
		log:    log.NewHelper(log.With(logger, "module", "data.oidc_provider")),
		client: &http.Client{Timeout: timeout},
		cache:  cache.New(issuerCacheTTL, 2*issuerCacheTTL),
	}
}

type resolvedIssuer struct {
	endpoint oauth2.Endpoint
	userinfo string
	// 手动端点时为 nil
	provider *oidc.Provider
}

func (p *oidcProvider) clientCtx(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.client)
}

func discoveryIssuer(cfg *biz.OpenIDConfig) string {
	if cfg.DiscoveryURL != "" {
		return strings.TrimSuffix(strings.TrimRight(cfg.DiscoveryURL, "/"), discoverySuffix)
	}
	if cfg.Issuer != nil {
		return strings.TrimRight(cfg.Issuer.URL, "/")
	}
	return ""
}

func (p *oidcProvider) resolve(ctx context.Context, cfg *biz.OpenIDConfig) (*resolvedIssuer, error) {
	if cfg.Issuer.Manual() {
		for _, raw := range []string{cfg.Issuer.AuthorizationEndpoint, cfg.Issuer.TokenEndpoint} {
			if _, err := url.ParseRequestURI(raw); err != nil {
				return nil, fmt.Errorf("openid: invalid endpoint %q: %w", raw, err)
			}
		}
		return &resolvedIssuer{
			endpoint: oauth2.Endpoint{
				AuthURL:  cfg.Issuer.AuthorizationEndpoint,
				TokenURL: cfg.Issuer.TokenEndpoint,
			},
			userinfo: cfg.Issuer.UserinfoEndpoint,
		}, nil
	}

	issuer := discoveryIssuer(cfg)
	if issuer == "" {
		return nil, errors.New("openid: issuer is empty")
	}
	if v, ok := p.cache.Get(issuer); ok {
		return v.(*resolvedIssuer), nil
	}

	l := p.log.WithContext(ctx)
	l.Infof("openid discovery start issuer=%s", issuer)
	provider, err := oidc.NewProvider(p.clientCtx(ctx), issuer)
	if err != nil {
		l.Warnf("openid discovery failed issuer=%s err=%v", issuer, err)
		return nil, err
	}
	r := &resolvedIssuer{
		endpoint: provider.Endpoint(),
		userinfo: provider.UserInfoEndpoint(),
		provider: provider,
	}
	p.cache.SetDefault(issuer, r)
	l.Infof("openid discovery success issuer=%s", issuer)
	return r, nil
}

func oauthConfig(cfg *biz.OpenIDConfig, r *resolvedIssuer) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     r.endpoint,
		RedirectURL:  cfg.RedirectURL(),
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
}

func (p *oidcProvider) Discover(ctx context.Context, cfg *biz.OpenIDConfig) error {
	_, err := p.resolve(ctx, cfg)
	return err
}

func (p *oidcProvider) AuthCodeURL(ctx context.Context, cfg *biz.OpenIDConfig, state, codeVerifier string) (string, error) {
	r, err := p.resolve(ctx, cfg)
	if err != nil {
		return "", err
	}
	return oauthConfig(cfg, r).AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), nil
}

func (p *oidcProvider) Exchange(ctx context.Context, cfg *biz.OpenIDConfig, code, codeVerifier string) (*biz.OpenIDGrant, error) {
	r, err := p.resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l := p.log.WithContext(ctx)
	oc := oauthConfig(cfg, r)
	cctx := p.clientCtx(ctx)

	tok, err := oc.Exchange(cctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		l.Warnf("openid exchange failed err=%v", err)
		return nil, err
	}
	rawID, _ := tok.Extra("id_token").(string)

	claims := map[string]any{}
	if r.provider != nil && !cfg.UsesOAuth2() {
		if rawID == "" {
			return nil, errors.New("openid: token response has no id_token")
		}
		idt, err := r.provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}).Verify(cctx, rawID)
		if err != nil {
			l.Warnf("openid id_token verify failed err=%v", err)
			return nil, err
		}
		if err := idt.Claims(&claims); err != nil {
			return nil, err
		}
	}

	// userinfo 只补充 id_token 里没有的字段；oauth2 模式下是主要来源
	if r.userinfo != "" {
		info, err := p.userInfo(cctx, r, oc, tok)
		switch {
		case err == nil:
			for k, v := range info {
				if _, ok := claims[k]; !ok {
					claims[k] = v
				}
			}
		case len(claims) == 0 && rawID == "":
			return nil, err
		default:
			l.Warnf("openid userinfo failed err=%v", err)
		}
	}

	if len(claims) == 0 && rawID != "" {
		mc, err := jwtutil.ParseUnverified(rawID)
		if err != nil {
			return nil, err
		}
		claims = mc
	}
	if len(claims) == 0 {
		return nil, errors.New("openid: provider returned no claims")
	}

	grant := &biz.OpenIDGrant{Claims: claims}
	if !tok.Expiry.IsZero() {
		grant.ExpiresAt = tok.Expiry.Unix()
	}
	return grant, nil
}

func (p *oidcProvider) userInfo(ctx context.Context, r *resolvedIssuer, oc *oauth2.Config, tok *oauth2.Token) (map[string]any, error) {
	out := map[string]any{}
	if r.provider != nil {
		ui, err := r.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
		if err != nil {
			return nil, err
		}
		if err := ui.Claims(&out); err != nil {
			return nil, err
		}
		return out, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.userinfo, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := oc.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openid: userinfo status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

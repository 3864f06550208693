package service

import (
	"context"
	stdhttp "net/http"
	"net/netip"
	"strings"

	"accountserver/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// TrustedProxies 解析 auth.trusted_proxies / auth.trusted_auth_proxies。
// 条目可以是单个 IP，也可以是 CIDR。
type TrustedProxies struct {
	proxies     []netip.Prefix
	authProxies []netip.Prefix
}

func NewTrustedProxies(c *conf.Auth, logger log.Logger) *TrustedProxies {
	l := log.NewHelper(log.With(logger, "module", "service.proxy"))
	t := &TrustedProxies{}
	if c == nil {
		return t
	}
	t.proxies = parsePrefixes(c.TrustedProxies, l)
	t.authProxies = parsePrefixes(c.TrustedAuthProxies, l)
	return t
}

func parsePrefixes(raw []string, l *log.Helper) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			l.Warnf("ignore invalid proxy entry %q", s)
			continue
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out
}

func contains(list []netip.Prefix, a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	a = a.Unmap()
	for _, p := range list {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func peerAddr(r *stdhttp.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	a, _ := netip.ParseAddr(r.RemoteAddr)
	return a.Unmap()
}

// ClientIP 只有直连对端是受信代理时才读取 X-Forwarded-For，
// 从右往左跳过受信代理，第一个非受信地址即客户端。
func (t *TrustedProxies) ClientIP(r *stdhttp.Request) string {
	peer := peerAddr(r)
	if !contains(t.proxies, peer) {
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !contains(t.proxies, a) {
			return a.Unmap().String()
		}
	}
	return peer.String()
}

// IsAuthProxy 直连对端是否在 trusted_auth_proxies 内；不看 X-Forwarded-For。
func (t *TrustedProxies) IsAuthProxy(r *stdhttp.Request) bool {
	return contains(t.authProxies, peerAddr(r))
}

func (t *TrustedProxies) isAuthProxyCtx(ctx context.Context) bool {
	r, ok := khttp.RequestFromServerContext(ctx)
	if !ok {
		return false
	}
	return t.IsAuthProxy(r)
}

package server

import (
	"bytes"
	"context"
	"io"
	stdhttp "net/http"
	"time"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	"accountserver/internal/data"
	"accountserver/internal/service"

	"github.com/go-chi/httprate"
	"github.com/go-kratos/kratos/v2/encoding"
	kjson "github.com/go-kratos/kratos/v2/encoding/json"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/ratelimit"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	httpx "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/sdk/trace"
)

// 公开接口的 operation，鉴权白名单用
const (
	opNeedsBootstrap = "GET /account/needs-bootstrap"
	opBootstrap      = "POST /account/bootstrap"
	opLoginMethods   = "GET /account/login-methods"
	opLogin          = "POST /account/login"
	opOpenIDCallback = "GET /openid/callback"
	opOwnerCreated   = "GET /admin/owner-created"
)

// 按 IP 限流的路径
var rateLimitedPaths = map[string]bool{
	"/account/login":   true,
	"/openid/callback": true,
}

func NewHTTPServer(
	c *conf.Server,
	logger log.Logger,
	tp *trace.TracerProvider,
	d *data.Data,
	metrics *Metrics,
	sessions *biz.SessionUsecase,
	proxies *service.TrustedProxies,
	account *service.AccountService,
	openid *service.OpenIDService,
	admin *service.AdminService,
	tokens *service.APITokenService,
) *httpx.Server {
	var opts = []httpx.ServerOption{
		httpx.Middleware(
			recovery.Recovery(),
			RequestID(),
			tracing.Server(tracing.WithTracerProvider(tp)),
			logging.Server(log.With(logger, "logger.name", "server.http")),
			metrics.Middleware(),
			// 默认 bbr limiter
			ratelimit.Server(),
			AuthMiddleware(sessions, logger),
		),
		httpx.RequestDecoder(decodeRequest),
		httpx.ResponseEncoder(encodeResponse),
		httpx.ErrorEncoder(encodeError),
	}

	if c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, httpx.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, httpx.Address(c.Http.Addr))
		}
		if c.Http.Timeout != nil {
			opts = append(opts, httpx.Timeout(c.Http.Timeout.AsDuration()))
		}
		if c.Http.LoginRateLimit > 0 {
			opts = append(opts, httpx.Filter(loginRateLimit(c.Http.LoginRateLimit, proxies, metrics)))
		}
	}

	opts = append(opts, httpx.Logger(logger))

	srv := httpx.NewServer(opts...)
	registerRoutes(srv.Route("/"), account, openid, admin, tokens)

	srv.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	// ===== 探活接口 =====
	srv.Handle("/healthz", stdhttp.HandlerFunc(
		func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			w.WriteHeader(stdhttp.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}),
	)

	// /readyz：sqlite 能 ping 通才算就绪
	srv.Handle("/readyz", stdhttp.HandlerFunc(
		func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			if db := d.SQLDB(); db != nil {
				if err := db.PingContext(r.Context()); err != nil {
					w.WriteHeader(stdhttp.StatusServiceUnavailable)
					_, _ = w.Write([]byte("database not ready"))
					return
				}
			}
			w.WriteHeader(stdhttp.StatusOK)
			_, _ = w.Write([]byte("ready"))
		}),
	)

	return srv
}

func registerRoutes(
	r *httpx.Router,
	account *service.AccountService,
	openid *service.OpenIDService,
	admin *service.AdminService,
	tokens *service.APITokenService,
) {
	ok, created := stdhttp.StatusOK, stdhttp.StatusCreated

	// ===== account =====
	route(r, stdhttp.MethodGet, "/account/needs-bootstrap", ok, account.NeedsBootstrap)
	route(r, stdhttp.MethodPost, "/account/bootstrap", ok, account.Bootstrap)
	route(r, stdhttp.MethodGet, "/account/login-methods", ok, account.LoginMethods)
	route(r, stdhttp.MethodPost, "/account/login", ok, account.Login)
	route(r, stdhttp.MethodPost, "/account/change-password", ok, account.ChangePassword)
	route(r, stdhttp.MethodGet, "/account/validate", ok, account.Validate)

	// ===== openid =====
	route(r, stdhttp.MethodPost, "/openid/enable", ok, openid.Enable)
	route(r, stdhttp.MethodPost, "/openid/disable", ok, openid.Disable)
	route(r, stdhttp.MethodGet, "/openid/config", ok, openid.Config)
	route(r, stdhttp.MethodGet, "/openid/callback", ok, openid.Callback)

	// ===== admin =====
	route(r, stdhttp.MethodGet, "/admin/owner-created", ok, admin.OwnerCreated)
	route(r, stdhttp.MethodGet, "/admin/users", ok, admin.ListUsers)
	route(r, stdhttp.MethodPost, "/admin/users", ok, admin.CreateUser)
	route(r, stdhttp.MethodPatch, "/admin/users", ok, admin.UpdateUser)
	route(r, stdhttp.MethodDelete, "/admin/users", ok, admin.DeleteUsers)
	route(r, stdhttp.MethodGet, "/admin/access", ok, admin.GetAccess)
	route(r, stdhttp.MethodPost, "/admin/access", ok, admin.AddAccess)
	route(r, stdhttp.MethodDelete, "/admin/access", ok, admin.DeleteAccess)
	route(r, stdhttp.MethodGet, "/admin/access/users", ok, admin.GetAllAccess)
	route(r, stdhttp.MethodPost, "/admin/access/transfer-ownership", ok, admin.TransferOwnership)

	// ===== api tokens =====
	route(r, stdhttp.MethodPost, "/api-tokens", created, tokens.Create)
	route(r, stdhttp.MethodGet, "/api-tokens", ok, tokens.List)
	route(r, stdhttp.MethodDelete, "/api-tokens/{id}", ok, tokens.Revoke)
	route(r, stdhttp.MethodPatch, "/api-tokens/{id}", ok, tokens.SetEnabled)
}

// route 注册一个 JSON 接口：query -> body -> path 变量依次绑定，后者覆盖前者，
// 然后走 kratos 中间件链。operation 为 "METHOD /path"。
func route[Req, Reply any](r *httpx.Router, method, path string, code int, fn func(context.Context, *Req) (Reply, error)) {
	op := method + " " + path
	r.Handle(method, path, func(ctx httpx.Context) error {
		in := new(Req)
		if err := ctx.BindQuery(in); err != nil {
			return err
		}
		if err := ctx.Bind(in); err != nil {
			return err
		}
		if err := ctx.BindVars(in); err != nil {
			return err
		}
		httpx.SetOperation(ctx, op)
		h := ctx.Middleware(func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*Req))
		})
		out, err := h(ctx, in)
		if err != nil {
			return err
		}
		return ctx.Result(code, out)
	})
}

// ======================
// 编解码
// ======================

type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

func codecFor(r *stdhttp.Request, header string) encoding.Codec {
	if c, ok := httpx.CodecForRequest(r, header); ok {
		return c
	}
	return encoding.GetCodec(kjson.Name)
}

// decodeRequest 空 body 直接跳过；没有 Content-Type 时按 JSON 解析。
func decodeRequest(r *stdhttp.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	if err != nil {
		return errors.BadRequest("CODEC", err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := codecFor(r, "Content-Type").Unmarshal(body, v); err != nil {
		return errors.BadRequest("CODEC", "body unmarshal "+err.Error())
	}
	return nil
}

func writeJSON(w stdhttp.ResponseWriter, r *stdhttp.Request, code int, v any) error {
	codec := codecFor(r, "Accept")
	body, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/"+codec.Name())
	w.WriteHeader(code)
	_, err = w.Write(body)
	return err
}

// encodeResponse 输出 {status:"ok", data}；Redirector 输出跳转。
func encodeResponse(w stdhttp.ResponseWriter, r *stdhttp.Request, v any) error {
	if rd, ok := v.(httpx.Redirector); ok {
		u, code := rd.Redirect()
		stdhttp.Redirect(w, r, u, code)
		return nil
	}
	codec := codecFor(r, "Accept")
	body, err := codec.Marshal(&envelope{Status: "ok", Data: v})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/"+codec.Name())
	_, err = w.Write(body)
	return err
}

// errorEnvelope 把 reason error 转成 {status:"error", reason, details}。
// 缺少凭证和无效 API token 对外统一为 unauthorized，具体原因放在 details。
func errorEnvelope(err error) (int, *envelope) {
	se := errors.FromError(err)
	env := &envelope{Status: "error", Reason: se.Reason, Details: se.Message}

	switch {
	case se.Reason == biz.ErrTokenNotFound.Reason, se.Reason == biz.ErrInvalidAPIToken.Reason:
		env.Reason, env.Details = "unauthorized", se.Reason
	case se.Reason == "":
		// 未归类的错误不向客户端暴露细节
		env.Reason, env.Details = "internal-error", ""
	}
	return int(se.Code), env
}

func encodeError(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
	code, env := errorEnvelope(err)
	if code >= stdhttp.StatusInternalServerError {
		log.Errorf("http request failed path=%s err=%v", r.URL.Path, err)
	}
	_ = writeJSON(w, r, code, env)
}

// ======================
// 登录限流
// ======================

var errTooManyRequests = errors.New(stdhttp.StatusTooManyRequests, "too-many-requests", "")

// loginRateLimit 只作用于登录和 OpenID 回调，按受信代理解析出的客户端 IP 计数。
func loginRateLimit(perMinute int, proxies *service.TrustedProxies, metrics *Metrics) httpx.FilterFunc {
	limiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *stdhttp.Request) (string, error) {
			return proxies.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			metrics.limited.Inc()
			encodeError(w, r, errTooManyRequests)
		}),
	)
	return func(next stdhttp.Handler) stdhttp.Handler {
		limited := limiter(next)
		return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			if rateLimitedPaths[r.URL.Path] {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

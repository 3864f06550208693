// Package conf 定义服务的启动配置，由 kratos config 从 yaml + 环境变量扫描得到。
package conf

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Bootstrap struct {
	Server *Server `json:"server"`
	Data   *Data   `json:"data"`
	Auth   *Auth   `json:"auth"`
	Log    *Log    `json:"log"`
	Trace  *Trace  `json:"trace"`
	Notify *Notify `json:"notify"`
}

type Server struct {
	Http *Server_HTTP `json:"http"`
	Grpc *Server_GRPC `json:"grpc"`
}

type Server_HTTP struct {
	Network string    `json:"network"`
	Addr    string    `json:"addr"`
	Timeout *Duration `json:"timeout"`

	// 登录 / OpenID 回调按 IP 限流，<=0 表示关闭
	LoginRateLimit int `json:"login_rate_limit"`
}

type Server_GRPC struct {
	Network string    `json:"network"`
	Addr    string    `json:"addr"`
	Timeout *Duration `json:"timeout"`
}

type Data struct {
	Database *Data_Database `json:"database"`
}

type Data_Database struct {
	// sqlite 文件路径
	Path  string `json:"path"`
	Debug bool   `json:"debug"`
}

type Auth struct {
	// 默认登录方式：password | openid | header
	LoginMethod string `json:"login_method"`
	// 允许客户端在请求体里指定的登录方式
	AllowedLoginMethods []string `json:"allowed_login_methods"`

	// 允许设置 X-Forwarded-For 的反向代理
	TrustedProxies []string `json:"trusted_proxies"`
	// 允许使用 header 登录的反向代理
	TrustedAuthProxies []string `json:"trusted_auth_proxies"`

	TokenExpiration TokenExpiration `json:"token_expiration"`

	// manual | login
	UserCreationMode string `json:"user_creation_mode"`

	// bcrypt cost，0 表示默认值 12
	BcryptCost int `json:"bcrypt_cost"`

	OpenID *OpenID `json:"openid"`
}

// OpenID 是配置文件里的 OpenID 设置，启动时可强制 bootstrap 到数据库。
type OpenID struct {
	Issuer       string `json:"issuer"`
	DiscoveryURL string `json:"discovery_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	ServerHostname string `json:"server_hostname"`

	// openid | oauth2
	AuthMethod string `json:"auth_method"`

	// 仅 oauth2 模式需要手动指定的端点
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`

	// 已经 bootstrap 过也强制覆盖
	Enforce bool `json:"enforce"`

	Timeout *Duration `json:"timeout"`
}

type Log struct {
	Debug bool `json:"debug"`
	// auto | json | console，auto 按终端是否支持颜色决定
	Format string `json:"format"`
}

type Trace struct {
	TraceName string `json:"trace_name"`
	Endpoint  string `json:"endpoint"`
}

type Notify struct {
	Telegram *Notify_Telegram `json:"telegram"`
}

type Notify_Telegram struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// ======================
// Duration
// ======================

// Duration 兼容 "1.5s" 字符串和秒数两种写法。
type Duration struct {
	time.Duration
}

func (d *Duration) AsDuration() time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		if x == "" {
			d.Duration = 0
			return nil
		}
		if secs, err := strconv.ParseFloat(x, 64); err == nil {
			d.Duration = time.Duration(secs * float64(time.Second))
			return nil
		}
		dur, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("conf: invalid duration %q: %w", x, err)
		}
		d.Duration = dur
	default:
		return fmt.Errorf("conf: invalid duration %s", string(b))
	}
	return nil
}

// ======================
// token_expiration
// ======================

type TokenExpirationMode string

const (
	TokenExpirationUnset          TokenExpirationMode = ""
	TokenExpirationNever          TokenExpirationMode = "never"
	TokenExpirationOpenIDProvider TokenExpirationMode = "openid-provider"
	TokenExpirationMinutes        TokenExpirationMode = "minutes"
)

// TokenExpiration 对应配置 token_expiration：never / openid-provider / 分钟数。
type TokenExpiration struct {
	Mode    TokenExpirationMode
	Minutes int64
}

func (t *TokenExpiration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*t = TokenExpiration{}
	case float64:
		*t = TokenExpiration{Mode: TokenExpirationMinutes, Minutes: int64(x)}
	case string:
		return t.parse(x)
	default:
		return fmt.Errorf("conf: invalid token_expiration %s", string(b))
	}
	return nil
}

// yaml 里的 ${TOKEN_EXPIRATION:60} 占位符解析后是字符串
func (t *TokenExpiration) parse(s string) error {
	s = strings.TrimSpace(s)
	switch TokenExpirationMode(s) {
	case TokenExpirationUnset:
		*t = TokenExpiration{}
		return nil
	case TokenExpirationNever, TokenExpirationOpenIDProvider:
		*t = TokenExpiration{Mode: TokenExpirationMode(s)}
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("conf: invalid token_expiration %q", s)
	}
	*t = TokenExpiration{Mode: TokenExpirationMinutes, Minutes: n}
	return nil
}

func (t TokenExpiration) MarshalJSON() ([]byte, error) {
	if t.Mode == TokenExpirationMinutes {
		return json.Marshal(t.Minutes)
	}
	return json.Marshal(string(t.Mode))
}

// ======================
// 校验
// ======================

var loginMethods = map[string]bool{"": true, "password": true, "openid": true, "header": true}

// Validate 启动时检查 auth 段，错误配置直接拒绝启动。
func (a *Auth) Validate() error {
	if !loginMethods[a.LoginMethod] {
		return fmt.Errorf("conf: unknown login_method %q", a.LoginMethod)
	}
	for _, m := range a.AllowedLoginMethods {
		if m == "" || !loginMethods[m] {
			return fmt.Errorf("conf: unknown allowed_login_methods entry %q", m)
		}
	}
	switch a.UserCreationMode {
	case "", "manual", "login":
	default:
		return fmt.Errorf("conf: unknown user_creation_mode %q", a.UserCreationMode)
	}
	if a.BcryptCost != 0 && (a.BcryptCost < 4 || a.BcryptCost > 31) {
		return fmt.Errorf("conf: bcrypt_cost %d out of range [4,31]", a.BcryptCost)
	}
	if a.TokenExpiration.Mode == TokenExpirationMinutes && a.TokenExpiration.Minutes <= 0 {
		return fmt.Errorf("conf: token_expiration must be positive, got %d", a.TokenExpiration.Minutes)
	}
	return nil
}

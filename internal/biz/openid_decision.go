package biz

import (
	"strconv"
	"strings"
)

type UserCreationMode string

const (
	UserCreationManual UserCreationMode = "manual"
	UserCreationLogin  UserCreationMode = "login"
)

type OpenIDUserAction int

const (
	CreateAsOwner OpenIDUserAction = iota + 1
	CreateAsBasic
	ReuseExisting
	Reject
)

func (a OpenIDUserAction) String() string {
	switch a {
	case CreateAsOwner:
		return "create-as-owner"
	case CreateAsBasic:
		return "create-as-basic"
	case ReuseExisting:
		return "reuse-existing"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// OpenIDUserDecision 是 OpenID 登录时对用户的处理结论，Reason 仅在 Reject 时有值。
type OpenIDUserDecision struct {
	Action OpenIDUserAction
	UserID string
	Reason error
}

// DecideOpenIDUser 纯函数：根据具名用户数量、同名已有用户和用户创建模式决定如何处理登录者。
// 必须在事务里重新读取入参后调用，保证并发首登只会产生一个 owner。
func DecideOpenIDUser(namedUserCount int, existing *User, mode UserCreationMode) OpenIDUserDecision {
	if existing != nil {
		if !existing.Enabled {
			return OpenIDUserDecision{Action: Reject, Reason: withDetails(ErrOpenIDGrantFailed, "user-disabled")}
		}
		return OpenIDUserDecision{Action: ReuseExisting, UserID: existing.ID}
	}
	if namedUserCount == 0 {
		return OpenIDUserDecision{Action: CreateAsOwner}
	}
	if mode == UserCreationLogin {
		return OpenIDUserDecision{Action: CreateAsBasic}
	}
	return OpenIDUserDecision{Action: Reject, Reason: withDetails(ErrOpenIDGrantFailed, "user-not-registered")}
}

// identityClaims 按优先级取第一个非空的声明作为用户名
var identityClaims = []string{"preferred_username", "login", "email", "id", "sub"}

func IdentityFromClaims(claims map[string]any) string {
	for _, k := range identityClaims {
		if v := claimString(claims, k); v != "" {
			return v
		}
	}
	return ""
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// GitHub 一类 provider 的 id 是数字
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

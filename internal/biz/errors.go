package biz

import (
	stderrors "errors"

	"github.com/go-kratos/kratos/v2/errors"
)

// ErrNotFound 由 repo 在记录不存在时返回，不直接暴露给客户端。
var ErrNotFound = stderrors.New("record not found")

// ======================
// reason codes
// ======================
// reason 是对外契约，HTTP 层原样输出；Message 作为 details。

var (
	ErrInvalidLoginSettings = errors.BadRequest("invalid-login-settings", "")
	ErrAlreadyBootstrapped  = errors.BadRequest("already-bootstrapped", "")
	ErrNoAuthMethodSelected = errors.BadRequest("no-auth-method-selected", "")
	ErrMaxOneMethodAllowed  = errors.BadRequest("max-one-method-allowed", "")
	ErrInvalidPassword      = errors.BadRequest("invalid-password", "")
	ErrUserNotFound         = errors.BadRequest("user-not-found", "")
	ErrUserAlreadyExists    = errors.BadRequest("user-already-exists", "")

	// header 登录
	ErrInvalidHeader   = errors.BadRequest("invalid-header", "")
	ErrProxyNotTrusted = errors.BadRequest("proxy-not-trusted", "")

	ErrOpenIDNotConfigured   = errors.BadRequest("openid-not-configured", "")
	ErrOpenIDSetupFailed     = errors.InternalServer("openid-setup-failed", "")
	ErrInvalidOrExpiredState = errors.BadRequest("invalid-or-expired-state", "")
	ErrOpenIDGrantFailed     = errors.BadRequest("openid-grant-failed", "")
	ErrInvalidReturnURL      = errors.BadRequest("invalid-return-url", "")

	ErrTokenNotFound   = errors.Unauthorized("token-not-found", "")
	ErrTokenExpired    = errors.Unauthorized("token-expired", "")
	ErrInvalidAPIToken = errors.Unauthorized("invalid-api-token", "")

	ErrNotAdmin  = errors.Forbidden("not-admin", "")
	ErrForbidden = errors.Forbidden("forbidden", "")

	ErrDatabase = errors.InternalServer("database-error", "")

	// 管理接口
	ErrInvalidName          = errors.BadRequest("invalid-name", "")
	ErrInvalidEnabled       = errors.BadRequest("invalid-enabled", "")
	ErrInvalidExpiresAt     = errors.BadRequest("invalid-expires-at", "")
	ErrRecordNotFound       = errors.NotFound("not-found", "")
	ErrUserCantBeEmpty      = errors.BadRequest("user-cant-be-empty", "")
	ErrRoleDoesNotExist     = errors.BadRequest("role-does-not-exist", "")
	ErrNotAllDeleted        = errors.BadRequest("not-all-deleted", "")
	ErrInvalidFileID        = errors.BadRequest("invalid-file-id", "")
	ErrFileDenied           = errors.Forbidden("file-denied", "")
	ErrUserAlreadyHasAccess = errors.BadRequest("user-already-have-access", "")
	ErrNewUserNotFound      = errors.BadRequest("new-user-not-found", "")
)

// withDetails 复制一个 reason error 并带上 details，errors.Is 仍按 reason 匹配。
func withDetails(e *errors.Error, details string) *errors.Error {
	c := errors.Clone(e)
	c.Message = details
	return c
}

// reasonOr 在 err 已经是 reason error 时原样返回，否则包装成 fallback。
func reasonOr(err error, fallback *errors.Error) error {
	if err == nil {
		return nil
	}
	var se *errors.Error
	if stderrors.As(err, &se) {
		return err
	}
	return fallback.WithCause(err)
}

package server

import (
	"context"

	"accountserver/pkg/logger"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/google/uuid"
)

const headerRequestID = "x-request-id"

// RequestID 沿用上游传入的 x-request-id，没有则生成，并回写到响应头。
func RequestID() middleware.Middleware {
	return func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return next(ctx, req)
			}
			id := tr.RequestHeader().Get(headerRequestID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			tr.ReplyHeader().Set(headerRequestID, id)
			return next(logger.WithRequestID(ctx, id), req)
		}
	}
}

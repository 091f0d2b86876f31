package common

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
)

type ctxKey string

func New() string { return uuid.NewString() }

func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithRequestID 写入 request context，下游调用链读取
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ctxKey(CtxKeyRequestID), rid)
}

func RequestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey(CtxKeyRequestID)).(string); ok {
		return v
	}
	return ""
}

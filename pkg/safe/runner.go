package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"pricerelay.com/pkg/logger"
)

// Go 安全启动协程，panic 会被记录而不是打挂进程
func Go(name string, fn func()) {
	go func() {
		defer recovered(context.Background(), name)
		fn()
	}()
}

// GoCtx 带 ctx 启动，日志里保留 trace/instance 字段
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recovered(ctx, name)
		fn(ctx)
	}()
}

// Run 同步执行，把 panic 转成 error 返回给调用方（errgroup 里用）
func Run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, name, r)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn(ctx)
}

func recovered(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, name, r)
	}
}

func logPanic(ctx context.Context, name string, r any) {
	logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
		zap.String("goroutine", name),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
}

package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	// TraceIdKey 链路 id 在 context 里的 key
	TraceIdKey ctxKey = "trace_id"
	// InstanceKey 当前实例 id（leader 选举用的那个）
	InstanceKey ctxKey = "instance_id"
)

// 全局 Logger 实例，未 Init 前是 Nop，测试里可以直接替换
var Log = zap.NewNop()

type Config struct {
	Level string `mapstructure:"level"`
	// File 为空时写 logs/{service}.log；"-" 表示只写控制台
	File string `mapstructure:"file"`
}

// Init 初始化日志组件
// serviceName: 当前服务名 (例如 "relay-service")
// level: debug, info, warn, error
func Init(serviceName string, level string) {
	InitWithConfig(serviceName, Config{Level: level})
}

// InitWithConfig 控制台 + 文件双写，JSON 编码
func InitWithConfig(serviceName string, c Config) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(c.Level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if f := openLogFile(serviceName, c.File); f != nil {
		writeSyncers = append(writeSyncers, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// 封装了一层，所以 CallerSkip 1，否则行号永远指向 logger.go
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// 打不开文件就只写控制台，不中断启动
func openLogFile(serviceName, path string) *os.File {
	if path == "-" {
		return nil
	}
	if path == "" {
		path = filepath.Join("logs", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return f
}

// WithInstance 把实例 id 写进 ctx，后续日志自动带上
func WithInstance(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceKey, instanceID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withCtx(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withCtx(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withCtx(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withCtx(ctx, fields)...)
}

// Fatal 会调用 os.Exit，只在启动阶段用
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withCtx(ctx, fields)...)
}

func withCtx(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if id, ok := ctx.Value(InstanceKey).(string); ok && id != "" {
		fields = append(fields, zap.String("instance_id", id))
	}
	return fields
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.DebugLevel,
	)
	old := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = old })
	return buffer
}

func TestLogger_Info_WithTraceAndInstance(t *testing.T) {
	buffer := captureLog(t)

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-123")
	ctx = WithInstance(ctx, "node-a")
	Info(ctx, "leader acquired", zap.String("store", "sql"), zap.Float64("price", 50005))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry), "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "leader acquired", entry["msg"])
	assert.Equal(t, "sql", entry["store"])
	assert.Equal(t, 50005.0, entry["price"])
	assert.Equal(t, "trace-123", entry["trace_id"])
	assert.Equal(t, "node-a", entry["instance_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "upsert failed", zap.String("sink", "mysql"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	_, exists := entry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	_, exists = entry["instance_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", entry["level"])
}

func TestLogger_NilContext(t *testing.T) {
	buffer := captureLog(t)
	//nolint:staticcheck // nil ctx 也不能 panic
	Warn(nil, "slow client dropped")
	assert.Contains(t, buffer.String(), "slow client dropped")
}

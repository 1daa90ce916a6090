package observability

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/veridict/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLoggerConfig(format string) config.LoggerConfig {
	return config.LoggerConfig{
		Level:       "debug",
		Format:      format,
		ServiceName: "veridict-test",
		// No LogFile: tests must not write rotation files.
	}
}

func TestInitialize_WritesStructuredOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(testLoggerConfig("json"), zapcore.AddSync(buf))

	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("triage started", zap.String("run_id", "run-1"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, `"msg":"triage started"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, "veridict-test")
}

func TestInitialize_OnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &syncBuffer{}
	second := &syncBuffer{}
	Initialize(testLoggerConfig("json"), zapcore.AddSync(first))
	Initialize(testLoggerConfig("json"), zapcore.AddSync(second))

	GetLogger().Info("only the first writer sees this")
	_ = GetLogger().Sync()

	assert.True(t, strings.Contains(first.String(), "only the first writer sees this"))
	assert.Empty(t, second.String())
}

func TestGetLogger_BeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must be safe to call before Initialize; a no-op logger comes back.
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("dropped on the floor")
}

func TestConsoleFormat(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(testLoggerConfig("console"), zapcore.AddSync(buf))

	GetLogger().Warn("plain text line")
	_ = GetLogger().Sync()

	out := buf.String()
	assert.Contains(t, out, "plain text line")
	assert.NotContains(t, out, `"msg"`)
}

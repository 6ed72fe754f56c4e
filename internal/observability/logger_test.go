// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sightglass-sh/sightglass/internal/config"
)

// initForTest resets the singleton and initializes a logger writing into a
// buffer, keeping each test isolated from the others.
func initForTest(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize(t *testing.T) {
	t.Run("console format colorizes levels", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
		})

		GetLogger().Info("hello from the console")

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "hello from the console")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("json format produces structured entries", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "JSONTest",
		})

		GetLogger().Warn("structured message", zap.String("key", "value"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "structured message", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("writes to a log file when configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		tmp, err := os.CreateTemp(t.TempDir(), "logger-test-*.log")
		require.NoError(t, err)

		var console bytes.Buffer
		Initialize(config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: tmp.Name(),
			MaxSize: 1,
		}, zapcore.AddSync(&console))

		GetLogger().Error("this should reach the file")
		Sync()

		content, err := os.ReadFile(tmp.Name())
		require.NoError(t, err)
		assert.Contains(t, string(content), "this should reach the file")
	})

	t.Run("initializes exactly once", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "info", ServiceName: "First"})

		// A second call must be a no-op.
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&bytes.Buffer{}))

		first := GetLogger()
		second := GetLogger()
		assert.Same(t, first, second)

		second.Info("probe")
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("returns a fallback before initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		logger := GetLogger()
		require.NotNil(t, logger)
	})

	t.Run("returns the stored logger after initialization", func(t *testing.T) {
		initForTest(t, config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := newLogger()

	assert.NotNil(t, logger)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)

	assert.Equal(t, time.RFC3339Nano, formatter.TimestampFormat)
	assert.True(t, formatter.FullTimestamp)
}

func TestGlobalVariables(t *testing.T) {
	ctx := context.Background()
	logger1 := G(ctx)
	logger2 := G(ctx)

	assert.Equal(t, logger1.Logger, logger2.Logger)

	assert.NotNil(t, L)
	assert.IsType(t, &logrus.Entry{}, L)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()

	customLogger := logrus.NewEntry(logrus.New())
	ctxWithLogger := WithLogger(ctx, customLogger)

	storedLogger := ctxWithLogger.Value(loggerKey{})
	assert.NotNil(t, storedLogger)
	assert.IsType(t, &logrus.Entry{}, storedLogger)
}

func TestWithCallerIDAttachesField(t *testing.T) {
	ctx := WithCallerID(context.Background(), "alice")
	entry := G(ctx)
	assert.Equal(t, "alice", entry.Data[fieldCallerID])
}

func TestWithConversationIDAttachesField(t *testing.T) {
	ctx := WithCallerID(context.Background(), "alice")
	ctx = WithConversationID(ctx, "conv-1")
	entry := G(ctx)
	assert.Equal(t, "alice", entry.Data[fieldCallerID])
	assert.Equal(t, "conv-1", entry.Data[fieldConversationID])
}

func TestGetLogger_WithContextLogger(t *testing.T) {
	ctx := context.Background()

	customLogger := logrus.NewEntry(logrus.New()).WithField("test", "value")
	ctxWithLogger := WithLogger(ctx, customLogger)

	retrievedLogger := G(ctxWithLogger)

	assert.NotNil(t, retrievedLogger)
	assert.Contains(t, retrievedLogger.Data, "test")
	assert.Equal(t, "value", retrievedLogger.Data["test"])
}

func TestGetLogger_WithoutContextLogger(t *testing.T) {
	ctx := context.Background()

	retrievedLogger := G(ctx)

	assert.NotNil(t, retrievedLogger)
	assert.Equal(t, L.Logger, retrievedLogger.Logger)
}

func TestGetLogger_GlobalAlias(t *testing.T) {
	ctx := context.Background()

	logger1 := G(ctx)
	logger2 := G(ctx)

	assert.Equal(t, logger1.Logger, logger2.Logger)
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "log_level",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}

	entry := logrus.NewEntry(logger)
	ctx := context.Background()
	ctxWithLogger := WithLogger(ctx, entry)

	retrievedLogger := G(ctxWithLogger)
	retrievedLogger.Info("test message")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Contains(t, logEntry, "timestamp")
	assert.Contains(t, logEntry, "log_level")
	assert.Contains(t, logEntry, "message")
	assert.Equal(t, "info", logEntry["log_level"])
	assert.Equal(t, "test message", logEntry["message"])

	timestamp, ok := logEntry["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, timestamp)
	assert.NoError(t, err)
}

func TestLoggerChaining(t *testing.T) {
	ctx := context.Background()

	logger1 := logrus.NewEntry(logrus.New()).WithField("service", "test")
	ctxWithLogger := WithLogger(ctx, logger1)

	retrievedLogger := G(ctxWithLogger)
	logger2 := retrievedLogger.WithField("operation", "testing")

	ctxWithLogger2 := WithLogger(ctxWithLogger, logger2)

	finalLogger := G(ctxWithLogger2)

	assert.Contains(t, finalLogger.Data, "service")
	assert.Contains(t, finalLogger.Data, "operation")
	assert.Equal(t, "test", finalLogger.Data["service"])
	assert.Equal(t, "testing", finalLogger.Data["operation"])
}

func TestLoggerKey_UniqueContextKey(t *testing.T) {
	ctx := context.Background()

	type customKey string

	ctx = context.WithValue(ctx, customKey("logger"), "string-logger-value")

	customLogger := logrus.NewEntry(logrus.New()).WithField("test", "value")
	ctx = WithLogger(ctx, customLogger)

	stringValue := ctx.Value(customKey("logger"))
	assert.Equal(t, "string-logger-value", stringValue)

	loggerValue := ctx.Value(loggerKey{})
	assert.NotNil(t, loggerValue)
	assert.IsType(t, &logrus.Entry{}, loggerValue)

	retrievedLogger := G(ctx)
	assert.Equal(t, "value", retrievedLogger.Data["test"])
}

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	entry := logrus.NewEntry(logger).WithField("request_id", "123")

	ctxWithLogger := WithLogger(ctx, entry)

	func(ctx context.Context) {
		logger := G(ctx)
		logger.Info("nested function log")

		assert.Contains(t, logger.Data, "request_id")
		assert.Equal(t, "123", logger.Data["request_id"])
	}(ctxWithLogger)

	output := buf.String()
	assert.Contains(t, output, "nested function log")
	assert.Contains(t, output, "request_id")
	assert.Contains(t, output, "123")
}

func TestGetLogger_TypeAssertion(t *testing.T) {
	ctx := context.Background()

	ctx = context.WithValue(ctx, loggerKey{}, "not-a-logger")

	defer func() {
		if r := recover(); r != nil {
			panicStr := fmt.Sprintf("%v", r)
			assert.Contains(t, panicStr, "interface conversion")
		} else {
			t.Error("Expected panic from invalid type assertion")
		}
	}()

	G(ctx)
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer

	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "log_level",
			logrus.FieldKeyMsg:   "message",
		},
	}

	entry := logrus.NewEntry(logger)
	ctx := WithLogger(context.Background(), entry)
	retrievedLogger := G(ctx)

	retrievedLogger.Debug("debug message")
	retrievedLogger.Info("info message")
	retrievedLogger.Warn("warn message")
	retrievedLogger.Error("error message")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")

	expectedLevels := []string{"debug", "info", "warning", "error"}
	require.Equal(t, len(expectedLevels), len(lines), "Expected %d log lines, got %d", len(expectedLevels), len(lines))

	for i, line := range lines {
		if line == "" {
			continue
		}

		var logEntry map[string]interface{}
		err := json.Unmarshal([]byte(line), &logEntry)
		require.NoError(t, err)

		assert.Equal(t, expectedLevels[i], logEntry["log_level"])
	}
}

package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).WithFields(map[string]interface{}{"service": "ratefit"})

	logger.Debug("hidden")
	logger.Info("calibrated", map[string]interface{}{"lambda": 50000.5, "target": 0.75})
	logger.WithError(errors.New("exit 1")).Warn("encoder failed")
	logger.Error("boom", map[string]interface{}{"cause": errors.New("disk full")})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "calibrated", entries[0]["message"])
	assert.Equal(t, "ratefit", entries[0]["service"])
	assert.Equal(t, 50000.5, entries[0]["lambda"])
	assert.Contains(t, entries[0], "timestamp")
	assert.Contains(t, entries[0]["caller"], "logging/logger_test.go")

	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "exit 1", entries[1]["error"])

	assert.Equal(t, "disk full", entries[2]["cause"])
}

func TestLoggerMergesFieldMaps(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)

	logger.Info("calibrated",
		map[string]interface{}{"lambda": 50000.5, "target": 0.75},
		map[string]interface{}{"rounds": 17, "target": 0.5},
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, 50000.5, entries[0]["lambda"])
	assert.Equal(t, 17.0, entries[0]["rounds"])
	assert.Equal(t, 0.5, entries[0]["target"], "later maps win")
}

func TestZapSharesCore(t *testing.T) {
	var buf bytes.Buffer
	logger := New(DebugLevel, &buf).WithField("job", "abc")

	logger.Zap().Named("bisect").Debug("Evaluated midpoint")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "bisect", entries[0]["logger"])
	assert.Equal(t, "abc", entries[0]["job"])
	assert.Contains(t, entries[0]["caller"], "logging/logger_test.go")
}

func TestNewLoggerConfig(t *testing.T) {
	tests := []struct {
		level string
		want  LogLevel
	}{
		{level: "debug", want: DebugLevel},
		{level: "WARNING", want: WarnLevel},
		{level: "error", want: ErrorLevel},
		{level: "verbose", want: InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.level), tt.level)
	}

	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	path := t.TempDir() + "/ratefit.log"
	logger, err = NewLogger(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, logger.Sync())
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctxLogger := &CtxLogger{New(InfoLevel, &buf)}
	ctx := ctxLogger.WithContext(context.Background())

	assert.Same(t, ctxLogger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()), "a default logger is returned")
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Middleware(logger))
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("inside handler")
		http.Error(w, "nope", http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "inside handler", entries[0]["message"])
	assert.Equal(t, "/missing", entries[0]["path"])
	assert.NotEmpty(t, entries[0]["request_id"])

	assert.Equal(t, "Request completed", entries[1]["message"])
	assert.Equal(t, float64(http.StatusNotFound), entries[1]["status"])
	assert.Equal(t, "Not Found", entries[1]["error"])
}

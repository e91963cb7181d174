package shared

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/genpipe/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWithLog(buf *bytes.Buffer) *http.Request {
	l := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	req := httptest.NewRequest(http.MethodGet, "/v1/generations", nil)
	ctx := logger.WithLogger(WithTraceID(req.Context(), "test-trace-id"), l)
	return req.WithContext(ctx)
}

func TestRespondWithJSON(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()

	RespondWithJSON(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusAccepted, map[string]any{"balance": 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"balance":3}`, w.Body.String())
}

func TestRespondWithJSON_EncodingError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := httptest.NewRecorder()

	RespondWithJSON(w, requestWithLog(&buf), http.StatusOK, map[string]any{"ch": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "failed to encode JSON response")
}

func TestRespondWithError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := httptest.NewRecorder()

	RespondWithError(w, requestWithLog(&buf), http.StatusBadRequest, "count must be at least 1", WithField("count"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "count must be at least 1", resp.Error)
	assert.Equal(t, "count", resp.Field)
	assert.Equal(t, "test-trace-id", resp.TraceID)
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestRespondWithErrorAndLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		opts      []ResponseOption
		wantLevel string
	}{
		{name: "server error", status: http.StatusInternalServerError, wantLevel: "level=ERROR"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "level=DEBUG"},
		{name: "elevated client error", status: http.StatusUnauthorized, opts: []ResponseOption{WithElevatedLogLevel()}, wantLevel: "level=WARN"},
		{name: "rate limited", status: http.StatusTooManyRequests, wantLevel: "level=WARN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := httptest.NewRecorder()
			err := errors.New("dial postgres://genpipe:hunter22@db:5432 failed")

			RespondWithErrorAndLog(w, requestWithLog(&buf), tc.status, "Something went wrong", err, tc.opts...)

			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, buf.String(), tc.wantLevel)
			assert.NotContains(t, buf.String(), "hunter22")
			assert.NotContains(t, w.Body.String(), "postgres")
		})
	}
}

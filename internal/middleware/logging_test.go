package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/todoman/internal/model"
)

// captureAccessLog はnextをロギングミドルウェアで包んでreqを1回処理し、出力されたJSONログを返す。
func captureAccessLog(t *testing.T, next http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(next).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := captureAccessLog(t, statusHandler(http.StatusOK), httptest.NewRequest(http.MethodPatch, "/api/todos/t-1", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != http.MethodPatch || entry["path"] != "/api/todos/t-1" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want a non-negative number", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Errorf("user_id should be omitted for anonymous requests, got %v", entry["user_id"])
	}
}

func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		code  int
		level string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusCreated, "INFO"},
		{http.StatusFound, "INFO"},
		{http.StatusForbidden, "WARN"},
		{http.StatusTooManyRequests, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			entry := captureAccessLog(t, statusHandler(tt.code), httptest.NewRequest(http.MethodGet, "/", nil))
			if got := int(entry["status"].(float64)); got != tt.code {
				t.Errorf("status = %d, want %d", got, tt.code)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestLoggingMiddleware_ImplicitOKOnWrite(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("shell"))
	})
	entry := captureAccessLog(t, h, httptest.NewRequest(http.MethodGet, "/todos", nil))

	if got := int(entry["status"].(float64)); got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
}

func TestLoggingMiddleware_UserID(t *testing.T) {
	t.Run("from outer context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
		req = req.WithContext(context.WithValue(req.Context(), userIDContextKey, "alice"))

		entry := captureAccessLog(t, statusHandler(http.StatusOK), req)
		if entry["user_id"] != "alice" {
			t.Errorf("user_id = %v, want alice", entry["user_id"])
		}
	})

	t.Run("from inner session middleware", func(t *testing.T) {
		lookup := &mockSessionLookup{
			lookupFn: func(ctx context.Context, id string) (*model.Session, error) {
				return &model.Session{ID: id, UserID: "bob"}, nil
			},
		}
		req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "s-1"})

		entry := captureAccessLog(t, NewSessionMiddleware(lookup)(statusHandler(http.StatusNoContent)), req)
		if entry["user_id"] != "bob" {
			t.Errorf("user_id = %v, want bob", entry["user_id"])
		}
	})
}

func TestStatusRecorder_HijackWithoutSupport_ReturnsError(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected error when the underlying writer cannot hijack")
	}
}

type recordingStatus struct {
	codes []int
}

func (r *recordingStatus) RecordHTTPStatus(statusCode int) {
	r.codes = append(r.codes, statusCode)
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	rs := &recordingStatus{}
	handler := NewMetricsMiddleware(rs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if len(rs.codes) != 2 || rs.codes[0] != http.StatusOK || rs.codes[1] != http.StatusNotFound {
		t.Errorf("codes = %v, want [200 404]", rs.codes)
	}
}

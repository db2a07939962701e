package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{name: "reset", msg: "http: response.Write on hijacked connection: read tcp 10.0.0.1:80->10.0.0.5:5123: read: connection reset by peer", want: true},
		{name: "pipe", msg: "write tcp 10.0.0.1:80->10.0.0.9:4411: write: broken pipe", want: true},
		{name: "panic", msg: "http: panic serving 10.0.0.5:5123: runtime error", want: false},
		{name: "empty", msg: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.msg); got != tt.want {
				t.Fatalf("IsTransient(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestErrorLogFiltersTransient(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	errLog := ErrorLog(logger)

	errLog.Print("read: connection reset by peer")
	if buf.Len() != 0 {
		t.Fatalf("expected transient error to be dropped at info level, got %q", buf.String())
	}

	errLog.Print("http: panic serving 10.0.0.5")
	if !strings.Contains(buf.String(), "panic serving") {
		t.Fatalf("expected real error to be logged, got %q", buf.String())
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("gatewayd", "verbose", "json", nil); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
	if _, err := NewLogger("gatewayd", "info", "xml", nil); err == nil {
		t.Fatalf("expected invalid format to fail")
	}

	var buf bytes.Buffer
	logger, err := NewLogger("gatewayd", "warn", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"service":"gatewayd"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	shutdown, middleware, err := Init(context.Background(), "gatewayd", "", logger)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"path":"/whoami"`) || !strings.Contains(buf.String(), `"status":418`) {
		t.Fatalf("request not logged: %q", buf.String())
	}
}

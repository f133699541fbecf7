package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter("production", &buf)

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/x", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, ln := range lines {
		var m map[string]any
		if err := json.Unmarshal(ln, &m); err != nil {
			t.Fatalf("bad json log line: %v", err)
		}
		if m["request_id"] != "rid-1" {
			t.Fatalf("expected request_id on every line, got %v", m["request_id"])
		}
		if m["service"] != serviceName {
			t.Fatalf("expected service attr, got %v", m["service"])
		}
	}
}

func TestNew_DebugOnlyInLocal(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("production", &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered in production")
	}
	NewWithWriter("local", &buf).Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("debug should be written in local")
	}
}

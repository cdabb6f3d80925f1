package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = c.GetString(requestIDKey)
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ping", nil)
	r.ServeHTTP(w, req)

	if seen == "" || w.Header().Get("X-Request-Id") != seen {
		t.Errorf("expected request id header to match context, got %q vs %q", w.Header().Get("X-Request-Id"), seen)
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://app.example.com"))
	r.POST("/api/chat", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/api/chat", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("unexpected origin header %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken("s1", "alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	userID, err := ParseToken("s1", token)
	if err != nil || userID != "alice" {
		t.Errorf("expected alice, got %q %v", userID, err)
	}

	if _, err := ParseToken("other-secret", token); err == nil {
		t.Error("expected signature error")
	}

	expired, _ := IssueToken("s1", "alice", -time.Hour)
	if _, err := ParseToken("s1", expired); err != nil {
		t.Errorf("non-positive ttl means no expiry, got %v", err)
	}

	noSub, _ := IssueToken("s1", "", time.Hour)
	if _, err := ParseToken("s1", noSub); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRedactToken(t *testing.T) {
	if got := redactToken("a=1&token=abc&b=2"); got != "a=1&token=***&b=2" {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := redactToken("a=1"); got != "a=1" {
		t.Errorf("unexpected change %q", got)
	}
}

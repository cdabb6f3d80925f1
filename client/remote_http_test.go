package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/handler"
	"github.com/KodaTao/daily-assistant/server/logging"
	"github.com/KodaTao/daily-assistant/server/model"
	"github.com/KodaTao/daily-assistant/server/notify"
	"github.com/KodaTao/daily-assistant/server/stream"
)

const testSecret = "client-test-secret"

type nopSink struct{}

func (nopSink) Deliver(notify.Notification) {}

// setupServer 起一个带存储路由和假 /api/chat 的服务端
func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := model.InitDB(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "server.db")})
	if err != nil {
		t.Fatal(err)
	}
	log := logging.Discard()
	conv := handler.NewConversationHandler(model.NewConversationRepo(db), notify.NewLocal(nopSink{}), log)
	profile := handler.NewProfileHandler(model.NewProfileRepo(db), log)

	r := gin.New()
	api := r.Group("/api", handler.Auth(testSecret))
	api.POST("/chat", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		c.Writer.Write(stream.Event{Content: "ok"}.Frame())
		c.Writer.Write(stream.Event{Done: true}.Frame())
	})
	api.GET("/conversations", conv.List)
	api.PUT("/conversations/:id", conv.Upsert)
	api.DELETE("/conversations/:id", conv.Delete)
	api.PATCH("/conversations/:id", conv.UpdateTitle)
	api.GET("/profile", profile.Get)
	api.PUT("/profile", profile.Put)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := handler.IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestHTTPRemoteConversationLifecycle(t *testing.T) {
	srv := setupServer(t)
	remote := NewHTTPRemote(srv.URL, tokenFor(t, "u1"), nil)
	store := newTestStore()
	r := NewReconciler(store, remote, "u1", logging.Discard())
	ctx := context.Background()

	conv := store.CreateConversation(DefaultTitle)
	store.AddMessage(conv.ID, Message{ID: "m1", Role: RoleUser, Content: "hi", Timestamp: 1})
	if err := r.Upsert(ctx, conv.ID); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := r.RenameTitle(ctx, conv.ID, "Greetings"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	records, err := remote.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Title != "Greetings" || records[0].UserID != "u1" {
		t.Fatalf("unexpected remote records: %+v", records)
	}

	// 其他用户看不到也删不掉
	other := NewHTTPRemote(srv.URL, tokenFor(t, "u2"), nil)
	if n, err := other.Delete(ctx, conv.ID, "u2"); err != nil || n != 0 {
		t.Errorf("expected 0 rows for other user, got %d %v", n, err)
	}

	if err := r.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(store.Conversations()) != 0 {
		t.Error("expected local delete")
	}
	records, _ = remote.List(ctx, "u1")
	if len(records) != 0 {
		t.Errorf("expected remote delete, got %d records", len(records))
	}
}

func TestHTTPRemoteUnauthorized(t *testing.T) {
	srv := setupServer(t)
	remote := NewHTTPRemote(srv.URL, "not-a-token", nil)

	_, err := remote.List(context.Background(), "u1")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 StatusError, got %v", err)
	}
}

func TestHTTPRemoteProfile(t *testing.T) {
	srv := setupServer(t)
	remote := NewHTTPRemote(srv.URL, tokenFor(t, "u1"), nil)
	ctx := context.Background()

	if _, err := remote.GetProfile(ctx, "u1"); !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if err := remote.PutProfile(ctx, &model.Profile{Plan: "pro", PromptsRemaining: 12, TotalPrompts: 330}); err != nil {
		t.Fatal(err)
	}
	p, err := remote.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || p.PromptsRemaining != 12 || p.Plan != "pro" {
		t.Errorf("unexpected profile: %+v", p)
	}
}

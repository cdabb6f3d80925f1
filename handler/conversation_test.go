package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/logging"
	"github.com/KodaTao/daily-assistant/server/model"
	"github.com/KodaTao/daily-assistant/server/notify"
)

type recordingSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *recordingSink) Deliver(n notify.Notification) {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
}

func (s *recordingSink) all() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.got...)
}

func setupStoreTest(t *testing.T) (*gin.Engine, *recordingSink) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := model.InitDB(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	log := logging.Discard()
	conv := NewConversationHandler(model.NewConversationRepo(db), notify.NewLocal(sink), log)
	profile := NewProfileHandler(model.NewProfileRepo(db), log)

	r := gin.New()
	api := r.Group("/api", Auth(testSecret))
	api.GET("/conversations", conv.List)
	api.PUT("/conversations/:id", conv.Upsert)
	api.DELETE("/conversations/:id", conv.Delete)
	api.PATCH("/conversations/:id", conv.UpdateTitle)
	api.GET("/profile", profile.Get)
	api.PUT("/profile", profile.Put)
	return r, sink
}

func authed(t *testing.T, r http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestConversationRequiresAuth(t *testing.T) {
	r, _ := setupStoreTest(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/conversations", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	r, sink := setupStoreTest(t)
	now := time.Now()

	for i, id := range []string{"older", "newer"} {
		w := authed(t, r, "PUT", "/api/conversations/"+id, "alice", model.ConversationRecord{
			Title:     id,
			Messages:  "[]",
			UpdatedAt: now.Add(time.Duration(i) * time.Minute),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("upsert %s: expected 200, got %d: %s", id, w.Code, w.Body.String())
		}
	}
	// 同一 id 再写一次只覆盖
	authed(t, r, "PUT", "/api/conversations/older", "alice", model.ConversationRecord{Title: "older v2", Messages: "[]", UpdatedAt: now})

	w := authed(t, r, "GET", "/api/conversations", "alice", nil)
	var records []model.ConversationRecord
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "newer" || records[1].Title != "older v2" {
		t.Errorf("unexpected records %+v", records)
	}
	if records[0].UserID != "alice" {
		t.Errorf("owner must come from the token, got %q", records[0].UserID)
	}

	w = authed(t, r, "GET", "/api/conversations", "bob", nil)
	if w.Body.String() != "[]" {
		t.Errorf("bob must see nothing, got %s", w.Body.String())
	}

	if got := sink.all(); len(got) != 3 || got[0].Type != notify.TypeUpserted || got[0].UserID != "alice" {
		t.Errorf("unexpected notifications %+v", got)
	}
}

func TestConversationOwnerScoping(t *testing.T) {
	r, sink := setupStoreTest(t)
	authed(t, r, "PUT", "/api/conversations/c1", "alice", model.ConversationRecord{Title: "mine", Messages: "[]"})

	// 别人的 id 不能被覆盖，也不能被抢走
	w := authed(t, r, "PUT", "/api/conversations/c1", "bob", model.ConversationRecord{Title: "hijacked", Messages: "[]"})
	if w.Code != http.StatusForbidden {
		t.Errorf("bob put: expected 403, got %d %s", w.Code, w.Body.String())
	}
	w = authed(t, r, "GET", "/api/conversations", "alice", nil)
	var records []model.ConversationRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 1 || records[0].Title != "mine" || records[0].UserID != "alice" {
		t.Errorf("alice record must be untouched, got %+v", records)
	}
	w = authed(t, r, "GET", "/api/conversations", "bob", nil)
	if w.Body.String() != "[]" {
		t.Errorf("bob must own nothing, got %s", w.Body.String())
	}

	w = authed(t, r, "DELETE", "/api/conversations/c1", "bob", nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"deleted":0}` {
		t.Errorf("bob delete: expected deleted 0, got %d %s", w.Code, w.Body.String())
	}
	w = authed(t, r, "PATCH", "/api/conversations/c1", "bob", titleRequest{Title: "stolen"})
	if w.Body.String() != `{"updated":0}` {
		t.Errorf("bob rename: expected updated 0, got %s", w.Body.String())
	}

	w = authed(t, r, "PATCH", "/api/conversations/c1", "alice", titleRequest{Title: "renamed"})
	if w.Body.String() != `{"updated":1}` {
		t.Errorf("alice rename: expected updated 1, got %s", w.Body.String())
	}
	w = authed(t, r, "DELETE", "/api/conversations/c1", "alice", nil)
	if w.Body.String() != `{"deleted":1}` {
		t.Errorf("alice delete: expected deleted 1, got %s", w.Body.String())
	}

	got := sink.all()
	if len(got) != 3 || got[2].Type != notify.TypeDeleted {
		t.Errorf("only successful mutations publish, got %+v", got)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	r, _ := setupStoreTest(t)

	w := authed(t, r, "GET", "/api/profile", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before first sync, got %d", w.Code)
	}

	w = authed(t, r, "PUT", "/api/profile", "alice", model.Profile{Plan: "real", PromptsRemaining: 99, TotalPrompts: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = authed(t, r, "GET", "/api/profile", "alice", nil)
	var p model.Profile
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.UserID != "alice" || p.PromptsRemaining != 99 || p.Plan != "real" {
		t.Errorf("unexpected profile %+v", p)
	}

	w = authed(t, r, "PUT", "/api/profile", "alice", model.Profile{PromptsRemaining: -1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative counters, got %d", w.Code)
	}
}

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KodaTao/daily-assistant/server/logging"
)

func newTestSession(t *testing.T, url, userID string) *Session {
	t.Helper()
	token := tokenFor(t, userID)
	remote := NewHTTPRemote(url, token, nil)
	s := NewSession(newTestStore(), NewRelay(url, token, nil), remote, remote, SessionConfig{UserID: userID}, logging.Discard())
	t.Cleanup(s.Stop)
	return s
}

func TestSessionSyncsInBackground(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()
	s := newTestSession(t, srv.URL, "u1")

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := s.Chat.Send(ctx, "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.Queue.Wait()

	if f := s.Queue.Failures(); len(f) != 0 {
		t.Fatalf("unexpected sync failures: %+v", f)
	}
	remote := NewHTTPRemote(srv.URL, tokenFor(t, "u1"), nil)
	records, err := remote.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != res.ConversationID {
		t.Fatalf("unexpected remote records: %+v", records)
	}
	conv, err := fromRecord(records[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Content != "ok" {
		t.Errorf("remote should hold final messages, got %+v", conv.Messages)
	}
	p, err := remote.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.PromptsRemaining != 29 {
		t.Errorf("expected remote prompts 29, got %d", p.PromptsRemaining)
	}
}

func TestSessionStartRestoresFromRemote(t *testing.T) {
	srv := setupServer(t)
	ctx := context.Background()

	first := newTestSession(t, srv.URL, "u1")
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Purchase("pro"); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Chat.Send(ctx, "", "hello"); err != nil {
		t.Fatal(err)
	}
	first.Queue.Wait()

	second := newTestSession(t, srv.URL, "u1")
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(second.Store.Conversations()); got != 1 {
		t.Fatalf("expected 1 restored conversation, got %d", got)
	}
	st := second.Store.Settings()
	if st.PromptsRemaining != 329 || st.CurrentBundle != "pro" || st.Mode != ModeReal {
		t.Errorf("expected remote ledger applied, got %+v", st)
	}
}

func TestSessionStartOffline(t *testing.T) {
	s := newTestSession(t, "http://127.0.0.1:1", "u1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("offline start should not fail, got %v", err)
	}
	if _, err := s.Store.PurchaseBundle("starter"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionSweepQueuesFailures(t *testing.T) {
	s := newTestSession(t, "http://127.0.0.1:1", "u1")
	s.Store.CreateConversation("a")
	s.Store.CreateConversation("b")

	// 只有 Sweep 会调用 Sleep，推送失败不重试
	s.Reconciler.Backoff = nil
	var sleeps []time.Duration
	s.Reconciler.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	if err := s.Sweep(); err != nil {
		t.Fatal(err)
	}
	s.Queue.Wait()

	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != 100*time.Millisecond {
		t.Errorf("expected 100ms between conversations, got %v", sleeps)
	}
	failures := s.Queue.Failures()
	if len(failures) != 2 {
		t.Fatalf("expected both upserts recorded as failures, got %+v", failures)
	}
	for _, f := range failures {
		var se *SyncError
		if f.Op != "upsert" || !errors.As(f.Err, &se) {
			t.Errorf("unexpected failure outcome: %+v", f)
		}
	}
}

func TestSessionStopRejectsLateSync(t *testing.T) {
	s := NewSession(newTestStore(), NewRelay("http://127.0.0.1:1", "", nil), NewHTTPRemote("http://127.0.0.1:1", "", nil), nil,
		SessionConfig{UserID: "u1", StopTimeout: time.Second}, logging.Discard())
	conv := s.Store.CreateConversation("a")
	s.Reconciler.Backoff = nil
	s.SyncConversation(conv.ID)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	s.SyncConversation(conv.ID)
	outcomes := s.Queue.Outcomes()
	if len(outcomes) != 2 || !errors.Is(outcomes[1].Err, ErrQueueClosed) {
		t.Errorf("expected late sync rejected after stop, got %+v", outcomes)
	}
}

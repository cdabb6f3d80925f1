package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/model"
)

//go:generate mockgen -source=reconciler.go -destination=mock_remote_test.go -package=client

// RemoteStore 远端持久化存储；model.ConversationRepo 和 HTTPRemote 都满足
type RemoteStore interface {
	Upsert(ctx context.Context, rec *model.ConversationRecord) error
	Delete(ctx context.Context, id, userID string) (int64, error)
	UpdateTitle(ctx context.Context, id, userID, title string) (int64, error)
	List(ctx context.Context, userID string) ([]model.ConversationRecord, error)
}

var ErrEmptyTitle = errors.New("empty title")

// Reconciler 让本地会话与远端存储保持最终一致，本地始终是展示的权威
type Reconciler struct {
	store  *Store
	remote RemoteStore
	userID string
	log    logrus.FieldLogger

	// Backoff 失败后每次重试前的等待，长度即重试次数
	Backoff      []time.Duration
	SweepSpacing time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
}

func NewReconciler(store *Store, remote RemoteStore, userID string, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		store:        store,
		remote:       remote,
		userID:       userID,
		log:          log,
		Backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		SweepSpacing: 100 * time.Millisecond,
		Sleep:        sleepContext,
		Now:          time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func toRecord(c Conversation, userID string, now time.Time) (*model.ConversationRecord, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return &model.ConversationRecord{
		ID:        c.ID,
		UserID:    userID,
		Title:     c.Title,
		Messages:  string(data),
		CreatedAt: time.UnixMilli(c.CreatedAt),
		UpdatedAt: now,
	}, nil
}

func fromRecord(rec model.ConversationRecord) (Conversation, error) {
	var msgs []Message
	raw := rec.Messages
	if strings.TrimSpace(raw) == "" {
		raw = "[]"
	}
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return Conversation{}, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return Conversation{
		ID:        rec.ID,
		Title:     rec.Title,
		Messages:  msgs,
		CreatedAt: rec.CreatedAt.UnixMilli(),
		UpdatedAt: rec.UpdatedAt.UnixMilli(),
	}, nil
}

// permanent 远端明确拒绝的请求重试也不会成功
func permanent(err error) bool {
	if errors.Is(err, model.ErrNotOwner) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Upsert 推送会话的当前状态；每次尝试前都重新读取本地，失败按 Backoff 重试
// 重试耗尽返回 *SyncError，调用方只记录不打断用户
func (r *Reconciler) Upsert(ctx context.Context, id string) error {
	log := r.log.WithField("conversation_id", id)
	for attempt := 0; ; attempt++ {
		conv, ok := r.store.Conversation(id)
		if !ok {
			log.Warn("[Sync] conversation not found, skip upsert")
			return &SyncError{Op: "upsert", ID: id, Err: ErrConversationNotFound}
		}

		rec, err := toRecord(conv, r.userID, r.Now())
		if err != nil {
			return &SyncError{Op: "upsert", ID: id, Err: err}
		}

		err = r.remote.Upsert(ctx, rec)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt+1).Info("[Sync] upsert succeeded after retry")
			}
			return nil
		}

		if permanent(err) {
			log.WithError(err).Error("[Sync] upsert rejected, not retrying")
			return &SyncError{Op: "upsert", ID: id, Err: err}
		}
		if attempt >= len(r.Backoff) {
			log.WithError(err).WithField("attempts", attempt+1).Error("[Sync] upsert failed, giving up")
			return &SyncError{Op: "upsert", ID: id, Err: err}
		}

		wait := r.Backoff[attempt]
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Warn("[Sync] upsert failed, retrying")
		if serr := r.Sleep(ctx, wait); serr != nil {
			return &SyncError{Op: "upsert", ID: id, Err: serr}
		}
	}
}

// Delete 先删远端，确认成功后才删本地；失败时本地原样保留
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	if _, ok := r.store.Conversation(id); !ok {
		return ErrConversationNotFound
	}

	n, err := r.remote.Delete(ctx, id, r.userID)
	if err != nil {
		r.log.WithError(err).WithField("conversation_id", id).Error("[Sync] remote delete failed")
		return &SyncError{Op: "delete", ID: id, Err: err}
	}
	if n == 0 {
		r.log.WithField("conversation_id", id).Warn("[Sync] no remote rows deleted")
	}
	return r.store.RemoveConversation(id)
}

// RenameTitle 本地先改；远端失败则回滚，远端无此记录则整条补推
func (r *Reconciler) RenameTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	prev, err := r.store.UpdateTitle(id, title)
	if err != nil {
		return err
	}

	log := r.log.WithField("conversation_id", id)
	n, err := r.remote.UpdateTitle(ctx, id, r.userID, title)
	if err != nil {
		log.WithError(err).Error("[Sync] remote title update failed, reverting")
		if _, rerr := r.store.UpdateTitle(id, prev); rerr != nil {
			log.WithError(rerr).Warn("[Sync] revert title failed")
		}
		return &SyncError{Op: "update_title", ID: id, Err: err}
	}
	if n == 0 {
		log.Warn("[Sync] no remote rows updated, pushing full conversation")
		if err := r.Upsert(ctx, id); err != nil {
			log.WithError(err).Warn("[Sync] repair upsert failed")
		}
	}
	return nil
}

// LoadMerge 远端条数多于本地时合并：同 id 以远端为准，本地独有的保留，按更新时间倒序
func (r *Reconciler) LoadMerge(ctx context.Context) (bool, error) {
	records, err := r.remote.List(ctx, r.userID)
	if err != nil {
		return false, &SyncError{Op: "list", Err: err}
	}

	local := r.store.Conversations()
	if len(records) <= len(local) {
		return false, nil
	}

	merged := make([]Conversation, 0, len(records)+len(local))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		conv, err := fromRecord(rec)
		if err != nil {
			r.log.WithError(err).WithField("conversation_id", rec.ID).Warn("[Sync] skip malformed remote record")
			continue
		}
		merged = append(merged, conv)
		seen[conv.ID] = true
	}
	for _, conv := range local {
		if !seen[conv.ID] {
			merged = append(merged, conv)
		}
	}

	r.store.ReplaceConversations(merged)
	r.log.WithFields(logrus.Fields{
		"remote": len(records),
		"local":  len(local),
		"merged": len(merged),
	}).Info("[Sync] merged remote conversations")
	return true, nil
}

// Refresh 会话中途拉取远端，只补充本地没有的会话，从不覆盖本地已有的
func (r *Reconciler) Refresh(ctx context.Context) (int, error) {
	records, err := r.remote.List(ctx, r.userID)
	if err != nil {
		return 0, &SyncError{Op: "list", Err: err}
	}

	remote := make([]Conversation, 0, len(records))
	for _, rec := range records {
		conv, err := fromRecord(rec)
		if err != nil {
			r.log.WithError(err).WithField("conversation_id", rec.ID).Warn("[Sync] skip malformed remote record")
			continue
		}
		remote = append(remote, conv)
	}

	added := r.store.AddMissing(remote)
	if added > 0 {
		r.log.WithField("added", added).Info("[Sync] added remote-only conversations")
	}
	return added, nil
}

// Sweep 每隔 SweepSpacing 把一个本地会话交给 submit，不等待推送结果
func (r *Reconciler) Sweep(ctx context.Context, submit func(id string)) error {
	for _, conv := range r.store.Conversations() {
		if err := r.Sleep(ctx, r.SweepSpacing); err != nil {
			return err
		}
		submit(conv.ID)
	}
	return nil
}

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/model"
)

// ProfileStore 远端额度账本
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	PutProfile(ctx context.Context, p *model.Profile) error
}

type SessionConfig struct {
	UserID       string
	SweepSpec    string // cron 表达式，为空则不做定期全量同步
	QueueSize    int
	OutcomeLimit int
	StopTimeout  time.Duration // Stop 等待剩余同步的上限，默认 10s
}

func (c SessionConfig) stopTimeout() time.Duration {
	if c.StopTimeout <= 0 {
		return 10 * time.Second
	}
	return c.StopTimeout
}

// Session 组装一个登录用户的 Store、Chat、Reconciler 和后台同步
type Session struct {
	Store      *Store
	Chat       *Chat
	Reconciler *Reconciler
	Queue      *SyncQueue

	profiles ProfileStore
	userID   string
	cfg      SessionConfig
	log      logrus.FieldLogger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession profiles 可以为 nil，此时不同步额度
func NewSession(store *Store, relay *Relay, remote RemoteStore, profiles ProfileStore, cfg SessionConfig, log logrus.FieldLogger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Store:      store,
		Reconciler: NewReconciler(store, remote, cfg.UserID, log),
		Queue:      NewSyncQueue(cfg.QueueSize, cfg.OutcomeLimit, log),
		profiles:   profiles,
		userID:     cfg.UserID,
		cfg:        cfg,
		log:        log.WithField("user_id", cfg.UserID),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.Chat = NewChat(store, relay, s, log)
	return s
}

// SyncConversation 入队一次会话推送
func (s *Session) SyncConversation(id string) {
	s.Queue.Enqueue("upsert", id, func(ctx context.Context) error {
		return s.Reconciler.Upsert(ctx, id)
	})
}

// SyncProfile 入队一次额度推送，推送的是执行时的最新账本
func (s *Session) SyncProfile() {
	if s.profiles == nil {
		return
	}
	s.Queue.Enqueue("profile", s.userID, func(ctx context.Context) error {
		return s.profiles.PutProfile(ctx, profileFromSettings(s.userID, s.Store.Settings()))
	})
}

func profileFromSettings(userID string, st Settings) *model.Profile {
	plan := st.CurrentBundle
	if plan == "" {
		plan = string(st.Mode)
	}
	return &model.Profile{
		UserID:           userID,
		Plan:             plan,
		PromptsRemaining: st.PromptsRemaining,
		TotalPrompts:     st.TotalPrompts,
		ImagesRemaining:  st.ImagesRemaining,
		TotalImages:      st.TotalImages,
	}
}

// LoadProfile 远端账本与本地不同则以远端为准；远端没有则推送本地
func (s *Session) LoadProfile(ctx context.Context) error {
	if s.profiles == nil {
		return nil
	}
	p, err := s.profiles.GetProfile(ctx, s.userID)
	if errors.Is(err, model.ErrProfileNotFound) {
		s.SyncProfile()
		return nil
	}
	if err != nil {
		return &SyncError{Op: "get_profile", ID: s.userID, Err: err}
	}

	local := s.Store.Settings()
	if local.PromptsRemaining == p.PromptsRemaining && local.TotalPrompts == p.TotalPrompts &&
		local.ImagesRemaining == p.ImagesRemaining && local.TotalImages == p.TotalImages {
		return nil
	}
	s.Store.UpdateSettings(func(st *Settings) {
		st.PromptsRemaining = p.PromptsRemaining
		st.TotalPrompts = p.TotalPrompts
		st.ImagesRemaining = p.ImagesRemaining
		st.TotalImages = p.TotalImages
		if b, ok := Bundles[p.Plan]; ok {
			st.CurrentBundle = p.Plan
			st.BundleFeatures = b.Features
			st.Mode = ModeReal
		}
	})
	s.log.WithFields(logrus.Fields{
		"prompts": p.PromptsRemaining,
		"images":  p.ImagesRemaining,
	}).Info("[Session] applied remote profile")
	return nil
}

// Start 合并远端会话、加载额度，并按 SweepSpec 启动定期全量同步
// 远端不可用只记日志，本地照常工作
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.Reconciler.LoadMerge(ctx); err != nil {
		s.log.WithError(err).Warn("[Session] load remote conversations failed")
	}
	if err := s.LoadProfile(ctx); err != nil {
		s.log.WithError(err).Warn("[Session] load remote profile failed")
	}

	if s.cfg.SweepSpec == "" {
		return nil
	}
	logger := cron.PrintfLogger(s.log)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.cfg.SweepSpec, func() {
		if err := s.Sweep(); err != nil {
			s.log.WithError(err).Warn("[Session] periodic sync interrupted")
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// Sweep 把所有本地会话依次放进同步队列，失败记在队列结果里
func (s *Session) Sweep() error {
	return s.Reconciler.Sweep(s.ctx, s.SyncConversation)
}

// Watch 在后台订阅服务端通知，收到会话变更后补充远端新增的会话
// 本地已有的会话不受影响，包括正在流式输出的
func (s *Session) Watch(wsURL, token string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := Watch(s.ctx, wsURL, token, func(ev WatchEvent) {
			s.log.WithFields(logrus.Fields{"type": ev.Type, "id": ev.ID}).Debug("[Session] remote change")
			if _, err := s.Reconciler.Refresh(s.ctx); err != nil {
				s.log.WithError(err).Warn("[Session] refresh after notification failed")
			}
		})
		if err != nil {
			s.log.WithError(err).Warn("[Session] watch stopped")
		}
	}()
}

// Delete 远端确认后删除本地会话
func (s *Session) Delete(ctx context.Context, id string) error {
	return s.Reconciler.Delete(ctx, id)
}

func (s *Session) Rename(ctx context.Context, id, title string) error {
	return s.Reconciler.RenameTitle(ctx, id, title)
}

// Purchase 购买额度包并推送账本
func (s *Session) Purchase(name string) (Settings, error) {
	st, err := s.Store.PurchaseBundle(name)
	if err != nil {
		return st, err
	}
	s.SyncProfile()
	return st, nil
}

// SwitchMode 重置为该模式的默认额度并推送
func (s *Session) SwitchMode(mode Mode) Settings {
	st := s.Store.SwitchMode(mode)
	s.SyncProfile()
	return st
}

// Stop 停止定期同步和订阅，关闭队列并等待已入队的同步结束
func (s *Session) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.Chat.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.stopTimeout())
	defer cancel()
	s.Queue.Close(ctx)

	s.cancel()
	s.wg.Wait()
}

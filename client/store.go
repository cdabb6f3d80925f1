package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// State 本地快照的三个顶层键
type State struct {
	Conversations         []Conversation `json:"conversations"`
	CurrentConversationID string         `json:"currentConversationId"`
	Settings              Settings       `json:"userSettings"`
}

func (s State) clone() State {
	out := s
	out.Conversations = make([]Conversation, len(s.Conversations))
	for i, c := range s.Conversations {
		out.Conversations[i] = c.clone()
	}
	return out
}

// Persister 每次变更后保存完整快照
type Persister interface {
	Save(State) error
}

type ChangeKind string

const (
	ChangeConversationCreated ChangeKind = "conversation.created"
	ChangeConversationRemoved ChangeKind = "conversation.removed"
	ChangeConversationsLoaded ChangeKind = "conversations.loaded"
	ChangeMessageAdded        ChangeKind = "message.added"
	ChangeMessageUpdated      ChangeKind = "message.updated"
	ChangeTitleUpdated        ChangeKind = "title.updated"
	ChangeCurrentChanged      ChangeKind = "current.changed"
	ChangeSettingsUpdated     ChangeKind = "settings.updated"
)

// Change 通知订阅者发生了什么；需要数据时再从 Store 读
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        *Message
}

// Store 客户端状态的唯一持有者，所有修改经由这里，读取返回深拷贝
type Store struct {
	mu        sync.Mutex
	state     State
	persister Persister
	log       logrus.FieldLogger

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

func NewStore(initial State, persister Persister, log logrus.FieldLogger) *Store {
	return &Store{
		state:     initial.clone(),
		persister: persister,
		log:       log,
		subs:      make(map[int]func(Change)),
	}
}

// Subscribe 注册观察者，返回取消函数；回调在修改方的 goroutine 中同步执行
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(ch Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// mutate 持锁执行修改并落盘，返回 false 表示没有改动
func (s *Store) mutate(fn func(st *State) bool) bool {
	s.mu.Lock()
	changed := fn(&s.state)
	if changed && s.persister != nil {
		if err := s.persister.Save(s.state); err != nil {
			s.log.WithError(err).Warn("[Store] persist snapshot failed")
		}
	}
	s.mu.Unlock()
	return changed
}

func indexOf(st *State, id string) int {
	for i := range st.Conversations {
		if st.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// Snapshot 完整状态的深拷贝
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(&s.state, id); i >= 0 {
		return s.state.Conversations[i].clone(), true
	}
	return Conversation{}, false
}

// Conversations 新的在前
func (s *Store) Conversations() []Conversation {
	return s.Snapshot().Conversations
}

func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentConversationID
}

func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Settings
}

// CreateConversation 新会话插到最前并设为当前
func (s *Store) CreateConversation(title string) Conversation {
	now := nowMillis()
	conv := Conversation{
		ID:        newID(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mutate(func(st *State) bool {
		st.Conversations = append([]Conversation{conv}, st.Conversations...)
		st.CurrentConversationID = conv.ID
		return true
	})
	s.notify(Change{Kind: ChangeConversationCreated, ConversationID: conv.ID})
	return conv.clone()
}

func (s *Store) SetCurrent(id string) error {
	ok := s.mutate(func(st *State) bool {
		if id != "" && indexOf(st, id) < 0 {
			return false
		}
		st.CurrentConversationID = id
		return true
	})
	if !ok {
		return ErrConversationNotFound
	}
	s.notify(Change{Kind: ChangeCurrentChanged, ConversationID: id})
	return nil
}

func (s *Store) AddMessage(conversationID string, msg Message) error {
	ok := s.mutate(func(st *State) bool {
		i := indexOf(st, conversationID)
		if i < 0 {
			return false
		}
		c := &st.Conversations[i]
		c.Messages = append(c.Messages, msg)
		c.UpdatedAt = nowMillis()
		return true
	})
	if !ok {
		return ErrConversationNotFound
	}
	s.notify(Change{Kind: ChangeMessageAdded, ConversationID: conversationID, Message: &msg})
	return nil
}

// UpdateMessage 按 id 整条替换
func (s *Store) UpdateMessage(conversationID string, msg Message) error {
	ok := s.mutate(func(st *State) bool {
		i := indexOf(st, conversationID)
		if i < 0 {
			return false
		}
		c := &st.Conversations[i]
		for j := range c.Messages {
			if c.Messages[j].ID == msg.ID {
				c.Messages[j] = msg
				c.UpdatedAt = nowMillis()
				return true
			}
		}
		return false
	})
	if !ok {
		return ErrConversationNotFound
	}
	s.notify(Change{Kind: ChangeMessageUpdated, ConversationID: conversationID, Message: &msg})
	return nil
}

// UpdateTitle 返回修改前的标题，供回滚使用
func (s *Store) UpdateTitle(id, title string) (string, error) {
	var prev string
	ok := s.mutate(func(st *State) bool {
		i := indexOf(st, id)
		if i < 0 {
			return false
		}
		prev = st.Conversations[i].Title
		st.Conversations[i].Title = title
		st.Conversations[i].UpdatedAt = nowMillis()
		return true
	})
	if !ok {
		return "", ErrConversationNotFound
	}
	s.notify(Change{Kind: ChangeTitleUpdated, ConversationID: id})
	return prev, nil
}

// RemoveConversation 删除当前会话时切到剩下的第一个
func (s *Store) RemoveConversation(id string) error {
	ok := s.mutate(func(st *State) bool {
		i := indexOf(st, id)
		if i < 0 {
			return false
		}
		st.Conversations = append(st.Conversations[:i:i], st.Conversations[i+1:]...)
		if st.CurrentConversationID == id {
			st.CurrentConversationID = ""
			if len(st.Conversations) > 0 {
				st.CurrentConversationID = st.Conversations[0].ID
			}
		}
		return true
	})
	if !ok {
		return ErrConversationNotFound
	}
	s.notify(Change{Kind: ChangeConversationRemoved, ConversationID: id})
	return nil
}

// ReplaceConversations 整体替换会话列表，按 updatedAt 倒序
func (s *Store) ReplaceConversations(convs []Conversation) {
	sorted := make([]Conversation, len(convs))
	for i, c := range convs {
		sorted[i] = c.clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})

	s.mutate(func(st *State) bool {
		st.Conversations = sorted
		if st.CurrentConversationID != "" && indexOf(st, st.CurrentConversationID) < 0 {
			st.CurrentConversationID = ""
		}
		return true
	})
	s.notify(Change{Kind: ChangeConversationsLoaded})
}

// AddMissing 只加入本地没有的会话，已有的原样保留；返回加入的条数
func (s *Store) AddMissing(convs []Conversation) int {
	added := 0
	s.mutate(func(st *State) bool {
		for _, c := range convs {
			if indexOf(st, c.ID) >= 0 {
				continue
			}
			st.Conversations = append(st.Conversations, c.clone())
			added++
		}
		if added == 0 {
			return false
		}
		sort.SliceStable(st.Conversations, func(i, j int) bool {
			return st.Conversations[i].UpdatedAt > st.Conversations[j].UpdatedAt
		})
		return true
	})
	if added > 0 {
		s.notify(Change{Kind: ChangeConversationsLoaded})
	}
	return added
}

// UpdateSettings 局部修改账本
func (s *Store) UpdateSettings(fn func(*Settings)) Settings {
	var out Settings
	s.mutate(func(st *State) bool {
		fn(&st.Settings)
		out = st.Settings
		return true
	})
	s.notify(Change{Kind: ChangeSettingsUpdated})
	return out
}

func (s *Store) DecrementPrompts() Settings {
	return s.UpdateSettings((*Settings).decrementPrompts)
}

func (s *Store) DecrementImages() Settings {
	return s.UpdateSettings((*Settings).decrementImages)
}

func (s *Store) SwitchMode(mode Mode) Settings {
	return s.UpdateSettings(func(st *Settings) { st.applyMode(mode) })
}

// PurchaseBundle 未知的包名不改动账本
func (s *Store) PurchaseBundle(name string) (Settings, error) {
	if _, ok := Bundles[name]; !ok {
		return s.Settings(), fmt.Errorf("%w: %q", ErrUnknownBundle, name)
	}
	var err error
	out := s.UpdateSettings(func(st *Settings) { err = st.applyPurchase(name) })
	return out, err
}

package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message 时间戳为毫秒
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation 消息按追加顺序即时间顺序
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

const (
	DefaultTitle = "New Chat"
	// ApologyMessage 失败时展示给用户的固定文案，错误细节只进日志
	ApologyMessage = "Sorry, I encountered an error. Please try again."
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStreamFailed         = errors.New("stream failed")
	ErrNoPrompts            = errors.New("no prompts remaining")
	ErrNoImages             = errors.New("no images remaining")
	ErrImagesNotInBundle    = errors.New("image generation is not available with the current bundle")
	ErrEmptyPrompt          = errors.New("empty prompt")
	ErrUnknownBundle        = errors.New("unknown bundle")
)

// SyncError 远端存储操作失败
type SyncError struct {
	Op  string // upsert/delete/update_title/list
	ID  string
	Err error
}

func (e *SyncError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func newID() string {
	return uuid.NewString()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/stream"
)

type StreamState int

const (
	StateIdle StreamState = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// StreamResult 一次发送的最终状态，Content 为助手消息的最终文本
type StreamResult struct {
	ConversationID string
	MessageID      string
	State          StreamState
	Content        string
}

// Syncer 把远端同步交给后台执行
type Syncer interface {
	SyncConversation(id string)
	SyncProfile()
}

type nopSyncer struct{}

func (nopSyncer) SyncConversation(string) {}
func (nopSyncer) SyncProfile() {}

// Chat 发送消息并把 relay 的 SSE 流增量写入 Store
// 同一会话上新的发送会取消旧的流
type Chat struct {
	store *Store
	relay *Relay
	sync  Syncer
	log   logrus.FieldLogger

	ImageModel string
	ImageSize  string

	mu       sync.Mutex
	inflight map[string]*inflightStream
}

type inflightStream struct {
	cancel context.CancelFunc
}

func NewChat(store *Store, relay *Relay, syncer Syncer, log logrus.FieldLogger) *Chat {
	if syncer == nil {
		syncer = nopSyncer{}
	}
	return &Chat{
		store:      store,
		relay:      relay,
		sync:       syncer,
		log:        log,
		ImageModel: "dall-e-3",
		ImageSize:  "1024x1024",
		inflight:   make(map[string]*inflightStream),
	}
}

func (c *Chat) register(parent context.Context, conversationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	entry := &inflightStream{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.inflight[conversationID]; ok {
		prev.cancel()
	}
	c.inflight[conversationID] = entry
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.inflight[conversationID] == entry {
			delete(c.inflight, conversationID)
		}
		c.mu.Unlock()
		cancel()
	}
}

// State 会话上是否有进行中的流
func (c *Chat) State(conversationID string) StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[conversationID]; ok {
		return StateStreaming
	}
	return StateIdle
}

// Close 取消所有进行中的流
func (c *Chat) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.inflight {
		s.cancel()
		delete(c.inflight, id)
	}
}

// prepare 确定目标会话，没有则新建
func (c *Chat) prepare(conversationID string) (Conversation, error) {
	if conversationID == "" {
		conversationID = c.store.CurrentID()
	}
	if conversationID == "" {
		return c.store.CreateConversation(DefaultTitle), nil
	}
	conv, ok := c.store.Conversation(conversationID)
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (c *Chat) addUserMessage(conv Conversation, text string) (Message, error) {
	msg := Message{ID: newID(), Role: RoleUser, Content: text, Timestamp: nowMillis()}
	if err := c.store.AddMessage(conv.ID, msg); err != nil {
		return Message{}, err
	}
	c.sync.SyncConversation(conv.ID)
	return msg, nil
}

// fail 追加一条致歉消息
func (c *Chat) fail(conversationID string) StreamResult {
	msg := Message{ID: newID(), Role: RoleAssistant, Content: ApologyMessage, Timestamp: nowMillis()}
	if err := c.store.AddMessage(conversationID, msg); err != nil {
		c.log.WithError(err).WithField("conversation_id", conversationID).Warn("[Chat] append apology failed")
	}
	c.sync.SyncConversation(conversationID)
	return StreamResult{ConversationID: conversationID, MessageID: msg.ID, State: StateFailed, Content: ApologyMessage}
}

func toAPIMessages(msgs []Message) []APIMessage {
	out := make([]APIMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, APIMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Send 发送一条用户消息并消费回复流
// conversationID 为空时使用当前会话，没有当前会话则新建
func (c *Chat) Send(ctx context.Context, conversationID, text string) (StreamResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return StreamResult{}, ErrEmptyPrompt
	}
	settings := c.store.Settings()
	if err := settings.CanSendPrompt(); err != nil {
		return StreamResult{}, err
	}

	conv, err := c.prepare(conversationID)
	if err != nil {
		return StreamResult{}, err
	}
	userMsg, err := c.addUserMessage(conv, text)
	if err != nil {
		return StreamResult{}, err
	}
	c.store.DecrementPrompts()
	c.sync.SyncProfile()

	log := c.log.WithField("conversation_id", conv.ID)
	streamCtx, release := c.register(ctx, conv.ID)
	defer release()

	req := ChatRequest{
		Messages:     toAPIMessages(append(conv.Messages, userMsg)),
		Model:        settings.SelectedModel,
		UseCustomAPI: settings.UseCustomAPI,
		CustomAPIKey: settings.CustomAPIKey,
	}
	body, err := c.relay.Chat(streamCtx, req)
	if err != nil {
		log.WithError(err).Error("[Chat] relay request failed")
		return c.fail(conv.ID), fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	defer body.Close()

	reply := Message{ID: newID(), Role: RoleAssistant, Content: "", Timestamp: nowMillis()}
	if err := c.store.AddMessage(conv.ID, reply); err != nil {
		return StreamResult{}, err
	}

	content, err := c.consume(streamCtx, conv.ID, reply, body)
	if err != nil {
		log.WithError(err).WithField("received", len(content)).Error("[Chat] stream failed")
		reply.Content = ApologyMessage
		if uerr := c.store.UpdateMessage(conv.ID, reply); uerr != nil {
			log.WithError(uerr).Warn("[Chat] replace placeholder failed")
		}
		c.sync.SyncConversation(conv.ID)
		return StreamResult{ConversationID: conv.ID, MessageID: reply.ID, State: StateFailed, Content: ApologyMessage},
			fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}

	c.sync.SyncConversation(conv.ID)
	return StreamResult{ConversationID: conv.ID, MessageID: reply.ID, State: StateCompleted, Content: content}, nil
}

// consume 逐帧累积内容，每个增量都写回占位消息
// [DONE] 之后的内容仍然接收，直到流结束
func (c *Chat) consume(ctx context.Context, conversationID string, msg Message, body io.Reader) (string, error) {
	var (
		lb  stream.LineBuffer
		acc strings.Builder
		buf = make([]byte, 32*1024)
	)
	for {
		n, rerr := body.Read(buf)
		for _, line := range lb.Feed(buf[:n]) {
			ev, ok, err := stream.ParseFrame(line)
			if !ok {
				continue
			}
			if err != nil {
				c.log.WithError(err).Debug("[Chat] skip malformed frame")
				continue
			}
			if ev.Error != "" {
				return acc.String(), errors.New(ev.Error)
			}
			if ev.Done || ev.Content == "" {
				continue
			}
			acc.WriteString(ev.Content)
			msg.Content = acc.String()
			if err := c.store.UpdateMessage(conversationID, msg); err != nil {
				return acc.String(), err
			}
		}
		if rerr == io.EOF {
			return acc.String(), nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return acc.String(), ctx.Err()
			}
			return acc.String(), rerr
		}
	}
}

// GenerateImage 生成图片并以 markdown 图片消息回复
func (c *Chat) GenerateImage(ctx context.Context, conversationID, prompt string) (StreamResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return StreamResult{}, ErrEmptyPrompt
	}
	settings := c.store.Settings()
	if err := settings.CanGenerateImages(); err != nil {
		return StreamResult{}, err
	}

	conv, err := c.prepare(conversationID)
	if err != nil {
		return StreamResult{}, err
	}
	if _, err := c.addUserMessage(conv, prompt); err != nil {
		return StreamResult{}, err
	}
	c.store.DecrementImages()
	c.sync.SyncProfile()

	log := c.log.WithField("conversation_id", conv.ID)
	reply, err := c.relay.Image(ctx, ImageRequest{
		Prompt:       prompt,
		Model:        c.ImageModel,
		Size:         c.ImageSize,
		Quality:      settings.ImageQuality(),
		UseCustomAPI: settings.UseCustomAPI,
		CustomAPIKey: settings.CustomAPIKey,
	})
	if err != nil {
		log.WithError(err).Error("[Chat] image request failed")
		return c.fail(conv.ID), err
	}
	if !reply.Success || reply.ImageURL == "" {
		log.Error("[Chat] image response without url")
		return c.fail(conv.ID), errors.New("no image generated")
	}

	content := fmt.Sprintf("Here's the image I generated for you:\n\n![Generated Image](%s)\n\n", reply.ImageURL)
	if reply.RevisedPrompt != "" {
		content += "Revised prompt: " + reply.RevisedPrompt
	}
	msg := Message{ID: newID(), Role: RoleAssistant, Content: content, Timestamp: nowMillis()}
	if err := c.store.AddMessage(conv.ID, msg); err != nil {
		return StreamResult{}, err
	}
	c.sync.SyncConversation(conv.ID)
	return StreamResult{ConversationID: conv.ID, MessageID: msg.ID, State: StateCompleted, Content: content}, nil
}

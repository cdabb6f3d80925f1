package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/stream"
	"github.com/KodaTao/daily-assistant/server/upstream"
)

// ChatRequest POST /api/chat 请求体
type ChatRequest struct {
	Messages     []upstream.ChatMessage `json:"messages"`
	Model        string                 `json:"model"`
	UseCustomAPI bool                   `json:"useCustomApi"`
	CustomAPIKey string                 `json:"customApiKey"`
}

// ChatHandler 处理 /api/chat：转发到上游并把输出重新分帧
type ChatHandler struct {
	Upstream  *upstream.Client
	Models    upstream.ModelTable
	ServerKey string
	Log       logrus.FieldLogger
}

func NewChatHandler(up *upstream.Client, models upstream.ModelTable, serverKey string, log logrus.FieldLogger) *ChatHandler {
	return &ChatHandler{
		Upstream:  up,
		Models:    models,
		ServerKey: serverKey,
		Log:       log,
	}
}

func (h *ChatHandler) Handle(c *gin.Context) {
	log := requestLog(h.Log, c)

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Messages == nil {
		c.String(http.StatusBadRequest, "Invalid messages format")
		return
	}

	apiKey, source, err := upstream.SelectCredential(req.UseCustomAPI, req.CustomAPIKey, h.ServerKey)
	if err != nil {
		log.Error("[Chat] no API key configured")
		c.String(http.StatusInternalServerError, "API key not configured")
		return
	}

	actualModel := h.Models.Resolve(req.Model)
	log.WithFields(logrus.Fields{
		"model":        req.Model,
		"actual_model": actualModel,
		"credential":   source,
	}).Info("[Chat] relaying")

	body, err := h.Upstream.StreamChat(c.Request.Context(), apiKey, upstream.ChatCompletionRequest{
		Model:    actualModel,
		Messages: req.Messages,
	})
	if err != nil {
		var upErr *upstream.Error
		if errors.As(err, &upErr) {
			log.WithFields(logrus.Fields{
				"status": upErr.StatusCode,
				"body":   upErr.Body,
				"model":  actualModel,
			}).Error("[Chat] upstream error")
			c.String(upErr.StatusCode, "Failed to get AI response: %s", upErr.Status)
			return
		}
		log.WithError(err).Error("[Chat] upstream request failed")
		c.String(http.StatusInternalServerError, "Internal server error: %s", err.Error())
		return
	}
	defer body.Close()

	h.handleStream(c, log, body)
}

// handleStream SSE 推送；头部发出后出错只能通过错误帧通知客户端
func (h *ChatHandler) handleStream(c *gin.Context, log logrus.FieldLogger, body io.Reader) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	err := stream.Reframe(c.Request.Context(), body, c.Writer)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) {
		log.Info("[Chat] client went away")
		return
	}
	log.WithError(err).Error("[Chat] stream error")
	writeFrame(c.Writer, stream.Event{Error: "stream interrupted"})
}

func writeFrame(w gin.ResponseWriter, ev stream.Event) {
	if _, err := w.Write(ev.Frame()); err != nil {
		return
	}
	w.Flush()
}

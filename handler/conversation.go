package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/model"
	"github.com/KodaTao/daily-assistant/server/notify"
)

// ConversationHandler 远端会话存储的 REST 接口，全部按 token 中的 owner 隔离
type ConversationHandler struct {
	Repo     *model.ConversationRepo
	Notifier notify.Broadcaster
	Log      logrus.FieldLogger
}

func NewConversationHandler(repo *model.ConversationRepo, notifier notify.Broadcaster, log logrus.FieldLogger) *ConversationHandler {
	return &ConversationHandler{Repo: repo, Notifier: notifier, Log: log}
}

type titleRequest struct {
	Title string `json:"title"`
}

// List GET /api/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	records, err := h.Repo.List(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		requestLog(h.Log, c).WithError(err).Error("[Conversation] list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if records == nil {
		records = []model.ConversationRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// Upsert PUT /api/conversations/:id，整行覆盖
func (h *ConversationHandler) Upsert(c *gin.Context) {
	var rec model.ConversationRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation"})
		return
	}
	rec.ID = c.Param("id")
	rec.UserID = c.GetString(userIDKey)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	if err := h.Repo.Upsert(c.Request.Context(), &rec); err != nil {
		if errors.Is(err, model.ErrNotOwner) {
			requestLog(h.Log, c).WithField("id", rec.ID).Warn("[Conversation] upsert on foreign conversation rejected")
			c.JSON(http.StatusForbidden, gin.H{"error": "conversation belongs to another user"})
			return
		}
		requestLog(h.Log, c).WithError(err).WithField("id", rec.ID).Error("[Conversation] upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}

	h.publish(c, notify.TypeUpserted, rec.ID)
	c.JSON(http.StatusOK, rec)
}

// Delete DELETE /api/conversations/:id，返回删除行数
func (h *ConversationHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	n, err := h.Repo.Delete(c.Request.Context(), id, c.GetString(userIDKey))
	if err != nil {
		requestLog(h.Log, c).WithError(err).WithField("id", id).Error("[Conversation] delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if n > 0 {
		h.publish(c, notify.TypeDeleted, id)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// UpdateTitle PATCH /api/conversations/:id，返回更新行数
func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid title"})
		return
	}

	id := c.Param("id")
	n, err := h.Repo.UpdateTitle(c.Request.Context(), id, c.GetString(userIDKey), req.Title)
	if err != nil {
		requestLog(h.Log, c).WithError(err).WithField("id", id).Error("[Conversation] update title failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if n > 0 {
		h.publish(c, notify.TypeUpserted, id)
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// publish 通知失败不影响本次写入
func (h *ConversationHandler) publish(c *gin.Context, typ, id string) {
	if h.Notifier == nil {
		return
	}
	n := notify.Notification{Type: typ, UserID: c.GetString(userIDKey), ID: id}
	if err := h.Notifier.Publish(c.Request.Context(), n); err != nil {
		requestLog(h.Log, c).WithError(err).Warn("[Conversation] publish notification failed")
	}
}

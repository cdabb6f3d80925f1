package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/model"
)

type ProfileHandler struct {
	Repo *model.ProfileRepo
	Log  logrus.FieldLogger
}

func NewProfileHandler(repo *model.ProfileRepo, log logrus.FieldLogger) *ProfileHandler {
	return &ProfileHandler{Repo: repo, Log: log}
}

// Get GET /api/profile，没有记录时返回 404
func (h *ProfileHandler) Get(c *gin.Context) {
	p, err := h.Repo.Get(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		if errors.Is(err, model.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		requestLog(h.Log, c).WithError(err).Error("[Profile] get failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Put PUT /api/profile，同步客户端的额度账本
func (h *ProfileHandler) Put(c *gin.Context) {
	var p model.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile"})
		return
	}
	if p.PromptsRemaining < 0 || p.ImagesRemaining < 0 || p.TotalPrompts < 0 || p.TotalImages < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "counters must be non-negative"})
		return
	}
	p.UserID = c.GetString(userIDKey)

	if err := h.Repo.Upsert(c.Request.Context(), &p); err != nil {
		requestLog(h.Log, c).WithError(err).Error("[Profile] upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

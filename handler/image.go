package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/upstream"
)

// ImageRequest POST /api/images 请求体，空字段取配置默认值
type ImageRequest struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	Size         string `json:"size"`
	Quality      string `json:"quality"`
	UseCustomAPI bool   `json:"useCustomApi"`
	CustomAPIKey string `json:"customApiKey"`
}

type ImageResponse struct {
	Success       bool   `json:"success"`
	ImageURL      string `json:"imageUrl"`
	RevisedPrompt string `json:"revisedPrompt"`
}

type ImageHandler struct {
	Upstream  *upstream.Client
	Defaults  config.ImagesConfig
	ServerKey string
	Log       logrus.FieldLogger
}

func NewImageHandler(up *upstream.Client, defaults config.ImagesConfig, serverKey string, log logrus.FieldLogger) *ImageHandler {
	return &ImageHandler{
		Upstream:  up,
		Defaults:  defaults,
		ServerKey: serverKey,
		Log:       log,
	}
}

func (h *ImageHandler) Handle(c *gin.Context) {
	log := requestLog(h.Log, c)

	var req ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.String(http.StatusBadRequest, "Invalid prompt")
		return
	}
	if req.Model == "" {
		req.Model = h.Defaults.DefaultModel
	}
	if req.Size == "" {
		req.Size = h.Defaults.DefaultSize
	}
	if req.Quality == "" {
		req.Quality = h.Defaults.DefaultQuality
	}

	apiKey, source, err := upstream.SelectCredential(req.UseCustomAPI, req.CustomAPIKey, h.ServerKey)
	if err != nil {
		log.Error("[Image] no API key configured")
		c.String(http.StatusInternalServerError, "API key not configured")
		return
	}

	log.WithFields(logrus.Fields{
		"model":      req.Model,
		"size":       req.Size,
		"quality":    req.Quality,
		"credential": source,
	}).Info("[Image] generating")

	result, err := h.Upstream.GenerateImage(c.Request.Context(), apiKey, upstream.ImageRequest{
		Prompt:  req.Prompt,
		Model:   req.Model,
		Size:    req.Size,
		Quality: req.Quality,
	})
	if err != nil {
		var upErr *upstream.Error
		switch {
		case errors.As(err, &upErr):
			log.WithFields(logrus.Fields{
				"status": upErr.StatusCode,
				"body":   upErr.Body,
				"model":  req.Model,
			}).Error("[Image] upstream error")
			c.String(upErr.StatusCode, "Failed to generate image: %s", upErr.Status)
		case errors.Is(err, upstream.ErrEmptyResult):
			log.Warn("[Image] upstream returned no data")
			c.String(http.StatusInternalServerError, "No image generated")
		default:
			log.WithError(err).Error("[Image] request failed")
			c.String(http.StatusInternalServerError, "Internal server error: %s", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, ImageResponse{
		Success:       true,
		ImageURL:      result.URL,
		RevisedPrompt: result.RevisedPrompt,
	})
}

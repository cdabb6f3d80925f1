package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/logging"
	"github.com/KodaTao/daily-assistant/server/upstream"
)

func setupImageTest(t *testing.T, upstreamURL, serverKey string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	images := config.Default().Images
	up := upstream.New(config.UpstreamConfig{BaseURL: upstreamURL, RequestTimeout: 5}, upstream.WithQualityModels(images.QualityModels))
	imageHandler := NewImageHandler(up, images, serverKey, logging.Discard())

	r := gin.New()
	r.POST("/api/images", imageHandler.Handle)
	return r
}

func imageJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
}

func TestGenerateImage(t *testing.T) {
	up := newFakeUpstream(t, imageJSON(`{"created":1,"data":[{"url":"http://x/y.png"}]}`))
	r := setupImageTest(t, up.URL, "sk-server")

	w := postJSON(r, "/api/images", `{"prompt":"a cat"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ImageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.ImageURL != "http://x/y.png" || resp.RevisedPrompt != "a cat" {
		t.Errorf("unexpected response %+v", resp)
	}

	_, body := up.Last()
	if body["model"] != "dall-e-3" || body["size"] != "1024x1024" || body["quality"] != "standard" {
		t.Errorf("expected defaults in upstream payload, got %v", body)
	}
}

func TestGenerateImageEmptyPrompt(t *testing.T) {
	up := newFakeUpstream(t, imageJSON(`{"created":1,"data":[{"url":"http://x/y.png"}]}`))
	r := setupImageTest(t, up.URL, "sk-server")

	for _, body := range []string{`{"prompt":""}`, `{}`, `{"prompt":42}`} {
		w := postJSON(r, "/api/images", body)
		if w.Code != http.StatusBadRequest || w.Body.String() != "Invalid prompt" {
			t.Errorf("%s: expected 400 Invalid prompt, got %d %q", body, w.Code, w.Body.String())
		}
	}
	if up.Calls() != 0 {
		t.Errorf("expected zero upstream calls, got %d", up.Calls())
	}
}

func TestGenerateImageQualityOnlyForSupportedModels(t *testing.T) {
	up := newFakeUpstream(t, imageJSON(`{"created":1,"data":[{"url":"http://x/y.png","revised_prompt":"a tabby cat"}]}`))
	r := setupImageTest(t, up.URL, "sk-server")

	w := postJSON(r, "/api/images", `{"prompt":"a cat","model":"dall-e-2","size":"512x512","quality":"hd"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	_, body := up.Last()
	if _, ok := body["quality"]; ok {
		t.Errorf("quality must not be sent to dall-e-2: %v", body)
	}

	var resp ImageResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RevisedPrompt != "a tabby cat" {
		t.Errorf("expected upstream revised prompt, got %q", resp.RevisedPrompt)
	}
}

func TestGenerateImageNoResult(t *testing.T) {
	up := newFakeUpstream(t, imageJSON(`{"created":1,"data":[]}`))
	r := setupImageTest(t, up.URL, "sk-server")

	w := postJSON(r, "/api/images", `{"prompt":"a cat"}`)
	if w.Code != http.StatusInternalServerError || w.Body.String() != "No image generated" {
		t.Errorf("expected 500 No image generated, got %d %q", w.Code, w.Body.String())
	}
}

func TestGenerateImageUpstreamError(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	})
	r := setupImageTest(t, up.URL, "sk-server")

	w := postJSON(r, "/api/images", `{"prompt":"a cat"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Body.String() != "Failed to generate image: Too Many Requests" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestGenerateImageNoCredential(t *testing.T) {
	up := newFakeUpstream(t, imageJSON(`{"data":[]}`))
	r := setupImageTest(t, up.URL, "")

	w := postJSON(r, "/api/images", `{"prompt":"a cat","useCustomApi":true}`)
	if w.Code != http.StatusInternalServerError || w.Body.String() != "API key not configured" {
		t.Errorf("expected 500 API key not configured, got %d %q", w.Code, w.Body.String())
	}
	if up.Calls() != 0 {
		t.Errorf("expected zero upstream calls, got %d", up.Calls())
	}
}

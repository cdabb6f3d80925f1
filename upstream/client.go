package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/KodaTao/daily-assistant/server/config"
)

// 固定的解码参数，调用方不可修改
const (
	chatTemperature = 0.7
	chatMaxTokens   = 2000
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoCredential   = errors.New("API key not configured")
	ErrEmptyResult    = errors.New("no image generated")
)

// Error 上游返回的非 2xx 响应
type Error struct {
	StatusCode int
	Status     string // 状态描述，如 "Too Many Requests"
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d %s: %s", e.StatusCode, e.Status, e.Body)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model    string
	Messages []ChatMessage
}

type chatPayload struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	Stream           bool          `json:"stream"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

type ImageRequest struct {
	Prompt  string
	Model   string
	Size    string
	Quality string
}

type ImageResult struct {
	URL           string
	RevisedPrompt string
}

// Client 访问 OpenAI 兼容的上游接口
type Client struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	qualityModels map[string]bool
}

type Option func(*Client)

// WithHTTPClient 替换底层 http.Client，测试里用来指向 httptest
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithQualityModels 设置接受 quality 字段的图片模型
func WithQualityModels(models []string) Option {
	return func(c *Client) {
		c.qualityModels = make(map[string]bool, len(models))
		for _, m := range models {
			c.qualityModels[m] = true
		}
	}
}

func New(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: http.DefaultClient,
		timeout:    cfg.Timeout(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SupportsQuality 判断图片模型是否接受 quality 字段
func (c *Client) SupportsQuality(model string) bool {
	return c.qualityModels[model]
}

// StreamChat 发起流式对话请求，成功时返回上游的原始字节流，由调用方关闭
func (c *Client) StreamChat(ctx context.Context, apiKey string, req ChatCompletionRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(chatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: chatTemperature,
		MaxTokens:   chatMaxTokens,
		Stream:      true,
		TopP:        1,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       string(data),
		}
	}

	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelBody 关闭时一并释放超时 context
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// GenerateImage 请求生成一张图片，等待完整 JSON 响应
func (c *Client) GenerateImage(ctx context.Context, apiKey string, req ImageRequest) (*ImageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sdk := openai.NewClient(
		option.WithBaseURL(c.baseURL+"/"),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)

	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(req.Model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize(req.Size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	}
	// 不支持 quality 的模型会拒绝未知字段
	if c.SupportsQuality(req.Model) && req.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
	}

	resp, err := sdk.Images.Generate(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{
				StatusCode: apiErr.StatusCode,
				Status:     http.StatusText(apiErr.StatusCode),
				Body:       apiErr.Message,
			}
		}
		return nil, fmt.Errorf("image request: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, ErrEmptyResult
	}

	result := &ImageResult{
		URL:           resp.Data[0].URL,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}
	if result.RevisedPrompt == "" {
		result.RevisedPrompt = req.Prompt
	}
	return result, nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIMessage 发给 relay 的精简消息
type APIMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages     []APIMessage `json:"messages"`
	Model        string       `json:"model,omitempty"`
	UseCustomAPI bool         `json:"useCustomApi"`
	CustomAPIKey string       `json:"customApiKey,omitempty"`
}

type ImageRequest struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model,omitempty"`
	Size         string `json:"size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	UseCustomAPI bool   `json:"useCustomApi"`
	CustomAPIKey string `json:"customApiKey,omitempty"`
}

type ImageReply struct {
	Success       bool   `json:"success"`
	ImageURL      string `json:"imageUrl"`
	RevisedPrompt string `json:"revisedPrompt"`
}

// StatusError relay 或远端存储返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Relay 调用服务端的 /api/chat 和 /api/images
type Relay struct {
	baseURL string
	client  *http.Client
	token   string
}

func NewRelay(baseURL, token string, hc *http.Client) *Relay {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Relay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
		token:   token,
	}
}

func (r *Relay) do(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// doJSON 发送请求并把 2xx 响应解到 out
func (r *Relay) doJSON(ctx context.Context, method, endpoint string, body, out interface{}) error {
	resp, err := r.do(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Chat 打开流式对话；成功时由调用方读取并关闭 Body
func (r *Relay) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	resp, err := r.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (r *Relay) Image(ctx context.Context, req ImageRequest) (*ImageReply, error) {
	var reply ImageReply
	if err := r.doJSON(ctx, http.MethodPost, "/api/images", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

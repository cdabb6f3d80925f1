package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/KodaTao/daily-assistant/server/model"
)

// HTTPRemote 通过服务端 REST 接口访问远端存储；owner 由 token 决定，userID 参数仅为满足接口
type HTTPRemote struct {
	api *Relay
}

func NewHTTPRemote(baseURL, token string, hc *http.Client) *HTTPRemote {
	return &HTTPRemote{api: NewRelay(baseURL, token, hc)}
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

func (h *HTTPRemote) Upsert(ctx context.Context, rec *model.ConversationRecord) error {
	return h.api.doJSON(ctx, http.MethodPut, conversationPath(rec.ID), rec, nil)
}

func (h *HTTPRemote) Delete(ctx context.Context, id, _ string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := h.api.doJSON(ctx, http.MethodDelete, conversationPath(id), nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (h *HTTPRemote) UpdateTitle(ctx context.Context, id, _, title string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	body := map[string]string{"title": title}
	if err := h.api.doJSON(ctx, http.MethodPatch, conversationPath(id), body, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (h *HTTPRemote) List(ctx context.Context, _ string) ([]model.ConversationRecord, error) {
	var records []model.ConversationRecord
	if err := h.api.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (h *HTTPRemote) GetProfile(ctx context.Context, _ string) (*model.Profile, error) {
	var p model.Profile
	if err := h.api.doJSON(ctx, http.MethodGet, "/api/profile", nil, &p); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, model.ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (h *HTTPRemote) PutProfile(ctx context.Context, p *model.Profile) error {
	return h.api.doJSON(ctx, http.MethodPut, "/api/profile", p, nil)
}

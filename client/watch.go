package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// WatchEvent 服务端推送的会话变更通知
type WatchEvent struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Watch 连接 /api/ws 并把变更通知交给 fn；应用层 PING 自动回 PONG
// ctx 取消时返回 nil
func Watch(ctx context.Context, wsURL, token string, fn func(WatchEvent)) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev WatchEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == "PING" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PONG"}`)); err != nil {
				return err
			}
			continue
		}
		fn(ev)
	}
}

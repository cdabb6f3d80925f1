package stream

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	dataPrefix = "data:"
	DoneMarker = "[DONE]"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Event 归一化后的下行事件，三者互斥
type Event struct {
	Content string
	Done    bool
	Error   string
}

// Frame 编码为一条 SSE 帧
func (e Event) Frame() []byte {
	if e.Done {
		return []byte("data: " + DoneMarker + "\n\n")
	}
	var js string
	if e.Error != "" {
		js, _ = sjson.Set("", "error", e.Error)
	} else {
		js, _ = sjson.Set("", "content", e.Content)
	}
	return []byte("data: " + js + "\n\n")
}

// payloadOf 去掉 data: 前缀并 trim；不是数据行时返回 false
func payloadOf(line string) (string, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(dataPrefix):]), true
}

// ParseFrame 解析一行归一化输出
// ok=false 表示不是数据行（空行、注释等），应直接忽略
func ParseFrame(line string) (ev Event, ok bool, err error) {
	payload, ok := payloadOf(line)
	if !ok {
		return Event{}, false, nil
	}
	if payload == DoneMarker {
		return Event{Done: true}, true, nil
	}
	if !gjson.Valid(payload) {
		return Event{}, true, ErrMalformedFrame
	}

	if msg := gjson.Get(payload, "error"); msg.Exists() {
		text := msg.String()
		if text == "" {
			text = "stream error"
		}
		return Event{Error: text}, true, nil
	}
	return Event{Content: gjson.Get(payload, "content").String()}, true, nil
}

package stream

import (
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

const readChunkSize = 32 * 1024

// Reframe 把上游的 SSE 流转写成归一化帧
// 上游正常结束返回 nil，末尾不完整的行直接丢弃；读错误或 ctx 取消时原样返回错误，由调用方发出错误帧
func Reframe(ctx context.Context, src io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)

	var lb LineBuffer
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				ev, ok := reframeLine(line)
				if !ok {
					continue
				}
				if _, werr := w.Write(ev.Frame()); werr != nil {
					return werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// reframeLine 处理一行上游数据；[DONE] 之后不退出，缓冲里可能还有行
func reframeLine(line string) (Event, bool) {
	payload, ok := payloadOf(line)
	if !ok {
		return Event{}, false
	}
	if payload == DoneMarker {
		return Event{Done: true}, true
	}
	// 格式错误的片段跳过，不中断整条流
	if !gjson.Valid(payload) {
		return Event{}, false
	}
	delta := gjson.Get(payload, "choices.0.delta.content").String()
	if delta == "" {
		return Event{}, false
	}
	return Event{Content: delta}, true
}

package stream

import (
	"bytes"
	"strings"
)

// LineBuffer 跨多次读取累积字节，只吐出完整的行
// 以字节切分，多字节字符被拆到两个 chunk 也不会损坏
type LineBuffer struct {
	buf []byte
}

// Feed 追加一个 chunk，返回其中所有完整行（去掉行尾的 \r），不完整的尾部留到下次
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(b.buf[:i]), "\r"))
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Pending 返回尚未成行的尾部
func (b *LineBuffer) Pending() string {
	return string(b.buf)
}

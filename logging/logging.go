package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/config"
)

const dateLayout = "2006-01-02"

// Formatter 输出形如 [时间] [级别] 消息 k=v 的单行日志
type Formatter struct{}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(b, "[%s] [%s] %s", timestamp, entry.Level, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// dailyHook 按天切换日志文件
type dailyHook struct {
	mu        sync.Mutex
	dir       string
	name      string
	date      string
	writer    *os.File
	formatter logrus.Formatter
}

func (h *dailyHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *dailyHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	today := entry.Time.Format(dateLayout)
	if h.writer == nil || h.date != today {
		if err := h.rotate(today); err != nil {
			return err
		}
	}
	_, err = h.writer.Write(line)
	return err
}

func (h *dailyHook) rotate(date string) error {
	if h.writer != nil {
		h.writer.Close()
	}
	filename := filepath.Join(h.dir, fmt.Sprintf("%s-%s.log", h.name, date))
	w, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	h.writer = w
	h.date = date
	return nil
}

// New 根据配置创建 logger；Path 为空时只写 stderr
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&Formatter{})
	logger.SetOutput(os.Stderr)

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	if cfg.Path == "" {
		return logger, nil
	}
	if err := os.MkdirAll(cfg.Path, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "relay"
	}
	hook := &dailyHook{dir: cfg.Path, name: name, formatter: &Formatter{}}
	if err := hook.rotate(time.Now().Format(dateLayout)); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.AddHook(hook)
	return logger, nil
}

// Discard 返回一个丢弃所有输出的 logger，测试用
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

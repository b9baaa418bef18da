package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log 组合了 slog.Logger 与可动态调整的日志级别
type Log struct {
	*slog.LevelVar
	*slog.Logger
}

// Logger is the global logger instance
var Logger *Log

func init() {
	Logger = New(os.Stderr)
	Logger.SetLogLevel("error") // 默认只输出错误
}

// New 创建一个写入 w 的文本日志实例
func New(w io.Writer) *Log {
	logLevel := &slog.LevelVar{}
	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{Key: "timestamp", Value: slog.TimeValue(a.Value.Time())}
			}
			return a
		},
	}
	return &Log{
		LevelVar: logLevel,
		Logger:   slog.New(slog.NewTextHandler(w, opts)),
	}
}

// SetLogLevel 按名称设置日志级别，无法识别的名称会被忽略
func (l *Log) SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		l.Set(slog.LevelDebug)
	case "info":
		l.Set(slog.LevelInfo)
	case "warn":
		l.Set(slog.LevelWarn)
	case "error":
		l.Set(slog.LevelError)
	}
}

// Component 返回带有 component 属性的子 logger，各模块据此区分日志来源
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// Discard 返回丢弃所有输出的 logger，主要用于测试
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

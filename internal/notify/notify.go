// Package notify 录制完成或失败时的用户通知
package notify

import "log/slog"

// Notifier 通知接口
type Notifier interface {
	Notify(title, message string)
}

// New 创建通知器，disabled 时只写日志
func New(enabled bool, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if !enabled {
		return &LogNotifier{logger: logger}
	}
	return newPlatformNotifier(logger)
}

// LogNotifier 把通知写入日志
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify 实现 Notifier
func (n *LogNotifier) Notify(title, message string) {
	n.logger.Info("notify: "+title, "message", message)
}
